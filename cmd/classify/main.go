package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/ecobin/wastesort/internal/config"
	"github.com/ecobin/wastesort/pkg/client"
	"github.com/ecobin/wastesort/pkg/inference"
	"github.com/ecobin/wastesort/pkg/itemid"
	"github.com/ecobin/wastesort/pkg/llamacpp"
	"github.com/ecobin/wastesort/pkg/ollama"
	"github.com/ecobin/wastesort/pkg/types"
)

func main() {
	var cfgPath, modelPath, dir, in, annotate, jsonOut string
	var describe bool
	var backend, url, visionModel string

	flag.StringVar(&cfgPath, "config", "", "JSON config file (defaults when empty)")
	flag.StringVar(&modelPath, "model", "", "model file: full (.json), quantized (.wsq) or .onnx (overrides inference.model_path)")
	flag.StringVar(&dir, "dir", "", "directory of images (overrides inference.sample_dir)")
	flag.StringVar(&in, "in", "", "classify a single image path or URL instead of a directory")
	flag.StringVar(&annotate, "annotate", "", "write labelled copies into this directory")
	flag.StringVar(&jsonOut, "json", "", "also write the results to this JSON file")
	flag.BoolVar(&describe, "describe", false, "ask a vision model for the item name and weight")
	flag.StringVar(&backend, "backend", "", "vision backend: ollama or llamacpp (overrides vision.backend)")
	flag.StringVar(&url, "url", "", "vision server URL (overrides vision.url)")
	flag.StringVar(&visionModel, "vmodel", "", "vision model name (overrides vision.model)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if modelPath == "" {
		modelPath = cfg.Inference.ModelPath
	}
	if dir == "" {
		dir = cfg.Inference.SampleDir
	}
	if annotate == "" {
		annotate = cfg.Inference.AnnotateDir
	}

	classifier, err := inference.Open(modelPath, inference.Options{
		MetadataPath:    cfg.Inference.MetadataPath,
		OnnxLibraryPath: cfg.Inference.OnnxLibraryPath,
	})
	if err != nil {
		log.Fatalf("failed to load model: %v", err)
	}
	defer classifier.Close()
	meta := classifier.Metadata()
	log.Printf("Loaded %s: classes %v, input %dx%d, normalization %s",
		modelPath, meta.Classes, meta.InputWidth, meta.InputHeight, meta.Normalization)
	if configured := types.ClassSet(cfg.Dataset.Classes); len(configured) > 0 && !configured.Equal(meta.Classes) {
		log.Printf("Model class order %v differs from dataset.classes %v; predictions follow the model", meta.Classes, configured)
	}

	var identifier *itemid.Identifier
	if describe {
		if backend != "" {
			cfg.Vision.Backend = backend
		}
		if url != "" {
			cfg.Vision.URL = url
		}
		if visionModel != "" {
			cfg.Vision.Model = visionModel
		}
		identifier, err = newIdentifier(cfg.Vision, meta.Classes)
		if err != nil {
			log.Fatal(err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	runner := inference.NewRunner(classifier)
	runner.AnnotateDir = annotate

	if in != "" {
		pred, err := runner.ClassifyFile(in)
		if err != nil {
			log.Fatal(err)
		}
		res := inference.Result{File: filepath.Base(in), Prediction: pred}
		fmt.Println(res.String())
		if identifier != nil {
			report, err := identifier.IdentifyFile(ctx, in)
			if err != nil {
				log.Fatal(err)
			}
			fmt.Println("   " + describeItem(report))
		}
		return
	}

	results, err := runner.ClassifyDir(ctx, dir)
	if err != nil {
		log.Fatal(err)
	}

	var seen itemid.LastSeen
	items := make([]*types.ItemReport, len(results))
	for i, res := range results {
		fmt.Println(res.String())
		if identifier == nil {
			continue
		}
		report, err := identifier.IdentifyFile(ctx, filepath.Join(dir, res.File))
		if err != nil {
			log.Fatalf("%s: item identification failed: %v", res.File, err)
		}
		line := "   " + describeItem(report)
		if seen.IsDuplicate(report) {
			line += " (same as previous)"
		}
		seen.Record(report)
		items[i] = &report
		fmt.Println(line)
	}

	if jsonOut != "" {
		if err := writeJSON(jsonOut, results, items); err != nil {
			log.Fatal(err)
		}
		log.Printf("wrote %s", jsonOut)
	}
}

func newIdentifier(v config.VisionConfig, classes types.ClassSet) (*itemid.Identifier, error) {
	var c client.VisionClient
	var err error
	switch v.Backend {
	case "ollama":
		c, err = ollama.NewClient(v.URL)
	case "llamacpp":
		c, err = llamacpp.NewClient(v.URL)
	default:
		return nil, fmt.Errorf("unknown backend: %s (use 'ollama' or 'llamacpp')", v.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", v.Backend, err)
	}
	id := itemid.New(c, v.Model, classes)
	id.MaxDim = v.MaxDim
	id.Quality = v.Quality
	return id, nil
}

func describeItem(r types.ItemReport) string {
	s := fmt.Sprintf("item: %s, ~%.0f g", r.Item, r.WeightGrams)
	if r.Category != "" {
		s += ", vision category: " + r.Category
	}
	if r.Fallback {
		s += " (model reply unusable)"
	}
	return s
}

type fileResult struct {
	inference.Result
	Item *types.ItemReport `json:"item,omitempty"`
}

func writeJSON(path string, results []inference.Result, items []*types.ItemReport) error {
	out := make([]fileResult, len(results))
	for i, r := range results {
		out[i] = fileResult{Result: r, Item: items[i]}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
