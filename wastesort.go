// Package wastesort classifies photos of waste into hazardous, organic and
// recyclable (or any class set a model was trained with).
//
// Basic usage:
//
//	package main
//
//	import (
//		"fmt"
//		"log"
//
//		"github.com/ecobin/wastesort"
//	)
//
//	func main() {
//		// Load a full (.json), quantized (.wsq) or ONNX model
//		c, err := wastesort.Open("waste_classifier.wsq")
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer c.Close()
//
//		pred, err := c.ClassifyFile("bottle.jpg")
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Printf("%s (%.3f)\n", pred.Class, pred.Confidence)
//	}
//
// The package ties together the components under pkg/:
//
//  1. Dataset (pkg/dataset): counts and splits class-per-directory image folders
//  2. Feed (pkg/feed): class-balanced training batches
//  3. Model and training (pkg/model, pkg/loss, pkg/training): a transfer-learning
//     network trained in two stages with a focal loss
//  4. Quant (pkg/quant): a compact int8 inference format
//  5. Inference and camera (pkg/inference, pkg/camera): file, directory and
//     live camera classification
//
// Every model file records its class order, input size and pixel
// normalization, and each runner preprocesses with exactly those settings.
package wastesort

import (
	"context"
	"fmt"
	"image"

	"github.com/ecobin/wastesort/pkg/inference"
	"github.com/ecobin/wastesort/pkg/model"
	"github.com/ecobin/wastesort/pkg/processing"
	"github.com/ecobin/wastesort/pkg/quant"
	"github.com/ecobin/wastesort/pkg/training"
	"github.com/ecobin/wastesort/pkg/types"
)

// Version of the wastesort library
const Version = "1.0.0"

// Classifier is a loaded model plus the image helpers around it
type Classifier struct {
	classifier inference.Classifier
	runner     *inference.Runner
	processor  *processing.Processor
}

// Open loads a model with default options
func Open(modelPath string) (*Classifier, error) {
	return OpenWithOptions(modelPath, inference.Options{})
}

// OpenWithOptions loads a model; opts matter only for ONNX models
func OpenWithOptions(modelPath string, opts inference.Options) (*Classifier, error) {
	c, err := inference.Open(modelPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	return Wrap(c), nil
}

// Wrap builds a Classifier around an already loaded model
func Wrap(c inference.Classifier) *Classifier {
	return &Classifier{
		classifier: c,
		runner:     inference.NewRunner(c),
		processor:  processing.NewProcessor(),
	}
}

// Classify predicts the class of a decoded image
func (c *Classifier) Classify(img image.Image) (types.Prediction, error) {
	return c.classifier.Classify(img)
}

// ClassifyFile loads an image from a path or URL and classifies it
func (c *Classifier) ClassifyFile(source string) (types.Prediction, error) {
	return c.runner.ClassifyFile(source)
}

// ClassifyDir classifies every image directly inside dir. Labelled copies
// are written to annotateDir when it is not empty.
func (c *Classifier) ClassifyDir(ctx context.Context, dir, annotateDir string) ([]inference.Result, error) {
	c.runner.AnnotateDir = annotateDir
	return c.runner.ClassifyDir(ctx, dir)
}

// Annotate returns a copy of img with the prediction label burned in
func (c *Classifier) Annotate(img image.Image, pred types.Prediction) image.Image {
	return c.processor.Annotate(img, pred.Label(), processing.DefaultAnnotateOptions())
}

// Metadata describes the loaded model
func (c *Classifier) Metadata() model.Metadata {
	return c.classifier.Metadata()
}

// Close releases the model
func (c *Classifier) Close() error {
	return c.classifier.Close()
}

// Train runs the two-stage training schedule and saves the final model
func Train(ctx context.Context, cfg training.Config) (training.Report, error) {
	return training.NewOrchestrator(cfg).Run(ctx)
}

// Convert writes the quantized form of a full model file
func Convert(in, out string, precision quant.Precision) error {
	_, err := quant.ConvertFile(in, out, quant.Options{Precision: precision})
	return err
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
