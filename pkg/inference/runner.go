package inference

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/ecobin/wastesort/internal/utils"
	"github.com/ecobin/wastesort/pkg/processing"
	"github.com/ecobin/wastesort/pkg/types"
)

// Result is the outcome for one file of a directory run
type Result struct {
	File       string           `json:"file"`
	Prediction types.Prediction `json:"prediction"`
	Annotated  string           `json:"annotated,omitempty"`
}

// String formats the result the way the batch runner prints it
func (r Result) String() string {
	return fmt.Sprintf("%s → Predicted: %s (Confidence: %.3f)", r.File, r.Prediction.Class, r.Prediction.Confidence)
}

// Runner classifies image files with one classifier
type Runner struct {
	Classifier Classifier
	Processor  *processing.Processor
	// AnnotateDir, when set, receives a copy of every image with its label
	// burned in
	AnnotateDir string
	Logger      *log.Logger
}

// NewRunner creates a runner without annotation
func NewRunner(c Classifier) *Runner {
	return &Runner{Classifier: c, Processor: processing.NewProcessor()}
}

// ClassifyFile decodes and classifies a single image file or URL
func (r *Runner) ClassifyFile(source string) (types.Prediction, error) {
	img, err := r.Processor.LoadImageSmart(source)
	if err != nil {
		return types.Prediction{}, err
	}
	return r.Classifier.Classify(img)
}

// ClassifyDir classifies every eligible image directly inside dir, in name
// order. The first file that fails to load or classify aborts the run; the
// results gathered before it are returned with the error.
func (r *Runner) ClassifyDir(ctx context.Context, dir string) ([]Result, error) {
	files, err := utils.ListImageFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	if r.AnnotateDir != "" {
		if err := utils.EnsureDir(r.AnnotateDir); err != nil {
			return nil, err
		}
	}

	results := make([]Result, 0, len(files))
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := r.classifyOne(path)
		if err != nil {
			return results, fmt.Errorf("%s: %w", path, err)
		}
		if r.Logger != nil {
			r.Logger.Print(res.String())
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Runner) classifyOne(path string) (Result, error) {
	res := Result{File: filepath.Base(path)}
	img, err := r.Processor.LoadImage(path)
	if err != nil {
		return res, err
	}
	res.Prediction, err = r.Classifier.Classify(img)
	if err != nil {
		return res, err
	}
	if r.AnnotateDir == "" {
		return res, nil
	}

	annotated := r.Processor.Annotate(img, res.Prediction.Label(), processing.DefaultAnnotateOptions())
	name := strings.TrimSuffix(res.File, filepath.Ext(res.File)) + "_" + utils.SanitizeFilename(res.Prediction.Class) + ".jpg"
	out := filepath.Join(r.AnnotateDir, name)
	if err := r.Processor.SaveImage(annotated, out, "jpg", 90, false); err != nil {
		return res, fmt.Errorf("failed to save annotated copy: %w", err)
	}
	res.Annotated = out
	return res, nil
}
