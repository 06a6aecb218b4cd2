// Package inference loads any supported model artifact behind one
// Classifier interface and runs it over images and directories.
package inference

import (
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/ecobin/wastesort/internal/utils"
	"github.com/ecobin/wastesort/pkg/model"
	"github.com/ecobin/wastesort/pkg/onnx"
	"github.com/ecobin/wastesort/pkg/preprocess"
	"github.com/ecobin/wastesort/pkg/quant"
	"github.com/ecobin/wastesort/pkg/types"
)

// Classifier predicts the waste class of a decoded image
type Classifier interface {
	Classify(img image.Image) (types.Prediction, error)
	Metadata() model.Metadata
	Close() error
}

// Options configures Open
type Options struct {
	// MetadataPath is the sidecar of an ONNX model; empty derives
	// <model>_metadata.json next to the model
	MetadataPath string
	// OnnxLibraryPath points at the onnxruntime shared library
	OnnxLibraryPath string
}

// Open picks the classifier matching the artifact at path: a full model
// file, a quantized file or an ONNX model with its sidecar.
func Open(path string, opts Options) (Classifier, error) {
	if !utils.FileExists(path) {
		return nil, fmt.Errorf("model file %s does not exist", path)
	}
	switch {
	case strings.EqualFold(filepath.Ext(path), ".onnx"):
		meta := opts.MetadataPath
		if meta == "" {
			meta = SidecarPath(path)
		}
		return onnx.NewClassifier(path, meta, opts.OnnxLibraryPath)
	case quant.IsQuantized(path):
		m, err := quant.Open(path)
		if err != nil {
			return nil, err
		}
		return NewQuantized(m)
	case model.IsArtifact(path):
		net, err := model.Load(path)
		if err != nil {
			return nil, err
		}
		return NewNative(net)
	default:
		return nil, fmt.Errorf("%s is not a recognised model file", path)
	}
}

// SidecarPath returns the default metadata path of an ONNX model
func SidecarPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + "_metadata.json"
}

type predictor func(input []float32) ([]float32, error)

// tensorClassifier preprocesses with the artifact's own settings and maps
// the arg-max through its class list
type tensorClassifier struct {
	meta    model.Metadata
	pre     *preprocess.Preprocessor
	predict predictor
}

func newTensorClassifier(meta model.Metadata, predict predictor) (*tensorClassifier, error) {
	pre, err := meta.Preprocessor()
	if err != nil {
		return nil, err
	}
	return &tensorClassifier{meta: meta, pre: pre, predict: predict}, nil
}

func (c *tensorClassifier) Classify(img image.Image) (types.Prediction, error) {
	probs, err := c.predict(c.pre.Tensor(img))
	if err != nil {
		return types.Prediction{}, err
	}
	return types.FromProbabilities(c.meta.Classes, probs)
}

func (c *tensorClassifier) Metadata() model.Metadata { return c.meta }

func (c *tensorClassifier) Close() error { return nil }

// NewNative classifies with a full-precision network
func NewNative(net *model.Network) (Classifier, error) {
	return newTensorClassifier(net.Metadata, net.PredictOne)
}

// NewQuantized classifies with a converted model
func NewQuantized(m *quant.Model) (Classifier, error) {
	return newTensorClassifier(m.Metadata, m.Predict)
}
