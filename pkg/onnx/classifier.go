package onnx

import (
	"fmt"
	"image"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/ecobin/wastesort/pkg/model"
	"github.com/ecobin/wastesort/pkg/preprocess"
	"github.com/ecobin/wastesort/pkg/types"
)

// Classifier runs one ONNX session with preallocated input and output tensors.
// It is not safe for concurrent use.
type Classifier struct {
	session      *ort.AdvancedSession
	meta         Metadata
	pre          *preprocess.Preprocessor
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewClassifier loads the model and its sidecar. libraryPath points at the
// onnxruntime shared library; empty uses the platform default.
func NewClassifier(modelPath, metadataPath, libraryPath string) (*Classifier, error) {
	meta, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}
	pre, err := meta.Preprocessor()
	if err != nil {
		return nil, err
	}

	if !ort.IsInitialized() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Classifier{
		session:      session,
		meta:         meta,
		pre:          pre,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Predict runs the session on a preprocessed tensor and returns probabilities
func (c *Classifier) Predict(input []float32) ([]float32, error) {
	dst := c.inputTensor.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(input), len(dst))
	}
	copy(dst, input)
	if err := c.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return c.probabilities(c.outputTensor.GetData()), nil
}

func (c *Classifier) probabilities(raw []float32) []float32 {
	out := make([]float32, len(c.meta.Classes))
	copy(out, raw)
	if !c.meta.Logits {
		return out
	}
	logits := make([]float64, len(out))
	for i, v := range out {
		logits[i] = float64(v)
	}
	model.Softmax(logits)
	for i, p := range logits {
		out[i] = float32(p)
	}
	return out
}

// Classify preprocesses img with the sidecar settings and returns the top class
func (c *Classifier) Classify(img image.Image) (types.Prediction, error) {
	probs, err := c.Predict(c.pre.Tensor(img))
	if err != nil {
		return types.Prediction{}, err
	}
	return types.FromProbabilities(c.meta.Classes, probs)
}

// Metadata returns the model description
func (c *Classifier) Metadata() model.Metadata {
	return c.meta.ModelMetadata()
}

// Close releases the tensors, the session and the runtime environment
func (c *Classifier) Close() error {
	if c.inputTensor != nil {
		c.inputTensor.Destroy()
	}
	if c.outputTensor != nil {
		c.outputTensor.Destroy()
	}
	if c.session != nil {
		c.session.Destroy()
	}
	return ort.DestroyEnvironment()
}
