// Package onnx classifies images with an exported ONNX model through
// onnxruntime. Each model ships with a JSON sidecar that states its tensor
// shapes, class order and input preprocessing.
package onnx

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ecobin/wastesort/pkg/model"
	"github.com/ecobin/wastesort/pkg/preprocess"
	"github.com/ecobin/wastesort/pkg/types"
)

// ErrNormalizationUnspecified is returned for sidecars that do not say how
// inputs were normalized during training
var ErrNormalizationUnspecified = errors.New("model metadata does not specify a normalization")

// Metadata is the sidecar JSON of an ONNX model
type Metadata struct {
	InputShape    []int64  `json:"input_shape"`
	OutputShape   []int64  `json:"output_shape"`
	Classes       []string `json:"classes"`
	ImageSize     int      `json:"image_size,omitempty"`
	InputName     string   `json:"input_name,omitempty"`
	OutputName    string   `json:"output_name,omitempty"`
	Normalization string   `json:"normalization"`
	Layout        string   `json:"layout,omitempty"`
	Resampler     string   `json:"resampler,omitempty"`
	// Logits marks models whose output still needs a softmax
	Logits bool `json:"logits,omitempty"`
}

// LoadMetadata reads and validates a sidecar file
func LoadMetadata(path string) (Metadata, error) {
	var m Metadata
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to parse metadata: %w", err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

func (m *Metadata) applyDefaults() {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if m.Layout == "" {
		m.Layout = string(preprocess.NHWC)
	}
	m.Layout = strings.ToLower(m.Layout)
}

// Validate checks the sidecar describes a single-image RGB classifier whose
// output width matches its class list
func (m Metadata) Validate() error {
	if strings.TrimSpace(m.Normalization) == "" {
		return ErrNormalizationUnspecified
	}
	if _, err := preprocess.ParseNormalization(m.Normalization); err != nil {
		return err
	}
	if _, err := preprocess.ParseResampler(m.Resampler); err != nil {
		return err
	}
	if err := types.ClassSet(m.Classes).Validate(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrMetadata, err)
	}
	if len(m.OutputShape) == 0 {
		return fmt.Errorf("%w: output shape is empty", model.ErrMetadata)
	}
	if width := m.OutputShape[len(m.OutputShape)-1]; int(width) != len(m.Classes) {
		return fmt.Errorf("%w: %d classes for an output of width %d", model.ErrMetadata, len(m.Classes), width)
	}
	if _, _, err := m.imageSize(); err != nil {
		return err
	}
	return nil
}

// imageSize derives height and width from the input shape and layout
func (m Metadata) imageSize() (int, int, error) {
	s := m.InputShape
	if len(s) != 4 || s[0] != 1 {
		return 0, 0, fmt.Errorf("%w: input shape %v is not a single image", model.ErrMetadata, s)
	}
	switch preprocess.Layout(m.Layout) {
	case preprocess.NHWC:
		if s[3] != 3 {
			return 0, 0, fmt.Errorf("%w: nhwc input %v does not have 3 channels", model.ErrMetadata, s)
		}
		return int(s[1]), int(s[2]), nil
	case preprocess.NCHW:
		if s[1] != 3 {
			return 0, 0, fmt.Errorf("%w: nchw input %v does not have 3 channels", model.ErrMetadata, s)
		}
		return int(s[2]), int(s[3]), nil
	default:
		return 0, 0, fmt.Errorf("unknown layout %q", m.Layout)
	}
}

// ModelMetadata returns the framework-neutral view of the sidecar
func (m Metadata) ModelMetadata() model.Metadata {
	h, w, _ := m.imageSize()
	return model.Metadata{
		Classes:       m.Classes,
		InputHeight:   h,
		InputWidth:    w,
		Channels:      3,
		Normalization: m.Normalization,
		Resampler:     m.Resampler,
	}
}

// Preprocessor builds the input pipeline the sidecar describes
func (m Metadata) Preprocessor() (*preprocess.Preprocessor, error) {
	h, w, err := m.imageSize()
	if err != nil {
		return nil, err
	}
	norm, err := preprocess.ParseNormalization(m.Normalization)
	if err != nil {
		return nil, err
	}
	rs, err := preprocess.ParseResampler(m.Resampler)
	if err != nil {
		return nil, err
	}
	return preprocess.New(w, h, norm, rs, preprocess.Layout(m.Layout))
}
