package onnx

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ecobin/wastesort/pkg/model"
	"github.com/ecobin/wastesort/pkg/preprocess"
)

func writeSidecar(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model_metadata.json")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMetadata(t *testing.T) {
	path := writeSidecar(t, `{
		"input_shape": [1, 224, 224, 3],
		"output_shape": [1, 3],
		"classes": ["hazardous", "organic", "recyclable"],
		"normalization": "mobilenet_v2"
	}`)
	m, err := LoadMetadata(path)
	if err != nil {
		t.Fatalf("LoadMetadata failed: %v", err)
	}
	if m.InputName != "input" || m.OutputName != "output" || m.Layout != "nhwc" {
		t.Errorf("defaults not applied: %+v", m)
	}
	mm := m.ModelMetadata()
	if mm.InputHeight != 224 || mm.InputWidth != 224 || len(mm.Classes) != 3 {
		t.Errorf("ModelMetadata = %+v", mm)
	}
	pre, err := m.Preprocessor()
	if err != nil {
		t.Fatal(err)
	}
	if pre.Normalization != preprocess.MobileNetV2 || pre.Layout != preprocess.NHWC {
		t.Errorf("Preprocessor = %+v", pre)
	}
}

func TestLoadMetadataNCHW(t *testing.T) {
	path := writeSidecar(t, `{
		"input_shape": [1, 3, 48, 64],
		"output_shape": [1, 2],
		"classes": ["a", "b"],
		"normalization": "unit",
		"layout": "NCHW",
		"resampler": "lanczos3"
	}`)
	m, err := LoadMetadata(path)
	if err != nil {
		t.Fatal(err)
	}
	pre, err := m.Preprocessor()
	if err != nil {
		t.Fatal(err)
	}
	if pre.Height != 48 || pre.Width != 64 || pre.Layout != preprocess.NCHW || pre.Resampler != preprocess.Lanczos3 {
		t.Errorf("Preprocessor = %+v", pre)
	}
}

func TestMetadataRequiresNormalization(t *testing.T) {
	path := writeSidecar(t, `{
		"input_shape": [1, 224, 224, 3],
		"output_shape": [1, 3],
		"classes": ["hazardous", "organic", "recyclable"]
	}`)
	if _, err := LoadMetadata(path); !errors.Is(err, ErrNormalizationUnspecified) {
		t.Errorf("Expected ErrNormalizationUnspecified, got %v", err)
	}
}

func TestMetadataValidate(t *testing.T) {
	base := func() Metadata {
		return Metadata{
			InputShape:    []int64{1, 8, 8, 3},
			OutputShape:   []int64{1, 3},
			Classes:       []string{"hazardous", "organic", "recyclable"},
			Normalization: "unit",
			Layout:        "nhwc",
		}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("valid metadata rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(m *Metadata)
		isMeta bool
	}{
		{"class count mismatch", func(m *Metadata) { m.OutputShape = []int64{1, 4} }, true},
		{"batch of images", func(m *Metadata) { m.InputShape = []int64{4, 8, 8, 3} }, true},
		{"grayscale", func(m *Metadata) { m.InputShape = []int64{1, 8, 8, 1} }, true},
		{"empty output", func(m *Metadata) { m.OutputShape = nil }, true},
		{"unknown normalization", func(m *Metadata) { m.Normalization = "imagenet" }, false},
		{"unknown layout", func(m *Metadata) { m.Layout = "hwc" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base()
			tt.mutate(&m)
			err := m.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if tt.isMeta && !errors.Is(err, model.ErrMetadata) {
				t.Errorf("Expected ErrMetadata, got %v", err)
			}
		})
	}
}

func TestProbabilitiesAppliesSoftmaxToLogits(t *testing.T) {
	c := &Classifier{meta: Metadata{Classes: []string{"a", "b"}, Logits: true}}
	p := c.probabilities([]float32{0, 0})
	if p[0] != 0.5 || p[1] != 0.5 {
		t.Errorf("softmax of equal logits = %v", p)
	}

	c.meta.Logits = false
	p = c.probabilities([]float32{0.2, 0.8})
	if p[0] != 0.2 || p[1] != 0.8 {
		t.Errorf("probabilities changed without Logits: %v", p)
	}
}
