package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
	if c.Feed.BatchSize != 32 || c.Preprocess.Width != 224 || c.Preprocess.Height != 224 {
		t.Errorf("unexpected defaults: %+v %+v", c.Feed, c.Preprocess)
	}
	if c.Training.Stage1Epochs != 6 || c.Training.Stage2Epochs != 4 || c.Training.FineTuneLayers != 30 {
		t.Errorf("unexpected schedule: %+v", c.Training)
	}
	if strings.Join(c.Dataset.Classes, ",") != "hazardous,organic,recyclable" {
		t.Errorf("unexpected classes %v", c.Dataset.Classes)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"duplicate classes", func(c *Config) { c.Dataset.Classes = []string{"a", "a"} }},
		{"val fraction", func(c *Config) { c.Dataset.ValFraction = 1 }},
		{"batch size", func(c *Config) { c.Feed.BatchSize = 0 }},
		{"normalization", func(c *Config) { c.Preprocess.Normalization = "imagenet" }},
		{"resampler", func(c *Config) { c.Preprocess.Resampler = "cubic" }},
		{"downsample divides input", func(c *Config) { c.Model.Downsample = 5 }},
		{"dropout", func(c *Config) { c.Model.Dropout = 1 }},
		{"learning rate", func(c *Config) { c.Training.Stage2LR = 0 }},
		{"plateau factor", func(c *Config) { c.Training.PlateauFactor = 1 }},
		{"precision", func(c *Config) { c.Convert.Precision = "int4" }},
		{"camera format", func(c *Config) { c.Camera.Format = "gif" }},
		{"camera quality", func(c *Config) { c.Camera.Quality = 0 }},
		{"vision backend", func(c *Config) { c.Vision.Backend = "gemini" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestEmptyClassesAreDiscovered(t *testing.T) {
	c := Default()
	c.Dataset.Classes = nil
	if err := c.Validate(); err != nil {
		t.Errorf("empty class list should be allowed: %v", err)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	c := Default()
	c.Feed.BatchSize = 8
	c.Camera.Format = "webp"
	if err := c.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if loaded.Feed.BatchSize != 8 || loaded.Camera.Format != "webp" {
		t.Errorf("round trip lost values: %+v %+v", loaded.Feed, loaded.Camera)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"feed": {"batch_size": 4}}`), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Feed.BatchSize != 4 {
		t.Errorf("batch size %d", c.Feed.BatchSize)
	}
	if c.Training.Stage1LR != 1e-4 || c.Camera.PreviewMs != 1000 {
		t.Error("defaults were not kept for missing fields")
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadFromFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("Expected error for missing file")
	}
	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte("{"), 0644)
	if _, err := LoadFromFile(bad); err == nil {
		t.Error("Expected error for malformed file")
	}
}

func TestTrainingRun(t *testing.T) {
	c := Default()
	c.Dataset.TrainDir = "data/train"
	run := c.TrainingRun()
	if run.TrainDir != "data/train" || run.BatchSize != 32 || run.Height != 224 {
		t.Errorf("unexpected run config: %+v", run)
	}
	if run.Spec.HeadUnits != 256 || len(run.Spec.Backbone) != 3 {
		t.Errorf("unexpected spec: %+v", run.Spec)
	}
	if run.CheckpointPath != "best_v2_balanced.json" || run.FinalPath != "waste_classifier_final.json" {
		t.Errorf("unexpected paths: %+v", run)
	}

	run.Spec.Backbone[0] = 1
	if c.Model.Backbone[0] == 1 {
		t.Error("TrainingRun shares the backbone slice with the config")
	}
}

func TestCaptureConfig(t *testing.T) {
	c := Default()
	c.Camera.Format = "WEBP"
	cc := c.CaptureConfig()
	if cc.Format != "webp" || cc.PreviewMs != 1000 || cc.SaveDir != "captured_images" {
		t.Errorf("unexpected capture config: %+v", cc)
	}
	if cc.LiveWindow == "" {
		t.Error("window names should keep their defaults")
	}
}

func TestLoad(t *testing.T) {
	c, err := Load("")
	if err != nil || c.Feed.BatchSize != 32 {
		t.Fatalf("Load(\"\") = %+v, %v", c, err)
	}

	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"feed": {"batch_size": 0}}`), 0644)
	if _, err := Load(path); err == nil {
		t.Error("Expected validation error")
	}
}
