package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ecobin/wastesort/pkg/camera"
	"github.com/ecobin/wastesort/pkg/model"
	"github.com/ecobin/wastesort/pkg/preprocess"
	"github.com/ecobin/wastesort/pkg/quant"
	"github.com/ecobin/wastesort/pkg/training"
	"github.com/ecobin/wastesort/pkg/types"
)

// Config holds the application configuration
type Config struct {
	Dataset    DatasetConfig    `json:"dataset"`
	Feed       FeedConfig       `json:"feed"`
	Preprocess PreprocessConfig `json:"preprocess"`
	Model      ModelConfig      `json:"model"`
	Training   TrainingConfig   `json:"training"`
	Convert    ConvertConfig    `json:"convert"`
	Inference  InferenceConfig  `json:"inference"`
	Camera     CameraConfig     `json:"camera"`
	Vision     VisionConfig     `json:"vision"`
}

// DatasetConfig describes the split directories
type DatasetConfig struct {
	Root     string `json:"root"`
	TrainDir string `json:"train_dir"`
	ValDir   string `json:"val_dir"`
	TestDir  string `json:"test_dir"`
	// Classes fixes the label order; empty discovers it from val_dir
	Classes     []string `json:"classes"`
	ValFraction float64  `json:"val_fraction"`
	Seed        int64    `json:"seed"`
}

// FeedConfig holds configuration for the balanced batch feed
type FeedConfig struct {
	BatchSize   int  `json:"batch_size"`
	MaxPerClass int  `json:"max_per_class"`
	Shuffle     bool `json:"shuffle"`
}

// PreprocessConfig is recorded in every trained model
type PreprocessConfig struct {
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	Normalization string `json:"normalization"`
	Resampler     string `json:"resampler"`
}

// ModelConfig holds the network architecture
type ModelConfig struct {
	Downsample   int     `json:"downsample"`
	Backbone     []int   `json:"backbone"`
	HeadUnits    int     `json:"head_units"`
	Dropout      float64 `json:"dropout"`
	BackbonePath string  `json:"backbone_path"`
}

// TrainingConfig holds the two-stage schedule and its callbacks
type TrainingConfig struct {
	Stage1Epochs      int     `json:"stage1_epochs"`
	Stage2Epochs      int     `json:"stage2_epochs"`
	Stage1LR          float64 `json:"stage1_lr"`
	Stage2LR          float64 `json:"stage2_lr"`
	FineTuneLayers    int     `json:"fine_tune_layers"`
	FocalGamma        float64 `json:"focal_gamma"`
	FocalAlpha        float64 `json:"focal_alpha"`
	PlateauFactor     float64 `json:"plateau_factor"`
	PlateauPatience   int     `json:"plateau_patience"`
	EarlyStopPatience int     `json:"early_stop_patience"`
	CheckpointPath    string  `json:"checkpoint_path"`
	CSVPath           string  `json:"csv_path"`
	FinalPath         string  `json:"final_path"`
	Seed              int64   `json:"seed"`
}

// ConvertConfig holds configuration for the quantized export
type ConvertConfig struct {
	Input     string `json:"input"`
	Output    string `json:"output"`
	Precision string `json:"precision"`
}

// InferenceConfig holds configuration for the batch runner
type InferenceConfig struct {
	ModelPath string `json:"model_path"`
	// MetadataPath is the sidecar of an ONNX model
	MetadataPath    string `json:"metadata_path"`
	OnnxLibraryPath string `json:"onnx_library_path"`
	SampleDir       string `json:"sample_dir"`
	AnnotateDir     string `json:"annotate_dir"`
}

// CameraConfig holds configuration for the capture loop
type CameraConfig struct {
	DeviceID  int    `json:"device_id"`
	ModelPath string `json:"model_path"`
	SaveDir   string `json:"save_dir"`
	Format    string `json:"format"`
	Quality   int    `json:"quality"`
	PreviewMs int    `json:"preview_ms"`
}

// VisionConfig holds configuration for item identification
type VisionConfig struct {
	Backend string `json:"backend"`
	URL     string `json:"url"`
	Model   string `json:"model"`
	MaxDim  int    `json:"max_dim"`
	Quality int    `json:"quality"`
}

// Default returns a configuration with default values
func Default() *Config {
	spec := model.DefaultSpec()
	return &Config{
		Dataset: DatasetConfig{
			Root:        "waste_dataset",
			TrainDir:    "waste_dataset/train",
			ValDir:      "waste_dataset/val",
			TestDir:     "waste_dataset/test",
			Classes:     append([]string(nil), types.DefaultClasses...),
			ValFraction: 0.2,
			Seed:        42,
		},
		Feed: FeedConfig{
			BatchSize: 32,
			Shuffle:   true,
		},
		Preprocess: PreprocessConfig{
			Width:         224,
			Height:        224,
			Normalization: string(preprocess.MobileNetV2),
			Resampler:     string(preprocess.Bilinear),
		},
		Model: ModelConfig{
			Downsample: spec.Downsample,
			Backbone:   spec.Backbone,
			HeadUnits:  spec.HeadUnits,
			Dropout:    spec.Dropout,
		},
		Training: TrainingConfig{
			Stage1Epochs:      6,
			Stage2Epochs:      4,
			Stage1LR:          1e-4,
			Stage2LR:          1e-5,
			FineTuneLayers:    30,
			FocalGamma:        2.0,
			FocalAlpha:        0.25,
			PlateauFactor:     0.5,
			PlateauPatience:   3,
			EarlyStopPatience: 6,
			CheckpointPath:    "best_v2_balanced.json",
			CSVPath:           "training_v2_balanced.csv",
			FinalPath:         "waste_classifier_final.json",
			Seed:              42,
		},
		Convert: ConvertConfig{
			Input:     "waste_classifier_final.json",
			Output:    "waste_classifier.wsq",
			Precision: string(quant.Int8),
		},
		Inference: InferenceConfig{
			ModelPath: "waste_classifier.wsq",
			SampleDir: "sample_images",
		},
		Camera: CameraConfig{
			ModelPath: "waste_classifier_final.json",
			SaveDir:   "captured_images",
			Format:    "jpg",
			Quality:   90,
			PreviewMs: 1000,
		},
		Vision: VisionConfig{
			Backend: "ollama",
			URL:     "http://localhost:11434",
			Model:   "llava",
			MaxDim:  1024,
			Quality: 85,
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Fields missing from the
// file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Load returns the defaults when filename is empty, otherwise the file
// merged over the defaults. The result is validated either way.
func Load(filename string) (*Config, error) {
	config := Default()
	if filename != "" {
		var err error
		if config, err = LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Dataset.Classes) > 0 {
		if err := types.ClassSet(c.Dataset.Classes).Validate(); err != nil {
			return fmt.Errorf("dataset.classes: %w", err)
		}
	}
	if c.Dataset.ValFraction < 0 || c.Dataset.ValFraction >= 1 {
		return fmt.Errorf("dataset.val_fraction must be in [0, 1)")
	}

	if c.Feed.BatchSize < 1 {
		return fmt.Errorf("feed.batch_size must be positive")
	}
	if c.Feed.MaxPerClass < 0 {
		return fmt.Errorf("feed.max_per_class cannot be negative")
	}

	if c.Preprocess.Width < 1 || c.Preprocess.Height < 1 {
		return fmt.Errorf("preprocess.width and preprocess.height must be positive")
	}
	if _, err := preprocess.ParseNormalization(c.Preprocess.Normalization); err != nil {
		return fmt.Errorf("preprocess.normalization: %w", err)
	}
	if _, err := preprocess.ParseResampler(c.Preprocess.Resampler); err != nil {
		return fmt.Errorf("preprocess.resampler: %w", err)
	}

	if c.Model.Downsample < 1 {
		return fmt.Errorf("model.downsample must be positive")
	}
	if c.Preprocess.Width%c.Model.Downsample != 0 || c.Preprocess.Height%c.Model.Downsample != 0 {
		return fmt.Errorf("model.downsample must divide the input size")
	}
	if c.Model.HeadUnits < 1 {
		return fmt.Errorf("model.head_units must be positive")
	}
	if c.Model.Dropout < 0 || c.Model.Dropout >= 1 {
		return fmt.Errorf("model.dropout must be in [0, 1)")
	}

	t := c.Training
	if t.Stage1Epochs < 0 || t.Stage2Epochs < 0 {
		return fmt.Errorf("training epochs cannot be negative")
	}
	if t.Stage1LR <= 0 || t.Stage2LR <= 0 {
		return fmt.Errorf("training learning rates must be positive")
	}
	if t.FineTuneLayers < 0 {
		return fmt.Errorf("training.fine_tune_layers cannot be negative")
	}
	if t.FocalGamma < 0 || t.FocalAlpha <= 0 {
		return fmt.Errorf("training.focal_gamma must be >= 0 and focal_alpha > 0")
	}
	if t.PlateauFactor <= 0 || t.PlateauFactor >= 1 {
		return fmt.Errorf("training.plateau_factor must be between 0 and 1")
	}
	if t.PlateauPatience < 0 || t.EarlyStopPatience < 0 {
		return fmt.Errorf("training patience cannot be negative")
	}

	if _, err := quant.ParsePrecision(c.Convert.Precision); err != nil {
		return fmt.Errorf("convert.precision: %w", err)
	}

	switch strings.ToLower(c.Camera.Format) {
	case "jpg", "jpeg", "webp", "png":
	default:
		return fmt.Errorf("camera.format must be jpg, png or webp")
	}
	if c.Camera.Quality < 1 || c.Camera.Quality > 100 {
		return fmt.Errorf("camera.quality must be between 1 and 100")
	}
	if c.Camera.PreviewMs < 1 {
		return fmt.Errorf("camera.preview_ms must be positive")
	}

	switch c.Vision.Backend {
	case "ollama", "llamacpp":
	default:
		return fmt.Errorf("vision.backend must be ollama or llamacpp")
	}
	if c.Vision.Quality < 1 || c.Vision.Quality > 100 {
		return fmt.Errorf("vision.quality must be between 1 and 100")
	}
	return nil
}

// ModelSpec returns the architecture section as a model spec
func (c *Config) ModelSpec() model.Spec {
	return model.Spec{
		Downsample: c.Model.Downsample,
		Backbone:   append([]int(nil), c.Model.Backbone...),
		HeadUnits:  c.Model.HeadUnits,
		Dropout:    c.Model.Dropout,
	}
}

// TrainingRun assembles the orchestrator config from every section it spans
func (c *Config) TrainingRun() training.Config {
	t := c.Training
	return training.Config{
		TrainDir:          c.Dataset.TrainDir,
		ValDir:            c.Dataset.ValDir,
		TestDir:           c.Dataset.TestDir,
		Classes:           append([]string(nil), c.Dataset.Classes...),
		Height:            c.Preprocess.Height,
		Width:             c.Preprocess.Width,
		Normalization:     c.Preprocess.Normalization,
		Resampler:         c.Preprocess.Resampler,
		BatchSize:         c.Feed.BatchSize,
		MaxPerClass:       c.Feed.MaxPerClass,
		Shuffle:           c.Feed.Shuffle,
		Seed:              t.Seed,
		Spec:              c.ModelSpec(),
		BackbonePath:      c.Model.BackbonePath,
		Stage1Epochs:      t.Stage1Epochs,
		Stage2Epochs:      t.Stage2Epochs,
		Stage1LR:          t.Stage1LR,
		Stage2LR:          t.Stage2LR,
		FineTuneLayers:    t.FineTuneLayers,
		FocalGamma:        t.FocalGamma,
		FocalAlpha:        t.FocalAlpha,
		PlateauFactor:     t.PlateauFactor,
		PlateauPatience:   t.PlateauPatience,
		EarlyStopPatience: t.EarlyStopPatience,
		CheckpointPath:    t.CheckpointPath,
		CSVPath:           t.CSVPath,
		FinalPath:         t.FinalPath,
	}
}

// CaptureConfig returns the camera session settings
func (c *Config) CaptureConfig() camera.Config {
	cc := camera.DefaultConfig()
	cc.SaveDir = c.Camera.SaveDir
	cc.Format = strings.ToLower(c.Camera.Format)
	cc.Quality = c.Camera.Quality
	cc.PreviewMs = c.Camera.PreviewMs
	return cc
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "wastesort", "config.json")
}
