package model

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/ecobin/wastesort/internal/utils"
)

const (
	// ArtifactFormat identifies full model files
	ArtifactFormat = "wastesort-model"
	// ArtifactVersion is bumped on incompatible layout changes
	ArtifactVersion = 1
)

type artifact struct {
	Format   string      `json:"format"`
	Version  int         `json:"version"`
	Metadata Metadata    `json:"metadata"`
	Backbone []LayerSpec `json:"backbone"`
	Head     []LayerSpec `json:"head"`
}

// Save writes the full model, weights and metadata, as JSON. The file is
// written next to path and renamed into place so a reader never sees a
// partial checkpoint.
func (n *Network) Save(path string) error {
	a := artifact{
		Format:   ArtifactFormat,
		Version:  ArtifactVersion,
		Metadata: n.Metadata,
	}
	for _, l := range n.Backbone {
		a.Backbone = append(a.Backbone, l.Spec())
	}
	for _, l := range n.Head {
		a.Head = append(a.Head, l.Spec())
	}

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal model: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := utils.EnsureDir(dir); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move model into place: %w", err)
	}
	return nil
}

func readArtifact(path string) (*artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse model %s: %w", path, err)
	}
	if a.Format != ArtifactFormat {
		return nil, fmt.Errorf("%s is not a model artifact (format %q)", path, a.Format)
	}
	if a.Version != ArtifactVersion {
		return nil, fmt.Errorf("unsupported model version %d", a.Version)
	}
	return &a, nil
}

func buildLayers(specs []LayerSpec, inputs int, rng *rand.Rand) ([]Layer, int, error) {
	layers := make([]Layer, 0, len(specs))
	width := inputs
	for i, s := range specs {
		if s.Inputs != width {
			return nil, 0, fmt.Errorf("layer %d (%s) expects %d inputs, previous layer gives %d", i, s.Type, s.Inputs, width)
		}
		l, err := layerFromSpec(s, rng)
		if err != nil {
			return nil, 0, fmt.Errorf("layer %d: %w", i, err)
		}
		layers = append(layers, l)
		width = l.OutputSize()
	}
	return layers, width, nil
}

// IsArtifact reports whether path holds a full model file
func IsArtifact(path string) bool {
	_, err := readArtifact(path)
	return err == nil
}

// Load reads a model written by Save. The backbone is returned unfrozen.
func Load(path string) (*Network, error) {
	a, err := readArtifact(path)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(1))
	backbone, width, err := buildLayers(a.Backbone, a.Metadata.InputSize(), rng)
	if err != nil {
		return nil, err
	}
	head, _, err := buildLayers(a.Head, width, rng)
	if err != nil {
		return nil, err
	}
	if len(head) == 0 {
		return nil, fmt.Errorf("%w: model has no head", ErrMetadata)
	}
	n := &Network{
		Metadata: a.Metadata,
		Backbone: backbone,
		Head:     head,
		frozen:   make([]bool, len(backbone)),
	}
	if err := n.Metadata.Validate(n.Outputs()); err != nil {
		return nil, err
	}
	return n, nil
}

// LoadBackbone takes the backbone of a saved model and attaches a freshly
// initialized head for meta's classes. The input geometry and normalization
// must match the saved model.
func LoadBackbone(path string, spec Spec, meta Metadata, seed int64) (*Network, error) {
	if err := meta.Validate(len(meta.Classes)); err != nil {
		return nil, err
	}
	a, err := readArtifact(path)
	if err != nil {
		return nil, err
	}
	src := a.Metadata
	if src.InputHeight != meta.InputHeight || src.InputWidth != meta.InputWidth || src.Channels != meta.Channels {
		return nil, fmt.Errorf("%w: backbone input %dx%dx%d, want %dx%dx%d", ErrMetadata,
			src.InputHeight, src.InputWidth, src.Channels, meta.InputHeight, meta.InputWidth, meta.Channels)
	}
	if src.Normalization != meta.Normalization {
		return nil, fmt.Errorf("%w: backbone trained with %q normalization, want %q", ErrMetadata, src.Normalization, meta.Normalization)
	}

	rng := rand.New(rand.NewSource(seed))
	backbone, _, err := buildLayers(a.Backbone, meta.InputSize(), rng)
	if err != nil {
		return nil, err
	}
	n := &Network{Metadata: meta, Backbone: backbone, frozen: make([]bool, len(backbone))}
	if err := n.attachHead(spec, rng); err != nil {
		return nil, err
	}
	return n, nil
}
