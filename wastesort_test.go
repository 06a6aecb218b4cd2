package wastesort

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/ecobin/wastesort/internal/utils"
	"github.com/ecobin/wastesort/pkg/model"
	"github.com/ecobin/wastesort/pkg/quant"
	"github.com/ecobin/wastesort/pkg/training"
)

var classColors = map[string]color.NRGBA{
	"hazardous":  {255, 0, 0, 255},
	"organic":    {0, 255, 0, 255},
	"recyclable": {0, 0, 255, 255},
}

// createTestImage creates a solid image with a few lighter pixels
func createTestImage(width, height int, c color.NRGBA, seed int) image.Image {
	img := imaging.New(width, height, c)
	for i := 0; i < 3; i++ {
		img.Set((seed+i)%width, i%height, color.NRGBA{uint8(seed * 30), uint8(seed * 30), uint8(seed * 30), 255})
	}
	return img
}

func writeDataset(t *testing.T, root string) {
	t.Helper()
	for split, n := range map[string]int{"train": 6, "val": 2, "test": 2} {
		for class, c := range classColors {
			dir := filepath.Join(root, split, class)
			if err := os.MkdirAll(dir, 0755); err != nil {
				t.Fatal(err)
			}
			for i := 0; i < n; i++ {
				name := filepath.Join(dir, class+"_"+string(rune('a'+i))+".png")
				if err := imaging.Save(createTestImage(8, 8, c, i), name); err != nil {
					t.Fatal(err)
				}
			}
		}
	}
}

func trainTiny(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeDataset(t, root)
	out := filepath.Join(root, "out")
	report, err := Train(context.Background(), training.Config{
		TrainDir:          filepath.Join(root, "train"),
		ValDir:            filepath.Join(root, "val"),
		TestDir:           filepath.Join(root, "test"),
		Height:            8,
		Width:             8,
		Normalization:     "mobilenet_v2",
		Resampler:         "bilinear",
		BatchSize:         6,
		Shuffle:           true,
		Seed:              7,
		Spec:              model.Spec{Downsample: 2, Backbone: []int{16}, HeadUnits: 16},
		Stage1Epochs:      60,
		Stage2Epochs:      3,
		Stage1LR:          0.02,
		Stage2LR:          0.001,
		FineTuneLayers:    1,
		FocalGamma:        2,
		FocalAlpha:        0.25,
		PlateauFactor:     0.5,
		PlateauPatience:   3,
		EarlyStopPatience: 6,
		FinalPath:         filepath.Join(out, "final.json"),
	})
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	return report.FinalPath
}

// assertColourClasses checks every solid-colour image is assigned its own class
func assertColourClasses(t *testing.T, name string, c *Classifier) {
	t.Helper()
	for class, col := range classColors {
		pred, err := c.Classify(createTestImage(32, 32, col, 0))
		if err != nil {
			t.Fatalf("%s: classify %s failed: %v", name, class, err)
		}
		if pred.Class != class {
			t.Errorf("%s: %s image classified as %s (probabilities %v)", name, class, pred.Class, pred.Probabilities)
		}
	}
}

func TestTrainConvertClassify(t *testing.T) {
	final := trainTiny(t)
	dir := filepath.Dir(final)

	c, err := Open(final)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close()
	if c.Metadata().Normalization != "mobilenet_v2" {
		t.Errorf("metadata normalization %q", c.Metadata().Normalization)
	}
	assertColourClasses(t, "native", c)

	// identical inputs convert to identical bytes
	first := filepath.Join(dir, "a.wsq")
	second := filepath.Join(dir, "b.wsq")
	for _, out := range []string{first, second} {
		if err := Convert(final, out, quant.Int8); err != nil {
			t.Fatalf("Convert failed: %v", err)
		}
	}
	a, _ := os.ReadFile(first)
	b, _ := os.ReadFile(second)
	if len(a) == 0 || !bytes.Equal(a, b) {
		t.Error("conversion is not deterministic")
	}

	q, err := Open(first)
	if err != nil {
		t.Fatalf("Open quantized failed: %v", err)
	}
	defer q.Close()
	assertColourClasses(t, "quantized", q)

	samples := t.TempDir()
	for class, col := range classColors {
		if err := imaging.Save(createTestImage(20, 20, col, 1), filepath.Join(samples, class+".jpg")); err != nil {
			t.Fatal(err)
		}
	}
	annotated := filepath.Join(t.TempDir(), "annotated")
	results, err := q.ClassifyDir(context.Background(), samples, annotated)
	if err != nil {
		t.Fatalf("ClassifyDir failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	for _, r := range results {
		if !utils.FileExists(r.Annotated) {
			t.Errorf("%s: annotated copy missing", r.File)
		}
	}
}

func TestOpenMissing(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "nope.wsq")); err == nil {
		t.Error("Expected error for missing model")
	}
}

func TestAnnotate(t *testing.T) {
	net, err := model.Build(model.Spec{Downsample: 2, Backbone: []int{4}, HeadUnits: 4}, model.Metadata{
		Classes:       []string{"hazardous", "organic", "recyclable"},
		InputHeight:   8,
		InputWidth:    8,
		Channels:      3,
		Normalization: "unit",
		Resampler:     "bilinear",
	}, 1)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "m.json")
	if err := net.Save(path); err != nil {
		t.Fatal(err)
	}
	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	img := createTestImage(200, 80, color.NRGBA{10, 10, 10, 255}, 0)
	pred, err := c.Classify(img)
	if err != nil {
		t.Fatal(err)
	}
	out := c.Annotate(img, pred)
	if out.Bounds() != img.Bounds() {
		t.Errorf("annotated bounds %v; want %v", out.Bounds(), img.Bounds())
	}
	if out.At(15, 20) == img.At(15, 20) {
		t.Error("label area was not drawn")
	}
}

func TestGetVersion(t *testing.T) {
	if GetVersion() != Version || Version == "" {
		t.Errorf("GetVersion() = %q", GetVersion())
	}
}
