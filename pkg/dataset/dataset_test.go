package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// makeTree creates root/<split>/<class>/ with n empty image files per class
func makeTree(t *testing.T, root, split string, counts map[string]int) {
	t.Helper()
	for class, n := range counts {
		dir := filepath.Join(root, split, class)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < n; i++ {
			name := filepath.Join(dir, fmt.Sprintf("img_%03d.jpg", i))
			if err := os.WriteFile(name, []byte("x"), 0644); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func TestCount(t *testing.T) {
	root := t.TempDir()
	makeTree(t, root, "train", map[string]int{"organic": 4, "hazardous": 2})
	makeTree(t, root, "test", map[string]int{"organic": 1, "hazardous": 1})
	// ignored file types
	os.WriteFile(filepath.Join(root, "train", "organic", "notes.txt"), []byte("x"), 0644)

	report, err := Count(root, nil)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if len(report.Splits) != 3 {
		t.Fatalf("Expected 3 splits, got %d", len(report.Splits))
	}

	train := report.Splits[0]
	if !train.Present || train.Total() != 6 {
		t.Errorf("Expected 6 train images, got %d (present=%v)", train.Total(), train.Present)
	}
	if train.Classes[0].Class != "hazardous" || train.Classes[0].Images != 2 {
		t.Errorf("Expected hazardous:2 first, got %+v", train.Classes[0])
	}
	if report.Splits[1].Present {
		t.Error("val split should be reported missing")
	}
	if missing := report.Missing(); len(missing) != 1 || missing[0] != "val" {
		t.Errorf("Missing() = %v; want [val]", missing)
	}
	if !strings.Contains(report.String(), "organic: 4 images") {
		t.Errorf("Report output missing class line:\n%s", report.String())
	}
}

func TestSplitMovesFraction(t *testing.T) {
	root := t.TempDir()
	makeTree(t, root, "train", map[string]int{"organic": 10, "recyclable": 5})
	trainDir := filepath.Join(root, "train")
	valDir := filepath.Join(root, "val")

	res, err := Split(trainDir, valDir, []string{"organic", "recyclable"}, 0.2, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if res.Moved["organic"] != 2 || res.Moved["recyclable"] != 1 {
		t.Errorf("Unexpected moved counts: %v", res.Moved)
	}

	left, _ := ListClassFiles(filepath.Join(trainDir, "organic"))
	moved, _ := ListClassFiles(filepath.Join(valDir, "organic"))
	if len(left) != 8 || len(moved) != 2 {
		t.Errorf("Expected 8 train / 2 val organic files, got %d / %d", len(left), len(moved))
	}
	for _, m := range moved {
		if _, err := os.Stat(filepath.Join(trainDir, "organic", filepath.Base(m))); err == nil {
			t.Errorf("%s still present in train", filepath.Base(m))
		}
	}
}

func TestSplitRejectsBadFraction(t *testing.T) {
	if _, err := Split(t.TempDir(), t.TempDir(), []string{"a"}, 1.5, nil); err == nil {
		t.Error("Expected error for fraction > 1")
	}
}

func TestValidateLayout(t *testing.T) {
	root := t.TempDir()
	makeTree(t, root, "train", map[string]int{"organic": 1, "hazardous": 0})
	dir := filepath.Join(root, "train")

	if err := ValidateLayout(dir, []string{"organic"}); err != nil {
		t.Errorf("Expected valid layout, got %v", err)
	}
	if err := ValidateLayout(dir, []string{"organic", "hazardous"}); err != nil {
		t.Errorf("Empty class directory should pass, got %v", err)
	}
	if err := ValidateLayout(dir, []string{"recyclable"}); err == nil {
		t.Error("Expected error for missing class directory")
	}
	if err := ValidateLayout(filepath.Join(root, "val"), []string{"organic"}); err == nil {
		t.Error("Expected error for missing split directory")
	}
}

func TestDiscoverClassesSorted(t *testing.T) {
	root := t.TempDir()
	makeTree(t, root, "val", map[string]int{"recyclable": 1, "hazardous": 1, "organic": 1})

	classes, err := DiscoverClasses(filepath.Join(root, "val"))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"hazardous", "organic", "recyclable"}
	for i := range want {
		if classes[i] != want[i] {
			t.Errorf("classes[%d] = %s, want %s", i, classes[i], want[i])
		}
	}
}
