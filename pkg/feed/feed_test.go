package feed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

var testShape = Shape{Height: 2, Width: 2, Channels: 3}

// makeClasses creates base/<class>/ with n placeholder images each
func makeClasses(t *testing.T, counts map[string]int) string {
	t.Helper()
	base := t.TempDir()
	for class, n := range counts {
		dir := filepath.Join(base, class)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < n; i++ {
			name := filepath.Join(dir, fmt.Sprintf("%s%02d.jpg", class, i))
			if err := os.WriteFile(name, []byte("x"), 0644); err != nil {
				t.Fatal(err)
			}
		}
	}
	return base
}

// fakeLoader returns a constant tensor without decoding anything
func fakeLoader(path string) ([]float32, error) {
	out := make([]float32, testShape.size())
	for i := range out {
		out[i] = 0.5
	}
	return out, nil
}

func names(samples []Sample) []string {
	out := make([]string, len(samples))
	for i, s := range samples {
		out[i] = filepath.Base(s.Path)
	}
	return out
}

func TestBalancedWraparoundScenario(t *testing.T) {
	base := makeClasses(t, map[string]int{"A": 10, "B": 3})
	b, err := NewBalanced(BalancedConfig{
		BaseDir:   base,
		Classes:   []string{"A", "B"},
		BatchSize: 4,
		Shape:     testShape,
	}, fakeLoader)
	if err != nil {
		t.Fatalf("NewBalanced failed: %v", err)
	}

	if b.PerClass() != 2 {
		t.Fatalf("Expected per-class 2, got %d", b.PerClass())
	}
	if b.Len() != 3 {
		t.Errorf("Expected 13/4 = 3 batches, got %d", b.Len())
	}

	tests := []struct {
		idx  int
		want []string
	}{
		{0, []string{"A00.jpg", "A01.jpg", "B00.jpg", "B01.jpg"}},
		{1, []string{"A02.jpg", "A03.jpg", "B02.jpg", "B00.jpg"}},
		{2, []string{"A04.jpg", "A05.jpg", "B01.jpg", "B02.jpg"}},
	}
	for _, tt := range tests {
		got := names(b.Select(tt.idx))
		for i := range tt.want {
			if got[i] != tt.want[i] {
				t.Errorf("batch %d: got %v, want %v", tt.idx, got, tt.want)
				break
			}
		}
	}
}

func TestBalancedWindowStart(t *testing.T) {
	base := makeClasses(t, map[string]int{"A": 7, "B": 5, "C": 2})
	b, err := NewBalanced(BalancedConfig{
		BaseDir:   base,
		Classes:   []string{"A", "B", "C"},
		BatchSize: 9,
		Shape:     testShape,
	}, fakeLoader)
	if err != nil {
		t.Fatal(err)
	}
	perClass := b.PerClass()
	for idx := 0; idx < 50; idx++ {
		samples := b.Select(idx)
		offset := 0
		for class := 0; class < 3; class++ {
			files := b.Files(class)
			start := (idx * perClass) % len(files)
			if samples[offset].Path != files[start] {
				t.Fatalf("idx %d class %d: window starts at %s, want %s", idx, class, samples[offset].Path, files[start])
			}
			offset += perClass
		}
	}
}

func TestBalancedBatchSizeAlwaysExact(t *testing.T) {
	base := makeClasses(t, map[string]int{"a": 5, "b": 1, "c": 3, "d": 2})
	all := []string{"a", "b", "c", "d"}
	for k := 1; k <= len(all); k++ {
		for size := 1; size <= 11; size++ {
			b, err := NewBalanced(BalancedConfig{
				BaseDir:   base,
				Classes:   all[:k],
				BatchSize: size,
				Shape:     testShape,
			}, fakeLoader)
			if err != nil {
				t.Fatal(err)
			}
			for idx := 0; idx < b.Len()+5; idx++ {
				batch, err := b.Batch(context.Background(), idx)
				if err != nil {
					t.Fatalf("k=%d size=%d idx=%d: %v", k, size, idx, err)
				}
				if batch.Size() != size {
					t.Fatalf("k=%d size=%d idx=%d: got %d samples", k, size, idx, batch.Size())
				}
				in := batch.Inputs.Shape()
				lab := batch.Labels.Shape()
				if in[0] != size || in[1] != 2 || in[2] != 2 || in[3] != 3 {
					t.Fatalf("Unexpected input shape %v", in)
				}
				if lab[0] != size || lab[1] != k {
					t.Fatalf("Unexpected label shape %v", lab)
				}
			}
		}
	}
}

func TestBalancedPaddingRepeatsFirstSamples(t *testing.T) {
	base := makeClasses(t, map[string]int{"a": 4, "b": 4, "c": 4})
	b, err := NewBalanced(BalancedConfig{
		BaseDir:   base,
		Classes:   []string{"a", "b", "c"},
		BatchSize: 5,
		Shape:     testShape,
	}, fakeLoader)
	if err != nil {
		t.Fatal(err)
	}
	got := names(b.Select(0))
	want := []string{"a00.jpg", "b00.jpg", "c00.jpg", "a00.jpg", "b00.jpg"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Select(0) = %v, want %v", got, want)
		}
	}
}

func TestBalancedTruncates(t *testing.T) {
	base := makeClasses(t, map[string]int{"a": 2, "b": 2, "c": 2})
	b, err := NewBalanced(BalancedConfig{
		BaseDir:   base,
		Classes:   []string{"a", "b", "c"},
		BatchSize: 2,
		Shape:     testShape,
	}, fakeLoader)
	if err != nil {
		t.Fatal(err)
	}
	got := b.Select(0)
	if len(got) != 2 || got[0].Class != 0 || got[1].Class != 1 {
		t.Errorf("Expected first two classes only, got %+v", got)
	}
}

func TestBalancedLabelsOneHot(t *testing.T) {
	base := makeClasses(t, map[string]int{"a": 3, "b": 3})
	b, err := NewBalanced(BalancedConfig{
		BaseDir:   base,
		Classes:   []string{"a", "b"},
		BatchSize: 4,
		Shape:     testShape,
	}, fakeLoader)
	if err != nil {
		t.Fatal(err)
	}
	batch, err := b.Batch(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	labels := batch.Labels.Data().([]float32)
	want := []float32{1, 0, 1, 0, 0, 1, 0, 1}
	for i := range want {
		if labels[i] != want[i] {
			t.Fatalf("labels = %v, want %v", labels, want)
		}
	}
}

func TestBalancedEmptyClassFails(t *testing.T) {
	base := makeClasses(t, map[string]int{"a": 3, "b": 0})
	_, err := NewBalanced(BalancedConfig{
		BaseDir:   base,
		Classes:   []string{"a", "b"},
		BatchSize: 4,
		Shape:     testShape,
	}, fakeLoader)
	if !errors.Is(err, ErrEmptyClass) {
		t.Errorf("Expected ErrEmptyClass, got %v", err)
	}
}

func TestBalancedMaxPerClass(t *testing.T) {
	base := makeClasses(t, map[string]int{"a": 20, "b": 3})
	b, err := NewBalanced(BalancedConfig{
		BaseDir:     base,
		Classes:     []string{"a", "b"},
		BatchSize:   2,
		Shape:       testShape,
		MaxPerClass: 5,
		Seed:        11,
	}, fakeLoader)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(b.Files(0)); n != 5 {
		t.Errorf("Expected cap of 5 files, got %d", n)
	}
	if n := len(b.Files(1)); n != 3 {
		t.Errorf("Class under the cap should keep 3 files, got %d", n)
	}
	if b.Len() != 4 {
		t.Errorf("Expected 8/2 = 4 batches, got %d", b.Len())
	}
}

func TestBalancedLenAtLeastOne(t *testing.T) {
	base := makeClasses(t, map[string]int{"a": 1, "b": 1})
	b, err := NewBalanced(BalancedConfig{
		BaseDir:   base,
		Classes:   []string{"a", "b"},
		BatchSize: 32,
		Shape:     testShape,
	}, fakeLoader)
	if err != nil {
		t.Fatal(err)
	}
	if b.Len() != 1 {
		t.Errorf("Expected Len 1, got %d", b.Len())
	}
}

func TestBalancedReshufflePreservesMembership(t *testing.T) {
	base := makeClasses(t, map[string]int{"a": 30, "b": 25})
	b, err := NewBalanced(BalancedConfig{
		BaseDir:   base,
		Classes:   []string{"a", "b"},
		BatchSize: 8,
		Shape:     testShape,
		Shuffle:   true,
		Seed:      5,
	}, fakeLoader)
	if err != nil {
		t.Fatal(err)
	}

	before := [][]string{b.Files(0), b.Files(1)}
	b.OnEpochEnd()
	for class := 0; class < 2; class++ {
		after := b.Files(class)
		changed := false
		for i := range after {
			if after[i] != before[class][i] {
				changed = true
				break
			}
		}
		if !changed {
			t.Errorf("class %d order unchanged after reshuffle", class)
		}

		x := append([]string(nil), before[class]...)
		y := append([]string(nil), after...)
		sort.Strings(x)
		sort.Strings(y)
		for i := range x {
			if x[i] != y[i] {
				t.Fatalf("class %d membership changed", class)
			}
		}
	}
}

func TestBalancedNoShuffleKeepsOrder(t *testing.T) {
	base := makeClasses(t, map[string]int{"a": 5})
	b, err := NewBalanced(BalancedConfig{
		BaseDir:   base,
		Classes:   []string{"a"},
		BatchSize: 2,
		Shape:     testShape,
	}, fakeLoader)
	if err != nil {
		t.Fatal(err)
	}
	before := b.Files(0)
	b.OnEpochEnd()
	after := b.Files(0)
	for i := range before {
		if before[i] != after[i] {
			t.Fatal("order changed with shuffling disabled")
		}
	}
}

func TestBalancedLoaderErrorPropagates(t *testing.T) {
	base := makeClasses(t, map[string]int{"a": 2})
	boom := errors.New("corrupt image")
	b, err := NewBalanced(BalancedConfig{
		BaseDir:   base,
		Classes:   []string{"a"},
		BatchSize: 2,
		Shape:     testShape,
	}, func(string) ([]float32, error) { return nil, boom })
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Batch(context.Background(), 0); !errors.Is(err, boom) {
		t.Errorf("Expected loader error, got %v", err)
	}
}

func TestDirectoryPartialLastBatch(t *testing.T) {
	base := makeClasses(t, map[string]int{"a": 3, "b": 2})
	d, err := NewDirectory(base, []string{"a", "b"}, 2, testShape, fakeLoader)
	if err != nil {
		t.Fatal(err)
	}
	if d.Len() != 3 || d.Samples() != 5 {
		t.Fatalf("Expected 3 batches over 5 samples, got %d over %d", d.Len(), d.Samples())
	}
	last, err := d.Batch(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if last.Size() != 1 || last.Samples[0].Class != 1 {
		t.Errorf("Unexpected last batch %+v", last.Samples)
	}
	if _, err := d.Batch(context.Background(), 3); err == nil {
		t.Error("Expected out of range error")
	}
}

func TestDirectoryEmptyClassFails(t *testing.T) {
	base := makeClasses(t, map[string]int{"a": 1, "b": 0})
	if _, err := NewDirectory(base, []string{"a", "b"}, 2, testShape, fakeLoader); !errors.Is(err, ErrEmptyClass) {
		t.Errorf("Expected ErrEmptyClass, got %v", err)
	}
}

func TestBatchHonoursCancellation(t *testing.T) {
	base := makeClasses(t, map[string]int{"a": 2})
	d, err := NewDirectory(base, []string{"a"}, 2, testShape, fakeLoader)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Batch(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
