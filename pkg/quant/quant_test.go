package quant

import (
	"bytes"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/ecobin/wastesort/pkg/model"
)

func testNetwork(t *testing.T) *model.Network {
	t.Helper()
	n, err := model.Build(model.Spec{Downsample: 2, Backbone: []int{12}, HeadUnits: 8, Dropout: 0.3}, model.Metadata{
		Classes:       []string{"hazardous", "organic", "recyclable"},
		InputHeight:   4,
		InputWidth:    4,
		Channels:      3,
		Normalization: "mobilenet_v2",
		Resampler:     "bilinear",
	}, 11)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func randomInput(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.Float64()*2 - 1)
	}
	return out
}

func TestParsePrecision(t *testing.T) {
	tests := []struct {
		in      string
		want    Precision
		wantErr bool
	}{
		{"", Int8, false},
		{"INT8", Int8, false},
		{"float32", Float32, false},
		{"fp16", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePrecision(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePrecision(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestQuantizeSymmetric(t *testing.T) {
	scale, q := quantize([]float64{-2, 0, 1.5, 2})
	if math.Abs(float64(scale)-2.0/127) > 1e-7 {
		t.Errorf("scale = %v; want %v", scale, 2.0/127)
	}
	want := []int8{-127, 0, 95, 127}
	for i := range want {
		if q[i] != want[i] {
			t.Errorf("q = %v; want %v", q, want)
			break
		}
	}

	scale, q = quantize([]float64{0, 0})
	if scale != 1 || q[0] != 0 {
		t.Error("all-zero tensor should quantize to zeros with unit scale")
	}
}

func TestConvertDropsDropout(t *testing.T) {
	net := testNetwork(t)
	m, err := Convert(net, Options{})
	if err != nil {
		t.Fatal(err)
	}
	// downsample, backbone dense, head dense, output dense
	if len(m.Layers) != 4 {
		t.Errorf("Expected 4 stored layers, got %d", len(m.Layers))
	}
	if m.Precision != Int8 {
		t.Errorf("default precision = %q; want int8", m.Precision)
	}
}

func TestPredictMatchesNetwork(t *testing.T) {
	net := testNetwork(t)
	rng := rand.New(rand.NewSource(2))

	for _, tt := range []struct {
		prec Precision
		tol  float64
	}{
		{Float32, 1e-5},
		{Int8, 0.05},
	} {
		m, err := Convert(net, Options{Precision: tt.prec})
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 10; i++ {
			in := randomInput(rng, net.Metadata.InputSize())
			want, err := net.PredictOne(in)
			if err != nil {
				t.Fatal(err)
			}
			got, err := m.Predict(in)
			if err != nil {
				t.Fatal(err)
			}
			sum := 0.0
			for j := range want {
				if math.Abs(float64(got[j]-want[j])) > tt.tol {
					t.Errorf("%s: prob[%d] = %v, network %v", tt.prec, j, got[j], want[j])
				}
				sum += float64(got[j])
			}
			if math.Abs(sum-1) > 1e-5 {
				t.Errorf("%s: probabilities sum to %v", tt.prec, sum)
			}
		}
	}
}

func TestEncodeDeterministic(t *testing.T) {
	net := testNetwork(t)
	var a, b bytes.Buffer
	m1, err := Convert(net, Options{Precision: Int8})
	if err != nil {
		t.Fatal(err)
	}
	m2, err := Convert(net, Options{Precision: Int8})
	if err != nil {
		t.Fatal(err)
	}
	if err := m1.Encode(&a); err != nil {
		t.Fatal(err)
	}
	if err := m2.Encode(&b); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Error("two conversions of the same model differ")
	}
	if !bytes.HasPrefix(a.Bytes(), []byte(Magic)) {
		t.Error("encoded model does not start with the magic")
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	net := testNetwork(t)
	for _, prec := range []Precision{Int8, Float32} {
		m, err := Convert(net, Options{Precision: prec})
		if err != nil {
			t.Fatal(err)
		}
		var buf bytes.Buffer
		if err := m.Encode(&buf); err != nil {
			t.Fatal(err)
		}
		encoded := append([]byte(nil), buf.Bytes()...)

		decoded, err := Decode(&buf)
		if err != nil {
			t.Fatalf("%s: Decode failed: %v", prec, err)
		}
		if decoded.Precision != prec || decoded.Metadata.Normalization != "mobilenet_v2" {
			t.Errorf("%s: header not preserved: %q %+v", prec, decoded.Precision, decoded.Metadata)
		}

		var again bytes.Buffer
		if err := decoded.Encode(&again); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(encoded, again.Bytes()) {
			t.Errorf("%s: re-encoding a decoded model changed its bytes", prec)
		}

		in := randomInput(rand.New(rand.NewSource(5)), net.Metadata.InputSize())
		p1, _ := m.Predict(in)
		p2, _ := decoded.Predict(in)
		for j := range p1 {
			if p1[j] != p2[j] {
				t.Errorf("%s: decoded model predicts differently", prec)
				break
			}
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode(bytes.NewReader([]byte("NOPE0000"))); err == nil {
		t.Error("Expected error for bad magic")
	}

	m, err := Convert(testNetwork(t), Options{})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	truncated := buf.Bytes()[:buf.Len()-10]
	if _, err := Decode(bytes.NewReader(truncated)); err == nil {
		t.Error("Expected error for truncated model")
	}
}

func TestConvertFile(t *testing.T) {
	dir := t.TempDir()
	full := filepath.Join(dir, "final.json")
	if err := testNetwork(t).Save(full); err != nil {
		t.Fatal(err)
	}

	int8Path := filepath.Join(dir, "out", "model.wsq")
	if _, err := ConvertFile(full, int8Path, Options{Precision: Int8}); err != nil {
		t.Fatalf("ConvertFile failed: %v", err)
	}
	f32Path := filepath.Join(dir, "out", "model_f32.wsq")
	if _, err := ConvertFile(full, f32Path, Options{Precision: Float32}); err != nil {
		t.Fatal(err)
	}

	if !IsQuantized(int8Path) || IsQuantized(full) {
		t.Error("IsQuantized does not tell the formats apart")
	}

	a, _ := os.Stat(int8Path)
	b, _ := os.Stat(f32Path)
	if a.Size() >= b.Size() {
		t.Errorf("int8 file (%d bytes) should be smaller than float32 (%d bytes)", a.Size(), b.Size())
	}

	m, err := Open(int8Path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if len(m.Metadata.Classes) != 3 {
		t.Errorf("classes not preserved: %v", m.Metadata.Classes)
	}
}

func TestPredictRejectsWrongSize(t *testing.T) {
	m, err := Convert(testNetwork(t), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Predict(make([]float32, 3)); err == nil {
		t.Error("Expected error for wrong input size")
	}
}

func BenchmarkPredictInt8(b *testing.B) {
	n, err := model.Build(model.Spec{Downsample: 4, Backbone: []int{64}, HeadUnits: 32}, model.Metadata{
		Classes:       []string{"hazardous", "organic", "recyclable"},
		InputHeight:   32,
		InputWidth:    32,
		Channels:      3,
		Normalization: "mobilenet_v2",
	}, 1)
	if err != nil {
		b.Fatal(err)
	}
	m, err := Convert(n, Options{})
	if err != nil {
		b.Fatal(err)
	}
	in := make([]float32, n.Metadata.InputSize())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Predict(in)
	}
}
