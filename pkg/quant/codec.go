package quant

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ecobin/wastesort/internal/utils"
	"github.com/ecobin/wastesort/pkg/model"
)

var le = binary.LittleEndian

var activations = []string{model.Linear, model.ReLU}

func activationCode(name string) (uint8, error) {
	for i, a := range activations {
		if a == name {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("unknown activation %q", name)
}

// errWriter keeps the first write error so encoding reads linearly
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) put(v interface{}) {
	if e.err == nil {
		e.err = binary.Write(e.w, le, v)
	}
}

// Encode writes the model. Equal models always produce identical bytes.
func (m *Model) Encode(w io.Writer) error {
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return err
	}
	prec := uint8(0)
	if m.Precision == Int8 {
		prec = 1
	}

	ew := &errWriter{w: w}
	ew.put([]byte(Magic))
	ew.put(Version)
	ew.put(prec)
	ew.put(uint32(len(meta)))
	ew.put(meta)
	ew.put(uint16(len(m.Layers)))
	for _, l := range m.Layers {
		ew.put(l.Kind)
		switch l.Kind {
		case kindDownsample:
			ew.put([]uint32{uint32(l.Height), uint32(l.Width), uint32(l.Channels), uint32(l.Factor)})
		case kindDense:
			act, err := activationCode(l.Activation)
			if err != nil {
				return err
			}
			ew.put([]uint32{uint32(l.Inputs), uint32(l.Outputs)})
			ew.put(act)
			if m.Precision == Int8 {
				ew.put(l.Scale)
				ew.put(l.Quantized)
			} else {
				ew.put(l.Weights)
			}
			ew.put(l.Bias)
		}
	}
	return ew.err
}

// Decode reads a model written by Encode
func Decode(r io.Reader) (*Model, error) {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if string(magic) != Magic {
		return nil, fmt.Errorf("not a quantized model (magic %q)", magic)
	}
	var version uint16
	var prec uint8
	var metaLen uint32
	if err := readAll(r, &version, &prec, &metaLen); err != nil {
		return nil, err
	}
	if version != Version {
		return nil, fmt.Errorf("unsupported quantized model version %d", version)
	}
	if metaLen > 1<<20 {
		return nil, fmt.Errorf("metadata block of %d bytes is too large", metaLen)
	}

	m := &Model{Precision: Float32}
	if prec == 1 {
		m.Precision = Int8
	}
	meta := make([]byte, metaLen)
	if _, err := io.ReadFull(r, meta); err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(meta, &m.Metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	var count uint16
	if err := binary.Read(r, le, &count); err != nil {
		return nil, err
	}
	for i := 0; i < int(count); i++ {
		l, err := decodeLayer(r, m.Precision)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		m.Layers = append(m.Layers, l)
	}
	if err := m.build(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeLayer(r io.Reader, prec Precision) (Layer, error) {
	var l Layer
	if err := binary.Read(r, le, &l.Kind); err != nil {
		return l, err
	}
	switch l.Kind {
	case kindDownsample:
		dims := make([]uint32, 4)
		if err := binary.Read(r, le, dims); err != nil {
			return l, err
		}
		l.Height, l.Width, l.Channels, l.Factor = int(dims[0]), int(dims[1]), int(dims[2]), int(dims[3])
	case kindDense:
		dims := make([]uint32, 2)
		var act uint8
		if err := readAll(r, dims, &act); err != nil {
			return l, err
		}
		if int(act) >= len(activations) {
			return l, fmt.Errorf("unknown activation code %d", act)
		}
		l.Inputs, l.Outputs, l.Activation = int(dims[0]), int(dims[1]), activations[act]
		if l.Inputs*l.Outputs > 1<<28 {
			return l, fmt.Errorf("dense layer %dx%d is too large", l.Inputs, l.Outputs)
		}
		if prec == Int8 {
			l.Quantized = make([]int8, l.Inputs*l.Outputs)
			if err := readAll(r, &l.Scale, l.Quantized); err != nil {
				return l, err
			}
		} else {
			l.Weights = make([]float32, l.Inputs*l.Outputs)
			if err := binary.Read(r, le, l.Weights); err != nil {
				return l, err
			}
		}
		l.Bias = make([]float32, l.Outputs)
		if err := binary.Read(r, le, l.Bias); err != nil {
			return l, err
		}
	default:
		return l, fmt.Errorf("unknown layer kind %d", l.Kind)
	}
	return l, nil
}

func readAll(r io.Reader, vs ...interface{}) error {
	for _, v := range vs {
		if err := binary.Read(r, le, v); err != nil {
			return fmt.Errorf("truncated quantized model: %w", err)
		}
	}
	return nil
}

// Write encodes the model to path
func (m *Model) Write(path string) error {
	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := utils.EnsureDir(dir); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write quantized model: %w", err)
	}
	return nil
}

// Open decodes the model stored at path
func Open(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open quantized model: %w", err)
	}
	defer f.Close()
	return Decode(bufio.NewReader(f))
}

// IsQuantized reports whether path starts with the quantized model magic
func IsQuantized(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}
	return string(magic) == Magic
}

// ConvertFile loads a full model, converts it and writes the result
func ConvertFile(in, out string, opts Options) (*Model, error) {
	net, err := model.Load(in)
	if err != nil {
		return nil, err
	}
	m, err := Convert(net, opts)
	if err != nil {
		return nil, err
	}
	if err := m.Write(out); err != nil {
		return nil, err
	}
	return m, nil
}
