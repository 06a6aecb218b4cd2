package types

import (
	"fmt"
	"strings"
)

// DefaultClasses is the class order the waste models are trained with
var DefaultClasses = []string{"hazardous", "organic", "recyclable"}

// ClassSet is an ordered list of category names. The position of a name is
// its one-hot index, so training and inference must agree on the order.
type ClassSet []string

// Index returns the position of name in the set, or -1
func (c ClassSet) Index(name string) int {
	for i, n := range c {
		if n == name {
			return i
		}
	}
	return -1
}

// Validate checks the set is non-empty and free of blank or duplicate names
func (c ClassSet) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("class set is empty")
	}
	seen := make(map[string]struct{}, len(c))
	for i, n := range c {
		if strings.TrimSpace(n) == "" {
			return fmt.Errorf("class %d has an empty name", i)
		}
		if _, ok := seen[n]; ok {
			return fmt.Errorf("duplicate class %q", n)
		}
		seen[n] = struct{}{}
	}
	return nil
}

// Equal reports whether both sets list the same names in the same order
func (c ClassSet) Equal(other ClassSet) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if c[i] != other[i] {
			return false
		}
	}
	return true
}

// Prediction is the top class of one forward pass
type Prediction struct {
	Class         string    `json:"class"`
	Index         int       `json:"index"`
	Confidence    float32   `json:"confidence"`
	Probabilities []float32 `json:"probabilities,omitempty"`
}

// Label formats the prediction the way it is burned into captured frames
func (p Prediction) Label() string {
	return fmt.Sprintf("%s (%.2f)", p.Class, p.Confidence)
}

// FromProbabilities picks the arg-max class and its probability as confidence
func FromProbabilities(classes ClassSet, probs []float32) (Prediction, error) {
	if len(probs) == 0 {
		return Prediction{}, fmt.Errorf("empty probability vector")
	}
	if len(probs) != len(classes) {
		return Prediction{}, fmt.Errorf("model returned %d probabilities for %d classes", len(probs), len(classes))
	}

	maxIdx := 0
	maxVal := probs[0]
	for i, v := range probs {
		if v > maxVal {
			maxVal = v
			maxIdx = i
		}
	}

	out := make([]float32, len(probs))
	copy(out, probs)
	return Prediction{
		Class:         classes[maxIdx],
		Index:         maxIdx,
		Confidence:    maxVal,
		Probabilities: out,
	}, nil
}

// ItemReport is what a vision model says about the largest object in a photo
type ItemReport struct {
	Item        string  `json:"item"`
	WeightGrams float64 `json:"weight_in_grams"`
	Category    string  `json:"category,omitempty"`
	Fallback    bool    `json:"fallback,omitempty"`
}

// FallbackItem is returned when the vision model reply cannot be parsed
func FallbackItem() ItemReport {
	return ItemReport{
		Item:        "unidentified object",
		WeightGrams: 50,
		Fallback:    true,
	}
}
