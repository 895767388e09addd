package pipeline

import (
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"gonum.org/v1/gonum/floats"

	"github.com/Brownie44l1/leaf-api/internal/labels"
)

// DefaultThreshold is the minimum arg-max probability reported as a class.
const DefaultThreshold = 0.60

// Result is the outcome of one classification.
type Result struct {
	Recognized    bool               `json:"recognized"`
	Label         string             `json:"label,omitempty"`
	Index         int                `json:"index"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float32 `json:"predictions,omitempty"`
}

func (r *Result) String() string {
	if !r.Recognized {
		return fmt.Sprintf("not recognized (confidence: %.2f%%)", r.Confidence*100)
	}
	return fmt.Sprintf("%s (confidence: %.2f%%)", capitalize(r.Label), r.Confidence*100)
}

func capitalize(s string) string {
	first, size := utf8.DecodeRuneInString(s)
	if first == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(first)) + strings.ToLower(s[size:])
}

// ArgMax returns the index and value of the largest element. Ties resolve
// to the lowest index. It returns -1 for an empty slice.
func ArgMax(probs []float32) (int, float32) {
	if len(probs) == 0 {
		return -1, 0
	}
	v := make([]float64, len(probs))
	for i, p := range probs {
		v[i] = float64(p)
	}
	idx := floats.MaxIdx(v)
	return idx, probs[idx]
}

// Decide applies arg-max, the confidence threshold and label lookup to one
// probability vector.
func Decide(probs []float32, set labels.Set, threshold float64) (*Result, error) {
	const op = "decide"

	if len(probs) == 0 {
		return nil, newError(KindInference, op, "model returned no outputs")
	}
	for i, p := range probs {
		if math.IsNaN(float64(p)) || math.IsInf(float64(p), 0) {
			return nil, newError(KindInference, op, "output %d is not finite: %v", i, p)
		}
	}

	idx, confidence := ArgMax(probs)
	if _, err := set.Lookup(idx); err != nil {
		return nil, wrap(KindLabelMismatch, op, err)
	}
	if len(probs) != set.Len() {
		return nil, newError(KindInference, op, "model returned %d outputs for %d labels", len(probs), set.Len())
	}

	predictions := make(map[string]float32, len(probs))
	for i, p := range probs {
		predictions[set[i]] = p
	}

	result := &Result{
		Index:         idx,
		Confidence:    float64(confidence),
		Probabilities: predictions,
	}
	if result.Confidence >= threshold {
		result.Recognized = true
		result.Label = set[idx]
	}
	return result, nil
}
