package preprocess

import "fmt"

// Normalization maps an 8-bit pixel intensity into the range a model was
// trained on.
type Normalization string

const (
	// TanhRange maps 0..255 to [-1, 1] via v/127.5 - 1.
	TanhRange Normalization = "tanh-range"
	// UnitRange maps 0..255 to [0, 1] via v/255.
	UnitRange Normalization = "unit-range"
)

func (n Normalization) Validate() error {
	switch n {
	case TanhRange, UnitRange:
		return nil
	}
	return fmt.Errorf("unknown normalization %q (want %q or %q)", string(n), TanhRange, UnitRange)
}

func (n Normalization) Scale(v uint8) float32 {
	if n == UnitRange {
		return float32(v) / 255.0
	}
	return float32(v)/127.5 - 1
}

// Inverse maps a normalized value back to the 0..255 intensity scale.
func (n Normalization) Inverse(f float32) float32 {
	if n == UnitRange {
		return f * 255.0
	}
	return (f + 1) * 127.5
}

// Range returns the closed interval produced by Scale.
func (n Normalization) Range() (lo, hi float32) {
	if n == UnitRange {
		return 0, 1
	}
	return -1, 1
}

// Layout is the memory order of the input tensor.
type Layout string

const (
	NHWC Layout = "nhwc"
	NCHW Layout = "nchw"
)

func (l Layout) Validate() error {
	switch l {
	case NHWC, NCHW:
		return nil
	}
	return fmt.Errorf("unknown tensor layout %q (want %q or %q)", string(l), NHWC, NCHW)
}
