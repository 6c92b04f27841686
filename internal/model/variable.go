package model

import (
	"fmt"
	"math"
	"strings"
)

// VariableType is the data type of a value published by the target.
type VariableType string

const (
	Sint8   VariableType = "sint8"
	Sint16  VariableType = "sint16"
	Sint32  VariableType = "sint32"
	Sint64  VariableType = "sint64"
	Uint8   VariableType = "uint8"
	Uint16  VariableType = "uint16"
	Uint32  VariableType = "uint32"
	Uint64  VariableType = "uint64"
	Float32 VariableType = "float32"
	Float64 VariableType = "float64"
	Boolean VariableType = "boolean"
)

// ParseVariableType accepts the canonical names, case-insensitively.
func ParseVariableType(s string) (VariableType, error) {
	t := VariableType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case Sint8, Sint16, Sint32, Sint64, Uint8, Uint16, Uint32, Uint64, Float32, Float64, Boolean:
		return t, nil
	case "bool":
		return Boolean, nil
	default:
		return "", fmt.Errorf("unsupported variable type %q", s)
	}
}

// Coerce converts v to what a variable of type t can hold. Integers are
// truncated toward zero and saturate at the type bounds, NaN becomes 0.
func (t VariableType) Coerce(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	switch t {
	case Boolean:
		if v != 0 {
			return 1
		}
		return 0
	case Float32:
		return float64(float32(v))
	case Float64:
		return v
	}
	lo, hi := t.bounds()
	v = math.Trunc(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (t VariableType) bounds() (float64, float64) {
	switch t {
	case Sint8:
		return math.MinInt8, math.MaxInt8
	case Sint16:
		return math.MinInt16, math.MaxInt16
	case Sint32:
		return math.MinInt32, math.MaxInt32
	case Sint64:
		return math.MinInt64, math.MaxInt64
	case Uint8:
		return 0, math.MaxUint8
	case Uint16:
		return 0, math.MaxUint16
	case Uint32:
		return 0, math.MaxUint32
	case Uint64:
		return 0, math.MaxUint64
	default:
		return -math.MaxFloat64, math.MaxFloat64
	}
}
