package datalogging

import "math"

// conditionState carries what ChangeMoreThan needs between evaluations.
type conditionState struct {
	initialized bool
	previous    float64
}

func (s *conditionState) reset() { *s = conditionState{} }

// evaluate applies c on the operand values. All comparisons run on float64.
func evaluate(c Condition, st *conditionState, v []float64) bool {
	switch c {
	case AlwaysTrue:
		return true
	case Equal:
		return v[0] == v[1]
	case NotEqual:
		return v[0] != v[1]
	case GreaterThan:
		return v[0] > v[1]
	case GreaterOrEqualThan:
		return v[0] >= v[1]
	case LessThan:
		return v[0] < v[1]
	case LessOrEqualThan:
		return v[0] <= v[1]
	case ChangeMoreThan:
		return changeMoreThan(st, v[0], v[1])
	case IsWithin:
		return math.Abs(v[0]-v[1]) <= math.Abs(v[2])
	default:
		return false
	}
}

// changeMoreThan fires when the value moved by more than delta since the
// previous evaluation. A negative delta looks for a decrease. The first call
// only records the value.
func changeMoreThan(st *conditionState, value, delta float64) bool {
	out := false
	if st.initialized {
		if delta >= 0 {
			out = value > st.previous+delta
		} else {
			out = value < st.previous+delta
		}
	}
	st.initialized = true
	st.previous = value
	return out
}
