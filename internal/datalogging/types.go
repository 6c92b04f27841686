// Package datalogging implements the acquisition engine that runs inside the
// simulated target: a ring buffer fed once per loop tick, a trigger condition
// evaluated while armed, and the completion logic that decides how much data
// is kept after the trigger point.
package datalogging

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// MaxSignals bounds the number of items logged per entry.
const MaxSignals = 32

var (
	ErrInvalidConfig = errors.New("invalid datalogging configuration")
	ErrNotCompleted  = errors.New("acquisition not completed")
)

// Condition is a trigger condition operator.
type Condition int

const (
	AlwaysTrue Condition = iota
	Equal
	NotEqual
	GreaterThan
	GreaterOrEqualThan
	LessThan
	LessOrEqualThan
	ChangeMoreThan
	IsWithin
)

var conditionNames = map[Condition]string{
	AlwaysTrue:         "always_true",
	Equal:              "eq",
	NotEqual:           "neq",
	GreaterThan:        "gt",
	GreaterOrEqualThan: "get",
	LessThan:           "lt",
	LessOrEqualThan:    "let",
	ChangeMoreThan:     "cmt",
	IsWithin:           "within",
}

func (c Condition) String() string {
	if s, ok := conditionNames[c]; ok {
		return s
	}
	return fmt.Sprintf("condition(%d)", int(c))
}

// OperandCount is the number of operands the condition consumes.
func (c Condition) OperandCount() int {
	switch c {
	case AlwaysTrue:
		return 0
	case IsWithin:
		return 3
	default:
		return 2
	}
}

// ParseCondition maps a wire name back to a Condition.
func ParseCondition(s string) (Condition, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range conditionNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown trigger condition %q", s)
}

// OperandKind tells where an operand value comes from.
type OperandKind int

const (
	OperandLiteral OperandKind = iota
	OperandRPV
)

// Operand is a trigger condition operand.
type Operand struct {
	Kind  OperandKind
	Value float64 // literal value
	ID    uint16  // RPV id
}

// Literal returns a literal operand.
func Literal(v float64) Operand { return Operand{Kind: OperandLiteral, Value: v} }

// RPV returns an operand read from a runtime published value.
func RPV(id uint16) Operand { return Operand{Kind: OperandRPV, ID: id} }

// Config is what the engine needs to run an acquisition.
type Config struct {
	// Decimation keeps one entry every Decimation ticks. 0 behaves as 1.
	Decimation int
	// ProbeLocation is the trigger position in the buffer, 0 = start, 1 = end.
	ProbeLocation float64
	// Timeout ends the acquisition that long after the trigger. 0 disables it.
	Timeout   time.Duration
	Condition Condition
	Operands  []Operand
	HoldTime  time.Duration
	// Items are the RPV ids sampled into every entry.
	Items []uint16
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if len(c.Items) == 0 || len(c.Items) > MaxSignals {
		return fmt.Errorf("%w: %d items to log, expected 1 to %d", ErrInvalidConfig, len(c.Items), MaxSignals)
	}
	if c.Decimation < 0 {
		return fmt.Errorf("%w: negative decimation", ErrInvalidConfig)
	}
	if math.IsNaN(c.ProbeLocation) || c.ProbeLocation < 0 || c.ProbeLocation > 1 {
		return fmt.Errorf("%w: trigger position %v outside [0,1]", ErrInvalidConfig, c.ProbeLocation)
	}
	if c.Timeout < 0 || c.HoldTime < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	if _, ok := conditionNames[c.Condition]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, c.Condition)
	}
	if len(c.Operands) != c.Condition.OperandCount() {
		return fmt.Errorf("%w: %s takes %d operands, got %d", ErrInvalidConfig, c.Condition, c.Condition.OperandCount(), len(c.Operands))
	}
	for i, op := range c.Operands {
		switch op.Kind {
		case OperandLiteral:
			if math.IsNaN(op.Value) || math.IsInf(op.Value, 0) {
				return fmt.Errorf("%w: operand %d is not finite", ErrInvalidConfig, i)
			}
		case OperandRPV:
		default:
			return fmt.Errorf("%w: operand %d has unknown kind", ErrInvalidConfig, i)
		}
	}
	return nil
}

// Reader resolves RPV values while the engine samples.
type Reader interface {
	ReadRPV(id uint16) (float64, error)
}

// State of the engine.
type State int

const (
	StateIdle State = iota
	StateConfigured
	StateArmed
	StateTriggered
	StateAcquisitionCompleted
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfigured:
		return "configured"
	case StateArmed:
		return "armed"
	case StateTriggered:
		return "triggered"
	case StateAcquisitionCompleted:
		return "acquisition_completed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is one logged sample. Offset is relative to the configure time.
type Entry struct {
	Offset time.Duration
	Values []float64
}

// Dataset is the content of a completed acquisition, oldest entry first.
type Dataset struct {
	Entries      []Entry
	TriggerIndex int
	Items        []uint16
}
