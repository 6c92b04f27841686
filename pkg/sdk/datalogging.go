package sdk

import (
	"fmt"
	"math"
	"time"

	"scrutiny-go/internal/protocol"
)

// TriggerCondition selects when the datalogger triggers.
type TriggerCondition string

const (
	AlwaysTrue         TriggerCondition = "always_true"
	Equal              TriggerCondition = "eq"
	NotEqual           TriggerCondition = "neq"
	GreaterThan        TriggerCondition = "gt"
	GreaterOrEqualThan TriggerCondition = "get"
	LessThan           TriggerCondition = "lt"
	LessOrEqualThan    TriggerCondition = "let"
	ChangeMoreThan     TriggerCondition = "cmt"
	IsWithin           TriggerCondition = "within"
)

// OperandCount is the number of operands the condition takes, -1 for an
// unknown condition.
func (c TriggerCondition) OperandCount() int {
	switch c {
	case AlwaysTrue:
		return 0
	case Equal, NotEqual, GreaterThan, GreaterOrEqualThan, LessThan, LessOrEqualThan, ChangeMoreThan:
		return 2
	case IsWithin:
		return 3
	}
	return -1
}

// Operand is a trigger operand: a literal or a watched variable.
type Operand struct {
	value    float64
	variable *WatchedVariable
}

// LiteralOperand is a constant operand.
func LiteralOperand(v float64) Operand { return Operand{value: v} }

// WatchOperand reads v on the target each time the trigger is evaluated.
func WatchOperand(v *WatchedVariable) Operand { return Operand{variable: v} }

func (o Operand) wire() protocol.OperandSpec {
	if o.variable != nil {
		return protocol.OperandSpec{Type: protocol.OperandWatchable, Path: o.variable.path}
	}
	return protocol.OperandSpec{Type: protocol.OperandLiteral, Value: o.value}
}

// XAxisType is the content of the X axis of an acquisition.
type XAxisType string

const (
	XAxisIndexed      XAxisType = protocol.XAxisIndex
	XAxisIdealTime    XAxisType = protocol.XAxisIdealTime
	XAxisMeasuredTime XAxisType = protocol.XAxisMeasuredTime
	XAxisSignal       XAxisType = protocol.XAxisSignal
)

// AxisDefinition is a Y axis created by DataloggingConfig.AddAxis.
type AxisDefinition struct {
	ID   int
	Name string
	cfg  *DataloggingConfig
}

type signalDefinition struct {
	variable *WatchedVariable
	axis     *AxisDefinition
	name     string
}

// DataloggingConfig describes an acquisition. Build it with
// NewDataloggingConfig, then configure the trigger, the axes and the
// signals before passing it to StartDatalog.
type DataloggingConfig struct {
	samplingRate int
	decimation   int
	timeout      time.Duration
	name         string

	condition TriggerCondition
	operands  []Operand
	position  float64
	holdTime  time.Duration

	xType   XAxisType
	xSignal *WatchedVariable

	axes    []*AxisDefinition
	signals []signalDefinition
}

// NewDataloggingConfig uses the sampling rate (loop) samplingRate of the
// target. timeout ends the acquisition that long after the trigger, 0 for
// none. The trigger defaults to AlwaysTrue at the middle of the buffer and
// the X axis to the sample index.
func NewDataloggingConfig(samplingRate, decimation int, timeout time.Duration, name string) *DataloggingConfig {
	return &DataloggingConfig{
		samplingRate: samplingRate,
		decimation:   decimation,
		timeout:      timeout,
		name:         name,
		condition:    AlwaysTrue,
		position:     0.5,
		xType:        XAxisIndexed,
	}
}

// ConfigureTrigger sets the trigger condition. position is where the
// trigger sample sits in the buffer, 0 at the start and 1 at the end. The
// condition must hold for holdTime before triggering.
func (c *DataloggingConfig) ConfigureTrigger(cond TriggerCondition, operands []Operand, position float64, holdTime time.Duration) {
	c.condition = cond
	c.operands = append([]Operand(nil), operands...)
	c.position = position
	c.holdTime = holdTime
}

// ConfigureXAxis sets the X axis. signal is only used by XAxisSignal.
func (c *DataloggingConfig) ConfigureXAxis(t XAxisType, signal *WatchedVariable) {
	c.xType = t
	c.xSignal = signal
}

// AddAxis adds a Y axis that signals can be bound to.
func (c *DataloggingConfig) AddAxis(name string) *AxisDefinition {
	a := &AxisDefinition{ID: len(c.axes), Name: name, cfg: c}
	c.axes = append(c.axes, a)
	return a
}

// AddSignal logs v on axis. An empty name falls back to the variable path.
func (c *DataloggingConfig) AddSignal(v *WatchedVariable, axis *AxisDefinition, name string) error {
	if v == nil {
		return fmt.Errorf("%w: nil signal", ErrInvalidConfig)
	}
	if axis == nil || axis.cfg != c {
		return fmt.Errorf("%w: axis does not belong to this configuration", ErrInvalidConfig)
	}
	c.signals = append(c.signals, signalDefinition{variable: v, axis: axis, name: name})
	return nil
}

// Validate reports the first inconsistency of the configuration. The
// returned error matches ErrInvalidConfig.
func (c *DataloggingConfig) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	switch {
	case c.samplingRate < 0:
		return invalid("negative sampling rate %d", c.samplingRate)
	case c.decimation < 0:
		return invalid("negative decimation %d", c.decimation)
	case c.timeout < 0:
		return invalid("negative timeout %s", c.timeout)
	case math.IsNaN(c.position) || c.position < 0 || c.position > 1:
		return invalid("trigger position %v outside [0,1]", c.position)
	case c.holdTime < 0:
		return invalid("negative hold time %s", c.holdTime)
	}

	n := c.condition.OperandCount()
	if n < 0 {
		return invalid("unknown trigger condition %q", c.condition)
	}
	if len(c.operands) != n {
		return invalid("%s takes %d operands, got %d", c.condition, n, len(c.operands))
	}
	for i, op := range c.operands {
		if op.variable == nil && (math.IsNaN(op.value) || math.IsInf(op.value, 0)) {
			return invalid("operand %d is not finite", i)
		}
	}

	switch c.xType {
	case XAxisIndexed, XAxisIdealTime, XAxisMeasuredTime:
	case XAxisSignal:
		if c.xSignal == nil {
			return invalid("signal x axis without a signal")
		}
	default:
		return invalid("unknown x axis type %q", c.xType)
	}

	if len(c.signals) == 0 {
		return invalid("no signal to log")
	}
	for _, s := range c.signals {
		if s.axis.cfg != c || s.axis.ID >= len(c.axes) || c.axes[s.axis.ID] != s.axis {
			return invalid("signal %s is on an axis of another configuration", s.variable.path)
		}
	}
	return nil
}

// wire builds the request sent to the server. The result shares nothing
// with c.
func (c *DataloggingConfig) wire() protocol.AcquisitionRequest {
	req := protocol.AcquisitionRequest{
		Name:         c.name,
		SamplingRate: c.samplingRate,
		Decimation:   c.decimation,
		Timeout:      c.timeout.Seconds(),
		Trigger: protocol.TriggerSpec{
			Condition: string(c.condition),
			Operands:  make([]protocol.OperandSpec, 0, len(c.operands)),
			Position:  c.position,
			HoldTime:  c.holdTime.Seconds(),
		},
		XAxis:   protocol.XAxisSpec{Type: string(c.xType)},
		Axes:    make([]protocol.AxisSpec, 0, len(c.axes)),
		Signals: make([]protocol.SignalSpec, 0, len(c.signals)),
	}
	if c.xType == XAxisSignal && c.xSignal != nil {
		req.XAxis.Path = c.xSignal.path
	}
	for _, op := range c.operands {
		req.Trigger.Operands = append(req.Trigger.Operands, op.wire())
	}
	for _, a := range c.axes {
		req.Axes = append(req.Axes, protocol.AxisSpec{ID: a.ID, Name: a.Name})
	}
	for _, s := range c.signals {
		req.Signals = append(req.Signals, protocol.SignalSpec{Path: s.variable.path, Name: s.name, AxisID: s.axis.ID})
	}
	return req
}
