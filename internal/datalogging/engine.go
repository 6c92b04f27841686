package datalogging

import (
	"fmt"
	"math"
	"time"
)

// Engine runs one acquisition at a time.
//
// Life cycle: Idle -> Configured -> Armed -> Triggered -> AcquisitionCompleted.
// Entries are written in Configured, Armed and Triggered so that data before
// the trigger point is available. Engine is not safe for concurrent use; the
// owner serializes calls.
type Engine struct {
	size  int
	cfg   Config
	state State
	err   error

	entries []Entry
	cursor  int
	count   int
	written int64

	decimationCounter int
	startedAt         time.Time

	cond          conditionState
	forced        bool
	previousValue bool
	risingEdgeAt  time.Time
	operandValues []float64

	triggerEntry int64
	triggeredAt  time.Time
	remaining    int
	sinceTrigger int
}

// NewEngine creates an engine whose ring buffer holds size entries.
func NewEngine(size int) *Engine {
	if size < 2 {
		size = 2
	}
	return &Engine{size: size}
}

// BufferSize returns the ring buffer capacity in entries.
func (e *Engine) BufferSize() int { return e.size }

// State returns the current state.
func (e *Engine) State() State { return e.state }

// Err returns why the engine entered StateError.
func (e *Engine) Err() error { return e.err }

// Reset drops any configuration and returns to Idle.
func (e *Engine) Reset() {
	e.state = StateIdle
	e.err = nil
	e.cfg = Config{}
	e.cursor = 0
	e.count = 0
	e.written = 0
	e.decimationCounter = 0
	e.cond.reset()
	e.forced = false
	e.previousValue = false
	e.risingEdgeAt = time.Time{}
	e.triggerEntry = -1
	e.triggeredAt = time.Time{}
	e.remaining = 0
	e.sinceTrigger = 0
}

// Configure loads cfg and starts acquiring. An invalid configuration puts the
// engine in StateError and is returned.
func (e *Engine) Configure(cfg Config, now time.Time) error {
	e.Reset()
	if err := cfg.Validate(); err != nil {
		e.state = StateError
		e.err = err
		return err
	}
	cfg.Items = append([]uint16(nil), cfg.Items...)
	cfg.Operands = append([]Operand(nil), cfg.Operands...)
	e.cfg = cfg
	e.entries = make([]Entry, e.size)
	for i := range e.entries {
		e.entries[i].Values = make([]float64, len(cfg.Items))
	}
	e.operandValues = make([]float64, len(cfg.Operands))
	e.startedAt = now
	e.state = StateConfigured
	return nil
}

// Arm enables trigger evaluation.
func (e *Engine) Arm() {
	switch e.state {
	case StateConfigured, StateAcquisitionCompleted, StateTriggered:
		e.state = StateArmed
	}
}

// Disarm stops trigger evaluation but keeps acquiring.
func (e *Engine) Disarm() {
	switch e.state {
	case StateArmed, StateAcquisitionCompleted, StateTriggered:
		e.state = StateConfigured
	}
}

// ForceTrigger makes the next tick trigger regardless of the condition, as
// long as the engine is armed by then.
func (e *Engine) ForceTrigger() {
	e.forced = true
}

// Process runs one loop tick.
func (e *Engine) Process(now time.Time, r Reader) {
	switch e.state {
	case StateConfigured, StateArmed, StateTriggered:
	default:
		return
	}

	if err := e.acquire(now, r); err != nil {
		e.state = StateError
		e.err = err
		return
	}

	if e.state == StateArmed && (e.forced || e.checkTrigger(now, r)) {
		e.forced = false
		e.stampTrigger(now)
		e.state = StateTriggered
	}

	if e.state == StateTriggered && e.completed(now) {
		e.state = StateAcquisitionCompleted
	}
}

func (e *Engine) acquire(now time.Time, r Reader) error {
	e.decimationCounter++
	if e.decimationCounter < e.cfg.Decimation {
		return nil
	}
	e.decimationCounter = 0

	entry := &e.entries[e.cursor]
	for i, id := range e.cfg.Items {
		v, err := r.ReadRPV(id)
		if err != nil {
			return fmt.Errorf("sample rpv 0x%04x: %w", id, err)
		}
		entry.Values[i] = v
	}
	entry.Offset = now.Sub(e.startedAt)

	e.cursor = (e.cursor + 1) % e.size
	if e.count < e.size {
		e.count++
	}
	e.written++
	if e.state == StateTriggered {
		e.sinceTrigger++
	}
	return nil
}

func (e *Engine) checkTrigger(now time.Time, r Reader) bool {
	for i, op := range e.cfg.Operands {
		if op.Kind == OperandLiteral {
			e.operandValues[i] = op.Value
			continue
		}
		v, err := r.ReadRPV(op.ID)
		if err != nil {
			return false
		}
		e.operandValues[i] = v
	}

	result := evaluate(e.cfg.Condition, &e.cond, e.operandValues)
	fire := false
	if result {
		if !e.previousValue {
			e.risingEdgeAt = now
		}
		if now.Sub(e.risingEdgeAt) >= e.cfg.HoldTime {
			fire = true
		}
	}
	e.previousValue = result
	return fire
}

func (e *Engine) stampTrigger(now time.Time) {
	e.triggerEntry = e.written - 1
	e.triggeredAt = now
	e.sinceTrigger = 0

	remaining := int(math.Floor(float64(e.size) * (1 - e.cfg.ProbeLocation)))
	if remaining > e.size-1 {
		remaining = e.size - 1
	}
	if e.count < e.size && e.size-e.count > remaining {
		remaining = e.size - e.count
	}
	e.remaining = remaining
}

// completed never ends an acquisition before its first entry is written.
func (e *Engine) completed(now time.Time) bool {
	if e.count == 0 {
		return false
	}
	if e.cfg.Timeout > 0 && now.Sub(e.triggeredAt) >= e.cfg.Timeout {
		return true
	}
	return e.sinceTrigger >= e.remaining
}

// RemainingAfterTrigger is the number of entries still expected before
// completion, 0 outside StateTriggered.
func (e *Engine) RemainingAfterTrigger() int {
	if e.state != StateTriggered {
		return 0
	}
	return e.remaining - e.sinceTrigger
}

// Dataset copies the acquired entries out of the ring buffer.
func (e *Engine) Dataset() (*Dataset, error) {
	if e.state != StateAcquisitionCompleted {
		return nil, fmt.Errorf("%w: engine is %s", ErrNotCompleted, e.state)
	}
	ds := &Dataset{
		Entries: make([]Entry, 0, e.count),
		Items:   append([]uint16(nil), e.cfg.Items...),
	}
	start := 0
	if e.count == e.size {
		start = e.cursor
	}
	for i := 0; i < e.count; i++ {
		src := e.entries[(start+i)%e.size]
		ds.Entries = append(ds.Entries, Entry{
			Offset: src.Offset,
			Values: append([]float64(nil), src.Values...),
		})
	}

	first := e.written - int64(e.count)
	idx := int(e.triggerEntry - first)
	if idx > e.count-1 {
		idx = e.count - 1
	}
	if idx < 0 {
		idx = 0
	}
	ds.TriggerIndex = idx
	return ds, nil
}
