// Package target simulates the embedded device the monitoring server talks
// to. It publishes RPVs, runs sampling loops and owns the datalogger.
package target

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"scrutiny-go/internal/config"
	"scrutiny-go/internal/datalogging"
	"scrutiny-go/internal/model"
)

var (
	ErrUnknownRPV   = errors.New("unknown rpv")
	ErrUnknownLoop  = errors.New("unknown loop")
	ErrSuperseded   = errors.New("superseded by a newer request")
	ErrShuttingDown = errors.New("target shutting down")
	ErrRejected     = errors.New("target rejected the configuration")
	ErrAcquisition  = errors.New("acquisition failed")
)

// RPV is a runtime published value.
type RPV struct {
	ID   uint16
	Path string
	Type model.VariableType
}

// PathOf returns the display path of an RPV id.
func PathOf(id uint16) string { return fmt.Sprintf("/rpv/x%04x", id) }

type rpvEntry struct {
	RPV
	cfg config.RPVConfig
}

// XAxis selects what the X series of a capture holds.
type XAxis int

const (
	XAxisIndexed XAxis = iota
	XAxisIdealTime
	XAxisMeasuredTime
	XAxisSignal
)

// Request describes one acquisition. Config.Items are the logged signals.
type Request struct {
	Loop    int
	Config  datalogging.Config
	XAxis   XAxis
	XSignal uint16
}

// Capture is the data of a completed acquisition, one slice per signal in
// request order.
type Capture struct {
	X            []float64
	Signals      [][]float64
	TriggerIndex int
	AcquiredAt   time.Time
}

// DoneFunc receives the outcome of an acquisition, exactly once.
type DoneFunc func(*Capture, error)

type acquisition struct {
	id   uint64
	req  Request
	loop config.LoopConfig
	done DoneFunc
}

// Target is safe for concurrent use.
type Target struct {
	cfg     config.TargetConfig
	log     zerolog.Logger
	backend Backend

	rpvs   map[uint16]*rpvEntry
	byPath map[string]uint16
	order  []uint16
	loops  map[int]config.LoopConfig

	mu        sync.Mutex
	engine    *datalogging.Engine
	active    *acquisition
	nextID    uint64
	closed    bool
	startedAt time.Time
}

func New(cfg config.TargetConfig, backend Backend, log zerolog.Logger) (*Target, error) {
	t := &Target{
		cfg:       cfg,
		log:       log.With().Str("component", "target").Logger(),
		backend:   backend,
		rpvs:      make(map[uint16]*rpvEntry, len(cfg.RPVs)),
		byPath:    make(map[string]uint16, len(cfg.RPVs)),
		loops:     make(map[int]config.LoopConfig, len(cfg.Loops)),
		engine:    datalogging.NewEngine(cfg.BufferSize),
		startedAt: time.Now(),
	}
	for _, r := range cfg.RPVs {
		typ, err := model.ParseVariableType(r.Type)
		if err != nil {
			return nil, fmt.Errorf("rpv 0x%04x: %w", r.ID, err)
		}
		if _, dup := t.rpvs[r.ID]; dup {
			return nil, fmt.Errorf("duplicate rpv id 0x%04x", r.ID)
		}
		e := &rpvEntry{RPV: RPV{ID: r.ID, Path: PathOf(r.ID), Type: typ}, cfg: r}
		t.rpvs[r.ID] = e
		t.byPath[e.Path] = r.ID
		t.order = append(t.order, r.ID)
	}
	sort.Slice(t.order, func(i, j int) bool { return t.order[i] < t.order[j] })
	for _, l := range cfg.Loops {
		t.loops[l.ID] = l
	}
	return t, nil
}

// RPVs lists the published values ordered by id.
func (t *Target) RPVs() []RPV {
	out := make([]RPV, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.rpvs[id].RPV)
	}
	return out
}

// Resolve finds an RPV by its display path.
func (t *Target) Resolve(path string) (RPV, error) {
	id, ok := t.byPath[path]
	if !ok {
		return RPV{}, fmt.Errorf("%w: %s", ErrUnknownRPV, path)
	}
	return t.rpvs[id].RPV, nil
}

// ReadRPV returns the current value of an RPV.
func (t *Target) ReadRPV(id uint16) (float64, error) {
	e, ok := t.rpvs[id]
	if !ok {
		return 0, fmt.Errorf("%w: 0x%04x", ErrUnknownRPV, id)
	}
	return t.backend.Read(e.cfg)
}

// WriteRPV coerces v to the RPV type, stores it and returns the stored value.
// It never lands in the middle of a datalogger tick.
func (t *Target) WriteRPV(id uint16, v float64) (float64, error) {
	e, ok := t.rpvs[id]
	if !ok {
		return 0, fmt.Errorf("%w: 0x%04x", ErrUnknownRPV, id)
	}
	v = e.Type.Coerce(v)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.backend.Write(e.cfg, v); err != nil {
		return 0, err
	}
	return v, nil
}

// Loops lists the sampling loops ordered by id.
func (t *Target) Loops() []config.LoopConfig {
	out := make([]config.LoopConfig, 0, len(t.loops))
	for _, l := range t.loops {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status is a snapshot of the target for get_server_status.
type Status struct {
	DisplayName     string
	DataloggerState string
	BufferSize      int
	RPVCount        int
	Loops           []config.LoopConfig
	Uptime          time.Duration
}

func (t *Target) Status() Status {
	t.mu.Lock()
	state := t.engine.State().String()
	t.mu.Unlock()
	return Status{
		DisplayName:     t.cfg.DisplayName,
		DataloggerState: state,
		BufferSize:      t.engine.BufferSize(),
		RPVCount:        len(t.rpvs),
		Loops:           t.Loops(),
		Uptime:          time.Since(t.startedAt),
	}
}

// Run ticks every loop until ctx is done.
func (t *Target) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, l := range t.Loops() {
		wg.Add(1)
		go func(l config.LoopConfig) {
			defer wg.Done()
			t.runLoop(ctx, l)
		}(l)
	}
	wg.Wait()
}

func (t *Target) runLoop(ctx context.Context, l config.LoopConfig) {
	ticker := time.NewTicker(l.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.tick(l.ID, now)
		}
	}
}

func (t *Target) tick(loopID int, now time.Time) {
	t.mu.Lock()
	a := t.active
	if a == nil || a.loop.ID != loopID {
		t.mu.Unlock()
		return
	}
	t.engine.Process(now, t)

	var (
		capture *Capture
		err     error
	)
	switch t.engine.State() {
	case datalogging.StateAcquisitionCompleted:
		ds, dsErr := t.engine.Dataset()
		if dsErr != nil {
			err = fmt.Errorf("%w: %v", ErrAcquisition, dsErr)
		} else {
			capture = buildCapture(a, ds, now)
		}
	case datalogging.StateError:
		err = fmt.Errorf("%w: %v", ErrAcquisition, t.engine.Err())
	default:
		t.mu.Unlock()
		return
	}
	t.active = nil
	t.engine.Reset()
	t.mu.Unlock()

	if err != nil {
		t.log.Warn().Err(err).Uint64("acquisition", a.id).Msg("acquisition ended in error")
	} else {
		t.log.Debug().Uint64("acquisition", a.id).Int("samples", len(capture.X)).Msg("acquisition completed")
	}
	a.done(capture, err)
}

// StartAcquisition configures and arms the datalogger. A pending acquisition
// is superseded: its DoneFunc receives ErrSuperseded. The returned id is
// used with Cancel.
func (t *Target) StartAcquisition(req Request, done DoneFunc) (uint64, error) {
	loop, ok := t.loops[req.Loop]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownLoop, req.Loop)
	}
	if req.XAxis == XAxisIdealTime && !loop.Fixed {
		return 0, fmt.Errorf("%w: ideal time axis needs a fixed frequency loop, %q is not", ErrRejected, loop.Name)
	}
	cfg := req.Config
	cfg.Items = append([]uint16(nil), req.Config.Items...)
	if req.XAxis == XAxisSignal {
		cfg.Items = append(cfg.Items, req.XSignal)
	}
	for _, id := range cfg.Items {
		if _, ok := t.rpvs[id]; !ok {
			return 0, fmt.Errorf("%w: 0x%04x", ErrUnknownRPV, id)
		}
	}
	for _, op := range cfg.Operands {
		if op.Kind != datalogging.OperandRPV {
			continue
		}
		if _, ok := t.rpvs[op.ID]; !ok {
			return 0, fmt.Errorf("%w: 0x%04x", ErrUnknownRPV, op.ID)
		}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrShuttingDown
	}
	previous := t.active
	t.active = nil
	if err := t.engine.Configure(cfg, time.Now()); err != nil {
		t.engine.Reset()
		t.mu.Unlock()
		if previous != nil {
			previous.done(nil, ErrSuperseded)
		}
		return 0, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	t.engine.Arm()
	t.nextID++
	a := &acquisition{id: t.nextID, req: req, loop: loop, done: done}
	t.active = a
	t.mu.Unlock()

	if previous != nil {
		previous.done(nil, ErrSuperseded)
	}
	t.log.Debug().Uint64("acquisition", a.id).Str("loop", loop.Name).Str("condition", cfg.Condition.String()).Msg("datalogger armed")
	return a.id, nil
}

// Cancel aborts acquisition id if it is still pending. reason is handed to
// its DoneFunc.
func (t *Target) Cancel(id uint64, reason error) bool {
	t.mu.Lock()
	a := t.active
	if a == nil || a.id != id {
		t.mu.Unlock()
		return false
	}
	t.active = nil
	t.engine.Reset()
	t.mu.Unlock()
	a.done(nil, reason)
	return true
}

// Close fails the pending acquisition and releases the backend.
func (t *Target) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	a := t.active
	t.active = nil
	t.engine.Reset()
	t.mu.Unlock()
	if a != nil {
		a.done(nil, ErrShuttingDown)
	}
	return t.backend.Close()
}

func buildCapture(a *acquisition, ds *datalogging.Dataset, now time.Time) *Capture {
	n := len(ds.Entries)
	signals := len(a.req.Config.Items)
	c := &Capture{
		X:            make([]float64, n),
		Signals:      make([][]float64, signals),
		TriggerIndex: ds.TriggerIndex,
		AcquiredAt:   now,
	}
	for s := range c.Signals {
		c.Signals[s] = make([]float64, n)
	}
	decimation := a.req.Config.Decimation
	if decimation < 1 {
		decimation = 1
	}
	for i, e := range ds.Entries {
		for s := 0; s < signals; s++ {
			c.Signals[s][i] = e.Values[s]
		}
		switch a.req.XAxis {
		case XAxisIdealTime:
			c.X[i] = float64(i*decimation) * a.loop.Period.Seconds()
		case XAxisMeasuredTime:
			c.X[i] = e.Offset.Seconds()
		case XAxisSignal:
			c.X[i] = e.Values[signals]
		default:
			c.X[i] = float64(i)
		}
	}
	return c
}
