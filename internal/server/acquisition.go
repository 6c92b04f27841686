package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"scrutiny-go/internal/datalogging"
	"scrutiny-go/internal/model"
	"scrutiny-go/internal/protocol"
	"scrutiny-go/internal/target"
)

// acquisitionPlan is a decoded request, kept until the acquisition ends to
// label the captured data.
type acquisitionPlan struct {
	token   string
	request protocol.AcquisitionRequest
	signals []target.RPV
	xSignal target.RPV
}

func (s *Server) plan(p protocol.AcquisitionRequest) (target.Request, *acquisitionPlan, error) {
	var req target.Request
	plan := &acquisitionPlan{token: uuid.NewString(), request: p}

	cond, err := datalogging.ParseCondition(p.Trigger.Condition)
	if err != nil {
		return req, nil, fmt.Errorf("%w: %v", datalogging.ErrInvalidConfig, err)
	}
	if len(p.Signals) == 0 {
		return req, nil, fmt.Errorf("%w: no signal to log", datalogging.ErrInvalidConfig)
	}

	axes := make(map[int]bool, len(p.Axes))
	for _, a := range p.Axes {
		axes[a.ID] = true
	}
	items := make([]uint16, 0, len(p.Signals))
	for _, sig := range p.Signals {
		if !axes[sig.AxisID] {
			return req, nil, fmt.Errorf("%w: signal %s refers to unknown axis %d", datalogging.ErrInvalidConfig, sig.Path, sig.AxisID)
		}
		rpv, err := s.target.Resolve(sig.Path)
		if err != nil {
			return req, nil, err
		}
		items = append(items, rpv.ID)
		plan.signals = append(plan.signals, rpv)
	}

	operands := make([]datalogging.Operand, 0, len(p.Trigger.Operands))
	for i, op := range p.Trigger.Operands {
		switch op.Type {
		case protocol.OperandLiteral:
			operands = append(operands, datalogging.Literal(op.Value))
		case protocol.OperandWatchable:
			rpv, err := s.target.Resolve(op.Path)
			if err != nil {
				return req, nil, fmt.Errorf("operand %d: %w", i, err)
			}
			operands = append(operands, datalogging.RPV(rpv.ID))
		default:
			return req, nil, fmt.Errorf("%w: operand %d has unknown type %q", datalogging.ErrInvalidConfig, i, op.Type)
		}
	}

	switch p.XAxis.Type {
	case protocol.XAxisIndex, "":
		req.XAxis = target.XAxisIndexed
	case protocol.XAxisIdealTime:
		req.XAxis = target.XAxisIdealTime
	case protocol.XAxisMeasuredTime:
		req.XAxis = target.XAxisMeasuredTime
	case protocol.XAxisSignal:
		rpv, err := s.target.Resolve(p.XAxis.Path)
		if err != nil {
			return req, nil, fmt.Errorf("x axis: %w", err)
		}
		req.XAxis = target.XAxisSignal
		req.XSignal = rpv.ID
		plan.xSignal = rpv
	default:
		return req, nil, fmt.Errorf("%w: unknown x axis type %q", datalogging.ErrInvalidConfig, p.XAxis.Type)
	}

	timeout, err := seconds(p.Timeout)
	if err != nil {
		return req, nil, fmt.Errorf("timeout: %w", err)
	}
	hold, err := seconds(p.Trigger.HoldTime)
	if err != nil {
		return req, nil, fmt.Errorf("hold time: %w", err)
	}
	req.Loop = p.SamplingRate
	req.Config = datalogging.Config{
		Decimation:    p.Decimation,
		ProbeLocation: p.Trigger.Position,
		Timeout:       timeout,
		Condition:     cond,
		Operands:      operands,
		HoldTime:      hold,
		Items:         items,
	}
	if err := req.Config.Validate(); err != nil {
		return req, nil, err
	}
	return req, plan, nil
}

func seconds(v float64) (time.Duration, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v > math.MaxInt64/float64(time.Second) {
		return 0, fmt.Errorf("%w: invalid duration %v", datalogging.ErrInvalidConfig, v)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: negative duration %v", datalogging.ErrInvalidConfig, v)
	}
	return time.Duration(v * float64(time.Second)), nil
}

// onAcquisitionDone returns the target callback of plan. The work runs on
// its own goroutine: the target may call back while the session holds its
// write lock.
func (s *Server) onAcquisitionDone(sess *session, plan *acquisitionPlan) target.DoneFunc {
	return func(c *target.Capture, err error) {
		s.beginFinish()
		go func() {
			defer s.endFinish()
			s.finishAcquisition(sess, plan, c, err)
		}()
	}
}

func (s *Server) finishAcquisition(sess *session, plan *acquisitionPlan, c *target.Capture, err error) {
	result := protocol.AcquisitionComplete{RequestToken: plan.token}
	log := sess.log.With().Str("token", plan.token).Logger()

	if err == nil && (c == nil || len(c.X) == 0) {
		err = errNoData
	}
	if err == nil {
		acq := plan.acquisition(c)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = s.store.Save(ctx, acq)
		cancel()
		if err != nil {
			err = fmt.Errorf("storage error: %w", err)
		} else {
			result.Success = true
			result.ReferenceID = acq.ReferenceID
			s.metrics.AcquisitionSamples.Observe(float64(acq.Len()))
		}
	}

	if err != nil {
		result.Reason = err.Error()
		s.metrics.Acquisitions.WithLabelValues(outcome(err)).Inc()
		log.Warn().Str("reason", result.Reason).Msg("acquisition failed")
	} else {
		s.metrics.Acquisitions.WithLabelValues("success").Inc()
		log.Info().Str("reference_id", result.ReferenceID).Msg("acquisition completed")
	}

	msg, mErr := protocol.NewMessage(protocol.PushAcquisitionComplete, 0, result)
	if mErr != nil {
		log.Error().Err(mErr).Msg("encode completion")
		return
	}
	if pErr := sess.push(msg); pErr != nil {
		log.Debug().Err(pErr).Msg("completion not delivered")
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, target.ErrSuperseded):
		return "superseded"
	case errors.Is(err, errClientDisconnected):
		return "disconnected"
	case errors.Is(err, target.ErrShuttingDown):
		return "shutdown"
	default:
		return "error"
	}
}

func (p *acquisitionPlan) acquisition(c *target.Capture) *model.Acquisition {
	acq := &model.Acquisition{
		ReferenceID:  uuid.NewString(),
		Name:         p.request.Name,
		AcquiredAt:   c.AcquiredAt.UTC(),
		TriggerIndex: c.TriggerIndex,
		Axes:         make([]model.Axis, 0, len(p.request.Axes)),
		YData:        make([]model.Series, 0, len(p.signals)),
	}
	if acq.Name == "" {
		acq.Name = "Acquisition " + acq.AcquiredAt.Format(time.RFC3339)
	}

	acq.XData = model.Series{AxisID: -1, Data: c.X}
	switch p.request.XAxis.Type {
	case protocol.XAxisIdealTime:
		acq.XData.Name = "Time (ideal) [s]"
	case protocol.XAxisMeasuredTime:
		acq.XData.Name = "Time (measured) [s]"
	case protocol.XAxisSignal:
		acq.XData.Name = p.xSignal.Path
		acq.XData.Path = p.xSignal.Path
	default:
		acq.XData.Name = "Index"
	}

	for _, a := range p.request.Axes {
		acq.Axes = append(acq.Axes, model.Axis{ID: a.ID, Name: a.Name})
	}
	for i, sig := range p.request.Signals {
		name := sig.Name
		if name == "" {
			name = sig.Path
		}
		acq.YData = append(acq.YData, model.Series{
			Name:   name,
			Path:   p.signals[i].Path,
			AxisID: sig.AxisID,
			Data:   c.Signals[i],
		})
	}
	return acq
}
