package sdk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"scrutiny-go/internal/model"
	"scrutiny-go/internal/protocol"
)

// VariableType is the data type of a watched value on the target.
type VariableType = model.VariableType

// WatchedVariable is a handle on a server value. Its value is refreshed by
// the updates the server pushes.
type WatchedVariable struct {
	client *Client
	path   string
	typ    VariableType

	mu         sync.Mutex
	value      float64
	lastUpdate time.Time
	updates    uint64
	writeErr   error
}

func (v *WatchedVariable) Path() string       { return v.path }
func (v *WatchedVariable) Type() VariableType { return v.typ }

// Value returns the last value received, possibly stale.
func (v *WatchedVariable) Value() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// LastUpdate is the reception time of Value.
func (v *WatchedVariable) LastUpdate() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastUpdate
}

// LastWriteError returns the error of the last SetValue rejected by the
// server, nil once a later write succeeds.
func (v *WatchedVariable) LastWriteError() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writeErr
}

func (v *WatchedVariable) set(value float64, at time.Time, counts bool) {
	v.mu.Lock()
	v.value = value
	v.lastUpdate = at
	if counts {
		v.updates++
	}
	v.mu.Unlock()
}

func (v *WatchedVariable) updateCount() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.updates
}

// SetValue sends a write without waiting for the server. Writes from one
// client are applied in the order they are sent; a rejection is reported
// by LastWriteError.
func (v *WatchedVariable) SetValue(value float64) error {
	_, _, err := v.client.send(protocol.CmdWriteWatchable, protocol.WriteRequest{Path: v.path, Value: value}, v.writeDone)
	return err
}

// Write sets the value and waits for the server acknowledgment.
func (v *WatchedVariable) Write(ctx context.Context, value float64) error {
	var resp protocol.WriteResponse
	if err := v.client.request(ctx, protocol.CmdWriteWatchable, protocol.WriteRequest{Path: v.path, Value: value}, &resp); err != nil {
		var se *ServerError
		if errors.As(err, &se) {
			v.mu.Lock()
			v.writeErr = err
			v.mu.Unlock()
		}
		return err
	}
	v.acknowledged(resp.Value)
	return nil
}

func (v *WatchedVariable) writeDone(m protocol.Message) {
	if err := responseError(protocol.CmdWriteWatchable, m); err != nil {
		v.client.log.Warn().Err(err).Str("path", v.path).Msg("write rejected")
		v.mu.Lock()
		v.writeErr = err
		v.mu.Unlock()
		return
	}
	var resp protocol.WriteResponse
	if err := m.Decode(&resp); err != nil {
		return
	}
	v.acknowledged(resp.Value)
}

func (v *WatchedVariable) acknowledged(value float64) {
	v.mu.Lock()
	v.value = value
	v.writeErr = nil
	v.mu.Unlock()
}

// Watch subscribes to the value at path. Watching a path twice returns the
// same handle. An unknown path fails with ErrNotFound.
func (c *Client) Watch(ctx context.Context, path string) (*WatchedVariable, error) {
	c.mu.Lock()
	if v, ok := c.watched[path]; ok && c.connected {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	var info protocol.WatchableInfo
	if err := c.request(ctx, protocol.CmdGetWatchable, protocol.PathRequest{Path: path}, &info); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("watch %s: %w", path, err)
		}
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, ErrNotConnected
	}
	if v, ok := c.watched[info.Path]; ok {
		return v, nil
	}
	v := &WatchedVariable{
		client:     c,
		path:       info.Path,
		typ:        VariableType(info.Type),
		value:      info.Value,
		lastUpdate: time.Now(),
	}
	c.watched[v.path] = v
	return v, nil
}

// Unwatch stops the updates of v.
func (c *Client) Unwatch(ctx context.Context, v *WatchedVariable) error {
	if err := c.request(ctx, protocol.CmdUnwatch, protocol.PathRequest{Path: v.path}, nil); err != nil {
		return err
	}
	c.mu.Lock()
	if c.watched[v.path] == v {
		delete(c.watched, v.path)
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) applyUpdates(m protocol.Message) {
	var u protocol.WatchableUpdate
	if err := m.Decode(&u); err != nil {
		c.log.Warn().Err(err).Msg("bad update")
		return
	}
	now := time.Now()
	c.mu.Lock()
	for _, upd := range u.Updates {
		if v, ok := c.watched[upd.Path]; ok {
			v.set(upd.Value, now, true)
		}
	}
	close(c.notify)
	c.notify = make(chan struct{})
	c.mu.Unlock()
}

// WaitNewValueForAll blocks until every watched variable received an update
// after the call. It fails with ErrTimeout when timeout elapses first.
func (c *Client) WaitNewValueForAll(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	start := make(map[*WatchedVariable]uint64, len(c.watched))
	for _, v := range c.watched {
		start[v] = v.updateCount()
	}
	done := c.done
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		notify := c.notify
		c.mu.Unlock()

		fresh := true
		for v, n := range start {
			if v.updateCount() <= n {
				fresh = false
				break
			}
		}
		if fresh {
			return nil
		}

		select {
		case <-notify:
		case <-done:
			return ErrNotConnected
		case <-timer.C:
			return fmt.Errorf("%w: waiting for new values", ErrTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
