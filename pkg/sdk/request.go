package sdk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"scrutiny-go/internal/protocol"
)

// AcquisitionRequest is a datalogging acquisition accepted by the server.
// It is pending until the server reports its completion, then either
// succeeded with a reference id or failed with a reason.
type AcquisitionRequest struct {
	client *Client
	token  string
	config protocol.AcquisitionRequest

	mu        sync.Mutex
	completed bool
	success   bool
	ref       string
	reason    string
	done      chan struct{}
}

func newAcquisitionRequest(c *Client, token string, cfg protocol.AcquisitionRequest) *AcquisitionRequest {
	return &AcquisitionRequest{client: c, token: token, config: cfg, done: make(chan struct{})}
}

// complete is a no-op once the request completed.
func (r *AcquisitionRequest) complete(success bool, ref, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed {
		return
	}
	if success && ref == "" {
		success, reason = false, "no reference id"
	}
	if !success && reason == "" {
		reason = "unknown error"
	}
	r.completed = true
	r.success = success
	if success {
		r.ref = ref
	} else {
		r.reason = reason
	}
	close(r.done)
}

// Token is the server-assigned identifier of the request.
func (r *AcquisitionRequest) Token() string { return r.token }

// Completed reports whether the request reached a final state.
func (r *AcquisitionRequest) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// IsSuccess reports whether the request completed with a stored acquisition.
func (r *AcquisitionRequest) IsSuccess() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.success
}

// FailureReason is empty unless the request completed with a failure.
func (r *AcquisitionRequest) FailureReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// ReferenceID identifies the stored acquisition after a success.
func (r *AcquisitionRequest) ReferenceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ref
}

// Wait blocks until the request completes, successfully or not, or ctx is
// done. A deadline is reported as ErrTimeout.
func (r *AcquisitionRequest) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	default:
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		// completion wins over a deadline reached at the same time
		select {
		case <-r.done:
			return nil
		default:
		}
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: acquisition %s still pending", ErrTimeout, r.token)
		}
		return ctx.Err()
	}
}

// WaitForCompletion is Wait with a timeout.
func (r *AcquisitionRequest) WaitForCompletion(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.Wait(ctx)
}

// FetchAcquisition downloads the acquired data. It fails with
// ErrNotCompleted while pending and ErrAcquisitionFailed after a failure.
func (r *AcquisitionRequest) FetchAcquisition(ctx context.Context) (*DataloggingAcquisition, error) {
	r.mu.Lock()
	completed, success, ref, reason := r.completed, r.success, r.ref, r.reason
	r.mu.Unlock()
	if !completed {
		return nil, ErrNotCompleted
	}
	if !success {
		return nil, fmt.Errorf("%w: %s", ErrAcquisitionFailed, reason)
	}
	return r.client.ReadAcquisition(ctx, ref)
}

// StartDatalog submits cfg and returns as soon as the server accepted it.
// A later StartDatalog, from any client, makes this one fail.
func (c *Client) StartDatalog(ctx context.Context, cfg *DataloggingConfig) (*AcquisitionRequest, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	wire := cfg.wire()

	var accepted protocol.AcquisitionAccepted
	if err := c.request(ctx, protocol.CmdRequestAcquisition, wire, &accepted); err != nil {
		return nil, err
	}
	r := newAcquisitionRequest(c, accepted.RequestToken, wire)

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		r.complete(false, "", disconnectedReason)
		return r, nil
	}
	res, orphan := c.orphans[r.token]
	if orphan {
		delete(c.orphans, r.token)
	} else {
		c.requests[r.token] = r
	}
	c.mu.Unlock()

	if orphan {
		r.complete(res.Success, res.ReferenceID, res.Reason)
	}
	c.log.Debug().Str("token", r.token).Msg("acquisition accepted")
	return r, nil
}

func (c *Client) acquisitionComplete(m protocol.Message) {
	var res protocol.AcquisitionComplete
	if err := m.Decode(&res); err != nil {
		c.log.Warn().Err(err).Msg("bad completion")
		return
	}
	c.mu.Lock()
	r, ok := c.requests[res.RequestToken]
	if ok {
		delete(c.requests, res.RequestToken)
	} else {
		c.orphans[res.RequestToken] = res
	}
	c.mu.Unlock()
	if ok {
		r.complete(res.Success, res.ReferenceID, res.Reason)
	}
}
