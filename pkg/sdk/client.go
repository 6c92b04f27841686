// Package sdk is the client side of the monitoring server: watch and write
// runtime published values, send user commands and run datalogging
// acquisitions.
//
//	c := sdk.New()
//	err := c.WithConnection(ctx, "localhost", 8765, func(c *sdk.Client) error {
//		v, err := c.Watch(ctx, "/rpv/x1000")
//		...
//	})
package sdk

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"scrutiny-go/internal/protocol"
)

const disconnectedReason = "disconnected from server"

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger, zerolog.Nop by default.
func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.log = l } }

// WithRequestTimeout bounds every request/response exchange. 0 disables it.
func WithRequestTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option { return func(c *Client) { c.dialer = d } }

// Client is safe for concurrent use. A Client can be connected again after
// Disconnect; handles from a previous connection stop receiving updates.
type Client struct {
	log     zerolog.Logger
	timeout time.Duration
	dialer  *websocket.Dialer

	writeMu sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	reqid      uint64
	pending    map[uint64]func(protocol.Message)
	watched    map[string]*WatchedVariable
	requests   map[string]*AcquisitionRequest
	orphans    map[string]protocol.AcquisitionComplete
	notify     chan struct{}
	done       chan struct{}
	readerDone chan struct{}
}

// New returns a disconnected Client.
func New(opts ...Option) *Client {
	c := &Client{
		log:     zerolog.Nop(),
		timeout: 10 * time.Second,
		dialer:  websocket.DefaultDialer,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect opens a connection to the server at host:port.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	url := fmt.Sprintf("ws://%s/", net.JoinHostPort(host, strconv.Itoa(port)))
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyConnected
	}
	c.conn = conn
	c.connected = true
	c.pending = make(map[uint64]func(protocol.Message))
	c.watched = make(map[string]*WatchedVariable)
	c.requests = make(map[string]*AcquisitionRequest)
	c.orphans = make(map[string]protocol.AcquisitionComplete)
	c.notify = make(chan struct{})
	c.done = make(chan struct{})
	c.readerDone = make(chan struct{})
	readerDone := c.readerDone
	c.mu.Unlock()

	c.log.Info().Str("url", url).Msg("connected")
	go c.readLoop(conn, readerDone)
	return nil
}

// Disconnect closes the connection. Pending acquisitions fail and blocked
// calls return ErrNotConnected. Calling it when not connected is a no-op.
func (c *Client) Disconnect() error {
	c.teardown(nil)
	c.mu.Lock()
	readerDone := c.readerDone
	c.mu.Unlock()
	if readerDone != nil {
		<-readerDone
	}
	return nil
}

// WithConnection connects, runs fn and disconnects, including when fn
// panics or ctx is cancelled.
func (c *Client) WithConnection(ctx context.Context, host string, port int, fn func(*Client) error) error {
	if err := c.Connect(ctx, host, port); err != nil {
		return err
	}
	defer c.Disconnect()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { c.teardown(conn) })
	defer stop()
	return fn(c)
}

// Connected reports whether the connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// teardown closes conn, or the current connection when conn is nil.
func (c *Client) teardown(conn *websocket.Conn) {
	c.mu.Lock()
	if !c.connected || (conn != nil && conn != c.conn) {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn.Close()
	close(c.done)
	requests := c.requests
	c.requests = make(map[string]*AcquisitionRequest)
	c.pending = make(map[uint64]func(protocol.Message))
	c.orphans = make(map[string]protocol.AcquisitionComplete)
	c.mu.Unlock()

	for _, r := range requests {
		r.complete(false, "", disconnectedReason)
	}
	c.log.Info().Msg("disconnected")
}

func (c *Client) readLoop(conn *websocket.Conn, readerDone chan struct{}) {
	defer close(readerDone)
	for {
		var m protocol.Message
		if err := conn.ReadJSON(&m); err != nil {
			c.mu.Lock()
			lost := c.connected && c.conn == conn
			c.mu.Unlock()
			if lost {
				c.log.Warn().Err(err).Msg("connection lost")
			}
			c.teardown(conn)
			return
		}
		switch {
		case m.ReqID != 0:
			c.mu.Lock()
			cb := c.pending[m.ReqID]
			delete(c.pending, m.ReqID)
			c.mu.Unlock()
			if cb != nil {
				cb(m)
			}
		case m.Cmd == protocol.PushWatchableUpdate:
			c.applyUpdates(m)
		case m.Cmd == protocol.PushAcquisitionComplete:
			c.acquisitionComplete(m)
		default:
			c.log.Debug().Str("cmd", m.Cmd).Msg("unexpected message")
		}
	}
}

// send registers cb for the response of cmd and sends the request.
func (c *Client) send(cmd string, payload any, cb func(protocol.Message)) (uint64, <-chan struct{}, error) {
	msg, err := protocol.NewMessage(cmd, 0, payload)
	if err != nil {
		return 0, nil, err
	}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return 0, nil, ErrNotConnected
	}
	c.reqid++
	msg.ReqID = c.reqid
	c.pending[msg.ReqID] = cb
	conn, done := c.conn, c.done
	c.mu.Unlock()

	c.writeMu.Lock()
	err = conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(msg.ReqID)
		return 0, nil, fmt.Errorf("send %s: %w", cmd, err)
	}
	return msg.ReqID, done, nil
}

func (c *Client) forget(reqid uint64) {
	c.mu.Lock()
	delete(c.pending, reqid)
	c.mu.Unlock()
}

// request sends cmd and decodes the response payload into out (if not nil).
func (c *Client) request(ctx context.Context, cmd string, payload, out any) error {
	ch := make(chan protocol.Message, 1)
	reqid, done, err := c.send(cmd, payload, func(m protocol.Message) { ch <- m })
	if err != nil {
		return err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	select {
	case m := <-ch:
		return decodeResponse(cmd, m, out)
	case <-done:
		select {
		case m := <-ch:
			return decodeResponse(cmd, m, out)
		default:
		}
		return ErrNotConnected
	case <-ctx.Done():
		c.forget(reqid)
		select {
		case m := <-ch:
			return decodeResponse(cmd, m, out)
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: no response to %s", ErrTimeout, cmd)
		}
		return ctx.Err()
	}
}

func decodeResponse(cmd string, m protocol.Message, out any) error {
	if err := responseError(cmd, m); err != nil {
		return err
	}
	if out != nil {
		return m.Decode(out)
	}
	return nil
}

func responseError(cmd string, m protocol.Message) error {
	if m.Cmd != protocol.CmdErrorResponse {
		return nil
	}
	return &ServerError{Cmd: cmd, Code: m.Code, Message: m.Error}
}

// UserCommand sends a user command to the target application and returns
// its response data.
func (c *Client) UserCommand(ctx context.Context, subfunction uint8, data []byte) ([]byte, error) {
	var resp protocol.UserCommandResponse
	if err := c.request(ctx, protocol.CmdUserCommand, protocol.UserCommandRequest{Subfunction: subfunction, Data: data}, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		resp.Data = []byte{}
	}
	return resp.Data, nil
}

// ServerStatus describes the server and its target.
type ServerStatus = protocol.ServerStatus

func (c *Client) GetServerStatus(ctx context.Context) (*ServerStatus, error) {
	var st ServerStatus
	if err := c.request(ctx, protocol.CmdGetServerStatus, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
