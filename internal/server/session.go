package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"scrutiny-go/internal/datalogging"
	"scrutiny-go/internal/protocol"
	"scrutiny-go/internal/storage"
	"scrutiny-go/internal/target"
	"scrutiny-go/internal/utils"
)

var (
	errSessionClosed = errors.New("session closed")
	errNotWatched    = errors.New("not watched")
)

// session serves one websocket client. Requests are handled in arrival
// order by the read loop; every write goes through writeMu.
type session struct {
	id     string
	srv    *Server
	conn   *websocket.Conn
	log    zerolog.Logger
	cache  *utils.ValueCache
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu      sync.Mutex
	watched map[string]target.RPV
	acqID   uint64
	closed  bool

	closeOnce sync.Once
}

func newSession(srv *Server, conn *websocket.Conn) *session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:      id,
		srv:     srv,
		conn:    conn,
		log:     srv.log.With().Str("session", id).Logger(),
		cache:   utils.NewValueCache(srv.cfg.ValueCacheTTL),
		ctx:     ctx,
		cancel:  cancel,
		watched: make(map[string]target.RPV),
	}
}

func (s *session) run() {
	go s.pushLoop()
	for {
		var msg protocol.Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Msg("connection error")
			}
			break
		}
		s.handle(msg)
	}
	s.close()
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		id := s.acqID
		s.mu.Unlock()

		s.cancel()
		s.writeMu.Lock()
		s.conn.Close()
		s.writeMu.Unlock()
		s.srv.removeSession(s)
		if id != 0 {
			s.srv.target.Cancel(id, errClientDisconnected)
		}
	})
}

func (s *session) handle(msg protocol.Message) {
	s.log.Debug().Str("cmd", msg.Cmd).Uint64("reqid", msg.ReqID).Msg("request")

	var (
		resp any
		err  error
	)
	switch msg.Cmd {
	case protocol.CmdGetWatchable:
		resp, err = s.getWatchable(msg)
	case protocol.CmdUnwatch:
		resp, err = s.unwatch(msg)
	case protocol.CmdWriteWatchable:
		s.writeWatchable(msg)
		return
	case protocol.CmdRequestAcquisition:
		s.requestAcquisition(msg)
		return
	case protocol.CmdReadAcquisitionContent:
		resp, err = s.readAcquisition(msg)
	case protocol.CmdListAcquisitions:
		resp, err = s.listAcquisitions(msg)
	case protocol.CmdDeleteAcquisition:
		resp, err = s.deleteAcquisition(msg)
	case protocol.CmdUserCommand:
		resp, err = s.userCommand(msg)
	case protocol.CmdGetServerStatus:
		resp = s.srv.status()
	default:
		err = fmt.Errorf("unknown command %q", msg.Cmd)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.replyLocked(msg, resp, err)
}

func (s *session) replyLocked(req protocol.Message, payload any, err error) {
	var out protocol.Message
	if err == nil {
		out, err = protocol.NewMessage(req.Cmd, req.ReqID, payload)
	}
	result := "ok"
	if err != nil {
		result = "error"
		out = protocol.ErrorMessage(req.ReqID, req.Cmd, errorCode(err), err)
		s.log.Debug().Err(err).Str("cmd", req.Cmd).Msg("request failed")
	}
	cmd := req.Cmd
	if !knownCommand(cmd) {
		cmd = "unknown"
	}
	s.srv.metrics.Requests.WithLabelValues(cmd, result).Inc()
	if wErr := s.writeLocked(out); wErr != nil {
		s.log.Debug().Err(wErr).Msg("write response")
	}
}

func (s *session) writeLocked(m protocol.Message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errSessionClosed
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(m)
}

func (s *session) push(m protocol.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeLocked(m)
}

func (s *session) pushLoop() {
	ticker := time.NewTicker(s.srv.cfg.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pushUpdates()
		}
	}
}

// pushUpdates reads and sends under writeMu so a value read before a write
// is never sent after that write's acknowledgment.
func (s *session) pushUpdates() {
	s.mu.Lock()
	rpvs := make([]target.RPV, 0, len(s.watched))
	for _, r := range s.watched {
		rpvs = append(rpvs, r)
	}
	s.mu.Unlock()
	if len(rpvs) == 0 {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now()
	var updates []protocol.ValueUpdate
	for _, r := range rpvs {
		v, err := s.srv.target.ReadRPV(r.ID)
		if err != nil {
			s.log.Debug().Err(err).Str("path", r.Path).Msg("read watched value")
			continue
		}
		if s.cache.Changed(r.Path, v) {
			updates = append(updates, protocol.ValueUpdate{Path: r.Path, Value: v, Timestamp: now})
		}
	}
	if len(updates) == 0 {
		return
	}
	msg, err := protocol.NewMessage(protocol.PushWatchableUpdate, 0, protocol.WatchableUpdate{Updates: updates})
	if err != nil {
		s.log.Error().Err(err).Msg("encode update")
		return
	}
	if err := s.writeLocked(msg); err != nil {
		s.log.Debug().Err(err).Msg("push update")
		return
	}
	s.srv.metrics.WatchableUpdatesSent.Add(float64(len(updates)))
}

func (s *session) getWatchable(msg protocol.Message) (any, error) {
	var req protocol.PathRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	rpv, err := s.srv.target.Resolve(req.Path)
	if err != nil {
		return nil, err
	}
	v, err := s.srv.target.ReadRPV(rpv.ID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.watched[rpv.Path] = rpv
	s.mu.Unlock()
	s.cache.SetValue(rpv.Path, v)
	return protocol.WatchableInfo{Path: rpv.Path, Type: string(rpv.Type), Value: v}, nil
}

func (s *session) unwatch(msg protocol.Message) (any, error) {
	var req protocol.PathRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	_, ok := s.watched[req.Path]
	delete(s.watched, req.Path)
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", errNotWatched, req.Path)
	}
	s.cache.Delete(req.Path)
	return req, nil
}

func (s *session) writeWatchable(msg protocol.Message) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var req protocol.WriteRequest
	if err := msg.Decode(&req); err != nil {
		s.replyLocked(msg, nil, err)
		return
	}
	rpv, err := s.srv.target.Resolve(req.Path)
	if err != nil {
		s.replyLocked(msg, nil, err)
		return
	}
	v, err := s.srv.target.WriteRPV(rpv.ID, req.Value)
	if err != nil {
		s.replyLocked(msg, nil, err)
		return
	}
	s.mu.Lock()
	_, watched := s.watched[rpv.Path]
	s.mu.Unlock()
	if watched {
		s.cache.SetValue(rpv.Path, v)
	}
	s.replyLocked(msg, protocol.WriteResponse{Path: rpv.Path, Value: v}, nil)
}

// requestAcquisition holds writeMu until the acceptance is sent, so the
// completion push always follows it.
func (s *session) requestAcquisition(msg protocol.Message) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var req protocol.AcquisitionRequest
	if err := msg.Decode(&req); err != nil {
		s.replyLocked(msg, nil, err)
		return
	}
	treq, plan, err := s.srv.plan(req)
	if err != nil {
		s.replyLocked(msg, nil, err)
		return
	}
	id, err := s.srv.target.StartAcquisition(treq, s.srv.onAcquisitionDone(s, plan))
	if err != nil {
		s.replyLocked(msg, nil, err)
		return
	}
	s.mu.Lock()
	s.acqID = id
	s.mu.Unlock()
	s.log.Info().Str("token", plan.token).Str("condition", req.Trigger.Condition).Int("signals", len(req.Signals)).Msg("acquisition requested")
	s.replyLocked(msg, protocol.AcquisitionAccepted{RequestToken: plan.token}, nil)
}

func (s *session) readAcquisition(msg protocol.Message) (any, error) {
	var req protocol.ReferenceRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	acq, err := s.srv.store.Get(s.ctx, req.ReferenceID)
	if err != nil {
		return nil, err
	}
	return protocol.AcquisitionContent{Acquisition: acq}, nil
}

func (s *session) listAcquisitions(msg protocol.Message) (any, error) {
	var req protocol.ListRequest
	if len(msg.Payload) > 0 {
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
	}
	list, err := s.srv.store.List(s.ctx, req.Limit)
	if err != nil {
		return nil, err
	}
	return protocol.AcquisitionList{Acquisitions: list}, nil
}

func (s *session) deleteAcquisition(msg protocol.Message) (any, error) {
	var req protocol.ReferenceRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if err := s.srv.store.Delete(s.ctx, req.ReferenceID); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *session) userCommand(msg protocol.Message) (any, error) {
	var req protocol.UserCommandRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	data, err := s.srv.target.UserCommand(req.Subfunction, req.Data)
	if err != nil {
		return nil, err
	}
	return protocol.UserCommandResponse{Subfunction: req.Subfunction, Data: data}, nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, target.ErrUnknownRPV), errors.Is(err, storage.ErrNotFound), errors.Is(err, errNotWatched):
		return protocol.CodeNotFound
	case errors.Is(err, datalogging.ErrInvalidConfig), errors.Is(err, target.ErrRejected), errors.Is(err, target.ErrUnknownLoop):
		return protocol.CodeInvalidConfig
	default:
		return protocol.CodeFailed
	}
}

func knownCommand(cmd string) bool {
	switch cmd {
	case protocol.CmdGetWatchable, protocol.CmdUnwatch, protocol.CmdWriteWatchable,
		protocol.CmdRequestAcquisition, protocol.CmdReadAcquisitionContent,
		protocol.CmdListAcquisitions, protocol.CmdDeleteAcquisition,
		protocol.CmdUserCommand, protocol.CmdGetServerStatus:
		return true
	}
	return false
}
