// Package server is the monitoring service: it accepts SDK clients over a
// websocket, serves the simulated target to them and stores the
// acquisitions the target produces.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"scrutiny-go/internal/config"
	"scrutiny-go/internal/protocol"
	"scrutiny-go/internal/storage"
	"scrutiny-go/internal/target"
)

var (
	errClientDisconnected = errors.New("client disconnected")
	errNoData             = errors.New("no data acquired")
)

const writeTimeout = 5 * time.Second

type Server struct {
	cfg       config.ServerConfig
	target    *target.Target
	store     storage.Store
	log       zerolog.Logger
	metrics   *Metrics
	echo      *echo.Echo
	upgrader  websocket.Upgrader
	startedAt time.Time

	mu       sync.Mutex
	sessions map[string]*session
	// completions still being stored or pushed, drained is closed when
	// inflight drops to zero
	inflight int
	drained  chan struct{}
}

func New(cfg config.ServerConfig, tg *target.Target, store storage.Store, log zerolog.Logger) *Server {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 100 * time.Millisecond
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		target:  tg,
		store:   store,
		log:     log.With().Str("component", "server").Logger(),
		metrics: NewMetrics(),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		startedAt: time.Now(),
		sessions:  make(map[string]*session),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	RegisterRoutes(e, s)
	s.echo = e
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) Metrics() *Metrics { return s.metrics }

// ListenAndServe serves on cfg.ListenAddress until ctx is done, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddress).Msg("listening")
		errCh <- s.echo.Start(s.cfg.ListenAddress)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown waits for the acquisitions completing, disconnects every client
// and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	inflight, drained := s.inflight, s.drained
	s.mu.Unlock()
	if inflight > 0 {
		select {
		case <-drained:
		case <-ctx.Done():
			s.log.Warn().Int("inflight", inflight).Msg("shutdown with acquisition completions in flight")
		}
	}

	s.mu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		sess.close()
	}
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	sess := newSession(s, conn)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.metrics.Sessions.Inc()

	sess.log.Info().Str("remote", c.RealIP()).Msg("client connected")
	sess.run()
	return nil
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	_, ok := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	if ok {
		s.metrics.Sessions.Dec()
		sess.log.Info().Msg("client disconnected")
	}
}

func (s *Server) beginFinish() {
	s.mu.Lock()
	if s.inflight == 0 {
		s.drained = make(chan struct{})
	}
	s.inflight++
	s.mu.Unlock()
}

func (s *Server) endFinish() {
	s.mu.Lock()
	s.inflight--
	if s.inflight == 0 {
		close(s.drained)
	}
	s.mu.Unlock()
}

func (s *Server) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) status() protocol.ServerStatus {
	st := s.target.Status()
	loops := make([]protocol.LoopInfo, 0, len(st.Loops))
	for _, l := range st.Loops {
		info := protocol.LoopInfo{ID: l.ID, Name: l.Name}
		if l.Fixed && l.Period > 0 {
			info.Frequency = float64(time.Second) / float64(l.Period)
		}
		loops = append(loops, info)
	}
	return protocol.ServerStatus{
		DisplayName:     st.DisplayName,
		DataloggerState: st.DataloggerState,
		BufferSize:      st.BufferSize,
		RPVCount:        st.RPVCount,
		Loops:           loops,
		Sessions:        s.sessionCount(),
		UptimeSeconds:   time.Since(s.startedAt).Seconds(),
	}
}
