package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrutiny-go/internal/config"
	"scrutiny-go/internal/model"
	"scrutiny-go/internal/protocol"
	"scrutiny-go/internal/storage"
	"scrutiny-go/internal/target"
)

type harness struct {
	srv    *Server
	target *target.Target
	store  storage.Store
	http   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Server.UpdateInterval = 10 * time.Millisecond
	cfg.Server.ValueCacheTTL = 50 * time.Millisecond
	cfg.Target.BufferSize = 32
	cfg.Target.Loops = []config.LoopConfig{
		{ID: 0, Name: "fast", Period: time.Millisecond, Fixed: true},
		{ID: 1, Name: "variable", Period: 2 * time.Millisecond},
	}

	tg, err := target.New(cfg.Target, target.NewMemoryBackend(cfg.Target.RPVs), zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go tg.Run(ctx)

	store := storage.NewMemoryStore()
	srv := New(cfg.Server, tg, store, zerolog.Nop())
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		hs.Close()
		cancel()
		_ = tg.Close()
	})
	return &harness{srv: srv, target: tg, store: store, http: hs}
}

type wsClient struct {
	t     *testing.T
	conn  *websocket.Conn
	reqid uint64
}

func (h *harness) dial(t *testing.T) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(cmd string, payload any) uint64 {
	c.t.Helper()
	c.reqid++
	m, err := protocol.NewMessage(cmd, c.reqid, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(m))
	return c.reqid
}

// next returns the first message matching keep, skipping the others.
func (c *wsClient) next(keep func(protocol.Message) bool) protocol.Message {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		var m protocol.Message
		require.NoError(c.t, c.conn.ReadJSON(&m))
		if keep(m) {
			return m
		}
	}
}

func (c *wsClient) response(reqid uint64) protocol.Message {
	return c.next(func(m protocol.Message) bool { return m.ReqID == reqid })
}

func (c *wsClient) call(cmd string, payload any, out any) protocol.Message {
	c.t.Helper()
	m := c.response(c.send(cmd, payload))
	if out != nil && m.Cmd == cmd {
		require.NoError(c.t, m.Decode(out))
	}
	return m
}

func TestGetWatchableAndUpdates(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	_, err := h.target.WriteRPV(0x1001, 12)
	require.NoError(t, err)

	var info protocol.WatchableInfo
	m := c.call(protocol.CmdGetWatchable, protocol.PathRequest{Path: "/rpv/x1001"}, &info)
	require.Equal(t, protocol.CmdGetWatchable, m.Cmd)
	assert.Equal(t, "sint16", info.Type)
	assert.Equal(t, 12.0, info.Value)

	m = c.call(protocol.CmdGetWatchable, protocol.PathRequest{Path: "/rpv/xffff"}, nil)
	assert.Equal(t, protocol.CmdErrorResponse, m.Cmd)
	assert.Contains(t, m.Error, "unknown rpv")

	_, err = h.target.WriteRPV(0x1001, 99)
	require.NoError(t, err)
	m = c.next(func(m protocol.Message) bool {
		if m.Cmd != protocol.PushWatchableUpdate {
			return false
		}
		var u protocol.WatchableUpdate
		require.NoError(t, m.Decode(&u))
		return len(u.Updates) == 1 && u.Updates[0].Value == 99
	})
	assert.Zero(t, m.ReqID)

	m = c.call(protocol.CmdUnwatch, protocol.PathRequest{Path: "/rpv/x1001"}, nil)
	assert.Equal(t, protocol.CmdUnwatch, m.Cmd)
	m = c.call(protocol.CmdUnwatch, protocol.PathRequest{Path: "/rpv/x1001"}, nil)
	assert.Equal(t, protocol.CmdErrorResponse, m.Cmd)
}

func TestWriteWatchableCoerces(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	var resp protocol.WriteResponse
	m := c.call(protocol.CmdWriteWatchable, protocol.WriteRequest{Path: "/rpv/x1000", Value: 300}, &resp)
	require.Equal(t, protocol.CmdWriteWatchable, m.Cmd)
	assert.Equal(t, 127.0, resp.Value)

	v, err := h.target.ReadRPV(0x1000)
	require.NoError(t, err)
	assert.Equal(t, 127.0, v)
}

func acquisitionRequest(cond string, operands ...protocol.OperandSpec) protocol.AcquisitionRequest {
	return protocol.AcquisitionRequest{
		Name:         "test",
		SamplingRate: 0,
		Decimation:   1,
		Trigger: protocol.TriggerSpec{
			Condition: cond,
			Operands:  operands,
			Position:  0.5,
		},
		XAxis: protocol.XAxisSpec{Type: protocol.XAxisIdealTime},
		Axes:  []protocol.AxisSpec{{ID: 0, Name: "Axis 1"}},
		Signals: []protocol.SignalSpec{
			{Path: "/rpv/x1001", Name: "value", AxisID: 0},
			{Path: "/rpv/x3000", AxisID: 0},
		},
	}
}

func completion(t *testing.T, c *wsClient, token string) protocol.AcquisitionComplete {
	t.Helper()
	var done protocol.AcquisitionComplete
	c.next(func(m protocol.Message) bool {
		if m.Cmd != protocol.PushAcquisitionComplete {
			return false
		}
		require.NoError(t, m.Decode(&done))
		return done.RequestToken == token
	})
	return done
}

func TestAcquisitionFlow(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	var accepted protocol.AcquisitionAccepted
	m := c.call(protocol.CmdRequestAcquisition, acquisitionRequest("always_true"), &accepted)
	require.Equal(t, protocol.CmdRequestAcquisition, m.Cmd, m.Error)
	require.NotEmpty(t, accepted.RequestToken)

	done := completion(t, c, accepted.RequestToken)
	require.True(t, done.Success, done.Reason)
	require.NotEmpty(t, done.ReferenceID)
	assert.Empty(t, done.Reason)

	var content protocol.AcquisitionContent
	m = c.call(protocol.CmdReadAcquisitionContent, protocol.ReferenceRequest{ReferenceID: done.ReferenceID}, &content)
	require.Equal(t, protocol.CmdReadAcquisitionContent, m.Cmd, m.Error)
	acq := content.Acquisition
	require.NotNil(t, acq)
	assert.Equal(t, "test", acq.Name)
	assert.Equal(t, 32, acq.Len())
	require.Len(t, acq.YData, 2)
	assert.Equal(t, "value", acq.YData[0].Name)
	assert.Equal(t, "/rpv/x3000", acq.YData[1].Name)
	assert.Equal(t, "Time (ideal) [s]", acq.XData.Name)
	assert.InDelta(t, 0.001, acq.XData.Data[1], 1e-9)

	var list protocol.AcquisitionList
	c.call(protocol.CmdListAcquisitions, nil, &list)
	require.Len(t, list.Acquisitions, 1)
	assert.Equal(t, done.ReferenceID, list.Acquisitions[0].ReferenceID)

	resp, err := http.Get(h.http.URL + "/api/acquisitions/" + done.ReferenceID + "/csv")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	assert.Len(t, lines, 33)
	assert.Equal(t, "Time (ideal) [s],value,/rpv/x3000,trigger", lines[0])

	m = c.call(protocol.CmdDeleteAcquisition, protocol.ReferenceRequest{ReferenceID: done.ReferenceID}, nil)
	assert.Equal(t, protocol.CmdDeleteAcquisition, m.Cmd)
	m = c.call(protocol.CmdReadAcquisitionContent, protocol.ReferenceRequest{ReferenceID: done.ReferenceID}, nil)
	assert.Equal(t, protocol.CmdErrorResponse, m.Cmd)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.srv.Metrics().Acquisitions.WithLabelValues("success")))
}

func TestAcquisitionRequestRejected(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	req := acquisitionRequest("gt", protocol.OperandSpec{Type: protocol.OperandLiteral, Value: 1})
	m := c.call(protocol.CmdRequestAcquisition, req, nil)
	assert.Equal(t, protocol.CmdErrorResponse, m.Cmd)

	req = acquisitionRequest("always_true")
	req.Signals[0].Path = "/rpv/x7777"
	m = c.call(protocol.CmdRequestAcquisition, req, nil)
	assert.Equal(t, protocol.CmdErrorResponse, m.Cmd)

	req = acquisitionRequest("always_true")
	req.SamplingRate = 1
	m = c.call(protocol.CmdRequestAcquisition, req, nil)
	assert.Equal(t, protocol.CmdErrorResponse, m.Cmd, "ideal time needs a fixed loop")

	req = acquisitionRequest("always_true")
	req.Signals[0].AxisID = 4
	m = c.call(protocol.CmdRequestAcquisition, req, nil)
	assert.Equal(t, protocol.CmdErrorResponse, m.Cmd)
}

func neverTrue() protocol.AcquisitionRequest {
	return acquisitionRequest("eq",
		protocol.OperandSpec{Type: protocol.OperandLiteral, Value: 1},
		protocol.OperandSpec{Type: protocol.OperandLiteral, Value: 2},
	)
}

func TestNewRequestSupersedesPending(t *testing.T) {
	h := newHarness(t)
	a := h.dial(t)
	b := h.dial(t)

	var first, second protocol.AcquisitionAccepted
	a.call(protocol.CmdRequestAcquisition, neverTrue(), &first)
	require.NotEmpty(t, first.RequestToken)
	b.call(protocol.CmdRequestAcquisition, neverTrue(), &second)
	require.NotEmpty(t, second.RequestToken)

	done := completion(t, a, first.RequestToken)
	assert.False(t, done.Success)
	assert.Contains(t, done.Reason, "superseded")
	assert.Empty(t, done.ReferenceID)
}

func TestDisconnectCancelsAcquisition(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	var accepted protocol.AcquisitionAccepted
	c.call(protocol.CmdRequestAcquisition, neverTrue(), &accepted)
	require.NotEmpty(t, accepted.RequestToken)
	assert.Equal(t, "armed", h.target.Status().DataloggerState)

	require.NoError(t, c.conn.Close())
	assert.Eventually(t, func() bool {
		return h.target.Status().DataloggerState == "idle" && h.srv.sessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUserCommandAndStatus(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	var resp protocol.UserCommandResponse
	m := c.call(protocol.CmdUserCommand, protocol.UserCommandRequest{Subfunction: 4, Data: []byte{9, 8}}, &resp)
	require.Equal(t, protocol.CmdUserCommand, m.Cmd, m.Error)
	assert.Equal(t, []byte{4, 9, 8}, resp.Data)

	m = c.call(protocol.CmdUserCommand, protocol.UserCommandRequest{Subfunction: 2}, nil)
	assert.Equal(t, protocol.CmdErrorResponse, m.Cmd)

	var st protocol.ServerStatus
	c.call(protocol.CmdGetServerStatus, nil, &st)
	assert.Equal(t, "Simulated target", st.DisplayName)
	assert.Equal(t, 1, st.Sessions)
	require.Len(t, st.Loops, 2)
	assert.InDelta(t, 1000, st.Loops[0].Frequency, 1e-6)
	assert.Zero(t, st.Loops[1].Frequency)

	m = c.call("reboot", nil, nil)
	assert.Equal(t, protocol.CmdErrorResponse, m.Cmd)
}

func TestHTTPRoutes(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Save(context.Background(), &model.Acquisition{
		ReferenceID: "r1",
		Name:        "stored",
		AcquiredAt:  time.Now(),
		XData:       model.Series{Name: "Index", Data: []float64{0, 1}},
		YData:       []model.Series{{Name: "s", Data: []float64{5, 6}}},
	}))

	resp, err := http.Get(h.http.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.http.URL + "/api/acquisitions?limit=5")
	require.NoError(t, err)
	var list []model.AcquisitionSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Samples)

	resp, err = http.Get(h.http.URL + "/api/acquisitions/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, h.http.URL+"/api/acquisitions/r1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	h.dial(t)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.srv.Metrics().Sessions) == 1
	}, time.Second, 10*time.Millisecond)

	resp, err = http.Get(h.http.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "scrutiny_sessions 1")
}

func TestEmptyCaptureFailsAcquisition(t *testing.T) {
	h := newHarness(t)
	sess := &session{srv: h.srv, log: zerolog.Nop(), closed: true, watched: map[string]target.RPV{}}

	h.srv.finishAcquisition(sess, &acquisitionPlan{token: "empty"}, &target.Capture{}, nil)

	list, err := h.store.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.srv.Metrics().Acquisitions.WithLabelValues("error")))
	assert.Zero(t, testutil.ToFloat64(h.srv.Metrics().Acquisitions.WithLabelValues("success")))
}
