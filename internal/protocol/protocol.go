// Package protocol defines the JSON messages exchanged over the websocket
// between the SDK and the monitoring server.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"scrutiny-go/internal/model"
)

// Client -> Server requests. Responses echo the command and the reqid.
const (
	CmdGetWatchable           = "get_watchable"
	CmdUnwatch                = "unwatch"
	CmdWriteWatchable         = "write_watchable"
	CmdRequestAcquisition     = "request_datalogging_acquisition"
	CmdReadAcquisitionContent = "read_datalogging_acquisition_content"
	CmdListAcquisitions       = "list_datalogging_acquisitions"
	CmdDeleteAcquisition      = "delete_datalogging_acquisition"
	CmdUserCommand            = "user_command"
	CmdGetServerStatus        = "get_server_status"
)

// Server -> Client messages.
const (
	CmdErrorResponse        = "error_response"
	PushWatchableUpdate     = "watchable_update"
	PushAcquisitionComplete = "datalogging_acquisition_complete"
)

// Error codes of an error_response.
const (
	CodeNotFound      = "not_found"
	CodeInvalidConfig = "invalid_config"
	CodeFailed        = "failed"
)

// Message is the envelope of every frame. Pushes carry reqid 0.
type Message struct {
	Cmd     string          `json:"cmd"`
	ReqID   uint64          `json:"reqid,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// NewMessage encodes payload into a message. A nil payload is omitted.
func NewMessage(cmd string, reqID uint64, payload any) (Message, error) {
	m := Message{Cmd: cmd, ReqID: reqID}
	if payload == nil {
		return m, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return m, fmt.Errorf("encode %s payload: %w", cmd, err)
	}
	m.Payload = b
	return m, nil
}

// ErrorMessage answers request reqID with a failure.
func ErrorMessage(reqID uint64, reqCmd, code string, err error) Message {
	if code == "" {
		code = CodeFailed
	}
	return Message{Cmd: CmdErrorResponse, ReqID: reqID, Error: fmt.Sprintf("%s: %v", reqCmd, err), Code: code}
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Cmd)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Cmd, err)
	}
	return nil
}

type PathRequest struct {
	Path string `json:"path"`
}

type WatchableInfo struct {
	Path  string  `json:"path"`
	Type  string  `json:"type"`
	Value float64 `json:"value"`
}

type WriteRequest struct {
	Path  string  `json:"path"`
	Value float64 `json:"value"`
}

// WriteResponse carries the value as stored, after type coercion.
type WriteResponse struct {
	Path  string  `json:"path"`
	Value float64 `json:"value"`
}

type ValueUpdate struct {
	Path      string    `json:"path"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

type WatchableUpdate struct {
	Updates []ValueUpdate `json:"updates"`
}

// Operand types.
const (
	OperandLiteral   = "literal"
	OperandWatchable = "watchable"
)

type OperandSpec struct {
	Type  string  `json:"type"`
	Value float64 `json:"value,omitempty"`
	Path  string  `json:"path,omitempty"`
}

type TriggerSpec struct {
	Condition string        `json:"condition"`
	Operands  []OperandSpec `json:"operands"`
	Position  float64       `json:"position"`
	// HoldTime in seconds.
	HoldTime float64 `json:"hold_time"`
}

// X axis types.
const (
	XAxisIndex        = "index"
	XAxisIdealTime    = "ideal_time"
	XAxisMeasuredTime = "measured_time"
	XAxisSignal       = "signal"
)

type XAxisSpec struct {
	Type string `json:"type"`
	Path string `json:"path,omitempty"`
}

type AxisSpec struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type SignalSpec struct {
	Path   string `json:"path"`
	Name   string `json:"name"`
	AxisID int    `json:"axis_id"`
}

type AcquisitionRequest struct {
	Name         string `json:"name"`
	SamplingRate int    `json:"sampling_rate_id"`
	Decimation   int    `json:"decimation"`
	// Timeout in seconds, 0 for none.
	Timeout float64      `json:"timeout"`
	Trigger TriggerSpec  `json:"trigger"`
	XAxis   XAxisSpec    `json:"x_axis"`
	Axes    []AxisSpec   `json:"yaxes"`
	Signals []SignalSpec `json:"signals"`
}

type AcquisitionAccepted struct {
	RequestToken string `json:"request_token"`
}

type AcquisitionComplete struct {
	RequestToken string `json:"request_token"`
	Success      bool   `json:"success"`
	ReferenceID  string `json:"reference_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type ReferenceRequest struct {
	ReferenceID string `json:"reference_id"`
}

type ListRequest struct {
	Limit int `json:"limit,omitempty"`
}

type AcquisitionList struct {
	Acquisitions []model.AcquisitionSummary `json:"acquisitions"`
}

type AcquisitionContent struct {
	Acquisition *model.Acquisition `json:"acquisition"`
}

// UserCommandRequest data is base64 encoded on the wire.
type UserCommandRequest struct {
	Subfunction uint8  `json:"subfunction"`
	Data        []byte `json:"data"`
}

type UserCommandResponse struct {
	Subfunction uint8  `json:"subfunction"`
	Data        []byte `json:"data"`
}

type LoopInfo struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	// Frequency in Hz, 0 for variable frequency loops.
	Frequency float64 `json:"frequency"`
}

type ServerStatus struct {
	DisplayName     string     `json:"display_name"`
	DataloggerState string     `json:"datalogger_state"`
	BufferSize      int        `json:"buffer_size"`
	RPVCount        int        `json:"rpv_count"`
	Loops           []LoopInfo `json:"sampling_rates"`
	Sessions        int        `json:"sessions"`
	UptimeSeconds   float64    `json:"uptime"`
}
