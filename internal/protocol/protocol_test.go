package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope(t *testing.T) {
	m, err := NewMessage(CmdGetWatchable, 7, PathRequest{Path: "/rpv/x1000"})
	require.NoError(t, err)

	b, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cmd":"get_watchable","reqid":7,"payload":{"path":"/rpv/x1000"}}`, string(b))

	var back Message
	require.NoError(t, json.Unmarshal(b, &back))
	var req PathRequest
	require.NoError(t, back.Decode(&req))
	assert.Equal(t, "/rpv/x1000", req.Path)
}

func TestEmptyPayload(t *testing.T) {
	m, err := NewMessage(CmdUnwatch, 1, nil)
	require.NoError(t, err)
	assert.Nil(t, m.Payload)
	assert.Error(t, m.Decode(&PathRequest{}))
}

func TestErrorMessage(t *testing.T) {
	m := ErrorMessage(3, CmdWriteWatchable, "", errors.New("boom"))
	assert.Equal(t, CmdErrorResponse, m.Cmd)
	assert.Equal(t, uint64(3), m.ReqID)
	assert.Equal(t, "write_watchable: boom", m.Error)
	assert.Equal(t, CodeFailed, m.Code)

	m = ErrorMessage(4, CmdGetWatchable, CodeNotFound, errors.New("unknown rpv"))
	assert.Equal(t, CodeNotFound, m.Code)
}

func TestUserCommandDataIsBase64(t *testing.T) {
	m, err := NewMessage(CmdUserCommand, 2, UserCommandRequest{Subfunction: 4, Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"subfunction":4,"data":"AQID"}`, string(m.Payload))
}
