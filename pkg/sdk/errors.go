package sdk

import (
	"errors"

	"scrutiny-go/internal/protocol"
)

var (
	ErrNotConnected      = errors.New("not connected")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrNotFound          = errors.New("not found")
	ErrTimeout           = errors.New("timeout")
	ErrInvalidConfig     = errors.New("invalid datalogging configuration")
	ErrNotCompleted      = errors.New("acquisition not completed")
	ErrAcquisitionFailed = errors.New("acquisition failed")
)

// ServerError is a request rejected by the server. It matches ErrNotFound
// and ErrInvalidConfig through errors.Is when the server said so.
type ServerError struct {
	Cmd     string
	Code    string
	Message string
}

func (e *ServerError) Error() string { return "server error: " + e.Message }

func (e *ServerError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == protocol.CodeNotFound
	case ErrInvalidConfig:
		return e.Code == protocol.CodeInvalidConfig
	}
	return false
}
