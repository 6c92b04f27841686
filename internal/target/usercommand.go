package target

import (
	"errors"
	"fmt"
)

var ErrResponseOverflow = errors.New("user command response exceeds the maximum length")

// UserCommand runs the application callback of the simulated device.
//
//	0: [0, 0, 1, 2, 3, 4, 5, 6]
//	1: subfunction then 1, 2, 3... up to the maximum length
//	2: claims one byte more than allowed
//	3: empty
//	4: subfunction then the request data, truncated to fit
//	other: [0xFF]
func (t *Target) UserCommand(subfunction uint8, data []byte) ([]byte, error) {
	limit := t.cfg.MaxUserResponse
	if limit < 1 {
		return []byte{}, nil
	}

	var resp []byte
	switch {
	case subfunction == 0 && limit >= 8:
		resp = []byte{subfunction, 0, 1, 2, 3, 4, 5, 6}
	case subfunction == 1:
		resp = make([]byte, limit)
		resp[0] = subfunction
		for i := 1; i < limit; i++ {
			resp[i] = byte(i)
		}
	case subfunction == 2:
		return nil, fmt.Errorf("%w: %d > %d", ErrResponseOverflow, limit+1, limit)
	case subfunction == 3:
		resp = []byte{}
	case subfunction == 4:
		n := len(data)
		if n > limit-1 {
			n = limit - 1
		}
		resp = append([]byte{subfunction}, data[:n]...)
	default:
		resp = []byte{0xFF}
	}
	t.log.Debug().Uint8("subfunction", subfunction).Int("request_len", len(data)).Int("response_len", len(resp)).Msg("user command")
	return resp, nil
}
