package target

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"scrutiny-go/internal/config"
)

// ModbusBackend maps every RPV to holding registers (or a coil) of a Modbus
// device. A failed transfer is retried once after a reconnect.
type ModbusBackend struct {
	mu      sync.Mutex
	handler handlerWithConn
	client  mb.Client
	addr    string
	log     zerolog.Logger
}

// handlerWithConn embeds mb.ClientHandler and exposes Connect/Close used for lifecycle.
type handlerWithConn interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

// NewModbusBackend connects to the device described by cfg. kind is the
// target backend name, modbus-tcp or modbus-rtu.
func NewModbusBackend(kind string, cfg config.ModbusConfig, log zerolog.Logger) (*ModbusBackend, error) {
	h, addr, err := newHandler(kind, cfg)
	if err != nil {
		return nil, err
	}

	retry := cfg.RetryCount
	if retry < 0 {
		retry = 0
	}
	for attempts := 0; attempts <= retry; attempts++ {
		if err := h.Connect(); err != nil {
			if attempts == retry {
				return nil, fmt.Errorf("connect %s: %w", addr, err)
			}
			time.Sleep(time.Second)
			continue
		}
		break
	}

	log.Info().Str("addr", addr).Uint8("slave_id", cfg.SlaveID).Msg("modbus backend connected")
	return &ModbusBackend{
		handler: h,
		client:  mb.NewClient(h),
		addr:    addr,
		log:     log,
	}, nil
}

func newHandler(kind string, cfg config.ModbusConfig) (handlerWithConn, string, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn := cfg.Connection
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "modbus-tcp", "tcp":
		address := fmt.Sprintf("%s:%d", conn.Host, conn.Port)
		h := mb.NewTCPClientHandler(address)
		h.Timeout = timeout
		h.SlaveId = cfg.SlaveID
		return h, address, nil
	case "modbus-rtu", "rtu":
		if strings.TrimSpace(conn.SerialPort) == "" {
			return nil, "", fmt.Errorf("serial_port is required for RTU")
		}
		h := mb.NewRTUClientHandler(conn.SerialPort)
		if conn.BaudRate > 0 {
			h.BaudRate = conn.BaudRate
		}
		if conn.DataBits > 0 {
			h.DataBits = conn.DataBits
		}
		if conn.StopBits > 0 {
			h.StopBits = conn.StopBits
		}
		if p := strings.ToUpper(strings.TrimSpace(conn.Parity)); p != "" {
			h.Parity = p
		}
		h.Timeout = timeout
		h.SlaveId = cfg.SlaveID
		return h, conn.SerialPort, nil
	default:
		return nil, "", fmt.Errorf("protocol %s not implemented", kind)
	}
}

func (b *ModbusBackend) Read(rpv config.RPVConfig) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, err := b.read(rpv)
	if err != nil {
		if recErr := b.reconnect(); recErr != nil {
			return 0, fmt.Errorf("read rpv 0x%04x@%d: %w", rpv.ID, rpv.Address, err)
		}
		if v, err = b.read(rpv); err != nil {
			return 0, fmt.Errorf("read rpv 0x%04x@%d: %w", rpv.ID, rpv.Address, err)
		}
	}
	return v, nil
}

func (b *ModbusBackend) Write(rpv config.RPVConfig, v float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.write(rpv, v); err != nil {
		if recErr := b.reconnect(); recErr != nil {
			return fmt.Errorf("write rpv 0x%04x@%d: %w", rpv.ID, rpv.Address, err)
		}
		if err := b.write(rpv, v); err != nil {
			return fmt.Errorf("write rpv 0x%04x@%d: %w", rpv.ID, rpv.Address, err)
		}
	}
	return nil
}

func (b *ModbusBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handler.Close()
}

func (b *ModbusBackend) read(rpv config.RPVConfig) (float64, error) {
	dt := strings.ToLower(rpv.DataType)
	if dt == "coil" {
		data, err := b.client.ReadCoils(rpv.Address, 1)
		if err != nil {
			return 0, err
		}
		if len(data) > 0 && data[0]&0x01 == 0x01 {
			return 1, nil
		}
		return 0, nil
	}
	data, err := b.client.ReadHoldingRegisters(rpv.Address, registerCount(dt))
	if err != nil {
		return 0, err
	}
	raw, err := decodeRegisters(data, dt, rpv.ByteOrder)
	if err != nil {
		return 0, err
	}
	return raw*scaleOf(rpv) + rpv.Offset, nil
}

func (b *ModbusBackend) write(rpv config.RPVConfig, v float64) error {
	dt := strings.ToLower(rpv.DataType)
	if dt == "coil" {
		value := uint16(0x0000)
		if v != 0 {
			value = 0xFF00
		}
		_, err := b.client.WriteSingleCoil(rpv.Address, value)
		return err
	}
	data, err := encodeRegisters((v-rpv.Offset)/scaleOf(rpv), dt, rpv.ByteOrder)
	if err != nil {
		return err
	}
	if len(data) == 2 {
		_, err = b.client.WriteSingleRegister(rpv.Address, binary.BigEndian.Uint16(data))
		return err
	}
	_, err = b.client.WriteMultipleRegisters(rpv.Address, uint16(len(data)/2), data)
	return err
}

// RegisterWords returns the holding register words that make a device
// report v for rpv. Coils are not registers and are rejected.
func RegisterWords(rpv config.RPVConfig, v float64) ([]uint16, error) {
	dt := strings.ToLower(rpv.DataType)
	if dt == "coil" {
		return nil, fmt.Errorf("rpv 0x%04x is a coil", rpv.ID)
	}
	data, err := encodeRegisters((v-rpv.Offset)/scaleOf(rpv), dt, rpv.ByteOrder)
	if err != nil {
		return nil, err
	}
	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return words, nil
}

// reconnect attempts to close and reopen the underlying handler.
func (b *ModbusBackend) reconnect() error {
	b.log.Warn().Str("addr", b.addr).Msg("modbus transfer failed, reconnecting")
	b.handler.Close()
	time.Sleep(200 * time.Millisecond)
	return b.handler.Connect()
}

func scaleOf(rpv config.RPVConfig) float64 {
	if rpv.Scale == 0 {
		return 1
	}
	return rpv.Scale
}

func registerCount(dt string) uint16 {
	switch dt {
	case "float32", "uint32", "int32":
		return 2
	default:
		return 1
	}
}

func decodeRegisters(data []byte, dt, bo string) (float64, error) {
	switch dt {
	case "", "uint16":
		if len(data) < 2 {
			return 0, errors.New("insufficient data for uint16")
		}
		return float64(binary.BigEndian.Uint16(data[:2])), nil
	case "int16":
		if len(data) < 2 {
			return 0, errors.New("insufficient data for int16")
		}
		return float64(int16(binary.BigEndian.Uint16(data[:2]))), nil
	case "float32", "uint32", "int32":
		if len(data) < 4 {
			return 0, fmt.Errorf("insufficient data for %s", dt)
		}
		u := binary.BigEndian.Uint32(reorder32(data[:4], bo))
		switch dt {
		case "float32":
			return float64(math.Float32frombits(u)), nil
		case "int32":
			return float64(int32(u)), nil
		default:
			return float64(u), nil
		}
	default:
		return 0, fmt.Errorf("unsupported data type: %s", dt)
	}
}

// encodeRegisters is the inverse of decodeRegisters. Integer types are
// rounded and saturate at their bounds.
func encodeRegisters(v float64, dt, bo string) ([]byte, error) {
	switch dt {
	case "", "uint16":
		out := make([]byte, 2)
		binary.BigEndian.PutUint16(out, uint16(clamp(math.Round(v), 0, math.MaxUint16)))
		return out, nil
	case "int16":
		out := make([]byte, 2)
		binary.BigEndian.PutUint16(out, uint16(int16(clamp(math.Round(v), math.MinInt16, math.MaxInt16))))
		return out, nil
	case "float32", "uint32", "int32":
		var u uint32
		switch dt {
		case "float32":
			u = math.Float32bits(float32(v))
		case "int32":
			u = uint32(int32(clamp(math.Round(v), math.MinInt32, math.MaxInt32)))
		default:
			u = uint32(clamp(math.Round(v), 0, math.MaxUint32))
		}
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, u)
		// every supported order is its own inverse
		return reorder32(out, bo), nil
	default:
		return nil, fmt.Errorf("unsupported data type: %s", dt)
	}
}

// reorder32 returns a 4-byte slice reordered per byte-order string.
// Supported orders: "ABCD" (default), "DCBA", "BADC" (byte swap within words), "CDAB" (word swap).
func reorder32(in []byte, order string) []byte {
	var out [4]byte
	if len(in) < 4 {
		return append([]byte{}, in...)
	}
	switch strings.ToUpper(strings.TrimSpace(order)) {
	case "DCBA":
		out[0], out[1], out[2], out[3] = in[3], in[2], in[1], in[0]
	case "BADC":
		out[0], out[1], out[2], out[3] = in[1], in[0], in[3], in[2]
	case "CDAB":
		out[0], out[1], out[2], out[3] = in[2], in[3], in[0], in[1]
	default:
		copy(out[:], in[:4])
	}
	return out[:]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
