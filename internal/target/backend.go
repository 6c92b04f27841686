package target

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"scrutiny-go/internal/config"
)

// Backend stores the values behind the RPVs of the target.
type Backend interface {
	Read(rpv config.RPVConfig) (float64, error)
	Write(rpv config.RPVConfig, v float64) error
	Close() error
}

// OpenBackend builds the backend selected by cfg.Backend.
func OpenBackend(cfg config.TargetConfig, log zerolog.Logger) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewMemoryBackend(cfg.RPVs), nil
	case "modbus-tcp", "tcp", "modbus-rtu", "rtu":
		return NewModbusBackend(cfg.Backend, cfg.Modbus, log)
	default:
		return nil, fmt.Errorf("backend %s not implemented", cfg.Backend)
	}
}

// MemoryBackend keeps RPV values in a map, seeded with the configured values.
type MemoryBackend struct {
	mu     sync.RWMutex
	values map[uint16]float64
}

func NewMemoryBackend(rpvs []config.RPVConfig) *MemoryBackend {
	b := &MemoryBackend{values: make(map[uint16]float64, len(rpvs))}
	for _, r := range rpvs {
		b.values[r.ID] = r.Value
	}
	return b
}

func (b *MemoryBackend) Read(rpv config.RPVConfig) (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.values[rpv.ID], nil
}

func (b *MemoryBackend) Write(rpv config.RPVConfig, v float64) error {
	b.mu.Lock()
	b.values[rpv.ID] = v
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Close() error { return nil }
