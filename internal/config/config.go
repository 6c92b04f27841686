package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"scrutiny-go/internal/model"
)

// RootConfig is the configuration of the monitoring server and the target it hosts.
// This mirrors config/server.yaml.
type RootConfig struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Storage StorageConfig `yaml:"storage"`
	Target  TargetConfig  `yaml:"target"`
}

type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
	// UpdateInterval is the period of watchable_update pushes.
	UpdateInterval time.Duration `yaml:"update_interval"`
	// ValueCacheTTL is how long an unchanged value is withheld from pushes.
	ValueCacheTTL   time.Duration `yaml:"value_cache_ttl"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | console
	Output string `yaml:"output"` // stdout | stderr | file path
}

type StorageConfig struct {
	// DBPath empty keeps acquisitions in memory.
	DBPath string `yaml:"db_path"`
}

type TargetConfig struct {
	DisplayName     string       `yaml:"display_name"`
	BufferSize      int          `yaml:"buffer_size"`
	MaxUserResponse int          `yaml:"max_user_response"`
	Backend         string       `yaml:"backend"` // memory | modbus-tcp | modbus-rtu
	Modbus          ModbusConfig `yaml:"modbus"`
	Loops           []LoopConfig `yaml:"loops"`
	RPVs            []RPVConfig  `yaml:"rpvs"`
}

type ModbusConfig struct {
	Connection Connection    `yaml:"connection"`
	SlaveID    uint8         `yaml:"slave_id"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
}

type Connection struct {
	// TCP
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// RTU
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`
	DataBits   int    `yaml:"data_bits"`
	StopBits   int    `yaml:"stop_bits"`
	Parity     string `yaml:"parity"`
}

// LoopConfig describes a sampling loop of the target. Fixed loops run at a
// known frequency, which is what an ideal time axis needs.
type LoopConfig struct {
	ID     int           `yaml:"id"`
	Name   string        `yaml:"name"`
	Period time.Duration `yaml:"period"`
	Fixed  bool          `yaml:"fixed"`
}

// RPVConfig declares a runtime published value. The register fields are
// only used by the modbus backends.
type RPVConfig struct {
	ID        uint16  `yaml:"id"`
	Type      string  `yaml:"type"`
	Value     float64 `yaml:"value"`
	Address   uint16  `yaml:"address"`
	DataType  string  `yaml:"data_type"`  // uint16 | int16 | uint32 | int32 | float32
	ByteOrder string  `yaml:"byte_order"` // ABCD | DCBA | BADC | CDAB
	Scale     float64 `yaml:"scale"`
	Offset    float64 `yaml:"offset"`
}

// Default returns a configuration serving the reference RPV set on an
// in-memory backend.
func Default() RootConfig {
	var cfg RootConfig
	applyDefaults(&cfg)
	return cfg
}

func LoadYAML(path string) (RootConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RootConfig{}, err
	}
	var cfg RootConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return RootConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return RootConfig{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides selected settings from the environment.
func (c *RootConfig) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("SCRUTINY_LISTEN_ADDRESS")); v != "" {
		c.Server.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("SCRUTINY_DB_PATH")); v != "" {
		c.Storage.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("SCRUTINY_LOG_LEVEL")); v != "" {
		c.Logging.Level = v
	}
}

func applyDefaults(cfg *RootConfig) {
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = "127.0.0.1:8765"
	}
	if cfg.Server.UpdateInterval <= 0 {
		cfg.Server.UpdateInterval = 100 * time.Millisecond
	}
	if cfg.Server.ValueCacheTTL <= 0 {
		cfg.Server.ValueCacheTTL = time.Second
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	t := &cfg.Target
	if t.DisplayName == "" {
		t.DisplayName = "Simulated target"
	}
	if t.BufferSize <= 0 {
		t.BufferSize = 4096
	}
	if t.MaxUserResponse <= 0 {
		t.MaxUserResponse = 128
	}
	t.Backend = strings.ToLower(strings.TrimSpace(t.Backend))
	if t.Backend == "" {
		t.Backend = "memory"
	}
	if t.Modbus.Timeout <= 0 {
		t.Modbus.Timeout = 5 * time.Second
	}
	if t.Modbus.SlaveID == 0 {
		t.Modbus.SlaveID = 1
	}
	if len(t.Loops) == 0 {
		t.Loops = []LoopConfig{
			{ID: 0, Name: "1KHz", Period: time.Millisecond, Fixed: true},
			{ID: 1, Name: "100Hz", Period: 10 * time.Millisecond, Fixed: true},
			{ID: 2, Name: "Idle loop", Period: 5 * time.Millisecond},
		}
	}
	if len(t.RPVs) == 0 {
		t.RPVs = defaultRPVs()
	}
	for i := range t.RPVs {
		if t.RPVs[i].Scale == 0 {
			t.RPVs[i].Scale = 1
		}
	}
}

// defaultRPVs is the set published by the reference test application.
func defaultRPVs() []RPVConfig {
	return []RPVConfig{
		{ID: 0x1000, Type: "sint8", Address: 0, DataType: "int16"},
		{ID: 0x1001, Type: "sint16", Address: 1, DataType: "int16"},
		{ID: 0x1002, Type: "sint32", Address: 2, DataType: "int32"},
		{ID: 0x2000, Type: "uint8", Address: 4, DataType: "uint16"},
		{ID: 0x2001, Type: "uint16", Address: 5, DataType: "uint16"},
		{ID: 0x2002, Type: "uint32", Address: 6, DataType: "uint32"},
		{ID: 0x3000, Type: "float32", Address: 8, DataType: "float32"},
		{ID: 0x3001, Type: "float64", Address: 10, DataType: "float32"},
		{ID: 0x4000, Type: "boolean", Address: 12, DataType: "uint16"},
	}
}

// Validate reports the first inconsistency found.
func (c RootConfig) Validate() error {
	switch c.Target.Backend {
	case "memory":
	case "modbus-tcp", "tcp":
		if c.Target.Modbus.Connection.Host == "" || c.Target.Modbus.Connection.Port <= 0 {
			return fmt.Errorf("target.modbus.connection host and port are required for %s", c.Target.Backend)
		}
	case "modbus-rtu", "rtu":
		if strings.TrimSpace(c.Target.Modbus.Connection.SerialPort) == "" {
			return fmt.Errorf("target.modbus.connection.serial_port is required for %s", c.Target.Backend)
		}
	default:
		return fmt.Errorf("unsupported target.backend %q", c.Target.Backend)
	}

	if c.Target.BufferSize < 2 {
		return fmt.Errorf("target.buffer_size must be at least 2")
	}

	loops := make(map[int]bool, len(c.Target.Loops))
	for _, l := range c.Target.Loops {
		if loops[l.ID] {
			return fmt.Errorf("duplicate loop id %d", l.ID)
		}
		loops[l.ID] = true
		if l.Period <= 0 {
			return fmt.Errorf("loop %d: period must be positive", l.ID)
		}
	}

	ids := make(map[uint16]bool, len(c.Target.RPVs))
	for _, r := range c.Target.RPVs {
		if ids[r.ID] {
			return fmt.Errorf("duplicate rpv id 0x%04x", r.ID)
		}
		ids[r.ID] = true
		if _, err := model.ParseVariableType(r.Type); err != nil {
			return fmt.Errorf("rpv 0x%04x: %w", r.ID, err)
		}
	}
	return nil
}
