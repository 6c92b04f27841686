package target

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrutiny-go/internal/config"
	"scrutiny-go/internal/modbus"
)

func startDevice(t *testing.T) (*modbus.Server, config.ModbusConfig) {
	t.Helper()
	srv := modbus.NewServer()
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	t.Cleanup(srv.Close)

	host, port, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return srv, config.ModbusConfig{
		Connection: config.Connection{Host: host, Port: p},
		SlaveID:    1,
		Timeout:    time.Second,
	}
}

func TestModbusBackendRoundTrip(t *testing.T) {
	srv, cfg := startDevice(t)
	b, err := NewModbusBackend("modbus-tcp", cfg, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	cases := []struct {
		rpv config.RPVConfig
		v   float64
	}{
		{config.RPVConfig{ID: 1, Address: 0, DataType: "uint16", Scale: 1}, 1234},
		{config.RPVConfig{ID: 2, Address: 1, DataType: "int16", Scale: 1}, -42},
		{config.RPVConfig{ID: 3, Address: 2, DataType: "int32", ByteOrder: "CDAB", Scale: 1}, -100000},
		{config.RPVConfig{ID: 4, Address: 4, DataType: "uint32", ByteOrder: "DCBA", Scale: 1}, 3000000000},
		{config.RPVConfig{ID: 5, Address: 6, DataType: "float32", ByteOrder: "BADC", Scale: 1}, 1.5},
		{config.RPVConfig{ID: 6, Address: 8, DataType: "int16", Scale: 0.1, Offset: 5}, 25.5},
		{config.RPVConfig{ID: 7, Address: 3, DataType: "coil"}, 1},
	}
	for _, c := range cases {
		require.NoError(t, b.Write(c.rpv, c.v), "rpv %d", c.rpv.ID)
		got, err := b.Read(c.rpv)
		require.NoError(t, err, "rpv %d", c.rpv.ID)
		assert.InDelta(t, c.v, got, 1e-6, "rpv %d", c.rpv.ID)
	}

	assert.Equal(t, uint16(1234), srv.HoldingRegister(0))
	assert.Equal(t, uint16(205), srv.HoldingRegister(8))
	assert.True(t, srv.Coil(3))
}

func TestModbusBackendReadsDeviceUpdates(t *testing.T) {
	srv, cfg := startDevice(t)
	b, err := NewModbusBackend("tcp", cfg, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, srv.SetHoldingRegister(10, 0xFFFE))
	v, err := b.Read(config.RPVConfig{Address: 10, DataType: "int16", Scale: 1})
	require.NoError(t, err)
	assert.Equal(t, -2.0, v)
}

func TestOpenBackend(t *testing.T) {
	cfg := config.Default().Target
	b, err := OpenBackend(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, b)

	cfg.Backend = "can"
	_, err = OpenBackend(cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestReorder32IsInvolution(t *testing.T) {
	in := []byte{1, 2, 3, 4}
	for _, order := range []string{"ABCD", "DCBA", "BADC", "CDAB"} {
		assert.Equal(t, in, reorder32(reorder32(in, order), order), order)
	}
}

func TestRegisterWordsSeedDevice(t *testing.T) {
	srv, cfg := startDevice(t)
	rpv := config.RPVConfig{ID: 0x3001, Address: 20, DataType: "float32", ByteOrder: "CDAB", Scale: 1}

	words, err := RegisterWords(rpv, 2.5)
	require.NoError(t, err)
	require.Len(t, words, 2)
	for i, w := range words {
		require.NoError(t, srv.SetHoldingRegister(rpv.Address+uint16(i), w))
	}

	b, err := NewModbusBackend("modbus-tcp", cfg, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()
	v, err := b.Read(rpv)
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	_, err = RegisterWords(config.RPVConfig{DataType: "coil"}, 1)
	assert.Error(t, err)
}
