package modbus

import (
	"sync"
	"testing"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*Server, mb.Client) {
	t.Helper()
	srv := NewServer()
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	h := mb.NewTCPClientHandler(srv.Addr().String())
	h.Timeout = time.Second
	h.SlaveId = 1
	require.NoError(t, h.Connect())
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return srv, mb.NewClient(h)
}

func TestReadHoldingRegisters(t *testing.T) {
	srv, c := newClient(t)
	require.NoError(t, srv.SetHoldingRegister(5, 0x1234))
	require.NoError(t, srv.SetHoldingRegister(6, 0xABCD))

	data, err := c.ReadHoldingRegisters(5, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34, 0xAB, 0xCD}, data)
}

func TestWriteFunctions(t *testing.T) {
	srv, c := newClient(t)

	_, err := c.WriteSingleRegister(1, 0xBEEF)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), srv.HoldingRegister(1))

	_, err = c.WriteMultipleRegisters(10, 2, []byte{0x00, 0x01, 0x00, 0x02})
	require.NoError(t, err)
	assert.Equal(t, uint16(1), srv.HoldingRegister(10))
	assert.Equal(t, uint16(2), srv.HoldingRegister(11))

	_, err = c.WriteSingleCoil(7, 0xFF00)
	require.NoError(t, err)
	assert.True(t, srv.Coil(7))

	_, err = c.WriteMultipleCoils(20, 3, []byte{0x05})
	require.NoError(t, err)
	assert.True(t, srv.Coil(20))
	assert.False(t, srv.Coil(21))
	assert.True(t, srv.Coil(22))

	data, err := c.ReadCoils(20, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05}, data)
}

func TestExceptions(t *testing.T) {
	_, c := newClient(t)

	_, err := c.ReadHoldingRegisters(65535, 2)
	assert.Error(t, err)

	_, err = c.WriteSingleCoil(1, 0x1234)
	assert.Error(t, err)
}

func TestOnWriteReportsClientWrites(t *testing.T) {
	srv, c := newClient(t)

	type write struct {
		table           Table
		start, quantity uint16
	}
	var (
		mu  sync.Mutex
		got []write
	)
	srv.OnWrite(func(table Table, start, quantity uint16) {
		mu.Lock()
		got = append(got, write{table, start, quantity})
		mu.Unlock()
	})

	_, err := c.WriteSingleRegister(3, 1)
	require.NoError(t, err)
	_, err = c.WriteMultipleRegisters(40, 2, []byte{0, 1, 0, 2})
	require.NoError(t, err)
	_, err = c.WriteMultipleCoils(8, 9, []byte{0xFF, 0x01})
	require.NoError(t, err)
	require.NoError(t, srv.SetHoldingRegister(50, 7))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []write{
		{HoldingRegisters, 3, 1},
		{HoldingRegisters, 40, 2},
		{Coils, 8, 9},
	}, got)
	assert.Equal(t, "holding_registers", HoldingRegisters.String())
}

func TestReadInputTablesAreZero(t *testing.T) {
	_, c := newClient(t)

	data, err := c.ReadInputRegisters(0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0}, data)

	data, err = c.ReadDiscreteInputs(100, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, data)

	_, err = c.ReadHoldingRegisters(0, 126)
	assert.Error(t, err)
}

func TestCloseDropsClients(t *testing.T) {
	srv := NewServer()
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	h := mb.NewTCPClientHandler(srv.Addr().String())
	h.Timeout = time.Second
	require.NoError(t, h.Connect())
	defer h.Close()

	done := make(chan struct{})
	go func() {
		srv.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on an open connection")
	}
}
