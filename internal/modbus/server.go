package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

const (
	functionReadCoils          = 0x01
	functionReadDiscreteInputs = 0x02
	functionReadHoldingRegs    = 0x03
	functionReadInputRegs      = 0x04
	functionWriteSingleCoil    = 0x05
	functionWriteSingleReg     = 0x06
	functionWriteMultiCoils    = 0x0F
	functionWriteMultiRegs     = 0x10

	tableSize = 1 << 16
)

// exception is a Modbus exception code carried as an error.
type exception byte

const (
	errIllegalFunction exception = 0x01
	errIllegalAddress  exception = 0x02
	errIllegalValue    exception = 0x03
)

func (e exception) Error() string { return fmt.Sprintf("modbus exception 0x%02x", byte(e)) }

// Table identifies one of the four Modbus data tables.
type Table uint8

const (
	Coils Table = iota
	DiscreteInputs
	HoldingRegisters
	InputRegisters
)

func (t Table) String() string {
	switch t {
	case Coils:
		return "coils"
	case DiscreteInputs:
		return "discrete_inputs"
	case HoldingRegisters:
		return "holding_registers"
	case InputRegisters:
		return "input_registers"
	}
	return fmt.Sprintf("table(%d)", uint8(t))
}

// WriteFunc is told about every write a client made, after it was applied.
type WriteFunc func(table Table, start, quantity uint16)

// Server is a Modbus TCP device. The simulated target's RPVs live in its
// holding registers and coils when the target runs with a modbus backend;
// discrete inputs and input registers read as zero.
type Server struct {
	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	mu       sync.RWMutex
	coils    []bool
	discrete []bool
	holding  []uint16
	input    []uint16
	onWrite  WriteFunc
}

// NewServer returns a server with every table zeroed.
func NewServer() *Server {
	return &Server{
		coils:    make([]bool, tableSize),
		discrete: make([]bool, tableSize),
		holding:  make([]uint16, tableSize),
		input:    make([]uint16, tableSize),
		quit:     make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
}

// OnWrite registers fn for client writes. It replaces any previous one.
func (s *Server) OnWrite(fn WriteFunc) {
	s.mu.Lock()
	s.onWrite = fn
	s.mu.Unlock()
}

// Listen starts accepting Modbus TCP connections on address.
func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the listening address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			continue
		}

		s.connMu.Lock()
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

// serve answers MBAP framed requests until the client goes away. The
// response reuses the request header, transaction id included.
func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		conn.Close()
	}()

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := int(binary.BigEndian.Uint16(header[4:6]))
		if length < 2 {
			continue
		}
		pdu := make([]byte, length-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		response := s.handle(pdu)
		frame := make([]byte, 0, len(header)+len(response))
		frame = append(frame, header[:4]...)
		frame = binary.BigEndian.AppendUint16(frame, uint16(len(response)+1))
		frame = append(frame, header[6])
		frame = append(frame, response...)
		if _, err := conn.Write(frame); err != nil {
			return
		}
	}
}

func (s *Server) handle(pdu []byte) []byte {
	if len(pdu) == 0 {
		return exceptionResponse(0, errIllegalFunction)
	}

	function := pdu[0]
	var (
		data []byte
		err  error
	)
	switch function {
	case functionReadCoils:
		data, err = s.readBits(s.coils, pdu)
	case functionReadDiscreteInputs:
		data, err = s.readBits(s.discrete, pdu)
	case functionReadHoldingRegs:
		data, err = s.readWords(s.holding, pdu)
	case functionReadInputRegs:
		data, err = s.readWords(s.input, pdu)
	case functionWriteSingleCoil:
		err = s.writeSingleCoil(pdu)
	case functionWriteSingleReg:
		err = s.writeSingleRegister(pdu)
	case functionWriteMultiCoils:
		err = s.writeCoils(pdu)
	case functionWriteMultiRegs:
		err = s.writeRegisters(pdu)
	default:
		err = errIllegalFunction
	}
	if err != nil {
		return exceptionResponse(function, err)
	}
	if data == nil {
		// writes echo the address and the value or quantity
		return append([]byte(nil), pdu[:5]...)
	}
	return append([]byte{function, byte(len(data))}, data...)
}

// span decodes the start address and quantity of a request.
func span(pdu []byte, maxQuantity int) (start, quantity int, err error) {
	if len(pdu) < 5 {
		return 0, 0, errIllegalValue
	}
	start = int(binary.BigEndian.Uint16(pdu[1:3]))
	quantity = int(binary.BigEndian.Uint16(pdu[3:5]))
	if quantity == 0 || quantity > maxQuantity {
		return 0, 0, errIllegalValue
	}
	if start+quantity > tableSize {
		return 0, 0, errIllegalAddress
	}
	return start, quantity, nil
}

func (s *Server) readBits(table []bool, pdu []byte) ([]byte, error) {
	start, quantity, err := span(pdu, 2000)
	if err != nil {
		return nil, err
	}
	out := make([]byte, (quantity+7)/8)
	s.mu.RLock()
	for i, bit := range table[start : start+quantity] {
		if bit {
			out[i/8] |= 1 << (i % 8)
		}
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Server) readWords(table []uint16, pdu []byte) ([]byte, error) {
	start, quantity, err := span(pdu, 125)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, quantity*2)
	s.mu.RLock()
	for _, w := range table[start : start+quantity] {
		out = binary.BigEndian.AppendUint16(out, w)
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Server) writeSingleCoil(pdu []byte) error {
	if len(pdu) < 5 {
		return errIllegalValue
	}
	address := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])
	if value != 0xFF00 && value != 0x0000 {
		return errIllegalValue
	}
	s.mu.Lock()
	s.coils[address] = value == 0xFF00
	fn := s.onWrite
	s.mu.Unlock()
	notify(fn, Coils, int(address), 1)
	return nil
}

func (s *Server) writeSingleRegister(pdu []byte) error {
	if len(pdu) < 5 {
		return errIllegalValue
	}
	address := binary.BigEndian.Uint16(pdu[1:3])
	s.mu.Lock()
	s.holding[address] = binary.BigEndian.Uint16(pdu[3:5])
	fn := s.onWrite
	s.mu.Unlock()
	notify(fn, HoldingRegisters, int(address), 1)
	return nil
}

func (s *Server) writeCoils(pdu []byte) error {
	start, quantity, err := span(pdu, 1968)
	if err != nil {
		return err
	}
	values, err := payload(pdu, (quantity+7)/8)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for i := 0; i < quantity; i++ {
		s.coils[start+i] = values[i/8]&(1<<(i%8)) != 0
	}
	fn := s.onWrite
	s.mu.Unlock()
	notify(fn, Coils, start, quantity)
	return nil
}

func (s *Server) writeRegisters(pdu []byte) error {
	start, quantity, err := span(pdu, 123)
	if err != nil {
		return err
	}
	values, err := payload(pdu, quantity*2)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for i := 0; i < quantity; i++ {
		s.holding[start+i] = binary.BigEndian.Uint16(values[i*2:])
	}
	fn := s.onWrite
	s.mu.Unlock()
	notify(fn, HoldingRegisters, start, quantity)
	return nil
}

// payload returns the byte-counted values of a multiple write.
func payload(pdu []byte, want int) ([]byte, error) {
	if len(pdu) < 6 || int(pdu[5]) != want || len(pdu) < 6+want {
		return nil, errIllegalValue
	}
	return pdu[6 : 6+want], nil
}

func notify(fn WriteFunc, table Table, start, quantity int) {
	if fn != nil {
		fn(table, uint16(start), uint16(quantity))
	}
}

func exceptionResponse(function byte, err error) []byte {
	code := errIllegalFunction
	errors.As(err, &code)
	return []byte{function | 0x80, byte(code)}
}

// Close stops the server, drops open connections and waits for all
// goroutines to exit.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		s.connMu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.connMu.Unlock()
	})
	s.wg.Wait()
}

// SetHoldingRegister stores value without notifying OnWrite.
func (s *Server) SetHoldingRegister(address uint16, value uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holding[address] = value
	return nil
}

// SetCoil stores value without notifying OnWrite.
func (s *Server) SetCoil(address uint16, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coils[address] = value
	return nil
}

func (s *Server) HoldingRegister(address uint16) uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holding[address]
}

func (s *Server) Coil(address uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.coils[address]
}
