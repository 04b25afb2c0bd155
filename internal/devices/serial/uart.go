// Package serial provides a 16550-style UART as a hal.SerialPort.
package serial

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/captain/internal/chipset"
	"github.com/tinyrange/captain/internal/hal"
)

const (
	// BaseClock is the rate the baud divisor divides. Divisor 1 is 115200 baud.
	BaseClock = 115200
	// DefaultBaudRate is the rate after reset.
	DefaultBaudRate = 9600
)

// Stats counts bytes through the port.
type Stats struct {
	TXBytes  uint64
	RXBytes  uint64
	Overruns uint64
}

// UART implements hal.SerialPort. Writes queue in the TX FIFO and leave the
// port on the next Poll, either to out or, in loopback mode, back into the
// RX FIFO. Incoming bytes are read from in by Poll. The interrupt line is
// held high while the RX FIFO has data.
type UART struct {
	name string

	mu       sync.Mutex
	out      io.Writer
	in       io.Reader
	irq      chipset.LineInterrupt
	divisor  uint16
	loopback bool
	rx       fifo
	tx       fifo
	skipLF   bool
	stats    Stats
}

var (
	_ hal.SerialPort      = (*UART)(nil)
	_ chipset.PollHandler = (*UART)(nil)
)

// NewUART builds a port. in and out may be nil; irq may be nil for a
// polled-only port.
func NewUART(name string, irq chipset.LineInterrupt, out io.Writer, in io.Reader) *UART {
	if irq == nil {
		irq = chipset.LineInterruptDetached()
	}
	return &UART{
		name:    name,
		out:     out,
		in:      in,
		irq:     irq,
		divisor: BaseClock / DefaultBaudRate,
	}
}

func (s *UART) Driver() string       { return s.name }
func (s *UART) Manufacturer() string { return "national-semiconductor" }
func (s *UART) Model() string        { return "16550a" }

// BaudRate implements hal.SerialPort.
func (s *UART) BaudRate() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BaseClock / uint64(s.divisor)
}

// SetBaudRate implements hal.SerialPort. Only rates that divide BaseClock
// exactly are reachable.
func (s *UART) SetBaudRate(baudRate uint64) error {
	if baudRate == 0 || baudRate > BaseClock || BaseClock%baudRate != 0 {
		return hal.ErrUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.divisor = uint16(BaseClock / baudRate)
	return nil
}

// SetLoopback switches the port's transmitter into its own receiver. Leaving
// loopback discards anything looped back but not yet read.
func (s *UART) SetLoopback(on bool) {
	s.mu.Lock()
	if s.loopback && !on {
		s.rx.reset()
	}
	s.loopback = on
	s.mu.Unlock()
	s.updateInterrupts()
}

// ReadyForWriting implements hal.SerialPort.
func (s *UART) ReadyForWriting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.tx.full()
}

// HasIncomingData implements hal.SerialPort.
func (s *UART) HasIncomingData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.rx.empty()
}

// Write implements hal.SerialPort. It queues as much of buf as the TX FIFO
// holds and reports hal.ErrBusy for the rest.
func (s *UART) Write(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range buf {
		if !s.tx.push(b) {
			return i, hal.ErrBusy
		}
	}
	return len(buf), nil
}

// Read implements hal.SerialPort. It returns 0 and no error when the RX FIFO
// is empty.
func (s *UART) Read(buf []byte) (int, error) {
	s.mu.Lock()
	n := 0
	for n < len(buf) {
		b, ok := s.rx.pop()
		if !ok {
			break
		}
		buf[n] = b
		n++
	}
	s.mu.Unlock()
	if n > 0 {
		s.updateInterrupts()
	}
	return n, nil
}

// Poll implements chipset.PollHandler for async TX/RX.
func (s *UART) Poll(ctx context.Context) error {
	s.mu.Lock()

	for !s.tx.empty() {
		b, _ := s.tx.pop()
		s.transmitByteLocked(b)
	}

	if s.in != nil && !s.loopback && s.rx.free() > 0 {
		buf := make([]byte, s.rx.free())
		n, err := s.in.Read(buf)
		for _, b := range buf[:n] {
			s.rxByteLocked(b)
		}
		if err != nil && err != io.EOF {
			slog.Warn("serial: read input", "port", s.name, "err", err)
		}
	}

	s.mu.Unlock()

	s.updateInterrupts()
	return nil
}

// Stats returns the byte counters.
func (s *UART) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *UART) transmitByteLocked(value byte) {
	s.stats.TXBytes++
	if s.loopback {
		s.rxByteLocked(value)
		return
	}
	if s.out == nil {
		return
	}
	switch value {
	case '\r':
		_, _ = s.out.Write([]byte{'\n'})
		s.skipLF = true
	case '\n':
		if s.skipLF {
			s.skipLF = false
			break
		}
		_, _ = s.out.Write([]byte{'\n'})
	default:
		s.skipLF = false
		_, _ = s.out.Write([]byte{value})
	}
}

func (s *UART) rxByteLocked(value byte) {
	if !s.rx.push(value) {
		s.stats.Overruns++
		return
	}
	s.stats.RXBytes++
}

// updateInterrupts drives the line from the RX FIFO state. It runs without
// s.mu held because raising the line may deliver the interrupt, and the
// handler may read from this port.
func (s *UART) updateInterrupts() {
	s.mu.Lock()
	pending := !s.rx.empty()
	s.mu.Unlock()
	s.irq.SetLevel(pending)
}
