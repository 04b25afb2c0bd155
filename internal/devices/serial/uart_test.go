package serial

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tinyrange/captain/internal/hal"
)

// testIRQLine captures interrupt line state changes.
type testIRQLine struct {
	mu     sync.Mutex
	level  bool
	events []bool
}

func (t *testIRQLine) SetLevel(level bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.level != level {
		t.events = append(t.events, level)
	}
	t.level = level
}

func (t *testIRQLine) PulseInterrupt() {
	t.SetLevel(true)
	t.SetLevel(false)
}

func poll(t *testing.T, s *UART) {
	t.Helper()
	if err := s.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
}

func TestUARTTransmitTranslatesLineEndings(t *testing.T) {
	var out bytes.Buffer
	s := NewUART("com1", nil, &out, nil)

	if n, err := s.Write([]byte("ok\r\nnext\n")); err != nil || n != 9 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	poll(t, s)
	if got := out.String(); got != "ok\nnext\n" {
		t.Fatalf("out = %q, want %q", got, "ok\nnext\n")
	}
	if s.Stats().TXBytes != 9 {
		t.Fatalf("TXBytes = %d, want 9", s.Stats().TXBytes)
	}
}

func TestUARTWriteFillsFIFO(t *testing.T) {
	s := NewUART("com1", nil, nil, nil)
	data := bytes.Repeat([]byte{'x'}, fifoSize+4)

	n, err := s.Write(data)
	if !errors.Is(err, hal.ErrBusy) || n != fifoSize {
		t.Fatalf("Write = %d, %v; want %d, %v", n, err, fifoSize, hal.ErrBusy)
	}
	if s.ReadyForWriting() {
		t.Fatalf("ReadyForWriting with a full FIFO")
	}
	poll(t, s)
	if !s.ReadyForWriting() {
		t.Fatalf("not ready after the FIFO drained")
	}
}

func TestUARTLoopbackRaisesLine(t *testing.T) {
	irq := &testIRQLine{}
	s := NewUART("com1", irq, nil, nil)
	s.SetLoopback(true)

	s.Write([]byte("ping"))
	if s.HasIncomingData() {
		t.Fatalf("data arrived before Poll")
	}
	poll(t, s)
	if !s.HasIncomingData() || !irq.level {
		t.Fatalf("HasIncomingData = %v, line = %v; want both true", s.HasIncomingData(), irq.level)
	}

	buf := make([]byte, 8)
	n, err := s.Read(buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("Read = %q, %v; want ping", buf[:n], err)
	}
	if irq.level {
		t.Fatalf("line still high after the RX FIFO drained")
	}
	if n, _ := s.Read(buf); n != 0 {
		t.Fatalf("Read on empty FIFO = %d, want 0", n)
	}
	if len(irq.events) != 2 {
		t.Fatalf("line events = %v, want one rise and one fall", irq.events)
	}
}

func TestUARTReceiveFromInput(t *testing.T) {
	in := bytes.NewBufferString("0123456789abcdefXYZ")
	s := NewUART("com1", nil, nil, in)

	poll(t, s)
	buf := make([]byte, 32)
	n, _ := s.Read(buf)
	if n != fifoSize {
		t.Fatalf("first Read = %d bytes, want %d", n, fifoSize)
	}
	poll(t, s)
	n, _ = s.Read(buf)
	if string(buf[:n]) != "XYZ" {
		t.Fatalf("second Read = %q, want XYZ", buf[:n])
	}
}

func TestUARTLoopbackOverrun(t *testing.T) {
	s := NewUART("com1", nil, nil, nil)
	s.SetLoopback(true)
	for i := 0; i < 2; i++ {
		s.Write(bytes.Repeat([]byte{'a'}, fifoSize))
		poll(t, s)
	}
	if st := s.Stats(); st.RXBytes != fifoSize || st.Overruns != fifoSize {
		t.Fatalf("Stats = %+v, want %d received and %d overruns", st, fifoSize, fifoSize)
	}
	s.SetLoopback(false)
	if s.HasIncomingData() {
		t.Fatalf("looped back data kept after leaving loopback")
	}
}

func TestUARTBaudRate(t *testing.T) {
	s := NewUART("com1", nil, nil, nil)
	if s.BaudRate() != DefaultBaudRate {
		t.Fatalf("BaudRate = %d, want %d", s.BaudRate(), DefaultBaudRate)
	}
	tests := []struct {
		rate uint64
		want error
	}{
		{115200, nil},
		{38400, nil},
		{300, nil},
		{0, hal.ErrUnsupported},
		{230400, hal.ErrUnsupported},
		{7, hal.ErrUnsupported},
	}
	for _, tt := range tests {
		err := s.SetBaudRate(tt.rate)
		if !errors.Is(err, tt.want) {
			t.Fatalf("SetBaudRate(%d) = %v, want %v", tt.rate, err, tt.want)
		}
		if err == nil && s.BaudRate() != tt.rate {
			t.Fatalf("BaudRate = %d after setting %d", s.BaudRate(), tt.rate)
		}
	}
}
