package rtc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/captain/internal/chipset"
	"github.com/tinyrange/captain/internal/hal"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type level struct {
	high   bool
	rising int
}

func (l *level) line() chipset.LineInterrupt {
	return chipset.LineFunc(func(v bool) {
		if v && !l.high {
			l.rising++
		}
		l.high = v
	})
}

func newRTC(t *testing.T) (*RTC, *fakeClock, *level) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := &level{}
	return New("rtc0", l.line(), clk.Now), clk, l
}

func TestRTCCountsSeconds(t *testing.T) {
	r, clk, _ := newRTC(t)
	if got := r.Now(); got != 1_700_000_000 {
		t.Fatalf("Now = %d, want 1700000000", got)
	}
	clk.Advance(2500 * time.Millisecond)
	if got := r.Now(); got != 1_700_000_002 {
		t.Fatalf("Now = %d, want 1700000002", got)
	}
	r.SetTime(10)
	clk.Advance(time.Second)
	if got := r.Now(); got != 11 {
		t.Fatalf("Now after SetTime = %d, want 11", got)
	}
}

func TestRTCMatchInterruptIsLevel(t *testing.T) {
	r, clk, l := newRTC(t)
	if err := r.SetDeadline(r.Now() + 5); err != nil {
		t.Fatalf("SetDeadline: %v", err)
	}
	r.Poll(context.Background())
	if l.high {
		t.Fatalf("interrupt before the match")
	}

	clk.Advance(5 * time.Second)
	r.Poll(context.Background())
	r.Poll(context.Background())
	if !l.high || l.rising != 1 {
		t.Fatalf("line high %v after %d rising edges, want high after 1", l.high, l.rising)
	}
	if v, _ := r.ReadRegister(RegMasked); v != 1 {
		t.Fatalf("masked status = %d, want 1", v)
	}

	r.ClearInterrupt()
	if l.high {
		t.Fatalf("line still high after clear")
	}
	// A cleared match does not fire again until re-armed.
	clk.Advance(time.Second)
	r.Poll(context.Background())
	if l.rising != 1 {
		t.Fatalf("rising edges = %d, want 1", l.rising)
	}
}

func TestRTCDisarm(t *testing.T) {
	r, clk, l := newRTC(t)
	r.SetDeadline(r.Now() + 1)
	r.SetDeadline(0)
	clk.Advance(time.Minute)
	r.Poll(context.Background())
	if l.rising != 0 {
		t.Fatalf("disarmed rtc fired")
	}
	if err := r.SetDeadline(1 << 40); !errors.Is(err, hal.ErrOutOfRange) {
		t.Fatalf("SetDeadline past 32 bits = %v, want %v", err, hal.ErrOutOfRange)
	}
}

func TestRTCRegisters(t *testing.T) {
	r, clk, _ := newRTC(t)
	if v, _ := r.ReadRegister(regPeriphID0); v != 0x31 {
		t.Fatalf("periph id 0 = 0x%x, want 0x31", v)
	}
	if v, _ := r.ReadRegister(regCellID0 + 12); v != 0xb1 {
		t.Fatalf("cell id 3 = 0x%x, want 0xb1", v)
	}

	// Disabling freezes the counter.
	r.WriteRegister(RegControl, 0)
	frozen, _ := r.ReadRegister(RegData)
	clk.Advance(10 * time.Second)
	if v, _ := r.ReadRegister(RegData); v != frozen {
		t.Fatalf("disabled counter moved from %d to %d", frozen, v)
	}
	r.WriteRegister(RegControl, controlEnable)
	clk.Advance(3 * time.Second)
	if v, _ := r.ReadRegister(RegData); v != frozen+3 {
		t.Fatalf("counter = %d, want %d", v, frozen+3)
	}

	if _, err := r.ReadRegister(2); !errors.Is(err, hal.ErrMisaligned) {
		t.Fatalf("misaligned read = %v, want %v", err, hal.ErrMisaligned)
	}
	if err := r.WriteRegister(0x1000, 0); !errors.Is(err, hal.ErrOutOfRange) {
		t.Fatalf("write past the block = %v, want %v", err, hal.ErrOutOfRange)
	}
}
