package board

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/chacha20"

	"github.com/tinyrange/captain/internal/hal"
)

// SlogLogger is the platform console on top of a slog.Logger.
type SlogLogger struct {
	l *slog.Logger
}

var _ hal.Logger = SlogLogger{}

func NewSlogLogger(l *slog.Logger) SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return SlogLogger{l: l.With("component", "platform")}
}

func (s SlogLogger) Log(message string) {
	s.l.Info(message)
}

// PowerState is the last transition requested of a Power.
type PowerState int

const (
	PowerOn PowerState = iota
	PowerOff
	PowerRebooting
)

func (s PowerState) String() string {
	switch s {
	case PowerOn:
		return "on"
	case PowerOff:
		return "off"
	case PowerRebooting:
		return "rebooting"
	default:
		return fmt.Sprintf("PowerState(%d)", int(s))
	}
}

// Power implements hal.PowerManager by recording requests. The host loop
// watches Done and acts on State.
type Power struct {
	mu    sync.Mutex
	state PowerState
	done  chan struct{}
}

var _ hal.PowerManager = (*Power)(nil)

func NewPower() *Power {
	return &Power{done: make(chan struct{})}
}

func (p *Power) request(s PowerState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PowerOn {
		if hal.DebugEnabled() {
			slog.Debug("board: power transition refused", "requested", s.String(), "state", p.state.String())
		}
		return hal.ErrPowerRequested
	}
	p.state = s
	close(p.done)
	slog.Info("board: power transition", "state", s.String())
	return nil
}

func (p *Power) Shutdown() error { return p.request(PowerOff) }
func (p *Power) Reboot() error   { return p.request(PowerRebooting) }

func (p *Power) State() PowerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed by the first Shutdown or Reboot.
func (p *Power) Done() <-chan struct{} { return p.done }

// ChaChaRng implements hal.Rng with a ChaCha20 keystream.
type ChaChaRng struct {
	mu     sync.Mutex
	cipher *chacha20.Cipher
}

var _ hal.Rng = (*ChaChaRng)(nil)

// NewChaChaRng keys the stream from seed, a 32 byte key in hex. An empty
// seed draws the key from the host.
func NewChaChaRng(seed string) (*ChaChaRng, error) {
	key := make([]byte, chacha20.KeySize)
	if seed == "" {
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("board: seed rng: %w", err)
		}
	} else {
		decoded, err := hex.DecodeString(seed)
		if err != nil {
			return nil, fmt.Errorf("board: rng seed: %w", err)
		}
		if len(decoded) != chacha20.KeySize {
			return nil, fmt.Errorf("board: rng seed is %d bytes, want %d", len(decoded), chacha20.KeySize)
		}
		key = decoded
	}
	c, err := chacha20.NewUnauthenticatedCipher(key, make([]byte, chacha20.NonceSize))
	if err != nil {
		return nil, fmt.Errorf("board: rng cipher: %w", err)
	}
	return &ChaChaRng{cipher: c}, nil
}

// Read fills p with keystream bytes. It never fails.
func (r *ChaChaRng) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(p)
	r.cipher.XORKeyStream(p, p)
	return len(p), nil
}
