package board

import (
	"bytes"
	"strings"
	"testing"
)

const testSeed = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestChaChaRngSeeded(t *testing.T) {
	a, err := NewChaChaRng(testSeed)
	if err != nil {
		t.Fatalf("NewChaChaRng: %v", err)
	}
	b, _ := NewChaChaRng(testSeed)

	bufA := make([]byte, 64)
	bufB := make([]byte, 64)
	a.Read(bufA)
	b.Read(bufB)
	if !bytes.Equal(bufA, bufB) {
		t.Fatalf("same seed produced different streams")
	}
	a.Read(bufB)
	if bytes.Equal(bufA, bufB) {
		t.Fatalf("stream repeated")
	}
}

func TestChaChaRngBadSeed(t *testing.T) {
	for _, seed := range []string{"zz", "0001"} {
		if _, err := NewChaChaRng(seed); err == nil {
			t.Fatalf("seed %q accepted", seed)
		}
	}
	r, err := NewChaChaRng("")
	if err != nil {
		t.Fatalf("host seeded rng: %v", err)
	}
	buf := make([]byte, 32)
	if n, err := r.Read(buf); n != 32 || err != nil {
		t.Fatalf("Read = %d, %v", n, err)
	}
}

func TestPowerStateString(t *testing.T) {
	if PowerRebooting.String() != "rebooting" || !strings.Contains(PowerState(9).String(), "9") {
		t.Fatalf("PowerState strings: %s %s", PowerRebooting, PowerState(9))
	}
}
