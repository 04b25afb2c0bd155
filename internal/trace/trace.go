// Package trace records interrupt deliveries to a compact binary stream: a
// header, a JSON metadata block padded to 4096 bytes and then fixed-size
// records. Recording never blocks the trap path; records that do not fit in
// the queue are counted and dropped.
package trace

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x43545243 // "CRTC"
	Version uint32 = 1

	pageSize   = 4096
	recordSize = 24
	queueLen   = 4096
)

// Outcome is how a delivery ended.
type Outcome uint32

const (
	Delivered Outcome = iota
	// Latched means the core could not take the interrupt and it was left
	// pending.
	Latched
	Busy
	Unhandled
	Failed
)

var outcomeNames = [...]string{"delivered", "latched", "busy", "unhandled", "failed"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("Outcome(%d)", uint32(o))
}

// Event is one delivery attempt.
type Event struct {
	Core     int
	Vector   int
	Outcome  Outcome
	Duration time.Duration
}

// Meta identifies the run a trace belongs to.
type Meta struct {
	Board    string    `json:"board"`
	Config   string    `json:"config"`
	Started  time.Time `json:"started"`
	Outcomes []string  `json:"outcomes"`
}

type header struct {
	Magic      uint32
	Version    uint32
	MetaLength uint32
}

var ErrClosed = errors.New("trace: writer closed")

// Writer streams events to an io.Writer from a background goroutine.
type Writer struct {
	w       io.Writer
	events  chan Event
	done    chan error
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewWriter writes the header and meta to w and starts the writer goroutine.
func NewWriter(w io.Writer, meta Meta) (*Writer, error) {
	meta.Outcomes = outcomeNames[:]
	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("trace: marshal meta: %w", err)
	}
	h := header{Magic: Magic, Version: Version, MetaLength: uint32(len(encoded))}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("trace: write header: %w", err)
	}
	if _, err := w.Write(encoded); err != nil {
		return nil, fmt.Errorf("trace: write meta: %w", err)
	}
	if off := binary.Size(h) + len(encoded); off%pageSize != 0 {
		if _, err := w.Write(make([]byte, pageSize-off%pageSize)); err != nil {
			return nil, fmt.Errorf("trace: write padding: %w", err)
		}
	}

	tw := &Writer{
		w:      w,
		events: make(chan Event, queueLen),
		done:   make(chan error, 1),
	}
	go tw.run()
	return tw, nil
}

func (tw *Writer) run() {
	var buf [pageSize]byte
	off := 0
	var failed error
	for ev := range tw.events {
		if failed != nil {
			continue
		}
		if off+recordSize > len(buf) {
			if _, err := tw.w.Write(buf[:off]); err != nil {
				failed = err
				continue
			}
			off = 0
		}
		binary.LittleEndian.PutUint32(buf[off:], uint32(ev.Core))
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(ev.Vector))
		binary.LittleEndian.PutUint32(buf[off+8:], uint32(ev.Outcome))
		binary.LittleEndian.PutUint32(buf[off+12:], 0)
		binary.LittleEndian.PutUint64(buf[off+16:], uint64(ev.Duration.Nanoseconds()))
		off += recordSize
	}
	if failed == nil && off > 0 {
		_, failed = tw.w.Write(buf[:off])
	}
	tw.done <- failed
}

// Record queues ev. It drops the event rather than wait for the writer.
func (tw *Writer) Record(ev Event) {
	tw.mu.RLock()
	defer tw.mu.RUnlock()
	if tw.closed {
		return
	}
	select {
	case tw.events <- ev:
	default:
		tw.dropped.Add(1)
	}
}

// Dropped is the number of events lost to a full queue.
func (tw *Writer) Dropped() uint64 { return tw.dropped.Load() }

// Close flushes queued events. It does not close the underlying writer.
func (tw *Writer) Close() error {
	tw.mu.Lock()
	if tw.closed {
		tw.mu.Unlock()
		return ErrClosed
	}
	tw.closed = true
	close(tw.events)
	tw.mu.Unlock()

	if err := <-tw.done; err != nil {
		return fmt.Errorf("trace: write records: %w", err)
	}
	return nil
}

// ReadAll decodes a trace, calling fn for every event in order.
func ReadAll(r io.Reader, fn func(Event) error) (Meta, error) {
	buf := bufio.NewReaderSize(r, pageSize)

	var h header
	if err := binary.Read(buf, binary.LittleEndian, &h); err != nil {
		return Meta{}, fmt.Errorf("trace: read header: %w", err)
	}
	if h.Magic != Magic {
		return Meta{}, fmt.Errorf("trace: bad magic 0x%08x", h.Magic)
	}
	if h.Version != Version {
		return Meta{}, fmt.Errorf("trace: version %d, want %d", h.Version, Version)
	}

	var meta Meta
	if err := json.NewDecoder(io.LimitReader(buf, int64(h.MetaLength))).Decode(&meta); err != nil {
		return Meta{}, fmt.Errorf("trace: decode meta: %w", err)
	}
	if off := binary.Size(h) + int(h.MetaLength); off%pageSize != 0 {
		if _, err := buf.Discard(pageSize - off%pageSize); err != nil {
			return meta, fmt.Errorf("trace: skip padding: %w", err)
		}
	}

	var rec [recordSize]byte
	for {
		if _, err := io.ReadFull(buf, rec[:]); err != nil {
			if err == io.EOF {
				return meta, nil
			}
			return meta, fmt.Errorf("trace: read record: %w", err)
		}
		ev := Event{
			Core:     int(binary.LittleEndian.Uint32(rec[0:])),
			Vector:   int(binary.LittleEndian.Uint32(rec[4:])),
			Outcome:  Outcome(binary.LittleEndian.Uint32(rec[8:])),
			Duration: time.Duration(binary.LittleEndian.Uint64(rec[16:])),
		}
		if err := fn(ev); err != nil {
			return meta, err
		}
	}
}
