// Package nic provides an ethernet controller whose wire is in-process: a
// NIC receives its own broadcast and self-addressed frames, and two NICs
// joined with Connect exchange unicast frames.
package nic

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/tinyrange/captain/internal/chipset"
	"github.com/tinyrange/captain/internal/hal"
)

const (
	DefaultMTU = 1500
	// DefaultQueueLen is the number of received frames held before new
	// ones are dropped.
	DefaultQueueLen = 64
)

// Stats counts frames through the NIC.
type Stats struct {
	TXFrames uint64
	RXFrames uint64
	Dropped  uint64
}

// Config describes one NIC.
type Config struct {
	MAC      net.HardwareAddr
	MTU      int
	QueueLen int
	IRQ      chipset.LineInterrupt
	Capture  *Capture
}

// NIC implements hal.NicController. The interrupt line is held high while
// received frames are waiting.
type NIC struct {
	name    string
	mac     tcpip.LinkAddress
	mtu     int
	irq     chipset.LineInterrupt
	capture *Capture

	mu       sync.Mutex
	peer     *NIC
	queue    [][]byte
	queueLen int
	stats    Stats
}

var _ hal.NicController = (*NIC)(nil)

func New(name string, cfg Config) (*NIC, error) {
	if len(cfg.MAC) != header.EthernetAddressSize {
		return nil, fmt.Errorf("nic: %s: MAC %q is not an ethernet address", name, cfg.MAC)
	}
	mac := tcpip.LinkAddress(cfg.MAC)
	if !header.IsValidUnicastEthernetAddress(mac) {
		return nil, fmt.Errorf("nic: %s: MAC %s is not a unicast address", name, cfg.MAC)
	}
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.QueueLen == 0 {
		cfg.QueueLen = DefaultQueueLen
	}
	if cfg.IRQ == nil {
		cfg.IRQ = chipset.LineInterruptDetached()
	}
	return &NIC{
		name:     name,
		mac:      mac,
		mtu:      cfg.MTU,
		irq:      cfg.IRQ,
		capture:  cfg.Capture,
		queueLen: cfg.QueueLen,
	}, nil
}

// Connect joins a and b with a virtual cable.
func Connect(a, b *NIC) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

func (n *NIC) Driver() string       { return n.name }
func (n *NIC) Manufacturer() string { return "tinyrange" }
func (n *NIC) Model() string        { return "loopback-ethernet" }

// MACAddress implements hal.NicController.
func (n *NIC) MACAddress() [6]byte {
	var out [6]byte
	copy(out[:], n.mac)
	return out
}

// LinkUp is always true for a NIC; its own address is always reachable.
func (n *NIC) LinkUp() bool { return true }

// Send implements hal.NicController. The frame must carry a full ethernet
// header with this NIC as the source.
func (n *NIC) Send(frame []byte) error {
	if len(frame) < header.EthernetMinimumSize || len(frame) > n.mtu+header.EthernetMinimumSize {
		return hal.ErrOutOfRange
	}
	eth := header.Ethernet(frame)
	if string(frame[header.EthernetAddressSize:2*header.EthernetAddressSize]) != string(n.mac) {
		if hal.DebugEnabled() {
			slog.Debug("nic: send from foreign source", "nic", n.name, "source", eth.SourceAddress())
		}
		return hal.ErrRestricted
	}
	dst := eth.DestinationAddress()

	n.mu.Lock()
	n.stats.TXFrames++
	peer := n.peer
	n.mu.Unlock()
	n.tap(frame)

	toSelf := dst == n.mac || dst == header.EthernetBroadcastAddress || header.IsMulticastEthernetAddress(dst)
	if toSelf {
		n.deliver(frame)
	}
	if peer != nil && dst != n.mac {
		peer.deliver(frame)
	}
	return nil
}

func (n *NIC) deliver(frame []byte) {
	dst := header.Ethernet(frame).DestinationAddress()
	if dst != n.mac && dst != header.EthernetBroadcastAddress && !header.IsMulticastEthernetAddress(dst) {
		return
	}
	n.mu.Lock()
	if len(n.queue) >= n.queueLen {
		n.stats.Dropped++
		n.mu.Unlock()
		slog.Debug("nic: receive queue full", "nic", n.name, "type", header.Ethernet(frame).Type())
		return
	}
	n.queue = append(n.queue, append([]byte(nil), frame...))
	n.stats.RXFrames++
	n.mu.Unlock()
	n.irq.SetLevel(true)
}

// Receive implements hal.NicController. A frame larger than buf fails with
// hal.ErrOutOfRange and stays queued.
func (n *NIC) Receive(buf []byte) (int, error) {
	n.mu.Lock()
	if len(n.queue) == 0 {
		n.mu.Unlock()
		return 0, nil
	}
	frame := n.queue[0]
	if len(buf) < len(frame) {
		n.mu.Unlock()
		return 0, hal.ErrOutOfRange
	}
	copy(buf, frame)
	n.queue[0] = nil
	n.queue = n.queue[1:]
	empty := len(n.queue) == 0
	n.mu.Unlock()

	if empty {
		n.irq.SetLevel(false)
	}
	return len(frame), nil
}

// Stats returns the frame counters.
func (n *NIC) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

func (n *NIC) tap(frame []byte) {
	if n.capture == nil {
		return
	}
	if err := n.capture.WriteFrame(time.Now(), frame); err != nil {
		slog.Warn("nic: capture", "nic", n.name, "err", err)
	}
}

// BuildFrame encodes an ethernet header for payload.
func BuildFrame(src, dst net.HardwareAddr, etherType tcpip.NetworkProtocolNumber, payload []byte) []byte {
	frame := make([]byte, header.EthernetMinimumSize+len(payload))
	header.Ethernet(frame).Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(src),
		DstAddr: tcpip.LinkAddress(dst),
		Type:    etherType,
	})
	copy(frame[header.EthernetMinimumSize:], payload)
	return frame
}
