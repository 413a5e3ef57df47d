// Package pool is the fixed-capacity packet arena shared by the dispatcher
// and the mesh engine.
//
// Packets are addressed by Handle values (slot index + generation). Every
// transfer of ownership moves the handle; freeing a slot bumps its generation
// so any stale copy of the handle is rejected instead of touching a reused
// buffer. A slot is always in exactly one state: free, held by a caller,
// waiting in the outbound queue, or waiting in the inbound queue.
package pool

import (
	"errors"

	"github.com/ripplebiz/MeshCore/internal/protocol"
)

var (
	ErrStaleHandle = errors.New("pool: stale or invalid handle")
	ErrNotHeld     = errors.New("pool: handle is queued, not held")
	ErrQueueFull   = errors.New("pool: queue full")
)

// Handle is an exclusive reference to a pooled packet. The zero Handle is
// never valid.
type Handle struct {
	idx uint16
	gen uint32
}

// Valid reports whether h was ever issued by a pool.
func (h Handle) Valid() bool { return h.gen != 0 }

type slotState uint8

const (
	stateFree slotState = iota
	stateHeld
	stateOutbound
	stateInbound
)

type slot struct {
	pkt   protocol.Packet
	gen   uint32
	state slotState
}

type outEntry struct {
	h   Handle
	pri uint8
	at  uint64
	seq uint64
}

type inEntry struct {
	h   Handle
	at  uint64
	seq uint64
}

// Pool owns capacity packet slots plus the outbound and inbound queues.
// It is not safe for concurrent use; it belongs to the node's poll loop.
type Pool struct {
	slots    []slot
	free     []uint16
	outbound []outEntry
	inbound  []inEntry
	maxQueue int
	seq      uint64
}

// New creates a pool with capacity slots. Each queue holds at most
// queueSize entries; queueSize <= 0 means capacity.
func New(capacity, queueSize int) *Pool {
	if capacity <= 0 {
		capacity = 32
	}
	if queueSize <= 0 {
		queueSize = capacity
	}
	p := &Pool{
		slots:    make([]slot, capacity),
		free:     make([]uint16, 0, capacity),
		maxQueue: queueSize,
	}
	for i := capacity - 1; i >= 0; i-- {
		p.slots[i].gen = 1
		p.free = append(p.free, uint16(i))
	}
	return p
}

// Alloc takes a free slot. ok is false when the pool is exhausted; callers
// treat that as backpressure and drop the newest unit of work.
func (p *Pool) Alloc() (h Handle, ok bool) {
	n := len(p.free)
	if n == 0 {
		return Handle{}, false
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	s := &p.slots[idx]
	s.pkt.Reset()
	s.state = stateHeld
	return Handle{idx: idx, gen: s.gen}, true
}

func (p *Pool) lookup(h Handle) (*slot, error) {
	if !h.Valid() || int(h.idx) >= len(p.slots) {
		return nil, ErrStaleHandle
	}
	s := &p.slots[h.idx]
	if s.gen != h.gen || s.state == stateFree {
		return nil, ErrStaleHandle
	}
	return s, nil
}

// Packet returns the buffer behind h, or nil if h is stale.
func (p *Pool) Packet(h Handle) *protocol.Packet {
	s, err := p.lookup(h)
	if err != nil {
		return nil
	}
	return &s.pkt
}

// Free returns a held packet to the pool. Freeing twice, or freeing a handle
// that sits in a queue, is rejected and leaves the pool unchanged.
func (p *Pool) Free(h Handle) error {
	s, err := p.lookup(h)
	if err != nil {
		return err
	}
	if s.state != stateHeld {
		return ErrNotHeld
	}
	s.state = stateFree
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	p.free = append(p.free, h.idx)
	return nil
}

// QueueOutbound moves a held packet into the outbound queue, to be sent no
// earlier than at. On ErrQueueFull the caller still owns the packet.
func (p *Pool) QueueOutbound(h Handle, priority uint8, at uint64) error {
	s, err := p.lookup(h)
	if err != nil {
		return err
	}
	if s.state != stateHeld {
		return ErrNotHeld
	}
	if len(p.outbound) >= p.maxQueue {
		return ErrQueueFull
	}
	p.seq++
	p.outbound = append(p.outbound, outEntry{h: h, pri: priority, at: at, seq: p.seq})
	s.state = stateOutbound
	return nil
}

// NextOutbound removes the best ready entry: only entries with at <= now are
// eligible, lowest priority value wins, then earliest scheduled, then
// insertion order.
func (p *Pool) NextOutbound(now uint64) (Handle, bool) {
	best := -1
	for i, e := range p.outbound {
		if e.at > now {
			continue
		}
		if best < 0 || better(e, p.outbound[best]) {
			best = i
		}
	}
	if best < 0 {
		return Handle{}, false
	}
	e := p.outbound[best]
	p.outbound = append(p.outbound[:best], p.outbound[best+1:]...)
	p.slots[e.h.idx].state = stateHeld
	return e.h, true
}

func better(a, b outEntry) bool {
	if a.pri != b.pri {
		return a.pri < b.pri
	}
	if a.at != b.at {
		return a.at < b.at
	}
	return a.seq < b.seq
}

// CancelOutbound withdraws a queued packet and hands it back to the caller.
func (p *Pool) CancelOutbound(h Handle) bool {
	for i, e := range p.outbound {
		if e.h == h {
			p.outbound = append(p.outbound[:i], p.outbound[i+1:]...)
			p.slots[h.idx].state = stateHeld
			return true
		}
	}
	return false
}

// OutboundCount is the number of queued outbound packets.
func (p *Pool) OutboundCount() int { return len(p.outbound) }

// OutboundReadyCount is the number of outbound packets due by now.
func (p *Pool) OutboundReadyCount(now uint64) int {
	n := 0
	for _, e := range p.outbound {
		if e.at <= now {
			n++
		}
	}
	return n
}

// QueueInbound parks a held packet until at.
func (p *Pool) QueueInbound(h Handle, at uint64) error {
	s, err := p.lookup(h)
	if err != nil {
		return err
	}
	if s.state != stateHeld {
		return ErrNotHeld
	}
	if len(p.inbound) >= p.maxQueue {
		return ErrQueueFull
	}
	p.seq++
	p.inbound = append(p.inbound, inEntry{h: h, at: at, seq: p.seq})
	s.state = stateInbound
	return nil
}

// NextInbound returns the oldest parked packet whose time has come.
func (p *Pool) NextInbound(now uint64) (Handle, bool) {
	for i, e := range p.inbound {
		if e.at <= now {
			p.inbound = append(p.inbound[:i], p.inbound[i+1:]...)
			p.slots[e.h.idx].state = stateHeld
			return e.h, true
		}
	}
	return Handle{}, false
}

// InboundCount is the number of parked inbound packets.
func (p *Pool) InboundCount() int { return len(p.inbound) }

func (p *Pool) Capacity() int  { return len(p.slots) }
func (p *Pool) FreeCount() int { return len(p.free) }

// InFlight counts slots that are held or queued.
func (p *Pool) InFlight() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].state != stateFree {
			n++
		}
	}
	return n
}
