// Package clock provides the millisecond tick source the poll loop compares
// deadlines against, and the epoch RTC used for replay timestamps.
package clock

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Clock is a monotonic millisecond counter.
type Clock interface {
	Millis() uint64
}

// System counts milliseconds since it was created.
type System struct {
	start time.Time
}

func NewSystem() *System { return &System{start: time.Now()} }

func (s *System) Millis() uint64 { return uint64(time.Since(s.start).Milliseconds()) }

// Manual is a Clock that only moves when told to. Used by tests and the
// simulated radio medium.
type Manual struct {
	now atomic.Uint64
}

func NewManual(start uint64) *Manual {
	m := &Manual{}
	m.now.Store(start)
	return m
}

func (m *Manual) Millis() uint64 { return m.now.Load() }
func (m *Manual) Advance(ms uint64) { m.now.Add(ms) }
func (m *Manual) Set(ms uint64) { m.now.Store(ms) }

// HasPassed reports whether deadline is at or before the current tick.
func HasPassed(c Clock, deadline uint64) bool {
	return c.Millis() >= deadline
}

// Future returns the tick ms milliseconds from now.
func Future(c Clock, ms uint32) uint64 {
	return c.Millis() + uint64(ms)
}

var ErrBackwards = errors.New("clock: cannot go backwards")

// RTC is an epoch-seconds clock driven by a Clock. It only moves forward so
// that per-peer replay counters stay meaningful across the network.
type RTC struct {
	mu         sync.Mutex
	clk        Clock
	base       uint32
	setAt      uint64
	lastUnique uint32
}

// NewRTC starts the RTC at epoch.
func NewRTC(clk Clock, epoch uint32) *RTC {
	return &RTC{clk: clk, base: epoch, setAt: clk.Millis()}
}

func (r *RTC) now() uint32 {
	return r.base + uint32((r.clk.Millis()-r.setAt)/1000)
}

// Now returns the current epoch seconds.
func (r *RTC) Now() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now()
}

// Set moves the clock to epoch. Values at or before the current time are
// rejected with ErrBackwards.
func (r *RTC) Set(epoch uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if epoch <= r.now() {
		return ErrBackwards
	}
	r.base = epoch
	r.setAt = r.clk.Millis()
	return nil
}

// Unique returns the current time, bumped so that two calls never return the
// same value. Reply timestamps use it so packet hashes differ.
func (r *RTC) Unique() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.now()
	if t <= r.lastUnique {
		t = r.lastUnique + 1
	}
	r.lastUnique = t
	return t
}

// ValidEpoch rejects the two sentinel values a peer clock may report.
func ValidEpoch(t uint32) bool {
	return t > 0 && t < math.MaxUint32
}
