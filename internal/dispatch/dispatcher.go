// Package dispatch is the radio scheduling core of a node.
//
// A Dispatcher is polled from the node's single loop. Each Loop call does a
// bounded amount of work: finish (or time out) the transmission in progress,
// drain one received frame, process one parked inbound packet, and start at
// most one outbound transmission. Nothing blocks; every wait is a deadline
// compared against the millisecond clock.
//
// Interpretation of packets is delegated to a Handler, which answers every
// received packet with an Action: release it, keep it, or queue it for
// retransmission.
package dispatch

import (
	crand "crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/ripplebiz/MeshCore/internal/clock"
	"github.com/ripplebiz/MeshCore/internal/pool"
	"github.com/ripplebiz/MeshCore/internal/protocol"
	"github.com/ripplebiz/MeshCore/internal/radio"
)

const (
	// minRxDelay is the smallest rx delay worth parking a packet for.
	minRxDelay = 50

	cadRetryUnit = 30
)

var ErrPacketTooLarge = errors.New("dispatch: packet exceeds frame limits")

// Kind discriminates Actions.
type Kind uint8

const (
	KindRelease Kind = iota
	KindHold
	KindRetransmit
)

// Action is a Handler's verdict on a received packet.
type Action struct {
	Kind     Kind
	Priority uint8
	Delay    uint32 // ms
}

// Release frees the packet immediately.
func Release() Action { return Action{Kind: KindRelease} }

// Hold transfers ownership to the handler; the dispatcher forgets the packet.
func Hold() Action { return Action{Kind: KindHold} }

// Retransmit queues the packet for sending after delay ms.
func Retransmit(priority uint8, delay uint32) Action {
	return Action{Kind: KindRetransmit, Priority: priority, Delay: delay}
}

func (a Action) String() string {
	switch a.Kind {
	case KindRelease:
		return "release"
	case KindHold:
		return "hold"
	default:
		return fmt.Sprintf("retransmit(pri=%d, delay=%d)", a.Priority, a.Delay)
	}
}

// Handler interprets received packets.
type Handler interface {
	OnRecvPacket(h pool.Handle, pkt *protocol.Packet) Action
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(h pool.Handle, pkt *protocol.Packet) Action

func (f HandlerFunc) OnRecvPacket(h pool.Handle, pkt *protocol.Packet) Action { return f(h, pkt) }

// Tuning supplies the runtime-adjustable scheduling factors.
type Tuning interface {
	// AirtimeBudgetFactor scales the silence enforced after each
	// transmission: after t ms on air, the next send waits t*factor ms.
	AirtimeBudgetFactor() float32
	// RxDelayBase enables score-weighted rx delays when > 0.
	RxDelayBase() float32
}

// FixedTuning is a Tuning with constant values.
type FixedTuning struct {
	AirtimeFactor float32
	RxDelay       float32
}

func (f FixedTuning) AirtimeBudgetFactor() float32 { return f.AirtimeFactor }
func (f FixedTuning) RxDelayBase() float32         { return f.RxDelay }

// Observer receives packet log events.
type Observer interface {
	LogRx(pkt *protocol.Packet, length int, score float32)
	LogTx(pkt *protocol.Packet, length int)
	LogTxFail(pkt *protocol.Packet, length int)
}

// State is the radio scheduling state as of the last Loop.
type State uint8

const (
	StateIdle State = iota
	StateReceiving
	StateSending
	StateSendCooldown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateSending:
		return "sending"
	case StateSendCooldown:
		return "send-cooldown"
	}
	return "unknown"
}

// Stats is a snapshot of the dispatcher counters.
type Stats struct {
	SentFlood    uint32 `json:"sent_flood"`
	SentDirect   uint32 `json:"sent_direct"`
	RecvFlood    uint32 `json:"recv_flood"`
	RecvDirect   uint32 `json:"recv_direct"`
	FullEvents   uint32 `json:"full_events"`
	TotalAirtime uint64 `json:"total_airtime_ms"`
}

// Config configures a Dispatcher.
type Config struct {
	Radio  radio.Radio
	Pool   *pool.Pool
	Clock  clock.Clock
	Tuning Tuning     // defaults to FixedTuning{AirtimeFactor: 1}
	Rand   *rand.Rand // per-node jitter source; seeded from crypto/rand if nil
	Log    *zap.Logger
}

// Dispatcher drives one radio.
type Dispatcher struct {
	radio  radio.Radio
	pool   *pool.Pool
	clk    clock.Clock
	tuning Tuning
	rng    *rand.Rand
	log    *zap.Logger

	observers []Observer
	handler   Handler

	outbound       pool.Handle
	outboundLen    int
	outboundStart  uint64
	outboundExpiry uint64
	nextTxTime     uint64
	state          State

	stats Stats
	raw   [protocol.MaxTransUnit + 1]byte
}

// New creates a Dispatcher that hands received packets to h.
func New(cfg Config, h Handler) *Dispatcher {
	if cfg.Tuning == nil {
		cfg.Tuning = FixedTuning{AirtimeFactor: 1}
	}
	if cfg.Rand == nil {
		cfg.Rand = NewRand()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Dispatcher{
		radio:   cfg.Radio,
		pool:    cfg.Pool,
		clk:     cfg.Clock,
		tuning:  cfg.Tuning,
		rng:     cfg.Rand,
		log:     cfg.Log,
		handler: h,
	}
}

// NewRand returns a jitter source seeded from the system entropy pool, so
// neighbouring nodes never share a sequence.
func NewRand() *rand.Rand {
	var seed [32]byte
	crand.Read(seed[:])
	return rand.New(rand.NewChaCha8(seed))
}

// AddObserver registers a packet log observer.
func (d *Dispatcher) AddObserver(o Observer) {
	d.observers = append(d.observers, o)
}

// Begin starts the radio. Its error is fatal to the node.
func (d *Dispatcher) Begin() error {
	return d.radio.Begin()
}

func (d *Dispatcher) Radio() radio.Radio { return d.radio }
func (d *Dispatcher) Pool() *pool.Pool    { return d.pool }
func (d *Dispatcher) Clock() clock.Clock  { return d.clk }
func (d *Dispatcher) RNG() *rand.Rand     { return d.rng }
func (d *Dispatcher) State() State        { return d.state }

// Millis is the current tick.
func (d *Dispatcher) Millis() uint64 { return d.clk.Millis() }

// FutureMillis returns the tick ms from now.
func (d *Dispatcher) FutureMillis(ms uint32) uint64 { return clock.Future(d.clk, ms) }

// HasPassed reports whether deadline has been reached.
func (d *Dispatcher) HasPassed(deadline uint64) bool { return clock.HasPassed(d.clk, deadline) }

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats { return d.stats }

// ResetStats zeroes every counter.
func (d *Dispatcher) ResetStats() { d.stats = Stats{} }

// Loop performs one scheduling step.
func (d *Dispatcher) Loop() {
	if d.outbound.Valid() {
		if !d.finishSend() {
			d.state = StateSending
			return
		}
	}
	d.checkRecv()
	d.checkSend()
	d.updateState()
}

func (d *Dispatcher) updateState() {
	switch {
	case d.outbound.Valid():
		d.state = StateSending
	case !d.HasPassed(d.nextTxTime):
		d.state = StateSendCooldown
	case d.radio.IsChannelActive():
		d.state = StateReceiving
	default:
		d.state = StateIdle
	}
}

// finishSend reports whether the radio is free again.
func (d *Dispatcher) finishSend() bool {
	now := d.clk.Millis()
	pkt := d.pool.Packet(d.outbound)
	switch {
	case d.radio.IsSendComplete():
		t := now - d.outboundStart
		d.stats.TotalAirtime += t
		d.nextTxTime = now + uint64(float32(t)*d.tuning.AirtimeBudgetFactor())
		d.radio.OnSendFinished()
		if pkt != nil {
			for _, o := range d.observers {
				o.LogTx(pkt, d.outboundLen)
			}
			if pkt.IsFlood() {
				d.stats.SentFlood++
			} else {
				d.stats.SentDirect++
			}
		}
	case now >= d.outboundExpiry:
		d.radio.OnSendFinished()
		d.log.Warn("dispatch: send timed out", zap.Int("len", d.outboundLen))
		if pkt != nil {
			for _, o := range d.observers {
				o.LogTxFail(pkt, d.outboundLen)
			}
		}
	default:
		return false
	}
	d.ReleasePacket(d.outbound)
	d.outbound = pool.Handle{}
	return true
}

func (d *Dispatcher) checkRecv() {
	n := d.radio.RecvRaw(d.raw[:])
	if n > 0 {
		d.receive(d.raw[:n])
	}
	if h, ok := d.pool.NextInbound(d.clk.Millis()); ok {
		d.process(h)
	}
}

func (d *Dispatcher) receive(raw []byte) {
	h, ok := d.pool.Alloc()
	if !ok {
		d.stats.FullEvents++
		d.log.Debug("dispatch: pool exhausted, dropping rx frame", zap.Int("len", len(raw)))
		return
	}
	pkt := d.pool.Packet(h)
	if err := protocol.Decode(raw, pkt); err != nil {
		d.log.Debug("dispatch: malformed frame", zap.Error(err), zap.Int("len", len(raw)))
		d.ReleasePacket(h)
		return
	}
	pkt.Source = protocol.SourceRadio
	pkt.SNR = d.radio.LastSNR()
	pkt.RSSI = d.radio.LastRSSI()
	pkt.Score = d.radio.PacketScore(pkt.SNR, len(raw))
	airtime := d.radio.EstAirtimeFor(len(raw))

	if pkt.IsFlood() {
		d.stats.RecvFlood++
	} else {
		d.stats.RecvDirect++
	}
	for _, o := range d.observers {
		o.LogRx(pkt, len(raw), pkt.Score)
	}

	if pkt.IsFlood() {
		if delay := RxDelay(d.tuning.RxDelayBase(), pkt.Score, airtime); delay >= minRxDelay {
			if err := d.pool.QueueInbound(h, d.FutureMillis(delay)); err != nil {
				d.stats.FullEvents++
				d.ReleasePacket(h)
			}
			return
		}
	}
	d.process(h)
}

// RxDelay is the deliberate hold applied to a received flood packet: weak
// receptions wait longer, so the best placed neighbour relays first.
// A base <= 0 disables it.
func RxDelay(base, score float32, airtime uint32) uint32 {
	if base <= 0 {
		return 0
	}
	d := (math.Pow(float64(base), 0.85-float64(score)) - 1) * float64(airtime)
	if d <= 0 {
		return 0
	}
	return uint32(d)
}

func (d *Dispatcher) process(h pool.Handle) {
	pkt := d.pool.Packet(h)
	if pkt == nil {
		return
	}
	act := d.handler.OnRecvPacket(h, pkt)
	switch act.Kind {
	case KindRelease:
		d.ReleasePacket(h)
	case KindHold:
	case KindRetransmit:
		d.SendPacket(h, act.Priority, act.Delay)
	}
}

func (d *Dispatcher) checkSend() {
	now := d.clk.Millis()
	if d.pool.OutboundReadyCount(now) == 0 || now < d.nextTxTime {
		return
	}
	if d.radio.IsChannelActive() {
		d.nextTxTime = d.FutureMillis(d.CADFailRetryDelay())
		return
	}
	h, ok := d.pool.NextOutbound(now)
	if !ok {
		return
	}
	pkt := d.pool.Packet(h)
	n := pkt.Encode(d.raw[:])
	if err := d.radio.StartSendRaw(d.raw[:n]); err != nil {
		d.log.Warn("dispatch: start send failed", zap.Error(err))
		for _, o := range d.observers {
			o.LogTxFail(pkt, n)
		}
		d.ReleasePacket(h)
		return
	}
	d.outbound = h
	d.outboundLen = n
	d.outboundStart = now
	d.outboundExpiry = now + uint64(d.radio.EstAirtimeFor(n))*3/2
	d.state = StateSending
}

// CADFailRetryDelay is the back-off applied when the channel is busy at
// send time.
func (d *Dispatcher) CADFailRetryDelay() uint32 {
	return uint32(d.rng.IntN(4)+1) * cadRetryUnit
}

// ObtainNewPacket allocates an empty packet for local use. A false result
// counts as a full event.
func (d *Dispatcher) ObtainNewPacket() (pool.Handle, *protocol.Packet, bool) {
	h, ok := d.pool.Alloc()
	if !ok {
		d.stats.FullEvents++
		return pool.Handle{}, nil, false
	}
	pkt := d.pool.Packet(h)
	pkt.Source = protocol.SourceLocal
	return h, pkt, true
}

// ReleasePacket returns h to the pool.
func (d *Dispatcher) ReleasePacket(h pool.Handle) {
	if err := d.pool.Free(h); err != nil {
		d.log.Error("dispatch: release failed", zap.Error(err))
	}
}

// SendPacket queues h for transmission delay ms from now. Ownership moves to
// the dispatcher in every case; on failure the packet is freed.
func (d *Dispatcher) SendPacket(h pool.Handle, priority uint8, delay uint32) {
	pkt := d.pool.Packet(h)
	if pkt == nil {
		d.log.Error("dispatch: send of stale handle")
		return
	}
	if int(pkt.PathLen) > protocol.MaxPathSize || int(pkt.PayloadLen) > protocol.MaxPayload {
		d.log.Debug("dispatch: dropping oversized packet", zap.Error(ErrPacketTooLarge))
		d.ReleasePacket(h)
		return
	}
	if err := d.pool.QueueOutbound(h, priority, d.FutureMillis(delay)); err != nil {
		d.stats.FullEvents++
		d.log.Debug("dispatch: outbound queue full", zap.Error(err))
		d.ReleasePacket(h)
	}
}

// Inject feeds a packet from a non-radio source (a bridge) through the same
// receive path. Ownership moves to the dispatcher.
func (d *Dispatcher) Inject(h pool.Handle) {
	if err := d.pool.QueueInbound(h, d.clk.Millis()); err != nil {
		d.stats.FullEvents++
		d.log.Debug("dispatch: inbound queue full", zap.Error(err))
		d.ReleasePacket(h)
	}
}
