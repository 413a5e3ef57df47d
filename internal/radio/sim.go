package radio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ripplebiz/MeshCore/internal/clock"
)

var (
	ErrBusy     = errors.New("radio: send already in progress")
	ErrNotBegun = errors.New("radio: Begin not called")
)

// Medium is an in-process shared channel. Radios attached to it hear each
// other only when linked, so tests can lay out arbitrary topologies. Frames
// arrive at the receiver when the sender's airtime has elapsed.
type Medium struct {
	clk clock.Clock

	mu     sync.Mutex
	radios []*SimRadio
	links  map[[2]int]float32 // (from,to) -> snr
}

// NewMedium creates an empty medium driven by clk.
func NewMedium(clk clock.Clock) *Medium {
	return &Medium{clk: clk, links: make(map[[2]int]float32)}
}

// NewRadio attaches a radio with the given modem parameters.
func (m *Medium) NewRadio(name string, p Params) *SimRadio {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &SimRadio{
		medium: m,
		id:     len(m.radios),
		name:   name,
		params: p,
	}
	m.radios = append(m.radios, r)
	return r
}

// Link makes a and b hear each other at the given SNR.
func (m *Medium) Link(a, b *SimRadio, snr float32) {
	m.mu.Lock()
	m.links[[2]int{a.id, b.id}] = snr
	m.links[[2]int{b.id, a.id}] = snr
	m.mu.Unlock()
}

// Unlink removes the link between a and b.
func (m *Medium) Unlink(a, b *SimRadio) {
	m.mu.Lock()
	delete(m.links, [2]int{a.id, b.id})
	delete(m.links, [2]int{b.id, a.id})
	m.mu.Unlock()
}

type simFrame struct {
	data []byte
	snr  float32
	at   uint64
}

// SimRadio is one transceiver on a Medium.
type SimRadio struct {
	medium *Medium
	id     int
	name   string

	// guarded by medium.mu
	params    Params
	began     bool
	failBegin bool
	sending   bool
	txStart   uint64
	txEnd     uint64
	rx        []simFrame
	lastSNR   float32
	lastRSSI  float32
	nRecv     uint32
	nSent     uint32
	sentLog   [][]byte
}

// Medium returns the medium r is attached to.
func (r *SimRadio) Medium() *Medium { return r.medium }

func (r *SimRadio) String() string { return fmt.Sprintf("sim:%s", r.name) }

// FailBegin makes the next Begin return an error.
func (r *SimRadio) FailBegin() {
	r.medium.mu.Lock()
	r.failBegin = true
	r.medium.mu.Unlock()
}

func (r *SimRadio) Begin() error {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()
	if r.failBegin {
		return fmt.Errorf("%s: hardware init failed", r)
	}
	r.began = true
	return nil
}

func (r *SimRadio) RecvRaw(buf []byte) int {
	m := r.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Millis()
	for i, f := range r.rx {
		if f.at > now {
			continue
		}
		r.rx = append(r.rx[:i], r.rx[i+1:]...)
		r.lastSNR = f.snr
		r.lastRSSI = f.snr - 100
		r.nRecv++
		return copy(buf, f.data)
	}
	return 0
}

func (r *SimRadio) StartSendRaw(b []byte) error {
	m := r.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if !r.began {
		return ErrNotBegun
	}
	if r.sending {
		return ErrBusy
	}
	now := m.clk.Millis()
	r.sending = true
	r.txStart = now
	r.txEnd = now + uint64(r.params.Airtime(len(b)))
	r.sentLog = append(r.sentLog, append([]byte(nil), b...))
	for _, peer := range m.radios {
		if peer == r {
			continue
		}
		snr, ok := m.links[[2]int{r.id, peer.id}]
		if !ok {
			continue
		}
		peer.rx = append(peer.rx, simFrame{data: append([]byte(nil), b...), snr: snr, at: r.txEnd})
	}
	return nil
}

func (r *SimRadio) IsSendComplete() bool {
	m := r.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	return r.sending && m.clk.Millis() >= r.txEnd
}

func (r *SimRadio) OnSendFinished() {
	r.medium.mu.Lock()
	if r.sending {
		r.sending = false
		r.nSent++
	}
	r.medium.mu.Unlock()
}

// IsChannelActive reports whether a linked neighbour is mid-transmission.
func (r *SimRadio) IsChannelActive() bool {
	m := r.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Millis()
	for _, peer := range m.radios {
		if peer == r || !peer.sending {
			continue
		}
		if _, ok := m.links[[2]int{peer.id, r.id}]; !ok {
			continue
		}
		if now >= peer.txStart && now < peer.txEnd {
			return true
		}
	}
	return false
}

func (r *SimRadio) EstAirtimeFor(n int) uint32 {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()
	return r.params.Airtime(n)
}

func (r *SimRadio) PacketScore(snr float32, n int) float32 {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()
	return r.params.Score(snr, n)
}

func (r *SimRadio) LastRSSI() float32 {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()
	return r.lastRSSI
}

func (r *SimRadio) LastSNR() float32 {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()
	return r.lastSNR
}

func (r *SimRadio) Params() Params {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()
	return r.params
}

func (r *SimRadio) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.medium.mu.Lock()
	r.params = p
	r.medium.mu.Unlock()
	return nil
}

func (r *SimRadio) SetTxPower(dbm int8) {
	r.medium.mu.Lock()
	r.params.TxPowerDBm = dbm
	r.medium.mu.Unlock()
}

func (r *SimRadio) PacketsRecv() uint32 {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()
	return r.nRecv
}

func (r *SimRadio) PacketsSent() uint32 {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()
	return r.nSent
}

func (r *SimRadio) NoiseFloor() int16 { return -120 }

func (r *SimRadio) TriggerNoiseFloorCalibrate(int) {}

func (r *SimRadio) ResetAGC() {}

// Sent returns copies of every frame this radio has started sending.
func (r *SimRadio) Sent() [][]byte {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()
	out := make([][]byte, len(r.sentLog))
	copy(out, r.sentLog)
	return out
}

// Inject queues a frame for reception as if heard over the air.
func (r *SimRadio) Inject(b []byte, snr float32) {
	m := r.medium
	m.mu.Lock()
	r.rx = append(r.rx, simFrame{data: append([]byte(nil), b...), snr: snr, at: m.clk.Millis()})
	m.mu.Unlock()
}

// Pending is the number of frames waiting to be received.
func (r *SimRadio) Pending() int {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()
	return len(r.rx)
}
