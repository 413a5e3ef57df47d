// Package radio defines the half-duplex packet radio the dispatcher drives,
// plus host-side implementations: a simulated shared medium for tests and
// multi-node runs, and a TCP-linked radio for bench setups without LoRa
// hardware.
package radio

import (
	"errors"
	"fmt"
	"math"
)

// Radio abstracts one half-duplex transceiver. Every method is non-blocking;
// the dispatcher polls them once per loop iteration.
type Radio interface {
	// Begin powers up the transceiver. An error here is fatal to the node.
	Begin() error

	// RecvRaw copies a fully received frame into buf and returns its length,
	// or 0 when nothing is waiting.
	RecvRaw(buf []byte) int

	// StartSendRaw begins transmitting b and returns immediately.
	StartSendRaw(b []byte) error

	// IsSendComplete reports whether the last StartSendRaw has finished.
	IsSendComplete() bool

	// OnSendFinished is called once after IsSendComplete returns true.
	OnSendFinished()

	// IsChannelActive reports channel activity (CAD) or a receive in progress.
	IsChannelActive() bool

	// EstAirtimeFor estimates the on-air time in ms for an n byte frame.
	EstAirtimeFor(n int) uint32

	// PacketScore rates reception quality in [0,1].
	PacketScore(snr float32, n int) float32

	LastRSSI() float32
	LastSNR() float32
}

// Configurable is implemented by radios whose modem settings can be changed
// while running (temporary radio parameters, tx power).
type Configurable interface {
	Params() Params
	SetParams(Params) error
	SetTxPower(dbm int8)
}

// Counters is implemented by radios that count frames at the driver level.
type Counters interface {
	PacketsRecv() uint32
	PacketsSent() uint32
}

// Tuner is implemented by radios with noise floor tracking.
type Tuner interface {
	NoiseFloor() int16
	TriggerNoiseFloorCalibrate(threshold int)
	ResetAGC()
}

var ErrBadParams = errors.New("radio: invalid params")

// Params are the LoRa modem settings.
type Params struct {
	FreqMHz      float64 `json:"freq"`
	BandwidthKHz float64 `json:"bw"`
	SF           uint8   `json:"sf"`
	CR           uint8   `json:"cr"` // coding rate denominator, 5..8
	TxPowerDBm   int8    `json:"tx"`
	Preamble     uint16  `json:"preamble"`
}

// DefaultParams matches the stock repeater build.
func DefaultParams() Params {
	return Params{FreqMHz: 915, BandwidthKHz: 250, SF: 10, CR: 5, TxPowerDBm: 20, Preamble: 8}
}

// Accepted modem ranges, inclusive.
const (
	MinFreqMHz      = 300.0
	MaxFreqMHz      = 2500.0
	MinBandwidthKHz = 7.0
	MaxBandwidthKHz = 500.0
	MinSF           = 7
	MaxSF           = 12
	MinCR           = 5
	MaxCR           = 8
)

// Validate applies the accepted modem ranges.
func (p Params) Validate() error {
	switch {
	case p.FreqMHz < MinFreqMHz || p.FreqMHz > MaxFreqMHz:
		return fmt.Errorf("%w: freq %.3f", ErrBadParams, p.FreqMHz)
	case p.BandwidthKHz < MinBandwidthKHz || p.BandwidthKHz > MaxBandwidthKHz:
		return fmt.Errorf("%w: bw %.1f", ErrBadParams, p.BandwidthKHz)
	case p.SF < MinSF || p.SF > MaxSF:
		return fmt.Errorf("%w: sf %d", ErrBadParams, p.SF)
	case p.CR < MinCR || p.CR > MaxCR:
		return fmt.Errorf("%w: cr %d", ErrBadParams, p.CR)
	}
	return nil
}

// Airtime is the Semtech time-on-air for an n byte frame with explicit
// header and CRC, rounded up to whole milliseconds.
func (p Params) Airtime(n int) uint32 {
	if p.SF == 0 || p.BandwidthKHz <= 0 {
		return 0
	}
	preamble := float64(p.Preamble)
	if preamble == 0 {
		preamble = 8
	}
	sf := float64(p.SF)
	tsym := math.Pow(2, sf) / (p.BandwidthKHz * 1000)
	de := 0.0
	if tsym > 0.016 {
		de = 1
	}
	tpre := (preamble + 4.25) * tsym
	num := 8*float64(n) - 4*sf + 28 + 16
	den := 4 * (sf - 2*de)
	symbols := 8 + math.Max(math.Ceil(num/den)*float64(p.CR), 0)
	return uint32(math.Ceil((tpre + symbols*tsym) * 1000))
}

var snrThreshold = [...]float32{-7.5, -10, -12.5, -15, -17.5, -20}

// Score rates a reception: SNR margin above the demodulation floor for the
// spreading factor, penalised by how long the frame occupied the channel.
func (p Params) Score(snr float32, n int) float32 {
	if p.SF < 7 || p.SF > 12 {
		return 0
	}
	thr := snrThreshold[p.SF-7]
	if snr < thr {
		return 0
	}
	s := (snr - thr) / 10 * (1 - float32(p.Airtime(n))/2800)
	return float32(math.Max(0, math.Min(1, float64(s))))
}
