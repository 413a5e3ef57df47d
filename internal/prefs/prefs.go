// Package prefs holds the runtime-tunable node preferences and every range
// check applied to them. The CLI, the config loader and the persisted copy
// all go through the same setters, so a value that is rejected in one place
// is rejected everywhere.
package prefs

import (
	"errors"
	"fmt"
	"math"

	"github.com/ripplebiz/MeshCore/internal/radio"
)

const (
	// MinLocalAdvertInterval is the shortest non-zero local advert period, in minutes.
	MinLocalAdvertInterval = 60
	MaxLocalAdvertInterval = 240

	MinFloodAdvertInterval = 3
	MaxFloodAdvertInterval = 48

	MaxFloodHops = 64

	maxNameLen     = 31
	maxPasswordLen = 15
)

var (
	ErrNegative       = errors.New("cannot be negative")
	ErrAdvertInterval = fmt.Errorf("interval range is %d-%d minutes", MinLocalAdvertInterval, MaxLocalAdvertInterval)
	ErrFloodInterval  = fmt.Errorf("interval range is %d-%d hours", MinFloodAdvertInterval, MaxFloodAdvertInterval)
	ErrFloodMax       = fmt.Errorf("max %d", MaxFloodHops)
	ErrTxPower        = errors.New("tx power range is 1-30 dBm")
	ErrTempTimeout    = errors.New("timeout must be positive")
)

// NodePrefs are the persisted, runtime-adjustable node settings.
type NodePrefs struct {
	AirtimeFactor float32 `json:"airtime_factor"`
	Name          string  `json:"node_name"`
	Lat           float64 `json:"node_lat"`
	Lon           float64 `json:"node_lon"`
	Password      string  `json:"password"`
	GuestPassword string  `json:"guest_password"`

	FreqMHz      float64 `json:"freq"`
	BandwidthKHz float64 `json:"bw"`
	SF           uint8   `json:"sf"`
	CR           uint8   `json:"cr"`
	TxPowerDBm   int8    `json:"tx_power_dbm"`

	DisableForward bool `json:"disable_fwd"`
	// AdvertInterval is stored in units of two minutes.
	AdvertInterval      uint8 `json:"advert_interval"`
	FloodAdvertInterval uint8 `json:"flood_advert_interval"` // hours
	FloodMax            uint8 `json:"flood_max"`

	RxDelay             float32 `json:"rx_delay_base"`
	TxDelayFactor       float32 `json:"tx_delay_factor"`
	DirectTxDelayFactor float32 `json:"direct_tx_delay_factor"`

	AllowReadOnly         bool  `json:"allow_read_only"`
	MultiAcks             uint8 `json:"multi_acks"`
	AGCResetInterval      uint8 `json:"agc_reset_interval"` // units of 4 seconds
	InterferenceThreshold uint8 `json:"interference_threshold"`
}

// Default returns the stock repeater preferences.
func Default() NodePrefs {
	p := radio.DefaultParams()
	return NodePrefs{
		AirtimeFactor:       1.0,
		Name:                "repeater",
		Password:            "password",
		FreqMHz:             p.FreqMHz,
		BandwidthKHz:        p.BandwidthKHz,
		SF:                  p.SF,
		CR:                  p.CR,
		TxPowerDBm:          p.TxPowerDBm,
		AdvertInterval:      1,
		FloodAdvertInterval: 3,
		FloodMax:            MaxFloodHops,
		TxDelayFactor:       0.5,
	}
}

func clamp[T int | float32 | float64](v, lo, hi T) T {
	return max(lo, min(hi, v))
}

// Sanitize forces loaded values into their legal ranges. Used after
// reading a persisted copy that may predate a range change.
func (p *NodePrefs) Sanitize() {
	p.RxDelay = clamp(p.RxDelay, 0, 20)
	p.TxDelayFactor = clamp(p.TxDelayFactor, 0, 2)
	p.DirectTxDelayFactor = clamp(p.DirectTxDelayFactor, 0, 2)
	p.AirtimeFactor = clamp(p.AirtimeFactor, 0, 9)
	p.FreqMHz = clamp(p.FreqMHz, radio.MinFreqMHz, radio.MaxFreqMHz)
	p.BandwidthKHz = clamp(p.BandwidthKHz, radio.MinBandwidthKHz, radio.MaxBandwidthKHz)
	p.SF = uint8(clamp(int(p.SF), radio.MinSF, radio.MaxSF))
	p.CR = uint8(clamp(int(p.CR), radio.MinCR, radio.MaxCR))
	p.TxPowerDBm = int8(clamp(int(p.TxPowerDBm), 1, 30))
	p.MultiAcks = uint8(clamp(int(p.MultiAcks), 0, 1))
	if int(p.FloodMax) > MaxFloodHops {
		p.FloodMax = MaxFloodHops
	}
	if math.IsNaN(p.Lat) {
		p.Lat = 0
	}
	if math.IsNaN(p.Lon) {
		p.Lon = 0
	}
}

// BeforeSave runs when prefs are saved after a manual change: a legacy
// local advert period shorter than the minimum is switched off.
func (p *NodePrefs) BeforeSave() {
	if int(p.AdvertInterval)*2 < MinLocalAdvertInterval {
		p.AdvertInterval = 0
	}
}

// AirtimeBudgetFactor implements dispatch.Tuning.
func (p *NodePrefs) AirtimeBudgetFactor() float32 { return p.AirtimeFactor }

// RxDelayBase implements dispatch.Tuning.
func (p *NodePrefs) RxDelayBase() float32 { return p.RxDelay }

// ForwardingEnabled reports whether relaying is on.
func (p *NodePrefs) ForwardingEnabled() bool { return !p.DisableForward }

// AllowFloodHop reports whether a flood packet that has already travelled
// pathLen hops may be relayed once more.
func (p *NodePrefs) AllowFloodHop(pathLen int) bool {
	return pathLen < int(p.FloodMax)
}

// RadioParams returns the modem settings.
func (p *NodePrefs) RadioParams() radio.Params {
	return radio.Params{
		FreqMHz:      p.FreqMHz,
		BandwidthKHz: p.BandwidthKHz,
		SF:           p.SF,
		CR:           p.CR,
		TxPowerDBm:   p.TxPowerDBm,
		Preamble:     8,
	}
}

// LocalAdvertMinutes is the local (zero hop) advert period, 0 when off.
func (p *NodePrefs) LocalAdvertMinutes() int { return int(p.AdvertInterval) * 2 }

// SetLocalAdvertMinutes accepts 0 (off) or MinLocalAdvertInterval..MaxLocalAdvertInterval.
func (p *NodePrefs) SetLocalAdvertMinutes(mins int) error {
	if (mins > 0 && mins < MinLocalAdvertInterval) || mins > MaxLocalAdvertInterval || mins < 0 {
		return ErrAdvertInterval
	}
	p.AdvertInterval = uint8(mins / 2)
	return nil
}

// SetFloodAdvertHours accepts 0 (off) or MinFloodAdvertInterval..MaxFloodAdvertInterval.
func (p *NodePrefs) SetFloodAdvertHours(hours int) error {
	if (hours > 0 && hours < MinFloodAdvertInterval) || hours > MaxFloodAdvertInterval || hours < 0 {
		return ErrFloodInterval
	}
	p.FloodAdvertInterval = uint8(hours)
	return nil
}

// SetRadio changes the persisted modem settings. They apply on restart.
func (p *NodePrefs) SetRadio(freq, bw float64, sf, cr int) error {
	if err := ValidateRadio(freq, bw, sf, cr); err != nil {
		return err
	}
	p.FreqMHz, p.BandwidthKHz = freq, bw
	p.SF, p.CR = uint8(sf), uint8(cr)
	return nil
}

// ValidateRadio checks modem settings without storing them.
func ValidateRadio(freq, bw float64, sf, cr int) error {
	if sf < 0 || sf > 255 || cr < 0 || cr > 255 {
		return radio.ErrBadParams
	}
	return radio.Params{FreqMHz: freq, BandwidthKHz: bw, SF: uint8(sf), CR: uint8(cr)}.Validate()
}

// ValidateTempRadio checks temporary modem settings and their timeout.
func ValidateTempRadio(freq, bw float64, sf, cr, mins int) error {
	if mins <= 0 {
		return ErrTempTimeout
	}
	return ValidateRadio(freq, bw, sf, cr)
}

// SetFreq changes only the frequency.
func (p *NodePrefs) SetFreq(freq float64) error {
	if freq < radio.MinFreqMHz || freq > radio.MaxFreqMHz {
		return fmt.Errorf("%w: freq %.3f", radio.ErrBadParams, freq)
	}
	p.FreqMHz = freq
	return nil
}

func nonNegative(dst *float32, v float32) error {
	if v < 0 || math.IsNaN(float64(v)) {
		return ErrNegative
	}
	*dst = v
	return nil
}

func (p *NodePrefs) SetRxDelay(v float32) error       { return nonNegative(&p.RxDelay, v) }
func (p *NodePrefs) SetTxDelay(v float32) error       { return nonNegative(&p.TxDelayFactor, v) }
func (p *NodePrefs) SetDirectTxDelay(v float32) error { return nonNegative(&p.DirectTxDelayFactor, v) }
func (p *NodePrefs) SetAirtimeFactor(v float32) error { return nonNegative(&p.AirtimeFactor, v) }

// SetFloodMax bounds how many hops a relayed flood may already have.
func (p *NodePrefs) SetFloodMax(m int) error {
	if m < 0 || m > MaxFloodHops {
		return ErrFloodMax
	}
	p.FloodMax = uint8(m)
	return nil
}

// SetTxPower sets transmit power in dBm.
func (p *NodePrefs) SetTxPower(dbm int) error {
	if dbm < 1 || dbm > 30 {
		return ErrTxPower
	}
	p.TxPowerDBm = int8(dbm)
	return nil
}

// SetName truncates to the stored name size.
func (p *NodePrefs) SetName(name string) {
	p.Name = truncate(name, maxNameLen)
}

func (p *NodePrefs) SetPassword(pw string)      { p.Password = truncate(pw, maxPasswordLen) }
func (p *NodePrefs) SetGuestPassword(pw string) { p.GuestPassword = truncate(pw, maxPasswordLen) }

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// AGCResetSeconds is the AGC reset period in seconds.
func (p *NodePrefs) AGCResetSeconds() int { return int(p.AGCResetInterval) * 4 }

// SetAGCResetSeconds stores secs rounded down to the 4 second unit.
func (p *NodePrefs) SetAGCResetSeconds(secs int) {
	p.AGCResetInterval = uint8(clamp(secs/4, 0, math.MaxUint8))
}
