package prefs

import (
	"errors"
	"testing"

	"github.com/ripplebiz/MeshCore/internal/radio"
)

func TestDefaults(t *testing.T) {
	p := Default()
	if p.AirtimeFactor != 1.0 || p.TxDelayFactor != 0.5 || p.RxDelay != 0 {
		t.Fatalf("unexpected tuning defaults: %+v", p)
	}
	if p.LocalAdvertMinutes() != 2 || p.FloodAdvertInterval != 3 || p.FloodMax != 64 {
		t.Fatalf("unexpected advert defaults: %+v", p)
	}
	if err := p.RadioParams().Validate(); err != nil {
		t.Fatalf("default radio params invalid: %v", err)
	}
}

func TestSetRadio(t *testing.T) {
	cases := []struct {
		name     string
		freq, bw float64
		sf, cr   int
		ok       bool
	}{
		{"valid", 869.525, 250, 9, 5, true},
		{"sf too high", 869.525, 250, 20, 5, false},
		{"sf too low", 869.525, 250, 6, 5, false},
		{"cr out of range", 869.525, 250, 9, 9, false},
		{"freq too low", 100, 250, 9, 5, false},
		{"bw too wide", 869.525, 600, 9, 5, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Default()
			err := p.SetRadio(tc.freq, tc.bw, tc.sf, tc.cr)
			if tc.ok {
				if err != nil {
					t.Fatalf("SetRadio: %v", err)
				}
				if p.SF != uint8(tc.sf) || p.FreqMHz != tc.freq {
					t.Fatalf("not stored: %+v", p)
				}
				return
			}
			if !errors.Is(err, radio.ErrBadParams) {
				t.Fatalf("want ErrBadParams, got %v", err)
			}
			if p.SF != Default().SF {
				t.Fatal("rejected params must not change prefs")
			}
		})
	}
}

func TestAdvertIntervals(t *testing.T) {
	p := Default()
	for _, mins := range []int{0, 60, 120, 240} {
		if err := p.SetLocalAdvertMinutes(mins); err != nil {
			t.Fatalf("%d: %v", mins, err)
		}
		if p.LocalAdvertMinutes() != mins {
			t.Fatalf("stored %d, want %d", p.LocalAdvertMinutes(), mins)
		}
	}
	for _, mins := range []int{1, 59, 241, -5} {
		if err := p.SetLocalAdvertMinutes(mins); !errors.Is(err, ErrAdvertInterval) {
			t.Fatalf("%d: want ErrAdvertInterval, got %v", mins, err)
		}
	}
	for _, h := range []int{0, 3, 48} {
		if err := p.SetFloodAdvertHours(h); err != nil {
			t.Fatalf("%d: %v", h, err)
		}
	}
	for _, h := range []int{1, 2, 49} {
		if err := p.SetFloodAdvertHours(h); !errors.Is(err, ErrFloodInterval) {
			t.Fatalf("%d: want ErrFloodInterval, got %v", h, err)
		}
	}
}

func TestNegativeDelaysRejected(t *testing.T) {
	p := Default()
	if err := p.SetRxDelay(-1); !errors.Is(err, ErrNegative) {
		t.Fatalf("rxdelay: %v", err)
	}
	if err := p.SetTxDelay(-0.1); !errors.Is(err, ErrNegative) {
		t.Fatalf("txdelay: %v", err)
	}
	if err := p.SetDirectTxDelay(0.3); err != nil || p.DirectTxDelayFactor != 0.3 {
		t.Fatalf("direct.txdelay: %v %v", err, p.DirectTxDelayFactor)
	}
}

func TestFloodMax(t *testing.T) {
	p := Default()
	if err := p.SetFloodMax(65); !errors.Is(err, ErrFloodMax) {
		t.Fatalf("want ErrFloodMax, got %v", err)
	}
	if err := p.SetFloodMax(3); err != nil {
		t.Fatal(err)
	}
	if !p.AllowFloodHop(2) || p.AllowFloodHop(3) {
		t.Fatal("flood max 3 should allow 2 hops and stop at 3")
	}
}

func TestSanitize(t *testing.T) {
	p := NodePrefs{
		AirtimeFactor: 50,
		RxDelay:       -3,
		TxDelayFactor: 7,
		FreqMHz:       10,
		BandwidthKHz:  1000,
		SF:            3,
		CR:            12,
		TxPowerDBm:    -4,
		MultiAcks:     9,
		FloodMax:      200,
	}
	p.Sanitize()
	want := NodePrefs{
		AirtimeFactor: 9,
		RxDelay:       0,
		TxDelayFactor: 2,
		FreqMHz:       300,
		BandwidthKHz:  500,
		SF:            7,
		CR:            8,
		TxPowerDBm:    1,
		MultiAcks:     1,
		FloodMax:      64,
	}
	if p != want {
		t.Fatalf("got %+v\nwant %+v", p, want)
	}
}

func TestSanitizeKeepsAcceptedRadio(t *testing.T) {
	p := Default()
	p.Sanitize()
	if err := p.SetRadio(350, 7.8, 12, 8); err != nil {
		t.Fatal(err)
	}
	before := p
	p.Sanitize()
	if p != before {
		t.Fatalf("accepted params rewritten: %+v -> %+v", before.RadioParams(), p.RadioParams())
	}
}

func TestBeforeSaveDisablesLegacyInterval(t *testing.T) {
	p := Default() // 2 minute legacy default
	p.BeforeSave()
	if p.AdvertInterval != 0 {
		t.Fatalf("legacy interval not switched off: %d", p.AdvertInterval)
	}
	_ = p.SetLocalAdvertMinutes(120)
	p.BeforeSave()
	if p.LocalAdvertMinutes() != 120 {
		t.Fatal("valid interval must survive save")
	}
}

func TestTempRadio(t *testing.T) {
	if err := ValidateTempRadio(869.5, 62.5, 8, 5, 0); !errors.Is(err, ErrTempTimeout) {
		t.Fatalf("want ErrTempTimeout, got %v", err)
	}
	if err := ValidateTempRadio(869.5, 62.5, 8, 5, 10); err != nil {
		t.Fatal(err)
	}
}

func TestTruncation(t *testing.T) {
	p := Default()
	p.SetName("a-very-long-node-name-that-does-not-fit-in-the-slot")
	if len(p.Name) != maxNameLen {
		t.Fatalf("name len %d", len(p.Name))
	}
	p.SetPassword("0123456789abcdefXYZ")
	if p.Password != "0123456789abcde" {
		t.Fatalf("password %q", p.Password)
	}
}
