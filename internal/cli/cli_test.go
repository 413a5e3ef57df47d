package cli

import (
	"errors"
	"strings"
	"testing"

	"github.com/ripplebiz/MeshCore/internal/clock"
	"github.com/ripplebiz/MeshCore/internal/prefs"
	"github.com/ripplebiz/MeshCore/internal/radio"
)

type fakeHost struct {
	saves        int
	advertDelay  uint32
	advertTimer  int
	floodTimer   int
	tempParams   radio.Params
	tempMins     int
	txPower      int8
	statsCleared bool
	logging      bool
	erased       bool
}

func (h *fakeHost) SavePrefs() error          { h.saves++; return nil }
func (h *fakeHost) SendSelfAdvert(d uint32)   { h.advertDelay = d }
func (h *fakeHost) UpdateAdvertTimer()        { h.advertTimer++ }
func (h *fakeHost) UpdateFloodAdvertTimer()   { h.floodTimer++ }
func (h *fakeHost) SetTxPower(dbm int8)       { h.txPower = dbm }
func (h *fakeHost) ClearStats()               { h.statsCleared = true }
func (h *fakeHost) FormatNeighbors() string   { return "-none-" }
func (h *fakeHost) SetLogging(on bool)        { h.logging = on }
func (h *fakeHost) EraseLog() error           { return nil }
func (h *fakeHost) DumpLog() string           { return "RX, len=10\n" }
func (h *fakeHost) FormatFileSystem() error   { h.erased = true; return nil }
func (h *fakeHost) Reboot()                   {}
func (h *fakeHost) StartOTA() (string, error) { return "", errNoOTA }
func (h *fakeHost) SelfPubKeyHex() string     { return "abcd" }
func (h *fakeHost) Role() string              { return "repeater" }
func (h *fakeHost) FirmwareVersion() string   { return "v1.4.3" }
func (h *fakeHost) BuildDate() string         { return "7 Apr 2025" }

func (h *fakeHost) ApplyTempRadio(p radio.Params, mins int) error {
	h.tempParams, h.tempMins = p, mins
	return nil
}

var errNoOTA = errors.New("ota not supported")

func newInterp(t *testing.T) (*Interpreter, *prefs.NodePrefs, *fakeHost) {
	t.Helper()
	p := prefs.Default()
	_ = p.SetLocalAdvertMinutes(120)
	host := &fakeHost{}
	rtc := clock.NewRTC(clock.NewManual(0), 1_700_000_000)
	return New(&p, rtc, host, nil), &p, host
}

func TestReplies(t *testing.T) {
	cases := []struct {
		name   string
		ts     uint32
		cmd    string
		want   string
		prefix bool
	}{
		{"unknown", 0, "frobnicate", "Unknown command", false},
		{"clock", 0, "clock", "22:13 - 14/11/2023 UTC", false},
		{"get radio", 0, "get radio", "> 915,250,10,5", false},
		{"get af", 0, "get af", "> 1", false},
		{"get txdelay", 0, "get txdelay", "> 0.5", false},
		{"get tx", 0, "get tx", "> 20", false},
		{"get advert interval", 0, "get advert.interval", "> 120", false},
		{"get public key", 0, "get public.key", "> abcd", false},
		{"get role", 0, "get role", "> repeater", false},
		{"get unknown", 0, "get bogus", "??: bogus", false},
		{"set unknown", 0, "set bogus 1", "unknown config: bogus 1", false},
		{"sf out of range", 0, "set radio 869.525,250,20,5", "Error, invalid radio params", false},
		{"advert interval low", 0, "set advert.interval 30", "Error: interval range is 60-240 minutes", false},
		{"flood interval low", 0, "set flood.advert.interval 2", "Error: interval range is 3-48 hours", false},
		{"flood max", 0, "set flood.max 65", "Error, max 64", false},
		{"negative rxdelay", 0, "set rxdelay -1", "Error, cannot be negative", false},
		{"negative txdelay", 0, "set txdelay -0.5", "Error, cannot be negative", false},
		{"remote erase", 1, "erase", "Unknown command", false},
		{"remote freq", 1, "set freq 868", "unknown config: freq 868", false},
		{"tempradio no timeout", 0, "tempradio 869.5 62.5 8 5 0", "Error, invalid params", false},
		{"time backwards", 0, "time 1600000000", "(ERR: clock cannot go backwards)", false},
		{"clock sync behind", 1_600_000_000, "clock sync", "ERR: clock cannot go backwards", false},
		{"ver", 0, "ver", "v1.4.3 (Build: 7 Apr 2025)", false},
		{"help", 0, "help", helpOverview, false},
		{"help mesh keys", 0, "help mesh keys", "Keys (for get /set): multi.acks\n", true},
		{"start ota", 0, "start ota", "Error", false},
		{"neighbors", 0, "neighbors", "-none-", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _, _ := newInterp(t)
			got := c.Handle(tc.ts, tc.cmd)
			if tc.prefix {
				if !strings.HasPrefix(got, tc.want) {
					t.Fatalf("%q: got %q, want prefix %q", tc.cmd, got, tc.want)
				}
				return
			}
			if got != tc.want {
				t.Fatalf("%q: got %q, want %q", tc.cmd, got, tc.want)
			}
		})
	}
}

func TestSetRadio(t *testing.T) {
	c, p, host := newInterp(t)
	if got := c.Handle(0, "set radio 869.525 250 20 5"); got != "Error, invalid radio params" {
		t.Fatalf("sf 20: %q", got)
	}
	if p.SF != 10 || host.saves != 0 {
		t.Fatal("rejected radio params were applied")
	}
	if got := c.Handle(0, "set radio 869.525 250 9 5"); got != "OK - reboot to apply" {
		t.Fatalf("sf 9: %q", got)
	}
	if p.SF != 9 || p.FreqMHz != 869.525 || host.saves != 1 {
		t.Fatalf("radio params not stored: %+v saves=%d", p, host.saves)
	}
}

func TestRepeatToggle(t *testing.T) {
	c, p, _ := newInterp(t)
	if got := c.Handle(0, "set repeat off"); got != "OK - repeat is now OFF" {
		t.Fatalf("got %q", got)
	}
	if p.ForwardingEnabled() {
		t.Fatal("forwarding still enabled")
	}
	if got := c.Handle(0, "get repeat"); got != "> off" {
		t.Fatalf("got %q", got)
	}
	if got := c.Handle(0, "set repeat on"); got != "OK - repeat is now ON" {
		t.Fatalf("got %q", got)
	}
}

func TestAdvertIntervalUpdatesTimer(t *testing.T) {
	c, p, host := newInterp(t)
	if got := c.Handle(0, "set advert.interval 180"); got != "OK" {
		t.Fatalf("got %q", got)
	}
	if p.LocalAdvertMinutes() != 180 || host.advertTimer != 1 {
		t.Fatalf("interval %d timer updates %d", p.LocalAdvertMinutes(), host.advertTimer)
	}
	if got := c.Handle(0, "set flood.advert.interval 12"); got != "OK" {
		t.Fatalf("got %q", got)
	}
	if host.floodTimer != 1 || p.FloodAdvertInterval != 12 {
		t.Fatal("flood timer not updated")
	}
}

func TestClockSync(t *testing.T) {
	c, _, _ := newInterp(t)
	got := c.Handle(1_800_000_000, "clock sync")
	if got != "OK - clock set: 08:00 - 15/1/2027 UTC" {
		t.Fatalf("got %q", got)
	}
}

func TestTempRadio(t *testing.T) {
	c, p, host := newInterp(t)
	if got := c.Handle(0, "tempradio 869.5 62.5 8 5 10"); got != "OK - temp params for 10 mins" {
		t.Fatalf("got %q", got)
	}
	if host.tempMins != 10 || host.tempParams.SF != 8 || host.tempParams.BandwidthKHz != 62.5 {
		t.Fatalf("temp params %+v for %d", host.tempParams, host.tempMins)
	}
	if p.SF != 10 {
		t.Fatal("temp params must not touch stored prefs")
	}
}

func TestLocalOnlyCommands(t *testing.T) {
	c, p, host := newInterp(t)
	if got := c.Handle(0, "erase"); got != "File system erase: OK" || !host.erased {
		t.Fatalf("erase: %q", got)
	}
	if got := c.Handle(0, "set freq 868"); got != "OK - reboot to apply" || p.FreqMHz != 868 {
		t.Fatalf("freq: %q %v", got, p.FreqMHz)
	}
	if got := c.Handle(0, "log"); got != "RX, len=10\n   EOF" {
		t.Fatalf("log: %q", got)
	}
	if got := c.Handle(5, "log"); got != "Unknown command" {
		t.Fatalf("remote log dump: %q", got)
	}
}

func TestMiscCommands(t *testing.T) {
	c, p, host := newInterp(t)
	if got := c.Handle(0, "advert"); got != "OK - Advert sent" || host.advertDelay != advertReplyDelay {
		t.Fatalf("advert: %q delay %d", got, host.advertDelay)
	}
	if got := c.Handle(0, "password s3cret"); got != "password now: s3cret" || p.Password != "s3cret" {
		t.Fatalf("password: %q", got)
	}
	if got := c.Handle(0, "clear stats"); got != "(OK - stats reset)" || !host.statsCleared {
		t.Fatalf("clear stats: %q", got)
	}
	if got := c.Handle(0, "set tx 14"); got != "OK" || host.txPower != 14 {
		t.Fatalf("tx: %q %d", got, host.txPower)
	}
	if got := c.Handle(0, "log start"); got != "   logging on" || !host.logging {
		t.Fatalf("log start: %q", got)
	}
}
