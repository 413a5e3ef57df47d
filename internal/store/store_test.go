package store

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/ripplebiz/MeshCore/internal/prefs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPrefsFirstBoot(t *testing.T) {
	s := newTestStore(t)
	p := prefs.Default()
	if err := s.LoadPrefs(&p); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if p != prefs.Default() {
		t.Fatal("LoadPrefs modified prefs on first boot")
	}
}

func TestPrefsRoundTripSanitized(t *testing.T) {
	s := newTestStore(t)
	p := prefs.Default()
	p.SetName("hilltop")
	p.AirtimeFactor = 42 // out of range, only reachable by a stale file
	if err := s.SavePrefs(&p); err != nil {
		t.Fatal(err)
	}

	got := prefs.Default()
	if err := s.LoadPrefs(&got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "hilltop" {
		t.Fatalf("name %q", got.Name)
	}
	if got.AirtimeFactor != 9 {
		t.Fatalf("airtime factor not clamped: %v", got.AirtimeFactor)
	}
}

func TestPrefsRoundTripKeepsAcceptedRadio(t *testing.T) {
	s := newTestStore(t)
	p := prefs.Default()
	if err := p.SetRadio(350, 125, 9, 5); err != nil {
		t.Fatal(err)
	}
	if err := s.SavePrefs(&p); err != nil {
		t.Fatal(err)
	}
	got := prefs.Default()
	if err := s.LoadPrefs(&got); err != nil {
		t.Fatal(err)
	}
	if got.RadioParams() != p.RadioParams() {
		t.Fatalf("reloaded %+v, saved %+v", got.RadioParams(), p.RadioParams())
	}
}

func TestPacketLog(t *testing.T) {
	s := newTestStore(t)
	lines := []string{"RX, len=20", "TX, len=22", "TX FAIL!, len=22"}
	for _, l := range lines {
		if err := s.AppendLog(l); err != nil {
			t.Fatal(err)
		}
	}
	if s.LogLen() != 3 {
		t.Fatalf("LogLen = %d", s.LogLen())
	}
	var buf bytes.Buffer
	if err := s.DumpLog(&buf); err != nil {
		t.Fatal(err)
	}
	if got := strings.Split(strings.TrimSpace(buf.String()), "\n"); len(got) != 3 || got[2] != lines[2] {
		t.Fatalf("dump = %q", got)
	}
	if err := s.EraseLog(); err != nil {
		t.Fatal(err)
	}
	if s.LogLen() != 0 {
		t.Fatal("log not erased")
	}
}

func TestOlderAdvertIgnored(t *testing.T) {
	s := newTestStore(t)
	c := Contact{Name: "alice", EncPub: "aa01", AdvertTime: 200}
	if err := s.PutContact(c, false); err != nil {
		t.Fatal(err)
	}
	stale := Contact{Name: "mallory", EncPub: "aa01", AdvertTime: 100}
	if err := s.PutContact(stale, false); err != nil {
		t.Fatal(err)
	}
	got, err := s.Contact("aa01")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "alice" {
		t.Fatalf("older advert replaced contact: %+v", got)
	}

	got.OutPath, got.OutPathKnown = []byte{1, 2}, true
	got.AdvertTime = 50
	if err := s.PutContact(got, true); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Contact("aa01")
	if !got.OutPathKnown || len(got.OutPath) != 2 {
		t.Fatalf("forced update lost: %+v", got)
	}
}

func TestContactsAndDelete(t *testing.T) {
	s := newTestStore(t)
	for _, k := range []string{"01", "02", "03"} {
		if err := s.PutContact(Contact{EncPub: k}, false); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(s.Contacts()); n != 3 {
		t.Fatalf("%d contacts", n)
	}
	if err := s.DeleteContact("02"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Contact("02"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestErase(t *testing.T) {
	s := newTestStore(t)
	p := prefs.Default()
	s.SavePrefs(&p)
	s.AppendLog("x")
	s.PutContact(Contact{EncPub: "01"}, false)

	if err := s.Erase(); err != nil {
		t.Fatal(err)
	}
	if err := s.LoadPrefs(&p); !errors.Is(err, ErrNotFound) {
		t.Fatalf("prefs survived erase: %v", err)
	}
	if s.LogLen() != 0 || len(s.Contacts()) != 0 {
		t.Fatal("data survived erase")
	}
}
