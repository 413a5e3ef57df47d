package clock

import (
	"errors"
	"testing"
)

func TestRTCForwardOnly(t *testing.T) {
	m := NewManual(0)
	r := NewRTC(m, 1_700_000_000)

	m.Advance(2500)
	if got := r.Now(); got != 1_700_000_002 {
		t.Fatalf("Now = %d", got)
	}
	if err := r.Set(1_700_000_002); !errors.Is(err, ErrBackwards) {
		t.Fatalf("equal time: got %v", err)
	}
	if err := r.Set(1_600_000_000); !errors.Is(err, ErrBackwards) {
		t.Fatalf("earlier time: got %v", err)
	}
	if err := r.Set(1_800_000_000); err != nil {
		t.Fatal(err)
	}
	if got := r.Now(); got != 1_800_000_000 {
		t.Fatalf("after set Now = %d", got)
	}
}

func TestRTCUnique(t *testing.T) {
	m := NewManual(0)
	r := NewRTC(m, 100)
	a := r.Unique()
	b := r.Unique()
	c := r.Unique()
	if !(a < b && b < c) {
		t.Fatalf("not strictly increasing: %d %d %d", a, b, c)
	}
}

func TestHelpers(t *testing.T) {
	m := NewManual(1000)
	d := Future(m, 250)
	if HasPassed(m, d) {
		t.Fatal("deadline passed too early")
	}
	m.Advance(250)
	if !HasPassed(m, d) {
		t.Fatal("deadline should have passed")
	}
}
