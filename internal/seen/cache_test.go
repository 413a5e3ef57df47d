package seen

import (
	"crypto/rand"
	"io"
	"testing"
	"time"

	"github.com/ripplebiz/MeshCore/internal/clock"
	"github.com/ripplebiz/MeshCore/internal/protocol"
)

func randomHash() Hash {
	var h Hash
	io.ReadFull(rand.Reader, h[:])
	return h
}

func TestAddAndHas(t *testing.T) {
	c := New(clock.NewManual(0), 16, 10*time.Second)
	h := randomHash()

	if c.Has(h) {
		t.Fatal("fresh table should not have hash")
	}
	if !c.Add(h) {
		t.Fatal("first Add should return true (new)")
	}
	if !c.Has(h) {
		t.Fatal("should have hash after Add")
	}
	if c.Add(h) {
		t.Fatal("second Add should return false (duplicate)")
	}
}

func TestExpiry(t *testing.T) {
	clk := clock.NewManual(0)
	c := New(clk, 16, 50*time.Millisecond)
	h := randomHash()
	c.Add(h)

	if !c.Has(h) {
		t.Fatal("should have hash immediately after Add")
	}
	clk.Advance(100)
	if c.Has(h) {
		t.Fatal("hash should have expired")
	}
	if !c.Add(h) {
		t.Fatal("expired hash should count as new")
	}
}

func TestBoundedEviction(t *testing.T) {
	c := New(clock.NewManual(0), 8, time.Hour)
	hashes := make([]Hash, 20)
	for i := range hashes {
		hashes[i] = randomHash()
		c.Add(hashes[i])
		if c.Len() > 8 {
			t.Fatalf("table grew to %d entries", c.Len())
		}
	}
	for _, h := range hashes[:12] {
		if c.Has(h) {
			t.Fatal("oldest entries should have been evicted")
		}
	}
	for _, h := range hashes[12:] {
		if !c.Has(h) {
			t.Fatal("recent entries must still be present")
		}
	}
}

func TestNoFalsePositives(t *testing.T) {
	c := New(clock.NewManual(0), 32, time.Hour)
	for i := 0; i < 1000; i++ {
		c.Add(randomHash())
	}
	for i := 0; i < 1000; i++ {
		if c.Has(randomHash()) {
			t.Fatal("unseen hash reported as seen")
		}
	}
}

func TestHasSeenCountsDups(t *testing.T) {
	c := New(clock.NewManual(0), 16, time.Hour)

	var flood protocol.Packet
	flood.SetHeader(protocol.RouteFlood, protocol.TypeAdvert)
	flood.SetPayload([]byte("advert"))

	var direct protocol.Packet
	direct.SetHeader(protocol.RouteDirect, protocol.TypeTxtMsg)
	direct.SetPayload([]byte("hello"))

	if c.HasSeen(&flood) || c.HasSeen(&direct) {
		t.Fatal("first sighting must not be a duplicate")
	}
	if !c.HasSeen(&flood) {
		t.Fatal("second flood sighting must be a duplicate")
	}
	if !c.HasSeen(&direct) || !c.HasSeen(&direct) {
		t.Fatal("direct repeats must be duplicates")
	}
	if c.FloodDups() != 1 || c.DirectDups() != 2 {
		t.Fatalf("dups flood=%d direct=%d", c.FloodDups(), c.DirectDups())
	}
	c.ResetStats()
	if c.FloodDups() != 0 || c.DirectDups() != 0 {
		t.Fatal("ResetStats did not clear counters")
	}
}
