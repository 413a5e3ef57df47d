package pool

import (
	"errors"
	"math/rand/v2"
	"testing"
)

func checkConservation(t *testing.T, p *Pool) {
	t.Helper()
	if p.InFlight()+p.FreeCount() != p.Capacity() {
		t.Fatalf("in_flight(%d) + free(%d) != capacity(%d)", p.InFlight(), p.FreeCount(), p.Capacity())
	}
}

func TestAllocUntilExhausted(t *testing.T) {
	p := New(4, 0)
	var hs []Handle
	for i := 0; i < 4; i++ {
		h, ok := p.Alloc()
		if !ok {
			t.Fatalf("alloc %d failed", i)
		}
		hs = append(hs, h)
		checkConservation(t, p)
	}
	if _, ok := p.Alloc(); ok {
		t.Fatal("alloc on exhausted pool should fail")
	}
	if err := p.Free(hs[0]); err != nil {
		t.Fatal(err)
	}
	if _, ok := p.Alloc(); !ok {
		t.Fatal("alloc after free should succeed")
	}
	checkConservation(t, p)
}

func TestDoubleFreeRejected(t *testing.T) {
	p := New(2, 0)
	h, _ := p.Alloc()
	if err := p.Free(h); err != nil {
		t.Fatal(err)
	}
	if err := p.Free(h); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("double free: got %v", err)
	}
	if p.FreeCount() != 2 {
		t.Fatalf("free count %d after rejected double free", p.FreeCount())
	}
}

func TestStaleHandleAfterReuse(t *testing.T) {
	p := New(1, 0)
	old, _ := p.Alloc()
	p.Free(old)
	fresh, _ := p.Alloc()
	if p.Packet(old) != nil {
		t.Fatal("stale handle must not resolve to the reused slot")
	}
	if p.Packet(fresh) == nil {
		t.Fatal("fresh handle should resolve")
	}
	if err := p.QueueOutbound(old, 0, 0); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("queue with stale handle: got %v", err)
	}
}

func TestQueuedHandleCannotBeFreed(t *testing.T) {
	p := New(2, 0)
	h, _ := p.Alloc()
	if err := p.QueueOutbound(h, 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := p.Free(h); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("free of queued handle: got %v", err)
	}
	got, ok := p.NextOutbound(0)
	if !ok || got != h {
		t.Fatal("queued packet not returned")
	}
	if err := p.Free(got); err != nil {
		t.Fatal(err)
	}
}

func TestOutboundReadyOrdering(t *testing.T) {
	const base = 1000
	p := New(8, 0)
	at := []uint64{base + 50, base + 10, base + 30}
	want := map[Handle]uint64{}
	for _, a := range at {
		h, _ := p.Alloc()
		want[h] = a
		if err := p.QueueOutbound(h, 1, a); err != nil {
			t.Fatal(err)
		}
	}

	if _, ok := p.NextOutbound(base); ok {
		t.Fatal("nothing should be ready before its scheduled time")
	}

	var order []uint64
	for now := uint64(base); now <= base+60; now++ {
		if h, ok := p.NextOutbound(now); ok {
			order = append(order, want[h])
			p.Free(h)
		}
	}
	if len(order) != 3 || order[0] != base+10 || order[1] != base+30 || order[2] != base+50 {
		t.Fatalf("order = %v", order)
	}
}

func TestOutboundPriorityAmongReady(t *testing.T) {
	p := New(8, 0)
	low, _ := p.Alloc()
	high, _ := p.Alloc()
	early, _ := p.Alloc()
	p.QueueOutbound(low, 3, 10)
	p.QueueOutbound(high, 0, 20)
	p.QueueOutbound(early, 3, 5)

	wantOrder := []Handle{high, early, low}
	for i, want := range wantOrder {
		got, ok := p.NextOutbound(100)
		if !ok || got != want {
			t.Fatalf("pick %d mismatch", i)
		}
	}
}

func TestQueueFullLeavesOwnership(t *testing.T) {
	p := New(4, 1)
	a, _ := p.Alloc()
	b, _ := p.Alloc()
	if err := p.QueueOutbound(a, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := p.QueueOutbound(b, 0, 0); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if err := p.Free(b); err != nil {
		t.Fatalf("caller should still own b: %v", err)
	}
	checkConservation(t, p)
}

func TestCancelOutbound(t *testing.T) {
	p := New(2, 0)
	h, _ := p.Alloc()
	p.QueueOutbound(h, 0, 500)
	if !p.CancelOutbound(h) {
		t.Fatal("cancel failed")
	}
	if p.OutboundCount() != 0 {
		t.Fatal("queue not empty after cancel")
	}
	if err := p.Free(h); err != nil {
		t.Fatal(err)
	}
}

func TestInboundFIFO(t *testing.T) {
	p := New(4, 0)
	a, _ := p.Alloc()
	b, _ := p.Alloc()
	p.QueueInbound(a, 10)
	p.QueueInbound(b, 10)
	if _, ok := p.NextInbound(9); ok {
		t.Fatal("inbound returned before due")
	}
	first, _ := p.NextInbound(10)
	second, _ := p.NextInbound(10)
	if first != a || second != b {
		t.Fatal("inbound is not FIFO")
	}
}

func TestConservationUnderRandomOps(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	p := New(16, 8)
	var held, queued []Handle
	for step := 0; step < 5000; step++ {
		switch rng.IntN(5) {
		case 0, 1:
			if h, ok := p.Alloc(); ok {
				held = append(held, h)
			}
		case 2:
			if len(held) > 0 {
				i := rng.IntN(len(held))
				if err := p.Free(held[i]); err != nil {
					t.Fatal(err)
				}
				held = append(held[:i], held[i+1:]...)
			}
		case 3:
			if len(held) > 0 {
				i := rng.IntN(len(held))
				if p.QueueOutbound(held[i], uint8(rng.IntN(4)), uint64(rng.IntN(100))) == nil {
					queued = append(queued, held[i])
					held = append(held[:i], held[i+1:]...)
				}
			}
		case 4:
			if h, ok := p.NextOutbound(uint64(step % 120)); ok {
				held = append(held, h)
				for i, q := range queued {
					if q == h {
						queued = append(queued[:i], queued[i+1:]...)
						break
					}
				}
			}
		}
		checkConservation(t, p)
		if len(held)+len(queued) != p.InFlight() {
			t.Fatalf("step %d: tracked %d handles, pool says %d in flight", step, len(held)+len(queued), p.InFlight())
		}
	}
}
