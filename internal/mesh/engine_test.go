package mesh

import (
	"bytes"
	"encoding/binary"
	"math/rand/v2"
	"testing"

	"github.com/ripplebiz/MeshCore/internal/clock"
	"github.com/ripplebiz/MeshCore/internal/crypto"
	"github.com/ripplebiz/MeshCore/internal/dispatch"
	"github.com/ripplebiz/MeshCore/internal/pool"
	"github.com/ripplebiz/MeshCore/internal/protocol"
	"github.com/ripplebiz/MeshCore/internal/radio"
)

type testApp struct {
	BaseApp
	forward bool

	peers    map[byte]PeerSecret
	channels []GroupChannel

	adverts []crypto.PublicIdentity
	anon    [][]byte
	anonIDs []crypto.PublicIdentity
	data    [][]byte
	paths   [][]byte
	extras  [][]byte
	acks    []uint32
	group   [][]byte
	traces  []TraceInfo
	raw     int
}

func (a *testApp) AllowPacketForward(*protocol.Packet) bool { return a.forward }
func (a *testApp) TxDelayFactors() (float32, float32)        { return 0.5, 0.2 }

func (a *testApp) OnAdvertRecv(_ *protocol.Packet, id crypto.PublicIdentity, _ uint32, _ []byte) {
	a.adverts = append(a.adverts, id)
}

func (a *testApp) OnAnonDataRecv(_ *protocol.Packet, _ protocol.PayloadType, sender crypto.PublicIdentity, data []byte) {
	a.anon = append(a.anon, data)
	a.anonIDs = append(a.anonIDs, sender)
}

func (a *testApp) PeerSecrets(hash byte) []PeerSecret {
	if p, ok := a.peers[hash]; ok {
		return []PeerSecret{p}
	}
	return nil
}

func (a *testApp) OnPeerDataRecv(_ *protocol.Packet, _ protocol.PayloadType, _ int, _ [crypto.SecretSize]byte, data []byte) {
	a.data = append(a.data, data)
}

func (a *testApp) OnPeerPathRecv(_ *protocol.Packet, _ int, _ [crypto.SecretSize]byte, path []byte, _ protocol.PayloadType, extra []byte) bool {
	a.paths = append(a.paths, append([]byte(nil), path...))
	a.extras = append(a.extras, append([]byte(nil), extra...))
	return false
}

func (a *testApp) OnAckRecv(_ *protocol.Packet, ack uint32) { a.acks = append(a.acks, ack) }

func (a *testApp) ChannelsByHash(hash byte) []GroupChannel {
	var out []GroupChannel
	for _, ch := range a.channels {
		if ch.Hash() == hash {
			out = append(out, ch)
		}
	}
	return out
}

func (a *testApp) OnGroupDataRecv(_ *protocol.Packet, _ protocol.PayloadType, _ GroupChannel, data []byte) {
	a.group = append(a.group, data)
}

func (a *testApp) OnTraceRecv(_ *protocol.Packet, tr TraceInfo) { a.traces = append(a.traces, tr) }

func (a *testApp) OnRawDataRecv(*protocol.Packet) { a.raw++ }

type testNode struct {
	radio *radio.SimRadio
	app   *testApp
	eng   *Engine
	keys  *crypto.KeyPair
}

// newNodes creates n nodes with distinct identity hashes on one medium.
func newNodes(t *testing.T, clk *clock.Manual, n int) []*testNode {
	t.Helper()
	med := radio.NewMedium(clk)
	used := map[byte]bool{}
	var nodes []*testNode
	for i := 0; i < n; i++ {
		var kp *crypto.KeyPair
		for kp == nil || used[kp.Hash()] {
			var err error
			if kp, err = crypto.GenerateKeyPair(); err != nil {
				t.Fatal(err)
			}
		}
		used[kp.Hash()] = true
		r := med.NewRadio(string(rune('A'+i)), radio.DefaultParams())
		if err := r.Begin(); err != nil {
			t.Fatal(err)
		}
		app := &testApp{forward: true, peers: map[byte]PeerSecret{}}
		eng := New(Config{
			Dispatch: dispatch.Config{
				Radio: r,
				Pool:  pool.New(16, 16),
				Clock: clk,
				Rand:  rand.New(rand.NewPCG(uint64(i)+1, 99)),
			},
			Self: kp,
			RTC:  clock.NewRTC(clk, 1_700_000_000),
		}, app)
		nodes = append(nodes, &testNode{radio: r, app: app, eng: eng, keys: kp})
	}
	return nodes
}

func link(nodes ...*testNode) {
	for i := 0; i+1 < len(nodes); i++ {
		nodes[0].radio.Medium().Link(nodes[i].radio, nodes[i+1].radio, 6)
	}
}

func runAll(clk *clock.Manual, ms int, nodes ...*testNode) {
	for i := 0; i < ms; i++ {
		for _, n := range nodes {
			n.eng.Loop()
		}
		clk.Advance(1)
	}
}

func decodeSent(t *testing.T, n *testNode) []protocol.Packet {
	t.Helper()
	var out []protocol.Packet
	for _, b := range n.radio.Sent() {
		var p protocol.Packet
		if err := protocol.Decode(b, &p); err != nil {
			t.Fatal(err)
		}
		out = append(out, p)
	}
	return out
}

func TestFloodAdvertAcrossThreeNodes(t *testing.T) {
	clk := clock.NewManual(0)
	nodes := newNodes(t, clk, 3)
	a, b, c := nodes[0], nodes[1], nodes[2]
	link(a, b, c) // A-B and B-C, A cannot hear C

	h, err := a.eng.CreateAdvert(AdvertData{Type: AdvTypeRepeater, Name: "alpha"}.Encode())
	if err != nil {
		t.Fatal(err)
	}
	a.eng.SendFlood(h, 0)
	runAll(clk, 30000, a, b, c)

	bSent := decodeSent(t, b)
	if len(bSent) != 1 {
		t.Fatalf("B sent %d frames, want 1", len(bSent))
	}
	if !bytes.Equal(bSent[0].PathBytes(), []byte{b.keys.Hash()}) {
		t.Fatalf("B relay path = %x", bSent[0].PathBytes())
	}
	cSent := decodeSent(t, c)
	if len(cSent) != 1 {
		t.Fatalf("C sent %d frames, want 1", len(cSent))
	}
	if !bytes.Equal(cSent[0].PathBytes(), []byte{b.keys.Hash(), c.keys.Hash()}) {
		t.Fatalf("C relay path = %x", cSent[0].PathBytes())
	}
	if len(a.radio.Sent()) != 1 {
		t.Fatal("A must not relay its own advert")
	}
	for _, n := range []*testNode{b, c} {
		if len(n.app.adverts) != 1 || n.app.adverts[0].EncPub != a.keys.EncPub {
			t.Fatalf("advert not delivered once: %d", len(n.app.adverts))
		}
	}

	// a second copy of B's transmission reaches C over another route
	dups := c.eng.Seen().FloodDups()
	c.radio.Inject(b.radio.Sent()[0], 3)
	runAll(clk, 10000, a, b, c)
	if len(c.radio.Sent()) != 1 {
		t.Fatal("duplicate was relayed again")
	}
	if c.eng.Seen().FloodDups() != dups+1 {
		t.Fatalf("flood dups %d, want %d", c.eng.Seen().FloodDups(), dups+1)
	}
	if len(c.app.adverts) != 1 {
		t.Fatal("duplicate delivered to the application")
	}
	for _, n := range nodes {
		if p := n.eng.Pool(); p.FreeCount() != p.Capacity() {
			t.Fatalf("%v leaked packets: %d free of %d", n.radio, p.FreeCount(), p.Capacity())
		}
	}
}

func ackFrame(t *testing.T, ack uint32) []byte {
	t.Helper()
	var p protocol.Packet
	p.SetHeader(protocol.RouteFlood, protocol.TypeAck)
	p.SetPayload(binary.LittleEndian.AppendUint32(nil, ack))
	b, _ := p.MarshalBinary()
	return b
}

func TestDedupIdempotence(t *testing.T) {
	clk := clock.NewManual(0)
	n := newNodes(t, clk, 1)[0]
	frame := ackFrame(t, 0xCAFEF00D)

	n.radio.Inject(frame, 5)
	n.radio.Inject(frame, 5)
	runAll(clk, 5000, n)

	if got := len(n.radio.Sent()); got != 1 {
		t.Fatalf("forwarded %d times, want 1", got)
	}
	if n.eng.Seen().FloodDups() != 1 {
		t.Fatalf("flood dups = %d", n.eng.Seen().FloodDups())
	}
	if len(n.app.acks) != 1 || n.app.acks[0] != 0xCAFEF00D {
		t.Fatalf("acks %v", n.app.acks)
	}
}

func TestRetransmitJitterBound(t *testing.T) {
	clk := clock.NewManual(0)
	r := radio.NewMedium(clk).NewRadio("x", radio.DefaultParams())
	rng := rand.New(rand.NewPCG(42, 7))

	var pkt protocol.Packet
	pkt.SetHeader(protocol.RouteFlood, protocol.TypeTxtMsg)
	pkt.SetPath([]byte{1, 2, 3})
	pkt.SetPayload(make([]byte, 50))

	limit := uint32(float32(6*r.EstAirtimeFor(55)) * 0.5)
	seen := map[uint32]bool{}
	for i := 0; i < 1000; i++ {
		d := RetransmitDelay(r, rng, &pkt, 0.5)
		if d > limit {
			t.Fatalf("delay %d exceeds %d", d, limit)
		}
		seen[d] = true
	}
	if len(seen) < 2 {
		t.Fatal("retransmit delay is not jittered")
	}
}

func TestForwardEligibility(t *testing.T) {
	clk := clock.NewManual(0)
	n := newNodes(t, clk, 1)[0]

	var full protocol.Packet
	full.SetHeader(protocol.RouteFlood, protocol.TypeAck)
	full.SetPayload([]byte{1, 2, 3, 4})
	full.SetPath(make([]byte, protocol.MaxPathSize))
	if act := n.eng.OnRecvPacket(pool.Handle{}, &full); act.Kind != dispatch.KindRelease {
		t.Fatalf("packet at max hops got %v", act)
	}

	n.app.forward = false
	var p protocol.Packet
	p.SetHeader(protocol.RouteFlood, protocol.TypeAck)
	p.SetPayload([]byte{5, 6, 7, 8})
	if act := n.eng.OnRecvPacket(pool.Handle{}, &p); act.Kind != dispatch.KindRelease {
		t.Fatalf("forwarding disabled but got %v", act)
	}
}

func TestDirectForwarding(t *testing.T) {
	clk := clock.NewManual(0)
	n := newNodes(t, clk, 1)[0]
	self := n.keys.Hash()
	other := self ^ 0x5A

	var p protocol.Packet
	p.SetHeader(protocol.RouteDirect, protocol.TypeTxtMsg)
	p.SetPayload([]byte("sealed-ish"))
	p.SetPath([]byte{self, other})
	act := n.eng.OnRecvPacket(pool.Handle{}, &p)
	if act.Kind != dispatch.KindRetransmit || act.Priority != 0 {
		t.Fatalf("expected direct relay, got %v", act)
	}
	if !bytes.Equal(p.PathBytes(), []byte{other}) {
		t.Fatalf("self not removed from path: %x", p.PathBytes())
	}

	var q protocol.Packet
	q.SetHeader(protocol.RouteDirect, protocol.TypeTxtMsg)
	q.SetPayload([]byte("not ours"))
	q.SetPath([]byte{other, self})
	if act := n.eng.OnRecvPacket(pool.Handle{}, &q); act.Kind != dispatch.KindRelease {
		t.Fatalf("packet for another hop got %v", act)
	}

	// the same direct packet again is a duplicate
	p.SetPath([]byte{self, other})
	if act := n.eng.OnRecvPacket(pool.Handle{}, &p); act.Kind != dispatch.KindRelease {
		t.Fatalf("direct duplicate got %v", act)
	}
	if n.eng.Seen().DirectDups() != 1 {
		t.Fatalf("direct dups = %d", n.eng.Seen().DirectDups())
	}
}

func TestAnonRequestAndPathReturn(t *testing.T) {
	clk := clock.NewManual(0)
	nodes := newNodes(t, clk, 2)
	client, server := nodes[0], nodes[1]
	link(client, server)

	secret, err := client.keys.SharedSecret(server.keys.EncPub)
	if err != nil {
		t.Fatal(err)
	}
	client.app.peers[server.keys.Hash()] = PeerSecret{Index: 7, Secret: secret}

	h, err := client.eng.CreateAnonDatagram(protocol.TypeAnonReq, server.keys.Identity(), []byte("login-blob"))
	if err != nil {
		t.Fatal(err)
	}
	client.eng.SendFlood(h, 0)
	runAll(clk, 5000, client, server)

	if len(server.app.anon) != 1 || string(server.app.anon[0]) != "login-blob" {
		t.Fatalf("server anon data %q", server.app.anon)
	}
	if server.app.anonIDs[0].EncPub != client.keys.EncPub {
		t.Fatal("sender identity not recovered")
	}
	if len(server.radio.Sent()) != 0 {
		t.Fatal("consumed request must not be relayed")
	}

	srvSecret, _ := server.keys.SharedSecret(client.keys.EncPub)
	h, err = server.eng.CreatePathReturn(client.keys.Hash(), srvSecret, []byte{0x42}, protocol.TypeResponse, []byte("welcome"))
	if err != nil {
		t.Fatal(err)
	}
	server.eng.SendFlood(h, 0)
	runAll(clk, 5000, client, server)

	if len(client.app.paths) != 1 {
		t.Fatalf("client got %d paths", len(client.app.paths))
	}
	if !bytes.Equal(client.app.paths[0], []byte{0x42}) || string(client.app.extras[0]) != "welcome" {
		t.Fatalf("path %x extra %q", client.app.paths[0], client.app.extras[0])
	}
}

func TestDatagramUnknownPeerIgnored(t *testing.T) {
	clk := clock.NewManual(0)
	nodes := newNodes(t, clk, 2)
	a, b := nodes[0], nodes[1]
	link(a, b)

	secret, _ := a.keys.SharedSecret(b.keys.EncPub)
	h, err := a.eng.CreateDatagram(protocol.TypeReq, b.keys.Hash(), secret, []byte("req"))
	if err != nil {
		t.Fatal(err)
	}
	a.eng.SendFlood(h, 0)
	runAll(clk, 5000, a, b)
	if len(b.app.data) != 0 {
		t.Fatal("datagram from unknown peer delivered")
	}

	b.app.peers[a.keys.Hash()] = PeerSecret{Index: 1, Secret: secret}
	h, _ = a.eng.CreateDatagram(protocol.TypeReq, b.keys.Hash(), secret, []byte("req2"))
	a.eng.SendFlood(h, 0)
	runAll(clk, 5000, a, b)
	if len(b.app.data) != 1 || string(b.app.data[0]) != "req2" {
		t.Fatalf("data %q", b.app.data)
	}
}

func TestGroupMessage(t *testing.T) {
	clk := clock.NewManual(0)
	nodes := newNodes(t, clk, 2)
	a, b := nodes[0], nodes[1]
	link(a, b)
	ch := NewGroupChannel("public", "public-psk")
	b.app.channels = []GroupChannel{NewGroupChannel("other", "nope"), ch}

	h, err := a.eng.CreateGroupDatagram(protocol.TypeGrpTxt, ch, []byte("hello all"))
	if err != nil {
		t.Fatal(err)
	}
	a.eng.SendFlood(h, 0)
	runAll(clk, 5000, a, b)
	if len(b.app.group) != 1 || string(b.app.group[0]) != "hello all" {
		t.Fatalf("group %q", b.app.group)
	}
}

func TestTraceRoundTrip(t *testing.T) {
	clk := clock.NewManual(0)
	nodes := newNodes(t, clk, 2)
	a, b := nodes[0], nodes[1]
	link(a, b)

	h, err := a.eng.CreateTrace(0x01020304, 0, 0, []byte{b.keys.Hash()})
	if err != nil {
		t.Fatal(err)
	}
	a.eng.SendZeroHop(h, 0)
	runAll(clk, 5000, a, b)

	if len(a.app.traces) != 1 {
		t.Fatalf("trace completions at origin: %d", len(a.app.traces))
	}
	tr := a.app.traces[0]
	if tr.Tag != 0x01020304 || len(tr.SNRs) != 1 || tr.SNRs[0] != 6*4 {
		t.Fatalf("trace %+v", tr)
	}
}

func TestRawDataOnlyWhenDirect(t *testing.T) {
	clk := clock.NewManual(0)
	n := newNodes(t, clk, 1)[0]
	var p protocol.Packet
	p.SetHeader(protocol.RouteFlood, protocol.TypeRawCustom)
	p.SetPayload([]byte{1})
	n.eng.OnRecvPacket(pool.Handle{}, &p)
	p.SetHeader(protocol.RouteDirect, protocol.TypeRawCustom)
	p.SetPayload([]byte{2})
	n.eng.OnRecvPacket(pool.Handle{}, &p)
	if n.app.raw != 1 {
		t.Fatalf("raw deliveries = %d", n.app.raw)
	}
}

func TestTamperedAdvertDropped(t *testing.T) {
	clk := clock.NewManual(0)
	nodes := newNodes(t, clk, 2)
	a, b := nodes[0], nodes[1]

	h, err := a.eng.CreateAdvert(AdvertData{Type: AdvTypeChat, Name: "mallory"}.Encode())
	if err != nil {
		t.Fatal(err)
	}
	pkt := a.eng.Pool().Packet(h)
	pkt.SetRoute(protocol.RouteFlood)
	pkt.Payload[pkt.PayloadLen-1] ^= 0x20
	if act := b.eng.OnRecvPacket(pool.Handle{}, pkt); act.Kind != dispatch.KindRelease {
		t.Fatalf("tampered advert got %v", act)
	}
	if len(b.app.adverts) != 0 {
		t.Fatal("tampered advert delivered")
	}
}

func TestAdvertDataEncoding(t *testing.T) {
	in := AdvertData{Type: AdvTypeRepeater, Name: "hilltop", HasLoc: true, Lat: -33.8688, Lon: 151.2093}
	out, err := ParseAdvertData(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("got %+v", out)
	}
	long := AdvertData{Type: AdvTypeChat, Name: "a-very-long-node-name-that-will-not-fit"}
	if n := len(long.Encode()); n > MaxAdvertData {
		t.Fatalf("encoded %d bytes", n)
	}
}

func TestBuildersRejectOversizedData(t *testing.T) {
	clk := clock.NewManual(0)
	n := newNodes(t, clk, 1)[0]
	var secret [crypto.SecretSize]byte
	if _, err := n.eng.CreateDatagram(protocol.TypeTxtMsg, 1, secret, make([]byte, MaxDatagramData+1)); err != ErrDataTooLong {
		t.Fatalf("expected ErrDataTooLong, got %v", err)
	}
	if _, err := n.eng.CreateDatagram(protocol.TypeTxtMsg, 1, secret, make([]byte, MaxDatagramData)); err != nil {
		t.Fatalf("max size datagram: %v", err)
	}
}
