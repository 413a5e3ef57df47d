// Package bridge relays mesh packets across an IP network in signed UDP
// envelopes. Heard or transmitted packets are mirrored out; envelopes from
// other bridges are injected into the local mesh.
//
// Packets that entered through a bridge are never mirrored back out, so two
// bridged segments cannot ping-pong a packet between them.
package bridge

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"net"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ripplebiz/MeshCore/internal/clock"
	"github.com/ripplebiz/MeshCore/internal/crypto"
	"github.com/ripplebiz/MeshCore/internal/pool"
	"github.com/ripplebiz/MeshCore/internal/protocol"
	"github.com/ripplebiz/MeshCore/internal/radio"
)

// InboundBufferSize bounds datagrams waiting for the node loop.
const InboundBufferSize = 10

// Mode selects which directions are bridged.
type Mode uint8

const (
	ModeRX      Mode = 1 << iota // mirror every packet heard on the radio
	ModeTX                       // mirror every packet we transmit
	ModeNetwork                  // inject envelopes from the network
)

// ParseMode reads a list like "rx,tx,network".
func ParseMode(s string) (Mode, error) {
	var m Mode
	for _, f := range strings.Split(s, ",") {
		switch strings.TrimSpace(f) {
		case "":
		case "rx":
			m |= ModeRX
		case "tx":
			m |= ModeTX
		case "network":
			m |= ModeNetwork
		default:
			return 0, fmt.Errorf("bridge: unknown mode %q", f)
		}
	}
	return m, nil
}

// Mesh is the part of the dispatcher the bridge uses.
type Mesh interface {
	ObtainNewPacket() (pool.Handle, *protocol.Packet, bool)
	ReleasePacket(h pool.Handle)
	Inject(h pool.Handle)
	Radio() radio.Radio
}

type Config struct {
	Listen  string
	Peers   []string
	Mode    Mode
	Layout  Layout
	Keys    *crypto.KeyPair
	Trusted []ed25519.PublicKey // empty accepts any correctly signed sender
	RTC     *clock.RTC          // optional envelope timestamp source
	Log     *zap.Logger
}

type Stats struct {
	Sent     uint32
	Received uint32
	Injected uint32
	Rejected uint32
	Dropped  uint32
}

type Bridge struct {
	cfg   Config
	mesh  Mesh
	log   *zap.Logger
	conn  *net.UDPConn
	peers []*net.UDPAddr

	inbound  chan []byte
	received atomic.Uint32
	dropped  atomic.Uint32

	sent, injected, rejected uint32
}

func New(cfg Config, m Mesh) *Bridge {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Layout.Version == 0 {
		cfg.Layout = DefaultLayout()
	}
	return &Bridge{
		cfg:     cfg,
		mesh:    m,
		log:     cfg.Log.Named("bridge"),
		inbound: make(chan []byte, InboundBufferSize),
	}
}

// Start opens the UDP socket and begins receiving.
func (b *Bridge) Start() error {
	laddr, err := net.ResolveUDPAddr("udp", b.cfg.Listen)
	if err != nil {
		return fmt.Errorf("bridge: listen address: %w", err)
	}
	for _, p := range b.cfg.Peers {
		addr, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			return fmt.Errorf("bridge: peer %q: %w", p, err)
		}
		b.peers = append(b.peers, addr)
	}
	if b.conn, err = net.ListenUDP("udp", laddr); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	go b.readLoop()
	b.log.Info("bridge up", zap.Stringer("addr", b.conn.LocalAddr()), zap.Int("peers", len(b.peers)))
	return nil
}

// Addr is the bound local address, valid after Start.
func (b *Bridge) Addr() net.Addr { return b.conn.LocalAddr() }

func (b *Bridge) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

func (b *Bridge) Stats() Stats {
	return Stats{
		Sent:     b.sent,
		Received: b.received.Load(),
		Injected: b.injected,
		Rejected: b.rejected,
		Dropped:  b.dropped.Load(),
	}
}

func (b *Bridge) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, _, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		b.received.Add(1)
		dgram := make([]byte, n)
		copy(dgram, buf[:n])
		select {
		case b.inbound <- dgram:
		default:
			b.dropped.Add(1)
		}
	}
}

// Poll handles at most one waiting datagram. It must run on the node loop.
func (b *Bridge) Poll() bool {
	var dgram []byte
	select {
	case dgram = <-b.inbound:
	default:
		return false
	}
	if b.cfg.Mode&ModeNetwork == 0 {
		return true
	}

	env, err := b.cfg.Layout.Decode(dgram)
	if err == nil {
		err = b.checkSender(env.Sender)
	}
	if err != nil {
		b.rejected++
		b.log.Debug("envelope rejected", zap.Error(err))
		return true
	}

	h, pkt, ok := b.mesh.ObtainNewPacket()
	if !ok {
		return true
	}
	if err := protocol.Decode(env.Inner, pkt); err != nil {
		b.rejected++
		b.log.Debug("bad inner packet", zap.Error(err))
		b.mesh.ReleasePacket(h)
		return true
	}
	pkt.Source = protocol.SourceBridge
	pkt.SNR, pkt.RSSI = env.SNR, float32(env.RSSI)
	b.injected++
	b.mesh.Inject(h)
	return true
}

func (b *Bridge) checkSender(key ed25519.PublicKey) error {
	if b.cfg.Keys != nil && bytes.Equal(key, b.cfg.Keys.SignPub) {
		return fmt.Errorf("%w: own envelope", ErrUntrusted)
	}
	if len(b.cfg.Trusted) == 0 {
		return nil
	}
	for _, k := range b.cfg.Trusted {
		if k.Equal(key) {
			return nil
		}
	}
	return ErrUntrusted
}

// dispatch.Observer

func (b *Bridge) LogRx(pkt *protocol.Packet, _ int, _ float32) {
	if b.cfg.Mode&ModeRX != 0 {
		b.mirror(pkt)
	}
}

func (b *Bridge) LogTx(pkt *protocol.Packet, _ int) {
	if b.cfg.Mode&ModeTX != 0 {
		b.mirror(pkt)
	}
}

func (b *Bridge) LogTxFail(*protocol.Packet, int) {}

func (b *Bridge) mirror(pkt *protocol.Packet) {
	if pkt.Source == protocol.SourceBridge || b.conn == nil || len(b.peers) == 0 {
		return
	}
	inner, _ := pkt.MarshalBinary()
	env := Envelope{
		RSSI:  int16(pkt.RSSI),
		SNR:   pkt.SNR,
		Inner: inner,
	}
	if c, ok := b.mesh.Radio().(radio.Configurable); ok {
		p := c.Params()
		env.FreqMHz, env.BandwidthKHz, env.SF = p.FreqMHz, p.BandwidthKHz, p.SF
	}
	if b.cfg.RTC != nil {
		env.Timestamp = b.cfg.RTC.Now()
	}
	out, err := b.cfg.Layout.Encode(env, b.cfg.Keys)
	if err != nil {
		b.log.Debug("envelope not built", zap.Error(err))
		return
	}
	for _, addr := range b.peers {
		if _, err := b.conn.WriteToUDP(out, addr); err != nil {
			b.log.Debug("send failed", zap.Stringer("peer", addr), zap.Error(err))
		}
	}
	b.sent++
}
