package mesh

import (
	"github.com/ripplebiz/MeshCore/internal/crypto"
	"github.com/ripplebiz/MeshCore/internal/protocol"
)

// PeerSecret is one candidate sender for a datagram: an application-defined
// peer index and the secret shared with that peer.
type PeerSecret struct {
	Index  int
	Secret [crypto.SecretSize]byte
}

// TraceInfo is a completed TRACE as seen by its final hop.
type TraceInfo struct {
	Tag    uint32
	Auth   uint32
	Flags  byte
	SNRs   []int8 // per hop, SNR x4
	Hashes []byte
}

// App is the role-specific layer above the engine (repeater, companion).
// Embed BaseApp to inherit no-op defaults and override what the role needs.
type App interface {
	// AllowPacketForward decides whether a packet may be relayed at all.
	AllowPacketForward(pkt *protocol.Packet) bool
	// TxDelayFactors scale the retransmit jitter for flood and direct relays.
	TxDelayFactors() (flood, direct float32)

	OnAdvertRecv(pkt *protocol.Packet, id crypto.PublicIdentity, timestamp uint32, appData []byte)
	OnAnonDataRecv(pkt *protocol.Packet, typ protocol.PayloadType, sender crypto.PublicIdentity, data []byte)

	// PeerSecrets lists every known peer whose identity hash matches.
	PeerSecrets(hash byte) []PeerSecret
	OnPeerDataRecv(pkt *protocol.Packet, typ protocol.PayloadType, peer int, secret [crypto.SecretSize]byte, data []byte)
	// OnPeerPathRecv stores a learned path. Returning true asks the engine
	// to send a reciprocal path back when the PATH arrived by flood.
	OnPeerPathRecv(pkt *protocol.Packet, peer int, secret [crypto.SecretSize]byte, path []byte, extraType protocol.PayloadType, extra []byte) bool

	OnAckRecv(pkt *protocol.Packet, ack uint32)

	ChannelsByHash(hash byte) []GroupChannel
	OnGroupDataRecv(pkt *protocol.Packet, typ protocol.PayloadType, ch GroupChannel, data []byte)

	OnTraceRecv(pkt *protocol.Packet, trace TraceInfo)
	OnRawDataRecv(pkt *protocol.Packet)
}

// BaseApp consumes nothing and forwards nothing.
type BaseApp struct{}

func (BaseApp) AllowPacketForward(*protocol.Packet) bool { return false }
func (BaseApp) TxDelayFactors() (float32, float32)        { return 0.5, 0 }

func (BaseApp) OnAdvertRecv(*protocol.Packet, crypto.PublicIdentity, uint32, []byte) {}

func (BaseApp) OnAnonDataRecv(*protocol.Packet, protocol.PayloadType, crypto.PublicIdentity, []byte) {
}

func (BaseApp) PeerSecrets(byte) []PeerSecret { return nil }

func (BaseApp) OnPeerDataRecv(*protocol.Packet, protocol.PayloadType, int, [crypto.SecretSize]byte, []byte) {
}

func (BaseApp) OnPeerPathRecv(*protocol.Packet, int, [crypto.SecretSize]byte, []byte, protocol.PayloadType, []byte) bool {
	return false
}

func (BaseApp) OnAckRecv(*protocol.Packet, uint32) {}

func (BaseApp) ChannelsByHash(byte) []GroupChannel { return nil }

func (BaseApp) OnGroupDataRecv(*protocol.Packet, protocol.PayloadType, GroupChannel, []byte) {}

func (BaseApp) OnTraceRecv(*protocol.Packet, TraceInfo) {}

func (BaseApp) OnRawDataRecv(*protocol.Packet) {}
