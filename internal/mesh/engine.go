// Package mesh is the flood/direct routing engine built on the dispatcher.
//
// Every received packet is interpreted by payload type, checked against the
// seen table, and then either consumed, relayed, or both:
//
//   - direct packets carry an explicit path; a node relays one only when it
//     is the first hop left in the path, removing itself before resending.
//   - flood packets carry the path they have travelled; each relay appends
//     its own hash and resends after a random multiple of the packet's
//     airtime, so neighbours that heard the same packet rarely collide.
//
// Replies to a flood-received request go back as a PATH that also carries
// the reply, so the requester learns a direct route without another round
// trip.
package mesh

import (
	"encoding/binary"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/ripplebiz/MeshCore/internal/clock"
	"github.com/ripplebiz/MeshCore/internal/crypto"
	"github.com/ripplebiz/MeshCore/internal/dispatch"
	"github.com/ripplebiz/MeshCore/internal/pool"
	"github.com/ripplebiz/MeshCore/internal/protocol"
	"github.com/ripplebiz/MeshCore/internal/radio"
	"github.com/ripplebiz/MeshCore/internal/seen"
)

const (
	priTrace          = 5
	reciprocalPathDly = 500
)

// Config configures an Engine.
type Config struct {
	Dispatch dispatch.Config
	Self     *crypto.KeyPair
	RTC      *clock.RTC
	Seen     *seen.Table // defaults to a DefaultSize table
}

// Engine is a Dispatcher plus the mesh routing rules.
type Engine struct {
	*dispatch.Dispatcher

	self *crypto.KeyPair
	rtc  *clock.RTC
	seen *seen.Table
	app  App
	log  *zap.Logger
}

// New creates an engine that reports to app.
func New(cfg Config, app App) *Engine {
	if cfg.Dispatch.Log == nil {
		cfg.Dispatch.Log = zap.NewNop()
	}
	if cfg.Seen == nil {
		cfg.Seen = seen.New(cfg.Dispatch.Clock, seen.DefaultSize, seen.DefaultMaxAge)
	}
	if cfg.RTC == nil {
		cfg.RTC = clock.NewRTC(cfg.Dispatch.Clock, 0)
	}
	e := &Engine{
		self: cfg.Self,
		rtc:  cfg.RTC,
		seen: cfg.Seen,
		app:  app,
		log:  cfg.Dispatch.Log,
	}
	e.Dispatcher = dispatch.New(cfg.Dispatch, e)
	return e
}

func (e *Engine) Self() *crypto.KeyPair { return e.self }
func (e *Engine) RTC() *clock.RTC       { return e.rtc }
func (e *Engine) Seen() *seen.Table     { return e.seen }

// RetransmitDelay is the relay jitter for pkt: a uniformly random multiple
// in [0,5] of the packet's airtime scaled by factor.
func RetransmitDelay(r radio.Radio, rng *rand.Rand, pkt *protocol.Packet, factor float32) uint32 {
	t := uint32(float32(r.EstAirtimeFor(int(pkt.PathLen)+int(pkt.PayloadLen)+2)) * factor)
	return uint32(rng.IntN(6)) * t
}

func (e *Engine) floodDelay(pkt *protocol.Packet) uint32 {
	f, _ := e.app.TxDelayFactors()
	return RetransmitDelay(e.Radio(), e.RNG(), pkt, f)
}

func (e *Engine) directDelay(pkt *protocol.Packet) uint32 {
	_, f := e.app.TxDelayFactors()
	return RetransmitDelay(e.Radio(), e.RNG(), pkt, f)
}

// OnRecvPacket implements dispatch.Handler.
func (e *Engine) OnRecvPacket(_ pool.Handle, pkt *protocol.Packet) dispatch.Action {
	if pkt.PayloadVersion() != 0 {
		return dispatch.Release()
	}
	if pkt.IsDirect() && pkt.PayloadType() == protocol.TypeTrace {
		return e.recvTrace(pkt)
	}
	if pkt.IsDirect() && pkt.PathLen > 0 {
		if pkt.Path[0] == e.self.Hash() && e.app.AllowPacketForward(pkt) && !e.seen.HasSeen(pkt) {
			pkt.PopPathFront()
			return dispatch.Retransmit(0, e.directDelay(pkt))
		}
		return dispatch.Release()
	}
	if e.seen.HasSeen(pkt) {
		return dispatch.Release()
	}

	payload := pkt.PayloadBytes()
	switch typ := pkt.PayloadType(); typ {
	case protocol.TypeAck:
		if len(payload) < 4 {
			return dispatch.Release()
		}
		e.app.OnAckRecv(pkt, binary.LittleEndian.Uint32(payload))

	case protocol.TypePath, protocol.TypeReq, protocol.TypeResponse, protocol.TypeTxtMsg:
		if len(payload) <= 2+crypto.SealOverhead {
			e.log.Debug("mesh: incomplete datagram", zap.Stringer("type", typ))
			return dispatch.Release()
		}
		if payload[0] == e.self.Hash() && e.recvPeerDatagram(pkt, typ, payload[1], payload[2:]) {
			pkt.MarkDoNotRetransmit()
		}

	case protocol.TypeAnonReq:
		if len(payload) <= 1+crypto.PubKeySize+crypto.SealOverhead {
			return dispatch.Release()
		}
		if payload[0] == e.self.Hash() {
			var sender crypto.PublicIdentity
			copy(sender.EncPub[:], payload[1:1+crypto.PubKeySize])
			secret, err := e.self.SharedSecret(sender.EncPub)
			if err == nil {
				if data, err := crypto.Open(secret, payload[1+crypto.PubKeySize:]); err == nil {
					e.app.OnAnonDataRecv(pkt, typ, sender, data)
					pkt.MarkDoNotRetransmit()
				}
			}
		}

	case protocol.TypeGrpTxt, protocol.TypeGrpData:
		if len(payload) <= 1+crypto.SealOverhead {
			return dispatch.Release()
		}
		for _, ch := range e.app.ChannelsByHash(payload[0]) {
			if data, err := crypto.Open(ch.Secret, payload[1:]); err == nil {
				e.app.OnGroupDataRecv(pkt, typ, ch, data)
				break
			}
		}

	case protocol.TypeAdvert:
		id, ts, appData, err := parseAdvert(payload)
		if err != nil {
			e.log.Debug("mesh: dropping advert", zap.Error(err))
			return dispatch.Release()
		}
		if id.EncPub == e.self.EncPub {
			return dispatch.Release()
		}
		e.app.OnAdvertRecv(pkt, id, ts, appData)

	case protocol.TypeRawCustom:
		if pkt.IsDirect() {
			e.app.OnRawDataRecv(pkt)
		}
		return dispatch.Release()
	}
	return e.route(pkt)
}

// recvPeerDatagram tries every peer matching srcHash; the first secret
// whose tag verifies identifies the sender.
func (e *Engine) recvPeerDatagram(pkt *protocol.Packet, typ protocol.PayloadType, srcHash byte, sealed []byte) bool {
	for _, peer := range e.app.PeerSecrets(srcHash) {
		data, err := crypto.Open(peer.Secret, sealed)
		if err != nil {
			continue
		}
		if typ != protocol.TypePath {
			e.app.OnPeerDataRecv(pkt, typ, peer.Index, peer.Secret, data)
			return true
		}
		path, extraType, extra, ok := parsePathData(data)
		if !ok {
			return true
		}
		if e.app.OnPeerPathRecv(pkt, peer.Index, peer.Secret, path, extraType, extra) && pkt.IsFlood() {
			h, err := e.CreatePathReturn(srcHash, peer.Secret, pkt.PathBytes(), 0, nil)
			if err == nil {
				e.SendDirect(h, path, reciprocalPathDly)
			}
		}
		return true
	}
	return false
}

func (e *Engine) recvTrace(pkt *protocol.Packet) dispatch.Action {
	if int(pkt.PathLen) >= protocol.MaxPathSize || e.seen.HasSeen(pkt) {
		return dispatch.Release()
	}
	trace, hashSize, err := parseTrace(pkt.PayloadBytes())
	if err != nil {
		return dispatch.Release()
	}
	offset := int(pkt.PathLen) * hashSize
	if offset >= len(trace.Hashes) {
		trace.SNRs = make([]int8, pkt.PathLen)
		for i, b := range pkt.PathBytes() {
			trace.SNRs[i] = int8(b)
		}
		e.app.OnTraceRecv(pkt, trace)
		return dispatch.Release()
	}
	if offset+hashSize > len(trace.Hashes) || hashSize > crypto.PubKeySize {
		return dispatch.Release()
	}
	for i, b := range trace.Hashes[offset : offset+hashSize] {
		if e.self.EncPub[i] != b {
			return dispatch.Release()
		}
	}
	if !e.app.AllowPacketForward(pkt) {
		return dispatch.Release()
	}
	pkt.AppendPath(byte(int8(pkt.SNR * 4)))
	return dispatch.Retransmit(priTrace, e.directDelay(pkt))
}

// route decides whether a flood packet is relayed after local processing.
func (e *Engine) route(pkt *protocol.Packet) dispatch.Action {
	if pkt.IsFlood() && !pkt.IsMarkedDoNotRetransmit() &&
		int(pkt.PathLen) < protocol.MaxPathSize && e.app.AllowPacketForward(pkt) {
		pkt.AppendPath(e.self.Hash())
		// farther sources get lower priority
		return dispatch.Retransmit(pkt.PathLen, e.floodDelay(pkt))
	}
	return dispatch.Release()
}

func floodPriority(typ protocol.PayloadType) uint8 {
	switch typ {
	case protocol.TypePath:
		return 2
	case protocol.TypeAdvert:
		return 3
	}
	return 1
}

// SendFlood sends a locally built packet to everyone within flood range.
func (e *Engine) SendFlood(h pool.Handle, delay uint32) {
	pkt := e.Pool().Packet(h)
	if pkt == nil {
		return
	}
	pkt.SetRoute(protocol.RouteFlood)
	pkt.PathLen = 0
	e.seen.Add(pkt.Hash())
	e.SendPacket(h, floodPriority(pkt.PayloadType()), delay)
}

// SendDirect sends along path, a list of relay hashes.
func (e *Engine) SendDirect(h pool.Handle, path []byte, delay uint32) {
	pkt := e.Pool().Packet(h)
	if pkt == nil {
		return
	}
	pkt.SetRoute(protocol.RouteDirect)
	if err := pkt.SetPath(path); err != nil {
		e.ReleasePacket(h)
		return
	}
	e.seen.Add(pkt.Hash())
	e.SendPacket(h, 0, delay)
}

// SendZeroHop sends to immediate neighbours only.
func (e *Engine) SendZeroHop(h pool.Handle, delay uint32) {
	e.SendDirect(h, nil, delay)
}
