package mesh

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"math"

	"github.com/ripplebiz/MeshCore/internal/crypto"
	"github.com/ripplebiz/MeshCore/internal/pool"
	"github.com/ripplebiz/MeshCore/internal/protocol"
)

const (
	advertHeaderSize = ed25519.PublicKeySize + crypto.PubKeySize + 4 + crypto.SignatureSize

	// MaxAdvertData bounds the application data carried in an advert.
	MaxAdvertData = 32

	// MaxDatagramData is the largest plaintext a peer datagram can carry.
	MaxDatagramData = protocol.MaxPayload - 2 - crypto.SealOverhead
	// MaxAnonData is the largest plaintext an anonymous request can carry.
	MaxAnonData = protocol.MaxPayload - 1 - crypto.PubKeySize - crypto.SealOverhead
	// MaxGroupData is the largest plaintext a group datagram can carry.
	MaxGroupData = protocol.MaxPayload - 1 - crypto.SealOverhead

	traceHeaderSize = 9

	// pathFiller marks a PATH with no piggy-backed payload.
	pathFiller protocol.PayloadType = 0xFF
)

var (
	ErrPoolExhausted = errors.New("mesh: packet pool exhausted")
	ErrDataTooLong   = errors.New("mesh: data too long for one packet")
	ErrBadAdvert     = errors.New("mesh: malformed advert")
	ErrBadTrace      = errors.New("mesh: malformed trace")
)

// Advert types, in the low nibble of the app data flags.
const (
	AdvTypeNone     byte = 0
	AdvTypeChat     byte = 1
	AdvTypeRepeater byte = 2
	AdvTypeRoom     byte = 3

	advLatLonMask byte = 0x10
	advNameMask   byte = 0x80
)

// AdvertData is the application part of an advert: what the node is and
// what it is called.
type AdvertData struct {
	Type   byte
	Name   string
	HasLoc bool
	Lat    float64
	Lon    float64
}

// Encode serialises a. Names are truncated to fit MaxAdvertData.
func (a AdvertData) Encode() []byte {
	out := make([]byte, 1, MaxAdvertData)
	out[0] = a.Type & 0x0F
	if a.HasLoc {
		out[0] |= advLatLonMask
		out = binary.LittleEndian.AppendUint32(out, uint32(int32(math.Round(a.Lat*1e6))))
		out = binary.LittleEndian.AppendUint32(out, uint32(int32(math.Round(a.Lon*1e6))))
	}
	if a.Name != "" {
		out[0] |= advNameMask
		name := a.Name
		if room := MaxAdvertData - len(out); len(name) > room {
			name = name[:room]
		}
		out = append(out, name...)
	}
	return out
}

// ParseAdvertData is the inverse of Encode.
func ParseAdvertData(b []byte) (AdvertData, error) {
	var a AdvertData
	if len(b) == 0 {
		return a, nil
	}
	flags := b[0]
	a.Type = flags & 0x0F
	i := 1
	if flags&advLatLonMask != 0 {
		if len(b) < i+8 {
			return a, ErrBadAdvert
		}
		a.HasLoc = true
		a.Lat = float64(int32(binary.LittleEndian.Uint32(b[i:]))) / 1e6
		a.Lon = float64(int32(binary.LittleEndian.Uint32(b[i+4:]))) / 1e6
		i += 8
	}
	if flags&advNameMask != 0 {
		a.Name = string(b[i:])
	}
	return a, nil
}

// GroupChannel is a pre-shared secret for group messages.
type GroupChannel struct {
	Name   string
	Secret [crypto.SecretSize]byte
}

// NewGroupChannel derives a channel from a passphrase.
func NewGroupChannel(name, passphrase string) GroupChannel {
	return GroupChannel{Name: name, Secret: crypto.ChannelSecret(passphrase)}
}

// Hash is the one-byte channel identifier carried in group datagrams.
func (g GroupChannel) Hash() byte { return crypto.ChannelHash(g.Secret) }

func (e *Engine) obtain(typ protocol.PayloadType) (pool.Handle, *protocol.Packet, error) {
	h, pkt, ok := e.ObtainNewPacket()
	if !ok {
		return pool.Handle{}, nil, ErrPoolExhausted
	}
	// route is set by the Send* call
	pkt.SetHeader(protocol.RouteFlood, typ)
	return h, pkt, nil
}

func (e *Engine) finish(h pool.Handle, pkt *protocol.Packet, payload []byte) (pool.Handle, error) {
	if err := pkt.SetPayload(payload); err != nil {
		e.ReleasePacket(h)
		return pool.Handle{}, ErrDataTooLong
	}
	return h, nil
}

// CreateAdvert builds a signed self-advertisement.
func (e *Engine) CreateAdvert(appData []byte) (pool.Handle, error) {
	if len(appData) > MaxAdvertData {
		return pool.Handle{}, ErrDataTooLong
	}
	h, pkt, err := e.obtain(protocol.TypeAdvert)
	if err != nil {
		return h, err
	}
	buf := make([]byte, 0, advertHeaderSize+len(appData))
	buf = append(buf, e.self.SignPub...)
	buf = append(buf, e.self.EncPub[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, e.rtc.Unique())

	signed := make([]byte, 0, len(buf)+len(appData))
	signed = append(signed, buf...)
	signed = append(signed, appData...)

	buf = append(buf, e.self.Sign(signed)...)
	buf = append(buf, appData...)
	return e.finish(h, pkt, buf)
}

func parseAdvert(b []byte) (id crypto.PublicIdentity, ts uint32, appData []byte, err error) {
	if len(b) < advertHeaderSize || len(b) > advertHeaderSize+MaxAdvertData {
		return id, 0, nil, ErrBadAdvert
	}
	i := 0
	id.SignPub = ed25519.PublicKey(append([]byte(nil), b[i:i+ed25519.PublicKeySize]...))
	i += ed25519.PublicKeySize
	copy(id.EncPub[:], b[i:i+crypto.PubKeySize])
	i += crypto.PubKeySize
	ts = binary.LittleEndian.Uint32(b[i:])
	i += 4
	sig := b[i : i+crypto.SignatureSize]
	appData = b[i+crypto.SignatureSize:]

	signed := make([]byte, 0, i+len(appData))
	signed = append(signed, b[:i]...)
	signed = append(signed, appData...)
	if !id.Verify(signed, sig) {
		return id, 0, nil, crypto.ErrInvalidSignature
	}
	return id, ts, appData, nil
}

// CreateDatagram seals data for the peer whose identity hash is destHash.
// typ is one of REQ, RESPONSE or TXT_MSG.
func (e *Engine) CreateDatagram(typ protocol.PayloadType, destHash byte, secret [crypto.SecretSize]byte, data []byte) (pool.Handle, error) {
	if len(data) > MaxDatagramData {
		return pool.Handle{}, ErrDataTooLong
	}
	sealed, err := crypto.Seal(secret, data)
	if err != nil {
		return pool.Handle{}, err
	}
	h, pkt, err := e.obtain(typ)
	if err != nil {
		return h, err
	}
	payload := append([]byte{destHash, e.self.Hash()}, sealed...)
	return e.finish(h, pkt, payload)
}

// CreateAnonDatagram carries the sender's public key in the clear so an
// unknown peer can derive the shared secret (used for login).
func (e *Engine) CreateAnonDatagram(typ protocol.PayloadType, dest crypto.PublicIdentity, data []byte) (pool.Handle, error) {
	if len(data) > MaxAnonData {
		return pool.Handle{}, ErrDataTooLong
	}
	secret, err := e.self.SharedSecret(dest.EncPub)
	if err != nil {
		return pool.Handle{}, err
	}
	sealed, err := crypto.Seal(secret, data)
	if err != nil {
		return pool.Handle{}, err
	}
	h, pkt, err := e.obtain(typ)
	if err != nil {
		return h, err
	}
	payload := make([]byte, 0, 1+crypto.PubKeySize+len(sealed))
	payload = append(payload, dest.Hash())
	payload = append(payload, e.self.EncPub[:]...)
	payload = append(payload, sealed...)
	return e.finish(h, pkt, payload)
}

// CreatePathReturn tells destHash how to reach this node directly, reusing
// path (the flood path the request arrived on), and optionally piggy-backs
// a reply of extraType.
func (e *Engine) CreatePathReturn(destHash byte, secret [crypto.SecretSize]byte, path []byte, extraType protocol.PayloadType, extra []byte) (pool.Handle, error) {
	data := make([]byte, 0, 2+len(path)+len(extra)+4)
	data = append(data, byte(len(path)))
	data = append(data, path...)
	if len(extra) > 0 {
		data = append(data, byte(extraType))
		data = append(data, extra...)
	} else {
		var blob [4]byte
		binary.LittleEndian.PutUint32(blob[:], e.RNG().Uint32())
		data = append(data, byte(pathFiller))
		data = append(data, blob[:]...)
	}
	return e.CreateDatagram(protocol.TypePath, destHash, secret, data)
}

func parsePathData(data []byte) (path []byte, extraType protocol.PayloadType, extra []byte, ok bool) {
	if len(data) < 2 {
		return nil, 0, nil, false
	}
	n := int(data[0])
	if n > protocol.MaxPathSize || len(data) < 2+n {
		return nil, 0, nil, false
	}
	return data[1 : 1+n], protocol.PayloadType(data[1+n]), data[2+n:], true
}

// CreateAck builds an acknowledgement for ack.
func (e *Engine) CreateAck(ack uint32) (pool.Handle, error) {
	h, pkt, err := e.obtain(protocol.TypeAck)
	if err != nil {
		return h, err
	}
	return e.finish(h, pkt, binary.LittleEndian.AppendUint32(nil, ack))
}

// CreateGroupDatagram seals data for everyone holding ch.
func (e *Engine) CreateGroupDatagram(typ protocol.PayloadType, ch GroupChannel, data []byte) (pool.Handle, error) {
	if len(data) > MaxGroupData {
		return pool.Handle{}, ErrDataTooLong
	}
	sealed, err := crypto.Seal(ch.Secret, data)
	if err != nil {
		return pool.Handle{}, err
	}
	h, pkt, err := e.obtain(typ)
	if err != nil {
		return h, err
	}
	return e.finish(h, pkt, append([]byte{ch.Hash()}, sealed...))
}

// CreateTrace builds a TRACE through the relays named in hashes. The hash
// width per hop is 1 << (flags & 3) bytes.
func (e *Engine) CreateTrace(tag, auth uint32, flags byte, hashes []byte) (pool.Handle, error) {
	if traceHeaderSize+len(hashes) > protocol.MaxPayload {
		return pool.Handle{}, ErrDataTooLong
	}
	h, pkt, err := e.obtain(protocol.TypeTrace)
	if err != nil {
		return h, err
	}
	buf := make([]byte, 0, traceHeaderSize+len(hashes))
	buf = binary.LittleEndian.AppendUint32(buf, tag)
	buf = binary.LittleEndian.AppendUint32(buf, auth)
	buf = append(buf, flags)
	buf = append(buf, hashes...)
	return e.finish(h, pkt, buf)
}

func parseTrace(b []byte) (TraceInfo, int, error) {
	if len(b) < traceHeaderSize {
		return TraceInfo{}, 0, ErrBadTrace
	}
	t := TraceInfo{
		Tag:    binary.LittleEndian.Uint32(b),
		Auth:   binary.LittleEndian.Uint32(b[4:]),
		Flags:  b[8],
		Hashes: b[traceHeaderSize:],
	}
	return t, 1 << (t.Flags & 0x03), nil
}

// CreateRawData wraps opaque application bytes.
func (e *Engine) CreateRawData(data []byte) (pool.Handle, error) {
	h, pkt, err := e.obtain(protocol.TypeRawCustom)
	if err != nil {
		return h, err
	}
	return e.finish(h, pkt, data)
}

// Codes carried inside REQ, RESPONSE and TXT_MSG plaintexts, shared by the
// client and server roles.
const (
	ReqGetStatus byte = 0x01
	RespLoginOK  byte = 0

	// TXT_MSG flags byte: attempt in bits 0-1, text type above.
	TxtTypePlain   byte = 0
	TxtTypeCLIData byte = 1
)
