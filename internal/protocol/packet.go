// Package protocol defines the over-the-air packet format.
//
// A frame on the wire is:
//
//	header(1) | path_len(1) | path[path_len] | payload
//
// The header packs the route type (bits 0-1), the payload type (bits 2-5)
// and the payload version (bits 6-7). Flood packets collect one hop hash per
// relay in the path; direct packets carry the remaining hops to the target.
package protocol

import (
	"crypto/sha256"
	"errors"
)

const (
	MaxPathSize  = 64
	MaxPayload   = 184
	MaxTransUnit = 255
	HashSize     = 8

	headerSize = 2 // header byte + path_len
)

// RouteType is the routing mode encoded in the low two header bits.
type RouteType byte

const (
	RouteFlood  RouteType = 0x01
	RouteDirect RouteType = 0x02
)

// PayloadType tags the payload interpretation.
type PayloadType byte

const (
	TypeReq       PayloadType = 0x00 // peer-authenticated request
	TypeResponse  PayloadType = 0x01 // reply to REQ or ANON_REQ
	TypeTxtMsg    PayloadType = 0x02 // peer text message
	TypeAck       PayloadType = 0x03
	TypeAdvert    PayloadType = 0x04 // signed self advertisement
	TypeGrpTxt    PayloadType = 0x05
	TypeGrpData   PayloadType = 0x06
	TypeAnonReq   PayloadType = 0x07 // unauthenticated request, carries sender key
	TypePath      PayloadType = 0x08 // returned path, optionally with extra payload
	TypeTrace     PayloadType = 0x09
	TypeRawCustom PayloadType = 0x0F
)

func (t PayloadType) String() string {
	switch t {
	case TypeReq:
		return "REQ"
	case TypeResponse:
		return "RESPONSE"
	case TypeTxtMsg:
		return "TXT_MSG"
	case TypeAck:
		return "ACK"
	case TypeAdvert:
		return "ADVERT"
	case TypeGrpTxt:
		return "GRP_TXT"
	case TypeGrpData:
		return "GRP_DATA"
	case TypeAnonReq:
		return "ANON_REQ"
	case TypePath:
		return "PATH"
	case TypeTrace:
		return "TRACE"
	case TypeRawCustom:
		return "RAW_CUSTOM"
	}
	return "UNKNOWN"
}

// Source records which producer handed the packet to the node. It is never
// encoded; it exists so bridged traffic is not mirrored back to its origin.
type Source byte

const (
	SourceLocal Source = iota
	SourceRadio
	SourceBridge
)

var (
	ErrShortFrame     = errors.New("packet: short frame")
	ErrBadRoute       = errors.New("packet: reserved route type")
	ErrPathTooLong    = errors.New("packet: path exceeds MaxPathSize")
	ErrPayloadTooLong = errors.New("packet: payload exceeds MaxPayload")
)

// Packet is a pool-owned frame buffer. The zero value is an empty flood REQ.
type Packet struct {
	Header     byte
	PathLen    uint8
	Path       [MaxPathSize]byte
	PayloadLen uint8
	Payload    [MaxPayload]byte

	// receive metadata, not part of the wire format
	SNR    float32
	RSSI   float32
	Score  float32
	Source Source

	doNotRetransmit bool
}

// Reset clears p for reuse.
func (p *Packet) Reset() {
	*p = Packet{}
}

// SetHeader sets the route and payload type with version 0.
func (p *Packet) SetHeader(route RouteType, typ PayloadType) {
	p.Header = byte(route)&0x03 | (byte(typ)&0x0F)<<2
}

func (p *Packet) RouteType() RouteType     { return RouteType(p.Header & 0x03) }
func (p *Packet) PayloadType() PayloadType { return PayloadType((p.Header >> 2) & 0x0F) }
func (p *Packet) PayloadVersion() byte     { return p.Header >> 6 }
func (p *Packet) IsFlood() bool            { return p.RouteType() == RouteFlood }
func (p *Packet) IsDirect() bool           { return p.RouteType() == RouteDirect }

// SetRoute changes the route type and keeps the payload bits.
func (p *Packet) SetRoute(route RouteType) {
	p.Header = p.Header&^0x03 | byte(route)&0x03
}

func (p *Packet) PathBytes() []byte    { return p.Path[:p.PathLen] }
func (p *Packet) PayloadBytes() []byte { return p.Payload[:p.PayloadLen] }

// SetPayload copies b into the payload region.
func (p *Packet) SetPayload(b []byte) error {
	if len(b) > MaxPayload {
		return ErrPayloadTooLong
	}
	p.PayloadLen = uint8(copy(p.Payload[:], b))
	return nil
}

// SetPath replaces the path with b.
func (p *Packet) SetPath(b []byte) error {
	if len(b) > MaxPathSize {
		return ErrPathTooLong
	}
	p.PathLen = uint8(copy(p.Path[:], b))
	return nil
}

// AppendPath adds one hop hash. It reports false when the path is full.
func (p *Packet) AppendPath(hop byte) bool {
	if int(p.PathLen) >= MaxPathSize {
		return false
	}
	p.Path[p.PathLen] = hop
	p.PathLen++
	return true
}

// PopPathFront removes the first hop, used when forwarding a direct packet.
func (p *Packet) PopPathFront() {
	if p.PathLen == 0 {
		return
	}
	copy(p.Path[:], p.Path[1:p.PathLen])
	p.PathLen--
}

// MarkDoNotRetransmit flags a packet that was consumed locally.
func (p *Packet) MarkDoNotRetransmit()          { p.doNotRetransmit = true }
func (p *Packet) IsMarkedDoNotRetransmit() bool { return p.doNotRetransmit }

// RawLen is the encoded length of p.
func (p *Packet) RawLen() int {
	return headerSize + int(p.PathLen) + int(p.PayloadLen)
}

// Hash identifies the packet content independently of the relay path, so
// the same flood heard via two routes maps to the same entry. TRACE packets
// mix in the path length because each hop legitimately re-sends them.
func (p *Packet) Hash() [HashSize]byte {
	h := sha256.New()
	typ := p.PayloadType()
	h.Write([]byte{byte(typ)})
	if typ == TypeTrace {
		h.Write([]byte{p.PathLen})
	}
	h.Write(p.PayloadBytes())
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Encode writes the frame into dst and returns the number of bytes written.
// dst must hold at least RawLen bytes.
func (p *Packet) Encode(dst []byte) int {
	dst[0] = p.Header
	dst[1] = p.PathLen
	i := headerSize
	i += copy(dst[i:], p.PathBytes())
	i += copy(dst[i:], p.PayloadBytes())
	return i
}

// MarshalBinary returns the encoded frame.
func (p *Packet) MarshalBinary() ([]byte, error) {
	buf := make([]byte, p.RawLen())
	p.Encode(buf)
	return buf, nil
}

// Decode parses b into p. On error p is left reset, never half-filled.
func Decode(b []byte, p *Packet) error {
	p.Reset()
	if len(b) < headerSize {
		return ErrShortFrame
	}
	if len(b) > MaxTransUnit {
		return ErrPayloadTooLong
	}
	route := RouteType(b[0] & 0x03)
	if route != RouteFlood && route != RouteDirect {
		return ErrBadRoute
	}
	pathLen := int(b[1])
	if pathLen > MaxPathSize {
		return ErrPathTooLong
	}
	if len(b) < headerSize+pathLen {
		return ErrShortFrame
	}
	payload := b[headerSize+pathLen:]
	if len(payload) > MaxPayload {
		return ErrPayloadTooLong
	}
	p.Header = b[0]
	p.PathLen = uint8(copy(p.Path[:], b[headerSize:headerSize+pathLen]))
	p.PayloadLen = uint8(copy(p.Payload[:], payload))
	return nil
}

// CopyFrom duplicates the frame and metadata of src into p.
func (p *Packet) CopyFrom(src *Packet) {
	*p = *src
}
