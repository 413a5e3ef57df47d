package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	var pkt Packet
	pkt.SetHeader(RouteFlood, TypeTxtMsg)
	pkt.SetPath([]byte{0x11, 0x22, 0x33})
	if err := pkt.SetPayload([]byte("test payload content")); err != nil {
		t.Fatal(err)
	}

	wire, _ := pkt.MarshalBinary()
	if len(wire) != 2+3+20 {
		t.Fatalf("encoded size %d", len(wire))
	}

	var decoded Packet
	if err := Decode(wire, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.PayloadType() != TypeTxtMsg {
		t.Fatalf("type mismatch: %v", decoded.PayloadType())
	}
	if !decoded.IsFlood() || decoded.IsDirect() {
		t.Fatal("route mismatch")
	}
	if !bytes.Equal(decoded.PathBytes(), []byte{0x11, 0x22, 0x33}) {
		t.Fatalf("path mismatch: %x", decoded.PathBytes())
	}
	if !bytes.Equal(decoded.PayloadBytes(), []byte("test payload content")) {
		t.Fatalf("payload mismatch: %q", decoded.PayloadBytes())
	}

	again, _ := decoded.MarshalBinary()
	if !bytes.Equal(again, wire) {
		t.Fatal("re-encode is not byte-exact")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"empty", nil, ErrShortFrame},
		{"header only", []byte{0x01}, ErrShortFrame},
		{"reserved route 0", []byte{0x00, 0x00}, ErrBadRoute},
		{"reserved route 3", []byte{0x03, 0x00}, ErrBadRoute},
		{"path too long", []byte{0x01, MaxPathSize + 1}, ErrPathTooLong},
		{"truncated path", []byte{0x01, 0x04, 0xAA}, ErrShortFrame},
		{"payload too long", append([]byte{0x01, 0x00}, make([]byte, MaxPayload+1)...), ErrPayloadTooLong},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var p Packet
			p.PayloadLen = 9
			err := Decode(tc.in, &p)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v want %v", err, tc.want)
			}
			if p.PayloadLen != 0 || p.PathLen != 0 {
				t.Fatal("packet left partially filled")
			}
		})
	}
}

func TestHashIgnoresPath(t *testing.T) {
	var a, b Packet
	a.SetHeader(RouteFlood, TypeAdvert)
	a.SetPayload([]byte("advert body"))
	b.CopyFrom(&a)
	b.AppendPath(0x42)

	if a.Hash() != b.Hash() {
		t.Fatal("relayed copy must hash the same as the original")
	}

	b.SetPayload([]byte("advert bodz"))
	if a.Hash() == b.Hash() {
		t.Fatal("different payloads must hash differently")
	}
}

func TestTraceHashIncludesPathLen(t *testing.T) {
	var a, b Packet
	a.SetHeader(RouteDirect, TypeTrace)
	a.SetPayload([]byte{1, 2, 3, 4, 5, 6, 7, 8, 0, 0xAA})
	b.CopyFrom(&a)
	b.AppendPath(0x10)
	if a.Hash() == b.Hash() {
		t.Fatal("trace hop must produce a new hash")
	}
}

func TestPathHelpers(t *testing.T) {
	var p Packet
	for i := 0; i < MaxPathSize; i++ {
		if !p.AppendPath(byte(i)) {
			t.Fatalf("append %d failed", i)
		}
	}
	if p.AppendPath(0xFF) {
		t.Fatal("append beyond MaxPathSize should fail")
	}
	p.PopPathFront()
	if p.PathLen != MaxPathSize-1 || p.Path[0] != 1 {
		t.Fatalf("pop front: len=%d first=%d", p.PathLen, p.Path[0])
	}
	if err := p.SetPath(make([]byte, MaxPathSize+1)); !errors.Is(err, ErrPathTooLong) {
		t.Fatalf("expected ErrPathTooLong, got %v", err)
	}
}

func TestHeaderBits(t *testing.T) {
	var p Packet
	p.SetHeader(RouteDirect, TypeRawCustom)
	if p.Header != 0x3E {
		t.Fatalf("header = %#x", p.Header)
	}
	p.SetRoute(RouteFlood)
	if p.PayloadType() != TypeRawCustom || !p.IsFlood() {
		t.Fatal("SetRoute must keep payload bits")
	}
	if p.PayloadVersion() != 0 {
		t.Fatal("version should be 0")
	}
}
