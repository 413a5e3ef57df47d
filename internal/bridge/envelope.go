package bridge

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ripplebiz/MeshCore/internal/crypto"
	"github.com/ripplebiz/MeshCore/internal/protocol"
)

// Flags byte: which optional metadata groups follow it.
const (
	FlagRadio     byte = 0x01 // freq kHz(4) | bw Hz(4) | sf(1)
	FlagSignal    byte = 0x02 // rssi(2) | snr x4 (1)
	FlagTimestamp byte = 0x04 // epoch secs(4)

	DefaultVersion = 1
)

var (
	ErrShortEnvelope  = errors.New("bridge: short envelope")
	ErrLayoutMismatch = errors.New("bridge: envelope layout mismatch")
	ErrBadSignature   = errors.New("bridge: bad envelope signature")
	ErrUntrusted      = errors.New("bridge: sender not trusted")
)

// Layout pins the envelope format used by one deployment. Both ends must
// agree; an envelope with a different version or flags byte is rejected.
type Layout struct {
	Version   byte
	Radio     bool
	Signal    bool
	Timestamp bool
}

// DefaultLayout carries every metadata group.
func DefaultLayout() Layout {
	return Layout{Version: DefaultVersion, Radio: true, Signal: true, Timestamp: true}
}

func (l Layout) flags() byte {
	var f byte
	if l.Radio {
		f |= FlagRadio
	}
	if l.Signal {
		f |= FlagSignal
	}
	if l.Timestamp {
		f |= FlagTimestamp
	}
	return f
}

// Envelope is one bridged packet plus the metadata of where it was heard.
type Envelope struct {
	FreqMHz      float64
	BandwidthKHz float64
	SF           uint8
	RSSI         int16
	SNR          float32
	Timestamp    uint32
	Sender       ed25519.PublicKey
	Inner        []byte
}

// Encode lays out e and signs it with kp.
func (l Layout) Encode(e Envelope, kp *crypto.KeyPair) ([]byte, error) {
	if len(e.Inner) == 0 || len(e.Inner) > protocol.MaxTransUnit {
		return nil, fmt.Errorf("bridge: inner packet of %d bytes", len(e.Inner))
	}
	b := []byte{l.Version, l.flags()}
	if l.Radio {
		b = binary.LittleEndian.AppendUint32(b, uint32(e.FreqMHz*1000))
		b = binary.LittleEndian.AppendUint32(b, uint32(e.BandwidthKHz*1000))
		b = append(b, e.SF)
	}
	if l.Signal {
		b = binary.LittleEndian.AppendUint16(b, uint16(e.RSSI))
		b = append(b, byte(int8(e.SNR*4)))
	}
	if l.Timestamp {
		b = binary.LittleEndian.AppendUint32(b, e.Timestamp)
	}
	b = append(b, kp.SignPub...)
	b = append(b, byte(len(e.Inner)))
	b = append(b, e.Inner...)
	return append(b, kp.Sign(b)...), nil
}

// Decode parses and verifies an envelope written with the same layout.
func (l Layout) Decode(b []byte) (Envelope, error) {
	var e Envelope
	if len(b) < 2 {
		return e, ErrShortEnvelope
	}
	if b[0] != l.Version || b[1] != l.flags() {
		return e, fmt.Errorf("%w: version %d flags %#02x", ErrLayoutMismatch, b[0], b[1])
	}
	if len(b) < 2+crypto.SignatureSize {
		return e, ErrShortEnvelope
	}
	body, sig := b[:len(b)-crypto.SignatureSize], b[len(b)-crypto.SignatureSize:]

	r := body[2:]
	take := func(n int) ([]byte, error) {
		if len(r) < n {
			return nil, ErrShortEnvelope
		}
		out := r[:n]
		r = r[n:]
		return out, nil
	}

	if l.Radio {
		f, err := take(9)
		if err != nil {
			return e, err
		}
		e.FreqMHz = float64(binary.LittleEndian.Uint32(f)) / 1000
		e.BandwidthKHz = float64(binary.LittleEndian.Uint32(f[4:])) / 1000
		e.SF = f[8]
	}
	if l.Signal {
		f, err := take(3)
		if err != nil {
			return e, err
		}
		e.RSSI = int16(binary.LittleEndian.Uint16(f))
		e.SNR = float32(int8(f[2])) / 4
	}
	if l.Timestamp {
		f, err := take(4)
		if err != nil {
			return e, err
		}
		e.Timestamp = binary.LittleEndian.Uint32(f)
	}
	key, err := take(ed25519.PublicKeySize)
	if err != nil {
		return e, err
	}
	n, err := take(1)
	if err != nil {
		return e, err
	}
	inner, err := take(int(n[0]))
	if err != nil {
		return e, err
	}
	if len(r) != 0 || len(inner) == 0 {
		return e, ErrShortEnvelope
	}

	id := crypto.PublicIdentity{SignPub: ed25519.PublicKey(key)}
	if !id.Verify(body, sig) {
		return e, ErrBadSignature
	}
	e.Sender = append(ed25519.PublicKey(nil), key...)
	e.Inner = append([]byte(nil), inner...)
	return e, nil
}
