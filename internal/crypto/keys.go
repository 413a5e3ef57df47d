package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	PubKeySize    = 32
	SignatureSize = ed25519.SignatureSize
	SecretSize    = 32

	secretInfo = "meshcore-peer-secret-v1"
)

var (
	ErrInvalidKey       = errors.New("crypto: invalid key")
	ErrInvalidSignature = errors.New("crypto: signature verification failed")
)

// PublicIdentity is what a node advertises: an X25519 key for shared
// secrets and an Ed25519 key for signatures. The first byte of the X25519
// key is the one-byte hash used in paths and datagram headers.
type PublicIdentity struct {
	EncPub  [PubKeySize]byte
	SignPub ed25519.PublicKey
}

// Hash is the one-byte short identifier.
func (id PublicIdentity) Hash() byte { return id.EncPub[0] }

// IsHashMatch reports whether h could refer to this identity.
func (id PublicIdentity) IsHashMatch(h byte) bool { return id.EncPub[0] == h }

// Verify checks sig over msg.
func (id PublicIdentity) Verify(msg, sig []byte) bool {
	if len(id.SignPub) != ed25519.PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(id.SignPub, msg, sig)
}

// Equal compares both keys.
func (id PublicIdentity) Equal(o PublicIdentity) bool {
	return id.EncPub == o.EncPub && id.SignPub.Equal(o.SignPub)
}

// Hex renders the X25519 key, which doubles as the node address.
func (id PublicIdentity) Hex() string { return hex.EncodeToString(id.EncPub[:]) }

// KeyPair is a node's private identity.
type KeyPair struct {
	EncPriv  [32]byte
	EncPub   [32]byte
	SignPriv ed25519.PrivateKey
	SignPub  ed25519.PublicKey
}

// keyFile is the on-disk form of a KeyPair.
type keyFile struct {
	EncPriv  string `json:"enc_priv"`
	EncPub   string `json:"enc_pub"`
	SignPriv string `json:"sign_priv"`
	SignPub  string `json:"sign_pub"`
}

// GenerateKeyPair creates a new identity. Hash bytes 0x00 and 0xFF are
// reserved, so keys that would produce them are discarded.
func GenerateKeyPair() (*KeyPair, error) {
	return generateFrom(rand.Reader)
}

func generateFrom(r io.Reader) (*KeyPair, error) {
	kp := &KeyPair{}
	for {
		if _, err := io.ReadFull(r, kp.EncPriv[:]); err != nil {
			return nil, err
		}
		kp.EncPriv[0] &= 248
		kp.EncPriv[31] &= 127
		kp.EncPriv[31] |= 64

		pub, err := curve25519.X25519(kp.EncPriv[:], curve25519.Basepoint)
		if err != nil {
			return nil, err
		}
		if pub[0] != 0x00 && pub[0] != 0xFF {
			copy(kp.EncPub[:], pub)
			break
		}
	}
	var err error
	if kp.SignPub, kp.SignPriv, err = ed25519.GenerateKey(r); err != nil {
		return nil, err
	}
	return kp, nil
}

func decodeHexField(name, s string, size int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != size {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKey, name)
	}
	return b, nil
}

func (f keyFile) keyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	fields := []struct {
		name string
		in   string
		size int
		out  func([]byte)
	}{
		{"enc_priv", f.EncPriv, 32, func(b []byte) { copy(kp.EncPriv[:], b) }},
		{"enc_pub", f.EncPub, PubKeySize, func(b []byte) { copy(kp.EncPub[:], b) }},
		{"sign_priv", f.SignPriv, ed25519.PrivateKeySize, func(b []byte) { kp.SignPriv = ed25519.PrivateKey(b) }},
		{"sign_pub", f.SignPub, ed25519.PublicKeySize, func(b []byte) { kp.SignPub = ed25519.PublicKey(b) }},
	}
	for _, fl := range fields {
		b, err := decodeHexField(fl.name, fl.in, fl.size)
		if err != nil {
			return nil, err
		}
		fl.out(b)
	}
	return kp, nil
}

// Identity returns the public half.
func (kp *KeyPair) Identity() PublicIdentity {
	return PublicIdentity{EncPub: kp.EncPub, SignPub: kp.SignPub}
}

// Hash is the one-byte short identifier of this node.
func (kp *KeyPair) Hash() byte { return kp.EncPub[0] }

func (kp *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(kp.EncPub[:])
}

func (kp *KeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(kp.SignPriv, data)
}

// SharedSecret derives the symmetric secret shared with peer. Both sides of
// a pair compute the same value, so it can be cached per peer.
func (kp *KeyPair) SharedSecret(peerEncPub [32]byte) ([SecretSize]byte, error) {
	var out [SecretSize]byte
	shared, err := curve25519.X25519(kp.EncPriv[:], peerEncPub[:])
	if err != nil {
		return out, ErrInvalidKey
	}
	r := hkdf.New(sha256.New, shared, nil, []byte(secretInfo))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// Save writes the identity as JSON, readable by the owner only. The file
// is replaced atomically.
func (kp *KeyPair) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(keyFile{
		EncPriv:  hex.EncodeToString(kp.EncPriv[:]),
		EncPub:   hex.EncodeToString(kp.EncPub[:]),
		SignPriv: hex.EncodeToString(kp.SignPriv),
		SignPub:  hex.EncodeToString(kp.SignPub),
	}, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadKeyPair reads an identity written by Save.
func LoadKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f keyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("crypto: identity file: %w", err)
	}
	return f.keyPair()
}

// PubKeyFromHex parses a hex X25519 public key.
func PubKeyFromHex(s string) ([PubKeySize]byte, error) {
	var out [PubKeySize]byte
	b, err := decodeHexField("public key", s, PubKeySize)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}
