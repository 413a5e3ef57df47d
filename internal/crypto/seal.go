// Package crypto provides node identities and the symmetric datagram
// sealing used by the mesh.
//
// Peer datagrams are sealed with ChaCha20-Poly1305 under a secret derived
// once per peer (X25519 + HKDF-SHA256). Receivers that only know a one-byte
// source hash try every candidate peer secret; a valid authentication tag
// identifies the sender. Group channels use a pre-shared secret instead.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = chacha20poly1305.Overhead

	// SealOverhead is the number of bytes Seal adds to a plaintext.
	SealOverhead = NonceSize + TagSize
)

// ErrDecryptFailed is returned when the tag does not verify (wrong secret or
// corrupt data). Callers treat it as "not from this peer".
var ErrDecryptFailed = errors.New("decrypt: authentication failed")

// Seal encrypts plaintext under secret.
//
// Output format: nonce(12) || ciphertext+tag
func Seal(secret [SecretSize]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(secret[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Open verifies and decrypts data produced by Seal.
func Open(secret [SecretSize]byte, data []byte) ([]byte, error) {
	if len(data) < SealOverhead {
		return nil, ErrDecryptFailed
	}
	aead, err := chacha20poly1305.New(secret[:])
	if err != nil {
		return nil, ErrDecryptFailed
	}
	pt, err := aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

// AckHash is the 4-byte acknowledgement code for a message: a truncated
// SHA-256 over the given parts, read little-endian.
func AckHash(parts ...[]byte) uint32 {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return binary.LittleEndian.Uint32(h.Sum(nil)[:4])
}

// ChannelHash is the one-byte identifier of a group channel secret.
func ChannelHash(secret [SecretSize]byte) byte {
	sum := sha256.Sum256(secret[:])
	return sum[0]
}

// ChannelSecret derives a channel secret from a shared passphrase.
func ChannelSecret(passphrase string) [SecretSize]byte {
	return sha256.Sum256([]byte(passphrase))
}
