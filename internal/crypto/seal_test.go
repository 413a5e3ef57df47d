package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSharedSecretSymmetric(t *testing.T) {
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateKeyPair()

	ab, err := a.SharedSecret(b.EncPub)
	if err != nil {
		t.Fatal(err)
	}
	ba, err := b.SharedSecret(a.EncPub)
	if err != nil {
		t.Fatal(err)
	}
	if ab != ba {
		t.Fatal("shared secrets differ")
	}
}

func TestSealOpenRoundtrip(t *testing.T) {
	a, _ := GenerateKeyPair()
	b, _ := GenerateKeyPair()
	secret, _ := a.SharedSecret(b.EncPub)

	plaintext := []byte("hello over the mesh")
	ct, err := Seal(secret, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(ct) != len(plaintext)+SealOverhead {
		t.Fatalf("sealed length %d", len(ct))
	}

	peer, _ := b.SharedSecret(a.EncPub)
	got, err := Open(peer, ct)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("expected %q got %q", plaintext, got)
	}
}

func TestOpenWrongSecret(t *testing.T) {
	a, _ := GenerateKeyPair()
	b, _ := GenerateKeyPair()
	c, _ := GenerateKeyPair()
	ab, _ := a.SharedSecret(b.EncPub)
	ac, _ := a.SharedSecret(c.EncPub)

	ct, _ := Seal(ab, []byte("secret"))
	if _, err := Open(ac, ct); err != ErrDecryptFailed {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestOpenTampered(t *testing.T) {
	a, _ := GenerateKeyPair()
	secret, _ := a.SharedSecret(a.EncPub)
	ct, _ := Seal(secret, []byte("tamper me"))
	ct[len(ct)-1] ^= 0x01
	if _, err := Open(secret, ct); err != ErrDecryptFailed {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
	if _, err := Open(secret, ct[:5]); err != ErrDecryptFailed {
		t.Fatal("short input must fail")
	}
}

func TestReservedHashesAvoided(t *testing.T) {
	for i := 0; i < 200; i++ {
		kp, err := GenerateKeyPair()
		if err != nil {
			t.Fatal(err)
		}
		if h := kp.Hash(); h == 0x00 || h == 0xFF {
			t.Fatalf("reserved hash %#x generated", h)
		}
	}
}

func TestSignVerify(t *testing.T) {
	kp, _ := GenerateKeyPair()
	msg := []byte("advert body")
	sig := kp.Sign(msg)
	id := kp.Identity()
	if !id.Verify(msg, sig) {
		t.Fatal("valid signature rejected")
	}
	msg[0] ^= 0xFF
	if id.Verify(msg, sig) {
		t.Fatal("signature over modified message accepted")
	}
}

func TestSaveLoadKeyPair(t *testing.T) {
	kp, _ := GenerateKeyPair()
	path := filepath.Join(t.TempDir(), "identity.json")
	if err := kp.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := LoadKeyPair(path)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Identity().Equal(kp.Identity()) || got.EncPriv != kp.EncPriv {
		t.Fatal("loaded key pair differs")
	}
}

func TestLoadKeyPairRejectsBadFile(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"json":  "{",
		"short": `{"enc_priv":"00","enc_pub":"00","sign_priv":"00","sign_pub":"00"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".json")
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadKeyPair(path); err == nil {
				t.Fatal("bad identity file accepted")
			}
		})
	}
}

func TestAckHashDeterministic(t *testing.T) {
	a := AckHash([]byte("ts"), []byte("text"), []byte("pub"))
	b := AckHash([]byte("ts"), []byte("text"), []byte("pub"))
	c := AckHash([]byte("ts"), []byte("text!"), []byte("pub"))
	if a != b || a == c {
		t.Fatal("ack hash not deterministic over its inputs")
	}
}
