// Package store is the node's persistent storage, a single bbolt file with
// one bucket per concern:
//
//   - prefs: the NodePrefs record
//   - log: the packet log, one line per key in arrival order
//   - contacts: peers learned from adverts, keyed by encryption key hex
//
// Contact records keep the advert timestamp; an older advert never replaces
// a newer one, so a replayed advert cannot roll a contact back.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ripplebiz/MeshCore/internal/prefs"
)

const fileName = "meshnode.db"

var (
	bucketPrefs    = []byte("prefs")
	bucketLog      = []byte("log")
	bucketContacts = []byte("contacts")

	keyPrefs = []byte("node")

	allBuckets = [][]byte{bucketPrefs, bucketLog, bucketContacts}
)

var ErrNotFound = errors.New("store: not found")

// Contact is a persisted peer record.
type Contact struct {
	Name       string  `json:"name"`
	EncPub     string  `json:"enc_pub"`  // X25519 pubkey hex
	SignPub    string  `json:"sign_pub"` // Ed25519 pubkey hex
	Type       byte    `json:"type"`
	Lat        float64 `json:"lat,omitempty"`
	Lon        float64 `json:"lon,omitempty"`
	AdvertTime uint32  `json:"advert_time"` // sender's clock
	LastSeen   uint32  `json:"last_seen"`   // our clock
	// OutPath is the learned direct route; nil with OutPathKnown false
	// means flood.
	OutPath      []byte `json:"out_path,omitempty"`
	OutPathKnown bool   `json:"out_path_known"`
}

// Store wraps the bbolt database.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, fileName), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.Update(createBuckets); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func createBuckets(tx *bolt.Tx) error {
	for _, b := range allBuckets {
		if _, err := tx.CreateBucketIfNotExists(b); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadPrefs fills p from storage and sanitises it. It returns ErrNotFound
// (leaving p untouched) on first boot.
func (s *Store) LoadPrefs(p *prefs.NodePrefs) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPrefs).Get(keyPrefs)
		if data == nil {
			return ErrNotFound
		}
		loaded := *p
		if err := json.Unmarshal(data, &loaded); err != nil {
			return fmt.Errorf("store: decode prefs: %w", err)
		}
		*p = loaded
		return nil
	})
	if err != nil {
		return err
	}
	p.Sanitize()
	return nil
}

// SavePrefs persists p.
func (s *Store) SavePrefs(p *prefs.NodePrefs) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPrefs).Put(keyPrefs, data)
	})
}

// AppendLog adds one line to the packet log.
func (s *Store) AppendLog(line string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketLog)
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bkt.Put(key[:], []byte(line))
	})
}

// DumpLog writes every log line to w, oldest first.
func (s *Store) DumpLog(w io.Writer) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLog).ForEach(func(_, v []byte) error {
			_, err := fmt.Fprintln(w, string(v))
			return err
		})
	})
}

// LogLen is the number of packet log lines.
func (s *Store) LogLen() int {
	n := 0
	s.db.View(func(tx *bolt.Tx) error { //nolint:errcheck
		n = tx.Bucket(bucketLog).Stats().KeyN
		return nil
	})
	return n
}

// EraseLog deletes the packet log.
func (s *Store) EraseLog() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketLog); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketLog)
		return err
	})
}

// PutContact inserts or updates c. A record whose AdvertTime is older than
// the stored one is ignored unless force is set (local edits such as a
// learned path).
func (s *Store) PutContact(c Contact, force bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketContacts)
		key := []byte(c.EncPub)

		if existing := bkt.Get(key); existing != nil && !force {
			var old Contact
			if json.Unmarshal(existing, &old) == nil && old.AdvertTime > c.AdvertTime {
				return nil // not newer; ignore
			}
		}

		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return bkt.Put(key, data)
	})
}

// Contact finds a contact by its encryption key hex.
func (s *Store) Contact(encPubHex string) (Contact, error) {
	var c Contact
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContacts).Get([]byte(encPubHex))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &c)
	})
	return c, err
}

// DeleteContact removes a contact. Missing contacts are not an error.
func (s *Store) DeleteContact(encPubHex string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContacts).Delete([]byte(encPubHex))
	})
}

// Contacts returns every stored contact.
func (s *Store) Contacts() []Contact {
	var out []Contact
	s.db.View(func(tx *bolt.Tx) error { //nolint:errcheck
		return tx.Bucket(bucketContacts).ForEach(func(_, v []byte) error {
			var c Contact
			if json.Unmarshal(v, &c) == nil {
				out = append(out, c)
			}
			return nil
		})
	})
	return out
}

// Erase wipes every bucket.
func (s *Store) Erase() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if err := tx.DeleteBucket(b); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
		}
		return createBuckets(tx)
	})
}
