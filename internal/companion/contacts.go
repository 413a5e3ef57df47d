package companion

import (
	"bytes"
	"encoding/hex"

	"github.com/ripplebiz/MeshCore/internal/crypto"
	"github.com/ripplebiz/MeshCore/internal/store"
)

const DefaultMaxContacts = 100

// Contact is a peer learned from an advert or added by the app.
type Contact struct {
	ID         crypto.PublicIdentity
	Name       string
	Type       byte
	Flags      byte
	Lat, Lon   float64
	LastAdvert uint32 // sender clock, rejects replayed adverts
	LastMod    uint32 // our clock, drives eviction

	OutPath      []byte
	OutPathKnown bool

	secret [crypto.SecretSize]byte
}

func (c *Contact) record() store.Contact {
	r := store.Contact{
		Name:         c.Name,
		EncPub:       c.ID.Hex(),
		Type:         c.Type,
		Lat:          c.Lat,
		Lon:          c.Lon,
		AdvertTime:   c.LastAdvert,
		LastSeen:     c.LastMod,
		OutPath:      c.OutPath,
		OutPathKnown: c.OutPathKnown,
	}
	if len(c.ID.SignPub) > 0 {
		r.SignPub = hex.EncodeToString(c.ID.SignPub)
	}
	return r
}

func contactFromRecord(r store.Contact) (Contact, error) {
	var c Contact
	pub, err := crypto.PubKeyFromHex(r.EncPub)
	if err != nil {
		return c, err
	}
	c.ID.EncPub = pub
	if r.SignPub != "" {
		if c.ID.SignPub, err = hex.DecodeString(r.SignPub); err != nil {
			return c, err
		}
	}
	c.Name, c.Type = r.Name, r.Type
	c.Lat, c.Lon = r.Lat, r.Lon
	c.LastAdvert, c.LastMod = r.AdvertTime, r.LastSeen
	c.OutPath, c.OutPathKnown = r.OutPath, r.OutPathKnown
	return c, nil
}

// contactTable is a bounded contact list. Indices are the peer numbers
// handed to the mesh engine and stay valid until the next add or remove.
type contactTable struct {
	list []*Contact
	max  int
}

func (t *contactTable) byKey(pub [crypto.PubKeySize]byte) *Contact {
	for _, c := range t.list {
		if c.ID.EncPub == pub {
			return c
		}
	}
	return nil
}

func (t *contactTable) byPrefix(prefix []byte) *Contact {
	for _, c := range t.list {
		if bytes.HasPrefix(c.ID.EncPub[:], prefix) {
			return c
		}
	}
	return nil
}

// add inserts c, evicting the least recently modified contact when full.
func (t *contactTable) add(c *Contact) (evicted *Contact) {
	if len(t.list) < t.max {
		t.list = append(t.list, c)
		return nil
	}
	oldest := 0
	for i, x := range t.list {
		if x.LastMod < t.list[oldest].LastMod {
			oldest = i
		}
	}
	evicted = t.list[oldest]
	t.list[oldest] = c
	return evicted
}

func (t *contactTable) remove(pub [crypto.PubKeySize]byte) bool {
	for i, c := range t.list {
		if c.ID.EncPub == pub {
			t.list = append(t.list[:i], t.list[i+1:]...)
			return true
		}
	}
	return false
}

func (t *contactTable) at(i int) *Contact {
	if i < 0 || i >= len(t.list) {
		return nil
	}
	return t.list[i]
}
