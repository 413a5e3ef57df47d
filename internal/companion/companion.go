// Package companion is the client role: a node paired with one phone or
// desktop app. The app speaks a binary frame protocol (code byte plus
// payload) over a Link; the node keeps the contact list, sends and
// acknowledges messages, and talks to servers (login, status) on the app's
// behalf.
//
// Received messages are held in a small offline queue until the app
// collects them. When the queue is full the oldest message is dropped; the
// mesh never waits for a slow app.
package companion

import (
	"encoding/binary"
	"errors"
	"math"

	"go.uber.org/zap"

	"github.com/ripplebiz/MeshCore/internal/crypto"
	"github.com/ripplebiz/MeshCore/internal/mesh"
	"github.com/ripplebiz/MeshCore/internal/pool"
	"github.com/ripplebiz/MeshCore/internal/prefs"
	"github.com/ripplebiz/MeshCore/internal/protocol"
	"github.com/ripplebiz/MeshCore/internal/radio"
	"github.com/ripplebiz/MeshCore/internal/store"
)

const (
	OfflineQueueSize = 16

	sendTimeoutBase        = 500
	floodSendTimeoutFactor = 16.0
	directPerHopFactor     = 6.0
	directPerHopExtra      = 250

	maxTxPower = 30
)

var (
	ErrUnknownContact = errors.New("companion: unknown contact")
	ErrNotConnected   = errors.New("companion: no app connected")
)

// Link carries frames to the app.
type Link interface {
	Connected() bool
	Send(frame []byte) error
}

// Config configures a Companion.
type Config struct {
	Mesh        mesh.Config
	Prefs       *prefs.NodePrefs
	Store       *store.Store // optional
	MaxContacts int
	Channels    []mesh.GroupChannel

	BuildDate         string
	BatteryMilliVolts func() uint16
	OnReboot          func()
}

// Companion is the client role node application.
type Companion struct {
	mesh.BaseApp

	mesh     *mesh.Engine
	prefs    *prefs.NodePrefs
	store    *store.Store
	link     Link
	log      *zap.Logger
	cfg      Config
	contacts contactTable
	channels []mesh.GroupChannel
	queue    [][]byte

	expectedAck  uint32
	ackSentAt    uint64
	ackDeadline  uint64
	pendingLogin *[crypto.PubKeySize]byte
	pendingStat  *[crypto.PubKeySize]byte
}

// New builds a companion and its mesh engine.
func New(cfg Config) *Companion {
	if cfg.Prefs == nil {
		p := prefs.Default()
		cfg.Prefs = &p
	}
	if cfg.MaxContacts <= 0 {
		cfg.MaxContacts = DefaultMaxContacts
	}
	if cfg.Mesh.Dispatch.Log == nil {
		cfg.Mesh.Dispatch.Log = zap.NewNop()
	}
	cfg.Mesh.Dispatch.Tuning = cfg.Prefs

	c := &Companion{
		prefs:    cfg.Prefs,
		store:    cfg.Store,
		log:      cfg.Mesh.Dispatch.Log.Named("companion"),
		cfg:      cfg,
		contacts: contactTable{max: cfg.MaxContacts},
		channels: cfg.Channels,
	}
	c.mesh = mesh.New(cfg.Mesh, c)
	return c
}

// Engine returns the underlying mesh engine.
func (c *Companion) Engine() *mesh.Engine { return c.mesh }

// SetLink attaches the app link. nil detaches it.
func (c *Companion) SetLink(l Link) { c.link = l }

// Contacts returns the current contact list.
func (c *Companion) Contacts() []Contact {
	out := make([]Contact, len(c.contacts.list))
	for i, ct := range c.contacts.list {
		out[i] = *ct
	}
	return out
}

// QueueLen is the number of messages waiting for the app.
func (c *Companion) QueueLen() int { return len(c.queue) }

// Begin starts the radio and loads stored contacts.
func (c *Companion) Begin() error {
	if err := c.mesh.Begin(); err != nil {
		return err
	}
	if r, ok := c.mesh.Radio().(radio.Configurable); ok {
		if err := r.SetParams(c.prefs.RadioParams()); err != nil {
			c.log.Warn("stored radio params rejected", zap.Error(err))
		}
	}
	if c.store == nil {
		return nil
	}
	for _, rec := range c.store.Contacts() {
		ct, err := contactFromRecord(rec)
		if err != nil {
			c.log.Warn("skipping stored contact", zap.String("key", rec.EncPub), zap.Error(err))
			continue
		}
		c.insert(&ct)
	}
	return nil
}

// Loop runs one poll step: dispatcher work, the ack timeout and at most one
// queued message to the app.
func (c *Companion) Loop() {
	c.mesh.Loop()

	if c.expectedAck != 0 && c.mesh.HasPassed(c.ackDeadline) {
		c.log.Debug("send timed out", zap.Uint32("ack", c.expectedAck))
		c.expectedAck = 0
	}
	if len(c.queue) > 0 && c.connected() {
		if err := c.link.Send(c.queue[0]); err == nil {
			c.queue = c.queue[1:]
		}
	}
}

func (c *Companion) connected() bool {
	return c.link != nil && c.link.Connected()
}

// push sends a frame if an app is listening; pushes are not queued.
func (c *Companion) push(frame []byte) {
	if !c.connected() {
		return
	}
	if err := c.link.Send(frame); err != nil {
		c.log.Debug("push dropped", zap.Uint8("code", frame[0]), zap.Error(err))
	}
}

// enqueue holds a message frame for the app, dropping the oldest when full.
func (c *Companion) enqueue(frame []byte) {
	if len(c.queue) >= OfflineQueueSize {
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, frame)
	c.push([]byte{PushMsgWaiting})
}

func (c *Companion) insert(ct *Contact) {
	secret, err := c.mesh.Self().SharedSecret(ct.ID.EncPub)
	if err != nil {
		c.log.Debug("contact key rejected", zap.String("key", ct.ID.Hex()))
		return
	}
	ct.secret = secret
	if old := c.contacts.add(ct); old != nil && c.store != nil {
		if err := c.store.DeleteContact(old.ID.Hex()); err != nil {
			c.log.Warn("deleting evicted contact", zap.Error(err))
		}
	}
}

func (c *Companion) persist(ct *Contact) {
	if c.store == nil {
		return
	}
	if err := c.store.PutContact(ct.record(), true); err != nil {
		c.log.Warn("saving contact", zap.String("key", ct.ID.Hex()), zap.Error(err))
	}
}

func (c *Companion) savePrefs() {
	if c.store == nil {
		return
	}
	if err := c.store.SavePrefs(c.prefs); err != nil {
		c.log.Warn("saving prefs", zap.Error(err))
	}
}

// sendTo routes h to ct: direct when a path is known, flood otherwise.
// It returns the suggested ack timeout.
func (c *Companion) sendTo(ct *Contact, h pool.Handle) (flood bool, timeout uint32) {
	pkt := c.mesh.Pool().Packet(h)
	airtime := float64(c.mesh.Radio().EstAirtimeFor(pkt.RawLen() + len(ct.OutPath)))
	if ct.OutPathKnown {
		c.mesh.SendDirect(h, ct.OutPath, 0)
		perHop := airtime*directPerHopFactor + directPerHopExtra
		return false, uint32(sendTimeoutBase + perHop*float64(len(ct.OutPath)+1))
	}
	c.mesh.SendFlood(h, 0)
	return true, uint32(sendTimeoutBase + floodSendTimeoutFactor*airtime)
}

// SendText sends a plain text message. It returns the ack code the
// recipient will answer with and how long to wait for it.
func (c *Companion) SendText(pub [crypto.PubKeySize]byte, attempt uint8, timestamp uint32, text string) (ack, timeout uint32, flood bool, err error) {
	ct := c.contacts.byKey(pub)
	if ct == nil {
		return 0, 0, false, ErrUnknownContact
	}
	data := binary.LittleEndian.AppendUint32(nil, timestamp)
	data = append(data, attempt&0x03|mesh.TxtTypePlain<<2)
	data = append(data, text...)
	if len(data) > mesh.MaxDatagramData {
		data = data[:mesh.MaxDatagramData]
	}
	h, err := c.mesh.CreateDatagram(protocol.TypeTxtMsg, ct.ID.Hash(), ct.secret, data)
	if err != nil {
		return 0, 0, false, err
	}
	ack = crypto.AckHash(data, c.mesh.Self().EncPub[:])
	flood, timeout = c.sendTo(ct, h)
	c.expectedAck = ack
	c.ackSentAt = c.mesh.Millis()
	c.ackDeadline = c.mesh.FutureMillis(timeout)
	return ack, timeout, flood, nil
}

// SendChannelText posts to group channel idx as "name: text".
func (c *Companion) SendChannelText(idx int, timestamp uint32, text string) error {
	if idx < 0 || idx >= len(c.channels) {
		return ErrUnknownContact
	}
	data := binary.LittleEndian.AppendUint32(nil, timestamp)
	data = append(data, mesh.TxtTypePlain<<2)
	data = append(data, c.prefs.Name+": "+text...)
	if len(data) > mesh.MaxGroupData {
		data = data[:mesh.MaxGroupData]
	}
	h, err := c.mesh.CreateGroupDatagram(protocol.TypeGrpTxt, c.channels[idx], data)
	if err != nil {
		return err
	}
	c.mesh.SendFlood(h, 0)
	return nil
}

// Login asks a server for access. The result arrives as a push.
func (c *Companion) Login(pub [crypto.PubKeySize]byte, password string) (timeout uint32, flood bool, err error) {
	ct := c.contacts.byKey(pub)
	if ct == nil {
		return 0, false, ErrUnknownContact
	}
	data := binary.LittleEndian.AppendUint32(nil, c.mesh.RTC().Unique())
	data = append(data, password...)
	h, err := c.mesh.CreateAnonDatagram(protocol.TypeAnonReq, ct.ID, data)
	if err != nil {
		return 0, false, err
	}
	flood, timeout = c.sendTo(ct, h)
	key := ct.ID.EncPub
	c.pendingLogin = &key
	return timeout, flood, nil
}

// RequestStatus asks a logged-in server for its stats record.
func (c *Companion) RequestStatus(pub [crypto.PubKeySize]byte) (timeout uint32, flood bool, err error) {
	ct := c.contacts.byKey(pub)
	if ct == nil {
		return 0, false, ErrUnknownContact
	}
	data := binary.LittleEndian.AppendUint32(nil, c.mesh.RTC().Unique())
	data = append(data, mesh.ReqGetStatus)
	h, err := c.mesh.CreateDatagram(protocol.TypeReq, ct.ID.Hash(), ct.secret, data)
	if err != nil {
		return 0, false, err
	}
	flood, timeout = c.sendTo(ct, h)
	key := ct.ID.EncPub
	c.pendingStat = &key
	return timeout, flood, nil
}

// ResetPath forgets the direct route to a contact; the next send floods.
func (c *Companion) ResetPath(pub [crypto.PubKeySize]byte) error {
	ct := c.contacts.byKey(pub)
	if ct == nil {
		return ErrUnknownContact
	}
	ct.OutPath, ct.OutPathKnown = nil, false
	c.persist(ct)
	return nil
}

// SendSelfAdvert announces this node, by flood or to neighbours only.
func (c *Companion) SendSelfAdvert(flood bool) error {
	ad := mesh.AdvertData{
		Type:   mesh.AdvTypeChat,
		Name:   c.prefs.Name,
		HasLoc: c.prefs.Lat != 0 || c.prefs.Lon != 0,
		Lat:    c.prefs.Lat,
		Lon:    c.prefs.Lon,
	}
	h, err := c.mesh.CreateAdvert(ad.Encode())
	if err != nil {
		return err
	}
	if flood {
		c.mesh.SendFlood(h, 0)
	} else {
		c.mesh.SendZeroHop(h, 0)
	}
	return nil
}

// mesh.App callbacks.

func (c *Companion) OnAdvertRecv(_ *protocol.Packet, id crypto.PublicIdentity, timestamp uint32, appData []byte) {
	ad, err := mesh.ParseAdvertData(appData)
	if err != nil {
		return
	}
	ct := c.contacts.byKey(id.EncPub)
	if ct == nil {
		ct = &Contact{ID: id}
		c.insert(ct)
		if c.contacts.byKey(id.EncPub) == nil {
			return
		}
	} else if timestamp <= ct.LastAdvert {
		c.log.Debug("possible advert replay", zap.String("key", id.Hex()))
		return
	}
	ct.ID.SignPub = id.SignPub
	ct.Name, ct.Type = ad.Name, ad.Type
	if ad.HasLoc {
		ct.Lat, ct.Lon = ad.Lat, ad.Lon
	}
	ct.LastAdvert = timestamp
	ct.LastMod = c.mesh.RTC().Now()
	c.persist(ct)
	c.push(append([]byte{PushAdvert}, id.EncPub[:]...))
}

func (c *Companion) PeerSecrets(hash byte) []mesh.PeerSecret {
	var out []mesh.PeerSecret
	for i, ct := range c.contacts.list {
		if ct.ID.IsHashMatch(hash) {
			out = append(out, mesh.PeerSecret{Index: i, Secret: ct.secret})
		}
	}
	return out
}

func (c *Companion) OnPeerDataRecv(pkt *protocol.Packet, typ protocol.PayloadType, peer int, _ [crypto.SecretSize]byte, data []byte) {
	ct := c.contacts.at(peer)
	if ct == nil {
		return
	}
	switch typ {
	case protocol.TypeTxtMsg:
		c.recvText(pkt, ct, data)
	case protocol.TypeResponse:
		c.recvResponse(ct, data)
	}
}

func (c *Companion) recvText(pkt *protocol.Packet, ct *Contact, data []byte) {
	if len(data) <= 5 {
		return
	}
	timestamp := binary.LittleEndian.Uint32(data)
	txtType := data[4] >> 2
	text := cString(data[5:])

	if txtType == mesh.TxtTypePlain {
		ack := binary.LittleEndian.AppendUint32(nil, crypto.AckHash(data[:5+len(text)], ct.ID.EncPub[:]))
		if pkt.IsFlood() {
			// answer with our path so the sender learns a route
			if h, err := c.mesh.CreatePathReturn(ct.ID.Hash(), ct.secret, pkt.PathBytes(), protocol.TypeAck, ack); err == nil {
				c.mesh.SendFlood(h, 0)
			}
		} else if h, err := c.mesh.CreateAck(binary.LittleEndian.Uint32(ack)); err == nil {
			c.sendTo(ct, h)
		}
	}

	frame := []byte{RespContactMsgRecv}
	frame = append(frame, ct.ID.EncPub[:pubKeyPrefixLen]...)
	if pkt.IsFlood() {
		frame = append(frame, pkt.PathLen)
	} else {
		frame = append(frame, 0xFF)
	}
	frame = append(frame, txtType)
	frame = binary.LittleEndian.AppendUint32(frame, timestamp)
	frame = append(frame, text...)
	c.enqueue(frame)
}

func (c *Companion) recvResponse(ct *Contact, data []byte) {
	if len(data) < 5 {
		return
	}
	prefix := ct.ID.EncPub[:pubKeyPrefixLen]
	switch {
	case c.pendingLogin != nil && *c.pendingLogin == ct.ID.EncPub:
		c.pendingLogin = nil
		if data[4] != mesh.RespLoginOK || len(data) < 7 {
			c.push(append([]byte{PushLoginFail, 0}, prefix...))
			return
		}
		c.push(append([]byte{PushLoginSuccess, data[6]}, prefix...))

	case c.pendingStat != nil && *c.pendingStat == ct.ID.EncPub:
		c.pendingStat = nil
		frame := append([]byte{PushStatusResponse, 0}, prefix...)
		c.push(append(frame, data[4:]...))
	}
}

func (c *Companion) OnPeerPathRecv(_ *protocol.Packet, peer int, _ [crypto.SecretSize]byte, path []byte, extraType protocol.PayloadType, extra []byte) bool {
	ct := c.contacts.at(peer)
	if ct == nil {
		return false
	}
	ct.OutPath = append([]byte(nil), path...)
	ct.OutPathKnown = true
	ct.LastMod = c.mesh.RTC().Now()
	c.persist(ct)
	c.push(append([]byte{PushPathUpdated}, ct.ID.EncPub[:]...))

	switch {
	case extraType == protocol.TypeAck && len(extra) >= 4:
		c.processAck(binary.LittleEndian.Uint32(extra))
	case extraType == protocol.TypeResponse:
		c.recvResponse(ct, extra)
	}
	return true
}

func (c *Companion) OnAckRecv(_ *protocol.Packet, ack uint32) { c.processAck(ack) }

func (c *Companion) processAck(ack uint32) {
	if ack == 0 || ack != c.expectedAck {
		return
	}
	trip := uint32(c.mesh.Millis() - c.ackSentAt)
	c.expectedAck = 0
	frame := binary.LittleEndian.AppendUint32([]byte{PushSendConfirmed}, ack)
	c.push(binary.LittleEndian.AppendUint32(frame, trip))
}

func (c *Companion) ChannelsByHash(hash byte) []mesh.GroupChannel {
	var out []mesh.GroupChannel
	for _, ch := range c.channels {
		if ch.Hash() == hash {
			out = append(out, ch)
		}
	}
	return out
}

func (c *Companion) OnGroupDataRecv(pkt *protocol.Packet, typ protocol.PayloadType, ch mesh.GroupChannel, data []byte) {
	if typ != protocol.TypeGrpTxt || len(data) <= 5 {
		return
	}
	idx := -1
	for i := range c.channels {
		if c.channels[i].Secret == ch.Secret {
			idx = i
			break
		}
	}
	frame := []byte{RespChannelMsgRecv, byte(int8(idx))}
	if pkt.IsFlood() {
		frame = append(frame, pkt.PathLen)
	} else {
		frame = append(frame, 0xFF)
	}
	frame = append(frame, data[4]>>2)
	frame = append(frame, data[:4]...)
	frame = append(frame, cString(data[5:])...)
	c.enqueue(frame)
}

func (c *Companion) OnRawDataRecv(pkt *protocol.Packet) {
	frame := []byte{PushRawData, byte(int8(pkt.SNR * 4)), byte(int8(math.Max(-128, float64(pkt.RSSI)))), 0xFF}
	c.push(append(frame, pkt.PayloadBytes()...))
}
