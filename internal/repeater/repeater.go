// Package repeater is the server role: a relay that also accepts logins
// from a few remote clients, answers status requests and runs admin CLI
// commands sent over the mesh.
//
// Clients are remembered in a small fixed table; when it is full the least
// recently active client is replaced. Every request carries the sender's
// timestamp, which must move forward per client, so a captured packet
// cannot be replayed.
package repeater

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/ripplebiz/MeshCore/internal/cli"
	"github.com/ripplebiz/MeshCore/internal/crypto"
	"github.com/ripplebiz/MeshCore/internal/mesh"
	"github.com/ripplebiz/MeshCore/internal/pool"
	"github.com/ripplebiz/MeshCore/internal/prefs"
	"github.com/ripplebiz/MeshCore/internal/protocol"
	"github.com/ripplebiz/MeshCore/internal/radio"
	"github.com/ripplebiz/MeshCore/internal/store"
)

const (
	DefaultMaxClients = 4

	CmdGetStatus      = mesh.ReqGetStatus
	RespServerLoginOK = mesh.RespLoginOK

	TxtTypePlain   = mesh.TxtTypePlain
	TxtTypeCLIData = mesh.TxtTypeCLIData

	// cliReplyDelay spaces the ack and the reply text apart.
	cliReplyDelay = 1500
	// initialAdvertDelay gives the radio time to settle after boot.
	initialAdvertDelay = 16000

	Role = "repeater"
)

var ErrOTAUnsupported = errors.New("repeater: ota not supported")

// Client is a remote user that has logged in.
type Client struct {
	ID            crypto.PublicIdentity
	LastTimestamp uint32 // sender clock, replay guard
	LastActivity  uint32 // our clock
	Secret        [crypto.SecretSize]byte
	IsAdmin       bool
	// OutPath is the direct route to the client; OutPathKnown false means
	// replies go by flood.
	OutPath      []byte
	OutPathKnown bool
}

// Config configures a Repeater.
type Config struct {
	Mesh       mesh.Config
	Prefs      *prefs.NodePrefs
	Store      *store.Store // optional; prefs and packet log are not persisted without it
	MaxClients int

	Version   string
	BuildDate string

	// BatteryMilliVolts reports supply voltage for status replies.
	BatteryMilliVolts func() uint16
	// OnReboot is invoked by the reboot command.
	OnReboot func()
}

// Repeater is the server role node application.
type Repeater struct {
	mesh.BaseApp

	mesh    *mesh.Engine
	prefs   *prefs.NodePrefs
	store   *store.Store
	cli     *cli.Interpreter
	log     *zap.Logger
	cfg     Config
	clients []Client
	logging bool

	nextLocalAdvert uint64
	nextFloodAdvert uint64

	tempRevertAt uint64
	savedParams  radio.Params

	neighbours neighbourTable
}

// New builds a repeater and its mesh engine. Prefs double as the
// dispatcher's tuning source, so CLI changes take effect immediately.
func New(cfg Config) *Repeater {
	if cfg.Prefs == nil {
		p := prefs.Default()
		cfg.Prefs = &p
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	if cfg.Mesh.Dispatch.Log == nil {
		cfg.Mesh.Dispatch.Log = zap.NewNop()
	}
	cfg.Mesh.Dispatch.Tuning = cfg.Prefs

	r := &Repeater{
		prefs:   cfg.Prefs,
		store:   cfg.Store,
		log:     cfg.Mesh.Dispatch.Log.Named("repeater"),
		cfg:     cfg,
		clients: make([]Client, 0, cfg.MaxClients),
	}
	r.mesh = mesh.New(cfg.Mesh, r)
	r.mesh.AddObserver(r)
	r.cli = cli.New(cfg.Prefs, r.mesh.RTC(), r, r.log)
	return r
}

// Engine returns the underlying mesh engine.
func (r *Repeater) Engine() *mesh.Engine { return r.mesh }

// Prefs returns the live preferences.
func (r *Repeater) Prefs() *prefs.NodePrefs { return r.prefs }

// Clients returns a copy of the client table.
func (r *Repeater) Clients() []Client {
	return append([]Client(nil), r.clients...)
}

// Begin starts the radio with the stored modem settings, arms the advert
// timers and queues the boot advert.
func (r *Repeater) Begin() error {
	if err := r.mesh.Begin(); err != nil {
		return err
	}
	if c, ok := r.mesh.Radio().(radio.Configurable); ok {
		if err := c.SetParams(r.prefs.RadioParams()); err != nil {
			r.log.Warn("stored radio params rejected", zap.Error(err))
		}
		c.SetTxPower(r.prefs.TxPowerDBm)
	}
	r.UpdateAdvertTimer()
	r.UpdateFloodAdvertTimer()
	r.SendSelfAdvert(initialAdvertDelay)
	return nil
}

// Loop runs one poll step: dispatcher work, then the advert and temporary
// radio timers.
func (r *Repeater) Loop() {
	r.mesh.Loop()

	switch {
	case r.nextFloodAdvert != 0 && r.mesh.HasPassed(r.nextFloodAdvert):
		if h, err := r.createSelfAdvert(); err == nil {
			r.mesh.SendFlood(h, 0)
		}
		r.UpdateFloodAdvertTimer()
		// keep the local advert from following right after
		r.UpdateAdvertTimer()
	case r.nextLocalAdvert != 0 && r.mesh.HasPassed(r.nextLocalAdvert):
		if h, err := r.createSelfAdvert(); err == nil {
			r.mesh.SendZeroHop(h, 0)
		}
		r.UpdateAdvertTimer()
	}

	if r.tempRevertAt != 0 && r.mesh.HasPassed(r.tempRevertAt) {
		r.tempRevertAt = 0
		if c, ok := r.mesh.Radio().(radio.Configurable); ok {
			if err := c.SetParams(r.savedParams); err != nil {
				r.log.Warn("reverting temp radio params", zap.Error(err))
			}
			r.log.Info("temp radio params expired")
		}
	}
}

// HandleCommand runs a CLI line from a local console (senderTimestamp 0)
// or a remote admin.
func (r *Repeater) HandleCommand(senderTimestamp uint32, command string) string {
	return r.cli.Handle(senderTimestamp, command)
}

func (r *Repeater) createSelfAdvert() (pool.Handle, error) {
	ad := mesh.AdvertData{
		Type:   mesh.AdvTypeRepeater,
		Name:   r.prefs.Name,
		HasLoc: r.prefs.Lat != 0 || r.prefs.Lon != 0,
		Lat:    r.prefs.Lat,
		Lon:    r.prefs.Lon,
	}
	return r.mesh.CreateAdvert(ad.Encode())
}

// AllowPacketForward implements mesh.App.
func (r *Repeater) AllowPacketForward(pkt *protocol.Packet) bool {
	if !r.prefs.ForwardingEnabled() {
		return false
	}
	if pkt.IsFlood() && !r.prefs.AllowFloodHop(int(pkt.PathLen)) {
		return false
	}
	return true
}

// TxDelayFactors implements mesh.App.
func (r *Repeater) TxDelayFactors() (float32, float32) {
	return r.prefs.TxDelayFactor, r.prefs.DirectTxDelayFactor
}

// findClient returns the table entry for id, or nil.
func (r *Repeater) findClient(id crypto.PublicIdentity) *Client {
	for i := range r.clients {
		if r.clients[i].ID.Equal(id) {
			return &r.clients[i]
		}
	}
	return nil
}

// putClient returns the entry for id, creating it and evicting the least
// recently active client when the table is full.
func (r *Repeater) putClient(id crypto.PublicIdentity) (*Client, error) {
	if c := r.findClient(id); c != nil {
		return c, nil
	}
	secret, err := r.mesh.Self().SharedSecret(id.EncPub)
	if err != nil {
		return nil, err
	}
	fresh := Client{ID: id, Secret: secret}
	if len(r.clients) < cap(r.clients) {
		r.clients = append(r.clients, fresh)
		return &r.clients[len(r.clients)-1], nil
	}
	oldest := 0
	for i := range r.clients {
		if r.clients[i].LastActivity < r.clients[oldest].LastActivity {
			oldest = i
		}
	}
	r.clients[oldest] = fresh
	return &r.clients[oldest], nil
}

// cString returns b up to its first NUL.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// OnAnonDataRecv handles logins: timestamp(4) | password.
func (r *Repeater) OnAnonDataRecv(pkt *protocol.Packet, typ protocol.PayloadType, sender crypto.PublicIdentity, data []byte) {
	if typ != protocol.TypeAnonReq || len(data) < 4 {
		return
	}
	timestamp := binary.LittleEndian.Uint32(data)
	password := cString(data[4:])

	var isAdmin bool
	switch {
	case password == r.prefs.Password:
		isAdmin = true
	case r.prefs.GuestPassword != "" && password == r.prefs.GuestPassword:
		isAdmin = false
	default:
		r.log.Debug("invalid password", zap.String("sender", sender.Hex()))
		return
	}

	client := r.findClient(sender)
	var last uint32
	if client != nil {
		last = client.LastTimestamp
	}
	if timestamp <= last {
		r.log.Debug("possible login replay", zap.String("sender", sender.Hex()))
		return
	}
	if client == nil {
		var err error
		if client, err = r.putClient(sender); err != nil {
			return
		}
	}
	client.LastTimestamp = timestamp
	client.LastActivity = r.mesh.RTC().Now()
	client.IsAdmin = isAdmin

	reply := make([]byte, 0, 12)
	reply = binary.LittleEndian.AppendUint32(reply, r.mesh.RTC().Unique())
	reply = append(reply, RespServerLoginOK, 0, 0, 0) // keep-alive, admin, reserved
	if isAdmin {
		reply[6] = 1
	}
	// random blob keeps the packet hash unique
	reply = binary.LittleEndian.AppendUint32(reply, r.mesh.RNG().Uint32())

	r.reply(pkt, client, reply)
}

// reply answers a request, returning the flood path when the request
// arrived by flood so the client learns a direct route.
func (r *Repeater) reply(req *protocol.Packet, client *Client, data []byte) {
	if req.IsFlood() {
		h, err := r.mesh.CreatePathReturn(client.ID.Hash(), client.Secret, req.PathBytes(), protocol.TypeResponse, data)
		if err == nil {
			r.mesh.SendFlood(h, 0)
		}
		return
	}
	h, err := r.mesh.CreateDatagram(protocol.TypeResponse, client.ID.Hash(), client.Secret, data)
	if err == nil {
		r.sendToClient(client, h, 0)
	}
}

func (r *Repeater) sendToClient(client *Client, h pool.Handle, delay uint32) {
	if client.OutPathKnown {
		r.mesh.SendDirect(h, client.OutPath, delay)
	} else {
		r.mesh.SendFlood(h, delay)
	}
}

// PeerSecrets implements mesh.App over the client table.
func (r *Repeater) PeerSecrets(hash byte) []mesh.PeerSecret {
	var out []mesh.PeerSecret
	for i := range r.clients {
		if r.clients[i].ID.IsHashMatch(hash) {
			out = append(out, mesh.PeerSecret{Index: i, Secret: r.clients[i].Secret})
		}
	}
	return out
}

// OnPeerDataRecv handles requests and CLI text from logged-in clients.
func (r *Repeater) OnPeerDataRecv(pkt *protocol.Packet, typ protocol.PayloadType, peer int, secret [crypto.SecretSize]byte, data []byte) {
	if peer < 0 || peer >= len(r.clients) || len(data) < 4 {
		return
	}
	client := &r.clients[peer]
	timestamp := binary.LittleEndian.Uint32(data)

	switch {
	case typ == protocol.TypeReq:
		if timestamp <= client.LastTimestamp {
			r.log.Debug("possible request replay", zap.String("sender", client.ID.Hex()))
			return
		}
		reply := r.handleRequest(data[4:])
		if reply == nil {
			return
		}
		client.LastTimestamp = timestamp
		client.LastActivity = r.mesh.RTC().Now()
		r.reply(pkt, client, reply)

	case typ == protocol.TypeTxtMsg && len(data) > 5 && client.IsAdmin:
		r.handleCLIText(client, timestamp, data)
	}
}

func (r *Repeater) handleRequest(req []byte) []byte {
	if len(req) == 0 {
		return nil
	}
	switch req[0] {
	case CmdGetStatus:
		reply := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+StatsSize), r.mesh.RTC().Unique())
		return r.Stats().AppendTo(reply)
	}
	return nil
}

// handleCLIText runs an admin command: timestamp(4) | flags(1) | text.
func (r *Repeater) handleCLIText(client *Client, timestamp uint32, data []byte) {
	txtType := data[4] >> 2
	if txtType != TxtTypePlain && txtType != TxtTypeCLIData {
		r.log.Debug("unsupported text type", zap.Uint8("flags", data[4]))
		return
	}
	if timestamp < client.LastTimestamp {
		r.log.Debug("possible cli replay", zap.String("sender", client.ID.Hex()))
		return
	}
	isRetry := timestamp == client.LastTimestamp
	client.LastTimestamp = timestamp
	client.LastActivity = r.mesh.RTC().Now()

	text := cString(data[5:])
	if txtType == TxtTypePlain {
		ack := crypto.AckHash(data[:5+len(text)], client.ID.EncPub[:])
		if h, err := r.mesh.CreateAck(ack); err == nil {
			r.sendToClient(client, h, 0)
		}
	}

	var out string
	if !isRetry {
		out = r.cli.Handle(timestamp, text)
	}
	if out == "" {
		return
	}
	if limit := mesh.MaxDatagramData - 5; len(out) > limit {
		out = out[:limit]
	}
	ts := r.mesh.RTC().Unique()
	if ts == timestamp {
		// the client shows both; they must differ
		ts++
	}
	msg := binary.LittleEndian.AppendUint32(make([]byte, 0, 5+len(out)), ts)
	msg = append(msg, TxtTypeCLIData<<2)
	msg = append(msg, out...)
	if h, err := r.mesh.CreateDatagram(protocol.TypeTxtMsg, client.ID.Hash(), client.Secret, msg); err == nil {
		r.sendToClient(client, h, cliReplyDelay)
	}
}

// OnPeerPathRecv stores the route back to a client. No reciprocal path is
// sent.
func (r *Repeater) OnPeerPathRecv(_ *protocol.Packet, peer int, _ [crypto.SecretSize]byte, path []byte, _ protocol.PayloadType, _ []byte) bool {
	if peer < 0 || peer >= len(r.clients) {
		return false
	}
	c := &r.clients[peer]
	c.OutPath = append(c.OutPath[:0], path...)
	c.OutPathKnown = true
	r.log.Debug("path to client", zap.Int("path_len", len(path)))
	return false
}

// OnAdvertRecv records neighbours heard directly.
func (r *Repeater) OnAdvertRecv(pkt *protocol.Packet, id crypto.PublicIdentity, timestamp uint32, _ []byte) {
	if pkt.PathLen == 0 && pkt.Source == protocol.SourceRadio {
		r.neighbours.put(id, timestamp, r.mesh.RTC().Now(), int8(pkt.SNR*4))
	}
}

// Stats assembles the status record.
func (r *Repeater) Stats() Stats {
	rd := r.mesh.Radio()
	ds := r.mesh.Stats()
	s := Stats{
		TxQueueLen:       uint16(r.mesh.Pool().OutboundCount()),
		FreeQueueLen:     uint16(r.mesh.Pool().FreeCount()),
		LastRSSI:         int16(rd.LastRSSI()),
		TotalAirTimeSecs: uint32(ds.TotalAirtime / 1000),
		TotalUpTimeSecs:  uint32(r.mesh.Millis() / 1000),
		SentFlood:        ds.SentFlood,
		SentDirect:       ds.SentDirect,
		RecvFlood:        ds.RecvFlood,
		RecvDirect:       ds.RecvDirect,
		FullEvents:       uint16(ds.FullEvents),
		LastSNR:          int16(rd.LastSNR() * 4),
		DirectDups:       uint16(r.mesh.Seen().DirectDups()),
		FloodDups:        uint16(r.mesh.Seen().FloodDups()),
	}
	if c, ok := rd.(radio.Counters); ok {
		s.PacketsRecv = c.PacketsRecv()
		s.PacketsSent = c.PacketsSent()
	}
	if r.cfg.BatteryMilliVolts != nil {
		s.BattMilliVolts = r.cfg.BatteryMilliVolts()
	}
	return s
}

// cli.Host implementation.

func (r *Repeater) SavePrefs() error {
	if r.store == nil {
		return nil
	}
	return r.store.SavePrefs(r.prefs)
}

func (r *Repeater) SendSelfAdvert(delayMillis uint32) {
	h, err := r.createSelfAdvert()
	if err != nil {
		r.log.Warn("unable to create advert", zap.Error(err))
		return
	}
	r.mesh.SendFlood(h, delayMillis)
}

func (r *Repeater) UpdateAdvertTimer() {
	if mins := r.prefs.LocalAdvertMinutes(); mins > 0 {
		r.nextLocalAdvert = r.mesh.FutureMillis(uint32(mins) * 60 * 1000)
	} else {
		r.nextLocalAdvert = 0
	}
}

func (r *Repeater) UpdateFloodAdvertTimer() {
	if hours := r.prefs.FloodAdvertInterval; hours > 0 {
		r.nextFloodAdvert = r.mesh.FutureMillis(uint32(hours) * 60 * 60 * 1000)
	} else {
		r.nextFloodAdvert = 0
	}
}

func (r *Repeater) ApplyTempRadio(p radio.Params, mins int) error {
	c, ok := r.mesh.Radio().(radio.Configurable)
	if !ok {
		return radio.ErrBadParams
	}
	if r.tempRevertAt == 0 {
		r.savedParams = c.Params()
	}
	if err := c.SetParams(p); err != nil {
		return err
	}
	r.tempRevertAt = r.mesh.FutureMillis(uint32(mins) * 60 * 1000)
	return nil
}

func (r *Repeater) SetTxPower(dbm int8) {
	if c, ok := r.mesh.Radio().(radio.Configurable); ok {
		c.SetTxPower(dbm)
	}
}

func (r *Repeater) ClearStats() {
	r.mesh.ResetStats()
	r.mesh.Seen().ResetStats()
}

func (r *Repeater) FormatNeighbors() string {
	return r.neighbours.format(r.mesh.RTC().Now())
}

func (r *Repeater) SetLogging(on bool) { r.logging = on }

func (r *Repeater) EraseLog() error {
	if r.store == nil {
		return nil
	}
	return r.store.EraseLog()
}

func (r *Repeater) DumpLog() string {
	if r.store == nil {
		return ""
	}
	var b strings.Builder
	if err := r.store.DumpLog(&b); err != nil {
		r.log.Warn("dumping packet log", zap.Error(err))
	}
	return b.String()
}

func (r *Repeater) FormatFileSystem() error {
	if r.store == nil {
		return nil
	}
	return r.store.Erase()
}

func (r *Repeater) Reboot() {
	if r.cfg.OnReboot != nil {
		r.cfg.OnReboot()
	}
}

func (r *Repeater) StartOTA() (string, error) { return "", ErrOTAUnsupported }

func (r *Repeater) SelfPubKeyHex() string   { return r.mesh.Self().PublicKeyHex() }
func (r *Repeater) Role() string            { return Role }
func (r *Repeater) FirmwareVersion() string { return r.cfg.Version }
func (r *Repeater) BuildDate() string       { return r.cfg.BuildDate }
