package companion

import (
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/ripplebiz/MeshCore/internal/crypto"
	"github.com/ripplebiz/MeshCore/internal/radio"
)

func (c *Companion) reply(frame []byte) {
	if c.link == nil {
		return
	}
	if err := c.link.Send(frame); err != nil {
		c.log.Debug("reply dropped", zap.Uint8("code", frame[0]), zap.Error(err))
	}
}

func pubKeyArg(b []byte) ([crypto.PubKeySize]byte, bool) {
	var pub [crypto.PubKeySize]byte
	if len(b) < crypto.PubKeySize {
		return pub, false
	}
	copy(pub[:], b)
	return pub, true
}

// HandleFrame runs one command frame from the app. Replies go back over
// the link.
func (c *Companion) HandleFrame(frame []byte) {
	if len(frame) == 0 {
		return
	}
	args := frame[1:]
	switch frame[0] {
	case CmdAppStart:
		c.reply(c.selfInfo())

	case CmdDeviceQuery:
		f := []byte{RespDeviceInfo, firmwareVerCode}
		c.reply(append(f, nameField(c.cfg.BuildDate, 12)...))

	case CmdSendTxtMsg:
		// txt_type(1) | attempt(1) | timestamp(4) | key_prefix(6) | text
		if len(args) < 12 {
			c.reply(errFrame())
			return
		}
		ct := c.contacts.byPrefix(args[6:12])
		if ct == nil || args[0] != 0 {
			c.reply(errFrame())
			return
		}
		ack, timeout, flood, err := c.SendText(ct.ID.EncPub, args[1], binary.LittleEndian.Uint32(args[2:]), string(args[12:]))
		if err != nil {
			c.reply(errFrame())
			return
		}
		c.reply(sentFrame(flood, ack, timeout))

	case CmdSendChannelTxtMsg:
		// txt_type(1) | channel(1) | timestamp(4) | text
		if len(args) < 6 || c.SendChannelText(int(args[1]), binary.LittleEndian.Uint32(args[2:]), string(args[6:])) != nil {
			c.reply(errFrame())
			return
		}
		c.reply(okFrame())

	case CmdGetContacts:
		var since uint32
		if len(args) >= 4 {
			since = binary.LittleEndian.Uint32(args)
		}
		c.sendContacts(since)

	case CmdGetDeviceTime:
		c.reply(u32Frame(RespCurrTime, c.mesh.RTC().Now()))

	case CmdSetDeviceTime:
		if len(args) < 4 || c.mesh.RTC().Set(binary.LittleEndian.Uint32(args)) != nil {
			c.reply(errFrame())
			return
		}
		c.reply(okFrame())

	case CmdSendSelfAdvert:
		flood := len(args) > 0 && args[0] == 1
		if c.SendSelfAdvert(flood) != nil {
			c.reply(errFrame())
			return
		}
		c.reply(okFrame())

	case CmdSetAdvertName:
		c.prefs.SetName(string(args))
		c.savePrefs()
		c.reply(okFrame())

	case CmdSetAdvertLatLon:
		if len(args) < 8 {
			c.reply(errFrame())
			return
		}
		c.prefs.Lat, c.prefs.Lon = readLatLon(args)
		c.savePrefs()
		c.reply(okFrame())

	case CmdAddUpdateContact:
		c.addUpdateContact(args)

	case CmdRemoveContact:
		pub, ok := pubKeyArg(args)
		if !ok || !c.contacts.remove(pub) {
			c.reply(errFrame())
			return
		}
		if c.store != nil {
			if err := c.store.DeleteContact(crypto.PublicIdentity{EncPub: pub}.Hex()); err != nil {
				c.log.Warn("deleting contact", zap.Error(err))
			}
		}
		c.reply(okFrame())

	case CmdResetPath:
		pub, ok := pubKeyArg(args)
		if !ok || c.ResetPath(pub) != nil {
			c.reply(errFrame())
			return
		}
		c.reply(okFrame())

	case CmdSyncNextMessage:
		if len(c.queue) == 0 {
			c.reply([]byte{RespNoMoreMessages})
			return
		}
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.reply(next)

	case CmdSetRadioParams:
		// freq kHz(4) | bw Hz(4) | sf(1) | cr(1), applied on reboot
		if len(args) < 10 {
			c.reply(errFrame())
			return
		}
		freq := float64(binary.LittleEndian.Uint32(args)) / 1000
		bw := float64(binary.LittleEndian.Uint32(args[4:])) / 1000
		if c.prefs.SetRadio(freq, bw, int(args[8]), int(args[9])) != nil {
			c.reply(errFrame())
			return
		}
		c.savePrefs()
		c.reply(okFrame())

	case CmdSetRadioTxPower:
		if len(args) < 1 || args[0] > maxTxPower || c.prefs.SetTxPower(int(args[0])) != nil {
			c.reply(errFrame())
			return
		}
		if r, ok := c.mesh.Radio().(radio.Configurable); ok {
			r.SetTxPower(c.prefs.TxPowerDBm)
		}
		c.savePrefs()
		c.reply(okFrame())

	case CmdSetTuningParams:
		// rx_delay x1000 (4) | airtime factor x1000 (4)
		if len(args) < 8 {
			c.reply(errFrame())
			return
		}
		c.prefs.RxDelay = float32(binary.LittleEndian.Uint32(args)) / 1000
		c.prefs.AirtimeFactor = float32(binary.LittleEndian.Uint32(args[4:])) / 1000
		c.prefs.Sanitize()
		c.savePrefs()
		c.reply(okFrame())

	case CmdGetBatteryVoltage:
		var mv uint16
		if c.cfg.BatteryMilliVolts != nil {
			mv = c.cfg.BatteryMilliVolts()
		}
		c.reply(binary.LittleEndian.AppendUint16([]byte{RespBatteryVoltage}, mv))

	case CmdReboot:
		if c.cfg.OnReboot != nil {
			c.cfg.OnReboot()
		}

	case CmdExportPrivateKey, CmdImportPrivateKey:
		c.reply(disabledFrame())

	case CmdSendRawData:
		// path_len(1) | path | data
		if len(args) < 1 || len(args) < 1+int(args[0])+4 {
			c.reply(errFrame())
			return
		}
		n := int(args[0])
		h, err := c.mesh.CreateRawData(args[1+n:])
		if err != nil {
			c.reply(errFrame())
			return
		}
		c.mesh.SendDirect(h, args[1:1+n], 0)
		c.reply(okFrame())

	case CmdSendLogin:
		pub, ok := pubKeyArg(args)
		if !ok {
			c.reply(errFrame())
			return
		}
		timeout, flood, err := c.Login(pub, string(args[crypto.PubKeySize:]))
		if err != nil {
			c.reply(errFrame())
			return
		}
		c.reply(sentFrame(flood, 0, timeout))

	case CmdSendStatusReq:
		pub, ok := pubKeyArg(args)
		if !ok {
			c.reply(errFrame())
			return
		}
		timeout, flood, err := c.RequestStatus(pub)
		if err != nil {
			c.reply(errFrame())
			return
		}
		c.reply(sentFrame(flood, 0, timeout))

	default:
		c.log.Debug("unknown command", zap.Uint8("code", frame[0]))
		c.reply(errFrame())
	}
}

// selfInfo is:
//
//	code | tx_power | max_tx_power | enc_pub(32) | lat(4) | lon(4) |
//	reserved(3) | manual_add(1) | freq kHz(4) | bw Hz(4) | sf | cr | name
func (c *Companion) selfInfo() []byte {
	p := c.prefs
	b := []byte{RespSelfInfo, byte(p.TxPowerDBm), maxTxPower}
	b = append(b, c.mesh.Self().EncPub[:]...)
	b = appendLatLon(b, p.Lat, p.Lon)
	b = append(b, 0, 0, 0, 0)
	b = binary.LittleEndian.AppendUint32(b, uint32(p.FreqMHz*1000))
	b = binary.LittleEndian.AppendUint32(b, uint32(p.BandwidthKHz*1000))
	b = append(b, p.SF, p.CR)
	return append(b, p.Name...)
}

func (c *Companion) sendContacts(since uint32) {
	var out []*Contact
	var latest uint32
	for _, ct := range c.contacts.list {
		if ct.LastMod > since {
			out = append(out, ct)
			latest = max(latest, ct.LastMod)
		}
	}
	c.reply(u32Frame(RespContactsStart, uint32(len(out))))
	for _, ct := range out {
		c.reply(appendContact([]byte{RespContact}, ct))
	}
	c.reply(u32Frame(RespEndOfContacts, latest))
}

func (c *Companion) addUpdateContact(args []byte) {
	in, err := parseContact(args)
	if err != nil {
		c.reply(errFrame())
		return
	}
	ct := c.contacts.byKey(in.ID.EncPub)
	if ct == nil {
		ct = &in
		c.insert(ct)
		if c.contacts.byKey(in.ID.EncPub) == nil {
			c.reply(errFrame())
			return
		}
	} else {
		ct.Name, ct.Type, ct.Flags = in.Name, in.Type, in.Flags
		ct.Lat, ct.Lon = in.Lat, in.Lon
		ct.OutPath, ct.OutPathKnown = in.OutPath, in.OutPathKnown
		ct.LastAdvert = in.LastAdvert
	}
	ct.LastMod = c.mesh.RTC().Now()
	c.persist(ct)
	c.reply(okFrame())
}
