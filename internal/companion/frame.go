package companion

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"

	"github.com/ripplebiz/MeshCore/internal/crypto"
	"github.com/ripplebiz/MeshCore/internal/protocol"
)

// Commands sent by the app.
const (
	CmdAppStart            = 1
	CmdSendTxtMsg          = 2
	CmdSendChannelTxtMsg   = 3
	CmdGetContacts         = 4
	CmdGetDeviceTime       = 5
	CmdSetDeviceTime       = 6
	CmdSendSelfAdvert      = 7
	CmdSetAdvertName       = 8
	CmdAddUpdateContact    = 9
	CmdSyncNextMessage     = 10
	CmdSetRadioParams      = 11
	CmdSetRadioTxPower     = 12
	CmdResetPath           = 13
	CmdSetAdvertLatLon     = 14
	CmdRemoveContact       = 15
	CmdReboot              = 19
	CmdGetBatteryVoltage   = 20
	CmdSetTuningParams     = 21
	CmdDeviceQuery         = 22
	CmdExportPrivateKey    = 23
	CmdImportPrivateKey    = 24
	CmdSendRawData         = 25
	CmdSendLogin           = 26
	CmdSendStatusReq       = 27
)

// Replies to commands.
const (
	RespOK             = 0
	RespErr            = 1
	RespContactsStart  = 2
	RespContact        = 3
	RespEndOfContacts  = 4
	RespSelfInfo       = 5
	RespSent           = 6
	RespContactMsgRecv = 7
	RespChannelMsgRecv = 8
	RespCurrTime       = 9
	RespNoMoreMessages = 10
	RespBatteryVoltage = 12
	RespDeviceInfo     = 13
	RespDisabled       = 15
)

// Frames pushed to the app at any time.
const (
	PushAdvert         = 0x80
	PushPathUpdated    = 0x81
	PushSendConfirmed  = 0x82
	PushMsgWaiting     = 0x83
	PushRawData        = 0x84
	PushLoginSuccess   = 0x85
	PushLoginFail      = 0x86
	PushStatusResponse = 0x87
)

const (
	// MaxFrameSize bounds one app frame.
	MaxFrameSize = 172

	firmwareVerCode = 1
	pubKeyPrefixLen = 6
	maxNameField    = 32

	contactFrameSize = crypto.PubKeySize + 3 + protocol.MaxPathSize + maxNameField + 16
)

var ErrShortFrame = errors.New("companion: short frame")

func appendLatLon(b []byte, lat, lon float64) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(int32(math.Round(lat*1e6))))
	return binary.LittleEndian.AppendUint32(b, uint32(int32(math.Round(lon*1e6))))
}

func readLatLon(b []byte) (lat, lon float64) {
	lat = float64(int32(binary.LittleEndian.Uint32(b))) / 1e6
	lon = float64(int32(binary.LittleEndian.Uint32(b[4:]))) / 1e6
	return lat, lon
}

// nameField is s NUL padded (or cut) to n bytes.
func nameField(s string, n int) []byte {
	out := make([]byte, n)
	copy(out[:n-1], s)
	return out
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// appendContact encodes c as:
//
//	enc_pub(32) | type(1) | flags(1) | out_path_len(1, 0xFF unknown) |
//	out_path(64) | name(32) | last_advert(4) | lat(4) | lon(4) | last_mod(4)
func appendContact(b []byte, c *Contact) []byte {
	b = append(b, c.ID.EncPub[:]...)
	b = append(b, c.Type, c.Flags)
	var path [protocol.MaxPathSize]byte
	if c.OutPathKnown {
		b = append(b, byte(len(c.OutPath)))
		copy(path[:], c.OutPath)
	} else {
		b = append(b, 0xFF)
	}
	b = append(b, path[:]...)
	b = append(b, nameField(c.Name, maxNameField)...)
	b = binary.LittleEndian.AppendUint32(b, c.LastAdvert)
	b = appendLatLon(b, c.Lat, c.Lon)
	return binary.LittleEndian.AppendUint32(b, c.LastMod)
}

func parseContact(b []byte) (Contact, error) {
	var c Contact
	if len(b) < contactFrameSize {
		return c, ErrShortFrame
	}
	i := copy(c.ID.EncPub[:], b)
	c.Type, c.Flags = b[i], b[i+1]
	if n := b[i+2]; n != 0xFF && int(n) <= protocol.MaxPathSize {
		c.OutPath = append([]byte(nil), b[i+3:i+3+int(n)]...)
		c.OutPathKnown = true
	}
	i += 3 + protocol.MaxPathSize
	c.Name = cString(b[i : i+maxNameField])
	i += maxNameField
	c.LastAdvert = binary.LittleEndian.Uint32(b[i:])
	c.Lat, c.Lon = readLatLon(b[i+4:])
	c.LastMod = binary.LittleEndian.Uint32(b[i+12:])
	return c, nil
}

func okFrame() []byte       { return []byte{RespOK} }
func errFrame() []byte      { return []byte{RespErr} }
func disabledFrame() []byte { return []byte{RespDisabled} }

func u32Frame(code byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32([]byte{code}, v)
}

// sentFrame answers a send: whether it went by flood, the ack (or tag) to
// wait for, and the suggested timeout.
func sentFrame(flood bool, expected, timeout uint32) []byte {
	b := []byte{RespSent, 0}
	if flood {
		b[1] = 1
	}
	b = binary.LittleEndian.AppendUint32(b, expected)
	return binary.LittleEndian.AppendUint32(b, timeout)
}
