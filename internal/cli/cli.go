// Package cli is the text command interpreter shared by the local console,
// the HTTP API and admin commands arriving over the mesh.
//
// A sender timestamp of 0 marks a local caller; a few commands (erase,
// set freq, log dump) are refused to remote callers. Replies are plain
// text; failures start with "Error" or "ERR".
package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ripplebiz/MeshCore/internal/clock"
	"github.com/ripplebiz/MeshCore/internal/prefs"
	"github.com/ripplebiz/MeshCore/internal/radio"
)

// advertReplyDelay leaves room for the CLI reply to go out first.
const advertReplyDelay = 1500

// Host is the node role the interpreter acts on.
type Host interface {
	SavePrefs() error
	SendSelfAdvert(delayMillis uint32)
	UpdateAdvertTimer()
	UpdateFloodAdvertTimer()
	ApplyTempRadio(p radio.Params, mins int) error
	SetTxPower(dbm int8)
	ClearStats()
	FormatNeighbors() string

	SetLogging(on bool)
	EraseLog() error
	DumpLog() string
	FormatFileSystem() error
	Reboot()
	StartOTA() (string, error)

	SelfPubKeyHex() string
	Role() string
	FirmwareVersion() string
	BuildDate() string
}

// Interpreter executes commands against prefs and a Host.
type Interpreter struct {
	prefs *prefs.NodePrefs
	rtc   *clock.RTC
	host  Host
	log   *zap.Logger
}

// New creates an interpreter.
func New(p *prefs.NodePrefs, rtc *clock.RTC, host Host, log *zap.Logger) *Interpreter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Interpreter{prefs: p, rtc: rtc, host: host, log: log}
}

func formatClock(epoch uint32) string {
	t := time.Unix(int64(epoch), 0).UTC()
	return fmt.Sprintf("%02d:%02d - %d/%d/%d UTC", t.Hour(), t.Minute(), t.Day(), int(t.Month()), t.Year())
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func ftoa32(f float32) string {
	return strconv.FormatFloat(float64(f), 'f', -1, 32)
}

// atoi parses the leading decimal digits of s, like the firmware did;
// anything else yields 0.
func atoi(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func atof(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func signedAtoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func (c *Interpreter) save() {
	c.prefs.BeforeSave()
	c.savePrefsOnly()
}

func (c *Interpreter) savePrefsOnly() {
	if err := c.host.SavePrefs(); err != nil {
		c.log.Warn("cli: saving prefs", zap.Error(err))
	}
}

// Handle runs one command line and returns the reply (possibly empty).
func (c *Interpreter) Handle(senderTimestamp uint32, command string) string {
	command = strings.TrimRight(command, "\r\n")
	local := senderTimestamp == 0

	switch {
	case strings.HasPrefix(command, "help"):
		return help(command)

	case strings.HasPrefix(command, "reboot"):
		c.host.Reboot()
		return ""

	case strings.HasPrefix(command, "advert"):
		c.host.SendSelfAdvert(advertReplyDelay)
		return "OK - Advert sent"

	case strings.HasPrefix(command, "clock sync"):
		if senderTimestamp <= c.rtc.Now() || c.rtc.Set(senderTimestamp+1) != nil {
			return "ERR: clock cannot go backwards"
		}
		return "OK - clock set: " + formatClock(c.rtc.Now())

	case strings.HasPrefix(command, "start ota"):
		reply, err := c.host.StartOTA()
		if err != nil {
			return "Error"
		}
		return reply

	case strings.HasPrefix(command, "clock"):
		return formatClock(c.rtc.Now())

	case strings.HasPrefix(command, "time "):
		secs := uint32(atoi(command[5:]))
		if !clock.ValidEpoch(secs) || c.rtc.Set(secs) != nil {
			return "(ERR: clock cannot go backwards)"
		}
		return "OK - clock set: " + formatClock(c.rtc.Now())

	case strings.HasPrefix(command, "neighbors"):
		return c.host.FormatNeighbors()

	case strings.HasPrefix(command, "tempradio"):
		return c.tempRadio(command[len("tempradio"):])

	case strings.HasPrefix(command, "password "):
		c.prefs.SetPassword(command[len("password "):])
		c.save()
		return "password now: " + c.prefs.Password

	case strings.HasPrefix(command, "clear stats"):
		c.host.ClearStats()
		return "(OK - stats reset)"

	case strings.HasPrefix(command, "get "):
		return c.get(command[4:])

	case strings.HasPrefix(command, "set "):
		return c.set(command[4:], local)

	case local && command == "erase":
		if err := c.host.FormatFileSystem(); err != nil {
			return "File system erase: Err"
		}
		return "File system erase: OK"

	case strings.HasPrefix(command, "ver"):
		return fmt.Sprintf("%s (Build: %s)", c.host.FirmwareVersion(), c.host.BuildDate())

	case strings.HasPrefix(command, "log start"):
		c.host.SetLogging(true)
		return "   logging on"

	case strings.HasPrefix(command, "log stop"):
		c.host.SetLogging(false)
		return "   logging off"

	case strings.HasPrefix(command, "log erase"):
		if err := c.host.EraseLog(); err != nil {
			c.log.Warn("cli: erasing log", zap.Error(err))
		}
		return "   log erased"

	case local && strings.HasPrefix(command, "log"):
		return c.host.DumpLog() + "   EOF"
	}
	return "Unknown command"
}

// splitParams splits radio arguments on commas or spaces.
func splitParams(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
}

func (c *Interpreter) tempRadio(args string) string {
	parts := splitParams(args)
	get := func(i int) string {
		if i < len(parts) {
			return parts[i]
		}
		return ""
	}
	freq, bw := atof(get(0)), atof(get(1))
	sf, cr, mins := atoi(get(2)), atoi(get(3)), atoi(get(4))
	if prefs.ValidateTempRadio(freq, bw, sf, cr, mins) != nil {
		return "Error, invalid params"
	}
	p := c.prefs.RadioParams()
	p.FreqMHz, p.BandwidthKHz, p.SF, p.CR = freq, bw, uint8(sf), uint8(cr)
	if err := c.host.ApplyTempRadio(p, mins); err != nil {
		return "Error, invalid params"
	}
	return fmt.Sprintf("OK - temp params for %d mins", mins)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func (c *Interpreter) get(key string) string {
	p := c.prefs
	switch {
	case strings.HasPrefix(key, "af"):
		return "> " + ftoa32(p.AirtimeFactor)
	case strings.HasPrefix(key, "int.thresh"):
		return fmt.Sprintf("> %d", p.InterferenceThreshold)
	case strings.HasPrefix(key, "agc.reset.interval"):
		return fmt.Sprintf("> %d", p.AGCResetSeconds())
	case strings.HasPrefix(key, "multi.acks"):
		return fmt.Sprintf("> %d", p.MultiAcks)
	case strings.HasPrefix(key, "allow.read.only"):
		return "> " + onOff(p.AllowReadOnly)
	case strings.HasPrefix(key, "flood.advert.interval"):
		return fmt.Sprintf("> %d", p.FloodAdvertInterval)
	case strings.HasPrefix(key, "advert.interval"):
		return fmt.Sprintf("> %d", p.LocalAdvertMinutes())
	case strings.HasPrefix(key, "guest.password"):
		return "> " + p.GuestPassword
	case strings.HasPrefix(key, "name"):
		return "> " + p.Name
	case strings.HasPrefix(key, "repeat"):
		return "> " + onOff(p.ForwardingEnabled())
	case strings.HasPrefix(key, "lat"):
		return "> " + ftoa(p.Lat)
	case strings.HasPrefix(key, "lon"):
		return "> " + ftoa(p.Lon)
	case strings.HasPrefix(key, "radio"):
		return fmt.Sprintf("> %s,%s,%d,%d", ftoa(p.FreqMHz), ftoa(p.BandwidthKHz), p.SF, p.CR)
	case strings.HasPrefix(key, "rxdelay"):
		return "> " + ftoa32(p.RxDelay)
	case strings.HasPrefix(key, "txdelay"):
		return "> " + ftoa32(p.TxDelayFactor)
	case strings.HasPrefix(key, "flood.max"):
		return fmt.Sprintf("> %d", p.FloodMax)
	case strings.HasPrefix(key, "direct.txdelay"):
		return "> " + ftoa32(p.DirectTxDelayFactor)
	case key == "tx" || strings.HasPrefix(key, "tx "):
		return fmt.Sprintf("> %d", p.TxPowerDBm)
	case strings.HasPrefix(key, "freq"):
		return "> " + ftoa(p.FreqMHz)
	case strings.HasPrefix(key, "public.key"):
		return "> " + c.host.SelfPubKeyHex()
	case strings.HasPrefix(key, "role"):
		return "> " + c.host.Role()
	}
	return "??: " + key
}

// cut returns the value after "key " when cfg starts with it.
func cut(cfg, key string) (string, bool) {
	return strings.CutPrefix(cfg, key+" ")
}

func (c *Interpreter) set(cfg string, local bool) string {
	p := c.prefs
	if v, ok := cut(cfg, "af"); ok {
		p.AirtimeFactor = float32(atof(v))
		c.save()
		return "OK"
	}
	if v, ok := cut(cfg, "int.thresh"); ok {
		p.InterferenceThreshold = uint8(atoi(v))
		c.save()
		return "OK"
	}
	if v, ok := cut(cfg, "agc.reset.interval"); ok {
		p.SetAGCResetSeconds(atoi(v))
		c.save()
		return "OK"
	}
	if v, ok := cut(cfg, "multi.acks"); ok {
		p.MultiAcks = uint8(min(atoi(v), 1))
		c.save()
		return "OK"
	}
	if v, ok := cut(cfg, "allow.read.only"); ok {
		p.AllowReadOnly = strings.HasPrefix(v, "on")
		c.save()
		return "OK"
	}
	if v, ok := cut(cfg, "flood.advert.interval"); ok {
		if err := p.SetFloodAdvertHours(atoi(v)); err != nil {
			return "Error: " + err.Error()
		}
		c.host.UpdateFloodAdvertTimer()
		c.save()
		return "OK"
	}
	if v, ok := cut(cfg, "advert.interval"); ok {
		if err := p.SetLocalAdvertMinutes(atoi(v)); err != nil {
			return "Error: " + err.Error()
		}
		c.host.UpdateAdvertTimer()
		c.save()
		return "OK"
	}
	if v, ok := cut(cfg, "guest.password"); ok {
		p.SetGuestPassword(v)
		c.save()
		return "OK"
	}
	if v, ok := cut(cfg, "name"); ok {
		p.SetName(v)
		c.save()
		return "OK"
	}
	if v, ok := cut(cfg, "repeat"); ok {
		p.DisableForward = strings.HasPrefix(v, "off")
		c.save()
		if p.DisableForward {
			return "OK - repeat is now OFF"
		}
		return "OK - repeat is now ON"
	}
	if v, ok := cut(cfg, "radio"); ok {
		parts := append(splitParams(v), "", "", "", "")
		err := p.SetRadio(atof(parts[0]), atof(parts[1]), atoi(parts[2]), atoi(parts[3]))
		if err != nil {
			return "Error, invalid radio params"
		}
		c.savePrefsOnly()
		return "OK - reboot to apply"
	}
	if v, ok := cut(cfg, "lat"); ok {
		p.Lat = atof(v)
		c.save()
		return "OK"
	}
	if v, ok := cut(cfg, "lon"); ok {
		p.Lon = atof(v)
		c.save()
		return "OK"
	}
	if v, ok := cut(cfg, "rxdelay"); ok {
		return c.setFactor(p.SetRxDelay, v)
	}
	if v, ok := cut(cfg, "txdelay"); ok {
		return c.setFactor(p.SetTxDelay, v)
	}
	if v, ok := cut(cfg, "flood.max"); ok {
		if p.SetFloodMax(atoi(v)) != nil {
			return "Error, max 64"
		}
		c.save()
		return "OK"
	}
	if v, ok := cut(cfg, "direct.txdelay"); ok {
		return c.setFactor(p.SetDirectTxDelay, v)
	}
	if v, ok := cut(cfg, "tx"); ok {
		if err := p.SetTxPower(signedAtoi(v)); err != nil {
			return "Error: " + err.Error()
		}
		c.save()
		c.host.SetTxPower(p.TxPowerDBm)
		return "OK"
	}
	if v, ok := cut(cfg, "freq"); ok && local {
		if err := p.SetFreq(atof(v)); err != nil {
			return "Error, invalid radio params"
		}
		c.save()
		return "OK - reboot to apply"
	}
	return "unknown config: " + cfg
}

func (c *Interpreter) setFactor(set func(float32) error, v string) string {
	if err := set(float32(atof(v))); err != nil {
		if errors.Is(err, prefs.ErrNegative) {
			return "Error, cannot be negative"
		}
		return "Error"
	}
	c.save()
	return "OK"
}
