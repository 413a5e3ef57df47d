package repeater

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ripplebiz/MeshCore/internal/crypto"
	"github.com/ripplebiz/MeshCore/internal/protocol"
)

const maxNeighbours = 8

type neighbour struct {
	id         crypto.PublicIdentity
	advertTime uint32
	heardAt    uint32
	snr        int8 // x4
}

// neighbourTable keeps the most recently heard zero-hop advertisers.
type neighbourTable struct {
	list []neighbour
}

func (t *neighbourTable) put(id crypto.PublicIdentity, advertTime, now uint32, snr int8) {
	n := neighbour{id: id, advertTime: advertTime, heardAt: now, snr: snr}
	for i := range t.list {
		if t.list[i].id.Equal(id) {
			t.list[i] = n
			return
		}
	}
	if len(t.list) < maxNeighbours {
		t.list = append(t.list, n)
		return
	}
	oldest := 0
	for i := range t.list {
		if t.list[i].heardAt < t.list[oldest].heardAt {
			oldest = i
		}
	}
	t.list[oldest] = n
}

// format lists neighbours as "keyprefix:secs_ago:snr" lines.
func (t *neighbourTable) format(now uint32) string {
	if len(t.list) == 0 {
		return "-none-"
	}
	var b strings.Builder
	for i, n := range t.list {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s:%d:%d", hex.EncodeToString(n.id.EncPub[:4]), now-n.heardAt, n.snr)
	}
	return b.String()
}

func routeLetter(pkt *protocol.Packet) string {
	if pkt.IsDirect() {
		return "D"
	}
	return "F"
}

// logPrefix is the RTC timestamp that starts each packet log line.
func (r *Repeater) logPrefix() string {
	t := time.Unix(int64(r.mesh.RTC().Now()), 0).UTC()
	return fmt.Sprintf("%02d:%02d:%02d - %d/%d/%d U", t.Hour(), t.Minute(), t.Second(), t.Day(), int(t.Month()), t.Year())
}

// addressed reports whether the payload starts with dest and src hashes.
func addressed(pkt *protocol.Packet) bool {
	switch pkt.PayloadType() {
	case protocol.TypePath, protocol.TypeReq, protocol.TypeResponse, protocol.TypeTxtMsg:
		return pkt.PayloadLen >= 2
	}
	return false
}

func hashes(pkt *protocol.Packet) string {
	if !addressed(pkt) {
		return ""
	}
	return fmt.Sprintf(" [%02X -> %02X]", pkt.Payload[1], pkt.Payload[0])
}

// logEnabled reports whether packet events are written to the store.
func (r *Repeater) logEnabled() bool { return r.logging && r.store != nil }

func (r *Repeater) appendLog(line string) {
	if err := r.store.AppendLog(line); err != nil {
		r.log.Warn("packet log write failed", zap.Error(err))
	}
}

// LogRx implements dispatch.Observer.
func (r *Repeater) LogRx(pkt *protocol.Packet, length int, score float32) {
	if !r.logEnabled() {
		return
	}
	r.appendLog(fmt.Sprintf("%s: RX, len=%d (type=%d, route=%s, payload_len=%d) SNR=%d RSSI=%d score=%d%s",
		r.logPrefix(), length, pkt.PayloadType(), routeLetter(pkt), pkt.PayloadLen,
		int(pkt.SNR), int(pkt.RSSI), int(score*1000), hashes(pkt)))
}

// LogTx implements dispatch.Observer.
func (r *Repeater) LogTx(pkt *protocol.Packet, length int) {
	if !r.logEnabled() {
		return
	}
	r.appendLog(fmt.Sprintf("%s: TX, len=%d (type=%d, route=%s, payload_len=%d)%s",
		r.logPrefix(), length, pkt.PayloadType(), routeLetter(pkt), pkt.PayloadLen, hashes(pkt)))
}

// LogTxFail implements dispatch.Observer.
func (r *Repeater) LogTxFail(pkt *protocol.Packet, length int) {
	if !r.logEnabled() {
		return
	}
	r.appendLog(fmt.Sprintf("%s: TX FAIL!, len=%d (type=%d, route=%s, payload_len=%d)",
		r.logPrefix(), length, pkt.PayloadType(), routeLetter(pkt), pkt.PayloadLen))
}
