package repeater

import "encoding/binary"

// StatsSize is the encoded size of Stats.
const StatsSize = 48

// Stats is the status record returned for CmdGetStatus. The wire layout is
// fixed little-endian, in field order.
type Stats struct {
	BattMilliVolts   uint16 `json:"batt_milli_volts"`
	TxQueueLen       uint16 `json:"curr_tx_queue_len"`
	FreeQueueLen     uint16 `json:"curr_free_queue_len"`
	LastRSSI         int16  `json:"last_rssi"`
	PacketsRecv      uint32 `json:"n_packets_recv"`
	PacketsSent      uint32 `json:"n_packets_sent"`
	TotalAirTimeSecs uint32 `json:"total_air_time_secs"`
	TotalUpTimeSecs  uint32 `json:"total_up_time_secs"`
	SentFlood        uint32 `json:"n_sent_flood"`
	SentDirect       uint32 `json:"n_sent_direct"`
	RecvFlood        uint32 `json:"n_recv_flood"`
	RecvDirect       uint32 `json:"n_recv_direct"`
	FullEvents       uint16 `json:"n_full_events"`
	LastSNR          int16  `json:"last_snr"` // x4
	DirectDups       uint16 `json:"n_direct_dups"`
	FloodDups        uint16 `json:"n_flood_dups"`
}

// AppendTo appends the wire form of s to b.
func (s Stats) AppendTo(b []byte) []byte {
	le := binary.LittleEndian
	b = le.AppendUint16(b, s.BattMilliVolts)
	b = le.AppendUint16(b, s.TxQueueLen)
	b = le.AppendUint16(b, s.FreeQueueLen)
	b = le.AppendUint16(b, uint16(s.LastRSSI))
	b = le.AppendUint32(b, s.PacketsRecv)
	b = le.AppendUint32(b, s.PacketsSent)
	b = le.AppendUint32(b, s.TotalAirTimeSecs)
	b = le.AppendUint32(b, s.TotalUpTimeSecs)
	b = le.AppendUint32(b, s.SentFlood)
	b = le.AppendUint32(b, s.SentDirect)
	b = le.AppendUint32(b, s.RecvFlood)
	b = le.AppendUint32(b, s.RecvDirect)
	b = le.AppendUint16(b, s.FullEvents)
	b = le.AppendUint16(b, uint16(s.LastSNR))
	b = le.AppendUint16(b, s.DirectDups)
	b = le.AppendUint16(b, s.FloodDups)
	return b
}

// ParseStats decodes a status record. ok is false when b is short.
func ParseStats(b []byte) (s Stats, ok bool) {
	if len(b) < StatsSize {
		return s, false
	}
	le := binary.LittleEndian
	s.BattMilliVolts = le.Uint16(b[0:])
	s.TxQueueLen = le.Uint16(b[2:])
	s.FreeQueueLen = le.Uint16(b[4:])
	s.LastRSSI = int16(le.Uint16(b[6:]))
	s.PacketsRecv = le.Uint32(b[8:])
	s.PacketsSent = le.Uint32(b[12:])
	s.TotalAirTimeSecs = le.Uint32(b[16:])
	s.TotalUpTimeSecs = le.Uint32(b[20:])
	s.SentFlood = le.Uint32(b[24:])
	s.SentDirect = le.Uint32(b[28:])
	s.RecvFlood = le.Uint32(b[32:])
	s.RecvDirect = le.Uint32(b[36:])
	s.FullEvents = le.Uint16(b[40:])
	s.LastSNR = int16(le.Uint16(b[42:]))
	s.DirectDups = le.Uint16(b[44:])
	s.FloodDups = le.Uint16(b[46:])
	return s, true
}
