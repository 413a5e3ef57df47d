package radio

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/ripplebiz/MeshCore/internal/clock"
)

// TCPConfig configures a TCPRadio.
type TCPConfig struct {
	Listen string
	Peers  []string
	Params Params
	// SNR and RSSI reported for every frame, since there is no real channel.
	SNR  float32
	RSSI float32
	Log  *zap.Logger
}

// TCPRadio emulates a radio over TCP links: a transmission is written to
// every connected peer and completes after the LoRa airtime for its length
// has elapsed. Framing: each frame is preceded by a 2-byte big-endian length.
type TCPRadio struct {
	cfg      TCPConfig
	clk      clock.Clock
	log      *zap.Logger
	listener net.Listener
	incoming chan []byte

	mu     sync.RWMutex
	peers  map[string]net.Conn
	params Params

	txEnd   uint64
	sending bool
	nRecv   uint32
	nSent   uint32
}

// NewTCP creates a TCPRadio; it does not touch the network until Begin.
func NewTCP(cfg TCPConfig, clk clock.Clock) *TCPRadio {
	lg := cfg.Log
	if lg == nil {
		lg = zap.NewNop()
	}
	return &TCPRadio{
		cfg:      cfg,
		clk:      clk,
		log:      lg.Named("radio.tcp"),
		incoming: make(chan []byte, 64),
		peers:    make(map[string]net.Conn),
		params:   cfg.Params,
	}
}

// Begin starts the listener and dials the configured peers. Peers that
// cannot be reached are logged and skipped; only a listen failure is fatal.
func (t *TCPRadio) Begin() error {
	if t.cfg.Listen != "" {
		ln, err := net.Listen("tcp", t.cfg.Listen)
		if err != nil {
			return err
		}
		t.listener = ln
		go t.acceptLoop()
	}
	for _, addr := range t.cfg.Peers {
		if err := t.Connect(addr); err != nil {
			t.log.Warn("peer dial failed", zap.String("addr", addr), zap.Error(err))
		}
	}
	return nil
}

// Addr returns the listen address, useful when listening on port 0.
func (t *TCPRadio) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Connect dials a peer by address. Idempotent if already connected.
func (t *TCPRadio) Connect(addr string) error {
	t.mu.RLock()
	_, already := t.peers[addr]
	t.mu.RUnlock()
	if already {
		return nil
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	t.addPeer(addr, conn)
	return nil
}

func (t *TCPRadio) RecvRaw(buf []byte) int {
	select {
	case f := <-t.incoming:
		t.mu.Lock()
		t.nRecv++
		t.mu.Unlock()
		return copy(buf, f)
	default:
		return 0
	}
}

func (t *TCPRadio) StartSendRaw(b []byte) error {
	t.mu.Lock()
	if t.sending {
		t.mu.Unlock()
		return ErrBusy
	}
	t.sending = true
	t.txEnd = t.clk.Millis() + uint64(t.params.Airtime(len(b)))
	conns := make([]net.Conn, 0, len(t.peers))
	for _, c := range t.peers {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	frame := make([]byte, 2+len(b))
	binary.BigEndian.PutUint16(frame, uint16(len(b)))
	copy(frame[2:], b)
	for _, c := range conns {
		if _, err := c.Write(frame); err != nil {
			t.log.Debug("peer write failed", zap.String("peer", c.RemoteAddr().String()), zap.Error(err))
		}
	}
	return nil
}

func (t *TCPRadio) IsSendComplete() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sending && t.clk.Millis() >= t.txEnd
}

func (t *TCPRadio) OnSendFinished() {
	t.mu.Lock()
	if t.sending {
		t.sending = false
		t.nSent++
	}
	t.mu.Unlock()
}

// IsChannelActive is always false: TCP links have no shared channel.
func (t *TCPRadio) IsChannelActive() bool { return false }

func (t *TCPRadio) EstAirtimeFor(n int) uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.params.Airtime(n)
}

func (t *TCPRadio) PacketScore(snr float32, n int) float32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.params.Score(snr, n)
}

func (t *TCPRadio) LastRSSI() float32 { return t.cfg.RSSI }
func (t *TCPRadio) LastSNR() float32  { return t.cfg.SNR }

func (t *TCPRadio) Params() Params {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.params
}

func (t *TCPRadio) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	t.params = p
	t.mu.Unlock()
	return nil
}

func (t *TCPRadio) SetTxPower(dbm int8) {
	t.mu.Lock()
	t.params.TxPowerDBm = dbm
	t.mu.Unlock()
}

func (t *TCPRadio) PacketsRecv() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nRecv
}

func (t *TCPRadio) PacketsSent() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nSent
}

// PeerCount returns the number of currently connected peers.
func (t *TCPRadio) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Close shuts down the listener and all peer connections.
func (t *TCPRadio) Close() error {
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	for _, c := range t.peers {
		c.Close()
	}
	t.mu.Unlock()
	return nil
}

func (t *TCPRadio) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		t.addPeer(conn.RemoteAddr().String(), conn)
	}
}

func (t *TCPRadio) addPeer(addr string, conn net.Conn) {
	t.mu.Lock()
	t.peers[addr] = conn
	t.mu.Unlock()
	go t.readLoop(addr, conn)
}

func (t *TCPRadio) readLoop(addr string, conn net.Conn) {
	defer func() {
		conn.Close()
		t.mu.Lock()
		delete(t.peers, addr)
		t.mu.Unlock()
	}()

	for {
		var hdr [2]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		sz := int(binary.BigEndian.Uint16(hdr[:]))
		if sz == 0 || sz > 255 {
			t.log.Warn("unexpected frame size", zap.Int("size", sz), zap.String("peer", addr))
			return
		}
		buf := make([]byte, sz)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		select {
		case t.incoming <- buf:
		default:
			// receiver overrun: the frame is lost, as on a real radio
		}
	}
}
