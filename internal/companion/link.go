package companion

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const linkBuffer = 64

var ErrLinkBusy = errors.New("companion: link send buffer full")

// WSLink is the app link over a websocket: one binary message per frame.
// Only one app may be attached; a second connection is refused.
//
// Frames from the app are delivered on Frames() for the node loop to
// pass to HandleFrame. Send never blocks.
type WSLink struct {
	upgrader websocket.Upgrader
	log      *zap.Logger
	in       chan []byte

	mu   sync.Mutex
	conn *websocket.Conn
	out  chan []byte
}

// NewWSLink creates an idle link; mount it as an http.Handler.
func NewWSLink(log *zap.Logger) *WSLink {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSLink{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.Named("applink"),
		in:  make(chan []byte, linkBuffer),
	}
}

// Frames delivers command frames received from the app.
func (l *WSLink) Frames() <-chan []byte { return l.in }

func (l *WSLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

func (l *WSLink) Send(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrNotConnected
	}
	select {
	case l.out <- frame:
		return nil
	default:
		return ErrLinkBusy
	}
}

func (l *WSLink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	l.mu.Lock()
	if l.conn != nil {
		l.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
		conn.Close()
		return
	}
	out := make(chan []byte, linkBuffer)
	l.conn, l.out = conn, out
	l.mu.Unlock()
	l.log.Info("app connected", zap.String("remote", r.RemoteAddr))

	done := make(chan struct{})
	go l.writeLoop(conn, out, done)
	l.readLoop(conn)

	l.mu.Lock()
	l.conn, l.out = nil, nil
	l.mu.Unlock()
	close(done)
	conn.Close()
	l.log.Info("app disconnected", zap.String("remote", r.RemoteAddr))
}

func (l *WSLink) readLoop(conn *websocket.Conn) {
	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.BinaryMessage || len(msg) == 0 || len(msg) > MaxFrameSize {
			continue
		}
		l.in <- msg
	}
}

func (l *WSLink) writeLoop(conn *websocket.Conn, out <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case frame := <-out:
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				l.log.Debug("write failed", zap.Error(err))
				conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}
