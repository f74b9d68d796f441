package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errSendBufferFull = errors.New("websocket send buffer full")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

// Session wraps a websocket connection with a buffered outbound queue so a
// slow reader cannot block the hub's fan-out path.
type Session struct {
	conn *websocket.Conn

	out  chan []byte
	once sync.Once
	done chan struct{}
}

// NewSession wraps an upgraded connection and starts its write pump.
func NewSession(conn *websocket.Conn) *Session {
	s := &Session{
		conn: conn,
		out:  make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	go s.writePump()
	return s
}

// Send queues a frame for delivery. A full queue counts as a dead peer.
func (s *Session) Send(payload []byte) error {
	select {
	case <-s.done:
		return websocket.ErrCloseSent
	case s.out <- payload:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close terminates the connection and the write pump.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
