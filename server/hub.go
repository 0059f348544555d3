package server

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBuffer = 64
	writeWait  = 5 * time.Second
)

// subscriber is one open websocket. Messages queued on send are written
// in order by the connection's writer.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// hub is the set of active subscribers. The server's mutex guards it, so
// enqueueing a broadcast happens in the same critical section as the
// state change it announces.
type hub struct {
	clients map[*subscriber]bool
	logger  *zap.Logger
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		clients: make(map[*subscriber]bool),
		logger:  logger,
	}
}

func (h *hub) subscribe(s *subscriber) {
	h.clients[s] = true
}

func (h *hub) unsubscribe(s *subscriber) {
	if h.clients[s] {
		delete(h.clients, s)
		close(s.send)
	}
}

// broadcast queues msg for every subscriber. A subscriber whose buffer is
// full is dropped rather than stalling everyone else.
func (h *hub) broadcast(msg []byte) {
	for s := range h.clients {
		select {
		case s.send <- msg:
		default:
			h.logger.Warn("dropping slow subscriber", zap.String("remote", s.conn.RemoteAddr().String()))
			h.unsubscribe(s)
		}
	}
}

func (h *hub) closeAll() {
	for s := range h.clients {
		h.unsubscribe(s)
	}
}

func (h *hub) size() int {
	return len(h.clients)
}

// writeLoop drains send until it is closed or the peer goes away.
func (s *subscriber) writeLoop(eof <-chan struct{}) {
	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-eof:
			return
		}
	}
}

// readLoop only watches for the peer closing; clients send nothing on the stream.
func (s *subscriber) readLoop(eof chan<- struct{}) {
	defer close(eof)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
