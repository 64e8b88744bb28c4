package tunnelserver

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nexthop-dev/retunnel/internal/wire"
)

// wsSender serializes outbound frames onto a websocket connection so
// concurrent dispatcher goroutines never interleave writes on the
// wire. It implements core.Sender.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSSender(conn *websocket.Conn) *wsSender {
	return &wsSender{conn: conn}
}

func (s *wsSender) Send(frame any) error {
	data, err := wire.Marshal(frame)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}
