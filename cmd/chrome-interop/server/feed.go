package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	feedWriteWait  = 5 * time.Second
	feedSendBuffer = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EstimateUpdate is one message on the /ws feed, sent for every REMB.
type EstimateUpdate struct {
	Connection string   `json:"connection"`
	BitrateBps uint32   `json:"bitrateBps"`
	SSRCs      []uint32 `json:"ssrcs"`
	Timestamp  int64    `json:"timestamp"`
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// estimateFeed fans REMB updates out to the connected pages. A client that
// falls behind is dropped.
type estimateFeed struct {
	mu      sync.Mutex
	clients map[*feedClient]struct{}
	last    []byte
	closed  bool
}

func newEstimateFeed() *estimateFeed {
	return &estimateFeed{clients: make(map[*feedClient]struct{})}
}

func (f *estimateFeed) add(c *feedClient) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.clients[c] = struct{}{}
	if f.last != nil {
		c.send <- f.last
	}
	return true
}

func (f *estimateFeed) remove(c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
}

func (f *estimateFeed) publish(u EstimateUpdate) {
	data, err := json.Marshal(u)
	if err != nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = data
	for c := range f.clients {
		select {
		case c.send <- data:
		default:
			delete(f.clients, c)
			close(c.send)
		}
	}
}

func (f *estimateFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for c := range f.clients {
		delete(f.clients, c)
		close(c.send)
	}
}

func (f *estimateFeed) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &feedClient{conn: conn, send: make(chan []byte, feedSendBuffer)}
	if !s.feed.add(c) {
		_ = conn.Close()
		return
	}
	go c.writePump()
	c.readPump(s.feed)
}

// readPump discards client messages and unregisters on disconnect.
func (c *feedClient) readPump(f *estimateFeed) {
	defer f.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *feedClient) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
