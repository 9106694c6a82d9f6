package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/rideshare/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// conn serialises writes to one websocket. It is the Outbound of the
// session bound to the connection.
type conn struct {
	ws  *websocket.Conn
	uid string

	mu sync.Mutex
}

func newConn(ws *websocket.Conn, uid string) *conn {
	return &conn{ws: ws, uid: uid}
}

func (c *conn) Send(msgType string, data any) error {
	b, err := protocol.Encode(msgType, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

// closeWith sends a close frame and drops the socket.
func (c *conn) closeWith(code int, reason string) {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.mu.Unlock()
	_ = c.ws.Close()
}

// Registry holds the live connections so shutdown can close them.
type Registry struct {
	mu    sync.RWMutex
	conns map[*conn]struct{}
}

func NewRegistry() *Registry { return &Registry{conns: make(map[*conn]struct{})} }

func (r *Registry) add(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
}

func (r *Registry) remove(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll asks every client to go away.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	all := make([]*conn, 0, len(r.conns))
	for c := range r.conns {
		all = append(all, c)
	}
	r.mu.RUnlock()
	for _, c := range all {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}
