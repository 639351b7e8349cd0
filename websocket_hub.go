package lockin

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// wsClient is one websocket connection to the status hub.
type wsClient struct {
	conn *websocket.Conn
	send chan interface{}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *wsClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// readPump discards anything the client sends and returns when the
// connection closes.
func (c *wsClient) readPump() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// StatusHub broadcasts status messages as JSON to every connected websocket
// client. A client that cannot keep up loses messages rather than stalling
// the broadcaster.
type StatusHub struct {
	clients  map[*wsClient]bool
	closed   bool
	upgrader websocket.Upgrader
	sync.RWMutex
}

// NewStatusHub creates a hub with no clients.
func NewStatusHub() *StatusHub {
	return &StatusHub{
		clients: make(map[*wsClient]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 16384,
		},
	}
}

// ServeHTTP upgrades the request to a websocket and registers the client.
func (h *StatusHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("websocket upgrade:", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan interface{}, 256)}

	h.Lock()
	if h.closed {
		h.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = true
	h.Unlock()

	go client.writePump()
	go func() {
		client.readPump()
		h.remove(client)
	}()
}

func (h *StatusHub) remove(client *wsClient) {
	h.Lock()
	defer h.Unlock()
	if h.clients[client] {
		delete(h.clients, client)
		close(client.send)
	}
}

// Broadcast queues msg for every client.
func (h *StatusHub) Broadcast(msg interface{}) {
	h.RLock()
	defer h.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *StatusHub) ClientCount() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.clients)
}

// Close disconnects all clients and refuses new ones.
func (h *StatusHub) Close() {
	h.Lock()
	defer h.Unlock()
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}
