package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/voicecall/internal/call"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origins are checked by the fronting proxy
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// writer is the outbound half of a connection
type writer interface {
	WriteJSON(v any) error
	WriteBinary(data []byte) error
}

// Conn serializes writes to a websocket; gorilla allows one writer at a
// time
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// WriteJSON sends v as a text frame
func (c *Conn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

// WriteBinary sends data as a binary frame
func (c *Conn) WriteBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Close sends a close frame with code and closes the connection
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}

// Sink delivers call events to the caller as JSON text frames
type Sink struct {
	w writer
}

// NewSink creates a status sink writing to w
func NewSink(w writer) *Sink {
	return &Sink{w: w}
}

// Send implements call.StatusSink
func (s *Sink) Send(event call.Event) error {
	return s.w.WriteJSON(event)
}

// discardSink drops events; Twilio calls have no status channel
type discardSink struct{}

func (discardSink) Send(call.Event) error { return nil }
