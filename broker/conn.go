package broker

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ext-cluster/cluster/frames"
)

// Conn wraps an accepted websocket together with the identity headers it
// presented during the handshake. The routing tables hold *Conn handles
// rather than raw sockets; ID is a broker wide counter used for logging and
// for telling two connections with the same identity apart.
type Conn struct {
	ID         int64
	BotID      string
	Identifier string

	ws *websocket.Conn

	// used to make sure websocket writes do not happen concurrently
	wsMutex sync.Mutex
}

// WriteJSON marshals a frame and sends it as a single text message.
func (c *Conn) WriteJSON(v interface{}) (err error) {
	res, err := frames.Marshal(v)
	if err != nil {
		return
	}

	err = c.WriteRaw(res)
	return
}

// WriteRaw sends pre-encoded JSON as a single text message.
func (c *Conn) WriteRaw(data []byte) (err error) {
	c.wsMutex.Lock()
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.wsMutex.Unlock()
	return
}

// ReadMessage reads the next text message. Only the goroutine that owns the
// connection loop may call this.
func (c *Conn) ReadMessage() (data []byte, err error) {
	_, data, err = c.ws.ReadMessage()
	return
}

// Close closes the underlying websocket.
func (c *Conn) Close() error {
	return c.ws.Close()
}
