package cluster

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ext-cluster/cluster/frames"
)

// Client handles the web application side requests to the bot process. Each
// call opens a session scoped to the request and guarantees it is released
// on every exit path.
type Client struct {
	Host      string
	Port      int
	SecretKey string

	log zerolog.Logger
}

// NewClient creates a requester client pointed at the broker.
func NewClient(host string, port int, secretKey string, logger zerolog.Logger) (c *Client) {
	c = &Client{
		Host:      host,
		Port:      port,
		SecretKey: secretKey,
		log:       logger,
	}
	return
}

// URL returns the websocket url of the broker.
func (c *Client) URL() string {
	return fmt.Sprintf("ws://%s:%d/", c.Host, c.Port)
}

// Session opens a connected requester session for the given identity. The
// caller owns the session and must Close it.
func (c *Client) Session(botID int64, identifier string) (session *Session, err error) {
	session = NewSession(c.URL(), botID, identifier, c.SecretKey, c.log)
	if err = session.Connect(); err != nil {
		session = nil
	}
	return
}

// IsAlive performs a connection test for the given shard identity.
func (c *Client) IsAlive(botID int64, identifier string) bool {
	session, err := c.Session(botID, identifier)
	if err != nil {
		return false
	}
	defer session.Close()

	return session.IsAlive()
}

// Request invokes an endpoint on a single shard and returns the parsed
// reply.
func (c *Client) Request(endpoint string, botID int64, identifier string, kwargs map[string]interface{}) (response map[string]interface{}, err error) {
	session, err := c.Session(botID, identifier)
	if err != nil {
		return
	}
	defer session.Close()

	return session.Request(endpoint, kwargs)
}

// RequestAll invokes an endpoint on every shard of a bot. When waitResponse
// is set the reply maps each shard identifier to its response; otherwise it
// is a short acknowledgment.
func (c *Client) RequestAll(endpoint string, botID int64, waitResponse bool, kwargs map[string]interface{}) (response map[string]interface{}, err error) {
	session, err := c.Session(botID, frames.IdentifierAll)
	if err != nil {
		return
	}
	defer session.Close()

	return session.RequestAll(endpoint, waitResponse, kwargs)
}
