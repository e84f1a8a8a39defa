// Package cluster provides the two client sides of the bus: Shard, the
// long-lived worker that serves named endpoints, and Client/Session, the
// short-lived requester that invokes them through the broker.
package cluster

import (
	"errors"
	"time"
)

// ReconnectDelay is how long a shard sleeps between reconnect attempts and
// how long a session waits before retrying a failed send.
const ReconnectDelay = 3 * time.Second

// ErrNotConnected is thrown when you attempt to use a connection that was
// never opened.
var ErrNotConnected = errors.New("not connected to the cluster")

// ErrHandshakeFailed is thrown when the broker refuses the shard handshake,
// for example on a duplicate identity.
var ErrHandshakeFailed = errors.New("the cluster refused the handshake")
