// Package broker implements the central process of the cluster: it accepts
// websocket connections from worker shards and requester sessions,
// authenticates them with a shared secret, routes endpoint invocations to
// the correct shard and correlates responses back to the requester that
// asked for them.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
	"github.com/rs/zerolog"

	"github.com/ext-cluster/cluster/catalog"
	"github.com/ext-cluster/cluster/frames"
)

// ErrUnknownCatalogBackend is returned when the configured catalog backend
// is neither "file" nor "redis".
var ErrUnknownCatalogBackend = errors.New("unknown catalog backend")

// Configuration represents all configurable elements of the broker.
type Configuration struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	SecretKey string `json:"secret_key"`

	// CatalogBackend selects where endpoint snapshots are persisted,
	// either "file" (the default) or "redis".
	CatalogBackend string `json:"catalog_backend"`
	CatalogDir     string `json:"catalog_dir"`

	// Authentication for redis client, used when the catalog backend
	// is "redis".
	RedisAddress  string `json:"redis_address"`
	RedisPassword string `json:"redis_password"`
	RedisDatabase int    `json:"redis_database"`

	// RedisPrefix represents what keys will be prepended with when keys
	// are constructed.
	RedisPrefix string `json:"redis_prefix"`

	// Configuration for NATS. Stream events are only produced when an
	// address is set.
	NatsAddress string `json:"nats_address"`
	NatsChannel string `json:"nats_channel"`
	NatsCluster string `json:"nats_cluster"`
	NatsClient  string `json:"nats_client"`
}

// Broker accepts connections, classifies them by header into roles and runs
// one read loop per connection. All shared routing state lives in the
// manager.
type Broker struct {
	Configuration Configuration
	log           zerolog.Logger

	manager  *Manager
	upgrader websocket.Upgrader

	produceChannel chan StreamEvent
	natsClient     *nats.Conn
	stanClient     stan.Conn

	server      *http.Server
	connCounter int64
}

// NewBroker creates the broker and its catalog store. Redis connectivity is
// verified up front when the redis backend is selected.
func NewBroker(configuration Configuration, logger zerolog.Logger) (b *Broker, err error) {
	if configuration.CatalogDir == "" {
		configuration.CatalogDir = "db"
	}

	var store catalog.Store

	switch configuration.CatalogBackend {
	case "", "file":
		store = catalog.NewFileStore(configuration.CatalogDir)
	case "redis":
		redisClient := redis.NewClient(&redis.Options{
			Addr:     configuration.RedisAddress,
			Password: configuration.RedisPassword,
			DB:       configuration.RedisDatabase,
		})

		// Verify that redis has successfully connected
		if err = redisClient.Ping(context.Background()).Err(); err != nil {
			return
		}

		store = catalog.NewRedisStore(redisClient, configuration.RedisPrefix)
	default:
		err = ErrUnknownCatalogBackend
		return
	}

	var produceChannel chan StreamEvent
	if configuration.NatsAddress != "" {
		produceChannel = make(chan StreamEvent, BufferSize)
	}

	b = &Broker{
		Configuration:  configuration,
		log:            logger,
		upgrader:       websocket.Upgrader{},
		produceChannel: produceChannel,
	}
	b.manager = NewManager(store, logger, produceChannel)

	return
}

// Open starts the listener and, when configured, the stream event pipeline.
// It returns once the broker is accepting connections.
func (b *Broker) Open() (err error) {
	if b.produceChannel != nil {
		go b.ForwardProduce()
	}

	addr := fmt.Sprintf("%s:%d", b.Configuration.Host, b.Configuration.Port)
	b.server = &http.Server{Addr: addr, Handler: b}

	b.log.Info().Str("addr", addr).Msg("broker listening")

	go func() {
		if err := b.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.log.Error().Err(err).Msg("broker listener stopped")
		}
	}()

	return
}

// Close stops the listener and the stream event pipeline. Connections owned
// by per-connection loops are torn down as their reads fail.
func (b *Broker) Close() {
	b.log.Info().Msg("closing broker")

	if b.server != nil {
		b.server.Close()
	}

	b.manager.closeProduce()
}

// ServeHTTP upgrades the connection, performs the header handshake and runs
// the role specific frame loop until the peer disconnects.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("failed to upgrade connection")
		return
	}

	conn := &Conn{
		ID:         atomic.AddInt64(&b.connCounter, 1),
		BotID:      r.Header.Get(frames.HeaderBotID),
		Identifier: r.Header.Get(frames.HeaderIdentifier),
		ws:         ws,
	}

	if !b.isSecure(r.Header.Get(frames.HeaderSecretKey)) {
		conn.WriteJSON(frames.Control{Message: "Invalid secret key!", Code: 403})
		conn.Close()
		return
	}

	if conn.BotID == "" {
		conn.WriteJSON(frames.Control{Message: "Missing bot ID!", Code: 500})
		conn.Close()
		return
	}

	if conn.Identifier == "" {
		conn.WriteJSON(frames.Control{Message: "Missing identifier!", Code: 500})
		conn.Close()
		return
	}

	if r.Header.Get(frames.HeaderEndpoints) == frames.RoleCreateRequest {
		b.log.Debug().Int64("conn", conn.ID).Str("bot", conn.BotID).Str("identifier", conn.Identifier).Msg("requester session opened")
		b.requesterLoop(conn)
	} else {
		b.log.Debug().Int64("conn", conn.ID).Str("bot", conn.BotID).Str("identifier", conn.Identifier).Msg("worker connection opened")
		b.workerLoop(conn)
	}
}

// isSecure compares the presented secret against the configured one. An
// absent configured secret only accepts connections that present an absent
// or empty header.
func (b *Broker) isSecure(key string) bool {
	if b.Configuration.SecretKey == "" {
		return key == ""
	}
	return key == b.Configuration.SecretKey
}

// workerLoop processes frames from a worker shard until the connection
// closes. Registrations left behind by a dropped connection are cleaned up
// on exit; the persisted snapshot is retained for recovery.
func (b *Broker) workerLoop(conn *Conn) {
	defer func() {
		b.manager.dropConnection(conn)
		conn.Close()
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		frame := frames.Frame{}
		if err = frames.Unmarshal(data, &frame); err != nil {
			b.log.Warn().Err(err).Int64("conn", conn.ID).Msg("failed to decode worker frame")
			return
		}

		switch frame.EndpointChoosen {
		case frames.OpInitializeShard:
			payload := frames.InitializeShard{}
			if err = frames.Unmarshal(frame.Response, &payload); err != nil {
				b.log.Warn().Err(err).Int64("conn", conn.ID).Msg("failed to decode initialize_shard payload")
				return
			}

			if b.manager.initializeShard(conn, payload) != 200 {
				return
			}
		case frames.OpReturnResponse:
			b.manager.returnResponse(conn, frame)
		case frames.OpDisconnectShard:
			b.manager.disconnectShard(conn)
			return
		default:
			conn.WriteJSON(frames.Control{Message: "Endpoint unknown", Code: 500})
			return
		}
	}
}

// requesterLoop processes frames from a requester session until the
// connection closes. Waiters owned by the session are removed on exit as
// they become unresolvable.
func (b *Broker) requesterLoop(conn *Conn) {
	defer func() {
		b.manager.dropRequester(conn)
		conn.Close()
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		frame := frames.Frame{}
		if err = frames.Unmarshal(data, &frame); err != nil {
			b.log.Warn().Err(err).Int64("conn", conn.ID).Msg("failed to decode requester frame")
			return
		}

		if frame.ConnectionTest {
			b.manager.connectionTest(conn)
			continue
		}

		switch frame.EndpointChoosen {
		case frames.OpCreateRequest:
			payload := frames.CreateRequest{}
			if err = frames.Unmarshal(frame.Response, &payload); err != nil {
				b.log.Warn().Err(err).Int64("conn", conn.ID).Msg("failed to decode create_request payload")
				return
			}

			var code int
			if conn.Identifier == frames.IdentifierAll {
				code = b.manager.createRequestAllShards(conn, payload)
			} else {
				code = b.manager.createRequest(conn, payload)
			}

			if code != 200 {
				return
			}
		default:
			conn.WriteJSON(frames.Control{Message: "Endpoint unknown", Code: 500})
			return
		}
	}
}
