package cluster

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ext-cluster/cluster/frames"
)

// Handler serves one named endpoint on a shard. The returned map is sent to
// the requester as-is, with code 200 inserted when absent. A nil map is
// treated as an empty response.
type Handler func(ctx context.Context, payload ClientPayload) (map[string]interface{}, error)

// ClientPayload carries one dispatched request into a handler.
type ClientPayload struct {
	Endpoint   string
	UUID       string
	Identifier string
	Data       map[string]interface{}
}

// ShardConfiguration identifies a shard within the cluster.
type ShardConfiguration struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	SecretKey string `json:"secret_key"`

	// BotID is sent both as the Bot-ID header and as the client_id of the
	// initialize_shard payload.
	BotID      int64  `json:"bot_id"`
	Identifier string `json:"identifier"`
}

// Shard maintains one long-lived connection to the broker, advertising a
// single (bot, identifier) identity and a fixed set of endpoint handlers.
type Shard struct {
	Configuration ShardConfiguration
	log           zerolog.Logger

	// OnError, when set, receives handler failures before the 500 response
	// is emitted.
	OnError func(endpoint string, err error)

	endpoints map[string]Handler

	// Prevent other major Shard functions being called
	mu        sync.Mutex
	wsConn    *websocket.Conn
	connected bool
	closing   bool

	// used to make sure websocket writes do not happen concurrently
	wsMutex sync.Mutex
}

// NewShard creates a shard from its configuration. Endpoints are added with
// AddEndpoint before Connect.
func NewShard(configuration ShardConfiguration, logger zerolog.Logger) (s *Shard) {
	s = &Shard{
		Configuration: configuration,
		log:           logger,
		endpoints:     make(map[string]Handler),
	}
	return
}

// AddEndpoint registers a handler under an endpoint name. Names registered
// before Connect are declared to the broker during the handshake.
func (s *Shard) AddEndpoint(name string, handler Handler) {
	s.endpoints[name] = handler
}

// URL returns the websocket url of the broker.
func (s *Shard) URL() string {
	return fmt.Sprintf("ws://%s:%d/", s.Configuration.Host, s.Configuration.Port)
}

// Connected returns whether the shard currently holds a registered
// connection.
func (s *Shard) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Connect dials the broker, registers the shard's identity and declared
// endpoints and starts the receive loop. It returns once the broker has
// acknowledged the registration.
func (s *Shard) Connect() (err error) {
	endpoints := make([]string, 0, len(s.endpoints))
	for name := range s.endpoints {
		endpoints = append(endpoints, name)
	}

	return s.connect(endpoints)
}

func (s *Shard) connect(endpoints []string) (err error) {
	header := http.Header{}
	header.Set(frames.HeaderSecretKey, s.Configuration.SecretKey)
	header.Set(frames.HeaderBotID, strconv.FormatInt(s.Configuration.BotID, 10))
	header.Set(frames.HeaderIdentifier, s.Configuration.Identifier)

	wsConn, _, err := websocket.DefaultDialer.Dial(s.URL(), header)
	if err != nil {
		s.log.Error().Err(err).Str("url", s.URL()).Msg("failed to connect to the cluster")
		return
	}

	payload, err := frames.Marshal(frames.InitializeShard{
		Endpoints: endpoints,
		ClientID:  s.Configuration.BotID,
	})
	if err != nil {
		wsConn.Close()
		return
	}

	res, err := frames.Marshal(frames.Frame{
		EndpointChoosen: frames.OpInitializeShard,
		Response:        payload,
	})
	if err != nil {
		wsConn.Close()
		return
	}

	if err = wsConn.WriteMessage(websocket.TextMessage, res); err != nil {
		s.log.Error().Err(err).Msg("failed to send initialize_shard")
		wsConn.Close()
		return
	}

	_, data, err := wsConn.ReadMessage()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read handshake reply")
		wsConn.Close()
		return
	}

	reply := frames.Control{}
	if err = frames.Unmarshal(data, &reply); err != nil {
		wsConn.Close()
		return
	}

	if reply.Code != 200 {
		s.log.Error().Int("code", reply.Code).Str("message", reply.Message).Msg("failed to connect to the cluster")
		wsConn.Close()
		err = ErrHandshakeFailed
		return
	}

	s.mu.Lock()
	s.wsConn = wsConn
	s.connected = true
	s.closing = false
	s.mu.Unlock()

	go s.listen(wsConn)

	s.log.Info().Int64("bot", s.Configuration.BotID).Str("shard", s.Configuration.Identifier).Msg("connected to the cluster")
	return
}

// listen polls the connection for dispatched requests, spawning one
// goroutine per request so a long handler does not block the loop. On an
// unexpected close it starts the reconnect loop.
func (s *Shard) listen(wsConn *websocket.Conn) {
	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			// Detect if we have been closed manually. If a Disconnect has
			// already happened, the websocket we are listening on will be
			// different to the current one.
			s.mu.Lock()
			sameConnection := s.wsConn == wsConn
			closing := s.closing
			if sameConnection {
				s.wsConn = nil
				s.connected = false
			}
			s.mu.Unlock()

			if sameConnection && !closing {
				s.log.Warn().Err(err).Msg("lost connection to the cluster, reconnecting")
				go s.reconnect()
			}
			return
		}

		dispatch := frames.Dispatch{}
		if err = frames.Unmarshal(data, &dispatch); err != nil {
			s.log.Warn().Err(err).Msg("failed to decode dispatched request")
			continue
		}

		go s.handleRequest(dispatch)
	}
}

// handleRequest invokes the handler for a dispatched request and emits the
// return_response frame. Handler failures and unknown endpoints are turned
// into 500 responses so the requester is never left waiting.
func (s *Shard) handleRequest(dispatch frames.Dispatch) {
	var response map[string]interface{}
	var err error

	handler, ok := s.endpoints[dispatch.Endpoint]
	if !ok {
		err = fmt.Errorf("no handler registered for endpoint %q", dispatch.Endpoint)
	} else {
		response, err = handler(context.Background(), ClientPayload{
			Endpoint:   dispatch.Endpoint,
			UUID:       dispatch.UUID,
			Identifier: dispatch.Identifier,
			Data:       dispatch.Data,
		})
	}

	if err != nil {
		if s.OnError != nil {
			s.OnError(dispatch.Endpoint, err)
		}
		s.log.Error().Err(err).Str("endpoint", dispatch.Endpoint).Msg("error while calling the route")

		response = map[string]interface{}{
			"error": "Something went wrong while calling the route!",
			"code":  500,
		}
	}

	if response == nil {
		response = map[string]interface{}{}
	}
	if _, ok := response["code"]; !ok {
		response["code"] = 200
	}

	res, err := frames.Marshal(response)
	if err != nil {
		s.log.Error().Err(err).Str("endpoint", dispatch.Endpoint).Msg("failed to marshal response")
		return
	}

	err = s.write(frames.Frame{
		EndpointChoosen: frames.OpReturnResponse,
		UUID:            dispatch.UUID,
		Response:        res,
		Identifier:      dispatch.Identifier,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("uuid", dispatch.UUID).Msg("failed to send response")
	}
}

func (s *Shard) write(v interface{}) (err error) {
	s.mu.Lock()
	wsConn := s.wsConn
	s.mu.Unlock()

	if wsConn == nil {
		return ErrNotConnected
	}

	res, err := frames.Marshal(v)
	if err != nil {
		return
	}

	s.wsMutex.Lock()
	err = wsConn.WriteMessage(websocket.TextMessage, res)
	s.wsMutex.Unlock()
	return
}

// reconnect retries the handshake every ReconnectDelay until the shard is
// connected again. It declares an empty endpoint list so the broker recovers
// the persisted snapshot for this identity.
func (s *Shard) reconnect() {
	for {
		time.Sleep(ReconnectDelay)

		s.mu.Lock()
		if s.closing || s.connected {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := s.connect([]string{}); err != nil {
			s.log.Warn().Err(err).Msg("reconnect attempt failed")
			continue
		}
		return
	}
}

// Disconnect is the only proper way to disconnect an already connected
// shard from the cluster. It removes the persisted snapshot on the broker.
func (s *Shard) Disconnect() (err error) {
	s.mu.Lock()
	wsConn := s.wsConn
	if wsConn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}

	s.closing = true
	s.connected = false
	s.wsConn = nil
	s.mu.Unlock()

	res, err := frames.Marshal(frames.Frame{EndpointChoosen: frames.OpDisconnectShard})
	if err == nil {
		s.wsMutex.Lock()
		err = wsConn.WriteMessage(websocket.TextMessage, res)
		s.wsMutex.Unlock()

		if err != nil {
			s.log.Warn().Err(err).Msg("failed to send disconnect_shard")
		}
	}

	err = wsConn.Close()
	return
}
