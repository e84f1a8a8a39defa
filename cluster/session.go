package cluster

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ext-cluster/cluster/frames"
)

// Session is a requester connection scoped to a single logical request or a
// small batch of them. Sessions are opened through Client and must be closed
// on every exit path.
type Session struct {
	URL       string
	SecretKey string

	BotID      int64
	Identifier string

	log zerolog.Logger

	wsConn *websocket.Conn

	// used to make sure websocket writes do not happen concurrently
	wsMutex sync.Mutex
}

// NewSession creates an unconnected session for the given identity. The
// identifier "all" targets every shard of the bot.
func NewSession(url string, botID int64, identifier string, secretKey string, logger zerolog.Logger) (s *Session) {
	s = &Session{
		URL:        url,
		SecretKey:  secretKey,
		BotID:      botID,
		Identifier: identifier,
		log:        logger,
	}
	return
}

// Connect dials the broker in the create_request role.
func (s *Session) Connect() (err error) {
	header := http.Header{}
	header.Set(frames.HeaderEndpoints, frames.RoleCreateRequest)
	header.Set(frames.HeaderSecretKey, s.SecretKey)
	header.Set(frames.HeaderBotID, strconv.FormatInt(s.BotID, 10))
	header.Set(frames.HeaderIdentifier, s.Identifier)

	s.wsConn, _, err = websocket.DefaultDialer.Dial(s.URL, header)
	if err != nil {
		s.log.Error().Err(err).Str("url", s.URL).Msg("websocket connection failed, the server is unreachable")
	}
	return
}

// IsAlive performs a connection test against the broker. Any number of
// probes may be sent on a session without changing broker state.
func (s *Session) IsAlive() bool {
	if s.wsConn == nil {
		return false
	}

	start := time.Now()
	if err := s.write(frames.Frame{ConnectionTest: true}); err != nil {
		return false
	}

	_, _, err := s.wsConn.ReadMessage()
	s.log.Debug().Dur("duration", time.Since(start)).Msg("connection test")

	return err == nil
}

// Request invokes an endpoint on the shard this session was opened for and
// returns the parsed reply, either the handler's response object or a broker
// control object. A send on a closing transport is retried once after
// ReconnectDelay.
func (s *Session) Request(endpoint string, kwargs map[string]interface{}) (response map[string]interface{}, err error) {
	return s.request(endpoint, true, kwargs)
}

// RequestAll invokes an endpoint on every shard of the bot. The session must
// have been opened with the identifier "all". When waitResponse is set the
// reply aggregates every shard's response, otherwise it is a short
// acknowledgment.
func (s *Session) RequestAll(endpoint string, waitResponse bool, kwargs map[string]interface{}) (response map[string]interface{}, err error) {
	return s.request(endpoint, waitResponse, kwargs)
}

func (s *Session) request(endpoint string, waitFinish bool, kwargs map[string]interface{}) (response map[string]interface{}, err error) {
	if s.wsConn == nil {
		err = ErrNotConnected
		return
	}

	s.log.Debug().Str("endpoint", endpoint).Msg("sending request")

	payload, err := frames.Marshal(frames.CreateRequest{
		Endpoint:   endpoint,
		WaitFinish: waitFinish,
		Kwargs:     kwargs,
	})
	if err != nil {
		return
	}

	frame := frames.Frame{
		EndpointChoosen: frames.OpCreateRequest,
		Response:        payload,
	}

	if err = s.write(frame); err != nil {
		s.log.Error().Err(err).Msg("cannot write to closing transport, retrying the request in 3 seconds")
		time.Sleep(ReconnectDelay)

		if err = s.write(frame); err != nil {
			s.log.Error().Err(err).Msg("could not perform the request after reattempt")
			return
		}
	}

	_, data, err := s.wsConn.ReadMessage()
	if err != nil {
		s.log.Error().Err(err).Msg("websocket connection unexpectedly closed")
		return
	}

	if err = frames.Unmarshal(data, &response); err != nil {
		return
	}

	if code, ok := response["code"].(float64); ok && int(code) != 200 {
		s.log.Warn().Int("code", int(code)).Msg("received a non 200 code")
	}
	return
}

func (s *Session) write(v interface{}) (err error) {
	res, err := frames.Marshal(v)
	if err != nil {
		return
	}

	s.wsMutex.Lock()
	err = s.wsConn.WriteMessage(websocket.TextMessage, res)
	s.wsMutex.Unlock()
	return
}

// Close releases the session's connection. It is safe to call on a session
// that never connected.
func (s *Session) Close() (err error) {
	if s.wsConn == nil {
		return
	}

	err = s.wsConn.Close()
	s.wsConn = nil
	return
}
