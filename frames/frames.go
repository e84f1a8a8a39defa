// Package frames defines the text frames and connection headers shared by the
// broker, worker shards and requester sessions. Every frame is a UTF-8 JSON
// object; framing is provided by the websocket transport and receivers ignore
// unknown fields.
package frames

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Connection headers read by the broker during the handshake.
const (
	HeaderSecretKey  = "Secret-Key"
	HeaderBotID      = "Bot-ID"
	HeaderIdentifier = "Identifier"
	HeaderEndpoints  = "Endpoints"
)

// RoleCreateRequest is the Endpoints header value that marks a connection as
// a requester session instead of a worker shard.
const RoleCreateRequest = "create_request"

// IdentifierAll targets every registered shard of a bot when used as the
// Identifier header of a requester session.
const IdentifierAll = "all"

// Frame discriminators carried in endpoint_choosen.
const (
	OpInitializeShard = "initialize_shard"
	OpReturnResponse  = "return_response"
	OpDisconnectShard = "disconnect_shard"
	OpCreateRequest   = "create_request"
)

// Frame is the outer envelope of every frame read by the broker. Only the
// fields relevant to the frame's discriminator are populated; Response stays
// raw so each handler can decode its own payload shape.
type Frame struct {
	EndpointChoosen string              `json:"endpoint_choosen,omitempty"`
	ConnectionTest  bool                `json:"connection_test,omitempty"`
	Response        jsoniter.RawMessage `json:"response,omitempty"`

	// return_response only
	UUID       string `json:"uuid,omitempty"`
	Identifier string `json:"identifier,omitempty"`
}

// InitializeShard is the response payload of an initialize_shard frame. An
// empty Endpoints slice asks the broker to recover the previously persisted
// endpoint list for this identity.
type InitializeShard struct {
	Endpoints []string `json:"endpoints"`
	ClientID  int64    `json:"client_id"`
}

// CreateRequest is the response payload of a create_request frame.
type CreateRequest struct {
	Endpoint   string                 `json:"endpoint"`
	WaitFinish bool                   `json:"wait_finish"`
	Kwargs     map[string]interface{} `json:"kwargs"`
}

// Dispatch is sent by the broker to a worker shard. Data carries the
// requester's kwargs and UUID is the correlation token the shard must echo in
// its return_response frame.
type Dispatch struct {
	Endpoint   string                 `json:"endpoint"`
	Data       map[string]interface{} `json:"data"`
	UUID       string                 `json:"uuid"`
	Identifier string                 `json:"identifier"`
}

// Control is a broker originated reply. Code is always present.
type Control struct {
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// FanoutReply aggregates fan-out responses when wait_finish was requested.
// Data maps each dispatched shard identifier to its FanoutResult.
type FanoutReply struct {
	Message string                  `json:"message"`
	Data    map[string]FanoutResult `json:"data"`
	Code    int                     `json:"code"`
}

// FanoutResult wraps a single shard's response within an aggregated fan-out
// reply. A dispatch that failed at send time is recorded as the empty object.
type FanoutResult struct {
	Response jsoniter.RawMessage `json:"response,omitempty"`
}

// Snapshot is the persisted endpoint catalog document for one shard identity.
type Snapshot struct {
	Endpoints []string `json:"endpoints"`
}

// Marshal encodes a frame value with the shared jsoniter configuration.
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes a frame value with the shared jsoniter configuration.
func Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// UnknownEndpoint is the reply sent when a unicast request names an endpoint
// the target shard does not serve. The "404" key is part of the wire contract.
func UnknownEndpoint() map[string]interface{} {
	return map[string]interface{}{
		"message": "Unknown endpoint!",
		"404":     404,
	}
}
