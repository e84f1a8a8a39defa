package broker

import (
	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
	"github.com/vmihailenco/msgpack"
)

// BufferSize sets a maximum buffer size for the produce channel.
const BufferSize = 2048

// Event types published on the stream channel.
const (
	EventShardConnect    = "SHARD_CONNECT"
	EventShardDisconnect = "SHARD_DISCONNECT"
)

// StreamEvent is the structure piped to STAN/NATS so consumers can follow
// shard lifecycle changes without polling the broker.
type StreamEvent struct {
	Type string      `msgpack:"i"`
	Data interface{} `msgpack:"d"`
}

// ShardConnectEvent is produced when a shard registers with the cluster.
type ShardConnectEvent struct {
	BotID      string   `msgpack:"bot_id"`
	Identifier string   `msgpack:"identifier"`
	Endpoints  []string `msgpack:"endpoints"`
	ClientID   int64    `msgpack:"client_id"`
}

// ShardDisconnectEvent is produced when a shard deregisters or its
// connection drops.
type ShardDisconnectEvent struct {
	BotID      string `msgpack:"bot_id"`
	Identifier string `msgpack:"identifier"`
}

// ForwardProduce routes stream events it receives and publishes them to
// NATS/STAN. It runs until the produce channel is closed.
func (b *Broker) ForwardProduce() {
	var e StreamEvent
	var err error
	var ep []byte

	b.natsClient, err = nats.Connect(b.Configuration.NatsAddress)
	if err != nil {
		b.log.Panic().Err(err).Send()
	}
	b.stanClient, err = stan.Connect(b.Configuration.NatsCluster,
		b.Configuration.NatsClient, stan.NatsConn(b.natsClient))
	if err != nil {
		b.log.Panic().Err(err).Send()
	}

	for e = range b.produceChannel {
		ep, err = msgpack.Marshal(e)
		if err != nil {
			b.log.Warn().Err(err).Msg("failed to marshal stream event")
			continue
		}
		err = b.stanClient.Publish(b.Configuration.NatsChannel, ep)
		if err != nil {
			b.log.Warn().Err(err).Msg("failed to publish stream event")
			continue
		}
	}

	if err = b.stanClient.Close(); err != nil {
		b.log.Warn().Err(err).Msg("failed to close stan client")
	}
	b.natsClient.Close()
}
