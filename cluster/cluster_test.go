package cluster_test

import (
	"context"
	"errors"
	"io/ioutil"
	"net"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ext-cluster/cluster/broker"
	"github.com/ext-cluster/cluster/cluster"
	"github.com/ext-cluster/cluster/frames"
)

func newBrokerServer(t *testing.T, secret string) (host string, port int) {
	t.Helper()

	b, err := broker.NewBroker(broker.Configuration{
		SecretKey:  secret,
		CatalogDir: t.TempDir(),
	}, zerolog.Nop())
	require.NoError(t, err)

	server := httptest.NewServer(b)
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err = strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func newShard(t *testing.T, host string, port int, secret string, identifier string) *cluster.Shard {
	t.Helper()

	return cluster.NewShard(cluster.ShardConfiguration{
		Host:       host,
		Port:       port,
		SecretKey:  secret,
		BotID:      42,
		Identifier: identifier,
	}, zerolog.Nop())
}

func TestClientIsAlive(t *testing.T) {
	host, port := newBrokerServer(t, "s")

	client := cluster.NewClient(host, port, "s", zerolog.Nop())
	assert.True(t, client.IsAlive(42, "1"))
}

func TestClientIsAliveUnreachable(t *testing.T) {
	client := cluster.NewClient("127.0.0.1", 1, "s", zerolog.Nop())
	assert.False(t, client.IsAlive(42, "1"))
}

func TestSessionRequestBeforeConnect(t *testing.T) {
	session := cluster.NewSession("ws://127.0.0.1:1/", 42, "1", "s", zerolog.Nop())

	_, err := session.Request("ping", nil)
	assert.Equal(t, cluster.ErrNotConnected, err)
	assert.False(t, session.IsAlive())
	assert.NoError(t, session.Close())
}

func TestShardDisconnectBeforeConnect(t *testing.T) {
	shard := newShard(t, "127.0.0.1", 1, "s", "1")
	assert.Equal(t, cluster.ErrNotConnected, shard.Disconnect())
}

func TestShardConnected(t *testing.T) {
	host, port := newBrokerServer(t, "s")

	shard := newShard(t, host, port, "s", "1")
	shard.AddEndpoint("ping", func(ctx context.Context, payload cluster.ClientPayload) (map[string]interface{}, error) {
		return nil, nil
	})

	assert.False(t, shard.Connected())
	require.NoError(t, shard.Connect())
	assert.True(t, shard.Connected())

	require.NoError(t, shard.Disconnect())
	assert.False(t, shard.Connected())
}

func TestHandlerError(t *testing.T) {
	host, port := newBrokerServer(t, "s")

	type failure struct {
		endpoint string
		err      error
	}
	failures := make(chan failure, 1)

	shard := newShard(t, host, port, "s", "1")
	shard.OnError = func(endpoint string, err error) {
		failures <- failure{endpoint, err}
	}
	shard.AddEndpoint("boom", func(ctx context.Context, payload cluster.ClientPayload) (map[string]interface{}, error) {
		return nil, errors.New("exploded")
	})
	require.NoError(t, shard.Connect())
	t.Cleanup(func() { shard.Disconnect() })

	client := cluster.NewClient(host, port, "s", zerolog.Nop())
	response, err := client.Request("boom", 42, "1", map[string]interface{}{})
	require.NoError(t, err)

	assert.Equal(t, "Something went wrong while calling the route!", response["error"])
	assert.EqualValues(t, 500, response["code"])

	reported := <-failures
	assert.Equal(t, "boom", reported.endpoint)
	assert.EqualError(t, reported.err, "exploded")
}

func TestNilHandlerResponse(t *testing.T) {
	host, port := newBrokerServer(t, "s")

	shard := newShard(t, host, port, "s", "1")
	shard.AddEndpoint("noop", func(ctx context.Context, payload cluster.ClientPayload) (map[string]interface{}, error) {
		return nil, nil
	})
	require.NoError(t, shard.Connect())
	t.Cleanup(func() { shard.Disconnect() })

	client := cluster.NewClient(host, port, "s", zerolog.Nop())
	response, err := client.Request("noop", 42, "1", map[string]interface{}{})
	require.NoError(t, err)

	assert.Len(t, response, 1)
	assert.EqualValues(t, 200, response["code"])
}

func TestHandlerCodePreserved(t *testing.T) {
	host, port := newBrokerServer(t, "s")

	shard := newShard(t, host, port, "s", "1")
	shard.AddEndpoint("teapot", func(ctx context.Context, payload cluster.ClientPayload) (map[string]interface{}, error) {
		return map[string]interface{}{"code": 418}, nil
	})
	require.NoError(t, shard.Connect())
	t.Cleanup(func() { shard.Disconnect() })

	client := cluster.NewClient(host, port, "s", zerolog.Nop())
	response, err := client.Request("teapot", 42, "1", map[string]interface{}{})
	require.NoError(t, err)

	assert.EqualValues(t, 418, response["code"])
}

// severableListener tracks accepted connections so a test can cut every
// established transport while keeping the listener itself alive.
type severableListener struct {
	net.Listener

	mu    sync.Mutex
	conns []net.Conn
}

func (l *severableListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.conns = append(l.conns, conn)
	l.mu.Unlock()
	return conn, nil
}

func (l *severableListener) severAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, conn := range l.conns {
		conn.Close()
	}
	l.conns = nil
}

func TestShardReconnectRecoversSnapshot(t *testing.T) {
	dir := t.TempDir()

	b, err := broker.NewBroker(broker.Configuration{
		SecretKey:  "s",
		CatalogDir: dir,
	}, zerolog.Nop())
	require.NoError(t, err)

	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	listener := &severableListener{Listener: inner}

	server := httptest.NewUnstartedServer(b)
	server.Listener = listener
	server.Start()
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	shard := newShard(t, u.Hostname(), port, "s", "1")
	shard.AddEndpoint("ping", func(ctx context.Context, payload cluster.ClientPayload) (map[string]interface{}, error) {
		return map[string]interface{}{"pong": true}, nil
	})
	shard.AddEndpoint("diagnostics", func(ctx context.Context, payload cluster.ClientPayload) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	})
	require.NoError(t, shard.Connect())
	t.Cleanup(func() { shard.Disconnect() })

	client := cluster.NewClient(u.Hostname(), port, "s", zerolog.Nop())
	response, err := client.Request("ping", 42, "1", map[string]interface{}{})
	require.NoError(t, err)
	require.Equal(t, true, response["pong"])

	// Narrow the persisted snapshot so a registration recovered from it is
	// distinguishable from one that re-declared the handler names.
	snapshot, err := frames.Marshal(frames.Snapshot{Endpoints: []string{"diagnostics"}})
	require.NoError(t, err)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "42", "1.json"), snapshot, 0o644))

	listener.severAll()

	deadline := time.Now().Add(4 * cluster.ReconnectDelay)
	for {
		response, err = client.Request("diagnostics", 42, "1", map[string]interface{}{})
		if err == nil && response["ok"] == true {
			break
		}
		require.True(t, time.Now().Before(deadline), "shard did not reconnect in time")
		time.Sleep(200 * time.Millisecond)
	}
	assert.True(t, shard.Connected())

	// The recovered endpoint list came from the snapshot, not from the
	// declared handlers.
	response, err = client.Request("ping", 42, "1", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "Unknown endpoint!", response["message"])
	assert.EqualValues(t, 404, response["404"])
}

func TestHandlerReceivesPayload(t *testing.T) {
	host, port := newBrokerServer(t, "s")

	payloads := make(chan cluster.ClientPayload, 1)

	shard := newShard(t, host, port, "s", "1")
	shard.AddEndpoint("inspect", func(ctx context.Context, payload cluster.ClientPayload) (map[string]interface{}, error) {
		payloads <- payload
		return nil, nil
	})
	require.NoError(t, shard.Connect())
	t.Cleanup(func() { shard.Disconnect() })

	client := cluster.NewClient(host, port, "s", zerolog.Nop())
	_, err := client.Request("inspect", 42, "1", map[string]interface{}{"value": "hello"})
	require.NoError(t, err)

	received := <-payloads

	assert.Equal(t, "inspect", received.Endpoint)
	assert.Equal(t, "1", received.Identifier)
	assert.NotEmpty(t, received.UUID)
	assert.Equal(t, "hello", received.Data["value"])
}
