package catalog

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/ext-cluster/cluster/frames"
)

// RedisStore keeps snapshots as string keys of the form
// <prefix>:catalog:<bot_id>:<identifier>, each holding the same JSON document
// the FileStore writes to disk. Intended for deployments that already run a
// Redis alongside the broker and want snapshots to survive host replacement.
type RedisStore struct {
	Client *redis.Client
	Prefix string

	ctx context.Context
}

// NewRedisStore creates a Redis backed store using the given client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		Client: client,
		Prefix: prefix,
		ctx:    context.Background(),
	}
}

func (rs *RedisStore) key(botID string, identifier string) string {
	return fmt.Sprintf("%s:catalog:%s:%s", rs.Prefix, botID, identifier)
}

// Save writes the endpoint snapshot for a shard identity, replacing any
// previous one.
func (rs *RedisStore) Save(botID string, identifier string, endpoints []string) (err error) {
	res, err := json.Marshal(frames.Snapshot{Endpoints: endpoints})
	if err != nil {
		return
	}

	err = rs.Client.Set(rs.ctx, rs.key(botID, identifier), res, 0).Err()
	return
}

// Load reads the endpoint snapshot for a shard identity.
func (rs *RedisStore) Load(botID string, identifier string) (endpoints []string, err error) {
	res, err := rs.Client.Get(rs.ctx, rs.key(botID, identifier)).Bytes()
	if err != nil {
		if err == redis.Nil {
			err = ErrCatalogNotFound
		}
		return
	}

	snapshot := frames.Snapshot{}
	if err = json.Unmarshal(res, &snapshot); err != nil {
		return
	}

	endpoints = snapshot.Endpoints
	return
}

// Delete removes the snapshot for a shard identity. Missing snapshots are
// not an error.
func (rs *RedisStore) Delete(botID string, identifier string) (err error) {
	err = rs.Client.Del(rs.ctx, rs.key(botID, identifier)).Err()
	return
}
