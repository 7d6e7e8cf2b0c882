// Package session provides kephasgate.SessionStore implementations.
package session

import (
	"context"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mediocregopher/radix/v3"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/luciancaetano/kephasgate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MemoryStore keeps sessions in process memory. Sessions do not survive a restart.
type MemoryStore struct {
	c *cache.Cache
}

var _ kephasgate.SessionStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{c: cache.New(cache.NoExpiration, 0)}
}

func (m *MemoryStore) Retrieve(ctx context.Context, shardID int) (*kephasgate.SessionInfo, error) {
	v, ok := m.c.Get(strconv.Itoa(shardID))
	if !ok {
		return nil, nil
	}
	info := v.(kephasgate.SessionInfo)
	return &info, nil
}

// Update stores a copy of info, a nil info deletes the session.
func (m *MemoryStore) Update(ctx context.Context, shardID int, info *kephasgate.SessionInfo) error {
	key := strconv.Itoa(shardID)
	if info == nil {
		m.c.Delete(key)
		return nil
	}
	m.c.Set(key, *info, cache.NoExpiration)
	return nil
}

// RedisStore keeps sessions as JSON under <prefix>:session:<shard id>, so a
// restarted process can resume its shards.
type RedisStore struct {
	client radix.Client
	prefix string

	// TTL expires stored sessions, zero keeps them forever.
	TTL time.Duration
}

var _ kephasgate.SessionStore = (*RedisStore)(nil)

// NewRedisStore creates a store using client. An empty prefix defaults to "kephasgate".
func NewRedisStore(client radix.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "kephasgate"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Key returns the redis key of the session of shardID.
func (r *RedisStore) Key(shardID int) string {
	return r.prefix + ":session:" + strconv.Itoa(shardID)
}

func (r *RedisStore) Retrieve(ctx context.Context, shardID int) (*kephasgate.SessionInfo, error) {
	var data []byte
	mn := radix.MaybeNil{Rcv: &data}
	if err := r.client.Do(radix.Cmd(&mn, "GET", r.Key(shardID))); err != nil {
		return nil, errors.WithMessage(err, "redis get session")
	}
	if mn.Nil || len(data) == 0 {
		return nil, nil
	}

	var info kephasgate.SessionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, errors.Wrapf(err, "decode session of shard %d", shardID)
	}
	return &info, nil
}

func (r *RedisStore) Update(ctx context.Context, shardID int, info *kephasgate.SessionInfo) error {
	key := r.Key(shardID)

	if info == nil {
		err := r.client.Do(radix.Cmd(nil, "DEL", key))
		return errors.WithMessage(err, "redis del session")
	}

	data, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "encode session")
	}

	if r.TTL > 0 {
		err = r.client.Do(radix.FlatCmd(nil, "SET", key, data, "PX", r.TTL.Milliseconds()))
	} else {
		err = r.client.Do(radix.FlatCmd(nil, "SET", key, data))
	}
	return errors.WithMessage(err, "redis set session")
}
