package creds

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures RedisStore. Defaults can be loaded via envdecode.
type RedisConfig struct {
	// Addr like "localhost:6379". ENV: SESSIOND_REDIS_ADDR
	Addr string `env:"SESSIOND_REDIS_ADDR,default=localhost:6379"`
	// Password for AUTH, empty for none. ENV: SESSIOND_REDIS_PASSWORD
	Password string `env:"SESSIOND_REDIS_PASSWORD"`
	// DB index. ENV: SESSIOND_REDIS_DB
	DB int `env:"SESSIOND_REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: SESSIOND_REDIS_KEY_PREFIX
	KeyPrefix string `env:"SESSIOND_REDIS_KEY_PREFIX,default=sessiond:"`
}

// RedisStore keeps each session's state in one hash:
//
//	<prefix>creds:<session_id>  field "creds" + one field per key
//	<prefix>index               set of session ids
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreFromClient(cl, cfg.KeyPrefix), nil
}

// NewRedisStoreFromEnv builds a RedisStore using envdecode to populate RedisConfig.
func NewRedisStoreFromEnv(ctx context.Context) (*RedisStore, error) {
	var cfg RedisConfig
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("redis config: %w", err)
	}
	return NewRedisStore(ctx, cfg)
}

// NewRedisStoreFromClient wraps an existing client. The store owns the client from then on.
func NewRedisStoreFromClient(cl *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "sessiond:"
	}
	return &RedisStore{client: cl, keyPrefix: keyPrefix}
}

// Close closes the Redis client.
func (s *RedisStore) Close() error { return s.client.Close() }

// --- Key helpers ---

func (s *RedisStore) hashKey(sessionID string) string { return s.keyPrefix + "creds:" + sessionID }
func (s *RedisStore) indexKey() string                { return s.keyPrefix + "index" }

// Load reads the session hash.
func (s *RedisStore) Load(ctx context.Context, sessionID string) (State, error) {
	if err := CheckSessionID(sessionID); err != nil {
		return State{}, err
	}

	fields, err := s.client.HGetAll(ctx, s.hashKey(sessionID)).Result()
	if err != nil {
		return State{}, err
	}

	var st State
	for k, v := range fields {
		if k == CredsKey {
			st.Creds = []byte(v)
			continue
		}
		if st.Keys == nil {
			st.Keys = make(map[string][]byte, len(fields))
		}
		st.Keys[k] = []byte(v)
	}
	return st, nil
}

// SaveCreds sets the creds field and indexes the session.
func (s *RedisStore) SaveCreds(ctx context.Context, sessionID string, creds []byte) error {
	if err := CheckSessionID(sessionID); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.hashKey(sessionID), CredsKey, creds)
		pipe.SAdd(ctx, s.indexKey(), sessionID)
		return nil
	})
	return err
}

// SetKeys applies a key update atomically.
func (s *RedisStore) SetKeys(ctx context.Context, sessionID string, keys map[string][]byte) error {
	if err := CheckSessionID(sessionID); err != nil {
		return err
	}
	if err := checkKeys(keys); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	hk := s.hashKey(sessionID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range sortedKeys(keys) {
			v := keys[k]
			if v == nil {
				pipe.HDel(ctx, hk, k)
				continue
			}
			pipe.HSet(ctx, hk, k, v)
		}
		pipe.SAdd(ctx, s.indexKey(), sessionID)
		return nil
	})
	return err
}

// Delete drops the session hash and its index entry.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := CheckSessionID(sessionID); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.hashKey(sessionID))
		pipe.SRem(ctx, s.indexKey(), sessionID)
		return nil
	})
	return err
}

// Exists reports whether the session hash exists.
func (s *RedisStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	if err := CheckSessionID(sessionID); err != nil {
		return false, err
	}
	n, err := s.client.Exists(ctx, s.hashKey(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns the indexed session ids.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	out := ids[:0]
	for _, id := range ids {
		if ValidSessionID(strings.TrimSpace(id)) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}
