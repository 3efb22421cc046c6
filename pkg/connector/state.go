// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Snapshot is the persisted bridge state.
type Snapshot struct {
	Channels []ChannelBinding            `json:"channels"`
	Avatars  map[string]AvatarAssociation `json:"avatars"`
}

// StateStore loads and saves snapshots. Load never fails because state is
// missing or unreadable; it returns an empty snapshot instead.
type StateStore interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

func emptySnapshot() *Snapshot {
	return &Snapshot{Avatars: make(map[string]AvatarAssociation)}
}

// decodeSnapshot parses persisted state, falling back to an empty snapshot.
func decodeSnapshot(data []byte, log zerolog.Logger) *Snapshot {
	snap := emptySnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		log.Warn().Err(err).Msg("Saved state is unreadable, starting empty")
		return emptySnapshot()
	}
	if snap.Avatars == nil {
		snap.Avatars = make(map[string]AvatarAssociation)
	}
	return snap
}

// FileStore keeps state in a JSON file, replaced atomically on every save.
type FileStore struct {
	path string
	log  zerolog.Logger
}

var _ StateStore = (*FileStore)(nil)

func NewFileStore(path string, log zerolog.Logger) *FileStore {
	return &FileStore{path: path, log: log.With().Str("state_path", path).Logger()}
}

func (fs *FileStore) Load(_ context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		fs.log.Info().Msg("No saved state, starting empty")
		return emptySnapshot(), nil
	} else if err != nil {
		fs.log.Warn().Err(err).Msg("Failed to read saved state, starting empty")
		return emptySnapshot(), nil
	}
	return decodeSnapshot(data, fs.log), nil
}

func (fs *FileStore) Save(_ context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(fs.path), filepath.Base(fs.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err = os.Rename(tmp.Name(), fs.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// RedisStore keeps state as a single JSON value under one key.
type RedisStore struct {
	rdb redis.UniversalClient
	key string
	log zerolog.Logger
}

var _ StateStore = (*RedisStore)(nil)

func NewRedisStore(rdb redis.UniversalClient, key string, log zerolog.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, key: key, log: log.With().Str("state_key", key).Logger()}
}

// NewRedisStoreFromURL connects to the Redis server at url.
func NewRedisStoreFromURL(url, key string, log zerolog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts), key, log), nil
}

func (rs *RedisStore) Load(ctx context.Context) (*Snapshot, error) {
	data, err := rs.rdb.Get(ctx, rs.key).Bytes()
	if errors.Is(err, redis.Nil) {
		rs.log.Info().Msg("No saved state, starting empty")
		return emptySnapshot(), nil
	} else if err != nil {
		rs.log.Warn().Err(err).Msg("Failed to read saved state, starting empty")
		return emptySnapshot(), nil
	}
	return decodeSnapshot(data, rs.log), nil
}

func (rs *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err = rs.rdb.Set(ctx, rs.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save state to redis: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (rs *RedisStore) Close() error {
	return rs.rdb.Close()
}
