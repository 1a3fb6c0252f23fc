package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxReplaceAttempts bounds optimistic retries when concurrent writers keep
// touching the same key between WATCH and EXEC.
const maxReplaceAttempts = 16

// RedisConfig holds connection parameters for a shared redis index.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisIndex stores one key per record under KeyPrefix. Create uses SETNX;
// Replace uses WATCH/MULTI so the previous record is read and overwritten
// atomically.
type RedisIndex struct {
	client *redis.Client
	prefix string
}

var _ Index = (*RedisIndex)(nil)

// OpenRedisIndex connects and pings the server.
func OpenRedisIndex(ctx context.Context, cfg RedisConfig) (*RedisIndex, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("index: redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("index: connect to redis: %w", err)
	}

	return NewRedisIndex(client, cfg.KeyPrefix), nil
}

// NewRedisIndex wraps an existing client.
func NewRedisIndex(client *redis.Client, prefix string) *RedisIndex {
	if prefix == "" {
		prefix = "dedupfs:file:"
	}
	return &RedisIndex{client: client, prefix: prefix}
}

func (r *RedisIndex) key(name string) string { return r.prefix + name }

func (r *RedisIndex) Close() error { return r.client.Close() }

func (r *RedisIndex) Get(ctx context.Context, name string) (FileRecord, error) {
	data, err := r.client.Get(ctx, r.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return FileRecord{}, ErrNotFound
	}
	if err != nil {
		return FileRecord{}, fmt.Errorf("index: redis get: %w", err)
	}
	return decodeRecord(data)
}

func (r *RedisIndex) Create(ctx context.Context, rec FileRecord) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.key(rec.Name), data, 0).Result()
	if err != nil {
		return fmt.Errorf("index: redis setnx: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

func (r *RedisIndex) Replace(ctx context.Context, rec FileRecord) (*FileRecord, error) {
	key := r.key(rec.Name)

	for attempt := 0; attempt < maxReplaceAttempts; attempt++ {
		var prev *FileRecord
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			next := rec
			old, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return fmt.Errorf("index: redis get: %w", err)
			default:
				decoded, err := decodeRecord(old)
				if err != nil {
					return err
				}
				prev = &decoded
				next.CreatedAt = decoded.CreatedAt
			}

			data, err := encodeRecord(next)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return prev, nil
	}
	return nil, fmt.Errorf("index: redis replace %q: too much contention", rec.Name)
}

func (r *RedisIndex) Delete(ctx context.Context, name string) error {
	if err := r.client.Del(ctx, r.key(name)).Err(); err != nil {
		return fmt.Errorf("index: redis del: %w", err)
	}
	return nil
}

func (r *RedisIndex) CountByHash(ctx context.Context, hash string) (int, error) {
	n := 0
	err := r.Walk(ctx, func(rec FileRecord) error {
		if rec.Hash == hash {
			n++
		}
		return nil
	})
	return n, err
}

// Walk scans the key space under the prefix in batches. Records written or
// deleted during the scan may or may not be visited.
func (r *RedisIndex) Walk(ctx context.Context, fn func(FileRecord) error) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 256).Iterator()

	batch := make([]string, 0, 256)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		values, err := r.client.MGet(ctx, batch...).Result()
		batch = batch[:0]
		if err != nil {
			return fmt.Errorf("index: redis mget: %w", err)
		}
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				continue // deleted since SCAN returned it
			}
			rec, err := decodeRecord([]byte(s))
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("index: redis scan: %w", err)
	}
	return flush()
}
