package credential

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/islombek4642/tgsecret/internal/errors"
	"github.com/islombek4642/tgsecret/internal/user"
)

// maxTxRetries bounds optimistic-lock retries in Invalidate.
const maxTxRetries = 5

// RedisStore keeps each credential under its own key, <prefix>:cred:<id>.
// A single SET replaces a record atomically; Invalidate is a WATCH/MULTI
// read-modify-write on that one key.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	opts   options
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. The caller owns the client.
func NewRedisStore(rdb redis.UniversalClient, prefix string, opts ...Option) *RedisStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if prefix == "" {
		prefix = "tgsecret"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, opts: o}
}

// OpenRedis parses a redis:// URL and returns a connected client.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.NewStorageError("open", err)
	}
	return rdb, nil
}

func (s *RedisStore) key(id user.ID) string {
	return fmt.Sprintf("%s:cred:%d", s.prefix, id)
}

func (s *RedisStore) Put(ctx context.Context, id user.ID, c Credential) error {
	if err := validatePut(id, c); err != nil {
		return err
	}
	c.UserID = id
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.opts.now()
	}
	data, err := encodeRecord(c, s.opts.sealer)
	if err != nil {
		return errors.NewStorageError("put", err).WithUser(int64(id))
	}
	if err := s.rdb.Set(ctx, s.key(id), data, 0).Err(); err != nil {
		return errors.NewStorageError("put", err).WithUser(int64(id))
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id user.ID) (Credential, error) {
	return s.get(ctx, s.rdb, id)
}

func (s *RedisStore) get(ctx context.Context, cmd redis.Cmdable, id user.ID) (Credential, error) {
	data, err := cmd.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return Credential{}, notFound(id)
	}
	if err != nil {
		return Credential{}, errors.NewStorageError("get", err).WithUser(int64(id))
	}
	c, err := decodeRecord(id, data, s.opts.sealer)
	if err != nil {
		return Credential{}, errors.NewStorageError("get", err).WithUser(int64(id))
	}
	return c, nil
}

func (s *RedisStore) Invalidate(ctx context.Context, id user.ID, reason string) error {
	key := s.key(id)
	txf := func(tx *redis.Tx) error {
		c, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		data, err := encodeRecord(invalidate(c, reason, s.opts.now()), s.opts.sealer)
		if err != nil {
			return errors.NewStorageError("invalidate", err).WithUser(int64(id))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := s.rdb.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			var tgErr errors.TgError
			if errors.As(err, &tgErr) {
				return err
			}
			return errors.NewStorageError("invalidate", err).WithUser(int64(id))
		}
		return nil
	}
	return errors.NewStorageError("invalidate", fmt.Errorf("record changed concurrently %d times", maxTxRetries)).WithUser(int64(id))
}

func (s *RedisStore) Delete(ctx context.Context, id user.ID) error {
	if err := s.rdb.Del(ctx, s.key(id)).Err(); err != nil {
		return errors.NewStorageError("delete", err).WithUser(int64(id))
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]user.ID, error) {
	prefix := s.prefix + ":cred:"
	var ids []user.ID
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id, err := user.Parse(strings.TrimPrefix(iter.Val(), prefix))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err := iter.Err(); err != nil {
		return nil, errors.NewStorageError("list", err)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}
