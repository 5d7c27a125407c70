package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agentguard/internal/domain"
)

// TombstoneTTL — сколько живет метка удаления. Пока она есть, старая версия
// не может "воскреснуть" через CAS (защита от ABA после Revoke).
const TombstoneTTL = 24 * time.Hour

// Redis — линеаризуемая реализация Store для нескольких инстансов шлюза.
// CAS построен на оптимистичных транзакциях WATCH/MULTI/EXEC.
type Redis[V any] struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

type envelope[V any] struct {
	Value   V      `json:"value"`
	Version uint64 `json:"version"`
	Deleted bool   `json:"deleted,omitempty"`
}

// NewRedis — с WithTTL ключ живет ttl после последней записи (EXPIRE на стороне Redis).
func NewRedis[V any](rdb *redis.Client, prefix string, opts ...Option) *Redis[V] {
	o := newOptions(opts)
	return &Redis[V]{rdb: rdb, prefix: prefix, ttl: o.ttl}
}

// nextVersion — версия следующей записи. Отсутствующий ключ мог истечь по TTL
// вместе с тумбстоуном, поэтому отсчет начинается от часов, а не от нуля:
// писатель со старой версией не совпадет с новой записью.
func nextVersion[V any](cur envelope[V], found bool) uint64 {
	if !found {
		return uint64(time.Now().UnixNano())
	}
	return cur.Version + 1
}

func (r *Redis[V]) key(key string) string {
	return r.prefix + ":" + key
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *Redis[V]) load(ctx context.Context, c getter, key string) (envelope[V], bool, error) {
	var env envelope[V]
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return env, false, nil
	}
	if err != nil {
		return env, false, fmt.Errorf("redis store: get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, false, fmt.Errorf("redis store: decode %s: %w", key, err)
	}
	return env, true, nil
}

func (r *Redis[V]) Get(ctx context.Context, key string) (Versioned[V], bool, error) {
	env, found, err := r.load(ctx, r.rdb, r.key(key))
	if err != nil || !found || env.Deleted {
		return Versioned[V]{}, false, err
	}
	return Versioned[V]{Value: env.Value, Version: env.Version}, true, nil
}

// swap выполняет одну оптимистичную транзакцию: decide смотрит на текущий
// конверт и решает, что записать. write=false — транзакция не нужна.
func (r *Redis[V]) swap(ctx context.Context, key string, decide func(cur envelope[V], found bool) (next envelope[V], ttl time.Duration, write bool)) (bool, error) {
	full := r.key(key)
	written := false

	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, found, err := r.load(ctx, tx, full)
		if err != nil {
			return err
		}

		next, ttl, write := decide(cur, found)
		if !write {
			return nil
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("redis store: encode %s: %w", full, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, full, data, ttl)
			return nil
		})
		if err == nil {
			written = true
		}
		return err
	}, full)

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil // Ключ изменился между WATCH и EXEC
	}
	if err != nil {
		return false, err
	}
	return written, nil
}

func (r *Redis[V]) Put(ctx context.Context, key string, value V) (uint64, error) {
	for attempt := 0; attempt < MaxUpdateAttempts; attempt++ {
		var version uint64
		ok, err := r.swap(ctx, key, func(cur envelope[V], found bool) (envelope[V], time.Duration, bool) {
			version = nextVersion(cur, found)
			return envelope[V]{Value: value, Version: version}, r.ttl, true
		})
		if err != nil {
			return 0, err
		}
		if ok {
			return version, nil
		}
	}
	return 0, fmt.Errorf("redis store: put %s: %w", key, domain.ErrCASConflict)
}

func (r *Redis[V]) CompareAndSwap(ctx context.Context, key string, expected uint64, value V) (bool, error) {
	return r.swap(ctx, key, func(cur envelope[V], found bool) (envelope[V], time.Duration, bool) {
		present := found && !cur.Deleted
		if expected == 0 {
			if present {
				return cur, 0, false
			}
		} else if !present || cur.Version != expected {
			return cur, 0, false
		}
		return envelope[V]{Value: value, Version: nextVersion(cur, found)}, r.ttl, true
	})
}

func (r *Redis[V]) Delete(ctx context.Context, key string) error {
	for attempt := 0; attempt < MaxUpdateAttempts; attempt++ {
		absent := false
		ok, err := r.swap(ctx, key, func(cur envelope[V], found bool) (envelope[V], time.Duration, bool) {
			if !found || cur.Deleted {
				absent = true
				return cur, 0, false
			}
			return envelope[V]{Version: cur.Version + 1, Deleted: true}, TombstoneTTL, true
		})
		if err != nil {
			return err
		}
		if ok || absent {
			return nil
		}
	}
	return fmt.Errorf("redis store: delete %s: %w", key, domain.ErrCASConflict)
}
