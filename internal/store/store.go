// Package store — узкий интерфейс key-value с версиями и CAS.
// In-memory реализация и Redis взаимозаменяемы: ключи одинаковые, семантика одна.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/agentguard/internal/domain"
)

// Versioned — значение вместе с монотонной версией записи.
type Versioned[V any] struct {
	Value   V      `json:"value"`
	Version uint64 `json:"version"`
}

// Store — атомарность гарантируется только в пределах одного ключа.
type Store[V any] interface {
	// Get возвращает текущее значение и его версию. exists=false, если ключа нет.
	Get(ctx context.Context, key string) (v Versioned[V], exists bool, err error)

	// Put безусловно записывает значение и возвращает новую версию.
	Put(ctx context.Context, key string, value V) (uint64, error)

	// CompareAndSwap пишет value, только если текущая версия равна expected.
	// expected == 0 означает "ключа еще нет".
	CompareAndSwap(ctx context.Context, key string, expected uint64, value V) (bool, error)

	// Delete идемпотентен.
	Delete(ctx context.Context, key string) error
}

// Option настраивает реализацию Store.
type Option func(*options)

type options struct {
	ttl time.Duration
	now func() time.Time
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTTL — запись истекает через ttl после последней записи. Истекший ключ
// неотличим от отсутствующего. Нужен для сторов, ключи которых задает клиент.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithClock подменяет часы Memory для проверки истечения (в Redis TTL серверный).
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Mutator вычисляет следующее значение. commit=false — ничего не пишем (например, отказ по лимиту).
type Mutator[V any] func(cur V, exists bool) (next V, commit bool, err error)

// MaxUpdateAttempts — сколько раз Update повторяет CAS при конкуренции за ключ.
const MaxUpdateAttempts = 64

// Update — цикл read-check-write поверх CAS. Проверка и запись атомарны для ключа:
// если между Get и CAS кто-то успел записать, fn вызывается заново на свежем значении.
func Update[V any](ctx context.Context, s Store[V], key string, fn Mutator[V]) (V, bool, error) {
	var zero V
	for attempt := 0; attempt < MaxUpdateAttempts; attempt++ {
		cur, exists, err := s.Get(ctx, key)
		if err != nil {
			return zero, false, err
		}

		next, commit, err := fn(cur.Value, exists)
		if err != nil || !commit {
			return next, false, err
		}

		expected := uint64(0)
		if exists {
			expected = cur.Version
		}
		ok, err := s.CompareAndSwap(ctx, key, expected, next)
		if err != nil {
			return zero, false, err
		}
		if ok {
			return next, true, nil
		}

		if err := ctx.Err(); err != nil {
			return zero, false, err
		}
	}
	return zero, false, fmt.Errorf("store: key %s: %w", key, domain.ErrCASConflict)
}
