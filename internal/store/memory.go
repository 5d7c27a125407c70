package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// pruneEvery — раз в сколько записей Memory с TTL вычищает истекшие ключи.
const pruneEvery = 1024

// Memory — однопроцессная реализация Store.
// У каждого ключа свой мьютекс, поэтому операции над разными ключами не блокируют друг друга.
// Версии берутся из общего счетчика стора: удаленный или истекший ключ, созданный заново,
// никогда не получит старую версию, поэтому записи удаляются из карты целиком.
type Memory[V any] struct {
	entries sync.Map // key -> *entry[V]
	seq     atomic.Uint64
	writes  atomic.Uint64
	opts    options
}

type entry[V any] struct {
	mu      sync.Mutex
	value   V
	version uint64
	present bool
	expires time.Time // нулевое — без срока
	dead    bool      // запись вынута из карты, писать в нее нельзя
}

func NewMemory[V any](opts ...Option) *Memory[V] {
	return &Memory[V]{opts: newOptions(opts)}
}

func (e *entry[V]) live(now time.Time) bool {
	return e.present && (e.expires.IsZero() || now.Before(e.expires))
}

// lock возвращает запертую живую запись ключа, создавая ее при необходимости.
func (m *Memory[V]) lock(key string) *entry[V] {
	for {
		raw, _ := m.entries.LoadOrStore(key, &entry[V]{})
		e := raw.(*entry[V])
		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

func (m *Memory[V]) write(e *entry[V], value V) uint64 {
	e.version = m.seq.Add(1)
	e.value = value
	e.present = true
	if m.opts.ttl > 0 {
		e.expires = m.opts.now().Add(m.opts.ttl)
	}
	return e.version
}

func (m *Memory[V]) Get(_ context.Context, key string) (Versioned[V], bool, error) {
	raw, ok := m.entries.Load(key)
	if !ok {
		return Versioned[V]{}, false, nil
	}
	e := raw.(*entry[V])

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead || !e.live(m.opts.now()) {
		return Versioned[V]{}, false, nil
	}
	return Versioned[V]{Value: e.value, Version: e.version}, true, nil
}

func (m *Memory[V]) Put(_ context.Context, key string, value V) (uint64, error) {
	e := m.lock(key)
	v := m.write(e, value)
	e.mu.Unlock()

	m.maybePrune()
	return v, nil
}

func (m *Memory[V]) CompareAndSwap(_ context.Context, key string, expected uint64, value V) (bool, error) {
	e := m.lock(key)
	live := e.live(m.opts.now())
	if (expected == 0 && live) || (expected != 0 && (!live || e.version != expected)) {
		if !live {
			m.evict(key, e)
		}
		e.mu.Unlock()
		return false, nil
	}
	m.write(e, value)
	e.mu.Unlock()

	m.maybePrune()
	return true, nil
}

func (m *Memory[V]) Delete(_ context.Context, key string) error {
	raw, ok := m.entries.Load(key)
	if !ok {
		return nil
	}
	e := raw.(*entry[V])

	e.mu.Lock()
	defer e.mu.Unlock()
	m.evict(key, e)
	return nil
}

// evict вынимает запись из карты. Вызывается под e.mu.
func (m *Memory[V]) evict(key string, e *entry[V]) {
	if e.dead {
		return
	}
	var zero V
	e.value = zero
	e.present = false
	e.dead = true
	m.entries.CompareAndDelete(key, e)
}

func (m *Memory[V]) maybePrune() {
	if m.opts.ttl <= 0 || m.writes.Add(1)%pruneEvery != 0 {
		return
	}
	m.Prune()
}

// Prune удаляет истекшие записи.
func (m *Memory[V]) Prune() {
	now := m.opts.now()
	m.entries.Range(func(k, raw any) bool {
		e := raw.(*entry[V])
		e.mu.Lock()
		if !e.live(now) {
			m.evict(k.(string), e)
		}
		e.mu.Unlock()
		return true
	})
}

// Len — число ключей в карте, включая истекшие, но еще не вычищенные.
func (m *Memory[V]) Len() int {
	n := 0
	m.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
