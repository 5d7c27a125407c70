// Package ratelimit ограничивает частоту запросов по паре (identity, action).
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentguard/internal/domain"
	"github.com/xela07ax/agentguard/internal/store"
)

// Window — фиксированное окно учета.
const Window = time.Minute

// Limiter — фиксированное минутное окно. Часовая и суточная квоты декларативные:
// отдаются клиенту через GetRemainingQuota, но не применяются.
type Limiter struct {
	windows   store.Store[domain.RateWindow]
	overrides store.Store[domain.RateLimits]
	defaults  domain.RateLimits
	now       func() time.Time
	logger    *zap.Logger
}

type Option func(*Limiter)

func WithDefaults(l domain.RateLimits) Option {
	return func(r *Limiter) { r.defaults = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Limiter) { r.now = now }
}

// New собирает лимитер. Оба стора общие для всех инстансов шлюза.
func New(
	windows store.Store[domain.RateWindow],
	overrides store.Store[domain.RateLimits],
	logger *zap.Logger,
	opts ...Option,
) *Limiter {
	l := &Limiter{
		windows:   windows,
		overrides: overrides,
		defaults:  domain.DefaultRateLimits,
		now:       time.Now,
		logger:    logger.Named("ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func windowKey(identity, action string) string {
	return identity + "|" + action
}

func (l *Limiter) limits(ctx context.Context, identity string) (domain.RateLimits, error) {
	cur, exists, err := l.overrides.Get(ctx, identity)
	if err != nil {
		return domain.RateLimits{}, fmt.Errorf("ratelimit: load limits: %w", err)
	}
	if exists {
		return cur.Value, nil
	}
	return l.defaults, nil
}

// IsAllowed засчитывает попытку, если после инкремента счетчик не превышает perMinute.
// Отказ счетчик не меняет.
func (l *Limiter) IsAllowed(ctx context.Context, identity, action string) (bool, error) {
	lim, err := l.limits(ctx, identity)
	if err != nil {
		return false, err
	}
	perMinute := lim.PerMinute

	_, allowed, err := store.Update(ctx, l.windows, windowKey(identity, action),
		func(cur domain.RateWindow, exists bool) (domain.RateWindow, bool, error) {
			now := l.now()
			if !exists || cur.WindowEnd.Before(now) {
				cur = domain.RateWindow{WindowEnd: now.Add(Window)}
			}
			if cur.Count+1 > perMinute {
				return cur, false, nil
			}
			cur.Count++
			return cur, true, nil
		})
	if err != nil {
		return false, fmt.Errorf("ratelimit: %w", err)
	}

	if !allowed {
		l.logger.Debug("rate limit exceeded",
			zap.String("identity", identity),
			zap.String("action", action),
			zap.Int("per_minute", perMinute))
	}
	return allowed, nil
}

// GetRemainingQuota — декларация настроенных квот, не живой остаток.
func (l *Limiter) GetRemainingQuota(ctx context.Context, identity string) (domain.Quota, error) {
	lim, err := l.limits(ctx, identity)
	if err != nil {
		return domain.Quota{}, err
	}
	return domain.Quota{
		PerMinute: max(0, lim.PerMinute),
		PerHour:   max(0, lim.PerHour),
		PerDay:    max(0, lim.PerDay),
	}, nil
}

// SetLimits задает персональные квоты. Уже открытые окна не сбрасываются.
func (l *Limiter) SetLimits(ctx context.Context, identity string, limits domain.RateLimits) error {
	if !limits.Valid() {
		return domain.ErrInvalidLimits
	}
	if _, err := l.overrides.Put(ctx, identity, limits); err != nil {
		return fmt.Errorf("ratelimit: save limits: %w", err)
	}

	l.logger.Info("rate limits set",
		zap.String("identity", identity),
		zap.Int("per_minute", limits.PerMinute),
		zap.Int("per_hour", limits.PerHour),
		zap.Int("per_day", limits.PerDay))
	return nil
}

// ResetLimits возвращает идентичность к значениям по умолчанию. Счетчики окон не трогаются.
func (l *Limiter) ResetLimits(ctx context.Context, identity string) error {
	if err := l.overrides.Delete(ctx, identity); err != nil {
		return fmt.Errorf("ratelimit: reset limits: %w", err)
	}
	l.logger.Info("rate limits reset", zap.String("identity", identity))
	return nil
}

// Defaults возвращает квоты по умолчанию.
func (l *Limiter) Defaults() domain.RateLimits {
	return l.defaults
}
