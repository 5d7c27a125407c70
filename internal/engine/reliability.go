package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/agentguard/internal/broadcast"
	"github.com/xela07ax/agentguard/internal/secret"
)

// ReliabilityConfig — параметры защиты исходящего канала к подписанту.
type ReliabilityConfig struct {
	Name                string        `mapstructure:"name"`
	MaxRequests         uint32        `mapstructure:"cb_max_requests"`
	Interval            time.Duration `mapstructure:"cb_interval"`
	Timeout             time.Duration `mapstructure:"cb_timeout"`
	ConsecutiveFailures uint32        `mapstructure:"cb_consecutive_failures"`
	Attempts            uint          `mapstructure:"retry_attempts"`
	CallTimeout         time.Duration `mapstructure:"call_timeout"`
	RPS                 float64       `mapstructure:"rps"`
	Burst               int           `mapstructure:"burst"`
}

func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		Name:                "broadcaster",
		MaxRequests:         3,
		Interval:            5 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		Attempts:            3,
		CallTimeout:         10 * time.Second,
		RPS:                 100,
		Burst:               20,
	}
}

// ReliabilityWrapper — Broadcaster с лимитом, предохранителем и повторами.
// Повторяются только ошибки, после которых транзакция точно не ушла в сеть.
type ReliabilityWrapper struct {
	next    broadcast.Broadcaster
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliabilityConfig
	logger  *zap.Logger
}

func NewReliabilityWrapper(next broadcast.Broadcaster, cfg ReliabilityConfig, metrics *Metrics, logger *zap.Logger) *ReliabilityWrapper {
	logger = logger.Named("reliability")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if metrics != nil {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})

	return &ReliabilityWrapper{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		cfg:     cfg,
		logger:  logger,
	}
}

func retryable(err error) bool {
	var tErr *broadcast.ThrottleError
	return errors.As(err, &tErr) || errors.Is(err, broadcast.ErrTransient)
}

func (w *ReliabilityWrapper) Broadcast(ctx context.Context, key *secret.KeyHandle, tx broadcast.TxDescriptor) (broadcast.Receipt, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return broadcast.Receipt{}, fmt.Errorf("broadcast rate limit: %w", err)
	}

	// 2. Circuit Breaker
	res, err := w.cb.Execute(func() (interface{}, error) {
		var receipt broadcast.Receipt

		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.Attempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(retryable),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Узел сам сказал, сколько ждать (Retry-After)
				var tErr *broadcast.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		err := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
			defer cancel()

			var callErr error
			receipt, callErr = w.next.Broadcast(tCtx, key, tx)
			return callErr
		})
		return receipt, err
	})
	if err != nil {
		return broadcast.Receipt{}, err
	}
	return res.(broadcast.Receipt), nil
}

// CircuitOpen сообщает, что отказ пришел от предохранителя, а не от подписанта.
func CircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
