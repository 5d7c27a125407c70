package audit

/*
AgentFS — неблокирующий сборщик журнала решений шлюза.

- Log никогда не блокирует hot path: при переполнении буфера событие
  сбрасывается в zap (load shedding), а не ждет БД.
- Пакетная запись в хранилище по таймеру или по размеру пачки.
- Stop закрывает вход и дожидается финального flush (drain).
*/

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []AuditEvent) error
}

type Auditor interface {
	Log(event AuditEvent)
}

const (
	DefaultBufferSize    = 10000
	DefaultBatchSize     = 100
	DefaultFlushInterval = 500 * time.Millisecond
)

type AgentFS struct {
	ch     chan AuditEvent
	repo   StorageInterface
	logger *zap.Logger
	wg     sync.WaitGroup

	batchSize     int
	flushInterval time.Duration
	fill          prometheus.Gauge

	// closed под мьютексом: Log не может отправить в уже закрытый канал
	mu     sync.RWMutex
	closed bool
}

// Option настраивает AgentFS. Неположительные значения оставляют дефолт.
type Option func(*AgentFS)

func WithBufferSize(n int) Option {
	return func(fs *AgentFS) {
		if n > 0 {
			fs.ch = make(chan AuditEvent, n)
		}
	}
}

func WithBatchSize(n int) Option {
	return func(fs *AgentFS) {
		if n > 0 {
			fs.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(fs *AgentFS) {
		if d > 0 {
			fs.flushInterval = d
		}
	}
}

// WithFillGauge публикует заполненность буфера (backpressure).
func WithFillGauge(g prometheus.Gauge) Option {
	return func(fs *AgentFS) { fs.fill = g }
}

func NewAgentFS(repo StorageInterface, logger *zap.Logger, opts ...Option) *AgentFS {
	fs := &AgentFS{
		ch:            make(chan AuditEvent, DefaultBufferSize),
		repo:          repo,
		logger:        logger.With(zap.String("mod", "agentfs")),
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
	}
	for _, opt := range opts {
		opt(fs)
	}
	return fs
}

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (fs *AgentFS) Stop() {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return
	}
	fs.closed = true
	fs.logger.Info("stopping auditor: closing channel and flushing buffer...")
	close(fs.ch)
	fs.mu.Unlock()

	fs.wg.Wait()
	fs.logger.Info("auditor stopped gracefully")
}

func (fs *AgentFS) Log(event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.closed {
		fs.logger.Warn("audit event dropped: auditor is stopping", zap.String("id", event.ID))
		return
	}

	select {
	case fs.ch <- event:
		if fs.fill != nil {
			fs.fill.Set(float64(len(fs.ch)))
		}
	default:
		// Буфер переполнен: событие уходит хотя бы в лог
		fs.logger.Error("audit_buffer_overflow",
			zap.String("agent_id", event.AgentID),
			zap.String("trace_id", event.TraceID),
			zap.String("outcome", event.Outcome),
		)
	}
}

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]AuditEvent, 0, fs.batchSize)
	ticker := time.NewTicker(fs.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: контекст запроса к этому моменту уже завершен
		if err := fs.repo.WriteBatch(context.Background(), batch); err != nil {
			fs.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		if fs.fill != nil {
			fs.fill.Set(float64(len(fs.ch)))
		}
	}

	for {
		select {
		case event, ok := <-fs.ch:
			if !ok {
				// Канал закрыт в Stop: остатки уже вычитаны
				flush()
				fs.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= fs.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
