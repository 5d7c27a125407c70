package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ResubscribeDelay — пауза перед повторной подпиской после обрыва.
var ResubscribeDelay = time.Second

// ListenResilient — цикл "живучей" подписки на канал Redis.
// Переподписывается после обрыва. Сообщения, отправленные во время обрыва, теряются.
func ListenResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onMessage func(ctx context.Context, payload string),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleep(ctx, 5*ResubscribeDelay) {
				return
			}
			continue
		}

		logger.Debug("subscribed", zap.String("chan", channel))
		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				onMessage(ctx, msg.Payload)
			}
		}

		_ = pubsub.Close()
		if !sleep(ctx, ResubscribeDelay) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
