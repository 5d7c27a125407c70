// Package permission проверяет гранты агента и ведет дневной учет расхода.
package permission

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/xela07ax/agentguard/internal/domain"
	"github.com/xela07ax/agentguard/internal/store"
)

// Window — длина окна дневного лимита.
const Window = 24 * time.Hour

// Ledger — атомарный доступ к записи учета гранта. Реализуется vault.Vault.
type Ledger interface {
	UpdatePermission(
		ctx context.Context,
		agentID string,
		target common.Address,
		selector domain.Selector,
		fn store.Mutator[domain.TransactionPermission],
	) (domain.TransactionPermission, bool, error)
}

// Debit — результат проверки. При Allowed сумма уже списана в окне WindowStart.
type Debit struct {
	Allowed     bool
	Reason      string
	Amount      *big.Int
	WindowStart time.Time
}

type Engine struct {
	ledger Ledger
	now    func() time.Time
	logger *zap.Logger
}

func NewEngine(ledger Ledger, logger *zap.Logger) *Engine {
	return &Engine{
		ledger: ledger,
		now:    time.Now,
		logger: logger.Named("permission"),
	}
}

// WithClock подменяет источник времени.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Rollover открывает новое окно, если с начала текущего прошло не меньше суток.
func Rollover(p domain.TransactionPermission, now time.Time) domain.TransactionPermission {
	if now.Sub(p.WindowStart) >= Window {
		p.UsedToday = new(big.Int)
		p.WindowStart = now
	}
	return p
}

// check — чистая проверка лимитов после ролловера. Пустая строка означает "разрешено".
func check(p domain.TransactionPermission, amount *big.Int) string {
	if amount.Cmp(p.MaxAmountPerCall) > 0 {
		return domain.ReasonExceedsPerCall
	}
	if new(big.Int).Add(p.UsedToday, amount).Cmp(p.DailyLimit) > 0 {
		return domain.ReasonExceedsDailyLimit
	}
	return ""
}

// Authorize проверяет и списывает сумму. Отказ никогда не меняет учет.
func (e *Engine) Authorize(ctx context.Context, agentID string, target common.Address, selector domain.Selector, amount *big.Int) (bool, string, error) {
	d, err := e.Debit(ctx, agentID, target, selector, amount)
	if err != nil {
		return false, "", err
	}
	return d.Allowed, d.Reason, nil
}

// Debit — Authorize, возвращающий квитанцию для компенсирующего Release.
func (e *Engine) Debit(ctx context.Context, agentID string, target common.Address, selector domain.Selector, amount *big.Int) (Debit, error) {
	if amount == nil || amount.Sign() < 0 {
		return Debit{Reason: domain.ReasonInvalidAmount}, nil
	}
	amount = new(big.Int).Set(amount)

	var reason string
	next, committed, err := e.ledger.UpdatePermission(ctx, agentID, target, selector,
		func(cur domain.TransactionPermission, _ bool) (domain.TransactionPermission, bool, error) {
			cur = Rollover(cur, e.now())
			if reason = check(cur, amount); reason != "" {
				return cur, false, nil
			}
			cur.UsedToday = new(big.Int).Add(cur.UsedToday, amount)
			return cur, true, nil
		})

	switch {
	case errors.Is(err, domain.ErrPermissionNotFound):
		e.logger.Debug("no matching permission",
			zap.String("agent_id", agentID),
			zap.String("target", target.Hex()),
			zap.String("selector", selector.Hex()))
		return Debit{Reason: domain.ReasonNoPermission}, nil
	case err != nil:
		return Debit{}, err
	case !committed:
		e.logger.Debug("permission denied",
			zap.String("agent_id", agentID),
			zap.String("reason", reason),
			zap.String("amount", amount.String()))
		return Debit{Reason: reason}, nil
	}

	return Debit{
		Allowed:     true,
		Amount:      amount,
		WindowStart: next.WindowStart,
	}, nil
}

// Release возвращает списанную сумму, если окно списания еще действует.
// После ролловера возвращать нечего: счетчик уже обнулен.
func (e *Engine) Release(ctx context.Context, agentID string, target common.Address, selector domain.Selector, d Debit) error {
	if !d.Allowed || d.Amount == nil || d.Amount.Sign() == 0 {
		return nil
	}

	_, committed, err := e.ledger.UpdatePermission(ctx, agentID, target, selector,
		func(cur domain.TransactionPermission, _ bool) (domain.TransactionPermission, bool, error) {
			if !cur.WindowStart.Equal(d.WindowStart) {
				return cur, false, nil
			}
			used := new(big.Int).Sub(cur.UsedToday, d.Amount)
			if used.Sign() < 0 {
				used.SetInt64(0)
			}
			cur.UsedToday = used
			return cur, true, nil
		})
	if errors.Is(err, domain.ErrAgentNotFound) || errors.Is(err, domain.ErrPermissionNotFound) {
		// Агент отозван между списанием и возвратом: учета больше нет
		return nil
	}
	if err != nil {
		return err
	}

	e.logger.Info("debit released",
		zap.String("agent_id", agentID),
		zap.String("amount", d.Amount.String()),
		zap.Bool("applied", committed))
	return nil
}
