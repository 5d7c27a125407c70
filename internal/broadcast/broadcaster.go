// Package broadcast — граница с внешним подписантом/отправителем транзакций.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xela07ax/agentguard/internal/domain"
	"github.com/xela07ax/agentguard/internal/secret"
)

// ErrTransient — сбой, после которого повтор безопасен (транзакция не ушла в сеть).
var ErrTransient = errors.New("broadcast: transient failure")

// TxDescriptor — одобренный своп, который нужно подписать и отправить.
type TxDescriptor struct {
	ExecutionID  string
	AgentID      string
	Venue        string
	From         common.Address
	Target       common.Address
	Selector     domain.Selector
	User         common.Address
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	MinAmountOut *big.Int
}

// Receipt — подтверждение включения транзакции.
type Receipt struct {
	TxHash      common.Hash `json:"transaction_hash"`
	BlockNumber uint64      `json:"block_number"`
	GasUsed     uint64      `json:"gas_used"`
}

// Broadcaster получает хэндл ключа ровно на время одного вызова.
// Сохранять хэндл или ключ после возврата нельзя.
type Broadcaster interface {
	Broadcast(ctx context.Context, key *secret.KeyHandle, tx TxDescriptor) (Receipt, error)
}

// ThrottleError — узел попросил подождать (Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error {
	return e.Cause
}
