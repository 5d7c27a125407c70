package broadcast

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/xela07ax/agentguard/internal/secret"
)

// Mock имитирует подписание и отправку: задержка, хэш транзакции от подписи, растущий номер блока.
// На площадках из failVenues отправка всегда падает (проверка saga и предохранителя).
type Mock struct {
	MinLatency time.Duration
	MaxLatency time.Duration

	failVenues map[string]struct{}
	block      atomic.Uint64
}

func NewMock(minLatency, maxLatency time.Duration, failVenues ...string) *Mock {
	m := &Mock{
		MinLatency: minLatency,
		MaxLatency: maxLatency,
		failVenues: make(map[string]struct{}, len(failVenues)),
	}
	for _, v := range failVenues {
		m.failVenues[v] = struct{}{}
	}
	m.block.Store(30_000_000)
	return m
}

func (m *Mock) latency() time.Duration {
	if m.MaxLatency <= m.MinLatency {
		return m.MinLatency
	}
	return m.MinLatency + time.Duration(rand.Int64N(int64(m.MaxLatency-m.MinLatency)))
}

func (m *Mock) Broadcast(ctx context.Context, key *secret.KeyHandle, tx TxDescriptor) (Receipt, error) {
	select {
	case <-time.After(m.latency()):
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}

	if _, ok := m.failVenues[tx.Venue]; ok {
		return Receipt{}, fmt.Errorf("venue %s: node internal error", tx.Venue)
	}

	sig, err := key.Sign(digest(tx))
	if err != nil {
		return Receipt{}, err
	}

	return Receipt{
		TxHash:      crypto.Keccak256Hash(sig),
		BlockNumber: m.block.Add(1),
		GasUsed:     uint64(150_000 + rand.IntN(50_000)),
	}, nil
}

func digest(tx TxDescriptor) []byte {
	nonce := make([]byte, 8)
	binary.BigEndian.PutUint64(nonce, uint64(time.Now().UnixNano()))

	return crypto.Keccak256(
		[]byte(tx.ExecutionID),
		tx.Target.Bytes(),
		tx.Selector[:],
		tx.User.Bytes(),
		tx.TokenIn.Bytes(),
		tx.TokenOut.Bytes(),
		common.LeftPadBytes(tx.AmountIn.Bytes(), 32),
		common.LeftPadBytes(tx.MinAmountOut.Bytes(), 32),
		nonce,
	)
}
