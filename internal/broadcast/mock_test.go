package broadcast

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/agentguard/internal/secret"
)

func newHandle(t *testing.T) *secret.KeyHandle {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	h, err := secret.NewKeyHandle(crypto.FromECDSA(key))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func tx(venue string) TxDescriptor {
	return TxDescriptor{
		ExecutionID:  "exec-1",
		AgentID:      "A1",
		Venue:        venue,
		Target:       common.HexToAddress("0x01"),
		AmountIn:     big.NewInt(100),
		MinAmountOut: big.NewInt(90),
	}
}

func TestMock_Broadcast(t *testing.T) {
	m := NewMock(0, 0)
	h := newHandle(t)

	r1, err := m.Broadcast(context.Background(), h, tx("router"))
	require.NoError(t, err)
	r2, err := m.Broadcast(context.Background(), h, tx("router"))
	require.NoError(t, err)

	assert.NotEqual(t, common.Hash{}, r1.TxHash)
	assert.Equal(t, r1.BlockNumber+1, r2.BlockNumber)
	assert.NotZero(t, r1.GasUsed)
}

func TestMock_FailVenues(t *testing.T) {
	m := NewMock(0, 0, "mento")
	h := newHandle(t)

	_, err := m.Broadcast(context.Background(), h, tx("mento"))
	assert.ErrorContains(t, err, "venue mento")

	_, err = m.Broadcast(context.Background(), h, tx("router"))
	assert.NoError(t, err)
}

func TestMock_ClosedHandle(t *testing.T) {
	h := newHandle(t)
	require.NoError(t, h.Close())

	_, err := NewMock(0, 0).Broadcast(context.Background(), h, tx("router"))
	assert.ErrorIs(t, err, secret.ErrHandleClosed)
}

func TestMock_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMock(time.Second, 2*time.Second).Broadcast(ctx, newHandle(t), tx("router"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestThrottleError_Unwraps(t *testing.T) {
	err := error(&ThrottleError{RetryAfter: time.Second, Cause: ErrTransient})

	var te *ThrottleError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, time.Second, te.RetryAfter)
	assert.ErrorIs(t, err, ErrTransient)
}
