package signature

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/agentguard/internal/domain"
	"github.com/xela07ax/agentguard/internal/secret"
)

var (
	cUSD = common.HexToAddress("0x765DE816845861e75A25fCA122bb6898b8B1282a")
	cEUR = common.HexToAddress("0xD8763CBa276a3738E6DE85b4b3bF5FDed6D6cA73")
)

func newHandle(t *testing.T) (*secret.KeyHandle, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	h, err := secret.NewKeyHandle(crypto.FromECDSA(key))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h, addr
}

func newRequest() *domain.SwapAuthorizationRequest {
	return &domain.SwapAuthorizationRequest{
		UserAddress:  common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		AgentID:      "A1",
		TokenIn:      cUSD,
		TokenOut:     cEUR,
		AmountIn:     big.NewInt(1_000_000),
		MinAmountOut: big.NewInt(990_000),
		UseMento:     true,
	}
}

func signed(t *testing.T, h *secret.KeyHandle) *domain.SwapAuthorizationRequest {
	t.Helper()
	req := newRequest()
	sig, err := Sign(req, h)
	require.NoError(t, err)
	req.Signature = sig
	return req
}

func TestEncode_PackedLayout(t *testing.T) {
	req := newRequest()
	packed, err := Encode(req)
	require.NoError(t, err)
	require.Len(t, packed, 149)

	assert.Equal(t, req.UserAddress.Bytes(), packed[0:20])
	assert.Equal(t, cUSD.Bytes(), packed[20:40])
	assert.Equal(t, cEUR.Bytes(), packed[40:60])
	assert.Equal(t, "00000000000000000000000000000000000000000000000000000000000f4240", hex.EncodeToString(packed[60:92]))
	assert.Equal(t, "00000000000000000000000000000000000000000000000000000000000f1b30", hex.EncodeToString(packed[92:124]))
	assert.Equal(t, byte(1), packed[148])

	req.UseMento = false
	packed, err = Encode(req)
	require.NoError(t, err)
	assert.Equal(t, byte(0), packed[148])
}

func TestEncode_RejectsOutOfRangeAmounts(t *testing.T) {
	overflow := new(big.Int).Lsh(big.NewInt(1), 256)

	for name, mutate := range map[string]func(r *domain.SwapAuthorizationRequest){
		"nil amount":   func(r *domain.SwapAuthorizationRequest) { r.AmountIn = nil },
		"negative min": func(r *domain.SwapAuthorizationRequest) { r.MinAmountOut = big.NewInt(-1) },
		"overflow":     func(r *domain.SwapAuthorizationRequest) { r.AmountIn = overflow },
	} {
		t.Run(name, func(t *testing.T) {
			req := newRequest()
			mutate(req)
			_, err := Encode(req)
			assert.ErrorIs(t, err, ErrUnencodable)
		})
	}
}

func TestValidate_AcceptsAgentSignature(t *testing.T) {
	h, addr := newHandle(t)
	req := signed(t, h)

	assert.True(t, Validate(req, addr))
	assert.Contains(t, []byte{27, 28}, req.Signature[64])
}

func TestValidate_AcceptsZeroBasedRecoveryID(t *testing.T) {
	h, addr := newHandle(t)
	req := signed(t, h)
	req.Signature[64] -= 27

	assert.True(t, Validate(req, addr))
}

func TestValidate_RejectsOtherSigner(t *testing.T) {
	h, _ := newHandle(t)
	_, other := newHandle(t)

	assert.False(t, Validate(signed(t, h), other))
}

func TestValidate_AnyFieldChangeBreaksSignature(t *testing.T) {
	h, addr := newHandle(t)

	cases := map[string]func(r *domain.SwapAuthorizationRequest){
		"user":         func(r *domain.SwapAuthorizationRequest) { r.UserAddress = common.HexToAddress("0xbb") },
		"tokenIn":      func(r *domain.SwapAuthorizationRequest) { r.TokenIn = cEUR },
		"tokenOut":     func(r *domain.SwapAuthorizationRequest) { r.TokenOut = cUSD },
		"amountIn":     func(r *domain.SwapAuthorizationRequest) { r.AmountIn = big.NewInt(1_000_001) },
		"minAmountOut": func(r *domain.SwapAuthorizationRequest) { r.MinAmountOut = big.NewInt(1) },
		"useMento":     func(r *domain.SwapAuthorizationRequest) { r.UseMento = false },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := signed(t, h)
			mutate(req)
			assert.False(t, Validate(req, addr))
		})
	}
}

func TestValidate_AgentIDIsNotSigned(t *testing.T) {
	h, addr := newHandle(t)
	req := signed(t, h)
	req.AgentID = "A2"

	assert.True(t, Validate(req, addr))
}

func TestValidate_MalformedInputIsFalse(t *testing.T) {
	h, addr := newHandle(t)

	cases := map[string]func(r *domain.SwapAuthorizationRequest){
		"empty":         func(r *domain.SwapAuthorizationRequest) { r.Signature = nil },
		"short":         func(r *domain.SwapAuthorizationRequest) { r.Signature = r.Signature[:64] },
		"long":          func(r *domain.SwapAuthorizationRequest) { r.Signature = append(r.Signature, 0) },
		"bad v":         func(r *domain.SwapAuthorizationRequest) { r.Signature[64] = 29 },
		"zero r and s":  func(r *domain.SwapAuthorizationRequest) { copy(r.Signature, make([]byte, 64)) },
		"nil amount":    func(r *domain.SwapAuthorizationRequest) { r.AmountIn = nil },
		"negative":      func(r *domain.SwapAuthorizationRequest) { r.AmountIn = big.NewInt(-1) },
		"overflow":      func(r *domain.SwapAuthorizationRequest) { r.MinAmountOut = new(big.Int).Lsh(big.NewInt(1), 300) },
		"flipped s bit": func(r *domain.SwapAuthorizationRequest) { r.Signature[40] ^= 0x01 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := signed(t, h)
			mutate(req)
			assert.NotPanics(t, func() {
				assert.False(t, Validate(req, addr))
			})
		})
	}

	assert.False(t, Validate(nil, addr))
	assert.False(t, Validate(signed(t, h), common.Address{}))
}

func TestSign_ClosedHandle(t *testing.T) {
	h, _ := newHandle(t)
	require.NoError(t, h.Close())

	_, err := Sign(newRequest(), h)
	assert.ErrorIs(t, err, secret.ErrHandleClosed)
}
