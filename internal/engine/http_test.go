package engine

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agentguard/internal/domain"
)

func swapBody(t *testing.T, req domain.SwapAuthorizationRequest) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"user_address":   req.UserAddress.Hex(),
		"agent_id":       req.AgentID,
		"token_in":       req.TokenIn.Hex(),
		"token_out":      req.TokenOut.Hex(),
		"amount_in":      req.AmountIn.String(),
		"min_amount_out": hexutil.EncodeBig(req.MinAmountOut),
		"use_mento":      req.UseMento,
		"signature":      hexutil.Encode(req.Signature),
	})
	require.NoError(t, err)
	return body
}

func newServer(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()
	h := NewSwapHandler(f.gw, NewSwapService(f.gw, &fakeBroadcaster{}, zap.NewNop()), zap.NewNop())
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url string, body []byte, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestSwapHandler_Authorize(t *testing.T) {
	f := newFixture(t)
	srv := newServer(t, f)

	resp, out := post(t, srv.URL+"/v1/swaps/authorize", swapBody(t, f.request(t, 100, true)),
		http.Header{TraceHeader: []string{"trace-123"}})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approved", out["outcome"])
	assert.Equal(t, "trace-123", resp.Header.Get(TraceHeader))
	assert.Len(t, out, 1, "no key material or internals in the response")
	assert.Equal(t, "trace-123", f.auditor.last().TraceID)
}

func TestSwapHandler_Rejections(t *testing.T) {
	f := newFixture(t)
	srv := newServer(t, f)

	tampered := f.request(t, 100, true)
	tampered.MinAmountOut.SetInt64(1)
	resp, out := post(t, srv.URL+"/v1/swaps/authorize", swapBody(t, tampered), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_signature", out["error"])

	resp, out = post(t, srv.URL+"/v1/swaps/authorize", swapBody(t, f.request(t, 101, true)), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, domain.ReasonExceedsPerCall, out["reason"])

	ghost := f.request(t, 1, true)
	ghost.AgentID = "ghost"
	resp, _ = post(t, srv.URL+"/v1/swaps/authorize", swapBody(t, ghost), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSwapHandler_MalformedBody(t *testing.T) {
	f := newFixture(t)
	srv := newServer(t, f)

	for name, body := range map[string]string{
		"not json":       `{`,
		"bad address":    `{"agent_id":"A1","user_address":"0x12","amount_in":"1","min_amount_out":"1"}`,
		"missing amount": `{"agent_id":"A1","min_amount_out":"1"}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, out := post(t, srv.URL+"/v1/swaps/authorize", []byte(body), nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "invalid_request", out["error"])
		})
	}
}

func TestSwapHandler_Execute(t *testing.T) {
	f := newFixture(t)
	srv := newServer(t, f)

	resp, out := post(t, srv.URL+"/v1/swaps/execute", swapBody(t, f.request(t, 100, false)), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approved", out["outcome"])
	receipt, ok := out["receipt"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, receipt["transaction_hash"])
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, StatusFor(domain.OutcomeRateLimited, ""))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(domain.OutcomeVaultError, domain.ReasonStoreUnavailable))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(domain.OutcomeVaultError, domain.ReasonDecryptionFailed))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(domain.OutcomeBroadcastFailed, domain.ReasonCircuitOpen))
	assert.Equal(t, http.StatusBadGateway, StatusFor(domain.OutcomeBroadcastFailed, domain.ReasonBroadcastFailed))
}
