package engine

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/agentguard/internal/domain"
)

// maxBodyBytes — запрос на своп небольшой, крупное тело — признак мусора.
const maxBodyBytes = 64 << 10

// SwapRequest — тело запроса. Суммы — строки (десятичные или 0x-hex): uint256 не влезает в JSON number.
type SwapRequest struct {
	UserAddress  common.Address        `json:"user_address"`
	AgentID      string                `json:"agent_id"`
	TokenIn      common.Address        `json:"token_in"`
	TokenOut     common.Address        `json:"token_out"`
	AmountIn     *math.HexOrDecimal256 `json:"amount_in"`
	MinAmountOut *math.HexOrDecimal256 `json:"min_amount_out"`
	UseMento     bool                  `json:"use_mento"`
	Signature    hexutil.Bytes         `json:"signature"`
}

var errBadRequest = errors.New("agent_id, amount_in and min_amount_out are required")

func (r *SwapRequest) toDomain() (domain.SwapAuthorizationRequest, error) {
	if r.AgentID == "" || r.AmountIn == nil || r.MinAmountOut == nil {
		return domain.SwapAuthorizationRequest{}, errBadRequest
	}
	return domain.SwapAuthorizationRequest{
		UserAddress:  r.UserAddress,
		AgentID:      r.AgentID,
		TokenIn:      r.TokenIn,
		TokenOut:     r.TokenOut,
		AmountIn:     (*big256)(r.AmountIn).Int(),
		MinAmountOut: (*big256)(r.MinAmountOut).Int(),
		UseMento:     r.UseMento,
		Signature:    r.Signature,
	}, nil
}

type big256 math.HexOrDecimal256

func (b *big256) Int() *big.Int {
	return new(big.Int).Set((*big.Int)(b))
}

// StatusFor — HTTP-код для исхода пайплайна.
func StatusFor(o domain.Outcome, reason string) int {
	switch o {
	case domain.OutcomeApproved:
		return http.StatusOK
	case domain.OutcomeRateLimited:
		return http.StatusTooManyRequests
	case domain.OutcomeInvalidSignature:
		return http.StatusUnauthorized
	case domain.OutcomePermissionDenied:
		return http.StatusForbidden
	case domain.OutcomeAgentNotFound:
		return http.StatusNotFound
	case domain.OutcomeBroadcastFailed:
		if reason == domain.ReasonCircuitOpen {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		if reason == domain.ReasonStoreUnavailable {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// SwapHandler — публичный API шлюза.
type SwapHandler struct {
	gw     *Gateway
	swaps  *SwapService
	logger *zap.Logger
}

func NewSwapHandler(gw *Gateway, swaps *SwapService, logger *zap.Logger) *SwapHandler {
	return &SwapHandler{gw: gw, swaps: swaps, logger: logger.Named("swap-api")}
}

// Routes собирает роутер. Порядок middleware: Trace -> RequestID -> Recoverer.
func (h *SwapHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1/swaps", func(r chi.Router) {
		r.Post("/authorize", h.Authorize)
		r.Post("/execute", h.Execute)
	})
	return r
}

func (h *SwapHandler) decode(w http.ResponseWriter, r *http.Request) (domain.SwapAuthorizationRequest, bool) {
	var body SwapRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Reason: "malformed body"})
		return domain.SwapAuthorizationRequest{}, false
	}
	req, err := body.toDomain()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Reason: err.Error()})
		return domain.SwapAuthorizationRequest{}, false
	}
	return req, true
}

// Authorize только прогоняет пайплайн. Выданный ключ здесь же закрывается:
// наружу он не уходит никогда.
func (h *SwapHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	res := h.gw.AuthorizeSwap(r.Context(), req)
	if err := res.Close(); err != nil {
		h.logger.Error("key handle close failed", zap.Error(err))
	}

	if !res.Approved() {
		writeJSON(w, StatusFor(res.Outcome, res.Reason), errorBody{Error: string(res.Outcome), Reason: res.Reason})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Execute — авторизация и отправка транзакции.
func (h *SwapHandler) Execute(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	res := h.swaps.Execute(r.Context(), req)
	if res.Outcome != domain.OutcomeApproved {
		writeJSON(w, StatusFor(res.Outcome, res.Reason), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
