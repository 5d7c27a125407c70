package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SwapAuthorizationRequest — единица работы пайплайна авторизации.
// Подпись покрывает все поля, влияющие на экономический результат.
type SwapAuthorizationRequest struct {
	UserAddress  common.Address `json:"user_address"` // Идентичность пользователя (ключ для rate limit)
	AgentID      string         `json:"agent_id"`
	TokenIn      common.Address `json:"token_in"`
	TokenOut     common.Address `json:"token_out"`
	AmountIn     *big.Int       `json:"amount_in"`
	MinAmountOut *big.Int       `json:"min_amount_out"`
	UseMento     bool           `json:"use_mento"` // Выбор площадки исполнения
	Signature    []byte         `json:"signature"`
}

// Identity — ключ для лимитера запросов.
func (r *SwapAuthorizationRequest) Identity() string {
	return r.UserAddress.Hex()
}

// Venue возвращает имя площадки исполнения по флагу запроса.
func (r *SwapAuthorizationRequest) Venue() string {
	if r.UseMento {
		return VenueMento
	}
	return VenueRouter
}

const (
	VenueMento  = "mento"
	VenueRouter = "router"

	// ActionSwap — действие, по которому считается лимит запросов.
	ActionSwap = "swap"
)
