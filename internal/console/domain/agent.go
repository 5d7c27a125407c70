// Package domain — DTO консольного API.
package domain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	core "github.com/xela07ax/agentguard/internal/domain"
)

// GrantRequest — грант в запросе онбординга. Суммы принимаются десятичными или 0x-hex.
type GrantRequest struct {
	TargetContract   common.Address        `json:"target_contract"`
	FunctionSelector core.Selector         `json:"function_selector"`
	MaxAmountPerCall *math.HexOrDecimal256 `json:"max_amount_per_call"`
	DailyLimit       *math.HexOrDecimal256 `json:"daily_limit"`
}

// RegisterAgentRequest — тело POST /v1/agents.
type RegisterAgentRequest struct {
	AgentID     string         `json:"agent_id"`
	PrivateKey  string         `json:"private_key"`
	Permissions []GrantRequest `json:"permissions"`
}

// GoString не дает ключу попасть в лог через %#v.
func (r RegisterAgentRequest) GoString() string {
	return fmt.Sprintf("RegisterAgentRequest{AgentID:%q, Permissions:%d}", r.AgentID, len(r.Permissions))
}

// Grants переводит DTO в доменные гранты. Отсутствующая сумма — nil, ее отклонит Vault.
func (r *RegisterAgentRequest) Grants() []core.PermissionGrant {
	out := make([]core.PermissionGrant, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		out = append(out, core.PermissionGrant{
			TargetContract:   p.TargetContract,
			FunctionSelector: p.FunctionSelector,
			MaxAmountPerCall: toBig(p.MaxAmountPerCall),
			DailyLimit:       toBig(p.DailyLimit),
		})
	}
	return out
}

func toBig(v *math.HexOrDecimal256) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set((*big.Int)(v))
}

// RegisterAgentResponse — публичная идентичность зарегистрированного агента.
type RegisterAgentResponse struct {
	AgentID        string         `json:"agent_id"`
	PublicIdentity common.Address `json:"public_identity"`
}

// ErrorResponse — тело ошибки консоли.
type ErrorResponse struct {
	Error string `json:"error"`
}
