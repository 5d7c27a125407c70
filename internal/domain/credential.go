package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SealedKey — зашифрованный приватный ключ агента (AES-256-GCM).
// Формат повторяет схему "iv:ciphertext:tag", но поля хранятся раздельно.
type SealedKey struct {
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
	Tag        []byte `json:"tag"`
}

// AgentCredential — учетная запись агента в хранилище ключей.
// Плоскость прав (usedToday/windowStart) живет в отдельных записях PermissionState,
// чтобы CAS по одной паре target+selector не блокировал соседние.
type AgentCredential struct {
	AgentID        string         `json:"agent_id"`
	EncryptedKey   SealedKey      `json:"encrypted_key"`
	PublicIdentity common.Address `json:"public_identity"`
	CreatedAt      time.Time      `json:"created_at"`

	// Упорядоченный список грантов (только описание, без счетчиков)
	Permissions []PermissionGrant `json:"permissions"`
}

// PermissionGrant — то, что администратор выдает агенту при онбординге.
type PermissionGrant struct {
	TargetContract   common.Address `json:"target_contract"`
	FunctionSelector Selector       `json:"function_selector"`
	MaxAmountPerCall *big.Int       `json:"max_amount_per_call"`
	DailyLimit       *big.Int       `json:"daily_limit"`
}

// TransactionPermission — грант вместе с текущим учетом дневного расхода.
type TransactionPermission struct {
	PermissionGrant
	UsedToday   *big.Int  `json:"used_today"`
	WindowStart time.Time `json:"window_start"`
}

// Clone возвращает глубокую копию: значения в сторах иммутабельны, CAS работает по копиям.
func (p TransactionPermission) Clone() TransactionPermission {
	c := p
	c.MaxAmountPerCall = cloneInt(p.MaxAmountPerCall)
	c.DailyLimit = cloneInt(p.DailyLimit)
	c.UsedToday = cloneInt(p.UsedToday)
	return c
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// PermissionKey однозначно адресует запись учета в сторе.
func PermissionKey(agentID string, target common.Address, selector Selector) string {
	return agentID + "|" + target.Hex() + "|" + selector.Hex()
}
