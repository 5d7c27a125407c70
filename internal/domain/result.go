package domain

// Outcome — итог прохождения пайплайна.
type Outcome string

const (
	OutcomeApproved         Outcome = "approved"
	OutcomeRateLimited      Outcome = "rate_limited"
	OutcomeInvalidSignature Outcome = "invalid_signature"
	OutcomePermissionDenied Outcome = "permission_denied"
	OutcomeAgentNotFound    Outcome = "agent_not_found"
	OutcomeVaultError       Outcome = "vault_error"

	// OutcomeBroadcastFailed — авторизация прошла, но транзакция не ушла (списание возвращено)
	OutcomeBroadcastFailed Outcome = "broadcast_failed"
)

// Коды причин отказа (машиночитаемые, уходят клиенту)
const (
	ReasonNoPermission        = "no_matching_permission"
	ReasonExceedsPerCall      = "exceeds_max_amount_per_call"
	ReasonExceedsDailyLimit   = "exceeds_daily_limit"
	ReasonInvalidAmount       = "invalid_amount"
	ReasonVenueNotConfigured  = "venue_not_configured"
	ReasonVenueAssetForbidden = "venue_asset_not_allowed"
	ReasonDecryptionFailed    = "decryption_failed"
	ReasonStoreUnavailable    = "store_unavailable"
	ReasonBroadcastFailed     = "broadcast_failed"
	ReasonCircuitOpen         = "circuit_open"
	ReasonAgentRevoked        = "agent_revoked"
)

// IsRejection — ожидаемый отказ (нормальный выход пайплайна, не сбой).
func (o Outcome) IsRejection() bool {
	switch o {
	case OutcomeRateLimited, OutcomeInvalidSignature, OutcomePermissionDenied:
		return true
	}
	return false
}
