// Package vault — хранилище кастодиальных ключей агентов и их грантов.
//
// Vault — единственный компонент, который видит расшифрованный ключ, и
// единственный писатель счетчиков usedToday/windowStart. Мастер-ключ приходит
// из SecretProvider один раз; ротация требует перешифровки всех учетных записей.
package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/xela07ax/agentguard/internal/domain"
	"github.com/xela07ax/agentguard/internal/secret"
	"github.com/xela07ax/agentguard/internal/store"
)

// RevocationPublisher рассылает факт отзыва другим инстансам шлюза.
type RevocationPublisher interface {
	PublishRevocation(ctx context.Context, agentID string) error
}

// AgentInfo — публичное представление агента (без шифртекста).
type AgentInfo struct {
	AgentID        string                         `json:"agent_id"`
	PublicIdentity common.Address                 `json:"public_identity"`
	CreatedAt      time.Time                      `json:"created_at"`
	Permissions    []domain.TransactionPermission `json:"permissions"`
}

type Vault struct {
	credentials store.Store[domain.AgentCredential]
	permissions store.Store[domain.TransactionPermission]
	sealer      *sealer
	publisher   RevocationPublisher
	now         func() time.Time
	logger      *zap.Logger
}

type Option func(*Vault)

// WithClock подменяет источник времени (детерминированные тесты).
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// WithRevocationPublisher включает рассылку отзывов.
func WithRevocationPublisher(p RevocationPublisher) Option {
	return func(v *Vault) { v.publisher = p }
}

// New инициализирует хранилище. Неверный мастер-ключ — фатальная ошибка старта.
func New(
	provider SecretProvider,
	credentials store.Store[domain.AgentCredential],
	permissions store.Store[domain.TransactionPermission],
	logger *zap.Logger,
	opts ...Option,
) (*Vault, error) {
	master, err := provider.MasterKey()
	if err != nil {
		return nil, err
	}
	defer zero(master)

	if len(master) != MasterKeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", domain.ErrMalformedMasterKey, MasterKeySize, len(master))
	}

	s, err := newSealer(master)
	if err != nil {
		return nil, err
	}

	v := &Vault{
		credentials: credentials,
		permissions: permissions,
		sealer:      s,
		now:         time.Now,
		logger:      logger.Named("vault"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Store регистрирует агента. Повторная регистрация существующего agentID отклоняется.
func (v *Vault) Store(ctx context.Context, agentID, privateKeyHex string, grants []domain.PermissionGrant) (common.Address, error) {
	if strings.TrimSpace(agentID) == "" {
		return common.Address{}, fmt.Errorf("vault: empty agent id: %w", domain.ErrInvalidPermission)
	}

	// 1. Разбираем ключ и выводим публичную идентичность
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		// Текст ошибки go-ethereum может содержать фрагменты ввода — не оборачиваем его
		return common.Address{}, domain.ErrInvalidKeyMaterial
	}
	identity := crypto.PubkeyToAddress(key.PublicKey)

	raw := crypto.FromECDSA(key)
	defer zero(raw)
	key.D.SetInt64(0)

	if err := validateGrants(grants); err != nil {
		return common.Address{}, err
	}

	// 2. Шифруем под мастер-ключом со свежим IV
	sealed, err := v.sealer.seal(raw, agentID)
	if err != nil {
		return common.Address{}, err
	}

	now := v.now()
	cred := domain.AgentCredential{
		AgentID:        agentID,
		EncryptedKey:   sealed,
		PublicIdentity: identity,
		CreatedAt:      now,
		Permissions:    cloneGrants(grants),
	}

	// 3. Создаем запись только если ее еще нет (reject-if-exists)
	created, err := v.credentials.CompareAndSwap(ctx, agentID, 0, cred)
	if err != nil {
		return common.Address{}, fmt.Errorf("vault: persist credential: %w", err)
	}
	if !created {
		v.logger.Warn("credential store rejected: agent already exists", zap.String("agent_id", agentID))
		return common.Address{}, domain.ErrAgentExists
	}

	// 4. Заводим счетчики по каждому гранту с нулевым расходом
	for _, g := range cred.Permissions {
		perm := domain.TransactionPermission{
			PermissionGrant: g,
			UsedToday:       new(big.Int),
			WindowStart:     now,
		}
		pkey := domain.PermissionKey(agentID, g.TargetContract, g.FunctionSelector)
		if _, err := v.permissions.Put(ctx, pkey, perm); err != nil {
			_ = v.revoke(ctx, agentID, false)
			return common.Address{}, fmt.Errorf("vault: persist permission: %w", err)
		}
	}

	v.logger.Info("agent credential stored",
		zap.String("agent_id", agentID),
		zap.String("identity", identity.Hex()),
		zap.Int("permissions", len(grants)))

	return identity, nil
}

func (v *Vault) credential(ctx context.Context, agentID string) (domain.AgentCredential, error) {
	cur, exists, err := v.credentials.Get(ctx, agentID)
	if err != nil {
		return domain.AgentCredential{}, fmt.Errorf("vault: load credential: %w", err)
	}
	if !exists {
		return domain.AgentCredential{}, domain.ErrAgentNotFound
	}
	return cur.Value, nil
}

// GetDecryptedKey — только для пайплайна авторизации, после всех проверок.
// Вызывающий обязан закрыть хэндл сразу после передачи подписанту.
func (v *Vault) GetDecryptedKey(ctx context.Context, agentID string) (*secret.KeyHandle, error) {
	cred, err := v.credential(ctx, agentID)
	if err != nil {
		return nil, err
	}

	plaintext, err := v.sealer.open(cred.EncryptedKey, agentID)
	if err != nil {
		// Integrity fault: подмена шифртекста или чужой мастер-ключ
		v.logger.Error("SECURITY: credential authentication tag mismatch",
			zap.String("agent_id", agentID),
			zap.Error(err))
		return nil, err
	}

	return secret.NewKeyHandle(plaintext)
}

// GetPublicIdentity возвращает адрес, которым агент подписывает запросы.
func (v *Vault) GetPublicIdentity(ctx context.Context, agentID string) (common.Address, error) {
	cred, err := v.credential(ctx, agentID)
	if err != nil {
		return common.Address{}, err
	}
	return cred.PublicIdentity, nil
}

// Describe собирает публичную карточку агента с текущим учетом расхода.
func (v *Vault) Describe(ctx context.Context, agentID string) (*AgentInfo, error) {
	cred, err := v.credential(ctx, agentID)
	if err != nil {
		return nil, err
	}

	info := &AgentInfo{
		AgentID:        cred.AgentID,
		PublicIdentity: cred.PublicIdentity,
		CreatedAt:      cred.CreatedAt,
		Permissions:    make([]domain.TransactionPermission, 0, len(cred.Permissions)),
	}
	for _, g := range cred.Permissions {
		cur, exists, err := v.permissions.Get(ctx, domain.PermissionKey(agentID, g.TargetContract, g.FunctionSelector))
		if err != nil {
			return nil, fmt.Errorf("vault: load permission: %w", err)
		}
		if exists {
			info.Permissions = append(info.Permissions, cur.Value.Clone())
		}
	}
	return info, nil
}

// UpdatePermission — атомарный read-check-write по ключу (agentID, target, selector).
// fn вызывается на копии текущего состояния; commit=false означает отказ без записи.
func (v *Vault) UpdatePermission(
	ctx context.Context,
	agentID string,
	target common.Address,
	selector domain.Selector,
	fn store.Mutator[domain.TransactionPermission],
) (domain.TransactionPermission, bool, error) {
	cred, err := v.credential(ctx, agentID)
	if err != nil {
		return domain.TransactionPermission{}, false, err
	}
	if !hasGrant(cred.Permissions, target, selector) {
		return domain.TransactionPermission{}, false, domain.ErrPermissionNotFound
	}

	key := domain.PermissionKey(agentID, target, selector)
	return store.Update(ctx, v.permissions, key, func(cur domain.TransactionPermission, exists bool) (domain.TransactionPermission, bool, error) {
		if !exists {
			// Запись удалена конкурентным Revoke — fail closed
			return cur, false, domain.ErrAgentNotFound
		}
		return fn(cur.Clone(), true)
	})
}

// Revoke удаляет агента и рассылает сигнал остальным инстансам. Идемпотентен.
func (v *Vault) Revoke(ctx context.Context, agentID string) error {
	return v.revoke(ctx, agentID, true)
}

// ApplyRevocation — отзыв по сигналу от другого инстанса (без повторной рассылки).
func (v *Vault) ApplyRevocation(ctx context.Context, agentID string) error {
	return v.revoke(ctx, agentID, false)
}

func (v *Vault) revoke(ctx context.Context, agentID string, broadcast bool) error {
	cur, exists, err := v.credentials.Get(ctx, agentID)
	if err != nil {
		return fmt.Errorf("vault: load credential: %w", err)
	}

	// Отсутствующего агента локально не трогаем: удаление без версии могло бы
	// снести запись, заведенную повторным Store после чужого отзыва
	if exists {
		if err := v.deleteAgent(ctx, agentID, cur.Value.Permissions); err != nil {
			return err
		}
		v.logger.Info("agent revoked", zap.String("agent_id", agentID), zap.Bool("local_only", !broadcast))
	}

	// Сигнал остальным инстансам (потеря сигнала не отменяет локальный отзыв)
	if broadcast && v.publisher != nil {
		if err := v.publisher.PublishRevocation(ctx, agentID); err != nil {
			v.logger.Warn("revocation signal delivery failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	return nil
}

// deleteAgent удаляет сначала счетчики грантов, затем саму запись. Пока запись
// жива, повторный Store получает AgentExists и не заводит счетчики, которые
// здесь же будут удалены.
func (v *Vault) deleteAgent(ctx context.Context, agentID string, grants []domain.PermissionGrant) error {
	var errs []error
	for _, g := range grants {
		key := domain.PermissionKey(agentID, g.TargetContract, g.FunctionSelector)
		if err := v.permissions.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("vault: delete permissions: %w", err)
	}

	if err := v.credentials.Delete(ctx, agentID); err != nil {
		return fmt.Errorf("vault: delete credential: %w", err)
	}
	return nil
}

func validateGrants(grants []domain.PermissionGrant) error {
	seen := make(map[string]struct{}, len(grants))
	for i, g := range grants {
		if g.MaxAmountPerCall == nil || g.DailyLimit == nil {
			return fmt.Errorf("%w: grant %d: limits are required", domain.ErrInvalidPermission, i)
		}
		if g.MaxAmountPerCall.Sign() < 0 || g.DailyLimit.Sign() < 0 {
			return fmt.Errorf("%w: grant %d: negative limit", domain.ErrInvalidPermission, i)
		}
		pair := g.TargetContract.Hex() + g.FunctionSelector.Hex()
		if _, dup := seen[pair]; dup {
			return fmt.Errorf("%w: grant %d: duplicate target/selector pair", domain.ErrInvalidPermission, i)
		}
		seen[pair] = struct{}{}
	}
	return nil
}

func hasGrant(grants []domain.PermissionGrant, target common.Address, selector domain.Selector) bool {
	for _, g := range grants {
		if g.TargetContract == target && g.FunctionSelector == selector {
			return true
		}
	}
	return false
}

func cloneGrants(grants []domain.PermissionGrant) []domain.PermissionGrant {
	out := make([]domain.PermissionGrant, len(grants))
	for i, g := range grants {
		out[i] = domain.PermissionGrant{
			TargetContract:   g.TargetContract,
			FunctionSelector: g.FunctionSelector,
			MaxAmountPerCall: new(big.Int).Set(g.MaxAmountPerCall),
			DailyLimit:       new(big.Int).Set(g.DailyLimit),
		}
	}
	return out
}
