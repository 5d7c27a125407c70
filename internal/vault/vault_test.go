package vault

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agentguard/internal/domain"
	"github.com/xela07ax/agentguard/internal/store"
)

var (
	testTarget   = common.HexToAddress("0x777A8255cA72412f0d706dc03C9D1987306B4CaD")
	testSelector = domain.SelectorFromSignature("swapIn(address,address,address,bytes32,uint256,uint256)")
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishRevocation(ctx context.Context, agentID string) error {
	return m.Called(ctx, agentID).Error(0)
}

func masterKey(fill byte) StaticProvider {
	return StaticProvider(bytes.Repeat([]byte{fill}, MasterKeySize))
}

type fixture struct {
	vault *Vault
	creds *store.Memory[domain.AgentCredential]
	perms *store.Memory[domain.TransactionPermission]
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	creds := store.NewMemory[domain.AgentCredential]()
	perms := store.NewMemory[domain.TransactionPermission]()
	v, err := New(masterKey(0x42), creds, perms, zap.NewNop(), opts...)
	require.NoError(t, err)
	return fixture{vault: v, creds: creds, perms: perms}
}

func newAgentKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, hex.EncodeToString(crypto.FromECDSA(key))
}

func grant(maxPerCall, daily int64) domain.PermissionGrant {
	return domain.PermissionGrant{
		TargetContract:   testTarget,
		FunctionSelector: testSelector,
		MaxAmountPerCall: big.NewInt(maxPerCall),
		DailyLimit:       big.NewInt(daily),
	}
}

func TestVault_StoreDerivesIdentityAndRoundTripsKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key, keyHex := newAgentKey(t)

	identity, err := f.vault.Store(ctx, "A1", keyHex, []domain.PermissionGrant{grant(100, 250)})
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), identity)

	got, err := f.vault.GetPublicIdentity(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, identity, got)

	handle, err := f.vault.GetDecryptedKey(ctx, "A1")
	require.NoError(t, err)
	defer handle.Close()

	addr, err := handle.Address()
	require.NoError(t, err)
	assert.Equal(t, identity, addr)
}

func TestVault_StoreAcceptsPrefixedHex(t *testing.T) {
	f := newFixture(t)
	_, keyHex := newAgentKey(t)

	_, err := f.vault.Store(context.Background(), "A1", "0x"+keyHex, nil)
	assert.NoError(t, err)
}

func TestVault_StoreInitialisesUsage(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return now }))
	_, keyHex := newAgentKey(t)

	_, err := f.vault.Store(ctx, "A1", keyHex, []domain.PermissionGrant{grant(100, 250)})
	require.NoError(t, err)

	info, err := f.vault.Describe(ctx, "A1")
	require.NoError(t, err)
	require.Len(t, info.Permissions, 1)
	assert.Equal(t, 0, info.Permissions[0].UsedToday.Sign())
	assert.Equal(t, now, info.Permissions[0].WindowStart)
	assert.Equal(t, now, info.CreatedAt)
}

func TestVault_StoreRejectsInvalidKeyMaterial(t *testing.T) {
	f := newFixture(t)
	for _, bad := range []string{"", "zz", "00", "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"} {
		_, err := f.vault.Store(context.Background(), "A1", bad, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidKeyMaterial, "key %q", bad)
	}

	_, err := f.vault.GetPublicIdentity(context.Background(), "A1")
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestVault_StoreRejectsExistingAgent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, first := newAgentKey(t)
	_, second := newAgentKey(t)

	original, err := f.vault.Store(ctx, "A1", first, nil)
	require.NoError(t, err)

	_, err = f.vault.Store(ctx, "A1", second, nil)
	assert.ErrorIs(t, err, domain.ErrAgentExists)

	got, err := f.vault.GetPublicIdentity(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, original, got, "existing credential must not be overwritten")
}

func TestVault_StoreRejectsBadGrants(t *testing.T) {
	f := newFixture(t)
	_, keyHex := newAgentKey(t)

	cases := map[string][]domain.PermissionGrant{
		"nil limits": {{TargetContract: testTarget, FunctionSelector: testSelector}},
		"negative":   {grant(-1, 10)},
		"duplicate":  {grant(1, 10), grant(2, 20)},
	}
	for name, grants := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.vault.Store(context.Background(), "A-"+name, keyHex, grants)
			assert.ErrorIs(t, err, domain.ErrInvalidPermission)
		})
	}
}

func TestVault_NoPlaintextKeyInObservableOutput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key, keyHex := newAgentKey(t)
	raw := crypto.FromECDSA(key)

	identity, err := f.vault.Store(ctx, "A1", keyHex, []domain.PermissionGrant{grant(100, 250)})
	require.NoError(t, err)
	assert.NotContains(t, identity.Hex(), keyHex)

	info, err := f.vault.Describe(ctx, "A1")
	require.NoError(t, err)
	out, err := json.Marshal(info)
	require.NoError(t, err)
	assert.NotContains(t, string(out), keyHex)

	stored, _, err := f.creds.Get(ctx, "A1")
	require.NoError(t, err)
	assert.False(t, bytes.Contains(stored.Value.EncryptedKey.Ciphertext, raw))
	assert.Len(t, stored.Value.EncryptedKey.IV, ivSize)
	assert.Len(t, stored.Value.EncryptedKey.Tag, tagSize)
}

func TestVault_FreshIVPerStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, keyHex := newAgentKey(t)

	_, err := f.vault.Store(ctx, "A1", keyHex, nil)
	require.NoError(t, err)
	_, err = f.vault.Store(ctx, "A2", keyHex, nil)
	require.NoError(t, err)

	a, _, _ := f.creds.Get(ctx, "A1")
	b, _, _ := f.creds.Get(ctx, "A2")
	assert.NotEqual(t, a.Value.EncryptedKey.IV, b.Value.EncryptedKey.IV)
	assert.NotEqual(t, a.Value.EncryptedKey.Ciphertext, b.Value.EncryptedKey.Ciphertext)
}

func TestVault_TamperedCiphertextFailsDecryption(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, keyHex := newAgentKey(t)
	_, err := f.vault.Store(ctx, "A1", keyHex, nil)
	require.NoError(t, err)

	cur, _, err := f.creds.Get(ctx, "A1")
	require.NoError(t, err)
	tampered := cur.Value
	ct := append([]byte(nil), tampered.EncryptedKey.Ciphertext...)
	ct[0] ^= 0xff
	tampered.EncryptedKey.Ciphertext = ct
	_, err = f.creds.Put(ctx, "A1", tampered)
	require.NoError(t, err)

	handle, err := f.vault.GetDecryptedKey(ctx, "A1")
	assert.Nil(t, handle)
	assert.ErrorIs(t, err, domain.ErrDecryptionFailed)
	assert.NotErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestVault_SwappedCiphertextBetweenAgentsFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, k1 := newAgentKey(t)
	_, k2 := newAgentKey(t)
	_, err := f.vault.Store(ctx, "A1", k1, nil)
	require.NoError(t, err)
	_, err = f.vault.Store(ctx, "A2", k2, nil)
	require.NoError(t, err)

	a1, _, _ := f.creds.Get(ctx, "A1")
	a2, _, _ := f.creds.Get(ctx, "A2")
	swapped := a2.Value
	swapped.EncryptedKey = a1.Value.EncryptedKey
	_, err = f.creds.Put(ctx, "A2", swapped)
	require.NoError(t, err)

	_, err = f.vault.GetDecryptedKey(ctx, "A2")
	assert.ErrorIs(t, err, domain.ErrDecryptionFailed)
}

func TestVault_MasterKeyMismatchFailsDecryption(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, keyHex := newAgentKey(t)
	_, err := f.vault.Store(ctx, "A1", keyHex, nil)
	require.NoError(t, err)

	other, err := New(masterKey(0x43), f.creds, f.perms, zap.NewNop())
	require.NoError(t, err)

	_, err = other.GetDecryptedKey(ctx, "A1")
	assert.ErrorIs(t, err, domain.ErrDecryptionFailed)
}

func TestVault_RevokeFailsClosed(t *testing.T) {
	ctx := context.Background()
	pub := &mockPublisher{}
	pub.On("PublishRevocation", mock.Anything, "A1").Return(nil)
	f := newFixture(t, WithRevocationPublisher(pub))
	_, keyHex := newAgentKey(t)
	_, err := f.vault.Store(ctx, "A1", keyHex, []domain.PermissionGrant{grant(100, 250)})
	require.NoError(t, err)

	require.NoError(t, f.vault.Revoke(ctx, "A1"))
	require.NoError(t, f.vault.Revoke(ctx, "A1"), "revoke is idempotent")

	_, err = f.vault.GetDecryptedKey(ctx, "A1")
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
	_, err = f.vault.GetPublicIdentity(ctx, "A1")
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)

	_, _, err = f.vault.UpdatePermission(ctx, "A1", testTarget, testSelector,
		func(cur domain.TransactionPermission, _ bool) (domain.TransactionPermission, bool, error) {
			return cur, true, nil
		})
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)

	_, exists, err := f.perms.Get(ctx, domain.PermissionKey("A1", testTarget, testSelector))
	require.NoError(t, err)
	assert.False(t, exists, "usage records are removed with the credential")

	pub.AssertNumberOfCalls(t, "PublishRevocation", 2)
}

func TestVault_ApplyRevocationDoesNotRebroadcast(t *testing.T) {
	ctx := context.Background()
	pub := &mockPublisher{}
	f := newFixture(t, WithRevocationPublisher(pub))
	_, keyHex := newAgentKey(t)
	_, err := f.vault.Store(ctx, "A1", keyHex, nil)
	require.NoError(t, err)

	require.NoError(t, f.vault.ApplyRevocation(ctx, "A1"))

	_, err = f.vault.GetPublicIdentity(ctx, "A1")
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
	pub.AssertNotCalled(t, "PublishRevocation", mock.Anything, mock.Anything)
}

func TestVault_RestoreAfterRevoke(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, k1 := newAgentKey(t)
	key2, k2 := newAgentKey(t)

	_, err := f.vault.Store(ctx, "A1", k1, nil)
	require.NoError(t, err)
	require.NoError(t, f.vault.Revoke(ctx, "A1"))

	identity, err := f.vault.Store(ctx, "A1", k2, nil)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key2.PublicKey), identity)
}

// reStoringCredentials выполняет onDelete сразу после удаления записи агента,
// воспроизводя Store, пришедший между шагами отзыва.
type reStoringCredentials struct {
	store.Store[domain.AgentCredential]
	onDelete func()
}

func (s *reStoringCredentials) Delete(ctx context.Context, key string) error {
	if err := s.Store.Delete(ctx, key); err != nil {
		return err
	}
	if fn := s.onDelete; fn != nil {
		s.onDelete = nil
		fn()
	}
	return nil
}

func TestVault_RestoreDuringRevokeKeepsNewPermissions(t *testing.T) {
	ctx := context.Background()
	creds := &reStoringCredentials{Store: store.NewMemory[domain.AgentCredential]()}
	perms := store.NewMemory[domain.TransactionPermission]()
	v, err := New(masterKey(0x42), creds, perms, zap.NewNop())
	require.NoError(t, err)

	_, k1 := newAgentKey(t)
	_, k2 := newAgentKey(t)
	_, err = v.Store(ctx, "A1", k1, []domain.PermissionGrant{grant(100, 250)})
	require.NoError(t, err)

	creds.onDelete = func() {
		_, err := v.Store(ctx, "A1", k2, []domain.PermissionGrant{grant(100, 250)})
		assert.NoError(t, err)
	}
	require.NoError(t, v.Revoke(ctx, "A1"))

	_, exists, err := perms.Get(ctx, domain.PermissionKey("A1", testTarget, testSelector))
	require.NoError(t, err)
	assert.True(t, exists, "usage record of the new registration survives")

	_, committed, err := v.UpdatePermission(ctx, "A1", testTarget, testSelector,
		func(cur domain.TransactionPermission, _ bool) (domain.TransactionPermission, bool, error) {
			cur.UsedToday = big.NewInt(10)
			return cur, true, nil
		})
	require.NoError(t, err)
	assert.True(t, committed)
}

func TestVault_RevokeRemovesPermissionsBeforeCredential(t *testing.T) {
	ctx := context.Background()
	creds := &reStoringCredentials{Store: store.NewMemory[domain.AgentCredential]()}
	perms := store.NewMemory[domain.TransactionPermission]()
	v, err := New(masterKey(0x42), creds, perms, zap.NewNop())
	require.NoError(t, err)

	_, keyHex := newAgentKey(t)
	_, err = v.Store(ctx, "A1", keyHex, []domain.PermissionGrant{grant(100, 250)})
	require.NoError(t, err)

	creds.onDelete = func() {
		_, exists, err := perms.Get(ctx, domain.PermissionKey("A1", testTarget, testSelector))
		assert.NoError(t, err)
		assert.False(t, exists)
	}
	require.NoError(t, v.Revoke(ctx, "A1"))
	assert.Nil(t, creds.onDelete, "credential delete reached")
}

func TestVault_UpdatePermissionRequiresExactGrant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, keyHex := newAgentKey(t)
	_, err := f.vault.Store(ctx, "A1", keyHex, []domain.PermissionGrant{grant(100, 250)})
	require.NoError(t, err)

	noop := func(cur domain.TransactionPermission, _ bool) (domain.TransactionPermission, bool, error) {
		return cur, false, nil
	}

	_, _, err = f.vault.UpdatePermission(ctx, "A1", common.HexToAddress("0x01"), testSelector, noop)
	assert.ErrorIs(t, err, domain.ErrPermissionNotFound)

	_, _, err = f.vault.UpdatePermission(ctx, "A1", testTarget, domain.Selector{1, 2, 3, 4}, noop)
	assert.ErrorIs(t, err, domain.ErrPermissionNotFound)

	_, committed, err := f.vault.UpdatePermission(ctx, "A1", testTarget, testSelector, noop)
	assert.NoError(t, err)
	assert.False(t, committed)
}

func TestNew_RejectsMalformedMasterKey(t *testing.T) {
	creds := store.NewMemory[domain.AgentCredential]()
	perms := store.NewMemory[domain.TransactionPermission]()

	_, err := New(StaticProvider([]byte("short")), creds, perms, zap.NewNop())
	assert.ErrorIs(t, err, domain.ErrMalformedMasterKey)
}

func TestProviders(t *testing.T) {
	good := hex.EncodeToString(bytes.Repeat([]byte{7}, MasterKeySize))

	t.Run("env", func(t *testing.T) {
		t.Setenv("TEST_AGENT_MASTER_KEY", good)
		key, err := EnvProvider{Name: "TEST_AGENT_MASTER_KEY"}.MasterKey()
		require.NoError(t, err)
		assert.Len(t, key, MasterKeySize)
	})

	t.Run("env missing", func(t *testing.T) {
		_, err := EnvProvider{Name: "TEST_AGENT_MASTER_KEY_UNSET"}.MasterKey()
		assert.ErrorIs(t, err, domain.ErrMalformedMasterKey)
	})

	t.Run("decode", func(t *testing.T) {
		_, err := DecodeMasterKey("not-hex")
		assert.ErrorIs(t, err, domain.ErrMalformedMasterKey)

		_, err = DecodeMasterKey("abcd")
		assert.ErrorIs(t, err, domain.ErrMalformedMasterKey)
		assert.NotContains(t, err.Error(), "abcd")

		key, err := DecodeMasterKey("0x" + good + "\n")
		require.NoError(t, err)
		assert.Len(t, key, MasterKeySize)
	})

	t.Run("file", func(t *testing.T) {
		path := t.TempDir() + "/master.key"
		require.NoError(t, writeFile(path, good))
		key, err := FileProvider{Path: path}.MasterKey()
		require.NoError(t, err)
		assert.Len(t, key, MasterKeySize)
	})
}
