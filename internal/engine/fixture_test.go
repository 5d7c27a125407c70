package engine

import (
	"context"
	"encoding/hex"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agentguard/internal/audit"
	"github.com/xela07ax/agentguard/internal/broadcast"
	"github.com/xela07ax/agentguard/internal/domain"
	"github.com/xela07ax/agentguard/internal/permission"
	"github.com/xela07ax/agentguard/internal/ratelimit"
	"github.com/xela07ax/agentguard/internal/secret"
	"github.com/xela07ax/agentguard/internal/signature"
	"github.com/xela07ax/agentguard/internal/store"
	"github.com/xela07ax/agentguard/internal/vault"
)

var (
	cUSD  = common.HexToAddress("0x765DE816845861e75A25fCA122bb6898b8B1282a")
	cEUR  = common.HexToAddress("0xD8763CBa276a3738E6DE85b4b3bF5FDed6D6cA73")
	other = common.HexToAddress("0x0000000000000000000000000000000000000bad")

	mentoBroker  = common.HexToAddress("0x777A8255cA72412f0d706dc03C9D1987306B4CaD")
	customRouter = common.HexToAddress("0x1111111111111111111111111111111111111111")

	userAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

type captureAuditor struct {
	mu     sync.Mutex
	events []audit.AuditEvent
}

func (a *captureAuditor) Log(e audit.AuditEvent) {
	a.mu.Lock()
	a.events = append(a.events, e)
	a.mu.Unlock()
}

func (a *captureAuditor) last() audit.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events[len(a.events)-1]
}

type fixture struct {
	gw      *Gateway
	vault   *vault.Vault
	creds   *store.Memory[domain.AgentCredential]
	limiter *ratelimit.Limiter
	metrics *Metrics
	auditor *captureAuditor
	venues  Venues

	agentKey []byte
	identity common.Address
}

func testVenues(t *testing.T) Venues {
	t.Helper()
	v, err := ParseVenues(map[string]VenueSpec{
		domain.VenueMento: {
			Target:        mentoBroker.Hex(),
			Selector:      "swapIn(address,address,address,bytes32,uint256,uint256)",
			AllowedAssets: []string{cUSD.Hex(), cEUR.Hex()},
		},
		domain.VenueRouter: {
			Target:   customRouter.Hex(),
			Selector: "swap(address,address,uint256,uint256)",
		},
	})
	require.NoError(t, err)
	return v
}

// newFixture регистрирует агента A1 с грантами 100/250 на обеих площадках.
func newFixture(t *testing.T, opts ...vault.Option) *fixture {
	t.Helper()
	ctx := context.Background()

	creds := store.NewMemory[domain.AgentCredential]()
	v, err := vault.New(
		vault.StaticProvider(make([]byte, vault.MasterKeySize)),
		creds,
		store.NewMemory[domain.TransactionPermission](),
		zap.NewNop(),
		opts...,
	)
	require.NoError(t, err)

	venues := testVenues(t)
	grants := make([]domain.PermissionGrant, 0, len(venues))
	for _, name := range []string{domain.VenueMento, domain.VenueRouter} {
		grants = append(grants, domain.PermissionGrant{
			TargetContract:   venues[name].Target,
			FunctionSelector: venues[name].Selector,
			MaxAmountPerCall: big.NewInt(100),
			DailyLimit:       big.NewInt(250),
		})
	}

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	raw := crypto.FromECDSA(key)
	identity, err := v.Store(ctx, "A1", hex.EncodeToString(raw), grants)
	require.NoError(t, err)

	limiter := ratelimit.New(store.NewMemory[domain.RateWindow](), store.NewMemory[domain.RateLimits](), zap.NewNop())
	metrics := NewMetrics(nil)
	auditor := &captureAuditor{}

	return &fixture{
		gw:       NewGateway(limiter, v, permission.NewEngine(v, zap.NewNop()), venues, auditor, metrics, zap.NewNop()),
		vault:    v,
		creds:    creds,
		limiter:  limiter,
		metrics:  metrics,
		auditor:  auditor,
		venues:   venues,
		agentKey: raw,
		identity: identity,
	}
}

// request строит запрос и подписывает его ключом агента.
func (f *fixture) request(t *testing.T, amount int64, useMento bool) domain.SwapAuthorizationRequest {
	t.Helper()
	req := domain.SwapAuthorizationRequest{
		UserAddress:  userAddr,
		AgentID:      "A1",
		TokenIn:      cUSD,
		TokenOut:     cEUR,
		AmountIn:     big.NewInt(amount),
		MinAmountOut: big.NewInt(amount * 99 / 100),
		UseMento:     useMento,
	}
	req.Signature = f.sign(t, &req)
	return req
}

func (f *fixture) sign(t *testing.T, req *domain.SwapAuthorizationRequest) []byte {
	t.Helper()
	h, err := secret.NewKeyHandle(append([]byte(nil), f.agentKey...))
	require.NoError(t, err)
	defer h.Close()

	sig, err := signature.Sign(req, h)
	require.NoError(t, err)
	return sig
}

func (f *fixture) used(t *testing.T, venue string) string {
	t.Helper()
	info, err := f.vault.Describe(context.Background(), "A1")
	require.NoError(t, err)
	for _, p := range info.Permissions {
		if p.TargetContract == f.venues[venue].Target {
			return p.UsedToday.String()
		}
	}
	t.Fatalf("no permission for venue %s", venue)
	return ""
}

// fakeBroadcaster — управляемый подписант для тестов saga и надежности.
type fakeBroadcaster struct {
	mu      sync.Mutex
	calls   int
	errs    []error // ошибки по порядку вызовов; дальше — успех
	block   bool
	started chan struct{}
	handles []*secret.KeyHandle
}

func (b *fakeBroadcaster) Broadcast(ctx context.Context, key *secret.KeyHandle, tx broadcast.TxDescriptor) (broadcast.Receipt, error) {
	b.mu.Lock()
	b.calls++
	n := b.calls
	b.handles = append(b.handles, key)
	b.mu.Unlock()

	if b.block {
		close(b.started)
		<-ctx.Done()
		return broadcast.Receipt{}, ctx.Err()
	}
	if n <= len(b.errs) && b.errs[n-1] != nil {
		return broadcast.Receipt{}, b.errs[n-1]
	}
	if _, err := key.Address(); err != nil {
		return broadcast.Receipt{}, err
	}
	return broadcast.Receipt{TxHash: common.HexToHash("0xabc"), BlockNumber: uint64(n)}, nil
}

func (b *fakeBroadcaster) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
}
