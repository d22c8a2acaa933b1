package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/turtacn/keyagent/internal/application/dto"
	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/service"
	"github.com/turtacn/keyagent/internal/infrastructure/cache"
	"github.com/turtacn/keyagent/internal/infrastructure/crypto"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/logger"
)

type pairingFixture struct {
	gateway *fakeGateway
	repo    *memoryRepo
	session *Session
	cache   *cache.MemoryCache
	sink    *recordingSink
	bus     *EventBus
	pairing PairingService
}

func newPairingFixture(t *testing.T) *pairingFixture {
	t.Helper()
	f := &pairingFixture{
		gateway: newFakeGateway(t),
		repo:    &memoryRepo{},
		cache:   cache.NewMemoryCache(time.Minute),
		sink:    &recordingSink{},
	}
	log := logger.NewNoopLogger()
	f.session = NewSession(f.repo, f.gateway, log)
	f.bus = NewEventBus(log, f.sink)
	f.pairing = NewPairingService(f.session, crypto.NewKeyService(), f.cache, f.bus, service.NewNoopMetrics(), log)
	return f
}

func pairRequest() *dto.PairRequest {
	return &dto.PairRequest{Username: "alice", DeviceName: "laptop", Hostname: "127.0.0.1", Port: 8443}
}

func (f *pairingFixture) pair(t *testing.T) *dto.PairResponse {
	t.Helper()
	resp, err := f.pairing.Pair(context.Background(), pairRequest(), nil)
	require.NoError(t, err)
	return resp
}

func TestPair_PersistsVerifiedIdentity(t *testing.T) {
	f := newPairingFixture(t)

	resp := f.pair(t)

	assert.Equal(t, "alice", resp.Username)
	assert.Equal(t, "laptop", resp.DeviceName)
	require.NotEmpty(t, resp.Token)

	stored, err := f.repo.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, resp.Token, stored.Token)
	assert.NotEmpty(t, stored.PrivateKeyPEM)
	assert.Equal(t, resp.PublicKey, stored.PublicKey)
	assert.Contains(t, stored.PublicKey, constants.DeviceKeyComment)
	assert.True(t, f.session.IsAuthorized())

	payload := models.PairingPayload{DeviceName: "laptop", Username: "alice", PublicKey: stored.PublicKey}
	assert.NoError(t, crypto.VerifyToken(f.gateway.system.PublicKey(), resp.Token, payload.Bytes()))
	assert.Contains(t, f.sink.types(), string(constants.KeyEventDevicePaired))
}

func TestPair_DeviceKeyIsECDSA521(t *testing.T) {
	f := newPairingFixture(t)
	f.pair(t)

	identity := f.session.Identity()
	assert.Equal(t, ssh.KeyAlgoECDSA521, identity.Signer.PublicKey().Type())
}

func TestTokenChain_RotationChainsAndReplayIsRejected(t *testing.T) {
	f := newPairingFixture(t)
	ctx := context.Background()

	first := f.pair(t)
	second, err := f.pairing.Rotate(ctx)
	require.NoError(t, err)
	third, err := f.pairing.Rotate(ctx)
	require.NoError(t, err)

	require.Len(t, f.gateway.authorizeCalls, 3)
	assert.Empty(t, f.gateway.authorizeCalls[0].PreviousToken)
	assert.Equal(t, first.Token, f.gateway.authorizeCalls[1].PreviousToken)
	assert.Equal(t, second.Token, f.gateway.authorizeCalls[2].PreviousToken)

	rotation := f.gateway.authorizeCalls[1]
	assert.True(t, rotation.Overwrite)
	require.NotNil(t, rotation.Envelope)
	assert.Equal(t, first.Token, rotation.Envelope.Token)
	assert.Equal(t, "alice", rotation.Envelope.Principal)
	assert.Equal(t, constants.ProtocolVersion, rotation.Envelope.Version)

	assert.NotEqual(t, first.PublicKey, second.PublicKey)
	assert.NotEqual(t, second.PublicKey, third.PublicKey)
	assert.Equal(t, third.Token, f.session.Identity().Token)

	// Replaying an older link of the chain is refused.
	replay := f.gateway.authorizeCalls[1]
	replay.Envelope = nil
	_, err = f.gateway.Authorize(ctx, replay)
	assert.True(t, errors.IsProtocol(err))
}

func TestPair_DiscardsUnverifiedToken(t *testing.T) {
	f := newPairingFixture(t)
	f.gateway.forge = true

	_, err := f.pairing.Pair(context.Background(), pairRequest(), nil)

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, constants.ErrCodeInvalidSignature))
	assert.Equal(t, 0, f.repo.saves)
	assert.False(t, f.session.IsAuthorized())
	assert.NotContains(t, f.sink.types(), string(constants.KeyEventDevicePaired))
}

func TestRotate_DiscardsUnverifiedToken(t *testing.T) {
	f := newPairingFixture(t)
	first := f.pair(t)
	f.gateway.forge = true

	_, err := f.pairing.Rotate(context.Background())

	assert.True(t, errors.IsProtocol(err))
	assert.Equal(t, first.Token, f.session.Identity().Token)
	stored, _ := f.repo.Load(context.Background())
	assert.Equal(t, first.Token, stored.Token)
}

func TestRotate_RequiresPairing(t *testing.T) {
	f := newPairingFixture(t)
	_, err := f.pairing.Rotate(context.Background())
	assert.True(t, errors.HasCode(err, constants.ErrCodeDeviceNotAuthorized))
}

func TestRotate_ConcurrentCallsAreSerialized(t *testing.T) {
	f := newPairingFixture(t)
	f.pair(t)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.pairing.Rotate(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	require.Len(t, f.gateway.issued, 5)
	for i := 1; i < len(f.gateway.authorizeCalls); i++ {
		assert.Equal(t, f.gateway.issued[i-1], f.gateway.authorizeCalls[i].PreviousToken)
	}
}

func TestPair_ConflictWithoutResolver(t *testing.T) {
	f := newPairingFixture(t)
	f.gateway.devices["laptop"] = f.gateway.forger.PublicKey()

	_, err := f.pairing.Pair(context.Background(), pairRequest(), nil)

	assert.True(t, errors.IsConflict(err))
	assert.Empty(t, f.gateway.authorizeCalls)
}

func TestPair_SilentIgnoresResolver(t *testing.T) {
	f := newPairingFixture(t)
	f.gateway.devices["laptop"] = f.gateway.forger.PublicKey()
	called := false
	req := pairRequest()
	req.Silent = true

	_, err := f.pairing.Pair(context.Background(), req, func(context.Context, Conflict) (ConflictDecision, error) {
		called = true
		return Overwrite(), nil
	})

	assert.True(t, errors.IsConflict(err))
	assert.False(t, called)
}

func TestPair_ConflictResolvedByRename(t *testing.T) {
	f := newPairingFixture(t)
	f.gateway.devices["laptop"] = f.gateway.forger.PublicKey()
	var seen Conflict

	resp, err := f.pairing.Pair(context.Background(), pairRequest(), func(_ context.Context, c Conflict) (ConflictDecision, error) {
		seen = c
		return Rename("laptop-2"), nil
	})

	require.NoError(t, err)
	assert.Equal(t, "laptop", seen.DeviceName)
	assert.Equal(t, "alice", seen.Username)
	assert.Equal(t, "laptop-2", resp.DeviceName)
	assert.False(t, f.gateway.authorizeCalls[0].Overwrite)
}

func TestPair_ConflictResolvedByOverwrite(t *testing.T) {
	f := newPairingFixture(t)
	f.gateway.devices["laptop"] = f.gateway.forger.PublicKey()

	resp, err := f.pairing.Pair(context.Background(), pairRequest(), func(context.Context, Conflict) (ConflictDecision, error) {
		return Overwrite(), nil
	})

	require.NoError(t, err)
	assert.Equal(t, "laptop", resp.DeviceName)
	assert.True(t, f.gateway.authorizeCalls[0].Overwrite)
}

func TestPair_ConflictAborted(t *testing.T) {
	f := newPairingFixture(t)
	f.gateway.devices["laptop"] = f.gateway.forger.PublicKey()

	_, err := f.pairing.Pair(context.Background(), pairRequest(), func(context.Context, Conflict) (ConflictDecision, error) {
		return Abort(), nil
	})

	assert.True(t, errors.IsConflict(err))
}

func TestPair_RejectsInvalidDeviceName(t *testing.T) {
	f := newPairingFixture(t)
	req := pairRequest()
	req.DeviceName = "home|office"

	_, err := f.pairing.Pair(context.Background(), req, nil)

	assert.True(t, errors.HasCode(err, constants.ErrCodeInvalidRequest))
}

func TestPair_TransportFailureIsRetryable(t *testing.T) {
	f := newPairingFixture(t)
	f.gateway.pingErr = errors.ErrTransport("api/agent/verify", context.DeadlineExceeded)

	_, err := f.pairing.Pair(context.Background(), pairRequest(), nil)

	assert.True(t, errors.IsTransport(err))
	assert.False(t, f.session.IsAuthorized())
}

func TestCheck(t *testing.T) {
	f := newPairingFixture(t)

	_, err := f.pairing.Check(context.Background())
	assert.True(t, errors.HasCode(err, constants.ErrCodeDeviceNotAuthorized))

	f.pair(t)
	valid, err := f.pairing.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, 1, f.repo.saves)
}

func TestDeauthorize_ClearsIdentityAndCachedKeys(t *testing.T) {
	f := newPairingFixture(t)
	ctx := context.Background()
	f.pair(t)
	require.NoError(t, f.cache.Set(ctx, "alice", "ssh-ed25519 AAAA", time.Minute))

	require.NoError(t, f.pairing.Deauthorize(ctx))

	stored, err := f.repo.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.Nil(t, f.session.Identity())
	assert.False(t, f.session.IsOnline())
	_, hit, _ := f.cache.Get(ctx, "alice")
	assert.False(t, hit)
	assert.Equal(t, 1, f.gateway.deauthorized)
	assert.Contains(t, f.sink.types(), string(constants.KeyEventDeauthorized))

	_, err = f.pairing.Check(ctx)
	assert.True(t, errors.HasCode(err, constants.ErrCodeDeviceNotAuthorized))
}

func TestDeauthorize_GatewayFailureKeepsIdentity(t *testing.T) {
	f := newPairingFixture(t)
	resp := f.pair(t)
	f.gateway.deauthErr = errors.ErrTransport("api/agent/deauthorize", context.DeadlineExceeded)

	err := f.pairing.Deauthorize(context.Background())

	assert.True(t, errors.IsTransport(err))
	assert.Equal(t, resp.Token, f.session.Identity().Token)
}

func TestSession_LoadRestoresIdentity(t *testing.T) {
	f := newPairingFixture(t)
	resp := f.pair(t)

	restored := NewSession(f.repo, f.gateway, logger.NewNoopLogger())
	require.NoError(t, restored.Load(context.Background()))

	assert.True(t, restored.IsAuthorized())
	assert.Equal(t, resp.Token, restored.Identity().Token)
	status := restored.Status()
	assert.Equal(t, "laptop", status.DeviceName)
	assert.Equal(t, 8443, status.Port)

	pairing := NewPairingService(restored, crypto.NewKeyService(), nil, nil, service.NewNoopMetrics(), logger.NewNoopLogger())
	valid, err := pairing.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, valid)
}
