package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/service"
	"github.com/turtacn/keyagent/internal/infrastructure/crypto"
	"github.com/turtacn/keyagent/internal/infrastructure/keystore"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/logger"
)

type keyStoreFixture struct {
	*pairingFixture
	local *keystore.LocalKeyStore
	store *DeviceKeyStore
}

func newKeyStoreFixture(t *testing.T, policy SigningPolicy) *keyStoreFixture {
	t.Helper()
	f := &keyStoreFixture{pairingFixture: newPairingFixture(t), local: keystore.NewLocalKeyStore()}
	f.store = NewDeviceKeyStore(f.session, f.local, f.cache, f.bus, service.NewNoopMetrics(), logger.NewNoopLogger(), policy)
	return f
}

func offlinePolicy() SigningPolicy {
	p := DefaultSigningPolicy()
	p.RequireOnlineForLocalKeys = false
	return p
}

func newLocalRecord(t *testing.T, name string) *models.KeyRecord {
	t.Helper()
	material, err := crypto.GenerateKey(models.KeySpec{Algorithm: ssh.KeyAlgoED25519})
	require.NoError(t, err)
	return models.NewLocalKeyRecord(material.Signer, name, "").WithPrivateKey(material.PrivateKey)
}

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	material, err := crypto.GenerateKey(models.KeySpec{Algorithm: ssh.KeyAlgoED25519})
	require.NoError(t, err)
	return material.Signer
}

func TestListKeys_MergesLocalAndDeviceKeys(t *testing.T) {
	f := newKeyStoreFixture(t, DefaultSigningPolicy())
	f.pair(t)
	local := newLocalRecord(t, "id_ed25519")
	require.NoError(t, f.local.Add(local, nil))
	f.gateway.setDeviceKeys(newSigner(t).PublicKey(), newSigner(t).PublicKey())

	keys := f.store.ListKeys(context.Background())

	require.Len(t, keys, 3)
	assert.Equal(t, constants.KeySourceLocal, keys[0].Source)
	assert.Equal(t, local.Fingerprint(), keys[0].Fingerprint())
	assert.Equal(t, constants.KeySourceRemote, keys[1].Source)
	assert.Equal(t, constants.KeySourceRemote, keys[2].Source)
	assert.Nil(t, keys[1].Signer)
}

func TestListKeys_DuplicateCollapsesToLocal(t *testing.T) {
	f := newKeyStoreFixture(t, DefaultSigningPolicy())
	f.pair(t)
	local := newLocalRecord(t, "shared")
	require.NoError(t, f.local.Add(local, nil))
	f.gateway.setDeviceKeys(local.PublicKey, newSigner(t).PublicKey())

	keys := f.store.ListKeys(context.Background())

	require.Len(t, keys, 2)
	assert.Same(t, local, keys[0])
	assert.Equal(t, constants.KeySourceRemote, keys[1].Source)
}

func TestListKeys_DeviceKeyFailureFallsBackToLocal(t *testing.T) {
	f := newKeyStoreFixture(t, DefaultSigningPolicy())
	f.pair(t)
	require.NoError(t, f.local.Add(newLocalRecord(t, "id_ed25519"), nil))
	f.gateway.deviceKeysErr = errors.ErrDeviceNotAuthorized(constants.MsgDeviceNotAllowed)

	keys := f.store.ListKeys(context.Background())

	assert.Len(t, keys, 1)
}

func TestListKeys_OfflineSkipsDeviceKeys(t *testing.T) {
	f := newKeyStoreFixture(t, DefaultSigningPolicy())
	f.pair(t)
	require.NoError(t, f.local.Add(newLocalRecord(t, "id_ed25519"), nil))
	f.gateway.setDeviceKeys(newSigner(t).PublicKey())
	f.gateway.pingErr = errors.ErrTransport("api/server/ping", context.DeadlineExceeded)

	keys := f.store.ListKeys(context.Background())

	assert.Len(t, keys, 1)
	assert.Equal(t, 0, f.gateway.deviceKeysCalls)
	assert.False(t, f.store.Online())
}

func TestListKeys_UnpairedListsLocalOnly(t *testing.T) {
	f := newKeyStoreFixture(t, DefaultSigningPolicy())
	require.NoError(t, f.local.Add(newLocalRecord(t, "id_ed25519"), nil))

	keys := f.store.ListKeys(context.Background())

	assert.Len(t, keys, 1)
	assert.Equal(t, 0, f.gateway.pings)
}

func TestListKeys_ServesDeviceKeysFromCache(t *testing.T) {
	f := newKeyStoreFixture(t, DefaultSigningPolicy())
	f.pair(t)
	f.gateway.setDeviceKeys(newSigner(t).PublicKey())
	ctx := context.Background()

	f.store.ListKeys(ctx)
	f.store.ListKeys(ctx)
	assert.Equal(t, 1, f.gateway.deviceKeysCalls)

	require.NoError(t, f.store.RefreshDeviceKeys(ctx))
	assert.Equal(t, 2, f.gateway.deviceKeysCalls)
}

func TestPerformHashAndSign_LocalKeyRequiresGatewayByDefault(t *testing.T) {
	f := newKeyStoreFixture(t, DefaultSigningPolicy())
	f.pair(t)
	local := newLocalRecord(t, "id_ed25519")
	require.NoError(t, f.local.Add(local, nil))
	f.gateway.pingErr = errors.ErrTransport("api/server/ping", context.DeadlineExceeded)

	_, err := f.store.PerformHashAndSign(context.Background(), local.PublicKey, []byte("challenge"), 0)

	assert.True(t, errors.HasCode(err, constants.ErrCodeGatewayUnavailable))
	_, c, _ := f.local.Get(local.PublicKey)
	assert.Equal(t, int64(0), c.Uses())
}

func TestPerformHashAndSign_LocalKeyOfflineWhenPolicyAllows(t *testing.T) {
	f := newKeyStoreFixture(t, offlinePolicy())
	local := newLocalRecord(t, "id_ed25519")
	require.NoError(t, f.local.Add(local, nil))

	sig, err := f.store.PerformHashAndSign(context.Background(), local.PublicKey, []byte("challenge"), 0)

	require.NoError(t, err)
	assert.NoError(t, local.PublicKey.Verify([]byte("challenge"), sig))
	assert.Equal(t, 0, f.gateway.pings)
}

func TestPerformHashAndSign_KeyRequiringOnline(t *testing.T) {
	f := newKeyStoreFixture(t, offlinePolicy())
	f.pair(t)
	local := newLocalRecord(t, "id_ed25519")
	require.NoError(t, f.local.Add(local, models.NewKeyConstraints(models.ConstraintOptions{RequireOnline: true}, time.Now())))
	f.gateway.pingErr = errors.ErrTransport("api/server/ping", context.DeadlineExceeded)

	_, err := f.store.PerformHashAndSign(context.Background(), local.PublicKey, []byte("challenge"), 0)

	assert.True(t, errors.IsTransport(err))
}

func TestPerformHashAndSign_RemoteKeyDelegatesToDevice(t *testing.T) {
	f := newKeyStoreFixture(t, DefaultSigningPolicy())
	f.pair(t)
	f.gateway.remote = newSigner(t)
	f.gateway.setDeviceKeys(f.gateway.remote.PublicKey())

	sig, err := f.store.PerformHashAndSign(context.Background(), f.gateway.remote.PublicKey(), []byte("challenge"), 0)

	require.NoError(t, err)
	assert.NoError(t, f.gateway.remote.PublicKey().Verify([]byte("challenge"), sig))
	assert.Equal(t, 1, f.gateway.signCalls)

	c, err := f.store.GetConstraints(context.Background(), f.gateway.remote.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Uses())
	assert.Equal(t, int64(0), c.MaxUses())
}

func TestPerformHashAndSign_RemoteKeyNeedsGateway(t *testing.T) {
	f := newKeyStoreFixture(t, offlinePolicy())
	f.pair(t)
	f.gateway.remote = newSigner(t)
	f.gateway.setDeviceKeys(f.gateway.remote.PublicKey())
	f.gateway.pingErr = errors.ErrTransport("api/server/ping", context.DeadlineExceeded)

	_, err := f.store.PerformHashAndSign(context.Background(), f.gateway.remote.PublicKey(), []byte("challenge"), 0)

	assert.True(t, errors.HasCode(err, constants.ErrCodeGatewayUnavailable))
	assert.Equal(t, 0, f.gateway.signCalls)
}

func TestPerformHashAndSign_RemoteFailureIsNotRetried(t *testing.T) {
	f := newKeyStoreFixture(t, DefaultSigningPolicy())
	f.pair(t)
	f.gateway.remote = newSigner(t)
	f.gateway.setDeviceKeys(f.gateway.remote.PublicKey())
	f.gateway.signErr = errors.ErrTransport("api/authenticator/signPayload", context.DeadlineExceeded)

	_, err := f.store.PerformHashAndSign(context.Background(), f.gateway.remote.PublicKey(), []byte("challenge"), 0)

	assert.True(t, errors.IsTransport(err))
	assert.Equal(t, 1, f.gateway.signCalls)
}

func TestPerformHashAndSign_UnknownKey(t *testing.T) {
	f := newKeyStoreFixture(t, DefaultSigningPolicy())
	f.pair(t)
	f.gateway.setDeviceKeys(newSigner(t).PublicKey())

	_, err := f.store.PerformHashAndSign(context.Background(), newSigner(t).PublicKey(), []byte("challenge"), 0)

	assert.True(t, errors.HasCode(err, constants.ErrCodeKeyNotFound))

	unpaired := newKeyStoreFixture(t, DefaultSigningPolicy())
	_, err = unpaired.store.PerformHashAndSign(context.Background(), newSigner(t).PublicKey(), []byte("challenge"), 0)
	assert.True(t, errors.HasCode(err, constants.ErrCodeKeyNotFound))
}

func TestPerformHashAndSign_SingleUseKeyUnderConcurrency(t *testing.T) {
	f := newKeyStoreFixture(t, offlinePolicy())
	local := newLocalRecord(t, "once")
	require.NoError(t, f.local.Add(local, models.NewKeyConstraints(models.ConstraintOptions{MaxUses: 1}, time.Now())))

	var successes, refusals atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.store.PerformHashAndSign(context.Background(), local.PublicKey, []byte("challenge"), 0)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.IsKeyUnusable(err):
				refusals.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(15), refusals.Load())
}

func TestPerformHashAndSign_TimedOutKey(t *testing.T) {
	f := newKeyStoreFixture(t, offlinePolicy())
	local := newLocalRecord(t, "temporary")
	created := time.Now().Add(-2 * time.Hour)
	require.NoError(t, f.local.Add(local, models.NewKeyConstraints(models.ConstraintOptions{Lifetime: time.Hour}, created)))

	_, err := f.store.PerformHashAndSign(context.Background(), local.PublicKey, []byte("challenge"), 0)

	assert.True(t, errors.HasCode(err, constants.ErrCodeKeyTimedOut))
	expired := f.store.ExpireKeys(context.Background())
	require.Len(t, expired, 1)
	assert.Equal(t, local.Fingerprint(), expired[0].Fingerprint())
}

func TestPerformHashAndSign_UserVerification(t *testing.T) {
	f := newKeyStoreFixture(t, offlinePolicy())
	local := newLocalRecord(t, "guarded")
	constraints := models.NewKeyConstraints(models.ConstraintOptions{RequireUserVerification: true}, time.Now())
	require.NoError(t, f.local.Add(local, constraints))
	f.store.SetUserVerifier(func(context.Context, *models.KeyRecord) error {
		return context.Canceled
	})

	_, err := f.store.PerformHashAndSign(context.Background(), local.PublicKey, []byte("challenge"), 0)

	assert.True(t, errors.IsKeyUnusable(err))
	assert.Equal(t, int64(0), constraints.Uses())
}

func TestPerformHashAndSign_UserVerificationWithoutVerifier(t *testing.T) {
	f := newKeyStoreFixture(t, offlinePolicy())
	local := newLocalRecord(t, "guarded")
	constraints := models.NewKeyConstraints(models.ConstraintOptions{RequireUserVerification: true}, time.Now())
	require.NoError(t, f.local.Add(local, constraints))

	_, err := f.store.PerformHashAndSign(context.Background(), local.PublicKey, []byte("challenge"), 0)

	assert.True(t, errors.HasCode(err, constants.ErrCodeKeyUnusable))
	assert.Equal(t, int64(0), constraints.Uses())
}

func TestDeviceKeySnapshot_ResetOnDeauthorize(t *testing.T) {
	f := newKeyStoreFixture(t, DefaultSigningPolicy())
	ctx := context.Background()
	f.pair(t)
	f.gateway.setDeviceKeys(newSigner(t).PublicKey())
	require.Len(t, f.store.ListKeys(ctx), 1)

	require.NoError(t, f.pairing.Deauthorize(ctx))
	f.pair(t)
	f.gateway.setDeviceKeys(newSigner(t).PublicKey(), newSigner(t).PublicKey())
	require.Len(t, f.store.ListKeys(ctx), 2)

	assert.NotContains(t, f.sink.types(), string(constants.KeyEventChanged))

	// a later change on the new pairing is still reported
	f.gateway.setDeviceKeys(newSigner(t).PublicKey())
	require.NoError(t, f.store.RefreshDeviceKeys(ctx))
	require.Len(t, f.store.ListKeys(ctx), 1)
	assert.Contains(t, f.sink.types(), string(constants.KeyEventChanged))
}

func TestAddKey_RejectsInstalledDeviceKey(t *testing.T) {
	f := newKeyStoreFixture(t, DefaultSigningPolicy())
	f.pair(t)
	record := newLocalRecord(t, "already-on-device")
	f.gateway.setDeviceKeys(record.PublicKey)

	err := f.store.AddKey(context.Background(), record, nil)

	assert.True(t, errors.HasCode(err, constants.ErrCodeInvalidRequest))
	assert.False(t, f.local.Contains(record.PublicKey))
}

func TestKeyMutationsPublishEvents(t *testing.T) {
	f := newKeyStoreFixture(t, offlinePolicy())
	ctx := context.Background()
	events, unsubscribe := f.bus.Subscribe(8)
	defer unsubscribe()

	a, b := newLocalRecord(t, "a"), newLocalRecord(t, "b")
	require.NoError(t, f.store.AddKey(ctx, a, nil))
	require.NoError(t, f.store.AddKey(ctx, b, nil))
	require.NoError(t, f.store.DeleteKey(ctx, a.PublicKey))
	assert.True(t, errors.HasCode(f.store.DeleteKey(ctx, a.PublicKey), constants.ErrCodeKeyNotFound))
	assert.Equal(t, 1, f.store.DeleteAllKeys(ctx))

	var got []constants.KeyEventType
	for i := 0; i < 4; i++ {
		got = append(got, (<-events).Type)
	}
	assert.Equal(t, []constants.KeyEventType{
		constants.KeyEventAdded, constants.KeyEventAdded, constants.KeyEventRemoved, constants.KeyEventAllRemoved,
	}, got)
}

func TestImportToDevice_UploadsEncryptedKey(t *testing.T) {
	f := newKeyStoreFixture(t, DefaultSigningPolicy())
	f.pair(t)
	record := newLocalRecord(t, "id_ed25519")
	require.NoError(t, f.local.Add(record, nil))

	require.NoError(t, f.store.ImportToDevice(context.Background(), record.PublicKey, ""))

	require.Len(t, f.gateway.imports, 1)
	upload := f.gateway.imports[0]
	assert.Equal(t, "id_ed25519", upload.Name)
	require.NotEmpty(t, upload.Passphrase)

	_, err := crypto.ParsePrivateKey([]byte(upload.PrivateKey), nil)
	assert.True(t, crypto.IsPassphraseMissing(err))
	material, err := crypto.ParsePrivateKey([]byte(upload.PrivateKey), []byte(upload.Passphrase))
	require.NoError(t, err)
	assert.Equal(t, record.Fingerprint(), ssh.FingerprintSHA256(material.PublicKey()))
}

func TestImportToDevice_RequiresPairing(t *testing.T) {
	f := newKeyStoreFixture(t, DefaultSigningPolicy())
	record := newLocalRecord(t, "id_ed25519")
	require.NoError(t, f.local.Add(record, nil))

	err := f.store.ImportToDevice(context.Background(), record.PublicKey, "")

	assert.Error(t, err)
	assert.Empty(t, f.gateway.imports)
}

func TestPing_PublishesTransitions(t *testing.T) {
	f := newKeyStoreFixture(t, DefaultSigningPolicy())
	f.pair(t)
	ctx := context.Background()

	assert.True(t, f.store.Ping(ctx))
	assert.True(t, f.store.Ping(ctx))
	f.gateway.pingErr = errors.ErrTransport("api/server/ping", context.DeadlineExceeded)
	assert.False(t, f.store.Ping(ctx))

	types := f.sink.types()
	assert.Contains(t, types, string(constants.KeyEventGatewayOnline))
	assert.Contains(t, types, string(constants.KeyEventGatewayOffline))
	online := 0
	for _, typ := range types {
		if typ == string(constants.KeyEventGatewayOnline) {
			online++
		}
	}
	assert.Equal(t, 1, online)
}
