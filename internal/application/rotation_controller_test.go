package application_test

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/turtacn/keyagent/internal/application"
	appsvc "github.com/turtacn/keyagent/internal/application/service"
	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/service"
	"github.com/turtacn/keyagent/internal/infrastructure/audit"
	"github.com/turtacn/keyagent/internal/infrastructure/crypto"
	"github.com/turtacn/keyagent/internal/infrastructure/keystore"
	"github.com/turtacn/keyagent/internal/infrastructure/persistence/sqlite"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/logger"
)

// fakeDomain is an in-memory key-management domain. Every call must be signed by a key
// currently registered for the account.
type fakeDomain struct {
	mu     sync.Mutex
	local  *keystore.LocalKeyStore
	policy *models.KeyPolicy
	keys   []models.AuthorizedKey
	addErr error
	calls  []string
}

func (d *fakeDomain) authorize(ctx context.Context, signer *models.KeyRecord) error {
	data := []byte("nonce")
	sig, err := d.local.SignRequest(ctx, signer.PublicKey, data)
	if err != nil {
		return err
	}
	for _, k := range d.keys {
		if k.Fingerprint() == signer.Fingerprint() {
			return k.PublicKey.Verify(data, sig)
		}
	}
	return errors.ErrSyncFailed("authorize", "key not registered")
}

func (d *fakeDomain) Policy(ctx context.Context, username string, signer *models.KeyRecord) (*models.KeyPolicy, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.authorize(ctx, signer); err != nil {
		return nil, err
	}
	return d.policy, nil
}

func (d *fakeDomain) AuthorizedKeys(ctx context.Context, username string, signer *models.KeyRecord) ([]models.AuthorizedKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.authorize(ctx, signer); err != nil {
		return nil, err
	}
	return append([]models.AuthorizedKey(nil), d.keys...), nil
}

func (d *fakeDomain) AddKey(ctx context.Context, username string, signer *models.KeyRecord, name string, key ssh.PublicKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "add")
	if d.addErr != nil {
		return d.addErr
	}
	if err := d.authorize(ctx, signer); err != nil {
		return err
	}
	d.keys = append(d.keys, models.AuthorizedKey{PublicKey: key, Comment: name})
	return nil
}

func (d *fakeDomain) RemoveKey(ctx context.Context, username string, signer *models.KeyRecord, name string, key ssh.PublicKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "remove:"+name)
	if err := d.authorize(ctx, signer); err != nil {
		return err
	}
	fp := ssh.FingerprintSHA256(key)
	kept := d.keys[:0]
	for _, k := range d.keys {
		if k.Fingerprint() != fp {
			kept = append(kept, k)
		}
	}
	d.keys = kept
	return nil
}

var _ service.KeyManagementClient = (*fakeDomain)(nil)

type rotationFixture struct {
	domain     *fakeDomain
	local      *keystore.LocalKeyStore
	controller *application.RotationController
	lifecycle  *sqlite.DBConnection
	keyDir     string
	old        *models.KeyRecord
}

func expiryComment(name string, at time.Time) string {
	return name + ";" + strconv.FormatInt(at.UnixMilli(), 10)
}

// newRotationFixture registers one local ed25519 key that expires in three days.
func newRotationFixture(t *testing.T) *rotationFixture {
	t.Helper()
	ctx := context.Background()
	log := logger.NewNoopLogger()

	local := keystore.NewLocalKeyStore()
	material, err := crypto.GenerateKey(models.KeySpec{Algorithm: ssh.KeyAlgoED25519})
	require.NoError(t, err)
	old := models.NewLocalKeyRecord(material.Signer, "old-laptop", "").WithPrivateKey(material.PrivateKey)
	require.NoError(t, local.Add(old, nil))

	domain := &fakeDomain{
		local:  local,
		policy: &models.KeyPolicy{RequiredTypes: []string{"ED25519"}, ValidForDays: 90},
		keys: []models.AuthorizedKey{
			{PublicKey: old.PublicKey, Comment: expiryComment("old-laptop", time.Now().Add(72*time.Hour))},
		},
	}

	conn, err := sqlite.NewDBConnection(ctx, sqlite.MemoryDSN, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	bus := appsvc.NewEventBus(log, audit.NewLifecycleSink(sqlite.NewKeyLifecycleRepository(conn.DB())))

	teamSync := appsvc.NewTeamSyncService(domain, local, bus, 2, log)
	keyDir := t.TempDir()
	controller := application.NewRotationController(teamSync, crypto.NewKeyService(), local, bus, service.NewNoopMetrics(), log,
		application.RotationOptions{KeyDir: keyDir, Passphrase: []byte("correct horse")})

	return &rotationFixture{domain: domain, local: local, controller: controller, lifecycle: conn, keyDir: keyDir, old: old}
}

func TestEvaluatePolicy(t *testing.T) {
	now := time.Now()
	ecdsa, err := crypto.GenerateKey(models.KeySpec{Algorithm: ssh.KeyAlgoECDSA256})
	require.NoError(t, err)
	fresh, err := crypto.GenerateKey(models.KeySpec{Algorithm: ssh.KeyAlgoECDSA384})
	require.NoError(t, err)

	policy := &models.KeyPolicy{RequiredTypes: []string{"ED25519", "ECDSA_256", "DSA_1024"}}
	registered := []models.AuthorizedKey{
		{PublicKey: ecdsa.PublicKey(), Comment: expiryComment("work", now.Add(24*time.Hour))},
		{PublicKey: fresh.PublicKey(), Comment: expiryComment("spare", now.Add(60*24*time.Hour))},
	}

	plan := application.EvaluatePolicy(policy, registered, now, constants.ExpiryWarningWindow)

	require.Len(t, plan.Actions, 2)
	assert.Equal(t, application.ActionGenerate, plan.Actions[0].Kind)
	assert.Equal(t, models.KeyTypeED25519, plan.Actions[0].KeyType)
	assert.Equal(t, application.ActionReplace, plan.Actions[1].Kind)
	assert.Equal(t, models.KeyTypeECDSA256, plan.Actions[1].KeyType)
	assert.Equal(t, "work", plan.Actions[1].Existing.Name())
	assert.Equal(t, []string{"DSA_1024"}, plan.UnknownTypes)
}

func TestEvaluatePolicy_EnumNamesAndUngeneratableTypes(t *testing.T) {
	key, err := crypto.GenerateKey(models.KeySpec{Algorithm: ssh.KeyAlgoED25519})
	require.NoError(t, err)
	registered := []models.AuthorizedKey{{PublicKey: key.PublicKey(), Comment: "laptop"}}
	policy := &models.KeyPolicy{RequiredTypes: []string{"ED25519", "ED448", "RSAwith4096bits", "ECDSAwith521bits"}}

	plan := application.EvaluatePolicy(policy, registered, time.Now(), constants.ExpiryWarningWindow)

	require.Len(t, plan.Actions, 2)
	assert.Equal(t, models.KeyTypeRSA4096.Name, plan.Actions[0].KeyType.Name)
	assert.Equal(t, models.KeyTypeECDSA521.Name, plan.Actions[1].KeyType.Name)
	for _, action := range plan.Actions {
		assert.Equal(t, application.ActionGenerate, action.Kind)
	}
	assert.Equal(t, []string{"ED448"}, plan.UnknownTypes)
}

func TestEvaluatePolicy_NothingToDo(t *testing.T) {
	key, err := crypto.GenerateKey(models.KeySpec{Algorithm: ssh.KeyAlgoED25519})
	require.NoError(t, err)
	registered := []models.AuthorizedKey{{PublicKey: key.PublicKey(), Comment: "no expiry"}}

	plan := application.EvaluatePolicy(&models.KeyPolicy{RequiredTypes: []string{"ed25519"}}, registered, time.Now(), constants.ExpiryWarningWindow)

	assert.True(t, plan.Empty())
}

func TestRotation_EndToEndEd25519(t *testing.T) {
	f := newRotationFixture(t)
	ctx := context.Background()

	plan, err := f.controller.Plan(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, application.ActionReplace, plan.Actions[0].Kind)

	results, err := f.controller.Apply(ctx, plan, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "success", results[0].Result)
	replacement := results[0].NewKey
	require.NotNil(t, replacement)

	// The domain knows only the replacement, registered under an epoch-millis name.
	require.Len(t, f.domain.keys, 1)
	assert.Equal(t, replacement.Fingerprint(), f.domain.keys[0].Fingerprint())
	_, err = strconv.ParseInt(f.domain.keys[0].Name(), 10, 64)
	assert.NoError(t, err)
	assert.Equal(t, []string{"add", "remove:old-laptop"}, f.domain.calls)

	// The local store swapped the keys and the new one is a team key.
	assert.False(t, f.local.Contains(f.old.PublicKey))
	assert.True(t, f.local.Contains(replacement.PublicKey))
	assert.True(t, replacement.IsTeamKey())
	assert.Equal(t, ssh.KeyAlgoED25519, replacement.Algorithm())

	// The key file is private and encrypted with the configured passphrase.
	info, err := os.Stat(replacement.File)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(constants.PrivateFileMode), info.Mode().Perm())
	pemBytes, err := os.ReadFile(replacement.File)
	require.NoError(t, err)
	material, err := crypto.ParsePrivateKey(pemBytes, []byte("correct horse"))
	require.NoError(t, err)
	assert.Equal(t, replacement.Fingerprint(), ssh.FingerprintSHA256(material.PublicKey()))

	// The rotated key alone now authorizes calls.
	next, err := f.controller.Plan(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, next.Empty())

	entries, err := sqlite.NewKeyLifecycleRepository(f.lifecycle.DB()).ListRecent(ctx, "alice", 10)
	require.NoError(t, err)
	var rotated []*models.KeyLifecycleEntry
	for _, e := range entries {
		if e.EventType == string(constants.KeyEventRotated) {
			rotated = append(rotated, e)
		}
	}
	require.Len(t, rotated, 1)
	assert.Equal(t, "success", rotated[0].Result)
	assert.Equal(t, replacement.Fingerprint(), rotated[0].Fingerprint)
}

func TestRotation_AddKeyFailureLeavesOldKey(t *testing.T) {
	f := newRotationFixture(t)
	ctx := context.Background()
	plan, err := f.controller.Plan(ctx, "alice")
	require.NoError(t, err)
	f.domain.addErr = errors.ErrSyncFailed("add", "rejected")

	results, err := f.controller.Apply(ctx, plan, nil)

	assert.True(t, errors.HasCode(err, constants.ErrCodeSyncFailed))
	require.Len(t, results, 1)
	assert.Equal(t, "failure", results[0].Result)
	assert.Equal(t, []string{"add"}, f.domain.calls)
	require.Len(t, f.domain.keys, 1)
	assert.Equal(t, f.old.Fingerprint(), f.domain.keys[0].Fingerprint())
	assert.True(t, f.local.Contains(f.old.PublicKey))
	assert.Equal(t, 1, len(f.local.List()))

	files, err := os.ReadDir(f.keyDir)
	require.NoError(t, err)
	assert.Empty(t, files)

	entries, err := sqlite.NewKeyLifecycleRepository(f.lifecycle.DB()).ListRecent(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(constants.KeyEventRotated), entries[0].EventType)
	assert.Equal(t, "failure", entries[0].Result)
}

func TestRotation_DeclinedActionIsSkipped(t *testing.T) {
	f := newRotationFixture(t)
	ctx := context.Background()
	plan, err := f.controller.Plan(ctx, "alice")
	require.NoError(t, err)

	var asked []application.RotationAction
	results, err := f.controller.Apply(ctx, plan, func(_ context.Context, action application.RotationAction) (bool, error) {
		asked = append(asked, action)
		return false, nil
	})

	require.NoError(t, err)
	require.Len(t, asked, 1)
	assert.Contains(t, asked[0].Description(), "old-laptop")
	assert.Equal(t, "skipped", results[0].Result)
	assert.Empty(t, f.domain.calls)
	assert.True(t, f.local.Contains(f.old.PublicKey))
}
