package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/sync/singleflight"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/service"
	"github.com/turtacn/keyagent/internal/infrastructure/crypto"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/logger"
)

// LocalStore is the in-process key collection the device-backed store falls back to.
type LocalStore interface {
	Add(record *models.KeyRecord, constraints *models.KeyConstraints) error
	Remove(pub ssh.PublicKey) (*models.KeyRecord, bool)
	RemoveAll() int
	Get(pub ssh.PublicKey) (*models.KeyRecord, *models.KeyConstraints, bool)
	List() []*models.KeyRecord
	Sign(ctx context.Context, pub ssh.PublicKey, data []byte, flags agent.SignatureFlags) (*ssh.Signature, error)
	ExpireTimedOut() []*models.KeyRecord
}

// SigningPolicy configures the device-backed key store.
type SigningPolicy struct {
	// RequireOnlineForLocalKeys refuses local signatures while the gateway is unreachable.
	RequireOnlineForLocalKeys bool
	// RemoteName and AuthorizeText are shown on the device approval prompt.
	RemoteName    string
	AuthorizeText string
	// DeviceKeyTTL bounds how long advertised device keys are served from cache.
	DeviceKeyTTL time.Duration
}

// DefaultSigningPolicy requires the gateway to be online for every signature.
func DefaultSigningPolicy() SigningPolicy {
	return SigningPolicy{
		RequireOnlineForLocalKeys: true,
		RemoteName:                constants.DefaultRemoteName,
		AuthorizeText:             constants.DefaultAuthorizeText,
		DeviceKeyTTL:              constants.DefaultDeviceKeyCacheTTL,
	}
}

// UserVerifier confirms user presence before a key that requires it signs.
type UserVerifier func(ctx context.Context, record *models.KeyRecord) error

// DeviceKeyStore merges local keys with the keys of the paired device and dispatches
// each signature to the backend that holds the private half.
// DeviceKeyStore 合并本地密钥与已配对设备的密钥，并将签名分派给持有私钥的后端。
type DeviceKeyStore struct {
	session *Session
	local   LocalStore
	cache   service.DeviceKeyCache
	bus     *EventBus
	metrics service.Metrics
	logger  logger.Logger
	policy  SigningPolicy

	verifier UserVerifier
	group    singleflight.Group
	now      func() time.Time

	// remote state of the account last seen; reset when the pairing changes
	mu                sync.Mutex
	remoteAccount     string
	remoteConstraints map[string]*models.KeyConstraints
	remoteSnapshot    string
}

// NewDeviceKeyStore creates the store. cache may be nil.
func NewDeviceKeyStore(
	session *Session,
	local LocalStore,
	cache service.DeviceKeyCache,
	bus *EventBus,
	metrics service.Metrics,
	log logger.Logger,
	policy SigningPolicy,
) *DeviceKeyStore {
	if policy.DeviceKeyTTL <= 0 {
		policy.DeviceKeyTTL = constants.DefaultDeviceKeyCacheTTL
	}
	s := &DeviceKeyStore{
		session:           session,
		local:             local,
		cache:             cache,
		bus:               bus,
		metrics:           metrics,
		logger:            log.WithComponent("DeviceKeyStore"),
		policy:            policy,
		now:               time.Now,
		remoteConstraints: make(map[string]*models.KeyConstraints),
	}
	if bus != nil {
		bus.AddSink(pairingResetSink{store: s})
	}
	return s
}

// pairingResetSink resets the remote key state as soon as a device is paired or
// deauthorized, before any later fetch can compare against the old account.
type pairingResetSink struct {
	store *DeviceKeyStore
}

func (p pairingResetSink) Publish(ctx context.Context, event models.KeyEvent) error {
	switch event.Type {
	case constants.KeyEventDeauthorized, constants.KeyEventDevicePaired:
		p.store.Reset()
	}
	return nil
}

// Reset forgets the device keys snapshot and the usage counters of remote keys.
func (s *DeviceKeyStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteAccount = ""
	s.remoteSnapshot = ""
	s.remoteConstraints = make(map[string]*models.KeyConstraints)
}

// SetUserVerifier installs the hook consulted for keys requiring user verification.
func (s *DeviceKeyStore) SetUserVerifier(v UserVerifier) {
	s.verifier = v
}

// Online reports the result of the latest gateway probe.
func (s *DeviceKeyStore) Online() bool {
	return s.session.IsOnline()
}

// Ping probes the gateway of the paired account. Concurrent callers share one probe.
func (s *DeviceKeyStore) Ping(ctx context.Context) bool {
	client, username, err := s.session.Client()
	if err != nil {
		s.updateOnline(ctx, "", false)
		return false
	}
	v, _, _ := s.group.Do("ping", func() (interface{}, error) {
		err := client.Ping(ctx)
		if err != nil {
			s.logger.Debug(ctx, "Gateway probe failed", logger.Error(err))
		}
		return err == nil, nil
	})
	online := v.(bool)
	s.updateOnline(ctx, username, online)
	return online
}

func (s *DeviceKeyStore) updateOnline(ctx context.Context, username string, online bool) {
	if !s.session.setOnline(online) {
		return
	}
	s.metrics.SetGatewayOnline(online)
	if username == "" {
		return
	}
	eventType := constants.KeyEventGatewayOffline
	if online {
		eventType = constants.KeyEventGatewayOnline
	}
	s.bus.Publish(ctx, models.NewKeyEvent(eventType, username))
}

// ListKeys returns the local keys and, when the gateway answers, the device keys.
// A key present in both collapses to the local record. Device key failures only
// shrink the result to the local keys.
func (s *DeviceKeyStore) ListKeys(ctx context.Context) []*models.KeyRecord {
	records := make(map[string]*models.KeyRecord)
	for _, r := range s.local.List() {
		records[r.Fingerprint()] = r
	}
	localCount := len(records)

	remoteCount := 0
	if s.session.IsAuthorized() && s.Ping(ctx) {
		remote, err := s.deviceKeys(ctx)
		if err != nil {
			s.logger.Warn(ctx, "Listing local keys only", logger.Error(err))
		}
		for _, r := range remote {
			if _, dup := records[r.Fingerprint()]; dup {
				continue
			}
			records[r.Fingerprint()] = r
			remoteCount++
		}
	}
	s.metrics.SetKeyCount(string(constants.KeySourceLocal), localCount)
	s.metrics.SetKeyCount(string(constants.KeySourceRemote), remoteCount)

	out := make([]*models.KeyRecord, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].IsLocal()
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Fingerprint() < out[j].Fingerprint()
	})
	return out
}

// GetConstraints returns the constraints of a local key, or the retained permissive
// constraints of any other key.
func (s *DeviceKeyStore) GetConstraints(ctx context.Context, pub ssh.PublicKey) (*models.KeyConstraints, error) {
	if _, c, ok := s.local.Get(pub); ok {
		return c, nil
	}
	return s.remoteConstraintsFor(ssh.FingerprintSHA256(pub)), nil
}

// PerformHashAndSign signs data with the key identified by pub.
// The gateway must answer first for device keys, and for local keys when policy or the
// key's constraints demand it. A use is recorded atomically before the backend signs.
// Remote signatures are never retried.
func (s *DeviceKeyStore) PerformHashAndSign(ctx context.Context, pub ssh.PublicKey, data []byte, flags agent.SignatureFlags) (sig *ssh.Signature, err error) {
	start := time.Now()
	fingerprint := ssh.FingerprintSHA256(pub)
	source := constants.KeySourceLocal
	defer func() {
		s.metrics.RecordSign(string(source), err == nil, time.Since(start), errorCode(err))
	}()

	// 1. Resolve the backend and apply the online gate
	record, constraints, isLocal := s.local.Get(pub)
	if isLocal {
		if (s.policy.RequireOnlineForLocalKeys || constraints.RequiresOnline()) && !s.Ping(ctx) {
			return nil, errors.ErrGatewayUnavailable("local key requires the gateway to be online")
		}
	} else {
		source = constants.KeySourceRemote
		if !s.session.IsAuthorized() {
			return nil, errors.ErrKeyNotFound(fingerprint)
		}
		if !s.Ping(ctx) {
			return nil, errors.ErrGatewayUnavailable("device keys require the gateway to be online")
		}
		record, err = s.findDeviceKey(ctx, fingerprint)
		if err != nil {
			return nil, err
		}
		constraints = s.remoteConstraintsFor(fingerprint)
	}

	// 2. User verification hook
	if constraints.RequiresUserVerification() {
		if s.verifier == nil {
			s.logger.Warn(ctx, "Key requires user verification but no verifier is installed", logger.String("fingerprint", fingerprint))
			return nil, errors.ErrKeyCannotBeUsed(fingerprint)
		}
		if err := s.verifier(ctx, record); err != nil {
			return nil, errors.ErrKeyCannotBeUsed(fingerprint).WithCause(err)
		}
	}

	// 3. Record the use
	if err := constraints.TryUse(fingerprint, s.now()); err != nil {
		s.logger.Warn(ctx, "Key constraints refused signature", logger.String("fingerprint", fingerprint), logger.Error(err))
		return nil, err
	}

	// 4. Dispatch
	if record.IsLocal() {
		return s.local.Sign(ctx, pub, data, flags)
	}
	return s.signRemote(ctx, record, data, flags)
}

func (s *DeviceKeyStore) signRemote(ctx context.Context, record *models.KeyRecord, data []byte, flags agent.SignatureFlags) (*ssh.Signature, error) {
	client, username, err := s.session.Client()
	if err != nil {
		return nil, err
	}
	ctx = logger.WithAccount(ctx, username)
	s.logger.Info(ctx, "Requesting signature from device", logger.String("fingerprint", record.Fingerprint()))
	raw, err := client.SignPayload(ctx, service.SignRequest{
		Username:      username,
		RemoteName:    s.policy.RemoteName,
		AuthorizeText: s.policy.AuthorizeText,
		Flags:         uint32(flags),
		Fingerprint:   record.Fingerprint(),
		Payload:       data,
	})
	if err != nil {
		return nil, err
	}
	sig, err := crypto.ParseSignatureBlob(raw)
	if err != nil {
		return nil, errors.ErrInvalidSignature(err.Error())
	}
	return sig, nil
}

// AddKey adds a local key. Keys already installed on the paired device are refused.
func (s *DeviceKeyStore) AddKey(ctx context.Context, record *models.KeyRecord, constraints *models.KeyConstraints) error {
	if record == nil || record.Signer == nil {
		return errors.ErrInvalidRequest("local keys require a private key")
	}
	if s.session.IsAuthorized() && s.Ping(ctx) {
		if _, err := s.findDeviceKey(ctx, record.Fingerprint()); err == nil {
			return errors.ErrInvalidRequest(fmt.Sprintf("key %s is already installed on the paired device", record.Fingerprint()))
		}
	}
	if err := s.local.Add(record, constraints); err != nil {
		return err
	}
	s.logger.Info(ctx, "Key added", logger.String("fingerprint", record.Fingerprint()), logger.String("name", record.Name))
	s.bus.Publish(ctx, models.NewKeyEvent(constants.KeyEventAdded, s.session.Status().Username).ForKey(record))
	return nil
}

// DeleteKey removes a local key. Device keys cannot be deleted here.
func (s *DeviceKeyStore) DeleteKey(ctx context.Context, pub ssh.PublicKey) error {
	record, ok := s.local.Remove(pub)
	if !ok {
		return errors.ErrKeyNotFound(ssh.FingerprintSHA256(pub))
	}
	s.logger.Info(ctx, "Key removed", logger.String("fingerprint", record.Fingerprint()))
	s.bus.Publish(ctx, models.NewKeyEvent(constants.KeyEventRemoved, s.session.Status().Username).ForKey(record))
	return nil
}

// DeleteAllKeys empties the local store.
func (s *DeviceKeyStore) DeleteAllKeys(ctx context.Context) int {
	n := s.local.RemoveAll()
	s.logger.Info(ctx, "All local keys removed", logger.Int("count", n))
	event := models.NewKeyEvent(constants.KeyEventAllRemoved, s.session.Status().Username)
	event.Message = fmt.Sprintf("%d keys removed", n)
	s.bus.Publish(ctx, event)
	return n
}

// ImportToDevice uploads a local private key so that it becomes a device key. The key
// travels encrypted under a random single-use passphrase.
func (s *DeviceKeyStore) ImportToDevice(ctx context.Context, pub ssh.PublicKey, name string) error {
	record, _, ok := s.local.Get(pub)
	if !ok {
		return errors.ErrKeyNotFound(ssh.FingerprintSHA256(pub))
	}
	if record.PrivateKey() == nil {
		return errors.ErrInvalidRequest(fmt.Sprintf("private key of %s cannot be exported", record.Fingerprint()))
	}
	if name == "" {
		name = record.Name
	}
	if !s.Ping(ctx) {
		return errors.ErrGatewayUnavailable("cannot import keys while the gateway is offline")
	}

	passphrase := uuid.NewString()
	pemBytes, err := crypto.EncodePrivateKey(record.PrivateKey(), name, []byte(passphrase))
	if err != nil {
		return err
	}

	var username string
	err = s.session.View(func(identity *models.DeviceIdentity, client service.GatewayClient) error {
		username = identity.Username
		envelope, err := signEnvelope(identity, s.now())
		if err != nil {
			return err
		}
		return client.ImportKey(logger.WithAccount(ctx, username), envelope, service.ImportKeyRequest{
			Name:       name,
			Passphrase: passphrase,
			PrivateKey: string(pemBytes),
		})
	})
	if err != nil {
		return err
	}

	s.dropCachedDeviceKeys(ctx, username)
	s.logger.Info(ctx, "Key imported to device", logger.String("fingerprint", record.Fingerprint()), logger.String("name", name))
	event := models.NewKeyEvent(constants.KeyEventChanged, username).ForKey(record)
	event.Message = "imported to device"
	s.bus.Publish(ctx, event)
	return nil
}

// RefreshDeviceKeys refetches the device keys, publishing a change event when the set differs.
func (s *DeviceKeyStore) RefreshDeviceKeys(ctx context.Context) error {
	_, username, err := s.session.Client()
	if err != nil {
		return err
	}
	s.dropCachedDeviceKeys(ctx, username)
	_, err = s.deviceKeys(ctx)
	return err
}

// ExpireKeys drops local keys whose constraints ran out.
func (s *DeviceKeyStore) ExpireKeys(ctx context.Context) []*models.KeyRecord {
	expired := s.local.ExpireTimedOut()
	username := s.session.Status().Username
	for _, r := range expired {
		s.logger.Info(ctx, "Temporary key expired", logger.String("fingerprint", r.Fingerprint()))
		s.bus.Publish(ctx, models.NewKeyEvent(constants.KeyEventRemoved, username).ForKey(r))
	}
	return expired
}

// findDeviceKey looks up an advertised device key by fingerprint.
func (s *DeviceKeyStore) findDeviceKey(ctx context.Context, fingerprint string) (*models.KeyRecord, error) {
	remote, err := s.deviceKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range remote {
		if r.Fingerprint() == fingerprint {
			return r, nil
		}
	}
	return nil, errors.ErrKeyNotFound(fingerprint)
}

// deviceKeys returns the advertised device keys, from cache when possible. Concurrent
// fetches for one account share a single request.
func (s *DeviceKeyStore) deviceKeys(ctx context.Context) ([]*models.KeyRecord, error) {
	client, username, err := s.session.Client()
	if err != nil {
		return nil, err
	}

	document, hit := s.cachedDeviceKeys(ctx, username)
	if !hit {
		v, err, _ := s.group.Do("devicekeys:"+username, func() (interface{}, error) {
			doc, err := client.DeviceKeys(logger.WithAccount(ctx, username), username)
			if err != nil {
				return "", err
			}
			if s.cache != nil {
				if err := s.cache.Set(ctx, username, doc, s.policy.DeviceKeyTTL); err != nil {
					s.logger.Warn(ctx, "Failed to cache device keys", logger.Error(err))
				}
			}
			return doc, nil
		})
		if err != nil {
			return nil, err
		}
		document = v.(string)
	}

	keys, rejected := models.ParseAuthorizedKeys(document, constants.DefaultDeviceKeyComment)
	for _, line := range rejected {
		s.logger.Debug(ctx, "Skipping unparsable device key", logger.Int("length", len(line)))
	}
	records := make([]*models.KeyRecord, 0, len(keys))
	fingerprints := make([]string, 0, len(keys))
	for _, k := range keys {
		records = append(records, models.NewRemoteKeyRecord(k.PublicKey, k.Comment))
		fingerprints = append(fingerprints, k.Fingerprint())
	}
	s.noteSnapshot(ctx, username, fingerprints)
	return records, nil
}

func (s *DeviceKeyStore) cachedDeviceKeys(ctx context.Context, username string) (string, bool) {
	if s.cache == nil {
		return "", false
	}
	doc, ok, err := s.cache.Get(ctx, username)
	if err != nil {
		s.logger.Warn(ctx, "Device key cache lookup failed", logger.Error(err))
		return "", false
	}
	return doc, ok
}

func (s *DeviceKeyStore) dropCachedDeviceKeys(ctx context.Context, username string) {
	if s.cache == nil || username == "" {
		return
	}
	if err := s.cache.Delete(ctx, username); err != nil {
		s.logger.Warn(ctx, "Failed to drop cached device keys", logger.Error(err))
	}
}

// noteSnapshot publishes a change event when the advertised key set differs from the last one seen.
func (s *DeviceKeyStore) noteSnapshot(ctx context.Context, username string, fingerprints []string) {
	sort.Strings(fingerprints)
	snapshot := strings.Join(fingerprints, ",")
	s.mu.Lock()
	if s.remoteAccount != username {
		// another account's keys are not a previous state of this one
		s.remoteAccount = username
		s.remoteSnapshot = ""
		s.remoteConstraints = make(map[string]*models.KeyConstraints)
	}
	previous := s.remoteSnapshot
	s.remoteSnapshot = snapshot
	s.mu.Unlock()
	if previous != "" && previous != snapshot {
		event := models.NewKeyEvent(constants.KeyEventChanged, username)
		event.Message = "device keys changed"
		s.bus.Publish(ctx, event)
	}
}

func (s *DeviceKeyStore) remoteConstraintsFor(fingerprint string) *models.KeyConstraints {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.remoteConstraints[fingerprint]
	if !ok {
		c = models.NewKeyConstraints(models.ConstraintOptions{}, s.now())
		s.remoteConstraints[fingerprint] = c
	}
	return c
}
