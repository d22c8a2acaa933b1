// Package sshagent exposes the device-backed key store over the SSH agent protocol.
package sshagent

import (
	"context"
	"crypto/ed25519"
	"crypto/subtle"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/logger"
)

// KeyStore is the part of the device-backed key store the agent protocol drives.
type KeyStore interface {
	ListKeys(ctx context.Context) []*models.KeyRecord
	PerformHashAndSign(ctx context.Context, pub ssh.PublicKey, data []byte, flags agent.SignatureFlags) (*ssh.Signature, error)
	AddKey(ctx context.Context, record *models.KeyRecord, constraints *models.KeyConstraints) error
	DeleteKey(ctx context.Context, pub ssh.PublicKey) error
	DeleteAllKeys(ctx context.Context) int
}

// Constraint extensions carrying the key constraints the agent protocol has no
// message for. Details are decimal or boolean text.
const (
	ExtensionMaxUses       = "max-uses@keyagent"
	ExtensionRequireOnline = "require-online@keyagent"
)

func errLocked() error {
	return errors.NewError(constants.ErrCodeKeyUnusable, "Agent is locked", "agent is locked")
}

// Agent implements agent.ExtendedAgent on top of a KeyStore.
// Agent 在 KeyStore 之上实现 agent.ExtendedAgent。
type Agent struct {
	store  KeyStore
	logger logger.Logger
	ctx    context.Context

	mu         sync.Mutex
	locked     bool
	passphrase []byte
	now        func() time.Time
}

// NewAgent creates an agent whose requests run under ctx.
func NewAgent(ctx context.Context, store KeyStore, log logger.Logger) *Agent {
	return &Agent{
		store:  store,
		logger: log.WithComponent("SSHAgent"),
		ctx:    ctx,
		now:    time.Now,
	}
}

func (a *Agent) isLocked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.locked
}

// List returns the merged local and device keys. A locked agent lists nothing.
func (a *Agent) List() ([]*agent.Key, error) {
	if a.isLocked() {
		return nil, nil
	}
	records := a.store.ListKeys(a.ctx)
	keys := make([]*agent.Key, 0, len(records))
	for _, r := range records {
		keys = append(keys, &agent.Key{
			Format:  r.PublicKey.Type(),
			Blob:    r.PublicKey.Marshal(),
			Comment: r.Name,
		})
	}
	return keys, nil
}

// Sign signs data with the default algorithm for key.
func (a *Agent) Sign(key ssh.PublicKey, data []byte) (*ssh.Signature, error) {
	return a.SignWithFlags(key, data, 0)
}

// SignWithFlags dispatches the signature to the backend holding key.
func (a *Agent) SignWithFlags(key ssh.PublicKey, data []byte, flags agent.SignatureFlags) (*ssh.Signature, error) {
	if a.isLocked() {
		return nil, errLocked()
	}
	sig, err := a.store.PerformHashAndSign(a.ctx, key, data, flags)
	if err != nil {
		a.logger.Warn(a.ctx, "Sign request refused",
			logger.String("fingerprint", ssh.FingerprintSHA256(key)), logger.Error(err))
		return nil, err
	}
	return sig, nil
}

// Add stores a key pushed by ssh-add. Lifetime and confirm constraints map onto
// the key constraints.
func (a *Agent) Add(key agent.AddedKey) error {
	if a.isLocked() {
		return errLocked()
	}
	priv := key.PrivateKey
	if p, ok := priv.(*ed25519.PrivateKey); ok {
		priv = *p
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return errors.ErrInvalidRequest(err.Error())
	}
	if key.Certificate != nil {
		if signer, err = ssh.NewCertSigner(key.Certificate, signer); err != nil {
			return errors.ErrInvalidRequest(err.Error())
		}
	}
	opts := models.ConstraintOptions{
		Lifetime:                time.Duration(key.LifetimeSecs) * time.Second,
		RequireUserVerification: key.ConfirmBeforeUse,
	}
	if err := applyExtensions(&opts, key.ConstraintExtensions); err != nil {
		return err
	}
	record := models.NewLocalKeyRecord(signer, key.Comment, "").WithPrivateKey(priv)
	return a.store.AddKey(a.ctx, record, models.NewKeyConstraints(opts, a.now()))
}

// applyExtensions refuses unknown extensions, as a constraint the agent cannot
// enforce must not be silently dropped.
func applyExtensions(opts *models.ConstraintOptions, extensions []agent.ConstraintExtension) error {
	for _, ext := range extensions {
		value := string(ext.ExtensionDetails)
		switch ext.ExtensionName {
		case ExtensionMaxUses:
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return errors.ErrInvalidRequest(fmt.Sprintf("invalid %s value %q", ExtensionMaxUses, value))
			}
			opts.MaxUses = n
		case ExtensionRequireOnline:
			v, err := strconv.ParseBool(value)
			if err != nil {
				return errors.ErrInvalidRequest(fmt.Sprintf("invalid %s value %q", ExtensionRequireOnline, value))
			}
			opts.RequireOnline = v
		default:
			return errors.ErrInvalidRequest(fmt.Sprintf("unsupported constraint %s", ext.ExtensionName))
		}
	}
	return nil
}

// MaxUsesExtension builds the constraint extension limiting a key to n signatures.
func MaxUsesExtension(n int64) agent.ConstraintExtension {
	return agent.ConstraintExtension{ExtensionName: ExtensionMaxUses, ExtensionDetails: []byte(strconv.FormatInt(n, 10))}
}

// RequireOnlineExtension builds the constraint extension restricting a key to online use.
func RequireOnlineExtension() agent.ConstraintExtension {
	return agent.ConstraintExtension{ExtensionName: ExtensionRequireOnline, ExtensionDetails: []byte("true")}
}

// Remove deletes a local key.
func (a *Agent) Remove(key ssh.PublicKey) error {
	if a.isLocked() {
		return errLocked()
	}
	return a.store.DeleteKey(a.ctx, key)
}

// RemoveAll deletes every local key.
func (a *Agent) RemoveAll() error {
	if a.isLocked() {
		return errLocked()
	}
	a.store.DeleteAllKeys(a.ctx)
	return nil
}

// Lock hides the keys until Unlock is called with the same passphrase.
func (a *Agent) Lock(passphrase []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.locked {
		return errors.ErrInvalidRequest("agent is already locked")
	}
	a.locked = true
	a.passphrase = append([]byte(nil), passphrase...)
	return nil
}

// Unlock reverses Lock.
func (a *Agent) Unlock(passphrase []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.locked {
		return errors.ErrInvalidRequest("agent is not locked")
	}
	if subtle.ConstantTimeCompare(passphrase, a.passphrase) != 1 {
		return errors.ErrInvalidRequest("incorrect passphrase")
	}
	a.locked = false
	a.passphrase = nil
	return nil
}

// Signers is not supported: device keys have no in-process signer.
func (a *Agent) Signers() ([]ssh.Signer, error) {
	return nil, errors.ErrInvalidRequest("signers are not exported by this agent")
}

// Extension implements agent.ExtendedAgent. No extensions are supported.
func (a *Agent) Extension(extensionType string, contents []byte) ([]byte, error) {
	return nil, agent.ErrExtensionUnsupported
}

var _ agent.ExtendedAgent = (*Agent)(nil)
