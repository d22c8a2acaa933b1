// Package application holds the orchestration services built on the key stores and
// the synchronization protocol.
package application

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	appsvc "github.com/turtacn/keyagent/internal/application/service"
	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/service"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/logger"
	"github.com/turtacn/keyagent/pkg/utils"
)

// ActionKind distinguishes the rotation actions.
type ActionKind string

const (
	// ActionGenerate creates a key of a required type that the account lacks.
	ActionGenerate ActionKind = "generate"
	// ActionReplace swaps an expiring key for a fresh one of the same type.
	ActionReplace ActionKind = "replace"
)

// RotationAction is one planned change.
type RotationAction struct {
	Kind    ActionKind
	KeyType models.PublicKeyType
	// Existing is the key being replaced; nil for ActionGenerate.
	Existing *models.AuthorizedKey
	Reason   string
}

// Description renders the action for confirmation prompts.
func (a RotationAction) Description() string {
	if a.Existing != nil {
		return fmt.Sprintf("%s %s key %s (%s)", a.Kind, a.KeyType, a.Existing.Name(), a.Reason)
	}
	return fmt.Sprintf("%s %s key (%s)", a.Kind, a.KeyType, a.Reason)
}

// RotationPlan is the pure result of evaluating a policy against the registered keys.
type RotationPlan struct {
	Account      string
	Policy       *models.KeyPolicy
	Actions      []RotationAction
	UnknownTypes []string
	EvaluatedAt  time.Time
}

// Empty reports whether nothing needs to change.
func (p *RotationPlan) Empty() bool {
	return p == nil || len(p.Actions) == 0
}

// ActionResult reports the outcome of one applied action.
type ActionResult struct {
	Action RotationAction
	// Result is "success", "failure" or "skipped".
	Result string
	// NewKey is the registered replacement. It may be set on failure when only the
	// retirement of the old key failed.
	NewKey *models.KeyRecord
	Err    error
}

// ConfirmFunc approves an action before any side effect happens.
type ConfirmFunc func(ctx context.Context, action RotationAction) (bool, error)

// KeySync is the part of the synchronization protocol the controller drives.
type KeySync interface {
	GetPolicy(ctx context.Context, account string) (*models.KeyPolicy, error)
	GetAuthorizedKeys(ctx context.Context, account string) ([]models.AuthorizedKey, error)
	AddKey(ctx context.Context, account, name string, pub ssh.PublicKey) error
	RemoveKey(ctx context.Context, account, name string, pub ssh.PublicKey) error
}

// RotationOptions configures where and how replacement keys are written.
type RotationOptions struct {
	KeyDir       string
	Passphrase   []byte
	ExpiryWindow time.Duration
}

// RotationController plans and applies key rotation against the account policy.
// RotationController 根据账户策略规划并执行密钥轮换。
type RotationController struct {
	sync    KeySync
	keys    service.KeyCrypto
	local   appsvc.LocalStore
	bus     *appsvc.EventBus
	metrics service.Metrics
	logger  logger.Logger
	opts    RotationOptions
	now     func() time.Time
}

// NewRotationController creates a controller.
func NewRotationController(
	sync KeySync,
	keys service.KeyCrypto,
	local appsvc.LocalStore,
	bus *appsvc.EventBus,
	metrics service.Metrics,
	log logger.Logger,
	opts RotationOptions,
) *RotationController {
	if opts.ExpiryWindow <= 0 {
		opts.ExpiryWindow = constants.ExpiryWarningWindow
	}
	return &RotationController{
		sync:    sync,
		keys:    keys,
		local:   local,
		bus:     bus,
		metrics: metrics,
		logger:  log.WithComponent("RotationController"),
		opts:    opts,
		now:     time.Now,
	}
}

// Plan fetches the policy and the registered keys and evaluates them. It has no side effects.
func (c *RotationController) Plan(ctx context.Context, account string) (*RotationPlan, error) {
	ctx = logger.WithAccount(ctx, account)

	// 1. Fetch policy and registered keys
	policy, err := c.sync.GetPolicy(ctx, account)
	if err != nil {
		return nil, err
	}
	registered, err := c.sync.GetAuthorizedKeys(ctx, account)
	if err != nil {
		return nil, err
	}

	// 2. Evaluate
	plan := EvaluatePolicy(policy, registered, c.now(), c.opts.ExpiryWindow)
	plan.Account = account
	for _, name := range plan.UnknownTypes {
		c.logger.Warn(ctx, "Policy requires unsupported key type", logger.String("key_type", name))
	}
	c.logger.Info(ctx, "Rotation plan evaluated", logger.Int("actions", len(plan.Actions)))
	return plan, nil
}

// EvaluatePolicy derives the actions for policy over registered at now. Required types
// without a matching key are generated; keys within window of their expiry are replaced.
// Required types that cannot be generated locally are reported in UnknownTypes.
func EvaluatePolicy(policy *models.KeyPolicy, registered []models.AuthorizedKey, now time.Time, window time.Duration) *RotationPlan {
	plan := &RotationPlan{Policy: policy, EvaluatedAt: now}
	required, unknown := policy.RequiredKeyTypes()
	plan.UnknownTypes = unknown

	for _, t := range required {
		found := false
		for _, k := range registered {
			if t.Matches(k.PublicKey) {
				found = true
				break
			}
		}
		if found {
			continue
		}
		if !t.Generatable() {
			plan.UnknownTypes = append(plan.UnknownTypes, t.Name)
			continue
		}
		plan.Actions = append(plan.Actions, RotationAction{
			Kind:    ActionGenerate,
			KeyType: t,
			Reason:  "required by policy",
		})
	}

	for i := range registered {
		k := registered[i]
		if !k.IsExpiring(now, window) {
			continue
		}
		expiry, _ := k.Expiry()
		plan.Actions = append(plan.Actions, RotationAction{
			Kind:     ActionReplace,
			KeyType:  replacementType(k.PublicKey, policy.MinimumKeySize),
			Existing: &k,
			Reason:   "expires " + expiry.UTC().Format(time.RFC3339),
		})
	}
	return plan
}

// replacementType keeps the type of pub, raising RSA keys to the policy minimum.
func replacementType(pub ssh.PublicKey, minimumRSA int) models.PublicKeyType {
	bits := models.BitLength(pub)
	if pub.Type() == ssh.KeyAlgoRSA && bits < minimumRSA-models.KeyTypeBitTolerance {
		if t, err := models.ParseKeyType(fmt.Sprintf("RSA_%d", minimumRSA)); err == nil {
			return t
		}
		return models.PublicKeyType{Name: fmt.Sprintf("RSA_%d", minimumRSA), Algorithm: ssh.KeyAlgoRSA, Bits: minimumRSA}
	}
	for _, t := range models.KeyTypes {
		if t.Matches(pub) {
			return t
		}
	}
	return models.PublicKeyType{Name: strings.ToUpper(pub.Type()), Algorithm: pub.Type(), Bits: bits}
}

// Apply runs each confirmed action in order. An action's side effects are ordered
// generate, register, write, add locally, then for replacements unregister and drop
// the old key, so a registration failure leaves the old key in place. Every outcome
// is published as a key event.
func (c *RotationController) Apply(ctx context.Context, plan *RotationPlan, confirm ConfirmFunc) ([]ActionResult, error) {
	if plan.Empty() {
		return nil, nil
	}
	ctx = logger.WithAccount(ctx, plan.Account)

	results := make([]ActionResult, 0, len(plan.Actions))
	var firstErr error
	for _, action := range plan.Actions {
		if confirm != nil {
			ok, err := confirm(ctx, action)
			if err != nil {
				return results, err
			}
			if !ok {
				results = append(results, ActionResult{Action: action, Result: "skipped"})
				c.publish(ctx, plan.Account, action, nil, "skipped", nil)
				continue
			}
		}

		record, err := c.apply(ctx, plan.Account, action)
		result := ActionResult{Action: action, Result: "success", NewKey: record, Err: err}
		if err != nil {
			result.Result = "failure"
			if firstErr == nil {
				firstErr = err
			}
			c.logger.Error(ctx, "Rotation action failed", err, logger.String("action", action.Description()))
		}
		c.metrics.RecordRotation(string(action.Kind), err == nil)
		c.publish(ctx, plan.Account, action, result.NewKey, result.Result, err)
		results = append(results, result)
	}
	return results, firstErr
}

func (c *RotationController) apply(ctx context.Context, account string, action RotationAction) (*models.KeyRecord, error) {
	// 1. Generate
	material, err := c.keys.Generate(action.KeyType.Spec())
	if err != nil {
		return nil, err
	}
	name := strconv.FormatInt(utils.UnixMillis(c.now()), 10)

	// 2. Register with the key-management domain
	if err := c.sync.AddKey(ctx, account, name, material.PublicKey()); err != nil {
		return nil, err
	}

	// 3. Write the private key
	path := filepath.Join(c.opts.KeyDir, fmt.Sprintf("id_%s_%s", strings.ToLower(action.KeyType.Name), name))
	if err := c.keys.WritePrivateKey(path, material, name, c.opts.Passphrase); err != nil {
		return nil, err
	}

	// 4. Add to the local store as a team key
	record := models.NewLocalKeyRecord(material.Signer, name, path).WithPrivateKey(material.PrivateKey)
	record.SetTeamKey(true)
	if err := c.local.Add(record, nil); err != nil {
		return nil, err
	}
	c.logger.Info(ctx, "Rotated key registered",
		logger.String("fingerprint", record.Fingerprint()),
		logger.String("file", path),
	)

	// 5. Retire the replaced key
	if action.Kind == ActionReplace && action.Existing != nil {
		if err := c.sync.RemoveKey(ctx, account, action.Existing.Name(), action.Existing.PublicKey); err != nil {
			return record, err
		}
		c.local.Remove(action.Existing.PublicKey)
		c.logger.Info(ctx, "Replaced key retired", logger.String("fingerprint", action.Existing.Fingerprint()))
	}
	return record, nil
}

func (c *RotationController) publish(ctx context.Context, account string, action RotationAction, record *models.KeyRecord, result string, err error) {
	event := models.NewKeyEvent(constants.KeyEventRotated, account).ForKey(record)
	event.Result = result
	event.Message = action.Description()
	if err != nil {
		event.Message += ": " + err.Error()
	}
	if record == nil && action.Existing != nil {
		event.Fingerprint = action.Existing.Fingerprint()
		event.Name = action.Existing.Name()
	}
	c.bus.Publish(ctx, event)
}
