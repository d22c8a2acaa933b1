// Package vault stores the device identity in a HashiCorp Vault KV v2 mount.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"

	"github.com/turtacn/keyagent/internal/config"
	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/repository"
	"github.com/turtacn/keyagent/internal/infrastructure/persistence"
	"github.com/turtacn/keyagent/internal/infrastructure/securestore"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/logger"
)

const recordField = "device"

// NewClient creates a Vault client from cfg.
func NewClient(cfg config.VaultConfig) (*vault.Client, error) {
	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = cfg.Address
	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	return client, nil
}

// DeviceStateRepository keeps the whole identity in one KV v2 secret, so a write
// replaces token and key pair together.
type DeviceStateRepository struct {
	client       *vault.Client
	dataPath     string
	metadataPath string
	sealer       *securestore.Sealer
	logger       logger.Logger
}

// NewDeviceStateRepository creates the repository. sealer may be nil.
func NewDeviceStateRepository(cfg config.VaultConfig, client *vault.Client, sealer *securestore.Sealer, log logger.Logger) *DeviceStateRepository {
	mount := strings.Trim(cfg.MountPath, "/")
	if mount == "" {
		mount = "secret"
	}
	secretPath := strings.Trim(cfg.SecretPath, "/")
	if secretPath == "" {
		secretPath = constants.DeviceStateSecretPath
	}
	if sealer == nil {
		sealer = securestore.NewSealer("")
	}
	return &DeviceStateRepository{
		client:       client,
		dataPath:     fmt.Sprintf("%s/data/%s", mount, secretPath),
		metadataPath: fmt.Sprintf("%s/metadata/%s", mount, secretPath),
		sealer:       sealer,
		logger:       log.WithComponent("vault_device_state"),
	}
}

// Load returns the stored identity, or nil when unpaired.
func (r *DeviceStateRepository) Load(ctx context.Context) (*models.DeviceIdentity, error) {
	secret, err := r.client.Logical().ReadWithContext(ctx, r.dataPath)
	if err != nil {
		r.logger.Error(ctx, "Failed to read device state from Vault", err, logger.String("path", r.dataPath))
		return nil, errors.ErrTransport(r.dataPath, err)
	}
	if secret == nil || secret.Data["data"] == nil {
		return nil, nil
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, errors.ErrInternal("invalid secret format in vault")
	}
	raw, ok := data[recordField].(string)
	if !ok || raw == "" {
		return nil, nil
	}
	var rec persistence.DeviceRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, errors.WrapError(err, constants.ErrCodeInternal, "stored device state is corrupt")
	}
	return persistence.DecodeDevice(&rec, r.sealer)
}

// Save writes a new version of the secret.
func (r *DeviceStateRepository) Save(ctx context.Context, identity *models.DeviceIdentity) error {
	rec, err := persistence.EncodeDevice(identity, r.sealer)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapError(err, constants.ErrCodeInternal, "failed to encode device state")
	}
	_, err = r.client.Logical().WriteWithContext(ctx, r.dataPath, map[string]interface{}{
		"data": map[string]interface{}{recordField: string(raw)},
	})
	if err != nil {
		return errors.ErrTransport(r.dataPath, err)
	}
	return nil
}

// Clear destroys every version of the secret.
func (r *DeviceStateRepository) Clear(ctx context.Context) error {
	if _, err := r.client.Logical().DeleteWithContext(ctx, r.metadataPath); err != nil {
		return errors.ErrTransport(r.metadataPath, err)
	}
	return nil
}

var _ repository.DeviceStateRepository = (*DeviceStateRepository)(nil)
