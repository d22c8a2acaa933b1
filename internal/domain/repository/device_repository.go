package repository

import (
	"context"

	"github.com/turtacn/keyagent/internal/domain/models"
)

// DeviceStateRepository persists the paired device identity.
// Save and Clear are all-or-nothing: a reader never observes a token without its
// key pair, nor a cleared token with the key pair retained.
type DeviceStateRepository interface {
	// Load returns the stored identity, or nil when the device is not paired.
	Load(ctx context.Context) (*models.DeviceIdentity, error)
	Save(ctx context.Context, identity *models.DeviceIdentity) error
	Clear(ctx context.Context) error
}
