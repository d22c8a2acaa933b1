package sqlite

import (
	"context"
	stderrors "errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/repository"
	"github.com/turtacn/keyagent/internal/infrastructure/persistence"
	"github.com/turtacn/keyagent/internal/infrastructure/securestore"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/logger"
)

const deviceStateID = 1

// deviceStateRow is the single row holding the paired device.
type deviceStateRow struct {
	ID                       uint `gorm:"primaryKey"`
	persistence.DeviceRecord `gorm:"embedded"`
	UpdatedAt                time.Time
}

func (deviceStateRow) TableName() string { return "device_state" }

// DeviceStateRepository stores the device identity in one row, written in a single transaction.
type DeviceStateRepository struct {
	db     *gorm.DB
	sealer *securestore.Sealer
	logger logger.Logger
}

// NewDeviceStateRepository creates the repository. sealer may be nil for plaintext storage.
func NewDeviceStateRepository(db *gorm.DB, sealer *securestore.Sealer, log logger.Logger) *DeviceStateRepository {
	if sealer == nil {
		sealer = securestore.NewSealer("")
	}
	return &DeviceStateRepository{db: db, sealer: sealer, logger: log.WithComponent("device_state")}
}

// Load returns the stored identity, or nil when unpaired.
func (r *DeviceStateRepository) Load(ctx context.Context) (*models.DeviceIdentity, error) {
	var row deviceStateRow
	err := r.db.WithContext(ctx).First(&row, deviceStateID).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapError(err, constants.ErrCodeInternal, "failed to load device state")
	}
	return persistence.DecodeDevice(&row.DeviceRecord, r.sealer)
}

// Save replaces the stored identity.
func (r *DeviceStateRepository) Save(ctx context.Context, identity *models.DeviceIdentity) error {
	rec, err := persistence.EncodeDevice(identity, r.sealer)
	if err != nil {
		return err
	}
	row := deviceStateRow{ID: deviceStateID, DeviceRecord: *rec}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
	if err != nil {
		return errors.WrapError(err, constants.ErrCodeInternal, "failed to save device state")
	}
	r.logger.Debug(ctx, "Device state saved", logger.String("device", identity.DeviceName))
	return nil
}

// Clear removes the token and key pair together.
func (r *DeviceStateRepository) Clear(ctx context.Context) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Delete(&deviceStateRow{}, deviceStateID).Error
	})
	if err != nil {
		return errors.WrapError(err, constants.ErrCodeInternal, "failed to clear device state")
	}
	return nil
}

var _ repository.DeviceStateRepository = (*DeviceStateRepository)(nil)
