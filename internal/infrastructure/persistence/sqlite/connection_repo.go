package sqlite

import (
	"context"
	stderrors "errors"

	"gorm.io/gorm"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/repository"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/utils"
)

// ConnectionRepository stores saved SSH connections.
type ConnectionRepository struct {
	db *gorm.DB
}

// NewConnectionRepository creates a new ConnectionRepository.
func NewConnectionRepository(db *gorm.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

// Save creates or updates a connection.
func (r *ConnectionRepository) Save(ctx context.Context, conn *models.Connection) error {
	if err := utils.ValidateStruct(conn); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Save(conn).Error; err != nil {
		return errors.WrapError(err, constants.ErrCodeInternal, "failed to save connection")
	}
	return nil
}

// Get returns the connection named name.
func (r *ConnectionRepository) Get(ctx context.Context, name string) (*models.Connection, error) {
	var conn models.Connection
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&conn).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrNotFound("connection " + name)
	}
	if err != nil {
		return nil, errors.WrapError(err, constants.ErrCodeInternal, "failed to load connection")
	}
	return &conn, nil
}

// Find resolves a name or an alias.
func (r *ConnectionRepository) Find(ctx context.Context, nameOrAlias string) (*models.Connection, error) {
	conns, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range conns {
		if c.Matches(nameOrAlias) {
			return c, nil
		}
	}
	return nil, errors.ErrNotFound("connection " + nameOrAlias)
}

// List returns all connections ordered by name.
func (r *ConnectionRepository) List(ctx context.Context) ([]*models.Connection, error) {
	var conns []*models.Connection
	if err := r.db.WithContext(ctx).Order("name").Find(&conns).Error; err != nil {
		return nil, errors.WrapError(err, constants.ErrCodeInternal, "failed to list connections")
	}
	return conns, nil
}

// Delete removes the connection named name.
func (r *ConnectionRepository) Delete(ctx context.Context, name string) error {
	res := r.db.WithContext(ctx).Where("name = ?", name).Delete(&models.Connection{})
	if res.Error != nil {
		return errors.WrapError(res.Error, constants.ErrCodeInternal, "failed to delete connection")
	}
	if res.RowsAffected == 0 {
		return errors.ErrNotFound("connection " + name)
	}
	return nil
}

var _ repository.ConnectionRepository = (*ConnectionRepository)(nil)
