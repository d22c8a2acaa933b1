package repository

import (
	"context"

	"github.com/turtacn/keyagent/internal/domain/models"
)

// KeyLifecycleRepository records key and device lifecycle changes.
type KeyLifecycleRepository interface {
	Record(ctx context.Context, entry *models.KeyLifecycleEntry) error
	ListRecent(ctx context.Context, account string, limit int) ([]*models.KeyLifecycleEntry, error)
}

// ConnectionRepository stores saved SSH connections.
type ConnectionRepository interface {
	Save(ctx context.Context, conn *models.Connection) error
	Get(ctx context.Context, name string) (*models.Connection, error)
	// Find resolves a name or alias.
	Find(ctx context.Context, nameOrAlias string) (*models.Connection, error)
	List(ctx context.Context) ([]*models.Connection, error)
	Delete(ctx context.Context, name string) error
}
