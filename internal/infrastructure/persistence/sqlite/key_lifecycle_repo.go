package sqlite

import (
	"context"

	"gorm.io/gorm"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/repository"
)

// keyLifecycleRepository implements repository.KeyLifecycleRepository.
type keyLifecycleRepository struct {
	db *gorm.DB
}

// NewKeyLifecycleRepository creates a new key lifecycle log.
func NewKeyLifecycleRepository(db *gorm.DB) repository.KeyLifecycleRepository {
	return &keyLifecycleRepository{db: db}
}

// Record appends an entry.
func (r *keyLifecycleRepository) Record(ctx context.Context, entry *models.KeyLifecycleEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// ListRecent returns the newest entries for account; an empty account lists all.
func (r *keyLifecycleRepository) ListRecent(ctx context.Context, account string, limit int) ([]*models.KeyLifecycleEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := r.db.WithContext(ctx).Order("created_at desc").Limit(limit)
	if account != "" {
		query = query.Where("account = ?", account)
	}
	var entries []*models.KeyLifecycleEntry
	err := query.Find(&entries).Error
	return entries, err
}
