package audit

import (
	"context"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/repository"
	"github.com/turtacn/keyagent/internal/domain/service"
)

// LifecycleSink records every key event in the key lifecycle log.
type LifecycleSink struct {
	repo repository.KeyLifecycleRepository
}

// NewLifecycleSink creates a sink backed by repo.
func NewLifecycleSink(repo repository.KeyLifecycleRepository) *LifecycleSink {
	return &LifecycleSink{repo: repo}
}

// Publish stores event as a lifecycle entry, successful unless the event says otherwise.
func (s *LifecycleSink) Publish(ctx context.Context, event models.KeyEvent) error {
	result := event.Result
	if result == "" {
		result = "success"
	}
	return s.repo.Record(ctx, models.NewKeyLifecycleEntry(event, result))
}

var _ service.KeyEventSink = (*LifecycleSink)(nil)
