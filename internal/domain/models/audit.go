package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/keyagent/pkg/constants"
)

// KeyEvent is published after every key store or device identity mutation.
type KeyEvent struct {
	ID          uuid.UUID              `json:"id"`
	Type        constants.KeyEventType `json:"type"`
	Account     string                 `json:"account,omitempty"`
	Fingerprint string                 `json:"fingerprint,omitempty"`
	Name        string                 `json:"name,omitempty"`
	Message     string                 `json:"message,omitempty"`
	// Result is "success", "failure" or "skipped"; empty means success.
	Result      string                 `json:"result,omitempty"`
	OccurredAt  time.Time              `json:"occurred_at"`
}

// NewKeyEvent creates an event stamped with a fresh ID and the current time.
func NewKeyEvent(eventType constants.KeyEventType, account string) KeyEvent {
	return KeyEvent{
		ID:         uuid.New(),
		Type:       eventType,
		Account:    account,
		OccurredAt: time.Now().UTC(),
	}
}

// ForKey attaches the key identity to the event.
func (e KeyEvent) ForKey(record *KeyRecord) KeyEvent {
	if record != nil {
		e.Fingerprint = record.Fingerprint()
		e.Name = record.Name
	}
	return e
}

// KeyLifecycleEntry is the durable audit record of a key or device lifecycle change.
type KeyLifecycleEntry struct {
	ID          uuid.UUID `gorm:"type:text;primaryKey"`
	Account     string    `gorm:"index"`
	EventType   string    `gorm:"index"`
	Fingerprint string
	Name        string
	Result      string // "success" or "failure"
	Message     string
	CreatedAt   time.Time
}

// NewKeyLifecycleEntry derives an audit record from a KeyEvent.
func NewKeyLifecycleEntry(event KeyEvent, result string) *KeyLifecycleEntry {
	return &KeyLifecycleEntry{
		ID:          event.ID,
		Account:     event.Account,
		EventType:   string(event.Type),
		Fingerprint: event.Fingerprint,
		Name:        event.Name,
		Result:      result,
		Message:     event.Message,
		CreatedAt:   event.OccurredAt,
	}
}
