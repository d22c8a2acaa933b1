package service

import (
	"context"

	"github.com/turtacn/keyagent/internal/domain/models"
)

// Conflict describes a device name already registered for the account.
type Conflict struct {
	Username   string
	DeviceName string
	Endpoint   models.GatewayEndpoint
}

// ConflictAction is the caller's answer to a Conflict.
type ConflictAction int

const (
	ConflictAbort ConflictAction = iota
	ConflictRename
	ConflictOverwrite
)

// ConflictDecision pairs an action with the replacement name for ConflictRename.
type ConflictDecision struct {
	Action  ConflictAction
	NewName string
}

// Rename retries pairing under another device name.
func Rename(name string) ConflictDecision {
	return ConflictDecision{Action: ConflictRename, NewName: name}
}

// Overwrite replaces the existing device.
func Overwrite() ConflictDecision {
	return ConflictDecision{Action: ConflictOverwrite}
}

// Abort gives up with a conflict error.
func Abort() ConflictDecision {
	return ConflictDecision{Action: ConflictAbort}
}

// ConflictResolver decides how to proceed when the requested device name is taken.
// It may prompt the user; ctx is cancelled if the caller gives up.
type ConflictResolver func(ctx context.Context, conflict Conflict) (ConflictDecision, error)
