package sshagent

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/pkg/errors"
)

// AskpassVerifier confirms a signature with the SSH_ASKPASS program, the way
// ssh-agent handles keys added with confirmation. The program runs with
// SSH_ASKPASS_PROMPT=confirm and approves by exiting zero.
type AskpassVerifier struct {
	// Program is the askpass binary; empty disables confirmation and refuses every key.
	Program string
}

// NewAskpassVerifier reads the program from $SSH_ASKPASS.
func NewAskpassVerifier() *AskpassVerifier {
	return &AskpassVerifier{Program: os.Getenv("SSH_ASKPASS")}
}

// Verify asks the user to allow one use of record.
func (v *AskpassVerifier) Verify(ctx context.Context, record *models.KeyRecord) error {
	if v.Program == "" {
		return errors.ErrKeyCannotBeUsed(record.Fingerprint()).
			WithMetadata("reason", "confirmation required but SSH_ASKPASS is not set")
	}
	prompt := fmt.Sprintf("Allow use of key %s?\nKey fingerprint %s.", record.Name, record.Fingerprint())
	cmd := exec.CommandContext(ctx, v.Program, prompt)
	cmd.Env = append(os.Environ(), "SSH_ASKPASS_PROMPT=confirm")
	if err := cmd.Run(); err != nil {
		return errors.ErrKeyCannotBeUsed(record.Fingerprint()).WithCause(err)
	}
	return nil
}
