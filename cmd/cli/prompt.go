package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	appsvc "github.com/turtacn/keyagent/internal/application/service"
	"github.com/turtacn/keyagent/pkg/errors"
)

var stdin = bufio.NewReader(os.Stdin)

// promptLine prints question on stderr and reads one trimmed line.
func promptLine(question string) (string, error) {
	fmt.Fprint(os.Stderr, question)
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// promptYesNo asks a yes/no question; an empty answer selects def.
func promptYesNo(question string, def bool) (bool, error) {
	hint := " [y/N] "
	if def {
		hint = " [Y/n] "
	}
	answer, err := promptLine(question + hint)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "":
		return def, nil
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// readSecret reads a line from the terminal without echo.
func readSecret(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.ErrInvalidRequest("a passphrase is required but stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)
	return term.ReadPassword(fd)
}

// promptPassphrase asks for the passphrase of an encrypted key file.
func promptPassphrase(_ context.Context, path string) ([]byte, error) {
	return readSecret(fmt.Sprintf("Enter passphrase for %s: ", path))
}

// interactiveResolver asks the user how to handle a device name conflict.
func interactiveResolver(_ context.Context, c appsvc.Conflict) (appsvc.ConflictDecision, error) {
	fmt.Fprintf(os.Stderr, "You already have a device named %q for %s.\n", c.DeviceName, c.Username)
	for {
		answer, err := promptLine("[o]verwrite it, [r]ename this device or [a]bort? ")
		if err != nil {
			return appsvc.Abort(), err
		}
		switch strings.ToLower(answer) {
		case "o", "overwrite":
			return appsvc.Overwrite(), nil
		case "r", "rename":
			name, err := promptLine("New device name: ")
			if err != nil {
				return appsvc.Abort(), err
			}
			if name != "" {
				return appsvc.Rename(name), nil
			}
		case "a", "abort", "":
			return appsvc.Abort(), nil
		}
	}
}
