package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/turtacn/keyagent/internal/domain/models"
)

// writeConfig creates a config whose state lives in a temporary directory.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`agent:
  config_dir: %s
  socket_path: %s
log:
  level: error
`, dir, filepath.Join(dir, "agent.sock"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRender(t *testing.T) {
	view := statusView{Device: models.DeviceStatus{Authorized: true, Username: "alice"}, Keys: 2}
	defer func() { outputFormat = "text" }()

	outputFormat = "json"
	var buf bytes.Buffer
	require.NoError(t, render(&buf, view, nil))
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, float64(2), decoded["keys"])

	outputFormat = "yaml"
	buf.Reset()
	require.NoError(t, render(&buf, view, nil))
	var fromYAML statusView
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &fromYAML))
	assert.Equal(t, "alice", fromYAML.Device.Username)

	outputFormat = "text"
	buf.Reset()
	require.NoError(t, render(&buf, view, func(w io.Writer) error {
		_, err := fmt.Fprint(w, "plain")
		return err
	}))
	assert.Equal(t, "plain", buf.String())

	outputFormat = "xml"
	assert.Error(t, render(&buf, view, nil))
}

func TestConnectionsCommands(t *testing.T) {
	cfg := writeConfig(t)

	_, err := runCLI(t, "-c", cfg, "-o", "text", "connections", "add", "prod",
		"--hostname", "prod.example.com", "--username", "deploy", "--alias", "p")
	require.NoError(t, err)

	out, err := runCLI(t, "-c", cfg, "-o", "json", "connections", "list")
	require.NoError(t, err)
	var conns []models.Connection
	require.NoError(t, json.Unmarshal([]byte(out), &conns))
	require.Len(t, conns, 1)
	assert.Equal(t, "prod.example.com", conns[0].Hostname)
	assert.Equal(t, 22, conns[0].Port)

	out, err = runCLI(t, "-c", cfg, "-o", "text", "connections", "show", "p")
	require.NoError(t, err)
	assert.Equal(t, "ssh -p 22 deploy@prod.example.com\n", out)

	_, err = runCLI(t, "-c", cfg, "-o", "text", "connections", "remove", "prod")
	require.NoError(t, err)

	_, err = runCLI(t, "-c", cfg, "-o", "text", "connections", "remove", "prod")
	assert.Error(t, err)
}

func TestStatusWhenNotPaired(t *testing.T) {
	cfg := writeConfig(t)
	out, err := runCLI(t, "-c", cfg, "-o", "json", "status")
	require.NoError(t, err)
	var view statusView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.False(t, view.Device.Authorized)
	assert.False(t, view.Online)
	assert.Zero(t, view.Keys)
}

func TestTeamRequiresConfiguration(t *testing.T) {
	cfg := writeConfig(t)
	_, err := runCLI(t, "-c", cfg, "-o", "text", "team", "policy", "--account", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "team sync is disabled")
}
