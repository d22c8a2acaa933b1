package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/turtacn/keyagent/internal/config"
	"github.com/turtacn/keyagent/internal/infrastructure/monitoring"
	"github.com/turtacn/keyagent/pkg/logger"
)

var (
	configFile   string
	outputFormat string
	verbose      bool
)

// rootCmd represents the base command when `keyagent` is called without any subcommands.
// rootCmd 代表在没有任何子命令的情况下调用 `keyagent` 时的基本命令。
var rootCmd = &cobra.Command{
	Use:   "keyagent",
	Short: "An SSH key agent backed by a paired device.",
	Long: `keyagent is an SSH agent whose keys live in local files or on a paired
device. Signatures with device keys are approved on the device; the agent can
also keep the keys registered with a key-management domain rotated.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default searches ./, ./configs, ~/.keyagent, /etc/keyagent)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format: text, json or yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		newAuthorizeCmd(),
		newDeauthorizeCmd(),
		newCheckCmd(),
		newRotateTokenCmd(),
		newStatusCmd(),
		newKeysCmd(),
		newTeamCmd(),
		newConnectionsCmd(),
		newServeCmd(),
	)
}

// Execute is the main entry point for the CLI application.
// Execute 是 CLI 应用程序的主入口点。
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and builds the logger.
func loadConfig() (*config.Config, logger.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	log, err := monitoring.NewZapLogger(&cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, log, nil
}

// withApp runs fn against a fully wired application and releases it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
