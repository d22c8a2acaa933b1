package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/service"
	"github.com/turtacn/keyagent/internal/infrastructure/crypto"
	"github.com/turtacn/keyagent/internal/interfaces/sshagent"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/utils"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the keys of the running agent",
	}
	cmd.AddCommand(newKeysListCmd(), newKeysAddCmd(), newKeysRemoveCmd(), newKeysImportCmd())
	return cmd
}

// withAgent connects to the socket of the running agent.
func withAgent(fn func(client agent.ExtendedAgent) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	path := utils.ExpandHome(cfg.Agent.SocketPath)
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return errors.ErrTransport(path, err)
	}
	defer conn.Close()
	return fn(agent.NewClient(conn))
}

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the keys offered by the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(func(client agent.ExtendedAgent) error {
				keys, err := client.List()
				if err != nil {
					return err
				}
				infos := make([]models.KeyInfo, 0, len(keys))
				for _, k := range keys {
					pub, err := ssh.ParsePublicKey(k.Blob)
					if err != nil {
						continue
					}
					infos = append(infos, models.KeyInfo{
						Name:        k.Comment,
						Fingerprint: ssh.FingerprintSHA256(pub),
						Algorithm:   pub.Type(),
						Bits:        models.BitLength(pub),
						PublicKey:   models.FormatPublicKey(pub, ""),
					})
				}
				return render(cmd.OutOrStdout(), infos, func(w io.Writer) error {
					if len(infos) == 0 {
						_, err := fmt.Fprintln(w, "The agent has no keys.")
						return err
					}
					tw := table(w)
					fmt.Fprintln(tw, "NAME\tTYPE\tBITS\tFINGERPRINT")
					for _, info := range infos {
						fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", info.Name, info.Algorithm, info.Bits, info.Fingerprint)
					}
					return tw.Flush()
				})
			})
		},
	}
}

func newKeysAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add FILE",
		Short: "Add a private key file to the running agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			lifetime, _ := flags.GetDuration("lifetime")
			maxUses, _ := flags.GetInt64("max-uses")
			requireOnline, _ := flags.GetBool("require-online")
			confirm, _ := flags.GetBool("confirm")
			if lifetime < 0 || maxUses < 0 {
				return errors.ErrInvalidRequest("--lifetime and --max-uses must not be negative")
			}

			path := utils.ExpandHome(args[0])
			material, err := readPrivateKey(path)
			if err != nil {
				return err
			}
			added := agent.AddedKey{
				PrivateKey:       material.PrivateKey,
				Comment:          filepath.Base(path),
				LifetimeSecs:     uint32(lifetime / time.Second),
				ConfirmBeforeUse: confirm,
			}
			if maxUses > 0 {
				added.ConstraintExtensions = append(added.ConstraintExtensions, sshagent.MaxUsesExtension(maxUses))
			}
			if requireOnline {
				added.ConstraintExtensions = append(added.ConstraintExtensions, sshagent.RequireOnlineExtension())
			}
			return withAgent(func(client agent.ExtendedAgent) error {
				if err := client.Add(added); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", added.Comment, ssh.FingerprintSHA256(material.PublicKey()))
				return nil
			})
		},
	}
	cmd.Flags().Duration("lifetime", 0, "remove the key after this long (e.g. 1h)")
	cmd.Flags().Int64("max-uses", 0, "remove the key after this many signatures")
	cmd.Flags().Bool("require-online", false, "refuse to sign while the gateway is unreachable")
	cmd.Flags().Bool("confirm", false, "ask for confirmation before every signature")
	return cmd
}

func newKeysRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove [FINGERPRINT|PUBLIC_KEY_FILE]",
		Short: "Remove a key from the running agent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if all == (len(args) == 1) {
				return errors.ErrInvalidRequest("pass either a key or --all")
			}
			return withAgent(func(client agent.ExtendedAgent) error {
				if all {
					if err := client.RemoveAll(); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "Removed all keys")
					return nil
				}
				pub, err := resolveAgentKey(client, args[0])
				if err != nil {
					return err
				}
				if err := client.Remove(pub); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", ssh.FingerprintSHA256(pub))
				return nil
			})
		},
	}
	cmd.Flags().Bool("all", false, "remove every key")
	return cmd
}

func newKeysImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Upload a private key to the paired device",
		Long: `import moves a local private key onto the paired device, after which
signatures with it are approved on the device. The key travels encrypted under a
single-use passphrase.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				record, err := a.loader.LoadFile(ctx, utils.ExpandHome(args[0]))
				if err != nil {
					return err
				}
				if err := a.keys.ImportToDevice(ctx, record.PublicKey, name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %s to device %q\n", record.Fingerprint(), a.session.Status().DeviceName)
				return nil
			})
		},
	}
	cmd.Flags().String("name", "", "name of the key on the device (default: file name)")
	return cmd
}

// readPrivateKey parses a key file, prompting for its passphrase when encrypted.
func readPrivateKey(path string) (*service.KeyMaterial, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	material, err := crypto.ParsePrivateKey(pemBytes, nil)
	if err != nil && crypto.IsPassphraseMissing(err) {
		var pass []byte
		if pass, err = promptPassphrase(context.Background(), path); err == nil {
			material, err = crypto.ParsePrivateKey(pemBytes, pass)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse key file %s: %w", path, err)
	}
	return material, nil
}

// resolveAgentKey accepts a SHA256 fingerprint or a public key file.
func resolveAgentKey(client agent.ExtendedAgent, arg string) (ssh.PublicKey, error) {
	if strings.HasPrefix(arg, "SHA256:") {
		keys, err := client.List()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			pub, err := ssh.ParsePublicKey(k.Blob)
			if err == nil && ssh.FingerprintSHA256(pub) == arg {
				return pub, nil
			}
		}
		return nil, errors.ErrKeyNotFound(arg)
	}
	data, err := os.ReadFile(utils.ExpandHome(arg))
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, errors.ErrInvalidRequest(fmt.Sprintf("%s is not a public key: %v", arg, err))
	}
	return pub, nil
}

