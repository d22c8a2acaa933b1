package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/turtacn/keyagent/internal/application"
	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/pkg/errors"
)

func newTeamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "team",
		Short: "Synchronize keys with the key-management domain",
	}
	cmd.PersistentFlags().String("account", "", "account in the key-management domain (default: the paired account)")
	cmd.AddCommand(newTeamVerifyCmd(), newTeamPolicyCmd(), newTeamAuthorizedKeysCmd(), newTeamRotateCmd())
	return cmd
}

// withTeam wires the application, loads the configured key files and resolves the account.
func withTeam(cmd *cobra.Command, fn func(ctx context.Context, a *app, account string) error) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.requireTeam(); err != nil {
			return err
		}
		account, _ := cmd.Flags().GetString("account")
		if account == "" {
			account = a.session.Status().Username
		}
		if account == "" {
			return errors.ErrInvalidRequest("--account is required when the device is not paired")
		}
		a.loadKeyFiles(ctx)
		return fn(ctx, a, account)
	})
}

func newTeamVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Find the local keys the key-management domain accepts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTeam(cmd, func(ctx context.Context, a *app, account string) error {
				records, err := a.team.VerifyAccess(ctx, account)
				if err != nil {
					return err
				}
				infos := make([]models.KeyInfo, 0, len(records))
				for _, r := range records {
					infos = append(infos, r.Info())
				}
				return render(cmd.OutOrStdout(), infos, func(w io.Writer) error {
					if len(infos) == 0 {
						_, err := fmt.Fprintf(w, "No local key is accepted for %s.\n", account)
						return err
					}
					tw := table(w)
					fmt.Fprintln(tw, "NAME\tTYPE\tFINGERPRINT\tFILE")
					for _, info := range infos {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Name, info.Algorithm, info.Fingerprint, info.File)
					}
					return tw.Flush()
				})
			})
		},
	}
}

func newTeamPolicyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "policy",
		Short: "Show the key policy of the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTeam(cmd, func(ctx context.Context, a *app, account string) error {
				if _, err := a.team.VerifyAccess(ctx, account); err != nil {
					return err
				}
				policy, err := a.team.GetPolicy(ctx, account)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), policy, func(w io.Writer) error {
					types, unknown := policy.RequiredKeyTypes()
					fmt.Fprintf(w, "Account:         %s\nEnforced:        %t\nValid for days:  %d\nMinimum RSA:     %d\n",
						account, policy.EnforcePolicy, policy.ValidForDays, policy.MinimumKeySize)
					for _, t := range types {
						fmt.Fprintf(w, "  requires %s\n", t)
					}
					for _, name := range unknown {
						fmt.Fprintf(w, "  requires %s (not supported by this agent)\n", name)
					}
					return nil
				})
			})
		},
	}
}

// authorizedKeyView is the serializable form of a registered key.
type authorizedKeyView struct {
	Name        string     `json:"name" yaml:"name"`
	Fingerprint string     `json:"fingerprint" yaml:"fingerprint"`
	Algorithm   string     `json:"algorithm" yaml:"algorithm"`
	Bits        int        `json:"bits" yaml:"bits"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

func newTeamAuthorizedKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "authorized-keys",
		Short: "List the keys registered for the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTeam(cmd, func(ctx context.Context, a *app, account string) error {
				if _, err := a.team.VerifyAccess(ctx, account); err != nil {
					return err
				}
				keys, err := a.team.GetAuthorizedKeys(ctx, account)
				if err != nil {
					return err
				}
				views := make([]authorizedKeyView, 0, len(keys))
				for _, k := range keys {
					v := authorizedKeyView{
						Name:        k.Name(),
						Fingerprint: k.Fingerprint(),
						Algorithm:   k.PublicKey.Type(),
						Bits:        models.BitLength(k.PublicKey),
					}
					if exp, ok := k.Expiry(); ok {
						v.ExpiresAt = &exp
					}
					views = append(views, v)
				}
				return render(cmd.OutOrStdout(), views, func(w io.Writer) error {
					tw := table(w)
					fmt.Fprintln(tw, "NAME\tTYPE\tBITS\tEXPIRES\tFINGERPRINT")
					for _, v := range views {
						expires := "never"
						if v.ExpiresAt != nil {
							expires = v.ExpiresAt.Local().Format("2006-01-02")
						}
						fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", v.Name, v.Algorithm, v.Bits, expires, v.Fingerprint)
					}
					return tw.Flush()
				})
			})
		},
	}
}

// rotationView reports one planned or applied action.
type rotationView struct {
	Action string `json:"action" yaml:"action"`
	Result string `json:"result,omitempty" yaml:"result,omitempty"`
	NewKey string `json:"new_key,omitempty" yaml:"new_key,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

func newTeamRotateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Generate and register the keys the account policy requires",
		Long: `rotate compares the account policy with the registered keys, then generates
keys for missing types and replaces keys that expire soon or are too weak. Each
action is confirmed before any change unless --yes is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			return withTeam(cmd, func(ctx context.Context, a *app, account string) error {
				if _, err := a.team.VerifyAccess(ctx, account); err != nil {
					return err
				}
				plan, err := a.rotation.Plan(ctx, account)
				if err != nil {
					return err
				}
				for _, name := range plan.UnknownTypes {
					fmt.Fprintf(os.Stderr, "warning: policy requires unsupported key type %s\n", name)
				}
				if plan.Empty() {
					fmt.Fprintln(cmd.OutOrStdout(), "Keys already satisfy the policy.")
					return nil
				}
				if dryRun {
					views := make([]rotationView, 0, len(plan.Actions))
					for _, action := range plan.Actions {
						views = append(views, rotationView{Action: action.Description()})
					}
					return renderRotation(cmd.OutOrStdout(), views)
				}

				var confirm application.ConfirmFunc
				if !yes {
					confirm = func(_ context.Context, action application.RotationAction) (bool, error) {
						return promptYesNo(action.Description()+"?", false)
					}
				}
				results, applyErr := a.rotation.Apply(ctx, plan, confirm)
				views := make([]rotationView, 0, len(results))
				for _, r := range results {
					v := rotationView{Action: r.Action.Description(), Result: r.Result}
					if r.NewKey != nil {
						v.NewKey = r.NewKey.File
					}
					if r.Err != nil {
						v.Error = r.Err.Error()
					}
					views = append(views, v)
				}
				if err := renderRotation(cmd.OutOrStdout(), views); err != nil {
					return err
				}
				return applyErr
			})
		},
	}
	cmd.Flags().BoolP("yes", "y", false, "apply every action without asking")
	cmd.Flags().Bool("dry-run", false, "only show the planned actions")
	return cmd
}

func renderRotation(w io.Writer, views []rotationView) error {
	return render(w, views, func(w io.Writer) error {
		for _, v := range views {
			line := v.Action
			if v.Result != "" {
				line = fmt.Sprintf("%s: %s", v.Result, v.Action)
			}
			if v.NewKey != "" {
				line += " -> " + v.NewKey
			}
			if v.Error != "" {
				line += " (" + v.Error + ")"
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
		return nil
	})
}
