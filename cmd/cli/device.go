package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/turtacn/keyagent/internal/application/dto"
	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/utils"
)

func newAuthorizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authorize USERNAME",
		Short: "Pair this workstation with the device of USERNAME",
		Long: `authorize asks the gateway to pair this workstation as a device of USERNAME.
The request is approved on the paired device. Pairing again with the same account
and gateway extends the existing token chain.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				req, err := pairRequestFromFlags(cmd, a, args[0])
				if err != nil {
					return err
				}
				if err := utils.ValidateStruct(req); err != nil {
					return err
				}
				resp, err := a.pairing.Pair(ctx, req, interactiveResolver)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), resp, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Authorized %s as device %q of %s\n", resp.Hostname, resp.DeviceName, resp.Username)
					return err
				})
			})
		},
	}
	cmd.Flags().String("device-name", "", "device name shown on the gateway (default: hostname)")
	cmd.Flags().String("gateway", "", "gateway hostname (default: gateway.hostname)")
	cmd.Flags().Int("port", 0, "gateway port (default: gateway.port)")
	cmd.Flags().Bool("strict-tls", false, "verify the gateway certificate")
	cmd.Flags().Bool("overwrite", false, "replace an existing device of the same name")
	cmd.Flags().Bool("silent", false, "fail on a name conflict instead of prompting")
	return cmd
}

func pairRequestFromFlags(cmd *cobra.Command, a *app, username string) (*dto.PairRequest, error) {
	flags := cmd.Flags()
	deviceName, _ := flags.GetString("device-name")
	if deviceName == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, errors.ErrInvalidRequest("--device-name is required: " + err.Error())
		}
		deviceName = host
	}
	hostname, _ := flags.GetString("gateway")
	if hostname == "" {
		hostname = a.cfg.Gateway.Hostname
	}
	port, _ := flags.GetInt("port")
	if port == 0 {
		port = a.cfg.Gateway.Port
	}
	strict := a.cfg.Gateway.StrictTLS
	if flags.Changed("strict-tls") {
		strict, _ = flags.GetBool("strict-tls")
	}
	overwrite, _ := flags.GetBool("overwrite")
	silent, _ := flags.GetBool("silent")
	return &dto.PairRequest{
		Username:   username,
		DeviceName: deviceName,
		Hostname:   hostname,
		Port:       port,
		StrictTLS:  strict,
		Overwrite:  overwrite,
		Silent:     silent,
	}, nil
}

func newDeauthorizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deauthorize",
		Short: "Revoke the device token and forget the pairing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.pairing.Deauthorize(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Device deauthorized")
				return nil
			})
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Ask the gateway whether the device token is still accepted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				valid, err := a.pairing.Check(ctx)
				resp := dto.CheckResponse{Valid: valid, Online: err == nil || !errors.IsTransport(err)}
				if err != nil {
					if !errors.IsTransport(err) {
						return err
					}
					resp.Message = err.Error()
				}
				if rerr := render(cmd.OutOrStdout(), resp, func(w io.Writer) error {
					switch {
					case !resp.Online:
						_, err := fmt.Fprintf(w, "Gateway unreachable: %s\n", resp.Message)
						return err
					case resp.Valid:
						_, err := fmt.Fprintln(w, "Token is valid")
						return err
					default:
						_, err := fmt.Fprintln(w, "Token was rejected; run authorize again")
						return err
					}
				}); rerr != nil {
					return rerr
				}
				if !resp.Valid {
					return errors.ErrDeviceNotAuthorized("token is not valid")
				}
				return nil
			})
		},
	}
}

func newRotateTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-token",
		Short: "Replace the device key and extend the token chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				resp, err := a.pairing.Rotate(ctx)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), resp, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Rotated device key of %q\n%s\n", resp.DeviceName, resp.PublicKey)
					return err
				})
			})
		},
	}
}

// statusView is the combined pairing and gateway state.
type statusView struct {
	Device models.DeviceStatus `json:"device" yaml:"device"`
	Online bool                `json:"online" yaml:"online"`
	Keys   int                 `json:"keys" yaml:"keys"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the pairing state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				a.loadKeyFiles(ctx)
				view := statusView{Device: a.session.Status()}
				if view.Device.Authorized {
					view.Online = a.keys.Ping(ctx)
				}
				view.Keys = len(a.keys.ListKeys(ctx))
				return render(cmd.OutOrStdout(), view, func(w io.Writer) error {
					if !view.Device.Authorized {
						_, err := fmt.Fprintf(w, "Not paired\nKeys:    %d\n", view.Keys)
						return err
					}
					online := "offline"
					if view.Online {
						online = "online"
					}
					_, err := fmt.Fprintf(w, "Account: %s\nDevice:  %s\nGateway: %s:%d (%s)\nPaired:  %s\nKeys:    %d\n",
						view.Device.Username, view.Device.DeviceName, view.Device.Hostname, view.Device.Port,
						online, view.Device.AuthorizedAt.Local().Format("2006-01-02 15:04"), view.Keys)
					return err
				})
			})
		},
	}
}
