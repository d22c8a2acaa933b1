package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/turtacn/keyagent/internal/domain/models"
)

func newConnectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connections",
		Aliases: []string{"conn"},
		Short:   "Manage saved SSH connections",
	}
	cmd.AddCommand(newConnectionsListCmd(), newConnectionsShowCmd(), newConnectionsAddCmd(), newConnectionsRemoveCmd())
	return cmd
}

func newConnectionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				conns, err := a.connections.List(ctx)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), conns, func(w io.Writer) error {
					tw := table(w)
					fmt.Fprintln(tw, "NAME\tDESTINATION\tALIASES")
					for _, c := range conns {
						fmt.Fprintf(tw, "%s\t%s@%s:%d\t%s\n", c.Name, c.Username, c.Hostname, c.Port, strings.Join(c.AliasList(), ","))
					}
					return tw.Flush()
				})
			})
		},
	}
}

func newConnectionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME|ALIAS",
		Short: "Show a saved connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				conn, err := a.connections.Find(ctx, args[0])
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), conn, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "ssh -p %d %s@%s\n", conn.Port, conn.Username, conn.Hostname)
					return err
				})
			})
		},
	}
}

func newConnectionsAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Save or update a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			hostname, _ := flags.GetString("hostname")
			port, _ := flags.GetInt("port")
			username, _ := flags.GetString("username")
			aliases, _ := flags.GetStringSlice("alias")
			conn := &models.Connection{
				Name:     args[0],
				Hostname: hostname,
				Port:     port,
				Username: username,
				Aliases:  strings.Join(aliases, ","),
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if existing, err := a.connections.Get(ctx, conn.Name); err == nil {
					conn.CreatedAt = existing.CreatedAt
				}
				if err := a.connections.Save(ctx, conn); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", conn.Name)
				return nil
			})
		},
	}
	cmd.Flags().String("hostname", "", "destination host")
	cmd.Flags().IntP("port", "p", 22, "destination port")
	cmd.Flags().StringP("username", "u", "", "login name")
	cmd.Flags().StringSlice("alias", nil, "additional names for the connection")
	_ = cmd.MarkFlagRequired("hostname")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newConnectionsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Delete a saved connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.connections.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
				return nil
			})
		},
	}
}
