package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	appsvc "github.com/turtacn/keyagent/internal/application/service"
	"github.com/turtacn/keyagent/internal/domain/models"
	api "github.com/turtacn/keyagent/internal/interfaces/http"
	"github.com/turtacn/keyagent/internal/interfaces/http/handlers"
	"github.com/turtacn/keyagent/internal/interfaces/sshagent"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/logger"
	"github.com/turtacn/keyagent/pkg/utils"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the SSH agent",
		Long: `serve listens on the agent socket and offers the local and device keys to
SSH clients. It watches the configured key files, probes the gateway and, when
enabled, exposes the loopback control API. Point SSH_AUTH_SOCK at the socket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return withApp(cmd, serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	log := a.log.WithComponent("Serve")
	ctx = logger.WithRequestID(ctx, "serve")

	loaded := a.loader.LoadAll(ctx)
	log.Info(ctx, "Key files loaded", logger.Int("count", loaded))
	a.loader.OnChange(func(ctx context.Context) {
		a.bus.Publish(ctx, models.NewKeyEvent(constants.KeyEventChanged, a.session.Status().Username))
	})
	a.keys.SetUserVerifier(sshagent.NewAskpassVerifier().Verify)

	socket := sshagent.NewServer(utils.ExpandHome(a.cfg.Agent.SocketPath), a.keys, a.log)
	if err := socket.Listen(); err != nil {
		return err
	}
	log.Info(ctx, "Agent listening", logger.String("socket", socket.Addr()))

	monitor := appsvc.NewLivenessMonitor(a.session, a.keys, a.pairing, a.cfg.Agent.CheckInterval, a.cfg.Agent.DeviceKeyRefresh, a.log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return socket.Serve(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error {
		logEvents(gctx, a.bus, log)
		return nil
	})
	if a.cfg.Agent.WatchKeyFiles {
		g.Go(func() error { return a.loader.Watch(gctx) })
	}
	if a.cfg.API.Enabled {
		router := newAPIRouter(a)
		g.Go(func() error { return router.Start(gctx) })
	}

	err := g.Wait()
	log.Info(context.Background(), "Agent stopped")
	return err
}

func newAPIRouter(a *app) *api.Router {
	checks := map[string]handlers.HealthCheck{
		"database": a.db.Ping,
		"gateway": func(ctx context.Context) error {
			if !a.session.IsAuthorized() {
				return nil
			}
			if !a.keys.Ping(ctx) {
				return errors.ErrGatewayUnavailable("gateway probe failed")
			}
			return nil
		},
	}
	return api.NewRouter(
		&a.cfg.API,
		a.log,
		handlers.NewHealthHandler(checks, a.log),
		handlers.NewAgentHandler(a.session, a.keys, a.pairing, a.lifecycle, a.log),
		a.tracing.Tracer(),
		a.metrics,
		a.registry,
	)
}

// logEvents writes key events to the log until ctx is done.
func logEvents(ctx context.Context, bus *appsvc.EventBus, log logger.Logger) {
	events, cancel := bus.Subscribe(32)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			log.Info(ctx, "Key event", eventFields(event)...)
		}
	}
}

func eventFields(e models.KeyEvent) []logger.Field {
	fields := []logger.Field{logger.String("type", string(e.Type))}
	if e.Account != "" {
		fields = append(fields, logger.String("account", e.Account))
	}
	if e.Fingerprint != "" {
		fields = append(fields, logger.String("fingerprint", e.Fingerprint))
	}
	if e.Name != "" {
		fields = append(fields, logger.String("name", e.Name))
	}
	if e.Result != "" {
		fields = append(fields, logger.String("result", e.Result))
	}
	return fields
}
