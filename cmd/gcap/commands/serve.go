package commands

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lemmego/gcap"
	"github.com/lemmego/gcap/gcaphcl"
	"github.com/lemmego/gcap/gcapjs"
	"github.com/lemmego/gcap/gcapjwt"
	"github.com/lemmego/gcap/gcaprest"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var (
		configFile string
		address    string
		modelPaths []string
		migrate    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a model over REST",
		Long: `Open the configured store, load the model with its script hooks and
serve every service over REST until interrupted.

Without --config everything runs in memory.

Examples:
  gcap serve --config gcap.yaml
  gcap serve --model ./model --address :8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := gcap.DefaultConfig()
			if configFile != "" {
				loaded, err := gcap.LoadConfig(configFile)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if address != "" {
				cfg.Server.Address = address
			}
			if len(modelPaths) > 0 {
				cfg.Model.Paths = modelPaths
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			logger := gcap.NewLogger(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			return serve(ctx, cfg, logger, migrate)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	cmd.Flags().StringVar(&address, "address", "", "Listen address, overrides server.address")
	cmd.Flags().StringSliceVarP(&modelPaths, "model", "m", nil, "Model files or directories, override model.paths")
	cmd.Flags().BoolVar(&migrate, "migrate", true, "Create storage for every entity on start")
	return cmd
}

// buildServer wires the store, model, hooks and REST routes described by cfg
func buildServer(ctx context.Context, cfg gcap.Config, logger *slog.Logger, migrate bool) (*echo.Echo, *gcap.Runtime, error) {
	if len(cfg.Model.Paths) == 0 {
		return nil, nil, gcap.NewFieldError(gcap.ErrorTypeValidation, "model.paths", "no model paths configured")
	}

	model, err := gcaphcl.Load(gcap.ContextWithLogger(ctx, logger), cfg.Model.Paths...)
	if err != nil {
		return nil, nil, err
	}

	adapter, err := gcap.OpenAdapter(cfg.Store)
	if err != nil {
		return nil, nil, err
	}

	rt := gcap.NewRuntime(gcap.NewModelRegistry(), adapter,
		gcap.WithLogger(logger),
		gcap.WithMigration(migrate),
	)
	if err := rt.Use(model.Setup(), gcapjs.Setup(model.Hooks)); err != nil {
		rt.Close()
		return nil, nil, err
	}
	if err := rt.Start(ctx); err != nil {
		rt.Close()
		return nil, nil, err
	}

	opts := []gcaprest.Option{gcaprest.WithLogLevel(cfg.Server.LogLevel)}
	if cfg.Auth.Secret != "" {
		verifier := gcapjwt.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)
		opts = append(opts,
			gcaprest.WithMiddleware(gcapjwt.Middleware(verifier)),
			gcaprest.WithPrincipal(gcapjwt.FromContext),
		)
	} else {
		logger.Warn("No auth secret configured, every caller is anonymous.")
	}
	return gcaprest.NewServer(rt, opts...), rt, nil
}

func serve(ctx context.Context, cfg gcap.Config, logger *slog.Logger, migrate bool) error {
	server, rt, err := buildServer(ctx, cfg, logger, migrate)
	if err != nil {
		return err
	}
	defer rt.Close()

	for _, r := range server.Routes() {
		server.Logger.Debugf("- mount handler: %s %s", r.Method, r.Path)
	}

	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		if err := server.Start(cfg.Server.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ch <- err
		}
	}()
	logger.Info("Server started.", "address", cfg.Server.Address, "driver", cfg.Store.Driver)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down.", "cause", context.Cause(ctx))
	case err := <-ch:
		serveErr = err
	}

	qctx, qcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer qcancel()
	if err := server.Shutdown(qctx); err != nil {
		return errors.Join(serveErr, err)
	}
	return serveErr
}
