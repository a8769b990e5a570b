package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mnehpets/flagdeck/auth"
	"github.com/mnehpets/flagdeck/backend"
	"github.com/mnehpets/flagdeck/config"
	"github.com/mnehpets/flagdeck/console"
	"github.com/mnehpets/flagdeck/endpoint"
	"github.com/mnehpets/flagdeck/middleware"
	"github.com/mnehpets/flagdeck/session"
	"github.com/mnehpets/flagdeck/workspace"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the console HTTP server",
		Long: `Runs the console HTTP server until SIGINT or SIGTERM.

Configuration is read from FLAGDECK_* environment variables. A .env file in
the working directory, or the file named by --env-file, is loaded first;
variables already set in the environment take precedence.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", "", "load environment variables from this file instead of .env")
	return cmd
}

func newLogger(cfg config.Config, w io.Writer) zerolog.Logger {
	if cfg.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(cfg.Level()).With().Timestamp().Logger()
}

// newHandler wires the console: backend client, OAuth provider, handshake
// controller, session processor and routes.
func newHandler(ctx context.Context, cfg config.Config, log zerolog.Logger) (http.Handler, *workspace.Registry, error) {
	client, err := backend.New(cfg.BackendURL, backend.WithTimeout(cfg.BackendTimeout))
	if err != nil {
		return nil, nil, err
	}

	redirect, err := cfg.RedirectURL()
	if err != nil {
		return nil, nil, err
	}
	var provider *auth.Provider
	if cfg.OAuthAuthURL != "" {
		provider, err = auth.NewProvider(cfg.OAuthClientID, cfg.OAuthAuthURL, redirect, cfg.OAuthScopes)
	} else {
		log.Info().Str("issuer", cfg.OAuthIssuer).Msg("discovering authorization endpoint")
		provider, err = auth.DiscoverProvider(ctx, cfg.OAuthIssuer, cfg.OAuthClientID, redirect, cfg.OAuthScopes)
	}
	if err != nil {
		return nil, nil, err
	}

	cookieOpts := []middleware.CookieOption{middleware.WithSecure(cfg.CookieSecure)}
	ctrl, err := auth.NewController(provider, client, cfg.CookieKeyID, cfg.Keys(), auth.WithCookieOptions(cookieOpts...))
	if err != nil {
		return nil, nil, err
	}
	sessions, err := session.NewProcessor(cfg.CookieKeyID, cfg.Keys(), ctrl,
		session.WithCookieOptions(cookieOpts...),
		session.WithProbeInterval(cfg.SessionProbeInterval),
	)
	if err != nil {
		return nil, nil, err
	}

	var headerOpts []middleware.SecurityHeadersOption
	if !cfg.CookieSecure {
		// Plain HTTP deployments (local development) must not pin HTTPS.
		headerOpts = append(headerOpts, middleware.WithoutHSTS())
	}
	processors := []endpoint.Processor{
		middleware.NewRequestLogger(log),
		middleware.NewSecurityHeadersProcessor(headerOpts...),
		sessions,
	}

	registry := workspace.NewRegistry(cfg.WorkspaceIdleTTL)
	authHandler := auth.NewHandler(ctrl, processors...)
	authHandler.OnLogout = registry.Drop

	mux := http.NewServeMux()
	mux.Handle("GET /login", authHandler)
	mux.Handle("POST /logout", authHandler)
	mux.Handle("/", console.New(ctrl, client, registry, processors...))
	return mux, registry, nil
}

// serve runs the server until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, cfg config.Config, logOut io.Writer) error {
	log := newLogger(cfg, logOut)
	ctx = log.WithContext(ctx)

	handler, registry, err := newHandler(ctx, cfg, log)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return registry.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Str("backend", cfg.BackendURL).Msg("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
