package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"licensed/internal/guard"
	"licensed/internal/infrastructure"
	"licensed/internal/license"
)

func newGuardCmd(o *options) *cobra.Command {
	var (
		identity string
		key      string
		listen   string
		window   time.Duration
		once     bool
	)

	cmd := &cobra.Command{
		Use:   "guard",
		Short: "Keep a client license validated against the server",
		Long: `Revalidates the configured key or identity once per window. With --listen the
guard state is served over HTTP; GET /authorized answers 204 only while the
license is validated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.config()
			if err != nil {
				return err
			}
			gc := cfg.Guard
			if identity != "" {
				gc.Identity = identity
			}
			if key != "" {
				gc.Key = license.NormalizeKey(key)
			}
			if window > 0 {
				gc.Window = window
			}

			logger, err := infrastructure.NewLogger(cfg.Logging)
			if err != nil {
				return err
			}

			var signer *license.Signer
			if cfg.Security.SigningSecret != "" {
				if signer, err = license.NewSigner(cfg.Security.SigningSecret); err != nil {
					return err
				}
			}

			g, err := guard.New(guard.NewHTTPChecker(gc.ServerURL, nil), guard.Config{
				Identity: gc.Identity,
				Key:      gc.Key,
				Window:   gc.Window,
				Timeout:  gc.RequestTimeout,
				Signer:   signer,
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			if once {
				if err := g.Revalidate(cmd.Context()); err != nil {
					return fmt.Errorf("license not validated: %w", err)
				}
				st := g.State()
				fmt.Fprintf(cmd.OutOrStdout(), "License %s valid until %s\n",
					st.Grant.Key, formatTime(st.Grant.ExpiresTime()))
				return nil
			}

			g.OnChange(func(s guard.State) {
				logger.Info("license state changed",
					slog.Bool("validated", s.Validated),
					slog.String("last_error", s.LastError))
			})
			return runGuard(cmd.Context(), g, listen, logger)
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "buyer identity (default from guard.identity)")
	cmd.Flags().StringVar(&key, "key", "", "license key; without it the identity is checked")
	cmd.Flags().StringVar(&listen, "listen", "", "serve the guard state on this address, e.g. 127.0.0.1:3851")
	cmd.Flags().DurationVar(&window, "window", 0, "revalidation window (default from guard.window)")
	cmd.Flags().BoolVar(&once, "once", false, "validate once and exit non-zero on failure")
	return cmd
}

func runGuard(ctx context.Context, g *guard.Guard, listen string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := g.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if listen != "" {
		srv := &http.Server{
			Addr:              listen,
			Handler:           guard.NewSidecar(g, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		eg.Go(func() error {
			logger.Info("guard sidecar listening", slog.String("address", listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := eg.Wait()
	g.Stop()
	return err
}
