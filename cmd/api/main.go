package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"loyalty-engine/internal/app"
	"loyalty-engine/internal/config"
	"loyalty-engine/internal/logger"
	"loyalty-engine/internal/validation"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "loyalty",
		Short:         "Frequent-buyer loyalty engine",
		Long:          `Loyalty tracks qualifying POS purchases per customer, grants rewards when an offer's threshold is reached and records their redemption.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (YAML or JSON)")

	rootCmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newCatchupCommand(),
		newExpireCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// setup loads config, installs the process logger and builds the app.
func setup(ctx context.Context) (*app.App, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logger.Init(cfg.Logger); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return app.New(ctx, cfg, logger.Get())
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			cfg := a.Config
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := a.Close(closeCtx); err != nil {
					a.Logger.Error("error releasing resources", "error", err)
				}
			}()

			server := &http.Server{
				Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
				Handler:           a.Router(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				WriteTimeout:      60 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.Logger.Info("starting HTTP server",
					"addr", server.Addr,
					"database", cfg.Database.Driver,
					"rate_limit", cfg.RateLimit.Rate,
					"rate_window_s", cfg.RateLimit.Window,
					"merchants", len(a.Merchants()),
				)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			a.Logger.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			a.Logger.Info("server exited gracefully")
			return nil
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			version, err := a.DB.MigrationVersion(ctx)
			if err != nil {
				return err
			}
			a.Logger.Info("database schema up to date", "version", version)
			return nil
		},
	}
}

func newCatchupCommand() *cobra.Command {
	var (
		merchants []string
		since     string
		until     string
		lookback  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "catchup",
		Short: "Process completed orders the webhook path missed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			end := time.Now().UTC()
			if until != "" {
				if end, err = validation.ValidateTimeString("until", until); err != nil {
					return err
				}
			}
			if lookback <= 0 {
				lookback = a.Config.Catchup.Lookback
			}
			start := end.Add(-lookback)
			if since != "" {
				if start, err = validation.ValidateTimeString("since", since); err != nil {
					return err
				}
			}

			if len(merchants) == 0 {
				merchants = a.Merchants()
			}
			if len(merchants) == 0 {
				return errors.New("no merchants configured; set square.merchants or pass --merchant")
			}

			results, err := a.Service.CatchupAll(ctx, merchants, start, end)
			for _, r := range results {
				a.Logger.Info("catchup result",
					"merchant_id", r.MerchantID,
					"scanned", r.Scanned,
					"skipped", r.Skipped,
					"processed", r.Processed,
					"failed", r.Failed,
					"error", r.Error,
				)
			}
			a.Events.Wait()
			return err
		},
	}

	cmd.Flags().StringSliceVarP(&merchants, "merchant", "m", nil, "Merchant ids to sweep (default: every configured merchant)")
	cmd.Flags().StringVar(&since, "since", "", "Window start, RFC3339 (default: until minus lookback)")
	cmd.Flags().StringVar(&until, "until", "", "Window end, RFC3339 (default: now)")
	cmd.Flags().DurationVar(&lookback, "lookback", 0, "Window length when --since is not given (default: catchup.lookback)")

	return cmd
}

func newExpireCommand() *cobra.Command {
	var merchants []string

	cmd := &cobra.Command{
		Use:   "expire-rewards",
		Short: "Expire earned rewards past their expiry date",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if len(merchants) == 0 {
				merchants = a.Merchants()
			}

			var errs []error
			for _, m := range merchants {
				res, err := a.Service.ExpireRewards(ctx, m)
				if err != nil {
					a.Logger.Error("reward expiry failed", "merchant_id", m, "error", err)
					errs = append(errs, fmt.Errorf("merchant %s: %w", m, err))
					continue
				}
				a.Logger.Info("rewards expired", "merchant_id", m, "count", res.ExpiredCount)
			}
			a.Events.Wait()
			return errors.Join(errs...)
		},
	}

	cmd.Flags().StringSliceVarP(&merchants, "merchant", "m", nil, "Merchant ids to sweep (default: every configured merchant)")

	return cmd
}
