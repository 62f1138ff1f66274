// Command sterility-garden runs the sterilization failure tracking service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bissquit/sterility-garden/internal/app"
	"github.com/bissquit/sterility-garden/internal/config"
	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/bissquit/sterility-garden/internal/identity"
	"github.com/bissquit/sterility-garden/internal/version"
	"github.com/bissquit/sterility-garden/migrations"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sterility-garden",
		Short:         "Sterility Garden - biological indicator failure tracking",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("APP_CONFIG"), "path to YAML config file")

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newSweepCmd(),
		newTokenCmd(),
		newVersionCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, notification worker and change feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run()
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if shutdownErr := application.Shutdown(shutdownCtx); shutdownErr != nil {
		err = errors.Join(err, shutdownErr)
	}
	return err
}

func newMigrateCmd() *cobra.Command {
	var databaseURL string

	resolveURL := func() (string, error) {
		if databaseURL != "" {
			return databaseURL, nil
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return "", err
		}
		return cfg.Database.URL, nil
	}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "database URL, overrides the config")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := resolveURL()
			if err != nil {
				return err
			}
			if err := migrations.Up(url); err != nil {
				return err
			}
			return printVersion(cmd, url)
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := resolveURL()
			if err != nil {
				return err
			}
			if err := migrations.Down(url, steps); err != nil {
				return err
			}
			return printVersion(cmd, url)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back, 0 rolls back all")

	status := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := resolveURL()
			if err != nil {
				return err
			}
			return printVersion(cmd, url)
		},
	}

	cmd.AddCommand(up, down, status)
	return cmd
}

func printVersion(cmd *cobra.Command, databaseURL string) error {
	v, dirty, err := migrations.Version(databaseURL)
	if err != nil {
		return err
	}
	cmd.Printf("schema version %d (dirty: %t)\n", v, dirty)
	return nil
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Deliver due notifications and email alerts once, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			application, err := app.New(cfg)
			if err != nil {
				return err
			}

			result, sweepErr := application.Sweep(cmd.Context())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := application.Shutdown(shutdownCtx); err != nil {
				sweepErr = errors.Join(sweepErr, err)
			}
			if sweepErr != nil {
				return sweepErr
			}

			cmd.Printf("recovered=%d messages=%d email_alerts=%d failed=%d\n",
				result.Recovered, result.Messages, result.EmailAlerts, result.Failed)
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		subject    string
		facilityID string
		role       string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the configured secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			auth, err := identity.NewAuthenticator(identity.Config{
				SecretKey: cfg.JWT.SecretKey,
				Issuer:    cfg.JWT.Issuer,
			})
			if err != nil {
				return err
			}

			token, err := auth.IssueToken(domain.Operator{
				ID:         subject,
				FacilityID: facilityID,
				Role:       domain.Role(role),
			}, ttl)
			if err != nil {
				return err
			}

			cmd.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "sub", "", "operator id")
	cmd.Flags().StringVar(&facilityID, "facility", "", "facility id")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleOperator), "role: user, operator or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	_ = cmd.MarkFlagRequired("facility")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version.Info().String())
		},
	}
}
