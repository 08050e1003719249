package main

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookingcore/internal/audit"
	"github.com/smallbiznis/bookingcore/internal/authorization"
	"github.com/smallbiznis/bookingcore/internal/booking"
	"github.com/smallbiznis/bookingcore/internal/clock"
	"github.com/smallbiznis/bookingcore/internal/config"
	"github.com/smallbiznis/bookingcore/internal/ledger"
	"github.com/smallbiznis/bookingcore/internal/lock"
	"github.com/smallbiznis/bookingcore/internal/migration"
	"github.com/smallbiznis/bookingcore/internal/notification"
	"github.com/smallbiznis/bookingcore/internal/observability"
	"github.com/smallbiznis/bookingcore/internal/ratelimit"
	"github.com/smallbiznis/bookingcore/internal/reconciliation"
	"github.com/smallbiznis/bookingcore/internal/refund"
	"github.com/smallbiznis/bookingcore/internal/scheduler"
	"github.com/smallbiznis/bookingcore/internal/server"
	"github.com/smallbiznis/bookingcore/pkg/db"
	"github.com/smallbiznis/bookingcore/pkg/redisclient"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().Duration("timeout", time.Minute, "Maximum time to wait for migrations")
}

var rootCmd = &cobra.Command{
	Use:           "bookingcore",
	Short:         "Booking lifecycle, refunds and credit ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API. Migrations are applied on startup and the
process runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fx.New(
			infrastructure(),
			domains(),
			ratelimit.Module,
			server.Module,
		).Run()
		return nil
	},
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the reconciliation and credit expiry sweeps",
	Long: `Run the background sweeps without the HTTP API. When redis is
configured only one replica sweeps at a time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fx.New(
			infrastructure(),
			domains(),
			scheduler.Module,
		).Run()
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		app := fx.New(
			config.Module,
			observability.Module,
			db.Module,
			migration.Module,
		)
		if err := app.Err(); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		if err := app.Start(ctx); err != nil {
			return err
		}
		return app.Stop(ctx)
	},
}

func infrastructure() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(provideSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		redisclient.Module,
		lock.Module,
	)
}

func domains() fx.Option {
	return fx.Options(
		audit.Module,
		authorization.Module,
		ledger.Module,
		reconciliation.Module,
		refund.Module,
		notification.Module,
		booking.Module,
	)
}

func provideSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
