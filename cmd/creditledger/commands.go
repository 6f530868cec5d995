package main

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/creditledger/internal/authorization"
	diagnosticsrepo "github.com/smallbiznis/creditledger/internal/diagnostics/repository"
	"github.com/smallbiznis/creditledger/internal/migration"
	"github.com/smallbiznis/creditledger/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const oneShotTimeout = 5 * time.Minute

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		var conn *gorm.DB
		return runOnce(cmd.Context(), fx.Options(infrastructure(), fx.Populate(&conn)), func(ctx context.Context) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return migration.RunMigrations(sqlDB)
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single scheduler pass and exit",
	Long:  "Runs every enabled sweep once. Cloud deployments trigger this from an external cron instead of the in-process loop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		var sched *scheduler.Scheduler
		opts := fx.Options(
			infrastructure(),
			domain(),
			fx.Provide(diagnosticsrepo.Provide),
			scheduler.Providers,
			fx.Populate(&sched),
		)
		return runOnce(cmd.Context(), opts, func(ctx context.Context) error {
			return sched.RunOnce(ctx)
		})
	},
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <operator-key>",
	Short: "Print the argon2id hash of an operator key for OPERATOR_KEYS",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := authorization.HashKey(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

// runOnce starts the graph, runs fn and stops the graph again.
func runOnce(parent context.Context, opts fx.Option, fn func(context.Context) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, oneShotTimeout)
	defer cancel()

	app := fx.New(opts)
	if err := app.Start(ctx); err != nil {
		return err
	}
	runErr := fn(ctx)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}
