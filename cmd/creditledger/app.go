package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	diagnosticsrepo "github.com/smallbiznis/creditledger/internal/diagnostics/repository"
	"github.com/smallbiznis/creditledger/internal/idempotency"
	"github.com/smallbiznis/creditledger/internal/kv"
	"github.com/smallbiznis/creditledger/internal/ledger"
	"github.com/smallbiznis/creditledger/internal/migration"
	"github.com/smallbiznis/creditledger/internal/observability"
	"github.com/smallbiznis/creditledger/internal/order"
	"github.com/smallbiznis/creditledger/internal/scheduler"
	"github.com/smallbiznis/creditledger/internal/server"
	"github.com/smallbiznis/creditledger/internal/subscription"
	"github.com/smallbiznis/creditledger/internal/transition"
	"github.com/smallbiznis/creditledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// infrastructure is shared by every command that touches the database.
func infrastructure() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		kv.Module,
	)
}

// domain holds the stores and the transition handlers.
func domain() fx.Option {
	return fx.Options(
		ledger.Module,
		subscription.Module,
		order.Module,
		idempotency.Module,
		transition.Module,
	)
}

func serveOptions() fx.Option {
	return fx.Options(
		infrastructure(),
		migration.Module,
		domain(),
		server.Module,
		scheduler.Module,
	)
}

func apiOptions() fx.Option {
	return fx.Options(
		infrastructure(),
		migration.Module,
		domain(),
		server.Module,
	)
}

func schedulerOptions() fx.Option {
	return fx.Options(
		infrastructure(),
		domain(),
		fx.Provide(diagnosticsrepo.Provide),
		scheduler.Module,
	)
}

func runApp(opts fx.Option) error {
	app := fx.New(opts)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
