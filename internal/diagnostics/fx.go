package diagnostics

import (
	"github.com/smallbiznis/creditledger/internal/diagnostics/repository"
	"github.com/smallbiznis/creditledger/internal/diagnostics/service"
	"go.uber.org/fx"
)

var Module = fx.Module("diagnostics.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
