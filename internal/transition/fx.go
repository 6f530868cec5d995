package transition

import (
	"github.com/smallbiznis/creditledger/internal/transition/service"
	"go.uber.org/fx"
)

var Module = fx.Module("transition.service",
	fx.Provide(service.NewService),
)
