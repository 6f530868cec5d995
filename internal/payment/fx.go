package payment

import (
	"github.com/smallbiznis/creditledger/internal/payment/adapters/creem"
	"github.com/smallbiznis/creditledger/internal/payment/repository"
	paymentservice "github.com/smallbiznis/creditledger/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(creem.Provide),
	fx.Provide(paymentservice.NewService),
)
