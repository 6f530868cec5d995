package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	PlanKindMonthly = "monthly"
	PlanKindYearly  = "yearly"
	PlanKindOnetime = "onetime"
)

var ErrUnknownProduct = errors.New("unknown_product")

// Plan is a purchasable credit tier keyed by the processor product id.
type Plan struct {
	ProductID      string          `mapstructure:"product_id" validate:"required"`
	Code           string          `mapstructure:"code"`
	Name           string          `mapstructure:"name" validate:"required"`
	Kind           string          `mapstructure:"kind" validate:"required,oneof=monthly yearly onetime"`
	Credits        int64           `mapstructure:"credits" validate:"gt=0"`
	MonthlyCredits int64           `mapstructure:"monthly_credits" validate:"gte=0"`
	PriceRaw       string          `mapstructure:"price" validate:"omitempty,numeric"`
	Currency       string          `mapstructure:"currency" validate:"omitempty,len=3"`
	Price          decimal.Decimal `mapstructure:"-"`
}

// Recurring returns the monthly slice granted by renewals and distributions.
func (p Plan) Recurring() int64 {
	if p.MonthlyCredits > 0 {
		return p.MonthlyCredits
	}
	if p.Kind == PlanKindYearly {
		return p.Credits / 12
	}
	return p.Credits
}

type Catalog struct {
	Plans []Plan `mapstructure:"plans" validate:"required,min=1,dive"`

	byProduct map[string]Plan
}

// Lookup resolves a processor product id to its plan.
func (c Catalog) Lookup(productID string) (Plan, error) {
	plan, ok := c.byProduct[strings.TrimSpace(productID)]
	if !ok {
		return Plan{}, ErrUnknownProduct
	}
	return plan, nil
}

// FirstOfKind returns the first configured plan of the given kind.
func (c Catalog) FirstOfKind(kind string) (Plan, bool) {
	for _, plan := range c.Plans {
		if plan.Kind == kind {
			return plan, true
		}
	}
	return Plan{}, false
}

func DefaultCatalog() Catalog {
	return Catalog{
		Plans: []Plan{
			{ProductID: "prod_monthly", Name: "Monthly", Kind: PlanKindMonthly, Credits: 500, MonthlyCredits: 500, PriceRaw: "9.99", Currency: "USD"},
			{ProductID: "prod_yearly", Name: "Yearly", Kind: PlanKindYearly, Credits: 6000, MonthlyCredits: 500, PriceRaw: "99.00", Currency: "USD"},
			{ProductID: "prod_onetime", Name: "Credit Pack", Kind: PlanKindOnetime, Credits: 1000, PriceRaw: "14.99", Currency: "USD"},
		},
	}
}

var validate = validator.New()

// NormalizeCatalog validates the catalog and builds its product index.
func NormalizeCatalog(cat Catalog) (Catalog, error) {
	if err := validate.Struct(cat); err != nil {
		return Catalog{}, fmt.Errorf("plans: %w", err)
	}
	index := make(map[string]Plan, len(cat.Plans))
	plans := make([]Plan, 0, len(cat.Plans))
	for _, plan := range cat.Plans {
		plan.ProductID = strings.TrimSpace(plan.ProductID)
		if _, dup := index[plan.ProductID]; dup {
			return Catalog{}, fmt.Errorf("plans: duplicate product_id %q", plan.ProductID)
		}
		if strings.TrimSpace(plan.Code) == "" {
			plan.Code = slug.Make(plan.Name)
		} else {
			plan.Code = slug.Make(plan.Code)
		}
		if plan.PriceRaw != "" {
			price, err := decimal.NewFromString(plan.PriceRaw)
			if err != nil {
				return Catalog{}, fmt.Errorf("plans: price for %q: %w", plan.ProductID, err)
			}
			plan.Price = price
		}
		plan.Currency = strings.ToUpper(strings.TrimSpace(plan.Currency))
		index[plan.ProductID] = plan
		plans = append(plans, plan)
	}
	cat.Plans = plans
	cat.byProduct = index
	return cat, nil
}

type CatalogHolder struct {
	current atomic.Value // holds Catalog
}

// NewStaticCatalogHolder wraps a fixed catalog, used by tests and tools.
func NewStaticCatalogHolder(cat Catalog) (*CatalogHolder, error) {
	normalized, err := NormalizeCatalog(cat)
	if err != nil {
		return nil, err
	}
	holder := &CatalogHolder{}
	holder.current.Store(normalized)
	return holder, nil
}

func NewCatalogHolder(log *zap.Logger) (*CatalogHolder, error) {
	log = log.Named("config.catalog")
	v := viper.New()

	v.SetConfigName("plans")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/creditledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CREDITLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Info("plans file not found, using default catalog")
		return NewStaticCatalogHolder(DefaultCatalog())
	}

	var cat Catalog
	if err := v.Unmarshal(&cat); err != nil {
		return nil, err
	}
	normalized, err := NormalizeCatalog(cat)
	if err != nil {
		return nil, err
	}

	holder := &CatalogHolder{}
	holder.current.Store(normalized)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Catalog
		if err := v.Unmarshal(&updated); err != nil {
			log.Warn("catalog.reload.failed", zap.Error(err))
			return
		}
		normalized, err := NormalizeCatalog(updated)
		if err != nil {
			log.Warn("catalog.reload.invalid", zap.Error(err))
			return
		}
		holder.current.Store(normalized)
		log.Info("catalog.reloaded", zap.String("file", e.Name), zap.Int("plans", len(normalized.Plans)))
	})

	return holder, nil
}

func (h *CatalogHolder) Get() Catalog {
	return h.current.Load().(Catalog)
}
