package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCatalog_DefaultsAndIndex(t *testing.T) {
	cat, err := NormalizeCatalog(DefaultCatalog())
	require.NoError(t, err)

	monthly, err := cat.Lookup("prod_monthly")
	require.NoError(t, err)
	assert.Equal(t, "monthly", monthly.Code)
	assert.Equal(t, int64(500), monthly.Recurring())
	assert.Equal(t, "9.99", monthly.Price.String())

	yearly, err := cat.Lookup(" prod_yearly ")
	require.NoError(t, err)
	assert.Equal(t, int64(6000), yearly.Credits)
	assert.Equal(t, int64(500), yearly.Recurring())

	_, err = cat.Lookup("prod_missing")
	assert.ErrorIs(t, err, ErrUnknownProduct)
}

func TestNormalizeCatalog_Rejects(t *testing.T) {
	cases := []struct {
		name string
		cat  Catalog
	}{
		{"empty", Catalog{}},
		{"bad kind", Catalog{Plans: []Plan{{ProductID: "p", Name: "P", Kind: "weekly", Credits: 1}}}},
		{"zero credits", Catalog{Plans: []Plan{{ProductID: "p", Name: "P", Kind: "monthly"}}}},
		{"duplicate", Catalog{Plans: []Plan{
			{ProductID: "p", Name: "A", Kind: "monthly", Credits: 1},
			{ProductID: "p", Name: "B", Kind: "yearly", Credits: 1},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NormalizeCatalog(tc.cat)
			assert.Error(t, err)
		})
	}
}

func TestYearlyRecurringFallsBackToTwelfth(t *testing.T) {
	plan := Plan{Kind: PlanKindYearly, Credits: 1200}
	assert.Equal(t, int64(100), plan.Recurring())
}
