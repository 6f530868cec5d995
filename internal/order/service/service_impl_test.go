package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/dbtest"
	orderdomain "github.com/smallbiznis/creditledger/internal/order/domain"
	"github.com/smallbiznis/creditledger/internal/order/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCreateAndLookup(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    dbtest.Open(t),
		Log:   zaptest.NewLogger(t),
		GenID: dbtest.Node(t),
		Clock: clk,
		Repo:  repository.Provide(),
	})

	price := decimal.RequireFromString("9.99")
	order, created, err := svc.Create(ctx, orderdomain.CreateRequest{
		AccountID:       "acct_1",
		ExternalOrderID: "ord_1",
		ProductID:       "prod_monthly",
		CheckoutID:      "ch_1",
		Credits:         500,
		Amount:          &price,
		Currency:        "usd",
	})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "USD", *order.Currency)

	_, created, err = svc.Create(ctx, orderdomain.CreateRequest{
		AccountID:       "acct_1",
		ExternalOrderID: "ord_1",
		ProductID:       "prod_monthly",
	})
	require.NoError(t, err)
	require.False(t, created, "order ids are unique per account")

	found, err := svc.FindCompleted(ctx, "acct_1", "ord_1")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.True(t, found.Amount.Valid)
	require.True(t, found.Amount.Decimal.Equal(price))

	byCheckout, err := svc.FindCompletedByCheckout(ctx, "acct_1", "ch_1")
	require.NoError(t, err)
	require.NotNil(t, byCheckout)
	require.Equal(t, order.ID, byCheckout.ID)

	other, err := svc.FindCompleted(ctx, "acct_2", "ord_1")
	require.NoError(t, err)
	require.Nil(t, other)

	_, _, err = svc.Create(ctx, orderdomain.CreateRequest{AccountID: "acct_1", ProductID: "p"})
	require.ErrorIs(t, err, orderdomain.ErrInvalidOrderID)
}
