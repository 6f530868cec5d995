package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return db, mock
}

func TestNegativeBalancesScopesToAccount(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`(?s)FROM account_profiles.*credit_balance < 0 AND account_id = \$1`).
		WithArgs("acct_1").
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "cached"}).AddRow("acct_1", -40))

	rows, err := Provide().NegativeBalances(context.Background(), db, "acct_1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(-40), rows[0].Cached)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceMismatchesBindsCutoffFirst(t *testing.T) {
	db, mock := newMockDB(t)
	at := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`(?s)expires_at > \$1.*GROUP BY account_id.*LEFT JOIN account_profiles`).
		WithArgs(at).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "cached", "ledger"}).AddRow("acct_2", 500, 0))

	rows, err := Provide().BalanceMismatches(context.Background(), db, "", at)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "acct_2", rows[0].AccountID)
	assert.Equal(t, int64(500), rows[0].Cached)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMissingGrantsExcludesGrantedOrders(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`(?s)FROM orders o.*o.account_id = \$1.*NOT EXISTS.*'fix'`).
		WithArgs("acct_3").
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "external_order_id", "product_id", "subscription_id", "credits"}).
			AddRow("acct_3", "ord_9", "prod_monthly", nil, 500))

	rows, err := Provide().MissingGrants(context.Background(), db, "acct_3", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ord_9", rows[0].ExternalOrderID)
	assert.Nil(t, rows[0].SubscriptionID)
	require.NoError(t, mock.ExpectationsWereMet())
}
