// Package dbtest opens throwaway SQLite databases carrying the ledger schema.
package dbtest

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const schema = `
CREATE TABLE account_profiles (
	account_id      TEXT PRIMARY KEY,
	credit_balance  INTEGER NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE TABLE credit_transactions (
	id                  INTEGER PRIMARY KEY,
	account_id          TEXT NOT NULL,
	type                TEXT NOT NULL,
	transaction_number  TEXT NOT NULL,
	order_ref           TEXT,
	amount              INTEGER NOT NULL,
	expires_at          DATETIME,
	task_id             TEXT,
	event_type          TEXT,
	subscription_id     INTEGER,
	metadata            TEXT NOT NULL DEFAULT '{}',
	created_at          DATETIME NOT NULL
);
CREATE UNIQUE INDEX ux_credit_transactions_number ON credit_transactions (transaction_number);
CREATE UNIQUE INDEX ux_credit_transactions_account_task ON credit_transactions (account_id, task_id) WHERE task_id IS NOT NULL;

CREATE TABLE subscriptions (
	id               INTEGER PRIMARY KEY,
	account_id       TEXT NOT NULL,
	plan             TEXT NOT NULL,
	product_id       TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	start_at         DATETIME NOT NULL,
	end_at           DATETIME NOT NULL,
	external_id      TEXT NOT NULL,
	credits          INTEGER NOT NULL DEFAULT 0,
	grant_schedule   TEXT NOT NULL DEFAULT 'upfront',
	last_granted_at  DATETIME,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);
CREATE UNIQUE INDEX ux_subscriptions_account_external ON subscriptions (account_id, external_id);

CREATE TABLE orders (
	id                 INTEGER PRIMARY KEY,
	account_id         TEXT NOT NULL,
	external_order_id  TEXT NOT NULL,
	product_id         TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'completed',
	checkout_id        TEXT,
	subscription_id    INTEGER,
	credits            INTEGER NOT NULL DEFAULT 0,
	amount             TEXT,
	currency           TEXT,
	paid_at            DATETIME NOT NULL,
	created_at         DATETIME NOT NULL
);
CREATE UNIQUE INDEX ux_orders_account_external ON orders (account_id, external_order_id);

CREATE TABLE webhook_events (
	id                 INTEGER PRIMARY KEY,
	event_type         TEXT NOT NULL,
	account_id         TEXT,
	product_id         TEXT,
	external_order_id  TEXT,
	payload            TEXT NOT NULL,
	outcome            TEXT NOT NULL DEFAULT 'received',
	error              TEXT,
	received_at        DATETIME NOT NULL,
	processed_at       DATETIME
);
`

// Open returns a file-backed SQLite database with the schema applied. A
// single connection keeps concurrent test goroutines on one writer.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return db
}

func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}
