//go:build integration

// Тесты против настоящего PostgreSQL.
// Run with: go test -tags=integration ./internal/repository/...
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"tradetracker/internal/models"
)

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// setupTestDB подключается к тестовой БД и создает схему; без БД тест пропускается
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		getEnv("TEST_DB_HOST", "localhost"),
		getEnv("TEST_DB_PORT", "5432"),
		getEnv("TEST_DB_USER", "postgres"),
		getEnv("TEST_DB_PASSWORD", "postgres"),
		getEnv("TEST_DB_NAME", "tradetracker_test"),
		getEnv("TEST_DB_SSLMODE", "disable"),
	)
	ctx := context.Background()
	db, err := Open(ctx, DBConfig{DSN: dsn, MaxOpenConns: 5, MaxIdleConns: 2, ConnMaxLifetime: 5 * time.Minute})
	if err != nil {
		t.Skipf("Skipping integration test: cannot connect to database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := EnsureSchema(ctx, db); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE clients, trades, executions, transfers, pnl_data, balances, events RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}

func TestIntegration_SchemaIdempotent(t *testing.T) {
	db := setupTestDB(t)
	for i := 0; i < 2; i++ {
		if err := EnsureSchema(context.Background(), db); err != nil {
			t.Fatalf("EnsureSchema run %d: %v", i+1, err)
		}
	}
}

func TestIntegration_ClientLifecycle(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	c := &models.Client{UserID: 1, Exchange: "okx", APIKey: "key", APISecret: "sealed", Passphrase: "sealed-pass", State: models.ClientSynchronizing}
	if err := store.SaveClient(ctx, c); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}
	dup := *c
	dup.ID = 0
	if err := store.SaveClient(ctx, &dup); !errors.Is(err, ErrClientExists) {
		t.Fatalf("duplicate SaveClient = %v, want ErrClientExists", err)
	}

	if err := store.SetClientState(ctx, c.ID, models.ClientOK, ""); err != nil {
		t.Fatalf("SetClientState: %v", err)
	}
	first := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	if err := store.SetRektOn(ctx, c.ID, first); err != nil {
		t.Fatal(err)
	}
	if err := store.SetRektOn(ctx, c.ID, first.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.LoadClient(ctx, c.ID)
	if err != nil {
		t.Fatalf("LoadClient: %v", err)
	}
	if loaded.State != models.ClientOK || loaded.RektOn == nil || !loaded.RektOn.Equal(first) {
		t.Errorf("unexpected client: %+v", loaded)
	}

	active, err := store.ListActiveClients(ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("ListActiveClients = %d, %v", len(active), err)
	}
}

func TestIntegration_BalancesKeepLastGood(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	c := &models.Client{Exchange: "bitmex", APIKey: "k", APISecret: "s", State: models.ClientOK}
	if err := store.SaveClient(ctx, c); err != nil {
		t.Fatal(err)
	}
	t0 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	good := &models.Balance{ClientID: c.ID, Time: t0, Realized: 100, Currency: "USDT", Extra: map[string]float64{"BTC": 0.01}}
	errored := &models.Balance{ClientID: c.ID, Time: t0.Add(time.Hour), Currency: "USDT", Error: "503 Service Unavailable"}
	for _, b := range []*models.Balance{good, errored} {
		if err := store.SaveBalance(ctx, b); err != nil {
			t.Fatalf("SaveBalance: %v", err)
		}
	}

	last, err := store.LoadLastBalance(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || last.ID != good.ID || last.Extra["BTC"] != 0.01 {
		t.Errorf("LoadLastBalance = %+v, want good balance", last)
	}
	at, err := store.LastBalanceTime(ctx, c.ID)
	if err != nil || !at.Equal(errored.Time) {
		t.Errorf("LastBalanceTime = %v, %v; want %v", at, err, errored.Time)
	}
}

func TestIntegration_BatchAtomic(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	c := &models.Client{Exchange: "bybit-linear", APIKey: "k", APISecret: "s", State: models.ClientOK}
	if err := store.SaveClient(ctx, c); err != nil {
		t.Fatal(err)
	}
	t0 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	batch, err := store.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	trade := &models.Trade{ClientID: c.ID, Symbol: "BTCUSDT", Side: models.SideBuy, Settle: "USDT", EntryPrice: 50000, Qty: 1, OpenQty: 1, Status: models.TradeOpen, OpenTime: t0, UpdatedAt: t0}
	if err := batch.UpsertTrade(ctx, trade); err != nil {
		t.Fatalf("UpsertTrade: %v", err)
	}
	exec := &models.Execution{ClientID: c.ID, TradeID: &trade.ID, ExecID: "e1", DedupKey: "e1", Time: t0, Symbol: "BTCUSDT", Side: models.SideBuy, Price: 50000, Qty: 1, Type: models.ExecTrade, Settle: "USDT"}
	if err := batch.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}
	if err := batch.SavePnlData(ctx, &models.PnlData{TradeID: trade.ID, Time: t0}); err != nil {
		t.Fatalf("SavePnlData: %v", err)
	}
	if err := batch.UpdateCursor(ctx, c.ID, models.SyncCursor{LastExecution: t0, LastTransfer: t0}); err != nil {
		t.Fatalf("UpdateCursor: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// повтор исполнения в новой пачке: дубль, откат не трогает сохраненное
	batch, err = store.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	again := *exec
	again.ID = 0
	if err := batch.SaveExecution(ctx, &again); !errors.Is(err, ErrDuplicateExecution) {
		t.Errorf("duplicate SaveExecution = %v, want ErrDuplicateExecution", err)
	}
	if err := batch.UpdateCursor(ctx, c.ID, models.SyncCursor{LastExecution: t0.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	batch.Rollback()

	cursor, err := store.LoadCursor(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !cursor.LastExecution.Equal(t0) {
		t.Errorf("cursor = %v, want %v after rollback", cursor.LastExecution, t0)
	}
	exists, err := store.ExecutionExists(ctx, c.ID, "e1")
	if err != nil || !exists {
		t.Errorf("ExecutionExists = %v, %v", exists, err)
	}
	open, err := store.LoadOpenTrades(ctx, c.ID)
	if err != nil || len(open) != 1 || open[0].Symbol != "BTCUSDT" {
		t.Errorf("LoadOpenTrades = %+v, %v", open, err)
	}
}

func TestIntegration_EventStages(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	now := time.Now().UTC()
	var id int64
	err := db.QueryRowContext(ctx,
		`INSERT INTO events (name, registration_start, registration_end, start, "end")
		 VALUES ('spring cup', $1, $2, $3, $4) RETURNING id`,
		now.Add(-2*time.Hour), now.Add(time.Hour), now.Add(2*time.Hour), now.Add(48*time.Hour),
	).Scan(&id)
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}

	pending, err := store.ListPendingEvents(ctx, now.Add(-24*time.Hour))
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListPendingEvents = %d, %v", len(pending), err)
	}

	fired, err := store.MarkEventStage(ctx, id, models.StageRegistrationStart)
	if err != nil || !fired {
		t.Fatalf("first MarkEventStage = %v, %v", fired, err)
	}
	fired, err = store.MarkEventStage(ctx, id, models.StageRegistrationStart)
	if err != nil || fired {
		t.Errorf("second MarkEventStage = %v, %v; want false", fired, err)
	}
}
