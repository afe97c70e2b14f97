package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"tradetracker/internal/exchange"
	"tradetracker/internal/models"
	"tradetracker/internal/ports"
	"tradetracker/pkg/retry"
	"tradetracker/pkg/utils"
)

var errDBDown = errors.New("db down")

func fill(id string, sec int, side models.Side, price, qty float64) exchange.Record {
	return exchange.ExecRecord(&exchange.RawExecution{
		ExecID:          id,
		Time:            t0.Add(time.Duration(sec) * time.Second),
		Symbol:          "BTCUSDT",
		Side:            side,
		Price:           price,
		Qty:             qty,
		Commission:      0.1,
		CommissionAsset: "USDT",
		Type:            models.ExecTrade,
		Settle:          "USDT",
	})
}

func newTestSyncer(src *fakeSource, store *memStore, pub *recorder) *Syncer {
	return NewSyncer(Config{
		ClientID: 1,
		Retry: retry.Config{
			MaxRetries:   2,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
		},
		ResyncDelay: 10 * time.Millisecond,
		Logger:      utils.NewNopLogger(),
		Now:         func() time.Time { return t0.Add(time.Hour) },
	}, src, store, pub)
}

func TestSyncer_OpenCloseRoundTrip(t *testing.T) {
	src := newFakeSource(
		fill("1", 0, models.SideBuy, 30000, 0.01),
		fill("2", 60, models.SideSell, 30100, 0.01),
	)
	store, pub := newMemStore(), &recorder{}
	s := newTestSyncer(src, store, pub)

	if err := s.CatchUp(context.Background()); err != nil {
		t.Fatalf("CatchUp: %v", err)
	}

	trades := store.allTrades()
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	tr := trades[0]
	if tr.Status != models.TradeWin || tr.OpenQty != 0 || tr.CloseTime == nil {
		t.Errorf("trade: %+v", tr)
	}
	if tr.MinPnl > tr.MaxPnl {
		t.Errorf("min %v > max %v", tr.MinPnl, tr.MaxPnl)
	}
	if n := len(store.executions()); n != 2 {
		t.Errorf("executions = %d, want 2", n)
	}
	for _, e := range store.executions() {
		if e.TradeID == nil || *e.TradeID != tr.ID {
			t.Errorf("execution %s not attached to trade %d", e.ExecID, tr.ID)
		}
	}
	if pub.count(ports.ChannelTradeNew) != 1 || pub.count(ports.ChannelTradeFinished) != 1 {
		t.Errorf("trade:new=%d trade:finished=%d", pub.count(ports.ChannelTradeNew), pub.count(ports.ChannelTradeFinished))
	}
	if pub.count(ports.ChannelExecutionNew) != 2 {
		t.Errorf("execution:new = %d", pub.count(ports.ChannelExecutionNew))
	}
	if pts := store.pointsOf(tr.ID); len(pts) != 2 {
		t.Errorf("pnl points = %d", len(pts))
	}
	if !store.savedCursor().LastExecution.Equal(t0.Add(time.Minute)) {
		t.Errorf("cursor = %v", store.savedCursor())
	}
}

func TestSyncer_PartialClose(t *testing.T) {
	src := newFakeSource(
		fill("1", 0, models.SideBuy, 30000, 0.01),
		fill("2", 1, models.SideSell, 30200, 0.005),
		fill("3", 2, models.SideSell, 29900, 0.005),
	)
	store, pub := newMemStore(), &recorder{}
	if err := newTestSyncer(src, store, pub).CatchUp(context.Background()); err != nil {
		t.Fatal(err)
	}

	trades := store.allTrades()
	if len(trades) != 1 || len(store.executions()) != 3 {
		t.Fatalf("trades=%d executions=%d", len(trades), len(store.executions()))
	}
	var realized, commission float64
	for _, e := range store.executions() {
		if e.RealizedPnl != nil {
			realized += *e.RealizedPnl
		}
		commission += e.Commission
	}
	if !approx(trades[0].NetPnl(), realized-commission) {
		t.Errorf("net %v != realized %v - commission %v", trades[0].NetPnl(), realized, commission)
	}
	if pub.count(ports.ChannelTradeUpdate) != 1 {
		t.Errorf("trade:update = %d, want 1 for the partial close", pub.count(ports.ChannelTradeUpdate))
	}
}

func TestSyncer_Reverse(t *testing.T) {
	src := newFakeSource(
		fill("1", 0, models.SideBuy, 30000, 0.01),
		fill("2", 1, models.SideSell, 30500, 0.02),
	)
	store, pub := newMemStore(), &recorder{}
	if err := newTestSyncer(src, store, pub).CatchUp(context.Background()); err != nil {
		t.Fatal(err)
	}

	trades := store.allTrades()
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(trades))
	}
	first, second := trades[0], trades[1]
	if first.OpenQty != 0 || first.IsOpen() {
		t.Errorf("first trade: %+v", first)
	}
	if second.Side != models.SideSell || !second.IsOpen() || !approx(second.Qty, 0.01) {
		t.Errorf("second trade: %+v", second)
	}
	finished := pub.ids(ports.ChannelTradeFinished)
	opened := pub.ids(ports.ChannelTradeNew)
	if len(finished) != 1 || finished[0] != first.ID {
		t.Errorf("trade:finished ids = %v", finished)
	}
	if len(opened) != 2 || opened[1] != second.ID {
		t.Errorf("trade:new ids = %v", opened)
	}
	if n := len(store.executions()); n != 3 {
		t.Errorf("executions = %d, want closing and opening parts split", n)
	}
}

func TestSyncer_ReconnectReplay(t *testing.T) {
	last := fill("2", 60, models.SideSell, 30100, 0.01)
	src := newFakeSource(fill("1", 0, models.SideBuy, 30000, 0.01), last)
	store, pub := newMemStore(), &recorder{}
	s := newTestSyncer(src, store, pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	select {
	case <-src.subbed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never subscribed")
	}

	// после переподключения сессия повторяет последнее исполнение
	src.push(last)
	next := fill("3", 120, models.SideBuy, 30050, 0.02)
	src.push(next)

	deadline := time.Now().Add(2 * time.Second)
	for len(store.executions()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := len(store.executions()); n != 3 {
		t.Errorf("executions = %d, want 3 (replay skipped)", n)
	}
	if pub.count(ports.ChannelTradeFinished) != 1 {
		t.Errorf("trade:finished = %d, want 1", pub.count(ports.ChannelTradeFinished))
	}
	if pub.count(ports.ChannelTradeNew) != 2 {
		t.Errorf("trade:new = %d, want 2", pub.count(ports.ChannelTradeNew))
	}
}

func TestSyncer_IdempotentResync(t *testing.T) {
	src := newFakeSource(
		fill("1", 0, models.SideBuy, 30000, 0.01),
		fill("2", 0, models.SideBuy, 30010, 0.01), // та же секунда
	)
	store, pub := newMemStore(), &recorder{}
	s := newTestSyncer(src, store, pub)

	for i := 0; i < 3; i++ {
		if err := s.CatchUp(context.Background()); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
	}
	if n := len(store.executions()); n != 2 {
		t.Errorf("executions = %d, want 2", n)
	}
	if pub.count(ports.ChannelExecutionNew) != 2 {
		t.Errorf("execution:new = %d", pub.count(ports.ChannelExecutionNew))
	}
}

func TestSyncer_PersistenceFailureLeavesCursor(t *testing.T) {
	src := newFakeSource(
		fill("1", 0, models.SideBuy, 30000, 0.01),
		fill("2", 1, models.SideSell, 30100, 0.01),
	)
	store, pub := newMemStore(), &recorder{}
	store.failExecID = "2"
	s := newTestSyncer(src, store, pub)

	err := s.CatchUp(context.Background())
	if !errors.Is(err, errDBDown) {
		t.Fatalf("CatchUp err = %v, want db down", err)
	}
	if !store.savedCursor().LastExecution.IsZero() || len(store.executions()) != 0 {
		t.Errorf("batch was not rolled back: cursor %v, executions %d", store.savedCursor(), len(store.executions()))
	}
	if len(s.OpenTrades()) != 0 {
		t.Error("in-memory trades not reloaded after rollback")
	}
	if pub.count(ports.ChannelClientError) != 1 {
		t.Errorf("client:error = %d, want 1", pub.count(ports.ChannelClientError))
	}
	if pub.count(ports.ChannelTradeNew) != 0 {
		t.Error("nothing should be published for a rolled back batch")
	}

	store.failExecID = ""
	if err := s.CatchUp(context.Background()); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if len(store.executions()) != 2 || len(store.allTrades()) != 1 {
		t.Errorf("after recovery executions=%d trades=%d", len(store.executions()), len(store.allTrades()))
	}
}

func TestSyncer_PermanentErrorNotRetried(t *testing.T) {
	src := newFakeSource()
	src.syncErr = &exchange.Error{Exchange: "bybit-linear", Kind: exchange.KindUserInput, Status: 401}
	store, pub := newMemStore(), &recorder{}

	err := newTestSyncer(src, store, pub).CatchUp(context.Background())
	if !exchange.IsPermanent(err) {
		t.Fatalf("err = %v", err)
	}
	if pub.count(ports.ChannelClientError) != 0 {
		t.Error("permanent errors are handled by invalidation, not client:error")
	}
}

func TestSyncer_Transfer(t *testing.T) {
	dep := exchange.TransferRecord(&exchange.RawTransfer{
		ExternalID: "dep:1", Time: t0, Coin: "USDT", Amount: 500,
	})
	src := newFakeSource(dep, fill("1", 5, models.SideBuy, 100, 1))
	store, pub := newMemStore(), &recorder{}
	if err := newTestSyncer(src, store, pub).CatchUp(context.Background()); err != nil {
		t.Fatal(err)
	}

	execs := store.executions()
	if len(execs) != 2 || execs[0].Type != models.ExecTransfer || execs[0].TradeID != nil {
		t.Fatalf("synthetic execution: %+v", execs)
	}
	if len(store.transfers) != 1 || store.transfers[0].ExecutionID != execs[0].ID {
		t.Errorf("transfer not linked: %+v", store.transfers)
	}
	c := store.savedCursor()
	if !c.LastTransfer.Equal(t0) || !c.LastExecution.Equal(t0.Add(5*time.Second)) {
		t.Errorf("cursor = %+v", c)
	}
	if len(store.allTrades()) != 1 {
		t.Error("transfer must not open a trade")
	}
}

func TestSyncer_RefreshUnrealized(t *testing.T) {
	src := newFakeSource(fill("1", 0, models.SideBuy, 30000, 0.01))
	src.marks["BTCUSDT"] = 31000
	store, pub := newMemStore(), &recorder{}
	s := newTestSyncer(src, store, pub)
	if err := s.CatchUp(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := s.RefreshUnrealized(context.Background()); err != nil {
		t.Fatalf("RefreshUnrealized: %v", err)
	}
	open := s.OpenTrades()
	if len(open) != 1 || !approx(open[0].Unrealized, 10) {
		t.Fatalf("open trades: %+v", open)
	}
	if pts := store.pointsOf(open[0].ID); len(pts) != 2 || !approx(pts[1].Unrealized, 10) {
		t.Errorf("points: %+v", pts)
	}
	if pub.count(ports.ChannelTradeUpdate) != 1 {
		t.Errorf("trade:update = %d", pub.count(ports.ChannelTradeUpdate))
	}

	got := s.Unrealized(context.Background(), "USDT", nil)
	if !approx(got, 10) {
		t.Errorf("Unrealized = %v", got)
	}
	double := func(ctx context.Context, amount float64, from, to string, at time.Time) (float64, error) {
		return amount * 2, nil
	}
	if got := s.Unrealized(context.Background(), "USDT", double); !approx(got, 20) {
		t.Errorf("converted Unrealized = %v", got)
	}
}

// Живое исполнение A не записалось, следующее B записалось и сдвинуло курсор
// исполнений за A, а курсор переводов уже был позже A. Догрузка должна
// вернуть A, хотя cursor.Min() теперь позже него.
func TestSyncer_FailedLiveRecordIsResynced(t *testing.T) {
	a := fill("A", 10, models.SideBuy, 30000, 0.01)
	b := fill("B", 20, models.SideBuy, 30100, 0.01)
	src := newFakeSource()
	store, pub := newMemStore(), &recorder{}
	store.cursor = models.SyncCursor{
		LastExecution: t0.Add(5 * time.Second),
		LastTransfer:  t0.Add(15 * time.Second),
	}
	store.failOn("A")
	s := newTestSyncer(src, store, pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	select {
	case <-src.subbed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never subscribed")
	}
	src.add(a, b)
	src.push(a)
	src.push(b)

	stored := func(id string) bool {
		for _, e := range store.executions() {
			if e.ExecID == id {
				return true
			}
		}
		return false
	}
	deadline := time.Now().Add(2 * time.Second)
	for !stored("B") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !stored("B") {
		t.Fatal("B never persisted")
	}
	if c := store.savedCursor(); !c.LastExecution.Equal(t0.Add(20*time.Second)) || c.Min().Before(t0.Add(10*time.Second)) {
		t.Fatalf("cursor = %+v, want it past A", c)
	}

	store.failOn("")
	deadline = time.Now().Add(2 * time.Second)
	for !stored("A") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !stored("A") {
		t.Fatal("A was lost behind the cursor")
	}
	if n := len(store.executions()); n != 2 {
		t.Errorf("executions = %d, want 2", n)
	}
	open := s.OpenTrades()
	if len(open) != 1 || !approx(open[0].OpenQty, 0.02) {
		t.Errorf("open trades: %+v", open)
	}
}

func TestSyncer_RefreshUnrealizedFetchesMarksUnlocked(t *testing.T) {
	src := newFakeSource(fill("1", 0, models.SideBuy, 30000, 0.01))
	src.marks["BTCUSDT"] = 31000
	store, pub := newMemStore(), &recorder{}
	s := newTestSyncer(src, store, pub)
	if err := s.CatchUp(context.Background()); err != nil {
		t.Fatal(err)
	}
	// MarkPrice берет мьютекс синхронизатора; если он уже занят, вызов зависнет
	src.onMark = func(string) { _ = s.Cursor() }

	done := make(chan error, 1)
	go func() { done <- s.RefreshUnrealized(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RefreshUnrealized: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RefreshUnrealized holds the syncer lock while fetching mark prices")
	}
	if open := s.OpenTrades(); len(open) != 1 || !approx(open[0].Unrealized, 10) {
		t.Errorf("open trades: %+v", open)
	}
}

func TestSyncer_RefreshUnrealizedLogsRollbackFailure(t *testing.T) {
	src := newFakeSource(fill("1", 0, models.SideBuy, 30000, 0.01))
	src.marks["BTCUSDT"] = 31000
	store, pub := newMemStore(), &recorder{}
	s := newTestSyncer(src, store, pub)
	if err := s.CatchUp(context.Background()); err != nil {
		t.Fatal(err)
	}
	core, logs := observer.New(zap.WarnLevel)
	s.log = utils.FromZap(zap.New(core))
	store.commitErr = errDBDown
	store.rollbackErr = errors.New("conn closed")

	if err := s.RefreshUnrealized(context.Background()); !errors.Is(err, errDBDown) {
		t.Fatalf("err = %v, want db down", err)
	}
	if logs.FilterMessage("rollback failed").Len() != 1 {
		t.Errorf("rollback error not logged: %v", logs.All())
	}
	if open := s.OpenTrades(); len(open) != 1 || open[0].Unrealized != 0 {
		t.Errorf("in-memory trade not restored: %+v", open)
	}
	if pub.count(ports.ChannelTradeUpdate) != 0 {
		t.Error("nothing should be published for a failed refresh")
	}
}
