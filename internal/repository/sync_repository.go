package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"tradetracker/internal/models"
	"tradetracker/internal/ports"
)

// LoadCursor курсор синхронизации клиента
func (s *Store) LoadCursor(ctx context.Context, clientID int64) (models.SyncCursor, error) {
	query := `SELECT last_execution_sync, last_transfer_sync FROM clients WHERE id = $1`

	var lastExec, lastTransfer pq.NullTime
	err := s.db.QueryRowContext(ctx, query, clientID).Scan(&lastExec, &lastTransfer)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.SyncCursor{}, ports.ErrNotFound
		}
		return models.SyncCursor{}, fmt.Errorf("load cursor: %w", err)
	}

	var cursor models.SyncCursor
	if lastExec.Valid {
		cursor.LastExecution = lastExec.Time.UTC()
	}
	if lastTransfer.Valid {
		cursor.LastTransfer = lastTransfer.Time.UTC()
	}
	return cursor, nil
}

// ExecutionExists сохранено ли исполнение с таким ключом дедупликации
func (s *Store) ExecutionExists(ctx context.Context, clientID int64, dedupKey string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM executions WHERE client_id = $1 AND dedup_key = $2)`

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, clientID, dedupKey).Scan(&exists); err != nil {
		return false, fmt.Errorf("execution exists: %w", err)
	}
	return exists, nil
}

// Batch транзакция пачки синхронизации
type Batch struct {
	tx *sql.Tx
}

// SaveExecution сохраняет исполнение. Повтор ключа дедупликации дает
// ErrDuplicateExecution, и пачка должна быть откачена.
func (b *Batch) SaveExecution(ctx context.Context, e *models.Execution) error {
	query := `
		INSERT INTO executions (client_id, trade_id, exec_id, dedup_key, time, symbol, side, price, qty,
			commission, rebate, commission_asset, type, settle, inverse, realized_pnl, position_side)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (client_id, dedup_key) DO NOTHING
		RETURNING id`

	err := b.tx.QueryRowContext(ctx, query,
		e.ClientID,
		nullInt(e.TradeID),
		e.ExecID,
		e.DedupKey,
		e.Time.UTC(),
		e.Symbol,
		e.Side,
		e.Price,
		e.Qty,
		e.Commission,
		e.Rebate,
		e.CommissionAsset,
		e.Type,
		e.Settle,
		e.Inverse,
		nullFloat(e.RealizedPnl),
		e.PositionSide,
	).Scan(&e.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateExecution, e.DedupKey)
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// SaveTransfer сохраняет перевод, связанный с синтетическим исполнением
func (b *Batch) SaveTransfer(ctx context.Context, t *models.Transfer) error {
	query := `
		INSERT INTO transfers (client_id, execution_id, external_id, amount, coin, fee, time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err := b.tx.QueryRowContext(ctx, query,
		t.ClientID,
		t.ExecutionID,
		t.ExternalID,
		t.Amount,
		t.Coin,
		t.Fee,
		t.Time.UTC(),
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

// SavePnlData добавляет точку ряда PnL сделки
func (b *Batch) SavePnlData(ctx context.Context, p *models.PnlData) error {
	query := `
		INSERT INTO pnl_data (trade_id, time, realized, unrealized)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	err := b.tx.QueryRowContext(ctx, query, p.TradeID, p.Time.UTC(), p.Realized, p.Unrealized).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert pnl data: %w", err)
	}
	return nil
}

// UpsertTrade создает сделку (ID == 0) или обновляет ее изменяемые поля
func (b *Batch) UpsertTrade(ctx context.Context, t *models.Trade) error {
	if t.ID == 0 {
		query := `
		INSERT INTO trades (client_id, symbol, position_side, side, settle, inverse, entry_price, exit_price,
			qty, open_qty, realized_pnl, commission, unrealized_pnl, min_pnl, max_pnl, status,
			open_time, close_time, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING id`

		err := b.tx.QueryRowContext(ctx, query,
			t.ClientID,
			t.Symbol,
			t.PositionSide,
			t.Side,
			t.Settle,
			t.Inverse,
			t.EntryPrice,
			nullFloat(t.ExitPrice),
			t.Qty,
			t.OpenQty,
			t.RealizedPnl,
			t.Commission,
			t.Unrealized,
			t.MinPnl,
			t.MaxPnl,
			t.Status,
			t.OpenTime.UTC(),
			nullTimePtr(t.CloseTime),
			t.UpdatedAt.UTC(),
		).Scan(&t.ID)
		if err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		return nil
	}

	query := `
		UPDATE trades
		SET entry_price = $2, exit_price = $3, qty = $4, open_qty = $5, realized_pnl = $6, commission = $7,
			unrealized_pnl = $8, min_pnl = $9, max_pnl = $10, status = $11, close_time = $12, updated_at = $13
		WHERE id = $1`

	result, err := b.tx.ExecContext(ctx, query,
		t.ID,
		t.EntryPrice,
		nullFloat(t.ExitPrice),
		t.Qty,
		t.OpenQty,
		t.RealizedPnl,
		t.Commission,
		t.Unrealized,
		t.MinPnl,
		t.MaxPnl,
		t.Status,
		nullTimePtr(t.CloseTime),
		t.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("update trade %d: %w", t.ID, err)
	}
	return expectAffected(result, ports.ErrNotFound)
}

// UpdateCursor сдвигает курсор в той же транзакции, что и записи пачки
func (b *Batch) UpdateCursor(ctx context.Context, clientID int64, cursor models.SyncCursor) error {
	query := `UPDATE clients SET last_execution_sync = $2, last_transfer_sync = $3 WHERE id = $1`

	result, err := b.tx.ExecContext(ctx, query, clientID, nullTime(cursor.LastExecution), nullTime(cursor.LastTransfer))
	if err != nil {
		return fmt.Errorf("update cursor: %w", err)
	}
	return expectAffected(result, ports.ErrNotFound)
}

// Commit фиксирует пачку
func (b *Batch) Commit() error {
	return b.tx.Commit()
}

// Rollback откатывает пачку; повторный вызов после Commit безопасен
func (b *Batch) Rollback() error {
	if err := b.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
