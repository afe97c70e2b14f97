package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"tradetracker/internal/models"
)

const tradeColumns = `id, client_id, symbol, position_side, side, settle, inverse, entry_price, exit_price,
		qty, open_qty, realized_pnl, commission, unrealized_pnl, min_pnl, max_pnl, status,
		open_time, close_time, updated_at`

// LoadOpenTrades открытые сделки клиента для восстановления агрегатора
func (s *Store) LoadOpenTrades(ctx context.Context, clientID int64) ([]*models.Trade, error) {
	query := `SELECT ` + tradeColumns + `
		FROM trades
		WHERE client_id = $1 AND status = $2
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, clientID, models.TradeOpen)
	if err != nil {
		return nil, fmt.Errorf("load open trades: %w", err)
	}
	defer rows.Close()

	var trades []*models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func scanTrade(row rowScanner) (*models.Trade, error) {
	t := &models.Trade{}
	var exitPrice sql.NullFloat64
	var closeTime pq.NullTime
	err := row.Scan(
		&t.ID,
		&t.ClientID,
		&t.Symbol,
		&t.PositionSide,
		&t.Side,
		&t.Settle,
		&t.Inverse,
		&t.EntryPrice,
		&exitPrice,
		&t.Qty,
		&t.OpenQty,
		&t.RealizedPnl,
		&t.Commission,
		&t.Unrealized,
		&t.MinPnl,
		&t.MaxPnl,
		&t.Status,
		&t.OpenTime,
		&closeTime,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.ExitPrice = floatPtr(exitPrice)
	t.CloseTime = timePtr(closeTime)
	t.OpenTime = t.OpenTime.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}
