package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"

	"tradetracker/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SaveBalance добавляет снимок баланса. Снимки не изменяются.
func (s *Store) SaveBalance(ctx context.Context, b *models.Balance) error {
	extra := b.Extra
	if extra == nil {
		extra = map[string]float64{}
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("encode extra currencies: %w", err)
	}

	query := `
		INSERT INTO balances (client_id, time, realized, unrealized, currency, extra_currencies, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err = s.db.QueryRowContext(ctx, query,
		b.ClientID,
		b.Time.UTC(),
		b.Realized,
		b.Unrealized,
		b.Currency,
		extraJSON,
		b.Error,
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("insert balance: %w", err)
	}
	return nil
}

// LoadLastBalance последний снимок без ошибки; nil, если снимков еще нет
func (s *Store) LoadLastBalance(ctx context.Context, clientID int64) (*models.Balance, error) {
	query := `
		SELECT id, client_id, time, realized, unrealized, currency, extra_currencies, error
		FROM balances
		WHERE client_id = $1 AND error = ''
		ORDER BY time DESC, id DESC
		LIMIT 1`

	b := &models.Balance{}
	var extraJSON []byte
	err := s.db.QueryRowContext(ctx, query, clientID).Scan(
		&b.ID,
		&b.ClientID,
		&b.Time,
		&b.Realized,
		&b.Unrealized,
		&b.Currency,
		&extraJSON,
		&b.Error,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load last balance: %w", err)
	}
	b.Time = b.Time.UTC()
	if len(extraJSON) > 0 {
		if err := json.Unmarshal(extraJSON, &b.Extra); err != nil {
			return nil, fmt.Errorf("decode extra currencies: %w", err)
		}
	}
	return b, nil
}

// LastBalanceTime время последнего снимка (включая ошибочные); ноль, если снимков нет
func (s *Store) LastBalanceTime(ctx context.Context, clientID int64) (time.Time, error) {
	query := `SELECT MAX(time) FROM balances WHERE client_id = $1`

	var last pq.NullTime
	if err := s.db.QueryRowContext(ctx, query, clientID).Scan(&last); err != nil {
		return time.Time{}, fmt.Errorf("last balance time: %w", err)
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return last.Time.UTC(), nil
}
