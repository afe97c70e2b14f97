package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"tradetracker/internal/models"
	"tradetracker/internal/ports"
)

const clientColumns = `id, user_id, exchange, api_key, api_secret, passphrase, subaccount, sandbox,
		state, state_reason, rekt_on, last_execution_sync, last_transfer_sync, created_at, updated_at`

// SaveClient создает регистрацию (ID == 0) или обновляет существующую.
// Повторная регистрация тех же ключей на той же бирже дает ErrClientExists.
func (s *Store) SaveClient(ctx context.Context, c *models.Client) error {
	now := time.Now().UTC()
	c.UpdatedAt = now

	if c.ID == 0 {
		c.CreatedAt = now
		query := `
		INSERT INTO clients (user_id, exchange, api_key, api_secret, passphrase, subaccount, sandbox,
			state, state_reason, rekt_on, last_execution_sync, last_transfer_sync, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`

		err := s.db.QueryRowContext(ctx, query,
			c.UserID,
			c.Exchange,
			c.APIKey,
			c.APISecret,
			c.Passphrase,
			c.Subaccount,
			c.Sandbox,
			c.State,
			c.StateReason,
			nullTimePtr(c.RektOn),
			nullTime(c.LastExecutionSync),
			nullTime(c.LastTransferSync),
			c.CreatedAt,
			c.UpdatedAt,
		).Scan(&c.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrClientExists
			}
			return fmt.Errorf("insert client: %w", err)
		}
		return nil
	}

	query := `
		UPDATE clients
		SET user_id = $2, api_key = $3, api_secret = $4, passphrase = $5, subaccount = $6, sandbox = $7,
			state = $8, state_reason = $9, rekt_on = $10, updated_at = $11
		WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.UserID,
		c.APIKey,
		c.APISecret,
		c.Passphrase,
		c.Subaccount,
		c.Sandbox,
		c.State,
		c.StateReason,
		nullTimePtr(c.RektOn),
		c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrClientExists
		}
		return fmt.Errorf("update client %d: %w", c.ID, err)
	}
	return expectAffected(result, ports.ErrNotFound)
}

// LoadClient регистрация по ID
func (s *Store) LoadClient(ctx context.Context, id int64) (*models.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE id = $1`

	c, err := scanClient(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ports.ErrNotFound
		}
		return nil, fmt.Errorf("load client %d: %w", id, err)
	}
	return c, nil
}

// ListActiveClients клиенты, которые нужно синхронизировать после рестарта
func (s *Store) ListActiveClients(ctx context.Context) ([]*models.Client, error) {
	query := `SELECT ` + clientColumns + `
		FROM clients
		WHERE state = ANY($1)
		ORDER BY id`

	active := pq.Array([]string{string(models.ClientSynchronizing), string(models.ClientOK)})
	rows, err := s.db.QueryContext(ctx, query, active)
	if err != nil {
		return nil, fmt.Errorf("list active clients: %w", err)
	}
	defer rows.Close()

	var clients []*models.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// SetClientState меняет состояние регистрации
func (s *Store) SetClientState(ctx context.Context, id int64, state models.ClientState, reason string) error {
	query := `UPDATE clients SET state = $2, state_reason = $3, updated_at = $4 WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query, id, state, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set client %d state: %w", id, err)
	}
	return expectAffected(result, ports.ErrNotFound)
}

// SetRektOn фиксирует момент ликвидации счета. Повторная установка не
// сдвигает уже записанное время.
func (s *Store) SetRektOn(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE clients SET rekt_on = COALESCE(rekt_on, $2), updated_at = $3 WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query, id, at.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set client %d rekt: %w", id, err)
	}
	return expectAffected(result, ports.ErrNotFound)
}

func scanClient(row rowScanner) (*models.Client, error) {
	c := &models.Client{}
	var rektOn, lastExec, lastTransfer pq.NullTime
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.Exchange,
		&c.APIKey,
		&c.APISecret,
		&c.Passphrase,
		&c.Subaccount,
		&c.Sandbox,
		&c.State,
		&c.StateReason,
		&rektOn,
		&lastExec,
		&lastTransfer,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.RektOn = timePtr(rektOn)
	if lastExec.Valid {
		c.LastExecutionSync = lastExec.Time.UTC()
	}
	if lastTransfer.Valid {
		c.LastTransferSync = lastTransfer.Time.UTC()
	}
	return c, nil
}

// expectAffected notFound, если запрос не затронул ни одной строки
func expectAffected(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
