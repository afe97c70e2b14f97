package repository

import (
	"context"
	"database/sql"
	"fmt"

	"tradetracker/internal/ports"
)

// Store реализация ports.Persistence поверх PostgreSQL
type Store struct {
	db *sql.DB
}

var _ ports.Persistence = (*Store)(nil)

// NewStore создает хранилище
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Begin открывает транзакцию пачки синхронизации
func (s *Store) Begin(ctx context.Context) (ports.Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	return &Batch{tx: tx}, nil
}

// Ping проверка доступности базы для /health
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
