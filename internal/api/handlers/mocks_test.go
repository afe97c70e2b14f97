package handlers

import (
	"context"
	"errors"
	"sync"

	"tradetracker/internal/models"
	"tradetracker/internal/service"
)

var ErrMockDatabase = errors.New("mock database error")

// ============ MockClientService ============

type MockClientService struct {
	mu       sync.Mutex
	clients  map[int64]*models.Client
	balances map[int64]*models.Balance
	trades   map[int64][]models.Trade
	running  map[int64]bool
	errors   map[string]error

	// registerResult клиент, возвращаемый вместе с ошибкой register
	registerResult *models.Client
	polls          int
}

func NewMockClientService() *MockClientService {
	return &MockClientService{
		clients:  make(map[int64]*models.Client),
		balances: make(map[int64]*models.Balance),
		trades:   make(map[int64][]models.Trade),
		running:  make(map[int64]bool),
		errors:   make(map[string]error),
	}
}

func (m *MockClientService) SetError(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[operation] = err
}

func (m *MockClientService) AddClient(c *models.Client, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ID] = c
	m.running[c.ID] = running
}

func (m *MockClientService) RegisterClient(ctx context.Context, req service.RegisterRequest) (*models.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errors["register"]; err != nil {
		return m.registerResult, err
	}
	c := &models.Client{
		ID:       int64(len(m.clients) + 1),
		UserID:   req.UserID,
		Exchange: req.Exchange,
		APIKey:   req.APIKey,
		State:    models.ClientSynchronizing,
	}
	m.clients[c.ID] = c
	m.running[c.ID] = true
	return c, nil
}

func (m *MockClientService) Client(ctx context.Context, id int64) (*models.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errors["get"]; err != nil {
		return nil, err
	}
	c, ok := m.clients[id]
	if !ok {
		return nil, service.ErrClientNotFound
	}
	return c, nil
}

func (m *MockClientService) LatestBalance(ctx context.Context, id int64) (*models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[id]
	if !ok {
		return nil, service.ErrNoBalance
	}
	return b, nil
}

func (m *MockClientService) OpenTrades(id int64) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running[id] {
		return nil, service.ErrClientNotFound
	}
	return m.trades[id], nil
}

func (m *MockClientService) PollBalance(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	if err := m.errors["poll"]; err != nil {
		return err
	}
	if !m.running[id] {
		return service.ErrClientNotFound
	}
	return nil
}

func (m *MockClientService) Resume(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errors["resume"]; err != nil {
		return err
	}
	if _, ok := m.clients[id]; !ok {
		return service.ErrClientNotFound
	}
	m.running[id] = true
	return nil
}

func (m *MockClientService) Unregister(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return service.ErrClientNotFound
	}
	c.State = models.ClientArchived
	m.running[id] = false
	return nil
}

func (m *MockClientService) IsRunning(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[id]
}

// ============ MockChecker ============

type MockChecker struct {
	err error
}

func (c *MockChecker) Ping(ctx context.Context) error { return c.err }
