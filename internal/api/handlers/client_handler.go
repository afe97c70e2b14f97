package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"tradetracker/internal/exchange"
	"tradetracker/internal/models"
	"tradetracker/internal/repository"
	"tradetracker/internal/service"
	"tradetracker/internal/valuation"
	"tradetracker/pkg/utils"
)

// ClientService операции над клиентами (service.Coordinator)
type ClientService interface {
	RegisterClient(ctx context.Context, req service.RegisterRequest) (*models.Client, error)
	Client(ctx context.Context, id int64) (*models.Client, error)
	LatestBalance(ctx context.Context, id int64) (*models.Balance, error)
	OpenTrades(id int64) ([]models.Trade, error)
	PollBalance(ctx context.Context, id int64) error
	Resume(ctx context.Context, id int64) error
	Unregister(ctx context.Context, id int64) error
	IsRunning(id int64) bool
}

// ClientResponse клиент без секретов
type ClientResponse struct {
	ID          int64              `json:"id"`
	UserID      int64              `json:"user_id"`
	Exchange    string             `json:"exchange"`
	APIKey      string             `json:"api_key"`
	Subaccount  string             `json:"subaccount,omitempty"`
	Sandbox     bool               `json:"sandbox"`
	State       models.ClientState `json:"state"`
	StateReason string             `json:"state_reason,omitempty"`
	RektOn      *time.Time         `json:"rekt_on,omitempty"`
	Running     bool               `json:"running"`
	CreatedAt   time.Time          `json:"created_at"`
}

// BalanceResponse снимок баланса; суммы округлены до точности своей валюты
type BalanceResponse struct {
	ID         int64              `json:"id"`
	ClientID   int64              `json:"client_id"`
	Time       time.Time          `json:"time"`
	Realized   float64            `json:"realized"`
	Unrealized float64            `json:"unrealized"`
	Total      float64            `json:"total"`
	Currency   string             `json:"currency"`
	Extra      map[string]float64 `json:"extra_currencies,omitempty"`
}

// ClientHandler регистрация и состояние клиентов
//
// Endpoints:
// - POST /api/v1/clients - регистрация ключей
// - GET /api/v1/clients/{id} - состояние клиента
// - DELETE /api/v1/clients/{id} - архивирование клиента
// - POST /api/v1/clients/{id}/resume - повторный запуск после замены ключей
// - GET /api/v1/clients/{id}/balance - последний валидный баланс
// - POST /api/v1/clients/{id}/balance - внеочередной опрос баланса
// - GET /api/v1/clients/{id}/trades - открытые сделки
type ClientHandler struct {
	clients    ClientService
	currencies *valuation.Currencies
}

// NewClientHandler создает новый ClientHandler
func NewClientHandler(clients ClientService) *ClientHandler {
	return &ClientHandler{clients: clients, currencies: valuation.DefaultCurrencies()}
}

// WithCurrencies точность округления сумм в ответах; nil оставляет стандартную
func (h *ClientHandler) WithCurrencies(c *valuation.Currencies) *ClientHandler {
	if c != nil {
		h.currencies = c
	}
	return h
}

// RegisterClient регистрирует ключи биржи
// POST /api/v1/clients
//
// Ответы:
// - 201 Created: клиент сохранен и запущен
// - 400 Bad Request: некорректные данные или ключи не прошли проверку формата
// - 401 Unauthorized: биржа отвергла ключи, клиент сохранен в INVALID
// - 409 Conflict: ключи уже зарегистрированы
func (h *ClientHandler) RegisterClient(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	var req service.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err.Error())
		return
	}

	client, err := h.clients.RegisterClient(r.Context(), req)
	if err != nil {
		if client != nil && exchange.IsPermanent(err) {
			respondWithJSON(w, http.StatusUnauthorized, SuccessResponse{
				Message: "Exchange rejected API credentials",
				Data:    h.toResponse(client),
			})
			return
		}
		h.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, h.toResponse(client))
}

// GetClient состояние клиента
// GET /api/v1/clients/{id}
func (h *ClientHandler) GetClient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid client id", "")
		return
	}
	client, err := h.clients.Client(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.toResponse(client))
}

// DeleteClient останавливает клиента и переводит его в ARCHIVED
// DELETE /api/v1/clients/{id}
func (h *ClientHandler) DeleteClient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid client id", "")
		return
	}
	if err := h.clients.Unregister(r.Context(), id); err != nil {
		h.handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResumeClient повторно запускает сохраненного клиента
// POST /api/v1/clients/{id}/resume
func (h *ClientHandler) ResumeClient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid client id", "")
		return
	}
	if err := h.clients.Resume(r.Context(), id); err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "Client resumed"})
}

// GetBalance последний валидный баланс; ошибочные снимки не возвращаются
// GET /api/v1/clients/{id}/balance
func (h *ClientHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid client id", "")
		return
	}
	b, err := h.clients.LatestBalance(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.toBalance(b))
}

// PollBalance внеочередной опрос баланса
// POST /api/v1/clients/{id}/balance
func (h *ClientHandler) PollBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid client id", "")
		return
	}
	if err := h.clients.PollBalance(r.Context(), id); err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.GetBalance(w, r)
}

// GetOpenTrades открытые сделки запущенного клиента
// GET /api/v1/clients/{id}/trades?symbol=BTCUSDT
func (h *ClientHandler) GetOpenTrades(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid client id", "")
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol != "" {
		if err := utils.ValidateSymbol(symbol); err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid_symbol", "Invalid symbol", err.Error())
			return
		}
	}
	trades, err := h.clients.OpenTrades(id)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	out := make([]models.Trade, 0, len(trades))
	for _, t := range trades {
		if symbol == "" || t.Symbol == symbol {
			out = append(out, t)
		}
	}
	respondWithJSON(w, http.StatusOK, out)
}

// toBalance округляет суммы только для ответа; в хранилище они полной точности
func (h *ClientHandler) toBalance(b *models.Balance) BalanceResponse {
	resp := BalanceResponse{
		ID:         b.ID,
		ClientID:   b.ClientID,
		Time:       b.Time,
		Realized:   h.currencies.Round(b.Realized, b.Currency),
		Unrealized: h.currencies.Round(b.Unrealized, b.Currency),
		Total:      h.currencies.Round(b.Total(), b.Currency),
		Currency:   b.Currency,
	}
	if len(b.Extra) > 0 {
		resp.Extra = make(map[string]float64, len(b.Extra))
		for ccy, v := range b.Extra {
			resp.Extra[ccy] = h.currencies.Round(v, ccy)
		}
	}
	return resp
}

func (h *ClientHandler) toResponse(c *models.Client) ClientResponse {
	return ClientResponse{
		ID:          c.ID,
		UserID:      c.UserID,
		Exchange:    c.Exchange,
		APIKey:      c.APIKey,
		Subaccount:  c.Subaccount,
		Sandbox:     c.Sandbox,
		State:       c.State,
		StateReason: c.StateReason,
		RektOn:      c.RektOn,
		Running:     h.clients.IsRunning(c.ID),
		CreatedAt:   c.CreatedAt,
	}
}

// handleServiceError обрабатывает ошибки от сервиса и возвращает соответствующий HTTP статус
func (h *ClientHandler) handleServiceError(w http.ResponseWriter, err error) {
	var xerr *exchange.Error
	switch {
	case errors.Is(err, service.ErrClientNotFound):
		respondWithError(w, http.StatusNotFound, "client_not_found", "Client not found", "")

	case errors.Is(err, service.ErrNoBalance):
		respondWithError(w, http.StatusNotFound, "no_balance", "Client has no balance yet", "")

	case errors.Is(err, repository.ErrClientExists):
		respondWithError(w, http.StatusConflict, "client_exists", "API key is already registered for this exchange", "")

	case errors.Is(err, service.ErrClientRunning):
		respondWithError(w, http.StatusConflict, "client_running", "Client is already running", "")

	case errors.Is(err, service.ErrNotStarted):
		respondWithError(w, http.StatusServiceUnavailable, "not_started", "Service is starting", "")

	case errors.As(err, &xerr) && xerr.Kind == exchange.KindUserInput:
		respondWithError(w, http.StatusBadRequest, "invalid_input", "Invalid client data", xerr.Error())

	case exchange.IsTransient(err):
		respondWithError(w, http.StatusBadGateway, "exchange_unavailable", "Exchange is unavailable", err.Error())

	default:
		respondWithError(w, http.StatusInternalServerError, "internal_error", "Internal server error", err.Error())
	}
}
