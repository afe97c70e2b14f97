package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradetracker/internal/api/handlers"
	"tradetracker/internal/api/middleware"
	"tradetracker/internal/publisher"
	"tradetracker/internal/valuation"
	"tradetracker/pkg/utils"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Clients        handlers.ClientService
	Checks         map[string]handlers.HealthChecker
	Running        func() int
	Hub            *publisher.Hub
	AllowedOrigins []string
	Currencies     *valuation.Currencies
	Logger         *utils.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	└── /clients/
//	    ├── POST / - регистрация ключей
//	    ├── GET /{id} - состояние клиента
//	    ├── DELETE /{id} - архивировать клиента
//	    ├── POST /{id}/resume - повторный запуск
//	    ├── GET /{id}/balance - последний валидный баланс
//	    ├── POST /{id}/balance - внеочередной опрос
//	    └── GET /{id}/trades - открытые сделки
//
// /ws - поток событий (?channels=trade:,balance:)
// /health, /metrics
//
// Middleware применяется в порядке Recovery, Logging, CORS.
func SetupRoutes(deps *Dependencies) *mux.Router {
	log := deps.Logger
	if log == nil {
		log = utils.L()
	}

	router := mux.NewRouter()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Logging(log))
	router.Use(middleware.CORS(deps.AllowedOrigins))

	api := router.PathPrefix("/api/v1").Subrouter()

	if deps.Clients != nil {
		clientHandler := handlers.NewClientHandler(deps.Clients).WithCurrencies(deps.Currencies)
		api.HandleFunc("/clients", clientHandler.RegisterClient).Methods("POST")
		api.HandleFunc("/clients/{id:[0-9]+}", clientHandler.GetClient).Methods("GET")
		api.HandleFunc("/clients/{id:[0-9]+}", clientHandler.DeleteClient).Methods("DELETE")
		api.HandleFunc("/clients/{id:[0-9]+}/resume", clientHandler.ResumeClient).Methods("POST")
		api.HandleFunc("/clients/{id:[0-9]+}/balance", clientHandler.GetBalance).Methods("GET")
		api.HandleFunc("/clients/{id:[0-9]+}/balance", clientHandler.PollBalance).Methods("POST")
		api.HandleFunc("/clients/{id:[0-9]+}/trades", clientHandler.GetOpenTrades).Methods("GET")
	}

	if deps.Hub != nil {
		router.HandleFunc("/ws", publisher.ServeWS(deps.Hub, publisher.NewOriginChecker(deps.AllowedOrigins), log)).Methods("GET")
	}

	healthHandler := handlers.NewHealthHandler(deps.Checks, deps.Running)
	router.HandleFunc("/health", healthHandler.Health).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}
