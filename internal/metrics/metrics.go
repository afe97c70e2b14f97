// Package metrics Prometheus метрики трекера.
//
// Все метрики регистрируются в DefaultRegisterer через promauto и отдаются
// на /metrics обработчиком promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tradetracker"

// ============ REST ============

// RESTLatency время ответа биржи
var RESTLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "exchange",
		Name:      "rest_latency_ms",
		Help:      "Exchange REST request latency in milliseconds",
		Buckets:   []float64{25, 50, 100, 200, 400, 800, 1500, 3000, 10000},
	},
	[]string{"exchange", "endpoint"},
)

// RESTErrors ошибки REST по классам
var RESTErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "exchange",
		Name:      "rest_errors_total",
		Help:      "Classified exchange REST errors",
	},
	[]string{"exchange", "kind"},
)

// ============ Websocket ============

// SessionState текущее состояние сессии (номер состояния)
var SessionState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "state",
		Help:      "Websocket session state (0=idle 1=dialing 2=authing 3=live 4=backoff 5=closed)",
	},
	[]string{"exchange", "client"},
)

// SessionReconnects переходы в BACKOFF
var SessionReconnects = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "reconnects_total",
		Help:      "Number of websocket session reconnects",
	},
	[]string{"exchange"},
)

// ============ Синхронизация ============

// ExecutionsIngested сохраненные исполнения
var ExecutionsIngested = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "executions_ingested_total",
		Help:      "Executions persisted by the sync engine",
	},
	[]string{"exchange", "source"}, // source: rest, ws
)

// DuplicatesSkipped пропущенные повторы
var DuplicatesSkipped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "duplicates_skipped_total",
		Help:      "Records skipped as already ingested",
	},
	[]string{"exchange"},
)

// TradesFinished закрытые сделки по результату
var TradesFinished = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "trades_finished_total",
		Help:      "Finished trades by status",
	},
	[]string{"exchange", "status"},
)

// ============ Балансы ============

// BalancePolls опросы балансов по исходу
var BalancePolls = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "balance",
		Name:      "polls_total",
		Help:      "Balance polls by outcome",
	},
	[]string{"exchange", "outcome"}, // ok, errored, frozen, invalid
)

// ActiveClients клиенты с живым воркером
var ActiveClients = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "service",
		Name:      "active_clients",
		Help:      "Clients with a running worker",
	},
)

// ============ Планировщик ============

// SchedulerLag запаздывание запуска задачи относительно плана
var SchedulerLag = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "lag_ms",
		Help:      "Delay between planned and actual job start in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
	},
)

// PublishFailures неудачные публикации
var PublishFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "publisher",
		Name:      "failures_total",
		Help:      "Failed publications by channel",
	},
	[]string{"channel"},
)

// ============ Вспомогательные функции ============

// RecordREST записывает латентность запроса
func RecordREST(exchange, endpoint string, latencyMs float64) {
	RESTLatency.WithLabelValues(exchange, endpoint).Observe(latencyMs)
}

// RecordRESTError записывает классифицированную ошибку
func RecordRESTError(exchange, kind string) {
	RESTErrors.WithLabelValues(exchange, kind).Inc()
}

// RecordIngested записывает сохраненное исполнение
func RecordIngested(exchange, source string) {
	ExecutionsIngested.WithLabelValues(exchange, source).Inc()
}

// RecordTradeFinished записывает закрытую сделку
func RecordTradeFinished(exchange, status string) {
	TradesFinished.WithLabelValues(exchange, status).Inc()
}

// RecordBalancePoll записывает исход опроса баланса
func RecordBalancePoll(exchange, outcome string) {
	BalancePolls.WithLabelValues(exchange, outcome).Inc()
}
