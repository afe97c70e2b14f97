// Package exchange нормализованный контракт воркера биржи, общая REST-база,
// подписи, менеджер websocket-сессий и адаптеры бирж.
package exchange

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"
)

// HTTPClientConfig параметры транспорта REST запросов к биржам
type HTTPClientConfig struct {
	Timeout         time.Duration // на запрос целиком (REST_TIMEOUT)
	DialTimeout     time.Duration
	HeaderTimeout   time.Duration // ожидание заголовков ответа
	IdlePerHost     int
	MaxConnsPerHost int
	IdleTimeout     time.Duration
}

// DefaultHTTPClientConfig запрос ограничен 30 секундами
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		Timeout:         30 * time.Second,
		DialTimeout:     5 * time.Second,
		HeaderTimeout:   15 * time.Second,
		IdlePerHost:     10,
		MaxConnsPerHost: 32,
		IdleTimeout:     90 * time.Second,
	}
}

// HTTPClient пул соединений, общий для воркеров. Воркеры одной биржи
// ходят на один хост, поэтому лимиты заданы на хост.
type HTTPClient struct {
	client *http.Client
}

// sharedHTTPClient используется воркерами, которым клиент не передан явно
var sharedHTTPClient = sync.OnceValue(func() *HTTPClient {
	return NewHTTPClient(DefaultHTTPClientConfig())
})

// NewHTTPClient клиент с собственным транспортом
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	return &HTTPClient{client: &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConnsPerHost:   cfg.IdlePerHost,
			MaxConnsPerHost:       cfg.MaxConnsPerHost,
			IdleConnTimeout:       cfg.IdleTimeout,
			ResponseHeaderTimeout: cfg.HeaderTimeout,
			TLSHandshakeTimeout:   5 * time.Second,
			TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}}
}

// WrapHTTPClient оборачивает готовый http.Client (httptest в тестах)
func WrapHTTPClient(c *http.Client) *HTTPClient {
	return &HTTPClient{client: c}
}

// Do выполняет запрос
func (hc *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	return hc.client.Do(req)
}

// Standard http.Client для SDK, которые принимают его напрямую (go-binance)
func (hc *HTTPClient) Standard() *http.Client {
	return hc.client
}

// Close закрывает простаивающие соединения при остановке
func (hc *HTTPClient) Close() {
	hc.client.CloseIdleConnections()
}
