package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"tradetracker/internal/metrics"
	"tradetracker/pkg/utils"
)

// SessionState состояние websocket-сессии
type SessionState int32

const (
	StateIdle SessionState = iota
	StateDialing
	StateAuthing
	StateLive
	StateBackoff
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDialing:
		return "DIALING"
	case StateAuthing:
		return "AUTHING"
	case StateLive:
		return "LIVE"
	case StateBackoff:
		return "BACKOFF"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var errQueueFull = errors.New("session send queue is full")

// textFrame тип кадра для текстовых ping протоколов бирж
const textFrame = websocket.TextMessage

// SessionConfig параметры сессии
type SessionConfig struct {
	// PingInterval период ping; чтение без кадров дольше 2*PingInterval рвет соединение
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	AuthTimeout      time.Duration
	WriteTimeout     time.Duration

	// Переподключение: экспоненциальная задержка с jitter, не больше MaxBackoff
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Ограничение исходящих кадров
	SendRate  float64 // кадров в секунду
	SendBurst int
	QueueSize int
}

// DefaultSessionConfig конфигурация по умолчанию
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		PingInterval:     20 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		AuthTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
		SendRate:         5,
		SendBurst:        10,
		QueueSize:        256,
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.SendRate <= 0 {
		c.SendRate = d.SendRate
	}
	if c.SendBurst <= 0 {
		c.SendBurst = d.SendBurst
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

// Dialect протокол конкретной биржи поверх websocket
type Dialect struct {
	// URL адрес подключения; вызывается на каждое подключение
	// (listen-key Binance и токен KuCoin меняются между подключениями)
	URL func(ctx context.Context) (string, error)

	// Auth кадры аутентификации, вычисляются заново на каждое подключение
	Auth func() ([]interface{}, error)

	// IsAuthAck распознает ответ на аутентификацию. Ошибка означает отказ;
	// KindUserInput закрывает сессию навсегда. nil: LIVE сразу после Auth.
	IsAuthAck func(msg []byte) (bool, error)

	// Ping кадр keepalive; nil: управляющий ping websocket
	Ping func() (int, []byte)

	// IsPong текстовый pong, не передается в onFrame
	IsPong func(msg []byte) bool
}

// Session одна логическая аутентифицированная сессия на аккаунт.
//
// Скрывает цикл подключение - аутентификация - переподключение:
//
//	IDLE -> DIALING -> AUTHING -> LIVE -> BACKOFF -> DIALING ...
//
// CLOSED поглощающее состояние. Подписки, добавленные через Subscribe,
// повторяются по порядку при каждом переходе в LIVE. Кадры внутри одного
// подключения передаются в onFrame в порядке получения.
type Session struct {
	exchange string
	client   string
	dialect  Dialect
	cfg      SessionConfig
	onFrame  func([]byte)
	log      *utils.Logger

	state atomic.Int32

	subsMu sync.Mutex
	subs   []interface{}

	out         chan interface{}
	sendLimiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}

	liveOnce sync.Once
	live     chan struct{}

	failOnce sync.Once
	failed   chan struct{}
	failErr  error

	connMu sync.Mutex
	conn   *websocket.Conn

	onState func(SessionState)
}

// NewSession создает сессию в состоянии IDLE
func NewSession(exchange string, clientID int64, dialect Dialect, cfg SessionConfig, onFrame func([]byte), log *utils.Logger) *Session {
	cfg = cfg.withDefaults()
	if log == nil {
		log = utils.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		exchange:    exchange,
		client:      strconv.FormatInt(clientID, 10),
		dialect:     dialect,
		cfg:         cfg,
		onFrame:     onFrame,
		log:         log.WithComponent("session").WithExchange(exchange).WithClientID(clientID),
		out:         make(chan interface{}, cfg.QueueSize),
		sendLimiter: rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
		ctx:         ctx,
		cancel:      cancel,
		closed:      make(chan struct{}),
		done:        make(chan struct{}),
		live:        make(chan struct{}),
		failed:      make(chan struct{}),
	}
	s.state.Store(int32(StateIdle))
	return s
}

// State текущее состояние
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// setState меняет состояние; из CLOSED выхода нет
func (s *Session) setState(next SessionState) {
	for {
		cur := s.state.Load()
		if SessionState(cur) == StateClosed || SessionState(cur) == next {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			break
		}
	}
	metrics.SessionState.WithLabelValues(s.exchange, s.client).Set(float64(next))
	s.log.Debug("session state", utils.State(next.String()))
	if s.onState != nil {
		s.onState(next)
	}
}

// Open запускает сессию. Идемпотентна: повторный вызов только ждет.
// Возвращается после первого перехода в LIVE или постоянного отказа.
func (s *Session) Open(ctx context.Context) error {
	if s.State() == StateClosed {
		return s.closedErr()
	}
	s.startOnce.Do(func() {
		s.setState(StateDialing)
		go s.run()
	})

	select {
	case <-s.live:
		return nil
	case <-s.closed:
		return s.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) closedErr() error {
	select {
	case <-s.failed:
		return s.failErr
	default:
		return ErrSessionClosed
	}
}

// Subscribe запоминает подписку и отправляет ее, если сессия уже LIVE.
// При каждом переподключении подписки повторяются по порядку.
func (s *Session) Subscribe(frame interface{}) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	s.subsMu.Lock()
	s.subs = append(s.subs, frame)
	live := s.State() == StateLive
	s.subsMu.Unlock()

	if live {
		return s.Send(frame)
	}
	return nil
}

// Send ставит кадр в очередь отправки. Кадры уходят только в LIVE.
func (s *Session) Send(frame interface{}) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	select {
	case s.out <- frame:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		return errQueueFull
	}
}

// Close останавливает переподключения и закрывает соединение
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.closed)
		s.cancel()
		s.closeConn()
	})
	return nil
}

// Drop рвет текущее соединение без закрытия сессии: она уйдет в BACKOFF
// и переподключится с повтором подписок
func (s *Session) Drop() {
	s.closeConn()
}

// Done закрывается, когда цикл сессии завершился
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) fail(err error) {
	s.failOnce.Do(func() {
		s.failErr = err
		close(s.failed)
	})
	s.Close()
}

func (s *Session) setConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *Session) closeConn() {
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connMu.Unlock()
}

// run цикл подключений с экспоненциальной задержкой
func (s *Session) run() {
	defer close(s.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialBackoff
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.RandomizationFactor = 0.5
	bo.Multiplier = 2
	bo.Reset()

	attempt := 0
	for {
		err := s.serve(bo)
		if s.ctx.Err() != nil {
			return
		}
		if IsPermanent(err) {
			s.log.Error("session denied permanently", utils.Err(err))
			s.fail(err)
			return
		}

		attempt++
		s.setState(StateBackoff)
		metrics.SessionReconnects.WithLabelValues(s.exchange).Inc()

		delay := bo.NextBackOff()
		if delay <= 0 || delay > s.cfg.MaxBackoff {
			delay = s.cfg.MaxBackoff
		}
		s.log.Warn("session lost, reconnecting",
			utils.Err(err),
			utils.Attempt(attempt),
			utils.Int64("delay_ms", delay.Milliseconds()))

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.setState(StateDialing)
	}
}

// serve одно подключение: dial, аутентификация, повтор подписок, чтение до ошибки
func (s *Session) serve(bo *backoff.ExponentialBackOff) error {
	ctx := s.ctx

	url, err := s.dialect.URL(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return &Error{Exchange: s.exchange, Kind: KindUnavailable, Message: "dial", Err: err}
	}
	s.setConn(conn)
	defer func() {
		s.setConn(nil)
		conn.Close()
	}()
	// Close мог случиться между dial и setConn
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.setState(StateAuthing)
	if err := s.authenticate(ctx, conn); err != nil {
		return err
	}

	idle := 2 * s.cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	if err := s.goLive(ctx, conn); err != nil {
		return err
	}
	bo.Reset()

	connCtx, cancel := context.WithCancel(ctx)
	writeErr := make(chan error, 1)
	go func() { writeErr <- s.writePump(connCtx, conn) }()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			cancel()
			if werr := <-writeErr; werr != nil {
				return &Error{Exchange: s.exchange, Kind: KindUnavailable, Message: "write", Err: werr}
			}
			return &Error{Exchange: s.exchange, Kind: KindUnavailable, Message: "read", Err: err}
		}
		conn.SetReadDeadline(time.Now().Add(idle))
		if s.dialect.IsPong != nil && s.dialect.IsPong(msg) {
			continue
		}
		if s.onFrame != nil {
			s.onFrame(msg)
		}
	}
}

// goLive повторяет подписки и переводит сессию в LIVE.
// Подписки читаются под тем же lock'ом, что и в Subscribe, чтобы ни одна не потерялась.
func (s *Session) goLive(ctx context.Context, conn *websocket.Conn) error {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for _, sub := range s.subs {
		if err := s.write(ctx, conn, sub); err != nil {
			return &Error{Exchange: s.exchange, Kind: KindUnavailable, Message: "resubscribe", Err: err}
		}
	}
	if len(s.subs) > 0 {
		s.log.Info("subscriptions replayed", utils.Int("count", len(s.subs)))
	}
	s.setState(StateLive)
	s.liveOnce.Do(func() { close(s.live) })
	return nil
}

func (s *Session) authenticate(ctx context.Context, conn *websocket.Conn) error {
	if s.dialect.Auth != nil {
		frames, err := s.dialect.Auth()
		if err != nil {
			return fmt.Errorf("auth frames: %w", err)
		}
		for _, f := range frames {
			if err := s.write(ctx, conn, f); err != nil {
				return &Error{Exchange: s.exchange, Kind: KindUnavailable, Message: "auth write", Err: err}
			}
		}
	}
	if s.dialect.IsAuthAck == nil {
		return nil
	}

	conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return &Error{Exchange: s.exchange, Kind: KindUnavailable, Message: "auth read", Err: err}
		}
		ok, err := s.dialect.IsAuthAck(msg)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

func (s *Session) writePump(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-s.out:
			if err := s.write(ctx, conn, frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				conn.Close()
				return err
			}
		case <-ticker.C:
			if err := s.ping(conn); err != nil {
				conn.Close()
				return err
			}
		}
	}
}

func (s *Session) ping(conn *websocket.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if s.dialect.Ping == nil {
		return conn.WriteMessage(websocket.PingMessage, nil)
	}
	typ, data := s.dialect.Ping()
	return conn.WriteMessage(typ, data)
}

// write отправляет кадр с учетом ограничения скорости
func (s *Session) write(ctx context.Context, conn *websocket.Conn, frame interface{}) error {
	if err := s.sendLimiter.Wait(ctx); err != nil {
		return err
	}
	var data []byte
	switch f := frame.(type) {
	case []byte:
		data = f
	case string:
		data = []byte(f)
	default:
		b, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
		data = b
	}
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
