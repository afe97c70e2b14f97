package publisher

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tradetracker/pkg/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// OriginChecker проверка Origin при апгрейде соединения
type OriginChecker struct {
	allowedOrigins map[string]struct{}
	allowAll       bool
}

// NewOriginChecker пустой список или "*" разрешают любой Origin
func NewOriginChecker(origins []string) *OriginChecker {
	c := &OriginChecker{allowedOrigins: make(map[string]struct{})}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			c.allowAll = true
		}
		if o != "" {
			c.allowedOrigins[o] = struct{}{}
		}
	}
	if len(c.allowedOrigins) == 0 {
		c.allowAll = true
	}
	return c
}

// Check разрешен ли Origin
func (oc *OriginChecker) Check(origin string) bool {
	if origin == "" {
		return true // не браузер: curl, сервисы
	}
	if oc.allowAll {
		return true
	}
	_, ok := oc.allowedOrigins[origin]
	return ok
}

// ServeWS отдает поток публикаций хаба по websocket.
// Параметр ?channels=trade:,balance: ограничивает каналы по префиксу.
func ServeWS(hub *Hub, origins *OriginChecker, log *utils.Logger) http.HandlerFunc {
	if log == nil {
		log = utils.NewNopLogger()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return origins.Check(r.Header.Get("Origin"))
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var prefixes []string
		if raw := r.URL.Query().Get("channels"); raw != "" {
			for _, p := range strings.Split(raw, ",") {
				if p = strings.TrimSpace(p); p != "" {
					prefixes = append(prefixes, p)
				}
			}
		}

		sub, err := hub.Subscribe(r.Context(), prefixes...)
		if err != nil {
			http.Error(w, "hub stopped", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.Unsubscribe(sub)
			log.Warn("websocket upgrade failed", utils.Err(err))
			return
		}

		go writePump(conn, sub)
		readPump(conn, hub, sub, log)
	}
}

// readPump читает до закрытия соединения; входящие сообщения игнорируются,
// нужны только pong для продления дедлайна
func readPump(conn *websocket.Conn, hub *Hub, sub *Subscriber, log *utils.Logger) {
	defer func() {
		hub.Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug("websocket closed", utils.Err(err))
			}
			return
		}
	}
}

// writePump пишет сообщения подписчика, по одному на кадр, и шлет ping
func writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
