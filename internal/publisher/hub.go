package publisher

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"tradetracker/internal/ports"
	"tradetracker/pkg/utils"
)

// ErrHubBusy очередь рассылки переполнена, сообщение отброшено
var ErrHubBusy = errors.New("hub broadcast queue is full")

const (
	hubQueueSize         = 256
	subscriberBufferSize = 512
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 256))
	},
}

// Subscriber получатель сообщений хаба
type Subscriber struct {
	send     chan []byte
	prefixes []string
}

// C канал сообщений; закрывается при отписке или остановке хаба
func (s *Subscriber) C() <-chan []byte {
	return s.send
}

func (s *Subscriber) wants(channel string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(channel, p) {
			return true
		}
	}
	return false
}

type hubMessage struct {
	channel string
	data    []byte
}

// Hub рассылает публикации подписчикам внутри процесса (websocket-панели).
//
// Publish не блокируется: при переполненной очереди сообщение отбрасывается.
// Подписчик, который не успевает читать, отключается.
type Hub struct {
	clients    map[*Subscriber]bool
	broadcast  chan hubMessage
	register   chan *Subscriber
	unregister chan *Subscriber
	done       chan struct{}

	mu      sync.RWMutex
	dropped atomic.Int64
	log     *utils.Logger
}

// NewHub создает хаб; запуск через Run
func NewHub(log *utils.Logger) *Hub {
	if log == nil {
		log = utils.NewNopLogger()
	}
	return &Hub{
		clients:    make(map[*Subscriber]bool),
		broadcast:  make(chan hubMessage, hubQueueSize),
		register:   make(chan *Subscriber),
		unregister: make(chan *Subscriber),
		done:       make(chan struct{}),
		log:        log.WithComponent("hub"),
	}
}

// Run главный цикл хаба до отмены контекста
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for s := range h.clients {
			delete(h.clients, s)
			close(s.send)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case s := <-h.register:
			h.mu.Lock()
			h.clients[s] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("subscriber connected", utils.Int("subscribers", n))

		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[s]; ok {
				delete(h.clients, s)
				close(s.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Subscriber, 0, len(h.clients))
			for s := range h.clients {
				if s.wants(msg.channel) {
					clients = append(clients, s)
				}
			}
			h.mu.RUnlock()

			var slow []*Subscriber
			for _, s := range clients {
				select {
				case s.send <- msg.data:
				default:
					slow = append(slow, s)
				}
			}

			if len(slow) > 0 {
				h.mu.Lock()
				for _, s := range slow {
					if _, ok := h.clients[s]; ok {
						delete(h.clients, s)
						close(s.send)
					}
				}
				n := len(h.clients)
				h.mu.Unlock()
				h.log.Warn("removed slow subscribers", utils.Int("removed", len(slow)), utils.Int("subscribers", n))
			}
		}
	}
}

// Subscribe регистрирует подписчика. Пустой список префиксов означает все каналы,
// иначе доставляются только каналы с одним из префиксов ("trade:", "balance:").
func (h *Hub) Subscribe(ctx context.Context, prefixes ...string) (*Subscriber, error) {
	s := &Subscriber{send: make(chan []byte, subscriberBufferSize), prefixes: prefixes}
	select {
	case h.register <- s:
		return s, nil
	case <-h.done:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unsubscribe отключает подписчика
func (h *Hub) Unsubscribe(s *Subscriber) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Publish ставит сообщение в очередь рассылки
func (h *Hub) Publish(ctx context.Context, channel string, payload ports.Payload) error {
	payload = stamp(payload)

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(&Message{Channel: channel, Payload: payload}); err != nil {
		return err
	}
	data := bytes.TrimRight(buf.Bytes(), "\n")
	msg := hubMessage{channel: channel, data: append([]byte(nil), data...)}

	select {
	case h.broadcast <- msg:
		return nil
	default:
		h.dropped.Add(1)
		return ErrHubBusy
	}
}

// ClientCount количество подписчиков
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages сколько сообщений отброшено из-за переполненной очереди
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
