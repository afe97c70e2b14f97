package publisher

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"tradetracker/internal/ports"
)

// fakeRedis записывает PUBLISH вместо отправки на сервер
type fakeRedis struct {
	mu        sync.Mutex
	published map[string][][]byte
	err       error
	closed    bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{published: make(map[string][][]byte)}
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.published[channel] = append(f.published[channel], message.([]byte))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.err)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

// mockPublisher запоминает публикации
type mockPublisher struct {
	mu    sync.Mutex
	calls []Message
	err   error
}

func (m *mockPublisher) Publish(ctx context.Context, channel string, payload ports.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Message{Channel: channel, Payload: payload})
	return m.err
}
