package publisher

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tradetracker/internal/ports"
)

var errBroker = errors.New("broker down")

// ============================================================
// RedisPublisher
// ============================================================

func TestRedisPublisher_Publish(t *testing.T) {
	client := newFakeRedis()
	p := newRedisPublisher(client, "tracker", nil)

	err := p.Publish(context.Background(), ports.ChannelTradeNew, ports.Payload{ID: 42, ClientID: 7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := client.published["tracker:trade:new"]
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message on tracker:trade:new, got %v", client.published)
	}
	var got Message
	if err := json.Unmarshal(msgs[0], &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Channel != ports.ChannelTradeNew || got.Payload.ID != 42 || got.Payload.ClientID != 7 {
		t.Errorf("message = %+v", got)
	}
	if got.Payload.MessageID == "" || got.Payload.Time.IsZero() {
		t.Error("message id and time should be stamped")
	}
}

func TestRedisPublisher_Channel(t *testing.T) {
	tests := []struct {
		namespace string
		want      string
	}{
		{"", "client:invalid"},
		{"prod", "prod:client:invalid"},
	}
	for _, tt := range tests {
		p := newRedisPublisher(newFakeRedis(), tt.namespace, nil)
		if got := p.Channel(ports.ChannelClientInvalid); got != tt.want {
			t.Errorf("Channel(%q) = %q, want %q", tt.namespace, got, tt.want)
		}
	}
}

func TestRedisPublisher_Error(t *testing.T) {
	client := newFakeRedis()
	client.err = errBroker
	p := newRedisPublisher(client, "", nil)

	err := p.Publish(context.Background(), ports.ChannelBalanceLive, ports.Payload{ID: 1})
	if !errors.Is(err, errBroker) {
		t.Fatalf("expected broker error, got %v", err)
	}
	if !errors.Is(p.Ping(context.Background()), errBroker) {
		t.Error("Ping should report the broker error")
	}
}

// ============================================================
// Fanout
// ============================================================

func TestFanout_PublishesToAll(t *testing.T) {
	ok := &mockPublisher{}
	failing := &mockPublisher{err: errBroker}
	f := NewFanout(nil, failing, nil, ok)

	err := f.Publish(context.Background(), ports.ChannelExecutionNew, ports.Payload{ID: 3})
	if !errors.Is(err, errBroker) {
		t.Fatalf("expected joined broker error, got %v", err)
	}
	if len(ok.calls) != 1 || len(failing.calls) != 1 {
		t.Fatalf("calls: ok=%d failing=%d", len(ok.calls), len(failing.calls))
	}
	if ok.calls[0].Payload.MessageID == "" || ok.calls[0].Payload.MessageID != failing.calls[0].Payload.MessageID {
		t.Error("all targets should receive the same message id")
	}
}

// ============================================================
// Hub
// ============================================================

func runHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func receive(t *testing.T, sub *Subscriber) Message {
	t.Helper()
	select {
	case data, ok := <-sub.C():
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
	return Message{}
}

func TestHub_Delivers(t *testing.T) {
	hub := runHub(t)
	ctx := context.Background()

	all, err := hub.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	trades, err := hub.Subscribe(ctx, "trade:")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := hub.Publish(ctx, ports.ChannelBalanceLive, ports.Payload{ID: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := hub.Publish(ctx, ports.ChannelTradeFinished, ports.Payload{ID: 2}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if m := receive(t, all); m.Channel != ports.ChannelBalanceLive {
		t.Errorf("first message = %+v", m)
	}
	if m := receive(t, all); m.Channel != ports.ChannelTradeFinished {
		t.Errorf("second message = %+v", m)
	}
	if m := receive(t, trades); m.Channel != ports.ChannelTradeFinished || m.Payload.ID != 2 {
		t.Errorf("filtered subscriber got %+v", m)
	}
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	hub := runHub(t)

	slow := &Subscriber{send: make(chan []byte)}
	hub.register <- slow

	if err := hub.Publish(context.Background(), ports.ChannelTradeUpdate, ports.Payload{ID: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow subscriber was not removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := <-slow.C(); ok {
		t.Error("slow subscriber channel should be closed")
	}
}

func TestHub_PublishNonBlocking(t *testing.T) {
	hub := NewHub(nil) // Run не запущен: очередь никто не разбирает

	var busy int
	for i := 0; i < hubQueueSize+10; i++ {
		if err := hub.Publish(context.Background(), ports.ChannelTradeNew, ports.Payload{ID: int64(i)}); errors.Is(err, ErrHubBusy) {
			busy++
		}
	}
	if busy != 10 || hub.DroppedMessages() != 10 {
		t.Errorf("busy = %d, dropped = %d, want 10", busy, hub.DroppedMessages())
	}
}

func TestHub_StopClosesSubscribers(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	sub, err := hub.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	<-stopped

	if _, ok := <-sub.C(); ok {
		t.Error("subscriber channel should be closed after stop")
	}
	if _, err := hub.Subscribe(context.Background()); err == nil {
		t.Error("subscribe after stop should fail")
	}
}

// ============================================================
// WebSocket
// ============================================================

func TestOriginChecker(t *testing.T) {
	checker := NewOriginChecker([]string{"http://localhost:3000", " https://example.com "})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"https://example.com", true},
		{"http://evil.com", false},
	}
	for _, tt := range tests {
		if got := checker.Check(tt.origin); got != tt.want {
			t.Errorf("Check(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}

	if !NewOriginChecker(nil).Check("http://evil.com") {
		t.Error("empty list should allow all origins")
	}
}

func TestServeWS_StreamsPublications(t *testing.T) {
	hub := runHub(t)
	srv := httptest.NewServer(ServeWS(hub, NewOriginChecker(nil), nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?channels=trade:"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx := context.Background()
	hub.Publish(ctx, ports.ChannelBalanceLive, ports.Payload{ID: 1})
	hub.Publish(ctx, ports.ChannelTradeNew, ports.Payload{ID: 9})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Channel != ports.ChannelTradeNew || msg.Payload.ID != 9 {
		t.Errorf("message = %+v", msg)
	}
}
