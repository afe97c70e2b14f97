package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradetracker/internal/models"
	"tradetracker/internal/ports"
	"tradetracker/pkg/utils"
)

type memEventStore struct {
	mu     sync.Mutex
	events []*models.Event
	fired  map[string]bool
}

func (m *memEventStore) ListPendingEvents(ctx context.Context, after time.Time) ([]*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events, nil
}

func (m *memEventStore) MarkEventStage(ctx context.Context, eventID int64, stage models.EventStage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stageKey(eventID, stage)
	if m.fired[key] {
		return false, nil
	}
	m.fired[key] = true
	return true, nil
}

type chanPublisher struct {
	mu       sync.Mutex
	channels []string
}

func (p *chanPublisher) Publish(ctx context.Context, channel string, payload ports.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	return nil
}

func (p *chanPublisher) get() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.channels...)
}

func TestEventManager_FireIsIdempotent(t *testing.T) {
	store := &memEventStore{fired: map[string]bool{}}
	pub := &chanPublisher{}
	m := NewEventManager(store, pub, newTestScheduler(), utils.NewNopLogger())

	ev := &models.Event{ID: 7}
	m.Fire(context.Background(), ev, models.StageStart)
	m.Fire(context.Background(), ev, models.StageStart)

	got := pub.get()
	if len(got) != 1 || got[0] != ports.ChannelEventStart {
		t.Errorf("published %v, want one event:start", got)
	}
}

func TestEventManager_RefreshSchedulesStages(t *testing.T) {
	now := time.Now()
	ev := &models.Event{
		ID:                1,
		RegistrationStart: now.Add(-time.Hour), // уже прошел, но не отмечен
		Start:             now.Add(20 * time.Millisecond),
		RegistrationEnd:   now.Add(time.Hour),
		End:               now.Add(2 * time.Hour),
	}
	done := &models.Event{
		ID:          2,
		End:         now.Add(time.Hour),
		FiredStages: []models.EventStage{models.StageRegistrationStart, models.StageStart, models.StageRegistrationEnd},
	}
	store := &memEventStore{events: []*models.Event{ev, done}, fired: map[string]bool{}}
	pub := &chanPublisher{}
	s := newTestScheduler()
	m := NewEventManager(store, pub, s, utils.NewNopLogger())

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Scheduled() != 5 || s.Len() != 5 {
		t.Fatalf("scheduled = %d (scheduler %d), want 4 stages + 1 end", m.Scheduled(), s.Len())
	}

	runScheduler(t, s)
	waitFor(t, func() bool { return len(pub.get()) == 2 }, "overdue and near stages")

	got := pub.get()
	if got[0] != ports.ChannelEventRegistrationStart || got[1] != ports.ChannelEventStart {
		t.Errorf("published %v", got)
	}
	if m.Scheduled() != 3 {
		t.Errorf("pending stages = %d, want 3", m.Scheduled())
	}
}
