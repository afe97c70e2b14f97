package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"tradetracker/internal/models"
	"tradetracker/internal/ports"
	"tradetracker/pkg/utils"
)

// DefaultEventRefresh период перечитывания соревнований из хранилища
const DefaultEventRefresh = 10 * time.Minute

// EventManager ставит этапы соревнований в планировщик и отрабатывает их.
// Отметка этапа в хранилище атомарна, поэтому повторный запуск этапа
// (рестарт процесса, двойная постановка) ничего не публикует.
type EventManager struct {
	store ports.EventStore
	pub   ports.Publisher
	sched *Scheduler
	log   *utils.Logger
	now   func() time.Time

	mu        sync.Mutex
	scheduled map[string]string // "<event>/<stage>" -> id задачи
}

// NewEventManager создает менеджер этапов
func NewEventManager(store ports.EventStore, pub ports.Publisher, sched *Scheduler, log *utils.Logger) *EventManager {
	if log == nil {
		log = utils.L()
	}
	return &EventManager{
		store:     store,
		pub:       pub,
		sched:     sched,
		log:       log.WithComponent("events"),
		now:       sched.now,
		scheduled: make(map[string]string),
	}
}

// Start ставит известные этапы и периодическое перечитывание соревнований
func (m *EventManager) Start(ctx context.Context, refresh time.Duration) error {
	if refresh <= 0 {
		refresh = DefaultEventRefresh
	}
	if err := m.Refresh(ctx); err != nil {
		return err
	}
	m.sched.Every(refresh, false, "events:refresh", func(ctx context.Context) {
		if err := m.Refresh(ctx); err != nil {
			m.log.Warn("events refresh failed", utils.Err(err))
		}
	})
	return nil
}

// StaleEventWindow соревнования, закончившиеся раньше, не догоняются
const StaleEventWindow = 24 * time.Hour

// Refresh ставит в планировщик неотработанные этапы. Этапы, срок которых уже
// прошел, запускаются сразу.
func (m *EventManager) Refresh(ctx context.Context) error {
	events, err := m.store.ListPendingEvents(ctx, m.now().Add(-StaleEventWindow))
	if err != nil {
		return fmt.Errorf("list pending events: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		for _, stage := range models.EventStages {
			if ev.HasFired(stage) {
				continue
			}
			key := stageKey(ev.ID, stage)
			if _, ok := m.scheduled[key]; ok {
				continue
			}
			ev, stage := ev, stage
			m.scheduled[key] = m.sched.At(ev.At(stage), "event:"+key, func(ctx context.Context) {
				m.Fire(ctx, ev, stage)
			})
		}
	}
	return nil
}

// Fire отрабатывает этап: отмечает его и публикует event:<stage>.
// Повторный вызов для того же этапа ничего не делает.
func (m *EventManager) Fire(ctx context.Context, ev *models.Event, stage models.EventStage) {
	m.mu.Lock()
	delete(m.scheduled, stageKey(ev.ID, stage))
	m.mu.Unlock()

	fired, err := m.store.MarkEventStage(ctx, ev.ID, stage)
	if err != nil {
		m.log.Error("mark event stage", utils.Int64("event_id", ev.ID), utils.String("stage", string(stage)), utils.Err(err))
		return
	}
	if !fired {
		m.log.Debug("event stage already fired", utils.Int64("event_id", ev.ID), utils.String("stage", string(stage)))
		return
	}

	channel := ports.EventChannel(stage)
	m.log.Info("event stage fired", utils.Int64("event_id", ev.ID), utils.Channel(channel))
	if m.pub == nil {
		return
	}
	if err := m.pub.Publish(ctx, channel, ports.Payload{ID: ev.ID, Time: m.now()}); err != nil {
		m.log.Warn("publish failed", utils.Channel(channel), utils.Err(err))
	}
}

// Scheduled число этапов, ожидающих запуска
func (m *EventManager) Scheduled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scheduled)
}

func stageKey(eventID int64, stage models.EventStage) string {
	return strconv.FormatInt(eventID, 10) + "/" + string(stage)
}
