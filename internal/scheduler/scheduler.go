// Package scheduler планировщик периодической работы ядра: опросы балансов,
// продление listen-key, пересчет нереализованного PnL и этапы соревнований.
//
// Все задачи лежат в одной min-heap по времени запуска. Цикл спит до ближайшей
// задачи и просыпается раньше, если поставлена задача на более ранний момент.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"tradetracker/internal/metrics"
	"tradetracker/pkg/utils"
)

// Job работа задачи; ctx отменяется при остановке планировщика
type Job func(ctx context.Context)

// Scheduler планировщик задач
type Scheduler struct {
	mu   sync.Mutex
	jobs jobHeap
	byID map[string]*entry
	seq  uint64
	wake chan struct{}
	log  *utils.Logger
	now  func() time.Time
	wg   conc.WaitGroup
}

// Option настройка планировщика
type Option func(*Scheduler)

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger задает логгер
func WithLogger(l *utils.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// New создает планировщик
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		byID: make(map[string]*entry),
		wake: make(chan struct{}, 1),
		now:  time.Now,
		log:  utils.L(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithComponent("scheduler")
	return s
}

// At ставит разовую задачу на момент at и возвращает ее id
func (s *Scheduler) At(at time.Time, name string, fn Job) string {
	return s.add(&entry{name: name, at: at, fn: fn})
}

// After ставит разовую задачу через d
func (s *Scheduler) After(d time.Duration, name string, fn Job) string {
	return s.At(s.now().Add(d), name, fn)
}

// Every ставит периодическую задачу. При align первый и последующие запуски
// приходятся на границы интервала в UTC (для часа это начало каждого часа),
// иначе первый запуск через interval от текущего момента.
func (s *Scheduler) Every(interval time.Duration, align bool, name string, fn Job) string {
	e := &entry{name: name, every: interval, align: align, fn: fn}
	e.at = s.next(e, s.now())
	return s.add(e)
}

func (s *Scheduler) next(e *entry, from time.Time) time.Time {
	if e.align {
		return utils.NextBoundary(from, e.every)
	}
	return from.Add(e.every)
}

// following срок периодической задачи после запуска, запланированного на planned.
// Пропущенные из-за задержки сроки не наверстываются.
func (s *Scheduler) following(e *entry, planned, now time.Time) time.Time {
	if e.align {
		if now.After(planned) {
			return utils.NextBoundary(now, e.every)
		}
		return utils.NextBoundary(planned, e.every)
	}
	next := planned.Add(e.every)
	if !next.After(now) {
		next = now.Add(e.every)
	}
	return next
}

func (s *Scheduler) add(e *entry) string {
	e.id = uuid.NewString()

	s.mu.Lock()
	s.seq++
	e.seq = s.seq
	s.byID[e.id] = e
	heap.Push(&s.jobs, e)
	earliest := s.jobs.peek() == e
	s.mu.Unlock()

	if earliest {
		s.signal()
	}
	return e.id
}

// Cancel снимает задачу; false, если такой нет
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	e.canceled = true
	delete(s.byID, id)
	if e.index >= 0 {
		heap.Remove(&s.jobs, e.index)
	}
	return true
}

// Len число запланированных задач
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// NextRun время ближайшего запуска задачи
func (s *Scheduler) NextRun(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok || e.index < 0 {
		return time.Time{}, false
	}
	return e.at, true
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run крутит цикл до отмены ctx, затем ждет завершения запущенных задач
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.wg.Wait()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, wait := s.popDue()
		for _, e := range due {
			s.launch(ctx, e)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// popDue извлекает задачи, время которых пришло, и считает паузу до следующей
func (s *Scheduler) popDue() ([]*entry, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*entry
	for {
		e := s.jobs.peek()
		if e == nil {
			return due, time.Hour
		}
		if e.at.After(now) {
			return due, e.at.Sub(now)
		}
		heap.Pop(&s.jobs)
		due = append(due, e)
	}
}

// launch запускает задачу в отдельной горутине. Периодическая задача сразу
// ставится на следующий срок; если прошлый запуск еще идет, текущий пропускается.
func (s *Scheduler) launch(ctx context.Context, e *entry) {
	s.mu.Lock()
	planned := e.at
	skip := e.running
	if e.every > 0 && !e.canceled {
		e.at = s.following(e, planned, s.now())
		heap.Push(&s.jobs, e)
	} else {
		delete(s.byID, e.id)
	}
	if !skip {
		e.running = true
	}
	s.mu.Unlock()

	if skip {
		s.log.Warn("previous run still active, skipping", utils.String("job", e.name))
		return
	}

	metrics.SchedulerLag.Observe(float64(s.now().Sub(planned).Microseconds()) / 1000)
	s.wg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job panicked", utils.String("job", e.name), utils.Any("panic", r))
			}
			s.mu.Lock()
			e.running = false
			s.mu.Unlock()
		}()
		e.fn(ctx)
	})
}
