package scheduler

import "time"

// entry запланированный запуск задачи
type entry struct {
	id    string
	name  string
	at    time.Time
	seq   uint64 // порядок вставки: при равном времени раньше поставленная задача идет первой
	every time.Duration
	align bool
	fn    Job

	index    int // позиция в куче; -1 если задача снята
	running  bool
	canceled bool
}

// jobHeap min-heap по (at, seq), используется через container/heap
type jobHeap []*entry

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// peek ближайшая задача без извлечения
func (h jobHeap) peek() *entry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
