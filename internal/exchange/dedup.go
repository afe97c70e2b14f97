package exchange

import "sync"

// DedupSet ограниченное множество ключей дедупликации.
// Общий для REST и WS путей одного воркера: запись, уже отданная
// синхронизацией, повторно из потока не приходит.
type DedupSet struct {
	mu    sync.Mutex
	keys  map[string]struct{}
	order []string
	max   int
}

// NewDedupSet создает множество емкостью max (старые ключи вытесняются)
func NewDedupSet(max int) *DedupSet {
	if max <= 0 {
		max = 10000
	}
	return &DedupSet{keys: make(map[string]struct{}, max), max: max}
}

// Seen добавляет ключ и сообщает, был ли он уже
func (d *DedupSet) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.keys[key]; ok {
		return true
	}
	d.add(key)
	return false
}

// Add добавляет ключ
func (d *DedupSet) Add(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.keys[key]; !ok {
		d.add(key)
	}
}

// Has проверяет ключ без добавления
func (d *DedupSet) Has(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.keys[key]
	return ok
}

// Len число ключей
func (d *DedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys)
}

// ВАЖНО: вызывается под lock'ом
func (d *DedupSet) add(key string) {
	if len(d.order) >= d.max {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.keys, oldest)
	}
	d.keys[key] = struct{}{}
	d.order = append(d.order, key)
}
