package models

import "time"

// SyncCursor пара отметок, до которых история клиента уже сохранена.
// Курсор только растет: Advance игнорирует время раньше текущей отметки.
type SyncCursor struct {
	LastExecution time.Time `json:"last_execution"`
	LastTransfer  time.Time `json:"last_transfer"`
}

// Min самая ранняя из двух отметок: с нее начинается догрузка истории
func (c SyncCursor) Min() time.Time {
	if c.LastTransfer.Before(c.LastExecution) {
		return c.LastTransfer
	}
	return c.LastExecution
}

// Of возвращает отметку для записи данного вида
func (c SyncCursor) Of(transfer bool) time.Time {
	if transfer {
		return c.LastTransfer
	}
	return c.LastExecution
}

// Advance сдвигает отметку вперед; возвращает false, если t не новее текущей
func (c *SyncCursor) Advance(transfer bool, t time.Time) bool {
	cur := &c.LastExecution
	if transfer {
		cur = &c.LastTransfer
	}
	if !t.After(*cur) {
		return false
	}
	*cur = t
	return true
}
