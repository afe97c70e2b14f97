package publisher

import (
	"context"
	"errors"

	"tradetracker/internal/ports"
	"tradetracker/pkg/utils"
)

// Fanout рассылает каждую публикацию всем публикаторам.
// Ошибка одного не мешает остальным; ошибки логируются и объединяются.
type Fanout struct {
	targets []ports.Publisher
	log     *utils.Logger
}

// NewFanout создает рассылку; nil-публикаторы пропускаются
func NewFanout(log *utils.Logger, targets ...ports.Publisher) *Fanout {
	if log == nil {
		log = utils.NewNopLogger()
	}
	f := &Fanout{log: log.WithComponent("publisher")}
	for _, t := range targets {
		if t != nil {
			f.targets = append(f.targets, t)
		}
	}
	return f
}

// Publish отправляет во все публикаторы одну и ту же нагрузку
func (f *Fanout) Publish(ctx context.Context, channel string, payload ports.Payload) error {
	payload = stamp(payload)

	var errs []error
	for _, t := range f.targets {
		if err := t.Publish(ctx, channel, payload); err != nil {
			f.log.Warn("publish failed", utils.Channel(channel), utils.Err(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
