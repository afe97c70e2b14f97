package service

import (
	"context"
	"time"

	"tradetracker/internal/exchange"
	"tradetracker/internal/metrics"
	"tradetracker/internal/models"
	"tradetracker/internal/ports"
	"tradetracker/pkg/utils"
)

// Исходы опроса баланса для метрик
const (
	pollOK      = "ok"
	pollErrored = "errored"
	pollInvalid = "invalid"
	pollFrozen  = "frozen"
)

// PollBalance внеочередной опрос баланса запущенного клиента
func (c *Coordinator) PollBalance(ctx context.Context, id int64) error {
	h := c.lookup(id)
	if h == nil {
		return ErrClientNotFound
	}
	return c.pollBalance(ctx, h)
}

// pollBalance снимает баланс клиента и сохраняет его.
//
// Временная ошибка биржи записывается ошибочным снимком: последний хороший
// баланс остается действующим. Ошибка ключей переводит клиента в INVALID без
// записи снимка. После ликвидации счета (rekt) записи балансов заморожены.
func (c *Coordinator) pollBalance(ctx context.Context, h *handle) error {
	h.pollMu.Lock()
	defer h.pollMu.Unlock()

	tag := h.worker.Tag()
	log := c.log.WithClientID(h.client.ID).WithExchange(tag)

	if c.isRekt(h) {
		metrics.RecordBalancePoll(tag, pollFrozen)
		return nil
	}

	now, err := c.pollTime(ctx, h.client.ID)
	if err != nil {
		return err
	}

	b, err := h.worker.GetBalance(ctx, now)
	if err != nil {
		if exchange.IsPermanent(err) {
			metrics.RecordBalancePoll(tag, pollInvalid)
			c.invalidate(h, err)
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.RecordBalancePoll(tag, pollErrored)
		log.Warn("balance poll failed", utils.Err(err))

		errored := &models.Balance{
			ClientID: h.client.ID,
			Time:     now,
			Currency: c.cfg.Worker.Quote,
			Error:    err.Error(),
		}
		if saveErr := c.store.SaveBalance(ctx, errored); saveErr != nil {
			log.Error("errored balance not saved", utils.Err(saveErr))
		}
		return err
	}

	b.ClientID = h.client.ID
	b.Time = now
	b.Unrealized = h.syncer.Unrealized(ctx, b.Currency, h.valuator.Convert)

	if err := c.store.SaveBalance(ctx, b); err != nil {
		metrics.RecordBalancePoll(tag, pollErrored)
		log.Error("balance not saved", utils.Err(err))
		return err
	}
	metrics.RecordBalancePoll(tag, pollOK)
	c.publish(ctx, ports.ChannelBalanceLive, b.ID, h.client.ID)
	log.Debug("balance stored",
		utils.Float64("realized", b.Realized),
		utils.Float64("unrealized", b.Unrealized),
		utils.String("currency", b.Currency))

	if b.Total() < c.cfg.RektThreshold {
		c.markRekt(ctx, h, now, b.Total())
	}
	return nil
}

// pollTime момент снимка: не раньше последнего сохраненного, чтобы ряд
// балансов клиента не убывал по времени
func (c *Coordinator) pollTime(ctx context.Context, clientID int64) (time.Time, error) {
	now := c.cfg.Now().UTC()
	last, err := c.store.LastBalanceTime(ctx, clientID)
	if err != nil {
		return time.Time{}, err
	}
	if now.Before(last) {
		return last, nil
	}
	return now, nil
}

func (c *Coordinator) isRekt(h *handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client.IsRekt()
}

// markRekt фиксирует ликвидацию счета; дальнейшие балансы не пишутся
func (c *Coordinator) markRekt(ctx context.Context, h *handle, at time.Time, total float64) {
	if err := c.store.SetRektOn(ctx, h.client.ID, at); err != nil {
		c.log.Error("rekt not recorded", utils.ClientID(h.client.ID), utils.Err(err))
		return
	}
	h.mu.Lock()
	h.client.RektOn = &at
	h.mu.Unlock()

	c.publish(ctx, ports.ChannelClientUpdate, h.client.ID, h.client.ID)
	c.log.Warn("client is rekt, balance writes frozen",
		utils.ClientID(h.client.ID),
		utils.Float64("total", total),
		utils.Float64("threshold", c.cfg.RektThreshold))
}
