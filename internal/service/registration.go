package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tradetracker/internal/exchange"
	"tradetracker/internal/models"
	"tradetracker/internal/ports"
	"tradetracker/pkg/crypto"
	"tradetracker/pkg/utils"
)

// RegisterRequest ключи, которые пользователь регистрирует для биржи
type RegisterRequest struct {
	UserID     int64  `json:"user_id"`
	Exchange   string `json:"exchange"`
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
	Subaccount string `json:"subaccount,omitempty"`
	Sandbox    bool   `json:"sandbox"`
}

// RegisterClient проверяет и шифрует ключи, сохраняет клиента в состоянии
// SYNCHRONIZING, публикует client:new и запускает его.
//
// Если биржа отвергла ключи при первом запросе, клиент остается сохраненным
// в INVALID, а вызывающий получает ошибку KindUserInput вместе с клиентом.
func (c *Coordinator) RegisterClient(ctx context.Context, req RegisterRequest) (*models.Client, error) {
	req.Exchange = utils.NormalizeExchange(req.Exchange)
	req.APIKey = strings.TrimSpace(req.APIKey)

	if err := c.workers.Validate(req.Exchange, req.APIKey, req.APISecret, req.Passphrase, req.Subaccount); err != nil {
		return nil, err
	}

	secret, err := crypto.Encrypt([]byte(req.APISecret), c.cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("seal api secret: %w", err)
	}
	var passphrase string
	if req.Passphrase != "" {
		if passphrase, err = crypto.Encrypt([]byte(req.Passphrase), c.cfg.EncryptionKey); err != nil {
			return nil, fmt.Errorf("seal passphrase: %w", err)
		}
	}

	client := &models.Client{
		UserID:     req.UserID,
		Exchange:   req.Exchange,
		APIKey:     req.APIKey,
		APISecret:  secret,
		Passphrase: passphrase,
		Subaccount: req.Subaccount,
		Sandbox:    req.Sandbox,
		State:      models.ClientSynchronizing,
	}
	if err := c.store.SaveClient(ctx, client); err != nil {
		return nil, err
	}
	c.publish(ctx, ports.ChannelClientNew, client.ID, client.ID)
	c.log.Info("client registered", utils.ClientID(client.ID), utils.Exchange(client.Exchange))

	if err := c.startClient(client); err != nil {
		if exchange.IsPermanent(err) {
			client.State = models.ClientInvalid
			client.StateReason = err.Error()
		}
		return client, err
	}
	return client, nil
}

// Resume повторно запускает сохраненного клиента (например, после замены
// ключей клиент INVALID снова переводится в SYNCHRONIZING)
func (c *Coordinator) Resume(ctx context.Context, id int64) error {
	client, err := c.Client(ctx, id)
	if err != nil {
		return err
	}
	if !models.CanTransition(client.State, models.ClientSynchronizing) {
		return fmt.Errorf("client %d is %s", id, client.State)
	}
	if client.State != models.ClientSynchronizing {
		if err := c.store.SetClientState(ctx, id, models.ClientSynchronizing, ""); err != nil {
			return err
		}
		client.State = models.ClientSynchronizing
	}
	return c.startClient(client)
}

// Unregister останавливает клиента и переводит его в ARCHIVED.
// История исполнений и балансов сохраняется.
func (c *Coordinator) Unregister(ctx context.Context, id int64) error {
	client, err := c.Client(ctx, id)
	if err != nil {
		return err
	}

	if h := c.lookup(id); h != nil && c.unregister(h) {
		c.stop(h, true)
	}

	if client.State == models.ClientArchived {
		return nil
	}
	if err := c.store.SetClientState(ctx, id, models.ClientArchived, "unregistered"); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return ErrClientNotFound
		}
		return err
	}
	c.publish(ctx, ports.ChannelClientUpdate, id, id)
	c.log.Info("client archived", utils.ClientID(id))
	return nil
}
