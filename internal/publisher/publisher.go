// Package publisher реализации порта публикации: Redis pub/sub для внешних
// потребителей, внутрипроцессный Hub для websocket-панелей и Fanout,
// объединяющий несколько публикаторов.
package publisher

import (
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"tradetracker/internal/ports"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message сообщение, как его видят подписчики
type Message struct {
	Channel string        `json:"channel"`
	Payload ports.Payload `json:"payload"`
}

// stamp заполняет идентификатор сообщения и время, если их не задал отправитель
func stamp(payload ports.Payload) ports.Payload {
	if payload.MessageID == "" {
		payload.MessageID = uuid.NewString()
	}
	if payload.Time.IsZero() {
		payload.Time = time.Now().UTC()
	}
	return payload
}

// encode сериализует сообщение канала
func encode(channel string, payload ports.Payload) ([]byte, error) {
	return json.Marshal(&Message{Channel: channel, Payload: payload})
}
