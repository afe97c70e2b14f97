package publisher

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"tradetracker/internal/ports"
	"tradetracker/pkg/utils"
)

// redisClient часть go-redis, нужная публикатору
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisConfig параметры подключения к Redis
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Namespace string // префикс каналов: <namespace>:<table>:<category>
}

// RedisPublisher публикует события командой PUBLISH.
// Сообщения без подписчиков теряются, это допустимо для fire-and-forget.
type RedisPublisher struct {
	client    redisClient
	namespace string
	log       *utils.Logger
}

// NewRedisPublisher подключается к Redis
func NewRedisPublisher(cfg RedisConfig, log *utils.Logger) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisPublisher(client, cfg.Namespace, log)
}

func newRedisPublisher(client redisClient, namespace string, log *utils.Logger) *RedisPublisher {
	if log == nil {
		log = utils.NewNopLogger()
	}
	return &RedisPublisher{
		client:    client,
		namespace: namespace,
		log:       log.WithComponent("redis-publisher"),
	}
}

// Channel полное имя канала с учетом пространства имен
func (p *RedisPublisher) Channel(channel string) string {
	if p.namespace == "" {
		return channel
	}
	return p.namespace + ":" + channel
}

// Publish отправляет полезную нагрузку в канал
func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload ports.Payload) error {
	payload = stamp(payload)
	data, err := encode(channel, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", channel, err)
	}

	receivers, err := p.client.Publish(ctx, p.Channel(channel), data).Result()
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	p.log.Debug("published",
		utils.Channel(channel),
		utils.Int64("id", payload.ID),
		utils.Int64("receivers", receivers),
	)
	return nil
}

// Ping проверка соединения для /health
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close закрывает соединение
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
