// statscache.go — кэш агрегированной статистики.
// Основное хранилище — Redis (общий для всех экземпляров backend'а);
// при недоступности или отсутствии Redis используется локальный
// in-memory fallback с тем же TTL.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// statsCacheFallbackSize — размер локального fallback-кэша.
const statsCacheFallbackSize = 64

// StatsCache — кэш JSON-значений статистики с TTL.
type StatsCache struct {
	rdb      *redis.Client
	fallback *expirable.LRU[string, []byte]
	ttl      time.Duration
	logger   *slog.Logger
}

// NewStatsCache создаёт кэш статистики.
// redisAddr пустой — работа только на in-memory fallback.
func NewStatsCache(redisAddr string, ttl time.Duration, logger *slog.Logger) *StatsCache {
	c := &StatsCache{
		fallback: expirable.NewLRU[string, []byte](statsCacheFallbackSize, nil, ttl),
		ttl:      ttl,
		logger:   logger.With(slog.String("component", "stats_cache")),
	}
	if redisAddr != "" {
		c.rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
	}
	return c
}

// Get читает значение по ключу и десериализует его в dest.
// Возвращает true при попадании. Ошибки Redis приводят к переходу
// на fallback, а не к отказу.
func (c *StatsCache) Get(ctx context.Context, key string, dest any) bool {
	if c.rdb != nil {
		data, err := c.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			if json.Unmarshal(data, dest) == nil {
				return true
			}
		case err != redis.Nil:
			c.logger.Warn("Redis недоступен, используется локальный кэш",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}

	data, ok := c.fallback.Get(key)
	if !ok {
		return false
	}
	return json.Unmarshal(data, dest) == nil
}

// Set сериализует значение и сохраняет его с TTL в Redis и fallback.
func (c *StatsCache) Set(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Error("Не удалось сериализовать значение кэша",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return
	}

	c.fallback.Add(key, data)

	if c.rdb != nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("Не удалось записать в Redis",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Invalidate удаляет ключ из обоих уровней кэша.
func (c *StatsCache) Invalidate(ctx context.Context, key string) {
	c.fallback.Remove(key)
	if c.rdb != nil {
		if err := c.rdb.Del(ctx, key).Err(); err != nil {
			c.logger.Warn("Не удалось удалить ключ из Redis",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Close закрывает подключение к Redis.
func (c *StatsCache) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}
