// cache.go — LRU-кэш метаданных конспектов с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jaysurse/edu-desk/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edudesk_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш метаданных конспектов.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edudesk_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша метаданных конспектов.",
	})
)

// CacheService — LRU-кэш метаданных конспектов с автоматическим TTL.
// Каждый экземпляр backend'а имеет собственный in-memory кэш.
type CacheService struct {
	cache *expirable.LRU[string, *model.Note]
}

// NewCacheService создаёт LRU-кэш с указанным максимальным размером и TTL.
func NewCacheService(maxSize int, ttl time.Duration) *CacheService {
	cache := expirable.NewLRU[string, *model.Note](maxSize, nil, ttl)
	return &CacheService{cache: cache}
}

// Get возвращает конспект из кэша по id.
// Возвращает (запись, true) при hit или (nil, false) при miss.
func (c *CacheService) Get(noteID string) (*model.Note, bool) {
	val, ok := c.cache.Get(noteID)
	if ok {
		cacheHitsTotal.Inc()
		return val, true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// Set добавляет или обновляет запись в кэше.
func (c *CacheService) Set(noteID string, note *model.Note) {
	c.cache.Add(noteID, note)
}

// Delete удаляет запись из кэша (инвалидация при update/delete).
func (c *CacheService) Delete(noteID string) {
	c.cache.Remove(noteID)
}
