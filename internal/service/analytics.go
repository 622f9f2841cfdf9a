// analytics.go — агрегированная статистика платформы: количество
// конспектов, занятое место, популярные конспекты. Результаты
// кэшируются в StatsCache.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jaysurse/edu-desk/internal/domain/model"
	"github.com/jaysurse/edu-desk/internal/repository"
)

// Ключи кэша статистики.
const (
	statsCacheKeyPlatform = "stats:platform"
	statsCacheKeyPopular  = "stats:popular"
)

// popularScanWindow — размер окна последних конспектов для выбора популярных.
const popularScanWindow = 500

// nearLimitThreshold — порог (в процентах), после которого счётчик
// использования попадает в near_limits платформенной статистики.
const nearLimitThreshold = 80

// trendingWindow — окно свежести скачиваний для трендовых конспектов.
const trendingWindow = 7 * 24 * time.Hour

// PlatformStats — агрегированная статистика платформы.
type PlatformStats struct {
	TotalNotes      int64    `json:"total_notes"`
	TotalSizeBytes  int64    `json:"total_size_bytes"`
	Subjects        []string `json:"subjects"`
	Departments     []string `json:"departments"`
	TotalDownloads  int64    `json:"total_downloads"`
	PopularSubjects []string `json:"popular_subjects,omitempty"`
	NearLimits      []string `json:"near_limits,omitempty"`
}

// AnalyticsService — сервис агрегированной статистики.
type AnalyticsService struct {
	noteRepo repository.NoteRepository
	usage    *UsageService
	cache    *StatsCache
	logger   *slog.Logger
}

// NewAnalyticsService создаёт сервис статистики.
func NewAnalyticsService(noteRepo repository.NoteRepository, usage *UsageService, cache *StatsCache, logger *slog.Logger) *AnalyticsService {
	return &AnalyticsService{
		noteRepo: noteRepo,
		usage:    usage,
		cache:    cache,
		logger:   logger.With(slog.String("component", "analytics_service")),
	}
}

// PlatformStats возвращает агрегированную статистику платформы.
// Результат кэшируется на TTL StatsCache.
func (s *AnalyticsService) PlatformStats(ctx context.Context) (*PlatformStats, error) {
	var cached PlatformStats
	if s.cache.Get(ctx, statsCacheKeyPlatform, &cached) {
		return &cached, nil
	}

	count, totalBytes, err := s.noteRepo.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("подсчёт конспектов: %w", err)
	}
	subjects, err := s.noteRepo.UniqueSubjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("список предметов: %w", err)
	}
	departments, err := s.noteRepo.UniqueDepartments(ctx)
	if err != nil {
		return nil, fmt.Errorf("список кафедр: %w", err)
	}

	recent, err := s.noteRepo.ListRecent(ctx, popularScanWindow)
	if err != nil {
		return nil, fmt.Errorf("выборка последних конспектов: %w", err)
	}
	var totalDownloads int64
	for _, n := range recent {
		totalDownloads += n.DownloadCount
	}

	// Счётчики, приблизившиеся к лимитам free tier
	_, near, err := s.usage.IsNearLimit(ctx, nearLimitThreshold)
	if err != nil {
		s.logger.Warn("Проверка приближения к лимитам недоступна",
			slog.String("error", err.Error()),
		)
		near = nil
	}

	stats := &PlatformStats{
		TotalNotes:     count,
		TotalSizeBytes: totalBytes,
		Subjects:       subjects,
		Departments:    departments,
		TotalDownloads: totalDownloads,
		NearLimits:     near,
	}
	s.cache.Set(ctx, statsCacheKeyPlatform, stats)
	return stats, nil
}

// PopularNotes возвращает limit конспектов с наибольшим числом скачиваний
// среди последних popularScanWindow записей. Результат кэшируется.
func (s *AnalyticsService) PopularNotes(ctx context.Context, limit int) ([]*model.Note, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}

	var cached []*model.Note
	if s.cache.Get(ctx, statsCacheKeyPopular, &cached) && len(cached) >= limit {
		return cached[:limit], nil
	}

	recent, err := s.noteRepo.ListRecent(ctx, popularScanWindow)
	if err != nil {
		return nil, fmt.Errorf("выборка последних конспектов: %w", err)
	}

	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].DownloadCount > recent[j].DownloadCount
	})
	if len(recent) > limit {
		recent = recent[:limit]
	}

	s.cache.Set(ctx, statsCacheKeyPopular, recent)
	return recent, nil
}

// TrendingNotes возвращает конспекты, скачивавшиеся за последние
// trendingWindow, отсортированные по числу скачиваний. В отличие от
// PopularNotes учитывается свежесть: конспект без недавних скачиваний
// в тренды не попадает.
func (s *AnalyticsService) TrendingNotes(ctx context.Context, limit int) ([]*model.Note, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}

	recent, err := s.noteRepo.ListRecent(ctx, popularScanWindow)
	if err != nil {
		return nil, fmt.Errorf("выборка последних конспектов: %w", err)
	}

	cutoff := time.Now().UTC().Add(-trendingWindow)
	trending := make([]*model.Note, 0, limit)
	for _, n := range recent {
		if n.LastDownloadedAt != nil && n.LastDownloadedAt.After(cutoff) {
			trending = append(trending, n)
		}
	}

	sort.SliceStable(trending, func(i, j int) bool {
		return trending[i].DownloadCount > trending[j].DownloadCount
	})
	if len(trending) > limit {
		trending = trending[:limit]
	}
	return trending, nil
}

// TopUploaders возвращает пользователей с наибольшим числом загрузок.
func (s *AnalyticsService) TopUploaders(ctx context.Context, limit int) ([]*model.UploaderAggregate, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	aggregates, err := s.noteRepo.UploaderAggregates(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("агрегаты пользователей: %w", err)
	}
	return aggregates, nil
}

// UserStats возвращает профильную статистику пользователя.
// Пользователь без единого не удалённого конспекта — ErrNotFound.
func (s *AnalyticsService) UserStats(ctx context.Context, uploaderID string) (*model.UploaderStats, error) {
	stats, err := s.noteRepo.UploaderStats(ctx, uploaderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("статистика пользователя: %w", err)
	}
	return stats, nil
}

// UserActivity возвращает агрегаты активности всех пользователей
// для административной панели, самые активные первыми.
func (s *AnalyticsService) UserActivity(ctx context.Context, limit int) ([]*model.UploaderAggregate, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	aggregates, err := s.noteRepo.UploaderAggregates(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("агрегаты пользователей: %w", err)
	}
	return aggregates, nil
}

// InvalidatePlatformStats сбрасывает кэш статистики.
// Вызывается после загрузки и удаления конспектов.
func (s *AnalyticsService) InvalidatePlatformStats(ctx context.Context) {
	s.cache.Invalidate(ctx, statsCacheKeyPlatform)
	s.cache.Invalidate(ctx, statsCacheKeyPopular)
}
