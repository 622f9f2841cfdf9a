// stats.go — HTTP handlers статистики: потребление квот free tier,
// агрегированная статистика платформы, популярные и трендовые конспекты,
// активность пользователей и административные операции со счётчиками.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/jaysurse/edu-desk/internal/api/errors"
	"github.com/jaysurse/edu-desk/internal/api/middleware"
	"github.com/jaysurse/edu-desk/internal/domain/model"
	"github.com/jaysurse/edu-desk/internal/service"
)

// GetUsageStats обрабатывает GET /api/v1/stats/usage.
// Возвращает снимок потребления: счётчики хранилища и операций
// текущего месяца с лимитами и процентами. При недоступности БД
// сервис отдаёт нулевой снимок с настроенными лимитами.
func (h *APIHandler) GetUsageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.usage.Stats(r.Context())
	if err != nil {
		h.logger.Error("Ошибка получения статистики потребления",
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при получении статистики потребления")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// GetPlatformStats обрабатывает GET /api/v1/stats/platform.
// Агрегированная статистика платформы; результат кэшируется.
func (h *APIHandler) GetPlatformStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.analytics.PlatformStats(r.Context())
	if err != nil {
		h.logger.Error("Ошибка получения статистики платформы",
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при получении статистики платформы")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// GetPopularNotes обрабатывает GET /api/v1/stats/popular?limit=N.
func (h *APIHandler) GetPopularNotes(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 10)

	notes, err := h.analytics.PopularNotes(r.Context(), limit)
	if err != nil {
		h.logger.Error("Ошибка получения популярных конспектов",
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при получении популярных конспектов")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": notesToAPI(notes)})
}

// GetTrendingNotes обрабатывает GET /api/v1/stats/trending?limit=N.
// Конспекты со скачиваниями за последнюю неделю, самые скачиваемые первыми.
func (h *APIHandler) GetTrendingNotes(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 10)

	notes, err := h.analytics.TrendingNotes(r.Context(), limit)
	if err != nil {
		h.logger.Error("Ошибка получения трендовых конспектов",
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при получении трендовых конспектов")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": notesToAPI(notes)})
}

// uploaderResponse — представление агрегата активности пользователя.
type uploaderResponse struct {
	UploaderID     string `json:"uploader_id"`
	Uploader       string `json:"uploader"`
	Uploads        int64  `json:"uploads"`
	TotalDownloads int64  `json:"total_downloads"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
}

// uploadersToAPI преобразует агрегаты пользователей в API-формат.
func uploadersToAPI(aggregates []*model.UploaderAggregate) []uploaderResponse {
	items := make([]uploaderResponse, 0, len(aggregates))
	for _, a := range aggregates {
		items = append(items, uploaderResponse{
			UploaderID:     a.UploaderID,
			Uploader:       a.Uploader,
			Uploads:        a.Uploads,
			TotalDownloads: a.TotalDownloads,
			TotalSizeBytes: a.TotalSizeBytes,
		})
	}
	return items
}

// GetTopUploaders обрабатывает GET /api/v1/stats/top-uploaders?limit=N.
func (h *APIHandler) GetTopUploaders(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 10)

	uploaders, err := h.analytics.TopUploaders(r.Context(), limit)
	if err != nil {
		h.logger.Error("Ошибка получения активных пользователей",
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при получении активных пользователей")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": uploadersToAPI(uploaders)})
}

// userStatsResponse — представление профильной статистики пользователя.
type userStatsResponse struct {
	uploaderResponse
	AverageRating float64 `json:"average_rating"`
}

// GetUserStats обрабатывает GET /api/v1/users/{userID}/stats.
// Профильная статистика: загрузки, скачивания, средняя оценка.
func (h *APIHandler) GetUserStats(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	stats, err := h.analytics.UserStats(r.Context(), userID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			apierrors.NotFound(w, "Пользователь не найден")
			return
		}
		h.logger.Error("Ошибка получения статистики пользователя",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при получении статистики пользователя")
		return
	}

	writeJSON(w, http.StatusOK, userStatsResponse{
		uploaderResponse: uploadersToAPI([]*model.UploaderAggregate{&stats.UploaderAggregate})[0],
		AverageRating:    stats.AverageRating,
	})
}

// ListUserActivity обрабатывает GET /api/v1/admin/users.
// Агрегаты активности пользователей для административной панели.
func (h *APIHandler) ListUserActivity(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 200)

	users, err := h.analytics.UserActivity(r.Context(), limit)
	if err != nil {
		h.logger.Error("Ошибка получения активности пользователей",
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при получении активности пользователей")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": uploadersToAPI(users)})
}

// ResetMonthlyOperations обрабатывает POST /api/v1/admin/usage/reset-operations.
// Обнуляет счётчики операций текущего месяца; счётчик хранилища не трогается.
func (h *APIHandler) ResetMonthlyOperations(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())

	if err := h.usage.ResetMonthlyOperations(r.Context()); err != nil {
		h.logger.Error("Ошибка сброса счётчиков операций",
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при сбросе счётчиков операций")
		return
	}

	h.logger.Info("Счётчики операций сброшены администратором",
		slog.String("admin_id", identity.UserID),
		slog.String("admin_email", identity.Email),
	)

	stats, err := h.usage.Stats(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// setStorageRequest — тело POST /api/v1/admin/usage/storage.
type setStorageRequest struct {
	Bytes int64 `json:"bytes"`
}

// SetStorageCounter обрабатывает POST /api/v1/admin/usage/storage.
// Административная корректировка счётчика хранилища (например, после
// offline-компакции удалённых файлов). Отрицательные значения приводятся к нулю.
func (h *APIHandler) SetStorageCounter(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())

	var req setStorageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Некорректный JSON: %s", err.Error()))
		return
	}

	if err := h.usage.ManualStorageReset(r.Context(), req.Bytes); err != nil {
		h.logger.Error("Ошибка корректировки счётчика хранилища",
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при корректировке счётчика хранилища")
		return
	}

	h.logger.Info("Счётчик хранилища скорректирован администратором",
		slog.String("admin_id", identity.UserID),
		slog.Int64("bytes", req.Bytes),
	)

	stats, err := h.usage.Stats(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
