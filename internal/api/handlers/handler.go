// handler.go — основной обработчик API EDU-DESK backend.
// Объединяет сервисы и собирает дерево маршрутов chi с per-route
// middleware: аутентификация, учёт квот, проверка прав администратора.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jaysurse/edu-desk/internal/api/middleware"
	"github.com/jaysurse/edu-desk/internal/domain/model"
	"github.com/jaysurse/edu-desk/internal/service"
)

// APIHandler — основной обработчик API EDU-DESK.
// Делегирует бизнес-логику в сервисный слой.
type APIHandler struct {
	notes     *service.NoteService
	usage     *service.UsageService
	community *service.CommunityService
	analytics *service.AnalyticsService
	health    *HealthHandler

	maxUploadBytes int64
	logger         *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	notes *service.NoteService,
	usage *service.UsageService,
	community *service.CommunityService,
	analytics *service.AnalyticsService,
	health *HealthHandler,
	maxUploadBytes int64,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		notes:          notes,
		usage:          usage,
		community:      community,
		analytics:      analytics,
		health:         health,
		maxUploadBytes: maxUploadBytes,
		logger:         logger.With(slog.String("component", "api_handler")),
	}
}

// Routes собирает дерево маршрутов API.
// auth — JWT middleware; при nil аутентифицируемые маршруты не монтируются
// (используется в тестах отдельных групп endpoints).
func (h *APIHandler) Routes(auth *middleware.JWTAuth) chi.Router {
	r := chi.NewRouter()

	// Health и метрики — без аутентификации и учёта квот
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		// Публичные read endpoints: аутентификация опциональна,
		// операции чтения учитываются в квоте Class B
		r.Group(func(r chi.Router) {
			if auth != nil {
				r.Use(auth.OptionalMiddleware())
			}

			r.With(middleware.TrackUsage(h.usage, model.OpList)).
				Get("/notes", h.ListNotes)
			r.With(middleware.TrackUsage(h.usage, model.OpGetMetadata)).
				Get("/notes/{noteID}", h.GetNote)
			r.With(middleware.TrackUsage(h.usage, model.OpDownload)).
				Get("/notes/{noteID}/download", h.DownloadNote)
			r.With(middleware.TrackUsage(h.usage, model.OpSearch)).
				Get("/notes/search", h.SearchNotes)

			r.Get("/subjects", h.ListSubjects)
			r.Get("/departments", h.ListDepartments)
			r.Get("/notes/{noteID}/ratings", h.GetNoteRatings)
			r.Get("/notes/{noteID}/comments", h.ListComments)
			r.Get("/stats/platform", h.GetPlatformStats)
			r.Get("/stats/popular", h.GetPopularNotes)
			r.Get("/stats/trending", h.GetTrendingNotes)
			r.Get("/stats/top-uploaders", h.GetTopUploaders)
			r.Get("/users/{userID}/stats", h.GetUserStats)
		})

		// Аутентифицируемые endpoints
		r.Group(func(r chi.Router) {
			if auth != nil {
				r.Use(auth.Middleware())
			}

			r.With(middleware.TrackUsage(h.usage, model.OpUpload)).
				Post("/notes", h.UploadNote)
			r.With(middleware.TrackUsage(h.usage, model.OpDelete)).
				Delete("/notes/{noteID}", h.DeleteNote)
			r.Patch("/notes/{noteID}", h.UpdateNote)

			r.Post("/notes/{noteID}/rating", h.RateNote)
			r.Post("/notes/{noteID}/flag", h.FlagNote)
			r.Post("/notes/{noteID}/comments", h.AddComment)
			r.Post("/comments/{commentID}/like", h.LikeComment)
			r.Delete("/comments/{commentID}", h.DeleteComment)

			r.Put("/favorites/{noteID}", h.ToggleFavorite)
			r.Get("/favorites", h.ListFavorites)

			r.Post("/collections", h.CreateCollection)
			r.Get("/collections", h.ListCollections)
			r.Put("/collections/{collectionID}/notes", h.UpdateCollectionNotes)
			r.Delete("/collections/{collectionID}", h.DeleteCollection)

			r.Get("/stats/usage", h.GetUsageStats)

			// Admin-операции
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin())
				r.Post("/admin/usage/reset-operations", h.ResetMonthlyOperations)
				r.Post("/admin/usage/storage", h.SetStorageCounter)
				r.Get("/admin/flags", h.ListFlags)
				r.Post("/admin/flags/{flagID}/resolve", h.ResolveFlag)
				r.Get("/admin/users", h.ListUserActivity)
			})
		})
	})

	return r
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// queryInt извлекает целочисленный query-параметр с значением по умолчанию.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// paginationParams нормализует limit и offset из query-параметров.
func paginationParams(r *http.Request) (limit, offset int) {
	limit = queryInt(r, "limit", 50)
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}
	offset = queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// noteResponse — представление конспекта в API-ответах.
// FileKey не включается: внутренний идентификатор blob-хранилища.
type noteResponse struct {
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	Subject          string  `json:"subject"`
	Department       string  `json:"department"`
	Uploader         string  `json:"uploader"`
	UploaderID       string  `json:"uploader_id"`
	FileName         string  `json:"file_name"`
	FileSize         int64   `json:"file_size"`
	ContentType      string  `json:"content_type"`
	DownloadCount    int64   `json:"download_count"`
	Status           string  `json:"status"`
	IsDeleted        bool    `json:"is_deleted,omitempty"`
	Version          int     `json:"version"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
	LastDownloadedAt *string `json:"last_downloaded_at,omitempty"`
}

// noteToAPI преобразует доменную модель конспекта в API-формат.
func noteToAPI(n *model.Note) noteResponse {
	resp := noteResponse{
		ID:            n.ID,
		Title:         n.Title,
		Subject:       n.Subject,
		Department:    n.Department,
		Uploader:      n.Uploader,
		UploaderID:    n.UploaderID,
		FileName:      n.FileName,
		FileSize:      n.FileSize,
		ContentType:   n.ContentType,
		DownloadCount: n.DownloadCount,
		Status:        n.Status,
		IsDeleted:     n.IsDeleted,
		Version:       n.Version,
		CreatedAt:     formatTime(n.CreatedAt),
		UpdatedAt:     formatTime(n.UpdatedAt),
	}
	if n.LastDownloadedAt != nil {
		s := formatTime(*n.LastDownloadedAt)
		resp.LastDownloadedAt = &s
	}
	return resp
}

// notesToAPI преобразует срез конспектов.
func notesToAPI(notes []*model.Note) []noteResponse {
	items := make([]noteResponse, 0, len(notes))
	for _, n := range notes {
		items = append(items, noteToAPI(n))
	}
	return items
}

// formatTime форматирует время для API-ответов.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
