// community.go — HTTP handlers социальных функций:
// оценки, комментарии, избранное, подборки и жалобы на конспекты.
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

// --- Оценки ---

// rateNoteRequest — тело POST /api/v1/notes/{noteID}/rating.
type rateNoteRequest struct {
	Value int `json:"value"`
}

// RateNote обрабатывает POST /api/v1/notes/{noteID}/rating.
// Повторная оценка того же пользователя перезаписывает предыдущую.
func (h *APIHandler) RateNote(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}
	noteID := chi.URLParam(r, "noteID")

	var req rateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Некорректный JSON: %s", err.Error()))
		return
	}

	err := h.community.RateNote(r.Context(), noteID, identity.UserID, identity.Email, req.Value)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRating):
			apierrors.ValidationError(w, "Оценка должна быть от 1 до 5")
		case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrDeleted):
			apierrors.NotFound(w, "Конспект не найден")
		default:
			h.logger.Error("Ошибка сохранения оценки",
				slog.String("note_id", noteID),
				slog.String("error", err.Error()),
			)
			apierrors.InternalError(w, "Внутренняя ошибка при сохранении оценки")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ratingsResponse — ответ GET /api/v1/notes/{noteID}/ratings.
type ratingsResponse struct {
	Average      float64     `json:"average"`
	Total        int         `json:"total"`
	Distribution map[int]int `json:"distribution"`
	// OwnRating — оценка запрашивающего пользователя, 0 если не оценивал
	OwnRating int `json:"own_rating"`
}

// GetNoteRatings обрабатывает GET /api/v1/notes/{noteID}/ratings.
// Для аутентифицированных пользователей включает их собственную оценку.
func (h *APIHandler) GetNoteRatings(w http.ResponseWriter, r *http.Request) {
	noteID := chi.URLParam(r, "noteID")

	var userID string
	if identity := middleware.IdentityFromContext(r.Context()); identity != nil {
		userID = identity.UserID
	}

	summary, own, err := h.community.NoteRatings(r.Context(), noteID, userID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) || errors.Is(err, service.ErrDeleted) {
			apierrors.NotFound(w, "Конспект не найден")
			return
		}
		h.logger.Error("Ошибка получения оценок",
			slog.String("note_id", noteID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при получении оценок")
		return
	}

	writeJSON(w, http.StatusOK, ratingsResponse{
		Average:      summary.Average,
		Total:        summary.Total,
		Distribution: summary.Distribution,
		OwnRating:    own,
	})
}

// --- Комментарии ---

// addCommentRequest — тело POST /api/v1/notes/{noteID}/comments.
type addCommentRequest struct {
	Text string `json:"text"`
}

// commentResponse — представление комментария в API-ответах.
type commentResponse struct {
	ID        string `json:"id"`
	NoteID    string `json:"note_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Text      string `json:"text"`
	Likes     int64  `json:"likes"`
	CreatedAt string `json:"created_at"`
}

func commentToAPI(c *model.Comment) commentResponse {
	return commentResponse{
		ID:        c.ID,
		NoteID:    c.NoteID,
		UserID:    c.UserID,
		UserName:  c.UserName,
		Text:      c.Text,
		Likes:     c.Likes,
		CreatedAt: formatTime(c.CreatedAt),
	}
}

// AddComment обрабатывает POST /api/v1/notes/{noteID}/comments.
func (h *APIHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}
	noteID := chi.URLParam(r, "noteID")

	var req addCommentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Некорректный JSON: %s", err.Error()))
		return
	}

	comment, err := h.community.AddComment(r.Context(), noteID,
		identity.UserID, identity.Email, identity.Name, req.Text)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmptyComment):
			apierrors.ValidationError(w, "Текст комментария пуст")
		case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrDeleted):
			apierrors.NotFound(w, "Конспект не найден")
		default:
			h.logger.Error("Ошибка сохранения комментария",
				slog.String("note_id", noteID),
				slog.String("error", err.Error()),
			)
			apierrors.InternalError(w, "Внутренняя ошибка при сохранении комментария")
		}
		return
	}

	writeJSON(w, http.StatusCreated, commentToAPI(comment))
}

// ListComments обрабатывает GET /api/v1/notes/{noteID}/comments.
func (h *APIHandler) ListComments(w http.ResponseWriter, r *http.Request) {
	noteID := chi.URLParam(r, "noteID")
	limit, offset := paginationParams(r)

	comments, err := h.community.Comments(r.Context(), noteID, limit, offset)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) || errors.Is(err, service.ErrDeleted) {
			apierrors.NotFound(w, "Конспект не найден")
			return
		}
		h.logger.Error("Ошибка получения комментариев",
			slog.String("note_id", noteID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при получении комментариев")
		return
	}

	items := make([]commentResponse, 0, len(comments))
	for _, c := range comments {
		items = append(items, commentToAPI(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// LikeComment обрабатывает POST /api/v1/comments/{commentID}/like.
func (h *APIHandler) LikeComment(w http.ResponseWriter, r *http.Request) {
	commentID := chi.URLParam(r, "commentID")

	if err := h.community.LikeComment(r.Context(), commentID); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			apierrors.NotFound(w, "Комментарий не найден")
			return
		}
		h.logger.Error("Ошибка лайка комментария",
			slog.String("comment_id", commentID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteComment обрабатывает DELETE /api/v1/comments/{commentID}.
// Пользователь может удалять только собственные комментарии.
func (h *APIHandler) DeleteComment(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}
	commentID := chi.URLParam(r, "commentID")

	if err := h.community.DeleteComment(r.Context(), commentID, identity.UserID); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			apierrors.NotFound(w, "Комментарий не найден")
			return
		}
		h.logger.Error("Ошибка удаления комментария",
			slog.String("comment_id", commentID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Избранное ---

// ToggleFavorite обрабатывает PUT /api/v1/favorites/{noteID}.
// Добавляет конспект в избранное или убирает, если уже добавлен.
func (h *APIHandler) ToggleFavorite(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}
	noteID := chi.URLParam(r, "noteID")

	favorited, err := h.community.ToggleFavorite(r.Context(), identity.UserID, noteID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) || errors.Is(err, service.ErrDeleted) {
			apierrors.NotFound(w, "Конспект не найден")
			return
		}
		h.logger.Error("Ошибка изменения избранного",
			slog.String("note_id", noteID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"favorited": favorited})
}

// ListFavorites обрабатывает GET /api/v1/favorites.
func (h *APIHandler) ListFavorites(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}

	notes, err := h.community.Favorites(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("Ошибка получения избранного",
			slog.String("user_id", identity.UserID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при получении избранного")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": notesToAPI(notes)})
}

// --- Подборки ---

// collectionRequest — тело POST /api/v1/collections.
type collectionRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	NoteIDs     []string `json:"note_ids"`
}

// collectionResponse — представление подборки в API-ответах.
type collectionResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	NoteIDs     []string `json:"note_ids"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

func collectionToAPI(c *model.Collection) collectionResponse {
	noteIDs := c.NoteIDs
	if noteIDs == nil {
		noteIDs = []string{}
	}
	return collectionResponse{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		NoteIDs:     noteIDs,
		CreatedAt:   formatTime(c.CreatedAt),
		UpdatedAt:   formatTime(c.UpdatedAt),
	}
}

// CreateCollection обрабатывает POST /api/v1/collections.
func (h *APIHandler) CreateCollection(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}

	var req collectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Некорректный JSON: %s", err.Error()))
		return
	}
	if req.Name == "" {
		apierrors.ValidationError(w, "Поле 'name' обязательно")
		return
	}

	collection, err := h.community.CreateCollection(r.Context(),
		identity.UserID, req.Name, req.Description, req.NoteIDs)
	if err != nil {
		h.logger.Error("Ошибка создания подборки",
			slog.String("user_id", identity.UserID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при создании подборки")
		return
	}

	writeJSON(w, http.StatusCreated, collectionToAPI(collection))
}

// ListCollections обрабатывает GET /api/v1/collections.
func (h *APIHandler) ListCollections(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}

	collections, err := h.community.Collections(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("Ошибка получения подборок",
			slog.String("user_id", identity.UserID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при получении подборок")
		return
	}

	items := make([]collectionResponse, 0, len(collections))
	for _, c := range collections {
		items = append(items, collectionToAPI(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// updateCollectionRequest — тело PUT /api/v1/collections/{collectionID}/notes.
type updateCollectionRequest struct {
	NoteIDs []string `json:"note_ids"`
}

// UpdateCollectionNotes обрабатывает PUT /api/v1/collections/{collectionID}/notes.
// Полностью заменяет состав подборки.
func (h *APIHandler) UpdateCollectionNotes(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}
	collectionID := chi.URLParam(r, "collectionID")

	var req updateCollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Некорректный JSON: %s", err.Error()))
		return
	}

	if err := h.community.UpdateCollectionNotes(r.Context(), collectionID, identity.UserID, req.NoteIDs); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			apierrors.NotFound(w, "Подборка не найдена")
			return
		}
		h.logger.Error("Ошибка обновления подборки",
			slog.String("collection_id", collectionID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при обновлении подборки")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteCollection обрабатывает DELETE /api/v1/collections/{collectionID}.
func (h *APIHandler) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}
	collectionID := chi.URLParam(r, "collectionID")

	if err := h.community.DeleteCollection(r.Context(), collectionID, identity.UserID); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			apierrors.NotFound(w, "Подборка не найдена")
			return
		}
		h.logger.Error("Ошибка удаления подборки",
			slog.String("collection_id", collectionID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при удалении подборки")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Жалобы ---

// flagNoteRequest — тело POST /api/v1/notes/{noteID}/flag.
type flagNoteRequest struct {
	Reason string `json:"reason"`
}

// flagResponse — представление жалобы в API-ответах.
type flagResponse struct {
	ID         string  `json:"id"`
	NoteID     string  `json:"note_id"`
	ReporterID string  `json:"reporter_id"`
	Reason     string  `json:"reason"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"created_at"`
	ResolvedAt *string `json:"resolved_at,omitempty"`
	ResolvedBy string  `json:"resolved_by,omitempty"`
}

func flagToAPI(f *model.Flag) flagResponse {
	resp := flagResponse{
		ID:         f.ID,
		NoteID:     f.NoteID,
		ReporterID: f.ReporterID,
		Reason:     f.Reason,
		Status:     f.Status,
		CreatedAt:  formatTime(f.CreatedAt),
		ResolvedBy: f.ResolvedBy,
	}
	if f.ResolvedAt != nil {
		s := formatTime(*f.ResolvedAt)
		resp.ResolvedAt = &s
	}
	return resp
}

// FlagNote обрабатывает POST /api/v1/notes/{noteID}/flag.
// Создаёт жалобу на конспект со статусом pending.
func (h *APIHandler) FlagNote(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}
	noteID := chi.URLParam(r, "noteID")

	var req flagNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Некорректный JSON: %s", err.Error()))
		return
	}

	flag, err := h.community.FlagNote(r.Context(), noteID, identity.UserID, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmptyReason):
			apierrors.ValidationError(w, "Поле 'reason' обязательно")
		case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrDeleted):
			apierrors.NotFound(w, "Конспект не найден")
		default:
			h.logger.Error("Ошибка создания жалобы",
				slog.String("note_id", noteID),
				slog.String("error", err.Error()),
			)
			apierrors.InternalError(w, "Внутренняя ошибка при создании жалобы")
		}
		return
	}

	writeJSON(w, http.StatusCreated, flagToAPI(flag))
}

// ListFlags обрабатывает GET /api/v1/admin/flags?status=pending.
// Очередь модерации: жалобы на конспекты, новые первыми.
func (h *APIHandler) ListFlags(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r)
	status := r.URL.Query().Get("status")

	flags, err := h.community.Flags(r.Context(), status, limit, offset)
	if err != nil {
		h.logger.Error("Ошибка получения жалоб",
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при получении жалоб")
		return
	}

	items := make([]flagResponse, 0, len(flags))
	for _, f := range flags {
		items = append(items, flagToAPI(f))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// ResolveFlag обрабатывает POST /api/v1/admin/flags/{flagID}/resolve.
func (h *APIHandler) ResolveFlag(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	flagID := chi.URLParam(r, "flagID")

	if err := h.community.ResolveFlag(r.Context(), flagID, identity.UserID); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			apierrors.NotFound(w, "Жалоба не найдена")
			return
		}
		h.logger.Error("Ошибка разрешения жалобы",
			slog.String("flag_id", flagID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при разрешении жалобы")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
