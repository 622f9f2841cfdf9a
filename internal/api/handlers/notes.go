// notes.go — HTTP handlers жизненного цикла конспектов:
// загрузка, получение, обновление, удаление, скачивание, список, поиск.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/jaysurse/edu-desk/internal/api/errors"
	"github.com/jaysurse/edu-desk/internal/api/middleware"
	"github.com/jaysurse/edu-desk/internal/domain/model"
	"github.com/jaysurse/edu-desk/internal/repository"
	"github.com/jaysurse/edu-desk/internal/service"
)

// multipartBufferSize — размер буфера парсинга multipart form в памяти.
const multipartBufferSize = 32 << 20 // 32 MB

// UploadNote обрабатывает POST /api/v1/notes.
// Multipart form: file, title, subject и department — все обязательны.
func (h *APIHandler) UploadNote(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}

	// Жёсткая граница тела запроса: файл + запас на поля формы
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartBufferSize)

	if err := r.ParseMultipartForm(multipartBufferSize); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			apierrors.FileTooLarge(w, fmt.Sprintf("Файл превышает лимит %d байт", h.maxUploadBytes))
			return
		}
		apierrors.ValidationError(w, fmt.Sprintf("Ошибка парсинга multipart: %s", err.Error()))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		apierrors.ValidationError(w, "Поле 'file' обязательно")
		return
	}
	defer file.Close()

	if header.Size > h.maxUploadBytes {
		apierrors.FileTooLarge(w, fmt.Sprintf("Файл превышает лимит %d байт", h.maxUploadBytes))
		return
	}

	// Все текстовые поля обязательны
	for _, field := range []struct {
		name, value string
	}{
		{"title", r.FormValue("title")},
		{"subject", r.FormValue("subject")},
		{"department", r.FormValue("department")},
	} {
		if strings.TrimSpace(field.value) == "" {
			apierrors.ValidationError(w, fmt.Sprintf("Поле '%s' обязательно", field.name))
			return
		}
	}

	// Точная проверка квоты хранилища: размер файла известен
	allowed, reason := h.usage.CheckLimits(r.Context(), model.OpUpload, header.Size)
	if !allowed {
		stats, _ := h.usage.Stats(r.Context())
		apierrors.UsageLimitExceeded(w, reason, stats)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	note, err := h.notes.Upload(r.Context(), service.UploadParams{
		Title:         r.FormValue("title"),
		Subject:       r.FormValue("subject"),
		Department:    r.FormValue("department"),
		Uploader:      identity.Name,
		UploaderID:    identity.UserID,
		UploaderEmail: identity.Email,
		FileName:      header.Filename,
		ContentType:   contentType,
		Content:       file,
	})
	if err != nil {
		if errors.Is(err, service.ErrUnsupportedFile) {
			apierrors.UnsupportedFile(w, "Тип файла не поддерживается")
			return
		}
		h.logger.Error("Ошибка загрузки конспекта",
			slog.String("uploader_id", identity.UserID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при загрузке конспекта")
		return
	}

	// Учитываем занятое место в счётчике хранилища
	middleware.SetByteDelta(r.Context(), note.FileSize)

	// Кэш платформенной статистики устарел
	h.analytics.InvalidatePlatformStats(r.Context())

	writeJSON(w, http.StatusCreated, noteToAPI(note))
}

// GetNote обрабатывает GET /api/v1/notes/{noteID}.
// Возвращает метаданные конспекта, включая удалённые записи
// (у удалённых is_deleted = true).
func (h *APIHandler) GetNote(w http.ResponseWriter, r *http.Request) {
	noteID := chi.URLParam(r, "noteID")

	note, err := h.notes.Get(r.Context(), noteID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			apierrors.NotFound(w, "Конспект не найден")
			return
		}
		h.logger.Error("Ошибка получения конспекта",
			slog.String("note_id", noteID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при получении конспекта")
		return
	}

	writeJSON(w, http.StatusOK, noteToAPI(note))
}

// updateNoteRequest — тело PATCH /api/v1/notes/{noteID}.
type updateNoteRequest struct {
	Title      *string `json:"title"`
	Subject    *string `json:"subject"`
	Department *string `json:"department"`
}

// UpdateNote обрабатывает PATCH /api/v1/notes/{noteID}.
// Частичное обновление метаданных; доступно автору и администраторам.
// Каждое успешное обновление увеличивает version на единицу.
func (h *APIHandler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}
	noteID := chi.URLParam(r, "noteID")

	var req updateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Некорректный JSON: %s", err.Error()))
		return
	}
	if req.Title == nil && req.Subject == nil && req.Department == nil {
		apierrors.ValidationError(w, "Необходимо указать хотя бы одно поле: title, subject или department")
		return
	}
	if req.Title != nil && *req.Title == "" {
		apierrors.ValidationError(w, "Поле 'title' не может быть пустым")
		return
	}

	note, err := h.notes.Update(r.Context(), noteID, identity.UserID, identity.IsAdmin, model.NotePatch{
		Title:      req.Title,
		Subject:    req.Subject,
		Department: req.Department,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrDeleted):
			apierrors.NotFound(w, "Конспект не найден")
		case errors.Is(err, service.ErrForbidden):
			apierrors.Forbidden(w, "Обновление доступно только автору или администратору")
		default:
			h.logger.Error("Ошибка обновления конспекта",
				slog.String("note_id", noteID),
				slog.String("error", err.Error()),
			)
			apierrors.InternalError(w, "Внутренняя ошибка при обновлении конспекта")
		}
		return
	}

	writeJSON(w, http.StatusOK, noteToAPI(note))
}

// DeleteNote обрабатывает DELETE /api/v1/notes/{noteID}.
// Soft delete: запись помечается удалённой, файл в хранилище остаётся.
// Освобождённые байты списываются со счётчика хранилища.
// Повторное удаление идемпотентно: 204 без повторного списания.
func (h *APIHandler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}
	noteID := chi.URLParam(r, "noteID")

	freedBytes, err := h.notes.Delete(r.Context(), noteID, identity.UserID, identity.IsAdmin)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			apierrors.NotFound(w, "Конспект не найден")
		case errors.Is(err, service.ErrForbidden):
			apierrors.Forbidden(w, "Удаление доступно только автору или администратору")
		default:
			h.logger.Error("Ошибка удаления конспекта",
				slog.String("note_id", noteID),
				slog.String("error", err.Error()),
			)
			apierrors.InternalError(w, "Внутренняя ошибка при удалении конспекта")
		}
		return
	}

	middleware.SetByteDelta(r.Context(), -freedBytes)
	h.analytics.InvalidatePlatformStats(r.Context())

	w.WriteHeader(http.StatusNoContent)
}

// DownloadNote обрабатывает GET /api/v1/notes/{noteID}/download.
// Отдаёт содержимое файла и атомарно увеличивает счётчик скачиваний.
func (h *APIHandler) DownloadNote(w http.ResponseWriter, r *http.Request) {
	noteID := chi.URLParam(r, "noteID")

	note, rc, err := h.notes.Download(r.Context(), noteID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			apierrors.NotFound(w, "Конспект не найден")
		case errors.Is(err, service.ErrDeleted):
			apierrors.NotFound(w, "Конспект удалён")
		default:
			h.logger.Error("Ошибка скачивания конспекта",
				slog.String("note_id", noteID),
				slog.String("error", err.Error()),
			)
			apierrors.InternalError(w, "Внутренняя ошибка при скачивании конспекта")
		}
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", note.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(note.FileSize, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", note.FileName))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		// Заголовки уже отправлены; только логируем
		h.logger.Warn("Прерванная отдача файла",
			slog.String("note_id", noteID),
			slog.String("error", err.Error()),
		)
	}
}

// noteListResponse — ответ списка конспектов с пагинацией.
type noteListResponse struct {
	Items   []noteResponse `json:"items"`
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
	HasMore bool           `json:"has_more"`
}

// ListNotes обрабатывает GET /api/v1/notes.
// Пагинация: limit, offset. Фильтры: subject, department, uploader_id.
// Удалённые конспекты в список не попадают.
func (h *APIHandler) ListNotes(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r)

	notes, total, err := h.notes.List(r.Context(), repository.ListParams{
		Subject:    r.URL.Query().Get("subject"),
		Department: r.URL.Query().Get("department"),
		UploaderID: r.URL.Query().Get("uploader_id"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		h.logger.Error("Ошибка получения списка конспектов",
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при получении списка конспектов")
		return
	}

	writeJSON(w, http.StatusOK, noteListResponse{
		Items:   notesToAPI(notes),
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	})
}

// searchResponse — ответ поиска конспектов.
type searchResponse struct {
	Items []noteResponse `json:"items"`
	Query string         `json:"query"`
	Count int            `json:"count"`
}

// SearchNotes обрабатывает GET /api/v1/notes/search?q=...&limit=N.
// Поиск по подстроке без учёта регистра в метаданных конспектов.
func (h *APIHandler) SearchNotes(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit := queryInt(r, "limit", 20)
	if limit < 1 || limit > 100 {
		apierrors.ValidationError(w, "Параметр limit должен быть от 1 до 100")
		return
	}

	notes, err := h.notes.Search(r.Context(), query, limit)
	if err != nil {
		h.logger.Error("Ошибка поиска конспектов",
			slog.String("query", query),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при поиске конспектов")
		return
	}

	writeJSON(w, http.StatusOK, searchResponse{
		Items: notesToAPI(notes),
		Query: query,
		Count: len(notes),
	})
}

// ListSubjects обрабатывает GET /api/v1/subjects.
func (h *APIHandler) ListSubjects(w http.ResponseWriter, r *http.Request) {
	subjects, err := h.notes.Subjects(r.Context())
	if err != nil {
		h.logger.Error("Ошибка получения списка предметов", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка при получении списка предметов")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"subjects": subjects})
}

// ListDepartments обрабатывает GET /api/v1/departments.
func (h *APIHandler) ListDepartments(w http.ResponseWriter, r *http.Request) {
	departments, err := h.notes.Departments(r.Context())
	if err != nil {
		h.logger.Error("Ошибка получения списка кафедр", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка при получении списка кафедр")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"departments": departments})
}
