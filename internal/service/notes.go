// notes.go — сервис жизненного цикла конспектов: загрузка, получение,
// обновление с версионированием, мягкое удаление, скачивание и поиск.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jaysurse/edu-desk/internal/domain/model"
	"github.com/jaysurse/edu-desk/internal/repository"
	"github.com/jaysurse/edu-desk/internal/storage/blobstore"
)

// Ошибки сервисного слоя.
var (
	// ErrNotFound — конспект не найден.
	ErrNotFound = errors.New("конспект не найден")
	// ErrDeleted — конспект помечен удалённым.
	ErrDeleted = errors.New("конспект удалён")
	// ErrForbidden — операция доступна только автору или администратору.
	ErrForbidden = errors.New("недостаточно прав")
	// ErrUnsupportedFile — расширение файла не входит в allowlist.
	ErrUnsupportedFile = errors.New("недопустимый тип файла")
)

// Prometheus-метрики конспектов.
var (
	noteUploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edudesk_note_uploads_total",
		Help: "Количество загрузок конспектов (по статусу).",
	}, []string{"status"})

	noteDownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edudesk_note_downloads_total",
		Help: "Количество скачиваний конспектов (по статусу).",
	}, []string{"status"})

	noteSearchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edudesk_note_search_total",
		Help: "Общее количество поисковых запросов.",
	})

	noteSearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edudesk_note_search_duration_seconds",
		Help:    "Длительность поисковых запросов.",
		Buckets: prometheus.DefBuckets,
	})
)

// searchScanFactor — множитель предвыборки для линейного поиска:
// сканируются limit*searchScanFactor последних записей.
const searchScanFactor = 3

// UploadParams — параметры загрузки конспекта.
type UploadParams struct {
	Title         string
	Subject       string
	Department    string
	Uploader      string
	UploaderID    string
	UploaderEmail string
	FileName      string
	ContentType   string
	Content       io.Reader
}

// NoteService — сервис жизненного цикла конспектов.
type NoteService struct {
	noteRepo   repository.NoteRepository
	blobs      blobstore.Store
	cache      *CacheService
	allowedExt map[string]bool
	logger     *slog.Logger
}

// NewNoteService создаёт сервис конспектов.
// allowedExtensions — список расширений без точки (pdf, docx, ...).
func NewNoteService(
	noteRepo repository.NoteRepository,
	blobs blobstore.Store,
	cache *CacheService,
	allowedExtensions []string,
	logger *slog.Logger,
) *NoteService {
	allowed := make(map[string]bool, len(allowedExtensions))
	for _, ext := range allowedExtensions {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return &NoteService{
		noteRepo:   noteRepo,
		blobs:      blobs,
		cache:      cache,
		allowedExt: allowed,
		logger:     logger.With(slog.String("component", "note_service")),
	}
}

// Upload сохраняет файл в blob-хранилище и создаёт запись конспекта.
// Возвращает созданный конспект. Новый конспект всегда имеет version = 1
// и статус published.
//
// При ошибке записи в БД сохранённый blob удаляется, чтобы не копить
// объекты-сироты.
func (s *NoteService) Upload(ctx context.Context, params UploadParams) (*model.Note, error) {
	if !s.extensionAllowed(params.FileName) {
		noteUploadsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrUnsupportedFile
	}

	key, size, err := s.blobs.Put(params.Content, params.FileName)
	if err != nil {
		noteUploadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("сохранение файла: %w", err)
	}

	now := time.Now().UTC()
	note := &model.Note{
		ID:            uuid.New().String(),
		Title:         params.Title,
		Subject:       params.Subject,
		Department:    params.Department,
		Uploader:      params.Uploader,
		UploaderID:    params.UploaderID,
		UploaderEmail: params.UploaderEmail,
		FileKey:       key,
		FileName:      params.FileName,
		FileSize:      size,
		ContentType:   params.ContentType,
		Status:        model.NoteStatusPublished,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.noteRepo.Create(ctx, note); err != nil {
		if delErr := s.blobs.Delete(key); delErr != nil {
			s.logger.Error("Не удалось удалить blob после ошибки БД",
				slog.String("key", key),
				slog.String("error", delErr.Error()),
			)
		}
		noteUploadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("сохранение конспекта: %w", err)
	}

	s.cache.Set(note.ID, note)
	noteUploadsTotal.WithLabelValues("success").Inc()

	s.logger.Info("Конспект загружен",
		slog.String("note_id", note.ID),
		slog.String("subject", note.Subject),
		slog.Int64("size", size),
	)
	return note, nil
}

// Get возвращает конспект по id, включая удалённые.
// Прямой доступ по id работает всегда; удалённые скрывают только
// list и search.
func (s *NoteService) Get(ctx context.Context, id string) (*model.Note, error) {
	if note, ok := s.cache.Get(id); ok {
		return note, nil
	}

	note, err := s.noteRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение конспекта: %w", err)
	}

	s.cache.Set(id, note)
	return note, nil
}

// Update применяет patch к конспекту автора. Каждое успешное обновление
// увеличивает version на единицу. Обновлять может только автор
// (или администратор — isAdmin).
func (s *NoteService) Update(ctx context.Context, id, actorID string, isAdmin bool, patch model.NotePatch) (*model.Note, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.IsDeleted {
		return nil, ErrDeleted
	}
	if existing.UploaderID != actorID && !isAdmin {
		return nil, ErrForbidden
	}

	updated, err := s.noteRepo.Update(ctx, id, patch)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("обновление конспекта: %w", err)
	}

	s.cache.Set(id, updated)
	return updated, nil
}

// Delete мягко удаляет конспект: запись остаётся в БД с is_deleted = TRUE,
// файл в blob-хранилище сохраняется. Удалять может только автор
// (или администратор). Возвращает размер файла — вызывающий код
// передаёт его в учёт использования как отрицательную дельту.
// Идемпотентен: повторное удаление успешно и возвращает нулевую дельту,
// чтобы байты не списывались дважды.
func (s *NoteService) Delete(ctx context.Context, id, actorID string, isAdmin bool) (int64, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if existing.UploaderID != actorID && !isAdmin {
		return 0, ErrForbidden
	}
	if existing.IsDeleted {
		return 0, nil
	}

	if err := s.noteRepo.SoftDelete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("удаление конспекта: %w", err)
	}

	s.cache.Delete(id)
	s.logger.Info("Конспект удалён",
		slog.String("note_id", id),
		slog.String("actor_id", actorID),
	)
	return existing.FileSize, nil
}

// Download открывает файл конспекта для чтения и атомарно увеличивает
// счётчик скачиваний. Скачивание удалённых конспектов недоступно.
// Вызывающий код обязан закрыть ReadCloser.
func (s *NoteService) Download(ctx context.Context, id string) (*model.Note, io.ReadCloser, error) {
	note, err := s.Get(ctx, id)
	if err != nil {
		noteDownloadsTotal.WithLabelValues("not_found").Inc()
		return nil, nil, err
	}
	if note.IsDeleted {
		noteDownloadsTotal.WithLabelValues("deleted").Inc()
		return nil, nil, ErrDeleted
	}

	rc, err := s.blobs.Get(note.FileKey)
	if err != nil {
		noteDownloadsTotal.WithLabelValues("blob_error").Inc()
		return nil, nil, fmt.Errorf("открытие файла конспекта: %w", err)
	}

	// Инкремент на стороне БД; кэшированная копия устаревает
	if err := s.noteRepo.IncrementDownloadCount(ctx, id); err != nil {
		s.logger.Error("Не удалось увеличить счётчик скачиваний",
			slog.String("note_id", id),
			slog.String("error", err.Error()),
		)
	}
	s.cache.Delete(id)

	noteDownloadsTotal.WithLabelValues("success").Inc()
	return note, rc, nil
}

// List возвращает страницу конспектов с фильтрами.
func (s *NoteService) List(ctx context.Context, params repository.ListParams) ([]*model.Note, int, error) {
	notes, total, err := s.noteRepo.List(ctx, params)
	if err != nil {
		return nil, 0, fmt.Errorf("список конспектов: %w", err)
	}
	return notes, total, nil
}

// Search выполняет поиск по подстроке без учёта регистра в полях
// title, subject, uploader, department и file_name.
//
// Линейный проход по limit*3 последним опубликованным конспектам
// с остановкой на limit совпадениях. Удалённые и неопубликованные
// записи в выборку не попадают.
func (s *NoteService) Search(ctx context.Context, query string, limit int) ([]*model.Note, error) {
	start := time.Now()
	noteSearchTotal.Inc()

	if limit <= 0 {
		limit = 20
	}

	candidates, err := s.noteRepo.ListRecent(ctx, limit*searchScanFactor)
	if err != nil {
		return nil, fmt.Errorf("выборка кандидатов поиска: %w", err)
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	var result []*model.Note
	for _, note := range candidates {
		if len(result) >= limit {
			break
		}
		if needle == "" || noteMatches(note, needle) {
			result = append(result, note)
		}
	}

	duration := time.Since(start)
	noteSearchDuration.Observe(duration.Seconds())

	s.logger.Debug("Поиск выполнен",
		slog.String("query", query),
		slog.Int("scanned", len(candidates)),
		slog.Int("matched", len(result)),
		slog.Duration("duration", duration),
	)
	return result, nil
}

// Subjects возвращает список предметов не удалённых конспектов.
func (s *NoteService) Subjects(ctx context.Context) ([]string, error) {
	return s.noteRepo.UniqueSubjects(ctx)
}

// Departments возвращает список кафедр не удалённых конспектов.
func (s *NoteService) Departments(ctx context.Context) ([]string, error) {
	return s.noteRepo.UniqueDepartments(ctx)
}

// noteMatches проверяет вхождение подстроки в поля конспекта.
func noteMatches(note *model.Note, needle string) bool {
	for _, field := range []string{
		note.Title, note.Subject, note.Uploader, note.Department, note.FileName,
	} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// extensionAllowed проверяет расширение файла по allowlist.
// Пустой allowlist разрешает любые файлы.
func (s *NoteService) extensionAllowed(filename string) bool {
	if len(s.allowedExt) == 0 {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	return s.allowedExt[ext]
}
