package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jaysurse/edu-desk/internal/domain/model"
)

// noteColumns — список столбцов таблицы notes для SELECT-запросов.
// DRY: одно место для всех SELECT'ов.
const noteColumns = `id, title, subject, department, uploader, uploader_id,
	uploader_email, file_key, file_name, file_size, content_type,
	download_count, status, is_deleted, version, created_at, updated_at,
	last_downloaded_at`

// ListParams — параметры постраничного списка конспектов.
type ListParams struct {
	// Subject — фильтр по предмету (exact match), пусто = без фильтра
	Subject string
	// Department — фильтр по кафедре (exact match), пусто = без фильтра
	Department string
	// UploaderID — фильтр по автору, пусто = без фильтра
	UploaderID string
	// IncludeDeleted — включать удалённые записи (только для admin-операций)
	IncludeDeleted bool
	// Limit — количество результатов
	Limit int
	// Offset — смещение
	Offset int
}

// NoteRepository — интерфейс доступа к конспектам.
type NoteRepository interface {
	// Create сохраняет новый конспект.
	Create(ctx context.Context, n *model.Note) error
	// GetByID возвращает конспект по UUID, включая удалённые.
	GetByID(ctx context.Context, id string) (*model.Note, error)
	// List возвращает страницу конспектов, новые первыми.
	// Возвращает: список, общее количество с учётом фильтров, ошибка.
	List(ctx context.Context, params ListParams) ([]*model.Note, int, error)
	// ListRecent возвращает limit последних не удалённых опубликованных
	// конспектов, новые первыми. Используется поиском и статистикой.
	ListRecent(ctx context.Context, limit int) ([]*model.Note, error)
	// Update применяет patch к конспекту и инкрементирует version.
	Update(ctx context.Context, id string, patch model.NotePatch) (*model.Note, error)
	// SoftDelete помечает конспект удалённым. Идемпотентен:
	// повторный вызов для уже удалённого конспекта успешен.
	SoftDelete(ctx context.Context, id string) error
	// IncrementDownloadCount атомарно увеличивает счётчик скачиваний
	// и фиксирует время последнего скачивания.
	IncrementDownloadCount(ctx context.Context, id string) error
	// UniqueSubjects возвращает список предметов не удалённых конспектов.
	UniqueSubjects(ctx context.Context) ([]string, error)
	// UniqueDepartments возвращает список кафедр не удалённых конспектов.
	UniqueDepartments(ctx context.Context) ([]string, error)
	// CountActive возвращает количество не удалённых конспектов
	// и суммарный размер их файлов.
	CountActive(ctx context.Context) (count int64, totalBytes int64, err error)
	// UploaderAggregates возвращает до limit пользователей с агрегатами
	// по их не удалённым конспектам, самые активные первыми.
	UploaderAggregates(ctx context.Context, limit int) ([]*model.UploaderAggregate, error)
	// UploaderStats возвращает профильную статистику одного пользователя.
	// Пользователь без единого конспекта — ErrNotFound.
	UploaderStats(ctx context.Context, uploaderID string) (*model.UploaderStats, error)
}

// noteRepo — реализация NoteRepository через pgx.
type noteRepo struct {
	db DBTX
}

// NewNoteRepository создаёт репозиторий конспектов.
func NewNoteRepository(db DBTX) NoteRepository {
	return &noteRepo{db: db}
}

// scanNote сканирует одну строку в model.Note.
func scanNote(row pgx.Row) (*model.Note, error) {
	n := &model.Note{}
	err := row.Scan(
		&n.ID, &n.Title, &n.Subject, &n.Department, &n.Uploader, &n.UploaderID,
		&n.UploaderEmail, &n.FileKey, &n.FileName, &n.FileSize, &n.ContentType,
		&n.DownloadCount, &n.Status, &n.IsDeleted, &n.Version, &n.CreatedAt,
		&n.UpdatedAt, &n.LastDownloadedAt,
	)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Create сохраняет новый конспект.
func (r *noteRepo) Create(ctx context.Context, n *model.Note) error {
	query := `
		INSERT INTO notes (id, title, subject, department, uploader, uploader_id,
			uploader_email, file_key, file_name, file_size, content_type,
			download_count, status, is_deleted, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := r.db.Exec(ctx, query,
		n.ID, n.Title, n.Subject, n.Department, n.Uploader, n.UploaderID,
		n.UploaderEmail, n.FileKey, n.FileName, n.FileSize, n.ContentType,
		n.DownloadCount, n.Status, n.IsDeleted, n.Version, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка сохранения конспекта: %w", err)
	}
	return nil
}

// GetByID возвращает конспект по UUID или ErrNotFound.
// Удалённые записи тоже возвращаются: прямой доступ по id работает всегда,
// скрывают удалённые только list/search.
func (r *noteRepo) GetByID(ctx context.Context, id string) (*model.Note, error) {
	query := fmt.Sprintf(`SELECT %s FROM notes WHERE id = $1`, noteColumns)

	n, err := scanNote(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения конспекта: %w", err)
	}
	return n, nil
}

// List возвращает страницу конспектов с фильтрами, новые первыми.
func (r *noteRepo) List(ctx context.Context, params ListParams) ([]*model.Note, int, error) {
	where, args := buildListWhere(params)
	argNum := len(args) + 1

	dataQuery := fmt.Sprintf(
		`SELECT %s FROM notes %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		noteColumns, where, argNum, argNum+1,
	)
	dataArgs := append(append([]any{}, args...), params.Limit, params.Offset)

	rows, err := r.db.Query(ctx, dataQuery, dataArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка списка конспектов: %w", err)
	}
	defer rows.Close()

	var result []*model.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("ошибка сканирования конспекта: %w", err)
		}
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("ошибка итерации результатов: %w", err)
	}

	// Общее количество с теми же фильтрами, без LIMIT/OFFSET
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM notes %s`, where)

	var total int
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ошибка подсчёта конспектов: %w", err)
	}

	return result, total, nil
}

// ListRecent возвращает limit последних опубликованных не удалённых конспектов.
func (r *noteRepo) ListRecent(ctx context.Context, limit int) ([]*model.Note, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM notes
		 WHERE NOT is_deleted AND status = $1
		 ORDER BY created_at DESC LIMIT $2`,
		noteColumns,
	)

	rows, err := r.db.Query(ctx, query, model.NoteStatusPublished, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки последних конспектов: %w", err)
	}
	defer rows.Close()

	var result []*model.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования конспекта: %w", err)
		}
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}

// Update применяет patch и инкрементирует version. Пустые поля patch
// не изменяют запись. Удалённые конспекты не обновляются — ErrNotFound.
func (r *noteRepo) Update(ctx context.Context, id string, patch model.NotePatch) (*model.Note, error) {
	var sets []string
	var args []any
	argNum := 1

	if patch.Title != nil {
		sets = append(sets, fmt.Sprintf("title = $%d", argNum))
		args = append(args, *patch.Title)
		argNum++
	}
	if patch.Subject != nil {
		sets = append(sets, fmt.Sprintf("subject = $%d", argNum))
		args = append(args, *patch.Subject)
		argNum++
	}
	if patch.Department != nil {
		sets = append(sets, fmt.Sprintf("department = $%d", argNum))
		args = append(args, *patch.Department)
		argNum++
	}

	// Даже пустой patch инкрементирует version и updated_at:
	// факт запроса на изменение фиксируется в истории версий.
	sets = append(sets,
		fmt.Sprintf("version = version + 1, updated_at = $%d", argNum))
	args = append(args, time.Now().UTC())
	argNum++

	query := fmt.Sprintf(
		`UPDATE notes SET %s WHERE id = $%d AND NOT is_deleted RETURNING %s`,
		strings.Join(sets, ", "), argNum, noteColumns,
	)
	args = append(args, id)

	n, err := scanNote(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка обновления конспекта: %w", err)
	}
	return n, nil
}

// SoftDelete помечает конспект удалённым. Запись и счётчики сохраняются.
// Повторный вызов для уже удалённого конспекта проходит без ошибки.
func (r *noteRepo) SoftDelete(ctx context.Context, id string) error {
	query := `
		UPDATE notes
		SET is_deleted = TRUE, updated_at = $2
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ошибка удаления конспекта: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementDownloadCount атомарно увеличивает счётчик скачиваний.
// Инкремент на стороне БД: параллельные скачивания не теряются.
func (r *noteRepo) IncrementDownloadCount(ctx context.Context, id string) error {
	query := `
		UPDATE notes
		SET download_count = download_count + 1, last_downloaded_at = $2
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ошибка инкремента счётчика скачиваний: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UniqueSubjects возвращает отсортированный список предметов.
func (r *noteRepo) UniqueSubjects(ctx context.Context) ([]string, error) {
	return r.distinctColumn(ctx, "subject")
}

// UniqueDepartments возвращает отсортированный список кафедр.
func (r *noteRepo) UniqueDepartments(ctx context.Context) ([]string, error) {
	return r.distinctColumn(ctx, "department")
}

// distinctColumn — общий запрос DISTINCT по колонке не удалённых конспектов.
// column подставляется только из фиксированных вызовов выше, не из ввода.
func (r *noteRepo) distinctColumn(ctx context.Context, column string) ([]string, error) {
	query := fmt.Sprintf(
		`SELECT DISTINCT %s FROM notes WHERE NOT is_deleted AND %s <> '' ORDER BY %s`,
		column, column, column,
	)

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки %s: %w", column, err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("ошибка сканирования %s: %w", column, err)
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}

// CountActive возвращает количество и суммарный размер не удалённых конспектов.
func (r *noteRepo) CountActive(ctx context.Context) (int64, int64, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(file_size), 0)
		FROM notes WHERE NOT is_deleted`

	var count, totalBytes int64
	if err := r.db.QueryRow(ctx, query).Scan(&count, &totalBytes); err != nil {
		return 0, 0, fmt.Errorf("ошибка подсчёта конспектов: %w", err)
	}
	return count, totalBytes, nil
}

// UploaderAggregates возвращает агрегаты активности пользователей,
// отсортированные по количеству загрузок.
func (r *noteRepo) UploaderAggregates(ctx context.Context, limit int) ([]*model.UploaderAggregate, error) {
	query := `
		SELECT uploader_id, MAX(uploader),
		       COUNT(*), COALESCE(SUM(download_count), 0), COALESCE(SUM(file_size), 0)
		FROM notes
		WHERE NOT is_deleted
		GROUP BY uploader_id
		ORDER BY COUNT(*) DESC, uploader_id
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки агрегатов пользователей: %w", err)
	}
	defer rows.Close()

	var result []*model.UploaderAggregate
	for rows.Next() {
		agg := &model.UploaderAggregate{}
		if err := rows.Scan(&agg.UploaderID, &agg.Uploader,
			&agg.Uploads, &agg.TotalDownloads, &agg.TotalSizeBytes); err != nil {
			return nil, fmt.Errorf("ошибка сканирования агрегата: %w", err)
		}
		result = append(result, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}

// UploaderStats возвращает профильную статистику одного пользователя:
// агрегаты по конспектам плюс средняя оценка.
func (r *noteRepo) UploaderStats(ctx context.Context, uploaderID string) (*model.UploaderStats, error) {
	query := `
		SELECT MAX(uploader),
		       COUNT(*), COALESCE(SUM(download_count), 0), COALESCE(SUM(file_size), 0)
		FROM notes
		WHERE uploader_id = $1 AND NOT is_deleted`

	stats := &model.UploaderStats{}
	stats.UploaderID = uploaderID
	var uploader *string
	if err := r.db.QueryRow(ctx, query, uploaderID).Scan(&uploader,
		&stats.Uploads, &stats.TotalDownloads, &stats.TotalSizeBytes); err != nil {
		return nil, fmt.Errorf("ошибка выборки статистики пользователя: %w", err)
	}
	if stats.Uploads == 0 {
		return nil, ErrNotFound
	}
	stats.Uploader = *uploader

	ratingQuery := `
		SELECT COALESCE(ROUND(AVG(r.value)::numeric, 2), 0)
		FROM ratings r
		JOIN notes n ON n.id = r.note_id
		WHERE n.uploader_id = $1 AND NOT n.is_deleted`

	if err := r.db.QueryRow(ctx, ratingQuery, uploaderID).Scan(&stats.AverageRating); err != nil {
		return nil, fmt.Errorf("ошибка выборки средней оценки: %w", err)
	}
	return stats, nil
}

// buildListWhere строит WHERE-условие и аргументы для List.
func buildListWhere(params ListParams) (whereClause string, args []any) {
	var conditions []string
	argNum := 1

	if !params.IncludeDeleted {
		conditions = append(conditions, "NOT is_deleted")
	}
	if params.Subject != "" {
		conditions = append(conditions, fmt.Sprintf("subject = $%d", argNum))
		args = append(args, params.Subject)
		argNum++
	}
	if params.Department != "" {
		conditions = append(conditions, fmt.Sprintf("department = $%d", argNum))
		args = append(args, params.Department)
		argNum++
	}
	if params.UploaderID != "" {
		conditions = append(conditions, fmt.Sprintf("uploader_id = $%d", argNum))
		args = append(args, params.UploaderID)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}
