package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jaysurse/edu-desk/internal/domain/model"
)

// CommunityRepository — доступ к оценкам, комментариям, избранному и подборкам.
type CommunityRepository interface {
	// UpsertRating сохраняет оценку пользователя, перезаписывая предыдущую.
	UpsertRating(ctx context.Context, rating *model.Rating) error
	// RatingSummary возвращает агрегированную статистику оценок конспекта.
	RatingSummary(ctx context.Context, noteID string) (*model.RatingSummary, error)
	// UserRating возвращает оценку пользователя или ErrNotFound.
	UserRating(ctx context.Context, noteID, userID string) (*model.Rating, error)

	// CreateComment сохраняет новый комментарий.
	CreateComment(ctx context.Context, c *model.Comment) error
	// ListComments возвращает комментарии конспекта, новые первыми.
	ListComments(ctx context.Context, noteID string, limit, offset int) ([]*model.Comment, error)
	// LikeComment атомарно увеличивает счётчик лайков комментария.
	LikeComment(ctx context.Context, commentID string) error
	// DeleteComment удаляет комментарий, принадлежащий пользователю.
	DeleteComment(ctx context.Context, commentID, userID string) error

	// AddFavorite добавляет конспект в избранное (идемпотентно).
	AddFavorite(ctx context.Context, userID, noteID string) error
	// RemoveFavorite убирает конспект из избранного.
	RemoveFavorite(ctx context.Context, userID, noteID string) error
	// ListFavorites возвращает id конспектов в избранном пользователя.
	ListFavorites(ctx context.Context, userID string) ([]string, error)

	// CreateCollection сохраняет новую подборку.
	CreateCollection(ctx context.Context, c *model.Collection) error
	// GetCollection возвращает подборку по id или ErrNotFound.
	GetCollection(ctx context.Context, id string) (*model.Collection, error)
	// ListCollections возвращает подборки пользователя.
	ListCollections(ctx context.Context, userID string) ([]*model.Collection, error)
	// UpdateCollectionNotes заменяет состав подборки, принадлежащей пользователю.
	UpdateCollectionNotes(ctx context.Context, id, userID string, noteIDs []string) error
	// DeleteCollection удаляет подборку, принадлежащую пользователю.
	DeleteCollection(ctx context.Context, id, userID string) error

	// CreateFlag сохраняет новую жалобу на конспект.
	CreateFlag(ctx context.Context, f *model.Flag) error
	// ListFlags возвращает жалобы с указанным статусом, новые первыми.
	// Пустой статус — все жалобы.
	ListFlags(ctx context.Context, status string, limit, offset int) ([]*model.Flag, error)
	// ResolveFlag переводит жалобу в статус resolved. Повторное
	// разрешение — ErrNotFound.
	ResolveFlag(ctx context.Context, flagID, resolvedBy string) error
}

// communityRepo — реализация CommunityRepository через pgx.
type communityRepo struct {
	db DBTX
}

// NewCommunityRepository создаёт репозиторий социальных данных.
func NewCommunityRepository(db DBTX) CommunityRepository {
	return &communityRepo{db: db}
}

// --- Оценки ---

// UpsertRating сохраняет оценку, перезаписывая предыдущую оценку пользователя.
func (r *communityRepo) UpsertRating(ctx context.Context, rating *model.Rating) error {
	query := `
		INSERT INTO ratings (note_id, user_id, user_email, value, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (note_id, user_id)
		DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`

	_, err := r.db.Exec(ctx, query,
		rating.NoteID, rating.UserID, rating.UserEmail, rating.Value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("ошибка сохранения оценки: %w", err)
	}
	return nil
}

// RatingSummary возвращает среднюю оценку, количество и распределение по значениям.
func (r *communityRepo) RatingSummary(ctx context.Context, noteID string) (*model.RatingSummary, error) {
	query := `
		SELECT value, COUNT(*)
		FROM ratings WHERE note_id = $1
		GROUP BY value`

	rows, err := r.db.Query(ctx, query, noteID)
	if err != nil {
		return nil, fmt.Errorf("ошибка агрегации оценок: %w", err)
	}
	defer rows.Close()

	summary := &model.RatingSummary{Distribution: map[int]int{}}
	var sum int
	for rows.Next() {
		var value, count int
		if err := rows.Scan(&value, &count); err != nil {
			return nil, fmt.Errorf("ошибка сканирования оценок: %w", err)
		}
		summary.Distribution[value] = count
		summary.Total += count
		sum += value * count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}

	if summary.Total > 0 {
		summary.Average = float64(sum) / float64(summary.Total)
	}
	return summary, nil
}

// UserRating возвращает оценку пользователя или ErrNotFound.
func (r *communityRepo) UserRating(ctx context.Context, noteID, userID string) (*model.Rating, error) {
	query := `
		SELECT note_id, user_id, user_email, value, created_at, updated_at
		FROM ratings WHERE note_id = $1 AND user_id = $2`

	rating := &model.Rating{}
	err := r.db.QueryRow(ctx, query, noteID, userID).Scan(
		&rating.NoteID, &rating.UserID, &rating.UserEmail,
		&rating.Value, &rating.CreatedAt, &rating.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения оценки: %w", err)
	}
	return rating, nil
}

// --- Комментарии ---

// CreateComment сохраняет новый комментарий.
func (r *communityRepo) CreateComment(ctx context.Context, c *model.Comment) error {
	query := `
		INSERT INTO comments (id, note_id, user_id, user_email, user_name,
			body, likes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.Exec(ctx, query,
		c.ID, c.NoteID, c.UserID, c.UserEmail, c.UserName,
		c.Text, c.Likes, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка сохранения комментария: %w", err)
	}
	return nil
}

// ListComments возвращает комментарии конспекта, новые первыми.
func (r *communityRepo) ListComments(ctx context.Context, noteID string, limit, offset int) ([]*model.Comment, error) {
	query := `
		SELECT id, note_id, user_id, user_email, user_name, body, likes,
		       created_at, updated_at
		FROM comments WHERE note_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, noteID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка списка комментариев: %w", err)
	}
	defer rows.Close()

	var result []*model.Comment
	for rows.Next() {
		c := &model.Comment{}
		if err := rows.Scan(
			&c.ID, &c.NoteID, &c.UserID, &c.UserEmail, &c.UserName,
			&c.Text, &c.Likes, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования комментария: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}

// LikeComment атомарно увеличивает счётчик лайков комментария.
func (r *communityRepo) LikeComment(ctx context.Context, commentID string) error {
	query := `UPDATE comments SET likes = likes + 1 WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, commentID)
	if err != nil {
		return fmt.Errorf("ошибка лайка комментария: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteComment удаляет комментарий, если он принадлежит пользователю.
func (r *communityRepo) DeleteComment(ctx context.Context, commentID, userID string) error {
	query := `DELETE FROM comments WHERE id = $1 AND user_id = $2`

	tag, err := r.db.Exec(ctx, query, commentID, userID)
	if err != nil {
		return fmt.Errorf("ошибка удаления комментария: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Избранное ---

// AddFavorite добавляет конспект в избранное (повторное добавление — no-op).
func (r *communityRepo) AddFavorite(ctx context.Context, userID, noteID string) error {
	query := `
		INSERT INTO favorites (user_id, note_id, added_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, note_id) DO NOTHING`

	if _, err := r.db.Exec(ctx, query, userID, noteID, time.Now().UTC()); err != nil {
		return fmt.Errorf("ошибка добавления в избранное: %w", err)
	}
	return nil
}

// RemoveFavorite убирает конспект из избранного.
func (r *communityRepo) RemoveFavorite(ctx context.Context, userID, noteID string) error {
	query := `DELETE FROM favorites WHERE user_id = $1 AND note_id = $2`

	tag, err := r.db.Exec(ctx, query, userID, noteID)
	if err != nil {
		return fmt.Errorf("ошибка удаления из избранного: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFavorites возвращает id конспектов в избранном, новые первыми.
func (r *communityRepo) ListFavorites(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT note_id FROM favorites
		WHERE user_id = $1 ORDER BY added_at DESC`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка списка избранного: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ошибка сканирования избранного: %w", err)
		}
		result = append(result, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}

// --- Подборки ---

// CreateCollection сохраняет новую подборку.
func (r *communityRepo) CreateCollection(ctx context.Context, c *model.Collection) error {
	query := `
		INSERT INTO note_collections (id, user_id, name, description, note_ids,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.Exec(ctx, query,
		c.ID, c.UserID, c.Name, c.Description, c.NoteIDs, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка сохранения подборки: %w", err)
	}
	return nil
}

// GetCollection возвращает подборку по id или ErrNotFound.
func (r *communityRepo) GetCollection(ctx context.Context, id string) (*model.Collection, error) {
	query := `
		SELECT id, user_id, name, description, note_ids, created_at, updated_at
		FROM note_collections WHERE id = $1`

	c := &model.Collection{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.UserID, &c.Name, &c.Description, &c.NoteIDs,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения подборки: %w", err)
	}
	return c, nil
}

// ListCollections возвращает подборки пользователя, новые первыми.
func (r *communityRepo) ListCollections(ctx context.Context, userID string) ([]*model.Collection, error) {
	query := `
		SELECT id, user_id, name, description, note_ids, created_at, updated_at
		FROM note_collections WHERE user_id = $1
		ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка списка подборок: %w", err)
	}
	defer rows.Close()

	var result []*model.Collection
	for rows.Next() {
		c := &model.Collection{}
		if err := rows.Scan(
			&c.ID, &c.UserID, &c.Name, &c.Description, &c.NoteIDs,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования подборки: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}

// UpdateCollectionNotes заменяет состав подборки, принадлежащей пользователю.
func (r *communityRepo) UpdateCollectionNotes(ctx context.Context, id, userID string, noteIDs []string) error {
	query := `
		UPDATE note_collections
		SET note_ids = $3, updated_at = $4
		WHERE id = $1 AND user_id = $2`

	tag, err := r.db.Exec(ctx, query, id, userID, noteIDs, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ошибка обновления подборки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCollection удаляет подборку, принадлежащую пользователю.
func (r *communityRepo) DeleteCollection(ctx context.Context, id, userID string) error {
	query := `DELETE FROM note_collections WHERE id = $1 AND user_id = $2`

	tag, err := r.db.Exec(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("ошибка удаления подборки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Жалобы ---

// CreateFlag сохраняет новую жалобу на конспект.
func (r *communityRepo) CreateFlag(ctx context.Context, f *model.Flag) error {
	query := `
		INSERT INTO note_flags (id, note_id, reporter_id, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(ctx, query,
		f.ID, f.NoteID, f.ReporterID, f.Reason, f.Status, f.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка сохранения жалобы: %w", err)
	}
	return nil
}

// ListFlags возвращает жалобы с указанным статусом, новые первыми.
func (r *communityRepo) ListFlags(ctx context.Context, status string, limit, offset int) ([]*model.Flag, error) {
	query := `
		SELECT id, note_id, reporter_id, reason, status, created_at, resolved_at, resolved_by
		FROM note_flags
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка списка жалоб: %w", err)
	}
	defer rows.Close()

	var result []*model.Flag
	for rows.Next() {
		f := &model.Flag{}
		if err := rows.Scan(
			&f.ID, &f.NoteID, &f.ReporterID, &f.Reason, &f.Status,
			&f.CreatedAt, &f.ResolvedAt, &f.ResolvedBy,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования жалобы: %w", err)
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}

// ResolveFlag переводит жалобу из pending в resolved.
func (r *communityRepo) ResolveFlag(ctx context.Context, flagID, resolvedBy string) error {
	query := `
		UPDATE note_flags
		SET status = $2, resolved_at = $3, resolved_by = $4
		WHERE id = $1 AND status = $5`

	tag, err := r.db.Exec(ctx, query,
		flagID, model.FlagStatusResolved, time.Now().UTC(), resolvedBy, model.FlagStatusPending,
	)
	if err != nil {
		return fmt.Errorf("ошибка разрешения жалобы: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
