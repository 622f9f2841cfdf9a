// community.go — сервис социальных функций: оценки, комментарии,
// избранное и подборки конспектов.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jaysurse/edu-desk/internal/domain/model"
	"github.com/jaysurse/edu-desk/internal/repository"
)

// Ошибки социальных функций.
var (
	// ErrInvalidRating — оценка вне диапазона 1..5.
	ErrInvalidRating = errors.New("оценка должна быть от 1 до 5")
	// ErrEmptyComment — пустой текст комментария.
	ErrEmptyComment = errors.New("текст комментария пуст")
	// ErrEmptyReason — пустая причина жалобы.
	ErrEmptyReason = errors.New("причина жалобы пуста")
)

// maxCommentLength — максимальная длина комментария в символах.
const maxCommentLength = 2000

// CommunityService — сервис социальных функций вокруг конспектов.
type CommunityService struct {
	repo     repository.CommunityRepository
	noteRepo repository.NoteRepository
	logger   *slog.Logger
}

// NewCommunityService создаёт сервис социальных функций.
func NewCommunityService(
	repo repository.CommunityRepository,
	noteRepo repository.NoteRepository,
	logger *slog.Logger,
) *CommunityService {
	return &CommunityService{
		repo:     repo,
		noteRepo: noteRepo,
		logger:   logger.With(slog.String("component", "community_service")),
	}
}

// RateNote сохраняет оценку пользователя. Повторная оценка того же
// пользователя перезаписывает предыдущую.
func (s *CommunityService) RateNote(ctx context.Context, noteID, userID, userEmail string, value int) error {
	if value < 1 || value > 5 {
		return ErrInvalidRating
	}
	if err := s.ensureNoteExists(ctx, noteID); err != nil {
		return err
	}

	err := s.repo.UpsertRating(ctx, &model.Rating{
		NoteID:    noteID,
		UserID:    userID,
		UserEmail: userEmail,
		Value:     value,
	})
	if err != nil {
		return fmt.Errorf("сохранение оценки: %w", err)
	}
	return nil
}

// NoteRatings возвращает агрегированную статистику оценок конспекта
// и оценку запрашивающего пользователя (0 — не оценивал).
func (s *CommunityService) NoteRatings(ctx context.Context, noteID, userID string) (*model.RatingSummary, int, error) {
	if err := s.ensureNoteExists(ctx, noteID); err != nil {
		return nil, 0, err
	}

	summary, err := s.repo.RatingSummary(ctx, noteID)
	if err != nil {
		return nil, 0, fmt.Errorf("агрегация оценок: %w", err)
	}

	var own int
	if userID != "" {
		rating, err := s.repo.UserRating(ctx, noteID, userID)
		switch {
		case err == nil:
			own = rating.Value
		case errors.Is(err, repository.ErrNotFound):
			// пользователь ещё не оценивал
		default:
			return nil, 0, fmt.Errorf("оценка пользователя: %w", err)
		}
	}
	return summary, own, nil
}

// AddComment сохраняет комментарий к конспекту.
func (s *CommunityService) AddComment(ctx context.Context, noteID, userID, userEmail, userName, text string) (*model.Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyComment
	}
	if len([]rune(text)) > maxCommentLength {
		text = string([]rune(text)[:maxCommentLength])
	}
	if err := s.ensureNoteExists(ctx, noteID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	comment := &model.Comment{
		ID:        uuid.New().String(),
		NoteID:    noteID,
		UserID:    userID,
		UserEmail: userEmail,
		UserName:  userName,
		Text:      text,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateComment(ctx, comment); err != nil {
		return nil, fmt.Errorf("сохранение комментария: %w", err)
	}
	return comment, nil
}

// Comments возвращает комментарии конспекта, новые первыми.
func (s *CommunityService) Comments(ctx context.Context, noteID string, limit, offset int) ([]*model.Comment, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if err := s.ensureNoteExists(ctx, noteID); err != nil {
		return nil, err
	}

	comments, err := s.repo.ListComments(ctx, noteID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("список комментариев: %w", err)
	}
	return comments, nil
}

// LikeComment увеличивает счётчик лайков комментария.
func (s *CommunityService) LikeComment(ctx context.Context, commentID string) error {
	if err := s.repo.LikeComment(ctx, commentID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("лайк комментария: %w", err)
	}
	return nil
}

// DeleteComment удаляет комментарий пользователя.
func (s *CommunityService) DeleteComment(ctx context.Context, commentID, userID string) error {
	if err := s.repo.DeleteComment(ctx, commentID, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("удаление комментария: %w", err)
	}
	return nil
}

// ToggleFavorite добавляет или убирает конспект из избранного.
// Возвращает true, если конспект теперь в избранном.
func (s *CommunityService) ToggleFavorite(ctx context.Context, userID, noteID string) (bool, error) {
	if err := s.ensureNoteExists(ctx, noteID); err != nil {
		return false, err
	}

	ids, err := s.repo.ListFavorites(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("список избранного: %w", err)
	}
	for _, id := range ids {
		if id == noteID {
			if err := s.repo.RemoveFavorite(ctx, userID, noteID); err != nil {
				return false, fmt.Errorf("удаление из избранного: %w", err)
			}
			return false, nil
		}
	}

	if err := s.repo.AddFavorite(ctx, userID, noteID); err != nil {
		return false, fmt.Errorf("добавление в избранное: %w", err)
	}
	return true, nil
}

// Favorites возвращает не удалённые конспекты из избранного пользователя.
func (s *CommunityService) Favorites(ctx context.Context, userID string) ([]*model.Note, error) {
	ids, err := s.repo.ListFavorites(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("список избранного: %w", err)
	}

	var notes []*model.Note
	for _, id := range ids {
		note, err := s.noteRepo.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("получение конспекта %s: %w", id, err)
		}
		if note.IsDeleted {
			continue
		}
		notes = append(notes, note)
	}
	return notes, nil
}

// CreateCollection создаёт подборку конспектов пользователя.
func (s *CommunityService) CreateCollection(ctx context.Context, userID, name, description string, noteIDs []string) (*model.Collection, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("имя подборки пусто")
	}

	now := time.Now().UTC()
	collection := &model.Collection{
		ID:          uuid.New().String(),
		UserID:      userID,
		Name:        name,
		Description: description,
		NoteIDs:     noteIDs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateCollection(ctx, collection); err != nil {
		return nil, fmt.Errorf("создание подборки: %w", err)
	}
	return collection, nil
}

// Collections возвращает подборки пользователя.
func (s *CommunityService) Collections(ctx context.Context, userID string) ([]*model.Collection, error) {
	collections, err := s.repo.ListCollections(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("список подборок: %w", err)
	}
	return collections, nil
}

// UpdateCollectionNotes заменяет состав подборки пользователя.
func (s *CommunityService) UpdateCollectionNotes(ctx context.Context, id, userID string, noteIDs []string) error {
	if err := s.repo.UpdateCollectionNotes(ctx, id, userID, noteIDs); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("обновление подборки: %w", err)
	}
	return nil
}

// DeleteCollection удаляет подборку пользователя.
func (s *CommunityService) DeleteCollection(ctx context.Context, id, userID string) error {
	if err := s.repo.DeleteCollection(ctx, id, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("удаление подборки: %w", err)
	}
	return nil
}

// FlagNote создаёт жалобу пользователя на конспект.
// Жалоба создаётся со статусом pending и попадает в очередь модерации.
func (s *CommunityService) FlagNote(ctx context.Context, noteID, reporterID, reason string) (*model.Flag, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrEmptyReason
	}
	if err := s.ensureNoteExists(ctx, noteID); err != nil {
		return nil, err
	}

	flag := &model.Flag{
		ID:         uuid.New().String(),
		NoteID:     noteID,
		ReporterID: reporterID,
		Reason:     reason,
		Status:     model.FlagStatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.CreateFlag(ctx, flag); err != nil {
		return nil, fmt.Errorf("создание жалобы: %w", err)
	}

	s.logger.Info("Жалоба на конспект",
		slog.String("note_id", noteID),
		slog.String("reporter_id", reporterID),
	)
	return flag, nil
}

// Flags возвращает жалобы с указанным статусом (пустой — все), новые первыми.
func (s *CommunityService) Flags(ctx context.Context, status string, limit, offset int) ([]*model.Flag, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	flags, err := s.repo.ListFlags(ctx, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("список жалоб: %w", err)
	}
	return flags, nil
}

// ResolveFlag закрывает жалобу от имени администратора.
func (s *CommunityService) ResolveFlag(ctx context.Context, flagID, resolvedBy string) error {
	if err := s.repo.ResolveFlag(ctx, flagID, resolvedBy); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("разрешение жалобы: %w", err)
	}
	return nil
}

// ensureNoteExists проверяет, что конспект существует и не удалён.
func (s *CommunityService) ensureNoteExists(ctx context.Context, noteID string) error {
	note, err := s.noteRepo.GetByID(ctx, noteID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("получение конспекта: %w", err)
	}
	if note.IsDeleted {
		return ErrDeleted
	}
	return nil
}
