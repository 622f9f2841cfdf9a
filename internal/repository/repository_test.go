package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jaysurse/edu-desk/internal/config"
	"github.com/jaysurse/edu-desk/internal/database"
	"github.com/jaysurse/edu-desk/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
// Возвращает pgxpool.Pool; остановка контейнера через t.Cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("edudesk_test"),
		postgres.WithUsername("edudesk"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	// Настраиваем env для config.Load()
	os.Setenv("ED_DB_HOST", host)
	os.Setenv("ED_DB_PORT", port.Port())
	os.Setenv("ED_DB_NAME", "edudesk_test")
	os.Setenv("ED_DB_USER", "edudesk")
	os.Setenv("ED_DB_PASSWORD", "test-password")
	os.Setenv("ED_DB_SSL_MODE", "disable")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Применяем миграции
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	// Подключаемся
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

// newTestNote создаёт конспект с заполненными обязательными полями.
func newTestNote(title, subject string) *model.Note {
	now := time.Now().UTC()
	return &model.Note{
		ID:            uuid.New().String(),
		Title:         title,
		Subject:       subject,
		Department:    "CS",
		Uploader:      "Тест Тестов",
		UploaderID:    "user-1",
		UploaderEmail: "test@example.com",
		FileKey:       "2025/01/" + uuid.New().String() + ".pdf",
		FileName:      "notes.pdf",
		FileSize:      2048,
		ContentType:   "application/pdf",
		Status:        model.NoteStatusPublished,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// --- Тесты NoteRepository ---

func TestNoteLifecycle(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewNoteRepository(pool)

	note := newTestNote("Матанализ лекция 1", "Математика")

	// Create
	if err := repo.Create(ctx, note); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	// GetByID
	got, err := repo.GetByID(ctx, note.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.Title != note.Title {
		t.Errorf("Title = %q, ожидается %q", got.Title, note.Title)
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, ожидается 1", got.Version)
	}
	if got.IsDeleted {
		t.Error("новый конспект помечен удалённым")
	}

	// Update — version инкрементируется
	newTitle := "Матанализ лекция 1 (испр.)"
	updated, err := repo.Update(ctx, note.ID, model.NotePatch{Title: &newTitle})
	if err != nil {
		t.Fatalf("Update() ошибка: %v", err)
	}
	if updated.Title != newTitle {
		t.Errorf("Title = %q, ожидается %q", updated.Title, newTitle)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, ожидается 2 после обновления", updated.Version)
	}

	// Повторный update — version растёт дальше
	updated, err = repo.Update(ctx, note.ID, model.NotePatch{})
	if err != nil {
		t.Fatalf("Update() пустой patch ошибка: %v", err)
	}
	if updated.Version != 3 {
		t.Errorf("Version = %d, ожидается 3", updated.Version)
	}

	// SoftDelete
	if err := repo.SoftDelete(ctx, note.ID); err != nil {
		t.Fatalf("SoftDelete() ошибка: %v", err)
	}

	// Повторное удаление идемпотентно
	if err := repo.SoftDelete(ctx, note.ID); err != nil {
		t.Errorf("повторный SoftDelete() = %v, ожидается nil", err)
	}

	// Удаление несуществующего — ErrNotFound
	if err := repo.SoftDelete(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SoftDelete() несуществующего = %v, ожидается ErrNotFound", err)
	}

	// Прямой доступ по id работает и после удаления
	got, err = repo.GetByID(ctx, note.ID)
	if err != nil {
		t.Fatalf("GetByID() после удаления ошибка: %v", err)
	}
	if !got.IsDeleted {
		t.Error("IsDeleted = false после SoftDelete")
	}

	// Update удалённого — ErrNotFound
	if _, err := repo.Update(ctx, note.ID, model.NotePatch{Title: &newTitle}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() удалённого = %v, ожидается ErrNotFound", err)
	}
}

func TestNoteList_ExcludesDeleted(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewNoteRepository(pool)

	active := newTestNote("Активный", "Физика")
	deleted := newTestNote("Удалённый", "Физика")
	for _, n := range []*model.Note{active, deleted} {
		if err := repo.Create(ctx, n); err != nil {
			t.Fatalf("Create() ошибка: %v", err)
		}
	}
	if err := repo.SoftDelete(ctx, deleted.ID); err != nil {
		t.Fatalf("SoftDelete() ошибка: %v", err)
	}

	notes, total, err := repo.List(ctx, ListParams{Subject: "Физика", Limit: 10})
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if total != 1 {
		t.Errorf("total = %d, ожидается 1", total)
	}
	for _, n := range notes {
		if n.IsDeleted {
			t.Errorf("List() вернул удалённый конспект %s", n.ID)
		}
	}

	// С IncludeDeleted видны оба
	_, total, err = repo.List(ctx, ListParams{Subject: "Физика", IncludeDeleted: true, Limit: 10})
	if err != nil {
		t.Fatalf("List(IncludeDeleted) ошибка: %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, ожидается 2 с IncludeDeleted", total)
	}
}

func TestNoteIncrementDownloadCount(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewNoteRepository(pool)

	note := newTestNote("Скачиваемый", "Химия")
	if err := repo.Create(ctx, note); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	// Параллельные инкременты не теряются
	const workers = 10
	errCh := make(chan error, workers)
	for range workers {
		go func() {
			errCh <- repo.IncrementDownloadCount(ctx, note.ID)
		}()
	}
	for range workers {
		if err := <-errCh; err != nil {
			t.Fatalf("IncrementDownloadCount() ошибка: %v", err)
		}
	}

	got, err := repo.GetByID(ctx, note.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.DownloadCount != workers {
		t.Errorf("DownloadCount = %d, ожидается %d", got.DownloadCount, workers)
	}
	if got.LastDownloadedAt == nil {
		t.Error("LastDownloadedAt не установлен")
	}
}

// --- Тесты UsageRepository ---

func TestUsagePeriodCounters(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewUsageRepository(pool)

	monthKey := model.MonthKey(time.Now())

	// До инициализации — ErrNotFound
	if _, err := repo.GetPeriod(ctx, "1999-01"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPeriod() несуществующего месяца = %v, ожидается ErrNotFound", err)
	}

	// EnsurePeriod идемпотентен
	p, err := repo.EnsurePeriod(ctx, monthKey)
	if err != nil {
		t.Fatalf("EnsurePeriod() ошибка: %v", err)
	}
	if p.ClassAOperations != 0 || p.ClassBOperations != 0 {
		t.Errorf("новый месяц: counters = (%d, %d), ожидается (0, 0)",
			p.ClassAOperations, p.ClassBOperations)
	}
	if _, err := repo.EnsurePeriod(ctx, monthKey); err != nil {
		t.Fatalf("повторный EnsurePeriod() ошибка: %v", err)
	}

	// Параллельные инкременты не теряются
	const workers = 20
	errCh := make(chan error, workers)
	for range workers {
		go func() {
			errCh <- repo.IncrementOperations(ctx, monthKey, 1, 2)
		}()
	}
	for range workers {
		if err := <-errCh; err != nil {
			t.Fatalf("IncrementOperations() ошибка: %v", err)
		}
	}

	p, err = repo.GetPeriod(ctx, monthKey)
	if err != nil {
		t.Fatalf("GetPeriod() ошибка: %v", err)
	}
	if p.ClassAOperations != workers {
		t.Errorf("ClassAOperations = %d, ожидается %d", p.ClassAOperations, workers)
	}
	if p.ClassBOperations != 2*workers {
		t.Errorf("ClassBOperations = %d, ожидается %d", p.ClassBOperations, 2*workers)
	}

	// ResetPeriod обнуляет счётчики и фиксирует reset_at
	if err := repo.ResetPeriod(ctx, monthKey); err != nil {
		t.Fatalf("ResetPeriod() ошибка: %v", err)
	}
	p, err = repo.GetPeriod(ctx, monthKey)
	if err != nil {
		t.Fatalf("GetPeriod() после сброса ошибка: %v", err)
	}
	if p.ClassAOperations != 0 || p.ClassBOperations != 0 {
		t.Errorf("после сброса: counters = (%d, %d), ожидается (0, 0)",
			p.ClassAOperations, p.ClassBOperations)
	}
	if p.ResetAt == nil {
		t.Error("ResetAt не установлен после сброса")
	}
}

func TestUsagePeriodRollover_OldMonthUntouched(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewUsageRepository(pool)

	// Счётчики старого месяца остаются после инициализации нового
	oldKey := "2025-01"
	newKey := "2025-02"

	if _, err := repo.EnsurePeriod(ctx, oldKey); err != nil {
		t.Fatalf("EnsurePeriod(%s) ошибка: %v", oldKey, err)
	}
	if err := repo.IncrementOperations(ctx, oldKey, 7, 13); err != nil {
		t.Fatalf("IncrementOperations() ошибка: %v", err)
	}

	p, err := repo.EnsurePeriod(ctx, newKey)
	if err != nil {
		t.Fatalf("EnsurePeriod(%s) ошибка: %v", newKey, err)
	}
	if p.ClassAOperations != 0 || p.ClassBOperations != 0 {
		t.Errorf("новый месяц: counters = (%d, %d), ожидается (0, 0)",
			p.ClassAOperations, p.ClassBOperations)
	}

	old, err := repo.GetPeriod(ctx, oldKey)
	if err != nil {
		t.Fatalf("GetPeriod(%s) ошибка: %v", oldKey, err)
	}
	if old.ClassAOperations != 7 || old.ClassBOperations != 13 {
		t.Errorf("старый месяц: counters = (%d, %d), ожидается (7, 13)",
			old.ClassAOperations, old.ClassBOperations)
	}
}

func TestStorageUsageCounter(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewUsageRepository(pool)

	s, err := repo.EnsureStorage(ctx)
	if err != nil {
		t.Fatalf("EnsureStorage() ошибка: %v", err)
	}
	if s.StorageBytes != 0 {
		t.Errorf("StorageBytes = %d, ожидается 0", s.StorageBytes)
	}

	if err := repo.AddStorageBytes(ctx, 1024); err != nil {
		t.Fatalf("AddStorageBytes() ошибка: %v", err)
	}
	s, err = repo.GetStorage(ctx)
	if err != nil {
		t.Fatalf("GetStorage() ошибка: %v", err)
	}
	if s.StorageBytes != 1024 {
		t.Errorf("StorageBytes = %d, ожидается 1024", s.StorageBytes)
	}

	if err := repo.SetStorageBytes(ctx, 100); err != nil {
		t.Fatalf("SetStorageBytes() ошибка: %v", err)
	}
	s, err = repo.GetStorage(ctx)
	if err != nil {
		t.Fatalf("GetStorage() ошибка: %v", err)
	}
	if s.StorageBytes != 100 {
		t.Errorf("StorageBytes = %d, ожидается 100", s.StorageBytes)
	}
}

// --- Тесты CommunityRepository ---

func TestRatingUpsertAndSummary(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	notes := NewNoteRepository(pool)
	repo := NewCommunityRepository(pool)

	note := newTestNote("Оцениваемый", "Биология")
	if err := notes.Create(ctx, note); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	// Две оценки от разных пользователей
	for _, r := range []*model.Rating{
		{NoteID: note.ID, UserID: "u1", Value: 5},
		{NoteID: note.ID, UserID: "u2", Value: 3},
	} {
		if err := repo.UpsertRating(ctx, r); err != nil {
			t.Fatalf("UpsertRating() ошибка: %v", err)
		}
	}

	summary, err := repo.RatingSummary(ctx, note.ID)
	if err != nil {
		t.Fatalf("RatingSummary() ошибка: %v", err)
	}
	if summary.Total != 2 {
		t.Errorf("Total = %d, ожидается 2", summary.Total)
	}
	if summary.Average != 4.0 {
		t.Errorf("Average = %v, ожидается 4.0", summary.Average)
	}

	// Повторная оценка перезаписывает, а не добавляет
	if err := repo.UpsertRating(ctx, &model.Rating{NoteID: note.ID, UserID: "u1", Value: 1}); err != nil {
		t.Fatalf("UpsertRating() повторно ошибка: %v", err)
	}
	summary, err = repo.RatingSummary(ctx, note.ID)
	if err != nil {
		t.Fatalf("RatingSummary() ошибка: %v", err)
	}
	if summary.Total != 2 {
		t.Errorf("Total = %d после перезаписи, ожидается 2", summary.Total)
	}
	if summary.Average != 2.0 {
		t.Errorf("Average = %v, ожидается 2.0", summary.Average)
	}
}

func TestFavorites(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	notes := NewNoteRepository(pool)
	repo := NewCommunityRepository(pool)

	note := newTestNote("Избранный", "История")
	if err := notes.Create(ctx, note); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	if err := repo.AddFavorite(ctx, "u1", note.ID); err != nil {
		t.Fatalf("AddFavorite() ошибка: %v", err)
	}
	// Идемпотентность
	if err := repo.AddFavorite(ctx, "u1", note.ID); err != nil {
		t.Fatalf("повторный AddFavorite() ошибка: %v", err)
	}

	ids, err := repo.ListFavorites(ctx, "u1")
	if err != nil {
		t.Fatalf("ListFavorites() ошибка: %v", err)
	}
	if len(ids) != 1 || ids[0] != note.ID {
		t.Errorf("ListFavorites() = %v, ожидается [%s]", ids, note.ID)
	}

	if err := repo.RemoveFavorite(ctx, "u1", note.ID); err != nil {
		t.Fatalf("RemoveFavorite() ошибка: %v", err)
	}
	if err := repo.RemoveFavorite(ctx, "u1", note.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("повторный RemoveFavorite() = %v, ожидается ErrNotFound", err)
	}
}

// --- Тесты buildListWhere (unit, без БД) ---

func TestBuildListWhere_Empty(t *testing.T) {
	where, args := buildListWhere(ListParams{IncludeDeleted: true})

	if where != "" {
		t.Errorf("where = %q, ожидалась пустая строка", where)
	}
	if len(args) != 0 {
		t.Errorf("args count = %d, ожидался 0", len(args))
	}
}

func TestBuildListWhere_DefaultExcludesDeleted(t *testing.T) {
	where, _ := buildListWhere(ListParams{})

	if !strings.Contains(where, "NOT is_deleted") {
		t.Errorf("where = %q, ожидалось условие NOT is_deleted", where)
	}
}

func TestBuildListWhere_AllFilters(t *testing.T) {
	where, args := buildListWhere(ListParams{
		Subject:    "Математика",
		Department: "CS",
		UploaderID: "u1",
	})

	if strings.Count(where, "AND") != 3 {
		t.Errorf("where = %q, ожидалось 3 AND", where)
	}
	if len(args) != 3 {
		t.Errorf("args count = %d, ожидался 3", len(args))
	}
	if !strings.Contains(where, "subject = $1") {
		t.Errorf("where = %q, ожидался subject = $1", where)
	}
	if !strings.Contains(where, "uploader_id = $3") {
		t.Errorf("where = %q, ожидался uploader_id = $3", where)
	}
}
