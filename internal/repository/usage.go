package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jaysurse/edu-desk/internal/domain/model"
)

// UsageRepository — доступ к счётчикам использования free tier.
// Месячные счётчики операций живут в usage_periods (строка на месяц),
// кумулятивный счётчик хранилища — единственная строка storage_usage.
type UsageRepository interface {
	// GetPeriod возвращает счётчики месяца или ErrNotFound.
	GetPeriod(ctx context.Context, monthKey string) (*model.UsagePeriod, error)
	// EnsurePeriod создаёт нулевую строку месяца, если её нет,
	// и возвращает актуальные счётчики. Строки прошлых месяцев не трогаются.
	EnsurePeriod(ctx context.Context, monthKey string) (*model.UsagePeriod, error)
	// IncrementOperations атомарно прибавляет счётчики операций месяца.
	IncrementOperations(ctx context.Context, monthKey string, classA, classB int64) error
	// ResetPeriod обнуляет счётчики операций месяца и фиксирует время сброса.
	ResetPeriod(ctx context.Context, monthKey string) error

	// GetStorage возвращает кумулятивный счётчик хранилища или ErrNotFound.
	GetStorage(ctx context.Context) (*model.StorageUsage, error)
	// EnsureStorage создаёт нулевой счётчик хранилища, если его нет,
	// и возвращает актуальное значение.
	EnsureStorage(ctx context.Context) (*model.StorageUsage, error)
	// AddStorageBytes атомарно прибавляет delta байт к счётчику хранилища.
	// Вызывается только с delta > 0; уменьшение идёт через SetStorageBytes,
	// чтобы применить нижнюю границу ноль.
	AddStorageBytes(ctx context.Context, delta int64) error
	// SetStorageBytes записывает абсолютное значение счётчика хранилища.
	SetStorageBytes(ctx context.Context, bytes int64) error
}

// usageRepo — реализация UsageRepository через pgx.
type usageRepo struct {
	db DBTX
}

// NewUsageRepository создаёт репозиторий счётчиков использования.
func NewUsageRepository(db DBTX) UsageRepository {
	return &usageRepo{db: db}
}

// GetPeriod возвращает счётчики месяца или ErrNotFound.
func (r *usageRepo) GetPeriod(ctx context.Context, monthKey string) (*model.UsagePeriod, error) {
	query := `
		SELECT month_key, class_a_operations, class_b_operations,
		       created_at, last_updated, reset_at
		FROM usage_periods WHERE month_key = $1`

	p := &model.UsagePeriod{}
	err := r.db.QueryRow(ctx, query, monthKey).Scan(
		&p.MonthKey, &p.ClassAOperations, &p.ClassBOperations,
		&p.CreatedAt, &p.LastUpdated, &p.ResetAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения счётчиков месяца: %w", err)
	}
	return p, nil
}

// EnsurePeriod создаёт нулевую строку месяца (идемпотентно) и возвращает её.
// ON CONFLICT DO NOTHING: параллельная инициализация в начале месяца безопасна.
func (r *usageRepo) EnsurePeriod(ctx context.Context, monthKey string) (*model.UsagePeriod, error) {
	now := time.Now().UTC()
	query := `
		INSERT INTO usage_periods (month_key, class_a_operations, class_b_operations,
			created_at, last_updated)
		VALUES ($1, 0, 0, $2, $2)
		ON CONFLICT (month_key) DO NOTHING`

	if _, err := r.db.Exec(ctx, query, monthKey, now); err != nil {
		return nil, fmt.Errorf("ошибка инициализации счётчиков месяца: %w", err)
	}
	return r.GetPeriod(ctx, monthKey)
}

// IncrementOperations атомарно прибавляет счётчики операций месяца.
// Инкремент на стороне БД: параллельные запросы не теряют операции.
func (r *usageRepo) IncrementOperations(ctx context.Context, monthKey string, classA, classB int64) error {
	query := `
		UPDATE usage_periods
		SET class_a_operations = class_a_operations + $2,
		    class_b_operations = class_b_operations + $3,
		    last_updated = $4
		WHERE month_key = $1`

	tag, err := r.db.Exec(ctx, query, monthKey, classA, classB, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ошибка инкремента счётчиков операций: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetPeriod обнуляет счётчики операций месяца (admin-операция).
func (r *usageRepo) ResetPeriod(ctx context.Context, monthKey string) error {
	now := time.Now().UTC()
	query := `
		UPDATE usage_periods
		SET class_a_operations = 0, class_b_operations = 0,
		    last_updated = $2, reset_at = $2
		WHERE month_key = $1`

	tag, err := r.db.Exec(ctx, query, monthKey, now)
	if err != nil {
		return fmt.Errorf("ошибка сброса счётчиков месяца: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetStorage возвращает кумулятивный счётчик хранилища или ErrNotFound.
func (r *usageRepo) GetStorage(ctx context.Context) (*model.StorageUsage, error) {
	query := `SELECT storage_bytes, created_at, last_updated FROM storage_usage WHERE id`

	s := &model.StorageUsage{}
	err := r.db.QueryRow(ctx, query).Scan(&s.StorageBytes, &s.CreatedAt, &s.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения счётчика хранилища: %w", err)
	}
	return s, nil
}

// EnsureStorage создаёт нулевой счётчик хранилища (идемпотентно) и возвращает его.
func (r *usageRepo) EnsureStorage(ctx context.Context) (*model.StorageUsage, error) {
	now := time.Now().UTC()
	query := `
		INSERT INTO storage_usage (id, storage_bytes, created_at, last_updated)
		VALUES (TRUE, 0, $1, $1)
		ON CONFLICT (id) DO NOTHING`

	if _, err := r.db.Exec(ctx, query, now); err != nil {
		return nil, fmt.Errorf("ошибка инициализации счётчика хранилища: %w", err)
	}
	return r.GetStorage(ctx)
}

// AddStorageBytes атомарно прибавляет delta байт к счётчику хранилища.
func (r *usageRepo) AddStorageBytes(ctx context.Context, delta int64) error {
	query := `
		UPDATE storage_usage
		SET storage_bytes = storage_bytes + $1, last_updated = $2
		WHERE id`

	tag, err := r.db.Exec(ctx, query, delta, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ошибка инкремента счётчика хранилища: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStorageBytes записывает абсолютное значение счётчика хранилища.
func (r *usageRepo) SetStorageBytes(ctx context.Context, bytes int64) error {
	query := `
		UPDATE storage_usage
		SET storage_bytes = $1, last_updated = $2
		WHERE id`

	tag, err := r.db.Exec(ctx, query, bytes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ошибка записи счётчика хранилища: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
