package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jaysurse/edu-desk/internal/domain/model"
	"github.com/jaysurse/edu-desk/internal/repository"
)

// fakeUsageRepo — in-memory реализация repository.UsageRepository.
// failAll имитирует недоступность БД.
type fakeUsageRepo struct {
	mu      sync.Mutex
	periods map[string]*model.UsagePeriod
	storage *model.StorageUsage
	failAll bool
}

func newFakeUsageRepo() *fakeUsageRepo {
	return &fakeUsageRepo{periods: map[string]*model.UsagePeriod{}}
}

var errDBDown = errors.New("БД недоступна")

func (f *fakeUsageRepo) GetPeriod(_ context.Context, monthKey string) (*model.UsagePeriod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errDBDown
	}
	p, ok := f.periods[monthKey]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeUsageRepo) EnsurePeriod(_ context.Context, monthKey string) (*model.UsagePeriod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errDBDown
	}
	p, ok := f.periods[monthKey]
	if !ok {
		now := time.Now().UTC()
		p = &model.UsagePeriod{MonthKey: monthKey, CreatedAt: now, LastUpdated: now}
		f.periods[monthKey] = p
	}
	cp := *p
	return &cp, nil
}

func (f *fakeUsageRepo) IncrementOperations(_ context.Context, monthKey string, classA, classB int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errDBDown
	}
	p, ok := f.periods[monthKey]
	if !ok {
		return repository.ErrNotFound
	}
	p.ClassAOperations += classA
	p.ClassBOperations += classB
	return nil
}

func (f *fakeUsageRepo) ResetPeriod(_ context.Context, monthKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errDBDown
	}
	p, ok := f.periods[monthKey]
	if !ok {
		return repository.ErrNotFound
	}
	now := time.Now().UTC()
	p.ClassAOperations = 0
	p.ClassBOperations = 0
	p.ResetAt = &now
	return nil
}

func (f *fakeUsageRepo) GetStorage(context.Context) (*model.StorageUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errDBDown
	}
	if f.storage == nil {
		return nil, repository.ErrNotFound
	}
	cp := *f.storage
	return &cp, nil
}

func (f *fakeUsageRepo) EnsureStorage(context.Context) (*model.StorageUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errDBDown
	}
	if f.storage == nil {
		now := time.Now().UTC()
		f.storage = &model.StorageUsage{CreatedAt: now, LastUpdated: now}
	}
	cp := *f.storage
	return &cp, nil
}

func (f *fakeUsageRepo) AddStorageBytes(_ context.Context, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errDBDown
	}
	if f.storage == nil {
		return repository.ErrNotFound
	}
	f.storage.StorageBytes += delta
	return nil
}

func (f *fakeUsageRepo) SetStorageBytes(_ context.Context, bytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errDBDown
	}
	if f.storage == nil {
		return repository.ErrNotFound
	}
	f.storage.StorageBytes = bytes
	return nil
}

// --- Хелперы ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testLimits() UsageLimits {
	return UsageLimits{
		StorageBytes: 10_000,
		ClassAOps:    10,
		ClassBOps:    100,
	}
}

// setNow фиксирует время сервиса на указанном моменте.
func setNow(t *testing.T, moment time.Time) {
	t.Helper()
	orig := nowUTC
	nowUTC = func() time.Time { return moment }
	t.Cleanup(func() { nowUTC = orig })
}

func newTestUsage(repo repository.UsageRepository) *UsageService {
	return NewUsageService(repo, testLimits(), testLogger())
}

// --- Тесты CheckLimits / RecordOperation ---

func TestUsage_UploadWithinLimits(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUsageRepo()
	svc := newTestUsage(repo)

	allowed, reason := svc.CheckLimits(ctx, model.OpUpload, 2048)
	if !allowed {
		t.Fatalf("CheckLimits() = false (%s), ожидается true", reason)
	}

	if !svc.RecordOperation(ctx, model.OpUpload, 2048) {
		t.Fatal("RecordOperation() = false, ожидается true")
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() ошибка: %v", err)
	}
	if stats.ClassA.Used != 1 {
		t.Errorf("ClassA.Used = %d, ожидается 1", stats.ClassA.Used)
	}
	if stats.ClassB.Used != 0 {
		t.Errorf("ClassB.Used = %d, ожидается 0", stats.ClassB.Used)
	}
	if stats.Storage.Used != 2048 {
		t.Errorf("Storage.Used = %d, ожидается 2048", stats.Storage.Used)
	}
}

func TestUsage_StorageLimitDenied(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUsageRepo()
	svc := newTestUsage(repo)

	// Заполняем хранилище почти до лимита (10 000)
	if !svc.RecordOperation(ctx, model.OpUpload, 9_500) {
		t.Fatal("RecordOperation() = false")
	}

	// Запрос, превышающий остаток
	allowed, reason := svc.CheckLimits(ctx, model.OpUpload, 1_000)
	if allowed {
		t.Fatal("CheckLimits() = true при превышении лимита хранилища")
	}
	if reason == "" {
		t.Error("отказ без причины")
	}

	// Запрос в пределах остатка проходит
	allowed, _ = svc.CheckLimits(ctx, model.OpUpload, 500)
	if !allowed {
		t.Error("CheckLimits() = false для запроса в пределах лимита")
	}
}

func TestUsage_ClassALimitDenied(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUsageRepo()
	svc := newTestUsage(repo)

	// Исчерпываем лимит Class A (10)
	for range 10 {
		if !svc.RecordOperation(ctx, model.OpList, 0) {
			t.Fatal("RecordOperation() = false")
		}
	}

	allowed, reason := svc.CheckLimits(ctx, model.OpUpload, 0)
	if allowed {
		t.Error("CheckLimits() = true при исчерпанном лимите Class A")
	}
	// Причина отказа называет текущее значение и лимит
	if !strings.Contains(reason, "10 из 10") {
		t.Errorf("причина отказа без текущего значения и лимита: %q", reason)
	}

	// Class B операции продолжают работать
	allowed, _ = svc.CheckLimits(ctx, model.OpDownload, 0)
	if !allowed {
		t.Error("CheckLimits() = false для Class B при исчерпанном Class A")
	}
}

func TestUsage_FailOpenOnOutage(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUsageRepo()
	repo.failAll = true
	svc := newTestUsage(repo)

	// БД недоступна — проверка пропускает запрос
	allowed, reason := svc.CheckLimits(ctx, model.OpUpload, 1<<40)
	if !allowed {
		t.Errorf("CheckLimits() = false (%s) при недоступной БД, ожидается fail open", reason)
	}

	// Запись счётчиков сообщает о неудаче, но не паникует
	if svc.RecordOperation(ctx, model.OpUpload, 100) {
		t.Error("RecordOperation() = true при недоступной БД")
	}
}

func TestUsage_StatsFailOpenOnOutage(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUsageRepo()
	repo.failAll = true
	svc := newTestUsage(repo)

	// БД недоступна — статистика деградирует до нулевого снимка,
	// а не до ошибки
	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() ошибка: %v, ожидается нулевой снимок", err)
	}
	if stats.Month != model.MonthKey(nowUTC()) {
		t.Errorf("Month = %q, ожидается текущий месяц", stats.Month)
	}
	if stats.Storage.Used != 0 || stats.ClassA.Used != 0 || stats.ClassB.Used != 0 {
		t.Errorf("счётчики нулевого снимка не нулевые: %+v", stats)
	}
	// Лимиты берутся из конфигурации, а не из БД
	if stats.Storage.Limit != testLimits().StorageBytes {
		t.Errorf("Storage.Limit = %d, ожидается %d", stats.Storage.Limit, testLimits().StorageBytes)
	}
	if stats.ClassA.Limit != testLimits().ClassAOps {
		t.Errorf("ClassA.Limit = %d, ожидается %d", stats.ClassA.Limit, testLimits().ClassAOps)
	}
}

func TestUsage_RecordNegativeDeltaClamp(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUsageRepo()
	svc := newTestUsage(repo)

	if !svc.RecordOperation(ctx, model.OpUpload, 100) {
		t.Fatal("RecordOperation() = false")
	}

	// Удаление с дельтой больше текущего значения — счётчик не ниже нуля
	if !svc.RecordOperation(ctx, model.OpDelete, -250) {
		t.Fatal("RecordOperation() = false")
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() ошибка: %v", err)
	}
	if stats.Storage.Used != 0 {
		t.Errorf("Storage.Used = %d, ожидается 0 (нижняя граница)", stats.Storage.Used)
	}
}

func TestUsage_MonthRollover(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUsageRepo()
	svc := newTestUsage(repo)

	jan := time.Date(2025, time.January, 15, 12, 0, 0, 0, time.UTC)
	setNow(t, jan)

	if !svc.RecordOperation(ctx, model.OpUpload, 500) {
		t.Fatal("RecordOperation() = false")
	}
	if !svc.RecordOperation(ctx, model.OpDownload, 0) {
		t.Fatal("RecordOperation() = false")
	}

	// Наступил февраль
	feb := time.Date(2025, time.February, 1, 0, 0, 5, 0, time.UTC)
	setNow(t, feb)

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() ошибка: %v", err)
	}
	if stats.Month != "2025-02" {
		t.Errorf("Month = %q, ожидается 2025-02", stats.Month)
	}
	// Счётчики операций обнулены с новым месяцем
	if stats.ClassA.Used != 0 || stats.ClassB.Used != 0 {
		t.Errorf("операции нового месяца = (%d, %d), ожидается (0, 0)",
			stats.ClassA.Used, stats.ClassB.Used)
	}
	// Счётчик хранилища кумулятивный — переживает смену месяца
	if stats.Storage.Used != 500 {
		t.Errorf("Storage.Used = %d, ожидается 500 после смены месяца", stats.Storage.Used)
	}

	// Строка января не тронута
	old, err := repo.GetPeriod(ctx, "2025-01")
	if err != nil {
		t.Fatalf("GetPeriod(2025-01) ошибка: %v", err)
	}
	if old.ClassAOperations != 1 || old.ClassBOperations != 1 {
		t.Errorf("январь: counters = (%d, %d), ожидается (1, 1)",
			old.ClassAOperations, old.ClassBOperations)
	}
}

func TestUsage_ConcurrentRecords(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUsageRepo()
	svc := newTestUsage(repo)

	const workers = 50
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.RecordOperation(ctx, model.OpDownload, 0)
		}()
	}
	wg.Wait()

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() ошибка: %v", err)
	}
	if stats.ClassB.Used != workers {
		t.Errorf("ClassB.Used = %d, ожидается %d", stats.ClassB.Used, workers)
	}
}

// --- Тесты Stats / IsNearLimit ---

func TestUsage_StatsPercentRounding(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUsageRepo()
	svc := newTestUsage(repo)

	// 3333 из 10000 = 33.33%
	if !svc.RecordOperation(ctx, model.OpUpload, 3_333) {
		t.Fatal("RecordOperation() = false")
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() ошибка: %v", err)
	}
	if stats.Storage.Percent != 33.33 {
		t.Errorf("Storage.Percent = %v, ожидается 33.33", stats.Storage.Percent)
	}
	// 1 из 10 Class A = 10%
	if stats.ClassA.Percent != 10.0 {
		t.Errorf("ClassA.Percent = %v, ожидается 10.0", stats.ClassA.Percent)
	}
}

func TestUsage_IsNearLimit(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUsageRepo()
	svc := newTestUsage(repo)

	// 85% хранилища
	if !svc.RecordOperation(ctx, model.OpUpload, 8_500) {
		t.Fatal("RecordOperation() = false")
	}

	near, counters, err := svc.IsNearLimit(ctx, 80.0)
	if err != nil {
		t.Fatalf("IsNearLimit() ошибка: %v", err)
	}
	if !near {
		t.Error("IsNearLimit() = false при 85% хранилища и пороге 80%")
	}
	if len(counters) != 1 || counters[0] != "storage" {
		t.Errorf("counters = %v, ожидается [storage]", counters)
	}

	near, _, err = svc.IsNearLimit(ctx, 90.0)
	if err != nil {
		t.Fatalf("IsNearLimit() ошибка: %v", err)
	}
	if near {
		t.Error("IsNearLimit() = true при 85% и пороге 90%")
	}
}

// --- Тесты admin-операций ---

func TestUsage_ResetMonthlyOperations(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUsageRepo()
	svc := newTestUsage(repo)

	svc.RecordOperation(ctx, model.OpUpload, 1_000)
	svc.RecordOperation(ctx, model.OpDownload, 0)

	if err := svc.ResetMonthlyOperations(ctx); err != nil {
		t.Fatalf("ResetMonthlyOperations() ошибка: %v", err)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() ошибка: %v", err)
	}
	if stats.ClassA.Used != 0 || stats.ClassB.Used != 0 {
		t.Errorf("после сброса: операции = (%d, %d), ожидается (0, 0)",
			stats.ClassA.Used, stats.ClassB.Used)
	}
	// Хранилище не сбрасывается
	if stats.Storage.Used != 1_000 {
		t.Errorf("Storage.Used = %d, ожидается 1000 после сброса операций", stats.Storage.Used)
	}
}

func TestUsage_ManualStorageReset(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUsageRepo()
	svc := newTestUsage(repo)

	svc.RecordOperation(ctx, model.OpUpload, 5_000)

	if err := svc.ManualStorageReset(ctx, 1_234); err != nil {
		t.Fatalf("ManualStorageReset() ошибка: %v", err)
	}
	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() ошибка: %v", err)
	}
	if stats.Storage.Used != 1_234 {
		t.Errorf("Storage.Used = %d, ожидается 1234", stats.Storage.Used)
	}

	// Отрицательное значение приводится к нулю
	if err := svc.ManualStorageReset(ctx, -10); err != nil {
		t.Fatalf("ManualStorageReset(-10) ошибка: %v", err)
	}
	stats, err = svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() ошибка: %v", err)
	}
	if stats.Storage.Used != 0 {
		t.Errorf("Storage.Used = %d, ожидается 0", stats.Storage.Used)
	}
}

// --- Тесты percent ---

func TestPercent(t *testing.T) {
	tests := []struct {
		used, limit int64
		expected    float64
	}{
		{0, 100, 0},
		{50, 100, 50},
		{1, 3, 33.33},
		{2, 3, 66.67},
		{100, 100, 100},
		{150, 100, 150},
		{10, 0, 0},
	}

	for _, tt := range tests {
		if got := percent(tt.used, tt.limit); got != tt.expected {
			t.Errorf("percent(%d, %d) = %v, ожидается %v", tt.used, tt.limit, got, tt.expected)
		}
	}
}
