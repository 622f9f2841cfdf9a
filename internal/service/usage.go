// Пакет service — бизнес-логика EDU-DESK backend.
// UsageService — учёт использования free tier объектного хранилища:
// месячные счётчики Class A/B операций и кумулятивный счётчик байт.
//
// Протокол вызова: CheckLimits перед операцией, RecordOperation после
// успешного выполнения. Недоступность БД никогда не блокирует работу
// сервиса — проверка лимитов в этом случае пропускает запрос (fail open),
// а запись счётчиков логирует ошибку и возвращает false.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jaysurse/edu-desk/internal/domain/model"
	"github.com/jaysurse/edu-desk/internal/repository"
)

// Prometheus-метрики учёта использования.
var (
	usageChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edudesk_usage_checks_total",
		Help: "Количество проверок лимитов (по результату: allowed, denied, fail_open).",
	}, []string{"result"})

	usageDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edudesk_usage_denied_total",
		Help: "Количество отказов по лимитам (по типу лимита).",
	}, []string{"limit"})

	usageRecordFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edudesk_usage_record_failures_total",
		Help: "Количество неудачных записей счётчиков использования.",
	})

	usageStorageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edudesk_usage_storage_bytes",
		Help: "Текущее значение кумулятивного счётчика хранилища.",
	})

	usageOperations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edudesk_usage_operations",
		Help: "Счётчики операций текущего месяца (по классу).",
	}, []string{"class"})
)

// nowUTC — источник текущего времени, переопределяется в тестах
// для проверки смены месяца.
var nowUTC = func() time.Time { return time.Now().UTC() }

// UsageLimits — лимиты free tier. Копируются из конфигурации при создании
// сервиса, все значения строго положительные.
type UsageLimits struct {
	StorageBytes int64
	ClassAOps    int64
	ClassBOps    int64
}

// CounterStats — использование одного счётчика в снимке статистики.
type CounterStats struct {
	Used    int64   `json:"used"`
	Limit   int64   `json:"limit"`
	Percent float64 `json:"percent"`
}

// UsageStats — снимок использования free tier.
// Возвращается эндпоинтом статистики и включается в ответы 429.
type UsageStats struct {
	Month   string       `json:"month"`
	Storage CounterStats `json:"storage"`
	ClassA  CounterStats `json:"class_a_operations"`
	ClassB  CounterStats `json:"class_b_operations"`
}

// UsageService — сервис учёта использования free tier.
type UsageService struct {
	repo   repository.UsageRepository
	limits UsageLimits
	logger *slog.Logger
}

// NewUsageService создаёт сервис учёта использования.
func NewUsageService(repo repository.UsageRepository, limits UsageLimits, logger *slog.Logger) *UsageService {
	return &UsageService{
		repo:   repo,
		limits: limits,
		logger: logger.With(slog.String("component", "usage_service")),
	}
}

// CheckLimits проверяет, не превысит ли операция лимиты free tier.
// bytesNeeded — ожидаемый прирост хранилища (0 для операций без записи байт).
// Возвращает (true, "") если операция допустима, иначе (false, причина).
//
// При недоступности БД возвращает (true, "") — fail open: учёт использования
// не должен останавливать сервис.
func (s *UsageService) CheckLimits(ctx context.Context, op model.OperationType, bytesNeeded int64) (bool, string) {
	usage, err := s.currentUsage(ctx)
	if err != nil {
		s.logger.Error("Проверка лимитов недоступна, запрос пропущен",
			slog.String("operation", string(op)),
			slog.String("error", err.Error()),
		)
		usageChecksTotal.WithLabelValues("fail_open").Inc()
		return true, ""
	}

	// Лимит хранилища: проверяется только при положительном приросте
	if bytesNeeded > 0 && usage.storageBytes+bytesNeeded > s.limits.StorageBytes {
		usageChecksTotal.WithLabelValues("denied").Inc()
		usageDeniedTotal.WithLabelValues("storage").Inc()
		return false, fmt.Sprintf(
			"превышен лимит хранилища: занято %d из %d байт, требуется ещё %d",
			usage.storageBytes, s.limits.StorageBytes, bytesNeeded,
		)
	}

	// Лимит операций: проверяется счётчик класса текущей операции
	switch op.Class() {
	case model.ClassA:
		if usage.classAOps+1 > s.limits.ClassAOps {
			usageChecksTotal.WithLabelValues("denied").Inc()
			usageDeniedTotal.WithLabelValues("class_a").Inc()
			return false, fmt.Sprintf(
				"превышен месячный лимит Class A операций: использовано %d из %d",
				usage.classAOps, s.limits.ClassAOps,
			)
		}
	case model.ClassB:
		if usage.classBOps+1 > s.limits.ClassBOps {
			usageChecksTotal.WithLabelValues("denied").Inc()
			usageDeniedTotal.WithLabelValues("class_b").Inc()
			return false, fmt.Sprintf(
				"превышен месячный лимит Class B операций: использовано %d из %d",
				usage.classBOps, s.limits.ClassBOps,
			)
		}
	case model.ClassNone:
		// Операция вне классификации лимитов не учитывается
	}

	usageChecksTotal.WithLabelValues("allowed").Inc()
	return true, ""
}

// RecordOperation записывает выполненную операцию в счётчики.
// byteDelta — изменение занятого хранилища: положительное при загрузке,
// отрицательное при удалении, ноль для операций чтения.
//
// Возвращает false при ошибке записи; ошибка логируется, но никогда
// не прерывает вызывающую операцию — сама операция уже выполнена.
func (s *UsageService) RecordOperation(ctx context.Context, op model.OperationType, byteDelta int64) bool {
	monthKey := model.MonthKey(nowUTC())

	// Счётчик операций месяца
	var classA, classB int64
	switch op.Class() {
	case model.ClassA:
		classA = 1
	case model.ClassB:
		classB = 1
	case model.ClassNone:
	}

	if classA > 0 || classB > 0 {
		if err := s.incrementOperations(ctx, monthKey, classA, classB); err != nil {
			s.logger.Error("Не удалось записать счётчик операций",
				slog.String("operation", string(op)),
				slog.String("month", monthKey),
				slog.String("error", err.Error()),
			)
			usageRecordFailuresTotal.Inc()
			return false
		}
	}

	// Счётчик хранилища
	if byteDelta != 0 {
		if err := s.applyStorageDelta(ctx, byteDelta); err != nil {
			s.logger.Error("Не удалось записать счётчик хранилища",
				slog.String("operation", string(op)),
				slog.Int64("byte_delta", byteDelta),
				slog.String("error", err.Error()),
			)
			usageRecordFailuresTotal.Inc()
			return false
		}
	}

	s.refreshGauges(ctx)
	return true
}

// Stats возвращает снимок использования free tier с процентами,
// округлёнными до двух знаков.
//
// При недоступности БД возвращает нулевой снимок текущего месяца
// с настроенными лимитами: эндпоинт статистики деградирует вместе
// с учётом, а не падает.
func (s *UsageService) Stats(ctx context.Context) (*UsageStats, error) {
	usage, err := s.currentUsage(ctx)
	if err != nil {
		s.logger.Warn("Счётчики использования недоступны, возвращён нулевой снимок",
			slog.String("error", err.Error()),
		)
		usage = &currentSnapshot{monthKey: model.MonthKey(nowUTC())}
	}

	return &UsageStats{
		Month: usage.monthKey,
		Storage: CounterStats{
			Used:    usage.storageBytes,
			Limit:   s.limits.StorageBytes,
			Percent: percent(usage.storageBytes, s.limits.StorageBytes),
		},
		ClassA: CounterStats{
			Used:    usage.classAOps,
			Limit:   s.limits.ClassAOps,
			Percent: percent(usage.classAOps, s.limits.ClassAOps),
		},
		ClassB: CounterStats{
			Used:    usage.classBOps,
			Limit:   s.limits.ClassBOps,
			Percent: percent(usage.classBOps, s.limits.ClassBOps),
		},
	}, nil
}

// IsNearLimit проверяет, достиг ли какой-либо счётчик threshold процентов
// лимита. Возвращает флаг и список счётчиков, пересёкших порог.
func (s *UsageService) IsNearLimit(ctx context.Context, threshold float64) (bool, []string, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return false, nil, err
	}

	var near []string
	if stats.Storage.Percent >= threshold {
		near = append(near, "storage")
	}
	if stats.ClassA.Percent >= threshold {
		near = append(near, "class_a_operations")
	}
	if stats.ClassB.Percent >= threshold {
		near = append(near, "class_b_operations")
	}
	return len(near) > 0, near, nil
}

// ResetMonthlyOperations обнуляет счётчики операций текущего месяца.
// Admin-операция; счётчик хранилища не затрагивается.
func (s *UsageService) ResetMonthlyOperations(ctx context.Context) error {
	monthKey := model.MonthKey(nowUTC())
	if _, err := s.repo.EnsurePeriod(ctx, monthKey); err != nil {
		return fmt.Errorf("инициализация счётчиков месяца: %w", err)
	}
	if err := s.repo.ResetPeriod(ctx, monthKey); err != nil {
		return fmt.Errorf("сброс счётчиков месяца: %w", err)
	}

	s.logger.Info("Счётчики операций месяца сброшены", slog.String("month", monthKey))
	s.refreshGauges(ctx)
	return nil
}

// ManualStorageReset записывает абсолютное значение счётчика хранилища.
// Admin-операция для ручной коррекции после сверки с фактическим
// содержимым хранилища. Отрицательные значения приводятся к нулю.
func (s *UsageService) ManualStorageReset(ctx context.Context, bytes int64) error {
	if bytes < 0 {
		bytes = 0
	}
	if _, err := s.repo.EnsureStorage(ctx); err != nil {
		return fmt.Errorf("инициализация счётчика хранилища: %w", err)
	}
	if err := s.repo.SetStorageBytes(ctx, bytes); err != nil {
		return fmt.Errorf("запись счётчика хранилища: %w", err)
	}

	s.logger.Info("Счётчик хранилища установлен вручную", slog.Int64("storage_bytes", bytes))
	s.refreshGauges(ctx)
	return nil
}

// Limits возвращает настроенные лимиты free tier.
func (s *UsageService) Limits() UsageLimits {
	return s.limits
}

// --- Внутренние методы ---

// currentSnapshot — агрегированное текущее состояние счётчиков.
type currentSnapshot struct {
	monthKey     string
	classAOps    int64
	classBOps    int64
	storageBytes int64
}

// currentUsage читает счётчики текущего месяца и хранилища,
// инициализируя отсутствующие строки. Смена месяца происходит здесь:
// первый запрос нового месяца создаёт нулевую строку, счётчики
// прошлого месяца остаются нетронутыми.
func (s *UsageService) currentUsage(ctx context.Context) (*currentSnapshot, error) {
	monthKey := model.MonthKey(nowUTC())

	period, err := s.repo.EnsurePeriod(ctx, monthKey)
	if err != nil {
		return nil, fmt.Errorf("чтение счётчиков месяца: %w", err)
	}
	storage, err := s.repo.EnsureStorage(ctx)
	if err != nil {
		return nil, fmt.Errorf("чтение счётчика хранилища: %w", err)
	}

	return &currentSnapshot{
		monthKey:     monthKey,
		classAOps:    period.ClassAOperations,
		classBOps:    period.ClassBOperations,
		storageBytes: storage.StorageBytes,
	}, nil
}

// incrementOperations атомарно прибавляет счётчики операций,
// создавая строку месяца при необходимости.
func (s *UsageService) incrementOperations(ctx context.Context, monthKey string, classA, classB int64) error {
	if _, err := s.repo.EnsurePeriod(ctx, monthKey); err != nil {
		return err
	}
	return s.repo.IncrementOperations(ctx, monthKey, classA, classB)
}

// applyStorageDelta применяет изменение счётчика хранилища.
// Положительная дельта — атомарный инкремент на стороне БД.
// Отрицательная — чтение текущего значения и запись max(0, current+delta):
// счётчик никогда не уходит ниже нуля, даже если дельты удаления
// разошлись с учтёнными загрузками.
func (s *UsageService) applyStorageDelta(ctx context.Context, delta int64) error {
	if _, err := s.repo.EnsureStorage(ctx); err != nil {
		return err
	}

	if delta > 0 {
		return s.repo.AddStorageBytes(ctx, delta)
	}

	storage, err := s.repo.GetStorage(ctx)
	if err != nil {
		return err
	}
	next := storage.StorageBytes + delta
	if next < 0 {
		s.logger.Warn("Счётчик хранилища ушёл бы ниже нуля, применена нижняя граница",
			slog.Int64("current", storage.StorageBytes),
			slog.Int64("delta", delta),
		)
		next = 0
	}
	return s.repo.SetStorageBytes(ctx, next)
}

// refreshGauges обновляет Prometheus-гейджи текущими значениями счётчиков.
// Ошибки чтения игнорируются: метрики вторичны по отношению к учёту.
func (s *UsageService) refreshGauges(ctx context.Context) {
	usage, err := s.currentUsage(ctx)
	if err != nil {
		return
	}
	usageStorageBytes.Set(float64(usage.storageBytes))
	usageOperations.WithLabelValues("class_a").Set(float64(usage.classAOps))
	usageOperations.WithLabelValues("class_b").Set(float64(usage.classBOps))
}

// percent возвращает used/limit в процентах, округлённых до двух знаков.
func percent(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	p := float64(used) / float64(limit) * 100
	return math.Round(p*100) / 100
}
