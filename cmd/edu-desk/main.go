// main.go — точка входа EDU-DESK backend.
// Порядок инициализации: config → logger → PostgreSQL (миграции + pool) →
// репозитории → blob-хранилище → кэши → сервисы → dephealth →
// JWT middleware → HTTP-сервер.
package main

import (
	"context"
	"log"
	"log/slog"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/jaysurse/edu-desk/internal/api/handlers"
	"github.com/jaysurse/edu-desk/internal/api/middleware"
	"github.com/jaysurse/edu-desk/internal/config"
	"github.com/jaysurse/edu-desk/internal/database"
	"github.com/jaysurse/edu-desk/internal/repository"
	"github.com/jaysurse/edu-desk/internal/server"
	"github.com/jaysurse/edu-desk/internal/service"
	"github.com/jaysurse/edu-desk/internal/storage/blobstore"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	// 2. Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("EDU-DESK backend запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	ctx := context.Background()

	// 3. Миграции схемы БД
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграции БД", slog.String("error", err.Error()))
		log.Fatalf("Миграция БД завершилась с ошибкой: %v", err)
	}

	// 4. Подключение к PostgreSQL
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		log.Fatalf("Подключение к PostgreSQL завершилось с ошибкой: %v", err)
	}
	defer pool.Close()

	// 5. Репозитории
	noteRepo := repository.NewNoteRepository(pool)
	usageRepo := repository.NewUsageRepository(pool)
	communityRepo := repository.NewCommunityRepository(pool)

	// 6. Blob-хранилище файлов конспектов
	blobs, err := blobstore.New(cfg.BlobDir)
	if err != nil {
		logger.Error("Ошибка инициализации blob-хранилища", slog.String("error", err.Error()))
		log.Fatalf("Blob-хранилище: %v", err)
	}

	// 7. Кэши
	noteCache := service.NewCacheService(cfg.CacheSize, cfg.CacheTTL)
	statsCache := service.NewStatsCache(cfg.RedisAddr, cfg.CacheTTL, logger)
	defer func() { _ = statsCache.Close() }()

	// 8. Сервисы
	usageSvc := service.NewUsageService(usageRepo, service.UsageLimits{
		StorageBytes: cfg.StorageLimitBytes,
		ClassAOps:    cfg.ClassALimit,
		ClassBOps:    cfg.ClassBLimit,
	}, logger)
	noteSvc := service.NewNoteService(noteRepo, blobs, noteCache, cfg.AllowedExtensions, logger)
	communitySvc := service.NewCommunityService(communityRepo, noteRepo, logger)
	analyticsSvc := service.NewAnalyticsService(noteRepo, usageSvc, statsCache, logger)

	// 9. Мониторинг зависимостей (topologymetrics)
	sqlDB := stdlib.OpenDBFromPool(pool)
	dephealthSvc, err := service.NewDephealthService(
		"edu-desk",
		cfg.DephealthGroup,
		sqlDB,
		cfg.DatabaseDSN(),
		cfg.JWKSUrl,
		cfg.DephealthCheckInterval,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка инициализации dephealth", slog.String("error", err.Error()))
		log.Fatalf("Dephealth: %v", err)
	}
	if err := dephealthSvc.Start(ctx); err != nil {
		logger.Error("Ошибка запуска dephealth", slog.String("error", err.Error()))
		log.Fatalf("Dephealth: %v", err)
	}
	defer dephealthSvc.Stop()

	// 10. JWT middleware (JWKS внешнего IdP)
	auth, err := middleware.NewJWTAuth(
		cfg.JWKSUrl,
		cfg.JWTIssuer,
		cfg.AdminEmails,
		cfg.JWKSRefreshInterval,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка инициализации JWT middleware", slog.String("error", err.Error()))
		log.Fatalf("JWT middleware: %v", err)
	}
	defer auth.Close()

	// 11. Handlers и маршруты
	healthHandler := handlers.NewHealthHandler(
		database.NewReadinessChecker(pool),
		middleware.NewIdPReadinessChecker(cfg.JWKSUrl, cfg.HTTPReadTimeout),
	)
	apiHandler := handlers.NewAPIHandler(
		noteSvc, usageSvc, communitySvc, analyticsSvc,
		healthHandler, cfg.MaxUploadBytes, logger,
	)

	// 12. HTTP-сервер: глобальные middleware — метрики и логирование
	srv := server.New(cfg, logger, apiHandler.Routes(auth),
		middleware.MetricsMiddleware(),
		middleware.RequestLogger(logger),
	)

	// 13. Запуск сервера (блокирующий вызов с graceful shutdown)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		log.Fatalf("Сервер завершился с ошибкой: %v", err)
	}

	logger.Info("EDU-DESK backend остановлен")
}
