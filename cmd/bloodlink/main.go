// Точка входа BloodLink - синхронизатор состояния донорской платформы с ledger.
// Загружает конфигурацию, поднимает хранилище сессии (file, redis, postgres),
// инициализирует identity provider и клиент ledger, восстанавливает сессию,
// запускает фоновую синхронизацию кэша, topologymetrics и HTTP-сервер
// с graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/bloodlink/internal/api/handlers"
	"github.com/bigkaa/bloodlink/internal/api/openapi"
	"github.com/bigkaa/bloodlink/internal/config"
	"github.com/bigkaa/bloodlink/internal/database"
	"github.com/bigkaa/bloodlink/internal/gateway"
	"github.com/bigkaa/bloodlink/internal/identity"
	"github.com/bigkaa/bloodlink/internal/server"
	"github.com/bigkaa/bloodlink/internal/service"
)

const (
	// Ключ сессии в Redis и строка сессии в PostgreSQL.
	redisSessionKey = "bloodlink:session"
	pgSessionID     = "bloodlink"

	jwksRefreshInterval = time.Hour
	tokenLeeway         = 30 * time.Second
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("BloodLink запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("ledger", cfg.LedgerURL),
		slog.String("idp", cfg.IdPURL),
	)

	if cfg.SessionSecret == "" {
		logger.Warn("BL_SESSION_SECRET не задан, сессия не переживёт перезапуск")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Шифрование и хранилище сессии
	sealer, err := identity.NewSealer(cfg.SessionSecret)
	if err != nil {
		logger.Error("Ошибка инициализации шифрования сессии", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var (
		store          identity.Store
		sessionChecker handlers.ReadinessChecker
		pgDB           *sql.DB
	)
	switch cfg.SessionStore {
	case config.SessionStoreRedis:
		redisStore, err := identity.NewRedisStore(cfg.RedisURL, redisSessionKey, sealer)
		if err != nil {
			logger.Error("Ошибка подключения к Redis", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer func() { _ = redisStore.Close() }()
		store = redisStore
		sessionChecker = handlers.NewPingChecker(redisStore.Ping)
		logger.Info("Сессия хранится в Redis")

	case config.SessionStorePostgres:
		logger.Info("Применение миграций БД...")
		if err := database.Migrate(cfg, logger); err != nil {
			logger.Error("Ошибка применения миграций", slog.String("error", err.Error()))
			os.Exit(1)
		}
		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pool.Close()

		if n, err := database.PurgeExpiredSessions(ctx, pool); err != nil {
			logger.Warn("Не удалось очистить истёкшие сессии", slog.String("error", err.Error()))
		} else if n > 0 {
			logger.Info("Истёкшие сессии удалены", slog.Int64("count", n))
		}

		// *sql.DB поверх pgxpool для dephealth pgcheck
		pgDB = stdlib.OpenDBFromPool(pool)
		defer func() { _ = pgDB.Close() }()

		store = identity.NewPostgresStore(pool, pgSessionID, sealer)
		sessionChecker = database.NewReadinessChecker(pool)
		logger.Info("Сессия хранится в PostgreSQL")

	default:
		store = identity.NewFileStore(cfg.SessionFile, sealer)
		logger.Info("Сессия хранится в файле", slog.String("path", cfg.SessionFile))
	}

	// 4. Identity provider: OIDC-клиент и проверка ID token по JWKS
	oidcClient, err := identity.NewOIDCClient(identity.OIDCConfig{
		ProviderURL: cfg.IdPURL,
		ClientID:    cfg.OIDCClientID,
		Timeout:     cfg.OIDCTimeout,
	})
	if err != nil {
		logger.Error("Ошибка инициализации OIDC-клиента", slog.String("error", err.Error()))
		os.Exit(1)
	}
	verifier, err := identity.NewJWKSVerifier(
		oidcClient.JWKSURL(),
		oidcClient.Issuer(),
		cfg.OIDCClientID,
		&http.Client{Timeout: cfg.OIDCTimeout},
		jwksRefreshInterval,
		tokenLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка инициализации JWKS", slog.String("error", err.Error()))
		os.Exit(1)
	}
	sessions := identity.NewManager(oidcClient, verifier, store, cfg.SessionTTL, logger)

	// 5. Клиент ledger и типизированный gateway
	ledgerClient := gateway.NewClient(cfg.LedgerURL, cfg.LedgerTimeout, cfg.LedgerHealthPath, logger)
	certs := service.NewCertificateCache(cfg.CertificateCacheSize, cfg.CertificateCacheTTL)
	gw := gateway.New(ledgerClient, sessions, gateway.Config{
		DonationCanisterID: cfg.DonationCanisterID,
		NFTCanisterID:      cfg.NFTCanisterID,
		Metadata:           certs,
	}, logger)

	// 6. Сервисный слой: кэш, уведомления, платформа
	cache := service.NewStateCache(gw, cfg.DemoFallback, logger)
	notifier := service.NewNotifier(cfg.NotificationLimit, logger)
	platform := service.NewPlatform(sessions, gw, cache, notifier, service.PlatformConfig{
		Canisters: service.CanisterIDs{
			Donation: cfg.DonationCanisterID,
			NFT:      cfg.NFTCanisterID,
			Identity: cfg.IdentityCanisterID,
		},
		Certificates: certs,
	}, logger)

	// 7. Восстановление сессии и начальная загрузка данных
	platform.Initialize(ctx)

	// 8. Фоновая синхронизация кэша
	var syncSvc *service.SyncService
	if cfg.SyncInterval > 0 {
		syncSvc = service.NewSyncService(cache, sessions, cfg.SyncInterval, logger)
		syncSvc.Start(ctx)
	} else {
		logger.Info("Фоновая синхронизация отключена (BL_SYNC_INTERVAL=0)")
	}

	// 9. Мониторинг зависимостей (topologymetrics)
	var dephealthSvc *service.DephealthService
	if cfg.DephealthEnabled {
		dcfg := service.DephealthConfig{
			ServiceID:        "bloodlink",
			Group:            cfg.DephealthGroup,
			LedgerURL:        cfg.LedgerURL,
			LedgerHealthPath: cfg.LedgerHealthPath,
			IdPURL:           cfg.IdPURL,
			IdPHealthPath:    "/.well-known/jwks.json",
			DB:               pgDB,
			CheckInterval:    cfg.DephealthCheckInterval,
			IsEntry:          cfg.DephealthIsEntry,
		}
		if pgDB != nil {
			dcfg.PGConnURL = cfg.DatabaseURL("postgres")
		}
		var dhErr error
		dephealthSvc, dhErr = service.NewDephealthService(dcfg, logger)
		if dhErr != nil {
			logger.Error("Ошибка создания topologymetrics", slog.String("error", dhErr.Error()))
			dephealthSvc = nil
		} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Error("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
			dephealthSvc = nil
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 10. API handlers и валидация по OpenAPI
	health := handlers.NewHealthHandler(gateway.NewReadinessChecker(ledgerClient), sessionChecker)
	apiHandler := handlers.NewAPIHandler(health, platform, notifier, handlers.Options{
		CallbackURL:       cfg.CallbackURL,
		PostLoginRedirect: cfg.PostLoginRedirect,
	}, logger)

	var validator func(http.Handler) http.Handler
	if cfg.OpenAPIValidation {
		doc, err := openapi.Load(ctx)
		if err != nil {
			logger.Error("Ошибка загрузки OpenAPI спецификации", slog.String("error", err.Error()))
			os.Exit(1)
		}
		v, err := openapi.NewValidator(doc, logger)
		if err != nil {
			logger.Error("Ошибка создания OpenAPI валидатора", slog.String("error", err.Error()))
			os.Exit(1)
		}
		validator = v.Middleware()
	}

	// 11. HTTP-сервер
	router := server.NewRouter(apiHandler, logger, validator)
	srv := server.New(cfg, logger, router)
	runErr := srv.Run()

	// 12. Остановка фоновых задач
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	if syncSvc != nil {
		syncSvc.Stop()
	}
	cancel()

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("BloodLink остановлен")
}
