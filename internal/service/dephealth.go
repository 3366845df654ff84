// dephealth.go - интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// bloodlink мониторит:
//   - ledger - HTTP checker к health endpoint boundary node (critical)
//   - identity provider - HTTP checker к JWKS endpoint (не critical: нужен только для входа)
//   - PostgreSQL - SQL checker через pgxpool, если сессия хранится в PostgreSQL (critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health - состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds - задержка проверки
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthConfig - параметры мониторинга зависимостей.
type DephealthConfig struct {
	// ServiceID - имя вершины графа текущего приложения.
	ServiceID string
	Group     string
	// LedgerURL и LedgerHealthPath - health endpoint ledger.
	LedgerURL        string
	LedgerHealthPath string
	// IdPURL и IdPHealthPath - endpoint identity provider (путь JWKS).
	IdPURL        string
	IdPHealthPath string
	// DB - *sql.DB из pgxpool (stdlib.OpenDBFromPool); nil - PostgreSQL не мониторится.
	DB *sql.DB
	// PGConnURL - URL PostgreSQL для лейблов метрик.
	PGConnURL     string
	CheckInterval time.Duration
	// IsEntry - лейбл isentry=yes на всех зависимостях (DEPHEALTH_ISENTRY).
	IsEntry bool
	// Registerer - Prometheus registerer (nil - глобальный).
	Registerer prometheus.Registerer
}

// DephealthService - сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	deps   []string
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
func NewDephealthService(cfg DephealthConfig, logger *slog.Logger) (*DephealthService, error) {
	common := func(critical bool) []dephealth.DependencyOption {
		opts := []dephealth.DependencyOption{
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(critical),
		}
		if cfg.IsEntry {
			opts = append(opts, dephealth.WithLabel("isentry", "yes"))
		}
		return opts
	}

	ledgerOpts := append([]dephealth.DependencyOption{
		dephealth.FromURL(cfg.LedgerURL),
		dephealth.WithHTTPHealthPath(cfg.LedgerHealthPath),
	}, common(true)...)
	if isHTTPS(cfg.LedgerURL) {
		ledgerOpts = append(ledgerOpts, dephealth.WithHTTPTLSSkipVerify(false))
	}

	idpOpts := append([]dephealth.DependencyOption{
		dephealth.FromURL(cfg.IdPURL),
		dephealth.WithHTTPHealthPath(cfg.IdPHealthPath),
	}, common(false)...)
	if isHTTPS(cfg.IdPURL) {
		idpOpts = append(idpOpts, dephealth.WithHTTPTLSSkipVerify(false))
	}

	deps := []string{"ledger", "identity-provider"}
	opts := []dephealth.Option{
		dephealth.WithLogger(logger),
		dephealth.HTTP("ledger", ledgerOpts...),
		dephealth.HTTP("identity-provider", idpOpts...),
	}

	if cfg.DB != nil {
		pgOpts := append([]dephealth.DependencyOption{dephealth.FromURL(cfg.PGConnURL)}, common(true)...)
		opts = append(opts, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(cfg.DB)), pgOpts...))
		deps = append(deps, "postgresql")
	}
	if cfg.Registerer != nil {
		opts = append(opts, dephealth.WithRegisterer(cfg.Registerer))
	}

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		deps:   deps,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

func isHTTPS(raw string) bool {
	parsed, err := url.Parse(raw)
	return err == nil && parsed.Scheme == "https"
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен", slog.Any("dependencies", ds.deps))
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ - имя зависимости, значение - true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
