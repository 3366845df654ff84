// Пакет database - PostgreSQL как хранилище сессии (BL_SESSION_STORE=postgres):
// пул pgxpool, схема sessions (golang-migrate), очистка истёкших записей
// и проверка готовности хранилища.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/bloodlink/internal/config"
)

const (
	// Собственная таблица версий: база может быть общей с другими сервисами.
	migrationsTable = "bloodlink_schema_migrations"

	// В хранилище одна строка на экземпляр, большой пул не нужен.
	sessionPoolMaxConns = 4

	readyTimeout = 3 * time.Second
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Connect создаёт пул подключений к хранилищу сессий и проверяет его ping.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("разбор DSN хранилища сессий: %w", err)
	}
	poolCfg.MaxConns = sessionPoolMaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("создание пула хранилища сессий: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("хранилище сессий PostgreSQL недоступно: %w", err)
	}

	logger.Info("Хранилище сессий PostgreSQL подключено",
		slog.String("host", cfg.DBHost),
		slog.Int("port", cfg.DBPort),
		slog.String("database", cfg.DBName),
	)
	return pool, nil
}

// migrateURL - URL для golang-migrate с собственной таблицей версий.
func migrateURL(cfg *config.Config) string {
	u, err := url.Parse(cfg.DatabaseURL("pgx5"))
	if err != nil {
		return cfg.DatabaseURL("pgx5")
	}
	q := u.Query()
	q.Set("x-migrations-table", migrationsTable)
	u.RawQuery = q.Encode()
	return u.String()
}

// Migrate создаёт или обновляет схему таблицы sessions.
func Migrate(cfg *config.Config, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("источник миграций: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(cfg))
	if err != nil {
		return fmt.Errorf("инициализация миграций: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("применение миграций схемы sessions: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Схема хранилища сессий актуальна",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
		slog.String("table", migrationsTable),
	)
	return nil
}

// PurgeExpiredSessions удаляет записи сессий с истёкшим сроком.
// Возвращает число удалённых строк.
func PurgeExpiredSessions(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	tag, err := pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("очистка истёкших сессий: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReadinessChecker - готовность хранилища сессий для /health/ready.
type ReadinessChecker struct {
	pool *pgxpool.Pool
}

// NewReadinessChecker создаёт проверку готовности хранилища сессий.
func NewReadinessChecker(pool *pgxpool.Pool) *ReadinessChecker {
	return &ReadinessChecker{pool: pool}
}

// CheckReady проверяет, что таблица sessions доступна для чтения.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), readyTimeout)
	defer cancel()

	if _, err := c.pool.Exec(ctx, `SELECT 1 FROM sessions LIMIT 1`); err != nil {
		return "fail", fmt.Sprintf("хранилище сессий недоступно: %v", err)
	}
	return "ok", "хранилище сессий доступно"
}
