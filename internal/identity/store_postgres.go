package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX - интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore хранит зашифрованную сессию в таблице sessions.
// Схема создаётся миграциями пакета database.
type PostgresStore struct {
	db     DBTX
	id     string
	sealer *Sealer
}

// NewPostgresStore создаёт хранилище сессии. id - ключ строки (имя экземпляра).
func NewPostgresStore(db DBTX, id string, sealer *Sealer) *PostgresStore {
	return &PostgresStore{db: db, id: id, sealer: sealer}
}

// Load читает сессию. Истёкшие строки не возвращаются.
func (s *PostgresStore) Load(ctx context.Context) (*Record, error) {
	query := `
		SELECT payload
		FROM sessions
		WHERE id = $1 AND expires_at > now()`

	var payload []byte
	if err := s.db.QueryRow(ctx, query, s.id).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("ошибка чтения сессии: %w", err)
	}
	return s.sealer.Open(payload)
}

// Save сохраняет или заменяет сессию (upsert).
func (s *PostgresStore) Save(ctx context.Context, rec *Record) error {
	payload, err := s.sealer.Seal(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (id, principal, payload, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET principal = EXCLUDED.principal,
		    payload = EXCLUDED.payload,
		    expires_at = EXCLUDED.expires_at`

	if _, err := s.db.Exec(ctx, query, s.id, rec.Principal, payload, rec.ExpiresAt); err != nil {
		return fmt.Errorf("ошибка сохранения сессии: %w", err)
	}
	return nil
}

// Delete удаляет сессию.
func (s *PostgresStore) Delete(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, s.id); err != nil {
		return fmt.Errorf("ошибка удаления сессии: %w", err)
	}
	return nil
}
