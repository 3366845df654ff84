package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoSession - сохранённой сессии нет.
var ErrNoSession = errors.New("сохранённая сессия отсутствует")

// Record - сохраняемая запись сессии.
type Record struct {
	// Principal - идентификатор пользователя (sub из ID token).
	Principal string `json:"principal"`
	// AccessToken - токен для вызовов ledger.
	AccessToken string `json:"access_token"` //nolint:gosec // G117: токен сессии
	// IDToken - исходный ID token (для повторной проверки и аудита).
	IDToken string `json:"id_token"`
	// CreatedAt - время входа.
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt - время истечения сессии (вход + TTL).
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired проверяет, истекла ли сессия на момент now.
func (r *Record) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store - хранилище сессии процесса.
// Load возвращает ErrNoSession, если сессии нет.
type Store interface {
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	Delete(ctx context.Context) error
}

// FileStore хранит зашифрованную сессию в локальном файле.
type FileStore struct {
	path   string
	sealer *Sealer
}

// NewFileStore создаёт файловое хранилище сессии.
func NewFileStore(path string, sealer *Sealer) *FileStore {
	return &FileStore{path: path, sealer: sealer}
}

// Load читает и дешифрует сессию из файла.
func (s *FileStore) Load(_ context.Context) (*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("ошибка чтения файла сессии %s: %w", s.path, err)
	}
	return s.sealer.Open(data)
}

// Save атомарно записывает сессию: temp файл → fsync → rename.
func (s *FileStore) Save(_ context.Context, rec *Record) error {
	data, err := s.sealer.Seal(rec)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

// Delete удаляет файл сессии. Отсутствие файла не считается ошибкой.
func (s *FileStore) Delete(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла сессии %s: %w", s.path, err)
	}
	return nil
}
