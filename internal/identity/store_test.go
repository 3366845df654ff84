package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testRecord() *Record {
	now := time.Now().UTC().Truncate(time.Second)
	return &Record{
		Principal:   "principal-1",
		AccessToken: "access",
		IDToken:     "id",
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}
}

func TestSealer_SealOpen(t *testing.T) {
	s, err := NewSealer("secret")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	rec := testRecord()
	sealed, err := s.Seal(rec)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got.Principal != rec.Principal || !got.ExpiresAt.Equal(rec.ExpiresAt) {
		t.Errorf("Open = %+v, ожидается %+v", got, rec)
	}

	if _, err := s.Open([]byte("short")); err == nil {
		t.Error("ожидалась ошибка для коротких данных")
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := s.Open(sealed); err == nil {
		t.Error("ожидалась ошибка для повреждённых данных")
	}
}

func TestFileStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)

	if _, err := store.Load(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("пустое хранилище: ожидалась ErrNoSession, получено %v", err)
	}

	if err := store.Save(ctx, testRecord()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(store.path + ".tmp"); !os.IsNotExist(err) {
		t.Error("временный файл не должен оставаться после записи")
	}
	info, err := os.Stat(store.path)
	if err != nil {
		t.Fatalf("файл сессии не создан: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("права файла = %o, ожидается 600", info.Mode().Perm())
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Principal != "principal-1" {
		t.Errorf("Principal = %q", got.Principal)
	}

	if err := store.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx); err != nil {
		t.Errorf("повторный Delete не должен возвращать ошибку: %v", err)
	}
}

func TestFileStore_CreatesDirectory(t *testing.T) {
	sealer, _ := NewSealer("secret")
	store := NewFileStore(filepath.Join(t.TempDir(), "nested", "dir", "session.json"), sealer)

	if err := store.Save(context.Background(), testRecord()); err != nil {
		t.Fatalf("Save во вложенную директорию: %v", err)
	}
}

func TestRecord_IsExpired(t *testing.T) {
	rec := testRecord()
	if rec.IsExpired(rec.CreatedAt) {
		t.Error("свежая сессия не должна быть истёкшей")
	}
	if !rec.IsExpired(rec.ExpiresAt) {
		t.Error("сессия истекает ровно в ExpiresAt")
	}
}

// TestRedisStore_Integration - требует доступный Redis (BL_TEST_REDIS_URL).
func TestRedisStore_Integration(t *testing.T) {
	redisURL := os.Getenv("BL_TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("пропуск: BL_TEST_REDIS_URL не задан")
	}

	sealer, _ := NewSealer("secret")
	store, err := NewRedisStore(redisURL, "bloodlink:test:session", sealer)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Redis недоступен: %v", err)
	}
	_ = store.Delete(ctx)

	if _, err := store.Load(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("ожидалась ErrNoSession, получено %v", err)
	}
	if err := store.Save(ctx, testRecord()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil || got.Principal != "principal-1" {
		t.Fatalf("Load = %+v, %v", got, err)
	}
	if err := store.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	expired := testRecord()
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.Save(ctx, expired); err == nil {
		t.Error("истёкшая сессия не должна сохраняться")
	}
}

func TestNewRedisStore_InvalidURL(t *testing.T) {
	sealer, _ := NewSealer("secret")
	if _, err := NewRedisStore("http://not-redis", "k", sealer); err == nil {
		t.Error("ожидалась ошибка для некорректного URL")
	}
}
