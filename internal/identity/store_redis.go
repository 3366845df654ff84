package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore хранит зашифрованную сессию в Redis.
// TTL ключа совпадает со временем жизни сессии.
type RedisStore struct {
	client *redis.Client
	key    string
	sealer *Sealer
}

// NewRedisStore создаёт хранилище по URL вида redis://[:password@]host:port/db.
func NewRedisStore(redisURL, key string, sealer *Sealer) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("некорректный URL Redis: %w", err)
	}
	return NewRedisStoreWithClient(redis.NewClient(opts), key, sealer), nil
}

// NewRedisStoreWithClient создаёт хранилище поверх готового клиента.
func NewRedisStoreWithClient(client *redis.Client, key string, sealer *Sealer) *RedisStore {
	return &RedisStore{client: client, key: key, sealer: sealer}
}

// Ping проверяет доступность Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Load читает сессию из Redis.
func (s *RedisStore) Load(ctx context.Context) (*Record, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("ошибка чтения сессии из Redis: %w", err)
	}
	return s.sealer.Open(data)
}

// Save записывает сессию с TTL до ExpiresAt.
func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return errors.New("сессия уже истекла")
	}

	data, err := s.sealer.Seal(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("ошибка записи сессии в Redis: %w", err)
	}
	return nil
}

// Delete удаляет ключ сессии.
func (s *RedisStore) Delete(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("ошибка удаления сессии из Redis: %w", err)
	}
	return nil
}

// Close закрывает клиент Redis.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
