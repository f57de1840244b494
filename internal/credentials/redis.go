package credentials

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackend хранит пару токенов в Redis Hash <prefix>credentials
// с полями access_token / refresh_token. Удобен, когда несколько процессов
// одного пользователя (CLI, фоновый агент) должны делить одну сессию.
type RedisBackend struct {
	rdb *redis.Client
	key string
}

// NewRedisBackend создаёт клиент Redis из URL (например, redis://:pass@host:6379/0).
// Если prefix пустой — используется "sweetshop:".
func NewRedisBackend(ctx context.Context, redisURL, prefix string) (*RedisBackend, error) {
	const op = "credentials.NewRedisBackend"

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%s: parse url: %w", op, err)
	}

	rdb := redis.NewClient(opt)

	// Fail-fast на старте.
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	return NewRedisBackendFromClient(rdb, prefix), nil
}

// NewRedisBackendFromClient оборачивает готовый клиент.
func NewRedisBackendFromClient(rdb *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "sweetshop:"
	}

	return &RedisBackend{rdb: rdb, key: prefix + "credentials"}
}

func (b *RedisBackend) Load(ctx context.Context) (string, string, error) {
	const op = "credentials.RedisBackend.Load"

	m, err := b.rdb.HGetAll(ctx, b.key).Result()
	if err != nil {
		return "", "", fmt.Errorf("%s: %w", op, err)
	}

	access := m[slotAccess]
	if access == "" {
		return "", "", ErrNotFound
	}

	return access, m[slotRefresh], nil
}

func (b *RedisBackend) Save(ctx context.Context, access, refresh string) error {
	const op = "credentials.RedisBackend.Save"

	// Пустой refresh тоже пишем: иначе в хэше остался бы слот от прошлой сессии.
	if err := b.rdb.HSet(ctx, b.key, slotAccess, access, slotRefresh, refresh).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (b *RedisBackend) Delete(ctx context.Context) error {
	const op = "credentials.RedisBackend.Delete"

	if err := b.rdb.Del(ctx, b.key).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Close закрывает клиент Redis.
func (b *RedisBackend) Close() error { return b.rdb.Close() }
