package credentials

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound — в хранилище нет сохранённой пары токенов.
var ErrNotFound = errors.New("credentials not found")

// Имена двух слотов долговременного хранилища.
const (
	slotAccess  = "access_token"
	slotRefresh = "refresh_token"
)

// Backend — долговременное хранилище пары токенов: два строковых слота
// под фиксированными ключами. Это единственное состояние клиента,
// переживающее перезапуск процесса.
//
//go:generate mockgen -destination=../../mocks/mock_backend.go -package=mocks github.com/pribylovaa/sweet-shop-client/internal/credentials Backend
type Backend interface {
	// Load возвращает сохранённые токены или ErrNotFound.
	Load(ctx context.Context) (access, refresh string, err error)
	// Save перезаписывает оба слота.
	Save(ctx context.Context, access, refresh string) error
	// Delete удаляет оба слота; отсутствие данных ошибкой не считается.
	Delete(ctx context.Context) error
}

// MemoryBackend — хранилище в памяти процесса (тесты, эфемерные сессии).
type MemoryBackend struct {
	mu    sync.Mutex
	slots map[string]string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{slots: make(map[string]string)}
}

func (b *MemoryBackend) Load(ctx context.Context) (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	access, ok := b.slots[slotAccess]
	if !ok {
		return "", "", ErrNotFound
	}

	return access, b.slots[slotRefresh], nil
}

func (b *MemoryBackend) Save(ctx context.Context, access, refresh string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.slots[slotAccess] = access
	b.slots[slotRefresh] = refresh
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.slots, slotAccess)
	delete(b.slots, slotRefresh)
	return nil
}
