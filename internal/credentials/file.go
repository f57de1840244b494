package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileBackend хранит пару токенов в JSON-файле с правами 0600.
// Запись атомарна: временный файл в том же каталоге + rename.
type FileBackend struct {
	mu   sync.Mutex
	path string
}

type fileSlots struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (b *FileBackend) Load(ctx context.Context) (string, string, error) {
	const op = "credentials.FileBackend.Load"

	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", "", ErrNotFound
		}

		return "", "", fmt.Errorf("%s: %w", op, err)
	}

	var slots fileSlots
	if err := json.Unmarshal(data, &slots); err != nil {
		return "", "", fmt.Errorf("%s: decode: %w", op, err)
	}

	if slots.AccessToken == "" {
		return "", "", ErrNotFound
	}

	return slots.AccessToken, slots.RefreshToken, nil
}

func (b *FileBackend) Save(ctx context.Context, access, refresh string) error {
	const op = "credentials.FileBackend.Save"

	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := json.Marshal(fileSlots{AccessToken: access, RefreshToken: refresh})
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%s: mkdir: %w", op, err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("%s: create temp: %w", op, err)
	}
	tmpName := tmp.Name()

	// CreateTemp уже создаёт файл с 0600, но явно фиксируем права.
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%s: chmod: %w", op, err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%s: write: %w", op, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%s: close: %w", op, err)
	}

	if err := os.Rename(tmpName, b.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%s: rename: %w", op, err)
	}

	return nil
}

func (b *FileBackend) Delete(ctx context.Context) error {
	const op = "credentials.FileBackend.Delete"

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
