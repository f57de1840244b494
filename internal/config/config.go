// config — загрузка конфигурации клиента sweet-shop.
//
// Источники (по убыванию приоритета):
//  1. явный путь --config;
//  2. CONFIG_PATH;
//  3. ./local.yaml;
//  4. только ENV (cleanenv).
//
// После чтения файла ENV-переменные накладываются поверх значений из YAML.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Виды хранилища пары токенов.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageRedis  = "redis"
)

type Config struct {
	Env      string        `yaml:"env" env:"ENV" env-default:"local"`
	API      APIConfig     `yaml:"api"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Cache    CacheConfig   `yaml:"cache"`
	Storage  StorageConfig `yaml:"storage"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// APIConfig — удалённый API.
type APIConfig struct {
	BaseURL   string `yaml:"base_url"   env:"API_BASE_URL"   env-default:"http://localhost:8000/api"`
	UserAgent string `yaml:"user_agent" env:"API_USER_AGENT" env-default:"sweetshop-client"`
}

// TimeoutConfig — таймаут одной попытки запроса и обмена refresh-токена.
type TimeoutConfig struct {
	Request time.Duration `yaml:"request" env:"REQUEST_TIMEOUT" env-default:"10s"`
	Refresh time.Duration `yaml:"refresh" env:"REFRESH_TIMEOUT" env-default:"10s"`
}

// CacheConfig — окно свежести кэша ресурсов.
type CacheConfig struct {
	StaleAfter time.Duration `yaml:"stale_after" env:"CACHE_STALE_AFTER" env-default:"5m"`
}

// StorageConfig — долговременное хранилище пары токенов.
type StorageConfig struct {
	Kind      string `yaml:"kind"       env:"STORAGE_KIND"       env-default:"file"`
	FilePath  string `yaml:"file_path"  env:"STORAGE_FILE_PATH"  env-default:".sweetshop/credentials.json"`
	RedisURL  string `yaml:"redis_url"  env:"REDIS_URL"`
	KeyPrefix string `yaml:"key_prefix" env:"STORAGE_KEY_PREFIX" env-default:"sweetshop:"`
}

// MetricsConfig — отдельный HTTP для Prometheus (опционально).
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED" env-default:"false"`
	Host    string `yaml:"host"    env:"METRICS_HOST"    env-default:"127.0.0.1"`
	Port    string `yaml:"port"    env:"METRICS_PORT"    env-default:"50095"`
}

func (m MetricsConfig) Addr() string { return net.JoinHostPort(m.Host, m.Port) }

// Validate проверяет согласованность значений, которые cleanenv проверить не может.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid api.base_url %q", c.API.BaseURL)
	}

	switch c.Storage.Kind {
	case StorageMemory:
	case StorageFile:
		if c.Storage.FilePath == "" {
			return fmt.Errorf("storage.file_path is required for kind %q", StorageFile)
		}
	case StorageRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("storage.redis_url is required for kind %q", StorageRedis)
		}
	default:
		return fmt.Errorf("unknown storage.kind %q", c.Storage.Kind)
	}

	if c.Cache.StaleAfter < 0 {
		return fmt.Errorf("cache.stale_after must not be negative")
	}

	return nil
}

// MustLoad — паника при ошибке загрузки.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}

	return cfg
}

func Load(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func load(path string) (*Config, error) {
	var cfg Config

	tryRead := func(p string) (*Config, error) {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("config file %q stat failed: %w", p, err)
		}

		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}

		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to overlay env: %w", err)
		}

		return &cfg, nil
	}

	// 1) --config
	if path != "" {
		return tryRead(path)
	}

	// 2) CONFIG_PATH
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return tryRead(envPath)
	}

	// 3) ./local.yaml
	if _, err := os.Stat("local.yaml"); err == nil {
		return tryRead("local.yaml")
	}

	// 4) только ENV
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config not found: provide --config, CONFIG_PATH, local.yaml or env vars: %w", err)
	}

	return &cfg, nil
}
