package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Конечная структура конфигурации сервера.
// Расширяем по мере роста проекта.
type Config struct {
	Server struct {
		Address  string `mapstructure:"address"`   // 0.0.0.0
		HTTPPort string `mapstructure:"http_port"` // 8080
	} `mapstructure:"server"`

	Auth struct {
		TokenSecret string        `mapstructure:"token_secret"` // ключ подписи bearer-токенов
		TokenTTL    time.Duration `mapstructure:"token_ttl"`    // срок жизни токена
		MaxSkew     time.Duration `mapstructure:"max_skew"`     // допуск рассинхронизации часов
		CodeExpiry  time.Duration `mapstructure:"code_expiry"`  // окно жизни кода у неодобренного устройства
	} `mapstructure:"auth"`

	Broker struct {
		RegistryPath  string        `mapstructure:"registry_path"`  // файл локального реестра; пусто — не персистим
		FlushDebounce time.Duration `mapstructure:"flush_debounce"` // дебаунс записи реестра
	} `mapstructure:"broker"`

	Commands struct {
		PollBatch int `mapstructure:"poll_batch"` // максимум команд за один poll
	} `mapstructure:"commands"`

	Admin struct {
		SharedSecret string `mapstructure:"shared_secret"` // пусто — admin-маршруты не поднимаются
	} `mapstructure:"admin"`

	Firmware struct {
		BaseURL string `mapstructure:"base_url"` // откуда устройства тянут образы
	} `mapstructure:"firmware"`

	Telemetry struct {
		RateLimit  int           `mapstructure:"rate_limit"`  // запросов на устройство в окно
		RateWindow time.Duration `mapstructure:"rate_window"` // размер окна
	} `mapstructure:"telemetry"`

	Logging struct {
		Level  string `mapstructure:"level"`  // trace|debug|info|warning|error|fatal
		Format string `mapstructure:"format"` // text|json
		File   string `mapstructure:"file"`   // путь/префикс файла, пусто — только stdout
	} `mapstructure:"logs"`

	Database struct {
		Driver string `mapstructure:"driver"` // "postgres" | "mysql" | "" (in-memory)
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`
}

// Load читает конфиг из env/файла с дефолтами.
func Load() (*Config, error) {
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Дефолты (минимальный рабочий набор)
	viper.SetDefault("server.address", "0.0.0.0")
	viper.SetDefault("server.http_port", "8080")

	viper.SetDefault("auth.token_secret", "CHANGE_ME")
	viper.SetDefault("auth.token_ttl", "1h")
	viper.SetDefault("auth.max_skew", "5m")
	viper.SetDefault("auth.code_expiry", "24h")

	viper.SetDefault("broker.registry_path", "devices.json")
	viper.SetDefault("broker.flush_debounce", "2s")

	viper.SetDefault("commands.poll_batch", 10)

	viper.SetDefault("admin.shared_secret", "")
	viper.SetDefault("firmware.base_url", "")

	viper.SetDefault("telemetry.rate_limit", 60)
	viper.SetDefault("telemetry.rate_window", "1m")

	// Логи — дефолты
	viper.SetDefault("logs.level", "info")
	viper.SetDefault("logs.format", "text")
	viper.SetDefault("logs.file", "")

	// DB: по умолчанию — in-memory (пустой driver)
	viper.SetDefault("database.driver", "")
	viper.SetDefault("database.dsn", "")

	// Источник файла
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			viper.AddConfigPath(filepath.Join(xdg, "halo"))
		}
		viper.AddConfigPath("/etc/halo")
	}

	// Чтение файла (опционально)
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func validate(c *Config) error {
	if strings.TrimSpace(c.Auth.TokenSecret) == "" || c.Auth.TokenSecret == "CHANGE_ME" {
		return errors.New("auth.token_secret must be set (not empty and not CHANGE_ME)")
	}
	if strings.TrimSpace(c.Server.Address) == "" {
		return errors.New("server.address must not be empty")
	}
	if strings.TrimSpace(c.Server.HTTPPort) == "" {
		return errors.New("server.http_port must not be empty")
	}
	if c.Commands.PollBatch <= 0 {
		return errors.New("commands.poll_batch must be positive")
	}
	return nil
}
