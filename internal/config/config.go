package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ChuLiYu/gearguard-board/internal/statemachine"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	TransportHTTP = "http"
	TransportGRPC = "grpc"

	// EnvPrefix 環境變數前綴，例如 GEARGUARD_BOARD_POLL_INTERVAL
	EnvPrefix = "GEARGUARD"

	DefaultPath = "configs/default.yaml"
)

// Config 完整系統配置
type Config struct {
	Board     BoardConfig     `mapstructure:"board" yaml:"board"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Worker    WorkerConfig    `mapstructure:"worker" yaml:"worker"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Journal   JournalConfig   `mapstructure:"journal" yaml:"journal"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
}

type BoardConfig struct {
	ID           string        `mapstructure:"id" yaml:"id"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	Columns      []string      `mapstructure:"columns" yaml:"columns"`
}

type TransportConfig struct {
	Kind           string        `mapstructure:"kind" yaml:"kind"`
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	GRPCAddr       string        `mapstructure:"grpc_addr" yaml:"grpc_addr"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout" yaml:"persist_timeout"`
}

type WorkerConfig struct {
	Count      int `mapstructure:"count" yaml:"count"`
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
}

type CacheConfig struct {
	Backend  string        `mapstructure:"backend" yaml:"backend"`
	Path     string        `mapstructure:"path" yaml:"path"`
	RedisURL string        `mapstructure:"redis_url" yaml:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// JournalConfig 已解決變更日誌；Path 為空表示停用
type JournalConfig struct {
	Path          string        `mapstructure:"path" yaml:"path"`
	SyncOnAppend  bool          `mapstructure:"sync_on_append" yaml:"sync_on_append"`
	BufferSize    int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Env    string `mapstructure:"env" yaml:"env"`
}

type ServerConfig struct {
	HTTPPort       int    `mapstructure:"http_port" yaml:"http_port"`
	GRPCPort       int    `mapstructure:"grpc_port" yaml:"grpc_port"`
	SeedFile       string `mapstructure:"seed_file" yaml:"seed_file"`
	RejectTerminal bool   `mapstructure:"reject_terminal" yaml:"reject_terminal"`
}

// Load 讀取 YAML 配置檔，並以 GEARGUARD_* 環境變數覆寫
//
// path 為空或檔案不存在時只使用預設值與環境變數。
// 目前目錄下的 .env 會先被載入。
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 回傳只含預設值的配置
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("board.id", "default")
	v.SetDefault("board.poll_interval", "3s")
	v.SetDefault("board.fetch_timeout", "10s")
	cols := statemachine.Columns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = string(c)
	}
	v.SetDefault("board.columns", names)

	v.SetDefault("transport.kind", TransportHTTP)
	v.SetDefault("transport.base_url", "http://localhost:8080")
	v.SetDefault("transport.grpc_addr", "localhost:50051")
	v.SetDefault("transport.persist_timeout", "10s")

	v.SetDefault("worker.count", 2)
	v.SetDefault("worker.buffer_size", 64)

	v.SetDefault("cache.backend", "file")
	v.SetDefault("cache.path", "./data/board_cache.json")
	v.SetDefault("cache.redis_url", "redis://localhost:6379/0")
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.interval", "30s")

	v.SetDefault("journal.path", "./data/board_journal.log")
	v.SetDefault("journal.sync_on_append", false)
	v.SetDefault("journal.buffer_size", 16)
	v.SetDefault("journal.flush_interval", "1s")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.env", EnvDevelopment)

	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.seed_file", "")
	v.SetDefault("server.reject_terminal", false)
}

// Validate 檢查配置一致性
func (c *Config) Validate() error {
	var errs []error

	if err := validateColumns(c.Board.Columns); err != nil {
		errs = append(errs, err)
	}
	if c.Board.PollInterval <= 0 {
		errs = append(errs, errors.New("board.poll_interval must be positive"))
	}
	if c.Board.FetchTimeout <= 0 {
		errs = append(errs, errors.New("board.fetch_timeout must be positive"))
	}

	switch c.Transport.Kind {
	case TransportHTTP:
		if c.Transport.BaseURL == "" {
			errs = append(errs, errors.New("transport.base_url is required for http"))
		}
	case TransportGRPC:
		if c.Transport.GRPCAddr == "" {
			errs = append(errs, errors.New("transport.grpc_addr is required for grpc"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.kind must be http or grpc, got %q", c.Transport.Kind))
	}

	if c.Worker.Count < 1 {
		errs = append(errs, errors.New("worker.count must be at least 1"))
	}
	if c.Worker.BufferSize < 0 {
		errs = append(errs, errors.New("worker.buffer_size must not be negative"))
	}

	switch c.Cache.Backend {
	case "file", "redis", "none":
	default:
		errs = append(errs, fmt.Errorf("cache.backend must be file, redis or none, got %q", c.Cache.Backend))
	}

	if c.Journal.BufferSize < 0 {
		errs = append(errs, errors.New("journal.buffer_size must not be negative"))
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// 看板欄位固定為四個狀態且順序不可變
func validateColumns(cols []string) error {
	want := statemachine.Columns()
	if len(cols) != len(want) {
		return fmt.Errorf("board.columns must list exactly %d statuses, got %d", len(want), len(cols))
	}
	for i, c := range cols {
		if c != string(want[i]) {
			return fmt.Errorf("board.columns[%d] must be %q, got %q", i, want[i], c)
		}
	}
	return nil
}
