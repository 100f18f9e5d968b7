package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/utils"
)

const DefaultPath = "config.json"

type Config struct {
	Server struct {
		BaseURL     string `json:"base_url" env:"SERVER_BASE_URL"`
		RealtimeURL string `json:"realtime_url" env:"REALTIME_URL"`
		Origin      string `json:"origin" env:"REALTIME_ORIGIN"`
	} `json:"server"`
	Connection struct {
		MaxAttempts       int     `json:"max_attempts" env:"RECONNECT_MAX_ATTEMPTS"`
		BaseDelay         string  `json:"base_delay" env:"RECONNECT_BASE_DELAY"`
		Jitter            float64 `json:"jitter" env:"RECONNECT_JITTER"`
		KeepaliveInterval string  `json:"keepalive_interval" env:"KEEPALIVE_INTERVAL"`
	} `json:"connection"`
	Store struct {
		Driver      string `json:"driver" env:"STORE_DRIVER"` // bolt | mongo | memory
		Path        string `json:"path" env:"STORE_PATH"`
		MaxAttempts int    `json:"max_attempts" env:"ACTION_MAX_ATTEMPTS"`
	} `json:"store"`
	Database struct {
		Host               string `json:"host" env:"MONGO_HOST"`
		Port               uint64 `json:"port" env:"MONGO_PORT"`
		Username           string `json:"username" env:"MONGO_USERNAME"`
		Password           string `json:"password" env:"MONGO_PASSWORD"`
		Database           string `json:"database" env:"MONGO_DATABASE"`
		UseTLS             bool   `json:"use_tls" env:"MONGO_USE_TLS"`
		ConnectTimeout     string `json:"connect_timeout"`
		SocketTimeout      string `json:"socket_timeout"`
		ConnectIdleTimeout string `json:"connect_idle_timeout"`
		OperationTimeout   string `json:"operation_timeout"`
		Heartbeat          string `json:"heartbeat"`
		MinPoolSize        uint64 `json:"min_pool_size"`
		MaxPoolSize        uint64 `json:"max_pool_size"`
	} `json:"database"`
	Cache struct {
		Driver  string   `json:"driver" env:"CACHE_DRIVER"` // sqlite | memory
		Path    string   `json:"path" env:"CACHE_PATH"`
		Prefix  string   `json:"prefix" env:"CACHE_PREFIX"`
		LRUSize int      `json:"lru_size" env:"CACHE_LRU_SIZE"`
		Pinned  []string `json:"pinned" env:"CACHE_PINNED" envSeparator:","`
	} `json:"cache"`
	Push struct {
		Enabled        bool   `json:"enabled" env:"PUSH_ENABLED"`
		VAPIDPublicKey string `json:"vapid_public_key" env:"VAPID_PUBLIC_KEY"`
	} `json:"push"`
	Manifest  string `json:"manifest" env:"ASSET_MANIFEST"`
	Listen    string `json:"listen" env:"WORKER_LISTEN"`
	LogDir    string `json:"log_dir" env:"LOG_DIR"`
	DebugMode bool   `json:"debug_mode" env:"DEBUG_MODE"`
	AppName   string `json:"app_name" env:"APP_NAME"`
}

var ErrConfigCreated = errors.New("the configuration file does not exist and has been created with default values")

func Default() Config {
	var config Config
	config.Server.BaseURL = "http://localhost:8000"
	config.Server.RealtimeURL = "ws://localhost:8000/ws"
	config.Server.Origin = "http://localhost/"
	config.Connection.MaxAttempts = 5
	config.Connection.BaseDelay = "1s"
	config.Connection.KeepaliveInterval = "30s"
	config.Store.Driver = "bolt"
	config.Store.Path = "data/actions.db"
	config.Store.MaxAttempts = 5
	config.Database.Host = "localhost"
	config.Database.Port = 27017
	config.Database.Database = "offline_client"
	config.Database.ConnectTimeout = "10s"
	config.Database.SocketTimeout = "30s"
	config.Database.ConnectIdleTimeout = "5m"
	config.Database.OperationTimeout = "5s"
	config.Database.Heartbeat = "10s"
	config.Database.MinPoolSize = 1
	config.Database.MaxPoolSize = 10
	config.Cache.Driver = "sqlite"
	config.Cache.Path = "data/cache.db"
	config.Cache.Prefix = "coffee"
	config.Cache.LRUSize = 256
	config.Manifest = "manifest.yaml"
	config.Listen = "127.0.0.1:8787"
	config.LogDir = "logs"
	config.AppName = "offline-client"
	return config
}

// ReadConfig 读取 JSON 配置文件，再依次应用 .env 和环境变量覆盖。
// 文件不存在时写出默认配置并返回 ErrConfigCreated，此时返回的配置仍可使用
func ReadConfig(path string) (Config, error) {
	config := Default()
	var created error

	bytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return config, fmt.Errorf("read configuration file: %w", err)
		}
		data, _ := json.MarshalIndent(config, "", "\t")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return config, fmt.Errorf("write default configuration file: %w", err)
		}
		created = ErrConfigCreated
	} else if err := json.Unmarshal(bytes, &config); err != nil {
		return config, errors.New("the configuration file does not contain valid JSON")
	}

	_ = godotenv.Load()
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, created
}

func (c *Config) Validate() error {
	if c.Connection.MaxAttempts < 1 {
		return fmt.Errorf("connection.max_attempts must be positive, got %d", c.Connection.MaxAttempts)
	}
	if c.Connection.Jitter < 0 || c.Connection.Jitter >= 1 {
		return fmt.Errorf("connection.jitter must be in [0, 1), got %v", c.Connection.Jitter)
	}
	if c.Store.MaxAttempts < 1 {
		return fmt.Errorf("store.max_attempts must be positive, got %d", c.Store.MaxAttempts)
	}
	switch c.Store.Driver {
	case "bolt", "memory":
	case "mongo":
		if c.Database.Host == "" {
			return errors.New("database.host is required for the mongo store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Cache.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown cache driver %q", c.Cache.Driver)
	}
	if !strings.HasPrefix(c.Server.RealtimeURL, "ws://") && !strings.HasPrefix(c.Server.RealtimeURL, "wss://") {
		return fmt.Errorf("server.realtime_url must use ws:// or wss://, got %q", c.Server.RealtimeURL)
	}
	return nil
}

func (c *Config) BaseDelay() time.Duration {
	return utils.ParseStringTimeDefault(c.Connection.BaseDelay, time.Second)
}

func (c *Config) KeepaliveInterval() time.Duration {
	return utils.ParseStringTimeDefault(c.Connection.KeepaliveInterval, 30*time.Second)
}

func (c *Config) OperationTimeout() time.Duration {
	return utils.ParseStringTimeDefault(c.Database.OperationTimeout, 5*time.Second)
}
