package internal

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/koopa0/system-design/14-checkers-matchmaking/pkg/telemetry"
)

// Registry 後端
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		EventTimeout    time.Duration `yaml:"event_timeout"` // 單一事件的處理上限
	} `yaml:"server"`

	Registry struct {
		Backend         string `yaml:"backend"` // memory / redis / postgres
		KeyPrefix       string `yaml:"key_prefix"`
		ConflictRetries int    `yaml:"conflict_retries"`
	} `yaml:"registry"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	NATS struct {
		Enabled        bool          `yaml:"enabled"`
		URL            string        `yaml:"url"`
		SubjectPrefix  string        `yaml:"subject_prefix"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"nats"`

	WebSocket struct {
		ReadBufferSize  int           `yaml:"read_buffer_size"`
		WriteBufferSize int           `yaml:"write_buffer_size"`
		SendBufferSize  int           `yaml:"send_buffer_size"`
		MaxMessageSize  int64         `yaml:"max_message_size"`
		PingPeriod      time.Duration `yaml:"ping_period"`
		PongWait        time.Duration `yaml:"pong_wait"`
		WriteWait       time.Duration `yaml:"write_wait"`
	} `yaml:"websocket"`

	Fanout struct {
		Concurrency int `yaml:"concurrency"`
	} `yaml:"fanout"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Telemetry struct {
		Enabled     bool   `yaml:"enabled"`
		ServiceName string `yaml:"service_name"`
		Endpoint    string `yaml:"endpoint"` // OTLP gRPC host:port
		Insecure    bool   `yaml:"insecure"`
	} `yaml:"telemetry"`
}

// DefaultConfig 預設配置：單機、記憶體後端
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.IdleTimeout = 60 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second
	cfg.Server.EventTimeout = 10 * time.Second

	cfg.Registry.Backend = BackendMemory
	cfg.Registry.KeyPrefix = "checkers:"
	cfg.Registry.ConflictRetries = 5

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 20
	cfg.Redis.MinIdleConns = 5
	cfg.Redis.MaxRetries = 3
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "postgres"
	cfg.Postgres.Password = "postgres"
	cfg.Postgres.DBName = "checkers"
	cfg.Postgres.MaxConns = 20
	cfg.Postgres.MinConns = 2

	cfg.NATS.URL = "nats://localhost:4222"
	cfg.NATS.SubjectPrefix = "checkers"
	cfg.NATS.RequestTimeout = 2 * time.Second

	cfg.WebSocket.ReadBufferSize = 1024
	cfg.WebSocket.WriteBufferSize = 1024
	cfg.WebSocket.SendBufferSize = 256
	cfg.WebSocket.MaxMessageSize = 64 * 1024
	cfg.WebSocket.PingPeriod = 54 * time.Second
	cfg.WebSocket.PongWait = 60 * time.Second
	cfg.WebSocket.WriteWait = 10 * time.Second

	cfg.Fanout.Concurrency = 16

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	cfg.Telemetry.ServiceName = "checkers-matchmaking"
	cfg.Telemetry.Endpoint = "localhost:4317"
	cfg.Telemetry.Insecure = true

	return cfg
}

// LoadConfig 載入配置檔案，檔案中未出現的欄位沿用預設值；path 為空時只用預設值與環境變數
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 - path 來自啟動參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 環境變數覆蓋（生產環境常用）
func (c *Config) applyEnv() error {
	if v := os.Getenv("REGISTRY_BACKEND"); v != "" {
		c.Registry.Backend = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		// exporter 自己也會讀這個變數，這裡只負責開啟遙測
		c.Telemetry.Endpoint = ""
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var errs []error

	switch c.Registry.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown registry backend %q", c.Registry.Backend))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port %d", c.Server.Port))
	}
	if c.Registry.ConflictRetries < 1 {
		errs = append(errs, errors.New("registry.conflict_retries must be positive"))
	}
	if c.Fanout.Concurrency < 1 {
		errs = append(errs, errors.New("fanout.concurrency must be positive"))
	}
	if c.WebSocket.SendBufferSize < 1 {
		errs = append(errs, errors.New("websocket.send_buffer_size must be positive"))
	}
	if c.WebSocket.PingPeriod <= 0 || c.WebSocket.PongWait <= c.WebSocket.PingPeriod {
		errs = append(errs, errors.New("websocket.pong_wait must be longer than websocket.ping_period"))
	}
	if c.NATS.Enabled && c.NATS.SubjectPrefix == "" {
		errs = append(errs, errors.New("nats.subject_prefix is required when nats is enabled"))
	}

	return errors.Join(errs...)
}

// PostgresDSN 生成 PostgreSQL 連線 URL（pgxpool 與 golang-migrate 共用）
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     net.JoinHostPort(c.Postgres.Host, strconv.Itoa(c.Postgres.Port)),
		Path:     "/" + c.Postgres.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// MatchmakerConfig 配對服務參數
func (c *Config) MatchmakerConfig() MatchmakerConfig {
	return MatchmakerConfig{
		ConflictRetries: c.Registry.ConflictRetries,
		EventTimeout:    c.Server.EventTimeout,
	}
}

// TelemetryOptions OpenTelemetry 參數
func (c *Config) TelemetryOptions() telemetry.Options {
	return telemetry.Options{
		Enabled:     c.Telemetry.Enabled,
		ServiceName: c.Telemetry.ServiceName,
		Endpoint:    c.Telemetry.Endpoint,
		Insecure:    c.Telemetry.Insecure,
	}
}

// HubConfig WebSocket 參數
func (c *Config) HubConfig() HubConfig {
	return HubConfig{
		ReadBufferSize:  c.WebSocket.ReadBufferSize,
		WriteBufferSize: c.WebSocket.WriteBufferSize,
		SendBufferSize:  c.WebSocket.SendBufferSize,
		MaxMessageSize:  c.WebSocket.MaxMessageSize,
		PingPeriod:      c.WebSocket.PingPeriod,
		PongWait:        c.WebSocket.PongWait,
		WriteWait:       c.WebSocket.WriteWait,
	}
}
