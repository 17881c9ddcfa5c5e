// Package config 加载 LiveUplink 的 YAML 配置，支持环境变量覆盖和热加载
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix 环境变量前缀，例如 LIVEUPLINK_ENDPOINT_URL
	EnvPrefix = "LIVEUPLINK"
	// FileName 默认配置文件名（不含扩展名）
	FileName = "liveuplink"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config 根配置
type Config struct {
	StreamID  string          `mapstructure:"stream_id"`
	Endpoint  EndpointConfig  `mapstructure:"endpoint"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Uplink    UplinkConfig    `mapstructure:"uplink"`
	Transport TransportConfig `mapstructure:"transport"`
	Backoff   BackoffConfig   `mapstructure:"backoff"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Log       LogConfig       `mapstructure:"log"`
}

// EndpointConfig 接收端地址
type EndpointConfig struct {
	URL               string `mapstructure:"url"`
	UserAgent         string `mapstructure:"user_agent"`
	EnableCompression bool   `mapstructure:"enable_compression"`
}

// CaptureConfig 采集配置。Source 为 synthetic、stdin 或文件路径
type CaptureConfig struct {
	Source      string        `mapstructure:"source"`
	ByteRate    int           `mapstructure:"byte_rate"`
	Limit       int64         `mapstructure:"limit"`
	Interval    time.Duration `mapstructure:"interval"`
	ReadSize    int           `mapstructure:"read_size"`
	ChunkBuffer int           `mapstructure:"chunk_buffer"`
}

// UplinkConfig 上行缓冲配置
type UplinkConfig struct {
	Capacity        int           `mapstructure:"capacity"`
	MaxBytes        int64         `mapstructure:"max_bytes"`
	FlushTimeout    time.Duration `mapstructure:"flush_timeout"`
	ConfirmInterval time.Duration `mapstructure:"confirm_interval"`
	EventBuffer     int           `mapstructure:"event_buffer"`
}

// TransportConfig 会话与连接配置
type TransportConfig struct {
	QueueSize        int           `mapstructure:"queue_size"`
	LowWater         int           `mapstructure:"low_water"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	PongTimeout      time.Duration `mapstructure:"pong_timeout"`
}

// BackoffConfig 重连退避配置，MaxRetries 为 0 表示不限次数
type BackoffConfig struct {
	Base       time.Duration `mapstructure:"base"`
	Factor     float64       `mapstructure:"factor"`
	Cap        time.Duration `mapstructure:"cap"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// IngestConfig 接收端配置
type IngestConfig struct {
	Addr             string        `mapstructure:"addr"`
	GRPCAddr         string        `mapstructure:"grpc_addr"`
	Path             string        `mapstructure:"path"`
	Acks             bool          `mapstructure:"acks"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	MaxConnections   int           `mapstructure:"max_connections"`
}

// SinkConfig 接收端存储配置
type SinkConfig struct {
	Dir      string         `mapstructure:"dir"` // 为空时只保存在内存
	Fsync    bool           `mapstructure:"fsync"`
	Database DatabaseConfig `mapstructure:"database"`
}

// DatabaseConfig Postgres 元数据表配置
type DatabaseConfig struct {
	Enable   bool   `mapstructure:"enable"`
	DSN      string `mapstructure:"dsn"` // 非空时优先于分项配置
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string         `mapstructure:"level"`  // debug, info, warn, error
	Format      string         `mapstructure:"format"` // console 或 json
	Outputs     []string       `mapstructure:"outputs"`
	Development bool           `mapstructure:"development"`
	Rotation    RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 文件输出的滚动配置
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// newViper 创建带默认值和环境变量绑定的 viper 实例
func newViper(path string) *viper.Viper {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("./configs")
	}

	// 设置环境变量前缀
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaultValues(v)
	return v
}

// loadDotEnv 预加载 .env，不覆盖已有环境变量
func loadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s failed: %w", f, err)
		}
	}
	return nil
}

// Load 读取配置。path 为空时在默认位置查找 liveuplink.yaml，找不到则只用默认值和环境变量
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg, _, err := load(newViper(path))
	return cfg, err
}

func load(v *viper.Viper) (*Config, *viper.Viper, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, *viper.Viper, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 逗号分隔的环境变量覆盖
	if outputs := v.GetStringSlice("log.outputs"); len(outputs) == 1 && strings.Contains(outputs[0], ",") {
		cfg.Log.Outputs = strings.Split(outputs[0], ",")
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, nil, err
	}
	return &cfg, v, nil
}

// setDefaultValues 设置默认配置值
func setDefaultValues(v *viper.Viper) {
	v.SetDefault("stream_id", "")

	v.SetDefault("endpoint.url", "ws://127.0.0.1:8000/video-stream")
	v.SetDefault("endpoint.user_agent", "LiveUplink/1.0")
	v.SetDefault("endpoint.enable_compression", false)

	v.SetDefault("capture.source", "synthetic")
	v.SetDefault("capture.byte_rate", 256*1024)
	v.SetDefault("capture.limit", 0)
	v.SetDefault("capture.interval", time.Second)
	v.SetDefault("capture.read_size", 32*1024)
	v.SetDefault("capture.chunk_buffer", 4)

	v.SetDefault("uplink.capacity", 30)
	v.SetDefault("uplink.max_bytes", 64*1024*1024)
	v.SetDefault("uplink.flush_timeout", 5*time.Second)
	v.SetDefault("uplink.confirm_interval", 200*time.Millisecond)
	v.SetDefault("uplink.event_buffer", 64)

	v.SetDefault("transport.queue_size", 16)
	v.SetDefault("transport.low_water", 4)
	v.SetDefault("transport.handshake_timeout", 10*time.Second)
	v.SetDefault("transport.drain_timeout", 5*time.Second)
	v.SetDefault("transport.write_timeout", 5*time.Second)
	v.SetDefault("transport.ping_interval", 15*time.Second)
	v.SetDefault("transport.pong_timeout", 5*time.Second)

	v.SetDefault("backoff.base", 500*time.Millisecond)
	v.SetDefault("backoff.factor", 2.0)
	v.SetDefault("backoff.cap", 30*time.Second)
	v.SetDefault("backoff.max_retries", 10)

	v.SetDefault("ingest.addr", ":8000")
	v.SetDefault("ingest.grpc_addr", "")
	v.SetDefault("ingest.path", "/video-stream")
	v.SetDefault("ingest.acks", true)
	v.SetDefault("ingest.handshake_timeout", 10*time.Second)
	v.SetDefault("ingest.idle_timeout", 60*time.Second)
	v.SetDefault("ingest.shutdown_timeout", 5*time.Second)
	v.SetDefault("ingest.max_connections", 1000)

	v.SetDefault("sink.dir", "")
	v.SetDefault("sink.fsync", false)
	v.SetDefault("sink.database.enable", false)
	v.SetDefault("sink.database.dsn", "")
	v.SetDefault("sink.database.host", "localhost")
	v.SetDefault("sink.database.port", 5432)
	v.SetDefault("sink.database.user", "postgres")
	v.SetDefault("sink.database.password", "postgres")
	v.SetDefault("sink.database.dbname", "liveuplink")
	v.SetDefault("sink.database.sslmode", "disable")
	v.SetDefault("sink.database.max_conns", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.outputs", []string{"stderr"})
	v.SetDefault("log.development", false)
	v.SetDefault("log.rotation.enable", false)
	v.SetDefault("log.rotation.max_size_mb", 50)
	v.SetDefault("log.rotation.max_backups", 3)
	v.SetDefault("log.rotation.max_age_days", 28)
	v.SetDefault("log.rotation.compress", true)
}

// validateConfig 验证配置有效性
func validateConfig(c *Config) error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Endpoint.URL != "", "endpoint.url is required")
	check(c.Capture.Source != "", "capture.source is required")
	check(c.Capture.Interval > 0, "capture.interval must be positive")
	check(c.Capture.Source != "synthetic" || c.Capture.ByteRate > 0, "capture.byte_rate must be positive for synthetic capture")

	check(c.Uplink.Capacity > 0, "uplink.capacity must be positive, got %d", c.Uplink.Capacity)
	check(c.Uplink.MaxBytes >= 0, "uplink.max_bytes must not be negative")

	check(c.Transport.QueueSize > 0, "transport.queue_size must be positive")
	check(c.Transport.LowWater >= 1 && c.Transport.LowWater < c.Transport.QueueSize,
		"transport.low_water must be in [1, queue_size)")

	check(c.Backoff.Base > 0, "backoff.base must be positive")
	check(c.Backoff.Factor >= 1, "backoff.factor must be >= 1, got %v", c.Backoff.Factor)
	check(c.Backoff.Cap >= c.Backoff.Base, "backoff.cap must be >= backoff.base")
	check(c.Backoff.MaxRetries >= 0, "backoff.max_retries must not be negative")

	check(strings.HasPrefix(c.Ingest.Path, "/"), "ingest.path must start with /")

	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
