// ============================================================================
// genbroker Config - 配置載入
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 讀取 YAML 配置，並以環境變數覆寫
//
// 載入順序（後者覆寫前者）:
//   1. Default() 內建預設值
//   2. YAML 配置檔 (預設 configs/default.yaml)
//   3. .env 檔案（選用，只設定尚未存在的環境變數）
//   4. GENBROKER_ 開頭的環境變數，例如:
//        GENBROKER_SERVER_HTTP_ADDR=0.0.0.0:12345
//        GENBROKER_BROKER_MAX_ATTEMPTS=5
//        GENBROKER_STORAGE_BACKEND=s3
//        GENBROKER_STORAGE_S3_BUCKET=artifacts
//
// ============================================================================

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/genbroker/internal/broker"
	"github.com/ChuLiYu/genbroker/internal/server"
	"github.com/ChuLiYu/genbroker/internal/storage"
)

// EnvPrefix 所有環境變數的前綴
const EnvPrefix = "GENBROKER_"

// Config 完整系統配置
type Config struct {
	Server  ServerConfig  `yaml:"server" envPrefix:"SERVER_"`
	Broker  BrokerConfig  `yaml:"broker" envPrefix:"BROKER_"`
	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
	Events  EventsConfig  `yaml:"events" envPrefix:"EVENTS_"`
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
}

type ServerConfig struct {
	HTTPAddr        string   `yaml:"http_addr" env:"HTTP_ADDR"`
	TCPAddr         string   `yaml:"tcp_addr" env:"TCP_ADDR"`   // 空字串表示不開啟
	GRPCAddr        string   `yaml:"grpc_addr" env:"GRPC_ADDR"` // 空字串表示不開啟
	MaxMessageBytes int64    `yaml:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
	AllowedOrigins  []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

type BrokerConfig struct {
	ImageTimeout   time.Duration `yaml:"image_timeout" env:"IMAGE_TIMEOUT"`
	VideoTimeout   time.Duration `yaml:"video_timeout" env:"VIDEO_TIMEOUT"`
	MaxAttempts    int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	WorkerCooldown time.Duration `yaml:"worker_cooldown" env:"WORKER_COOLDOWN"`
	TickInterval   time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	AutoStart      bool          `yaml:"auto_start" env:"AUTO_START"`
	AutoStop       bool          `yaml:"auto_stop" env:"AUTO_STOP"`
	FailureMarkers []string      `yaml:"failure_markers" env:"FAILURE_MARKERS"`
	OutboxSize     int           `yaml:"outbox_size" env:"OUTBOX_SIZE"`
}

type StorageConfig struct {
	Backend   string   `yaml:"backend" env:"BACKEND"` // local 或 s3
	OutputDir string   `yaml:"output_dir" env:"OUTPUT_DIR"`
	S3        S3Config `yaml:"s3" envPrefix:"S3_"`
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	Region          string `yaml:"region" env:"REGION"`
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	UsePathStyle    bool   `yaml:"use_path_style" env:"USE_PATH_STYLE"`
	CreateBucket    bool   `yaml:"create_bucket" env:"CREATE_BUCKET"`
}

// EventsConfig 任務事件發佈；RabbitMQURL 為空時不發佈
type EventsConfig struct {
	RabbitMQURL string `yaml:"rabbitmq_url" env:"RABBITMQ_URL"`
	Queue       string `yaml:"queue" env:"QUEUE"`
	Buffer      int    `yaml:"buffer" env:"BUFFER"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // text 或 json
	File   string `yaml:"file" env:"FILE"`     // 同時寫入此檔案，空字串表示只輸出到 stderr
}

// Default 內建預設值
func Default() *Config {
	b := broker.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        "localhost:12345",
			GRPCAddr:        "localhost:50051",
			MaxMessageBytes: server.DefaultMaxMessageBytes,
		},
		Broker: BrokerConfig{
			ImageTimeout:   b.ImageTimeout,
			VideoTimeout:   b.VideoTimeout,
			MaxAttempts:    b.MaxAttempts,
			WorkerCooldown: b.WorkerCooldown,
			TickInterval:   b.TickInterval,
			AutoStart:      b.AutoStart,
			AutoStop:       b.AutoStop,
			FailureMarkers: b.FailureMarkers,
			OutboxSize:     b.OutboxSize,
		},
		Storage: StorageConfig{
			Backend:   "local",
			OutputDir: "output",
			S3:        S3Config{Region: "us-east-1"},
		},
		Events: EventsConfig{
			Buffer: 256,
		},
		Metrics: MetricsConfig{Enabled: true},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Options 控制 Load 的來源
type Options struct {
	Path     string // YAML 配置檔
	Required bool   // 配置檔不存在時是否報錯
	EnvFile  string // .env 檔案
}

// Load 依序套用預設值、配置檔、.env 與環境變數
func Load(opts Options) (*Config, error) {
	cfg := Default()

	if opts.Path != "" {
		data, err := os.ReadFile(opts.Path)
		switch {
		case err == nil:
			if err := decodeYAML(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", opts.Path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !opts.Required:
			slog.Debug("Config file not found, using defaults", "path", opts.Path)
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", opts.EnvFile, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate 檢查配置是否可用
func (c *Config) Validate() error {
	var errs []error

	if c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.http_addr is required"))
	}
	if c.Server.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("server.max_message_bytes must be positive"))
	}
	if c.Broker.ImageTimeout <= 0 || c.Broker.VideoTimeout <= 0 {
		errs = append(errs, errors.New("broker timeouts must be positive"))
	}
	if c.Broker.MaxAttempts < 0 {
		errs = append(errs, errors.New("broker.max_attempts must not be negative"))
	}
	if c.Broker.WorkerCooldown < 0 {
		errs = append(errs, errors.New("broker.worker_cooldown must not be negative"))
	}

	switch strings.ToLower(c.Storage.Backend) {
	case "local":
		if c.Storage.OutputDir == "" {
			errs = append(errs, errors.New("storage.output_dir is required for the local backend"))
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("storage.s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("invalid log.level %q", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ToBroker 轉成 broker.Config
func (c *Config) ToBroker() broker.Config {
	b := c.Broker
	return broker.Config{
		ImageTimeout:   b.ImageTimeout,
		VideoTimeout:   b.VideoTimeout,
		MaxAttempts:    b.MaxAttempts,
		WorkerCooldown: b.WorkerCooldown,
		TickInterval:   b.TickInterval,
		AutoStart:      b.AutoStart,
		AutoStop:       b.AutoStop,
		FailureMarkers: b.FailureMarkers,
		OutboxSize:     b.OutboxSize,
		MaxChunks:      int(c.Server.MaxMessageBytes),
	}
}

// ToServer 轉成 server.Config
func (c *Config) ToServer(version string) server.Config {
	outputDir := c.Storage.OutputDir
	if strings.EqualFold(c.Storage.Backend, "s3") {
		outputDir = "s3://" + c.Storage.S3.Bucket + "/" + strings.Trim(c.Storage.S3.Prefix, "/")
	}
	return server.Config{
		HTTPAddr:        c.Server.HTTPAddr,
		TCPAddr:         c.Server.TCPAddr,
		MaxMessageBytes: c.Server.MaxMessageBytes,
		AllowedOrigins:  c.Server.AllowedOrigins,
		Version:         version,
		OutputDir:       outputDir,
	}
}

// ToS3 轉成 storage.S3Config
func (c *Config) ToS3() storage.S3Config {
	s := c.Storage.S3
	return storage.S3Config{
		Endpoint:        s.Endpoint,
		Region:          s.Region,
		Bucket:          s.Bucket,
		Prefix:          s.Prefix,
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
		UsePathStyle:    s.UsePathStyle,
	}
}
