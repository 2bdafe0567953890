package videoimport

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// MemoryProgressURL selects the in-process progress store instead of redis.
const MemoryProgressURL = "memory"

type Config struct {
	// Azure Blob Storage
	AzureConnectionString string `mapstructure:"AZURE_STORAGE_CONNECTION_STRING" validate:"required_without=AzureAccount"`
	AzureAccount          string `mapstructure:"AZURE_STORAGE_ACCOUNT"`
	AzureContainer        string `mapstructure:"AZURE_CONTAINER_NAME" validate:"required"`
	AzureBlobPrefix       string `mapstructure:"AZURE_BLOB_PREFIX"`

	// Progress records. MemoryProgressURL keeps them in process.
	RedisURL    string        `mapstructure:"REDIS_URL" validate:"required"`
	ProgressTTL time.Duration `mapstructure:"PROGRESS_TTL" validate:"gt=0"`

	// Uploads
	MaxConcurrentUploads int           `mapstructure:"MAX_CONCURRENT_UPLOADS" validate:"gte=1"`
	AdmissionMode        string        `mapstructure:"ADMISSION_MODE" validate:"oneof=reject queue"`
	MaxUploadDuration    time.Duration `mapstructure:"MAX_UPLOAD_DURATION" validate:"gte=0"`
	ChunkSize            int           `mapstructure:"CHUNK_SIZE" validate:"gte=1,lte=104857600"`
	YtdlpPath            string        `mapstructure:"YTDLP_PATH" validate:"required"`
	FormatSelector       string        `mapstructure:"FORMAT_SELECTOR" validate:"required"`
	UniqueBlobNames      bool          `mapstructure:"UNIQUE_BLOB_NAMES"`
	ImportMaxAttempts    int           `mapstructure:"IMPORT_MAX_ATTEMPTS" validate:"gte=1"`

	// Listeners, in the <proto>://<addr> form
	HTTPAddress string `mapstructure:"HTTP_ADDRESS" validate:"required"`
	GRPCAddress string `mapstructure:"GRPC_ADDRESS"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"oneof=text json"`
}

// use reflect to bind environment variables based on mapstructure tags
func bindEnv(c Config) {
	typ := reflect.TypeOf(c)
	for i := 0; i < typ.NumField(); i++ {
		if tag := typ.Field(i).Tag.Get("mapstructure"); tag != "" {
			_ = viper.BindEnv(tag)
		}
	}
}

func setDefaults() {
	viper.SetDefault("AZURE_CONTAINER_NAME", "buzzler-videos")
	viper.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	viper.SetDefault("PROGRESS_TTL", DefaultProgressTTL)
	viper.SetDefault("MAX_CONCURRENT_UPLOADS", DefaultMaxConcurrent)
	viper.SetDefault("ADMISSION_MODE", string(AdmissionReject))
	viper.SetDefault("MAX_UPLOAD_DURATION", 0)
	viper.SetDefault("CHUNK_SIZE", DefaultChunkSize)
	viper.SetDefault("YTDLP_PATH", defaultYtdlpPath)
	viper.SetDefault("FORMAT_SELECTOR", DefaultFormatSelector)
	viper.SetDefault("IMPORT_MAX_ATTEMPTS", defaultImportAttempts)
	viper.SetDefault("HTTP_ADDRESS", "tcp://:8000")
	viper.SetDefault("GRPC_ADDRESS", "tcp://:8980")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")
}

// LoadConfig reads the configuration from the environment and validates it.
func LoadConfig(ctx context.Context) (*Config, error) {
	bindEnv(Config{})
	viper.AutomaticEnv()
	setDefaults()

	cfg := Config{}
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	slog.InfoContext(ctx, "Loaded configuration",
		"container", cfg.AzureContainer,
		"account", cfg.AzureAccount,
		"connection_string", cfg.AzureConnectionString != "",
		"max_concurrent_uploads", cfg.MaxConcurrentUploads,
		"admission", cfg.AdmissionMode,
		"chunk_size", cfg.ChunkSize,
	)
	return &cfg, nil
}

func (c *Config) AzureBlobConfig() AzureBlobConfig {
	return AzureBlobConfig{
		ConnectionString: c.AzureConnectionString,
		ServiceURL:       c.AzureAccount,
		Container:        c.AzureContainer,
		Prefix:           c.AzureBlobPrefix,
	}
}

func (c *Config) GovernorConfig() GovernorConfig {
	return GovernorConfig{
		MaxConcurrent: c.MaxConcurrentUploads,
		Admission:     AdmissionMode(c.AdmissionMode),
		MaxDuration:   c.MaxUploadDuration,
	}
}

func (c *Config) ImporterConfig() ImporterConfig {
	return ImporterConfig{
		FormatSelector: c.FormatSelector,
		UniqueNames:    c.UniqueBlobNames,
		MaxAttempts:    c.ImportMaxAttempts,
	}
}

func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
