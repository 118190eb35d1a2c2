package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"arbor/pkg/utils"
)

type StorageBackend string

const (
	BackendMemory StorageBackend = "memory"
	BackendLocal  StorageBackend = "local"
	BackendS3     StorageBackend = "s3"
)

type Config struct {
	Tree    TreeConfig    `json:"tree"`
	Storage StorageConfig `json:"storage"`
	Mount   MountConfig   `json:"mount,omitempty"`
}

type TreeConfig struct {
	CaseInsensitive bool `json:"case_insensitive"`
	// MaxIndexedFileSize accepts human-friendly sizes like "1MB" or "512KiB".
	MaxIndexedFileSize string `json:"max_indexed_file_size"`
	BlobTimeout        string `json:"blob_timeout"`
	EventQueueSize     int    `json:"event_queue_size"`
}

type StorageConfig struct {
	Backend     StorageBackend `json:"backend"`
	DataDir     string         `json:"data_dir"`
	Compression bool           `json:"compression"`
	S3          S3Config       `json:"s3,omitempty"`
}

type S3Config struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
}

type MountConfig struct {
	MountPoint string `json:"mount_point"`
	AllowOther bool   `json:"allow_other"`
	Debug      bool   `json:"debug"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

func LoadFromEnv() *Config {
	cfg := &Config{
		Tree: TreeConfig{
			CaseInsensitive:    getEnvBool("ARBOR_CASE_INSENSITIVE", false),
			MaxIndexedFileSize: getEnv("ARBOR_MAX_INDEXED_FILE_SIZE", ""),
			BlobTimeout:        getEnv("ARBOR_BLOB_TIMEOUT", ""),
			EventQueueSize:     getEnvInt("ARBOR_EVENT_QUEUE_SIZE", 0),
		},
		Storage: StorageConfig{
			Backend:     StorageBackend(getEnv("ARBOR_STORAGE_BACKEND", string(BackendMemory))),
			DataDir:     getEnv("ARBOR_DATA_DIR", "./data"),
			Compression: getEnvBool("ARBOR_COMPRESSION", false),
			S3: S3Config{
				Endpoint:  getEnv("ARBOR_S3_ENDPOINT", ""),
				Bucket:    getEnv("ARBOR_S3_BUCKET", ""),
				Prefix:    getEnv("ARBOR_S3_PREFIX", ""),
				AccessKey: getEnv("ARBOR_S3_ACCESS_KEY", ""),
				SecretKey: getEnv("ARBOR_S3_SECRET_KEY", ""),
				Region:    getEnv("ARBOR_S3_REGION", "us-east-1"),
			},
		},
		Mount: MountConfig{
			MountPoint: getEnv("ARBOR_MOUNT_POINT", ""),
			AllowOther: getEnvBool("ARBOR_MOUNT_ALLOW_OTHER", false),
			Debug:      getEnvBool("ARBOR_MOUNT_DEBUG", false),
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./data"
	}
	if c.Storage.S3.Region == "" {
		c.Storage.S3.Region = "us-east-1"
	}
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendLocal:
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("s3 backend requires a bucket")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if _, err := c.BlobTimeout(); err != nil {
		return err
	}
	return nil
}

// IndexCap parses the configured indexed-content cap. Zero means the
// index default applies.
func (c *Config) IndexCap() int64 {
	return utils.ParseDataSizeWithDefault(c.Tree.MaxIndexedFileSize, 0)
}

// BlobTimeout parses the configured blob timeout. Empty means unbounded.
func (c *Config) BlobTimeout() (time.Duration, error) {
	if c.Tree.BlobTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Tree.BlobTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid blob_timeout: %w", err)
	}
	return d, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
