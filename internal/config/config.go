// Package config loads dedupfs settings with viper.
//
// Values come from, lowest to highest precedence: built-in defaults, a YAML
// config file, DEDUPFS_* environment variables (dots become underscores, so
// server.listen_addr is DEDUPFS_SERVER_LISTEN_ADDR) and bound command flags.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aweris/dedupfs/internal/logging"
	"github.com/spf13/viper"
)

const EnvPrefix = "DEDUPFS"

const (
	IndexBolt   = "bolt"
	IndexRedis  = "redis"
	IndexMemory = "memory"

	BlobsLocal  = "local"
	BlobsMemory = "memory"
)

type Config struct {
	DataDir string         `mapstructure:"data_dir"`
	Server  ServerConfig   `mapstructure:"server"`
	Index   IndexConfig    `mapstructure:"index"`
	Redis   RedisConfig    `mapstructure:"redis"`
	Blobs   BlobsConfig    `mapstructure:"blobs"`
	Hash    HashConfig     `mapstructure:"hash"`
	Upload  UploadConfig   `mapstructure:"upload"`
	Staging StagingConfig  `mapstructure:"staging"`
	GC      GCConfig       `mapstructure:"gc"`
	Remote  RemoteConfig   `mapstructure:"remote"`
	Log     logging.Config `mapstructure:"log"`
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type IndexConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"` // bolt database file
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type BlobsConfig struct {
	Backend          string `mapstructure:"backend"`
	Dir              string `mapstructure:"dir"`
	Compression      bool   `mapstructure:"compression"`
	CompressionLevel int    `mapstructure:"compression_level"`
	CacheSize        int    `mapstructure:"cache_size"`
}

type HashConfig struct {
	Algorithm string `mapstructure:"algorithm"`
}

type UploadConfig struct {
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
	DefaultExtension  string   `mapstructure:"default_extension"`
}

type StagingConfig struct {
	Dir string `mapstructure:"dir"`
}

type GCConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
	Concurrency int           `mapstructure:"concurrency"`
}

type RemoteConfig struct {
	Ref         string `mapstructure:"ref"`
	Concurrency int    `mapstructure:"concurrency"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

// SetDefaults registers every key so that environment variables are seen by
// Unmarshal even when no config file mentions them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.max_upload_bytes", 64<<20)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("index.backend", IndexBolt)
	v.SetDefault("index.path", "")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "dedupfs:file:")

	v.SetDefault("blobs.backend", BlobsLocal)
	v.SetDefault("blobs.dir", "")
	v.SetDefault("blobs.compression", true)
	v.SetDefault("blobs.compression_level", 2)
	v.SetDefault("blobs.cache_size", 4096)

	v.SetDefault("hash.algorithm", "md5")

	v.SetDefault("upload.allowed_extensions", []string{"json", "txt"})
	v.SetDefault("upload.default_extension", "txt")

	v.SetDefault("staging.dir", "")

	v.SetDefault("gc.grace_period", 10*time.Minute)
	v.SetDefault("gc.concurrency", 4)

	v.SetDefault("remote.ref", "")
	v.SetDefault("remote.concurrency", 4)
	v.SetDefault("remote.username", "")
	v.SetDefault("remote.password", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatJSON)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
}

// BindEnv wires DEDUPFS_* variables into v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the config file at path (if non-empty, or the default location
// if present), applies defaults and environment, resolves derived paths and
// validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	BindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, wrap(ErrReadConfig, err)
		}
	} else {
		v.AddConfigPath(DefaultConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, wrap(ErrReadConfig, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, wrap(ErrDecodeConfig, err)
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolvePaths() {
	if c.Index.Path == "" {
		c.Index.Path = filepath.Join(c.DataDir, "index.db")
	}
	if c.Blobs.Dir == "" {
		c.Blobs.Dir = filepath.Join(c.DataDir, "blobs")
	}
	if c.Staging.Dir == "" {
		c.Staging.Dir = filepath.Join(c.DataDir, "staging")
	}
}

func DefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "dedupfs")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "dedupfs")
	}
	return ".dedupfs"
}

func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "dedupfs")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "dedupfs")
	}
	return ".dedupfs"
}
