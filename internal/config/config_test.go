package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the default config and data locations at temp dirs.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	dataDir := filepath.Join(dir, "data", "dedupfs")
	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, int64(64<<20), cfg.Server.MaxUploadBytes)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, IndexBolt, cfg.Index.Backend)
	assert.Equal(t, filepath.Join(dataDir, "index.db"), cfg.Index.Path)
	assert.Equal(t, filepath.Join(dataDir, "blobs"), cfg.Blobs.Dir)
	assert.Equal(t, filepath.Join(dataDir, "staging"), cfg.Staging.Dir)
	assert.Equal(t, "md5", cfg.Hash.Algorithm)
	assert.Equal(t, []string{"json", "txt"}, cfg.Upload.AllowedExtensions)
	assert.Equal(t, "txt", cfg.Upload.DefaultExtension)
	assert.Equal(t, 10*time.Minute, cfg.GC.GracePeriod)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "dedupfs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /srv/dedupfs
server:
  listen_addr: 127.0.0.1:9000
  shutdown_timeout: 3s
index:
  backend: redis
redis:
  addr: redis:6379
  db: 2
hash:
  algorithm: blake3
upload:
  allowed_extensions: [json, txt, csv]
gc:
  grace_period: 1h
`), 0600))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/dedupfs", cfg.DataDir)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.ListenAddr)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, IndexRedis, cfg.Index.Backend)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "blake3", cfg.Hash.Algorithm)
	assert.Equal(t, []string{"json", "txt", "csv"}, cfg.Upload.AllowedExtensions)
	assert.Equal(t, time.Hour, cfg.GC.GracePeriod)
	assert.Equal(t, "/srv/dedupfs/blobs", cfg.Blobs.Dir)
}

func TestLoadDefaultLocation(t *testing.T) {
	dir := isolate(t)
	confDir := filepath.Join(dir, "config", "dedupfs")
	require.NoError(t, os.MkdirAll(confDir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(confDir, "config.yaml"),
		[]byte("log:\n  level: debug\n"), 0600))

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("DEDUPFS_SERVER_LISTEN_ADDR", ":9999")
	t.Setenv("DEDUPFS_INDEX_BACKEND", "memory")
	t.Setenv("DEDUPFS_UPLOAD_ALLOWED_EXTENSIONS", "txt,md")
	t.Setenv("DEDUPFS_GC_GRACE_PERIOD", "30s")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.ListenAddr)
	assert.Equal(t, IndexMemory, cfg.Index.Backend)
	assert.Equal(t, []string{"txt", "md"}, cfg.Upload.AllowedExtensions)
	assert.Equal(t, 30*time.Second, cfg.GC.GracePeriod)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, ErrReadConfig)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		v := viper.New()
		SetDefaults(v)
		var cfg Config
		require.NoError(t, v.Unmarshal(&cfg))
		cfg.DataDir = "/data"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }, ErrEmptyDataDir},
		{"bad listen addr", func(c *Config) { c.Server.ListenAddr = "8080" }, ErrInvalidListenAddr},
		{"negative upload cap", func(c *Config) { c.Server.MaxUploadBytes = -1 }, ErrInvalidLimit},
		{"unknown index", func(c *Config) { c.Index.Backend = "dynamo" }, ErrInvalidIndexBackend},
		{"redis without addr", func(c *Config) { c.Index.Backend = IndexRedis; c.Redis.Addr = "" }, ErrInvalidIndexBackend},
		{"unknown blobs", func(c *Config) { c.Blobs.Backend = "s3" }, ErrInvalidBlobsBackend},
		{"compression level", func(c *Config) { c.Blobs.CompressionLevel = 9 }, ErrInvalidCompression},
		{"hash", func(c *Config) { c.Hash.Algorithm = "sha1" }, ErrInvalidHashAlgorithm},
		{"empty allow-list", func(c *Config) { c.Upload.AllowedExtensions = nil }, ErrInvalidExtensions},
		{"default not allowed", func(c *Config) { c.Upload.DefaultExtension = "bin" }, ErrInvalidExtensions},
		{"negative grace", func(c *Config) { c.GC.GracePeriod = -time.Second }, ErrInvalidLimit},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, ErrInvalidLogConfig},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, ErrInvalidLogConfig},
	}

	base := valid()
	require.NoError(t, base.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.wantErr)
		})
	}

	t.Run("compression disabled ignores level", func(t *testing.T) {
		cfg := valid()
		cfg.Blobs.Compression = false
		cfg.Blobs.CompressionLevel = 0
		assert.NoError(t, cfg.Validate())
	})
}
