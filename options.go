package dedupfs

import (
	"time"

	"github.com/aweris/dedupfs/internal/remote"
	"github.com/aweris/dedupfs/internal/staging"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultExtension      = "txt"
	DefaultGracePeriod    = 10 * time.Minute
	DefaultMaxUploadBytes = 64 << 20
)

// DefaultAllowedExtensions is the upload extension allow-list used when none
// is configured.
var DefaultAllowedExtensions = []string{"json", "txt"}

// Options configures an Engine.
type Options struct {
	Hasher            Hasher
	Staging           *staging.Area
	AllowedExtensions []string
	DefaultExtension  string
	MaxUploadBytes    int64
	GracePeriod       time.Duration
	Concurrency       int
	Logger            *zap.Logger
	Registerer        prometheus.Registerer
	Now               func() time.Time
}

// Option is a functional option for configuring New.
type Option func(*Options)

func defaultOptions() *Options {
	h, _ := NewHasher(HashMD5)
	return &Options{
		Hasher:            h,
		AllowedExtensions: DefaultAllowedExtensions,
		DefaultExtension:  DefaultExtension,
		MaxUploadBytes:    DefaultMaxUploadBytes,
		GracePeriod:       DefaultGracePeriod,
		Concurrency:       remote.DefaultConcurrency,
		Logger:            zap.NewNop(),
		Now:               time.Now,
	}
}

// WithHasher selects the content fingerprint algorithm.
func WithHasher(h Hasher) Option {
	return func(o *Options) { o.Hasher = h }
}

// WithStaging sets where request payloads are buffered.
func WithStaging(a *staging.Area) Option {
	return func(o *Options) { o.Staging = a }
}

// WithAllowedExtensions replaces the upload extension allow-list.
func WithAllowedExtensions(exts ...string) Option {
	return func(o *Options) { o.AllowedExtensions = exts }
}

// WithDefaultExtension sets the extension recorded for uploads that carry none.
func WithDefaultExtension(ext string) Option {
	return func(o *Options) { o.DefaultExtension = ext }
}

// WithMaxUploadBytes caps a single payload. Zero or less disables the cap.
func WithMaxUploadBytes(n int64) Option {
	return func(o *Options) { o.MaxUploadBytes = n }
}

// WithGracePeriod protects blobs younger than d from GC.
func WithGracePeriod(d time.Duration) Option {
	return func(o *Options) {
		if d >= 0 {
			o.GracePeriod = d
		}
	}
}

// WithConcurrency sets the number of parallel deletions during GC.
func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithRegisterer registers engine metrics with r. Without it metrics are
// collected but not exported.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *Options) { o.Registerer = r }
}

// WithClock overrides the time source used for record timestamps and the GC
// grace period.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}
