package streams

import (
	"log/slog"
	"time"
)

// Default settings bound from the host configuration under the key
// "Hexalith:Streams" (the binding itself is an external concern; this
// package only defines the typed, defaulted Config it is bound into).
const (
	DefaultFileStreamRootPath = "/Hexalith/FileStreams"
	DefaultLockTimeout        = time.Minute
)

// Config holds the settings shared by both Provider variants.
type Config struct {
	// FileStreamRootPath is the root directory for FileProvider.
	FileStreamRootPath string
	// LockTimeout is the default session lifetime and the default
	// OpenSession retry budget.
	LockTimeout time.Duration
	// Clock is the time source used for session expiry. Defaults to
	// SystemClock.
	Clock Clock
	// UniqueID generates session identifiers. Defaults to
	// DefaultUniqueID.
	UniqueID UniqueID
	// Metrics receives instrumentation. Defaults to a no-op.
	Metrics Metrics
	// Log receives structured diagnostics. Defaults to slog.Default().
	Log *slog.Logger
	// FormatTag is the FileProvider's item filename extension — the
	// FormatTag() of whichever Serializer callers encode payloads with
	// before calling Append. Defaults to "json".
	FormatTag string
}

// ConfigOption configures a Config constructed via NewConfig.
type ConfigOption func(*Config)

// WithFileStreamRoot overrides the file backend's root directory.
func WithFileStreamRoot(path string) ConfigOption {
	return func(c *Config) { c.FileStreamRootPath = path }
}

// WithLockTimeout overrides the default session lifetime and
// OpenSession retry budget.
func WithLockTimeout(d time.Duration) ConfigOption {
	return func(c *Config) { c.LockTimeout = d }
}

// WithClock overrides the time source.
func WithClock(clk Clock) ConfigOption {
	return func(c *Config) { c.Clock = clk }
}

// WithUniqueID overrides the session id generator.
func WithUniqueID(gen UniqueID) ConfigOption {
	return func(c *Config) { c.UniqueID = gen }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m Metrics) ConfigOption {
	return func(c *Config) { c.Metrics = m }
}

// WithLog overrides the structured logger.
func WithLog(log *slog.Logger) ConfigOption {
	return func(c *Config) { c.Log = log }
}

// WithFormatTag overrides the FileProvider's item filename extension.
// tag must be a non-empty, filesystem-safe token ("[A-Za-z0-9_-]+");
// an invalid tag is silently ignored and the default is kept, since
// ConfigOption has no error return — callers who need to validate a
// tag up front should check it against a Serializer's own FormatTag().
func WithFormatTag(tag string) ConfigOption {
	return func(c *Config) {
		if validateFormatTag(tag) == nil {
			c.FormatTag = tag
		}
	}
}

// NewConfig builds a Config, applying opts over the documented
// defaults.
func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{
		FileStreamRootPath: DefaultFileStreamRootPath,
		LockTimeout:        DefaultLockTimeout,
		Clock:              SystemClock,
		UniqueID:           DefaultUniqueID,
		Metrics:            NopMetrics(),
		FormatTag:          JSONSerializer[any]{}.FormatTag(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return cfg
}
