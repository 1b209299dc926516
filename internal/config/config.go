package config

import (
	"fmt"
	"time"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Log output formats.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server     *ServerConfig     `json:"server,omitempty" toml:"server,omitempty" yaml:"server,omitempty"`
	FileServer *FileServerConfig `json:"file_server,omitempty" toml:"file_server,omitempty" yaml:"file_server,omitempty"`
	Logging    *LoggingConfig    `json:"logging,omitempty" toml:"logging,omitempty" yaml:"logging,omitempty"`

	// OriginalFilePath is the absolute path of the file the config was loaded from,
	// empty for programmatic configs.
	OriginalFilePath string `json:"-" toml:"-" yaml:"-"`
}

// ServerConfig holds transport and lifecycle settings.
type ServerConfig struct {
	Address                 *string `json:"address,omitempty" toml:"address,omitempty" yaml:"address,omitempty"`
	ReadHeaderTimeout       *string `json:"read_header_timeout,omitempty" toml:"read_header_timeout,omitempty" yaml:"read_header_timeout,omitempty"`             // e.g., "10s"
	IdleTimeout             *string `json:"idle_timeout,omitempty" toml:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`                                  // keep-alive idle limit
	WriteTimeout            *string `json:"write_timeout,omitempty" toml:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`                               // unset means no limit
	GracefulShutdownTimeout *string `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty" yaml:"graceful_shutdown_timeout,omitempty"` // e.g., "30s"
	MaxConnections          *int    `json:"max_connections,omitempty" toml:"max_connections,omitempty" yaml:"max_connections,omitempty"`                         // 0 = unlimited
	EnableH2C               *bool   `json:"enable_h2c,omitempty" toml:"enable_h2c,omitempty" yaml:"enable_h2c,omitempty"`
}

// FileServerConfig configures the request-to-response pipeline.
type FileServerConfig struct {
	DocumentRoot      string            `json:"document_root,omitempty" toml:"document_root,omitempty" yaml:"document_root,omitempty"`
	ChunkSize         *int              `json:"chunk_size,omitempty" toml:"chunk_size,omitempty" yaml:"chunk_size,omitempty"`
	SortListing       *bool             `json:"sort_listing,omitempty" toml:"sort_listing,omitempty" yaml:"sort_listing,omitempty"`
	StrictContainment *bool             `json:"strict_containment,omitempty" toml:"strict_containment,omitempty" yaml:"strict_containment,omitempty"`
	MimeTypes         map[string]string `json:"mime_types,omitempty" toml:"mime_types,omitempty" yaml:"mime_types,omitempty"`
	MimeTypesPath     *string           `json:"mime_types_path,omitempty" toml:"mime_types_path,omitempty" yaml:"mime_types_path,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty" yaml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty" yaml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty" yaml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled        *bool    `json:"enabled,omitempty" toml:"enabled,omitempty" yaml:"enabled,omitempty"`
	Target         *string  `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
	Format         string   `json:"format,omitempty" toml:"format,omitempty" yaml:"format,omitempty"`
	TrustedProxies []string `json:"trusted_proxies,omitempty" toml:"trusted_proxies,omitempty" yaml:"trusted_proxies,omitempty"`
	RealIPHeader   *string  `json:"real_ip_header,omitempty" toml:"real_ip_header,omitempty" yaml:"real_ip_header,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target *string `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
	Format string  `json:"format,omitempty" toml:"format,omitempty" yaml:"format,omitempty"`
}

// ConfigError is returned when a configuration file or a file it references
// cannot be read or parsed.
type ConfigError struct {
	FilePath string
	Message  string
	Err      error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.FilePath, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.FilePath)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsFilePath reports whether a log target names a file rather than a standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}

// durationOr parses an optional duration string. Values have been validated
// by Validate, so a parse failure falls back to def.
func durationOr(s *string, def string) time.Duration {
	if s != nil && *s != "" {
		if d, err := time.ParseDuration(*s); err == nil {
			return d
		}
	}
	d, _ := time.ParseDuration(def)
	return d
}

// ReadHeaderTimeoutDuration returns the configured header read timeout.
func (s *ServerConfig) ReadHeaderTimeoutDuration() time.Duration {
	return durationOr(s.ReadHeaderTimeout, defaultReadHeaderTimeout)
}

// IdleTimeoutDuration returns how long an idle keep-alive connection is kept open.
func (s *ServerConfig) IdleTimeoutDuration() time.Duration {
	return durationOr(s.IdleTimeout, defaultIdleTimeout)
}

// WriteTimeoutDuration returns the write timeout, zero when unset.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return durationOr(s.WriteTimeout, "0s")
}

// GracefulShutdownDuration returns how long Shutdown waits for in-flight requests.
func (s *ServerConfig) GracefulShutdownDuration() time.Duration {
	return durationOr(s.GracefulShutdownTimeout, defaultGracefulShutdownTimeout)
}
