package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	defaultServerAddress           = "127.0.0.1:1234"
	defaultReadHeaderTimeout       = "10s"
	defaultIdleTimeout             = "60s"
	defaultGracefulShutdownTimeout = "30s"
	defaultMaxConnections          = 0
	defaultEnableH2C               = false

	defaultChunkSize         = 8192
	defaultSortListing       = true
	defaultStrictContainment = true

	defaultLogLevel              = LogLevelInfo
	defaultAccessLogEnabled      = true
	defaultAccessLogTarget       = "stdout"
	defaultAccessLogFormat       = LogFormatJSON
	defaultAccessLogRealIPHeader = "X-Forwarded-For"
	defaultErrorLogTarget        = "stderr"
	defaultErrorLogFormat        = LogFormatJSON
)

// LoadConfig reads, parses, defaults and validates the configuration file at path.
// The format is chosen by extension (.json, .toml, .yaml, .yml); other extensions
// are auto-detected as JSON or TOML.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve configuration file path %s: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", absPath, err)
	}

	cfg, err := parse(data, absPath)
	if err != nil {
		return nil, err
	}
	cfg.OriginalFilePath = absPath

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte, path string) (*Config, error) {
	var cfg Config
	trimmed := bytes.TrimSpace(data)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(trimmed, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config %s: %w", path, err)
		}
	case ".toml":
		if len(trimmed) == 0 {
			return nil, fmt.Errorf("failed to parse TOML config %s: empty input", path)
		}
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if len(trimmed) == 0 {
			return nil, fmt.Errorf("failed to parse YAML config %s: empty input", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config %s: %w", path, err)
		}
	default:
		if len(trimmed) > 0 && trimmed[0] == '{' {
			if err := json.Unmarshal(trimmed, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse JSON config %s: %w", path, err)
			}
			break
		}
		jsonErr := json.Unmarshal(trimmed, &cfg)
		if jsonErr == nil {
			break
		}
		cfg = Config{}
		var tomlErr error
		if len(trimmed) == 0 {
			tomlErr = fmt.Errorf("empty input")
		} else if _, tomlErr = toml.Decode(string(data), &cfg); tomlErr == nil {
			break
		}
		return nil, fmt.Errorf("failed to auto-detect and parse config %s: JSON error: %v; TOML error: %v", path, jsonErr, tomlErr)
	}
	return &cfg, nil
}

func boolPtr(b bool) *bool       { return &b }
func intPtr(i int) *int          { return &i }
func stringPtr(s string) *string { return &s }

// Default returns a fully defaulted configuration serving the current working directory.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in every unset optional value. Relative paths are resolved
// against the directory of OriginalFilePath, or the working directory when the
// config was built programmatically.
func (c *Config) ApplyDefaults() error {
	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	s := c.Server
	if s.Address == nil {
		s.Address = stringPtr(defaultServerAddress)
	}
	if s.ReadHeaderTimeout == nil {
		s.ReadHeaderTimeout = stringPtr(defaultReadHeaderTimeout)
	}
	if s.IdleTimeout == nil {
		s.IdleTimeout = stringPtr(defaultIdleTimeout)
	}
	if s.GracefulShutdownTimeout == nil {
		s.GracefulShutdownTimeout = stringPtr(defaultGracefulShutdownTimeout)
	}
	if s.MaxConnections == nil {
		s.MaxConnections = intPtr(defaultMaxConnections)
	}
	if s.EnableH2C == nil {
		s.EnableH2C = boolPtr(defaultEnableH2C)
	}

	if c.FileServer == nil {
		c.FileServer = &FileServerConfig{}
	}
	fs := c.FileServer
	baseDir := ""
	if c.OriginalFilePath != "" {
		baseDir = filepath.Dir(c.OriginalFilePath)
	}
	if fs.DocumentRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to determine working directory for file_server.document_root: %w", err)
		}
		fs.DocumentRoot = wd
	} else if !filepath.IsAbs(fs.DocumentRoot) {
		root := fs.DocumentRoot
		if baseDir != "" {
			root = filepath.Join(baseDir, root)
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("failed to resolve file_server.document_root %q: %w", fs.DocumentRoot, err)
		}
		fs.DocumentRoot = abs
	}
	fs.DocumentRoot = filepath.Clean(fs.DocumentRoot)
	if fs.ChunkSize == nil {
		fs.ChunkSize = intPtr(defaultChunkSize)
	}
	if fs.SortListing == nil {
		fs.SortListing = boolPtr(defaultSortListing)
	}
	if fs.StrictContainment == nil {
		fs.StrictContainment = boolPtr(defaultStrictContainment)
	}
	if fs.MimeTypesPath != nil && *fs.MimeTypesPath != "" && !filepath.IsAbs(*fs.MimeTypesPath) && baseDir != "" {
		fs.MimeTypesPath = stringPtr(filepath.Join(baseDir, *fs.MimeTypesPath))
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	l := c.Logging
	if l.LogLevel == "" {
		l.LogLevel = defaultLogLevel
	}
	if l.AccessLog == nil {
		l.AccessLog = &AccessLogConfig{}
	}
	if l.AccessLog.Enabled == nil {
		l.AccessLog.Enabled = boolPtr(defaultAccessLogEnabled)
	}
	if l.AccessLog.Target == nil {
		l.AccessLog.Target = stringPtr(defaultAccessLogTarget)
	}
	if l.AccessLog.Format == "" {
		l.AccessLog.Format = defaultAccessLogFormat
	}
	if l.AccessLog.RealIPHeader == nil {
		l.AccessLog.RealIPHeader = stringPtr(defaultAccessLogRealIPHeader)
	}
	if l.AccessLog.TrustedProxies == nil {
		l.AccessLog.TrustedProxies = []string{}
	}
	if l.ErrorLog == nil {
		l.ErrorLog = &ErrorLogConfig{}
	}
	if l.ErrorLog.Target == nil {
		l.ErrorLog.Target = stringPtr(defaultErrorLogTarget)
	}
	if l.ErrorLog.Format == "" {
		l.ErrorLog.Format = defaultErrorLogFormat
	}
	return nil
}

// Validate checks a defaulted configuration for semantic errors.
func (c *Config) Validate() error {
	if err := c.Server.validate(); err != nil {
		return err
	}
	if err := c.FileServer.validate(); err != nil {
		return err
	}
	return c.Logging.validate()
}

func validateDuration(name string, v *string) error {
	if v == nil {
		return nil
	}
	if *v == "" {
		return fmt.Errorf("server.%s cannot be an empty string if specified", name)
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid format for server.%s '%s': %w", name, *v, err)
	}
	if d <= 0 {
		return fmt.Errorf("server.%s must be a positive duration, got '%s'", name, *v)
	}
	return nil
}

func (s *ServerConfig) validate() error {
	if s.Address == nil || *s.Address == "" {
		return fmt.Errorf("server.address cannot be an empty string")
	}
	if _, _, err := net.SplitHostPort(*s.Address); err != nil {
		return fmt.Errorf("server.address '%s' is not a valid host:port: %w", *s.Address, err)
	}
	for name, v := range map[string]*string{
		"read_header_timeout":       s.ReadHeaderTimeout,
		"idle_timeout":              s.IdleTimeout,
		"write_timeout":             s.WriteTimeout,
		"graceful_shutdown_timeout": s.GracefulShutdownTimeout,
	} {
		if err := validateDuration(name, v); err != nil {
			return err
		}
	}
	if s.MaxConnections != nil && *s.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative, got %d", *s.MaxConnections)
	}
	return nil
}

func (fs *FileServerConfig) validate() error {
	fi, err := os.Stat(fs.DocumentRoot)
	if err != nil {
		return fmt.Errorf("file_server.document_root '%s' is not accessible: %w", fs.DocumentRoot, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("file_server.document_root '%s' is not a directory", fs.DocumentRoot)
	}
	if fs.ChunkSize != nil && *fs.ChunkSize <= 0 {
		return fmt.Errorf("file_server.chunk_size must be positive, got %d", *fs.ChunkSize)
	}
	for ext, mimeType := range fs.MimeTypes {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("file_server.mime_types key '%s' must start with a '.'", ext)
		}
		if mimeType == "" {
			return fmt.Errorf("file_server.mime_types value for '%s' cannot be empty", ext)
		}
	}
	if fs.MimeTypesPath != nil {
		if *fs.MimeTypesPath == "" {
			return fmt.Errorf("file_server.mime_types_path, if provided, cannot be empty")
		}
		if !filepath.IsAbs(*fs.MimeTypesPath) {
			return fmt.Errorf("file_server.mime_types_path '%s' must be absolute when no config file is used", *fs.MimeTypesPath)
		}
	}
	return nil
}

func validateLogTarget(field string, target *string) error {
	if target == nil || *target == "" {
		return fmt.Errorf("%s.target cannot be empty", field)
	}
	if IsFilePath(*target) && !filepath.IsAbs(*target) {
		return fmt.Errorf("%s.target path '%s' must be absolute", field, *target)
	}
	return nil
}

func validateLogFormat(field, format string) error {
	switch format {
	case LogFormatJSON, LogFormatConsole:
		return nil
	}
	return fmt.Errorf("%s.format '%s' is invalid; must be one of 'json', 'console'", field, format)
}

func (l *LoggingConfig) validate() error {
	switch l.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level '%s' is invalid; must be one of 'DEBUG', 'INFO', 'WARNING', 'ERROR'", l.LogLevel)
	}

	al := l.AccessLog
	if err := validateLogTarget("logging.access_log", al.Target); err != nil {
		return err
	}
	if err := validateLogFormat("logging.access_log", al.Format); err != nil {
		return err
	}
	if al.RealIPHeader != nil && *al.RealIPHeader == "" {
		return fmt.Errorf("logging.access_log.real_ip_header, if provided, cannot be empty")
	}
	for _, p := range al.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err == nil {
			continue
		}
		if net.ParseIP(p) == nil {
			return fmt.Errorf("logging.access_log.trusted_proxies entry '%s' is not a valid CIDR or IP address", p)
		}
	}

	if err := validateLogTarget("logging.error_log", l.ErrorLog.Target); err != nil {
		return err
	}
	return validateLogFormat("logging.error_log", l.ErrorLog.Format)
}
