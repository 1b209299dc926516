package logger

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"example.com/httpfileserver/internal/config"
)

// LogFields carries structured key/value pairs attached to a log entry.
type LogFields map[string]interface{}

// parsedProxiesContainer holds pre-parsed trusted proxy IP addresses and CIDR blocks.
type parsedProxiesContainer struct {
	cidrs []*net.IPNet
	ips   []net.IP
}

// output is a log destination. File targets can be reopened in place so that
// the zerolog loggers holding it keep working across log rotation.
type output struct {
	mu     sync.Mutex
	target string
	w      io.Writer
	file   *os.File
}

func openOutput(target string) (*output, error) {
	switch target {
	case "stdout":
		return &output{target: target, w: os.Stdout}, nil
	case "stderr":
		return &output{target: target, w: os.Stderr}, nil
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", target, err)
	}
	return &output{target: target, w: f, file: f}, nil
}

func (o *output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.w.Write(p)
}

func (o *output) isTerminal() bool {
	var f *os.File
	switch o.target {
	case "stdout":
		f = os.Stdout
	case "stderr":
		f = os.Stderr
	default:
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (o *output) reopen() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file == nil {
		return nil
	}
	if err := o.file.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "error closing log file %s during reopen: %v\n", o.target, err)
	}
	f, err := os.OpenFile(o.target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		o.w = os.Stderr
		o.file = nil
		return fmt.Errorf("failed to reopen log file %s: %w", o.target, err)
	}
	o.w = f
	o.file = f
	return nil
}

func (o *output) close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file == nil {
		return nil
	}
	err := o.file.Close()
	o.file = nil
	o.w = io.Discard
	return err
}

// formatWriter wraps out in a zerolog ConsoleWriter for the console format.
func formatWriter(out *output, format string) io.Writer {
	if format == config.LogFormatConsole {
		return zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    !out.isTerminal(),
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		}
	}
	return out
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// AccessLogger writes one entry per completed request.
type AccessLogger struct {
	zl            zerolog.Logger
	config        config.AccessLogConfig
	out           *output
	parsedProxies parsedProxiesContainer
}

// ErrorLogger writes leveled diagnostic entries.
type ErrorLogger struct {
	zl  zerolog.Logger
	out *output
}

// Logger is a general logger that contains specific loggers for access and errors.
type Logger struct {
	accessLog *AccessLogger
	errorLog  *ErrorLogger
}

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	l := &Logger{}

	errTarget, errFormat := "stderr", config.LogFormatJSON
	if cfg.ErrorLog != nil {
		if cfg.ErrorLog.Target != nil && *cfg.ErrorLog.Target != "" {
			errTarget = *cfg.ErrorLog.Target
		}
		if cfg.ErrorLog.Format != "" {
			errFormat = cfg.ErrorLog.Format
		}
	}
	errOut, err := openOutput(errTarget)
	if err != nil {
		return nil, fmt.Errorf("error log: %w", err)
	}
	l.errorLog = &ErrorLogger{
		zl:  zerolog.New(formatWriter(errOut, errFormat)).Level(zerologLevel(cfg.LogLevel)).With().Timestamp().Logger(),
		out: errOut,
	}

	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		target := "stdout"
		if cfg.AccessLog.Target != nil && *cfg.AccessLog.Target != "" {
			target = *cfg.AccessLog.Target
		}
		parsedProxies, errP := preParseTrustedProxies(cfg.AccessLog.TrustedProxies)
		if errP != nil {
			errOut.close()
			return nil, fmt.Errorf("failed to parse trusted proxies for access log: %w", errP)
		}
		accessOut, err := openOutput(target)
		if err != nil {
			errOut.close()
			return nil, fmt.Errorf("access log: %w", err)
		}
		l.accessLog = &AccessLogger{
			zl:            zerolog.New(formatWriter(accessOut, cfg.AccessLog.Format)).With().Timestamp().Logger(),
			config:        *cfg.AccessLog,
			out:           accessOut,
			parsedProxies: parsedProxies,
		}
	}

	return l, nil
}

// NewDiscardLogger returns a Logger that drops everything. Intended for tests.
func NewDiscardLogger() *Logger {
	return &Logger{
		errorLog: &ErrorLogger{zl: zerolog.Nop(), out: &output{target: "discard", w: io.Discard}},
	}
}

// NewWriterLogger returns a JSON Logger writing both error and access entries to w.
func NewWriterLogger(w io.Writer, level config.LogLevel) *Logger {
	out := &output{target: "writer", w: w}
	return &Logger{
		errorLog: &ErrorLogger{
			zl:  zerolog.New(out).Level(zerologLevel(level)).With().Timestamp().Logger(),
			out: out,
		},
		accessLog: &AccessLogger{
			zl:  zerolog.New(out).With().Timestamp().Logger(),
			out: out,
		},
	}
}

// preParseTrustedProxies converts string representations of IPs and CIDRs
// into net.IP and *net.IPNet objects for efficient checking.
func preParseTrustedProxies(proxyStrings []string) (parsedProxiesContainer, error) {
	var container parsedProxiesContainer
	for _, pStr := range proxyStrings {
		pStr = strings.TrimSpace(pStr)
		if pStr == "" {
			continue
		}
		if strings.Contains(pStr, "/") {
			_, ipNet, err := net.ParseCIDR(pStr)
			if err != nil {
				return parsedProxiesContainer{}, fmt.Errorf("invalid CIDR string in trusted_proxies '%s': %w", pStr, err)
			}
			container.cidrs = append(container.cidrs, ipNet)
			continue
		}
		ip := net.ParseIP(pStr)
		if ip == nil {
			return parsedProxiesContainer{}, fmt.Errorf("invalid IP string in trusted_proxies '%s'", pStr)
		}
		container.ips = append(container.ips, ip)
	}
	return container, nil
}

func isIPTrusted(ip net.IP, trustedProxies parsedProxiesContainer) bool {
	if ip == nil {
		return false
	}
	for _, trustedCIDR := range trustedProxies.cidrs {
		if trustedCIDR.Contains(ip) {
			return true
		}
	}
	for _, trustedIP := range trustedProxies.ips {
		if trustedIP.Equal(ip) {
			return true
		}
	}
	return false
}

// getRealClientIP determines the client's address. The real-IP header is only
// consulted when the direct peer is a trusted proxy; it is then walked right to
// left and the first untrusted entry wins.
func getRealClientIP(remoteAddr string, headers http.Header, realIPHeaderName string, trustedProxies parsedProxiesContainer) string {
	peer := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		peer = host
	} else if ip := net.ParseIP(remoteAddr); ip != nil {
		peer = ip.String()
	}

	if realIPHeaderName == "" || !isIPTrusted(net.ParseIP(peer), trustedProxies) {
		return peer
	}
	headerValue := headers.Get(realIPHeaderName)
	if headerValue == "" {
		return peer
	}

	ipsInHeader := strings.Split(headerValue, ",")
	for i := len(ipsInHeader) - 1; i >= 0; i-- {
		ipStr := strings.TrimSpace(ipsInHeader[i])
		if ipStr == "" {
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return peer
		}
		if !isIPTrusted(ip, trustedProxies) {
			return ipStr
		}
	}
	return peer
}

// LogAccess writes an access log entry for a completed request.
func (al *AccessLogger) LogAccess(req *http.Request, requestID string, status int, responseBytes int64, duration time.Duration) {
	if al == nil {
		return
	}

	_, clientPort, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		clientPort = "0"
	}
	realIPHeaderName := ""
	if al.config.RealIPHeader != nil {
		realIPHeaderName = *al.config.RealIPHeader
	}

	ev := al.zl.Log().
		Str("remote_addr", getRealClientIP(req.RemoteAddr, req.Header, realIPHeaderName, al.parsedProxies)).
		Str("remote_port", clientPort).
		Str("protocol", req.Proto).
		Str("method", req.Method).
		Str("uri", req.RequestURI).
		Int("status", status).
		Int64("resp_bytes", responseBytes).
		Int64("duration_ms", duration.Milliseconds()).
		Str("request_id", requestID)
	if ua := req.UserAgent(); ua != "" {
		ev = ev.Str("user_agent", ua)
	}
	if ref := req.Referer(); ref != "" {
		ev = ev.Str("referer", ref)
	}
	ev.Send()
}

func (el *ErrorLogger) log(level zerolog.Level, msg string, fields LogFields) {
	if el == nil {
		return
	}
	ev := el.zl.WithLevel(level)
	if ev == nil {
		return
	}
	if len(fields) > 0 {
		ev = ev.Fields(map[string]interface{}(fields))
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, fields LogFields) { l.errorLog.log(zerolog.DebugLevel, msg, fields) }
func (l *Logger) Info(msg string, fields LogFields)  { l.errorLog.log(zerolog.InfoLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields LogFields)  { l.errorLog.log(zerolog.WarnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields LogFields) { l.errorLog.log(zerolog.ErrorLevel, msg, fields) }

// DebugEnabled reports whether debug entries would be written.
func (l *Logger) DebugEnabled() bool {
	return l.errorLog != nil && l.errorLog.zl.GetLevel() <= zerolog.DebugLevel
}

// Access records a completed request in the access log, if enabled.
func (l *Logger) Access(req *http.Request, requestID string, status int, responseBytes int64, duration time.Duration) {
	l.accessLog.LogAccess(req, requestID, status, responseBytes, duration)
}

// CloseLogFiles closes any open log files. Standard streams are left open.
func (l *Logger) CloseLogFiles() error {
	var firstErr error
	if l.accessLog != nil && l.accessLog.out != nil {
		firstErr = l.accessLog.out.close()
	}
	if l.errorLog != nil && l.errorLog.out != nil {
		if err := l.errorLog.out.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReopenLogFiles closes and reopens file targets, typically on SIGHUP after rotation.
// A target that cannot be reopened falls back to stderr.
func (l *Logger) ReopenLogFiles() error {
	var firstErr error
	if l.errorLog != nil && l.errorLog.out != nil {
		firstErr = l.errorLog.out.reopen()
	}
	if l.accessLog != nil && l.accessLog.out != nil {
		if err := l.accessLog.out.reopen(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
