package testutil

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"example.com/httpfileserver/internal/config"
	"example.com/httpfileserver/internal/handlers/staticfile"
	"example.com/httpfileserver/internal/logger"
	"example.com/httpfileserver/internal/server"
)

// TestRequest models an HTTP request for E2E testing.
type TestRequest struct {
	Method  string
	Path    string // request-target as sent on the wire, e.g. "/docs/?x=1"
	Headers http.Header
}

// BodyMatcher defines a way to match the response body.
type BodyMatcher interface {
	Match(body []byte) (bool, string) // Returns match status and a description of mismatch
}

// ExactBodyMatcher matches the body exactly.
type ExactBodyMatcher struct {
	ExpectedBody []byte
}

// Match implements BodyMatcher for ExactBodyMatcher.
func (m *ExactBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Equal(m.ExpectedBody, body) {
		return true, ""
	}
	return false, fmt.Sprintf("bodies do not match exactly. Expected: %q, Got: %q", string(m.ExpectedBody), string(body))
}

// StringContainsBodyMatcher checks if the body contains a specific substring.
type StringContainsBodyMatcher struct {
	Substring string
}

// Match implements BodyMatcher for StringContainsBodyMatcher.
func (m *StringContainsBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Contains(body, []byte(m.Substring)) {
		return true, ""
	}
	return false, fmt.Sprintf("body does not contain substring: %q. Body: %q", m.Substring, string(body))
}

// StringAbsentBodyMatcher checks that the body does not contain a substring.
type StringAbsentBodyMatcher struct {
	Substring string
}

// Match implements BodyMatcher for StringAbsentBodyMatcher.
func (m *StringAbsentBodyMatcher) Match(body []byte) (bool, string) {
	if !bytes.Contains(body, []byte(m.Substring)) {
		return true, ""
	}
	return false, fmt.Sprintf("body unexpectedly contains substring: %q", m.Substring)
}

// ExpectedResponse models the expected outcome of an HTTP request.
type ExpectedResponse struct {
	StatusCode   int
	Headers      map[string]string // exact header values
	BodyMatchers []BodyMatcher
	// ExpectClose requires the server to close the connection after the response.
	ExpectClose bool
}

// ActualResponse stores the outcome of a raw request.
type ActualResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	// Closed reports whether the server closed the connection after the response.
	Closed bool
}

// ServerInstance is an in-process server bound to a loopback port.
type ServerInstance struct {
	Server     *server.Server
	Config     *config.Config
	Address    string // e.g. "127.0.0.1:40123"
	ConfigPath string
	ErrorLog   string // path of the error log file
	AccessLog  string // path of the access log file

	log          *logger.Logger
	mu           sync.Mutex
	CleanupFuncs []func() error
}

// WriteTempConfig encodes configData into dir in JSON or TOML format and
// returns the file path.
func WriteTempConfig(dir string, configData interface{}, format string) (string, error) {
	var (
		data []byte
		err  error
		ext  string
	)
	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
		ext = ".json"
	case "toml":
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(configData); err == nil {
			data = buf.Bytes()
		}
		ext = ".toml"
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil {
		return "", fmt.Errorf("failed to marshal config data to %s: %w", format, err)
	}

	path := filepath.Join(dir, "server"+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}

// BaseConfig returns a config serving docRoot on an ephemeral loopback port
// with both logs written under logDir.
func BaseConfig(docRoot, logDir string) *config.Config {
	address := "127.0.0.1:0"
	accessTarget := filepath.Join(logDir, "access.log")
	errorTarget := filepath.Join(logDir, "error.log")
	return &config.Config{
		Server: &config.ServerConfig{
			Address: &address,
		},
		FileServer: &config.FileServerConfig{
			DocumentRoot: docRoot,
		},
		Logging: &config.LoggingConfig{
			LogLevel: config.LogLevelDebug,
			AccessLog: &config.AccessLogConfig{
				Target: &accessTarget,
			},
			ErrorLog: &config.ErrorLogConfig{
				Target: &errorTarget,
			},
		},
	}
}

// StartTestServer writes cfg to a TOML file, loads it back through the normal
// config path and runs the server until Stop is called.
func StartTestServer(dir string, cfg *config.Config) (*ServerInstance, error) {
	configPath, err := WriteTempConfig(dir, cfg, "toml")
	if err != nil {
		return nil, err
	}
	loaded, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", configPath, err)
	}

	lg, err := logger.NewLogger(loaded.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	dispatcher, err := staticfile.NewDispatcher(loaded.FileServer, lg)
	if err != nil {
		lg.CloseLogFiles()
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}
	srv, err := server.NewServer(loaded, lg, dispatcher)
	if err != nil {
		lg.CloseLogFiles()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		lg.CloseLogFiles()
		return nil, fmt.Errorf("failed to start server: %w", err)
	}
	addrs := srv.Addrs()
	if len(addrs) == 0 {
		lg.CloseLogFiles()
		return nil, fmt.Errorf("server started without listeners")
	}

	instance := &ServerInstance{
		Server:     srv,
		Config:     loaded,
		Address:    addrs[0].String(),
		ConfigPath: configPath,
		AccessLog:  *loaded.Logging.AccessLog.Target,
		ErrorLog:   *loaded.Logging.ErrorLog.Target,
		log:        lg,
	}
	if err := waitReady(instance.Address, 5*time.Second); err != nil {
		instance.Stop()
		return nil, err
	}
	return instance, nil
}

func waitReady(address string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastDialErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", address, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		lastDialErr = err
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("server not ready at %s after %v. Last dial error: %v", address, timeout, lastDialErr)
}

// AddCleanupFunc adds a function to be called when the server instance is stopped.
func (s *ServerInstance) AddCleanupFunc(f func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CleanupFuncs = append(s.CleanupFuncs, f)
}

// Stop shuts the server down gracefully, closes its log files and runs the
// registered cleanup functions in reverse order.
func (s *ServerInstance) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []string
	if s.Server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.Server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("shutdown: %v", err))
		}
		cancel()
		s.Server = nil
	}
	if s.log != nil {
		if err := s.log.CloseLogFiles(); err != nil {
			errs = append(errs, fmt.Sprintf("close logs: %v", err))
		}
		s.log = nil
	}
	for i := len(s.CleanupFuncs) - 1; i >= 0; i-- {
		if err := s.CleanupFuncs[i](); err != nil {
			errs = append(errs, fmt.Sprintf("cleanup_func_%d: %v", i, err))
		}
	}
	s.CleanupFuncs = nil

	if len(errs) > 0 {
		return fmt.Errorf("errors during stop: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RawConn is an HTTP/1.1 client connection that sends request-targets
// verbatim. net/http clients clean paths like "/../etc" before sending, so
// traversal cases need this.
type RawConn struct {
	conn net.Conn
	br   *bufio.Reader
}

// DialRaw opens a TCP connection to address.
func DialRaw(address string) (*RawConn, error) {
	conn, err := net.DialTimeout("tcp", address, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &RawConn{conn: conn, br: bufio.NewReader(conn)}, nil
}

// Close closes the connection.
func (c *RawConn) Close() error { return c.conn.Close() }

// Do writes req and reads one response. http.ReadResponse strips a
// "Connection: close" header into resp.Close, so it never shows up in
// Headers; Closed is only set when that header was sent and a short read
// after the body then sees EOF.
func (c *RawConn) Do(req TestRequest) (*ActualResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\nHost: %s\r\n", method, req.Path, c.conn.RemoteAddr())
	for name, values := range req.Headers {
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", name, v)
		}
	}
	b.WriteString("\r\n")

	if err := c.conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return nil, err
	}
	if _, err := io.WriteString(c.conn, b.String()); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}
	resp, err := http.ReadResponse(c.br, &http.Request{Method: method})
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	actual := &ActualResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
	}
	if resp.Close {
		actual.Closed = c.peerClosed()
	}
	return actual, nil
}

func (c *RawConn) peerClosed() bool {
	if err := c.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return false
	}
	_, err := c.br.ReadByte()
	return err == io.EOF
}

// AssertResponse compares actual against expected and returns a description
// of every mismatch.
func AssertResponse(actual *ActualResponse, expected ExpectedResponse) []string {
	var problems []string
	if actual.StatusCode != expected.StatusCode {
		problems = append(problems, fmt.Sprintf("status: expected %d, got %d", expected.StatusCode, actual.StatusCode))
	}
	for name, want := range expected.Headers {
		if got := actual.Headers.Get(name); got != want {
			problems = append(problems, fmt.Sprintf("header %s: expected %q, got %q", name, want, got))
		}
	}
	for _, m := range expected.BodyMatchers {
		if ok, msg := m.Match(actual.Body); !ok {
			problems = append(problems, msg)
		}
	}
	if expected.ExpectClose && !actual.Closed {
		problems = append(problems, "expected the server to close the connection")
	}
	return problems
}
