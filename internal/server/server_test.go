package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"example.com/httpfileserver/internal/config"
	"example.com/httpfileserver/internal/handlers/staticfile"
	"example.com/httpfileserver/internal/logger"
	"example.com/httpfileserver/internal/util"
)

const notesContent = "hello world\n"

// --- Mock Dispatcher ---
type mockDispatcher struct {
	DispatchFunc func(ctx context.Context, req staticfile.Request) *staticfile.Response

	mu       sync.Mutex
	requests []staticfile.Request
}

func (m *mockDispatcher) Dispatch(ctx context.Context, req staticfile.Request) *staticfile.Response {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.DispatchFunc(ctx, req)
}

func (m *mockDispatcher) lastRequest() staticfile.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

// brokenSource yields one chunk and then fails.
type brokenSource struct {
	calls  int
	closed bool
}

func (b *brokenSource) Next() ([]byte, error) {
	b.calls++
	if b.calls == 1 {
		return []byte("part"), nil
	}
	return nil, staticfile.ErrShortFile
}

func (b *brokenSource) Close() error {
	b.closed = true
	return nil
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *safeBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *safeBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func makeDocRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte(notesContent), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "docs"), 0o755))
	return root
}

// newTestConfig returns a defaulted config serving root on a random loopback port.
func newTestConfig(t *testing.T, root string) *config.Config {
	t.Helper()
	addr := "127.0.0.1:0"
	cfg := &config.Config{
		Server:     &config.ServerConfig{Address: &addr},
		FileServer: &config.FileServerConfig{DocumentRoot: root},
	}
	require.NoError(t, cfg.ApplyDefaults())
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, lg *logger.Logger) *Server {
	t.Helper()
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	d, err := staticfile.NewDispatcher(cfg.FileServer, lg)
	require.NoError(t, err)
	s, err := NewServer(cfg, lg, d)
	require.NoError(t, err)
	return s
}

func TestHandler_ServesFile(t *testing.T) {
	cfg := newTestConfig(t, makeDocRoot(t))
	s := newTestServer(t, cfg, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notes.txt", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, notesContent, rec.Body.String())
	assert.Equal(t, "12", rec.Header().Get("Content-Length"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	_, err := uuid.Parse(rec.Header().Get(RequestIDHeader))
	assert.NoError(t, err, "request id should be a UUID")
}

func TestHandler_ErrorClosesConnection(t *testing.T) {
	cfg := newTestConfig(t, makeDocRoot(t))
	s := newTestServer(t, cfg, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/../etc", nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "close", rec.Header().Get("Connection"))
	assert.Equal(t, "Failure: 403 Forbidden\r\n", rec.Body.String())
	assert.Equal(t, staticfile.ContentTypePlain, rec.Header().Get("Content-Type"))
}

func TestToRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/a%20b?x=1", nil)
	got := toRequest(req, "rid")
	assert.Equal(t, staticfile.Request{Method: "GET", URI: "/a%20b?x=1", KeepAlive: true, ID: "rid"}, got)

	req.Close = true
	assert.False(t, toRequest(req, "rid").KeepAlive)

	req.RequestURI = "*"
	assert.True(t, toRequest(req, "rid").DecodeFailed)

	req.RequestURI = "http://example.com/notes.txt"
	assert.True(t, toRequest(req, "rid").DecodeFailed)
}

func TestHandler_HTTP2DropsConnectionHeader(t *testing.T) {
	md := &mockDispatcher{DispatchFunc: func(ctx context.Context, req staticfile.Request) *staticfile.Response {
		return &staticfile.Response{
			Status: http.StatusOK,
			Header: http.Header{"Connection": []string{"keep-alive"}, "Content-Length": []string{"0"}},
		}
	}}
	h := NewHandler(md, nil)

	req := httptest.NewRequest(http.MethodGet, "/docs/", nil)
	req.ProtoMajor, req.ProtoMinor, req.Proto = 2, 0, "HTTP/2.0"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Connection"))
	assert.True(t, md.lastRequest().KeepAlive)
}

func TestHandler_RecoversDispatcherPanic(t *testing.T) {
	var buf safeBuffer
	md := &mockDispatcher{DispatchFunc: func(ctx context.Context, req staticfile.Request) *staticfile.Response {
		panic("boom")
	}}
	h := NewHandler(md, logger.NewWriterLogger(&buf, config.LogLevelError))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failure: 500 Internal Server Error\r\n", rec.Body.String())
	assert.Contains(t, buf.String(), "recovered from panic")
	assert.Contains(t, buf.String(), `"status":500`, "access log records the recovered status")
}

func TestHandler_TransferFailureIsLogged(t *testing.T) {
	var buf safeBuffer
	src := &brokenSource{}
	md := &mockDispatcher{DispatchFunc: func(ctx context.Context, req staticfile.Request) *staticfile.Response {
		return &staticfile.Response{
			Status: http.StatusOK,
			Header: http.Header{"Content-Length": []string{"100"}},
			Stream: src,
		}
	}}
	h := NewHandler(md, logger.NewWriterLogger(&buf, config.LogLevelInfo))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/big.bin", nil))

	assert.Equal(t, "part", rec.Body.String())
	assert.True(t, src.closed)
	assert.Contains(t, buf.String(), "file transfer aborted")
	assert.Contains(t, buf.String(), `"resp_bytes":4`)
}

func TestHandler_AccessLog(t *testing.T) {
	var buf safeBuffer
	lg := logger.NewWriterLogger(&buf, config.LogLevelError)
	cfg := newTestConfig(t, makeDocRoot(t))
	s := newTestServer(t, cfg, lg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/notes.txt", nil)
	s.Handler().ServeHTTP(rec, req)

	out := buf.String()
	assert.Contains(t, out, `"status":200`)
	assert.Contains(t, out, `"resp_bytes":12`)
	assert.Contains(t, out, `"request_id":"`+rec.Header().Get(RequestIDHeader)+`"`)
}

func TestServer_ServeOverTCP(t *testing.T) {
	cfg := newTestConfig(t, makeDocRoot(t))
	s := newTestServer(t, cfg, nil)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Serve(l) }()

	base := "http://" + l.Addr().String()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	resp, err := client.Get(base + "/notes.txt")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, notesContent, string(body))
	assert.Equal(t, int64(12), resp.ContentLength)

	resp, err = client.Get(base + "/docs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/docs/", resp.Header.Get("Location"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-done)
}

func TestServer_H2C(t *testing.T) {
	cfg := newTestConfig(t, makeDocRoot(t))
	enable := true
	cfg.Server.EnableH2C = &enable
	s := newTestServer(t, cfg, nil)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(l)
	defer s.Shutdown(context.Background())

	client := &http.Client{Transport: &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}}
	resp, err := client.Get("http://" + l.Addr().String() + "/notes.txt")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, 2, resp.ProtoMajor)
	assert.Equal(t, notesContent, string(body))
	assert.Empty(t, resp.Header.Get("Connection"))
}

func TestServer_StartAndRun(t *testing.T) {
	t.Setenv(util.ListenFdsEnvKey, "")
	cfg := newTestConfig(t, makeDocRoot(t))
	s := newTestServer(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	var addr string
	require.Eventually(t, func() bool {
		addrs := s.Addrs()
		if len(addrs) == 0 {
			return false
		}
		addr = addrs[0].String()
		return true
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "notes.txt"))

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestServer_StartAddressInUse(t *testing.T) {
	t.Setenv(util.ListenFdsEnvKey, "")
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := newTestConfig(t, makeDocRoot(t))
	addr := busy.Addr().String()
	cfg.Server.Address = &addr
	s := newTestServer(t, cfg, nil)

	err = s.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in use")
}

func TestNewServer_Validation(t *testing.T) {
	cfg := newTestConfig(t, makeDocRoot(t))
	md := &mockDispatcher{}
	lg := logger.NewDiscardLogger()

	_, err := NewServer(nil, lg, md)
	assert.Error(t, err)
	_, err = NewServer(cfg, nil, md)
	assert.Error(t, err)
	_, err = NewServer(cfg, lg, nil)
	assert.Error(t, err)
}

func TestHTTPErrorLogWriter(t *testing.T) {
	var buf safeBuffer
	w := &httpErrorLogWriter{log: logger.NewWriterLogger(&buf, config.LogLevelWarning)}
	n, err := w.Write([]byte("TLS handshake error\n"))
	require.NoError(t, err)
	assert.Equal(t, len("TLS handshake error\n"), n)
	assert.Contains(t, buf.String(), "http: TLS handshake error")
}
