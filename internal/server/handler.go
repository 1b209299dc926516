package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/httpfileserver/internal/handlers/staticfile"
	"example.com/httpfileserver/internal/logger"
)

// RequestIDHeader carries the per-request correlation ID on responses.
const RequestIDHeader = "X-Request-Id"

// Dispatcher produces exactly one response for a transport-independent request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req staticfile.Request) *staticfile.Response
}

// Handler adapts a Dispatcher to net/http.
type Handler struct {
	dispatcher Dispatcher
	log        *logger.Logger
}

// NewHandler wraps d. A nil logger discards output.
func NewHandler(d Dispatcher, lg *logger.Logger) *Handler {
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	return &Handler{dispatcher: d, log: lg}
}

// toRequest converts r into the dispatcher's request model. Anything other
// than an origin-form target ("/path") counts as a failed decode.
func toRequest(r *http.Request, id string) staticfile.Request {
	return staticfile.Request{
		Method:       r.Method,
		URI:          r.RequestURI,
		KeepAlive:    !r.Close,
		DecodeFailed: !strings.HasPrefix(r.RequestURI, "/"),
		ID:           id,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := uuid.NewString()
	rw := &trackingWriter{ResponseWriter: w}

	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			h.log.Error("Handler: recovered from panic while writing response", logger.LogFields{
				"request_id": id,
				"uri":        r.RequestURI,
				"panic":      fmt.Sprint(rec),
			})
			if rw.status != 0 {
				// Headers are gone; the only option left is dropping the connection.
				panic(http.ErrAbortHandler)
			}
			h.write(rw, r, id, staticfile.NewErrorResponse(http.StatusInternalServerError))
		}
		h.log.Access(r, id, rw.status, rw.written, time.Since(start))
	}()

	resp := h.dispatcher.Dispatch(r.Context(), toRequest(r, id))
	h.write(rw, r, id, resp)
}

// write serializes resp. Connection management headers only exist in HTTP/1.x;
// for HTTP/2 they are dropped and the stream ends normally.
func (h *Handler) write(w *trackingWriter, r *http.Request, id string, resp *staticfile.Response) {
	header := w.Header()
	for name, values := range resp.Header {
		if r.ProtoMajor >= 2 && name == "Connection" {
			continue
		}
		header[name] = values
	}
	if resp.Close && r.ProtoMajor == 1 {
		header.Set("Connection", "close")
	}
	header.Set(RequestIDHeader, id)
	w.WriteHeader(resp.Status)

	if resp.Stream == nil {
		if len(resp.Body) > 0 {
			if _, err := w.Write(resp.Body); err != nil {
				h.log.Debug("Handler: failed to write response body", logger.LogFields{
					"request_id": id,
					"error":      err.Error(),
				})
			}
		}
		return
	}

	rc := http.NewResponseController(w.ResponseWriter)
	if _, err := staticfile.Pump(r.Context(), resp.Stream, w, rc.Flush); err != nil {
		fields := logger.LogFields{
			"request_id": id,
			"uri":        r.RequestURI,
			"sent":       w.written,
			"error":      err.Error(),
		}
		if staticfile.IsClientGone(err) {
			h.log.Debug("Handler: client went away during transfer", fields)
			return
		}
		// Content-Length promised more than was delivered; net/http closes
		// the connection rather than reuse it.
		h.log.Error("Handler: file transfer aborted", fields)
	}
}

// trackingWriter records the status and body size for the access log.
type trackingWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *trackingWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *trackingWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
