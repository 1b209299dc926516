package staticfile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"

	"example.com/httpfileserver/internal/config"
	"example.com/httpfileserver/internal/logger"
)

// state is a step of the per-request decision sequence.
type state int

const (
	stateReceived state = iota
	stateValidated
	stateClassified
	stateResponded
)

func (s state) String() string {
	switch s {
	case stateReceived:
		return "received"
	case stateValidated:
		return "validated"
	case stateClassified:
		return "classified"
	case stateResponded:
		return "responded"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// exchange carries one request through the state machine.
type exchange struct {
	req    Request
	path   string // URI path, still encoded, query removed
	query  string
	target Target
	entry  Entry
	resp   *Response
}

// Dispatcher turns a Request into exactly one Response. It keeps no
// per-request state and may be shared between connections.
type Dispatcher struct {
	resolver  *Resolver
	listing   *ListingRenderer
	mime      *MimeTypeResolver
	chunkSize int
	log       *logger.Logger
}

// NewDispatcher builds a Dispatcher from a validated file server config.
func NewDispatcher(cfg *config.FileServerConfig, lg *logger.Logger) (*Dispatcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("staticfile: config cannot be nil")
	}
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}

	strict := cfg.StrictContainment == nil || *cfg.StrictContainment
	resolver, err := NewResolver(cfg.DocumentRoot, strict)
	if err != nil {
		return nil, err
	}

	mimePath := ""
	if cfg.MimeTypesPath != nil {
		mimePath = *cfg.MimeTypesPath
	}
	mimeResolver, err := NewMimeTypeResolver(cfg.MimeTypes, mimePath)
	if err != nil {
		return nil, &config.ConfigError{FilePath: mimePath, Message: "failed to load custom MIME types", Err: err}
	}

	chunkSize := DefaultChunkSize
	if cfg.ChunkSize != nil && *cfg.ChunkSize > 0 {
		chunkSize = *cfg.ChunkSize
	}
	sortListing := cfg.SortListing == nil || *cfg.SortListing

	return &Dispatcher{
		resolver:  resolver,
		listing:   NewListingRenderer(sortListing),
		mime:      mimeResolver,
		chunkSize: chunkSize,
		log:       lg,
	}, nil
}

// Root returns the document root requests are resolved against.
func (d *Dispatcher) Root() string { return d.resolver.Root() }

// Dispatch runs the request through Received, Validated and Classified until
// it is Responded. Panics are recovered into a 500.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (resp *Response) {
	x := &exchange{req: req}
	x.path, x.query, _ = strings.Cut(req.URI, "?")

	st := stateReceived
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("Dispatcher: recovered from panic", logger.LogFields{
				"request_id": req.ID,
				"uri":        req.URI,
				"state":      st.String(),
				"panic":      fmt.Sprint(rec),
				"stack":      string(debug.Stack()),
			})
			if x.resp != nil && x.resp.Stream != nil {
				x.resp.Stream.Close()
			}
			resp = NewErrorResponse(http.StatusInternalServerError)
		}
	}()

	for st != stateResponded {
		switch st {
		case stateReceived:
			st = d.validate(x)
		case stateValidated:
			st = d.classify(x)
		case stateClassified:
			st = d.respond(ctx, x)
		default:
			panic(fmt.Sprintf("staticfile: unexpected dispatch state %s", st))
		}
	}
	d.finish(x)

	d.log.Debug("Dispatcher: request handled", logger.LogFields{
		"request_id": req.ID,
		"uri":        req.URI,
		"path":       x.target.Path,
		"kind":       x.entry.Kind.String(),
		"status":     x.resp.Status,
	})
	return x.resp
}

// fail ends the exchange with an error response.
func (x *exchange) fail(status int) state {
	x.resp = NewErrorResponse(status)
	return stateResponded
}

// validate checks the request itself and resolves its URI.
func (d *Dispatcher) validate(x *exchange) state {
	if x.req.DecodeFailed {
		return x.fail(http.StatusBadRequest)
	}
	if x.req.Method != http.MethodGet {
		st := x.fail(http.StatusMethodNotAllowed)
		x.resp.Header.Set("Allow", http.MethodGet)
		return st
	}

	target, err := d.resolver.Resolve(x.path)
	if err != nil {
		d.log.Info("Dispatcher: undecodable request URI", logger.LogFields{
			"request_id": x.req.ID,
			"uri":        x.req.URI,
			"error":      err.Error(),
		})
		return x.fail(http.StatusBadRequest)
	}
	x.target = target
	if target.Rejected() {
		d.log.Warn("Dispatcher: rejected request path", logger.LogFields{
			"request_id": x.req.ID,
			"uri":        x.req.URI,
			"reason":     target.Reason,
		})
		return x.fail(http.StatusForbidden)
	}
	return stateValidated
}

// classify inspects the filesystem. The document root itself is never hidden.
func (d *Dispatcher) classify(x *exchange) state {
	x.entry = classify(x.target.Path, !x.target.IsRoot())
	switch x.entry.Kind {
	case Missing, Hidden:
		return x.fail(http.StatusNotFound)
	case NotRegularOrDirectory:
		return x.fail(http.StatusForbidden)
	}
	return stateClassified
}

// respond builds the success response for a directory or regular file.
func (d *Dispatcher) respond(ctx context.Context, x *exchange) state {
	if x.entry.Kind == Directory {
		if !strings.HasSuffix(x.path, "/") {
			location := x.path + "/"
			if x.query != "" {
				location += "?" + x.query
			}
			x.resp = newResponse(http.StatusFound)
			x.resp.Header.Set("Location", location)
			x.resp.setBody("", nil)
			return stateResponded
		}

		body, err := d.listing.Render(x.entry.Path, filepath.ToSlash(x.target.Rel))
		if err != nil {
			d.log.Error("Dispatcher: failed to render directory listing", logger.LogFields{
				"request_id": x.req.ID,
				"path":       x.entry.Path,
				"error":      err.Error(),
			})
			return x.fail(http.StatusInternalServerError)
		}
		x.resp = newResponse(http.StatusOK)
		x.resp.setBody(ContentTypeHTML, body)
		return stateResponded
	}

	if err := ctx.Err(); err != nil {
		d.log.Debug("Dispatcher: request cancelled before transfer", logger.LogFields{
			"request_id": x.req.ID,
			"path":       x.entry.Path,
		})
		return x.fail(http.StatusInternalServerError)
	}
	tr, err := OpenTransfer(x.entry.Path, d.chunkSize)
	if err != nil {
		// The file passed classification but could not be opened: a race
		// with a concurrent change, or a permission problem.
		d.log.Error("Dispatcher: failed to open file for transfer", logger.LogFields{
			"request_id": x.req.ID,
			"path":       x.entry.Path,
			"error":      err.Error(),
		})
		return x.fail(http.StatusInternalServerError)
	}
	if d.log.DebugEnabled() {
		tr.OnProgress = d.progressLogger(x.req.ID, x.entry.Path)
	}

	x.resp = newResponse(http.StatusOK)
	x.resp.Header.Set("Content-Type", d.mime.GetMimeType(x.entry.Path))
	x.resp.Header.Set("Content-Length", strconv.FormatInt(tr.Size(), 10))
	x.resp.Stream = tr
	return stateResponded
}

// finish applies the connection policy. Error responses always close.
func (d *Dispatcher) finish(x *exchange) {
	if x.resp.IsError() {
		x.resp.Close = true
		return
	}
	if x.req.KeepAlive {
		x.resp.Header.Set("Connection", "keep-alive")
	} else {
		x.resp.Close = true
	}
}

func (d *Dispatcher) progressLogger(requestID, path string) ProgressFunc {
	return func(sent, total int64) {
		d.log.Debug("Transfer progress", logger.LogFields{
			"request_id": requestID,
			"path":       path,
			"sent":       sent,
			"total":      total,
		})
		if sent == total {
			d.log.Debug("Transfer complete", logger.LogFields{
				"request_id": requestID,
				"path":       path,
				"bytes":      total,
			})
		}
	}
}

// IsClientGone reports whether err from Pump means the peer went away rather
// than a server-side failure.
func IsClientGone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
