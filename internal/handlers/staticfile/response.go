package staticfile

import (
	"fmt"
	"net/http"
	"strconv"
)

// Content types set by the dispatcher itself.
const (
	ContentTypeHTML  = "text/html; charset=UTF-8"
	ContentTypePlain = "text/plain; charset=UTF-8"
)

// Request is the transport-independent view of an incoming request.
type Request struct {
	Method string
	// URI is the raw request target, still percent-encoded.
	URI string
	// KeepAlive is set when the client asked to reuse the connection.
	KeepAlive bool
	// DecodeFailed is set when the transport could not make sense of the request.
	DecodeFailed bool
	// ID correlates log entries for this request. Optional.
	ID string
}

// Response is built once per request and handed to the transport. At most one
// of Body and Stream is set.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Stream ChunkSource
	// Close asks the transport to close the connection once the response is flushed.
	Close bool
}

func newResponse(status int) *Response {
	return &Response{Status: status, Header: make(http.Header)}
}

// setBody stores a buffered body along with its exact length.
func (r *Response) setBody(contentType string, body []byte) {
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
	r.Body = body
}

// IsError reports whether the status is a client or server error.
func (r *Response) IsError() bool { return r.Status >= http.StatusBadRequest }

// errorBody renders the plain-text body used for every error status.
func errorBody(status int) []byte {
	return []byte(fmt.Sprintf("Failure: %d %s\r\n", status, http.StatusText(status)))
}

// NewErrorResponse builds the response for an error status. The connection is
// always closed afterwards.
func NewErrorResponse(status int) *Response {
	r := newResponse(status)
	r.setBody(ContentTypePlain, errorBody(status))
	r.Close = true
	return r
}
