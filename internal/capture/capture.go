// Package capture intercepts outbound HTTP calls and turns them into events.
//
// Interception is an explicit http.RoundTripper decorator the application
// installs on its own client; there is no global patching of shared state.
// The wrapped call behaves identically to the unwrapped one: the original
// response and error always pass through unchanged, and any fault inside the
// interceptor is counted and swallowed.
package capture

import (
	"io"
	"net/http"
	"strings"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"

	"github.com/apiscope/apiscope/internal/config"
	"github.com/apiscope/apiscope/internal/event"
)

// truncationMarker is appended to captured bodies cut at max_body_size.
const truncationMarker = "...[truncated]"

// redactedValue replaces sensitive header values.
const redactedValue = "[REDACTED]"

// sensitiveHeaders are never captured verbatim.
var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"cookie":              {},
	"set-cookie":          {},
	"x-api-key":           {},
}

// Sink receives finished events. It must not block; the collector's Emit is
// the canonical implementation.
type Sink interface {
	Emit(ev event.Event) bool
}

// RoundTripper wraps a base http.RoundTripper and emits one event per
// observed call.
type RoundTripper struct {
	base http.RoundTripper
	sink Sink
	cfg  config.CaptureConfig
}

// NewRoundTripper builds the interceptor. A nil base uses
// http.DefaultTransport.
func NewRoundTripper(base http.RoundTripper, sink Sink, cfg config.CaptureConfig) *RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &RoundTripper{base: base, sink: sink, cfg: cfg}
}

// WrapClient returns a copy of client whose transport is instrumented. The
// original client is left untouched. A nil client wraps http.DefaultClient.
func WrapClient(client *http.Client, sink Sink, cfg config.CaptureConfig) *http.Client {
	if client == nil {
		client = http.DefaultClient
	}
	wrapped := *client
	wrapped.Transport = NewRoundTripper(client.Transport, sink, cfg)
	return &wrapped
}

// RoundTrip executes the call and emits an event describing it. Ignored URLs
// short-circuit before any capture work beyond the pattern test.
func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil || rt.ignored(req) {
		requestsIgnored.Inc()
		return rt.base.RoundTrip(req)
	}

	handle := rt.begin(req)
	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		rt.emit(handle.finishError(err))
		return resp, err
	}

	if rt.cfg.CaptureBody && resp.Body != nil {
		// The true response size (and the body itself) is only known once
		// the caller has consumed the body, so the event is finalized from
		// the recorder on EOF or Close.
		resp.Body = newBodyRecorder(resp.Body, handle, resp.StatusCode, resp.ContentLength, rt.cfg.MaxBodySize, rt.emit)
		return resp, nil
	}

	rt.emit(handle.finish(resp.StatusCode, resp.ContentLength, ""))
	return resp, nil
}

func (rt *RoundTripper) ignored(req *http.Request) bool {
	path := req.URL.Path
	if path == "" {
		path = "/"
	}
	full := req.URL.String()
	for _, pattern := range rt.cfg.IgnorePatterns {
		if wildcard.Match(pattern, path) ||
			wildcard.Match(pattern, req.URL.Host) ||
			wildcard.Match(pattern, full) {
			return true
		}
	}
	return false
}

// handle is the in-flight capture state between call start and completion.
type handle struct {
	id           string
	service      string
	method       string
	host         string
	path         string
	start        time.Time
	requestBytes int64
	headers      map[string]string
}

func (rt *RoundTripper) begin(req *http.Request) *handle {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	path := req.URL.Path
	if path == "" {
		path = "/"
	}

	h := &handle{
		id:           event.NewID(),
		service:      rt.cfg.ServiceName,
		method:       strings.ToUpper(method),
		host:         req.URL.Host,
		path:         path,
		start:        time.Now(),
		requestBytes: req.ContentLength,
	}
	if h.host == "" {
		h.host = "localhost"
	}
	if h.requestBytes < 0 {
		h.requestBytes = event.SizeUnknown
	}
	if rt.cfg.CaptureHeaders {
		h.headers = redactHeaders(req.Header)
	}
	return h
}

func (h *handle) finish(statusCode int, responseBytes int64, body string) event.Event {
	if responseBytes < 0 {
		responseBytes = event.SizeUnknown
	}
	return event.Event{
		ID:            h.id,
		ServiceName:   h.service,
		Method:        h.method,
		TargetHost:    h.host,
		TargetPath:    h.path,
		StatusCode:    statusCode,
		DurationMs:    float64(time.Since(h.start)) / float64(time.Millisecond),
		RequestBytes:  h.requestBytes,
		ResponseBytes: responseBytes,
		Headers:       h.headers,
		Body:          body,
		Timestamp:     h.start,
	}
}

func (h *handle) finishError(err error) event.Event {
	ev := h.finish(0, 0, "")
	ev.Error = err.Error()
	return ev
}

// emit hands the event to the sink. Faults here are counted, never surfaced
// to the instrumented call.
func (rt *RoundTripper) emit(ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			captureErrors.Inc()
			log.Error().Interface("panic", r).Msg("Capture sink panicked; event dropped")
		}
	}()

	if rt.sink == nil {
		captureErrors.Inc()
		return
	}
	if rt.sink.Emit(ev) {
		requestsCaptured.Inc()
	}
}

func redactHeaders(header http.Header) map[string]string {
	if len(header) == 0 {
		return nil
	}
	out := make(map[string]string, len(header))
	for name, values := range header {
		if _, sensitive := sensitiveHeaders[strings.ToLower(name)]; sensitive {
			out[name] = redactedValue
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// bodyRecorder tees the response body into a capped buffer and finalizes the
// event exactly once, on EOF or Close, when the real transfer size is known.
type bodyRecorder struct {
	rc            io.ReadCloser
	handle        *handle
	statusCode    int
	contentLength int64
	limit         int
	buf           strings.Builder
	read          int64
	emit          func(event.Event)
	finished      bool
}

func newBodyRecorder(rc io.ReadCloser, h *handle, statusCode int, contentLength int64, limit int, emit func(event.Event)) io.ReadCloser {
	return &bodyRecorder{
		rc:            rc,
		handle:        h,
		statusCode:    statusCode,
		contentLength: contentLength,
		limit:         limit,
		emit:          emit,
	}
}

func (b *bodyRecorder) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		b.read += int64(n)
		if remaining := b.limit - b.buf.Len(); remaining > 0 {
			chunk := p[:n]
			if len(chunk) > remaining {
				chunk = chunk[:remaining]
			}
			b.buf.Write(chunk)
		}
	}
	if err == io.EOF {
		b.finalize()
	}
	return n, err
}

func (b *bodyRecorder) Close() error {
	err := b.rc.Close()
	b.finalize()
	return err
}

func (b *bodyRecorder) finalize() {
	if b.finished {
		return
	}
	b.finished = true

	body := b.buf.String()
	truncated := b.read > int64(b.buf.Len())
	if b.contentLength > int64(b.limit) {
		truncated = true
	}
	if truncated {
		body += truncationMarker
	}

	size := b.read
	if b.contentLength > size {
		// Caller abandoned the body early; trust the declared length.
		size = b.contentLength
	}
	b.emit(b.handle.finish(b.statusCode, size, body))
}
