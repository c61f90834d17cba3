// Package httpserver is the HTTP boundary of the federation gateway. It
// routes requests to servlet callbacks by anchored path regex, serialises
// their JSON responses, and maps every error to the protocol's standard
// error body.
package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-federation/pkg/domain"
	"github.com/polisai/polis-federation/pkg/telemetry"
)

// Response is a JSON response produced by a servlet callback.
type Response struct {
	Code int
	Body any
}

// Callback handles one matched request. pathArgs holds the named groups of
// the matched pattern. A nil Response with a nil error means the callback has
// already written the response itself.
type Callback func(w http.ResponseWriter, r *http.Request, pathArgs map[string]string) (*Response, error)

type route struct {
	pattern *regexp.Regexp
	name    string
	methods map[string]Callback
}

// JSONResource dispatches requests to callbacks registered per method and
// path pattern. Patterns are tried in registration order.
type JSONResource struct {
	logger  *slog.Logger
	metrics *telemetry.ServletMetrics

	mu     sync.RWMutex
	routes []*route
}

// NewJSONResource creates an empty resource. metrics may be nil.
func NewJSONResource(logger *slog.Logger, metrics *telemetry.ServletMetrics) *JSONResource {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONResource{logger: logger, metrics: metrics}
}

// RegisterPaths binds callback to method for every pattern.
func (j *JSONResource) RegisterPaths(method string, patterns []*regexp.Regexp, callback Callback, servletName string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, p := range patterns {
		var target *route
		for _, existing := range j.routes {
			if existing.pattern.String() == p.String() {
				target = existing
				break
			}
		}
		if target == nil {
			target = &route{pattern: p, name: servletName, methods: make(map[string]Callback)}
			j.routes = append(j.routes, target)
		}
		target.methods[method] = callback
	}
}

// ServeHTTP implements http.Handler.
func (j *JSONResource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callback, name, args, err := j.match(r)
	if err != nil {
		j.finish(w, r, "unrecognized", nil, err)
		return
	}

	done := j.metrics.Start(name, r.Method)
	sw := &statusWriter{ResponseWriter: w}
	defer func() {
		done(sw.status())
	}()

	var resp *Response
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				j.logger.Error("panic in servlet callback",
					"servlet", name,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				err = errors.New("servlet panicked")
			}
		}()
		resp, err = callback(sw, r, args)
	}()

	j.finish(sw, r, name, resp, err)
}

func (j *JSONResource) match(r *http.Request) (Callback, string, map[string]string, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	path := r.URL.EscapedPath()
	pathMatched := false
	for _, rt := range j.routes {
		groups := rt.pattern.FindStringSubmatch(path)
		if groups == nil {
			continue
		}
		pathMatched = true
		cb, ok := rt.methods[r.Method]
		if !ok {
			continue
		}

		args := make(map[string]string)
		for i, name := range rt.pattern.SubexpNames() {
			if i == 0 || name == "" {
				continue
			}
			value, err := url.PathUnescape(groups[i])
			if err != nil {
				value = groups[i]
			}
			args[name] = value
		}
		return cb, rt.name, args, nil
	}

	if pathMatched {
		return nil, "", nil, domain.NewError(http.StatusMethodNotAllowed, domain.CodeUnrecognized, domain.ErrUnrecognized, "Unrecognized request")
	}
	return nil, "", nil, domain.NewError(http.StatusNotFound, domain.CodeUnrecognized, domain.ErrUnrecognized, "Unrecognized request")
}

func (j *JSONResource) finish(w http.ResponseWriter, r *http.Request, name string, resp *Response, err error) {
	if err != nil {
		status, code, _ := domain.StatusOf(err)
		if status >= http.StatusInternalServerError {
			j.logger.Error("failed handle request",
				"servlet", name,
				"method", r.Method,
				"path", r.URL.Path,
				"error", err,
			)
		} else {
			j.logger.Info("request rejected",
				"servlet", name,
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"errcode", code,
				"error", err,
			)
		}
		j.metrics.RecordError(code, status)
		WriteError(w, r, err)
		return
	}
	if resp == nil {
		return
	}
	WriteJSON(w, resp.Code, resp.Body)
}

// WriteJSON serialises body with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	if body == nil {
		body = map[string]any{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError writes the standard error body for err. Errors without a
// FederationError in their chain become 500 M_UNKNOWN.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := domain.StatusOf(err)
	body := domain.ErrorResponse{Code: code, Message: msg}
	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		body.TraceID = sc.TraceID().String()
	}
	WriteJSON(w, status, body)
}

// statusWriter records the status code written downstream.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) status() int {
	if w.code == 0 {
		// Nothing written: the client went away or the callback handled it.
		return 499
	}
	return w.code
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
