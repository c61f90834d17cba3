package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"

	"github.com/polisai/polis-federation/pkg/domain"
	"github.com/polisai/polis-federation/pkg/httpserver"
)

// PrefixV1 is the path prefix of version 1 of the federation API.
const PrefixV1 = "/_matrix/federation/v1"

// Request is what a servlet handler receives.
type Request struct {
	// Origin is empty when the servlet does not require authentication and
	// the request carried no credentials.
	Origin   domain.ServerName
	Content  map[string]any
	Query    url.Values
	PathArgs map[string]string

	HTTP   *http.Request
	Writer http.ResponseWriter
}

// HandlerFunc implements one method of a servlet. A nil Response with a nil
// error means the handler wrote the response itself.
type HandlerFunc func(ctx context.Context, req *Request) (*httpserver.Response, error)

// MethodHandler binds a HandlerFunc to a method of a servlet.
type MethodHandler struct {
	Handle HandlerFunc
	// Cancellable handlers expect to be interrupted when the client goes
	// away. The dispatcher does not support them and rejects them at
	// registration.
	Cancellable bool
}

// Servlet describes one federation endpoint. Build it with NewServlet at
// startup and do not modify it once registered.
type Servlet struct {
	Name        string
	Prefix      string
	Path        string
	RequireAuth bool
	RateLimit   bool

	methods map[string]MethodHandler
}

// ServletOption customises a Servlet.
type ServletOption func(*Servlet)

// WithoutAuth lets unauthenticated requests reach the handlers.
func WithoutAuth() ServletOption {
	return func(s *Servlet) { s.RequireAuth = false }
}

// WithoutRateLimit exempts the servlet from per-origin rate limiting.
func WithoutRateLimit() ServletOption {
	return func(s *Servlet) { s.RateLimit = false }
}

// WithPrefix overrides the version prefix.
func WithPrefix(prefix string) ServletOption {
	return func(s *Servlet) { s.Prefix = prefix }
}

// NewServlet describes an endpoint at prefix+path. path is a regular
// expression whose named groups become path arguments.
func NewServlet(name, path string, opts ...ServletOption) *Servlet {
	s := &Servlet{
		Name:        name,
		Prefix:      PrefixV1,
		Path:        path,
		RequireAuth: true,
		RateLimit:   true,
		methods:     make(map[string]MethodHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// On binds fn to method.
func (s *Servlet) On(method string, fn HandlerFunc) *Servlet {
	return s.Handle(method, MethodHandler{Handle: fn})
}

// Handle binds h to method.
func (s *Servlet) Handle(method string, h MethodHandler) *Servlet {
	s.methods[method] = h
	return s
}

// Methods returns the methods the servlet implements, sorted.
func (s *Servlet) Methods() []string {
	out := make([]string, 0, len(s.methods))
	for m := range s.methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Pattern compiles the anchored path pattern of the servlet.
func (s *Servlet) Pattern() (*regexp.Regexp, error) {
	re, err := regexp.Compile("^" + s.Prefix + s.Path + "$")
	if err != nil {
		return nil, fmt.Errorf("servlet %s: compile path: %w", s.Name, err)
	}
	return re, nil
}

// ErrCancellableHandler is returned when registering a cancellable handler.
var ErrCancellableHandler = errors.New("cancellable handlers are not supported")

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Authenticator *Authenticator
	Tracing       *TraceBridge
	// RateLimiter is optional. Without it no request is rate limited.
	RateLimiter RateLimiter
	Body        httpserver.BodyParser
	Logger      *slog.Logger
}

// Dispatcher runs the authentication and dispatch pipeline in front of
// servlet handlers.
type Dispatcher struct {
	auth    *Authenticator
	tracing *TraceBridge
	limiter RateLimiter
	body    httpserver.BodyParser
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		auth:    cfg.Authenticator,
		tracing: cfg.Tracing,
		limiter: cfg.RateLimiter,
		body:    cfg.Body,
		logger:  cfg.Logger.With("component", "dispatcher"),
	}
}

// Register binds every method of every servlet on server. All servlets are
// validated before anything is registered.
func (d *Dispatcher) Register(server HTTPServer, servlets ...*Servlet) error {
	patterns := make([]*regexp.Regexp, len(servlets))
	for i, s := range servlets {
		if len(s.methods) == 0 {
			return fmt.Errorf("servlet %s: no methods", s.Name)
		}
		for _, method := range s.Methods() {
			switch method {
			case http.MethodGet, http.MethodPut, http.MethodPost:
			default:
				return fmt.Errorf("servlet %s: unsupported method %s", s.Name, method)
			}
			h := s.methods[method]
			if h.Cancellable {
				return fmt.Errorf("servlet %s %s: %w", s.Name, method, ErrCancellableHandler)
			}
			if h.Handle == nil {
				return fmt.Errorf("servlet %s %s: nil handler", s.Name, method)
			}
		}
		re, err := s.Pattern()
		if err != nil {
			return err
		}
		patterns[i] = re
	}

	for i, s := range servlets {
		for _, method := range s.Methods() {
			server.RegisterPaths(method, []*regexp.Regexp{patterns[i]}, d.Wrap(s, s.methods[method].Handle), s.Name)
		}
		d.logger.Debug("registered servlet", "servlet", s.Name, "pattern", patterns[i].String(), "methods", s.Methods())
	}
	return nil
}

// Wrap returns the pipeline callback running fn for servlet s.
func (d *Dispatcher) Wrap(s *Servlet, fn HandlerFunc) httpserver.Callback {
	return func(w http.ResponseWriter, r *http.Request, pathArgs map[string]string) (*httpserver.Response, error) {
		ctx := r.Context()

		var content map[string]any
		if r.Method == http.MethodPut || r.Method == http.MethodPost {
			var err error
			content, err = d.body.ParseJSONObject(r)
			if err != nil {
				return nil, err
			}
		}

		origin, err := d.auth.AuthenticateWithSpan(ctx, d.tracing.Tracer(), r, content)
		if err != nil {
			if s.RequireAuth || !errors.Is(err, domain.ErrUnauthenticated) {
				return nil, err
			}
			origin = ""
		}

		ctx, spans := d.tracing.Start(ctx, r, origin)
		defer spans.End()

		if origin != "" {
			ctx = WithOrigin(ctx, origin)
			if s.RateLimit && d.limiter != nil {
				admission, err := d.limiter.Acquire(ctx, string(origin))
				if err != nil {
					if ctx.Err() != nil {
						d.logger.Info("client disconnected while waiting for rate limiter", "origin", origin, "servlet", s.Name)
						return nil, nil
					}
					return nil, err
				}
				defer admission.Release()
				if ctx.Err() != nil {
					d.logger.Info("client disconnected before we started processing request",
						"origin", origin,
						"servlet", s.Name,
					)
					return nil, nil
				}
			}
		}

		return fn(ctx, &Request{
			Origin:   origin,
			Content:  content,
			Query:    r.URL.Query(),
			PathArgs: pathArgs,
			HTTP:     r.WithContext(ctx),
			Writer:   w,
		})
	}
}
