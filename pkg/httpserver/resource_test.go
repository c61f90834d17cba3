package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-federation/pkg/domain"
	"github.com/polisai/polis-federation/pkg/telemetry"
)

func newResource(metrics *telemetry.ServletMetrics) *JSONResource {
	return NewJSONResource(slog.New(slog.NewTextHandler(io.Discard, nil)), metrics)
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) domain.ErrorResponse {
	t.Helper()
	var body domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestJSONResourceRoutesByPatternAndMethod(t *testing.T) {
	res := newResource(nil)
	pattern := regexp.MustCompile(`^/rooms/(?P<room>[^/]*)/state$`)

	res.RegisterPaths(http.MethodGet, []*regexp.Regexp{pattern}, func(_ http.ResponseWriter, _ *http.Request, args map[string]string) (*Response, error) {
		return &Response{Code: http.StatusOK, Body: map[string]string{"room": args["room"]}}, nil
	}, "StateServlet")
	res.RegisterPaths(http.MethodPut, []*regexp.Regexp{regexp.MustCompile(pattern.String())}, func(http.ResponseWriter, *http.Request, map[string]string) (*Response, error) {
		return &Response{Code: http.StatusCreated}, nil
	}, "StateServlet")

	rec := httptest.NewRecorder()
	res.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rooms/%21abc%3Aexample.org/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"room":"!abc:example.org"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	res.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/rooms/x/state", nil))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())

	rec = httptest.NewRecorder()
	res.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rooms/x/state", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, domain.CodeUnrecognized, errorBody(t, rec).Code)

	rec = httptest.NewRecorder()
	res.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rooms/x/state/extra", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, domain.CodeUnrecognized, errorBody(t, rec).Code)
}

func TestJSONResourceFirstRegisteredPatternWins(t *testing.T) {
	res := newResource(nil)
	res.RegisterPaths(http.MethodGet, []*regexp.Regexp{regexp.MustCompile(`^/a/.*$`)}, func(http.ResponseWriter, *http.Request, map[string]string) (*Response, error) {
		return &Response{Code: http.StatusOK, Body: map[string]string{"which": "first"}}, nil
	}, "First")
	res.RegisterPaths(http.MethodGet, []*regexp.Regexp{regexp.MustCompile(`^/a/b$`)}, func(http.ResponseWriter, *http.Request, map[string]string) (*Response, error) {
		return &Response{Code: http.StatusOK, Body: map[string]string{"which": "second"}}, nil
	}, "Second")

	rec := httptest.NewRecorder()
	res.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/a/b", nil))
	assert.JSONEq(t, `{"which":"first"}`, rec.Body.String())
}

func TestJSONResourceErrors(t *testing.T) {
	metrics := telemetry.NewServletMetrics()
	res := newResource(metrics)
	register := func(path string, cb Callback) {
		res.RegisterPaths(http.MethodGet, []*regexp.Regexp{regexp.MustCompile("^" + path + "$")}, cb, "Servlet"+path)
	}

	register("/plain", func(http.ResponseWriter, *http.Request, map[string]string) (*Response, error) {
		return nil, errors.New("database on fire")
	})
	register("/structured", func(http.ResponseWriter, *http.Request, map[string]string) (*Response, error) {
		return nil, domain.OriginDenied("evil.org")
	})
	register("/panic", func(http.ResponseWriter, *http.Request, map[string]string) (*Response, error) {
		panic("boom")
	})
	register("/handled", func(w http.ResponseWriter, _ *http.Request, _ map[string]string) (*Response, error) {
		w.WriteHeader(http.StatusNoContent)
		return nil, nil
	})

	rec := httptest.NewRecorder()
	res.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plain", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := errorBody(t, rec)
	assert.Equal(t, domain.CodeUnknown, body.Code)
	assert.NotContains(t, body.Message, "database")

	rec = httptest.NewRecorder()
	res.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/structured", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, domain.CodeForbidden, errorBody(t, rec).Code)

	rec = httptest.NewRecorder()
	res.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	res.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/handled", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	count, err := testutil.GatherAndCount(metrics.Registry(), "federation_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	count, err = testutil.GatherAndCount(metrics.Registry(), "federation_auth_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestStatusWriterDefaults(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder()}
	assert.Equal(t, 499, sw.status())
	_, _ = sw.Write([]byte("x"))
	assert.Equal(t, http.StatusOK, sw.status())
	sw.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusOK, sw.status())
	assert.NotNil(t, sw.Unwrap())
}
