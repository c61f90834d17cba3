package federation

import (
	"context"
	"net/http"

	"github.com/polisai/polis-federation/pkg/httpserver"
)

// ServerInfo is reported by the version endpoint.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// NewVersionServlet serves GET /_matrix/federation/v1/version. It needs no
// credentials and is never rate limited.
func NewVersionServlet(info ServerInfo) *Servlet {
	return NewServlet("FederationVersionServlet", "/version", WithoutAuth(), WithoutRateLimit()).
		On(http.MethodGet, func(context.Context, *Request) (*httpserver.Response, error) {
			return &httpserver.Response{
				Code: http.StatusOK,
				Body: map[string]any{"server": info},
			}, nil
		})
}
