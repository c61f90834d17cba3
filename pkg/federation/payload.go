package federation

import (
	"net/http"
	"strings"

	"github.com/polisai/polis-federation/pkg/domain"
)

// NewSigningPayload starts the payload a remote server must have signed for
// r. Signatures are accumulated with AddEntry as headers are parsed.
func NewSigningPayload(r *http.Request, destination domain.ServerName, content map[string]any) *domain.SigningPayload {
	return &domain.SigningPayload{
		Method:      strings.ToUpper(r.Method),
		URI:         requestURI(r),
		Destination: destination,
		Content:     content,
		Signatures:  domain.Signatures{},
	}
}

// AddEntry merges one parsed header into the payload. The caller has already
// checked the entry's destination against the local server.
func AddEntry(p *domain.SigningPayload, entry domain.AuthHeaderEntry) {
	p.Origin = entry.Origin
	p.Signatures.Add(entry.Origin, entry.KeyID, entry.Signature)
}

// requestURI returns the raw request target, path and query as sent by the
// client without re-encoding.
func requestURI(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}
