package domain

import "time"

// AuthHeaderEntry is one parsed X-Matrix credential of a request.
type AuthHeaderEntry struct {
	Origin      ServerName
	KeyID       string
	Signature   string
	Destination *ServerName
}

// Signatures maps a server name to its key id -> signature entries.
type Signatures map[ServerName]map[string]string

// Add records signature for origin under keyID.
func (s Signatures) Add(origin ServerName, keyID, signature string) {
	keys, ok := s[origin]
	if !ok {
		keys = make(map[string]string)
		s[origin] = keys
	}
	keys[keyID] = signature
}

// SigningPayload is the JSON object a remote server signed to authenticate a
// request. Content is nil when the request carried no body.
type SigningPayload struct {
	Method      string
	URI         string
	Origin      ServerName
	Destination ServerName
	Content     map[string]any
	Signatures  Signatures
}

// JSON returns the payload in the shape that was signed.
func (p *SigningPayload) JSON() map[string]any {
	out := map[string]any{
		"method":      p.Method,
		"uri":         p.URI,
		"destination": string(p.Destination),
	}
	if p.Origin != "" {
		out["origin"] = string(p.Origin)
	}
	if p.Content != nil {
		out["content"] = p.Content
	}
	sigs := make(map[string]any, len(p.Signatures))
	for server, keys := range p.Signatures {
		entry := make(map[string]any, len(keys))
		for keyID, sig := range keys {
			entry[keyID] = sig
		}
		sigs[string(server)] = entry
	}
	out["signatures"] = sigs
	return out
}

// RetryTimings is the backoff bookkeeping kept for a remote destination. A
// non-zero RetryLastTS means the destination was last seen as unreachable.
type RetryTimings struct {
	FailureTS     int64
	RetryLastTS   int64
	RetryInterval time.Duration
}

// IsDown reports whether the timings mark the destination as unreachable.
func (t *RetryTimings) IsDown() bool {
	return t != nil && t.RetryLastTS != 0
}
