package federation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/polisai/polis-federation/pkg/domain"
)

// AuthScheme is the Authorization scheme token of signed federation requests.
const AuthScheme = "X-Matrix"

// IsXMatrix reports whether an Authorization header value uses the X-Matrix
// scheme.
func IsXMatrix(value string) bool {
	return strings.HasPrefix(value, AuthScheme)
}

// ParseAuthHeader parses one X-Matrix Authorization header value of the form
//
//	X-Matrix origin=<server>,key=<key id>,sig=<signature>[,destination=<server>]
//
// Parameter names are case-insensitive and values may be double-quoted with
// backslash escapes. Every failure wraps domain.ErrMalformedAuthHeader.
func ParseAuthHeader(value string) (domain.AuthHeaderEntry, error) {
	entry, err := parseAuthHeader(value)
	if err != nil {
		return domain.AuthHeaderEntry{}, domain.MalformedAuthHeader(err)
	}
	return entry, nil
}

func parseAuthHeader(value string) (domain.AuthHeaderEntry, error) {
	rest, ok := strings.CutPrefix(value, AuthScheme)
	if !ok {
		return domain.AuthHeaderEntry{}, errors.New("not an X-Matrix header")
	}
	if rest == "" || rest[0] != ' ' {
		return domain.AuthHeaderEntry{}, errors.New("missing parameters after scheme")
	}

	params, err := splitParams(strings.TrimSpace(rest))
	if err != nil {
		return domain.AuthHeaderEntry{}, err
	}

	required := func(name string) (string, error) {
		v, ok := params[name]
		if !ok {
			return "", fmt.Errorf("missing %q parameter", name)
		}
		return v, nil
	}

	rawOrigin, err := required("origin")
	if err != nil {
		return domain.AuthHeaderEntry{}, err
	}
	origin, err := domain.ParseServerName(rawOrigin)
	if err != nil {
		return domain.AuthHeaderEntry{}, err
	}

	key, err := required("key")
	if err != nil {
		return domain.AuthHeaderEntry{}, err
	}
	sig, err := required("sig")
	if err != nil {
		return domain.AuthHeaderEntry{}, err
	}

	entry := domain.AuthHeaderEntry{
		Origin:    origin,
		KeyID:     key,
		Signature: sig,
	}
	if raw, ok := params["destination"]; ok {
		dest, err := domain.ParseServerName(raw)
		if err != nil {
			return domain.AuthHeaderEntry{}, fmt.Errorf("destination: %w", err)
		}
		entry.Destination = &dest
	}
	return entry, nil
}

// splitParams splits comma separated key=value pairs. Keys are lowercased and
// quoted values are unescaped.
func splitParams(s string) (map[string]string, error) {
	if s == "" {
		return nil, errors.New("empty parameter list")
	}

	params := make(map[string]string)
	for _, param := range strings.Split(s, ",") {
		param = strings.TrimSpace(param)
		name, raw, ok := strings.Cut(param, "=")
		if !ok {
			return nil, fmt.Errorf("parameter %q is not key=value", param)
		}
		name = strings.TrimSpace(name)
		value, err := unquote(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		params[strings.ToLower(name)] = value
	}
	return params, nil
}

// unquote strips surrounding double quotes and resolves backslash escapes.
// Values that do not start with a quote are returned unchanged.
func unquote(raw string) (string, error) {
	if !strings.HasPrefix(raw, `"`) {
		return raw, nil
	}
	if len(raw) < 2 || !strings.HasSuffix(raw, `"`) {
		return "", errors.New("unterminated quoted value")
	}

	inner := raw[1 : len(raw)-1]
	var b strings.Builder
	b.Grow(len(inner))
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		if c == '\\' {
			if i+1 >= len(inner) {
				return "", errors.New("dangling escape in quoted value")
			}
			i++
			c = inner[i]
		}
		b.WriteByte(c)
	}
	return b.String(), nil
}
