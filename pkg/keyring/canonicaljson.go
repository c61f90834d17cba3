package keyring

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CanonicalJSON encodes v with sorted object keys, no insignificant
// whitespace and no HTML escaping. U+2028 and U+2029 are written as raw
// UTF-8 like every other non-control code point.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return unescapeLineSeparators(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// unescapeLineSeparators rewrites the \u2028 and \u2029 escapes emitted by
// encoding/json. Backslashes in encoder output always start an escape, so
// scanning escape by escape never misreads an escaped backslash.
func unescapeLineSeparators(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u202`)) {
		return b
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' || i+1 >= len(b) {
			out = append(out, b[i])
			continue
		}
		if i+5 < len(b) && b[i+1] == 'u' && string(b[i+2:i+5]) == "202" && (b[i+5] == '8' || b[i+5] == '9') {
			if b[i+5] == '8' {
				out = append(out, "\u2028"...)
			} else {
				out = append(out, "\u2029"...)
			}
			i += 5
			continue
		}
		out = append(out, b[i], b[i+1])
		i++
	}
	return out
}

// signingBytes returns the canonical form of obj that signatures cover,
// which excludes the signatures and unsigned members.
func signingBytes(obj map[string]any) ([]byte, error) {
	stripped := make(map[string]any, len(obj))
	for k, v := range obj {
		if k == "signatures" || k == "unsigned" {
			continue
		}
		stripped[k] = v
	}
	return CanonicalJSON(stripped)
}
