package federation

import (
	"fmt"
	"regexp"
	"sync/atomic"

	"github.com/polisai/polis-federation/pkg/domain"
)

// OriginAllowList is the optional static set of origins allowed to federate.
// A nil or never-set list admits every origin. Set may be called while
// requests are being authenticated.
type OriginAllowList struct {
	names atomic.Pointer[map[domain.ServerName]struct{}]
}

// NewOriginAllowList builds an allow-list. A nil slice leaves it unconfigured;
// an empty, non-nil slice denies every origin.
func NewOriginAllowList(names []string) *OriginAllowList {
	l := &OriginAllowList{}
	l.Set(names)
	return l
}

// Set replaces the allowed origins.
func (l *OriginAllowList) Set(names []string) {
	if names == nil {
		l.names.Store(nil)
		return
	}
	set := make(map[domain.ServerName]struct{}, len(names))
	for _, n := range names {
		set[domain.ServerName(n)] = struct{}{}
	}
	l.names.Store(&set)
}

// Allows reports whether origin may authenticate.
func (l *OriginAllowList) Allows(origin domain.ServerName) bool {
	if l == nil {
		return true
	}
	set := l.names.Load()
	if set == nil {
		return true
	}
	_, ok := (*set)[origin]
	return ok
}

// Configured reports whether a list is in effect.
func (l *OriginAllowList) Configured() bool {
	return l != nil && l.names.Load() != nil
}

// HomeserverWhitelist holds the patterns of origins whose trace context is
// trusted. An empty whitelist trusts nobody.
type HomeserverWhitelist struct {
	patterns atomic.Pointer[[]*regexp.Regexp]
}

// NewHomeserverWhitelist compiles the given patterns. Each pattern must match
// the whole server name.
func NewHomeserverWhitelist(patterns []string) (*HomeserverWhitelist, error) {
	w := &HomeserverWhitelist{}
	if err := w.Set(patterns); err != nil {
		return nil, err
	}
	return w, nil
}

// Set compiles and swaps in patterns. The whitelist is unchanged on error.
func (w *HomeserverWhitelist) Set(patterns []string) error {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`^(?:` + p + `)$`)
		if err != nil {
			return fmt.Errorf("compile homeserver whitelist pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	w.patterns.Store(&compiled)
	return nil
}

// Matches reports whether origin is whitelisted for trace propagation.
func (w *HomeserverWhitelist) Matches(origin domain.ServerName) bool {
	if w == nil {
		return false
	}
	patterns := w.patterns.Load()
	if patterns == nil {
		return false
	}
	for _, re := range *patterns {
		if re.MatchString(string(origin)) {
			return true
		}
	}
	return false
}
