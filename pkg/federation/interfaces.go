package federation

import (
	"context"
	"regexp"

	"github.com/polisai/polis-federation/pkg/domain"
	"github.com/polisai/polis-federation/pkg/httpserver"
	"github.com/polisai/polis-federation/pkg/tasks"
)

// Keyring verifies that a payload carries a valid signature by a currently
// trusted key of origin. Implementations may block on key fetches.
type Keyring interface {
	VerifySignedPayload(ctx context.Context, origin domain.ServerName, payload *domain.SigningPayload, nowMs int64) error
}

// RetryTimingsStore persists per-destination backoff state.
type RetryTimingsStore interface {
	// GetRetryTimings returns nil timings when none are stored.
	GetRetryTimings(ctx context.Context, destination domain.ServerName) (*domain.RetryTimings, error)
	SetRetryTimings(ctx context.Context, destination domain.ServerName, timings domain.RetryTimings) error
}

// Notifier informs in-process listeners that a remote server is reachable.
type Notifier interface {
	NotifyRemoteServerUp(origin domain.ServerName)
}

// ReplicationClient forwards liveness events from a worker to the primary
// process.
type ReplicationClient interface {
	SendRemoteServerUp(ctx context.Context, origin domain.ServerName) error
}

// RateLimiter admits requests per origin. Acquire may block until capacity
// is available; the returned Admission must be released exactly once.
type RateLimiter interface {
	Acquire(ctx context.Context, origin string) (Admission, error)
}

// Admission is a held rate limiter slot.
type Admission interface {
	Release()
}

// AdmissionPolicy is an optional programmable origin check evaluated before
// signature verification.
type AdmissionPolicy interface {
	Admit(ctx context.Context, input AdmissionInput) (allowed bool, reason string, err error)
}

// AdmissionInput describes a request to an AdmissionPolicy.
type AdmissionInput struct {
	Origin domain.ServerName
	Method string
	Path   string
}

// TaskScheduler runs named background actions.
type TaskScheduler interface {
	RegisterAction(name string, fn tasks.ActionFunc)
	Schedule(ctx context.Context, action string, opts ...tasks.ScheduleOption) (string, error)
}

// HTTPServer binds path patterns of one method to a callback.
type HTTPServer interface {
	RegisterPaths(method string, patterns []*regexp.Regexp, callback httpserver.Callback, servletName string)
}
