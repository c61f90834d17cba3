package federation

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-federation/pkg/domain"
	"github.com/polisai/polis-federation/pkg/telemetry"
)

// AuthenticatorConfig wires an Authenticator.
type AuthenticatorConfig struct {
	// ServerName is the local server's own name, the expected destination.
	ServerName domain.ServerName
	Keyring    Keyring
	Retry      *RetryTimingsTracker

	// AllowList restricts the origins allowed to federate. Optional.
	AllowList *OriginAllowList
	// Policy is evaluated after the allow-list. Optional.
	Policy AdmissionPolicy

	Logger *slog.Logger
	Now    func() time.Time
}

// Authenticator verifies the X-Matrix signatures of inbound requests.
type Authenticator struct {
	serverName domain.ServerName
	keyring    Keyring
	retry      *RetryTimingsTracker
	allowList  *OriginAllowList
	policy     AdmissionPolicy
	logger     *slog.Logger
	now        func() time.Time
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(cfg AuthenticatorConfig) *Authenticator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Authenticator{
		serverName: cfg.ServerName,
		keyring:    cfg.Keyring,
		retry:      cfg.Retry,
		allowList:  cfg.AllowList,
		policy:     cfg.Policy,
		logger:     cfg.Logger.With("component", "authenticator"),
		now:        cfg.Now,
	}
}

// Authenticate checks the signatures of r and returns the requesting origin.
// content is the decoded request body, nil when none was sent.
//
// Errors are FederationErrors: Unauthenticated when no X-Matrix credentials
// were presented, MalformedAuthHeader, DestinationMismatch, OriginConflict,
// OriginDenied or whatever the Keyring reported.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request, content map[string]any) (domain.ServerName, error) {
	origin, err := a.authenticate(ctx, r, content)
	telemetry.RecordAuthentication(ctx, Outcome(err))
	return origin, err
}

func (a *Authenticator) authenticate(ctx context.Context, r *http.Request, content map[string]any) (domain.ServerName, error) {
	nowMs := a.now().UnixMilli()
	payload := NewSigningPayload(r, a.serverName, content)

	var origin domain.ServerName
	for _, value := range r.Header.Values("Authorization") {
		if !IsXMatrix(value) {
			continue
		}
		entry, err := ParseAuthHeader(value)
		if err != nil {
			a.logger.Warn("rejecting malformed authorization header", "error", err)
			return "", err
		}
		if entry.Destination != nil && *entry.Destination != a.serverName {
			a.logger.Info("destination mismatch in auth header",
				"origin", entry.Origin,
				"destination", *entry.Destination,
			)
			return "", domain.DestinationMismatch()
		}
		if origin != "" && entry.Origin != origin {
			a.logger.Warn("conflicting origins in auth headers", "first", origin, "second", entry.Origin)
			return "", domain.OriginConflict()
		}
		origin = entry.Origin
		AddEntry(payload, entry)
	}

	if origin != "" && !a.allowList.Allows(origin) {
		return "", domain.OriginDenied(origin)
	}
	if origin != "" && a.policy != nil {
		if err := a.admit(ctx, r, origin); err != nil {
			return "", err
		}
	}
	if origin == "" || len(payload.Signatures) == 0 {
		return "", domain.Unauthenticated()
	}

	if err := a.keyring.VerifySignedPayload(ctx, origin, payload, nowMs); err != nil {
		var fedErr *domain.FederationError
		if errors.As(err, &fedErr) {
			return "", err
		}
		return "", domain.SignatureInvalid(origin, err)
	}

	a.logger.Debug("Request from origin", "origin", origin)

	if a.retry != nil {
		down, err := a.retry.OriginIsDown(ctx, origin)
		switch {
		case err != nil:
			a.logger.Warn("failed to read retry timings", "origin", origin, "error", err)
		case down:
			a.retry.ScheduleMarkUp(ctx, origin)
		}
	}

	return origin, nil
}

func (a *Authenticator) admit(ctx context.Context, r *http.Request, origin domain.ServerName) error {
	allowed, reason, err := a.policy.Admit(ctx, AdmissionInput{
		Origin: origin,
		Method: strings.ToUpper(r.Method),
		Path:   r.URL.Path,
	})
	if err != nil {
		a.logger.Error("admission policy evaluation failed", "origin", origin, "error", err)
		return domain.OriginDenied(origin)
	}
	if !allowed {
		a.logger.Info("admission policy denied origin", "origin", origin, "reason", reason)
		return domain.OriginDenied(origin)
	}
	return nil
}

// AuthenticateWithSpan runs Authenticate inside an "authenticate_request"
// span that records the authenticated entity.
func (a *Authenticator) AuthenticateWithSpan(ctx context.Context, tracer trace.Tracer, r *http.Request, content map[string]any) (domain.ServerName, error) {
	ctx, span := tracer.Start(ctx, "authenticate_request")
	defer span.End()

	origin, err := a.Authenticate(ctx, r, content)
	telemetry.SetAuthenticatedEntity(span, string(origin))
	if err != nil {
		span.RecordError(err)
	}
	return origin, err
}

// Outcome classifies the result of Authenticate for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeAuthenticated
	case errors.Is(err, domain.ErrUnauthenticated):
		return telemetry.OutcomeUnauthenticated
	case errors.Is(err, domain.ErrMalformedAuthHeader):
		return telemetry.OutcomeMalformed
	default:
		return telemetry.OutcomeDenied
	}
}
