// Package auth resolves request credentials into a Principal.
//
// Credentials are offered to an ordered list of strategies. Each strategy
// either skips the credential (not its kind), resolves it, rejects it, or
// fails because a backing store could not be consulted. The first strategy
// that does not skip decides the outcome.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// Outcome is the verdict of a single strategy.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeResolved
	OutcomeRejected
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResolved:
		return "resolved"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// Result carries a strategy's outcome. Principal is set when resolved,
// Reason when rejected and Err when failed.
type Result struct {
	Outcome   Outcome
	Principal *domain.Principal
	Reason    string
	Err       error
}

func Skip() Result { return Result{Outcome: OutcomeSkipped} }

func Resolved(p *domain.Principal) Result { return Result{Outcome: OutcomeResolved, Principal: p} }

func Rejected(reason string) Result { return Result{Outcome: OutcomeRejected, Reason: reason} }

// Failed reports that the credential could not be checked at all.
func Failed(err error) Result { return Result{Outcome: OutcomeFailed, Err: err} }

// Strategy authenticates one kind of credential.
type Strategy interface {
	Name() string
	Authenticate(ctx context.Context, credential string) Result
}

// Resolver runs strategies in order until one of them decides.
type Resolver struct {
	strategies []Strategy
	logger     *slog.Logger
}

func NewResolver(logger *slog.Logger, strategies ...Strategy) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{strategies: strategies, logger: logger}
}

// Resolve returns the principal for credential. Bad credentials wrap
// domain.ErrUnauthenticated; store failures wrap domain.ErrInternal.
func (r *Resolver) Resolve(ctx context.Context, credential string) (*domain.Principal, error) {
	if credential == "" {
		return nil, fmt.Errorf("%w: missing credentials", domain.ErrUnauthenticated)
	}

	for _, s := range r.strategies {
		res := s.Authenticate(ctx, credential)
		switch res.Outcome {
		case OutcomeResolved:
			return res.Principal, nil
		case OutcomeRejected:
			r.logger.Debug("credential rejected", "strategy", s.Name(), "reason", res.Reason)
			return nil, fmt.Errorf("%w: %s", domain.ErrUnauthenticated, res.Reason)
		case OutcomeFailed:
			r.logger.Error("credential check failed", "strategy", s.Name(), "error", res.Err)
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrInternal, s.Name(), res.Err)
		}
	}

	return nil, fmt.Errorf("%w: invalid credentials", domain.ErrUnauthenticated)
}

// ExtractBearerToken returns the credential of an "Authorization: Bearer"
// header, or "" when the header is absent or malformed.
func ExtractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
