// Package auth resolves the calling principal for protected routes.
//
// Two strategies exist. Delegated trusts an identity header set by a
// fronting proxy that has already authenticated the user. Bearer looks up
// an Authorization: Bearer secret in the token store. A Chain tries its
// strategies in order; a strategy that finds no credentials of its kind
// steps aside for the next one.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/hpc-gateway/internal/apperr"
	"github.com/JakeFAU/hpc-gateway/internal/metrics"
	"github.com/JakeFAU/hpc-gateway/internal/token"
)

// Strategy names accepted in configuration.
const (
	StrategyDelegated = "delegated"
	StrategyBearer    = "bearer"
)

// ErrNoCredentials means the request carries nothing a strategy can judge.
var ErrNoCredentials = errors.New("no credentials presented")

// Principal is the authenticated caller.
type Principal struct {
	Name     string
	Strategy string
	// TokenID is set when a bearer token was used.
	TokenID string
}

// Authenticator decides who is calling.
type Authenticator interface {
	Name() string
	Authenticate(r *http.Request) (Principal, error)
}

// Delegated accepts a non-empty identity header from a trusted proxy.
type Delegated struct {
	Header string
}

// Name implements Authenticator.
func (Delegated) Name() string { return StrategyDelegated }

// Authenticate implements Authenticator.
func (d Delegated) Authenticate(r *http.Request) (Principal, error) {
	user := strings.TrimSpace(r.Header.Get(d.Header))
	if user == "" {
		return Principal{}, ErrNoCredentials
	}
	return Principal{Name: user, Strategy: StrategyDelegated}, nil
}

// Bearer checks Authorization: Bearer secrets against a token store. Every
// token belongs to the single principal the gateway runs for.
type Bearer struct {
	store     token.Store
	principal string
	logger    *zap.Logger
}

// NewBearer returns a Bearer strategy.
func NewBearer(store token.Store, principal string, logger *zap.Logger) (*Bearer, error) {
	if store == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if strings.TrimSpace(principal) == "" {
		return nil, fmt.Errorf("principal name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bearer{store: store, principal: principal, logger: logger}, nil
}

// Name implements Authenticator.
func (*Bearer) Name() string { return StrategyBearer }

// Authenticate implements Authenticator. A matching token is touched; a
// failed touch is logged but does not reject the request.
func (b *Bearer) Authenticate(r *http.Request) (Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return Principal{}, ErrNoCredentials
	}
	scheme, secret, ok := strings.Cut(header, " ")
	secret = strings.TrimSpace(secret)
	if !ok || !strings.EqualFold(scheme, "Bearer") || secret == "" {
		return Principal{}, apperr.New(apperr.Unauthorized, "malformed Authorization header; expected Bearer token")
	}

	ctx := r.Context()
	tok, found, err := b.store.FindBySecret(ctx, secret)
	if err != nil {
		b.logger.Error("token lookup failed", zap.Error(err))
		return Principal{}, apperr.Wrap(apperr.Unauthorized, "invalid token", err)
	}
	if !found {
		return Principal{}, apperr.New(apperr.Unauthorized, "invalid token")
	}
	if err := b.store.Touch(ctx, tok.ID); err != nil {
		b.logger.Warn("token touch failed", zap.String("token_id", tok.ID), zap.Error(err))
	}
	return Principal{Name: b.principal, Strategy: StrategyBearer, TokenID: tok.ID}, nil
}

// Chain tries each authenticator in order.
type Chain []Authenticator

// Name implements Authenticator.
func (c Chain) Name() string {
	names := make([]string, len(c))
	for i, a := range c {
		names[i] = a.Name()
	}
	return strings.Join(names, ",")
}

// Authenticate returns the first principal a strategy accepts. A strategy
// that rejects presented credentials ends the chain.
func (c Chain) Authenticate(r *http.Request) (Principal, error) {
	for _, a := range c {
		p, err := a.Authenticate(r)
		if err == nil {
			metrics.ObserveAuth(a.Name(), true)
			return p, nil
		}
		if errors.Is(err, ErrNoCredentials) {
			continue
		}
		metrics.ObserveAuth(a.Name(), false)
		if apperr.KindOf(err) != apperr.Unauthorized {
			err = apperr.Wrap(apperr.Unauthorized, "authentication failed", err)
		}
		return Principal{}, err
	}
	metrics.ObserveAuth("none", false)
	return Principal{}, apperr.New(apperr.Unauthorized, "missing bearer token")
}

// Options feeds Build.
type Options struct {
	Strategies    []string
	TrustedHeader string
	Tokens        token.Store
	Principal     string
	Logger        *zap.Logger
}

// Build assembles a Chain from strategy names.
func Build(opts Options) (Chain, error) {
	if len(opts.Strategies) == 0 {
		return nil, fmt.Errorf("at least one auth strategy is required")
	}
	chain := make(Chain, 0, len(opts.Strategies))
	seen := map[string]bool{}
	for _, raw := range opts.Strategies {
		name := strings.ToLower(strings.TrimSpace(raw))
		if seen[name] {
			return nil, fmt.Errorf("auth strategy %q listed twice", name)
		}
		seen[name] = true
		switch name {
		case StrategyDelegated:
			header := strings.TrimSpace(opts.TrustedHeader)
			if header == "" {
				return nil, fmt.Errorf("delegated auth needs a trusted user header")
			}
			chain = append(chain, Delegated{Header: header})
		case StrategyBearer:
			b, err := NewBearer(opts.Tokens, opts.Principal, opts.Logger)
			if err != nil {
				return nil, err
			}
			chain = append(chain, b)
		default:
			return nil, fmt.Errorf("unknown auth strategy %q", raw)
		}
	}
	return chain, nil
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by Middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Middleware rejects requests a does not authenticate. onError renders the
// rejection.
func Middleware(a Authenticator, onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := a.Authenticate(r)
			if errors.Is(err, ErrNoCredentials) {
				err = apperr.New(apperr.Unauthorized, "authentication required")
			}
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
