package api

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultAdminScope = "pool:admin"
	defaultClockSkew  = 30 * time.Second
)

// Principal is the authenticated caller of a request.
type Principal struct {
	Subject string
	Scopes  []string
}

// HasScope reports whether p was granted scope.
func (p Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

type principalKey struct{}

// PrincipalFrom returns the principal stored by the auth middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Claims is the token payload. Scope is a space separated list.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// AuthOption configures an Authenticator.
type AuthOption func(*Authenticator)

// WithIssuer requires tokens to carry iss.
func WithIssuer(iss string) AuthOption {
	return func(a *Authenticator) { a.issuer = strings.TrimSpace(iss) }
}

// WithAdminScope sets the scope required for operator endpoints.
func WithAdminScope(scope string) AuthOption {
	return func(a *Authenticator) {
		if scope = strings.TrimSpace(scope); scope != "" {
			a.adminScope = scope
		}
	}
}

// WithClockSkew sets the leeway applied to exp and nbf.
func WithClockSkew(d time.Duration) AuthOption {
	return func(a *Authenticator) {
		if d >= 0 {
			a.clockSkew = d
		}
	}
}

// Authenticator validates HMAC signed bearer tokens. The sub claim is the
// caller identity.
type Authenticator struct {
	secret     []byte
	issuer     string
	adminScope string
	clockSkew  time.Duration
}

// NewAuthenticator creates an authenticator for secret.
func NewAuthenticator(secret string, opts ...AuthOption) (*Authenticator, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrAuthMisconfigured
	}
	a := &Authenticator{
		secret:     []byte(secret),
		adminScope: defaultAdminScope,
		clockSkew:  defaultClockSkew,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// AdminScope returns the scope guarding operator endpoints.
func (a *Authenticator) AdminScope() string { return a.adminScope }

// Authenticate parses the bearer token of r.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	raw := extractBearer(r.Header.Get("Authorization"))
	if raw == "" {
		return Principal{}, ErrMissingToken
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithLeeway(a.clockSkew),
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	if _, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, parserOpts...); err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return Principal{Subject: claims.Subject, Scopes: strings.Fields(claims.Scope)}, nil
}

// Middleware rejects requests without a valid token or lacking any of the
// required scopes, and stores the principal in the request context.
func (a *Authenticator) Middleware(required ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			p, err := a.Authenticate(r)
			if err != nil {
				status, code := statusFor(err)
				writeError(w, status, code, err)
				return
			}
			for _, scope := range required {
				if !p.HasScope(scope) {
					writeError(w, http.StatusForbidden, "forbidden", fmt.Errorf("%w: need %s", ErrForbidden, scope))
					return
				}
			}
			next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		}
	}
}

// IssueToken signs a token for subject with HS256.
func (a *Authenticator) IssueToken(subject string, ttl time.Duration, scopes ...string) (string, error) {
	now := time.Now()
	claims := Claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
