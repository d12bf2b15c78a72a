// Package accesscontrol is a reference AccessController adapter backed by
// the file-seeded identity/API-key store, using the same Argon2id/SHA-256
// verification the teacher's admin-managed identities used, plus HMAC-signed
// JWT verification for bearer tokens that look like a JWT rather than an
// opaque API key.
package accesscontrol

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mcpmux/mcpmux/internal/domain/auth"
	"github.com/mcpmux/mcpmux/internal/port/outbound"
)

// Controller resolves bearer credentials against an auth.AuthStore,
// implementing outbound.AccessController.
type Controller struct {
	keys      *auth.APIKeyService
	jwtSecret []byte
	allowNone bool
}

// Option customizes a Controller.
type Option func(*Controller)

// WithJWTSecret configures the HMAC key used to verify HS-family JWTs.
// Without it, every signed JWT is rejected; an `alg: none` JWT is still
// accepted when WithAllowUnsignedJWT(true) is set.
func WithJWTSecret(secret string) Option {
	return func(c *Controller) { c.jwtSecret = []byte(secret) }
}

// WithAllowUnsignedJWT accepts `alg: none` JWTs with no signature at all.
// Only ever set for local development — it is indistinguishable from
// disabling authentication for anyone who can forge a claims payload.
func WithAllowUnsignedJWT(allow bool) Option {
	return func(c *Controller) { c.allowNone = allow }
}

// New creates a Controller backed by store.
func New(store auth.AuthStore, opts ...Option) *Controller {
	c := &Controller{keys: auth.NewAPIKeyService(store)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve validates rawCredential as one of the three supported bearer
// token shapes: an opaque API key (the project_… and mch_… prefixes are
// opaque to verification — both hash/compare the same way, so no prefix
// dispatch is needed) or a JWT. A credential with exactly two '.'
// separators is treated as a JWT; anything else goes through the API-key
// path.
func (c *Controller) Resolve(ctx context.Context, rawCredential string) (outbound.ResolvedPrincipal, error) {
	rawCredential = strings.TrimPrefix(rawCredential, "Bearer ")
	if rawCredential == "" {
		return outbound.ResolvedPrincipal{}, outbound.ErrUnauthenticated
	}

	if strings.Count(rawCredential, ".") == 2 {
		return c.resolveJWT(rawCredential)
	}

	identity, err := c.keys.Validate(ctx, rawCredential)
	if err != nil {
		return outbound.ResolvedPrincipal{}, outbound.ErrUnauthenticated
	}
	return outbound.ResolvedPrincipal{ID: identity.ID, Name: identity.Name}, nil
}

func (c *Controller) resolveJWT(raw string) (outbound.ResolvedPrincipal, error) {
	validMethods := []string{"HS256", "HS384", "HS512"}
	if c.allowNone {
		validMethods = append(validMethods, "none")
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, c.jwtKeyFunc, jwt.WithValidMethods(validMethods))
	if err != nil || !token.Valid {
		return outbound.ResolvedPrincipal{}, outbound.ErrUnauthenticated
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return outbound.ResolvedPrincipal{}, outbound.ErrUnauthenticated
	}
	name, _ := claims["name"].(string)
	return outbound.ResolvedPrincipal{ID: sub, Name: name}, nil
}

func (c *Controller) jwtKeyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
		if len(c.jwtSecret) == 0 {
			return nil, fmt.Errorf("no HMAC secret configured")
		}
		return c.jwtSecret, nil
	}
	if token.Method.Alg() == "none" && c.allowNone {
		return jwt.UnsafeAllowNoneSignatureType, nil
	}
	return nil, fmt.Errorf("unsupported signing method %q", token.Method.Alg())
}

var _ outbound.AccessController = (*Controller)(nil)
