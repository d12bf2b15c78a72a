package outbound

import (
	"context"
	"errors"
)

// ErrUnauthenticated is returned when a presented credential does not
// resolve to a principal.
var ErrUnauthenticated = errors.New("unauthenticated")

// ResolvedPrincipal is the caller identity an AccessController yields for
// a credential. The proxy treats this as opaque beyond logging and
// session bookkeeping: it does not interpret roles or scopes itself.
type ResolvedPrincipal struct {
	ID   string
	Name string
}

// AccessController resolves a presented credential (an API key, JWT, or
// similar bearer token) to a principal, or reports that it is invalid.
// The proxy's core never makes authorization decisions itself; it always
// defers to this port.
type AccessController interface {
	// Resolve validates rawCredential and returns the principal it names.
	// Returns ErrUnauthenticated if the credential is missing, malformed,
	// expired, or revoked.
	Resolve(ctx context.Context, rawCredential string) (ResolvedPrincipal, error)
}
