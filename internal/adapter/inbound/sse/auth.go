package sse

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mcpmux/mcpmux/internal/domain/clientsession"
	"github.com/mcpmux/mcpmux/internal/port/outbound"
)

// ErrAuthRequired is returned by authenticate when a credential is
// required but missing or invalid.
var ErrAuthRequired = errors.New("authentication required")

// authenticate resolves the caller's Authorization header into a
// Principal. required is the effective policy for this route: the
// project-wide default for a unified endpoint, or the per-upstream
// JWTRequired override for a per-server endpoint. When
// auth is disabled process-wide, every caller is accepted anonymously
// regardless of required.
func authenticate(ctx context.Context, r *http.Request, controller outbound.AccessController, disableAuth, required bool) (*clientsession.Principal, error) {
	if disableAuth {
		return nil, nil
	}

	token := bearerToken(r)
	if token == "" {
		if required {
			return nil, ErrAuthRequired
		}
		return nil, nil
	}
	if controller == nil {
		if required {
			return nil, ErrAuthRequired
		}
		return nil, nil
	}

	principal, err := controller.Resolve(ctx, token)
	if err != nil {
		if required {
			return nil, ErrAuthRequired
		}
		return nil, nil
	}
	return &clientsession.Principal{ID: principal.ID, Name: principal.Name}, nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}
