package accesscontrol

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mcpmux/mcpmux/internal/adapter/outbound/memory"
	"github.com/mcpmux/mcpmux/internal/domain/auth"
	"github.com/mcpmux/mcpmux/internal/port/outbound"
)

func TestResolveValidArgon2idKey(t *testing.T) {
	store := memory.NewAuthStore()
	store.AddIdentity(&auth.Identity{ID: "proj-1", Name: "Project One", Roles: []auth.Role{auth.RoleUser}})

	hash, err := auth.HashKeyArgon2id("project_abc123")
	if err != nil {
		t.Fatalf("HashKeyArgon2id: %v", err)
	}
	store.AddKey(&auth.APIKey{Key: hash, IdentityID: "proj-1"})

	controller := New(store)
	principal, err := controller.Resolve(context.Background(), "project_abc123")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if principal.ID != "proj-1" || principal.Name != "Project One" {
		t.Errorf("principal = %+v, want ID=proj-1 Name=\"Project One\"", principal)
	}
}

func TestResolveStripsBearerPrefix(t *testing.T) {
	store := memory.NewAuthStore()
	store.AddIdentity(&auth.Identity{ID: "proj-1", Name: "Project One"})
	store.AddKey(&auth.APIKey{Key: auth.HashKey("mch_token"), IdentityID: "proj-1"})

	controller := New(store)
	principal, err := controller.Resolve(context.Background(), "Bearer mch_token")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if principal.ID != "proj-1" {
		t.Errorf("principal.ID = %q, want proj-1", principal.ID)
	}
}

func TestResolveUnknownKeyFails(t *testing.T) {
	store := memory.NewAuthStore()
	controller := New(store)

	if _, err := controller.Resolve(context.Background(), "nonexistent"); err != outbound.ErrUnauthenticated {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestResolveEmptyCredentialFails(t *testing.T) {
	controller := New(memory.NewAuthStore())
	if _, err := controller.Resolve(context.Background(), ""); err != outbound.ErrUnauthenticated {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func signedToken(t *testing.T, secret, subject string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": subject,
		"name": "Service Principal",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestResolveValidHMACJWT(t *testing.T) {
	controller := New(memory.NewAuthStore(), WithJWTSecret("top-secret"))

	principal, err := controller.Resolve(context.Background(), signedToken(t, "top-secret", "svc-1"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if principal.ID != "svc-1" || principal.Name != "Service Principal" {
		t.Errorf("principal = %+v, want ID=svc-1 Name=\"Service Principal\"", principal)
	}
}

func TestResolveJWTWrongSecretFails(t *testing.T) {
	controller := New(memory.NewAuthStore(), WithJWTSecret("top-secret"))

	if _, err := controller.Resolve(context.Background(), signedToken(t, "wrong-secret", "svc-1")); err != outbound.ErrUnauthenticated {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestResolveUnsignedJWTRejectedByDefault(t *testing.T) {
	controller := New(memory.NewAuthStore(), WithJWTSecret("top-secret"))

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "svc-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign unsigned token: %v", err)
	}
	if _, err := controller.Resolve(context.Background(), unsigned); err != outbound.ErrUnauthenticated {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestResolveUnsignedJWTAcceptedWhenAllowed(t *testing.T) {
	controller := New(memory.NewAuthStore(), WithAllowUnsignedJWT(true))

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "dev-user"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign unsigned token: %v", err)
	}
	principal, err := controller.Resolve(context.Background(), unsigned)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if principal.ID != "dev-user" {
		t.Errorf("principal.ID = %q, want dev-user", principal.ID)
	}
}

func TestResolveRevokedKeyFails(t *testing.T) {
	store := memory.NewAuthStore()
	store.AddIdentity(&auth.Identity{ID: "proj-1", Name: "Project One"})
	store.AddKey(&auth.APIKey{Key: auth.HashKey("revoked-key"), IdentityID: "proj-1", Revoked: true})

	controller := New(store)
	if _, err := controller.Resolve(context.Background(), "revoked-key"); err != outbound.ErrUnauthenticated {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}
