package auth

import (
	"context"
	"slices"

	"github.com/snellie/receipt-gateway/internal/apperr"
)

// Identity is what a verified bearer token says about its holder.
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Roles         []string
}

// HasRole reports whether the identity carries role.
func (i *Identity) HasRole(role string) bool {
	return i != nil && slices.Contains(i.Roles, role)
}

// Verifier turns a bearer token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Policy holds the checks applied on top of cryptographic verification.
type Policy struct {
	RequireEmailVerified bool
}

func (p Policy) check(id *Identity) error {
	if id.Subject == "" {
		return apperr.New(apperr.Unauthenticated, "missing subject")
	}
	if p.RequireEmailVerified && !id.EmailVerified {
		return apperr.New(apperr.Unauthenticated, "Email not verified")
	}
	return nil
}

func rolesFromClaim(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		roles := make([]string, 0, len(t))
		for _, r := range t {
			if s, ok := r.(string); ok && s != "" {
				roles = append(roles, s)
			}
		}
		return roles
	}
	return nil
}
