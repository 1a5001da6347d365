package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/snellie/receipt-gateway/internal/apperr"
)

// JWTConfig configures HMAC-signed bearer tokens.
type JWTConfig struct {
	Secret   string
	Audience string
	Issuer   string
}

// JWTVerifier validates self-issued HMAC tokens. It carries the same claims
// as a Firebase ID token so both verifiers feed the same policy.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
	policy Policy
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Roles         any    `json:"roles,omitempty"`
}

// NewJWTVerifier requires a non-empty secret.
func NewJWTVerifier(cfg JWTConfig, policy Policy) (*JWTVerifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("missing JWT secret")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if aud := strings.TrimSpace(cfg.Audience); aud != "" {
		opts = append(opts, jwt.WithAudience(aud))
	}
	if iss := strings.TrimSpace(cfg.Issuer); iss != "" {
		opts = append(opts, jwt.WithIssuer(iss))
	}

	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
		policy: policy,
	}, nil
}

// Verify checks signature, expiry, audience and issuer, then the policy.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	claims := &tokenClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.Wrap(apperr.Unauthenticated, "Token expired", err)
		}
		return nil, apperr.Wrap(apperr.Unauthenticated, "Invalid authentication token", err)
	}

	id := &Identity{
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Roles:         rolesFromClaim(claims.Roles),
	}
	if err := v.policy.check(id); err != nil {
		return nil, err
	}
	return id, nil
}
