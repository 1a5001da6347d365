package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/snellie/receipt-gateway/internal/apperr"
)

type contextKey string

const identityKey contextKey = "authIdentity"

// GetIdentity retrieves the authenticated identity from context.
func GetIdentity(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	if id, ok := ctx.Value(identityKey).(*Identity); ok && id != nil {
		return id, true
	}
	return nil, false
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// SubjectFromGin returns the authenticated subject, if any.
func SubjectFromGin(c *gin.Context) string {
	if id, ok := GetIdentity(c.Request.Context()); ok {
		return id.Subject
	}
	return ""
}

// Middleware validates bearer tokens and injects the identity.
func Middleware(verifier Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := extractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			unauthorized(c, apperr.Wrap(apperr.Unauthenticated, err.Error(), err))
			return
		}

		id, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			unauthorized(c, err)
			return
		}

		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
		c.Set(string(identityKey), id)
		c.Next()
	}
}

// RequireRole rejects identities lacking role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := GetIdentity(c.Request.Context())
		if !ok {
			unauthorized(c, apperr.New(apperr.Unauthenticated, "Authentication failed"))
			return
		}
		if !id.HasRole(role) {
			c.AbortWithStatusJSON(apperr.Response(apperr.Newf(apperr.PermissionDenied, "Requires %s role", role)))
			return
		}
		c.Next()
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, err error) {
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(apperr.Response(err))
}
