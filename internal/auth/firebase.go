package auth

import (
	"context"

	firebase "firebase.google.com/go/v4"
	fbauth "firebase.google.com/go/v4/auth"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/snellie/receipt-gateway/internal/apperr"
	"github.com/snellie/receipt-gateway/internal/logging"
)

type idTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*fbauth.Token, error)
}

// FirebaseVerifier checks Firebase ID tokens with the Admin SDK.
type FirebaseVerifier struct {
	client idTokenVerifier
	policy Policy
	logger *zap.Logger
}

// NewFirebaseVerifier initializes the Admin SDK once. credentialsFile may be
// empty to fall back to application default credentials.
func NewFirebaseVerifier(ctx context.Context, projectID, credentialsFile string, policy Policy, logger *zap.Logger) (*FirebaseVerifier, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, logging.NewOperationError("auth.firebase_init", "", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, logging.NewOperationError("auth.firebase_client", "", err)
	}
	logger.Info("firebase admin sdk initialized", zap.String("project_id", projectID))
	return newFirebaseVerifier(client, policy, logger), nil
}

func newFirebaseVerifier(client idTokenVerifier, policy Policy, logger *zap.Logger) *FirebaseVerifier {
	return &FirebaseVerifier{client: client, policy: policy, logger: logger.Named("firebase_verifier")}
}

// Verify delegates signature, issuer and expiry checks to Firebase and then
// applies the policy.
func (f *FirebaseVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	decoded, err := f.client.VerifyIDToken(ctx, token)
	if err != nil {
		logging.WithOperation(f.logger, "auth.verify_token", logging.RequestIDFromContext(ctx)).
			Warn("token verification failed", zap.Error(err))
		if fbauth.IsIDTokenExpired(err) {
			return nil, apperr.Wrap(apperr.Unauthenticated, "Token expired", err)
		}
		return nil, apperr.Wrap(apperr.Unauthenticated, "Invalid authentication token", err)
	}

	id := identityFromFirebase(decoded)
	if err := f.policy.check(id); err != nil {
		return nil, err
	}
	return id, nil
}

func identityFromFirebase(tok *fbauth.Token) *Identity {
	id := &Identity{Subject: tok.UID}
	if id.Subject == "" {
		id.Subject = tok.Subject
	}
	if email, ok := tok.Claims["email"].(string); ok {
		id.Email = email
	}
	if verified, ok := tok.Claims["email_verified"].(bool); ok {
		id.EmailVerified = verified
	}
	id.Roles = rolesFromClaim(tok.Claims["roles"])
	return id
}
