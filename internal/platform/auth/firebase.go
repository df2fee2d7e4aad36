package auth

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

type idTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// FirebaseVerifier verifies Firebase ID tokens issued to customers.
type FirebaseVerifier struct {
	client idTokenVerifier
}

// NewFirebaseVerifier initialises the Admin SDK for projectID.
func NewFirebaseVerifier(ctx context.Context, projectID, credentialsFile string) (*FirebaseVerifier, error) {
	if projectID == "" {
		return nil, errors.New("auth: firebase project id is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: initialise firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: initialise firebase auth client: %w", err)
	}
	return &FirebaseVerifier{client: client}, nil
}

// Name implements TokenVerifier.
func (v *FirebaseVerifier) Name() string { return "firebase" }

// VerifyToken implements TokenVerifier.
func (v *FirebaseVerifier) VerifyToken(ctx context.Context, token string) (Claims, error) {
	if v == nil || v.client == nil {
		return Claims{}, errors.New("auth: firebase verifier not initialised")
	}
	decoded, err := v.client.VerifyIDToken(ctx, token)
	if err != nil {
		switch {
		case firebaseauth.IsIDTokenExpired(err):
			return Claims{}, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		default:
			return Claims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
	}
	return Claims{
		Subject: decoded.UID,
		Email:   claimString(decoded.Claims, "email"),
		Phone:   claimString(decoded.Claims, "phone_number"),
		Values:  decoded.Claims,
	}, nil
}
