package auth

import (
	"context"
	"errors"
	"fmt"

	jwt "github.com/golang-jwt/jwt/v4"
)

// JWTVerifier verifies HS256 access tokens minted by the staff login service.
// The subject is the account email and admins carry "is_admin": true.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier constructs a verifier for tokens signed with secret.
func NewJWTVerifier(secret string) (*JWTVerifier, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: jwt secret must be at least 16 bytes")
	}
	return &JWTVerifier{secret: []byte(secret)}, nil
}

// Name implements TokenVerifier.
func (v *JWTVerifier) Name() string { return "jwt" }

// VerifyToken implements TokenVerifier.
func (v *JWTVerifier) VerifyToken(_ context.Context, token string) (Claims, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		var verr *jwt.ValidationError
		if errors.As(err, &verr) && verr.Errors&jwt.ValidationErrorExpired != 0 {
			return Claims{}, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	subject := claimString(claims, "sub")
	email := claimString(claims, "email")
	if email == "" {
		email = subject
	}
	return Claims{
		Subject: subject,
		Email:   email,
		Phone:   claimString(claims, "phone"),
		Values:  claims,
	}, nil
}
