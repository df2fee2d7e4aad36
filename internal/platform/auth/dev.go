package auth

import (
	"context"
	"strings"
)

// DevVerifier accepts any token of the form "<uid>" or "<uid>:<role>[,<role>]".
// It exists for local development and is rejected by production config.
type DevVerifier struct{}

// Name implements TokenVerifier.
func (DevVerifier) Name() string { return "dev" }

// VerifyToken implements TokenVerifier.
func (DevVerifier) VerifyToken(_ context.Context, token string) (Claims, error) {
	uid, roles, _ := strings.Cut(token, ":")
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return Claims{}, ErrTokenInvalid
	}
	values := map[string]any{}
	if roles != "" {
		list := make([]any, 0)
		for _, role := range strings.Split(roles, ",") {
			list = append(list, role)
		}
		values[defaultRoleClaim] = list
	}
	return Claims{Subject: uid, Values: values}, nil
}
