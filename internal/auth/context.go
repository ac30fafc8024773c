package auth

import (
	"context"
	"errors"
)

var ErrNoIdentity = errors.New("auth: identity not in context")

// Identity is the authenticated caller of one request.
type Identity struct {
	UserID      string
	WorkspaceID string
	Role        string
	AgentID     string
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func IdentityFrom(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

func WorkspaceID(ctx context.Context) (string, error) {
	id, err := IdentityFrom(ctx)
	if err != nil || id.WorkspaceID == "" {
		return "", errors.New("workspace_id not in context")
	}
	return id.WorkspaceID, nil
}

func Role(ctx context.Context) (string, error) {
	id, err := IdentityFrom(ctx)
	if err != nil || id.Role == "" {
		return "", errors.New("role not in context")
	}
	return id.Role, nil
}
