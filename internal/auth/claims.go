package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims carry the caller's workspace on every token. AgentID is set for users
// who take calls; it is what the desktop socket and status endpoint check.
type Claims struct {
	jwt.RegisteredClaims

	UserID      string    `json:"user_id"`
	WorkspaceID string    `json:"workspace_id"`
	Role        string    `json:"role"`
	AgentID     string    `json:"agent_id,omitempty"`
	TokenType   TokenType `json:"token_type"`
}

func (c Claims) Identity() Identity {
	return Identity{UserID: c.UserID, WorkspaceID: c.WorkspaceID, Role: c.Role, AgentID: c.AgentID}
}
