package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"callcenter-platform/internal/config"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		JWTIssuer:       "issuer",
		JWTAudience:     "aud",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m := newTestManager(t)

	now := time.Unix(1700000000, 0).UTC()
	pair, err := m.IssuePair(now, Identity{UserID: "user-1", WorkspaceID: "ws-1", Role: "agent", AgentID: "a1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected token strings")
	}

	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(1*time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.WorkspaceID != "ws-1" || claims.Role != "agent" || claims.AgentID != "a1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	refresh, err := m.Verify(pair.RefreshToken, TokenTypeRefresh, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify refresh: %v", err)
	}
	if refresh.Role != "" || refresh.AgentID != "" {
		t.Fatalf("refresh token must not carry role or agent: %+v", refresh)
	}
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	p, err := m.IssuePair(time.Now(), Identity{UserID: "u", WorkspaceID: "w", Role: "r"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.RefreshToken, TokenTypeAccess, time.Now()); err == nil {
		t.Fatalf("expected token_type mismatch")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	m := newTestManager(t)
	now := time.Unix(1700000000, 0).UTC()
	p, err := m.IssuePair(now, Identity{UserID: "u", WorkspaceID: "w", Role: "agent"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.AccessToken, TokenTypeAccess, now.Add(time.Hour)); err == nil {
		t.Fatalf("expected expiry error")
	}
}

func TestRequireAccessToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newTestManager(t)
	p, err := m.IssuePair(time.Now(), Identity{UserID: "u", WorkspaceID: "w", Role: "agent", AgentID: "a1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	r := gin.New()
	r.GET("/x", RequireAccessToken(m), func(c *gin.Context) {
		id, err := IdentityFrom(c.Request.Context())
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, id.AgentID)
	})

	cases := []struct {
		name   string
		header string
		query  string
		ws     bool
		want   int
	}{
		{name: "bearer", header: "Bearer " + p.AccessToken, want: http.StatusOK},
		{name: "missing", want: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "query on websocket upgrade", query: p.AccessToken, ws: true, want: http.StatusOK},
		{name: "query on plain request", query: p.AccessToken, want: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := "/x"
			if tc.query != "" {
				target += "?access_token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if tc.ws {
				req.Header.Set("Connection", "Upgrade")
				req.Header.Set("Upgrade", "websocket")
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
			if tc.want == http.StatusOK && w.Body.String() != "a1" {
				t.Fatalf("expected agent id in identity, got %q", w.Body.String())
			}
		})
	}
}
