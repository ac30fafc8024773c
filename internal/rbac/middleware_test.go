package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"callcenter-platform/internal/auth"

	"github.com/gin-gonic/gin"
)

func withIdentity(id auth.Identity) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

func serve(r *gin.Engine, path string) int {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", withIdentity(auth.Identity{UserID: "u", WorkspaceID: "w", Role: RoleSuperAdmin}),
		RequireWorkspace(), RequireAnyRole(RoleOwner), func(c *gin.Context) {
			c.Status(200)
		})

	if code := serve(r, "/x"); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_HiddenRoleDeniedUnlessAllowed(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", withIdentity(auth.Identity{UserID: "u", WorkspaceID: "w", Role: RoleNetworkOperator}),
		RequireWorkspace(), RequireAnyRole(RoleOwner), func(c *gin.Context) {
			c.Status(200)
		})
	r.GET("/y", withIdentity(auth.Identity{UserID: "u", WorkspaceID: "w", Role: RoleNetworkOperator}),
		RequireWorkspace(), RequireAnyRole(RoleOwner, RoleNetworkOperator), func(c *gin.Context) {
			c.Status(200)
		})

	if code := serve(r, "/x"); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serve(r, "/y"); code != 200 {
		t.Fatalf("expected 200 when allowed explicitly, got %d", code)
	}
}

func TestRequireAnyRole_WorkspaceRequired(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", withIdentity(auth.Identity{UserID: "u", Role: RoleOwner}),
		RequireWorkspace(), RequireAnyRole(RoleOwner), func(c *gin.Context) {
			c.Status(200)
		})

	if code := serve(r, "/x"); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestRequireSelfOrManager(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name string
		id   auth.Identity
		path string
		want int
	}{
		{"agent self", auth.Identity{UserID: "u", WorkspaceID: "w", Role: RoleAgent, AgentID: "a1"}, "/agents/a1", 200},
		{"agent other", auth.Identity{UserID: "u", WorkspaceID: "w", Role: RoleAgent, AgentID: "a1"}, "/agents/a2", 403},
		{"agent without agent id", auth.Identity{UserID: "u", WorkspaceID: "w", Role: RoleAgent}, "/agents/a1", 403},
		{"supervisor", auth.Identity{UserID: "u", WorkspaceID: "w", Role: RoleSupervisor}, "/agents/a2", 200},
		{"analyst", auth.Identity{UserID: "u", WorkspaceID: "w", Role: RoleAnalyst}, "/agents/a2", 403},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/agents/:agent_id", withIdentity(tc.id), RequireSelfOrManager("agent_id"), func(c *gin.Context) {
				c.Status(200)
			})
			if code := serve(r, tc.path); code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, code)
			}
		})
	}
}
