package httpapi

import (
	"slices"

	"callcenter-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

// RequireWorkspaceAndAnyRole bundles the checks every API group starts with.
func RequireWorkspaceAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireWorkspace(), rbac.RequireAnyRole(roles...)}
}

// Register mounts the API on g. The caller has already authenticated the request.
func (h Handlers) Register(g *gin.RouterGroup) {
	managers := rbac.Managers
	viewers := slices.Concat(managers, []string{rbac.RoleAnalyst})
	operators := slices.Concat(managers, []string{rbac.RoleAgent})

	q := g.Group("/queues/:queue_id", RequireWorkspaceAndAnyRole(viewers...)...)
	{
		q.GET("/calls", h.ListQueuedCalls)
		q.POST("/calls", rbac.RequireAnyRole(managers...), h.AdmitCall)
	}

	cl := g.Group("/calls/:call_id", RequireWorkspaceAndAnyRole(operators...)...)
	{
		cl.GET("", h.GetCall)
		cl.DELETE("", rbac.RequireAnyRole(managers...), h.EndCall)
	}

	ag := g.Group("/agents", rbac.RequireWorkspace())
	{
		ag.GET("", rbac.RequireAnyRole(viewers...), h.ListAgents)
		ag.PUT("/:agent_id/status", rbac.RequireSelfOrManager("agent_id"), h.SetAgentStatus)
	}

	g.POST("/transfers", append(RequireWorkspaceAndAnyRole(operators...), h.CreateTransfer)...)

	cf := g.Group("/conferences", RequireWorkspaceAndAnyRole(operators...)...)
	{
		cf.POST("", h.CreateConference)
		cf.GET("/:conference_id", h.GetConference)
		cf.POST("/:conference_id/participants", h.JoinConference)
		cf.DELETE("/:conference_id/participants/:participant_id", h.LeaveConference)
		cf.PUT("/:conference_id/participants/:participant_id/mute", h.MuteParticipant)
		cf.POST("/:conference_id/close", rbac.RequireAnyRole(managers...), h.CloseConference)
	}
}

// RegisterSocket mounts the agent desktop websocket on g.
func (h Handlers) RegisterSocket(g *gin.RouterGroup) {
	g.GET("/agents/:agent_id", rbac.RequireWorkspace(), rbac.RequireSelfOrManager("agent_id"), h.AgentSocket)
}
