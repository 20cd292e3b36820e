package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
)

const actorHeader = "X-Actor-Id"

// auditActorMiddleware attributes changes made through the API to the
// caller named in the X-Actor-Id header.
func auditActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := strings.TrimSpace(c.GetHeader(actorHeader))
		ctx := auditdomain.ContextWithActor(c.Request.Context(), auditdomain.ActorTypeAPI, actorID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	var query struct {
		PageToken string `form:"page_token"`
		PageSize  int    `form:"page_size"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListRequest{
		AccountID: c.Param("account_id"),
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": resp.AuditLogs,
		"page_info": gin.H{
			"next_page_token": resp.NextPageToken,
			"has_more":        resp.HasMore,
		},
	})
}
