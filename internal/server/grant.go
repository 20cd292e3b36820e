package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
)

type applyGrantRequest struct {
	OperationID string `json:"operation_id"`
	AccountID   string `json:"account_id" validate:"required"`
	AccountType string `json:"account_type" validate:"omitempty,oneof=user organization"`
	Type        string `json:"type" validate:"required"`
	Principal   int64  `json:"principal" validate:"gt=0"`
	// PeriodStart derives a cycle-keyed operation id when OperationID is empty.
	PeriodStart *time.Time `json:"period_start"`
	ExpiresAt   *time.Time `json:"expires_at"`
	Description string     `json:"description"`
}

func (s *Server) ApplyGrant(c *gin.Context) {
	var req applyGrantRequest
	if !bindAndValidate(c, &req) {
		return
	}

	grantType, err := grantdomain.ParseGrantType(req.Type)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("grant_type", string(grantType))

	accountID := strings.TrimSpace(req.AccountID)
	operationID := strings.TrimSpace(req.OperationID)
	if operationID == "" {
		if req.PeriodStart != nil && !req.PeriodStart.IsZero() {
			operationID = grantdomain.CycleOperationID(grantType, accountID, *req.PeriodStart)
		} else {
			operationID = grantdomain.OneOffOperationID(grantType, accountID, s.clock.Now())
		}
	}

	result, err := s.ledgerSvc.ApplyGrant(c.Request.Context(), grantdomain.ApplyGrantRequest{
		OperationID: operationID,
		AccountID:   accountID,
		AccountType: grantdomain.AccountType(req.AccountType),
		Type:        grantType,
		Principal:   req.Principal,
		ExpiresAt:   req.ExpiresAt,
		Description: req.Description,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if result.Applied {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"data": result})
}

func (s *Server) ListGrants(c *gin.Context) {
	var query struct {
		PageToken string `form:"page_token"`
		PageSize  int    `form:"page_size"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.grantSvc.List(c.Request.Context(), grantdomain.ListGrantsRequest{
		AccountID: c.Param("account_id"),
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": resp.Grants,
		"page_info": gin.H{
			"next_page_token": resp.NextPageToken,
			"has_more":        resp.HasMore,
		},
	})
}
