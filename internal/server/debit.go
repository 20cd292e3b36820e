package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	delegationdomain "github.com/smallbiznis/creditledger/internal/delegation/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
)

const headerIdempotencyKey = "Idempotency-Key"

type debitRequest struct {
	UserID         string `json:"user_id" validate:"required"`
	OrganizationID string `json:"organization_id"`
	Override       string `json:"override" validate:"omitempty,oneof=personal organization"`
	Amount         int64  `json:"amount" validate:"gte=0"`
	RequireFull    bool   `json:"require_full"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) Debit(c *gin.Context) {
	var req debitRequest
	if !bindAndValidate(c, &req) {
		return
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
	}

	resp, err := s.ledgerSvc.Debit(c.Request.Context(), ledgerdomain.DebitRequest{
		UserID:         req.UserID,
		OrganizationID: req.OrganizationID,
		Override:       delegationdomain.Override(req.Override),
		Amount:         req.Amount,
		RequireFull:    req.RequireFull,
		IdempotencyKey: key,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type resolveDelegationRequest struct {
	UserID         string `json:"user_id" validate:"required"`
	OrganizationID string `json:"organization_id"`
	Override       string `json:"override" validate:"omitempty,oneof=personal organization"`
	Amount         int64  `json:"amount" validate:"gte=0"`
}

func (s *Server) ResolveDelegation(c *gin.Context) {
	var req resolveDelegationRequest
	if !bindAndValidate(c, &req) {
		return
	}

	resp, err := s.delegationSvc.ResolveAccount(c.Request.Context(), delegationdomain.Request{
		UserID:         req.UserID,
		OrganizationID: req.OrganizationID,
		Amount:         req.Amount,
		Override:       delegationdomain.Override(req.Override),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
