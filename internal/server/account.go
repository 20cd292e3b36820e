package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	autotopupdomain "github.com/smallbiznis/creditledger/internal/autotopup/domain"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
)

const dateOnlyLayout = "2006-01-02"

func (s *Server) GetBalance(c *gin.Context) {
	resp, err := s.ledgerSvc.GetBalance(c.Request.Context(), c.Param("account_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetUsage(c *gin.Context) {
	cycleStart, err := parseOptionalTime(c.Query("cycle_start"))
	if err != nil {
		AbortWithError(c, newValidationError("cycle_start", "invalid_cycle_start", "invalid cycle_start"))
		return
	}

	resp, err := s.ledgerSvc.Usage(c.Request.Context(), c.Param("account_id"), cycleStart)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type autoTopupRequest struct {
	AccountType        string `json:"account_type" validate:"omitempty,oneof=user organization"`
	Enabled            bool   `json:"enabled"`
	Threshold          int64  `json:"threshold" validate:"gte=0"`
	Amount             int64  `json:"amount" validate:"gte=0"`
	PaymentCustomerRef string `json:"payment_customer_ref"`
	PaymentMethodRef   string `json:"payment_method_ref"`
}

func (s *Server) SaveAutoTopup(c *gin.Context) {
	var req autoTopupRequest
	if !bindAndValidate(c, &req) {
		return
	}

	resp, err := s.topupSvc.SaveSettings(c.Request.Context(), autotopupdomain.Settings{
		AccountID:          c.Param("account_id"),
		AccountType:        grantdomain.AccountType(req.AccountType),
		Enabled:            req.Enabled,
		Threshold:          req.Threshold,
		Amount:             req.Amount,
		PaymentCustomerRef: req.PaymentCustomerRef,
		PaymentMethodRef:   req.PaymentMethodRef,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetAutoTopup(c *gin.Context) {
	resp, err := s.topupSvc.GetSettings(c.Request.Context(), c.Param("account_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if resp == nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func parseOptionalTime(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return parsed.UTC(), nil
	}
	return time.Parse(dateOnlyLayout, trimmed)
}
