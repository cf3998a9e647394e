package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/terminal-bench/tokensettle/internal/orders"
	"github.com/terminal-bench/tokensettle/internal/payments"
	"github.com/terminal-bench/tokensettle/internal/reconcile"
	"github.com/terminal-bench/tokensettle/pkg/circuit"
	"go.uber.org/zap"
)

// writeError maps domain errors to HTTP responses
func (s *Server) writeError(c *gin.Context, err error) {
	var validation *orders.ValidationError
	var denial *orders.ComplianceError

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error(), "field": validation.Field})
	case errors.As(err, &denial):
		c.JSON(http.StatusForbidden, gin.H{
			"error":          "compliance check failed",
			"orderId":        denial.OrderID,
			"reason":         denial.Decision.Reason,
			"remainingLimit": denial.Decision.RemainingLimit,
		})
	case errors.Is(err, orders.ErrOrderNotFound),
		errors.Is(err, payments.ErrSettlementMissing),
		errors.Is(err, reconcile.ErrItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, orders.ErrInvalidTransition),
		errors.Is(err, orders.ErrOrderExpired),
		errors.Is(err, orders.ErrOrderFailed),
		errors.Is(err, payments.ErrAlreadyPaid),
		errors.Is(err, payments.ErrNotRefundable),
		errors.Is(err, reconcile.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, payments.ErrRefundTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, circuit.ErrCircuitOpen), errors.Is(err, circuit.ErrTooManyRequests):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
	default:
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("correlation_id", c.GetString(ctxCorrelationID)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
