package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/tokensettle/internal/models"
	"github.com/terminal-bench/tokensettle/internal/orders"
	"github.com/terminal-bench/tokensettle/internal/payments"
	"github.com/terminal-bench/tokensettle/internal/store"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// Request/Response types

type CreateOrderRequest struct {
	TokenID       string          `json:"token_id" binding:"required"`
	Side          string          `json:"side" binding:"required"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	PaymentMethod string          `json:"payment_method"`
	WalletAddress string          `json:"wallet_address" binding:"required"`
}

type CreateOrderResponse struct {
	OrderID         string                  `json:"orderId"`
	Status          models.OrderStatus      `json:"status"`
	PaymentRequired bool                    `json:"paymentRequired"`
	PaymentIntent   *payments.PaymentIntent `json:"paymentIntent,omitempty"`
}

type OrderResponse struct {
	*models.Order
	Settlement  *models.PaymentSettlement `json:"settlement,omitempty"`
	Transaction *models.ChainTx           `json:"transaction,omitempty"`
}

type RefundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

type ResolveRequest struct {
	Note string `json:"note" binding:"required"`
}

// Handlers

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := gin.H{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}
	resp := gin.H{"status": overall, "checks": results}
	if s.breakers != nil {
		// an open breaker sheds load on its own; it does not fail readiness
		breakers := gin.H{}
		for name, state := range s.breakers.States() {
			breakers[name] = state.String()
		}
		resp["breakers"] = breakers
	}
	c.JSON(status, resp)
}

func (s *Server) createOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	ctx := c.Request.Context()
	userID := c.GetString(ctxUserID)

	order, err := s.orders.CreateOrder(ctx, orders.CreateOrderInput{
		UserID:        userID,
		TokenID:       req.TokenID,
		Side:          models.Side(req.Side),
		Quantity:      req.Quantity,
		UnitPrice:     req.UnitPrice,
		PaymentMethod: models.PaymentMethod(req.PaymentMethod),
		WalletAddress: req.WalletAddress,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := CreateOrderResponse{
		OrderID:         order.ID,
		Status:          order.Status,
		PaymentRequired: order.RequiresPayment(),
	}
	if resp.PaymentRequired {
		intent, err := s.payments.CreatePaymentIntent(ctx, order)
		if err != nil {
			s.logger.Error("failed to open payment intent", zap.String("order_id", order.ID), zap.Error(err))
			if _, failErr := s.orders.FailOrder(ctx, order.ID, models.ReasonGatewayError, err.Error()); failErr != nil {
				s.logger.Error("failed to fail order", zap.String("order_id", order.ID), zap.Error(failErr))
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": "payment gateway unavailable", "orderId": order.ID})
			return
		}
		resp.PaymentIntent = intent
		resp.Status = models.OrderPaymentPending
	}

	c.JSON(http.StatusCreated, resp)
}

func (s *Server) getOrder(c *gin.Context) {
	ctx := c.Request.Context()
	order, err := s.orders.GetForUser(ctx, c.Param("id"), c.GetString(ctxUserID))
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := OrderResponse{Order: order}
	if ps, err := s.payments.Settlement(ctx, order.ID); err == nil {
		resp.Settlement = ps
	} else if !errors.Is(err, payments.ErrSettlementMissing) {
		s.writeError(c, err)
		return
	}
	if tx, err := s.chainTxs.GetChainTx(ctx, order.ID); err == nil {
		resp.Transaction = tx
	} else if !errors.Is(err, store.ErrNotFound) {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := s.orders.List(c.Request.Context(), store.OrderFilter{
		UserID: c.GetString(ctxUserID),
		Status: models.OrderStatus(c.Query("status")),
		Limit:  limit,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}

// paymentWebhook acknowledges every authentic delivery with 200 so the
// gateway stops retrying; failures are handled on our side.
func (s *Server) paymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	signature := c.GetHeader("X-Razorpay-Signature")
	if signature == "" {
		signature = c.GetHeader("X-Signature")
	}

	err = s.payments.HandleWebhook(c.Request.Context(), payload, signature)
	switch {
	case errors.Is(err, payments.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	case err != nil:
		s.logger.Error("webhook processing failed",
			zap.String("correlation_id", c.GetString(ctxCorrelationID)),
			zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

func (s *Server) listNotifications(c *gin.Context) {
	if s.inbox == nil {
		c.JSON(http.StatusOK, gin.H{"notifications": []models.Notification{}})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	list, err := s.inbox.List(c.Request.Context(), c.GetString(ctxUserID), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "websocket disabled"})
		return
	}
	if err := s.hub.ServeWS(c.Writer, c.Request, c.GetString(ctxUserID)); err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
	}
}

func (s *Server) listReconciliation(c *gin.Context) {
	items, err := s.reconcile.List(c.Request.Context(), models.ReconciliationStatus(c.Query("status")))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) resolveReconciliation(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := s.reconcile.Resolve(c.Request.Context(), c.Param("id"), c.GetString(ctxUserID), req.Note); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

func (s *Server) listAudit(c *gin.Context) {
	entries, err := s.auditLog.List(c.Request.Context(), c.Param("resourceId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) refundOrder(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "operator"
	}
	ps, err := s.payments.Refund(c.Request.Context(), c.Param("id"), req.Amount, reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ps)
}
