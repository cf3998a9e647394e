// Package api is the HTTP surface of the settlement pipeline
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/tokensettle/internal/auth"
	"github.com/terminal-bench/tokensettle/internal/models"
	"github.com/terminal-bench/tokensettle/internal/orders"
	"github.com/terminal-bench/tokensettle/internal/payments"
	"github.com/terminal-bench/tokensettle/internal/store"
	"github.com/terminal-bench/tokensettle/pkg/circuit"
	"go.uber.org/zap"
)

// OrderService is the order ledger as the API uses it
type OrderService interface {
	CreateOrder(ctx context.Context, in orders.CreateOrderInput) (*models.Order, error)
	FailOrder(ctx context.Context, orderID, reason, message string) (*models.Order, error)
	GetForUser(ctx context.Context, orderID, userID string) (*models.Order, error)
	Get(ctx context.Context, orderID string) (*models.Order, error)
	List(ctx context.Context, filter store.OrderFilter) ([]*models.Order, error)
}

// PaymentService is the payment adapter as the API uses it
type PaymentService interface {
	CreatePaymentIntent(ctx context.Context, order *models.Order) (*payments.PaymentIntent, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
	Settlement(ctx context.Context, orderID string) (*models.PaymentSettlement, error)
	Refund(ctx context.Context, orderID string, amount *decimal.Decimal, reason string) (*models.PaymentSettlement, error)
}

// ReconciliationService lists and resolves operator work items
type ReconciliationService interface {
	List(ctx context.Context, status models.ReconciliationStatus) ([]*models.ReconciliationItem, error)
	Resolve(ctx context.Context, id, resolvedBy, note string) error
}

// AuditLog reads the audit trail of one resource
type AuditLog interface {
	List(ctx context.Context, resourceID string) ([]*models.AuditEntry, error)
}

// Inbox returns a user's recent notifications
type Inbox interface {
	List(ctx context.Context, userID string, limit int) ([]models.Notification, error)
}

// WebSocketHub upgrades connections for realtime notifications
type WebSocketHub interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID string) error
}

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Deps groups the handlers' collaborators. Inbox, Hub and Breakers may be nil.
type Deps struct {
	Orders    OrderService
	Payments  PaymentService
	ChainTxs  store.ChainTxStore
	Reconcile ReconciliationService
	Audit     AuditLog
	Inbox     Inbox
	Hub       WebSocketHub
	Verifier  *auth.Verifier
	Checks    map[string]HealthCheck
	Breakers  *circuit.BreakerGroup
	Logger    *zap.Logger
}

// Config holds HTTP settings
type Config struct {
	RateLimitRPS   float64
	RateLimitBurst int
	Debug          bool
}

// Server is the API server
type Server struct {
	router    *gin.Engine
	orders    OrderService
	payments  PaymentService
	chainTxs  store.ChainTxStore
	reconcile ReconciliationService
	auditLog  AuditLog
	inbox     Inbox
	hub       WebSocketHub
	verifier  *auth.Verifier
	limiter   *clientLimiter
	checks    map[string]HealthCheck
	breakers  *circuit.BreakerGroup
	logger    *zap.Logger
}

// NewServer creates the API server and its routes
func NewServer(d Deps, cfg Config) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		router:    gin.New(),
		orders:    d.Orders,
		payments:  d.Payments,
		chainTxs:  d.ChainTxs,
		reconcile: d.Reconcile,
		auditLog:  d.Audit,
		inbox:     d.Inbox,
		hub:       d.Hub,
		verifier:  d.Verifier,
		limiter:   newClientLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute),
		checks:    d.Checks,
		breakers:  d.Breakers,
		logger:    d.Logger.Named("api"),
	}
	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.tracingMiddleware())
	s.router.Use(s.loggingMiddleware())

	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// gateway callbacks are authenticated by signature, not bearer token
		v1.POST("/webhooks/payment", s.paymentWebhook)

		user := v1.Group("", s.rateLimitMiddleware(), s.authMiddleware())
		user.POST("/orders", s.createOrder)
		user.GET("/orders", s.listOrders)
		user.GET("/orders/:id", s.getOrder)
		user.GET("/notifications", s.listNotifications)
		user.GET("/ws", s.handleWebSocket)

		admin := v1.Group("/admin", s.rateLimitMiddleware(), s.authMiddleware(), s.requireRole(models.RoleAdmin))
		admin.GET("/reconciliation", s.listReconciliation)
		admin.POST("/reconciliation/:id/resolve", s.resolveReconciliation)
		admin.POST("/orders/:id/refund", s.refundOrder)
		admin.GET("/audit/:resourceId", s.listAudit)
	}
}
