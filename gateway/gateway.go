package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/duchieu205/bookworld/pkg/config"
	"github.com/duchieu205/bookworld/pkg/models"
	"github.com/duchieu205/bookworld/pkg/orderstate"
	"github.com/duchieu205/bookworld/pkg/repository"
	"github.com/duchieu205/bookworld/pkg/settlement"
	"github.com/duchieu205/bookworld/pkg/wallet"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Checkout is the settlement surface used by the checkout and payment routes.
type Checkout interface {
	CheckoutCOD(ctx context.Context, req settlement.CheckoutRequest) (*settlement.CheckoutResult, error)
	CheckoutWallet(ctx context.Context, req settlement.CheckoutRequest) (*settlement.CheckoutResult, error)
	CheckoutGateway(ctx context.Context, req settlement.CheckoutRequest) (*settlement.CheckoutResult, error)
	PreviewDiscount(ctx context.Context, req settlement.CheckoutRequest) (*settlement.Preview, error)
	HandleGatewayReturn(ctx context.Context, query url.Values) (*models.Order, error)
}

type Orders interface {
	GetOwned(ctx context.Context, userID, orderID primitive.ObjectID) (*models.Order, error)
	Get(ctx context.Context, id primitive.ObjectID) (*models.Order, error)
	List(ctx context.Context, filter repository.OrderFilter) ([]*models.Order, error)
	Transition(ctx context.Context, id primitive.ObjectID, req orderstate.Request) (*models.Order, error)
	CancelByCustomer(ctx context.Context, userID, orderID primitive.ObjectID, reason string) (*models.Order, error)
	RequestReturn(ctx context.Context, userID, orderID primitive.ObjectID, reason string) (*models.Order, error)
}

type Wallets interface {
	GetWallet(ctx context.Context, userID primitive.ObjectID) (*models.Wallet, error)
	ListTransactions(ctx context.Context, filter repository.TransactionFilter) ([]*models.WalletTransaction, error)
	CreateTopUp(ctx context.Context, userID primitive.ObjectID, amount int64, ip string) (*wallet.TopUp, error)
	HandleTopUpReturn(ctx context.Context, query url.Values) (*models.WalletTransaction, error)
	RequestWithdrawal(ctx context.Context, userID primitive.ObjectID, amount int64, destination string) (*models.WalletTransaction, error)
	ApproveWithdrawal(ctx context.Context, id primitive.ObjectID) (*models.WalletTransaction, error)
	RejectWithdrawal(ctx context.Context, id primitive.ObjectID, reason string) (*models.WalletTransaction, error)
	Lock(ctx context.Context, userID primitive.ObjectID, reason string) (*models.Wallet, error)
	Unlock(ctx context.Context, userID primitive.ObjectID) (*models.Wallet, error)
}

type Services struct {
	Checkout Checkout
	Orders   Orders
	Wallets  Wallets
	// Ping, when set, backs the health check.
	Ping func(ctx context.Context) error
}

type Gateway struct {
	config   *config.Config
	services Services
	logger   *zap.Logger
	router   *gin.Engine
	server   *http.Server
}

func NewGateway(cfg *config.Config, logger *zap.Logger, services Services) *Gateway {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggerMiddleware(logger))

	g := &Gateway{
		config:   cfg,
		services: services,
		logger:   logger.Named("gateway"),
		router:   router,
	}
	g.SetupRoutes()
	return g
}

func (g *Gateway) Handler() http.Handler {
	return g.router
}

func (g *Gateway) SetupRoutes() {
	g.router.GET("/health", g.health)

	v1 := g.router.Group("/api/v1")
	{
		// Provider redirects carry no identity; they are trusted by signature.
		v1.GET("/payments/gateway/return", g.gatewayReturn)
		v1.GET("/wallet/topups/return", g.topUpReturn)

		authed := v1.Group("", identityMiddleware())
		{
			checkout := authed.Group("/checkout")
			{
				checkout.POST("/cod", g.checkout(g.services.Checkout.CheckoutCOD))
				checkout.POST("/wallet", g.checkout(g.services.Checkout.CheckoutWallet))
				checkout.POST("/gateway", g.checkout(g.services.Checkout.CheckoutGateway))
			}
			authed.POST("/discounts/preview", g.previewDiscount)

			orders := authed.Group("/orders")
			{
				orders.GET("", g.listMyOrders)
				orders.GET("/:id", g.getMyOrder)
				orders.POST("/:id/cancel", g.cancelMyOrder)
				orders.POST("/:id/return", g.requestReturn)
			}

			w := authed.Group("/wallet")
			{
				w.GET("", g.getWallet)
				w.GET("/transactions", g.listMyTransactions)
				w.POST("/topups", g.createTopUp)
				w.POST("/withdrawals", g.requestWithdrawal)
			}

			admin := authed.Group("/admin", adminOnly())
			{
				admin.GET("/orders", g.adminListOrders)
				admin.GET("/orders/:id", g.adminGetOrder)
				admin.PUT("/orders/:id/status", g.adminUpdateStatus)
				admin.GET("/wallet-transactions", g.adminListTransactions)
				admin.POST("/withdrawals/:id/approve", g.approveWithdrawal)
				admin.POST("/withdrawals/:id/reject", g.rejectWithdrawal)
				admin.POST("/wallets/:userId/lock", g.lockWallet)
				admin.POST("/wallets/:userId/unlock", g.unlockWallet)
			}
		}
	}
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (g *Gateway) Start() error {
	addr := fmt.Sprintf("%s:%d", g.config.Gateway.Host, g.config.Gateway.Port)
	g.server = &http.Server{
		Addr:         addr,
		Handler:      g.router,
		ReadTimeout:  g.config.Gateway.ReadTimeout,
		WriteTimeout: g.config.Gateway.WriteTimeout,
	}
	g.logger.Info("Gateway starting", zap.String("address", addr))
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

func (g *Gateway) health(c *gin.Context) {
	if g.services.Ping != nil {
		if err := g.services.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

const (
	headerUserID    = "X-User-ID"
	headerUserRole  = "X-User-Role"
	headerRequestID = "X-Request-ID"

	keyUserID    = "user_id"
	keyUserRole  = "user_role"
	keyRequestID = "request_id"

	roleAdmin = "admin"
)

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(keyRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// identityMiddleware trusts the identity headers set by the authenticating
// edge in front of this service.
func identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := primitive.ObjectIDFromHex(c.GetHeader(headerUserID))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "missing or invalid " + headerUserID,
			}})
			return
		}
		c.Set(keyUserID, userID)
		c.Set(keyUserRole, c.GetHeader(headerUserRole))
		c.Next()
	}
}

func adminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(keyUserRole) != roleAdmin {
			abortWithError(c, models.ErrForbidden)
			return
		}
		c.Next()
	}
}

func currentUser(c *gin.Context) primitive.ObjectID {
	id, _ := c.MustGet(keyUserID).(primitive.ObjectID)
	return id
}

func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(keyRequestID)),
		)
	}
}
