package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/duchieu205/bookworld/pkg/models"
	"github.com/duchieu205/bookworld/pkg/orderstate"
	"github.com/duchieu205/bookworld/pkg/repository"
	"github.com/duchieu205/bookworld/pkg/settlement"
	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type reasonRequest struct {
	Reason string `json:"reason"`
}

type amountRequest struct {
	Amount      int64  `json:"amount" binding:"required"`
	Destination string `json:"destination"`
}

type statusRequest struct {
	Status models.OrderStatus `json:"status" binding:"required"`
	Note   string             `json:"note"`
}

func pathID(c *gin.Context, name string) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(c.Param(name))
	if err != nil {
		badRequest(c, "%s %q is not a valid id", name, c.Param(name))
		return primitive.NilObjectID, false
	}
	return id, true
}

func page(c *gin.Context) (limit, skip int64, ok bool) {
	limit, skip = defaultPageSize, 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return 0, 0, false
		}
		limit = min(n, maxPageSize)
	}
	if v := c.Query("skip"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			badRequest(c, "skip must be a non-negative integer")
			return 0, 0, false
		}
		skip = n
	}
	return limit, skip, true
}

// optionalBody binds a JSON body when one was sent.
func optionalBody(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		badRequest(c, "invalid request body: %v", err)
		return false
	}
	return true
}

// Checkout

type checkoutFunc func(ctx context.Context, req settlement.CheckoutRequest) (*settlement.CheckoutResult, error)

func (g *Gateway) checkout(place checkoutFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req settlement.CheckoutRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid checkout request: %v", err)
			return
		}
		req.UserID = currentUser(c)
		req.IPAddr = c.ClientIP()

		res, err := place(c.Request.Context(), req)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}

func (g *Gateway) previewDiscount(c *gin.Context) {
	var req settlement.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid preview request: %v", err)
		return
	}
	req.UserID = currentUser(c)

	preview, err := g.services.Checkout.PreviewDiscount(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

// gatewayReturn settles an order from the provider redirect. A replay of an
// already settled payment is answered 200 with the order as it stands.
func (g *Gateway) gatewayReturn(c *gin.Context) {
	order, err := g.services.Checkout.HandleGatewayReturn(c.Request.Context(), c.Request.URL.Query())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "paid", "order": order})
	case errors.Is(err, models.ErrAlreadySettled) && order != nil:
		c.JSON(http.StatusOK, gin.H{"status": "already_settled", "order": order})
	default:
		if order != nil {
			g.logger.Info("Gateway return did not confirm order",
				zap.String("order_id", order.ID.Hex()), zap.Error(err))
		}
		abortWithError(c, err)
	}
}

// Orders

func (g *Gateway) listMyOrders(c *gin.Context) {
	limit, skip, ok := page(c)
	if !ok {
		return
	}
	user := currentUser(c)
	orders, err := g.services.Orders.List(c.Request.Context(), repository.OrderFilter{
		UserID: &user,
		Status: models.OrderStatus(c.Query("status")),
		Limit:  limit,
		Skip:   skip,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "limit": limit, "skip": skip})
}

func (g *Gateway) getMyOrder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	order, err := g.services.Orders.GetOwned(c.Request.Context(), currentUser(c), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (g *Gateway) cancelMyOrder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !optionalBody(c, &req) {
		return
	}
	order, err := g.services.Orders.CancelByCustomer(c.Request.Context(), currentUser(c), id, req.Reason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (g *Gateway) requestReturn(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !optionalBody(c, &req) {
		return
	}
	order, err := g.services.Orders.RequestReturn(c.Request.Context(), currentUser(c), id, req.Reason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// Wallet

func (g *Gateway) getWallet(c *gin.Context) {
	w, err := g.services.Wallets.GetWallet(c.Request.Context(), currentUser(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (g *Gateway) listMyTransactions(c *gin.Context) {
	limit, skip, ok := page(c)
	if !ok {
		return
	}
	user := currentUser(c)
	txs, err := g.services.Wallets.ListTransactions(c.Request.Context(), repository.TransactionFilter{
		UserID: &user,
		Type:   models.TransactionType(c.Query("type")),
		Status: models.TransactionStatus(c.Query("status")),
		Limit:  limit,
		Skip:   skip,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "limit": limit, "skip": skip})
}

func (g *Gateway) createTopUp(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid top-up request: %v", err)
		return
	}
	topUp, err := g.services.Wallets.CreateTopUp(c.Request.Context(), currentUser(c), req.Amount, c.ClientIP())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, topUp)
}

func (g *Gateway) topUpReturn(c *gin.Context) {
	tx, err := g.services.Wallets.HandleTopUpReturn(c.Request.Context(), c.Request.URL.Query())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "credited", "transaction": tx})
	case errors.Is(err, models.ErrAlreadySettled) && tx != nil:
		c.JSON(http.StatusOK, gin.H{"status": "already_settled", "transaction": tx})
	default:
		abortWithError(c, err)
	}
}

func (g *Gateway) requestWithdrawal(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid withdrawal request: %v", err)
		return
	}
	tx, err := g.services.Wallets.RequestWithdrawal(c.Request.Context(), currentUser(c), req.Amount, req.Destination)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

// Admin

func (g *Gateway) adminListOrders(c *gin.Context) {
	limit, skip, ok := page(c)
	if !ok {
		return
	}
	filter := repository.OrderFilter{
		Status: models.OrderStatus(c.Query("status")),
		Limit:  limit,
		Skip:   skip,
	}
	if v := c.Query("user_id"); v != "" {
		user, err := primitive.ObjectIDFromHex(v)
		if err != nil {
			badRequest(c, "user_id %q is not a valid id", v)
			return
		}
		filter.UserID = &user
	}
	orders, err := g.services.Orders.List(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "limit": limit, "skip": skip})
}

func (g *Gateway) adminGetOrder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	order, err := g.services.Orders.Get(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (g *Gateway) adminUpdateStatus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid status request: %v", err)
		return
	}
	order, err := g.services.Orders.Transition(c.Request.Context(), id, orderstate.Request{
		To:    req.Status,
		Actor: "admin:" + currentUser(c).Hex(),
		Note:  req.Note,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (g *Gateway) adminListTransactions(c *gin.Context) {
	limit, skip, ok := page(c)
	if !ok {
		return
	}
	filter := repository.TransactionFilter{
		Type:   models.TransactionType(c.Query("type")),
		Status: models.TransactionStatus(c.Query("status")),
		Limit:  limit,
		Skip:   skip,
	}
	if v := c.Query("user_id"); v != "" {
		user, err := primitive.ObjectIDFromHex(v)
		if err != nil {
			badRequest(c, "user_id %q is not a valid id", v)
			return
		}
		filter.UserID = &user
	}
	txs, err := g.services.Wallets.ListTransactions(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "limit": limit, "skip": skip})
}

func (g *Gateway) approveWithdrawal(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	tx, err := g.services.Wallets.ApproveWithdrawal(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (g *Gateway) rejectWithdrawal(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !optionalBody(c, &req) {
		return
	}
	tx, err := g.services.Wallets.RejectWithdrawal(c.Request.Context(), id, req.Reason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (g *Gateway) lockWallet(c *gin.Context) {
	user, ok := pathID(c, "userId")
	if !ok {
		return
	}
	var req reasonRequest
	if !optionalBody(c, &req) {
		return
	}
	w, err := g.services.Wallets.Lock(c.Request.Context(), user, req.Reason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (g *Gateway) unlockWallet(c *gin.Context) {
	user, ok := pathID(c, "userId")
	if !ok {
		return
	}
	w, err := g.services.Wallets.Unlock(c.Request.Context(), user)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}
