package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianex/tradecore/internal/core/errs"
	"github.com/meridianex/tradecore/internal/core/model"
	"github.com/meridianex/tradecore/internal/trading"
)

// Handler carries the HTTP-facing dependencies.
type Handler struct {
	logger *zap.Logger
	svc    *trading.Service
}

type placeOrderRequest struct {
	Instrument string `json:"instrument" binding:"required,instrument"`
	Side       string `json:"side" binding:"required,oneof=BUY SELL"`
	Type       string `json:"type" binding:"required,oneof=MARKET LIMIT"`
	Quantity   string `json:"quantity" binding:"required"`
	Price      string `json:"price"`
}

// PlaceOrder handles POST /api/v1/orders.
func (h *Handler) PlaceOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.Validation("invalid request body: %v", err))
		return
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		writeError(c, errs.Validation("invalid quantity %q", req.Quantity))
		return
	}
	price := decimal.Zero
	if req.Price != "" {
		if price, err = decimal.NewFromString(req.Price); err != nil {
			writeError(c, errs.Validation("invalid price %q", req.Price))
			return
		}
	}

	order, err := h.svc.PlaceOrder(c.Request.Context(), mustAccountID(c), trading.PlaceOrderRequest{
		Instrument: req.Instrument,
		Side:       req.Side,
		Type:       req.Type,
		Quantity:   qty,
		Price:      price,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

// ListOrders handles GET /api/v1/orders with an optional status filter.
func (h *Handler) ListOrders(c *gin.Context) {
	status := c.Query("status")
	if status != "" && !validStatus(status) {
		writeError(c, errs.Validation("invalid status filter %q", status))
		return
	}
	orders, err := h.svc.ListOrders(c.Request.Context(), mustAccountID(c), status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// GetOrder handles GET /api/v1/orders/:id.
func (h *Handler) GetOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, errs.Validation("invalid order id"))
		return
	}
	order, err := h.svc.GetOrder(c.Request.Context(), mustAccountID(c), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// CancelOrder handles DELETE /api/v1/orders/:id. The cancel is forwarded to
// the venue; the outcome arrives on the order event stream.
func (h *Handler) CancelOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, errs.Validation("invalid order id"))
		return
	}
	if err := h.svc.CancelOrder(c.Request.Context(), mustAccountID(c), orderID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancel_requested", "order_id": orderID})
}

// AccountRisk handles GET /api/v1/risk/account.
func (h *Handler) AccountRisk(c *gin.Context) {
	view, err := h.svc.GetAccountRisk(c.Request.Context(), mustAccountID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// PositionRisk handles GET /api/v1/risk/positions/:instrument.
func (h *Handler) PositionRisk(c *gin.Context) {
	view, err := h.svc.GetPositionRisk(c.Request.Context(), mustAccountID(c), c.Param("instrument"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetLimits handles GET /api/v1/risk/limits.
func (h *Handler) GetLimits(c *gin.Context) {
	limits, err := h.svc.GetLimits(c.Request.Context(), mustAccountID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"limits": limits})
}

type setLimitRequest struct {
	Scope              string `json:"scope" binding:"required"`
	MaxPositionSize    string `json:"max_position_size"`
	MaxOrderNotional   string `json:"max_order_notional"`
	MaxAccountExposure string `json:"max_account_exposure"`
}

// SetLimit handles PUT /api/v1/risk/limits. Scope is ACCOUNT or an
// instrument symbol; empty values mean unlimited.
func (h *Handler) SetLimit(c *gin.Context) {
	var req setLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.Validation("invalid request body: %v", err))
		return
	}
	limit := model.RiskLimit{AccountID: mustAccountID(c), Scope: req.Scope}
	var err error
	if limit.MaxPositionSize, err = parseLimitValue(req.MaxPositionSize); err != nil {
		writeError(c, errs.Validation("invalid max_position_size %q", req.MaxPositionSize))
		return
	}
	if limit.MaxOrderNotional, err = parseLimitValue(req.MaxOrderNotional); err != nil {
		writeError(c, errs.Validation("invalid max_order_notional %q", req.MaxOrderNotional))
		return
	}
	if limit.MaxAccountExposure, err = parseLimitValue(req.MaxAccountExposure); err != nil {
		writeError(c, errs.Validation("invalid max_account_exposure %q", req.MaxAccountExposure))
		return
	}
	if err := h.svc.SetLimit(c.Request.Context(), &limit); err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("risk limit updated",
		zap.String("account_id", limit.AccountID.String()),
		zap.String("scope", limit.Scope))
	c.JSON(http.StatusOK, limit)
}

// MarketDataSnapshot handles GET /api/v1/market-data.
func (h *Handler) MarketDataSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ticks": h.svc.MarketDataSnapshot()})
}

// MarketData handles GET /api/v1/market-data/:instrument.
func (h *Handler) MarketData(c *gin.Context) {
	tick, err := h.svc.MarketData(c.Param("instrument"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tick)
}

func parseLimitValue(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if v.IsNegative() {
		return decimal.Zero, errs.Validation("limit values must not be negative")
	}
	return v, nil
}

func validStatus(status string) bool {
	switch status {
	case model.OrderStatusNew, model.OrderStatusPendingRisk, model.OrderStatusRouted,
		model.OrderStatusPartiallyFilled, model.OrderStatusFilled,
		model.OrderStatusCancelled, model.OrderStatusRejected:
		return true
	}
	return false
}
