// Package api exposes the trading core over HTTP and websocket.
package api

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meridianex/tradecore/internal/core/errs"
	"github.com/meridianex/tradecore/internal/trading"
	"github.com/meridianex/tradecore/internal/ws"
)

const accountIDKey = "account_id"

var instrumentPattern = regexp.MustCompile(`^[A-Z0-9]{1,12}-[A-Z0-9]{1,12}$`)

func registerValidations() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("instrument", func(fl validator.FieldLevel) bool {
			return instrumentPattern.MatchString(fl.Field().String())
		})
	}
}

// NewRouter builds the gin engine with all routes mounted.
func NewRouter(logger *zap.Logger, svc *trading.Service, wsServer *ws.Server) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	registerValidations()
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := &Handler{logger: logger, svc: svc}

	v1 := r.Group("/api/v1", requireAccount(logger))
	{
		v1.POST("/orders", h.PlaceOrder)
		v1.GET("/orders", h.ListOrders)
		v1.GET("/orders/:id", h.GetOrder)
		v1.DELETE("/orders/:id", h.CancelOrder)

		v1.GET("/risk/account", h.AccountRisk)
		v1.GET("/risk/positions/:instrument", h.PositionRisk)
		v1.GET("/risk/limits", h.GetLimits)
		v1.PUT("/risk/limits", h.SetLimit)

		v1.GET("/market-data", h.MarketDataSnapshot)
		v1.GET("/market-data/:instrument", h.MarketData)
	}

	r.GET("/ws", requireAccount(logger), func(c *gin.Context) {
		wsServer.ServeWS(c.Writer, c.Request, mustAccountID(c))
	})

	return r
}

// requireAccount resolves the caller identity from the X-Account-ID header.
// Upstream authentication is expected to have populated it.
func requireAccount(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-Account-ID")
		if raw == "" {
			raw = c.Query("account_id")
		}
		accountID, err := uuid.Parse(raw)
		if err != nil {
			logger.Debug("request without valid account identity", zap.String("raw", raw))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "UNAUTHENTICATED", "message": "missing or invalid X-Account-ID"},
			})
			return
		}
		c.Set(accountIDKey, accountID)
		c.Next()
	}
}

func mustAccountID(c *gin.Context) uuid.UUID {
	return c.MustGet(accountIDKey).(uuid.UUID)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 || c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Int("status", c.Writer.Status()))
		}
	}
}

// writeError maps the stable error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	code := errs.CodeOf(err)
	if code == "" {
		code = "INTERNAL_ERROR"
	}
	status := http.StatusInternalServerError
	switch code {
	case errs.CodeValidation:
		status = http.StatusBadRequest
	case errs.CodeRiskRejected:
		status = http.StatusUnprocessableEntity
	case errs.CodeNotFound:
		status = http.StatusNotFound
	case errs.CodeInvalidStateTransition:
		status = http.StatusConflict
	case errs.CodeVenueUnavailable:
		status = http.StatusServiceUnavailable
	case errs.CodeVenueTimeout:
		status = http.StatusGatewayTimeout
	}

	body := gin.H{"code": string(code), "message": err.Error()}
	if reason := errs.ReasonOf(err); reason != "" {
		body["reason"] = reason
	}
	c.JSON(status, gin.H{"error": body})
}
