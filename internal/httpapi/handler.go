package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"paygate-engine/pkg/config"
	"paygate-engine/pkg/errutil"
	"paygate-engine/pkg/middleware"
	"paygate-engine/services/action"
	"paygate-engine/services/lottery"
	"paygate-engine/services/payment"
	"paygate-engine/services/run"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewHandler,
		ProvideRouter,
	),
)

type Handler struct {
	actions  *action.Service
	payments *payment.Service
	rounds   *lottery.Service
	runs     *run.Service
}

type Params struct {
	fx.In
	Actions  *action.Service
	Payments *payment.Service
	Rounds   *lottery.Service
	Runs     *run.Service
}

func NewHandler(p Params) *Handler {
	return &Handler{
		actions:  p.Actions,
		payments: p.Payments,
		rounds:   p.Rounds,
		runs:     p.Runs,
	}
}

// ProvideRouter builds the engine's public HTTP surface.
func ProvideRouter(cfg *config.Config, h *Handler) http.Handler {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.Error())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	{
		v1.POST("/actions", h.CreateAction)
		v1.GET("/actions", h.ListActions)
		v1.GET("/actions/:id", h.GetAction)
		v1.POST("/actions/:id/intents", h.CreateIntent)

		v1.POST("/payments/confirm", h.ConfirmPayment)
		v1.GET("/runs/:reference", h.GetRun)

		v1.GET("/actions/:id/lottery/current", h.CurrentRound)
		v1.GET("/actions/:id/lottery/history", h.RoundHistory)
		v1.GET("/actions/:id/lottery/stats", h.LotteryStats)
		v1.GET("/lottery/rounds/:id/winners", h.RoundWinners)
	}

	return r
}

type createActionRequest struct {
	Name          string `json:"name" binding:"required"`
	Type          string `json:"type" binding:"required"`
	PriceLamports int64  `json:"price_lamports" binding:"required"`
	EndpointURL   string `json:"endpoint_url"`
	RoundDuration string `json:"round_duration"`
	BurnMint      string `json:"burn_mint"`
}

func (h *Handler) CreateAction(c *gin.Context) {
	var req createActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	in := action.CreateInput{
		Name:          req.Name,
		Type:          action.Type(req.Type),
		PriceLamports: req.PriceLamports,
		EndpointURL:   req.EndpointURL,
		BurnMint:      req.BurnMint,
	}
	if req.RoundDuration != "" {
		d, err := time.ParseDuration(req.RoundDuration)
		if err != nil {
			c.Error(errutil.ValidationFailed("invalid round duration", err))
			return
		}
		in.RoundDuration = d
	}

	a, err := h.actions.Create(c.Request.Context(), in)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *Handler) ListActions(c *gin.Context) {
	actions, err := h.actions.List(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

func (h *Handler) GetAction(c *gin.Context) {
	a, err := h.actions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type createIntentRequest struct {
	Payer    string                 `json:"payer" binding:"required"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (h *Handler) CreateIntent(c *gin.Context) {
	var req createIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	intent, err := h.payments.CreateIntent(c.Request.Context(), c.Param("id"), req.Payer, req.Metadata)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, intent)
}

type confirmPaymentRequest struct {
	Reference string `json:"reference" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

func (h *Handler) ConfirmPayment(c *gin.Context) {
	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	admitted, err := h.payments.Admit(c.Request.Context(), req.Reference, req.Signature)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, runView(admitted))
}

func (h *Handler) GetRun(c *gin.Context) {
	r, err := h.runs.GetByReference(c.Request.Context(), c.Param("reference"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, runView(r))
}

func (h *Handler) CurrentRound(c *gin.Context) {
	summary, err := h.rounds.CurrentRound(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	if summary == nil {
		c.Error(errutil.NotFound("no active round", nil))
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) RoundHistory(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			c.Error(errutil.ValidationFailed("limit must be between 1 and 100", err))
			return
		}
		limit = n
	}

	rounds, err := h.rounds.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rounds": rounds})
}

func (h *Handler) LotteryStats(c *gin.Context) {
	stats, err := h.rounds.ActionStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) RoundWinners(c *gin.Context) {
	winners, err := h.rounds.RoundWinners(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"winners": winners})
}

// runView is the caller-facing run shape; internal ids stay internal.
func runView(r *run.Run) gin.H {
	v := gin.H{
		"reference":   r.Reference,
		"action_id":   r.ActionID,
		"status":      r.Status,
		"metadata":    r.MetadataMap(),
		"created_at":  r.CreatedAt,
		"expires_at":  r.ExpiresAt,
		"duration_ms": r.DurationMS,
	}
	if r.Signature != nil {
		v["signature"] = *r.Signature
	}
	if r.Payer != nil {
		v["payer"] = *r.Payer
	}
	if r.PaidAt != nil {
		v["paid_at"] = *r.PaidAt
	}
	if r.ExecutedAt != nil {
		v["executed_at"] = *r.ExecutedAt
	}
	return v
}
