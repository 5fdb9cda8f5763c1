package bridge

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"isometry/internal/batching"
	"isometry/internal/logger"
	"isometry/pkg/errors"
	"isometry/pkg/retry"
)

// submitRetryPolicy keeps opt-in HTTP retries short enough to answer within
// the server's write timeout.
func submitRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		Multiplier:      2.0,
	}
}

// Handler exposes the bridge over HTTP for the dashboard and for operators.
type Handler struct {
	Service *Service
	Logger  logger.Logger
}

func NewHandler(service *Service, log logger.Logger) *Handler {
	return &Handler{
		Service: service,
		Logger:  log,
	}
}

func (h *Handler) HandleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)

	status := errors.ToHTTPStatus(err)
	response := errors.ToErrorResponse(err)

	c.JSON(status, response)
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/calls", h.SubmitCall)
		v1.POST("/flush", h.ForceFlush)

		monitoring := v1.Group("/monitor")
		{
			monitoring.GET("/snapshot", h.GetSnapshot)
			monitoring.GET("/trends", h.GetTrends)
			monitoring.GET("/alerts", h.ListAlerts)
			monitoring.POST("/alerts/:id/ack", h.AcknowledgeAlert)
			monitoring.DELETE("/alerts/acknowledged", h.ClearAcknowledgedAlerts)
		}

		breakers := v1.Group("/breakers")
		{
			breakers.GET("", h.ListBreakers)
			breakers.POST("/:name/reset", h.ResetBreaker)
			breakers.POST("/:name/force-open", h.ForceOpenBreaker)
			breakers.POST("/:name/force-close", h.ForceCloseBreaker)
		}

		v1.GET("/batcher/metrics", h.GetBatcherMetrics)
		v1.GET("/codec/metrics", h.GetCodecMetrics)
	}

	router.GET("/healthz", h.Healthz)
}

// CallRequest is one bridge invocation submitted over HTTP. Retry opts in to
// re-enqueueing on transient failure before the request is answered.
type CallRequest struct {
	Handler string           `json:"handler" binding:"required"`
	Method  string           `json:"method" binding:"required"`
	Params  []batching.Param `json:"params"`
	Retry   bool             `json:"retry"`
}

// CallResponse reports the terminal outcome of a submitted call.
type CallResponse struct {
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// SubmitCall queues a call and waits for its batch to cross the bridge. The
// request succeeds only when the message was actually sent.
func (h *Handler) SubmitCall(c *gin.Context) {
	var req CallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	var res batching.Resolution
	var err error
	if req.Retry {
		res, err = h.Service.CallWithRetry(c.Request.Context(), req.Handler, req.Method, req.Params, submitRetryPolicy())
	} else {
		res, err = h.Service.Call(c.Request.Context(), req.Handler, req.Method, req.Params)
	}
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if res.Outcome != batching.OutcomeSent {
		h.HandleError(c, res.Err)
		return
	}

	c.JSON(http.StatusOK, CallResponse{Outcome: string(res.Outcome)})
}

// ForceFlush pushes the pending batch out ahead of the flush timer.
func (h *Handler) ForceFlush(c *gin.Context) {
	h.Service.Flush(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"queue_size": h.Service.Batcher().QueueSize()})
}

// GetSnapshot returns the consolidated monitor view, refreshed first so it
// reflects this instant.
func (h *Handler) GetSnapshot(c *gin.Context) {
	h.Service.RefreshMonitor()
	c.JSON(http.StatusOK, h.Service.Monitor().Snapshot())
}

// GetTrends returns time series for the trailing window, default five
// minutes.
func (h *Handler) GetTrends(c *gin.Context) {
	window := 5 * time.Minute
	if raw := c.Query("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, errors.ToErrorResponse(
				errors.ErrValidation.WithDetail("message", "window must be a positive duration")))
			return
		}
		window = parsed
	}

	c.JSON(http.StatusOK, h.Service.Monitor().Trends(window))
}

func (h *Handler) ListAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, h.Service.Monitor().Alerts())
}

func (h *Handler) AcknowledgeAlert(c *gin.Context) {
	id := c.Param("id")
	if !h.Service.Monitor().Acknowledge(id) {
		h.HandleError(c, errors.ErrNotFound.WithDetail("alert_id", id))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ClearAcknowledgedAlerts(c *gin.Context) {
	removed := h.Service.Monitor().ClearAcknowledged()
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// ListBreakers returns per-breaker metrics and the registry health roll-up.
func (h *Handler) ListBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"breakers": h.Service.Breakers().AggregateMetrics(),
		"health":   h.Service.Breakers().Health(),
	})
}

func (h *Handler) ResetBreaker(c *gin.Context) {
	cb, ok := h.Service.Breakers().Get(c.Param("name"))
	if !ok {
		h.HandleError(c, errors.ErrNotFound.WithDetail("breaker", c.Param("name")))
		return
	}
	cb.Reset()
	c.JSON(http.StatusOK, cb.Metrics())
}

func (h *Handler) ForceOpenBreaker(c *gin.Context) {
	cb, ok := h.Service.Breakers().Get(c.Param("name"))
	if !ok {
		h.HandleError(c, errors.ErrNotFound.WithDetail("breaker", c.Param("name")))
		return
	}
	cb.ForceOpen()
	c.JSON(http.StatusOK, cb.Metrics())
}

func (h *Handler) ForceCloseBreaker(c *gin.Context) {
	cb, ok := h.Service.Breakers().Get(c.Param("name"))
	if !ok {
		h.HandleError(c, errors.ErrNotFound.WithDetail("breaker", c.Param("name")))
		return
	}
	cb.ForceClosed()
	c.JSON(http.StatusOK, cb.Metrics())
}

func (h *Handler) GetBatcherMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.Service.Batcher().Metrics())
}

func (h *Handler) GetCodecMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.Service.Codec().Metrics())
}

// Healthz reports degradation with a 200 so load balancers only evict the
// instance when it is actually unhealthy.
func (h *Handler) Healthz(c *gin.Context) {
	health := h.Service.Health()

	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}
