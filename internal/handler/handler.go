package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/angeloszaimis/credential-dispatcher/internal/dispatcher"
	"github.com/angeloszaimis/credential-dispatcher/internal/metrics"
	"github.com/angeloszaimis/credential-dispatcher/internal/status"
)

type Options struct {
	AdminToken string
	// AdminRate is requests per second per client IP on admin routes; zero
	// disables limiting.
	AdminRate  float64
	AdminBurst int
}

type Handler struct {
	logger     *slog.Logger
	dispatcher *dispatcher.Dispatcher
	reporter   *status.Reporter
	collector  *metrics.Collector
	limiter    *IPRateLimiter
	opts       Options
}

func New(logger *slog.Logger, d *dispatcher.Dispatcher, reporter *status.Reporter, collector *metrics.Collector, opts Options) *Handler {
	h := &Handler{
		logger:     logger,
		dispatcher: d,
		reporter:   reporter,
		collector:  collector,
		opts:       opts,
	}
	if opts.AdminRate > 0 {
		burst := opts.AdminBurst
		if burst < 1 {
			burst = 1
		}
		h.limiter = NewIPRateLimiter(rate.Limit(opts.AdminRate), burst)
	}
	return h
}

// Limiter returns the admin rate limiter, nil when limiting is off.
func (h *Handler) Limiter() *IPRateLimiter {
	return h.limiter
}

func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), RequestLogger(h.logger))

	r.GET("/health", h.health)
	r.POST("/v1/generate", h.generate)

	admin := r.Group("/admin")
	if h.limiter != nil {
		admin.Use(RateLimit(h.limiter, h.logger))
	}
	admin.Use(AdminAuth(h.opts.AdminToken))
	admin.GET("/status", h.status)
	admin.POST("/reset", h.reset)
	if h.collector != nil {
		admin.GET("/metrics", gin.WrapF(h.collector.Handler()))
	}

	return r
}

func (h *Handler) health(c *gin.Context) {
	active := h.dispatcher.ActiveKeys()

	total := 0
	for _, n := range active {
		total += n
	}

	code := http.StatusOK
	state := "ok"
	if total == 0 {
		code = http.StatusServiceUnavailable
		state = "exhausted"
	}

	c.JSON(code, gin.H{
		"status":      state,
		"active_keys": active,
		"time":        time.Now().UTC(),
	})
}

func (h *Handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.reporter.Status())
}

func (h *Handler) reset(c *gin.Context) {
	h.reporter.ResetAll()
	h.logger.Info("All key pools reset by admin",
		slog.String("request_id", c.GetString(ctxRequestID)),
		slog.String("from", c.ClientIP()))
	c.JSON(http.StatusOK, h.reporter.Status())
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

func errorBody(message, kind string) errorResponse {
	return errorResponse{Error: errorDetail{Message: message, Type: kind}}
}
