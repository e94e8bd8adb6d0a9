package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/angeloszaimis/credential-dispatcher/internal/dispatcher"
	"github.com/angeloszaimis/credential-dispatcher/internal/metrics"
	"github.com/angeloszaimis/credential-dispatcher/internal/provider"
	"github.com/angeloszaimis/credential-dispatcher/internal/upstream"
)

// statusClientClosedRequest is nginx's code for a caller that went away.
const statusClientClosedRequest = 499

type generateRequest struct {
	Prompt      string   `json:"prompt" binding:"required"`
	System      string   `json:"system"`
	Temperature *float64 `json:"temperature" binding:"omitempty,min=0,max=2"`
	MaxTokens   int      `json:"max_tokens" binding:"omitempty,min=1"`
}

type generateResponse struct {
	RequestID string `json:"request_id"`
	*upstream.Completion
}

func (h *Handler) generate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error(), "invalid_request_error"))
		return
	}

	prompt := upstream.Prompt{
		System:      req.System,
		User:        req.Prompt,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	start := time.Now()
	completion, err := dispatcher.Execute(c.Request.Context(), h.dispatcher,
		func(ctx context.Context, hd provider.Handle) (*upstream.Completion, error) {
			return upstream.Complete(ctx, hd, prompt)
		})
	elapsed := time.Since(start)

	if err != nil {
		code, outcome, kind := classifyDispatchError(err)
		h.recordDispatch(elapsed, outcome)
		h.logger.Warn("Generate failed",
			slog.String("request_id", c.GetString(ctxRequestID)),
			slog.String("outcome", string(outcome)),
			slog.String("error", err.Error()))
		c.JSON(code, errorBody(err.Error(), kind))
		return
	}

	h.recordDispatch(elapsed, metrics.OutcomeSuccess)
	c.JSON(http.StatusOK, generateResponse{
		RequestID:  c.GetString(ctxRequestID),
		Completion: completion,
	})
}

// classifyDispatchError maps a dispatch failure onto a response code. Do
// returns context errors unwrapped, so they never hide inside an exhaustion.
func classifyDispatchError(err error) (int, metrics.Outcome, string) {
	var exhausted *dispatcher.AllProvidersExhaustedError
	if errors.As(err, &exhausted) {
		if exhausted.Fatal() {
			return http.StatusBadGateway, metrics.OutcomeFatal, "upstream_error"
		}
		return http.StatusServiceUnavailable, metrics.OutcomeExhausted, "capacity_exhausted"
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, metrics.OutcomeCancelled, "timeout_error"
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, metrics.OutcomeCancelled, "cancelled"
	default:
		return http.StatusInternalServerError, metrics.OutcomeFatal, "internal_error"
	}
}

func (h *Handler) recordDispatch(d time.Duration, outcome metrics.Outcome) {
	if h.collector == nil {
		return
	}
	h.collector.RecordDispatch(d, outcome)
}
