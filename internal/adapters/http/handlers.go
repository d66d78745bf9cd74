package http

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"strconv"
	"time"

	"github.com/dkeye/Calling/internal/core"
	"github.com/dkeye/Calling/internal/domain"
	"github.com/dkeye/Calling/internal/push"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var (
	errBadRequest  = errors.New("bad request")
	errRateLimited = errors.New("too many commands")
)

type handlers struct {
	Deps
	timeout time.Duration
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(stdhttp.StatusOK, gin.H{
		"push":  h.Push.Snapshot(),
		"calls": len(h.Calls.Snapshot()),
	})
}

func (h *handlers) calls(c *gin.Context) {
	now := h.Sched.Now()
	sessions := h.Calls.Snapshot()
	out := make([]domain.CallRecord, 0, len(sessions))
	for i := range sessions {
		out = append(out, sessions[i].Record(now))
	}
	c.JSON(stdhttp.StatusOK, out)
}

func (h *handlers) activity(c *gin.Context) {
	c.JSON(stdhttp.StatusOK, h.Activity.Entries())
}

type conflictView struct {
	Conversation domain.ConversationID `json:"conversation"`
	Active       domain.ConversationID `json:"active"`
	ActiveState  string                `json:"active_state"`
	Proposed     string                `json:"proposed"`
}

func (h *handlers) conflicts(c *gin.Context) {
	out := []conflictView{}
	if h.Conflicts != nil {
		for _, cf := range h.Conflicts.Pending() {
			out = append(out, conflictView{
				Conversation: cf.Conversation,
				Active:       cf.Active.ConversationID,
				ActiveState:  cf.Active.State.String(),
				Proposed:     cf.Proposed.String(),
			})
		}
	}
	c.JSON(stdhttp.StatusOK, out)
}

func (h *handlers) decide(conv domain.ConversationID, d core.Decision) error {
	if h.Conflicts == nil {
		return fmt.Errorf("conflict %s: resolved automatically: %w", conv, domain.ErrNotFound)
	}
	return h.Conflicts.Decide(conv, d)
}

func (h *handlers) limit(c *gin.Context) {
	conv := domain.ConversationID(c.Param("conv"))
	if !h.Limiter.Allow(conv) {
		h.fail(c, conv, errRateLimited)
		c.Abort()
		return
	}
	c.Next()
}

func (h *handlers) command(fn func(ctx context.Context, c *gin.Context, conv domain.ConversationID) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		conv := domain.ConversationID(c.Param("conv"))
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
		defer cancel()
		if err := fn(ctx, c, conv); err != nil {
			h.fail(c, conv, err)
			return
		}
		log.Info().
			Str("module", "adapters.http").
			Str("request_id", c.GetString("request_id")).
			Str("conv", string(conv)).
			Str("path", c.FullPath()).
			Msg("command done")
		c.Status(stdhttp.StatusNoContent)
	}
}

func (h *handlers) reconnect(c *gin.Context) {
	h.Push.Reset(push.TriggerOnline, true)
	c.Status(stdhttp.StatusAccepted)
}

func (h *handlers) logout(c *gin.Context) {
	h.Push.Disconnect()
	c.Status(stdhttp.StatusAccepted)
}

func (h *handlers) fail(c *gin.Context, conv domain.ConversationID, err error) {
	code := statusFor(err)
	ev := log.Warn()
	if code >= stdhttp.StatusInternalServerError && code != stdhttp.StatusNotImplemented {
		ev = log.Error()
	}
	ev.Err(err).
		Str("module", "adapters.http").
		Str("request_id", c.GetString("request_id")).
		Str("conv", string(conv)).
		Int("status", code).
		Msg("command failed")
	c.JSON(code, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return stdhttp.StatusBadRequest
	case errors.Is(err, errRateLimited):
		return stdhttp.StatusTooManyRequests
	case errors.Is(err, domain.ErrNotSupported):
		return stdhttp.StatusPreconditionFailed
	case errors.Is(err, domain.ErrNotFound):
		return stdhttp.StatusNotFound
	case errors.Is(err, domain.ErrNotImplemented):
		return stdhttp.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return stdhttp.StatusGatewayTimeout
	}
	return stdhttp.StatusInternalServerError
}

func callType(c *gin.Context) (domain.CallType, error) {
	raw := c.Query("type")
	ct, ok := domain.ParseCallType(raw)
	if !ok {
		return 0, fmt.Errorf("call type %q: %w", raw, errBadRequest)
	}
	return ct, nil
}

func boolQuery(c *gin.Context, key string, def bool) (bool, error) {
	raw, ok := c.GetQuery(key)
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s=%q: %w", key, raw, errBadRequest)
	}
	return v, nil
}
