// Package http exposes the local control API: call commands, call and push
// status, and recent activity.
package http

import (
	"context"
	"time"

	"github.com/dkeye/Calling/internal/adapters/sink"
	"github.com/dkeye/Calling/internal/core"
	"github.com/dkeye/Calling/internal/domain"
	"github.com/dkeye/Calling/internal/push"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Calls is the command surface of the call orchestrator.
type Calls interface {
	StartCall(ctx context.Context, conv domain.ConversationID, callType domain.CallType) error
	Toggle(ctx context.Context, conv domain.ConversationID, callType domain.CallType) error
	Answer(ctx context.Context, conv domain.ConversationID, callType domain.CallType) error
	Reject(ctx context.Context, conv domain.ConversationID) error
	Leave(ctx context.Context, conv domain.ConversationID) error
	SetMute(ctx context.Context, conv domain.ConversationID, muted bool) error
	RemoveParticipant(ctx context.Context, conv domain.ConversationID, user domain.UserID) error
	Snapshot() []domain.CallSession
}

type Push interface {
	Snapshot() push.Snapshot
	Reset(trigger push.Trigger, shouldReconnect bool)
	Disconnect()
}

type Activity interface {
	Entries() []sink.Entry
}

// Conflicts holds call conflicts waiting for the user. Nil when the client
// resolves them automatically.
type Conflicts interface {
	Pending() []core.Conflict
	Decide(conv domain.ConversationID, d core.Decision) error
}

type Options struct {
	Mode           string
	CommandTimeout time.Duration
}

type Deps struct {
	Calls     Calls
	Push      Push
	Activity  Activity
	Conflicts Conflicts
	Sched     core.Scheduler
	Limiter   *CommandLimiter
}

func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func SetupRouter(opts Options, d Deps) *gin.Engine {
	if opts.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 10 * time.Second
	}

	r := gin.New()
	if opts.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())

	h := &handlers{Deps: d, timeout: opts.CommandTimeout}

	api := r.Group("/api")
	api.GET("/health", h.health)
	api.GET("/calls", h.calls)
	api.GET("/activity", h.activity)

	calls := api.Group("/calls/:conv", h.limit)
	calls.POST("/start", h.command(func(ctx context.Context, c *gin.Context, conv domain.ConversationID) error {
		ct, err := callType(c)
		if err != nil {
			return err
		}
		return d.Calls.StartCall(ctx, conv, ct)
	}))
	calls.POST("/toggle", h.command(func(ctx context.Context, c *gin.Context, conv domain.ConversationID) error {
		ct, err := callType(c)
		if err != nil {
			return err
		}
		return d.Calls.Toggle(ctx, conv, ct)
	}))
	calls.POST("/answer", h.command(func(ctx context.Context, c *gin.Context, conv domain.ConversationID) error {
		ct, err := callType(c)
		if err != nil {
			return err
		}
		return d.Calls.Answer(ctx, conv, ct)
	}))
	calls.POST("/reject", h.command(func(ctx context.Context, _ *gin.Context, conv domain.ConversationID) error {
		return d.Calls.Reject(ctx, conv)
	}))
	calls.POST("/leave", h.command(func(ctx context.Context, _ *gin.Context, conv domain.ConversationID) error {
		return d.Calls.Leave(ctx, conv)
	}))
	calls.POST("/mute", h.command(func(ctx context.Context, c *gin.Context, conv domain.ConversationID) error {
		muted, err := boolQuery(c, "muted", true)
		if err != nil {
			return err
		}
		return d.Calls.SetMute(ctx, conv, muted)
	}))
	calls.DELETE("/participants/:user", h.command(func(ctx context.Context, c *gin.Context, conv domain.ConversationID) error {
		return d.Calls.RemoveParticipant(ctx, conv, domain.UserID(c.Param("user")))
	}))

	api.GET("/conflicts", h.conflicts)
	conflicts := api.Group("/conflicts/:conv", h.limit)
	conflicts.POST("/leave", h.command(func(_ context.Context, _ *gin.Context, conv domain.ConversationID) error {
		return h.decide(conv, core.DecisionLeaveAndJoin)
	}))
	conflicts.POST("/ignore", h.command(func(_ context.Context, _ *gin.Context, conv domain.ConversationID) error {
		return h.decide(conv, core.DecisionIgnore)
	}))

	api.POST("/push/reconnect", h.reconnect)
	api.POST("/push/logout", h.logout)

	log.Info().Str("module", "adapters.http").Str("mode", opts.Mode).Msg("router setup")
	return r
}
