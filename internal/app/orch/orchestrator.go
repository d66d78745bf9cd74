// Package orch drives the per-conversation call state machine. Every
// unexported method runs on the event loop; exported commands hop onto it.
package orch

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Calling/internal/app"
	"github.com/dkeye/Calling/internal/core"
	"github.com/dkeye/Calling/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultSetupDelay lets ICE gathering fill the session description
	// before a SETUP goes out as one consolidated message.
	DefaultSetupDelay = 250 * time.Millisecond

	outboxSize = 64
)

var errOutboxFull = errors.New("outbound calling queue full")

// Loop is the event loop the orchestrator runs on.
type Loop interface {
	core.Executor
	Do(ctx context.Context, fn func() error) error
}

type ConfigSource interface {
	Get(ctx context.Context) (*domain.CallingConfig, error)
}

type Deps struct {
	Self       domain.Device
	Loop       Loop
	Sched      core.Scheduler
	Engine     core.NegotiationEngine
	Media      core.MediaSource
	Sender     core.SignalSender
	Config     ConfigSource
	Sink       core.EventSink
	Env        core.Environment
	Directory  core.Directory
	Arbiter    core.Arbiter
	Registry   *app.Registry
	SetupDelay time.Duration
}

type outbound struct {
	conv    domain.ConversationID
	payload []byte
}

type Orchestrator struct {
	Deps

	ctx    context.Context
	outbox chan outbound

	// loop-owned
	arbitrating map[domain.ConversationID]bool
}

// New wires the orchestrator as the engine's handler. ctx bounds media and
// config acquisition started on behalf of a call.
func New(ctx context.Context, d Deps) *Orchestrator {
	if d.SetupDelay <= 0 {
		d.SetupDelay = DefaultSetupDelay
	}
	if d.Registry == nil {
		d.Registry = app.NewRegistry()
	}
	o := &Orchestrator{
		Deps:        d,
		ctx:         ctx,
		outbox:      make(chan outbound, outboxSize),
		arbitrating: make(map[domain.ConversationID]bool),
	}
	d.Engine.SetHandler(engineHandler{o: o})
	return o
}

// Run sends queued calling messages in order until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-o.outbox:
			o.send(ctx, m)
		}
	}
}

// Snapshot lists active calls; safe from any goroutine.
func (o *Orchestrator) Snapshot() []domain.CallSession {
	return o.Registry.Snapshot()
}

func (o *Orchestrator) send(ctx context.Context, m outbound) {
	if err := o.Sender.SendCallingMessage(ctx, m.conv, m.payload); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("conv", string(m.conv)).Msg("send calling message")
		o.Loop.Post(func() { o.Sink.Warning(m.conv, err) })
	}
}

func (o *Orchestrator) enqueue(conv domain.ConversationID, payload []byte) {
	select {
	case o.outbox <- outbound{conv: conv, payload: payload}:
	default:
		log.Warn().Str("module", "orch").Str("conv", string(conv)).Msg("outbound queue full, dropping message")
		o.Sink.Warning(conv, errOutboxFull)
	}
}

// finish ends a call: the session leaves the active set and a deactivation
// record goes to the sink.
func (o *Orchestrator) finish(conv domain.ConversationID, state domain.CallState, reason domain.TerminationReason) {
	s, ok := o.Registry.Remove(conv)
	if !ok {
		return
	}
	s.State = state
	if reason != domain.ReasonNone {
		s.Reason = reason
	}
	rec := s.Record(o.Sched.Now())
	o.Sink.CallDeactivated(rec)
	log.Info().
		Str("module", "orch").
		Str("conv", string(conv)).
		Str("state", state.String()).
		Str("reason", s.Reason.String()).
		Str("duration", rec.Duration).
		Msg("call ended")
}

func (o *Orchestrator) activate(s *domain.CallSession) bool {
	if !o.Registry.Put(*s) {
		log.Warn().Str("module", "orch").Str("conv", string(s.ConversationID)).Msg("call already active")
		return false
	}
	o.Sink.CallActivated(s.Record(o.Sched.Now()))
	return true
}
