package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/Calling/internal/core"
	"github.com/dkeye/Calling/internal/domain"
	"github.com/dkeye/Calling/internal/push"
	"github.com/rs/zerolog/log"
)

// EventCallSignal is the push event type that carries calling messages.
const EventCallSignal = "call.signal"

var errMissingFields = errors.New("call signal without conversation or content")

// SignalHandler consumes calling messages on the event loop.
type SignalHandler interface {
	HandleSignal(ev domain.InboundSignalEvent)
}

type callSignalEvent struct {
	Type            string          `json:"type"`
	Conversation    string          `json:"conversation"`
	From            string          `json:"from"`
	SenderClient    string          `json:"sender_client"`
	RecipientClient string          `json:"recipient_client,omitempty"`
	Time            time.Time       `json:"time"`
	Content         json.RawMessage `json:"content"`
}

// Router fans push events out to the event sink and hands calling messages
// to the orchestrator. Deliver runs on the event loop.
type Router struct {
	ctx     context.Context
	calls   SignalHandler
	sink    core.EventSink
	catchUp func(func())
}

func NewRouter(ctx context.Context, calls SignalHandler, sink core.EventSink) *Router {
	return &Router{
		ctx:     ctx,
		calls:   calls,
		sink:    sink,
		catchUp: func(fn func()) { go fn() },
	}
}

func (r *Router) Deliver(env core.Envelope) {
	r.sink.Ingest(env)
	if env.Type != EventCallSignal {
		return
	}
	ev, err := decodeCallSignal(env.Raw)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.router").Msg("dropping malformed call signal")
		return
	}
	r.calls.HandleSignal(ev)
}

// OnStatus asks the sink to reconcile events missed while disconnected.
func (r *Router) OnStatus(ev push.StatusEvent) {
	if ev.Status != push.StatusReconnected {
		return
	}
	log.Info().Str("module", "app.router").Str("trigger", string(ev.Trigger)).Msg("reconnected, catching up")
	r.catchUp(func() { r.sink.CatchUp(r.ctx) })
}

func decodeCallSignal(raw []byte) (domain.InboundSignalEvent, error) {
	var e callSignalEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return domain.InboundSignalEvent{}, err
	}
	if e.Conversation == "" || len(e.Content) == 0 {
		return domain.InboundSignalEvent{}, errMissingFields
	}
	payload := []byte(e.Content)
	// content is usually the calling message as a JSON string
	var s string
	if err := json.Unmarshal(e.Content, &s); err == nil {
		payload = []byte(s)
	}
	return domain.InboundSignalEvent{
		Conversation:    domain.ConversationID(e.Conversation),
		From:            domain.UserID(e.From),
		SenderClient:    domain.ClientID(e.SenderClient),
		RecipientClient: domain.ClientID(e.RecipientClient),
		Payload:         payload,
		ServerTime:      e.Time,
	}, nil
}
