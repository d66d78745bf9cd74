// Package sink records call activity: every entry is logged and the most
// recent ones are kept in memory for the control API.
package sink

import (
	"context"
	"time"

	"github.com/dkeye/Calling/internal/core"
	"github.com/dkeye/Calling/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultCapacity = 200

type Kind string

const (
	KindEvent       Kind = "event"
	KindActivated   Kind = "activated"
	KindDeactivated Kind = "deactivated"
	KindWarning     Kind = "warning"
	KindCatchUp     Kind = "catch_up"
)

type Entry struct {
	Kind         Kind                  `json:"kind"`
	At           time.Time             `json:"at"`
	Conversation domain.ConversationID `json:"conversation,omitempty"`
	EventType    string                `json:"event_type,omitempty"`
	Record       *domain.CallRecord    `json:"record,omitempty"`
	Error        string                `json:"error,omitempty"`
}

type Sink struct {
	sched   core.Scheduler
	entries *ring[Entry]
}

func New(sched core.Scheduler, capacity int) *Sink {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Sink{sched: sched, entries: newRing[Entry](capacity)}
}

func (s *Sink) Ingest(env core.Envelope) {
	log.Debug().Str("module", "sink").Str("type", env.Type).Int("size", len(env.Raw)).Msg("event")
	s.entries.push(Entry{Kind: KindEvent, At: s.sched.Now(), EventType: env.Type})
}

func (s *Sink) CallActivated(rec domain.CallRecord) {
	log.Info().
		Str("module", "sink").
		Str("conv", string(rec.Conversation)).
		Str("call_type", rec.CallType).
		Str("state", rec.State).
		Bool("outgoing", rec.Outgoing).
		Msg("call activated")
	s.entries.push(Entry{Kind: KindActivated, At: rec.At, Conversation: rec.Conversation, Record: &rec})
}

func (s *Sink) CallDeactivated(rec domain.CallRecord) {
	log.Info().
		Str("module", "sink").
		Str("conv", string(rec.Conversation)).
		Str("state", rec.State).
		Str("reason", rec.Reason).
		Str("duration", rec.Duration).
		Msg("call deactivated")
	s.entries.push(Entry{Kind: KindDeactivated, At: rec.At, Conversation: rec.Conversation, Record: &rec})
}

func (s *Sink) Warning(conv domain.ConversationID, err error) {
	log.Warn().Err(err).Str("module", "sink").Str("conv", string(conv)).Msg("call warning")
	s.entries.push(Entry{Kind: KindWarning, At: s.sched.Now(), Conversation: conv, Error: err.Error()})
}

// CatchUp records that events may have been missed while the push
// connection was down. The embedding client must then query the backend's
// notification stream for every event newer than the last id it applied,
// and replay the results in order before trusting live events again.
func (s *Sink) CatchUp(_ context.Context) {
	log.Info().Str("module", "sink").Msg("catching up on missed events")
	s.entries.push(Entry{Kind: KindCatchUp, At: s.sched.Now()})
}

// Entries returns the retained activity, oldest first.
func (s *Sink) Entries() []Entry {
	return s.entries.snapshot()
}
