package core

import (
	"context"

	"github.com/dkeye/Calling/internal/domain"
)

// SignalSender is the authenticated request channel for outbound calling
// messages. It is separate from the push socket.
type SignalSender interface {
	SendCallingMessage(ctx context.Context, conv domain.ConversationID, payload []byte) error
}

type ConfigFetcher interface {
	FetchCallingConfig(ctx context.Context, limit int) (*domain.CallingConfig, error)
}

// CredentialSource holds the access token used by the push endpoint.
type CredentialSource interface {
	// AccessToken returns the token and whether it is present and unexpired.
	AccessToken() (string, bool)
	// RequestRefresh starts a renewal; completion is signalled out of band.
	RequestRefresh(reason string)
}

// EventSink persists and displays call activity. It owns catch-up of
// events missed while the push connection was down.
type EventSink interface {
	Ingest(env Envelope)
	CallActivated(rec domain.CallRecord)
	CallDeactivated(rec domain.CallRecord)
	Warning(conv domain.ConversationID, err error)
	CatchUp(ctx context.Context)
}

type Environment interface {
	SupportsCalling() bool
}

type Directory interface {
	Conversation(id domain.ConversationID) (*domain.Conversation, bool)
}

type Decision int

const (
	DecisionIgnore Decision = iota
	DecisionLeaveAndJoin
)

func (d Decision) String() string {
	if d == DecisionLeaveAndJoin {
		return "leave_and_join"
	}
	return "ignore"
}

// Conflict describes a second call proposed while another one is joined.
type Conflict struct {
	Active       domain.CallSession
	Conversation domain.ConversationID
	Proposed     domain.CallState
}

// Arbiter asks the user how to resolve a Conflict. resolve may be called
// from any goroutine, at most once.
type Arbiter interface {
	Arbitrate(c Conflict, resolve func(Decision))
}
