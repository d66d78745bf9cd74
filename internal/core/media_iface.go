package core

import (
	"context"
	"time"

	"github.com/dkeye/Calling/internal/domain"
)

// MediaStream is a local capture handle owned by the engine once passed in.
type MediaStream interface {
	HasVideo() bool
	Close()
}

type MediaSource interface {
	LocalStream(ctx context.Context, conv domain.ConversationID, callType domain.CallType) (MediaStream, error)
}

type StartParams struct {
	Conversation     domain.ConversationID
	CallType         domain.CallType
	ConversationType domain.ConversationType
	CBR              bool
	Stream           MediaStream
}

// InboundMessage is a calling message handed to the engine. Times are in
// whole seconds.
type InboundMessage struct {
	Payload      []byte
	CurrTime     int64
	MsgTime      int64
	Conversation domain.ConversationID
	User         domain.UserID
	Client       domain.ClientID
}

// NegotiationEngine produces and consumes session descriptions for calls.
// It reports every change back through its NegotiationHandler and never
// touches orchestrator state directly.
type NegotiationEngine interface {
	SetHandler(h NegotiationHandler)
	UpdateConfig(cfg domain.CallingConfig)
	Start(p StartParams) error
	Answer(conv domain.ConversationID, callType domain.CallType, cbr bool, stream MediaStream) error
	Reject(conv domain.ConversationID) error
	End(conv domain.ConversationID) error
	SetMute(conv domain.ConversationID, muted bool) error
	// RecvMessage injects an inbound calling message; non-zero means it was refused.
	RecvMessage(msg InboundMessage) int
	Close()
}

type NegotiationHandler interface {
	OnReady(version int)
	OnMessageToSend(conv domain.ConversationID, payload []byte)
	OnIncoming(conv domain.ConversationID, at time.Time, user domain.UserID, video, shouldRing bool)
	OnStateChange(conv domain.ConversationID, state domain.CallState)
	// OnClosed reports the end of a call; user is whoever ended it.
	OnClosed(conv domain.ConversationID, reason domain.TerminationReason, at time.Time, user domain.UserID)
}
