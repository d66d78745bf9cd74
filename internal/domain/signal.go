package domain

import "time"

// InboundSignalEvent is one calling message received over the push
// connection. It is consumed once by the orchestrator.
type InboundSignalEvent struct {
	Conversation    ConversationID
	From            UserID
	SenderClient    ClientID
	RecipientClient ClientID
	Payload         []byte
	ServerTime      time.Time
}
