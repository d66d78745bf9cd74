package domain

type ConversationID string

type ConversationType int

const (
	ConversationOneToOne ConversationType = iota
	ConversationGroup
	ConversationConference
)

func (t ConversationType) String() string {
	switch t {
	case ConversationOneToOne:
		return "one_to_one"
	case ConversationGroup:
		return "group"
	case ConversationConference:
		return "conference"
	}
	return "unknown"
}

// ParseConversationType maps a config/wire name onto a ConversationType.
func ParseConversationType(s string) (ConversationType, bool) {
	switch s {
	case "one_to_one", "1:1", "":
		return ConversationOneToOne, true
	case "group":
		return ConversationGroup, true
	case "conference":
		return ConversationConference, true
	}
	return 0, false
}

// Conversation is the part of a conversation the calling core needs.
// Participants excludes the self user.
type Conversation struct {
	ID           ConversationID   `json:"id"`
	Type         ConversationType `json:"type"`
	Participants []UserID         `json:"participants"`
}

func (c *Conversation) IsGroup() bool {
	return c.Type != ConversationOneToOne
}
