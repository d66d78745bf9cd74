package domain

import "time"

type CallType int

const (
	CallAudio CallType = iota
	CallVideo
	CallForcedAudio
)

func (t CallType) String() string {
	switch t {
	case CallAudio:
		return "audio"
	case CallVideo:
		return "video"
	case CallForcedAudio:
		return "forced_audio"
	}
	return "unknown"
}

func ParseCallType(s string) (CallType, bool) {
	switch s {
	case "audio", "":
		return CallAudio, true
	case "video":
		return CallVideo, true
	case "forced_audio":
		return CallForcedAudio, true
	}
	return 0, false
}

// IsVideo reports whether the call sends video.
func (t CallType) IsVideo() bool { return t == CallVideo }

type CallState int

const (
	StateNone CallState = iota
	StateOutgoing
	StateIncoming
	StateAnswered
	StateMediaEstablished
	StateTermLocal
	StateTermRemote
	StateRejected
	StateOngoing
)

var callStateNames = map[CallState]string{
	StateNone:             "none",
	StateOutgoing:         "outgoing",
	StateIncoming:         "incoming",
	StateAnswered:         "answered",
	StateMediaEstablished: "media_established",
	StateTermLocal:        "term_local",
	StateTermRemote:       "term_remote",
	StateRejected:         "rejected",
	StateOngoing:          "ongoing",
}

func (s CallState) String() string {
	if n, ok := callStateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Terminal states end a CallSession instance.
func (s CallState) Terminal() bool {
	return s == StateNone || s == StateTermLocal || s == StateTermRemote
}

// Joined states hold the local media path or are about to.
func (s CallState) Joined() bool {
	return s == StateOutgoing || s == StateAnswered || s == StateMediaEstablished
}

var transitions = map[CallState][]CallState{
	StateNone:             {StateOutgoing, StateIncoming, StateOngoing},
	StateOngoing:          {StateAnswered, StateRejected, StateTermRemote, StateTermLocal},
	StateOutgoing:         {StateAnswered, StateTermLocal, StateTermRemote},
	StateIncoming:         {StateAnswered, StateRejected, StateTermRemote, StateTermLocal},
	StateRejected:         {StateAnswered, StateTermRemote, StateTermLocal},
	StateAnswered:         {StateMediaEstablished, StateTermLocal, StateTermRemote},
	StateMediaEstablished: {StateTermLocal, StateTermRemote},
}

// CanTransition reports whether the state machine allows from -> to.
// Any non-terminal state may reach None when the engine drops the call.
func CanTransition(from, to CallState) bool {
	if to == StateNone {
		return !from.Terminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type TerminationReason int

const (
	ReasonNone TerminationReason = iota
	ReasonNormal
	ReasonError
	ReasonTimeout
	ReasonLostMedia
	ReasonCanceled
	ReasonAnsweredElsewhere
	ReasonRejected
	ReasonStillOngoing
	ReasonMissed
)

var reasonNames = map[TerminationReason]string{
	ReasonNone:              "",
	ReasonNormal:            "normal",
	ReasonError:             "error",
	ReasonTimeout:           "timeout",
	ReasonLostMedia:         "lost_media",
	ReasonCanceled:          "canceled",
	ReasonAnsweredElsewhere: "answered_elsewhere",
	ReasonRejected:          "rejected",
	ReasonStillOngoing:      "still_ongoing",
	ReasonMissed:            "missed",
}

func (r TerminationReason) String() string { return reasonNames[r] }

// CallSession is the state record of one call, keyed by conversation.
type CallSession struct {
	ConversationID   ConversationID
	CallType         CallType
	ConversationType ConversationType
	State            CallState
	Outgoing         bool
	CBR              bool
	Muted            bool
	StartedAt        time.Time
	Reason           TerminationReason
}

func NewCallSession(conv *Conversation, callType CallType, state CallState) *CallSession {
	return &CallSession{
		ConversationID:   conv.ID,
		CallType:         callType,
		ConversationType: conv.Type,
		State:            state,
		Outgoing:         state == StateOutgoing,
	}
}

// CallRecord is the view of a call handed to the event sink.
type CallRecord struct {
	Conversation ConversationID `json:"conversation"`
	CallType     string         `json:"call_type"`
	State        string         `json:"state"`
	Reason       string         `json:"reason,omitempty"`
	Outgoing     bool           `json:"outgoing"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	Duration     string         `json:"duration,omitempty"`
	At           time.Time      `json:"at"`
}

// Record snapshots s at now. Duration is only set once media was established.
func (s *CallSession) Record(now time.Time) CallRecord {
	rec := CallRecord{
		Conversation: s.ConversationID,
		CallType:     s.CallType.String(),
		State:        s.State.String(),
		Reason:       s.Reason.String(),
		Outgoing:     s.Outgoing,
		At:           now,
	}
	if !s.StartedAt.IsZero() {
		started := s.StartedAt
		rec.StartedAt = &started
		rec.Duration = FormatSeconds(int64(now.Sub(started) / time.Second))
	}
	return rec
}
