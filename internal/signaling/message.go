// Package signaling holds the calling wire format exchanged over the
// authenticated send path and received through the push transport.
package signaling

import (
	"encoding/json"
	"fmt"
)

const Version = "3.0"

type MessageType string

const (
	TypeSetup      MessageType = "SETUP"
	TypeCancel     MessageType = "CANCEL"
	TypeHangup     MessageType = "HANGUP"
	TypePropSync   MessageType = "PROPSYNC"
	TypeReject     MessageType = "REJECT"
	TypeUpdate     MessageType = "UPDATE"
	TypeGroupCheck MessageType = "GROUPCHECK"
	TypeGroupLeave MessageType = "GROUPLEAVE"
	TypeGroupSetup MessageType = "GROUPSETUP"
	TypeGroupStart MessageType = "GROUPSTART"
)

var knownTypes = map[MessageType]struct{}{
	TypeSetup: {}, TypeCancel: {}, TypeHangup: {}, TypePropSync: {}, TypeReject: {},
	TypeUpdate: {}, TypeGroupCheck: {}, TypeGroupLeave: {}, TypeGroupSetup: {}, TypeGroupStart: {},
}

// Props are sent as the strings "true"/"false" on the wire.
type Props struct {
	AudioSend  string `json:"audiosend,omitempty"`
	ScreenSend string `json:"screensend,omitempty"`
	VideoSend  string `json:"videosend,omitempty"`
}

func NewProps(audio, screen, video bool) *Props {
	return &Props{AudioSend: flag(audio), ScreenSend: flag(screen), VideoSend: flag(video)}
}

// Video reports whether the sender announced outgoing video.
func (p *Props) Video() bool {
	return p != nil && p.VideoSend == "true"
}

func flag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

type Message struct {
	Type    MessageType `json:"type"`
	Version string      `json:"version"`
	SessID  string      `json:"sessid"`
	SDP     string      `json:"sdp,omitempty"`
	Resp    bool        `json:"resp"`
	Props   *Props      `json:"props,omitempty"`
}

// Encode marshals m, filling in the protocol version.
func (m Message) Encode() ([]byte, error) {
	if m.Version == "" {
		m.Version = Version
	}
	return json.Marshal(m)
}

// Decode parses a calling message and rejects unknown types.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode calling message: %w", err)
	}
	if _, ok := knownTypes[m.Type]; !ok {
		return nil, fmt.Errorf("decode calling message: unknown type %q", m.Type)
	}
	return &m, nil
}

// IsGroup reports whether t belongs to the group call protocol.
func (t MessageType) IsGroup() bool {
	switch t {
	case TypeGroupCheck, TypeGroupLeave, TypeGroupSetup, TypeGroupStart:
		return true
	}
	return false
}
