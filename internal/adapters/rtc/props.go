package rtc

import (
	"github.com/dkeye/Calling/internal/signaling"
	"github.com/pion/sdp/v3"
)

// propsFromSDP derives the send flags announced in a session description.
// It returns nil when raw does not parse.
func propsFromSDP(raw string) *signaling.Props {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return nil
	}
	var audio, video bool
	for _, md := range sd.MediaDescriptions {
		if !sending(md) {
			continue
		}
		switch md.MediaName.Media {
		case "audio":
			audio = true
		case "video":
			video = true
		}
	}
	return signaling.NewProps(audio, false, video)
}

func sending(md *sdp.MediaDescription) bool {
	if md.MediaName.Port.Value == 0 {
		return false
	}
	for _, a := range md.Attributes {
		switch a.Key {
		case sdp.AttrKeySendRecv, sdp.AttrKeySendOnly:
			return true
		case sdp.AttrKeyRecvOnly, sdp.AttrKeyInactive:
			return false
		}
	}
	return true
}
