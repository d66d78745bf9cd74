package rtc

import (
	"context"
	"sync/atomic"

	"github.com/dkeye/Calling/internal/core"
	"github.com/dkeye/Calling/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Stream is a set of local sample tracks handed to the engine. Feeding
// samples into the tracks is up to the capture layer.
type Stream struct {
	ID     string
	Audio  *webrtc.TrackLocalStaticSample
	Video  *webrtc.TrackLocalStaticSample
	closed atomic.Bool
}

func (s *Stream) HasVideo() bool { return s.Video != nil }

func (s *Stream) Close() { s.closed.Store(true) }

func (s *Stream) Closed() bool { return s.closed.Load() }

func (s *Stream) tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	if s.Video != nil {
		out = append(out, s.Video)
	}
	return out
}

// Source creates Opus audio and, for video calls, VP8 tracks.
type Source struct{}

func (Source) LocalStream(_ context.Context, _ domain.ConversationID, callType domain.CallType) (core.MediaStream, error) {
	id := "calling-" + uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", id)
	if err != nil {
		return nil, err
	}
	s := &Stream{ID: id, Audio: audio}
	if callType.IsVideo() {
		s.Video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", id)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}
