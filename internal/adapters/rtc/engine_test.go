package rtc

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Calling/internal/core"
	"github.com/dkeye/Calling/internal/domain"
	"github.com/dkeye/Calling/internal/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closedCall struct {
	conv   domain.ConversationID
	reason domain.TerminationReason
	user   domain.UserID
}

type recordingHandler struct {
	mu       sync.Mutex
	ready    int
	outbox   chan []byte
	states   []domain.CallState
	incoming []domain.UserID
	closed   []closedCall
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{outbox: make(chan []byte, 16)}
}

func (h *recordingHandler) OnReady(int) {
	h.mu.Lock()
	h.ready++
	h.mu.Unlock()
}

func (h *recordingHandler) OnMessageToSend(_ domain.ConversationID, payload []byte) {
	h.outbox <- payload
}

func (h *recordingHandler) OnIncoming(_ domain.ConversationID, _ time.Time, user domain.UserID, _, _ bool) {
	h.mu.Lock()
	h.incoming = append(h.incoming, user)
	h.mu.Unlock()
}

func (h *recordingHandler) OnStateChange(_ domain.ConversationID, state domain.CallState) {
	h.mu.Lock()
	h.states = append(h.states, state)
	h.mu.Unlock()
}

func (h *recordingHandler) OnClosed(conv domain.ConversationID, reason domain.TerminationReason, _ time.Time, user domain.UserID) {
	h.mu.Lock()
	h.closed = append(h.closed, closedCall{conv: conv, reason: reason, user: user})
	h.mu.Unlock()
}

func (h *recordingHandler) seenStates() []domain.CallState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.CallState(nil), h.states...)
}

func (h *recordingHandler) next(t *testing.T) (*signaling.Message, []byte) {
	t.Helper()
	select {
	case payload := <-h.outbox:
		msg, err := signaling.Decode(payload)
		require.NoError(t, err)
		return msg, payload
	case <-time.After(10 * time.Second):
		t.Fatal("no calling message sent")
	}
	return nil, nil
}

func newTestEngine(t *testing.T, user domain.UserID) (*Engine, *recordingHandler) {
	t.Helper()
	e, err := NewEngine(Options{Self: domain.Device{User: user, Client: "c-" + domain.ClientID(user)}, IncludeLoopback: true})
	require.NoError(t, err)
	h := newRecordingHandler()
	e.SetHandler(h)
	t.Cleanup(e.Close)
	return e, h
}

func localStream(t *testing.T, callType domain.CallType) core.MediaStream {
	t.Helper()
	s, err := Source{}.LocalStream(context.Background(), "conv", callType)
	require.NoError(t, err)
	return s
}

func TestOfferAnswerHangup(t *testing.T) {
	alice, ah := newTestEngine(t, "alice")
	bob, bh := newTestEngine(t, "bob")
	assert.Equal(t, 1, ah.ready)

	require.NoError(t, alice.Start(core.StartParams{
		Conversation: "conv",
		CallType:     domain.CallVideo,
		Stream:       localStream(t, domain.CallVideo),
	}))
	offer, payload := ah.next(t)
	assert.Equal(t, signaling.TypeSetup, offer.Type)
	assert.False(t, offer.Resp)
	assert.Len(t, offer.SessID, 4)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, offer.SDP, "m=video")
	require.NotNil(t, offer.Props)
	assert.Equal(t, "true", offer.Props.VideoSend)

	code := bob.RecvMessage(core.InboundMessage{Payload: payload, Conversation: "conv", User: "alice"})
	require.Equal(t, CodeOK, code)
	assert.Equal(t, []domain.UserID{"alice"}, bh.incoming)
	assert.Equal(t, []domain.CallState{domain.StateIncoming}, bh.seenStates())
	assert.Equal(t, CodeBusy, bob.RecvMessage(core.InboundMessage{Payload: payload, Conversation: "conv", User: "alice"}))

	require.NoError(t, bob.Answer("conv", domain.CallAudio, false, localStream(t, domain.CallAudio)))
	answer, payload := bh.next(t)
	assert.Equal(t, signaling.TypeSetup, answer.Type)
	assert.True(t, answer.Resp)
	assert.Equal(t, offer.SessID, answer.SessID)

	require.Equal(t, CodeOK, alice.RecvMessage(core.InboundMessage{Payload: payload, Conversation: "conv", User: "bob"}))
	assert.Contains(t, ah.seenStates(), domain.StateAnswered)
	assert.Equal(t, CodeBusy, alice.RecvMessage(core.InboundMessage{Payload: payload, Conversation: "conv", User: "bob"}))

	require.NoError(t, alice.End("conv"))
	hangup, payload := ah.next(t)
	assert.Equal(t, signaling.TypeHangup, hangup.Type)
	require.Equal(t, CodeOK, bob.RecvMessage(core.InboundMessage{Payload: payload, Conversation: "conv", User: "alice"}))
	assert.Equal(t, []closedCall{{conv: "conv", reason: domain.ReasonNormal, user: "alice"}}, bh.closed)
	assert.Equal(t, CodeUnknownCall, bob.RecvMessage(core.InboundMessage{Payload: payload, Conversation: "conv", User: "alice"}))
}

func TestEndBeforeAnswerCancels(t *testing.T) {
	alice, ah := newTestEngine(t, "alice")
	require.NoError(t, alice.Start(core.StartParams{Conversation: "conv", Stream: localStream(t, domain.CallAudio)}))
	ah.next(t)

	require.NoError(t, alice.End("conv"))
	msg, _ := ah.next(t)
	assert.Equal(t, signaling.TypeCancel, msg.Type)
	require.Len(t, ah.closed, 1)
	assert.Equal(t, domain.UserID("alice"), ah.closed[0].user)
	assert.Error(t, alice.End("conv"))
}

func TestRejectKeepsOffer(t *testing.T) {
	alice, ah := newTestEngine(t, "alice")
	bob, bh := newTestEngine(t, "bob")
	require.NoError(t, alice.Start(core.StartParams{Conversation: "conv", Stream: localStream(t, domain.CallAudio)}))
	_, payload := ah.next(t)
	require.Equal(t, CodeOK, bob.RecvMessage(core.InboundMessage{Payload: payload, Conversation: "conv", User: "alice"}))

	require.NoError(t, bob.Reject("conv"))
	msg, _ := bh.next(t)
	assert.Equal(t, signaling.TypeReject, msg.Type)
	assert.Empty(t, bh.closed)

	// still joinable after rejecting
	require.NoError(t, bob.Answer("conv", domain.CallAudio, false, localStream(t, domain.CallAudio)))
	answer, _ := bh.next(t)
	assert.True(t, answer.Resp)
}

func TestSetMuteSendsPropSync(t *testing.T) {
	alice, ah := newTestEngine(t, "alice")
	require.NoError(t, alice.Start(core.StartParams{Conversation: "conv", Stream: localStream(t, domain.CallAudio)}))
	ah.next(t)

	require.NoError(t, alice.SetMute("conv", true))
	msg, _ := ah.next(t)
	assert.Equal(t, signaling.TypePropSync, msg.Type)
	assert.Equal(t, "false", msg.Props.AudioSend)

	require.NoError(t, alice.SetMute("conv", false))
	msg, _ = ah.next(t)
	assert.Equal(t, "true", msg.Props.AudioSend)
	assert.Error(t, alice.SetMute("other", true))
}

func TestRecvMessageCodes(t *testing.T) {
	e, _ := newTestEngine(t, "bob")
	assert.Equal(t, CodeMalformed, e.RecvMessage(core.InboundMessage{Payload: []byte("nope")}))

	hangup, err := signaling.Message{Type: signaling.TypeHangup, SessID: "ab12"}.Encode()
	require.NoError(t, err)
	assert.Equal(t, CodeUnknownCall, e.RecvMessage(core.InboundMessage{Payload: hangup, Conversation: "conv"}))

	empty, err := signaling.Message{Type: signaling.TypeSetup, SessID: "ab12"}.Encode()
	require.NoError(t, err)
	assert.Equal(t, CodeMalformed, e.RecvMessage(core.InboundMessage{Payload: empty, Conversation: "conv"}))

	check, err := signaling.Message{Type: signaling.TypeGroupCheck, SessID: "ab12"}.Encode()
	require.NoError(t, err)
	assert.Equal(t, CodeUnsupported, e.RecvMessage(core.InboundMessage{Payload: check, Conversation: "conv"}))

	assert.Error(t, e.Answer("conv", domain.CallAudio, false, nil))
}

const sampleSDP = "v=0\r\n" +
	"o=- 1 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=sendrecv\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=recvonly\r\n"

func TestPropsFromSDP(t *testing.T) {
	p := propsFromSDP(sampleSDP)
	require.NotNil(t, p)
	assert.Equal(t, "true", p.AudioSend)
	assert.Equal(t, "false", p.VideoSend)
	assert.Equal(t, "false", p.ScreenSend)

	p = propsFromSDP(strings.Replace(sampleSDP, "a=recvonly", "a=sendonly", 1))
	assert.True(t, p.Video())

	assert.Nil(t, propsFromSDP("garbage"))
}

func TestSourceTracks(t *testing.T) {
	s := localStream(t, domain.CallVideo).(*Stream)
	assert.True(t, s.HasVideo())
	assert.Len(t, s.tracks(), 2)
	s.Close()
	assert.True(t, s.Closed())

	a := localStream(t, domain.CallAudio).(*Stream)
	assert.False(t, a.HasVideo())
}
