// Package rtc implements the negotiation engine on pion/webrtc: one
// PeerConnection per conversation, session descriptions exchanged as whole
// SETUP messages once ICE gathering completed.
package rtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Calling/internal/core"
	"github.com/dkeye/Calling/internal/domain"
	"github.com/dkeye/Calling/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Result codes of RecvMessage.
const (
	CodeOK = iota
	CodeMalformed
	CodeUnknownCall
	CodeSessionMismatch
	CodeNegotiation
	CodeUnsupported
	CodeBusy
)

const protocolVersion = 3

var (
	errCallExists  = errors.New("call already exists")
	errUnknownCall = errors.New("unknown call")
	errNoOffer     = errors.New("no pending offer")
	errNoAudio     = errors.New("no local audio")
)

type Options struct {
	Self            domain.Device
	IncludeLoopback bool
	// DisconnectedTimeout overrides pion's ICE disconnected timeout.
	DisconnectedTimeout time.Duration
}

type Engine struct {
	self domain.Device
	api  *webrtc.API

	mu      sync.Mutex
	handler core.NegotiationHandler
	ice     []webrtc.ICEServer
	calls   map[domain.ConversationID]*call
}

type call struct {
	conv       domain.ConversationID
	sessID     string
	outgoing   bool
	group      bool
	video      bool
	remoteUser domain.UserID
	offer      string
	answered   bool

	pc     *webrtc.PeerConnection
	stream *Stream
	audio  *webrtc.RTPSender

	established sync.Once
	closeOnce   sync.Once
	done        chan struct{}
}

func NewEngine(opts Options) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	se := webrtc.SettingEngine{LoggerFactory: zerologFactory{}}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)
	if opts.DisconnectedTimeout > 0 {
		se.SetICETimeouts(opts.DisconnectedTimeout, 4*opts.DisconnectedTimeout, 2*time.Second)
	}
	return &Engine{
		self:  opts.Self,
		api:   webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)),
		calls: make(map[domain.ConversationID]*call),
	}, nil
}

func (e *Engine) SetHandler(h core.NegotiationHandler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
	if h != nil {
		h.OnReady(protocolVersion)
	}
}

func (e *Engine) UpdateConfig(cfg domain.CallingConfig) {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	e.mu.Lock()
	e.ice = servers
	e.mu.Unlock()
}

func (e *Engine) Start(p core.StartParams) error {
	c := &call{
		conv:     p.Conversation,
		sessID:   signaling.NewSessionID(),
		outgoing: true,
		group:    p.ConversationType != domain.ConversationOneToOne,
		video:    p.CallType.IsVideo(),
		stream:   asStream(p.Stream),
		done:     make(chan struct{}),
	}
	e.mu.Lock()
	if _, ok := e.calls[c.conv]; ok {
		e.mu.Unlock()
		return fmt.Errorf("start %s: %w", c.conv, errCallExists)
	}
	e.calls[c.conv] = c
	e.mu.Unlock()

	if err := e.negotiateOffer(c); err != nil {
		e.drop(c)
		return fmt.Errorf("start %s: %w", c.conv, err)
	}
	log.Info().Str("module", "rtc").Str("conv", string(c.conv)).Str("sessid", c.sessID).Msg("offer created")
	return nil
}

func (e *Engine) negotiateOffer(c *call) error {
	if err := e.newPeer(c); err != nil {
		return err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	go e.sendWhenGathered(c, gathered, signaling.TypeSetup, false)
	return nil
}

func (e *Engine) Answer(conv domain.ConversationID, callType domain.CallType, _ bool, stream core.MediaStream) error {
	e.mu.Lock()
	c, ok := e.calls[conv]
	if !ok || c.offer == "" || c.pc != nil {
		e.mu.Unlock()
		return fmt.Errorf("answer %s: %w", conv, errNoOffer)
	}
	c.stream = asStream(stream)
	c.video = callType.IsVideo()
	e.mu.Unlock()

	if err := e.negotiateAnswer(c, c.offer, signaling.TypeSetup); err != nil {
		e.drop(c)
		return fmt.Errorf("answer %s: %w", conv, err)
	}
	c.answered = true
	e.notifyState(conv, domain.StateAnswered)
	return nil
}

func (e *Engine) negotiateAnswer(c *call, offer string, typ signaling.MessageType) error {
	if c.pc == nil {
		if err := e.newPeer(c); err != nil {
			return err
		}
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	go e.sendWhenGathered(c, gathered, typ, true)
	return nil
}

// Reject declines an incoming call. The offer is kept so the call can
// still be joined until the caller gives up.
func (e *Engine) Reject(conv domain.ConversationID) error {
	c, ok := e.lookup(conv)
	if !ok {
		return fmt.Errorf("reject %s: %w", conv, errUnknownCall)
	}
	e.sendMessage(c, signaling.Message{Type: signaling.TypeReject, SessID: c.sessID})
	return nil
}

func (e *Engine) End(conv domain.ConversationID) error {
	c, ok := e.remove(conv)
	if !ok {
		return fmt.Errorf("end %s: %w", conv, errUnknownCall)
	}
	typ := signaling.TypeHangup
	switch {
	case c.outgoing && !c.answered:
		typ = signaling.TypeCancel
	case !c.outgoing && c.pc == nil:
		typ = signaling.TypeReject
	}
	e.sendMessage(c, signaling.Message{Type: typ, SessID: c.sessID})
	e.closeCall(c)
	e.notifyClosed(conv, domain.ReasonNormal, time.Now(), e.self.User)
	return nil
}

// SetMute detaches the local audio track from its sender and tells the
// peer through a PROPSYNC.
func (e *Engine) SetMute(conv domain.ConversationID, muted bool) error {
	c, ok := e.lookup(conv)
	if !ok {
		return fmt.Errorf("mute %s: %w", conv, errUnknownCall)
	}
	if c.audio == nil || c.stream == nil || c.stream.Audio == nil {
		return fmt.Errorf("mute %s: %w", conv, errNoAudio)
	}
	var track webrtc.TrackLocal
	if !muted {
		track = c.stream.Audio
	}
	if err := c.audio.ReplaceTrack(track); err != nil {
		return fmt.Errorf("mute %s: %w", conv, err)
	}
	e.sendMessage(c, signaling.Message{
		Type:   signaling.TypePropSync,
		SessID: c.sessID,
		Props:  signaling.NewProps(!muted, false, c.video),
	})
	return nil
}

func (e *Engine) RecvMessage(msg core.InboundMessage) int {
	m, err := signaling.Decode(msg.Payload)
	if err != nil {
		return CodeMalformed
	}
	at := time.Unix(msg.MsgTime, 0)
	switch m.Type {
	case signaling.TypeSetup, signaling.TypeGroupStart:
		if m.Resp {
			return e.onAnswer(msg.Conversation, m)
		}
		return e.onOffer(msg, m, at)
	case signaling.TypeUpdate:
		return e.onUpdate(msg.Conversation, m)
	case signaling.TypeHangup, signaling.TypeCancel, signaling.TypeReject, signaling.TypeGroupLeave:
		return e.onRemoteEnd(msg, m, at)
	case signaling.TypePropSync:
		c, ok := e.lookup(msg.Conversation)
		if !ok {
			return CodeUnknownCall
		}
		log.Debug().Str("module", "rtc").Str("conv", string(c.conv)).Bool("video", m.Props.Video()).Msg("remote props")
		return CodeOK
	}
	return CodeUnsupported
}

func (e *Engine) onOffer(msg core.InboundMessage, m *signaling.Message, at time.Time) int {
	if m.SDP == "" {
		return CodeMalformed
	}
	c := &call{
		conv:       msg.Conversation,
		sessID:     m.SessID,
		group:      m.Type == signaling.TypeGroupStart,
		video:      m.Props.Video() || propsFromSDP(m.SDP).Video(),
		remoteUser: msg.User,
		offer:      m.SDP,
		done:       make(chan struct{}),
	}
	e.mu.Lock()
	if _, ok := e.calls[c.conv]; ok {
		e.mu.Unlock()
		return CodeBusy
	}
	e.calls[c.conv] = c
	e.mu.Unlock()

	state := domain.StateIncoming
	if c.group {
		state = domain.StateOngoing
	}
	if h := e.h(); h != nil {
		h.OnIncoming(c.conv, at, c.remoteUser, c.video, !c.group)
	}
	e.notifyState(c.conv, state)
	return CodeOK
}

func (e *Engine) onAnswer(conv domain.ConversationID, m *signaling.Message) int {
	c, ok := e.lookup(conv)
	if !ok {
		return CodeUnknownCall
	}
	if c.sessID != m.SessID {
		return CodeSessionMismatch
	}
	if !c.outgoing || c.pc == nil || c.answered {
		return CodeBusy
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("conv", string(conv)).Msg("apply answer")
		return CodeNegotiation
	}
	c.answered = true
	e.notifyState(conv, domain.StateAnswered)
	return CodeOK
}

// onUpdate handles renegotiation of an established call.
func (e *Engine) onUpdate(conv domain.ConversationID, m *signaling.Message) int {
	c, ok := e.lookup(conv)
	if !ok || c.pc == nil {
		return CodeUnknownCall
	}
	if m.Resp {
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}); err != nil {
			return CodeNegotiation
		}
		return CodeOK
	}
	if err := e.negotiateAnswer(c, m.SDP, signaling.TypeUpdate); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("conv", string(conv)).Msg("renegotiate")
		return CodeNegotiation
	}
	return CodeOK
}

func (e *Engine) onRemoteEnd(msg core.InboundMessage, m *signaling.Message, at time.Time) int {
	c, ok := e.lookup(msg.Conversation)
	if !ok {
		return CodeUnknownCall
	}
	if m.SessID != "" && c.sessID != m.SessID {
		return CodeSessionMismatch
	}
	e.remove(msg.Conversation)
	e.closeCall(c)

	reason := domain.ReasonNormal
	switch m.Type {
	case signaling.TypeCancel:
		reason = domain.ReasonCanceled
	case signaling.TypeReject:
		reason = domain.ReasonRejected
	}
	e.notifyClosed(c.conv, reason, at, msg.User)
	return CodeOK
}

func (e *Engine) newPeer(c *call) error {
	e.mu.Lock()
	cfg := webrtc.Configuration{ICEServers: e.ice}
	e.mu.Unlock()

	pc, err := e.api.NewPeerConnection(cfg)
	if err != nil {
		return err
	}
	c.pc = pc
	if c.stream != nil {
		for _, track := range c.stream.tracks() {
			sender, err := pc.AddTrack(track)
			if err != nil {
				return err
			}
			if track.Kind() == webrtc.RTPCodecTypeAudio {
				c.audio = sender
			}
		}
	}
	if c.audio == nil {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return err
		}
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("conv", string(c.conv)).Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.established.Do(func() { e.notifyState(c.conv, domain.StateMediaEstablished) })
		case webrtc.PeerConnectionStateFailed:
			if e.drop(c) {
				e.notifyClosed(c.conv, domain.ReasonLostMedia, time.Now(), c.remoteUser)
			}
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("conv", string(c.conv)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
	})
	return nil
}

func (e *Engine) sendWhenGathered(c *call, gathered <-chan struct{}, typ signaling.MessageType, resp bool) {
	select {
	case <-gathered:
	case <-c.done:
		return
	}
	desc := c.pc.LocalDescription()
	if desc == nil {
		return
	}
	e.sendMessage(c, signaling.Message{
		Type:   typ,
		SessID: c.sessID,
		SDP:    desc.SDP,
		Resp:   resp,
		Props:  propsFromSDP(desc.SDP),
	})
}

func (e *Engine) sendMessage(c *call, m signaling.Message) {
	payload, err := m.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("conv", string(c.conv)).Msg("encode calling message")
		return
	}
	if h := e.h(); h != nil {
		h.OnMessageToSend(c.conv, payload)
	}
}

func (e *Engine) notifyState(conv domain.ConversationID, state domain.CallState) {
	if h := e.h(); h != nil {
		h.OnStateChange(conv, state)
	}
}

func (e *Engine) notifyClosed(conv domain.ConversationID, reason domain.TerminationReason, at time.Time, user domain.UserID) {
	if h := e.h(); h != nil {
		h.OnClosed(conv, reason, at, user)
	}
}

func (e *Engine) h() core.NegotiationHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler
}

func (e *Engine) lookup(conv domain.ConversationID) (*call, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[conv]
	return c, ok
}

func (e *Engine) remove(conv domain.ConversationID) (*call, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[conv]
	if ok {
		delete(e.calls, conv)
	}
	return c, ok
}

// drop removes c if it is still the current call of its conversation and
// closes it.
func (e *Engine) drop(c *call) bool {
	e.mu.Lock()
	cur, ok := e.calls[c.conv]
	if ok && cur == c {
		delete(e.calls, c.conv)
	}
	e.mu.Unlock()
	e.closeCall(c)
	return ok && cur == c
}

func (e *Engine) closeCall(c *call) {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.stream != nil {
			c.stream.Close()
		}
		if c.pc == nil {
			return
		}
		pc := c.pc
		go func() {
			if err := pc.Close(); err != nil {
				log.Warn().Err(err).Str("module", "rtc").Str("conv", string(c.conv)).Msg("close peer connection")
			}
		}()
	})
}

func (e *Engine) Close() {
	e.mu.Lock()
	calls := e.calls
	e.calls = make(map[domain.ConversationID]*call)
	e.mu.Unlock()
	for _, c := range calls {
		e.closeCall(c)
	}
}

func asStream(s core.MediaStream) *Stream {
	if st, ok := s.(*Stream); ok {
		return st
	}
	if s != nil {
		s.Close()
	}
	return nil
}
