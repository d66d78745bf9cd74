package orch

import (
	"time"

	"github.com/dkeye/Calling/internal/core"
	"github.com/dkeye/Calling/internal/domain"
	"github.com/dkeye/Calling/internal/signaling"
	"github.com/rs/zerolog/log"
)

// HandleSignal consumes one inbound calling message. It must run on the
// event loop; the push router calls it from there.
func (o *Orchestrator) HandleSignal(ev domain.InboundSignalEvent) {
	if ev.RecipientClient != "" && ev.RecipientClient != o.Self.Client {
		log.Debug().Str("module", "orch").Str("conv", string(ev.Conversation)).Msg("signal for another client")
		return
	}
	if ev.From == o.Self.User && ev.SenderClient == o.Self.Client {
		return
	}
	conv, ok := o.Directory.Conversation(ev.Conversation)
	if !ok {
		log.Debug().Str("module", "orch").Str("conv", string(ev.Conversation)).Msg("signal for unknown conversation")
		return
	}
	msg, err := signaling.Decode(ev.Payload)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("conv", string(ev.Conversation)).Msg("dropping calling message")
		return
	}

	switch {
	case msg.Type == signaling.TypeSetup && !msg.Resp, msg.Type == signaling.TypeGroupStart:
		o.onSetup(conv, ev, msg)
	case msg.Type == signaling.TypeCancel:
		o.onCancel(conv.ID, ev)
	default:
		o.inject(ev)
	}
}

func (o *Orchestrator) onSetup(conv *domain.Conversation, ev domain.InboundSignalEvent, msg *signaling.Message) {
	if _, ok := o.Registry.Get(conv.ID); ok || o.arbitrating[conv.ID] {
		log.Debug().Str("module", "orch").Str("conv", string(conv.ID)).Str("sessid", msg.SessID).Msg("duplicate setup ignored")
		return
	}
	proposed := domain.StateIncoming
	if conv.IsGroup() {
		proposed = domain.StateOngoing
	}
	callType := domain.CallAudio
	if msg.Props.Video() {
		callType = domain.CallVideo
	}
	ring := func() {
		s := domain.NewCallSession(conv, callType, proposed)
		if !o.activate(s) {
			return
		}
		log.Info().Str("module", "orch").Str("conv", string(conv.ID)).Str("from", string(ev.From)).Str("state", proposed.String()).Msg("incoming call")
		o.inject(ev)
	}
	// A ringing 1:1 call does not touch the joined one; the conflict is
	// raised when the user answers it.
	if !conv.IsGroup() {
		ring()
		return
	}
	_ = o.arbitrate(conv.ID, proposed, ring)
}

func (o *Orchestrator) onCancel(conv domain.ConversationID, ev domain.InboundSignalEvent) {
	if _, ok := o.Registry.Get(conv); !ok {
		return
	}
	o.finish(conv, domain.StateTermRemote, domain.ReasonMissed)
	o.inject(ev)
}

// inject hands ev to the engine with second resolution timestamps.
func (o *Orchestrator) inject(ev domain.InboundSignalEvent) {
	now := o.Sched.Now()
	sent := ev.ServerTime
	if sent.IsZero() {
		sent = now
	}
	code := o.Engine.RecvMessage(core.InboundMessage{
		Payload:      ev.Payload,
		CurrTime:     signaling.UnixSeconds(now),
		MsgTime:      signaling.UnixSeconds(sent),
		Conversation: ev.Conversation,
		User:         ev.From,
		Client:       ev.SenderClient,
	})
	if code != 0 {
		log.Warn().Int("code", code).Str("module", "orch").Str("conv", string(ev.Conversation)).Msg("engine refused calling message")
	}
}

// applyState mirrors an engine state onto the session.
func (o *Orchestrator) applyState(conv domain.ConversationID, state domain.CallState) {
	s, ok := o.Registry.Get(conv)
	if !ok || s.State == state {
		return
	}
	if state.Terminal() {
		o.finish(conv, state, domain.ReasonNone)
		return
	}
	if !domain.CanTransition(s.State, state) {
		log.Warn().Str("module", "orch").Str("conv", string(conv)).Str("from", s.State.String()).Str("to", state.String()).Msg("ignoring transition")
		return
	}
	now := o.Sched.Now()
	o.Registry.Update(conv, func(s *domain.CallSession) {
		s.State = state
		if state == domain.StateMediaEstablished {
			s.StartedAt = now
		}
	})
	log.Info().Str("module", "orch").Str("conv", string(conv)).Str("state", state.String()).Msg("call state")
}

// queueSend delays messages carrying a session description by SetupDelay.
// A delayed message is dropped when its call ended meanwhile.
func (o *Orchestrator) queueSend(conv domain.ConversationID, payload []byte) {
	msg, err := signaling.Decode(payload)
	if err != nil || msg.SDP == "" {
		o.enqueue(conv, payload)
		return
	}
	o.Sched.AfterFunc(o.SetupDelay, func() {
		o.Loop.Post(func() {
			if _, ok := o.Registry.Get(conv); !ok {
				log.Debug().Str("module", "orch").Str("conv", string(conv)).Str("type", string(msg.Type)).Msg("call gone, dropping message")
				return
			}
			o.enqueue(conv, payload)
		})
	})
}

// engineHandler posts engine callbacks onto the loop; the engine never
// touches orchestrator state itself.
type engineHandler struct {
	o *Orchestrator
}

func (h engineHandler) OnReady(version int) {
	log.Info().Str("module", "orch").Int("version", version).Msg("negotiation engine ready")
}

func (h engineHandler) OnMessageToSend(conv domain.ConversationID, payload []byte) {
	h.o.Loop.Post(func() { h.o.queueSend(conv, payload) })
}

func (h engineHandler) OnIncoming(conv domain.ConversationID, at time.Time, user domain.UserID, video, shouldRing bool) {
	h.o.Loop.Post(func() {
		if video {
			h.o.Registry.Update(conv, func(s *domain.CallSession) {
				if !s.State.Joined() {
					s.CallType = domain.CallVideo
				}
			})
		}
		log.Info().
			Str("module", "orch").
			Str("conv", string(conv)).
			Str("from", string(user)).
			Time("at", at).
			Bool("video", video).
			Bool("ring", shouldRing).
			Msg("engine reports incoming call")
	})
}

func (h engineHandler) OnStateChange(conv domain.ConversationID, state domain.CallState) {
	h.o.Loop.Post(func() { h.o.applyState(conv, state) })
}

func (h engineHandler) OnClosed(conv domain.ConversationID, reason domain.TerminationReason, at time.Time, user domain.UserID) {
	h.o.Loop.Post(func() {
		state := domain.StateTermRemote
		if user == h.o.Self.User {
			state = domain.StateTermLocal
		}
		log.Debug().Str("module", "orch").Str("conv", string(conv)).Time("at", at).Msg("engine closed call")
		h.o.finish(conv, state, reason)
	})
}
