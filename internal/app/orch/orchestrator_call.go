package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/Calling/internal/core"
	"github.com/dkeye/Calling/internal/domain"
	"github.com/rs/zerolog/log"
)

// StartCall places an outgoing call, or answers when the conversation
// already rings. Errors are preconditions only; media and config failures
// later end the call and reach the sink as warnings.
func (o *Orchestrator) StartCall(ctx context.Context, conv domain.ConversationID, callType domain.CallType) error {
	return o.Loop.Do(ctx, func() error { return o.startCall(conv, callType) })
}

// Toggle leaves the joined call in conv or starts one.
func (o *Orchestrator) Toggle(ctx context.Context, conv domain.ConversationID, callType domain.CallType) error {
	return o.Loop.Do(ctx, func() error {
		if s, ok := o.Registry.Get(conv); ok && s.State.Joined() {
			return o.leave(conv)
		}
		return o.startCall(conv, callType)
	})
}

func (o *Orchestrator) Answer(ctx context.Context, conv domain.ConversationID, callType domain.CallType) error {
	return o.Loop.Do(ctx, func() error {
		c, ok := o.Directory.Conversation(conv)
		if !ok {
			return fmt.Errorf("answer %s: %w", conv, domain.ErrNotFound)
		}
		return o.answer(c, callType)
	})
}

func (o *Orchestrator) Reject(ctx context.Context, conv domain.ConversationID) error {
	return o.Loop.Do(ctx, func() error {
		s, ok := o.Registry.Get(conv)
		if !ok {
			return fmt.Errorf("reject %s: %w", conv, domain.ErrNotFound)
		}
		if !domain.CanTransition(s.State, domain.StateRejected) {
			return fmt.Errorf("reject %s: call is %s: %w", conv, s.State, domain.ErrNotSupported)
		}
		if err := o.Engine.Reject(conv); err != nil {
			return fmt.Errorf("reject %s: %w", conv, err)
		}
		o.Registry.Update(conv, func(s *domain.CallSession) { s.State = domain.StateRejected })
		log.Info().Str("module", "orch").Str("conv", string(conv)).Msg("call rejected")
		return nil
	})
}

func (o *Orchestrator) Leave(ctx context.Context, conv domain.ConversationID) error {
	return o.Loop.Do(ctx, func() error { return o.leave(conv) })
}

func (o *Orchestrator) SetMute(ctx context.Context, conv domain.ConversationID, muted bool) error {
	return o.Loop.Do(ctx, func() error {
		if _, ok := o.Registry.Get(conv); !ok {
			return fmt.Errorf("mute %s: %w", conv, domain.ErrNotFound)
		}
		if err := o.Engine.SetMute(conv, muted); err != nil {
			return fmt.Errorf("mute %s: %w", conv, err)
		}
		o.Registry.Update(conv, func(s *domain.CallSession) { s.Muted = muted })
		return nil
	})
}

// RemoveParticipant is not available for calls.
func (o *Orchestrator) RemoveParticipant(_ context.Context, conv domain.ConversationID, user domain.UserID) error {
	return fmt.Errorf("remove %s from call in %s: %w", user, conv, domain.ErrNotImplemented)
}

func (o *Orchestrator) startCall(id domain.ConversationID, callType domain.CallType) error {
	conv, ok := o.Directory.Conversation(id)
	if !ok {
		return fmt.Errorf("start call in %s: %w", id, domain.ErrNotFound)
	}
	if len(conv.Participants) == 0 {
		return fmt.Errorf("start call in %s: no participants: %w", id, domain.ErrNotSupported)
	}
	if !o.Env.SupportsCalling() {
		err := fmt.Errorf("start %s call: calling unavailable here: %w", callType, domain.ErrNotSupported)
		o.Sink.Warning(id, err)
		return err
	}
	if s, ok := o.Registry.Get(id); ok {
		if s.State.Joined() {
			return fmt.Errorf("start call in %s: already %s: %w", id, s.State, domain.ErrNotSupported)
		}
		return o.answer(conv, callType)
	}
	return o.arbitrate(id, domain.StateAnswered, func() { o.beginOutgoing(conv, callType) })
}

func (o *Orchestrator) beginOutgoing(conv *domain.Conversation, callType domain.CallType) {
	s := domain.NewCallSession(conv, callType, domain.StateOutgoing)
	if !o.activate(s) {
		return
	}
	log.Info().Str("module", "orch").Str("conv", string(conv.ID)).Str("type", callType.String()).Msg("outgoing call")
	go o.prepare(conv, callType, true)
}

func (o *Orchestrator) answer(conv *domain.Conversation, callType domain.CallType) error {
	s, ok := o.Registry.Get(conv.ID)
	if !ok {
		return fmt.Errorf("answer %s: %w", conv.ID, domain.ErrNotFound)
	}
	switch s.State {
	case domain.StateIncoming, domain.StateRejected, domain.StateOngoing:
	default:
		return fmt.Errorf("answer %s: call is %s: %w", conv.ID, s.State, domain.ErrNotSupported)
	}
	return o.arbitrate(conv.ID, s.State, func() {
		if _, ok := o.Registry.Update(conv.ID, func(s *domain.CallSession) { s.CallType = callType }); !ok {
			return
		}
		log.Info().Str("module", "orch").Str("conv", string(conv.ID)).Str("type", callType.String()).Msg("answering call")
		go o.prepare(conv, callType, false)
	})
}

func (o *Orchestrator) leave(conv domain.ConversationID) error {
	if _, ok := o.Registry.Get(conv); !ok {
		return fmt.Errorf("leave %s: %w", conv, domain.ErrNotFound)
	}
	if err := o.Engine.End(conv); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("conv", string(conv)).Msg("engine end")
	}
	o.finish(conv, domain.StateTermLocal, domain.ReasonNormal)
	return nil
}

// prepare acquires the local stream and a fresh calling config off the loop.
func (o *Orchestrator) prepare(conv *domain.Conversation, callType domain.CallType, outgoing bool) {
	stream, err := o.Media.LocalStream(o.ctx, conv.ID, callType)
	var cfg *domain.CallingConfig
	if err == nil {
		cfg, err = o.Config.Get(o.ctx)
		if err != nil {
			stream.Close()
			stream = nil
		}
	}
	if !o.Loop.Post(func() { o.launch(conv, callType, outgoing, stream, cfg, err) }) && stream != nil {
		stream.Close()
	}
}

func (o *Orchestrator) launch(conv *domain.Conversation, callType domain.CallType, outgoing bool, stream core.MediaStream, cfg *domain.CallingConfig, err error) {
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("conv", string(conv.ID)).Msg("call setup failed")
		o.Sink.Warning(conv.ID, err)
		o.finish(conv.ID, domain.StateTermLocal, domain.ReasonError)
		return
	}
	s, ok := o.Registry.Get(conv.ID)
	if !ok || s.State.Joined() != outgoing {
		// the call ended or changed hands while media was acquired
		log.Debug().Str("module", "orch").Str("conv", string(conv.ID)).Msg("call gone before media was ready")
		stream.Close()
		return
	}

	o.Engine.UpdateConfig(*cfg)
	if outgoing {
		err = o.Engine.Start(core.StartParams{
			Conversation:     conv.ID,
			CallType:         callType,
			ConversationType: conv.Type,
			CBR:              s.CBR,
			Stream:           stream,
		})
	} else {
		err = o.Engine.Answer(conv.ID, callType, s.CBR, stream)
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("conv", string(conv.ID)).Bool("outgoing", outgoing).Msg("engine refused call")
		o.Sink.Warning(conv.ID, err)
		o.finish(conv.ID, domain.StateTermLocal, domain.ReasonError)
		return
	}
	if !outgoing {
		o.applyState(conv.ID, domain.StateAnswered)
	}
}

// arbitrate runs proceed at once when no other call is joined. Otherwise
// the arbiter decides whether the joined call is left for the new one.
func (o *Orchestrator) arbitrate(conv domain.ConversationID, proposed domain.CallState, proceed func()) error {
	active, ok := o.Registry.Joined(conv)
	if !ok {
		proceed()
		return nil
	}
	switch proposed {
	case domain.StateIncoming, domain.StateRejected, domain.StateOngoing, domain.StateAnswered:
	default:
		err := fmt.Errorf("call conflict in %s proposing %s: %w", conv, proposed, domain.ErrWrongState)
		o.Loop.Fatal(err)
		return err
	}
	if o.arbitrating[conv] {
		log.Debug().Str("module", "orch").Str("conv", string(conv)).Msg("conflict already pending")
		return nil
	}
	o.arbitrating[conv] = true
	log.Info().
		Str("module", "orch").
		Str("conv", string(conv)).
		Str("active", string(active.ConversationID)).
		Str("proposed", proposed.String()).
		Msg("call conflict")

	resolved := false
	o.Arbiter.Arbitrate(core.Conflict{Active: active, Conversation: conv, Proposed: proposed}, func(d core.Decision) {
		o.Loop.Post(func() {
			if resolved {
				return
			}
			resolved = true
			o.resolve(conv, active.ConversationID, d, proceed)
		})
	})
	return nil
}

func (o *Orchestrator) resolve(conv, active domain.ConversationID, d core.Decision, proceed func()) {
	delete(o.arbitrating, conv)
	if d != core.DecisionLeaveAndJoin {
		log.Info().Str("module", "orch").Str("conv", string(conv)).Msg("new call ignored")
		return
	}
	if _, ok := o.Registry.Get(active); ok {
		if err := o.Engine.End(active); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("conv", string(active)).Msg("engine end")
		}
		o.finish(active, domain.StateTermLocal, domain.ReasonNormal)
	}
	proceed()
}
