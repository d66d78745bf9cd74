package app

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/Calling/internal/core"
	"github.com/dkeye/Calling/internal/domain"
	"github.com/rs/zerolog/log"
)

// Conflict policy names accepted by PolicyFromName.
const (
	PolicyAsk    = "ask"
	PolicyLeave  = "leave"
	PolicyIgnore = "ignore"
)

// SimplePolicy answers every call conflict the same way without asking.
type SimplePolicy struct {
	Leave bool
}

func (p SimplePolicy) Arbitrate(c core.Conflict, resolve func(core.Decision)) {
	d := core.DecisionIgnore
	if p.Leave {
		d = core.DecisionLeaveAndJoin
	}
	log.Info().
		Str("module", "app.policy").
		Str("active", string(c.Active.ConversationID)).
		Str("conv", string(c.Conversation)).
		Str("proposed", c.Proposed.String()).
		Str("decision", d.String()).
		Msg("call conflict")
	resolve(d)
}

// PendingArbiter parks conflicts until the user decides through Decide.
type PendingArbiter struct {
	mu      sync.Mutex
	pending map[domain.ConversationID]pendingConflict
}

type pendingConflict struct {
	conflict core.Conflict
	resolve  func(core.Decision)
}

func NewPendingArbiter() *PendingArbiter {
	return &PendingArbiter{pending: make(map[domain.ConversationID]pendingConflict)}
}

func (a *PendingArbiter) Arbitrate(c core.Conflict, resolve func(core.Decision)) {
	a.mu.Lock()
	prev, replaced := a.pending[c.Conversation]
	a.pending[c.Conversation] = pendingConflict{conflict: c, resolve: resolve}
	a.mu.Unlock()
	if replaced {
		prev.resolve(core.DecisionIgnore)
	}
	log.Info().
		Str("module", "app.policy").
		Str("active", string(c.Active.ConversationID)).
		Str("conv", string(c.Conversation)).
		Str("proposed", c.Proposed.String()).
		Msg("call conflict waiting for user")
}

// Pending lists undecided conflicts ordered by conversation.
func (a *PendingArbiter) Pending() []core.Conflict {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]core.Conflict, 0, len(a.pending))
	for _, p := range a.pending {
		out = append(out, p.conflict)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Conversation < out[j].Conversation })
	return out
}

// Decide resolves the conflict raised for conv.
func (a *PendingArbiter) Decide(conv domain.ConversationID, d core.Decision) error {
	a.mu.Lock()
	p, ok := a.pending[conv]
	delete(a.pending, conv)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending conflict for %s: %w", conv, domain.ErrNotFound)
	}
	log.Info().Str("module", "app.policy").Str("conv", string(conv)).Str("decision", d.String()).Msg("call conflict decided")
	p.resolve(d)
	return nil
}

// PolicyFromName maps the conflict_policy setting onto an arbiter. Unknown
// names fall back to asking the user.
func PolicyFromName(name string) core.Arbiter {
	switch name {
	case PolicyLeave:
		return SimplePolicy{Leave: true}
	case PolicyIgnore:
		return SimplePolicy{}
	default:
		return NewPendingArbiter()
	}
}
