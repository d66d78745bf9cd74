package app

import (
	"sort"
	"sync"

	"github.com/dkeye/Calling/internal/domain"
	"github.com/rs/zerolog/log"
)

// Registry is the active-call set. Only the event loop mutates it; the lock
// exists for snapshot readers on other goroutines.
type Registry struct {
	mu    sync.RWMutex
	calls map[domain.ConversationID]*domain.CallSession
}

func NewRegistry() *Registry {
	return &Registry{calls: make(map[domain.ConversationID]*domain.CallSession)}
}

// Put stores a copy of s. It refuses to replace a live session.
func (r *Registry) Put(s domain.CallSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.calls[s.ConversationID]; ok && !cur.State.Terminal() {
		return false
	}
	r.calls[s.ConversationID] = &s
	log.Info().Str("module", "app.registry").Str("conv", string(s.ConversationID)).Str("state", s.State.String()).Msg("call added")
	return true
}

func (r *Registry) Get(conv domain.ConversationID) (domain.CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.calls[conv]; ok {
		return *s, true
	}
	return domain.CallSession{}, false
}

// Update applies fn to the stored session and returns the result.
func (r *Registry) Update(conv domain.ConversationID, fn func(s *domain.CallSession)) (domain.CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.calls[conv]
	if !ok {
		return domain.CallSession{}, false
	}
	fn(s)
	return *s, true
}

func (r *Registry) Remove(conv domain.ConversationID) (domain.CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.calls[conv]
	if !ok {
		return domain.CallSession{}, false
	}
	delete(r.calls, conv)
	log.Info().Str("module", "app.registry").Str("conv", string(conv)).Str("state", s.State.String()).Msg("call removed")
	return *s, true
}

// Joined returns a call other than except in which the self client holds
// or is acquiring the media path.
func (r *Registry) Joined(except domain.ConversationID) (domain.CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, s := range r.calls {
		if id != except && s.State.Joined() {
			return *s, true
		}
	}
	return domain.CallSession{}, false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Snapshot returns all calls ordered by conversation id.
func (r *Registry) Snapshot() []domain.CallSession {
	r.mu.RLock()
	out := make([]domain.CallSession, 0, len(r.calls))
	for _, s := range r.calls {
		out = append(out, *s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}
