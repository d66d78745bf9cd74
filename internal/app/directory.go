package app

import (
	"sort"
	"sync"

	"github.com/dkeye/Calling/internal/domain"
)

// Directory holds the conversations the client knows about.
type Directory struct {
	mu    sync.RWMutex
	convs map[domain.ConversationID]domain.Conversation
}

func NewDirectory(convs ...domain.Conversation) *Directory {
	d := &Directory{convs: make(map[domain.ConversationID]domain.Conversation, len(convs))}
	for _, c := range convs {
		d.convs[c.ID] = c
	}
	return d
}

// Conversation returns a copy so callers cannot mutate the directory.
func (d *Directory) Conversation(id domain.ConversationID) (*domain.Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.convs[id]
	if !ok {
		return nil, false
	}
	c.Participants = append([]domain.UserID(nil), c.Participants...)
	return &c, true
}

func (d *Directory) Put(c domain.Conversation) {
	d.mu.Lock()
	d.convs[c.ID] = c
	d.mu.Unlock()
}

func (d *Directory) List() []domain.Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.Conversation, 0, len(d.convs))
	for _, c := range d.convs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Env reports whether this client may place calls at all.
type Env struct {
	Supported bool
}

func (e Env) SupportsCalling() bool { return e.Supported }
