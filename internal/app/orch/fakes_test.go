package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Calling/internal/app"
	"github.com/dkeye/Calling/internal/clock/clocktest"
	"github.com/dkeye/Calling/internal/core"
	"github.com/dkeye/Calling/internal/domain"
	"github.com/dkeye/Calling/internal/eventloop"
	"github.com/dkeye/Calling/internal/signaling"
	"github.com/stretchr/testify/require"
)

var self = domain.Device{User: "me", Client: "mine"}

type fakeEngine struct {
	mu       sync.Mutex
	handler  core.NegotiationHandler
	cfg      *domain.CallingConfig
	starts   []core.StartParams
	answers  []domain.ConversationID
	rejects  []domain.ConversationID
	ends     []domain.ConversationID
	mutes    map[domain.ConversationID]bool
	recv     []core.InboundMessage
	recvCode int
	startErr error
	onEnd    func(conv domain.ConversationID)
}

func (e *fakeEngine) SetHandler(h core.NegotiationHandler) { e.handler = h }

func (e *fakeEngine) UpdateConfig(cfg domain.CallingConfig) {
	e.mu.Lock()
	e.cfg = &cfg
	e.mu.Unlock()
}

func (e *fakeEngine) Start(p core.StartParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return e.startErr
	}
	e.starts = append(e.starts, p)
	return nil
}

func (e *fakeEngine) Answer(conv domain.ConversationID, _ domain.CallType, _ bool, _ core.MediaStream) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.answers = append(e.answers, conv)
	return nil
}

func (e *fakeEngine) Reject(conv domain.ConversationID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejects = append(e.rejects, conv)
	return nil
}

func (e *fakeEngine) End(conv domain.ConversationID) error {
	e.mu.Lock()
	e.ends = append(e.ends, conv)
	hook := e.onEnd
	e.mu.Unlock()
	if hook != nil {
		hook(conv)
	}
	return nil
}

func (e *fakeEngine) SetMute(conv domain.ConversationID, muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mutes == nil {
		e.mutes = map[domain.ConversationID]bool{}
	}
	e.mutes[conv] = muted
	return nil
}

func (e *fakeEngine) RecvMessage(msg core.InboundMessage) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recv = append(e.recv, msg)
	return e.recvCode
}

func (e *fakeEngine) Close() {}

func (e *fakeEngine) startCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.starts)
}

func (e *fakeEngine) answerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.answers)
}

func (e *fakeEngine) ended() []domain.ConversationID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.ConversationID(nil), e.ends...)
}

func (e *fakeEngine) received() []core.InboundMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.InboundMessage(nil), e.recv...)
}

type fakeStream struct {
	mu     sync.Mutex
	closed bool
}

func (s *fakeStream) HasVideo() bool { return false }

func (s *fakeStream) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

type fakeMedia struct {
	err error
}

func (m *fakeMedia) LocalStream(context.Context, domain.ConversationID, domain.CallType) (core.MediaStream, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &fakeStream{}, nil
}

type staticConfig struct{}

func (staticConfig) Get(context.Context) (*domain.CallingConfig, error) {
	return &domain.CallingConfig{ICEServers: []domain.ICEServer{{URLs: []string{"stun:stun.example"}}}, TTL: 100}, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *fakeSender) SendCallingMessage(_ context.Context, conv domain.ConversationID, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := signaling.Decode(payload)
	if err != nil {
		return err
	}
	s.sent = append(s.sent, fmt.Sprintf("%s:%s", conv, msg.Type))
	return nil
}

func (s *fakeSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// fakeSink keeps activations and deactivations in one ordered log.
type fakeSink struct {
	mu       sync.Mutex
	log      []string
	records  []domain.CallRecord
	warnings []error
}

func (s *fakeSink) Ingest(core.Envelope) {}

func (s *fakeSink) CallActivated(rec domain.CallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, "activated:"+string(rec.Conversation))
	s.records = append(s.records, rec)
}

func (s *fakeSink) CallDeactivated(rec domain.CallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, "deactivated:"+string(rec.Conversation))
	s.records = append(s.records, rec)
}

func (s *fakeSink) Warning(_ domain.ConversationID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, err)
}

func (s *fakeSink) CatchUp(context.Context) {}

func (s *fakeSink) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

func (s *fakeSink) last() domain.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[len(s.records)-1]
}

func (s *fakeSink) warningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.warnings)
}

type env bool

func (e env) SupportsCalling() bool { return bool(e) }

type directory map[domain.ConversationID]*domain.Conversation

func (d directory) Conversation(id domain.ConversationID) (*domain.Conversation, bool) {
	c, ok := d[id]
	return c, ok
}

type pendingConflict struct {
	conflict core.Conflict
	resolve  func(core.Decision)
}

// manualArbiter holds conflicts until the test decides.
type manualArbiter struct {
	mu        sync.Mutex
	conflicts []pendingConflict
}

func (a *manualArbiter) Arbitrate(c core.Conflict, resolve func(core.Decision)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conflicts = append(a.conflicts, pendingConflict{conflict: c, resolve: resolve})
}

func (a *manualArbiter) pending() []pendingConflict {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]pendingConflict(nil), a.conflicts...)
}

type harness struct {
	t       *testing.T
	loop    *eventloop.Loop
	runErr  chan error
	clk     *clocktest.Fake
	engine  *fakeEngine
	media   *fakeMedia
	sender  *fakeSender
	sink    *fakeSink
	arbiter *manualArbiter
	reg     *app.Registry
	o       *Orchestrator
}

func newHarness(t *testing.T, supported bool) *harness {
	t.Helper()
	arb := &manualArbiter{}
	h := newHarnessWith(t, supported, arb)
	h.arbiter = arb
	return h
}

// newHarnessWith wires arb as the conflict arbiter.
func newHarnessWith(t *testing.T, supported bool, arb core.Arbiter) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		t:       t,
		loop:    eventloop.New(64),
		runErr:  make(chan error, 1),
		clk:     clocktest.New(time.UnixMilli(1_700_000_000_500)),
		engine:  &fakeEngine{},
		media:   &fakeMedia{},
		sender:  &fakeSender{},
		sink:    &fakeSink{},
		reg:     app.NewRegistry(),
	}
	dir := directory{
		"one":   {ID: "one", Type: domain.ConversationOneToOne, Participants: []domain.UserID{"alice"}},
		"group": {ID: "group", Type: domain.ConversationGroup, Participants: []domain.UserID{"alice", "bob"}},
		"empty": {ID: "empty", Type: domain.ConversationGroup},
		"other": {ID: "other", Type: domain.ConversationOneToOne, Participants: []domain.UserID{"carol"}},
	}
	h.o = New(ctx, Deps{
		Self:      self,
		Loop:      h.loop,
		Sched:     h.clk,
		Engine:    h.engine,
		Media:     h.media,
		Sender:    h.sender,
		Config:    staticConfig{},
		Sink:      h.sink,
		Env:       env(supported),
		Directory: dir,
		Arbiter:   arb,
		Registry:  h.reg,
	})
	go func() { h.runErr <- h.loop.Run(ctx) }()
	go func() { _ = h.o.Run(ctx) }()
	return h
}

// do runs fn on the loop and waits for it.
func (h *harness) do(fn func()) {
	h.t.Helper()
	require.NoError(h.t, h.loop.Do(context.Background(), func() error {
		fn()
		return nil
	}))
}

func (h *harness) sync() { h.do(func() {}) }

func (h *harness) signal(conv domain.ConversationID, from domain.UserID, msg signaling.Message) {
	h.t.Helper()
	payload, err := msg.Encode()
	require.NoError(h.t, err)
	h.do(func() {
		h.o.HandleSignal(domain.InboundSignalEvent{
			Conversation: conv,
			From:         from,
			SenderClient: "theirs",
			Payload:      payload,
			ServerTime:   time.UnixMilli(1_700_000_000_999),
		})
	})
}

func (h *harness) state(conv domain.ConversationID) (domain.CallState, bool) {
	s, ok := h.reg.Get(conv)
	return s.State, ok
}

func (h *harness) waitState(conv domain.ConversationID, want domain.CallState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		st, ok := h.state(conv)
		return ok && st == want
	}, time.Second, time.Millisecond)
}

func (h *harness) waitStarts(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.engine.startCount() == n }, time.Second, time.Millisecond)
}

func (h *harness) waitConflicts(n int) []pendingConflict {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.arbiter.pending()) == n }, time.Second, time.Millisecond)
	return h.arbiter.pending()
}

func setup(video bool) signaling.Message {
	return signaling.Message{
		Type:   signaling.TypeSetup,
		SessID: "ab12",
		SDP:    "v=0",
		Props:  signaling.NewProps(true, false, video),
	}
}

var errBoom = errors.New("boom")
