package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/dkeye/Calling/internal/core"
	"github.com/rs/zerolog/log"
)

var ErrStopped = errors.New("push: event loop stopped")

// timerSlot holds at most one outstanding timer. seq invalidates callbacks
// that were already queued on the loop when the timer was replaced.
type timerSlot struct {
	t   core.Timer
	seq uint64
}

// Manager owns the push connection. Every unexported method runs on the
// event loop; exported ones post onto it.
type Manager struct {
	opts   Options
	dialer core.Dialer
	creds  core.CredentialSource
	sched  core.Scheduler
	exec   core.Executor

	ctx context.Context

	statusMu sync.RWMutex
	onStatus []func(StatusEvent)

	snap atomic.Pointer[Snapshot]

	// loop-owned
	onEvent        func(core.Envelope)
	state          State
	sock           core.Socket
	gen            uint64
	pingPending    bool
	everOpened     bool
	attempts       int
	lastTrigger    Trigger
	pendingTrigger Trigger
	keepalive      timerSlot
	reconnectTimer timerSlot
	waiters        []chan struct{}
}

// New creates a Manager. ctx bounds every dial attempt.
func New(ctx context.Context, opts Options, dialer core.Dialer, creds core.CredentialSource, sched core.Scheduler, exec core.Executor) *Manager {
	opts.withDefaults()
	m := &Manager{
		opts:   opts,
		dialer: dialer,
		creds:  creds,
		sched:  sched,
		exec:   exec,
		ctx:    ctx,
	}
	m.publish()
	return m
}

// OnStatus registers a listener for connectivity changes. Listeners run on
// the event loop.
func (m *Manager) OnStatus(fn func(StatusEvent)) {
	m.statusMu.Lock()
	m.onStatus = append(m.onStatus, fn)
	m.statusMu.Unlock()
}

// Snapshot returns the last published connection state.
func (m *Manager) Snapshot() Snapshot {
	return *m.snap.Load()
}

// Connect sets the delivery callback and opens the socket unless one is
// already open or on its way. It returns once the socket is ready.
func (m *Manager) Connect(ctx context.Context, onEvent func(core.Envelope)) error {
	ready := make(chan struct{})
	posted := m.exec.Post(func() {
		m.onEvent = onEvent
		if m.state == StateOpen {
			close(ready)
			return
		}
		m.waiters = append(m.waiters, ready)
		if m.state == StateClosed && m.reconnectTimer.t == nil && m.pendingTrigger == "" {
			m.connect()
		}
	})
	if !posted {
		return ErrStopped
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingReconnect is called once the credential refresher renewed the token.
func (m *Manager) PendingReconnect() {
	m.exec.Post(m.pendingReconnect)
}

// Reset tears the connection down and optionally reconnects.
func (m *Manager) Reset(trigger Trigger, shouldReconnect bool) {
	m.exec.Post(func() { m.reset(trigger, shouldReconnect) })
}

// Disconnect closes the connection for good (logout).
func (m *Manager) Disconnect() {
	m.exec.Post(func() {
		m.pendingTrigger = ""
		m.reset(TriggerLogout, false)
	})
}

func (m *Manager) connect() {
	if _, ok := m.creds.AccessToken(); !ok {
		m.awaitCredentials(TriggerInit)
		return
	}
	m.open()
}

// open releases any existing handle and dials a fresh socket.
func (m *Manager) open() {
	token, ok := m.creds.AccessToken()
	if !ok {
		m.awaitCredentials(m.lastTrigger)
		return
	}
	m.release()
	m.state = StateConnecting
	m.publish()

	gen := m.gen
	url := Endpoint(m.opts.BaseURL, token, m.opts.ClientID)
	log.Info().Str("module", "push").Int("attempt", m.attempts).Msg("connecting")
	go func() {
		sock, err := m.dialer.Dial(m.ctx, url)
		if !m.exec.Post(func() { m.onDialed(gen, sock, err) }) && sock != nil {
			_ = sock.Close()
		}
	}()
}

func (m *Manager) onDialed(gen uint64, sock core.Socket, err error) {
	if gen != m.gen {
		if sock != nil {
			_ = sock.Close()
		}
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "push").Int("attempt", m.attempts).Msg("dial failed")
		m.reset(TriggerError, true)
		return
	}

	m.sock = sock
	m.state = StateOpen
	m.pingPending = false
	go m.readPump(gen, sock)
	m.armKeepalive()

	reconnected := m.everOpened && m.attempts > 0
	attempt := m.attempts
	m.attempts = 0
	m.everOpened = true
	m.publish()

	for _, w := range m.waiters {
		close(w)
	}
	m.waiters = nil

	if reconnected {
		log.Info().Str("module", "push").Str("trigger", string(m.lastTrigger)).Int("attempt", attempt).Msg("reconnected")
		m.notify(StatusEvent{Status: StatusReconnected, Trigger: m.lastTrigger, Attempt: attempt})
		return
	}
	log.Info().Str("module", "push").Msg("connected")
	m.notify(StatusEvent{Status: StatusOnline})
}

// readPump preserves arrival order: frames are posted one by one.
func (m *Manager) readPump(gen uint64, sock core.Socket) {
	for {
		frame, err := sock.ReadFrame()
		if err != nil {
			m.exec.Post(func() { m.onSocketDown(gen, err) })
			return
		}
		if !m.exec.Post(func() { m.deliverRaw(gen, frame) }) {
			return
		}
	}
}

func (m *Manager) onSocketDown(gen uint64, err error) {
	if gen != m.gen {
		return
	}
	trigger := TriggerError
	if errors.Is(err, core.ErrSocketClosed) {
		trigger = TriggerClose
	}
	log.Warn().Err(err).Str("module", "push").Str("trigger", string(trigger)).Msg("socket down")
	m.reset(trigger, true)
}

func (m *Manager) deliverRaw(gen uint64, frame core.Frame) {
	if gen != m.gen {
		return
	}
	if !utf8.Valid(frame) {
		log.Warn().Str("module", "push").Int("len", len(frame)).Msg("dropping non utf-8 frame")
		return
	}
	if string(frame) == pongFrame {
		m.pingPending = false
		log.Debug().Str("module", "push").Msg("pong")
		return
	}
	var env core.Envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Type == "" {
		log.Warn().Err(err).Str("module", "push").Msg("dropping malformed event")
		return
	}
	env.Raw = append([]byte(nil), frame...)
	if m.onEvent != nil {
		m.onEvent(env)
	}
}

// sendPing runs on each keepalive tick. A ping still pending from the
// previous tick means the connection is dead.
func (m *Manager) sendPing() {
	if m.state != StateOpen {
		m.reset(TriggerReadyState, true)
		return
	}
	if m.pingPending {
		m.reset(TriggerPingInterval, true)
		return
	}
	if err := m.sock.WriteFrame(core.Frame(pingFrame)); err != nil {
		log.Warn().Err(err).Str("module", "push").Msg("ping write failed")
		m.reset(TriggerError, true)
		return
	}
	m.pingPending = true
	log.Debug().Str("module", "push").Msg("ping")
	m.armKeepalive()
}

func (m *Manager) reset(trigger Trigger, shouldReconnect bool) {
	wasUp := m.state != StateClosed
	m.release()
	m.disarm(&m.keepalive)
	m.disarm(&m.reconnectTimer)
	m.pingPending = false
	m.lastTrigger = trigger
	m.publish()
	if wasUp {
		m.notify(StatusEvent{Status: StatusOffline, Trigger: trigger})
	}
	if shouldReconnect {
		m.reconnect(trigger)
	}
}

// release detaches and closes the current socket. Bumping gen first makes
// the close event of the old socket a no-op.
func (m *Manager) release() {
	m.gen++
	if m.sock != nil {
		_ = m.sock.Close()
		m.sock = nil
	}
	m.state = StateClosed
}

// reconnect retries at once on the first attempt and after the reconnect
// interval on every following one.
func (m *Manager) reconnect(trigger Trigger) {
	m.lastTrigger = trigger
	if _, ok := m.creds.AccessToken(); !ok {
		m.awaitCredentials(trigger)
		return
	}
	m.attempts++
	m.publish()
	m.notify(StatusEvent{Status: StatusReconnecting, Trigger: trigger, Attempt: m.attempts})
	if m.attempts == 1 {
		m.open()
		return
	}
	log.Info().Str("module", "push").Int("attempt", m.attempts).Dur("delay", m.opts.ReconnectInterval).Msg("reconnect scheduled")
	m.arm(&m.reconnectTimer, m.opts.ReconnectInterval, m.open)
}

func (m *Manager) awaitCredentials(trigger Trigger) {
	m.pendingTrigger = trigger
	m.publish()
	log.Info().Str("module", "push").Str("trigger", string(trigger)).Msg("access token missing, waiting for refresh")
	m.creds.RequestRefresh(string(trigger))
	m.arm(&m.reconnectTimer, m.opts.ReconnectInterval, m.retryCredentials)
}

// retryCredentials runs when no refresh arrived within the reconnect
// interval, which includes a refresh that failed.
func (m *Manager) retryCredentials() {
	if m.pendingTrigger == "" {
		return
	}
	if _, ok := m.creds.AccessToken(); ok {
		m.pendingReconnect()
		return
	}
	m.awaitCredentials(m.pendingTrigger)
}

func (m *Manager) pendingReconnect() {
	trigger := m.pendingTrigger
	if trigger == "" {
		return
	}
	m.pendingTrigger = ""
	m.disarm(&m.reconnectTimer)
	if trigger == TriggerInit {
		m.connect()
		return
	}
	m.reconnect(trigger)
}

func (m *Manager) armKeepalive() {
	m.arm(&m.keepalive, m.opts.KeepalivePeriod, m.sendPing)
}

func (m *Manager) arm(slot *timerSlot, d time.Duration, fn func()) {
	m.disarm(slot)
	seq := slot.seq
	slot.t = m.sched.AfterFunc(d, func() {
		m.exec.Post(func() {
			if slot.seq != seq {
				return
			}
			slot.t = nil
			fn()
		})
	})
}

func (m *Manager) disarm(slot *timerSlot) {
	if slot.t != nil {
		slot.t.Stop()
		slot.t = nil
	}
	slot.seq++
}

func (m *Manager) notify(ev StatusEvent) {
	m.statusMu.RLock()
	listeners := make([]func(StatusEvent), len(m.onStatus))
	copy(listeners, m.onStatus)
	m.statusMu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (m *Manager) publish() {
	m.snap.Store(&Snapshot{
		State:       m.state.String(),
		Attempts:    m.attempts,
		LastTrigger: m.lastTrigger,
		Pending:     m.pendingTrigger,
	})
}
