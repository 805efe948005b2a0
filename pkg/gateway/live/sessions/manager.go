// Package sessions is the connection manager: a registry of live telephony
// connections keyed first by a provisional id and then by call id.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/voicebridge/pkg/gateway/live/callstate"
	"github.com/vango-go/voicebridge/pkg/gateway/live/session"
)

const (
	ReasonClosed   = "closed"
	ReasonError    = "error"
	ReasonStale    = "stale"
	ReasonShutdown = "shutdown"
)

var (
	ErrDuplicateCall     = errors.New("sessions: call already has an active connection")
	ErrUnknownConnection = errors.New("sessions: unknown connection")
	ErrAlreadyBound      = errors.New("sessions: connection already bound")
)

// Conn is the part of the telephony transport the manager touches.
type Conn interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type Agent interface {
	CallID() string
	Status() session.Status
	Session() *callstate.VoiceSession
	Cleanup(reason string)
}

type Observer interface {
	ConnectionAccepted()
	ConnectionClosed(reason string)
	DuplicateCallRejected()
}

type nopObserver struct{}

func (nopObserver) ConnectionAccepted()     {}
func (nopObserver) ConnectionClosed(string) {}
func (nopObserver) DuplicateCallRejected()  {}

type Options struct {
	// LivenessInterval is the sweep period. Connections silent for twice
	// this long are cleaned up as stale.
	LivenessInterval time.Duration
	WriteTimeout     time.Duration
	Logger           *slog.Logger
	Observer         Observer
	Now              func() time.Time
}

type Manager struct {
	interval     time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
	observer     Observer
	now          func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	calls   map[string]*entry

	wg       sync.WaitGroup
	draining atomic.Bool
}

type entry struct {
	key      string
	conn     Conn
	callID   string
	agent    Agent
	lastSeen atomic.Int64
	once     sync.Once
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		interval:     opts.LivenessInterval,
		writeTimeout: opts.WriteTimeout,
		logger:       opts.Logger,
		observer:     opts.Observer,
		now:          opts.Now,
		entries:      make(map[string]*entry),
		calls:        make(map[string]*entry),
	}
	if m.interval <= 0 {
		m.interval = 10 * time.Second
	}
	if m.writeTimeout <= 0 {
		m.writeTimeout = 5 * time.Second
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.observer == nil {
		m.observer = nopObserver{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Accept registers conn under a provisional key.
func (m *Manager) Accept(conn Conn) string {
	e := &entry{key: "conn_" + uuid.NewString(), conn: conn}
	e.lastSeen.Store(m.now().UnixNano())

	m.mu.Lock()
	m.entries[e.key] = e
	m.wg.Add(1)
	m.mu.Unlock()

	m.observer.ConnectionAccepted()
	return e.key
}

// Heartbeat returns a func that records liveness for key. It is cheap enough
// to call on every inbound frame.
func (m *Manager) Heartbeat(key string) func() {
	m.mu.Lock()
	e := m.entries[key]
	m.mu.Unlock()
	if e == nil {
		return func() {}
	}
	return func() { e.lastSeen.Store(m.now().UnixNano()) }
}

// Bind moves the provisional entry under the agent's call id. The first
// connection for a call id wins; later ones get ErrDuplicateCall.
func (m *Manager) Bind(key string, agent Agent) error {
	callID := agent.CallID()

	m.mu.Lock()
	e := m.entries[key]
	switch {
	case e == nil:
		m.mu.Unlock()
		return ErrUnknownConnection
	case e.agent != nil:
		m.mu.Unlock()
		return ErrAlreadyBound
	case m.calls[callID] != nil:
		m.mu.Unlock()
		m.observer.DuplicateCallRejected()
		return ErrDuplicateCall
	}
	e.callID = callID
	e.agent = agent
	m.calls[callID] = e
	m.mu.Unlock()
	return nil
}

// Cleanup terminates the bound agent, closes the transport and forgets key.
// Every path that ends a connection comes here; repeated calls are no-ops.
func (m *Manager) Cleanup(key, reason string) {
	m.mu.Lock()
	e := m.entries[key]
	m.mu.Unlock()
	if e == nil {
		return
	}

	e.once.Do(func() {
		m.mu.Lock()
		delete(m.entries, key)
		if e.callID != "" && m.calls[e.callID] == e {
			delete(m.calls, e.callID)
		}
		agent := e.agent
		m.mu.Unlock()

		// A running agent flushes queued audio and closes the transport
		// itself; anything else is closed here.
		relaying := false
		if agent != nil {
			agent.Cleanup(reason)
			st := agent.Status()
			relaying = st == session.StatusActive || st == session.StatusEnding
		}
		if !relaying || reason == ReasonStale {
			_ = e.conn.Close()
		}

		m.observer.ConnectionClosed(reason)
		attrs := []any{"conn_key", key, "reason", reason}
		if e.callID != "" {
			attrs = append(attrs, "call_id", e.callID)
		}
		m.logger.Info("connection cleaned up", attrs...)
		m.wg.Done()
	})
}

func (m *Manager) OnClose(key string, code int, text string) {
	m.logger.Debug("telephony closed", "conn_key", key, "code", code, "text", text)
	m.Cleanup(key, ReasonClosed)
}

func (m *Manager) OnError(key string, err error) {
	m.logger.Warn("telephony error", "conn_key", key, "error", err)
	m.Cleanup(key, ReasonError)
}

// Run sweeps for dead connections until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := m.now()
	staleBefore := now.Add(-2 * m.interval).UnixNano()

	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		if e.lastSeen.Load() < staleBefore {
			m.Cleanup(e.key, ReasonStale)
			continue
		}
		if err := e.conn.WriteControl(websocket.PingMessage, nil, now.Add(m.writeTimeout)); err != nil {
			m.OnError(e.key, err)
		}
	}
}

func (m *Manager) ActiveConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// StatusOf reports the state of the agent bound to callID.
func (m *Manager) StatusOf(callID string) (session.Status, bool) {
	agent, ok := m.Agent(callID)
	if !ok {
		return 0, false
	}
	return agent.Status(), true
}

func (m *Manager) Agent(callID string) (Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.calls[callID]
	if e == nil || e.agent == nil {
		return nil, false
	}
	return e.agent, true
}

// CancelAll cleans up every connection and returns how many there were.
func (m *Manager) CancelAll(reason string) int {
	m.mu.Lock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.Cleanup(key, reason)
	}
	return len(keys)
}

// Wait blocks until every accepted connection was cleaned up or ctx ends.
func (m *Manager) Wait(ctx context.Context) bool {
	if ctx == nil {
		m.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) SetDraining(v bool) { m.draining.Store(v) }

func (m *Manager) Draining() bool { return m.draining.Load() }
