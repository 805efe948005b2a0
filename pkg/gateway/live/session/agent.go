// Package session implements the call agent: the per-call bridge between a
// Twilio media stream and a realtime voice provider, together with the
// conversational bookkeeping done on every turn.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/voicebridge/pkg/core/voice/realtime"
	"github.com/vango-go/voicebridge/pkg/gateway/live/callstate"
	"github.com/vango-go/voicebridge/pkg/gateway/live/classify"
	"github.com/vango-go/voicebridge/pkg/gateway/live/flow"
	"github.com/vango-go/voicebridge/pkg/gateway/live/protocol"
	"github.com/vango-go/voicebridge/pkg/gateway/notify"
	"github.com/vango-go/voicebridge/pkg/gateway/tenants"
)

const outboundPriorityQueueSize = 8

const (
	EndReasonCallerHangup         = "caller_hangup"
	EndReasonTelephonyClosed      = "telephony_closed"
	EndReasonTelephonyWrite       = "telephony_write_failed"
	EndReasonProviderDisconnected = "provider_disconnected"
	EndReasonProviderUnavailable  = "provider_unavailable"
	EndReasonCanceled             = "canceled"
)

var (
	ErrInvalidTransition = errors.New("session: invalid state transition")

	errProviderClosed = errors.New("provider leg closed")
)

type Status int32

const (
	StatusConnecting Status = iota
	StatusActive
	StatusEnding
	StatusEnded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusActive:
		return "active"
	case StatusEnding:
		return "ending"
	case StatusEnded:
		return "ended"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is absorbing.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// TelephonyConn is the subset of *websocket.Conn the agent uses.
type TelephonyConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type Store interface {
	Get(ctx context.Context, callID string) (*callstate.VoiceSession, error)
	Update(ctx context.Context, callID string, u callstate.Update) (*callstate.VoiceSession, error)
	Delete(ctx context.Context, callID string) error
}

type Tenants interface {
	LookupByPhone(ctx context.Context, number string) (tenants.Business, error)
}

type Notifier interface {
	PublishCallCompleted(ctx context.Context, s notify.CallSummary) error
}

type Observer interface {
	CallStarted(provider string, connectLatency time.Duration)
	CallEnded(status, reason string, duration time.Duration)
	ProviderDialFailed(provider string)
	BargeIn()
	TurnRecorded(role string)
}

type nopObserver struct{}

func (nopObserver) CallStarted(string, time.Duration)       {}
func (nopObserver) CallEnded(string, string, time.Duration) {}
func (nopObserver) ProviderDialFailed(string)               {}
func (nopObserver) BargeIn()                                {}
func (nopObserver) TurnRecorded(string)                     {}

type Config struct {
	InboundQueueSize  int
	OutboundQueueSize int
	WriteTimeout      time.Duration
	ConnectTimeout    time.Duration
	StoreTimeout      time.Duration
	NotifyTimeout     time.Duration
	// DeleteOnEnd removes the session record once the final update is written.
	DeleteOnEnd bool
}

type Dependencies struct {
	Conn   TelephonyConn
	Start  protocol.Start
	Dialer realtime.Dialer
	Store  Store

	Classifier *classify.Classifier
	Flow       *flow.Engine
	Tenants    Tenants
	Notifier   Notifier
	Observer   Observer
	Logger     *slog.Logger

	// Provider holds the default model, voice and language. Tenant settings
	// override voice and language.
	Provider realtime.Options

	// OnActivity fires for every frame read from the telephony leg.
	OnActivity func()

	Config Config
	Now    func() time.Time
}

type CallAgent struct {
	conn       TelephonyConn
	start      protocol.Start
	callID     string
	streamID   string
	dialer     realtime.Dialer
	store      Store
	classifier *classify.Classifier
	flow       *flow.Engine
	tenants    Tenants
	notifier   Notifier
	observer   Observer
	logger     *slog.Logger
	provider   realtime.Options
	onTerminal func(string, Status)
	onActivity func()
	cfg        Config
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	status    atomic.Int32
	leg       realtime.Leg
	inbound   chan []byte
	readDone  chan error
	business  tenants.Business
	startedAt time.Time

	// generation advances on every barge-in; audio produced under an older
	// generation is never written.
	generation atomic.Uint64
	marks      atomic.Int64

	turns  *turnQueue
	turnMu sync.Mutex

	mu      sync.Mutex
	working *callstate.VoiceSession

	endMu     sync.Mutex
	endReason string
	endFailed bool

	terminalOnce sync.Once
}

func New(deps Dependencies) (*CallAgent, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Dialer == nil {
		return nil, fmt.Errorf("provider dialer is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	callID := strings.TrimSpace(deps.Start.Start.CallSID)
	if callID == "" {
		return nil, fmt.Errorf("call id is required")
	}
	if deps.Classifier == nil {
		deps.Classifier = classify.New()
	}
	if deps.Flow == nil {
		deps.Flow = flow.NewEngine(flow.LeadCapture)
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.InboundQueueSize <= 0 {
		deps.Config.InboundQueueSize = 64
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.WriteTimeout <= 0 {
		deps.Config.WriteTimeout = 5 * time.Second
	}
	if deps.Config.ConnectTimeout <= 0 {
		deps.Config.ConnectTimeout = 10 * time.Second
	}
	if deps.Config.StoreTimeout <= 0 {
		deps.Config.StoreTimeout = 3 * time.Second
	}
	if deps.Config.NotifyTimeout <= 0 {
		deps.Config.NotifyTimeout = 5 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &CallAgent{
		conn:       deps.Conn,
		start:      deps.Start,
		callID:     callID,
		streamID:   deps.Start.StreamID(),
		dialer:     deps.Dialer,
		store:      deps.Store,
		classifier: deps.Classifier,
		flow:       deps.Flow,
		tenants:    deps.Tenants,
		notifier:   deps.Notifier,
		observer:   deps.Observer,
		logger:     deps.Logger.With("call_id", callID),
		provider:   deps.Provider,
		onActivity: deps.OnActivity,
		cfg:        deps.Config,
		now:        deps.Now,
		ctx:        ctx,
		cancel:     cancel,
		turns:      newTurnQueue(),
		inbound:    make(chan []byte, deps.Config.InboundQueueSize),
		readDone:   make(chan error, 1),
	}
	a.status.Store(int32(StatusConnecting))
	return a, nil
}

func (a *CallAgent) CallID() string { return a.callID }

func (a *CallAgent) Status() Status { return Status(a.status.Load()) }

// Session returns a snapshot of the working copy, or nil before Connect.
func (a *CallAgent) Session() *callstate.VoiceSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.working.Clone()
}

// Cleanup asks the agent to terminate with reason. Only the first call's
// reason is kept; later calls are no-ops.
func (a *CallAgent) Cleanup(reason string) {
	a.end(reason, false)
}

func (a *CallAgent) end(reason string, failed bool) {
	a.endMu.Lock()
	if a.endReason == "" {
		a.endReason = reason
		a.endFailed = failed
	}
	a.endMu.Unlock()
	a.cancel()
}

func (a *CallAgent) endCause() (string, bool) {
	a.endMu.Lock()
	defer a.endMu.Unlock()
	if a.endReason == "" {
		return EndReasonCanceled, false
	}
	return a.endReason, a.endFailed
}

func (a *CallAgent) transition(from, to Status) bool {
	return a.status.CompareAndSwap(int32(from), int32(to))
}

// Connect opens the provider leg and creates the session record. The
// telephony leg is read from here on, so a caller hanging up mid-dial
// aborts the setup. On failure the agent is FAILED and no session exists.
func (a *CallAgent) Connect(ctx context.Context) error {
	if a.Status() != StatusConnecting {
		return fmt.Errorf("connect while %s: %w", a.Status(), ErrInvalidTransition)
	}
	begin := a.now()
	a.startedAt = begin

	go func() { a.readDone <- a.readTelephony() }()

	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()
	stop := context.AfterFunc(a.ctx, cancel)
	defer stop()

	a.business = a.resolveBusiness(dialCtx)
	opts := a.providerOptions()

	leg, err := a.dialer.Dial(dialCtx, opts)
	if err != nil {
		if a.ctx.Err() != nil {
			a.fail(EndReasonCanceled)
			return fmt.Errorf("dial %s: call ended during setup: %w", a.dialer.Name(), err)
		}
		a.observer.ProviderDialFailed(a.dialer.Name())
		a.fail(EndReasonProviderUnavailable)
		return fmt.Errorf("dial %s: %w", a.dialer.Name(), err)
	}
	if err := a.ctx.Err(); err != nil {
		_ = leg.Close()
		a.fail(EndReasonCanceled)
		return fmt.Errorf("call ended during setup: %w", err)
	}

	storeCtx, storeCancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	defer storeCancel()
	sess, err := a.store.Update(storeCtx, a.callID, callstate.Update{Metadata: &callstate.Metadata{
		BusinessID:     a.business.ID,
		CallerNumber:   a.start.From(),
		CalledNumber:   a.start.To(),
		ProviderCallID: a.callID,
		StreamID:       a.streamID,
		StartedAt:      begin,
		VoiceSettings: callstate.VoiceSettings{
			Provider: a.dialer.Name(),
			Voice:    opts.Voice,
			Language: opts.Language,
		},
	}})
	if err != nil {
		_ = leg.Close()
		a.fail(EndReasonProviderUnavailable)
		return fmt.Errorf("create session: %w", err)
	}
	if err := a.ctx.Err(); err != nil {
		_ = leg.Close()
		if derr := a.store.Delete(storeCtx, a.callID); derr != nil {
			a.logger.Warn("session delete failed", "error", derr)
		}
		a.fail(EndReasonCanceled)
		return fmt.Errorf("call ended during setup: %w", err)
	}

	a.mu.Lock()
	a.leg = leg
	a.working = sess.Clone()
	a.mu.Unlock()

	if !a.transition(StatusConnecting, StatusActive) {
		_ = leg.Close()
		return fmt.Errorf("activate while %s: %w", a.Status(), ErrInvalidTransition)
	}
	a.observer.CallStarted(a.dialer.Name(), a.now().Sub(begin))
	a.logger.Info("call connected", "provider", a.dialer.Name(), "business_id", a.business.ID, "stream_sid", a.streamID)
	return nil
}

// fail aborts setup. The reported reason is whichever ended the call first.
func (a *CallAgent) fail(reason string) {
	a.end(reason, true)
	reason, _ = a.endCause()
	if a.transition(StatusConnecting, StatusFailed) {
		a.logger.Warn("call setup failed", "reason", reason)
		a.observer.CallEnded(StatusFailed.String(), reason, 0)
		a.fireTerminal(StatusFailed)
	}
}

func (a *CallAgent) fireTerminal(status Status) {
	a.terminalOnce.Do(func() {
		if a.onTerminal != nil {
			a.onTerminal(a.callID, status)
		}
	})
}

func (a *CallAgent) resolveBusiness(ctx context.Context) tenants.Business {
	called := strings.TrimSpace(a.start.To())
	if a.tenants == nil || called == "" {
		return tenants.Business{}
	}
	b, err := a.tenants.LookupByPhone(ctx, called)
	if err != nil {
		if !errors.Is(err, tenants.ErrNotFound) {
			a.logger.Warn("tenant lookup failed", "called_number", called, "error", err)
		}
		return tenants.Business{}
	}
	return b
}

// Run relays audio between both legs until either ends, then writes the
// final session update. It returns a non-nil error only when the provider
// leg failed.
func (a *CallAgent) Run() error {
	if a.Status() != StatusActive {
		return fmt.Errorf("run while %s: %w", a.Status(), ErrInvalidTransition)
	}
	defer a.cancel()

	priority := make(chan outboundFrame, outboundPriorityQueueSize)
	normal := make(chan outboundFrame, a.cfg.OutboundQueueSize)
	writerDone := make(chan struct{})

	g, ctx := errgroup.WithContext(a.ctx)

	g.Go(func() error {
		select {
		case err := <-a.readDone:
			return err
		case <-ctx.Done():
			return nil
		}
	})
	g.Go(func() error { return a.relayInbound(ctx) })
	g.Go(func() error { return a.relayOutbound(ctx, priority, normal) })
	g.Go(func() error {
		defer close(writerDone)
		w := telephonyWriter{
			ws:           a.conn,
			ctx:          ctx,
			writeTimeout: a.cfg.WriteTimeout,
			priority:     priority,
			normal:       normal,
			isStale:      func(gen uint64) bool { return gen < a.generation.Load() },
		}
		if err := w.Run(); err != nil {
			a.end(EndReasonTelephonyWrite, false)
			return fmt.Errorf("write telephony: %w", err)
		}
		return nil
	})
	g.Go(func() error { return a.processTurns(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		a.cancel()
		if _, failed := a.endCause(); failed {
			a.transition(StatusActive, StatusFailed)
		} else {
			a.transition(StatusActive, StatusEnding)
		}
		_ = a.leg.Close()
		timer := time.NewTimer(a.cfg.WriteTimeout + 100*time.Millisecond)
		defer timer.Stop()
		select {
		case <-writerDone:
		case <-timer.C:
		}
		_ = a.conn.Close()
		return nil
	})

	err := g.Wait()

	// Transcripts that arrived while the legs were closing still belong in
	// the history.
	a.drainTurns()

	reason, failed := a.endCause()
	status := StatusFailed
	if !failed && a.transition(StatusEnding, StatusEnded) {
		status = StatusEnded
	}
	a.finish(status, reason)

	if failed {
		return err
	}
	if err != nil {
		a.logger.Debug("call relay stopped", "error", err)
	}
	return nil
}

// readTelephony runs from Connect until the telephony leg closes. Media that
// arrives before the provider leg is up is dropped once inbound is full, so
// a close is still seen while dialing.
func (a *CallAgent) readTelephony() error {
	for {
		messageType, data, err := a.conn.ReadMessage()
		if err != nil {
			if a.ctx.Err() != nil {
				return nil
			}
			a.end(EndReasonTelephonyClosed, false)
			return fmt.Errorf("read telephony: %w", err)
		}
		if a.onActivity != nil {
			a.onActivity()
		}
		if messageType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			a.logger.Debug("ignoring telephony frame", "error", err)
			continue
		}
		switch m := msg.(type) {
		case protocol.Media:
			audio, err := m.Audio()
			if err != nil {
				a.logger.Debug("ignoring media frame", "error", err)
				continue
			}
			if a.Status() == StatusConnecting {
				select {
				case a.inbound <- audio:
				default:
				}
				continue
			}
			select {
			case a.inbound <- audio:
			case <-a.ctx.Done():
				return nil
			}
		case protocol.Mark:
			a.logger.Debug("playback reached mark", "mark", m.Mark.Name)
		case protocol.DTMF:
			a.logger.Info("caller pressed key", "digit", m.DTMF.Digit)
		case protocol.Stop:
			a.end(EndReasonCallerHangup, false)
			return nil
		}
	}
}

// relayInbound forwards caller audio to the provider. A slow provider
// blocks here, which fills inbound and in turn pauses readTelephony.
func (a *CallAgent) relayInbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case audio := <-a.inbound:
			if err := a.leg.SendAudio(audio); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.end(EndReasonProviderDisconnected, true)
				return fmt.Errorf("%w: send audio: %w", errProviderClosed, err)
			}
		}
	}
}

func (a *CallAgent) relayOutbound(ctx context.Context, priority, normal chan<- outboundFrame) error {
	enqueue := func(ch chan<- outboundFrame, frame outboundFrame) bool {
		select {
		case ch <- frame:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		ev, err := a.leg.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.end(EndReasonProviderDisconnected, true)
			return fmt.Errorf("%w: %w", errProviderClosed, err)
		}

		switch ev.Kind {
		case realtime.EventAudio:
			if len(ev.Audio) == 0 {
				continue
			}
			frame, err := a.encode(protocol.NewOutboundMedia(a.streamID, ev.Audio))
			if err != nil {
				return err
			}
			frame.isAudio = true
			frame.generation = a.generation.Load()
			if !enqueue(normal, frame) {
				return nil
			}
		case realtime.EventInterrupted:
			a.generation.Add(1)
			a.observer.BargeIn()
			frame, err := a.encode(protocol.NewOutboundClear(a.streamID))
			if err != nil {
				return err
			}
			if !enqueue(priority, frame) {
				return nil
			}
		case realtime.EventTurnComplete:
			name := fmt.Sprintf("turn-%d", a.marks.Add(1))
			frame, err := a.encode(protocol.NewOutboundMark(a.streamID, name))
			if err != nil {
				return err
			}
			if !enqueue(normal, frame) {
				return nil
			}
		case realtime.EventUserTranscript:
			a.turns.push(pendingTurn{role: callstate.RoleUser, text: ev.Text})
		case realtime.EventAgentTranscript:
			a.turns.push(pendingTurn{role: callstate.RoleAgent, text: ev.Text})
		case realtime.EventError:
			a.logger.Warn("provider reported error", "error", ev.Text)
		}
	}
}

func (a *CallAgent) encode(v any) (outboundFrame, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return outboundFrame{}, fmt.Errorf("encode telephony frame: %w", err)
	}
	return outboundFrame{payload: payload}, nil
}

// finish writes the final session update and releases the call.
func (a *CallAgent) finish(status Status, reason string) {
	now := a.now()
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StoreTimeout)
	defer cancel()

	a.mu.Lock()
	fs := a.working.FlowState.Clone()
	a.mu.Unlock()

	outcome := flow.Outcome(fs)
	u := callstate.Update{Metadata: &callstate.Metadata{
		LastActivityAt: now,
		EndedAt:        now,
		EndReason:      reason,
		Outcome:        outcome,
	}}
	if fs.Active() {
		if fs.FlowData == nil {
			fs.FlowData = map[string]string{}
		}
		fs.FlowData["outcome"] = outcome
		fs.LastUpdatedAt = now
		u.FlowState = &fs
	}

	final, err := a.store.Update(ctx, a.callID, u)
	if err != nil {
		a.logger.Warn("final session update failed", "error", err)
		a.mu.Lock()
		callstate.Apply(a.working, u, now)
		final = a.working.Clone()
		a.mu.Unlock()
	} else {
		a.mu.Lock()
		a.working = final.Clone()
		a.mu.Unlock()
	}

	if a.cfg.DeleteOnEnd {
		if err := a.store.Delete(ctx, a.callID); err != nil {
			a.logger.Warn("session delete failed", "error", err)
		}
	}

	duration := now.Sub(a.startedAt)
	a.observer.CallEnded(status.String(), reason, duration)
	a.logger.Info("call ended", "status", status.String(), "reason", reason, "outcome", outcome, "duration", duration)
	a.fireTerminal(status)

	if a.notifier != nil {
		summary := notify.NewSummary(final, status.String())
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.NotifyTimeout)
			defer cancel()
			if err := a.notifier.PublishCallCompleted(ctx, summary); err != nil {
				a.logger.Warn("call completion notification dropped", "error", err)
			}
		}()
	}
}
