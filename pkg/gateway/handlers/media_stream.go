package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/voicebridge/pkg/gateway/apierror"
	"github.com/vango-go/voicebridge/pkg/gateway/live/protocol"
	"github.com/vango-go/voicebridge/pkg/gateway/live/session"
	"github.com/vango-go/voicebridge/pkg/gateway/live/sessions"
	"github.com/vango-go/voicebridge/pkg/gateway/mw"
	"github.com/vango-go/voicebridge/pkg/gateway/ratelimit"
)

type MediaStreamConfig struct {
	// AuthToken is the Twilio account auth token. Empty disables signature
	// validation.
	AuthToken     string
	PublicBaseURL string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageBytes  int64
}

// MediaStreamHandler accepts Twilio Media Streams websockets on
// /v1/media-stream and runs one call agent per connection.
type MediaStreamHandler struct {
	Config  MediaStreamConfig
	Manager *sessions.Manager
	Limiter *ratelimit.Limiter
	Logger  *slog.Logger

	// Agent is the template for every call. Conn, Start and OnActivity are
	// filled in per connection.
	Agent session.Dependencies

	// OnLimited is called when the concurrent-call cap refuses a connection.
	OnLimited func(limit string)
}

func (h MediaStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID})
		return
	}
	if h.Manager.Draining() {
		apierror.Write(w, http.StatusServiceUnavailable, &apierror.Error{Type: apierror.ErrUnavailable, Message: "bridge is draining", Code: "draining", RequestID: reqID})
		return
	}
	dec := h.Limiter.AcquireCall()
	if !dec.Allowed {
		if h.OnLimited != nil {
			h.OnLimited("concurrency")
		}
		retry := dec.RetryAfter
		apierror.Write(w, http.StatusServiceUnavailable, &apierror.Error{Type: apierror.ErrOverloaded, Message: "too many active calls", Code: "overloaded", RequestID: reqID, RetryAfter: &retry})
		return
	}
	defer dec.Permit.Release()

	logger := h.logger().With("request_id", reqID)

	upgrader := websocket.Upgrader{
		// Telephony providers connect server to server without an Origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("media stream upgrade failed", "error", err)
		return
	}
	if h.Config.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxMessageBytes)
	}

	if h.Config.AuthToken != "" {
		signed := protocol.PublicURL(r, h.Config.PublicBaseURL)
		if !protocol.ValidSignature(h.Config.AuthToken, signed, r.Header.Get(protocol.SignatureHeader)) {
			logger.Warn("media stream rejected", "reason", "invalid signature", "remote", r.RemoteAddr)
			h.closeWith(conn, websocket.ClosePolicyViolation, "invalid signature")
			_ = conn.Close()
			return
		}
	}

	key := h.Manager.Accept(conn)
	heartbeat := h.Manager.Heartbeat(key)
	conn.SetPongHandler(func(string) error {
		heartbeat()
		return nil
	})
	logger = logger.With("conn_key", key)

	start, err := h.readStart(conn, heartbeat)
	if err != nil {
		logger.Warn("media stream handshake failed", "error", err)
		h.closeWith(conn, websocket.ClosePolicyViolation, closeText(err))
		h.Manager.Cleanup(key, sessions.ReasonError)
		return
	}

	deps := h.Agent
	deps.Conn = conn
	deps.Start = start
	deps.OnActivity = heartbeat
	if deps.Logger == nil {
		deps.Logger = h.logger()
	}
	agent, err := session.New(deps)
	if err != nil {
		logger.Error("call agent setup failed", "error", err)
		h.closeWith(conn, websocket.CloseInternalServerErr, "internal error")
		h.Manager.Cleanup(key, sessions.ReasonError)
		return
	}
	logger = logger.With("call_id", agent.CallID())

	if err := h.Manager.Bind(key, agent); err != nil {
		if errors.Is(err, sessions.ErrDuplicateCall) {
			logger.Warn("media stream rejected", "reason", "duplicate call")
			h.closeWith(conn, websocket.ClosePolicyViolation, "duplicate call")
		} else {
			logger.Error("bind call failed", "error", err)
			h.closeWith(conn, websocket.CloseInternalServerErr, "internal error")
		}
		agent.Cleanup(sessions.ReasonError)
		h.Manager.Cleanup(key, sessions.ReasonError)
		return
	}

	if err := agent.Connect(r.Context()); err != nil {
		logger.Warn("call setup failed", "error", err)
		h.closeWith(conn, websocket.CloseTryAgainLater, "try again later")
		h.Manager.Cleanup(key, sessions.ReasonError)
		return
	}

	reason := sessions.ReasonClosed
	if err := agent.Run(); err != nil {
		logger.Warn("call ended with error", "error", err)
		reason = sessions.ReasonError
	}
	h.Manager.Cleanup(key, reason)
}

// readStart reads until the start event, skipping the connected preamble.
func (h MediaStreamHandler) readStart(conn *websocket.Conn, heartbeat func()) (protocol.Start, error) {
	timeout := h.Config.HandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return protocol.Start{}, fmt.Errorf("read start: %w", err)
		}
		heartbeat()
		if messageType != websocket.TextMessage {
			return protocol.Start{}, &protocol.DecodeError{Code: "bad_request", Message: "expected a text frame"}
		}
		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			return protocol.Start{}, err
		}
		switch m := msg.(type) {
		case protocol.Connected:
			continue
		case protocol.Start:
			return m, nil
		default:
			return protocol.Start{}, &protocol.DecodeError{Code: "bad_request", Message: "expected start event", Param: "event"}
		}
	}
}

func (h MediaStreamHandler) closeWith(conn *websocket.Conn, code int, text string) {
	timeout := h.Config.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(timeout))
}

func (h MediaStreamHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// closeText keeps close reasons inside the 123-byte control frame limit.
func closeText(err error) string {
	var de *protocol.DecodeError
	text := "bad handshake"
	if errors.As(err, &de) {
		text = de.Error()
	}
	if len(text) > 120 {
		text = text[:120]
	}
	return text
}
