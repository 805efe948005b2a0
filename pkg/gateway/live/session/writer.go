package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// outboundFrame is one encoded Twilio event. Assistant audio carries the
// barge-in generation it was produced in.
type outboundFrame struct {
	payload    []byte
	isAudio    bool
	generation uint64
}

// telephonyWriter is the only goroutine that writes data frames to the
// telephony leg. Priority frames (clear) always go out before queued audio.
type telephonyWriter struct {
	ws           wsWriter
	ctx          context.Context
	writeTimeout time.Duration
	priority     <-chan outboundFrame
	normal       <-chan outboundFrame
	isStale      func(generation uint64) bool
}

func (w *telephonyWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}
	writeTimeout := w.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	var done <-chan struct{}
	if w.ctx != nil {
		done = w.ctx.Done()
	}

	for {
		select {
		case <-done:
			w.flushOnShutdown(writeTimeout)
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			return nil
		default:
		}

		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		if w.priority == nil && w.normal == nil {
			return nil
		}

		select {
		case <-done:
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		}
	}
}

// flushOnShutdown writes whatever is still queued, bounded by one write
// timeout overall. Stale audio is skipped as usual.
func (w *telephonyWriter) flushOnShutdown(writeTimeout time.Duration) {
	deadline := time.Now().Add(writeTimeout)
	for _, ch := range []<-chan outboundFrame{w.priority, w.normal} {
		if ch == nil {
			continue
		}
	drain:
		for time.Now().Before(deadline) {
			select {
			case frame, ok := <-ch:
				if !ok {
					break drain
				}
				if err := w.writeFrame(frame, time.Until(deadline)); err != nil {
					return
				}
			default:
				break drain
			}
		}
	}
}

func (w *telephonyWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if frame.isAudio && w.isStale != nil && w.isStale(frame.generation) {
		return nil
	}
	if len(frame.payload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, frame.payload)
}
