package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vango-go/voicebridge/pkg/gateway/apierror"
	"github.com/vango-go/voicebridge/pkg/gateway/live/callstate"
	"github.com/vango-go/voicebridge/pkg/gateway/live/sessions"
	"github.com/vango-go/voicebridge/pkg/gateway/mw"
)

type CallLookup interface {
	Agent(callID string) (sessions.Agent, bool)
}

// CallStatusHandler serves GET /v1/calls/{callID} for calls bound on this
// instance.
type CallStatusHandler struct {
	Calls CallLookup
}

type callStatusResp struct {
	CallID  string                  `json:"call_id"`
	Status  string                  `json:"status"`
	Session *callstate.VoiceSession `json:"session,omitempty"`
}

func (h CallStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	callID := strings.TrimSpace(r.PathValue("callID"))
	if callID == "" {
		apierror.Write(w, http.StatusBadRequest, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "call id is required", Param: "callID", RequestID: reqID})
		return
	}
	agent, ok := h.Calls.Agent(callID)
	if !ok {
		apierror.Write(w, http.StatusNotFound, &apierror.Error{Type: apierror.ErrNotFound, Message: "call not found", RequestID: reqID})
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(callStatusResp{
		CallID:  callID,
		Status:  agent.Status().String(),
		Session: agent.Session(),
	})
}
