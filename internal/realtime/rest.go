package realtime

import (
	"encoding/json"
	"errors"
	"net/http"

	"claude-relay/internal/chat"
	"claude-relay/internal/protocol"
)

type sendMessageRequest struct {
	Content     string            `json:"content"`
	Attachments []chat.Attachment `json:"attachments,omitempty"`
}

type approvalRequest struct {
	RequestID    string          `json:"requestId"`
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

type autoApproveRequest struct {
	Enabled bool `json:"enabled"`
}

// httpStatus maps registry errors to REST status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, chat.ErrNoSuchApproval):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrTurnInFlight), errors.Is(err, chat.ErrChatStopped), errors.Is(err, chat.ErrProcessGone):
		return http.StatusConflict
	case errors.Is(err, chat.ErrMaxChats):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(err))
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req protocol.ChatCreatePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.WorkDir == "" {
		http.Error(w, `{"error":"workDir is required"}`, http.StatusBadRequest)
		return
	}

	ch, err := s.createChat(req)
	if err != nil {
		writeJSONError(w, err)
		return
	}

	// Mirror the WS path so connected clients learn about REST-created chats.
	s.broadcastChatUpdate(ch.Info())
	s.subscribeAllClients(ch.ID())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(ch.Info())
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.mgr.List())
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	ch, err := s.mgr.Get(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ch.Info())
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Content == "" {
		http.Error(w, `{"error":"content is required"}`, http.StatusBadRequest)
		return
	}

	if err := s.mgr.SendMessage(id, req.Content, req.Attachments); err != nil {
		writeJSONError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"accepted"}`))
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.RequestID == "" {
		http.Error(w, `{"error":"requestId is required"}`, http.StatusBadRequest)
		return
	}
	if req.Behavior != protocol.BehaviorAllow && req.Behavior != protocol.BehaviorDeny {
		http.Error(w, `{"error":"behavior must be allow or deny"}`, http.StatusBadRequest)
		return
	}

	if err := s.mgr.RespondApproval(id, req.RequestID, req.Behavior, req.UpdatedInput, req.Message); err != nil {
		writeJSONError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"recorded"}`))
}

func (s *Server) handleAutoApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req autoApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	if err := s.mgr.SetAutoApprove(id, req.Enabled); err != nil {
		writeJSONError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"updated"}`))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	entries, err := s.readHistory(id)
	if err != nil {
		writeJSONError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.ChatHistoryPayload{ChatID: id, Entries: entries})
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.mgr.Stop(id); err != nil {
		writeJSONError(w, err)
		return
	}

	if s.tw != nil {
		s.tw.Unwatch(id)
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"stopped"}`))
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed := s.mgr.Cleanup()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"removed": removed})
}
