package api

import (
	"encoding/json"
	"net/http"
)

// systemNotificationRequest is the request body for POST /system/notifications.
type systemNotificationRequest struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Level   string `json:"level"`
}

// handleSystemNotification pushes an operator notice to every connected
// client through the hub. Admin only.
func (s *Server) handleSystemNotification(w http.ResponseWriter, r *http.Request) {
	var req systemNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Title == "" {
		writeValidationError(w, "title is required")
		return
	}
	level := req.Level
	if level == "" {
		level = "info"
	}

	recipients, err := s.hub.NotifyAll(req.Title, req.Message, level)
	if err != nil {
		s.logger.Error("broadcasting system notification failed", "error", err)
		writeInternalError(w, "broadcasting system notification failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"message":    "notification broadcast",
		"recipients": recipients,
	})
}
