package realtime

import "encoding/json"

// Client → server message types.
const (
	MsgAuthenticate  = "authenticate"
	MsgJoinProject   = "join_project"
	MsgLeaveProject  = "leave_project"
	MsgTaskUpdate    = "task_update"
	MsgProjectUpdate = "project_update"
	MsgTypingStart   = "typing_start"
	MsgTypingStop    = "typing_stop"
	MsgFileShared    = "file_shared"
	MsgSecurityAlert = "security_alert"
)

// Server → client message types. MsgFileShared and MsgSecurityAlert are
// reused for the broadcast form.
const (
	MsgAuthenticated       = "authenticated"
	MsgAuthenticationError = "authentication_error"
	MsgJoinedProject       = "joined_project"
	MsgLeftProject         = "left_project"
	MsgTaskUpdated         = "task_updated"
	MsgProjectUpdated      = "project_updated"
	MsgUserTyping          = "user_typing"
	MsgSystemNotification  = "system_notification"
	MsgError               = "error"
)

// Envelope is the wire frame for every message in both directions.
// The payload shape is determined by the type; unknown types are rejected
// at the boundary.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound payloads. Each message kind has explicit required fields.

// AuthenticatePayload carries the bearer token for binding a connection.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// RoomPayload addresses a single project room.
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// TaskUpdatePayload carries a field-level task update to fan out.
type TaskUpdatePayload struct {
	RoomID  string         `json:"roomId"`
	TaskID  string         `json:"taskId"`
	Updates map[string]any `json:"updates"`
}

// ProjectUpdatePayload carries a field-level project update to fan out.
type ProjectUpdatePayload struct {
	RoomID  string         `json:"roomId"`
	Updates map[string]any `json:"updates"`
}

// TypingPayload scopes a typing indicator to a task within a room.
type TypingPayload struct {
	RoomID string `json:"roomId"`
	TaskID string `json:"taskId"`
}

// FileSharedPayload is a metadata-only notice. File bytes never travel
// through this channel.
type FileSharedPayload struct {
	RoomID   string `json:"roomId"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
}

// SecurityAlertPayload reports an in-room security concern.
type SecurityAlertPayload struct {
	RoomID    string `json:"roomId"`
	AlertType string `json:"alertType"`
	Message   string `json:"message"`
}

// Outbound payloads. Broadcast events are tagged with the sender's identity
// and a server timestamp.

// AuthenticatedEvent confirms a successful bind.
type AuthenticatedEvent struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// RoomEvent confirms a join or leave to the requesting connection.
type RoomEvent struct {
	RoomID string `json:"roomId"`
}

// TaskUpdatedEvent is the broadcast form of a task update.
type TaskUpdatedEvent struct {
	TaskID    string         `json:"taskId"`
	Updates   map[string]any `json:"updates"`
	UpdatedBy string         `json:"updatedBy"`
	Timestamp string         `json:"timestamp"`
}

// ProjectUpdatedEvent is the broadcast form of a project update.
type ProjectUpdatedEvent struct {
	Updates   map[string]any `json:"updates"`
	UpdatedBy string         `json:"updatedBy"`
	Timestamp string         `json:"timestamp"`
}

// UserTypingEvent is the broadcast form of a typing indicator.
type UserTypingEvent struct {
	UserID   string `json:"userId"`
	TaskID   string `json:"taskId"`
	IsTyping bool   `json:"isTyping"`
}

// FileSharedEvent is the broadcast form of a file-shared notice.
type FileSharedEvent struct {
	FileName  string `json:"fileName"`
	FileSize  int64  `json:"fileSize"`
	SharedBy  string `json:"sharedBy"`
	Timestamp string `json:"timestamp"`
}

// SecurityAlertEvent is the broadcast form of a security alert.
type SecurityAlertEvent struct {
	AlertType  string `json:"alertType"`
	Message    string `json:"message"`
	ReportedBy string `json:"reportedBy"`
	Timestamp  string `json:"timestamp"`
}

// SystemNotificationEvent is an operator notice pushed to every connected
// client, bound or not.
type SystemNotificationEvent struct {
	Title     string `json:"title"`
	Message   string `json:"message"`
	Level     string `json:"level"`
	Timestamp string `json:"timestamp"`
}

// ErrorEvent carries an error message to the client.
type ErrorEvent struct {
	Message string `json:"message"`
}
