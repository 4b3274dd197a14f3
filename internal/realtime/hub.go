package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/crewdeck/crewdeck-core/internal/auth"
	"github.com/crewdeck/crewdeck-core/internal/infrastructure/config"
	"github.com/crewdeck/crewdeck-core/internal/infrastructure/logging"
	"github.com/crewdeck/crewdeck-core/internal/security"
)

// Verifier validates bearer tokens. Satisfied by *auth.Service.
type Verifier interface {
	Verify(token string) (*auth.Claims, error)
}

// EventRecorder appends events to the security trail. Satisfied by
// *security.Recorder. May be nil to disable recording.
type EventRecorder interface {
	Record(ctx context.Context, event security.Event)
}

// Identity is the verified principal bound to a connection.
type Identity struct {
	UserID string
	Email  string
	Role   auth.Role
}

// Hub owns the connection registry and the room membership index.
//
// The registries are never exposed; all access goes through Hub operations.
// Multiple connections may bind to the same identity concurrently
// (multi-device) — no exclusivity is taken on the identity.
type Hub struct {
	cfg      config.WebSocketConfig
	verifier Verifier
	recorder EventRecorder
	logger   *logging.Logger

	// mu guards clients and rooms. Mutations are linearisable; fan-out
	// snapshots membership under a read lock.
	mu      sync.RWMutex
	clients map[*Conn]struct{}
	rooms   map[string]map[*Conn]struct{}

	// broadcastMu serialises fan-outs so every member of a room observes
	// events in the order the server processed them.
	broadcastMu sync.Mutex

	now func() time.Time
}

// NewHub creates the collaboration hub.
func NewHub(cfg config.WebSocketConfig, verifier Verifier, recorder EventRecorder, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		verifier: verifier,
		recorder: recorder,
		logger:   logger.With("component", "realtime"),
		clients:  make(map[*Conn]struct{}),
		rooms:    make(map[string]map[*Conn]struct{}),
		now:      time.Now,
	}
}

// Run blocks until the context is cancelled, then disconnects all clients.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a connection to the registry.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("connection registered", "connection_id", c.id, "clients", h.ClientCount())
}

// Unregister tears down a connection: it is removed from every room it was
// a member of, empty rooms are deleted, and the send channel is closed
// exactly once. Safe to call more than once; a second teardown is a no-op.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	for roomID, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()

	if existed {
		close(c.send)
		h.logger.Debug("connection unregistered", "connection_id", c.id, "clients", h.ClientCount())
	}
}

// Bind verifies a token and attaches the resulting identity to the
// connection. Verification is the same full signature-and-expiry check the
// HTTP layer uses; client-supplied identity fields are never trusted.
// A failed bind leaves the connection unbound and records a token_rejected
// event.
func (h *Hub) Bind(ctx context.Context, c *Conn, token string) (*Identity, error) {
	claims, err := h.verifier.Verify(token)
	if err != nil {
		h.record(ctx, security.Event{
			Type:     security.EventTokenRejected,
			Severity: security.SeverityMedium,
			Metadata: map[string]any{"connection_id": c.id, "reason": err.Error()},
		})
		return nil, err
	}

	identity := &Identity{
		UserID: claims.Subject,
		Email:  claims.Email,
		Role:   claims.Role,
	}
	c.setIdentity(identity)

	h.logger.Info("connection authenticated", "connection_id", c.id, "user_id", identity.UserID)
	return identity, nil
}

// Join adds a connection to a room, creating the room on first join.
// Fails with ErrUnauthenticated for an unbound connection.
func (h *Hub) Join(c *Conn, roomID string) error {
	if c.Identity() == nil {
		return ErrUnauthenticated
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		// Torn down concurrently; membership would outlive the connection.
		return ErrUnauthenticated
	}

	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[roomID] = members
	}
	members[c] = struct{}{}

	h.logger.Debug("joined room", "connection_id", c.id, "room_id", roomID, "members", len(members))
	return nil
}

// Leave removes a connection from a room. A room with no members left is
// deleted from the index. Leaving a room the connection is not in is a no-op.
func (h *Hub) Leave(c *Conn, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

// Publish fans an event out to every other current member of the room.
// The sender never receives its own publication. Fails with
// ErrUnauthenticated for an unbound connection and ErrNotInRoom when the
// sender is not a current member.
func (h *Hub) Publish(sender *Conn, roomID, msgType string, payload any) error {
	if sender.Identity() == nil {
		return ErrUnauthenticated
	}

	// Serialise fan-outs: members of a room see events in dispatch order.
	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()

	h.mu.RLock()
	members, ok := h.rooms[roomID]
	if !ok {
		h.mu.RUnlock()
		return ErrNotInRoom
	}
	if _, isMember := members[sender]; !isMember {
		h.mu.RUnlock()
		return ErrNotInRoom
	}
	recipients := make([]*Conn, 0, len(members))
	for member := range members {
		if member != sender {
			recipients = append(recipients, member)
		}
	}
	h.mu.RUnlock()

	data, err := marshalEnvelope(msgType, payload)
	if err != nil {
		return fmt.Errorf("marshalling broadcast: %w", err)
	}

	for _, recipient := range recipients {
		recipient.trySend(data)
	}

	h.logger.Debug("event published",
		"room_id", roomID, "type", msgType,
		"sender", sender.id, "recipients", len(recipients))
	return nil
}

// Dispatch routes one inbound frame through the tagged event union.
// The returned error classifies the failure for the caller; reply and
// broadcast frames are delivered through the connections' send channels.
func (h *Hub) Dispatch(ctx context.Context, c *Conn, data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: malformed frame", ErrInvalidPayload)
	}

	switch env.Type {
	case MsgAuthenticate:
		return h.handleAuthenticate(ctx, c, env.Payload)
	case MsgJoinProject:
		return h.handleJoin(c, env.Payload)
	case MsgLeaveProject:
		return h.handleLeave(c, env.Payload)
	case MsgTaskUpdate:
		return h.handleTaskUpdate(c, env.Payload)
	case MsgProjectUpdate:
		return h.handleProjectUpdate(c, env.Payload)
	case MsgTypingStart, MsgTypingStop:
		return h.handleTyping(c, env.Type, env.Payload)
	case MsgFileShared:
		return h.handleFileShared(c, env.Payload)
	case MsgSecurityAlert:
		return h.handleSecurityAlert(ctx, c, env.Payload)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

func (h *Hub) handleAuthenticate(ctx context.Context, c *Conn, payload json.RawMessage) error {
	var p AuthenticatePayload
	if err := unmarshalPayload(payload, &p); err != nil {
		return err
	}
	if p.Token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidPayload)
	}

	identity, err := h.Bind(ctx, c, p.Token)
	if err != nil {
		return err
	}

	c.sendEvent(MsgAuthenticated, AuthenticatedEvent{
		UserID: identity.UserID,
		Email:  identity.Email,
		Role:   string(identity.Role),
	})
	return nil
}

func (h *Hub) handleJoin(c *Conn, payload json.RawMessage) error {
	roomID, err := roomFromPayload(payload)
	if err != nil {
		return err
	}
	if err := h.Join(c, roomID); err != nil {
		return err
	}
	c.sendEvent(MsgJoinedProject, RoomEvent{RoomID: roomID})
	return nil
}

func (h *Hub) handleLeave(c *Conn, payload json.RawMessage) error {
	roomID, err := roomFromPayload(payload)
	if err != nil {
		return err
	}
	h.Leave(c, roomID)
	c.sendEvent(MsgLeftProject, RoomEvent{RoomID: roomID})
	return nil
}

func (h *Hub) handleTaskUpdate(c *Conn, payload json.RawMessage) error {
	var p TaskUpdatePayload
	if err := unmarshalPayload(payload, &p); err != nil {
		return err
	}
	if p.RoomID == "" || p.TaskID == "" {
		return fmt.Errorf("%w: roomId and taskId are required", ErrInvalidPayload)
	}

	return h.Publish(c, p.RoomID, MsgTaskUpdated, TaskUpdatedEvent{
		TaskID:    p.TaskID,
		Updates:   p.Updates,
		UpdatedBy: c.userID(),
		Timestamp: h.timestamp(),
	})
}

func (h *Hub) handleProjectUpdate(c *Conn, payload json.RawMessage) error {
	var p ProjectUpdatePayload
	if err := unmarshalPayload(payload, &p); err != nil {
		return err
	}
	if p.RoomID == "" {
		return fmt.Errorf("%w: roomId is required", ErrInvalidPayload)
	}

	return h.Publish(c, p.RoomID, MsgProjectUpdated, ProjectUpdatedEvent{
		Updates:   p.Updates,
		UpdatedBy: c.userID(),
		Timestamp: h.timestamp(),
	})
}

func (h *Hub) handleTyping(c *Conn, msgType string, payload json.RawMessage) error {
	var p TypingPayload
	if err := unmarshalPayload(payload, &p); err != nil {
		return err
	}
	if p.RoomID == "" || p.TaskID == "" {
		return fmt.Errorf("%w: roomId and taskId are required", ErrInvalidPayload)
	}

	return h.Publish(c, p.RoomID, MsgUserTyping, UserTypingEvent{
		UserID:   c.userID(),
		TaskID:   p.TaskID,
		IsTyping: msgType == MsgTypingStart,
	})
}

func (h *Hub) handleFileShared(c *Conn, payload json.RawMessage) error {
	var p FileSharedPayload
	if err := unmarshalPayload(payload, &p); err != nil {
		return err
	}
	if p.RoomID == "" || p.FileName == "" {
		return fmt.Errorf("%w: roomId and fileName are required", ErrInvalidPayload)
	}

	return h.Publish(c, p.RoomID, MsgFileShared, FileSharedEvent{
		FileName:  p.FileName,
		FileSize:  p.FileSize,
		SharedBy:  c.userID(),
		Timestamp: h.timestamp(),
	})
}

func (h *Hub) handleSecurityAlert(ctx context.Context, c *Conn, payload json.RawMessage) error {
	var p SecurityAlertPayload
	if err := unmarshalPayload(payload, &p); err != nil {
		return err
	}
	if p.RoomID == "" || p.AlertType == "" {
		return fmt.Errorf("%w: roomId and alertType are required", ErrInvalidPayload)
	}

	if err := h.Publish(c, p.RoomID, MsgSecurityAlert, SecurityAlertEvent{
		AlertType:  p.AlertType,
		Message:    p.Message,
		ReportedBy: c.userID(),
		Timestamp:  h.timestamp(),
	}); err != nil {
		return err
	}

	h.record(ctx, security.Event{
		Type:      security.EventSecurityAlert,
		Severity:  security.SeverityMedium,
		SubjectID: c.userID(),
		ProjectID: p.RoomID,
		Metadata:  map[string]any{"alert_type": p.AlertType, "message": p.Message},
	})
	return nil
}

// NotifyAll pushes a system notification to every connected client,
// regardless of identity or room membership. Returns the number of clients
// the frame was queued for.
func (h *Hub) NotifyAll(title, message, level string) (int, error) {
	// Serialised with room fan-outs so a notice cannot interleave inside a
	// room's event order.
	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()

	h.mu.RLock()
	recipients := make([]*Conn, 0, len(h.clients))
	for c := range h.clients {
		recipients = append(recipients, c)
	}
	h.mu.RUnlock()

	data, err := marshalEnvelope(MsgSystemNotification, SystemNotificationEvent{
		Title:     title,
		Message:   message,
		Level:     level,
		Timestamp: h.timestamp(),
	})
	if err != nil {
		return 0, fmt.Errorf("marshalling notification: %w", err)
	}

	for _, recipient := range recipients {
		recipient.trySend(data)
	}

	h.logger.Info("system notification broadcast", "recipients", len(recipients), "level", level)
	return len(recipients), nil
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomCount returns the number of active rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Online returns the distinct identities currently bound to at least one
// open connection, with their connection counts. The registry is the source
// of truth for who is online.
func (h *Hub) Online() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	online := make(map[string]int)
	for c := range h.clients {
		if identity := c.Identity(); identity != nil {
			online[identity.UserID]++
		}
	}
	return online
}

// RoomMembers returns the user IDs of the identities in a room.
func (h *Hub) RoomMembers(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	userIDs := make([]string, 0, len(members))
	for c := range members {
		userIDs = append(userIDs, c.userID())
	}
	return userIDs
}

// closeAll disconnects every client so the write pumps exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		if c.ws != nil {
			c.ws.Close()
		}
		delete(h.clients, c)
	}
	h.rooms = make(map[string]map[*Conn]struct{})
}

// record emits a security event when a recorder is configured.
func (h *Hub) record(ctx context.Context, event security.Event) {
	if h.recorder == nil {
		return
	}
	h.recorder.Record(ctx, event)
}

func (h *Hub) timestamp() string {
	return h.now().UTC().Format(time.RFC3339)
}

// unmarshalPayload decodes a payload struct, mapping JSON failures to
// ErrInvalidPayload.
func unmarshalPayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, err)
	}
	return nil
}

// roomFromPayload extracts a required roomId.
func roomFromPayload(data json.RawMessage) (string, error) {
	var p RoomPayload
	if err := unmarshalPayload(data, &p); err != nil {
		return "", err
	}
	if p.RoomID == "" {
		return "", fmt.Errorf("%w: roomId is required", ErrInvalidPayload)
	}
	return p.RoomID, nil
}

// marshalEnvelope wraps a payload in the wire envelope.
func marshalEnvelope(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}
