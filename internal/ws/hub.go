package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/vacerde/qBridge/internal/access"
)

var errNotRegistered = errors.New("connection not registered")

// Subscriber abstracts a live client connection.
type Subscriber interface {
	Send(payload []byte) error
	Close()
}

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID   string
	Username string
	Email    string
}

// Authorizer gates room joins.
type Authorizer interface {
	ResolveAccess(ctx context.Context, workspaceID, userID, userEmail string) (*access.Grant, error)
}

// connState tracks one registered connection and the rooms it occupies.
type connState struct {
	identity Identity
	rooms    map[string]*room
}

// room is the live membership of one workspace. Each room carries its own
// lock; membership changes in different rooms never contend.
type room struct {
	workspaceID string

	mu      sync.Mutex
	members map[Subscriber]Identity
}

// Hub is the session registry: it maps connections to identities and
// workspaces to member sets, and fans events out per room. All state is
// process-local.
type Hub struct {
	authorizer Authorizer
	logger     *slog.Logger

	mu    sync.RWMutex
	conns map[Subscriber]*connState
	rooms map[string]*room
}

// NewHub creates an initialized Hub.
func NewHub(authorizer Authorizer, logger *slog.Logger) *Hub {
	return &Hub{
		authorizer: authorizer,
		logger:     logger,
		conns:      make(map[Subscriber]*connState),
		rooms:      make(map[string]*room),
	}
}

// Register binds an authenticated connection to its identity. It must be
// called before any room operation on that connection.
func (h *Hub) Register(sub Subscriber, identity Identity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[sub]; !ok {
		liveSessions.Inc()
	}
	h.conns[sub] = &connState{identity: identity, rooms: make(map[string]*room)}
}

// Join authorizes the connection against the workspace and adds it to the
// room. Other members learn about the newcomer; the joiner gets the current
// roster, itself excluded.
func (h *Hub) Join(ctx context.Context, sub Subscriber, workspaceID string) error {
	h.mu.RLock()
	state := h.conns[sub]
	h.mu.RUnlock()
	if state == nil {
		return errNotRegistered
	}
	identity := state.identity

	if _, err := h.authorizer.ResolveAccess(ctx, workspaceID, identity.UserID, identity.Email); err != nil {
		return err
	}

	h.mu.Lock()
	rm, ok := h.rooms[workspaceID]
	if !ok {
		rm = &room{workspaceID: workspaceID, members: make(map[Subscriber]Identity)}
		h.rooms[workspaceID] = rm
	}
	state.rooms[workspaceID] = rm
	h.mu.Unlock()

	now := time.Now().UTC()
	joined := encode(Envelope{
		Type:        EventUserJoined,
		WorkspaceID: workspaceID,
		UserID:      identity.UserID,
		Username:    identity.Username,
		Timestamp:   &now,
	})

	rm.mu.Lock()
	roster := make([]RoomUser, 0, len(rm.members))
	peers := make([]Subscriber, 0, len(rm.members))
	for member, memberIdentity := range rm.members {
		roster = append(roster, RoomUser{UserID: memberIdentity.UserID, Username: memberIdentity.Username})
		peers = append(peers, member)
	}
	rm.members[sub] = identity
	rm.mu.Unlock()

	h.deliver(peers, joined)
	h.send(sub, encode(Envelope{Type: EventWorkspaceUsers, WorkspaceID: workspaceID, Users: roster}))
	h.logger.Info("connection joined room", "workspace_id", workspaceID, "user_id", identity.UserID)
	return nil
}

// Leave removes the connection from one room.
func (h *Hub) Leave(sub Subscriber, workspaceID string) {
	h.mu.Lock()
	state := h.conns[sub]
	var rm *room
	if state != nil {
		rm = state.rooms[workspaceID]
		delete(state.rooms, workspaceID)
	}
	h.mu.Unlock()
	if rm == nil {
		return
	}
	h.removeFromRoom(rm, sub, state.identity)
}

// Disconnect removes the connection from every room it occupies and drops
// its registration. A connection may be in several rooms at once.
func (h *Hub) Disconnect(sub Subscriber) {
	h.mu.Lock()
	state := h.conns[sub]
	delete(h.conns, sub)
	var rooms []*room
	if state != nil {
		for _, rm := range state.rooms {
			rooms = append(rooms, rm)
		}
	}
	h.mu.Unlock()
	if state == nil {
		return
	}
	liveSessions.Dec()
	for _, rm := range rooms {
		h.removeFromRoom(rm, sub, state.identity)
	}
}

// Relay stamps an event with its sender and broadcasts it to the room.
// Authorization happened at join; membership is the only gate here. Every
// event type excludes the sender except chat-message, which echoes back.
func (h *Hub) Relay(sub Subscriber, workspaceID, eventType string, payload []byte) {
	if !relayEvents[eventType] {
		h.send(sub, errorFrame("unknown event type: "+eventType))
		return
	}
	h.mu.RLock()
	state := h.conns[sub]
	var rm *room
	if state != nil {
		rm = state.rooms[workspaceID]
	}
	h.mu.RUnlock()
	if rm == nil {
		h.send(sub, errorFrame("not a member of workspace "+workspaceID))
		return
	}

	now := time.Now().UTC()
	frame := encode(Envelope{
		Type:        eventType,
		WorkspaceID: workspaceID,
		UserID:      state.identity.UserID,
		Username:    state.identity.Username,
		Timestamp:   &now,
		Payload:     payload,
	})

	includeSender := eventType == EventChatMessage
	rm.mu.Lock()
	recipients := make([]Subscriber, 0, len(rm.members))
	for member := range rm.members {
		if member == sub && !includeSender {
			continue
		}
		recipients = append(recipients, member)
	}
	rm.mu.Unlock()
	h.deliver(recipients, frame)
}

// RoomSize reports current membership of a workspace room.
func (h *Hub) RoomSize(workspaceID string) int {
	h.mu.RLock()
	rm := h.rooms[workspaceID]
	h.mu.RUnlock()
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

func (h *Hub) removeFromRoom(rm *room, sub Subscriber, identity Identity) {
	rm.mu.Lock()
	_, wasMember := rm.members[sub]
	delete(rm.members, sub)
	empty := len(rm.members) == 0
	peers := make([]Subscriber, 0, len(rm.members))
	for member := range rm.members {
		peers = append(peers, member)
	}
	rm.mu.Unlock()

	if empty {
		h.mu.Lock()
		if current, ok := h.rooms[rm.workspaceID]; ok && current == rm {
			// A join may have slipped in since the emptiness check above.
			rm.mu.Lock()
			if len(rm.members) == 0 {
				delete(h.rooms, rm.workspaceID)
			}
			rm.mu.Unlock()
		}
		h.mu.Unlock()
	}
	if !wasMember {
		return
	}
	now := time.Now().UTC()
	h.deliver(peers, encode(Envelope{
		Type:        EventUserLeft,
		WorkspaceID: rm.workspaceID,
		UserID:      identity.UserID,
		Username:    identity.Username,
		Timestamp:   &now,
	}))
}

// deliver pushes a frame to each recipient.
func (h *Hub) deliver(recipients []Subscriber, frame []byte) {
	if frame == nil {
		return
	}
	for _, recipient := range recipients {
		h.send(recipient, frame)
	}
}

// send writes one frame. A connection whose transport has failed is closed;
// its read loop then disconnects it, which removes it from every room and
// broadcasts user-left as for any other departure.
func (h *Hub) send(sub Subscriber, frame []byte) {
	if frame == nil {
		return
	}
	if err := sub.Send(frame); err != nil {
		h.logger.Warn("websocket send failed", "error", err)
		sub.Close()
	}
}
