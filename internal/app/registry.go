package app

import (
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrDuplicateConnection = errors.New("duplicate connection")
	ErrRegistryClosed      = errors.New("registry closed")
)

// Notifier receives presence changes for each affected room peer. It is
// called with the room locked, so peers observe joins and leaves in the
// order they were applied. Implementations must not block or call back
// into the Registry.
type Notifier interface {
	// DeviceRegistered runs before any peer hears about the new device.
	DeviceRegistered(self core.DeviceSession)
	DeviceJoined(to core.DeviceSession, joined domain.DeviceEndpoint)
	DeviceLeft(to core.DeviceSession, left domain.DeviceEndpoint)
}

// Registry is the presence table: which devices of which user are online.
// Mutations are serialized per room; different rooms only share a short
// map lookup.
type Registry struct {
	rooms    *roomTable
	notifier Notifier
	now      func() time.Time

	mu     sync.RWMutex
	conns  map[domain.ConnectionID]domain.UserID
	closed bool
}

func NewRegistry(notifier Notifier) *Registry {
	return &Registry{
		rooms:    newRoomTable(),
		notifier: notifier,
		now:      time.Now,
		conns:    make(map[domain.ConnectionID]domain.UserID),
	}
}

// Register adds the connection to its user's room and announces it to the
// devices already there.
func (r *Registry) Register(
	id domain.ConnectionID,
	claims domain.Claims,
	conn core.SignalConnection,
) (domain.DeviceEndpoint, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.DeviceEndpoint{}, ErrRegistryClosed
	}
	if _, dup := r.conns[id]; dup {
		r.mu.Unlock()
		return domain.DeviceEndpoint{}, ErrDuplicateConnection
	}
	r.conns[id] = claims.UserID
	r.mu.Unlock()

	endpoint := domain.NewDeviceEndpoint(id, claims, r.now())
	sess := core.NewDeviceSession(endpoint, conn)

	for {
		rm := r.rooms.getOrCreate(claims.UserID)
		rm.mu.Lock()
		if rm.retired {
			rm.mu.Unlock()
			continue
		}
		existing := rm.others(id)
		rm.members = append(rm.members, sess)
		if r.notifier != nil {
			r.notifier.DeviceRegistered(sess)
			for _, peer := range existing {
				r.notifier.DeviceJoined(peer, endpoint)
			}
		}
		rm.mu.Unlock()
		break
	}

	log.Info().
		Str("module", "app.registry").
		Str("conn", string(id)).
		Str("user", string(claims.UserID)).
		Str("class", string(claims.DeviceClass)).
		Msg("device registered")
	return endpoint, nil
}

// Unregister removes the connection and tells the remaining peers.
// Unknown ids are ignored, so it is safe to call more than once.
func (r *Registry) Unregister(id domain.ConnectionID) bool {
	r.mu.Lock()
	userID, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	if !ok {
		return false
	}

	rm, ok := r.rooms.get(userID)
	if !ok {
		return false
	}

	rm.mu.Lock()
	idx := rm.indexOf(id)
	if idx < 0 {
		rm.mu.Unlock()
		return false
	}
	left := rm.members[idx].Endpoint()
	rm.members = append(rm.members[:idx], rm.members[idx+1:]...)
	if r.notifier != nil {
		for _, peer := range rm.members {
			r.notifier.DeviceLeft(peer, left)
		}
	}
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		r.rooms.retireIfEmpty(rm)
	}

	log.Info().
		Str("module", "app.registry").
		Str("conn", string(id)).
		Str("user", string(userID)).
		Msg("device unregistered")
	return true
}

// ListRoomPeers returns the other devices of the room in registration order.
func (r *Registry) ListRoomPeers(userID domain.UserID, excluding domain.ConnectionID) []domain.DeviceEndpoint {
	peers := r.RoomSessions(userID, excluding)
	out := make([]domain.DeviceEndpoint, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Endpoint())
	}
	return out
}

// RoomSessions is the fan-out view of a room, minus excluding.
func (r *Registry) RoomSessions(userID domain.UserID, excluding domain.ConnectionID) []core.DeviceSession {
	rm, ok := r.rooms.get(userID)
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.others(excluding)
}

// Lookup finds the session of a registered connection.
func (r *Registry) Lookup(id domain.ConnectionID) (core.DeviceSession, bool) {
	r.mu.RLock()
	userID, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	rm, ok := r.rooms.get(userID)
	if !ok {
		return nil, false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if idx := rm.indexOf(id); idx >= 0 {
		return rm.members[idx], true
	}
	return nil, false
}

// Count reports how many connections are registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) Rooms() []domain.RoomInfo {
	return r.rooms.list()
}

// Close rejects further registrations and closes every registered
// transport. The connections' read loops unregister themselves as they exit.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	var sessions []core.DeviceSession
	for _, rm := range r.rooms.snapshot() {
		rm.mu.Lock()
		sessions = append(sessions, rm.members...)
		rm.mu.Unlock()
	}
	for _, s := range sessions {
		s.Signal().Close()
	}
	log.Info().Str("module", "app.registry").Int("closed", len(sessions)).Msg("registry closed")
}
