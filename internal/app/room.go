package app

import (
	"sync"

	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/domain"
)

// room is the set of sessions sharing one user identity.
// All access goes through mu; members keep registration order.
// It never closes adapter-owned resources.
type room struct {
	key     domain.UserID
	mu      sync.Mutex
	members []core.DeviceSession

	// retired rooms have been dropped from the table; callers must look up again.
	retired bool
}

func newRoom(key domain.UserID) *room {
	return &room{key: key}
}

// indexOf must be called with mu held.
func (r *room) indexOf(id domain.ConnectionID) int {
	for i, m := range r.members {
		if m.Endpoint().ConnectionID == id {
			return i
		}
	}
	return -1
}

// others must be called with mu held.
func (r *room) others(exclude domain.ConnectionID) []core.DeviceSession {
	out := make([]core.DeviceSession, 0, len(r.members))
	for _, m := range r.members {
		if m.Endpoint().ConnectionID == exclude {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (r *room) info() domain.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := domain.RoomInfo{UserID: r.key, Devices: len(r.members)}
	for _, m := range r.members {
		if m.Endpoint().DeviceClass == domain.DeviceSource {
			info.Sources++
		}
	}
	return info
}
