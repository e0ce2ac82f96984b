package app

import (
	"sync"

	"github.com/dkeye/Beam/internal/domain"
)

// roomTable maps room keys to rooms. Its lock only guards the map; room
// contents are guarded by each room's own mutex, so rooms never block
// each other. Lock order is table before room.
type roomTable struct {
	mu    sync.RWMutex
	rooms map[domain.UserID]*room
}

func newRoomTable() *roomTable {
	return &roomTable{rooms: make(map[domain.UserID]*room)}
}

func (t *roomTable) getOrCreate(key domain.UserID) *room {
	t.mu.RLock()
	r, ok := t.rooms[key]
	t.mu.RUnlock()
	if ok {
		return r
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok = t.rooms[key]; ok {
		return r
	}
	r = newRoom(key)
	t.rooms[key] = r
	return r
}

func (t *roomTable) get(key domain.UserID) (*room, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rooms[key]
	return r, ok
}

// retireIfEmpty drops r from the table when nobody joined it in the meantime.
func (t *roomTable) retireIfEmpty(r *room) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired || len(r.members) > 0 {
		return false
	}
	r.retired = true
	if t.rooms[r.key] == r {
		delete(t.rooms, r.key)
	}
	return true
}

func (t *roomTable) snapshot() []*room {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*room, 0, len(t.rooms))
	for _, r := range t.rooms {
		out = append(out, r)
	}
	return out
}

func (t *roomTable) list() []domain.RoomInfo {
	rooms := t.snapshot()
	out := make([]domain.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.info())
	}
	return out
}
