package memory

import (
	"context"
	"sync"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
)

type room struct {
	members map[domain.ParticipantID]domain.Participant
	order   []domain.ParticipantID
}

// RoomRegistry is the in-process membership map. A participant id belongs
// to at most one room; rooms with zero members do not exist.
type RoomRegistry struct {
	mu     sync.RWMutex
	rooms  map[domain.RoomID]*room
	inRoom map[domain.ParticipantID]domain.RoomID
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms:  make(map[domain.RoomID]*room),
		inRoom: make(map[domain.ParticipantID]domain.RoomID),
	}
}

var _ ports.RoomRegistry = (*RoomRegistry)(nil)

func (r *RoomRegistry) Join(_ context.Context, roomID domain.RoomID, p domain.Participant) ([]domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.inRoom[p.ID]; ok && current != roomID {
		return nil, domain.ErrAlreadyInRoom
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{members: make(map[domain.ParticipantID]domain.Participant)}
		r.rooms[roomID] = rm
	}

	existing := make([]domain.Participant, 0, len(rm.order))
	for _, id := range rm.order {
		if id != p.ID {
			existing = append(existing, rm.members[id])
		}
	}

	if _, rejoin := rm.members[p.ID]; !rejoin {
		rm.members[p.ID] = p
		rm.order = append(rm.order, p.ID)
		r.inRoom[p.ID] = roomID
	}

	return existing, nil
}

func (r *RoomRegistry) Leave(_ context.Context, roomID domain.RoomID, id domain.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return domain.ErrRoomNotFound
	}
	if _, ok := rm.members[id]; !ok {
		return domain.ErrParticipantNotFound
	}

	delete(rm.members, id)
	delete(r.inRoom, id)
	for i, other := range rm.order {
		if other == id {
			rm.order = append(rm.order[:i], rm.order[i+1:]...)
			break
		}
	}
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
	}
	return nil
}

func (r *RoomRegistry) Members(_ context.Context, roomID domain.RoomID) ([]domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	members := make([]domain.Participant, 0, len(rm.order))
	for _, id := range rm.order {
		members = append(members, rm.members[id])
	}
	return members, nil
}

func (r *RoomRegistry) Rooms(_ context.Context) ([]domain.RoomID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]domain.RoomID, 0, len(r.rooms))
	for id := range r.rooms {
		rooms = append(rooms, id)
	}
	return rooms, nil
}

// RoomOf returns the room a participant currently belongs to.
func (r *RoomRegistry) RoomOf(id domain.ParticipantID) (domain.RoomID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.inRoom[id]
	return roomID, ok
}
