package room

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"css-relay/internal/keylock"
)

var (
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room not found")
)

// Registry owns every live session. Creating a room is a plain registry
// mutation; every later mutation of a room goes through that room's lock
// via WithRoom so concurrent joins, leaves and submits serialize.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Session
	locks *keylock.Table
	log   *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		rooms: make(map[string]*Session),
		locks: keylock.NewTable(),
		log:   log,
	}
}

// Create makes a new LOBBY session whose only member is the host.
func (r *Registry) Create(code, hostID, hostName string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[code]; ok {
		return nil, ErrRoomExists
	}
	s := newSession(code, hostID, hostName)
	r.rooms[code] = s
	r.log.Info("room created",
		zap.String("room", code),
		zap.String("host", hostName))
	return s, nil
}

// Find returns the session for code, or nil.
func (r *Registry) Find(code string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[code]
}

// FindByMember scans all rooms for the one containing userID. Linear, but
// the registry holds tens of rooms at most.
func (r *Registry) FindByMember(userID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.rooms {
		if s.hasMember(userID) {
			return s
		}
	}
	return nil
}

// WithRoom runs fn with the room's lock held. The session is re-resolved
// after the lock is acquired: a stale pre-lock pointer must never be
// trusted, because the room may have been deleted while we waited. A
// vanished room is a benign no-op.
func (r *Registry) WithRoom(ctx context.Context, code string, fn func(*Session) error) error {
	return r.locks.Do(ctx, code, func() error {
		s := r.Find(code)
		if s == nil {
			r.log.Debug("room vanished before lock acquisition", zap.String("room", code))
			return nil
		}
		return fn(s)
	})
}

// AddMember inserts u into the room's member list under its lock.
func (r *Registry) AddMember(ctx context.Context, code string, u User) error {
	return r.WithRoom(ctx, code, func(s *Session) error {
		s.addMember(u)
		r.log.Info("user added to room",
			zap.String("room", code),
			zap.String("user", u.Name),
			zap.String("id", u.ID),
			zap.Int("total", len(s.Members)))
		return nil
	})
}

// Departure describes the outcome of removing a member. Room is nil when
// the member was the last one and the room was deleted.
type Departure struct {
	Room    *Session
	WasHost bool
}

// RemoveMember deletes the member from its room. Emptying the room cancels
// any live timer and deletes the room; otherwise a departing host hands the
// room to the earliest-joined remaining member.
func (r *Registry) RemoveMember(ctx context.Context, userID string) (*Departure, error) {
	s := r.FindByMember(userID)
	if s == nil {
		return nil, nil
	}
	code := s.RoomCode

	var dep *Departure
	err := r.WithRoom(ctx, code, func(s *Session) error {
		if _, ok := s.Members[userID]; !ok {
			return nil
		}
		s.removeMember(userID)

		if len(s.Members) == 0 {
			s.CancelTimer()
			r.delete(code)
			r.log.Info("room deleted, last user left", zap.String("room", code))
			return nil
		}

		wasHost := s.HostID == userID
		if wasHost {
			s.setHost(s.MemberIDs()[0])
			r.log.Info("host reassigned",
				zap.String("room", code),
				zap.String("newHost", s.HostID))
		}
		dep = &Departure{Room: s, WasHost: wasHost}
		return nil
	})
	return dep, err
}

func (r *Registry) delete(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, code)
}

// Shutdown cancels every live timer and drops all rooms.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for code, s := range r.rooms {
		s.CancelTimer()
		delete(r.rooms, code)
	}
}
