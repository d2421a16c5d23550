// Package room holds the in-memory session model for one game room and
// the registry that owns every live room in the process.
package room

import "sync"

// GameState is the lifecycle phase of a room.
type GameState string

const (
	StateLobby   GameState = "LOBBY"
	StateInGame  GameState = "IN_GAME"
	StateResults GameState = "RESULTS"
)

// User identifies one connected player. The id is the connection id, so a
// reconnect shows up as a brand new user.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Prompt is the target handed to a player: a fixed markup fragment plus the
// image their style should reproduce.
type Prompt struct {
	HTML           string `json:"html"`
	TargetImageURL string `json:"targetImageUrl"`
}

// ResultStep records one player's contribution to a chain.
type ResultStep struct {
	Author         User   `json:"author"`
	SubmittedCSS   string `json:"submittedCss"`
	ResultImageURL string `json:"resultImageUrl"`
}

// ResultChain is the lineage of steps descending from one initial prompt.
type ResultChain struct {
	InitialPrompt Prompt       `json:"initialPrompt"`
	Steps         []ResultStep `json:"steps"`
}

// RoomState is the externally visible projection of a session. It never
// carries submissions, assignments or timer internals.
type RoomState struct {
	RoomCode  string    `json:"roomCode"`
	Users     []User    `json:"users"`
	HostID    string    `json:"hostId"`
	GameState GameState `json:"gameState"`
}

// RevealCursor points at the step currently shown during results playback.
// StepIndex starts at -1, conceptually before the first step.
type RevealCursor struct {
	ChainIndex int `json:"chainIndex"`
	StepIndex  int `json:"stepIndex"`
}

// Session is the full server-side state of one room. Mutations must happen
// under the registry's per-room lock; see Registry.WithRoom. The embedded
// mutex additionally guards Members, joinOrder, HostID and GameState, since
// the hub and registry read those without holding the room lock.
type Session struct {
	mu sync.RWMutex

	RoomCode  string
	HostID    string
	Members   map[string]User
	joinOrder []string

	GameState   GameState
	TurnNumber  int
	TotalTurns  int
	Assignments [][]string // chain-major, turn-minor
	Submissions map[string]string
	Chains      []ResultChain
	Reveal      RevealCursor

	// Ending is set while a turn's renders are in flight, so submissions
	// that race the commit are ignored instead of ending the turn twice.
	Ending bool

	// Turn timer bookkeeping. TimerGen invalidates fires from timers that
	// were cancelled after they had already been scheduled.
	TimerGen  int
	stopTimer func()
}

func newSession(code, hostID, hostName string) *Session {
	host := User{ID: hostID, Name: hostName}
	return &Session{
		RoomCode:    code,
		HostID:      hostID,
		Members:     map[string]User{hostID: host},
		joinOrder:   []string{hostID},
		GameState:   StateLobby,
		Submissions: make(map[string]string),
		Reveal:      RevealCursor{ChainIndex: 0, StepIndex: -1},
	}
}

func (s *Session) addMember(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Members[u.ID]; !ok {
		s.joinOrder = append(s.joinOrder, u.ID)
	}
	s.Members[u.ID] = u
}

func (s *Session) removeMember(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Members, id)
	for i, v := range s.joinOrder {
		if v == id {
			s.joinOrder = append(s.joinOrder[:i], s.joinOrder[i+1:]...)
			break
		}
	}
}

func (s *Session) hasMember(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.Members[id]
	return ok
}

func (s *Session) setHost(id string) {
	s.mu.Lock()
	s.HostID = id
	s.mu.Unlock()
}

// SetGameState transitions the room's phase. Callers must hold the room
// lock; the session mutex orders the write against lock-free readers.
func (s *Session) SetGameState(st GameState) {
	s.mu.Lock()
	s.GameState = st
	s.mu.Unlock()
}

// MemberIDs returns the current member ids in join order. Safe to call
// without the room lock.
func (s *Session) MemberIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, len(s.joinOrder))
	copy(ids, s.joinOrder)
	return ids
}

// SetTimer installs the cancel hook for the active turn timer, replacing
// (and cancelling) any previous one.
func (s *Session) SetTimer(stop func()) {
	s.CancelTimer()
	s.stopTimer = stop
}

// CancelTimer stops the active turn timer, if any. Safe to call twice.
func (s *Session) CancelTimer() {
	if s.stopTimer != nil {
		s.stopTimer()
		s.stopTimer = nil
	}
}

// PublicState projects the session for clients. Safe to call without the
// room lock.
func (s *Session) PublicState() RoomState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]User, 0, len(s.joinOrder))
	for _, id := range s.joinOrder {
		if u, ok := s.Members[id]; ok {
			users = append(users, u)
		}
	}
	return RoomState{
		RoomCode:  s.RoomCode,
		Users:     users,
		HostID:    s.HostID,
		GameState: s.GameState,
	}
}
