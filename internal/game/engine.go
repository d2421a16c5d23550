// Package game drives the IN_GAME phase: turn scheduling, submission
// collection, render fan-out, the result chains and the reveal cursor.
package game

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"css-relay/internal/room"
	"css-relay/internal/types"
)

var (
	ErrNoSession        = errors.New("no session for this connection")
	ErrNotHost          = errors.New("only the host may do that")
	ErrNotEnoughPlayers = errors.New("need at least 2 players")
	ErrWrongPhase       = errors.New("not possible in the current phase")
)

// Notifier delivers events to connected clients. Implementations must not
// block: the engine calls these while holding a room's lock.
type Notifier interface {
	ToRoom(roomCode string, msg types.ServerMessage)
	ToUser(userID string, msg types.ServerMessage)
}

// Renderer turns a markup+style pair into a durable image artifact and
// returns its public URL.
type Renderer interface {
	Render(ctx context.Context, html, css string) (string, error)
}

// PromptSource hands out distinct initial prompts.
type PromptSource interface {
	Draw(count int) ([]room.Prompt, error)
}

type Engine struct {
	reg      *room.Registry
	notify   Notifier
	renderer Renderer
	prompts  PromptSource
	turnSecs int
	log      *zap.Logger
}

func NewEngine(reg *room.Registry, notify Notifier, renderer Renderer, prompts PromptSource, turnSecs int, log *zap.Logger) *Engine {
	return &Engine{
		reg:      reg,
		notify:   notify,
		renderer: renderer,
		prompts:  prompts,
		turnSecs: turnSecs,
		log:      log,
	}
}

// Join puts the connection into the room, creating it (with the joiner as
// host) when the code is unknown. A join during IN_GAME or RESULTS admits
// the member but does not add them to the running game's assignments.
func (e *Engine) Join(ctx context.Context, roomCode, userID, name string) (room.RoomState, error) {
	s, err := e.reg.Create(roomCode, userID, name)
	switch {
	case err == nil:
	case errors.Is(err, room.ErrRoomExists):
		if err := e.reg.AddMember(ctx, roomCode, room.User{ID: userID, Name: name}); err != nil {
			return room.RoomState{}, err
		}
		if s = e.reg.Find(roomCode); s == nil {
			// Deleted between the existence check and the locked insert.
			return room.RoomState{}, room.ErrRoomNotFound
		}
	default:
		return room.RoomState{}, err
	}

	state := s.PublicState()
	e.notify.ToRoom(roomCode, types.RoomStateMsg(state))
	return state, nil
}

// HandleDisconnect removes the connection from its room, if any, and tells
// the remaining members about the new member list and host.
func (e *Engine) HandleDisconnect(ctx context.Context, userID string) {
	dep, err := e.reg.RemoveMember(ctx, userID)
	if err != nil {
		e.log.Warn("remove member failed", zap.String("user", userID), zap.Error(err))
		return
	}
	if dep != nil {
		e.notify.ToRoom(dep.Room.RoomCode, types.RoomStateMsg(dep.Room.PublicState()))
	}
}

// Start begins a game: builds the assignment matrix, hands the first
// prompts out and arms the first turn. Host only, ≥2 members, LOBBY only.
func (e *Engine) Start(ctx context.Context, userID string) (room.RoomState, error) {
	s0 := e.reg.FindByMember(userID)
	if s0 == nil {
		return room.RoomState{}, ErrNoSession
	}

	var state room.RoomState
	err := e.reg.WithRoom(ctx, s0.RoomCode, func(s *room.Session) error {
		if s.HostID != userID {
			return ErrNotHost
		}
		if len(s.Members) < 2 {
			return ErrNotEnoughPlayers
		}
		if s.GameState != room.StateLobby {
			return ErrWrongPhase
		}

		ids := s.MemberIDs()
		prompts, err := e.prompts.Draw(len(ids))
		if err != nil {
			return err
		}

		s.SetGameState(room.StateInGame)
		s.TurnNumber = 0
		s.TotalTurns = len(ids)
		s.Reveal = room.RevealCursor{ChainIndex: 0, StepIndex: -1}
		s.Chains = make([]room.ResultChain, len(prompts))
		for i, p := range prompts {
			s.Chains[i] = room.ResultChain{InitialPrompt: p, Steps: []room.ResultStep{}}
		}
		s.Assignments = BuildAssignments(ids)

		e.log.Info("game started",
			zap.String("room", s.RoomCode),
			zap.Int("players", len(ids)))

		for c, seq := range s.Assignments {
			e.notify.ToUser(seq[0], types.GameStartMsg(s.Chains[c].InitialPrompt))
		}
		e.notify.ToRoom(s.RoomCode, types.RoomStateMsg(s.PublicState()))
		e.startTurn(s)

		state = s.PublicState()
		return nil
	})
	return state, err
}

// Submit records userID's style for the current turn. A repeat submission
// for the same turn is ignored, not an error, so a retried network call
// cannot double-count. When everyone has submitted the turn ends early.
func (e *Engine) Submit(ctx context.Context, userID, css string) error {
	s0 := e.reg.FindByMember(userID)
	if s0 == nil {
		return ErrNoSession
	}
	code := s0.RoomCode

	var plan *turnPlan
	err := e.reg.WithRoom(ctx, code, func(s *room.Session) error {
		if _, ok := s.Members[userID]; !ok {
			return ErrNoSession
		}
		if s.GameState != room.StateInGame {
			return ErrWrongPhase
		}
		if s.Ending {
			return nil // turn already closing; treat like a duplicate
		}
		if _, dup := s.Submissions[userID]; dup {
			return nil
		}

		s.Submissions[userID] = css
		e.log.Info("submission received",
			zap.String("room", code),
			zap.String("user", userID),
			zap.Int("cssLen", len(css)))

		if len(s.Submissions) >= len(s.Members) {
			plan = e.beginEndTurn(s)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if plan != nil {
		e.finishTurn(ctx, code, plan)
	}
	return nil
}

// AdvanceReveal moves the results playback one step forward. Host only,
// RESULTS only; once every chain is shown further calls do nothing.
func (e *Engine) AdvanceReveal(ctx context.Context, userID string) error {
	s0 := e.reg.FindByMember(userID)
	if s0 == nil {
		return ErrNoSession
	}
	return e.reg.WithRoom(ctx, s0.RoomCode, func(s *room.Session) error {
		if s.HostID != userID {
			return ErrNotHost
		}
		if s.GameState != room.StateResults {
			return ErrWrongPhase
		}

		cur := s.Reveal
		if cur.StepIndex < len(s.Chains[cur.ChainIndex].Steps)-1 {
			cur.StepIndex++
		} else if cur.ChainIndex < len(s.Chains)-1 {
			cur.ChainIndex++
			cur.StepIndex = 0
		} else {
			return nil // reveal complete
		}
		s.Reveal = cur
		e.notify.ToRoom(s.RoomCode, types.ShowNextResultMsg(cur))
		return nil
	})
}

// ResetToLobby returns the room to LOBBY, wiping the game in progress (or
// finished) and cancelling any live timer. Host only.
func (e *Engine) ResetToLobby(ctx context.Context, userID string) error {
	s0 := e.reg.FindByMember(userID)
	if s0 == nil {
		return ErrNoSession
	}
	return e.reg.WithRoom(ctx, s0.RoomCode, func(s *room.Session) error {
		if s.HostID != userID {
			return ErrNotHost
		}

		s.CancelTimer()
		s.TimerGen++
		s.Ending = false
		s.SetGameState(room.StateLobby)
		s.TurnNumber = 0
		s.TotalTurns = 0
		s.Submissions = make(map[string]string)
		s.Chains = nil
		s.Assignments = nil
		s.Reveal = room.RevealCursor{ChainIndex: 0, StepIndex: -1}

		e.notify.ToRoom(s.RoomCode, types.LobbyResetMsg())
		e.notify.ToRoom(s.RoomCode, types.RoomStateMsg(s.PublicState()))
		return nil
	})
}

// Shutdown cancels every room's timer via the registry.
func (e *Engine) Shutdown() {
	e.reg.Shutdown()
}

// startTurn is called with the room's lock held. It clears the submission
// set, bumps the timer generation and arms the countdown.
func (e *Engine) startTurn(s *room.Session) {
	s.Submissions = make(map[string]string)
	s.Ending = false
	s.TimerGen++
	gen := s.TimerGen

	remaining := e.turnSecs
	e.notify.ToRoom(s.RoomCode, types.TimerMsg(remaining))

	ctx, cancel := context.WithCancel(context.Background())
	s.SetTimer(cancel)
	go e.runTimer(ctx, s.RoomCode, gen, remaining)
}

// runTimer ticks once per second, broadcasting the remaining time, until
// cancelled or expired. The generation it carries lets a fire that raced a
// cancellation be recognized as stale and dropped.
func (e *Engine) runTimer(ctx context.Context, code string, gen, remaining int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			remaining--
			e.notify.ToRoom(code, types.TimerMsg(remaining))
			if remaining <= 0 {
				e.timerExpired(code, gen)
				return
			}
		}
	}
}

func (e *Engine) timerExpired(code string, gen int) {
	ctx := context.Background()
	var plan *turnPlan
	err := e.reg.WithRoom(ctx, code, func(s *room.Session) error {
		if s.GameState != room.StateInGame || s.TimerGen != gen || s.Ending {
			return nil // stale fire
		}
		e.log.Info("turn deadline reached", zap.String("room", code), zap.Int("turn", s.TurnNumber))
		plan = e.beginEndTurn(s)
		return nil
	})
	if err != nil {
		e.log.Warn("turn deadline handling failed", zap.String("room", code), zap.Error(err))
		return
	}
	if plan != nil {
		e.finishTurn(ctx, code, plan)
	}
}

// chainJob is everything needed to render one chain's step for this turn.
type chainJob struct {
	chainIndex int
	author     room.User
	authorOK   bool
	css        string
	html       string
}

type turnPlan struct {
	turn int
	gen  int // timer generation at freeze; a mismatch at commit means the game was reset or restarted
	jobs []chainJob
}

// beginEndTurn is called with the room's lock held. It freezes the turn:
// cancels the countdown, invalidates the timer generation and snapshots
// each chain's assignee and submission. A member who never submitted
// contributes empty content; a member who already left contributes nothing.
func (e *Engine) beginEndTurn(s *room.Session) *turnPlan {
	s.CancelTimer()
	s.TimerGen++
	s.Ending = true

	turn := s.TurnNumber
	plan := &turnPlan{turn: turn, gen: s.TimerGen, jobs: make([]chainJob, len(s.Assignments))}
	for c, seq := range s.Assignments {
		uid := seq[turn]
		u, ok := s.Members[uid]
		plan.jobs[c] = chainJob{
			chainIndex: c,
			author:     u,
			authorOK:   ok,
			css:        s.Submissions[uid],
			html:       s.Chains[c].InitialPrompt.HTML,
		}
	}
	return plan
}

// finishTurn renders every chain's step concurrently, outside the lock,
// then reacquires the lock to commit: append the steps and either advance
// to the next turn or finish the game. A failed render records a step with
// an empty artifact URL rather than wedging the room.
func (e *Engine) finishTurn(ctx context.Context, code string, plan *turnPlan) {
	steps := make([]*room.ResultStep, len(plan.jobs))

	g, gctx := errgroup.WithContext(ctx)
	for i, job := range plan.jobs {
		if !job.authorOK {
			continue
		}
		g.Go(func() error {
			url, err := e.renderer.Render(gctx, job.html, job.css)
			if err != nil {
				e.log.Error("render failed, recording empty artifact",
					zap.String("room", code),
					zap.Int("chain", job.chainIndex),
					zap.Error(err))
				url = ""
			}
			steps[i] = &room.ResultStep{
				Author:         job.author,
				SubmittedCSS:   job.css,
				ResultImageURL: url,
			}
			return nil
		})
	}
	_ = g.Wait()

	err := e.reg.WithRoom(ctx, code, func(s *room.Session) error {
		// The room may have been reset or restarted while we rendered. The
		// generation check catches a reset-then-restart whose new game is in
		// an IN_GAME state indistinguishable from the one we froze.
		if s.GameState != room.StateInGame || s.TurnNumber != plan.turn || !s.Ending || s.TimerGen != plan.gen {
			return nil
		}

		for i, job := range plan.jobs {
			if steps[i] != nil {
				s.Chains[job.chainIndex].Steps = append(s.Chains[job.chainIndex].Steps, *steps[i])
			}
		}

		next := plan.turn + 1
		if next >= s.TotalTurns {
			s.Ending = false
			s.SetGameState(room.StateResults)
			e.log.Info("game finished", zap.String("room", code))
			e.notify.ToRoom(code, types.GameFinishedMsg(s.Chains))
			e.notify.ToRoom(code, types.RoomStateMsg(s.PublicState()))
			return nil
		}

		s.TurnNumber = next
		for c, seq := range s.Assignments {
			nextID := seq[next]
			if _, ok := s.Members[nextID]; !ok {
				continue
			}
			chain := s.Chains[c]
			target := chain.InitialPrompt.TargetImageURL
			if n := len(chain.Steps); n > 0 {
				target = chain.Steps[n-1].ResultImageURL
			}
			prompt := room.Prompt{HTML: chain.InitialPrompt.HTML, TargetImageURL: target}
			e.notify.ToUser(nextID, types.NewTurnMsg(prompt, s.TurnNumber, s.TotalTurns))
		}
		e.log.Info("starting turn", zap.String("room", code), zap.Int("turn", next))
		e.startTurn(s)
		return nil
	})
	if err != nil {
		e.log.Warn("turn commit failed", zap.String("room", code), zap.Error(err))
	}
}
