package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"css-relay/internal/room"
	"css-relay/internal/types"
)

type sentEvent struct {
	roomCode string
	userID   string
	msg      types.ServerMessage
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []sentEvent
}

func (f *fakeNotifier) ToRoom(code string, msg types.ServerMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{roomCode: code, msg: msg})
}

func (f *fakeNotifier) ToUser(id string, msg types.ServerMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{userID: id, msg: msg})
}

func (f *fakeNotifier) byType(tp string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.events {
		if e.msg.Type == tp {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeNotifier) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

type fakeRenderer struct {
	mu       sync.Mutex
	calls    int
	failNext int
}

func (f *fakeRenderer) Render(ctx context.Context, html, css string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failNext > 0 {
		f.failNext--
		return "", errors.New("renderer unavailable")
	}
	return fmt.Sprintf("/results/fake-%d.png", f.calls), nil
}

type fakePrompts struct{}

func (fakePrompts) Draw(count int) ([]room.Prompt, error) {
	out := make([]room.Prompt, count)
	for i := range out {
		out[i] = room.Prompt{
			HTML:           fmt.Sprintf("<div class=\"p%d\"></div>", i),
			TargetImageURL: fmt.Sprintf("/prompts/p%d/target.png", i),
		}
	}
	return out, nil
}

func newTestEngine(t *testing.T, turnSecs int) (*Engine, *room.Registry, *fakeNotifier, *fakeRenderer) {
	t.Helper()
	reg := room.NewRegistry(zap.NewNop())
	notify := &fakeNotifier{}
	renderer := &fakeRenderer{}
	e := NewEngine(reg, notify, renderer, fakePrompts{}, turnSecs, zap.NewNop())
	t.Cleanup(e.Shutdown)
	return e, reg, notify, renderer
}

func TestJoin_CreatesRoomThenAddsMembers(t *testing.T) {
	e, reg, notify, _ := newTestEngine(t, 90)
	ctx := context.Background()

	state, err := e.Join(ctx, "R1", "h", "Host")
	require.NoError(t, err)
	require.Equal(t, "h", state.HostID)
	require.Equal(t, room.StateLobby, state.GameState)
	require.Len(t, state.Users, 1)

	state, err = e.Join(ctx, "R1", "p2", "Player2")
	require.NoError(t, err)
	require.Len(t, state.Users, 2)
	require.Equal(t, "h", state.HostID, "joining must not steal the host seat")

	require.Len(t, reg.Find("R1").Members, 2)
	require.NotEmpty(t, notify.byType(types.EvtRoomState))
}

func TestStart_RejectsNonHostAndSmallRooms(t *testing.T) {
	e, reg, _, _ := newTestEngine(t, 90)
	ctx := context.Background()

	_, _ = e.Join(ctx, "R1", "h", "Host")

	_, err := e.Start(ctx, "h")
	require.ErrorIs(t, err, ErrNotEnoughPlayers)

	_, _ = e.Join(ctx, "R1", "p2", "Player2")
	_, err = e.Start(ctx, "p2")
	require.ErrorIs(t, err, ErrNotHost)

	require.Equal(t, room.StateLobby, reg.Find("R1").GameState, "rejected start must not mutate state")
	require.Nil(t, reg.Find("R1").Chains)

	_, err = e.Start(ctx, "ghost")
	require.ErrorIs(t, err, ErrNoSession)
}

func TestStart_RejectedOutsideLobby(t *testing.T) {
	e, _, _, _ := newTestEngine(t, 90)
	ctx := context.Background()

	_, _ = e.Join(ctx, "R1", "h", "Host")
	_, _ = e.Join(ctx, "R1", "p2", "Player2")
	_, err := e.Start(ctx, "h")
	require.NoError(t, err)

	_, err = e.Start(ctx, "h")
	require.ErrorIs(t, err, ErrWrongPhase)
}

// Happy path: join, start, two full turns ending early on submission,
// reveal, reset.
func TestFullGameFlow(t *testing.T) {
	e, reg, notify, _ := newTestEngine(t, 90)
	ctx := context.Background()

	_, _ = e.Join(ctx, "R1", "h", "Host")
	joined, err := e.Join(ctx, "R1", "p2", "Player2")
	require.NoError(t, err)
	require.Len(t, joined.Users, 2)
	require.Equal(t, room.StateLobby, joined.GameState)

	// Start: two chains, one gameStart unicast per chain's first assignee.
	state, err := e.Start(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, room.StateInGame, state.GameState)

	s := reg.Find("R1")
	require.Len(t, s.Chains, 2)
	require.Len(t, s.Assignments, 2)
	require.Equal(t, 2, s.TotalTurns)

	starts := notify.byType(types.EvtGameStart)
	require.Len(t, starts, 2)
	require.NotEqual(t, starts[0].userID, starts[1].userID, "each member opens a different chain")
	require.NotEmpty(t, notify.byType(types.EvtTimerUpdate), "countdown must announce itself at turn start")

	// Turn 0: both submit, turn ends before the timer.
	require.NoError(t, e.Submit(ctx, "h", "div { color: red; }"))
	require.Equal(t, 0, s.TurnNumber, "one submission must not end the turn")
	require.NoError(t, e.Submit(ctx, "p2", "span { color: blue; }"))

	require.Equal(t, 1, s.TurnNumber)
	for _, chain := range s.Chains {
		require.Len(t, chain.Steps, 1)
	}

	newTurns := notify.byType(types.EvtNewTurn)
	require.Len(t, newTurns, 2)
	for _, evt := range newTurns {
		require.Equal(t, 1, evt.msg.TurnNumber)
		require.Equal(t, 2, evt.msg.TotalTurns)
		require.NotNil(t, evt.msg.Prompt)
		require.Contains(t, evt.msg.Prompt.TargetImageURL, "/results/",
			"next target must be the previous turn's artifact")
	}

	// Turn 1: final submissions end the game.
	require.NoError(t, e.Submit(ctx, "h", "div { background: #eee; }"))
	require.NoError(t, e.Submit(ctx, "p2", "span { font-size: 20px; }"))

	require.Equal(t, room.StateResults, s.GameState)
	finished := notify.byType(types.EvtGameFinished)
	require.Len(t, finished, 1)
	require.Len(t, finished[0].msg.Results.Chains, 2)

	for _, chain := range s.Chains {
		require.Len(t, chain.Steps, 2)
		authors := map[string]int{}
		for _, step := range chain.Steps {
			authors[step.Author.ID]++
		}
		require.Equal(t, map[string]int{"h": 1, "p2": 1}, authors,
			"chain authors must be a permutation of the members")
	}

	// Reveal: host only, first advance lands on {0,0}.
	require.ErrorIs(t, e.AdvanceReveal(ctx, "p2"), ErrNotHost)
	require.NoError(t, e.AdvanceReveal(ctx, "h"))
	shown := notify.byType(types.EvtShowNextResult)
	require.Len(t, shown, 1)
	require.Equal(t, room.RevealCursor{ChainIndex: 0, StepIndex: 0}, *shown[0].msg.Cursor)

	// Walk to the end; further advances are idempotent no-ops.
	require.NoError(t, e.AdvanceReveal(ctx, "h")) // {0,1}
	require.NoError(t, e.AdvanceReveal(ctx, "h")) // {1,0}
	require.NoError(t, e.AdvanceReveal(ctx, "h")) // {1,1}
	require.NoError(t, e.AdvanceReveal(ctx, "h"))
	require.NoError(t, e.AdvanceReveal(ctx, "h"))
	shown = notify.byType(types.EvtShowNextResult)
	require.Len(t, shown, 4)
	require.Equal(t, room.RevealCursor{ChainIndex: 1, StepIndex: 1}, *shown[3].msg.Cursor)

	// Reset: host only; wipes the game.
	require.ErrorIs(t, e.ResetToLobby(ctx, "p2"), ErrNotHost)
	require.NoError(t, e.ResetToLobby(ctx, "h"))
	require.Equal(t, room.StateLobby, s.GameState)
	require.Nil(t, s.Chains)
	require.Zero(t, s.TurnNumber)
	require.Equal(t, room.RevealCursor{ChainIndex: 0, StepIndex: -1}, s.Reveal)
	require.Len(t, notify.byType(types.EvtLobbyReset), 1)
}

func TestSubmit_DuplicateIsIdempotent(t *testing.T) {
	e, reg, _, renderer := newTestEngine(t, 90)
	ctx := context.Background()

	_, _ = e.Join(ctx, "R1", "h", "Host")
	_, _ = e.Join(ctx, "R1", "p2", "Player2")
	_, _ = e.Start(ctx, "h")

	require.NoError(t, e.Submit(ctx, "h", "div { color: red; }"))
	require.NoError(t, e.Submit(ctx, "h", "div { color: green; }"))

	s := reg.Find("R1")
	require.Equal(t, 0, s.TurnNumber, "a duplicate must not count toward completion")
	require.Equal(t, "div { color: red; }", s.Submissions["h"], "first submission wins")

	require.NoError(t, e.Submit(ctx, "p2", "span {}"))
	require.Equal(t, 1, s.TurnNumber)
	require.Equal(t, 2, renderer.calls, "one render per chain, not per submit attempt")
}

func TestSubmit_RejectedOutsideGame(t *testing.T) {
	e, _, _, _ := newTestEngine(t, 90)
	ctx := context.Background()

	_, _ = e.Join(ctx, "R1", "h", "Host")
	require.ErrorIs(t, e.Submit(ctx, "h", "div {}"), ErrWrongPhase)
	require.ErrorIs(t, e.Submit(ctx, "ghost", "div {}"), ErrNoSession)
}

func TestTimeout_FillsMissingSubmissionsWithEmptyContent(t *testing.T) {
	e, reg, notify, _ := newTestEngine(t, 1)
	ctx := context.Background()

	_, _ = e.Join(ctx, "R1", "h", "Host")
	_, _ = e.Join(ctx, "R1", "p2", "Player2")
	_, _ = e.Start(ctx, "h")

	require.NoError(t, e.Submit(ctx, "h", "div { color: red; }"))

	// Only one submission; the deadline must end the turn for everyone.
	// Poll through the notifier: the newTurn events are emitted after the
	// commit, so once they show up the session reads below are ordered.
	require.Eventually(t, func() bool {
		return len(notify.byType(types.EvtNewTurn)) > 0
	}, 3*time.Second, 20*time.Millisecond, "deadline never ended the turn")

	s := reg.Find("R1")
	require.Equal(t, 1, s.TurnNumber)
	sawEmpty := false
	for _, chain := range s.Chains {
		require.Len(t, chain.Steps, 1)
		if chain.Steps[0].SubmittedCSS == "" {
			sawEmpty = true
		}
	}
	require.True(t, sawEmpty, "the silent member's step must carry empty content")
	require.NotEmpty(t, notify.byType(types.EvtNewTurn))
}

func TestStaleTimerFire_IsNoOp(t *testing.T) {
	e, reg, _, _ := newTestEngine(t, 90)
	ctx := context.Background()

	_, _ = e.Join(ctx, "R1", "h", "Host")
	_, _ = e.Join(ctx, "R1", "p2", "Player2")
	_, _ = e.Start(ctx, "h")

	s := reg.Find("R1")
	turnZeroGen := s.TimerGen

	require.NoError(t, e.Submit(ctx, "h", "a"))
	require.NoError(t, e.Submit(ctx, "p2", "b"))
	require.Equal(t, 1, s.TurnNumber)

	// Simulate the cancelled turn-0 deadline racing in after the early
	// end: its generation no longer matches, so nothing may change.
	e.timerExpired("R1", turnZeroGen)

	require.Equal(t, 1, s.TurnNumber)
	require.Equal(t, room.StateInGame, s.GameState)
	stepTotal := 0
	for _, chain := range s.Chains {
		stepTotal += len(chain.Steps)
	}
	require.Equal(t, 2, stepTotal, "a stale fire must not append steps")
}

func TestMidGameJoin_NotAddedToAssignments(t *testing.T) {
	e, reg, _, _ := newTestEngine(t, 90)
	ctx := context.Background()

	_, _ = e.Join(ctx, "R1", "h", "Host")
	_, _ = e.Join(ctx, "R1", "p2", "Player2")
	_, _ = e.Start(ctx, "h")

	state, err := e.Join(ctx, "R1", "p3", "Latecomer")
	require.NoError(t, err)
	require.Len(t, state.Users, 3)

	s := reg.Find("R1")
	require.Len(t, s.Assignments, 2, "running game keeps its two chains")
	for _, seq := range s.Assignments {
		require.NotContains(t, seq, "p3")
	}
	require.Equal(t, 2, s.TotalTurns)

	// The latecomer now counts toward turn completion but authors nothing.
	require.NoError(t, e.Submit(ctx, "h", "a"))
	require.NoError(t, e.Submit(ctx, "p2", "b"))
	require.Equal(t, 0, s.TurnNumber, "turn waits for every current member")
	require.NoError(t, e.Submit(ctx, "p3", "c"))
	require.Equal(t, 1, s.TurnNumber)
	for _, chain := range s.Chains {
		require.Len(t, chain.Steps, 1)
		require.NotEqual(t, "p3", chain.Steps[0].Author.ID)
	}
}

func TestMidGameLeave_ChainSkipsDepartedAssignee(t *testing.T) {
	e, reg, _, _ := newTestEngine(t, 90)
	ctx := context.Background()

	_, _ = e.Join(ctx, "R1", "h", "Host")
	_, _ = e.Join(ctx, "R1", "p2", "Player2")
	_, _ = e.Join(ctx, "R1", "p3", "Player3")
	_, _ = e.Start(ctx, "h")

	e.HandleDisconnect(ctx, "p3")
	s := reg.Find("R1")
	require.Len(t, s.Members, 2)
	require.Equal(t, 3, s.TotalTurns, "total turns stay fixed at game start")

	require.NoError(t, e.Submit(ctx, "h", "a"))
	require.NoError(t, e.Submit(ctx, "p2", "b"))
	require.Equal(t, 1, s.TurnNumber)

	steps := 0
	for _, chain := range s.Chains {
		steps += len(chain.Steps)
		for _, step := range chain.Steps {
			require.NotEqual(t, "p3", step.Author.ID)
		}
	}
	require.Equal(t, 2, steps, "the departed member's chain gets no step this turn")
}

func TestRenderFailure_RecordsSentinelAndOtherChainsCommit(t *testing.T) {
	e, reg, _, renderer := newTestEngine(t, 90)
	ctx := context.Background()

	_, _ = e.Join(ctx, "R1", "h", "Host")
	_, _ = e.Join(ctx, "R1", "p2", "Player2")
	_, _ = e.Start(ctx, "h")

	renderer.failNext = 1
	require.NoError(t, e.Submit(ctx, "h", "a"))
	require.NoError(t, e.Submit(ctx, "p2", "b"))

	s := reg.Find("R1")
	require.Equal(t, 1, s.TurnNumber, "one wedged render must not block the turn")

	empty, filled := 0, 0
	for _, chain := range s.Chains {
		require.Len(t, chain.Steps, 1)
		if chain.Steps[0].ResultImageURL == "" {
			empty++
		} else {
			filled++
		}
	}
	require.Equal(t, 1, empty, "the failed chain carries the sentinel artifact")
	require.Equal(t, 1, filled, "the healthy chain still commits its artifact")
}

// gatedRenderer holds every render in flight until release is closed, so a
// test can act while a turn's artifacts are still being produced.
type gatedRenderer struct {
	started chan struct{}
	release chan struct{}
}

func (g *gatedRenderer) Render(ctx context.Context, html, css string) (string, error) {
	g.started <- struct{}{}
	<-g.release
	return "/results/gated.png", nil
}

func awaitRenders(t *testing.T, g *gatedRenderer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-g.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("render %d of %d never started", i+1, n)
		}
	}
}

// A turn abandoned by a reset may still have renders in flight when the
// host starts a fresh game. Its late commit must be discarded, even when
// the new game is smaller than the chain indices the old turn carries.
func TestStaleRenderCommit_AfterRestart_IsDiscarded(t *testing.T) {
	reg := room.NewRegistry(zap.NewNop())
	notify := &fakeNotifier{}
	renderer := &gatedRenderer{started: make(chan struct{}, 8), release: make(chan struct{})}
	e := NewEngine(reg, notify, renderer, fakePrompts{}, 90, zap.NewNop())
	t.Cleanup(e.Shutdown)
	ctx := context.Background()

	_, _ = e.Join(ctx, "R1", "h", "Host")
	_, _ = e.Join(ctx, "R1", "p2", "Player2")
	_, _ = e.Join(ctx, "R1", "p3", "Player3")
	_, err := e.Start(ctx, "h")
	require.NoError(t, err)

	require.NoError(t, e.Submit(ctx, "h", "old-a"))
	require.NoError(t, e.Submit(ctx, "p2", "old-b"))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, e.Submit(ctx, "p3", "old-c"))
	}()
	awaitRenders(t, renderer, 3) // turn 0's three renders are now in flight

	// Reset and restart with one player fewer while those renders hang.
	require.NoError(t, e.ResetToLobby(ctx, "h"))
	e.HandleDisconnect(ctx, "p3")
	_, err = e.Start(ctx, "h")
	require.NoError(t, err)

	require.NoError(t, e.Submit(ctx, "h", "new-a"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, e.Submit(ctx, "p2", "new-b"))
	}()
	awaitRenders(t, renderer, 2) // the new game's turn is ending too

	close(renderer.release)
	wg.Wait()

	s := reg.Find("R1")
	require.Equal(t, 1, s.TurnNumber)
	require.Len(t, s.Chains, 2)
	for _, chain := range s.Chains {
		require.Len(t, chain.Steps, 1, "the abandoned game's steps must not leak in")
		require.Contains(t, []string{"new-a", "new-b"}, chain.Steps[0].SubmittedCSS)
	}
}

func TestResetToLobby_DuringGameCancelsTimer(t *testing.T) {
	e, reg, notify, _ := newTestEngine(t, 1)
	ctx := context.Background()

	_, _ = e.Join(ctx, "R1", "h", "Host")
	_, _ = e.Join(ctx, "R1", "p2", "Player2")
	_, _ = e.Start(ctx, "h")

	require.NoError(t, e.ResetToLobby(ctx, "h"))
	s := reg.Find("R1")
	require.Equal(t, room.StateLobby, s.GameState)

	notify.reset()
	time.Sleep(1500 * time.Millisecond)
	require.Equal(t, room.StateLobby, s.GameState, "cancelled timer must not end a turn after reset")
	require.Empty(t, notify.byType(types.EvtNewTurn))
	require.Empty(t, notify.byType(types.EvtGameFinished))
}

func TestHostDisconnect_BroadcastsNewHost(t *testing.T) {
	e, reg, notify, _ := newTestEngine(t, 90)
	ctx := context.Background()

	_, _ = e.Join(ctx, "R1", "h", "Host")
	_, _ = e.Join(ctx, "R1", "p2", "Player2")
	notify.reset()

	e.HandleDisconnect(ctx, "h")
	s := reg.Find("R1")
	require.NotNil(t, s)
	require.Equal(t, "p2", s.HostID)

	states := notify.byType(types.EvtRoomState)
	require.NotEmpty(t, states)
	require.Equal(t, "p2", states[len(states)-1].msg.RoomState.HostID)
}

func TestLastDisconnect_DeletesRoomSilently(t *testing.T) {
	e, reg, notify, _ := newTestEngine(t, 90)
	ctx := context.Background()

	_, _ = e.Join(ctx, "R1", "h", "Host")
	notify.reset()

	e.HandleDisconnect(ctx, "h")
	require.Nil(t, reg.Find("R1"))
	require.Empty(t, notify.byType(types.EvtRoomState), "no residual room, nobody to notify")
}
