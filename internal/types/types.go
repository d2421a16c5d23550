package types

import "css-relay/internal/room"

// Client -> server message types.
const (
	CmdJoinRoom       = "joinRoom"
	CmdStartGame      = "startGame"
	CmdSubmitCSS      = "submitCss"
	CmdNextResultStep = "nextResultStep"
	CmdReturnToLobby  = "returnToLobby"
)

// Server -> client message types.
const (
	TypeAck           = "ack"
	EvtRoomState      = "updateRoomState"
	EvtGameStart      = "gameStart"
	EvtNewTurn        = "newTurn"
	EvtTimerUpdate    = "timerUpdate"
	EvtGameFinished   = "gameFinished"
	EvtShowNextResult = "showNextResult"
	EvtLobbyReset     = "lobbyReset"
	EvtError          = "error"
)

type ClientMessage struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"` // correlates the ack
	RoomCode string `json:"roomCode,omitempty"`
	Name     string `json:"name,omitempty"`
	CSS      string `json:"css,omitempty"`
}

// Ack answers a request that expects a result.
type Ack struct {
	Type      string          `json:"type"` // always "ack"
	AckID     string          `json:"ackId,omitempty"`
	Success   bool            `json:"success"`
	Message   string          `json:"message,omitempty"`
	RoomState *room.RoomState `json:"roomState,omitempty"`
}

type GameResults struct {
	Chains []room.ResultChain `json:"chains"`
}

type ServerMessage struct {
	Type       string             `json:"type"`
	RoomState  *room.RoomState    `json:"roomState,omitempty"`
	Prompt     *room.Prompt       `json:"prompt,omitempty"`
	TurnNumber int                `json:"turnNumber,omitempty"`
	TotalTurns int                `json:"totalTurns,omitempty"`
	Remaining  *int               `json:"remainingTime,omitempty"`
	Results    *GameResults       `json:"results,omitempty"`
	Cursor     *room.RevealCursor `json:"cursor,omitempty"`
	Message    string             `json:"message,omitempty"`
}

func RoomStateMsg(state room.RoomState) ServerMessage {
	return ServerMessage{Type: EvtRoomState, RoomState: &state}
}

func GameStartMsg(prompt room.Prompt) ServerMessage {
	return ServerMessage{Type: EvtGameStart, Prompt: &prompt}
}

func NewTurnMsg(prompt room.Prompt, turnNumber, totalTurns int) ServerMessage {
	return ServerMessage{
		Type:       EvtNewTurn,
		Prompt:     &prompt,
		TurnNumber: turnNumber,
		TotalTurns: totalTurns,
	}
}

func TimerMsg(remaining int) ServerMessage {
	return ServerMessage{Type: EvtTimerUpdate, Remaining: &remaining}
}

func GameFinishedMsg(chains []room.ResultChain) ServerMessage {
	return ServerMessage{Type: EvtGameFinished, Results: &GameResults{Chains: chains}}
}

func ShowNextResultMsg(cursor room.RevealCursor) ServerMessage {
	return ServerMessage{Type: EvtShowNextResult, Cursor: &cursor}
}

func LobbyResetMsg() ServerMessage {
	return ServerMessage{Type: EvtLobbyReset}
}

func ErrorMsg(message string) ServerMessage {
	return ServerMessage{Type: EvtError, Message: message}
}
