package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"css-relay/internal/game"
	"css-relay/internal/room"
	"css-relay/internal/types"
)

// Handler upgrades the connection and runs the read loop. Each connection
// gets a fresh id; the id is the player's identity for its whole lifetime,
// so dropping the connection removes the player from their room.
func Handler(h *Hub, engine *game.Engine, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		clientID := uuid.NewString()
		out := h.register(clientID)
		defer func() {
			h.unregister(clientID)
			engine.HandleDisconnect(context.Background(), clientID)
		}()
		log.Info("user connected", zap.String("client", clientID))

		// Writer goroutine: everything to this client funnels through out
		// so writes never interleave.
		writeCtx, writeCancel := context.WithCancel(context.Background())
		defer writeCancel()
		go func() {
			for payload := range out {
				ctx, cancel := context.WithTimeout(writeCtx, 5*time.Second)
				_ = conn.Write(ctx, websocket.MessageText, payload)
				cancel()
			}
		}()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					log.Debug("read ended", zap.String("client", clientID), zap.Error(err))
				}
				log.Info("user disconnected", zap.String("client", clientID))
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				enqueue(out, types.ErrorMsg("bad json"), log)
				continue
			}
			dispatch(r.Context(), out, engine, clientID, cm, log)
		}
	}
}

func dispatch(ctx context.Context, out chan []byte, engine *game.Engine, clientID string, cm types.ClientMessage, log *zap.Logger) {
	switch cm.Type {
	case types.CmdJoinRoom:
		if cm.RoomCode == "" || cm.Name == "" {
			enqueueAck(out, types.Ack{Type: types.TypeAck, AckID: cm.ID, Success: false, Message: "room code and name are required"}, log)
			return
		}
		state, err := engine.Join(ctx, cm.RoomCode, clientID, cm.Name)
		if err != nil {
			enqueueAck(out, types.Ack{Type: types.TypeAck, AckID: cm.ID, Success: false, Message: userMessage(err)}, log)
			return
		}
		enqueueAck(out, types.Ack{Type: types.TypeAck, AckID: cm.ID, Success: true, RoomState: &state}, log)

	case types.CmdStartGame:
		state, err := engine.Start(ctx, clientID)
		if err != nil {
			enqueueAck(out, types.Ack{Type: types.TypeAck, AckID: cm.ID, Success: false, Message: userMessage(err)}, log)
			return
		}
		enqueueAck(out, types.Ack{Type: types.TypeAck, AckID: cm.ID, Success: true, RoomState: &state}, log)

	case types.CmdSubmitCSS:
		if err := engine.Submit(ctx, clientID, cm.CSS); err != nil {
			enqueueAck(out, types.Ack{Type: types.TypeAck, AckID: cm.ID, Success: false, Message: userMessage(err)}, log)
			return
		}
		enqueueAck(out, types.Ack{Type: types.TypeAck, AckID: cm.ID, Success: true, Message: "Submission received."}, log)

	case types.CmdNextResultStep:
		if err := engine.AdvanceReveal(ctx, clientID); err != nil {
			log.Debug("nextResultStep rejected", zap.String("client", clientID), zap.Error(err))
		}

	case types.CmdReturnToLobby:
		if err := engine.ResetToLobby(ctx, clientID); err != nil {
			log.Debug("returnToLobby rejected", zap.String("client", clientID), zap.Error(err))
		}

	default:
		enqueue(out, types.ErrorMsg("unknown message type"), log)
	}
}

// userMessage maps engine errors onto the human-readable reasons clients
// see in failed acks.
func userMessage(err error) string {
	switch {
	case errors.Is(err, game.ErrNoSession):
		return "Invalid session."
	case errors.Is(err, game.ErrNotHost):
		return "Only the host can do that."
	case errors.Is(err, game.ErrNotEnoughPlayers):
		return "At least 2 players are needed."
	case errors.Is(err, game.ErrWrongPhase):
		return "Not possible right now."
	case errors.Is(err, room.ErrRoomNotFound):
		return "Room no longer exists."
	default:
		return "Request failed."
	}
}

func enqueue(out chan []byte, msg types.ServerMessage, log *zap.Logger) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error("marshal server message", zap.Error(err))
		return
	}
	push(out, payload)
}

func enqueueAck(out chan []byte, ack types.Ack, log *zap.Logger) {
	payload, err := json.Marshal(ack)
	if err != nil {
		log.Error("marshal ack", zap.Error(err))
		return
	}
	pushAck(out, payload)
}

// push drops on a full outbox. Broadcast-style messages tolerate a slow
// client missing one update; stalling the sender does not.
func push(out chan []byte, payload []byte) {
	select {
	case out <- payload:
	default:
	}
}

const ackWait = 5 * time.Second

// pushAck waits for outbox space, so a request's acknowledgement is not
// lost to a momentarily full outbox. The wait is bounded: a client that
// stays wedged past the writer's deadline forfeits the ack.
func pushAck(out chan []byte, payload []byte) {
	t := time.NewTimer(ackWait)
	defer t.Stop()
	select {
	case out <- payload:
	case <-t.C:
	}
}
