package model

import (
	"encoding/json"
	"time"
)

// Inbound event kinds pushed by the server.
const (
	KindPong        = "pong"
	KindInit        = "init"
	KindJoin        = "join"
	KindLeave       = "leave"
	KindChat        = "chat"
	KindQuestion    = "question"
	KindAnswer      = "answer"
	KindGuess       = "guess"
	KindGuessResult = "guess_result"
	KindSetChar     = "set_character"
	KindAddWinner   = "add_winner"
	KindGameState   = "game_state"
	KindGameStarted = "game_started"
	KindPlayerLeft  = "player_left"

	// KindClose is synthetic: emitted locally when the channel
	// disconnects for good, never received from the server.
	KindClose = "close"
)

// Outbound-only event kinds.
const (
	KindPing         = "ping"
	KindRemovePlayer = "remove_player"
)

type Player struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsWinner bool   `json:"is_winner"`
}

// RoomSnapshot is the authoritative-as-known copy of room state.
// Characters maps player id to the character written on their head.
type RoomSnapshot struct {
	Code       string            `json:"code"`
	Players    []Player          `json:"players"`
	Started    bool              `json:"started"`
	CreatedAt  time.Time         `json:"created_at"`
	Characters map[string]string `json:"characters"`
	Messages   []Event           `json:"messages"`
}

// Event is the wire envelope for every channel message in both
// directions. Type discriminates, the rest of the fields are
// kind-specific and omitted when empty. The OpponentName and
// Characters fields are only populated on the one-time init handshake,
// which is distinct from the game_state "refetch now" signal.
type Event struct {
	Type       string `json:"type"`
	PlayerID   string `json:"playerId,omitempty"`
	PlayerName string `json:"playerName,omitempty"`
	WinnerID   string `json:"winnerId,omitempty"`
	RemovedID  string `json:"removedId,omitempty"`
	Text       string `json:"text,omitempty"`
	Character  string `json:"character,omitempty"`
	Correct    bool   `json:"correct,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`

	OpponentName string            `json:"opponentName,omitempty"`
	Characters   map[string]string `json:"characters,omitempty"`
}

// UnmarshalJSON accepts both key casings for the sender fields. Live
// pushes use camelCase, the message log inside a stored snapshot may
// carry snake_case keys instead.
func (e *Event) UnmarshalJSON(b []byte) error {
	type plain Event
	var ev plain
	if err := json.Unmarshal(b, &ev); err != nil {
		return err
	}
	var legacy struct {
		PlayerID   string `json:"player_id"`
		PlayerName string `json:"player_name"`
		WinnerID   string `json:"winner_id"`
		RemovedID  string `json:"removed_id"`
	}
	_ = json.Unmarshal(b, &legacy)
	if ev.PlayerID == "" {
		ev.PlayerID = legacy.PlayerID
	}
	if ev.PlayerName == "" {
		ev.PlayerName = legacy.PlayerName
	}
	if ev.WinnerID == "" {
		ev.WinnerID = legacy.WinnerID
	}
	if ev.RemovedID == "" {
		ev.RemovedID = legacy.RemovedID
	}
	*e = Event(ev)
	return nil
}

// Identity is the locally persisted membership of one room.
type Identity struct {
	RoomCode   string
	PlayerID   string
	PlayerName string
}
