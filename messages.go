package main

import "time"

// Messages coming from clients
type ClientMessage struct {
	Type       string `json:"type"`                  // "join", "join_reader", "submit", "remove_player", "start_game", "reveal", "eliminate", "next_turn", "reset"
	PlayerName string `json:"player_name,omitempty"` // join
	PlayerID   string `json:"player_id,omitempty"`   // submit / remove_player
	Identity   string `json:"identity,omitempty"`    // submit / reveal
	GuessedBy  string `json:"guessed_by,omitempty"`  // reveal
	TargetName string `json:"target_name,omitempty"` // eliminate
}

// RosterEntry is the public view of one player.
type RosterEntry struct {
	Name         string `json:"name"`
	HasSubmitted bool   `json:"has_submitted"`
}

// RosterMessage is broadcast whenever roster membership or
// submission status changes.
type RosterMessage struct {
	Type    string        `json:"type"` // "roster"
	Players []RosterEntry `json:"players"`
}

// JoinedMessage acknowledges a successful join to that client only.
type JoinedMessage struct {
	Type     string `json:"type"` // "joined"
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
	IsHost   bool   `json:"is_host"`
}

// ReaderViewMessage is sent to the reader on join with full session state.
type ReaderViewMessage struct {
	Type            string        `json:"type"` // "reader_view"
	Phase           string        `json:"phase"`
	PlayerCount     int           `json:"player_count"`
	SubmissionCount int           `json:"submission_count"`
	Players         []RosterEntry `json:"players"`
	CreatedAt       time.Time     `json:"created_at"`
	LastActive      time.Time     `json:"last_active"`
}

// SubmittedMessage acknowledges an accepted identity to that client only.
type SubmittedMessage struct {
	Type     string `json:"type"` // "submitted"
	Identity string `json:"identity"`
}

// GameStartedMessage is broadcast when the reader starts the round.
// Identity order and turn order are shuffled independently.
type GameStartedMessage struct {
	Type        string   `json:"type"` // "game_started"
	Identities  []string `json:"identities"`
	TurnOrder   []string `json:"turn_order"`
	CurrentTurn string   `json:"current_turn"`
}

// TurnMessage announces whose turn it is to guess.
type TurnMessage struct {
	Type        string `json:"type"` // "turn_changed"
	CurrentTurn string `json:"current_turn"`
}

// RevealMessage announces a correctly guessed identity.
type RevealMessage struct {
	Type      string `json:"type"` // "identity_revealed"
	Identity  string `json:"identity"`
	GuessedBy string `json:"guessed_by"`
}

// EliminatedMessage announces a player leaving the round.
type EliminatedMessage struct {
	Type       string   `json:"type"` // "player_eliminated"
	PlayerName string   `json:"player_name"`
	Remaining  []string `json:"remaining"`
}

// GameOverMessage is broadcast once, when a single player remains.
type GameOverMessage struct {
	Type   string `json:"type"` // "game_over"
	Winner string `json:"winner"`
}

// ResetMessage is broadcast when the session returns to the lobby
// for another round.
type ResetMessage struct {
	Type    string        `json:"type"` // "session_reset"
	Players []RosterEntry `json:"players"`
}

// RemovedMessage tells clients a player was removed by the reader,
// so the removed participant's client can react.
type RemovedMessage struct {
	Type       string `json:"type"` // "player_removed"
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
}

// ErrorMessage carries a failed operation back to the requesting
// client only.
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func errorMessage(err error) ErrorMessage {
	return ErrorMessage{
		Type:    "error",
		Kind:    string(kindOf(err)),
		Message: err.Error(),
	}
}
