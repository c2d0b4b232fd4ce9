// Empire Game Session
//
// Each player joins a session by short code and submits the name of a
// famous figure, alive or dead, fictional or real. A trusted reader
// (the moderator) reads the shuffled list aloud, then players take
// turns guessing who submitted each name. The reader drives reveals,
// eliminations, and turn advancement until a single player remains.
//
// Rules enforced here:
// - Players join and submit only while the session is in the lobby
// - Display names are unique per session, compared case-insensitively
// - Starting requires at least 2 submissions and every player submitted
// - Identity order and turn order are shuffled independently, with an
//   unbiased Fisher-Yates over an injectable random source
// - Turn advancement skips eliminated players
// - The session finishes exactly when one player remains in
// - Reset returns to the lobby for another round with the same roster
//
// Every operation validates, mutates, then broadcasts, all under the
// session lock, so observers see operations atomically and in a single
// consistent order. Failed operations mutate nothing and broadcast
// nothing.

package main

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase is the lifecycle state of a session.
type Phase string

const (
	PhaseLobby    Phase = "Lobby"
	PhaseActive   Phase = "Active"
	PhaseFinished Phase = "Finished"
)

// Notifier carries outbound notifications to a session's connected
// participants. The transport adapter injects the live implementation;
// tests inject a recorder.
type Notifier interface {
	// Broadcast fans msg out to every participant in the session.
	// Sessions call it while holding their own lock, so delivery
	// order matches mutation order.
	Broadcast(code string, msg any)

	// SessionClosed tells the transport to drop any remaining
	// connections for a reclaimed session.
	SessionClosed(code string)
}

// Player holds the data we store server-side. ID is stable for the
// logical participant; ConnRef tracks the current connection and is
// used only for disconnect bookkeeping and host/reader checks.
type Player struct {
	ID           string
	ConnRef      string
	Name         string
	HasSubmitted bool
}

// Reveal is one entry in the append-only reveal log.
type Reveal struct {
	Identity  string
	GuessedBy string
}

// Session is the state machine for one game instance.
type Session struct {
	code    string
	hostRef string // connection that first reached the session

	mu        sync.Mutex
	readerRef string
	phase     Phase

	players     []*Player         // insertion order = join order
	submissions map[string]string // player ID -> normalized identity

	shuffledIdentities []string
	turnOrder          []string // display names, permuted at start
	eliminated         map[string]bool
	currentTurn        int
	revealLog          []Reveal
	winner             string

	createdAt  time.Time
	lastActive time.Time

	rng    *rand.Rand
	notify Notifier
}

func newSession(code string, rng *rand.Rand, notify Notifier) *Session {
	now := time.Now()
	return &Session{
		code:        code,
		phase:       PhaseLobby,
		submissions: make(map[string]string),
		eliminated:  make(map[string]bool),
		createdAt:   now,
		lastActive:  now,
		rng:         rng,
		notify:      notify,
	}
}

// cryptoSeed seeds the per-session shuffle source from crypto/rand.
func cryptoSeed() int64 {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	return int64(binary.LittleEndian.Uint64(buf[:]) >> 1)
}

func (s *Session) Code() string {
	return s.code
}

// ClaimHost records the first connection to reach the session.
// Host status is informational; reader privileges are separate.
func (s *Session) ClaimHost(connRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hostRef == "" {
		s.hostRef = connRef
	}
}

// Touch refreshes the idle clock without mutating game state.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()
}

// reapable reports whether the registry may reclaim this session:
// empty roster and idle since before the cutoff. A merely momentarily
// empty session survives, to tolerate tab switches and reconnects.
func (s *Session) reapable(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.players) == 0 && s.lastActive.Before(cutoff)
}

// AddPlayer joins a participant to the lobby under a normalized,
// session-unique display name and broadcasts the updated roster.
func (s *Session) AddPlayer(connRef, rawName string) (JoinedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if s.phase != PhaseLobby {
		return JoinedMessage{}, invalidStatef("Game has already started.")
	}

	name := normalizeName(rawName)
	if name == "" {
		return JoinedMessage{}, validationf("Please enter a name.")
	}

	for _, p := range s.players {
		if sameName(p.Name, name) {
			return JoinedMessage{}, validationf("That name is already taken. Please choose a different name.")
		}
	}

	player := &Player{
		ID:      uuid.NewString(),
		ConnRef: connRef,
		Name:    name,
	}
	s.players = append(s.players, player)

	s.broadcastRosterLocked()

	return JoinedMessage{
		Type:     "joined",
		PlayerID: player.ID,
		Name:     player.Name,
		IsHost:   connRef == s.hostRef,
	}, nil
}

// JoinReader registers connRef as the session's reader and returns
// the full session view. Re-joining replaces the reader reference, so
// a reader who reloads the page keeps their privileges.
func (s *Session) JoinReader(connRef string) ReaderViewMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()
	s.readerRef = connRef

	return ReaderViewMessage{
		Type:            "reader_view",
		Phase:           string(s.phase),
		PlayerCount:     len(s.players),
		SubmissionCount: len(s.submissions),
		Players:         s.rosterLocked(),
		CreatedAt:       s.createdAt,
		LastActive:      s.lastActive,
	}
}

// RemovePlayer deletes a lobby player and any pending submission.
// Reader only.
func (s *Session) RemovePlayer(connRef, playerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if s.readerRef == "" || connRef != s.readerRef {
		return "", unauthorizedf("Only the reader may remove players.")
	}
	if s.phase != PhaseLobby {
		return "", invalidStatef("Players can only be removed in the lobby.")
	}

	idx := -1
	for i, p := range s.players {
		if p.ID == playerID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return "", notFoundf("No such player in this game.")
	}

	removed := s.players[idx]
	s.players = append(s.players[:idx], s.players[idx+1:]...)
	delete(s.submissions, removed.ID)

	s.notify.Broadcast(s.code, RemovedMessage{
		Type:       "player_removed",
		PlayerID:   removed.ID,
		PlayerName: removed.Name,
	})
	s.broadcastRosterLocked()

	return removed.Name, nil
}

// RecordSubmission stores a player's normalized secret identity and
// marks them submitted.
func (s *Session) RecordSubmission(playerID, rawIdentity string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if s.phase != PhaseLobby {
		return "", invalidStatef("Submissions are closed.")
	}

	var player *Player
	for _, p := range s.players {
		if p.ID == playerID {
			player = p
			break
		}
	}
	if player == nil {
		return "", notFoundf("You are not in this game.")
	}
	if player.HasSubmitted {
		return "", conflictf("You have already submitted a name.")
	}

	identity := normalizeName(rawIdentity)
	if identity == "" {
		return "", validationf("Please enter a name.")
	}

	s.submissions[player.ID] = identity
	player.HasSubmitted = true

	s.broadcastRosterLocked()

	return identity, nil
}

// Start freezes the roster, shuffles the identity list and the turn
// order independently, and moves the session to Active.
func (s *Session) Start() (GameStartedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if s.phase != PhaseLobby {
		return GameStartedMessage{}, invalidStatef("Game has already started.")
	}
	if len(s.submissions) < 2 {
		return GameStartedMessage{}, validationf("Need at least 2 players with submissions to start.")
	}
	for _, p := range s.players {
		if !p.HasSubmitted {
			return GameStartedMessage{}, validationf("Not all players have submitted their names.")
		}
	}

	identities := make([]string, 0, len(s.players))
	names := make([]string, 0, len(s.players))
	for _, p := range s.players {
		identities = append(identities, s.submissions[p.ID])
		names = append(names, p.Name)
	}
	s.shuffleLocked(identities)
	s.shuffleLocked(names)

	s.phase = PhaseActive
	s.shuffledIdentities = identities
	s.turnOrder = names
	s.eliminated = make(map[string]bool)
	s.currentTurn = 0
	s.revealLog = nil
	s.winner = ""

	msg := GameStartedMessage{
		Type:        "game_started",
		Identities:  s.shuffledIdentities,
		TurnOrder:   s.turnOrder,
		CurrentTurn: s.turnOrder[0],
	}
	s.notify.Broadcast(s.code, msg)

	return msg, nil
}

// shuffleLocked permutes items in place with an unbiased
// Fisher-Yates: each index swaps with a uniform index at or below it.
func (s *Session) shuffleLocked(items []string) {
	for i := len(items) - 1; i > 0; i-- {
		j := s.rng.Intn(i + 1)
		items[i], items[j] = items[j], items[i]
	}
}

// RevealGuess appends a correct guess to the reveal log and announces
// it. The reader is trusted: no check that the identity is one of the
// shuffled, unrevealed identities.
func (s *Session) RevealGuess(identity, guessedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if s.phase != PhaseActive {
		return invalidStatef("Game not in progress.")
	}

	s.revealLog = append(s.revealLog, Reveal{Identity: identity, GuessedBy: guessedBy})

	s.notify.Broadcast(s.code, RevealMessage{
		Type:      "identity_revealed",
		Identity:  identity,
		GuessedBy: guessedBy,
	})

	return nil
}

// Eliminate marks a player out of the round. Eliminating the last
// opponent finishes the game and announces the winner, exactly once.
func (s *Session) Eliminate(name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if s.phase != PhaseActive {
		return nil, invalidStatef("Game not in progress.")
	}

	inOrder := false
	for _, n := range s.turnOrder {
		if n == name {
			inOrder = true
			break
		}
	}
	if !inOrder {
		return nil, validationf("No such player in the turn order.")
	}

	s.eliminated[name] = true

	remaining := s.activeNamesLocked()

	s.notify.Broadcast(s.code, EliminatedMessage{
		Type:       "player_eliminated",
		PlayerName: name,
		Remaining:  remaining,
	})

	if len(remaining) == 1 {
		s.phase = PhaseFinished
		s.winner = remaining[0]
		s.notify.Broadcast(s.code, GameOverMessage{
			Type:   "game_over",
			Winner: s.winner,
		})
		return remaining, nil
	}

	// Keep the turn pointer on a live player if the current holder
	// was just eliminated.
	if s.eliminated[s.turnOrder[s.currentTurn]] {
		s.currentTurn = s.nextActiveLocked()
		s.notify.Broadcast(s.code, TurnMessage{
			Type:        "turn_changed",
			CurrentTurn: s.turnOrder[s.currentTurn],
		})
	}

	return remaining, nil
}

// AdvanceTurn moves the turn pointer cyclically to the next
// non-eliminated player. With a single survivor the pointer stays put.
func (s *Session) AdvanceTurn() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if s.phase != PhaseActive {
		return "", invalidStatef("Game not in progress.")
	}

	s.currentTurn = s.nextActiveLocked()
	next := s.turnOrder[s.currentTurn]

	s.notify.Broadcast(s.code, TurnMessage{
		Type:        "turn_changed",
		CurrentTurn: next,
	})

	return next, nil
}

// nextActiveLocked finds the next non-eliminated index after
// currentTurn, wrapping around; it returns currentTurn unchanged when
// no other live player exists.
func (s *Session) nextActiveLocked() int {
	for i := 1; i <= len(s.turnOrder); i++ {
		cand := (s.currentTurn + i) % len(s.turnOrder)
		if !s.eliminated[s.turnOrder[cand]] {
			return cand
		}
	}
	return s.currentTurn
}

// Reset returns the session to the lobby for another round. Roster
// membership and player IDs survive; everything round-scoped clears.
func (s *Session) Reset() ResetMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	s.phase = PhaseLobby
	s.submissions = make(map[string]string)
	s.shuffledIdentities = nil
	s.turnOrder = nil
	s.eliminated = make(map[string]bool)
	s.currentTurn = 0
	s.revealLog = nil
	s.winner = ""

	for _, p := range s.players {
		p.HasSubmitted = false
	}

	msg := ResetMessage{
		Type:    "session_reset",
		Players: s.rosterLocked(),
	}
	s.notify.Broadcast(s.code, msg)

	return msg
}

// HandleDisconnect prunes lobby players on connRef who have not yet
// submitted. Submitted or mid-game players are retained so a dropped
// tab does not break the round.
func (s *Session) HandleDisconnect(connRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if s.phase != PhaseLobby {
		return
	}

	dst := s.players[:0]
	changed := false

	for _, p := range s.players {
		if p.ConnRef == connRef && !p.HasSubmitted {
			changed = true
			delete(s.submissions, p.ID)
			continue
		}
		dst = append(dst, p)
	}
	s.players = dst

	if changed {
		s.broadcastRosterLocked()
	}
}

func (s *Session) rosterLocked() []RosterEntry {
	roster := make([]RosterEntry, 0, len(s.players))
	for _, p := range s.players {
		roster = append(roster, RosterEntry{
			Name:         p.Name,
			HasSubmitted: p.HasSubmitted,
		})
	}
	return roster
}

func (s *Session) activeNamesLocked() []string {
	active := make([]string, 0, len(s.turnOrder))
	for _, n := range s.turnOrder {
		if !s.eliminated[n] {
			active = append(active, n)
		}
	}
	return active
}

func (s *Session) broadcastRosterLocked() {
	s.notify.Broadcast(s.code, RosterMessage{
		Type:    "roster",
		Players: s.rosterLocked(),
	})
}
