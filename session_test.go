package main

import (
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"
)

// recorder captures broadcasts in delivery order, standing in for the
// live transport.
type recorder struct {
	mu     sync.Mutex
	msgs   []any
	closed []string
}

func (r *recorder) Broadcast(code string, msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) SessionClosed(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, code)
}

func (r *recorder) count(match func(any) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, m := range r.msgs {
		if match(m) {
			n++
		}
	}
	return n
}

func (r *recorder) last() any {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.msgs) == 0 {
		return nil
	}
	return r.msgs[len(r.msgs)-1]
}

func newTestSession(seed int64) (*Session, *recorder) {
	rec := &recorder{}
	s := newSession("AB23CD", rand.New(rand.NewSource(seed)), rec)
	return s, rec
}

func join(t *testing.T, s *Session, connRef, name string) JoinedMessage {
	t.Helper()

	reply, err := s.AddPlayer(connRef, name)
	if err != nil {
		t.Fatalf("AddPlayer(%q) failed: %v", name, err)
	}
	return reply
}

func submit(t *testing.T, s *Session, playerID, identity string) string {
	t.Helper()

	got, err := s.RecordSubmission(playerID, identity)
	if err != nil {
		t.Fatalf("RecordSubmission(%q) failed: %v", identity, err)
	}
	return got
}

// checkInvariants verifies the structural invariants that must hold
// after every operation.
func checkInvariants(t *testing.T, s *Session) {
	t.Helper()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Display names unique case-insensitively.
	for i, a := range s.players {
		for _, b := range s.players[i+1:] {
			if sameName(a.Name, b.Name) {
				t.Fatalf("duplicate display name %q in roster", a.Name)
			}
		}
	}

	// A player appears in submissions iff HasSubmitted.
	if len(s.submissions) > len(s.players) {
		t.Fatalf("submissions %d exceeds roster %d", len(s.submissions), len(s.players))
	}
	for _, p := range s.players {
		if _, ok := s.submissions[p.ID]; ok != p.HasSubmitted {
			t.Fatalf("player %q HasSubmitted=%v but submission present=%v", p.Name, p.HasSubmitted, ok)
		}
	}

	// Eliminated names are drawn from the turn order.
	inOrder := make(map[string]bool, len(s.turnOrder))
	for _, n := range s.turnOrder {
		inOrder[n] = true
	}
	active := 0
	for _, n := range s.turnOrder {
		if !s.eliminated[n] {
			active++
		}
	}
	for n, out := range s.eliminated {
		if out && !inOrder[n] {
			t.Fatalf("eliminated name %q not in turn order", n)
		}
	}

	switch s.phase {
	case PhaseActive:
		if len(s.turnOrder) == 0 {
			t.Fatalf("active session with empty turn order")
		}
		// Turn index points at a live player, except with a single
		// survivor, which should already be Finished anyway.
		if active > 1 && s.eliminated[s.turnOrder[s.currentTurn]] {
			t.Fatalf("current turn %q is eliminated with %d still active", s.turnOrder[s.currentTurn], active)
		}
	case PhaseFinished:
		if active != 1 {
			t.Fatalf("finished session has %d active players, want 1", active)
		}
	}
}

func TestAddPlayerNormalizesName(t *testing.T) {
	s, rec := newTestSession(1)

	reply := join(t, s, "conn-1", "  john q public ")
	if reply.Name != "John Q Public" {
		t.Fatalf("normalized name = %q, want %q", reply.Name, "John Q Public")
	}
	if reply.PlayerID == "" {
		t.Fatalf("expected a player id")
	}

	roster, ok := rec.last().(RosterMessage)
	if !ok {
		t.Fatalf("expected roster broadcast after join, got %T", rec.last())
	}
	if len(roster.Players) != 1 || roster.Players[0].Name != "John Q Public" {
		t.Fatalf("roster broadcast unexpected: %+v", roster)
	}

	checkInvariants(t, s)
}

func TestAddPlayerRejectsDuplicateAndEmpty(t *testing.T) {
	s, rec := newTestSession(1)
	join(t, s, "conn-1", "Alice")

	before := len(rec.msgs)

	if _, err := s.AddPlayer("conn-2", "alice"); kindOf(err) != KindValidation {
		t.Fatalf("duplicate join error = %v, want Validation", err)
	}
	if _, err := s.AddPlayer("conn-2", "   "); kindOf(err) != KindValidation {
		t.Fatalf("empty join error = %v, want Validation", err)
	}

	// Failed operations broadcast nothing.
	if len(rec.msgs) != before {
		t.Fatalf("failed joins broadcast %d extra messages", len(rec.msgs)-before)
	}

	checkInvariants(t, s)
}

func TestAddPlayerRejectedAfterStart(t *testing.T) {
	s, _ := newTestSession(1)
	a := join(t, s, "conn-1", "Alice")
	b := join(t, s, "conn-2", "Bob")
	submit(t, s, a.PlayerID, "Marie Curie")
	submit(t, s, b.PlayerID, "Albert Einstein")

	if _, err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := s.AddPlayer("conn-3", "Carol"); kindOf(err) != KindInvalidState {
		t.Fatalf("join after start error = %v, want InvalidState", err)
	}
}

func TestRecordSubmission(t *testing.T) {
	s, _ := newTestSession(1)
	a := join(t, s, "conn-1", "Alice")

	if _, err := s.RecordSubmission("nope", "Marie Curie"); kindOf(err) != KindNotFound {
		t.Fatalf("unknown player error = %v, want NotFound", err)
	}
	if _, err := s.RecordSubmission(a.PlayerID, "  "); kindOf(err) != KindValidation {
		t.Fatalf("empty identity error = %v, want Validation", err)
	}

	got := submit(t, s, a.PlayerID, "marie curie")
	if got != "Marie Curie" {
		t.Fatalf("normalized identity = %q, want %q", got, "Marie Curie")
	}

	if _, err := s.RecordSubmission(a.PlayerID, "Ada Lovelace"); kindOf(err) != KindConflict {
		t.Fatalf("second submission error = %v, want Conflict", err)
	}

	checkInvariants(t, s)
}

func TestRemovePlayer(t *testing.T) {
	s, rec := newTestSession(1)
	a := join(t, s, "conn-1", "Alice")
	join(t, s, "conn-2", "Bob")
	submit(t, s, a.PlayerID, "Marie Curie")

	// Non-reader connections may not remove players.
	if _, err := s.RemovePlayer("conn-2", a.PlayerID); kindOf(err) != KindUnauthorized {
		t.Fatalf("non-reader removal error = %v, want Unauthorized", err)
	}

	s.JoinReader("reader-conn")

	if _, err := s.RemovePlayer("reader-conn", "nope"); kindOf(err) != KindNotFound {
		t.Fatalf("unknown player removal error = %v, want NotFound", err)
	}

	name, err := s.RemovePlayer("reader-conn", a.PlayerID)
	if err != nil {
		t.Fatalf("RemovePlayer failed: %v", err)
	}
	if name != "Alice" {
		t.Fatalf("removed name = %q, want Alice", name)
	}

	// The removal notice precedes the roster update.
	if n := rec.count(func(m any) bool { _, ok := m.(RemovedMessage); return ok }); n != 1 {
		t.Fatalf("removal notices broadcast = %d, want 1", n)
	}
	roster, ok := rec.last().(RosterMessage)
	if !ok || len(roster.Players) != 1 || roster.Players[0].Name != "Bob" {
		t.Fatalf("roster after removal unexpected: %+v", rec.last())
	}

	checkInvariants(t, s)
}

func TestStartPreconditions(t *testing.T) {
	s, _ := newTestSession(1)
	a := join(t, s, "conn-1", "Alice")
	join(t, s, "conn-2", "Bob")
	submit(t, s, a.PlayerID, "Marie Curie")

	// Only one submission.
	if _, err := s.Start(); kindOf(err) != KindValidation {
		t.Fatalf("start with 1 submission error = %v, want Validation", err)
	}

	s2, _ := newTestSession(1)
	a2 := join(t, s2, "conn-1", "Alice")
	b2 := join(t, s2, "conn-2", "Bob")
	submit(t, s2, a2.PlayerID, "Marie Curie")
	submit(t, s2, b2.PlayerID, "Albert Einstein")
	// A late joiner who never submits blocks the start.
	join(t, s2, "conn-3", "Carol")

	if _, err := s2.Start(); kindOf(err) != KindValidation {
		t.Fatalf("start with unsubmitted player error = %v, want Validation", err)
	}
}

func TestStartShufflesArePermutations(t *testing.T) {
	s, _ := newTestSession(42)

	names := []string{"Alice", "Bob", "Carol", "Dave", "Erin"}
	identities := []string{"Marie Curie", "Albert Einstein", "Ada Lovelace", "Alan Turing", "Isaac Newton"}
	for i, n := range names {
		p := join(t, s, "conn", n)
		submit(t, s, p.PlayerID, identities[i])
	}

	reply, err := s.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if !samePermutation(reply.Identities, identities) {
		t.Fatalf("shuffled identities %v not a permutation of %v", reply.Identities, identities)
	}
	if !samePermutation(reply.TurnOrder, names) {
		t.Fatalf("turn order %v not a permutation of %v", reply.TurnOrder, names)
	}
	if reply.CurrentTurn != reply.TurnOrder[0] {
		t.Fatalf("first turn %q, want %q", reply.CurrentTurn, reply.TurnOrder[0])
	}

	// Starting again is a phase violation.
	if _, err := s.Start(); kindOf(err) != KindInvalidState {
		t.Fatalf("second start error = %v, want InvalidState", err)
	}

	checkInvariants(t, s)
}

func samePermutation(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, s := range a {
		counts[s]++
	}
	for _, s := range b {
		counts[s]--
	}
	for _, n := range counts {
		if n != 0 {
			return false
		}
	}
	return true
}

// startedSession returns an Active session with the given player
// count and the resulting turn order.
func startedSession(t *testing.T, n int, seed int64) (*Session, *recorder, []string) {
	t.Helper()

	s, rec := newTestSession(seed)

	names := []string{"Alice", "Bob", "Carol", "Dave", "Erin", "Frank"}
	identities := []string{"Marie Curie", "Albert Einstein", "Ada Lovelace", "Alan Turing", "Isaac Newton", "Grace Hopper"}

	for i := 0; i < n; i++ {
		p := join(t, s, "conn", names[i])
		submit(t, s, p.PlayerID, identities[i])
	}

	reply, err := s.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return s, rec, reply.TurnOrder
}

func TestAdvanceTurnSkipsEliminated(t *testing.T) {
	s, _, order := startedSession(t, 4, 7)

	// Knock out the player after the current one.
	if _, err := s.Eliminate(order[1]); err != nil {
		t.Fatalf("Eliminate failed: %v", err)
	}

	next, err := s.AdvanceTurn()
	if err != nil {
		t.Fatalf("AdvanceTurn failed: %v", err)
	}
	if next != order[2] {
		t.Fatalf("next turn = %q, want %q (skipping eliminated %q)", next, order[2], order[1])
	}

	// A full cycle never lands on the eliminated name.
	for i := 0; i < 8; i++ {
		next, err = s.AdvanceTurn()
		if err != nil {
			t.Fatalf("AdvanceTurn failed: %v", err)
		}
		if next == order[1] {
			t.Fatalf("turn landed on eliminated player %q", next)
		}
		checkInvariants(t, s)
	}
}

func TestEliminateCurrentPlayerMovesTurn(t *testing.T) {
	s, rec, order := startedSession(t, 3, 3)

	if _, err := s.Eliminate(order[0]); err != nil {
		t.Fatalf("Eliminate failed: %v", err)
	}

	turn, ok := rec.last().(TurnMessage)
	if !ok {
		t.Fatalf("expected turn broadcast after eliminating current player, got %T", rec.last())
	}
	if turn.CurrentTurn != order[1] {
		t.Fatalf("turn after elimination = %q, want %q", turn.CurrentTurn, order[1])
	}

	checkInvariants(t, s)
}

func TestEliminateIsIdempotent(t *testing.T) {
	s, _, order := startedSession(t, 4, 9)

	first, err := s.Eliminate(order[3])
	if err != nil {
		t.Fatalf("Eliminate failed: %v", err)
	}
	second, err := s.Eliminate(order[3])
	if err != nil {
		t.Fatalf("repeat Eliminate failed: %v", err)
	}
	if !samePermutation(first, second) {
		t.Fatalf("repeat elimination changed the active set: %v then %v", first, second)
	}

	checkInvariants(t, s)
}

func TestEliminateUnknownNameRejected(t *testing.T) {
	s, _, _ := startedSession(t, 3, 5)

	if _, err := s.Eliminate("Nobody"); kindOf(err) != KindValidation {
		t.Fatalf("unknown elimination error = %v, want Validation", err)
	}
}

func TestEliminationToOneFinishesExactlyOnce(t *testing.T) {
	s, rec, order := startedSession(t, 3, 11)

	if _, err := s.Eliminate(order[1]); err != nil {
		t.Fatalf("Eliminate failed: %v", err)
	}
	remaining, err := s.Eliminate(order[2])
	if err != nil {
		t.Fatalf("Eliminate failed: %v", err)
	}

	if len(remaining) != 1 || remaining[0] != order[0] {
		t.Fatalf("remaining = %v, want [%q]", remaining, order[0])
	}

	overs := rec.count(func(m any) bool { _, ok := m.(GameOverMessage); return ok })
	if overs != 1 {
		t.Fatalf("game over broadcast %d times, want 1", overs)
	}
	last, ok := rec.last().(GameOverMessage)
	if !ok || last.Winner != order[0] {
		t.Fatalf("final broadcast = %+v, want game over with winner %q", rec.last(), order[0])
	}

	// Finished sessions refuse further round operations.
	if _, err := s.Eliminate(order[0]); kindOf(err) != KindInvalidState {
		t.Fatalf("eliminate after finish error = %v, want InvalidState", err)
	}
	if _, err := s.AdvanceTurn(); kindOf(err) != KindInvalidState {
		t.Fatalf("advance after finish error = %v, want InvalidState", err)
	}
	if err := s.RevealGuess("Marie Curie", order[0]); kindOf(err) != KindInvalidState {
		t.Fatalf("reveal after finish error = %v, want InvalidState", err)
	}

	checkInvariants(t, s)
}

func TestRevealGuess(t *testing.T) {
	s, _ := newTestSession(1)

	if err := s.RevealGuess("Marie Curie", "Bob"); kindOf(err) != KindInvalidState {
		t.Fatalf("reveal in lobby error = %v, want InvalidState", err)
	}

	s2, rec2, order := startedSession(t, 2, 1)

	if err := s2.RevealGuess("Marie Curie", order[0]); err != nil {
		t.Fatalf("RevealGuess failed: %v", err)
	}

	reveal, ok := rec2.last().(RevealMessage)
	if !ok {
		t.Fatalf("expected reveal broadcast, got %T", rec2.last())
	}
	if reveal.Identity != "Marie Curie" || reveal.GuessedBy != order[0] {
		t.Fatalf("reveal broadcast unexpected: %+v", reveal)
	}

	s2.mu.Lock()
	logged := len(s2.revealLog)
	s2.mu.Unlock()
	if logged != 1 {
		t.Fatalf("reveal log has %d entries, want 1", logged)
	}
}

func TestResetPreservesRoster(t *testing.T) {
	s, rec, _ := startedSession(t, 3, 13)

	s.mu.Lock()
	idsBefore := make([]string, 0, len(s.players))
	for _, p := range s.players {
		idsBefore = append(idsBefore, p.ID)
	}
	s.mu.Unlock()

	reset := s.Reset()

	if len(reset.Players) != 3 {
		t.Fatalf("roster after reset has %d players, want 3", len(reset.Players))
	}
	for _, p := range reset.Players {
		if p.HasSubmitted {
			t.Fatalf("player %q still marked submitted after reset", p.Name)
		}
	}

	s.mu.Lock()
	if s.phase != PhaseLobby {
		t.Fatalf("phase after reset = %v, want Lobby", s.phase)
	}
	if len(s.submissions) != 0 || len(s.turnOrder) != 0 || len(s.shuffledIdentities) != 0 || len(s.revealLog) != 0 {
		t.Fatalf("round state not cleared by reset")
	}
	for n, out := range s.eliminated {
		if out {
			t.Fatalf("player %q still eliminated after reset", n)
		}
	}
	for i, p := range s.players {
		if p.ID != idsBefore[i] {
			t.Fatalf("player id changed across reset: %q != %q", p.ID, idsBefore[i])
		}
	}
	s.mu.Unlock()

	if _, ok := rec.last().(ResetMessage); !ok {
		t.Fatalf("expected reset broadcast, got %T", rec.last())
	}

	// The same roster can play another round.
	s.mu.Lock()
	players := append([]*Player(nil), s.players...)
	s.mu.Unlock()
	for i, p := range players {
		submit(t, s, p.ID, []string{"Marie Curie", "Albert Einstein", "Ada Lovelace"}[i])
	}
	if _, err := s.Start(); err != nil {
		t.Fatalf("restart after reset failed: %v", err)
	}

	checkInvariants(t, s)
}

func TestDisconnectPolicy(t *testing.T) {
	s, rec := newTestSession(1)
	a := join(t, s, "conn-a", "Alice")
	join(t, s, "conn-b", "Bob")
	submit(t, s, a.PlayerID, "Marie Curie")

	// Bob never submitted; his disconnect prunes him.
	s.HandleDisconnect("conn-b")

	roster, ok := rec.last().(RosterMessage)
	if !ok || len(roster.Players) != 1 || roster.Players[0].Name != "Alice" {
		t.Fatalf("roster after unsubmitted disconnect unexpected: %+v", rec.last())
	}

	// Alice submitted; her disconnect leaves her in place.
	before := len(rec.msgs)
	s.HandleDisconnect("conn-a")
	if len(rec.msgs) != before {
		t.Fatalf("submitted-player disconnect broadcast %d messages", len(rec.msgs)-before)
	}
	s.mu.Lock()
	remaining := len(s.players)
	s.mu.Unlock()
	if remaining != 1 {
		t.Fatalf("roster size after submitted disconnect = %d, want 1", remaining)
	}

	checkInvariants(t, s)
}

func TestDisconnectDuringGameRetainsPlayers(t *testing.T) {
	s, _, _ := startedSession(t, 2, 1)

	s.HandleDisconnect("conn")

	s.mu.Lock()
	remaining := len(s.players)
	phase := s.phase
	s.mu.Unlock()

	if remaining != 2 || phase != PhaseActive {
		t.Fatalf("mid-game disconnect mutated state: %d players, phase %v", remaining, phase)
	}
}

func TestJoinReaderView(t *testing.T) {
	s, _ := newTestSession(1)
	a := join(t, s, "conn-1", "Alice")
	join(t, s, "conn-2", "Bob")
	submit(t, s, a.PlayerID, "Marie Curie")

	view := s.JoinReader("reader-conn")

	if view.Phase != string(PhaseLobby) {
		t.Fatalf("reader view phase = %q, want Lobby", view.Phase)
	}
	if view.PlayerCount != 2 || view.SubmissionCount != 1 {
		t.Fatalf("reader view counts = %d/%d, want 2/1", view.PlayerCount, view.SubmissionCount)
	}
	if len(view.Players) != 2 || !view.Players[0].HasSubmitted || view.Players[1].HasSubmitted {
		t.Fatalf("reader view roster unexpected: %+v", view.Players)
	}
}

func TestEndToEndScenario(t *testing.T) {
	rec := &recorder{}
	registry := newRegistry(30*time.Minute, rec)

	session := registry.Create()

	code := session.Code()
	if len(code) != 6 {
		t.Fatalf("session code %q has length %d, want 6", code, len(code))
	}
	for _, c := range code {
		if !strings.ContainsRune(codeAlphabet, c) {
			t.Fatalf("session code %q uses character %q outside the alphabet", code, c)
		}
	}

	bob := join(t, session, "conn-bob", "bob")
	carol := join(t, session, "conn-carol", "Carol")
	if bob.Name != "Bob" || carol.Name != "Carol" {
		t.Fatalf("joined names = %q, %q; want Bob, Carol", bob.Name, carol.Name)
	}

	if got := submit(t, session, bob.PlayerID, "marie curie"); got != "Marie Curie" {
		t.Fatalf("normalized identity = %q, want %q", got, "Marie Curie")
	}
	if got := submit(t, session, carol.PlayerID, "albert einstein"); got != "Albert Einstein" {
		t.Fatalf("normalized identity = %q, want %q", got, "Albert Einstein")
	}

	started, err := session.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if len(started.Identities) != 2 || len(started.TurnOrder) != 2 {
		t.Fatalf("started with %d identities and %d turns, want 2 and 2", len(started.Identities), len(started.TurnOrder))
	}
	if !samePermutation(started.Identities, []string{"Marie Curie", "Albert Einstein"}) {
		t.Fatalf("identities %v not a permutation of the submissions", started.Identities)
	}
	if !samePermutation(started.TurnOrder, []string{"Bob", "Carol"}) {
		t.Fatalf("turn order %v not a permutation of the roster", started.TurnOrder)
	}

	loser, winner := started.TurnOrder[0], started.TurnOrder[1]
	remaining, err := session.Eliminate(loser)
	if err != nil {
		t.Fatalf("Eliminate failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0] != winner {
		t.Fatalf("remaining = %v, want [%q]", remaining, winner)
	}

	over, ok := rec.last().(GameOverMessage)
	if !ok || over.Winner != winner {
		t.Fatalf("expected game over with winner %q, got %+v", winner, rec.last())
	}

	checkInvariants(t, session)
}
