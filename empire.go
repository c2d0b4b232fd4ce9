package main

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const connCookieName = "empire_id"

// getOrSetConnRef identifies a browser across reconnects via cookie.
// The ref stands in for the transport connection when checking host
// and reader privileges; game identity is the playerId issued at join.
func getOrSetConnRef(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(connCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	ref := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     connCookieName,
		Value:    ref,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return ref
}

type Client struct {
	conn    *websocket.Conn
	send    chan any
	connRef string
}

// trySend queues msg for this client without blocking; a stalled
// client just misses the message and is dropped by the next fan-out.
func (c *Client) trySend(msg any) {
	select {
	case c.send <- msg:
	default:
	}
}

// GameServer is the transport side of the system: it owns the
// per-session client sets and fans session broadcasts out to them.
// Game state itself lives in the Registry's sessions.
type GameServer struct {
	cfg      *Config
	registry *Registry

	mu    sync.Mutex
	rooms map[string]map[*Client]bool
}

func newGameServer(cfg *Config) *GameServer {
	gs := &GameServer{
		cfg:   cfg,
		rooms: make(map[string]map[*Client]bool),
	}
	gs.registry = newRegistry(cfg.sessionTimeout, gs)

	go gs.registry.reaper(cfg.sessionTimeout / 2)

	return gs
}

// Broadcast implements Notifier. Sessions call it under their own
// lock, so every client observes one session's messages in mutation
// order. Stalled clients are dropped rather than blocking the game.
func (gs *GameServer) Broadcast(code string, msg any) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	for client := range gs.rooms[code] {
		select {
		case client.send <- msg:
		default:
			delete(gs.rooms[code], client)
			close(client.send)
		}
	}
}

// SessionClosed implements Notifier: the registry reclaimed the
// session, so disconnect any stragglers.
func (gs *GameServer) SessionClosed(code string) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	for client := range gs.rooms[code] {
		close(client.send)
		_ = client.conn.Close()
	}
	delete(gs.rooms, code)
}

func (gs *GameServer) register(code string, c *Client) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.rooms[code] == nil {
		gs.rooms[code] = make(map[*Client]bool)
	}
	gs.rooms[code][c] = true
}

func (gs *GameServer) unregister(code string, c *Client) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if _, ok := gs.rooms[code][c]; ok {
		delete(gs.rooms[code], c)
		close(c.send)
	}
	if len(gs.rooms[code]) == 0 {
		delete(gs.rooms, code)
	}
}

// serveWS upgrades the connection and runs the client pumps for the
// session addressed by :code.
func (gs *GameServer) serveWS() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		session, err := gs.registry.Get(ps.ByName("code"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		connRef := getOrSetConnRef(w, r)
		if connRef == "" {
			http.Error(w, "unable to assign connection id", http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:    conn,
			send:    make(chan any, 8),
			connRef: connRef,
		}

		session.ClaimHost(connRef)
		session.Touch()
		gs.register(session.Code(), client)

		go client.writePump()
		gs.readPump(client, session)
	}
}

func (gs *GameServer) readPump(c *Client, session *Session) {
	defer func() {
		gs.unregister(session.Code(), c)
		_ = c.conn.Close()
		session.HandleDisconnect(c.connRef)
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		gs.dispatch(c, session, msg)
	}
}

// dispatch routes one inbound action to the session operation,
// replying to the caller and leaving broadcasts to the session.
// A panicking operation fails that request, not the process.
func (gs *GameServer) dispatch(c *Client, session *Session, msg ClientMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("PANIC: %s action %q: %v", session.Code(), msg.Type, rec)
			c.trySend(errorMessage(internalf("An internal error occurred. Please try again.")))
		}
	}()

	switch msg.Type {
	case "join":
		reply, err := session.AddPlayer(c.connRef, msg.PlayerName)
		if err != nil {
			c.trySend(errorMessage(err))
			return
		}
		logf(gs.cfg, "GAMES: Player %q joined %s", reply.Name, session.Code())
		c.trySend(reply)

	case "join_reader":
		c.trySend(session.JoinReader(c.connRef))

	case "submit":
		identity, err := session.RecordSubmission(msg.PlayerID, msg.Identity)
		if err != nil {
			c.trySend(errorMessage(err))
			return
		}
		logf(gs.cfg, "GAMES: Identity submitted in %s", session.Code())
		c.trySend(SubmittedMessage{Type: "submitted", Identity: identity})

	case "remove_player":
		name, err := session.RemovePlayer(c.connRef, msg.PlayerID)
		if err != nil {
			c.trySend(errorMessage(err))
			return
		}
		logf(gs.cfg, "GAMES: Player %q removed from %s", name, session.Code())

	case "start_game":
		reply, err := session.Start()
		if err != nil {
			c.trySend(errorMessage(err))
			return
		}
		logf(gs.cfg, "GAMES: Game %s started with %d names", session.Code(), len(reply.Identities))
		c.trySend(reply)

	case "reveal":
		if err := session.RevealGuess(msg.Identity, msg.GuessedBy); err != nil {
			c.trySend(errorMessage(err))
		}

	case "eliminate":
		if _, err := session.Eliminate(msg.TargetName); err != nil {
			c.trySend(errorMessage(err))
			return
		}
		logf(gs.cfg, "GAMES: Player %q eliminated in %s", msg.TargetName, session.Code())

	case "next_turn":
		if _, err := session.AdvanceTurn(); err != nil {
			c.trySend(errorMessage(err))
		}

	case "reset":
		session.Reset()
		logf(gs.cfg, "GAMES: Game %s reset", session.Code())

	default:
		// ignore unknown types
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// redirectNewSession handles GET /path by minting a new session and
// redirecting to /path/:code.
func redirectNewSession(cfg *Config, path string, gs *GameServer) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		session := gs.registry.Create()
		logf(cfg, "GAMES: Created game %s/%s", path, session.Code())
		http.Redirect(w, r, path+"/"+session.Code(), http.StatusTemporaryRedirect)
	}
}

// qrHandler generates a PNG QR code for the current session URL.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if ps.ByName("code") == "" {
		http.Error(w, "missing session code", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:code/qr; strip trailing "/qr" to get the session URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// registerEmpireGame sets up routes so that:
//   - $path             → redirects to a new session (6-char code)
//   - $path/:code       → HTML client
//   - $path/:code/ws    → WebSocket for that session
//   - $path/:code/qr    → PNG QR code for that session URL
func registerEmpireGame(cfg *Config, path string, mux *httprouter.Router) *GameServer {
	gs := newGameServer(cfg)

	mux.GET(path, redirectNewSession(cfg, path, gs))

	mux.GET(cfg.prefix+path+"/:code", serveSessionPage(cfg))

	mux.GET(cfg.prefix+path+"/:code/ws", gs.serveWS())

	mux.GET(cfg.prefix+path+"/:code/qr", qrHandler)

	return gs
}
