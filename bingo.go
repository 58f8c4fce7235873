// Bingobox Bingo Game
//
// Each player joins a room by code and gets a 5x5 grid of numbers. Players
// take turns calling numbers; everyone marks called numbers on their own
// grid, and completed rows, columns, or diagonals score a point each. The
// first player to reach the win threshold takes the round.
//
// Features:
// - WebSockets per room code: /path/:roomcode and /path/:roomcode/ws
// - Rooms created lazily on first join, deleted as soon as they empty
// - Players labeled "Player N" in join order; labels never reused in a room
// - Turn rotates through players in join order on every accepted selection
// - Wrong-turn and duplicate selections are silently dropped
// - Scores are client-reported by default; --strict-scoring makes the
//   server recompute completed lines from its own drawn-number set
// - Optional shared draw loop ("start-draw") calling numbers on a timer
// - Any disconnect mid-round forces a reset for the remaining players
// - Rooms auto-reaped after configurable idle timeout
// - Random 8-char room codes via crypto/rand, with server-side collision check
// - In-browser QR button to share the current room, backed by go-qrcode

package main

import (
	"crypto/rand"
	_ "embed"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const drawPoolSize = 100

// Player holds the data we store server-side. Identity is the connection:
// one websocket, one player.
type Player struct {
	client *Client
	label  string
	score  int
	layout []int           // grid layout, only sent in strict scoring mode
	won    map[string]bool // line IDs already scored this round
}

// Messages coming from clients
type ClientMessage struct {
	Type     string `json:"type"`               // "join-room", "number-selected", "score-update", "reset-game", "start-draw"
	RoomCode string `json:"roomCode,omitempty"` // all types; must match the connected room
	Number   int    `json:"number,omitempty"`   // number-selected
	Score    int    `json:"score,omitempty"`    // score-update
	Grid     []int  `json:"grid,omitempty"`     // join-room, strict scoring only
}

// PlayerInfoMessage assigns a label to a single client.
type PlayerInfoMessage struct {
	Type  string `json:"type"` // "player-info"
	Label string `json:"label"`
}

// TurnMessage broadcasts the current turn holder.
type TurnMessage struct {
	Type  string `json:"type"` // "turn"
	Label string `json:"label"`
}

// SelectionMessage broadcasts an accepted number selection.
type SelectionMessage struct {
	Type   string `json:"type"` // "number-selected"
	Number int    `json:"number"`
	Player string `json:"player"`
}

// DrawnMessage broadcasts a number called by the shared draw loop.
type DrawnMessage struct {
	Type   string `json:"type"` // "number-drawn"
	Number int    `json:"number"`
}

// ScoreMessage broadcasts a server-computed score in strict mode.
type ScoreMessage struct {
	Type   string `json:"type"` // "score-update"
	Player string `json:"player"`
	Score  int    `json:"score"`
}

// GameWonMessage broadcasts the round winner.
type GameWonMessage struct {
	Type  string `json:"type"` // "game-won"
	Label string `json:"label"`
}

// ResetMessage tells all clients to rebuild local state.
type ResetMessage struct {
	Type string `json:"type"` // "reset-client"
}

type Client struct {
	conn *websocket.Conn
	send chan any
}

// Room is an isolated game session keyed by a caller-supplied code. All
// mutation happens under mu; there is no cross-room coordination, so rooms
// proceed fully in parallel with each other.
type Room struct {
	code string

	mu      sync.Mutex
	clients map[*Client]bool
	players []*Player

	drawn    []int // insertion order, for last-drawn lookup
	drawnSet map[int]bool

	turn     int // index into players, -1 before two players have joined
	joined   int // monotonic label counter, never reused within a room
	finished bool

	drawing   bool
	drawOrder []int

	createdAt  time.Time
	lastActive time.Time
}

func newRoom(code string) *Room {
	now := time.Now()
	return &Room{
		code:       code,
		clients:    make(map[*Client]bool),
		drawnSet:   make(map[int]bool),
		turn:       -1,
		createdAt:  now,
		lastActive: now,
	}
}

func (r *Room) register(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()
	r.clients[c] = true
}

func (r *Room) playerForLocked(c *Client) *Player {
	for _, p := range r.players {
		if p.client == c {
			return p
		}
	}
	return nil
}

func (r *Room) sendLocked(c *Client, msg any) {
	select {
	case c.send <- msg:
	default:
		delete(r.clients, c)
		close(c.send)
	}
}

func (r *Room) broadcastLocked(msg any) {
	for client := range r.clients {
		select {
		case client.send <- msg:
		default:
			delete(r.clients, client)
			close(client.send)
		}
	}
}

// handleJoin processes "join-room" messages.
func (r *Room) handleJoin(cfg *Config, c *Client, msg ClientMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	// A re-join on the same connection keeps its label and seat; in strict
	// mode the freshly generated grid layout replaces the old one.
	if p := r.playerForLocked(c); p != nil {
		if cfg.strictScoring && validLayout(msg.Grid) {
			p.layout = msg.Grid
			p.won = make(map[string]bool)
		}
		return
	}

	r.joined++
	p := &Player{
		client: c,
		label:  fmt.Sprintf("Player %d", r.joined),
		won:    make(map[string]bool),
	}
	if cfg.strictScoring && validLayout(msg.Grid) {
		p.layout = msg.Grid
	}
	r.players = append(r.players, p)

	r.sendLocked(c, PlayerInfoMessage{
		Type:  "player-info",
		Label: p.label,
	})
	logf(cfg, "GAMES: %q joined %s", p.label, r.code)

	// The second join starts the round: the first player gets the turn.
	if len(r.players) == 2 && r.turn < 0 {
		r.turn = 0
		r.broadcastLocked(TurnMessage{
			Type:  "turn",
			Label: r.players[0].label,
		})
	}
}

// handleSelect processes "number-selected" messages. A selection by anyone
// but the turn holder, or of an already-drawn number, changes nothing and
// answers nothing.
func (r *Room) handleSelect(cfg *Config, c *Client, msg ClientMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	if r.finished || r.turn < 0 || r.turn >= len(r.players) {
		return
	}
	p := r.players[r.turn]
	if p.client != c {
		return
	}
	if r.drawnSet[msg.Number] {
		return
	}

	r.drawn = append(r.drawn, msg.Number)
	r.drawnSet[msg.Number] = true

	r.broadcastLocked(SelectionMessage{
		Type:   "number-selected",
		Number: msg.Number,
		Player: p.label,
	})
	logf(cfg, "GAMES: %q selected %d in %s", p.label, msg.Number, r.code)

	r.turn = (r.turn + 1) % len(r.players)
	r.broadcastLocked(TurnMessage{
		Type:  "turn",
		Label: r.players[r.turn].label,
	})

	if cfg.strictScoring {
		r.scoreAllLocked(cfg)
	}
}

// handleScore processes "score-update" messages. The client's own line count
// is taken as ground truth unless strict scoring is enabled, in which case
// reports are ignored and the server does its own bookkeeping.
func (r *Room) handleScore(cfg *Config, c *Client, msg ClientMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	if r.finished || cfg.strictScoring {
		return
	}
	p := r.playerForLocked(c)
	if p == nil {
		return
	}

	p.score = msg.Score
	if p.score >= cfg.winThreshold {
		r.declareWinLocked(cfg, p)
	}
}

// scoreAllLocked re-evaluates every known grid layout against the room's
// drawn-number set, credits newly completed lines, and declares the win
// once someone crosses the threshold.
func (r *Room) scoreAllLocked(cfg *Config) {
	for _, p := range r.players {
		if p.layout == nil {
			continue
		}

		fresh := newLines(completedLines(p.layout, r.drawnSet), p.won)
		if len(fresh) == 0 {
			continue
		}
		for _, line := range fresh {
			p.won[line] = true
		}
		p.score += len(fresh)

		r.broadcastLocked(ScoreMessage{
			Type:   "score-update",
			Player: p.label,
			Score:  p.score,
		})

		if !r.finished && p.score >= cfg.winThreshold {
			r.declareWinLocked(cfg, p)
		}
	}
}

func (r *Room) declareWinLocked(cfg *Config, p *Player) {
	r.finished = true
	r.drawing = false

	r.broadcastLocked(GameWonMessage{
		Type:  "game-won",
		Label: p.label,
	})
	logf(cfg, "GAMES: %q won in %s", p.label, r.code)
}

// handleReset processes "reset-game" messages.
func (r *Room) handleReset(cfg *Config, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	if !r.clients[c] {
		return
	}

	r.resetRoundLocked()
	logf(cfg, "GAMES: Reset %s", r.code)
}

// resetRoundLocked clears the round: drawn numbers, scores, won lines, and
// the draw loop. The first remaining player in join order gets the turn,
// then everyone is told to rebuild local state.
func (r *Room) resetRoundLocked() {
	r.drawn = nil
	r.drawnSet = make(map[int]bool)
	r.drawOrder = nil
	r.drawing = false
	r.finished = false

	for _, p := range r.players {
		p.score = 0
		p.won = make(map[string]bool)
	}

	if len(r.players) > 0 {
		r.turn = 0
		r.broadcastLocked(TurnMessage{
			Type:  "turn",
			Label: r.players[0].label,
		})
	} else {
		r.turn = -1
	}

	r.broadcastLocked(ResetMessage{Type: "reset-client"})
}

// handleStartDraw processes "start-draw" messages, kicking off the shared
// draw loop. Starting an already-running loop is a no-op.
func (r *Room) handleStartDraw(cfg *Config, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	if r.drawing || r.finished || !r.clients[c] {
		return
	}
	if r.drawOrder == nil {
		r.drawOrder = shuffledNumbers(drawPoolSize)
	}
	r.drawing = true

	go r.drawLoop(cfg)
	logf(cfg, "GAMES: Draw loop started in %s", r.code)
}

// drawLoop calls one undrawn number per tick into the shared drawn set.
// It stops on win, reset, exhaustion, or when the room empties.
func (r *Room) drawLoop(cfg *Config) {
	ticker := time.NewTicker(cfg.drawInterval)
	defer ticker.Stop()

	for range ticker.C {
		r.mu.Lock()

		if !r.drawing || r.finished || len(r.clients) == 0 {
			r.drawing = false
			r.mu.Unlock()
			return
		}

		next := 0
		for _, num := range r.drawOrder {
			if !r.drawnSet[num] {
				next = num
				break
			}
		}
		if next == 0 {
			r.drawing = false
			r.mu.Unlock()
			return
		}

		r.drawn = append(r.drawn, next)
		r.drawnSet[next] = true
		r.lastActive = time.Now()

		r.broadcastLocked(DrawnMessage{
			Type:   "number-drawn",
			Number: next,
		})

		if cfg.strictScoring {
			r.scoreAllLocked(cfg)
		}

		r.mu.Unlock()
	}
}

// closeAll disconnects all clients of this room (used by reaper).
func (r *Room) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.drawing = false

	for c := range r.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(r.clients, c)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// RoomManager holds a set of rooms keyed by room code, so each
// $path/$roomcode is its own isolated session. It exclusively owns every
// Room: creation on first lookup, deletion as soon as a room empties or
// idles out.
type RoomManager struct {
	mu          sync.Mutex
	rooms       map[string]*Room
	idleTimeout time.Duration
}

func newRoomManager(idleTimeout time.Duration) *RoomManager {
	rm := &RoomManager{
		rooms:       make(map[string]*Room),
		idleTimeout: idleTimeout,
	}
	if idleTimeout > 0 {
		go rm.reaperLoop()
	}
	return rm
}

func (rm *RoomManager) getOrCreate(roomCode string) *Room {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if room, ok := rm.rooms[roomCode]; ok {
		return room
	}

	room := newRoom(roomCode)
	rm.rooms[roomCode] = room
	return room
}

func (rm *RoomManager) remove(roomCode string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	delete(rm.rooms, roomCode)
}

// leave handles a closed connection: the client is dropped, its player (if
// it ever joined) is removed, and either the room is deleted (last player
// out) or the round is force-reset for whoever remains. Locks are always
// taken manager-first, then room.
func (rm *RoomManager) leave(cfg *Config, room *Room, c *Client) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	room.mu.Lock()
	defer room.mu.Unlock()

	room.lastActive = time.Now()

	if _, ok := room.clients[c]; ok {
		delete(room.clients, c)
		close(c.send)
	}

	removed := false
	dst := room.players[:0]
	for _, p := range room.players {
		if p.client == c {
			removed = true
			logf(cfg, "GAMES: %q left %s", p.label, room.code)
			continue
		}
		dst = append(dst, p)
	}
	room.players = dst

	if len(room.players) == 0 && len(room.clients) == 0 {
		room.drawing = false
		// The reaper may have already replaced this code with a fresh room;
		// only delete the mapping if it still points at us.
		if rm.rooms[room.code] == room {
			delete(rm.rooms, room.code)
			logf(cfg, "GAMES: Deleted empty room %s", room.code)
		}
		return
	}

	if removed {
		room.resetRoundLocked()
	}
}

// newRoomCode generates a crypto-random room code and ensures it doesn't
// collide with existing rooms.
func (rm *RoomManager) newRoomCode() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		code := string(out)

		rm.mu.Lock()
		_, exists := rm.rooms[code]
		rm.mu.Unlock()

		if !exists {
			return code
		}
	}
}

// reaperLoop periodically removes rooms that have been idle longer than
// idleTimeout.
func (rm *RoomManager) reaperLoop() {
	ticker := time.NewTicker(rm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-rm.idleTimeout)

		rm.mu.Lock()
		for code, room := range rm.rooms {
			room.mu.Lock()
			last := room.lastActive
			room.mu.Unlock()

			if last.Before(cutoff) {
				delete(rm.rooms, code)
				go room.closeAll()
			}
		}
		rm.mu.Unlock()
	}
}

// WebSocket handler that picks the room based on :roomcode
func serveWSForManager(cfg *Config, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomCode := ps.ByName("roomcode")
		if roomCode == "" {
			http.Error(w, "missing room code", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
		}

		room := rm.getOrCreate(roomCode)
		room.register(client)

		go client.writePump()
		client.readPump(cfg, rm, room)
	}
}

// readPump is the inbound side of the session gateway: it validates at the
// boundary, then dispatches to the room. Messages naming a different room
// than the connected one are dropped.
func (c *Client) readPump(cfg *Config, rm *RoomManager, room *Room) {
	defer func() {
		rm.leave(cfg, room, c)
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		if msg.RoomCode != "" && msg.RoomCode != room.code {
			continue
		}

		switch msg.Type {
		case "join-room":
			room.handleJoin(cfg, c, msg)
		case "number-selected":
			if msg.Number < 1 || msg.Number > drawPoolSize {
				continue
			}
			room.handleSelect(cfg, c, msg)
		case "score-update":
			if msg.Score < 0 {
				continue
			}
			room.handleScore(cfg, c, msg)
		case "reset-game":
			room.handleReset(cfg, c)
		case "start-draw":
			room.handleStartDraw(cfg, c)
		default:
			// ignore unknown types
		}
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

// QR handler: generates a PNG QR code for the current room URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomCode := ps.ByName("roomcode")
	if roomCode == "" {
		http.Error(w, "missing room code", http.StatusBadRequest)
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

	// We are at /.../:roomcode/qr; strip trailing "/qr" to get the room URL.
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

// ---- Static file paths ----

//go:embed bingo/index.html
var indexHTML []byte

//go:embed bingo/app.css
var bingoCSS []byte

//go:embed bingo/app.js
var bingoJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(bingoCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(bingoJS)
	}
}

// redirectNewRoom handles GET /path by generating a new random room code
// (with server-side collision detection) and redirecting to /path/:roomcode.
func redirectNewRoom(cfg *Config, path string, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomCode := rm.newRoomCode()
		logf(cfg, "GAMES: Created room %s/%s", path, roomCode)
		http.Redirect(w, r, cfg.prefix+path+"/"+roomCode, http.StatusTemporaryRedirect)
	}
}

// registerBingoGame sets up routes so that:
//   - $path                  → redirects to new random room (8-char code)
//   - $path/:roomcode        → HTML client
//   - $path/:roomcode/ws     → WebSocket for that room
//   - $path/:roomcode/qr     → PNG QR code for that room URL
func registerBingoGame(cfg *Config, path string, mux *httprouter.Router) {
	rm := newRoomManager(cfg.sessionTimeout)

	// Root path → redirect to new random room
	mux.GET(cfg.prefix+path, redirectNewRoom(cfg, path, rm))

	// Per-room client view (HTML)
	mux.GET(cfg.prefix+path+"/:roomcode", getIndexHandler(cfg))

	// Shared assets (no roomcode in route)
	mux.GET(cfg.prefix+"/assets/bingo/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/bingo/app.js", getJsHandler(cfg))

	// Per-room websocket
	mux.GET(cfg.prefix+path+"/:roomcode/ws", serveWSForManager(cfg, rm))

	// Per-room QR code
	mux.GET(cfg.prefix+path+"/:roomcode/qr", qrHandler)
}
