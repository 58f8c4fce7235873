package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		winThreshold: 5,
		drawInterval: time.Second,
	}
}

func newTestClient() *Client {
	return &Client{send: make(chan any, 64)}
}

// drain empties a client's outbound channel without blocking.
func drain(c *Client) []any {
	msgs := []any{}
	for {
		select {
		case m, ok := <-c.send:
			if !ok {
				return msgs
			}
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func join(cfg *Config, room *Room, c *Client, grid ...int) {
	room.register(c)
	room.handleJoin(cfg, c, ClientMessage{Type: "join-room", Grid: grid})
}

func TestRoomManagerLifecycle(t *testing.T) {
	cfg := testConfig()
	rm := newRoomManager(0)

	room := rm.getOrCreate("ABC123")
	require.NotNil(t, room)
	assert.Equal(t, "ABC123", room.code)
	assert.Same(t, room, rm.getOrCreate("ABC123"))

	a := newTestClient()
	join(cfg, room, a)
	room.handleSelect(cfg, a, ClientMessage{Number: 7})

	// Last player out deletes the room; the next lookup starts fresh.
	rm.leave(cfg, room, a)
	fresh := rm.getOrCreate("ABC123")
	require.NotSame(t, room, fresh)
	assert.Empty(t, fresh.players)
	assert.Empty(t, fresh.drawn)
}

func TestRoomManagerRemove(t *testing.T) {
	rm := newRoomManager(0)

	room := rm.getOrCreate("gone")
	rm.remove("gone")
	assert.NotSame(t, room, rm.getOrCreate("gone"))
}

func TestJoinAssignsLabelsAndTurn(t *testing.T) {
	cfg := testConfig()
	room := newRoom("ABC123")

	a := newTestClient()
	join(cfg, room, a)

	msgs := drain(a)
	require.Len(t, msgs, 1, "first join gets a label but no turn yet")
	assert.Equal(t, PlayerInfoMessage{Type: "player-info", Label: "Player 1"}, msgs[0])
	assert.Equal(t, -1, room.turn)

	b := newTestClient()
	join(cfg, room, b)

	// Second join assigns the turn to the first player and broadcasts it.
	assert.Equal(t, []any{
		TurnMessage{Type: "turn", Label: "Player 1"},
	}, drain(a))
	assert.Equal(t, []any{
		PlayerInfoMessage{Type: "player-info", Label: "Player 2"},
		TurnMessage{Type: "turn", Label: "Player 1"},
	}, drain(b))
}

func TestLabelsNeverReused(t *testing.T) {
	cfg := testConfig()
	rm := newRoomManager(0)
	room := rm.getOrCreate("relabel")

	a, b := newTestClient(), newTestClient()
	join(cfg, room, a)
	join(cfg, room, b)
	rm.leave(cfg, room, b)

	c := newTestClient()
	join(cfg, room, c)

	msgs := drain(c)
	require.NotEmpty(t, msgs)
	assert.Equal(t, PlayerInfoMessage{Type: "player-info", Label: "Player 3"}, msgs[0])
}

func TestRejoinOnSameConnectionIgnored(t *testing.T) {
	cfg := testConfig()
	room := newRoom("again")

	a := newTestClient()
	join(cfg, room, a)
	join(cfg, room, a)

	assert.Len(t, room.players, 1)
}

// TestTwoPlayerRound walks the full documented scenario: join, alternate
// selections with silent rejections, then a reported win.
func TestTwoPlayerRound(t *testing.T) {
	cfg := testConfig()
	room := newRoom("ABC123")

	a, b := newTestClient(), newTestClient()
	join(cfg, room, a)
	join(cfg, room, b)
	drain(a)
	drain(b)

	// Player 1 holds the turn and selects 7.
	room.handleSelect(cfg, a, ClientMessage{Number: 7})
	assert.Equal(t, []any{
		SelectionMessage{Type: "number-selected", Number: 7, Player: "Player 1"},
		TurnMessage{Type: "turn", Label: "Player 2"},
	}, drain(a))
	assert.Equal(t, []int{7}, room.drawn)

	// Duplicate selection by the new turn holder: no state change, no output.
	drain(b)
	room.handleSelect(cfg, b, ClientMessage{Number: 7})
	assert.Empty(t, drain(b))
	assert.Equal(t, []int{7}, room.drawn)
	assert.Equal(t, "Player 2", room.players[room.turn].label)

	// Out-of-turn selection: same silence.
	room.handleSelect(cfg, a, ClientMessage{Number: 12})
	assert.Empty(t, drain(a))
	assert.Equal(t, []int{7}, room.drawn)

	// Player 2 selects 12; turn flips back.
	room.handleSelect(cfg, b, ClientMessage{Number: 12})
	assert.Equal(t, []any{
		SelectionMessage{Type: "number-selected", Number: 12, Player: "Player 2"},
		TurnMessage{Type: "turn", Label: "Player 1"},
	}, drain(b))
	assert.Equal(t, []int{7, 12}, room.drawn)

	// Player 1 reports a winning score.
	drain(a)
	room.handleScore(cfg, a, ClientMessage{Score: 5})
	assert.Equal(t, []any{
		GameWonMessage{Type: "game-won", Label: "Player 1"},
	}, drain(a))
	assert.True(t, room.finished)
}

func TestScoreBelowThresholdNeverWins(t *testing.T) {
	cfg := testConfig()
	room := newRoom("lowball")

	a := newTestClient()
	join(cfg, room, a)
	drain(a)

	room.handleScore(cfg, a, ClientMessage{Score: 4})
	assert.Empty(t, drain(a))
	assert.False(t, room.finished)
	assert.Equal(t, 4, room.players[0].score)
}

func TestWinBroadcastOnlyOnce(t *testing.T) {
	cfg := testConfig()
	room := newRoom("single")

	a, b := newTestClient(), newTestClient()
	join(cfg, room, a)
	join(cfg, room, b)
	drain(a)
	drain(b)

	room.handleScore(cfg, a, ClientMessage{Score: 5})
	assert.Equal(t, []any{
		GameWonMessage{Type: "game-won", Label: "Player 1"},
	}, drain(b))

	// Another winning report lands in a finished room: no second broadcast.
	room.handleScore(cfg, a, ClientMessage{Score: 6})
	assert.Empty(t, drain(b))
	assert.Equal(t, 5, room.players[0].score)
}

func TestFinishedRoomIgnoresPlay(t *testing.T) {
	cfg := testConfig()
	room := newRoom("done")

	a, b := newTestClient(), newTestClient()
	join(cfg, room, a)
	join(cfg, room, b)
	room.handleScore(cfg, b, ClientMessage{Score: 7})
	drain(a)
	drain(b)

	room.handleSelect(cfg, a, ClientMessage{Number: 3})
	room.handleScore(cfg, a, ClientMessage{Score: 9})
	assert.Empty(t, drain(a))
	assert.Empty(t, drain(b))
	assert.Empty(t, room.drawn)
}

func TestReset(t *testing.T) {
	cfg := testConfig()
	room := newRoom("fresh")

	a, b := newTestClient(), newTestClient()
	join(cfg, room, a)
	join(cfg, room, b)
	room.handleSelect(cfg, a, ClientMessage{Number: 7})
	room.handleSelect(cfg, b, ClientMessage{Number: 12})
	room.handleScore(cfg, a, ClientMessage{Score: 5})
	drain(a)
	drain(b)

	room.handleReset(cfg, b)

	assert.Equal(t, []any{
		TurnMessage{Type: "turn", Label: "Player 1"},
		ResetMessage{Type: "reset-client"},
	}, drain(a))

	assert.Empty(t, room.drawn)
	assert.Empty(t, room.drawnSet)
	assert.False(t, room.finished)
	assert.Equal(t, 0, room.turn)
	for _, p := range room.players {
		assert.Zero(t, p.score)
		assert.Empty(t, p.won)
	}
}

func TestLeaveForcesResetForRemainingPlayer(t *testing.T) {
	cfg := testConfig()
	rm := newRoomManager(0)
	room := rm.getOrCreate("half")

	a, b := newTestClient(), newTestClient()
	join(cfg, room, a)
	join(cfg, room, b)
	room.handleSelect(cfg, a, ClientMessage{Number: 7})
	drain(a)
	drain(b)

	rm.leave(cfg, room, a)

	// Room survives with the remaining player and a reset round.
	assert.Same(t, room, rm.getOrCreate("half"))
	require.Len(t, room.players, 1)
	assert.Equal(t, "Player 2", room.players[0].label)
	assert.Empty(t, room.drawn)
	assert.Equal(t, 0, room.turn)

	assert.Equal(t, []any{
		TurnMessage{Type: "turn", Label: "Player 2"},
		ResetMessage{Type: "reset-client"},
	}, drain(b))
}

func TestSpectatorLeaveDoesNotReset(t *testing.T) {
	cfg := testConfig()
	rm := newRoomManager(0)
	room := rm.getOrCreate("watcher")

	a, b := newTestClient(), newTestClient()
	join(cfg, room, a)
	join(cfg, room, b)
	room.handleSelect(cfg, a, ClientMessage{Number: 7})
	drain(a)
	drain(b)

	// A connection that never joined comes and goes without side effects.
	spectator := newTestClient()
	room.register(spectator)
	rm.leave(cfg, room, spectator)

	assert.Len(t, room.players, 2)
	assert.Equal(t, []int{7}, room.drawn)
	assert.Empty(t, drain(a))
	assert.Empty(t, drain(b))
}

func TestStrictScoringServerAuthoritative(t *testing.T) {
	cfg := testConfig()
	cfg.strictScoring = true
	cfg.winThreshold = 1
	room := newRoom("strict")

	a, b := newTestClient(), newTestClient()
	join(cfg, room, a, sequentialLayout()...)
	join(cfg, room, b, reversedLayout()...)
	drain(a)
	drain(b)

	// Client reports are ignored outright in strict mode.
	room.handleScore(cfg, a, ClientMessage{Score: 99})
	assert.Empty(t, drain(a))
	assert.Zero(t, room.players[0].score)

	// Alternate selections 1..4: no line yet on either grid.
	for i, c := range []*Client{a, b, a, b} {
		room.handleSelect(cfg, c, ClientMessage{Number: i + 1})
	}
	drain(a)
	drain(b)
	assert.Zero(t, room.players[0].score)

	// Number 5 completes row-0 for Player 1; the server scores and wins it.
	room.handleSelect(cfg, a, ClientMessage{Number: 5})
	msgs := drain(b)
	assert.Contains(t, msgs, ScoreMessage{Type: "score-update", Player: "Player 1", Score: 1})
	assert.Contains(t, msgs, GameWonMessage{Type: "game-won", Label: "Player 1"})
	assert.True(t, room.finished)
	assert.Equal(t, 1, room.players[0].score)
}

func TestStrictScoringCreditsLinesOnce(t *testing.T) {
	cfg := testConfig()
	cfg.strictScoring = true
	room := newRoom("once")

	a, b := newTestClient(), newTestClient()
	join(cfg, room, a, sequentialLayout()...)
	join(cfg, room, b, reversedLayout()...)

	for i, c := range []*Client{a, b, a, b, a, b} {
		room.handleSelect(cfg, c, ClientMessage{Number: i + 1})
	}
	drain(a)
	drain(b)

	// row-0 was credited at number 5; later selections must not re-credit it.
	assert.Equal(t, 1, room.players[0].score)
	assert.True(t, room.players[0].won["row-0"])
	assert.False(t, room.finished)
}

func TestDrawLoop(t *testing.T) {
	cfg := testConfig()
	cfg.drawInterval = 10 * time.Millisecond
	room := newRoom("drawn")

	a, b := newTestClient(), newTestClient()
	join(cfg, room, a)
	join(cfg, room, b)
	drain(a)
	drain(b)

	room.handleStartDraw(cfg, a)
	room.handleStartDraw(cfg, a) // second start is a no-op

	require.Eventually(t, func() bool {
		room.mu.Lock()
		defer room.mu.Unlock()
		return len(room.drawn) >= 3
	}, time.Second, 5*time.Millisecond)

	// Drawn numbers are distinct, in range, and broadcast to everyone.
	room.mu.Lock()
	drawn := append([]int{}, room.drawn...)
	room.mu.Unlock()
	seen := make(map[int]bool)
	for _, n := range drawn {
		assert.GreaterOrEqual(t, n, 1)
		assert.LessOrEqual(t, n, drawPoolSize)
		assert.False(t, seen[n], "duplicate draw %d", n)
		seen[n] = true
	}

	found := false
	for _, m := range drain(b) {
		if _, ok := m.(DrawnMessage); ok {
			found = true
			break
		}
	}
	assert.True(t, found, "expected at least one number-drawn broadcast")

	// Reset stops the loop.
	room.handleReset(cfg, a)
	room.mu.Lock()
	assert.False(t, room.drawing)
	room.mu.Unlock()
}

func TestNewRoomCodeUnique(t *testing.T) {
	rm := newRoomManager(0)

	codes := make(map[string]bool)
	for i := 0; i < 32; i++ {
		code := rm.newRoomCode()
		require.Len(t, code, 8)
		assert.False(t, codes[code])
		codes[code] = true
	}
}

// reversedLayout is 25..1 row-major.
func reversedLayout() []int {
	layout := make([]int, 25)
	for i := range layout {
		layout[i] = 25 - i
	}
	return layout
}

// Exercise a handful of rooms concurrently to shake out registry races.
func TestRoomsProceedIndependently(t *testing.T) {
	cfg := testConfig()
	rm := newRoomManager(0)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()

			code := fmt.Sprintf("room-%d", i)
			room := rm.getOrCreate(code)

			a, b := newTestClient(), newTestClient()
			join(cfg, room, a)
			join(cfg, room, b)

			for n := 1; n <= 10; n++ {
				room.handleSelect(cfg, a, ClientMessage{Number: n})
				room.handleSelect(cfg, b, ClientMessage{Number: n + 10})
			}

			rm.leave(cfg, room, a)
			rm.leave(cfg, room, b)
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	for i := 0; i < 8; i++ {
		code := fmt.Sprintf("room-%d", i)
		fresh := rm.getOrCreate(code)
		assert.Empty(t, fresh.players, "room %s should have been deleted", code)
	}
}
