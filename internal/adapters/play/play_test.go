package play

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pasturegame/pasture/internal/domain"
	"github.com/pasturegame/pasture/internal/protocol"
	"github.com/pasturegame/pasture/internal/shard"
)

func newTestServer(t *testing.T, host *shard.Host) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(host)
	r.GET("/play", h.HandlePlay)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, query string) string {
	return strings.Replace(srv.URL, "http", "ws", 1) + "/play" + query
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		ce, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected close error, got %v", err)
		return ce.Code
	}
}

func testAssignment(ttl time.Duration) (*shard.Host, protocol.AssignLobby) {
	host := shard.NewHost(ttl)
	assign := protocol.AssignLobby{
		Type:    protocol.TypeAssignLobby,
		LobbyID: "lobby-1",
		Settings: domain.Settings{
			MapName:      "meadow",
			RoundSeconds: 300,
		},
		HostID: "p1",
		Players: []protocol.RosterEntry{
			{ID: "p1", Name: "alice", Team: domain.TeamSheep, Token: "token-a"},
			{ID: "p2", Name: "bob", Team: domain.TeamWolf, Token: "token-b"},
		},
	}
	host.Assign(assign)
	return host, assign
}

func TestPlayRejectsMissingParams(t *testing.T) {
	host, _ := testAssignment(time.Minute)
	srv := newTestServer(t, host)

	conn := dial(t, wsURL(srv, ""))
	assert.Equal(t, protocol.CloseMissingParams, readCloseCode(t, conn))
}

func TestPlayRejectsUnknownLobby(t *testing.T) {
	host, _ := testAssignment(time.Minute)
	srv := newTestServer(t, host)

	conn := dial(t, wsURL(srv, "?lobby=nope&token=token-a"))
	assert.Equal(t, protocol.CloseUnknownLobby, readCloseCode(t, conn))
}

func TestPlayRejectsBadToken(t *testing.T) {
	host, _ := testAssignment(time.Minute)
	srv := newTestServer(t, host)

	conn := dial(t, wsURL(srv, "?lobby=lobby-1&token=forged"))
	assert.Equal(t, protocol.CloseBadToken, readCloseCode(t, conn))
}

func TestPlayRejectsReplayedToken(t *testing.T) {
	host, _ := testAssignment(time.Minute)
	srv := newTestServer(t, host)

	first := dial(t, wsURL(srv, "?lobby=lobby-1&token=token-a"))
	defer first.Close()

	second := dial(t, wsURL(srv, "?lobby=lobby-1&token=token-a"))
	assert.Equal(t, protocol.CloseBadToken, readCloseCode(t, second))
}

func TestPlayFullRosterStartsRound(t *testing.T) {
	host, _ := testAssignment(time.Minute)
	srv := newTestServer(t, host)

	alice := dial(t, wsURL(srv, "?lobby=lobby-1&token=token-a"))
	bob := dial(t, wsURL(srv, "?lobby=lobby-1&token=token-b"))

	for _, conn := range []*websocket.Conn{alice, bob} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg protocol.RoundStart
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, protocol.TypeRoundStart, msg.Type)
		assert.Len(t, msg.Players, 2)
	}
}

func TestPlayPingPong(t *testing.T) {
	host, _ := testAssignment(time.Minute)
	srv := newTestServer(t, host)

	conn := dial(t, wsURL(srv, "?lobby=lobby-1&token=token-a"))
	require.NoError(t, conn.WriteJSON(protocol.GameCommand{Type: protocol.CmdPing}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.Envelope
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, protocol.TypePong, msg.Type)
}

func TestPlayRateLimitCloses(t *testing.T) {
	host, _ := testAssignment(time.Minute)
	srv := newTestServer(t, host)

	conn := dial(t, wsURL(srv, "?lobby=lobby-1&token=token-a"))
	for i := 0; i < commandLimit+5; i++ {
		if err := conn.WriteJSON(protocol.GameCommand{Type: protocol.CmdChat, Text: "spam"}); err != nil {
			break
		}
	}
	assert.Equal(t, protocol.CloseRateLimited, readCloseCode(t, conn))
}

func TestCommandRateLimiterWindow(t *testing.T) {
	rl := NewCommandRateLimiter(2, 50*time.Millisecond)

	assert.True(t, rl.Allow("p1"))
	assert.True(t, rl.Allow("p1"))
	assert.False(t, rl.Allow("p1"))

	// Another player is unaffected.
	assert.True(t, rl.Allow("p2"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, rl.Allow("p1"))
}
