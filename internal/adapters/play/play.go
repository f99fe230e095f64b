// Package play is the shard-side websocket endpoint players reconnect to
// after a hand-off, presenting their one-time token.
package play

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pasturegame/pasture/internal/domain"
	"github.com/pasturegame/pasture/internal/protocol"
	"github.com/pasturegame/pasture/internal/shard"
)

const (
	writeDeadline = 5 * time.Second
	sendBuffer    = 64

	// Chat and pings are the chatty commands; 30 per second leaves real
	// play untouched while capping floods.
	commandLimit  = 30
	commandWindow = time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	Host    *shard.Host
	limiter *CommandRateLimiter
}

func NewHandler(host *shard.Host) *Handler {
	return &Handler{
		Host:    host,
		limiter: NewCommandRateLimiter(commandLimit, commandWindow),
	}
}

// playerConn implements shard.PlayerConn over one websocket.
type playerConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func newPlayerConn(ws *websocket.Conn) *playerConn {
	return &playerConn{conn: ws, send: make(chan []byte, sendBuffer)}
}

func (c *playerConn) TrySend(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
		return nil
	default:
		return errors.New("backpressure")
	}
}

// Close sends a close frame with the given code, then drops the socket.
// Safe to call more than once.
func (c *playerConn) Close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline))
	_ = c.conn.Close()
}

func (c *playerConn) writePump() {
	for b := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

// HandlePlay admits one player. The upgrade always succeeds first so that
// rejections arrive as distinct close codes instead of opaque HTTP errors.
func (h *Handler) HandlePlay(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "play").Msg("ws upgrade")
		return
	}
	conn := newPlayerConn(ws)
	go conn.writePump()

	lobbyID := c.Query("lobby")
	token := c.Query("token")
	if lobbyID == "" || token == "" {
		conn.Close(protocol.CloseMissingParams, "lobby and token required")
		return
	}

	sess, ok := h.Host.Session(domain.LobbyID(lobbyID))
	if !ok {
		conn.Close(protocol.CloseUnknownLobby, "unknown lobby")
		return
	}
	entry, ok := sess.Authenticate(token)
	if !ok {
		conn.Close(protocol.CloseBadToken, "invalid token")
		return
	}

	player := domain.Player{
		ID:    entry.ID,
		Name:  entry.Name,
		Color: entry.PlayerColor,
		Team:  entry.Team,
	}
	client := shard.NewClient(player, conn)
	sess.AddClient(client)

	h.readLoop(sess, client, conn)
}

func (h *Handler) readLoop(sess *shard.Session, client *shard.Client, conn *playerConn) {
	id := client.Player.ID
	defer func() {
		h.limiter.Forget(id)
		sess.RemoveClient(id)
		conn.Close(websocket.CloseNormalClosure, "")
	}()

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd protocol.GameCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.Debug().Err(err).Str("module", "play").Str("player", string(id)).Msg("bad command json")
			continue
		}
		if !h.limiter.Allow(id) {
			conn.Close(protocol.CloseRateLimited, "too many commands")
			return
		}
		if cmd.Type == protocol.CmdPing {
			_ = conn.TrySend(protocol.Envelope{Type: protocol.TypePong})
			continue
		}
		sess.HandleCommand(id, cmd)
	}
}
