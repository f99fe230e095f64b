// Package primaryws is the primary's player-facing websocket: lobby
// membership, hosting-option selection and locally hosted rounds.
package primaryws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pasturegame/pasture/internal/app"
	"github.com/pasturegame/pasture/internal/domain"
	"github.com/pasturegame/pasture/internal/geo"
	"github.com/pasturegame/pasture/internal/protocol"
)

const (
	writeDeadline = 5 * time.Second
	sendBuffer    = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	Lobbies  *app.Lobbies
	Router   *app.Router
	validate *validator.Validate
}

func NewController(lobbies *app.Lobbies, router *app.Router) *Controller {
	return &Controller{
		Lobbies:  lobbies,
		Router:   router,
		validate: validator.New(),
	}
}

// playerConn implements app.PlayerConn over one websocket.
type playerConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
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

func (c *playerConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *playerConn) writePump() {
	for b := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

// client is one connected player's primary-side state. Only the read loop
// touches lobby, so no lock is needed.
type client struct {
	session *app.PlayerSession
	lobby   *app.Lobby
}

// HandleWS upgrades a player connection. The cookie client token doubles as
// the player id so a reconnecting browser keeps its identity.
func (ctl *Controller) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "primaryws").Msg("ws upgrade")
		return
	}
	conn := &playerConn{conn: ws, send: make(chan []byte, sendBuffer)}
	go conn.writePump()

	token := c.GetString("client_token")
	ip := c.ClientIP()

	player := &domain.Player{ID: domain.PlayerID(token), Name: "Player", Team: domain.TeamSheep}
	cl := &client{session: &app.PlayerSession{Player: player, Conn: conn, IP: ip}}

	// Warm the geolocation cache while the player is still in the lobby;
	// ranking later reads the cache only.
	go func() { _ = ctl.Router.Geo.Resolve(context.Background(), ip) }()

	_ = conn.TrySend(protocol.Welcome{Type: protocol.TypeWelcome, Player: *player})
	ctl.readLoop(cl, conn)
}

func (ctl *Controller) readLoop(cl *client, conn *playerConn) {
	defer func() {
		ctl.leaveLobby(cl)
		conn.Close()
	}()

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}
		ctl.handle(cl, data)
	}
}

func (ctl *Controller) handle(cl *client, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		ctl.sendError(cl, "bad json")
		return
	}

	switch env.Type {
	case protocol.TypeSetName:
		var msg protocol.SetName
		if err := json.Unmarshal(data, &msg); err != nil || ctl.validate.Struct(msg) != nil {
			ctl.sendError(cl, "invalid name")
			return
		}
		if err := cl.session.Player.SetName(msg.Name); err != nil {
			ctl.sendError(cl, err.Error())
			return
		}
		ctl.broadcastState(cl.lobby)
	case protocol.TypeSetTeam:
		var msg protocol.SetTeam
		if err := json.Unmarshal(data, &msg); err != nil || ctl.validate.Struct(msg) != nil {
			ctl.sendError(cl, "invalid team")
			return
		}
		cl.session.Player.Team = msg.Team
		ctl.broadcastState(cl.lobby)
	case protocol.TypeCreateLobby:
		var msg protocol.CreateLobby
		if err := json.Unmarshal(data, &msg); err != nil || ctl.validate.Struct(msg) != nil {
			ctl.sendError(cl, "invalid lobby request")
			return
		}
		ctl.leaveLobby(cl)
		l := ctl.Lobbies.Create(msg.Name, cl.session.Player.ID, msg.Settings)
		l.AddPlayer(cl.session)
		cl.lobby = l
		ctl.broadcastState(l)
	case protocol.TypeJoinLobby:
		var msg protocol.JoinLobby
		if err := json.Unmarshal(data, &msg); err != nil || ctl.validate.Struct(msg) != nil {
			ctl.sendError(cl, "invalid lobby request")
			return
		}
		l, ok := ctl.Lobbies.Get(msg.LobbyID)
		if !ok {
			ctl.sendError(cl, "unknown lobby")
			return
		}
		ctl.leaveLobby(cl)
		l.AddPlayer(cl.session)
		cl.lobby = l
		ctl.broadcastState(l)
	case protocol.TypeLeaveLobby:
		ctl.leaveLobby(cl)
	case protocol.TypeListShards:
		ctl.sendShardList(cl)
	case protocol.TypeStartShard:
		var msg protocol.StartShard
		if err := json.Unmarshal(data, &msg); err != nil {
			ctl.sendError(cl, "invalid start request")
			return
		}
		ctl.startShard(cl, msg)
	case protocol.TypeStartLocal:
		l := cl.lobby
		if l == nil || l.HostID != cl.session.Player.ID {
			ctl.sendError(cl, "only the host can start")
			return
		}
		ctl.Router.StartLocal(l)
	case protocol.CmdCancel:
		ctl.cancel(cl)
	default:
		var cmd protocol.GameCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return
		}
		ctl.gameCommand(cl, cmd)
	}
}

func (ctl *Controller) startShard(cl *client, msg protocol.StartShard) {
	l := cl.lobby
	if l == nil || l.HostID != cl.session.Player.ID {
		ctl.sendError(cl, "only the host can start")
		return
	}
	target := domain.ShardInfo{ID: msg.ShardID, FlyRegion: msg.FlyRegion}

	// Launches can take a while; the read loop keeps serving while the
	// hand-off resolves.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ctl.Router.LaunchTimeout)
		defer cancel()
		if err := ctl.Router.StartOnShard(ctx, l, target); err != nil {
			ctl.sendError(cl, err.Error())
		}
	}()
}

func (ctl *Controller) cancel(cl *client) {
	l := cl.lobby
	if l == nil || l.HostID != cl.session.Player.ID {
		ctl.sendError(cl, "only the host can cancel")
		return
	}
	if l.ActiveShard() != "" {
		if err := ctl.Router.CancelOnShard(l); err != nil {
			ctl.sendError(cl, err.Error())
		}
		return
	}
	l.CancelLocal()
}

// gameCommand covers in-round actions and pre-round lobby chat.
func (ctl *Controller) gameCommand(cl *client, cmd protocol.GameCommand) {
	l := cl.lobby
	if l == nil {
		return
	}
	if cmd.Type == protocol.CmdPing {
		_ = cl.session.Conn.TrySend(protocol.Envelope{Type: protocol.TypePong})
		return
	}
	if l.ApplyCommand(cl.session.Player.ID, cmd) {
		return
	}
	if cmd.Type == protocol.CmdChat {
		l.Broadcast(gin.H{"type": protocol.TypeChat, "from": cl.session.Player.Name, "text": cmd.Text})
	}
}

func (ctl *Controller) sendShardList(cl *client) {
	var shards []domain.ShardInfo
	if cl.lobby != nil {
		shards = ctl.Router.RankFor(cl.lobby)
	} else {
		var coords []geo.LatLon
		if c := ctl.Router.Geo.Coords(cl.session.IP); c != nil {
			coords = append(coords, *c)
		}
		shards = ctl.Router.Registry.Options(coords)
	}
	_ = cl.session.Conn.TrySend(protocol.ShardList{Type: protocol.TypeShardList, Shards: shards})
}

func (ctl *Controller) leaveLobby(cl *client) {
	l := cl.lobby
	if l == nil {
		return
	}
	cl.lobby = nil
	empty := l.RemovePlayer(cl.session.Player.ID)
	if empty && l.ActiveShard() == "" {
		ctl.Lobbies.Remove(l.ID)
		return
	}
	ctl.broadcastState(l)
}

func (ctl *Controller) broadcastState(l *app.Lobby) {
	if l == nil {
		return
	}
	sessions := l.Players()
	players := make([]domain.Player, 0, len(sessions))
	for _, s := range sessions {
		players = append(players, *s.Player)
	}
	l.Broadcast(protocol.LobbyState{
		Type:     protocol.TypeLobbyState,
		LobbyID:  l.ID,
		Name:     l.Name,
		HostID:   l.HostID,
		Settings: l.Settings,
		Players:  players,
	})
}

func (ctl *Controller) sendError(cl *client, msg string) {
	_ = cl.session.Conn.TrySend(protocol.ErrorMessage{Type: protocol.TypeError, Error: msg})
}
