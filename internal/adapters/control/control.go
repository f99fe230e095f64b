// Package control is the primary-side websocket controller for the shard
// control channel: registration, status and round-outcome reports.
package control

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
	"github.com/pasturegame/pasture/internal/protocol"
	"github.com/pasturegame/pasture/internal/registry"
)

var ErrBackpressure = errors.New("backpressure")

const registerDeadline = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	Registry *registry.Registry
	Router   *app.Router
	validate *validator.Validate
}

func NewController(reg *registry.Registry, router *app.Router) *Controller {
	return &Controller{
		Registry: reg,
		Router:   router,
		validate: validator.New(),
	}
}

// shardConn implements registry.ControlLink over one websocket.
type shardConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *shardConn) Send(v any) error {
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
		return ErrBackpressure
	}
}

func (c *shardConn) Close() {
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

// HandleControl upgrades a shard's control connection. The first message
// must be a register; everything after admission is a trusted channel.
func (ctl *Controller) HandleControl(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "control").Msg("ws upgrade")
		return
	}
	conn := &shardConn{conn: ws, send: make(chan []byte, 32)}
	go ctl.writePump(ctx, conn)

	remoteIP := c.ClientIP()

	_ = ws.SetReadDeadline(time.Now().Add(registerDeadline))
	_, data, err := ws.ReadMessage()
	if err != nil {
		log.Warn().Err(err).Str("module", "control").Str("ip", remoteIP).Msg("no register message")
		conn.Close()
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	var reg protocol.Register
	if err := json.Unmarshal(data, &reg); err != nil || reg.Type != protocol.TypeRegister {
		_ = conn.Send(protocol.Rejected{Type: protocol.TypeRejected, Reason: "expected register message"})
		conn.Close()
		return
	}
	if err := ctl.validate.Struct(reg); err != nil {
		_ = conn.Send(protocol.Rejected{Type: protocol.TypeRejected, Reason: "invalid register payload"})
		conn.Close()
		return
	}

	sh, err := ctl.Registry.Register(conn, reg.Name, reg.PublicURL, reg.Port, remoteIP)
	if err != nil {
		_ = conn.Send(protocol.Rejected{Type: protocol.TypeRejected, Reason: err.Error()})
		conn.Close()
		return
	}
	if err := conn.Send(protocol.Registered{Type: protocol.TypeRegistered, ShardID: sh.ID}); err != nil {
		ctl.Registry.Disconnect(sh.ID, "shard disconnected")
		conn.Close()
		return
	}

	ctl.readPump(ctx, sh.ID, conn)
}

func (ctl *Controller) writePump(ctx context.Context, c *shardConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "control").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, shardID domain.ShardID, c *shardConn) {
	defer func() {
		ctl.Registry.Disconnect(shardID, "shard disconnected")
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "control").Str("shard", string(shardID)).Msg("control channel closed")
				return
			}
			ctl.handle(shardID, data)
		}
	}
}

func (ctl *Controller) handle(shardID domain.ShardID, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "control").Str("shard", string(shardID)).Msg("bad json")
		return
	}

	switch env.Type {
	case protocol.TypeStatus:
		var msg protocol.Status
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Error().Err(err).Str("module", "control").Msg("bad status payload")
			return
		}
		ctl.Registry.UpdateStatus(shardID, msg.Lobbies, msg.Players)
	case protocol.TypeLobbyEnded:
		var msg protocol.LobbyEnded
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Error().Err(err).Str("module", "control").Msg("bad lobbyEnded payload")
			return
		}
		ctl.Router.OnLobbyEnded(shardID, msg)
	default:
		log.Warn().Str("module", "control").Str("type", env.Type).Msg("unknown control message")
	}
}
