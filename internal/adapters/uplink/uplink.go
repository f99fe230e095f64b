// Package uplink maintains the shard's persistent control connection to the
// primary: registration, periodic status reports and assignment handling.
package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pasturegame/pasture/internal/config"
	"github.com/pasturegame/pasture/internal/domain"
	"github.com/pasturegame/pasture/internal/protocol"
	"github.com/pasturegame/pasture/internal/shard"
)

// ErrRejected means the primary refused this shard; there is no automatic
// retry for a rejection, only operator intervention.
var ErrRejected = errors.New("registration rejected")

const (
	reconnectBackoff = 5 * time.Second
	statusInterval   = 10 * time.Second
	dialTimeout      = 10 * time.Second
)

type Uplink struct {
	cfg  *config.Shard
	host *shard.Host

	mu      sync.Mutex
	conn    *websocket.Conn
	shardID domain.ShardID
}

func New(cfg *config.Shard, host *shard.Host) *Uplink {
	u := &Uplink{cfg: cfg, host: host}
	host.SetReport(func(msg protocol.LobbyEnded) {
		if err := u.Send(msg); err != nil {
			log.Error().Err(err).Str("module", "uplink").Str("lobby", string(msg.LobbyID)).Msg("round report lost")
		}
	})
	return u
}

// Send writes one control message; fails when the uplink is down. Running
// rounds are unaffected by a down uplink, only reporting suffers.
func (u *Uplink) Send(v any) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return errors.New("uplink not connected")
	}
	_ = u.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return u.conn.WriteJSON(v)
}

// ShardID returns the id the primary assigned on the current session, empty
// while disconnected.
func (u *Uplink) ShardID() domain.ShardID {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.shardID
}

// Run connects and re-connects with a fixed backoff until ctx ends or the
// primary rejects the registration. This loop is the only automatic retry
// anywhere in the hand-off path.
func (u *Uplink) Run(ctx context.Context) error {
	for {
		err := u.session(ctx)
		if errors.Is(err, ErrRejected) || ctx.Err() != nil {
			return err
		}
		log.Warn().Err(err).Str("module", "uplink").Dur("backoff", reconnectBackoff).Msg("primary connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectBackoff):
		}
	}
}

func (u *Uplink) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.cfg.PrimaryURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial primary: %w", err)
	}
	defer func() {
		u.mu.Lock()
		u.conn = nil
		u.shardID = ""
		u.mu.Unlock()
		_ = conn.Close()
	}()

	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()

	if err := u.Send(protocol.Register{
		Type:      protocol.TypeRegister,
		Name:      u.cfg.Name,
		Port:      u.cfg.Port,
		PublicURL: u.cfg.PublicURL,
	}); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	statusCtx, cancelStatus := context.WithCancel(ctx)
	defer cancelStatus()
	go u.statusLoop(statusCtx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read control channel: %w", err)
		}
		if err := u.handle(data); err != nil {
			return err
		}
	}
}

func (u *Uplink) handle(data []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "uplink").Msg("bad json from primary")
		return nil
	}

	switch env.Type {
	case protocol.TypeRegistered:
		var msg protocol.Registered
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		u.mu.Lock()
		u.shardID = msg.ShardID
		u.mu.Unlock()
		log.Info().Str("module", "uplink").Str("shard", string(msg.ShardID)).Msg("registered with primary")
	case protocol.TypeRejected:
		var msg protocol.Rejected
		_ = json.Unmarshal(data, &msg)
		log.Error().Str("module", "uplink").Str("reason", msg.Reason).Msg("primary rejected registration")
		return fmt.Errorf("%w: %s", ErrRejected, msg.Reason)
	case protocol.TypeAssignLobby:
		var msg protocol.AssignLobby
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Error().Err(err).Str("module", "uplink").Msg("bad assignment payload")
			return nil
		}
		u.host.Assign(msg)
	case protocol.TypeCancelLobby:
		var msg protocol.CancelLobby
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		u.host.Cancel(msg.LobbyID)
	default:
		log.Warn().Str("module", "uplink").Str("type", env.Type).Msg("unknown control message")
	}
	return nil
}

func (u *Uplink) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lobbies, players := u.host.Counts()
			if err := u.Send(protocol.Status{Type: protocol.TypeStatus, Lobbies: lobbies, Players: players}); err != nil {
				return
			}
		}
	}
}
