// Package shard holds the shard-side session machinery: assigned lobbies,
// token authentication and per-player game connections.
package shard

import "github.com/pasturegame/pasture/internal/domain"

// PlayerConn abstracts one player's socket. Owned by the play adapter; the
// adapter closes it.
type PlayerConn interface {
	TrySend(v any) error
	Close(code int, reason string)
}

// Client is the per-player connection wrapper, symmetric to the primary's
// player object but scoped to in-round actions. A client belongs to exactly
// one session.
type Client struct {
	Player domain.Player
	Conn   PlayerConn
	Stats  domain.PlayerStats
}

func NewClient(p domain.Player, conn PlayerConn) *Client {
	return &Client{Player: p, Conn: conn}
}
