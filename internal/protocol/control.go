// Package protocol defines the wire messages exchanged between the primary,
// shard processes and game clients. Every message is a JSON object tagged by
// a "type" field, dispatched the same way on both ends of a connection.
package protocol

import "github.com/pasturegame/pasture/internal/domain"

// Primary <-> shard control channel message types.
const (
	TypeRegister    = "register"
	TypeRegistered  = "registered"
	TypeRejected    = "rejected"
	TypeStatus      = "status"
	TypeAssignLobby = "assignLobby"
	TypeLobbyEnded  = "lobbyEnded"
	TypeCancelLobby = "cancelLobby"
)

// Envelope is decoded first to pick the concrete payload type.
type Envelope struct {
	Type string `json:"type"`
}

// Register is the shard's opening message on the control channel.
type Register struct {
	Type      string `json:"type"`
	Name      string `json:"name,omitempty" validate:"omitempty,max=36"`
	Port      int    `json:"port" validate:"required,min=1,max=65535"`
	PublicURL string `json:"publicUrl,omitempty" validate:"omitempty,uri"`
}

type Registered struct {
	Type    string         `json:"type"`
	ShardID domain.ShardID `json:"shardId"`
}

type Rejected struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Status carries the shard's self-reported load. Trusted channel, no
// validation beyond JSON shape.
type Status struct {
	Type    string `json:"type"`
	Lobbies int    `json:"lobbies"`
	Players int    `json:"players"`
}

// RosterEntry is one player slot in an assignment, including the one-time
// token the player presents when reconnecting to the shard.
type RosterEntry struct {
	ID          domain.PlayerID `json:"id"`
	Name        string          `json:"name"`
	PlayerColor int             `json:"playerColor"`
	Team        int             `json:"team"`
	Token       string          `json:"token"`
}

// AssignLobby is the immutable hand-off snapshot sent primary -> shard.
// Tokens are unique within one assignment and expire after a fixed window.
type AssignLobby struct {
	Type          string          `json:"type"`
	LobbyID       domain.LobbyID  `json:"lobbyId"`
	Settings      domain.Settings `json:"settings"`
	Players       []RosterEntry   `json:"players"`
	HostID        domain.PlayerID `json:"hostId"`
	Practice      bool            `json:"practice"`
	Editor        bool            `json:"editor"`
	CustomMapData []byte          `json:"customMapData,omitempty"`
}

// LobbyEnded reports a round outcome shard -> primary. Round is nil when
// the round was canceled before producing a summary.
type LobbyEnded struct {
	Type     string               `json:"type"`
	LobbyID  domain.LobbyID       `json:"lobbyId"`
	Canceled bool                 `json:"canceled"`
	Practice bool                 `json:"practice"`
	SheepWon *bool                `json:"sheepWon,omitempty"`
	Round    *domain.RoundSummary `json:"round,omitempty"`
}

// CancelLobby is a host-only administrative action forwarded by the primary.
type CancelLobby struct {
	Type    string         `json:"type"`
	LobbyID domain.LobbyID `json:"lobbyId"`
}
