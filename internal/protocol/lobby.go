package protocol

import "github.com/pasturegame/pasture/internal/domain"

// Client -> primary lobby channel message types. In-round commands reuse the
// Cmd* types once a local round is running.
const (
	TypeSetName     = "setName"
	TypeCreateLobby = "createLobby"
	TypeJoinLobby   = "joinLobby"
	TypeLeaveLobby  = "leaveLobby"
	TypeListShards  = "listShards"
	TypeStartShard  = "startShard"
	TypeStartLocal  = "start"
	TypeSetTeam     = "setTeam"
)

// Primary -> client lobby channel message types.
const (
	TypeWelcome    = "welcome"
	TypeLobbyState = "lobbyState"
	TypeShardList  = "shardList"
)

type SetName struct {
	Type string `json:"type"`
	Name string `json:"name" validate:"required,max=36"`
}

type SetTeam struct {
	Type string `json:"type"`
	Team int    `json:"team" validate:"min=0,max=1"`
}

type CreateLobby struct {
	Type     string          `json:"type"`
	Name     string          `json:"name" validate:"required,max=64"`
	Settings domain.Settings `json:"settings"`
}

type JoinLobby struct {
	Type    string         `json:"type"`
	LobbyID domain.LobbyID `json:"lobbyId" validate:"required"`
}

// StartShard picks one entry from the shard list: a registered shard by id,
// or a provisionable region by fly code.
type StartShard struct {
	Type      string         `json:"type"`
	ShardID   domain.ShardID `json:"shardId,omitempty"`
	FlyRegion domain.Region  `json:"flyRegion,omitempty"`
}

type Welcome struct {
	Type   string        `json:"type"`
	Player domain.Player `json:"player"`
}

type LobbyState struct {
	Type     string          `json:"type"`
	LobbyID  domain.LobbyID  `json:"lobbyId"`
	Name     string          `json:"name"`
	HostID   domain.PlayerID `json:"hostId"`
	Settings domain.Settings `json:"settings"`
	Players  []domain.Player `json:"players"`
}

type ShardList struct {
	Type   string             `json:"type"`
	Shards []domain.ShardInfo `json:"shards"`
}
