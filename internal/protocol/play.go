package protocol

import "github.com/pasturegame/pasture/internal/domain"

// Close codes for the player websocket. Distinct codes let the client tell
// "ask the primary for a fresh token" apart from "this lobby is gone".
const (
	CloseMissingParams = 4001
	CloseUnknownLobby  = 4002
	CloseBadToken      = 4003
	CloseRateLimited   = 4004
)

// In-round client -> server command types. Identical on primary and shard.
const (
	CmdBuild     = "build"
	CmdUpgrade   = "upgrade"
	CmdOrder     = "order"
	CmdPing      = "ping"
	CmdMapPing   = "mapPing"
	CmdChat      = "chat"
	CmdCancel    = "cancel"
	CmdPurchase  = "purchase"
	CmdSelection = "selection"
)

// GameCommand is the single in-round client message shape; unused fields
// stay at their zero value for a given Type.
type GameCommand struct {
	Type      string   `json:"type"`
	X         float64  `json:"x,omitempty"`
	Y         float64  `json:"y,omitempty"`
	Building  string   `json:"building,omitempty"`
	UnitID    string   `json:"unitId,omitempty"`
	Item      string   `json:"item,omitempty"`
	Text      string   `json:"text,omitempty"`
	Selection []string `json:"selection,omitempty"`
}

// Server -> player messages.
const (
	TypeRoundStart    = "roundStart"
	TypeRoundStop     = "roundStop"
	TypeTick          = "tick"
	TypeChat          = "chat"
	TypePong          = "pong"
	TypeConnectShard  = "connectShard"
	TypeRoundCanceled = "roundCanceled"
	TypeError         = "error"
)

type RoundStart struct {
	Type     string          `json:"type"`
	LobbyID  domain.LobbyID  `json:"lobbyId"`
	Settings domain.Settings `json:"settings"`
	Players  []domain.Player `json:"players"`
}

type RoundStop struct {
	Type     string               `json:"type"`
	Canceled bool                 `json:"canceled"`
	Summary  *domain.RoundSummary `json:"summary,omitempty"`
}

// ConnectShard instructs a primary-connected client to reconnect directly
// to a shard, presenting its one-time token.
type ConnectShard struct {
	Type    string         `json:"type"`
	URL     string         `json:"url"`
	LobbyID domain.LobbyID `json:"lobbyId"`
	Token   string         `json:"token"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
