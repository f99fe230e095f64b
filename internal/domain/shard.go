package domain

type ShardStatus string

const (
	ShardOnline    ShardStatus = "online"
	ShardLaunching ShardStatus = "launching"
	ShardOffline   ShardStatus = "offline"
)

// ShardInfo is the read-only hosting-option projection served to clients.
// An empty ID denotes the primary server itself.
type ShardInfo struct {
	ID          ShardID     `json:"id"`
	Name        string      `json:"name"`
	Region      string      `json:"region"`
	PlayerCount int         `json:"playerCount"`
	LobbyCount  int         `json:"lobbyCount"`
	IsOnline    bool        `json:"isOnline"`
	FlyRegion   Region      `json:"flyRegion,omitempty"`
	Status      ShardStatus `json:"status,omitempty"`
}
