// Package domain contains entity types without logic, just meta-data.
package domain

type (
	PlayerID  string
	LobbyID   string
	ShardID   string
	MachineID string
	Region    string
)
