package domain

import "time"

// Settings is the snapshot of lobby rules frozen into an assignment.
type Settings struct {
	MapName      string `json:"mapName"`
	Mode         string `json:"mode"`
	RoundSeconds int    `json:"roundSeconds"`
	Practice     bool   `json:"practice"`
	Editor       bool   `json:"editor"`
}

type PlayerStats struct {
	ID       PlayerID `json:"id"`
	Gold     int      `json:"gold"`
	Builds   int      `json:"builds"`
	Kills    int      `json:"kills"`
	Saves    int      `json:"saves"`
	Survived bool     `json:"survived"`
}

// RoundSummary is produced exactly once per round, on win or cancel.
type RoundSummary struct {
	Canceled bool          `json:"canceled"`
	Practice bool          `json:"practice"`
	SheepWon bool          `json:"sheepWon"`
	Duration time.Duration `json:"duration"`
	Stats    []PlayerStats `json:"stats,omitempty"`
}
