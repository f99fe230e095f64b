package domain

import "errors"

const MaxPlayerNameLen = 36

var (
	ErrNameEmpty   = errors.New("player name empty")
	ErrNameTooLong = errors.New("player name too long")
)

const (
	TeamSheep = 0
	TeamWolf  = 1
)

type Player struct {
	ID    PlayerID `json:"id"`
	Name  string   `json:"name"`
	Color int      `json:"playerColor"`
	Team  int      `json:"team"`
}

func (p *Player) SetName(name string) error {
	if len(name) == 0 {
		return ErrNameEmpty
	}
	if len(name) > MaxPlayerNameLen {
		return ErrNameTooLong
	}
	p.Name = name
	return nil
}
