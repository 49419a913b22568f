// Package sportsdata supplies the data behind the gateway: team and game
// providers, the simulators that feed live channels, and the static JSON
// documents served by the marketing site.
package sportsdata

import (
	"strings"
	"time"

	"github.com/ggoodman/sportstream-go/frame"
)

// Sport is a lower-case league key.
type Sport string

const (
	MLB  Sport = "mlb"
	NFL  Sport = "nfl"
	NBA  Sport = "nba"
	NCAA Sport = "ncaa"
)

// Sports lists every supported league.
var Sports = []Sport{MLB, NFL, NBA, NCAA}

// ParseSport validates s, returning NotFound for unknown leagues.
func ParseSport(s string) (Sport, error) {
	sp := Sport(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Sports {
		if sp == known {
			return sp, nil
		}
	}
	return "", frame.Errorf(frame.CodeNotFound, "unknown sport %q", s)
}

// Record is a win/loss line.
type Record struct {
	Wins   int `json:"wins"`
	Losses int `json:"losses"`
	Ties   int `json:"ties,omitempty"`
}

// Team is a franchise or program.
type Team struct {
	ID         string `json:"id"`
	Sport      Sport  `json:"sport"`
	Name       string `json:"name"`
	City       string `json:"city"`
	Conference string `json:"conference"`
	Division   string `json:"division"`
	Record     Record `json:"record"`
}

// GameStatus is the phase of a game.
type GameStatus string

const (
	GameScheduled GameStatus = "scheduled"
	GameLive      GameStatus = "live"
	GameFinal     GameStatus = "final"
)

// Game is a scoreboard line.
type Game struct {
	ID        string     `json:"id"`
	Sport     Sport      `json:"sport"`
	Home      string     `json:"home"`
	Away      string     `json:"away"`
	HomeScore int        `json:"homeScore"`
	AwayScore int        `json:"awayScore"`
	Period    int        `json:"period"`
	Clock     string     `json:"clock,omitempty"`
	Status    GameStatus `json:"status"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// PressureTick is one sample of the live pressure stream.
type PressureTick struct {
	GameID    string    `json:"gameId"`
	Sport     Sport     `json:"sport,omitempty"`
	Home      float64   `json:"home"`
	Away      float64   `json:"away"`
	Momentum  float64   `json:"momentum"`
	Leverage  float64   `json:"leverage"`
	Timestamp time.Time `json:"timestamp"`
}
