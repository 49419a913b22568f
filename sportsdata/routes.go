package sportsdata

import (
	"context"
	"time"

	"github.com/ggoodman/sportstream-go/auth"
	"github.com/ggoodman/sportstream-go/cache"
	"github.com/ggoodman/sportstream-go/frame"
	"github.com/ggoodman/sportstream-go/query"
)

// Sources bundles the data behind the read routes.
type Sources struct {
	Provider  Provider
	Documents *StaticDocuments
	Pressure  *PressureSimulator
	// TeamsTTL overrides cache.TTLTeams.
	TeamsTTL time.Duration
}

// TeamList is the body of /api/{sport}/teams.
type TeamList struct {
	Sport Sport  `json:"sport"`
	Teams []Team `json:"teams"`
}

// GameList is the body of /api/{sport}/games/live.
type GameList struct {
	Sport Sport  `json:"sport"`
	Games []Game `json:"games"`
}

// RegisterRoutes installs the sports read routes on s.
func RegisterRoutes(s *query.Service, src Sources) {
	teamsTTL := src.TeamsTTL
	if teamsTTL <= 0 {
		teamsTTL = cache.TTLTeams
	}

	s.Handle("/api/{sport}/teams", teamsTTL, auth.TierAnonymous, func(ctx context.Context, p query.Params) (any, error) {
		sport, err := ParseSport(p.Get("sport"))
		if err != nil {
			return nil, err
		}
		teams, err := src.Provider.Teams(ctx, sport)
		if err != nil {
			return nil, err
		}
		return TeamList{Sport: sport, Teams: teams}, nil
	})

	s.Handle("/api/{sport}/team/{id}", teamsTTL, auth.TierAnonymous, func(ctx context.Context, p query.Params) (any, error) {
		sport, err := ParseSport(p.Get("sport"))
		if err != nil {
			return nil, err
		}
		return src.Provider.Team(ctx, sport, p.Get("id"))
	})

	s.Handle("/api/{sport}/games/live", cache.TTLLiveGame, auth.TierStarter, func(ctx context.Context, p query.Params) (any, error) {
		sport, err := ParseSport(p.Get("sport"))
		if err != nil {
			return nil, err
		}
		games, err := src.Provider.LiveGames(ctx, sport)
		if err != nil {
			return nil, err
		}
		return GameList{Sport: sport, Games: games}, nil
	})

	if src.Pressure != nil {
		s.Handle("/api/pressure/{gameId}", cache.TTLPressure, auth.TierAnonymous, func(ctx context.Context, p query.Params) (any, error) {
			t, ok := src.Pressure.Latest(p.Get("gameId"))
			if !ok {
				return nil, frame.Errorf(frame.CodeNotFound, "no pressure data for game %q", p.Get("gameId"))
			}
			return t, nil
		})
	}

	if src.Documents != nil {
		for _, name := range []string{"havf", "vision"} {
			s.Handle("/api/"+name, 0, auth.TierAnonymous, func(ctx context.Context, p query.Params) (any, error) {
				return src.Documents.Get(name)
			})
		}
	}
}
