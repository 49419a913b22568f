package sportsdata

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/sportstream-go/frame"
	"github.com/ggoodman/sportstream-go/upstream"
)

// Provider is a source of team and game data.
type Provider interface {
	Teams(ctx context.Context, sport Sport) ([]Team, error)
	Team(ctx context.Context, sport Sport, id string) (Team, error)
	LiveGames(ctx context.Context, sport Sport) ([]Game, error)
}

// MockProvider serves built-in fixtures. Live games reflect whatever the
// game simulator has most recently recorded through SetGame.
type MockProvider struct {
	teams map[Sport][]Team

	mu    sync.RWMutex
	games map[Sport]map[string]Game
}

// NewMockProvider returns a provider seeded with the fixture leagues.
func NewMockProvider() *MockProvider {
	p := &MockProvider{teams: fixtureTeams(), games: make(map[Sport]map[string]Game)}
	now := time.Now().UTC()
	for _, g := range fixtureGames() {
		g.UpdatedAt = now
		p.SetGame(g)
	}
	return p
}

func (p *MockProvider) Teams(ctx context.Context, sport Sport) ([]Team, error) {
	if err := ctx.Err(); err != nil {
		return nil, frame.FromContext(err)
	}
	teams, ok := p.teams[sport]
	if !ok {
		return nil, frame.Errorf(frame.CodeNotFound, "unknown sport %q", sport)
	}
	return slices.Clone(teams), nil
}

func (p *MockProvider) Team(ctx context.Context, sport Sport, id string) (Team, error) {
	teams, err := p.Teams(ctx, sport)
	if err != nil {
		return Team{}, err
	}
	for _, t := range teams {
		if strings.EqualFold(t.ID, id) {
			return t, nil
		}
	}
	return Team{}, frame.Errorf(frame.CodeNotFound, "team %q not found in %s", id, sport)
}

func (p *MockProvider) LiveGames(ctx context.Context, sport Sport) ([]Game, error) {
	if _, ok := p.teams[sport]; !ok {
		return nil, frame.Errorf(frame.CodeNotFound, "unknown sport %q", sport)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Game, 0, len(p.games[sport]))
	for _, g := range p.games[sport] {
		if g.Status == GameLive {
			out = append(out, g)
		}
	}
	slices.SortFunc(out, func(a, b Game) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// Games returns every known game regardless of status.
func (p *MockProvider) Games() []Game {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Game
	for _, byID := range p.games {
		for _, g := range byID {
			out = append(out, g)
		}
	}
	slices.SortFunc(out, func(a, b Game) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Game returns a single game by id.
func (p *MockProvider) Game(id string) (Game, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, byID := range p.games {
		if g, ok := byID[id]; ok {
			return g, true
		}
	}
	return Game{}, false
}

// SetGame records the latest state of g.
func (p *MockProvider) SetGame(g Game) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.games[g.Sport] == nil {
		p.games[g.Sport] = make(map[string]Game)
	}
	p.games[g.Sport][g.ID] = g
}

// HTTPProvider reads from a remote sports API through the upstream fetcher.
// The API is expected to serve /{sport}/teams, /{sport}/teams/{id} and
// /{sport}/games?status=live.
type HTTPProvider struct {
	base    *url.URL
	fetcher *upstream.Fetcher
}

// NewHTTPProvider creates a provider rooted at baseURL.
func NewHTTPProvider(baseURL string, f *upstream.Fetcher) (*HTTPProvider, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid sports upstream url %q", baseURL)
	}
	return &HTTPProvider{base: u, fetcher: f}, nil
}

func (p *HTTPProvider) endpoint(query url.Values, segs ...string) string {
	u := p.base.JoinPath(segs...)
	u.RawQuery = query.Encode()
	return u.String()
}

func (p *HTTPProvider) Teams(ctx context.Context, sport Sport) ([]Team, error) {
	var teams []Team
	if _, err := p.fetcher.GetJSON(ctx, p.endpoint(nil, string(sport), "teams"), &teams); err != nil {
		return nil, err
	}
	for i := range teams {
		teams[i].Sport = sport
	}
	return teams, nil
}

func (p *HTTPProvider) Team(ctx context.Context, sport Sport, id string) (Team, error) {
	var t Team
	if _, err := p.fetcher.GetJSON(ctx, p.endpoint(nil, string(sport), "teams", id), &t); err != nil {
		return Team{}, err
	}
	t.Sport = sport
	return t, nil
}

func (p *HTTPProvider) LiveGames(ctx context.Context, sport Sport) ([]Game, error) {
	var games []Game
	q := url.Values{"status": {string(GameLive)}}
	if _, err := p.fetcher.GetJSON(ctx, p.endpoint(q, string(sport), "games"), &games); err != nil {
		return nil, err
	}
	for i := range games {
		games[i].Sport = sport
	}
	return games, nil
}
