package sportsdata

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"
)

// Publisher is where producers send channel events.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload any) error
	// Active lists channels with at least one subscriber under prefix.
	Active(prefix string) []string
}

// Producer emits events until ctx is done.
type Producer interface {
	Run(ctx context.Context, pub Publisher) error
}

// ProducerOption configures a simulator.
type ProducerOption func(*simConfig)

type simConfig struct {
	interval time.Duration
	seed     uint64
	log      *slog.Logger
	now      func() time.Time
}

// WithInterval sets the tick period.
func WithInterval(d time.Duration) ProducerOption {
	return func(c *simConfig) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithSeed makes the simulator deterministic.
func WithSeed(seed uint64) ProducerOption { return func(c *simConfig) { c.seed = seed } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ProducerOption {
	return func(c *simConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) ProducerOption { return func(c *simConfig) { c.now = now } }

func newSimConfig(interval time.Duration, opts []ProducerOption) simConfig {
	c := simConfig{interval: interval, seed: uint64(time.Now().UnixNano()), log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func runTicker(ctx context.Context, every time.Duration, tick func(context.Context)) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			tick(ctx)
		}
	}
}

// PressureSimulator publishes a random-walk pressure tick to every live
// pressure channel. Channel names are pressure.<gameId> or
// pressure.<sport>.<gameId>.
type PressureSimulator struct {
	cfg simConfig

	mu     sync.Mutex
	rng    *rand.Rand
	latest map[string]PressureTick
}

// NewPressureSimulator ticks every second unless overridden.
func NewPressureSimulator(opts ...ProducerOption) *PressureSimulator {
	cfg := newSimConfig(time.Second, opts)
	return &PressureSimulator{
		cfg:    cfg,
		rng:    rand.New(rand.NewPCG(cfg.seed, cfg.seed^0x9e3779b97f4a7c15)),
		latest: make(map[string]PressureTick),
	}
}

func (p *PressureSimulator) Run(ctx context.Context, pub Publisher) error {
	return runTicker(ctx, p.cfg.interval, func(ctx context.Context) { p.Tick(ctx, pub) })
}

// Tick publishes one round and returns the number of channels published to.
func (p *PressureSimulator) Tick(ctx context.Context, pub Publisher) int {
	n := 0
	for _, ch := range pub.Active("pressure.") {
		tick := p.next(ch)
		if err := pub.Publish(ctx, ch, tick); err != nil {
			p.cfg.log.WarnContext(ctx, "producer.pressure.publish_fail", slog.String("channel", ch), slog.String("err", err.Error()))
			continue
		}
		n++
	}
	return n
}

func (p *PressureSimulator) next(channel string) PressureTick {
	parts := strings.Split(strings.TrimPrefix(channel, "pressure."), ".")
	gameID := parts[len(parts)-1]
	var sport Sport
	if len(parts) > 1 {
		sport = Sport(parts[0])
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.latest[gameID]
	if !ok {
		prev = PressureTick{Home: 50, Away: 50}
	}
	step := func(v float64) float64 {
		return clamp(v+(p.rng.Float64()-0.5)*12, 0, 100)
	}
	t := PressureTick{
		GameID:    gameID,
		Sport:     sport,
		Home:      round1(step(prev.Home)),
		Away:      round1(step(prev.Away)),
		Timestamp: p.cfg.now().UTC(),
	}
	t.Momentum = round1(t.Home - prev.Home - (t.Away - prev.Away))
	t.Leverage = round1(math.Abs(t.Home-t.Away) / 100 * (0.5 + p.rng.Float64()))
	p.latest[gameID] = t
	return t
}

// Latest returns the last tick generated for gameID.
func (p *PressureSimulator) Latest(gameID string) (PressureTick, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.latest[gameID]
	return t, ok
}

// GameStore is the state a GameSimulator advances.
type GameStore interface {
	Games() []Game
	SetGame(Game)
}

// Insight is a derived view of a game published to insights channels.
type Insight struct {
	GameID             string    `json:"gameId"`
	HomeWinProbability float64   `json:"homeWinProbability"`
	Leverage           float64   `json:"leverage"`
	Timestamp          time.Time `json:"timestamp"`
}

// GameSimulator advances live games and publishes them on
// game.<sport>.<gameId>, game.<sport>.<team>.live and
// insights.<sport>.<gameId> when those channels have subscribers.
type GameSimulator struct {
	cfg   simConfig
	store GameStore

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGameSimulator ticks every five seconds unless overridden.
func NewGameSimulator(store GameStore, opts ...ProducerOption) *GameSimulator {
	cfg := newSimConfig(5*time.Second, opts)
	return &GameSimulator{
		cfg:   cfg,
		store: store,
		rng:   rand.New(rand.NewPCG(cfg.seed, cfg.seed^0xbf58476d1ce4e5b9)),
	}
}

func (g *GameSimulator) Run(ctx context.Context, pub Publisher) error {
	return runTicker(ctx, g.cfg.interval, func(ctx context.Context) { g.Tick(ctx, pub) })
}

// Tick advances every live game once and returns the number of events
// published.
func (g *GameSimulator) Tick(ctx context.Context, pub Publisher) int {
	active := make(map[string]bool)
	for _, prefix := range []string{"game.", "insights."} {
		for _, ch := range pub.Active(prefix) {
			active[ch] = true
		}
	}

	n := 0
	for _, game := range g.store.Games() {
		if game.Status == GameScheduled {
			continue
		}
		game = g.advance(game)
		g.store.SetGame(game)

		targets := []string{
			fmt.Sprintf("game.%s.%s", game.Sport, game.ID),
			fmt.Sprintf("game.%s.%s.live", game.Sport, game.Home),
			fmt.Sprintf("game.%s.%s.live", game.Sport, game.Away),
		}
		for _, ch := range targets {
			if !active[ch] {
				continue
			}
			if err := pub.Publish(ctx, ch, game); err != nil {
				g.cfg.log.WarnContext(ctx, "producer.game.publish_fail", slog.String("channel", ch), slog.String("err", err.Error()))
				continue
			}
			n++
		}
		if ch := fmt.Sprintf("insights.%s.%s", game.Sport, game.ID); active[ch] {
			if err := pub.Publish(ctx, ch, insightFor(game, g.cfg.now())); err == nil {
				n++
			}
		}
	}
	return n
}

var periods = map[Sport]int{MLB: 9, NFL: 4, NBA: 4, NCAA: 4}

func (g *GameSimulator) advance(game Game) Game {
	g.mu.Lock()
	defer g.mu.Unlock()
	game.UpdatedAt = g.cfg.now().UTC()
	if game.Status == GameFinal {
		// Demo games loop forever.
		game.Status = GameLive
		game.HomeScore, game.AwayScore, game.Period = 0, 0, 1
		return game
	}
	pts := scoring(game.Sport)
	if g.rng.IntN(3) == 0 {
		game.HomeScore += pts[g.rng.IntN(len(pts))]
	}
	if g.rng.IntN(3) == 0 {
		game.AwayScore += pts[g.rng.IntN(len(pts))]
	}
	if g.rng.IntN(4) == 0 {
		game.Period++
	}
	if game.Sport != MLB {
		game.Clock = fmt.Sprintf("%d:%02d", g.rng.IntN(15), g.rng.IntN(60))
	}
	if game.Period > periods[game.Sport] && game.HomeScore != game.AwayScore {
		game.Status = GameFinal
		game.Clock = ""
	}
	return game
}

func scoring(s Sport) []int {
	switch s {
	case NFL, NCAA:
		return []int{3, 7}
	case NBA:
		return []int{2, 3, 2, 1}
	}
	return []int{1}
}

func insightFor(g Game, now time.Time) Insight {
	diff := float64(g.HomeScore - g.AwayScore)
	scale := map[Sport]float64{MLB: 2, NFL: 10, NCAA: 10, NBA: 12}[g.Sport]
	total := float64(max(periods[g.Sport], 1))
	progress := clamp(float64(g.Period)/total, 0.1, 1)
	p := 1 / (1 + math.Exp(-diff/scale*progress*2))
	return Insight{
		GameID:             g.ID,
		HomeWinProbability: round1(p*100) / 100,
		Leverage:           round1((1 - math.Abs(p-0.5)*2) * progress),
		Timestamp:          now.UTC(),
	}
}

func clamp(v, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, v)) }

func round1(v float64) float64 { return math.Round(v*10) / 10 }

// Producers runs every producer until ctx is done.
func Producers(ctx context.Context, pub Publisher, ps ...Producer) error {
	var wg sync.WaitGroup
	errs := make([]error, len(ps))
	for i, p := range ps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.Run(ctx, pub)
		}()
	}
	wg.Wait()
	if i := slices.IndexFunc(errs, func(e error) bool { return e != nil && e != ctx.Err() }); i >= 0 {
		return errs[i]
	}
	return ctx.Err()
}
