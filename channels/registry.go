// Package channels owns the per-process set of named event channels: their
// membership, retention buffers, tier gates and publish fan-out.
package channels

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/sportstream-go/auth"
	"github.com/ggoodman/sportstream-go/frame"
	"golang.org/x/time/rate"
)

// MaxRetention is the largest retention buffer a channel may keep.
const MaxRetention = 32

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)+$`)

// ValidName reports whether name is a dotted channel identifier.
func ValidName(name string) bool { return nameRE.MatchString(name) }

// Subscriber is the registry's view of a session.
type Subscriber interface {
	SessionID() string
	Tier() auth.Tier
	// Enqueue must not block. It reports false when the frame could only be
	// queued by dropping an older one.
	Enqueue(f *frame.Frame) bool
}

// Family describes a class of channels sharing a name prefix. Channels whose
// name starts with Prefix are created on first subscribe.
type Family struct {
	Prefix  string
	MinTier auth.Tier
	// Retention overrides Config.DefaultRetention when positive. A negative
	// value disables retention for the family.
	Retention int
	// Rate caps events per second delivered to each member; zero disables it.
	Rate  rate.Limit
	Burst int
}

// DefaultFamilies returns the channel families served by the gateway.
func DefaultFamilies() []Family {
	return []Family{
		{Prefix: "pressure.", MinTier: auth.TierAnonymous, Rate: 20, Burst: 40},
		{Prefix: "game.", MinTier: auth.TierStarter, Rate: 10, Burst: 20},
		{Prefix: "insights.", MinTier: auth.TierProfessional, Rate: 5, Burst: 10},
	}
}

// Config bounds a Registry.
type Config struct {
	MaxChannels int
	MaxMembers  int
	// DefaultRetention is the retention buffer size for every channel whose
	// family does not set one. Zero keeps no events for late joiners.
	DefaultRetention int
	// PublisherRate limits non-privileged publishers, per publisher id.
	PublisherRate  rate.Limit
	PublisherBurst int
	IdleChannelTTL time.Duration
	Families       []Family
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxChannels:      10000,
		MaxMembers:       10000,
		DefaultRetention: 16,
		PublisherRate:    50,
		PublisherBurst:   100,
		IdleChannelTTL:   10 * time.Minute,
		Families:         DefaultFamilies(),
	}
}

// PublishOptions identifies who is publishing.
type PublishOptions struct {
	Publisher  string
	Privileged bool
}

// Stats is a registry snapshot.
type Stats struct {
	Channels    int    `json:"channels"`
	Members     int    `json:"members"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	RateLimited uint64 `json:"rateLimited"`
	// Publishers counts the non-privileged publishers with a live limiter.
	Publishers int `json:"publishers"`
}

// Info describes one channel.
type Info struct {
	Name     string    `json:"name"`
	Members  int       `json:"members"`
	Seq      uint64    `json:"seq"`
	MinTier  auth.Tier `json:"minTier"`
	Declared bool      `json:"declared"`
}

// Registry is safe for concurrent use. Membership changes and publishes are
// serialized per channel; no lock is held across channels.
type Registry struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu       sync.RWMutex
	channels map[string]*channel

	pubMu      sync.Mutex
	publishers map[string]*publisher

	published, delivered, rateLimited atomic.Uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock overrides the time source used for idle reaping.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// New creates a Registry. Zero fields in cfg take their defaults, except
// DefaultRetention where zero disables retention.
func New(cfg Config, opts ...Option) *Registry {
	def := DefaultConfig()
	if cfg.MaxChannels <= 0 {
		cfg.MaxChannels = def.MaxChannels
	}
	if cfg.MaxMembers <= 0 {
		cfg.MaxMembers = def.MaxMembers
	}
	cfg.DefaultRetention = min(max(cfg.DefaultRetention, 0), MaxRetention)
	if cfg.PublisherRate <= 0 {
		cfg.PublisherRate = def.PublisherRate
	}
	if cfg.PublisherBurst <= 0 {
		cfg.PublisherBurst = def.PublisherBurst
	}
	if cfg.IdleChannelTTL <= 0 {
		cfg.IdleChannelTTL = def.IdleChannelTTL
	}
	if cfg.Families == nil {
		cfg.Families = def.Families
	}
	// Longest prefix wins.
	fams := append([]Family(nil), cfg.Families...)
	sort.SliceStable(fams, func(i, j int) bool { return len(fams[i].Prefix) > len(fams[j].Prefix) })
	cfg.Families = fams

	r := &Registry{
		cfg:        cfg,
		log:        slog.Default(),
		now:        time.Now,
		channels:   make(map[string]*channel),
		publishers: make(map[string]*publisher),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) family(name string) (Family, bool) {
	for _, f := range r.cfg.Families {
		if strings.HasPrefix(name, f.Prefix) {
			return f, true
		}
	}
	return Family{}, false
}

func (r *Registry) retention(f Family) int {
	switch {
	case f.Retention < 0:
		return 0
	case f.Retention == 0:
		return r.cfg.DefaultRetention
	}
	return min(f.Retention, MaxRetention)
}

// Declare creates name with the given family settings if it does not exist.
// Declared channels are never reaped.
func (r *Registry) Declare(name string, f Family) error {
	if !ValidName(name) {
		return frame.Errorf(frame.CodeNotFound, "invalid channel name %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[name]; ok {
		ch.mu.Lock()
		ch.declared = true
		ch.mu.Unlock()
		return nil
	}
	if len(r.channels) >= r.cfg.MaxChannels {
		return frame.Errorf(frame.CodeOverloaded, "channel limit reached")
	}
	r.channels[name] = r.newChannel(name, f, true)
	return nil
}

func (r *Registry) newChannel(name string, f Family, declared bool) *channel {
	return &channel{
		name:     name,
		family:   f,
		declared: declared,
		members:  make(map[string]*member),
		retained: make([]*frame.Frame, 0, r.retention(f)),
		capacity: r.retention(f),
		touched:  r.now(),
	}
}

// get returns the live channel for name, creating it when create is true or
// the name belongs to a family.
func (r *Registry) get(name string, privileged bool) (*channel, error) {
	r.mu.RLock()
	ch, ok := r.channels[name]
	r.mu.RUnlock()
	if ok {
		return ch, nil
	}

	fam, famOK := r.family(name)
	if !famOK && !privileged {
		return nil, frame.Errorf(frame.CodeNotFound, "channel %q not found", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[name]; ok {
		return ch, nil
	}
	if len(r.channels) >= r.cfg.MaxChannels {
		return nil, frame.Errorf(frame.CodeOverloaded, "channel limit reached")
	}
	ch = r.newChannel(name, fam, false)
	r.channels[name] = ch
	r.log.Debug("channel.create", slog.String("channel", name))
	return ch, nil
}

// Subscribe adds sub to name and enqueues the retained events on sub before
// any later live event. Subscribing twice is a no-op.
func (r *Registry) Subscribe(ctx context.Context, sub Subscriber, name string) error {
	if !ValidName(name) {
		return frame.Errorf(frame.CodeNotFound, "invalid channel name %q", name)
	}
	for {
		if err := ctx.Err(); err != nil {
			return frame.FromContext(err)
		}
		ch, err := r.get(name, false)
		if err != nil {
			return err
		}
		joined, err := ch.join(sub, r.cfg.MaxMembers, r.now())
		if err == errChannelClosed {
			// Lost a race with the idle reaper; look the channel up again.
			continue
		}
		if err != nil {
			return err
		}
		if joined {
			r.log.DebugContext(ctx, "channel.subscribe", slog.String("channel", name), slog.String("session", sub.SessionID()))
		}
		return nil
	}
}

// Unsubscribe removes sessionID from name. Unknown channels and
// non-members are not an error.
func (r *Registry) Unsubscribe(sessionID, name string) {
	r.mu.RLock()
	ch, ok := r.channels[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	ch.leave(sessionID, r.now())
}

// Scrub removes sessionID from every channel and reports how many
// memberships were removed.
func (r *Registry) Scrub(sessionID string) int {
	r.mu.RLock()
	all := make([]*channel, 0, len(r.channels))
	for _, ch := range r.channels {
		all = append(all, ch)
	}
	r.mu.RUnlock()

	n := 0
	now := r.now()
	for _, ch := range all {
		if ch.leave(sessionID, now) {
			n++
		}
	}
	return n
}

// Publish appends an event to name and fans it out to every member. It never
// blocks on a slow subscriber and returns the number of members the event
// was enqueued on.
func (r *Registry) Publish(ctx context.Context, name string, payload json.RawMessage, opts PublishOptions) (int, error) {
	if !ValidName(name) {
		return 0, frame.Errorf(frame.CodeNotFound, "invalid channel name %q", name)
	}
	if !opts.Privileged && !r.allowPublisher(opts.Publisher) {
		r.log.WarnContext(ctx, "channel.publish.throttled", slog.String("channel", name), slog.String("publisher", opts.Publisher))
		return 0, frame.Errorf(frame.CodeOverloaded, "publisher %q is rate limited", opts.Publisher)
	}

	var ch *channel
	if opts.Privileged {
		var err error
		if ch, err = r.get(name, true); err != nil {
			return 0, err
		}
	} else {
		r.mu.RLock()
		ch = r.channels[name]
		r.mu.RUnlock()
		if ch == nil {
			return 0, frame.Errorf(frame.CodeNotFound, "channel %q not found", name)
		}
	}

	delivered, limited := ch.publish(payload, r.now())
	r.published.Add(1)
	r.delivered.Add(uint64(delivered))
	r.rateLimited.Add(uint64(limited))
	return delivered, nil
}

type publisher struct {
	limiter *rate.Limiter
	last    time.Time
}

func (r *Registry) allowPublisher(id string) bool {
	now := r.now()
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	p, ok := r.publishers[id]
	if !ok {
		p = &publisher{limiter: rate.NewLimiter(r.cfg.PublisherRate, r.cfg.PublisherBurst)}
		r.publishers[id] = p
	}
	p.last = now
	return p.limiter.AllowN(now, 1)
}

func (r *Registry) reapPublishers(cutoff time.Time) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	for id, p := range r.publishers {
		if !p.last.After(cutoff) {
			delete(r.publishers, id)
		}
	}
}

// MinTier returns the tier required to subscribe to name, without creating
// the channel.
func (r *Registry) MinTier(name string) (auth.Tier, error) {
	r.mu.RLock()
	ch, ok := r.channels[name]
	r.mu.RUnlock()
	if ok {
		return ch.family.MinTier, nil
	}
	if f, ok := r.family(name); ok {
		return f.MinTier, nil
	}
	return 0, frame.Errorf(frame.CodeNotFound, "channel %q not found", name)
}

// Members returns the session ids subscribed to name.
func (r *Registry) Members(name string) []string {
	r.mu.RLock()
	ch, ok := r.channels[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return ch.memberIDs()
}

// Active lists channels with at least one member whose name starts with
// prefix.
func (r *Registry) Active(prefix string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, ch := range r.channels {
		if strings.HasPrefix(name, prefix) && ch.size() > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Channels describes every channel.
func (r *Registry) Channels() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stats returns registry counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	s := Stats{Channels: len(r.channels)}
	for _, ch := range r.channels {
		s.Members += ch.size()
	}
	r.mu.RUnlock()
	s.Published = r.published.Load()
	s.Delivered = r.delivered.Load()
	s.RateLimited = r.rateLimited.Load()
	r.pubMu.Lock()
	s.Publishers = len(r.publishers)
	r.pubMu.Unlock()
	return s
}

// Reap removes undeclared channels that have had no members and no activity
// for the idle TTL, and forgets publishers idle for as long.
func (r *Registry) Reap() int {
	cutoff := r.now().Add(-r.cfg.IdleChannelTTL)
	r.reapPublishers(cutoff)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name, ch := range r.channels {
		if ch.closeIfIdle(cutoff) {
			delete(r.channels, name)
			n++
		}
	}
	return n
}

// Run reaps idle channels until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	every := max(r.cfg.IdleChannelTTL/4, time.Second)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if n := r.Reap(); n > 0 {
				r.log.DebugContext(ctx, "channel.reap", slog.Int("removed", n))
			}
		}
	}
}
