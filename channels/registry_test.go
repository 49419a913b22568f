package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/sportstream-go/auth"
	"github.com/ggoodman/sportstream-go/frame"
)

type fakeSub struct {
	id   string
	tier auth.Tier

	mu     sync.Mutex
	frames []*frame.Frame
}

func (s *fakeSub) SessionID() string { return s.id }
func (s *fakeSub) Tier() auth.Tier   { return s.tier }
func (s *fakeSub) Enqueue(f *frame.Frame) bool {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return true
}

func (s *fakeSub) seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Seq
	}
	return out
}

func payload(i int) json.RawMessage { return json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)) }

var privileged = PublishOptions{Publisher: "test", Privileged: true}

func TestSubscribe_UnknownFamily(t *testing.T) {
	r := New(Config{})
	sub := &fakeSub{id: "s1", tier: auth.TierEnterprise}
	if err := r.Subscribe(context.Background(), sub, "nope.x"); !errors.Is(err, frame.ErrNotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
	if err := r.Subscribe(context.Background(), sub, "Bad Name"); !errors.Is(err, frame.ErrNotFound) {
		t.Fatalf("invalid name: want NotFound, got %v", err)
	}
}

func TestSubscribe_TierGate(t *testing.T) {
	r := New(Config{})
	anon := &fakeSub{id: "a", tier: auth.TierAnonymous}
	if err := r.Subscribe(context.Background(), anon, "game.mlb.g1"); !errors.Is(err, frame.ErrTierDenied) {
		t.Fatalf("want TierDenied, got %v", err)
	}
	if err := r.Subscribe(context.Background(), anon, "pressure.g1"); err != nil {
		t.Fatalf("anonymous pressure subscribe: %v", err)
	}
	if got := r.Members("game.mlb.g1"); len(got) != 0 {
		t.Fatalf("denied subscriber must not be a member: %v", got)
	}
}

func TestSubscribe_Idempotent(t *testing.T) {
	r := New(Config{})
	sub := &fakeSub{id: "s1", tier: auth.TierStarter}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := r.Subscribe(ctx, sub, "game.nfl.g7"); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}
	if _, err := r.Publish(ctx, "game.nfl.g7", payload(1), privileged); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if want, got := 1, len(sub.seqs()); want != got {
		t.Fatalf("want %d delivery got %d", want, got)
	}
}

func TestPublish_RetentionReplay(t *testing.T) {
	r := New(Config{Families: []Family{{Prefix: "game.", Retention: 2}}})
	ctx := context.Background()
	x := &fakeSub{id: "x", tier: auth.TierStarter}
	y := &fakeSub{id: "y", tier: auth.TierStarter}

	if err := r.Subscribe(ctx, x, "game.mlb.g42"); err != nil {
		t.Fatalf("subscribe x: %v", err)
	}
	for i := 1; i <= 2; i++ {
		if _, err := r.Publish(ctx, "game.mlb.g42", payload(i), privileged); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if err := r.Subscribe(ctx, y, "game.mlb.g42"); err != nil {
		t.Fatalf("subscribe y: %v", err)
	}
	if _, err := r.Publish(ctx, "game.mlb.g42", payload(3), privileged); err != nil {
		t.Fatalf("publish 3: %v", err)
	}

	if want, got := []uint64{1, 2, 3}, x.seqs(); fmt.Sprint(want) != fmt.Sprint(got) {
		t.Fatalf("x: want %v got %v", want, got)
	}
	if want, got := []uint64{1, 2, 3}, y.seqs(); fmt.Sprint(want) != fmt.Sprint(got) {
		t.Fatalf("y: want %v got %v", want, got)
	}

	late := &fakeSub{id: "late", tier: auth.TierStarter}
	if err := r.Subscribe(ctx, late, "game.mlb.g42"); err != nil {
		t.Fatalf("subscribe late: %v", err)
	}
	if want, got := []uint64{2, 3}, late.seqs(); fmt.Sprint(want) != fmt.Sprint(got) {
		t.Fatalf("late: want retained %v got %v", want, got)
	}
}

func TestPublish_OrderingUnderConcurrency(t *testing.T) {
	r := New(Config{Families: []Family{{Prefix: "game."}}})
	ctx := context.Background()
	const subs = 4
	const events = 200
	all := make([]*fakeSub, subs)
	for i := range all {
		all[i] = &fakeSub{id: fmt.Sprintf("s%d", i), tier: auth.TierStarter}
		if err := r.Subscribe(ctx, all[i], "game.nba.g1"); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < events/4; i++ {
				_, _ = r.Publish(ctx, "game.nba.g1", payload(i), privileged)
			}
		}()
	}
	wg.Wait()

	ref := all[0].seqs()
	if len(ref) != events {
		t.Fatalf("want %d events got %d", events, len(ref))
	}
	for i := 1; i < len(ref); i++ {
		if ref[i] != ref[i-1]+1 {
			t.Fatalf("sequence gap at %d: %d -> %d", i, ref[i-1], ref[i])
		}
	}
	for _, s := range all[1:] {
		if fmt.Sprint(s.seqs()) != fmt.Sprint(ref) {
			t.Fatalf("%s saw a different order", s.id)
		}
	}
}

func TestPublish_NonPrivileged(t *testing.T) {
	r := New(Config{PublisherRate: 1, PublisherBurst: 1})
	ctx := context.Background()
	opts := PublishOptions{Publisher: "client"}
	if _, err := r.Publish(ctx, "pressure.g9", payload(1), opts); !errors.Is(err, frame.ErrNotFound) {
		t.Fatalf("want NotFound for missing channel, got %v", err)
	}
	if _, err := r.Publish(ctx, "pressure.g9", payload(1), opts); !errors.Is(err, frame.ErrOverloaded) {
		t.Fatalf("want Overloaded once rate is spent, got %v", err)
	}
	if _, err := r.Publish(ctx, "custom.feed", payload(1), privileged); err != nil {
		t.Fatalf("privileged publish should create channel: %v", err)
	}
	if want, got := 1, r.Stats().Channels; want != got {
		t.Fatalf("want %d channel got %d", want, got)
	}
}

func TestSubscribe_Caps(t *testing.T) {
	r := New(Config{MaxChannels: 1, MaxMembers: 1})
	ctx := context.Background()
	a := &fakeSub{id: "a", tier: auth.TierStarter}
	b := &fakeSub{id: "b", tier: auth.TierStarter}
	if err := r.Subscribe(ctx, a, "game.mlb.g1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := r.Subscribe(ctx, b, "game.mlb.g1"); !errors.Is(err, frame.ErrChannelFull) {
		t.Fatalf("want ChannelFull, got %v", err)
	}
	if err := r.Subscribe(ctx, a, "game.mlb.g2"); !errors.Is(err, frame.ErrOverloaded) {
		t.Fatalf("want Overloaded at channel cap, got %v", err)
	}
}

func TestScrubAndReap(t *testing.T) {
	now := time.Unix(1700000000, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	r := New(Config{IdleChannelTTL: time.Minute}, WithClock(clock))
	ctx := context.Background()

	sub := &fakeSub{id: "s1", tier: auth.TierStarter}
	for _, name := range []string{"game.mlb.g1", "pressure.g1"} {
		if err := r.Subscribe(ctx, sub, name); err != nil {
			t.Fatalf("subscribe %s: %v", name, err)
		}
	}
	if err := r.Declare("status.system", Family{}); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if want, got := 2, r.Scrub("s1"); want != got {
		t.Fatalf("want %d memberships scrubbed got %d", want, got)
	}
	if got := r.Members("pressure.g1"); len(got) != 0 {
		t.Fatalf("scrubbed session still a member")
	}

	if n := r.Reap(); n != 0 {
		t.Fatalf("fresh channels reaped: %d", n)
	}
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	if want, got := 2, r.Reap(); want != got {
		t.Fatalf("want %d reaped got %d", want, got)
	}
	if want, got := 1, r.Stats().Channels; want != got {
		t.Fatalf("declared channel must survive, have %d channels", got)
	}
}

func TestPublish_PerMemberRate(t *testing.T) {
	r := New(Config{Families: []Family{{Prefix: "game.", Rate: 1, Burst: 2}}})
	ctx := context.Background()
	sub := &fakeSub{id: "s1", tier: auth.TierStarter}
	if err := r.Subscribe(ctx, sub, "game.mlb.g1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 5; i++ {
		_, _ = r.Publish(ctx, "game.mlb.g1", payload(i), privileged)
	}
	if want, got := 2, len(sub.seqs()); want != got {
		t.Fatalf("want %d delivered under the cap got %d", want, got)
	}
	if want, got := uint64(3), r.Stats().RateLimited; want != got {
		t.Fatalf("want %d rate limited got %d", want, got)
	}
}

func TestPublish_DefaultRetention(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name      string
		retention int
		families  []Family
		channel   string
		want      []uint64
	}{
		{"family inherits default", 2, nil, "pressure.nfl.g42", []uint64{4, 5}},
		{"zero keeps nothing", 0, nil, "custom.chan", []uint64{}},
		{"zero applies to families", 0, nil, "game.nfl.g1", []uint64{}},
		{"family override", 2, []Family{{Prefix: "game.", Retention: 3}}, "game.nfl.g1", []uint64{3, 4, 5}},
		{"family disabled", 16, []Family{{Prefix: "game.", Retention: -1}}, "game.nfl.g1", []uint64{}},
		{"clamped", 100, nil, "custom.chan", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{DefaultRetention: tc.retention, Families: tc.families}
			if cfg.Families == nil {
				cfg.Families = DefaultFamilies()
			}
			r := New(cfg)
			n := 5
			if tc.want == nil {
				n = MaxRetention + 8
				tc.want = make([]uint64, 0, MaxRetention)
				for i := n - MaxRetention + 1; i <= n; i++ {
					tc.want = append(tc.want, uint64(i))
				}
			}
			for i := 1; i <= n; i++ {
				if _, err := r.Publish(ctx, tc.channel, payload(i), privileged); err != nil {
					t.Fatalf("publish %d: %v", i, err)
				}
			}
			late := &fakeSub{id: "late", tier: auth.TierProfessional}
			if err := r.Subscribe(ctx, late, tc.channel); err != nil {
				t.Fatalf("subscribe: %v", err)
			}
			if got := late.seqs(); fmt.Sprint(tc.want) != fmt.Sprint(got) {
				t.Fatalf("want retained %v got %v", tc.want, got)
			}
		})
	}
}

func TestReap_IdlePublishers(t *testing.T) {
	now := time.Unix(1700000000, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	advance := func(d time.Duration) { mu.Lock(); now = now.Add(d); mu.Unlock() }
	r := New(Config{IdleChannelTTL: time.Minute}, WithClock(clock))
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, _ = r.Publish(ctx, "pressure.g9", payload(1), PublishOptions{Publisher: id})
	}
	if want, got := 2, r.Stats().Publishers; want != got {
		t.Fatalf("want %d publishers got %d", want, got)
	}

	advance(30 * time.Second)
	_, _ = r.Publish(ctx, "pressure.g9", payload(2), PublishOptions{Publisher: "b"})
	r.Reap()
	if want, got := 2, r.Stats().Publishers; want != got {
		t.Fatalf("active publishers reaped early: want %d got %d", want, got)
	}

	advance(31 * time.Second)
	r.Reap()
	if want, got := 1, r.Stats().Publishers; want != got {
		t.Fatalf("want %d publisher after reap got %d", want, got)
	}

	advance(time.Minute)
	r.Reap()
	if want, got := 0, r.Stats().Publishers; want != got {
		t.Fatalf("want %d publishers got %d", want, got)
	}
}
