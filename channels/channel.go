package channels

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/sportstream-go/frame"
	"golang.org/x/time/rate"
)

var errChannelClosed = errors.New("channel closed")

type member struct {
	sub     Subscriber
	limiter *rate.Limiter
}

// channel guards its own membership, sequence and retention buffer. Publish
// enqueues on members while holding mu, which is what keeps per-channel
// ordering identical for every subscriber.
type channel struct {
	name   string
	family Family

	mu       sync.Mutex
	declared bool
	closed   bool
	members  map[string]*member
	seq      uint64
	retained []*frame.Frame
	capacity int
	touched  time.Time
}

func (c *channel) join(sub Subscriber, maxMembers int, now time.Time) (bool, error) {
	if sub.Tier() < c.family.MinTier {
		return false, frame.Errorf(frame.CodeTierDenied, "channel %q requires tier %s", c.name, c.family.MinTier)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, errChannelClosed
	}
	id := sub.SessionID()
	if _, ok := c.members[id]; ok {
		return false, nil
	}
	if len(c.members) >= maxMembers {
		return false, frame.Errorf(frame.CodeChannelFull, "channel %q is full", c.name)
	}
	m := &member{sub: sub}
	if c.family.Rate > 0 {
		m.limiter = rate.NewLimiter(c.family.Rate, max(c.family.Burst, 1))
	}
	c.members[id] = m
	c.touched = now
	for _, f := range c.retained {
		sub.Enqueue(f)
	}
	return true, nil
}

func (c *channel) leave(sessionID string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[sessionID]; !ok {
		return false
	}
	delete(c.members, sessionID)
	c.touched = now
	return true
}

func (c *channel) publish(payload json.RawMessage, now time.Time) (delivered, limited int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	f := frame.Event(c.name, c.seq, payload)
	if c.capacity > 0 {
		if len(c.retained) == c.capacity {
			copy(c.retained, c.retained[1:])
			c.retained = c.retained[:len(c.retained)-1]
		}
		c.retained = append(c.retained, f)
	}
	c.touched = now
	for _, m := range c.members {
		if m.limiter != nil && !m.limiter.AllowN(now, 1) {
			limited++
			continue
		}
		m.sub.Enqueue(f)
		delivered++
	}
	return delivered, limited
}

func (c *channel) closeIfIdle(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declared || len(c.members) > 0 || c.touched.After(cutoff) {
		return false
	}
	c.closed = true
	return true
}

func (c *channel) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

func (c *channel) memberIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.members))
	for id := range c.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *channel) info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{Name: c.name, Members: len(c.members), Seq: c.seq, MinTier: c.family.MinTier, Declared: c.declared}
}
