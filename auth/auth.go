package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ggoodman/sportstream-go/frame"
)

// Tier is a discrete access level. Tiers are ordered; a higher tier may do
// everything a lower tier may.
type Tier int

const (
	TierAnonymous Tier = iota
	TierStarter
	TierProfessional
	TierEnterprise
)

var tierNames = [...]string{"anonymous", "starter", "professional", "enterprise"}

func (t Tier) String() string {
	if t < TierAnonymous || t > TierEnterprise {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// AtLeast reports whether t grants everything min grants.
func (t Tier) AtLeast(min Tier) bool { return t >= min }

// ParseTier parses a tier name, case-insensitively.
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range tierNames {
		if n == s {
			return Tier(i), nil
		}
	}
	return TierAnonymous, fmt.Errorf("unknown tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Identity is the outcome of a successful verification.
type Identity struct {
	// UserID is empty for anonymous identities.
	UserID string `json:"userId,omitempty"`
	Tier   Tier   `json:"tier"`
}

// Anonymous is the identity of a client presenting no credentials.
var Anonymous = Identity{Tier: TierAnonymous}

// IsAnonymous reports whether id carries no user.
func (id Identity) IsAnonymous() bool { return id.UserID == "" }

// Verifier validates a credential. Failures match frame.ErrAuthFailed.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token string) (Identity, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// ErrNotApplicable is returned by a Verifier that does not recognize the
// credential format, letting Chain try the next one.
var ErrNotApplicable = errors.New("auth: credential not applicable")

// Chain tries each verifier in order and returns the first definitive answer.
// A verifier returning ErrNotApplicable defers to the next one.
func Chain(vs ...Verifier) Verifier {
	return VerifierFunc(func(ctx context.Context, token string) (Identity, error) {
		var last error
		for _, v := range vs {
			if v == nil {
				continue
			}
			id, err := v.Verify(ctx, token)
			if err == nil {
				return id, nil
			}
			if errors.Is(err, ErrNotApplicable) {
				last = err
				continue
			}
			return Identity{}, authFailed(err)
		}
		if last == nil {
			last = errors.New("no verifier configured")
		}
		return Identity{}, authFailed(last)
	})
}

func authFailed(err error) error {
	if _, ok := frame.As(err); ok {
		return err
	}
	if frame.CodeOf(err) == frame.CodeTimeout {
		return frame.FromContext(err)
	}
	return &frame.Error{Code: frame.CodeAuthFailed, Message: "invalid credentials", Err: err}
}

// Deny is a Verifier that rejects every credential. It is the default when no
// verifier is configured so that only anonymous access is possible.
var Deny Verifier = VerifierFunc(func(context.Context, string) (Identity, error) {
	return Identity{}, frame.Errorf(frame.CodeAuthFailed, "authentication is not configured")
})
