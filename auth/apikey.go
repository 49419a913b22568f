package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/ggoodman/sportstream-go/frame"
)

// APIKeyPrefix marks credentials handled by APIKeys.
const APIKeyPrefix = "sk_"

// APIKeys verifies static API keys.
type APIKeys struct {
	keys map[string]Identity
}

// NewAPIKeys returns a verifier for the given key to identity mapping.
func NewAPIKeys(keys map[string]Identity) *APIKeys {
	m := make(map[string]Identity, len(keys))
	for k, v := range keys {
		m[k] = v
	}
	return &APIKeys{keys: m}
}

// ParseAPIKeys parses "key=user:tier,key2=user2:tier2".
func ParseAPIKeys(spec string) (map[string]Identity, error) {
	out := map[string]Identity{}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, rest, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("api key entry %q: want key=user:tier", entry)
		}
		user, tierName, ok := strings.Cut(rest, ":")
		if !ok || user == "" {
			return nil, fmt.Errorf("api key entry %q: want key=user:tier", entry)
		}
		tier, err := ParseTier(tierName)
		if err != nil {
			return nil, fmt.Errorf("api key entry %q: %w", entry, err)
		}
		out[key] = Identity{UserID: user, Tier: tier}
	}
	return out, nil
}

func (a *APIKeys) Verify(_ context.Context, tok string) (Identity, error) {
	if !strings.HasPrefix(tok, APIKeyPrefix) {
		return Identity{}, ErrNotApplicable
	}
	for k, id := range a.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(tok)) == 1 {
			return id, nil
		}
	}
	return Identity{}, frame.Errorf(frame.CodeAuthFailed, "unknown api key")
}
