// Package auth resolves client credentials to an Identity carrying a user id
// and a subscription Tier.
//
// A Verifier validates a bearer token or API key. Implementations provided
// here cover signed JWTs (with OIDC discovery or a static JWKS URL), static
// API keys, and a remote verification endpoint. Chain combines them.
//
// Example:
//
//	jwtv, err := auth.NewJWTFromDiscovery(ctx, "https://issuer.example", "https://api.example")
//	if err != nil { log.Fatal(err) }
//	v := auth.Chain(auth.NewAPIKeys(keys), jwtv)
//
//	id, err := v.Verify(ctx, token)
//	if errors.Is(err, frame.ErrAuthFailed) { /* reject */ }
//
// An empty token is never passed to a Verifier; callers treat it as the
// Anonymous identity.
package auth
