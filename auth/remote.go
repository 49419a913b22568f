package auth

import (
	"context"
	"net/http"

	"github.com/ggoodman/sportstream-go/frame"
)

// JSONPoster posts a JSON body and decodes a JSON response. It is satisfied
// by upstream.Fetcher.
type JSONPoster interface {
	PostJSON(ctx context.Context, url string, in, out any) (int, error)
}

// RemoteVerifier delegates verification to an HTTP endpoint that accepts
// {"token":"..."} and answers {"userId":"...","tier":"..."}. Any 401 or 403
// response rejects the credential.
type RemoteVerifier struct {
	url    string
	poster JSONPoster
}

// NewRemoteVerifier returns a verifier calling url through poster.
func NewRemoteVerifier(url string, poster JSONPoster) *RemoteVerifier {
	return &RemoteVerifier{url: url, poster: poster}
}

type remoteRequest struct {
	Token string `json:"token"`
}

type remoteResponse struct {
	UserID string `json:"userId"`
	Tier   string `json:"tier"`
}

func (r *RemoteVerifier) Verify(ctx context.Context, tok string) (Identity, error) {
	var res remoteResponse
	status, err := r.poster.PostJSON(ctx, r.url, remoteRequest{Token: tok}, &res)
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return Identity{}, frame.Errorf(frame.CodeAuthFailed, "credential rejected by verifier")
	}
	if err != nil {
		// Verifier outages are not the client's fault; keep the upstream code.
		if fe, ok := frame.As(err); ok && fe.Code != frame.CodeInternal {
			return Identity{}, err
		}
		return Identity{}, &frame.Error{Code: frame.CodeUpstreamUnavailable, Message: "verifier unavailable", Err: err}
	}
	if res.UserID == "" {
		return Identity{}, frame.Errorf(frame.CodeAuthFailed, "verifier returned no identity")
	}
	tier, err := ParseTier(res.Tier)
	if err != nil {
		return Identity{}, &frame.Error{Code: frame.CodeAuthFailed, Message: "verifier returned an unknown tier", Err: err}
	}
	return Identity{UserID: res.UserID, Tier: tier}, nil
}
