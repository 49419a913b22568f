package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/sportstream-go/auth"
	"github.com/ggoodman/sportstream-go/cache"
	"github.com/ggoodman/sportstream-go/channels"
	"github.com/ggoodman/sportstream-go/frame"
	"github.com/ggoodman/sportstream-go/query"
	"github.com/ggoodman/sportstream-go/sessions"
	"github.com/ggoodman/sportstream-go/storage"
	"github.com/ggoodman/sportstream-go/upstream"
)

const (
	maxBodyBytes = 64 << 10
	pingTimeout  = 2 * time.Second
)

// Health is the body of GET /api/health.
type Health struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Services map[string]string `json:"services"`
}

// Status is the body of GET /api/status.
type Status struct {
	Document json.RawMessage      `json:"document,omitempty"`
	Version  string               `json:"version"`
	Uptime   string               `json:"uptime"`
	Sessions sessions.Stats       `json:"sessions"`
	Channels channels.Stats       `json:"channels"`
	Cache    *cache.Stats         `json:"cache,omitempty"`
	Upstream []upstream.HostStats `json:"upstream,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := Health{Status: "ok", Version: h.cfg.Version, Services: map[string]string{"sessions": "ok"}}
	status := http.StatusOK

	if h.draining.Load() || h.eng.Sessions().Draining() {
		res.Status = "draining"
		res.Services["sessions"] = "draining"
		status = http.StatusServiceUnavailable
	}
	if h.fetcher != nil {
		for _, hs := range h.fetcher.Stats() {
			name := "upstream:" + hs.Host
			res.Services[name] = hs.Breaker.String()
			if hs.Breaker == upstream.BreakerOpen && res.Status == "ok" {
				res.Status = "degraded"
			}
		}
	}
	for name, p := range h.pingers {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := p.Ping(pctx)
		cancel()
		if err != nil {
			res.Services[name] = "unavailable"
			if res.Status == "ok" {
				res.Status = "degraded"
			}
			h.log.WarnContext(ctx, "health.ping.fail", slog.String("service", name), slog.String("err", err.Error()))
			continue
		}
		res.Services[name] = "ok"
	}

	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, status, res)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	res := Status{
		Version:  h.cfg.Version,
		Uptime:   h.now().Sub(h.started).Truncate(time.Second).String(),
		Sessions: h.eng.Sessions().Stats(),
		Channels: h.eng.Registry().Stats(),
	}
	if h.statusDoc != nil {
		doc, err := h.statusDoc()
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		res.Document = doc
	}
	if h.cache != nil {
		st := h.cache.Stats()
		res.Cache = &st
	}
	if h.fetcher != nil {
		res.Upstream = h.fetcher.Stats()
	}
	w.Header().Set("Cache-Control", "no-cache")
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleFrameSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(frame.Schema())
}

func (h *Handler) handleContact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.store == nil {
		h.handleNotFound(w, r)
		return
	}
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "content_type.unsupported")
		h.writeError(w, r, frame.Errorf(frame.CodeInvalidFrame, "content-type must be application/json"))
		return
	}
	var c storage.Contact
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		h.writeError(w, r, frame.Errorf(frame.CodeInvalidFrame, "invalid contact body: %v", err))
		return
	}
	id, err := storage.SaveContact(ctx, h.store, c, h.now())
	if err != nil {
		if frame.CodeOf(err) != frame.CodeInvalidFrame {
			h.log.ErrorContext(ctx, "contact.save.fail", slog.String("err", err.Error()))
		}
		h.writeError(w, r, err)
		return
	}
	h.log.InfoContext(ctx, "contact.save.ok", slog.String("contact_id", id))
	h.writeJSON(w, http.StatusCreated, map[string]string{"id": id, "status": "received"})
}

// queryTier resolves the tier for an HTTP read. Reads are anonymous unless
// they name a live session or carry a bearer token; the higher tier wins.
func (h *Handler) queryTier(r *http.Request) (auth.Tier, error) {
	tier := auth.TierAnonymous
	if sid := r.Header.Get(sessionIDHeader); sid != "" {
		s, ok := h.eng.Sessions().Get(sid)
		if !ok {
			return tier, frame.Errorf(frame.CodeAuthFailed, "session %s is not live", sid)
		}
		tier = max(tier, s.Tier())
	}
	if tok := bearerToken(r); tok != "" {
		id, err := h.eng.Sessions().Authenticate(r.Context(), tok)
		if err != nil {
			return tier, err
		}
		tier = max(tier, id.Tier)
	}
	return tier, nil
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tier, err := h.queryTier(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.eng.Queries().Query(ctx, tier, query.Request{
		Method: http.MethodGet,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
	})
	if err != nil {
		if isCanceled(err) && ctx.Err() != nil {
			return
		}
		h.writeError(w, r, frame.FromContext(err))
		return
	}

	hdr := w.Header()
	hdr.Set("Cache-Control", cacheControl(res, h.now()))
	if res.ETag != "" {
		hdr.Set("ETag", res.ETag)
		if etagMatches(r.Header.Get("If-None-Match"), res.ETag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	ct := res.ContentType
	if ct == "" {
		ct = jsonMediaType.String()
	}
	hdr.Set("Content-Type", ct)
	hdr.Set("Content-Length", fmt.Sprint(len(res.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
}

func cacheControl(res query.Result, now time.Time) string {
	age := int(res.MaxAge(now) / time.Second)
	if res.Route == nil || res.Route.TTL <= 0 || age <= 0 {
		return "no-cache"
	}
	if res.Route.MinTier > auth.TierAnonymous {
		return fmt.Sprintf("private, max-age=%d", age)
	}
	return fmt.Sprintf("public, max-age=%d", age)
}

// etagMatches implements the weak comparison of If-None-Match.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, cand := range strings.Split(header, ",") {
		cand = strings.TrimSpace(cand)
		if cand == "*" || strings.TrimPrefix(cand, "W/") == want {
			return true
		}
	}
	return false
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	live := h.eng.Sessions().List()
	out := make([]sessions.Info, 0, len(live))
	for _, s := range live {
		out = append(out, s.Info())
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (h *Handler) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.eng.Sessions().Revoke(id) {
		h.writeError(w, r, frame.Errorf(frame.CodeNotFound, "session %s not found", id))
		return
	}
	h.log.InfoContext(r.Context(), "admin.session.revoke", slog.String("session_id", id))
	w.WriteHeader(http.StatusNoContent)
}

type publishRequest struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req publishRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, r, frame.Errorf(frame.CodeInvalidFrame, "invalid publish body: %v", err))
		return
	}
	if !channels.ValidName(req.Channel) {
		h.writeError(w, r, frame.Errorf(frame.CodeInvalidFrame, "invalid channel name %q", req.Channel))
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("null")
	}
	n, err := h.eng.PublishWith(ctx, req.Channel, req.Payload, channels.PublishOptions{Publisher: "admin", Privileged: true})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.InfoContext(ctx, "admin.publish", slog.String("channel", req.Channel), slog.Int("delivered", n))
	h.writeJSON(w, http.StatusAccepted, map[string]int{"delivered": n})
}
