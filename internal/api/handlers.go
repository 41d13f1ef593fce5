// Package api wires the registry's HTTP surface: registration with external
// URL verification, discovery, redirect downloads, yanking, and collaborator
// management, all under the /v1/island prefix. Every non-2xx response is
// the typed internal/apierr envelope.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/k8ika0s/island-registry/internal/apierr"
	"github.com/k8ika0s/island-registry/internal/auth"
	"github.com/k8ika0s/island-registry/internal/config"
	"github.com/k8ika0s/island-registry/internal/settings"
	"github.com/k8ika0s/island-registry/internal/store"
)

// Handler wires HTTP routes to the registry store.
type Handler struct {
	Store    store.Store
	Config   config.Config
	Settings settings.Settings
	Verifier *URLVerifier
	Now      func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

// settings returns the handler's runtime-tunable knobs with defaults filled
// in, so a zero-value Handler still behaves sensibly.
func (h *Handler) settings() settings.Settings {
	return settings.ApplyDefaults(h.Settings)
}

func (h *Handler) verifier() *URLVerifier {
	if h.Verifier != nil {
		return h.Verifier
	}
	return &URLVerifier{
		HeadTimeout: h.Config.VerifyHeadTimeout,
		GetTimeout:  h.Config.VerifyGetTimeout,
	}
}

func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.health)
	mux.HandleFunc("/ready", h.ready)
	mux.HandleFunc("/v1/island/register", h.register)
	mux.HandleFunc("/v1/island/packages", h.listPackages)
	mux.HandleFunc("/v1/island/packages/", h.packageSubtree)
	mux.HandleFunc("/v1/island/search", h.search)
	mux.HandleFunc("/v1/island/index.json", h.index)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
	defer cancel()
	status := map[string]any{"status": "ok"}
	if h.Store != nil {
		if err := h.Store.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["detail"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
	defer cancel()
	if h.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unready", "error": "store not configured"})
		return
	}
	if err := h.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// packageSubtree dispatches everything under /v1/island/packages/{name}:
//
//	{name}                               GET package detail
//	{name}/versions                      GET version list
//	{name}/collaborators                 GET list, POST add
//	{name}/collaborators/{id}            DELETE remove
//	{name}/{version}                     GET version detail
//	{name}/{version}/download            GET best-match redirect
//	{name}/{version}/download/{filename} GET exact redirect
//	{name}/{version}/yank                DELETE yank
func (h *Handler) packageSubtree(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/v1/island/packages/"))
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "package name required"))
		return
	}
	name := parts[0]
	switch {
	case len(parts) == 1:
		h.getPackage(w, r, name)
	case parts[1] == "versions" && len(parts) == 2:
		h.listVersions(w, r, name)
	case parts[1] == "collaborators":
		switch {
		case len(parts) == 2 && r.Method == http.MethodGet:
			h.listCollaborators(w, r, name)
		case len(parts) == 2 && r.Method == http.MethodPost:
			h.addCollaborator(w, r, name)
		case len(parts) == 3 && r.Method == http.MethodDelete:
			h.removeCollaborator(w, r, name, parts[2])
		default:
			writeError(w, apierr.New(apierr.CodeInvalidRequest, "method not allowed"))
		}
	case len(parts) == 2:
		h.getVersion(w, r, name, parts[1])
	case len(parts) == 3 && parts[2] == "download":
		h.downloadBestMatch(w, r, name, parts[1])
	case len(parts) == 4 && parts[2] == "download":
		h.downloadExact(w, r, name, parts[1], parts[3])
	case len(parts) == 3 && parts[2] == "yank":
		h.yank(w, r, name, parts[1])
	default:
		writeError(w, apierr.New(apierr.CodePackageNotFound, "not found"))
	}
}

// authenticate resolves the request's auth subject: a trusted-publisher OIDC
// token first (any non-prefixed bearer token, when OIDC is enabled), then an
// opaque API token. Authentication only — whether the subject may touch a
// particular package is each handler's own check against that package's
// publisher rows.
func (h *Handler) authenticate(r *http.Request) (auth.AuthenticatedUser, *apierr.APIError) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return auth.AuthenticatedUser{}, apierr.Unauthorized("authentication required")
	}
	if settings.BoolValue(h.settings().OIDCEnabled, true) {
		user, ok, err := auth.ValidateOIDCToken(header, h.Config.OIDCIssuer, h.Config.OIDCAudience, h.now())
		if ok {
			return user, nil
		}
		if err != nil {
			return auth.AuthenticatedUser{}, apierr.Unauthorized("invalid OIDC token")
		}
	}
	raw, ok := auth.ParseAuthorizationHeader(header)
	if !ok {
		return auth.AuthenticatedUser{}, apierr.Unauthorized("malformed authorization header")
	}
	user, err := auth.ValidateAPIToken(store.AuthAdapter{Store: h.Store}, raw, h.now())
	if err != nil {
		return auth.AuthenticatedUser{}, apierr.Unauthorized("invalid or expired token")
	}
	return user, nil
}

// requireOwner checks that user is an is_owner publisher of name.
func (h *Handler) requireOwner(ctx context.Context, name string, user auth.AuthenticatedUser) *apierr.APIError {
	publishers, err := h.Store.FindPublishers(ctx, name)
	if err != nil {
		return apierr.Internal(err)
	}
	for _, p := range publishers {
		if !p.IsOwner {
			continue
		}
		if matchesPublisher(p, user) {
			return nil
		}
	}
	return apierr.Forbidden("caller is not an owner of " + name)
}

// matchesPublisher reports whether user is the subject a publisher row
// describes: direct publisher_id match, or for trusted publishers a
// repository (and optional workflow basename) match.
func matchesPublisher(p store.Publisher, user auth.AuthenticatedUser) bool {
	switch user.AuthType {
	case "trusted_publisher":
		if p.PublisherType != "trusted_publisher" || p.GithubRepo != user.GithubRepository {
			return false
		}
		if p.GithubWorkflow != "" && workflowBase(p.GithubWorkflow) != workflowBase(user.GithubWorkflow) {
			return false
		}
		return true
	default:
		return p.PublisherID != "" && p.PublisherID == user.UserID
	}
}

func workflowBase(ref string) string {
	if idx := strings.LastIndex(ref, "/"); idx != -1 {
		return ref[idx+1:]
	}
	return ref
}

func parseIntDefault(val string, def int, max int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err *apierr.APIError) {
	if err.Code == apierr.CodeRateLimited && err.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(err.RetryAfter))
	}
	writeJSON(w, err.Status(), apierr.Envelope(err))
}
