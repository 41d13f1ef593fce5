package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/k8ika0s/island-registry/internal/config"
)

// exposedHeaders are the response headers browser clients must be able to
// read: the redirect-download endpoints carry the artifact checksum, size,
// and filename in headers alongside the Location.
var exposedHeaders = []string{"Location", "X-Checksum-SHA256", "X-Expected-Size", "X-Filename"}

// corsPolicy is the allow-list resolved once from config at wrap time.
type corsPolicy struct {
	origins     map[string]bool
	anyOrigin   bool
	methods     string
	headers     string
	expose      string
	credentials bool
	maxAge      string
}

func newCORSPolicy(cfg config.Config) corsPolicy {
	p := corsPolicy{
		origins:     map[string]bool{},
		methods:     strings.Join(cfg.CORSMethods, ", "),
		headers:     strings.Join(cfg.CORSHeaders, ", "),
		expose:      strings.Join(exposedHeaders, ", "),
		credentials: cfg.CORSCredentials,
	}
	for _, o := range cfg.CORSOrigins {
		if o == "*" {
			p.anyOrigin = true
			continue
		}
		p.origins[o] = true
	}
	if p.methods == "" {
		p.methods = "GET, POST, PUT, DELETE, OPTIONS"
	}
	if p.headers == "" {
		p.headers = "Content-Type, Authorization"
	}
	if cfg.CORSMaxAge > 0 {
		p.maxAge = strconv.Itoa(cfg.CORSMaxAge)
	}
	return p
}

func (p corsPolicy) allows(origin string) bool {
	return p.anyOrigin || p.origins[origin]
}

func (p corsPolicy) apply(w http.ResponseWriter, origin string) {
	allowOrigin := origin
	if p.anyOrigin && !p.credentials {
		allowOrigin = "*"
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", allowOrigin)
	h.Add("Vary", "Origin")
	h.Set("Access-Control-Allow-Methods", p.methods)
	h.Set("Access-Control-Allow-Headers", p.headers)
	h.Set("Access-Control-Expose-Headers", p.expose)
	if p.credentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if p.maxAge != "" {
		h.Set("Access-Control-Max-Age", p.maxAge)
	}
}

func withCORS(cfg config.Config, next http.Handler) http.Handler {
	if len(cfg.CORSOrigins) == 0 {
		return next
	}
	policy := newCORSPolicy(cfg)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && policy.allows(origin) {
			policy.apply(w, origin)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
