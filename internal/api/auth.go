package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"fieldsync/internal/config"

	"github.com/rs/zerolog"
)

const (
	apiKeyHeaderDefault   = "x-api-key"
	apiExtraHeaderDefault = "x-api-extra"
	permWriteSync         = "write:sync"
	permWriteActions      = "write:actions"
	permReadActions       = "read:actions"
	clientKeyUnknown      = "unknown"
)

// HTTPAuth checks API keys, permissions and the per-action token bucket.
type HTTPAuth struct {
	cfg             *config.APIConfig
	clientsByAPIKey map[string]config.APIClientKey
	buckets         *tokenBuckets
	log             zerolog.Logger
}

func NewHTTPAuth(cfg *config.APIConfig, log zerolog.Logger) *HTTPAuth {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}
	return &HTTPAuth{
		cfg:             cfg,
		clientsByAPIKey: m,
		buckets:         newTokenBuckets(cfg.RateLimit),
		log:             log,
	}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == pathHealthz || r.URL.Path == pathReadyz {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled {
			client, ok := a.authenticate(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			if !hasPermission(client, requiredPermission(r.Method, r.URL.Path)) {
				a.log.Warn().Str("client", client.Name).Str("path", r.URL.Path).Msg("permission denied")
				writeError(w, http.StatusForbidden, "permission denied")
				return
			}
		}

		// POST /sync has its own sliding window
		if strings.HasPrefix(r.URL.Path, pathActions) && a.cfg.RateLimit.RPS > 0 {
			if !a.buckets.get(a.clientKey(r)).Allow() {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAuth) authenticate(r *http.Request) (config.APIClientKey, bool) {
	apiKey := strings.TrimSpace(r.Header.Get(a.apiKeyHeader()))
	extra := strings.TrimSpace(r.Header.Get(a.extraHeader()))
	if apiKey == "" || extra == "" {
		return config.APIClientKey{}, false
	}

	client, ok := a.clientsByAPIKey[apiKey]
	if !ok {
		return config.APIClientKey{}, false
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return config.APIClientKey{}, false
	}
	return client, true
}

func (a *HTTPAuth) apiKeyHeader() string {
	h := strings.TrimSpace(a.cfg.Auth.HeaderAPIKey)
	if h == "" {
		return apiKeyHeaderDefault
	}
	return h
}

func (a *HTTPAuth) extraHeader() string {
	h := strings.TrimSpace(a.cfg.Auth.HeaderExtra)
	if h == "" {
		return apiExtraHeaderDefault
	}
	return h
}

// clientKey buckets token-bucket traffic by API key, falling back to the peer.
func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.apiKeyHeader())); apiKey != "" {
		return apiKey
	}
	return clientAddress(r, a.cfg.HTTP.TrustProxy)
}

// clientAddress is the network identity of the caller.
func clientAddress(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return clientKeyUnknown
}

func requiredPermission(method, path string) string {
	switch {
	case path == pathSync:
		return permWriteSync
	case path == pathActions && method == http.MethodGet:
		return permReadActions
	case strings.HasPrefix(path, pathActions+"/"):
		return permWriteActions
	default:
		return ""
	}
}

func hasPermission(client config.APIClientKey, required string) bool {
	if required == "" {
		return true
	}
	// If permissions list is empty, treat as allow-all.
	if len(client.Permissions) == 0 {
		return true
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return true
		}
	}
	return false
}
