package httpapi

import (
	"net/http"
	"strings"
)

// originPolicy matches browser origins against the configured allow-list.
// An entry ending in "*" matches by prefix; "*" alone matches everything.
type originPolicy struct {
	any      bool
	exact    map[string]struct{}
	prefixes []string
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{exact: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch {
		case o == "":
		case o == "*":
			p.any = true
		case strings.HasSuffix(o, "*"):
			p.prefixes = append(p.prefixes, strings.TrimSuffix(o, "*"))
		default:
			p.exact[strings.TrimSuffix(o, "/")] = struct{}{}
		}
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if p.any {
		return true
	}
	if _, ok := p.exact[strings.TrimSuffix(origin, "/")]; ok {
		return true
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// checkOrigin is the websocket upgrade check. Non-browser clients often omit
// Origin and are allowed.
func (p originPolicy) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	return origin == "" || p.allows(origin)
}

func (p originPolicy) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := p.allows(origin)
		if allowed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Access-Control-Max-Age", "86400")
		}
		if r.Method == http.MethodOptions && origin != "" {
			if !allowed {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
