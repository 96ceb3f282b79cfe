package fetch

import (
	"context"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
)

// DefaultUserAgents is the desktop identity pool used when none is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0",
	"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
}

// DefaultMobileUserAgents is the identity pool for the mobile strategy.
var DefaultMobileUserAgents = []string{
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (Linux; Android 13; SM-S918B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36",
}

var acceptLanguages = []string{
	"en-IN,en;q=0.9",
	"en-US,en;q=0.9",
	"en-GB,en;q=0.9,hi;q=0.6",
}

// session is the cookie state that survives across attempts until a soft
// block drops it.
type session struct {
	seed []*http.Cookie
	jar  *cookiejar.Jar
}

func newSession(seed []*http.Cookie) *session {
	jar, _ := cookiejar.New(nil)
	return &session{seed: seed, jar: jar}
}

// cookies returns the session cookies for u, topped up with configured seed
// cookies the site has not overwritten.
func (s *session) cookies(u *url.URL) []*http.Cookie {
	have := s.jar.Cookies(u)
	names := make(map[string]struct{}, len(have))
	for _, c := range have {
		names[c.Name] = struct{}{}
	}
	out := have
	for _, c := range s.seed {
		if _, ok := names[c.Name]; !ok {
			out = append(out, c)
		}
	}
	return out
}

// identity is the client persona of a single attempt. Headers and proxy are
// drawn from the pools every time; the session is shared.
type identity struct {
	userAgent      string
	acceptLanguage string
	proxy          *url.URL
	*session
}

// newIdentity draws a persona for sess. The user agent differs from prevAgent
// whenever the pool allows it.
func newIdentity(rng *rand.Rand, agents []string, proxies []*url.URL, sess *session, prevAgent string) *identity {
	id := &identity{
		userAgent:      pickOther(rng, agents, prevAgent),
		acceptLanguage: pick(rng, acceptLanguages),
		session:        sess,
	}
	if len(proxies) > 0 {
		id.proxy = proxies[rng.IntN(len(proxies))]
	}
	return id
}

func pick(rng *rand.Rand, pool []string) string {
	if len(pool) == 0 {
		return ""
	}
	return pool[rng.IntN(len(pool))]
}

// pickOther picks from pool avoiding prev, unless prev is the only choice.
func pickOther(rng *rand.Rand, pool []string, prev string) string {
	if len(pool) < 2 {
		return pick(rng, pool)
	}
	i := rng.IntN(len(pool))
	if pool[i] == prev {
		i = (i + 1 + rng.IntN(len(pool)-1)) % len(pool)
	}
	return pool[i]
}

// ParseCookies parses a browser-style "a=1; b=2" cookie string. Malformed
// pairs are skipped.
func ParseCookies(raw string) []*http.Cookie {
	var out []*http.Cookie
	for part := range strings.SplitSeq(raw, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		out = append(out, &http.Cookie{Name: name, Value: strings.TrimSpace(value)})
	}
	return out
}

type proxyKey struct{}

func withProxy(ctx context.Context, p *url.URL) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, proxyKey{}, p)
}

// proxyFromContext selects the proxy chosen for the request's identity,
// falling back to the environment.
func proxyFromContext(r *http.Request) (*url.URL, error) {
	if p, ok := r.Context().Value(proxyKey{}).(*url.URL); ok && p != nil {
		return p, nil
	}
	return http.ProxyFromEnvironment(r)
}
