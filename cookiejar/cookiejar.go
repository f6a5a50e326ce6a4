// Package cookiejar implements a session cookie store: extract cookies
// from Set-Cookie response headers, gather the applicable ones into a
// Cookie request header. Entries are keyed by (name, domain, path),
// pruned lazily on expiry, and filtered at gather time by the secure
// flag, domain suffix, and path prefix. Among same-named candidates the
// longer domain wins, then the longer path, then the earlier creation
// time.
//
// Cookie parsing and encoding themselves are net/http's: the Set-Cookie
// reader (Response.Cookies) and Cookie request encoder (Request.AddCookie)
// do the RFC 6265 work. Only the jar policy lives here.
package cookiejar

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// Header is a single wire header, duplicated at this package boundary the
// same way internal/wire and the root package each keep their own.
type Header struct {
	Name  []byte
	Value []byte
}

// Cookie is one cached cookie, keyed by (Name, Domain, Path).
type Cookie struct {
	Name, Value    string
	Domain, Path   string
	Secure         bool
	Expires        time.Time // zero means no expiry was set
	HasExpires     bool
	Persistent     bool // true once an explicit expiry/max-age was seen
	CreationTime   time.Time
	LastAccessTime time.Time
}

type cookieKey struct{ name, domain, path string }

// Jar is a concurrency-safe session cookie cache.
type Jar struct {
	mu      sync.Mutex
	cookies map[cookieKey]*Cookie
}

// New returns an empty Jar.
func New() *Jar {
	return &Jar{cookies: make(map[cookieKey]*Cookie)}
}

// Extract parses every Set-Cookie header in headers and merges the result
// into the jar, pruning anything already expired as of now: first stale
// cache entries are dropped, then the newly-parsed cookies are folded in
// (anything that arrives pre-expired is dropped too, evicting a cached
// entry under the same key).
func (j *Jar) Extract(headers []Header, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for key, c := range j.cookies {
		if c.HasExpires && !c.Expires.After(now) {
			delete(j.cookies, key)
		}
	}

	var rawSetCookies []string
	for _, h := range headers {
		if strings.EqualFold(string(h.Name), "set-cookie") {
			rawSetCookies = append(rawSetCookies, string(h.Value))
		}
	}
	if len(rawSetCookies) == 0 {
		return
	}

	// Reuse net/http's own Set-Cookie reader rather than hand-parsing
	// RFC 6265 attribute lists.
	parsed := (&http.Response{Header: http.Header{"Set-Cookie": rawSetCookies}}).Cookies()
	for _, hc := range parsed {
		if hc.Name == "" {
			continue
		}
		c := &Cookie{
			Name:   hc.Name,
			Value:  hc.Value,
			Domain: strings.ToLower(hc.Domain),
			Path:   hc.Path,
			Secure: hc.Secure,
		}
		switch {
		case hc.Expires.IsZero() && hc.MaxAge != 0:
			// An explicit Expires attribute wins over Max-Age when both
			// are present. net/http reports Max-Age=0 or a negative
			// Max-Age as MaxAge -1 and leaves Expires zero, so that case
			// lands here too and becomes an expiry in the past.
			c.Expires = now.Add(time.Duration(hc.MaxAge) * time.Second)
			c.HasExpires, c.Persistent = true, true
		case !hc.Expires.IsZero():
			c.Expires, c.HasExpires, c.Persistent = hc.Expires, true, true
		}
		if c.HasExpires && !c.Expires.After(now) {
			delete(j.cookies, cookieKey{name: c.Name, domain: c.Domain, path: c.Path})
			continue
		}
		c.CreationTime = now
		j.cookies[cookieKey{name: c.Name, domain: c.Domain, path: c.Path}] = c
	}
}

// Gather builds the Cookie request header value applicable to a request
// against requestScheme/requestDomain/requestPath, applying secure,
// domain-suffix and path-prefix filters and, among same-named candidates,
// preferring the longer domain, then the longer path, then the earlier
// creation time. Returns nil if no cookie applies.
func (j *Jar) Gather(requestScheme, requestDomain, requestPath string, now time.Time) []byte {
	j.mu.Lock()
	defer j.mu.Unlock()

	chosen := make(map[string]*Cookie)
	for key, c := range j.cookies {
		if c.HasExpires && !c.Expires.After(now) {
			delete(j.cookies, key)
			continue
		}
		if c.Secure && !strings.EqualFold(requestScheme, "https") {
			continue
		}
		if c.Domain != "" && !strings.HasSuffix(requestDomain, c.Domain) {
			continue
		}
		if c.Path != "" && !strings.HasPrefix(requestPath, c.Path) {
			continue
		}

		if current, ok := chosen[c.Name]; ok && !preferred(c, current) {
			continue
		}
		chosen[c.Name] = c
	}

	if len(chosen) == 0 {
		return nil
	}

	// Reuse net/http's own Cookie request-header encoder (name/value
	// sanitization) rather than hand-formatting "name=value; ..." pairs.
	req := &http.Request{Header: make(http.Header)}
	for _, c := range chosen {
		c.LastAccessTime = now
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	return []byte(req.Header.Get("Cookie"))
}

// preferred reports whether candidate should replace current as the
// chosen cookie for a given name. Longer domain wins outright; only on a
// domain tie does path length decide; only on both ties does earlier
// creation time decide.
func preferred(candidate, current *Cookie) bool {
	if len(candidate.Domain) != len(current.Domain) {
		return len(candidate.Domain) > len(current.Domain)
	}
	if len(candidate.Path) != len(current.Path) {
		return len(candidate.Path) > len(current.Path)
	}
	return candidate.CreationTime.Before(current.CreationTime)
}
