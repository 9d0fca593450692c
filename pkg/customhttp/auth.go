package customhttp

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// credentialEntry is a Basic authorization value that worked, or is being
// tried, for a protection space. For proxy entries origin is the proxy
// address and root is unused.
type credentialEntry struct {
	proxy  bool
	origin string
	root   string
	realm  string
	value  string
}

// credentialCache is a copy-on-write list of credential entries. Readers
// walk an immutable snapshot; writers swap in a new slice.
type credentialCache struct {
	entries atomic.Pointer[[]credentialEntry]
}

func newCredentialCache() *credentialCache {
	c := &credentialCache{}
	c.entries.Store(&[]credentialEntry{})
	return c
}

func (c *credentialCache) snapshot() []credentialEntry { return *c.entries.Load() }

func (c *credentialCache) len() int { return len(c.snapshot()) }

// lookup returns the entry with the longest root covering path.
func (c *credentialCache) lookup(proxy bool, origin, path string) (credentialEntry, bool) {
	var best credentialEntry
	found := false
	for _, e := range c.snapshot() {
		if e.proxy != proxy || e.origin != origin {
			continue
		}
		if !proxy && !strings.HasPrefix(path, e.root) {
			continue
		}
		if !found || len(e.root) > len(best.root) {
			best, found = e, true
		}
	}
	return best, found
}

func (c *credentialCache) update(fn func([]credentialEntry) []credentialEntry) {
	for {
		old := c.entries.Load()
		next := fn(*old)
		if c.entries.CompareAndSwap(old, &next) {
			return
		}
	}
}

// store adds e, replacing any entry for the same protection space. The
// root widens to what both entries share.
func (c *credentialCache) store(e credentialEntry) {
	c.update(func(cur []credentialEntry) []credentialEntry {
		next := make([]credentialEntry, 0, len(cur)+1)
		for _, x := range cur {
			if x.proxy == e.proxy && x.origin == e.origin && x.realm == e.realm {
				e.root = commonRoot(x.root, e.root)
				continue
			}
			next = append(next, x)
		}
		return append(next, e)
	})
}

// remove drops entries that carry value for the protection space.
func (c *credentialCache) remove(proxy bool, origin, value string) {
	c.update(func(cur []credentialEntry) []credentialEntry {
		return lo.Filter(cur, func(x credentialEntry, _ int) bool {
			return !(x.proxy == proxy && x.origin == origin && x.value == value)
		})
	})
}

// pathRoot is the directory part of path: "/a/b/c" becomes "/a/b/".
func pathRoot(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "/"
	}
	return path[:i+1]
}

func commonRoot(a, b string) string {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return pathRoot(a[:i])
}

func originKey(u *url.URL) string { return u.Scheme + "://" + authority(u) }

func basicAuth(username, password string) string {
	auth := username + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(auth))
}

// basicRealm extracts the realm of the first Basic challenge.
func basicRealm(challenges []string) (string, bool) {
	for _, challenge := range challenges {
		challenge = strings.TrimSpace(challenge)
		scheme, params, _ := strings.Cut(challenge, " ")
		if !strings.EqualFold(scheme, "basic") {
			continue
		}
		_, realm, ok := strings.Cut(params, "realm=")
		if !ok {
			return "", true
		}
		realm = strings.TrimLeft(realm, " ")
		if strings.HasPrefix(realm, `"`) {
			if end := strings.Index(realm[1:], `"`); end >= 0 {
				return realm[1 : end+1], true
			}
		}
		if idx := strings.Index(realm, ","); idx != -1 {
			realm = realm[:idx]
		}
		return strings.Trim(realm, `" `), true
	}
	return "", false
}

// authFilter answers 401 and 407 challenges through a CredentialsProvider
// and sends cached credentials preemptively.
type authFilter struct {
	provider    CredentialsProvider
	cache       *credentialCache
	maxAttempts int
	logger      *zap.Logger
}

func newAuthFilter(provider CredentialsProvider, maxAttempts int, logger *zap.Logger) *authFilter {
	return &authFilter{
		provider:    provider,
		cache:       newCredentialCache(),
		maxAttempts: maxAttempts,
		logger:      logger.Named("auth"),
	}
}

// authorization returns the cached Authorization value for u.
func (a *authFilter) authorization(u *url.URL) string {
	e, ok := a.cache.lookup(false, originKey(u), u.EscapedPath())
	if !ok {
		return ""
	}
	return e.value
}

// proxyAuthorization returns the cached Proxy-Authorization value.
func (a *authFilter) proxyAuthorization(proxy *url.URL) string {
	if proxy == nil {
		return ""
	}
	e, ok := a.cache.lookup(true, proxy.Host, "")
	if !ok {
		return ""
	}
	return e.value
}

// challenge handles a 401 or 407 for req. sent is the authorization value
// the rejected attempt carried, if any. It reports whether fresh
// credentials were cached and the request should be sent again; false
// with a nil error means the response goes back to the caller as is.
func (a *authFilter) challenge(m *machine, req *Request, proxy *url.URL, status int, header http.Header, sent string) (bool, error) {
	if a.provider == nil {
		return false, nil
	}
	isProxy := status == http.StatusProxyAuthRequired
	headerKey := "WWW-Authenticate"
	if isProxy {
		headerKey = "Proxy-Authenticate"
	}

	challenges := header.Values(headerKey)
	if len(challenges) == 0 {
		return false, &MissingChallengeError{Header: headerKey, StatusCode: status}
	}
	realm, ok := basicRealm(challenges)
	if !ok {
		a.logger.Debug("No supported authentication scheme found", zap.Strings("challenges", challenges))
		return false, nil
	}
	if isProxy && proxy == nil {
		return false, nil
	}
	if m.auths >= a.maxAttempts {
		return false, fmt.Errorf("%w: limit %d", ErrTooManyAuthAttempts, a.maxAttempts)
	}

	host, origin, root := authority(req.url), originKey(req.url), pathRoot(req.url.EscapedPath())
	if isProxy {
		host, origin, root = proxy.Host, proxy.Host, ""
	}
	if sent != "" {
		a.cache.remove(isProxy, origin, sent)
	}

	username, password, err := a.provider.GetCredentials(host, realm)
	if err != nil {
		if errors.Is(err, ErrCredentialsNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get credentials: %w", err)
	}
	a.cache.store(credentialEntry{
		proxy:  isProxy,
		origin: origin,
		root:   root,
		realm:  realm,
		value:  basicAuth(username, password),
	})
	m.auths++
	return true, nil
}
