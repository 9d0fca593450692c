package altsvc

import (
	"strings"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// ALPNH3 is the only protocol the cache records.
const ALPNH3 = "h3"

// Cache maps origins ("host:port" of an https origin) to the HTTP/3
// alternative they advertised. Entries expire after their ma parameter.
type Cache struct {
	entries *cache.Cache
	logger  *zap.Logger
}

// NewCache creates an empty cache. Expired entries are dropped lazily on
// lookup and by Purge; there is no background janitor.
func NewCache(logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		entries: cache.New(cache.NoExpiration, 0),
		logger:  logger.Named("altsvc"),
	}
}

func cacheKey(origin, alpn string) string {
	return strings.ToLower(origin) + " " + alpn
}

// Update applies the Alt-Svc header values received from origin. Only
// alternatives on the origin's own host are accepted.
func (c *Cache) Update(origin, originHost string, values []string) {
	for _, v := range values {
		services, clear, err := Parse(v)
		if err != nil {
			c.logger.Debug("Ignoring malformed Alt-Svc header", zap.String("origin", origin), zap.Error(err))
			continue
		}
		if clear {
			c.entries.Delete(cacheKey(origin, ALPNH3))
			continue
		}
		for _, svc := range services {
			if svc.ALPN != ALPNH3 {
				continue
			}
			if svc.Host != "" && !strings.EqualFold(svc.Host, originHost) {
				continue
			}
			if svc.MaxAge <= 0 {
				c.entries.Delete(cacheKey(origin, svc.ALPN))
				continue
			}
			c.entries.Set(cacheKey(origin, svc.ALPN), svc, svc.MaxAge)
			c.logger.Debug("Recorded Alt-Svc alternative",
				zap.String("origin", origin), zap.Int("port", svc.Port), zap.Duration("max_age", svc.MaxAge))
			break
		}
	}
}

// Lookup returns the live alternative for origin and alpn.
func (c *Cache) Lookup(origin, alpn string) (Service, bool) {
	v, ok := c.entries.Get(cacheKey(origin, alpn))
	if !ok {
		return Service{}, false
	}
	return v.(Service), true
}

// Invalidate forgets an alternative, typically after it failed to connect.
func (c *Cache) Invalidate(origin, alpn string) {
	c.entries.Delete(cacheKey(origin, alpn))
}

// Purge drops expired entries.
func (c *Cache) Purge() { c.entries.DeleteExpired() }

// Len reports the number of stored entries, expired ones included.
func (c *Cache) Len() int { return c.entries.ItemCount() }
