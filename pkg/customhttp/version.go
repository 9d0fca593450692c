package customhttp

import (
	"fmt"
	"strings"
)

// Version is an HTTP protocol version. The zero value means "use the
// client's default".
type Version int

const (
	HTTP11 Version = iota + 1
	HTTP2
	HTTP3
)

func (v Version) String() string {
	switch v {
	case HTTP11:
		return "HTTP/1.1"
	case HTTP2:
		return "HTTP/2"
	case HTTP3:
		return "HTTP/3"
	default:
		return "default"
	}
}

// ParseVersion accepts the forms used on the command line and in config
// files: h1, http/1.1, h2, http/2, h3, http/3.
func ParseVersion(s string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return 0, nil
	case "h1", "http1", "http/1.1", "1.1":
		return HTTP11, nil
	case "h2", "http2", "http/2", "2":
		return HTTP2, nil
	case "h3", "http3", "http/3", "3":
		return HTTP3, nil
	}
	return 0, fmt.Errorf("unknown HTTP version %q", s)
}

// H3Discovery controls how an HTTP/3 endpoint is located.
type H3Discovery int

const (
	// DiscoveryUnset defers to the client configuration.
	DiscoveryUnset H3Discovery = iota
	// DiscoveryAny uses a cached Alt-Svc record or tries QUIC directly,
	// falling back to TCP when QUIC fails.
	DiscoveryAny
	// DiscoveryAltSvc only uses HTTP/3 once the origin advertised it.
	DiscoveryAltSvc
	// DiscoveryURIOnly dials QUIC at the request URI's authority and never
	// falls back.
	DiscoveryURIOnly
)

func (d H3Discovery) String() string {
	switch d {
	case DiscoveryAny:
		return "any"
	case DiscoveryAltSvc:
		return "alt-svc"
	case DiscoveryURIOnly:
		return "uri-only"
	default:
		return "unset"
	}
}

// ParseDiscovery parses any, alt-svc or uri-only.
func ParseDiscovery(s string) (H3Discovery, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return DiscoveryUnset, nil
	case "any":
		return DiscoveryAny, nil
	case "alt-svc", "altsvc", "alt_svc":
		return DiscoveryAltSvc, nil
	case "uri-only", "urionly", "uri_only":
		return DiscoveryURIOnly, nil
	}
	return DiscoveryUnset, fmt.Errorf("unknown HTTP/3 discovery mode %q", s)
}
