// Package altsvc parses Alt-Svc response headers (RFC 7838) and remembers
// which origins advertised an HTTP/3 endpoint.
package altsvc

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxAge applies when an alternative omits the ma parameter.
const DefaultMaxAge = 24 * time.Hour

// ErrMalformed is wrapped by every parse failure.
var ErrMalformed = errors.New("malformed Alt-Svc value")

// Service is one advertised alternative.
type Service struct {
	ALPN    string
	Host    string // empty means the origin's own host
	Port    int
	MaxAge  time.Duration
	Persist bool
}

// Authority joins the alternative host (or fallback when empty) with its port.
func (s Service) Authority(fallbackHost string) string {
	host := s.Host
	if host == "" {
		host = fallbackHost
	}
	return net.JoinHostPort(host, strconv.Itoa(s.Port))
}

// Parse decodes a single Alt-Svc field value. clear is true for the special
// "clear" value, in which case services is empty.
func Parse(value string) (services []Service, clear bool, err error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, false, nil
	}
	if strings.EqualFold(value, "clear") {
		return nil, true, nil
	}

	for _, entry := range splitQuoted(value, ',') {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		svc, err := parseEntry(entry)
		if err != nil {
			return nil, false, err
		}
		services = append(services, svc)
	}
	return services, false, nil
}

func parseEntry(entry string) (Service, error) {
	params := splitQuoted(entry, ';')
	alt := strings.TrimSpace(params[0])

	eq := strings.IndexByte(alt, '=')
	if eq <= 0 {
		return Service{}, fmt.Errorf("%w: missing alt-authority in %q", ErrMalformed, entry)
	}
	svc := Service{
		ALPN:   strings.TrimSpace(alt[:eq]),
		MaxAge: DefaultMaxAge,
	}

	authority, err := unquote(strings.TrimSpace(alt[eq+1:]))
	if err != nil {
		return Service{}, err
	}
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return Service{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Service{}, fmt.Errorf("%w: invalid port %q", ErrMalformed, portStr)
	}
	svc.Host = host
	svc.Port = port

	for _, p := range params[1:] {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, val, _ := strings.Cut(p, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		val, err := unquote(strings.TrimSpace(val))
		if err != nil {
			return Service{}, err
		}
		switch name {
		case "ma":
			secs, err := strconv.ParseInt(val, 10, 64)
			if err != nil || secs < 0 {
				return Service{}, fmt.Errorf("%w: invalid ma %q", ErrMalformed, val)
			}
			if secs > int64(365*24*time.Hour/time.Second) {
				secs = int64(365 * 24 * time.Hour / time.Second)
			}
			svc.MaxAge = time.Duration(secs) * time.Second
		case "persist":
			svc.Persist = val == "1"
		}
	}
	return svc, nil
}

func unquote(s string) (string, error) {
	if len(s) >= 2 && s[0] == '"' {
		if s[len(s)-1] != '"' {
			return "", fmt.Errorf("%w: unterminated quote in %q", ErrMalformed, s)
		}
		return strings.ReplaceAll(s[1:len(s)-1], `\"`, `"`), nil
	}
	return s, nil
}

// splitQuoted splits s on sep, ignoring separators inside double quotes.
func splitQuoted(s string, sep byte) []string {
	var parts []string
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inQuote {
				i++
			}
		case '"':
			inQuote = !inQuote
		case sep:
			if !inQuote {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}
