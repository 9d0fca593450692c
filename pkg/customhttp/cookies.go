package customhttp

import (
	"net/http"
	"net/url"
	"strings"
)

// cookieHeader merges cookies from the jar into the caller's own Cookie
// values.
func cookieHeader(jar http.CookieJar, u *url.URL, existing []string) string {
	var cookiePairs []string
	for _, v := range existing {
		if v != "" {
			cookiePairs = append(cookiePairs, v)
		}
	}
	if jar != nil {
		for _, cookie := range jar.Cookies(u) {
			cookiePairs = append(cookiePairs, cookie.Name+"="+cookie.Value)
		}
	}
	return strings.Join(cookiePairs, "; ")
}

func storeCookies(jar http.CookieJar, u *url.URL, header http.Header) {
	if jar == nil {
		return
	}
	resp := &http.Response{Header: header}
	if cookies := resp.Cookies(); len(cookies) > 0 {
		jar.SetCookies(u, cookies)
	}
}
