package cfscrape

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
)

// CookieStore is the cookie jar shared by every hop of a request, and by
// every request when the caller reuses one store.
type CookieStore interface {
	// SetCookie stores one Set-Cookie style string for origin. With
	// ignoreError set, malformed input is dropped silently.
	SetCookie(raw string, origin *url.URL, ignoreError bool) error
	Cookies(u *url.URL) []*http.Cookie
}

// JarStore is a CookieStore over a tls-client cookie jar. The same jar can
// be handed to a tls-client HttpClient so transport cookies and challenge
// cookies end up in one place.
type JarStore struct {
	jar tls_client.CookieJar
}

// NewJarStore returns a store backed by a fresh jar.
func NewJarStore() *JarStore {
	return &JarStore{jar: tls_client.NewCookieJar()}
}

// Jar exposes the underlying jar for transports.
func (s *JarStore) Jar() tls_client.CookieJar {
	return s.jar
}

func (s *JarStore) SetCookie(raw string, origin *url.URL, ignoreError bool) error {
	cookie, err := parseLooseCookie(raw)
	if err != nil {
		if ignoreError {
			return nil
		}
		return err
	}
	s.jar.SetCookies(origin, []*http.Cookie{cookie})
	return nil
}

func (s *JarStore) Cookies(u *url.URL) []*http.Cookie {
	return s.jar.Cookies(u)
}

var errEmptyCookie = errors.New("empty cookie string")

// parseLooseCookie parses a Set-Cookie string. Values the strict parser
// refuses, such as ones containing spaces, fall back to a plain
// name=value split with only the path attribute honoured.
func parseLooseCookie(raw string) (*http.Cookie, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errEmptyCookie
	}
	resp := &http.Response{Header: http.Header{"Set-Cookie": {raw}}}
	if cookies := resp.Cookies(); len(cookies) > 0 {
		return cookies[0], nil
	}

	parts := strings.Split(raw, ";")
	name, value, ok := strings.Cut(parts[0], "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return nil, fmt.Errorf("malformed cookie %q", raw)
	}
	cookie := &http.Cookie{Name: name, Value: strings.Trim(strings.TrimSpace(value), `"`), Path: "/"}
	for _, attr := range parts[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(attr), "=")
		if strings.EqualFold(k, "path") && strings.HasPrefix(v, "/") {
			cookie.Path = v
		}
	}
	return cookie, nil
}

// cookieHeader renders the cookies for u as a Cookie request header value.
func cookieHeader(store CookieStore, u *url.URL) string {
	if store == nil {
		return ""
	}
	var parts []string
	for _, c := range store.Cookies(u) {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
