package cfscrape

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/valyala/fasthttp"
)

// Descriptor is one physical request as handed to a Requester.
type Descriptor struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
	// Hop is 1 for the caller's request and increments on every follow-up.
	Hop int
	// Scraper marks descriptors issued by this package.
	Scraper bool
}

// RawResponse is what a Requester returns for one exchange.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	// Body is the payload with transfer encodings other than brotli removed.
	// A nil Body with a nil Value is reported as a missing body.
	Body []byte
	// Value lets custom requesters return an already decoded payload, which
	// bypasses classification.
	Value any
}

// Requester performs one physical exchange. Implementations must not follow
// redirects on their own if challenge pages can sit behind them.
type Requester interface {
	Send(ctx context.Context, d *Descriptor) (*RawResponse, error)
}

// RequesterFunc adapts a function to Requester.
type RequesterFunc func(ctx context.Context, d *Descriptor) (*RawResponse, error)

func (f RequesterFunc) Send(ctx context.Context, d *Descriptor) (*RawResponse, error) {
	return f(ctx, d)
}

// PseudoHeaderOrder is the HTTP/2 pseudo-header order Chrome sends.
var PseudoHeaderOrder = []string{
	":method",
	":authority",
	":scheme",
	":path",
}

// TLSRequester sends requests through a browser-fingerprinted tls-client.
type TLSRequester struct {
	Client tls_client.HttpClient
}

// NewTLSRequester builds a fingerprinted client for profile that shares
// store's jar. proxyURL may be empty.
func NewTLSRequester(profile *BrowserProfile, proxyURL string, store *JarStore) (*TLSRequester, error) {
	client, err := NewTLSClient(profile, proxyURL, store.Jar())
	if err != nil {
		return nil, err
	}
	return &TLSRequester{Client: client}, nil
}

func (t *TLSRequester) Send(ctx context.Context, d *Descriptor) (*RawResponse, error) {
	req, err := http.NewRequestWithContext(ctx, d.Method, d.URL.String(), bytes.NewReader(d.Body))
	if err != nil {
		return nil, err
	}
	req.Header = cloneHeader(d.Header)
	if _, ok := req.Header[http.PHeaderOrderKey]; !ok {
		req.Header[http.PHeaderOrderKey] = PseudoHeaderOrder
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	header := cloneHeader(resp.Header)
	if resp.Uncompressed {
		// The transport already decoded the body.
		dropContentEncoding(header)
	}
	if body, err = decodeContentEncoding(header, body); err != nil {
		return nil, err
	}
	return &RawResponse{StatusCode: resp.StatusCode, Header: header, Body: body}, nil
}

// FastRequester sends requests through fasthttp. It has no TLS fingerprint
// and no cookie jar of its own, so cookies are bridged through Store.
type FastRequester struct {
	Client  *fasthttp.Client
	Store   CookieStore
	Timeout time.Duration
}

// NewFastRequester returns a FastRequester with a client that keeps header
// case as given.
func NewFastRequester(store CookieStore, timeout time.Duration) *FastRequester {
	return &FastRequester{
		Client: &fasthttp.Client{
			NoDefaultUserAgentHeader:      true,
			DisableHeaderNamesNormalizing: true,
			ReadTimeout:                   timeout,
			WriteTimeout:                  timeout,
		},
		Store:   store,
		Timeout: timeout,
	}
}

func (f *FastRequester) Send(ctx context.Context, d *Descriptor) (*RawResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(d.URL.String())
	req.Header.SetMethod(d.Method)
	for _, name := range orderedHeaderNames(d.Header) {
		for _, v := range d.Header[name] {
			req.Header.Add(name, v)
		}
	}
	if c := cookieHeader(f.Store, d.URL); c != "" {
		req.Header.Set("cookie", c)
	}
	if len(d.Body) > 0 {
		req.SetBody(d.Body)
	}

	var deadline time.Time
	if f.Timeout > 0 {
		deadline = time.Now().Add(f.Timeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	var err error
	if deadline.IsZero() {
		err = f.Client.Do(req, resp)
	} else {
		err = f.Client.DoDeadline(req, resp, deadline)
	}
	if err != nil {
		return nil, err
	}

	header := make(http.Header)
	resp.Header.VisitAll(func(k, v []byte) {
		header.Add(string(k), string(v))
	})
	if f.Store != nil {
		resp.Header.VisitAllCookie(func(_, v []byte) {
			_ = f.Store.SetCookie(string(v), d.URL, true)
		})
	}
	body, err := decodeContentEncoding(header, append([]byte(nil), resp.Body()...))
	if err != nil {
		return nil, err
	}
	return &RawResponse{StatusCode: resp.StatusCode(), Header: header, Body: body}, nil
}

// orderedHeaderNames lists h's keys in header-order sequence, followed by
// any remaining keys. The order keys themselves are omitted.
func orderedHeaderNames(h http.Header) []string {
	seen := make(map[string]bool, len(h))
	var names []string
	for _, want := range h[http.HeaderOrderKey] {
		for k := range h {
			if !seen[k] && strings.EqualFold(k, want) {
				names = append(names, k)
				seen[k] = true
			}
		}
	}
	for k := range h {
		if k == http.HeaderOrderKey || k == http.PHeaderOrderKey || seen[k] {
			continue
		}
		names = append(names, k)
	}
	return names
}

// decodeContentEncoding removes gzip, deflate and zstd encodings. Brotli is
// left in place for the classifier, which owns the codec decision.
func decodeContentEncoding(header http.Header, body []byte) ([]byte, error) {
	enc := strings.ToLower(strings.TrimSpace(headerValue(header, "content-encoding")))
	if enc == "" || enc == "identity" || len(body) == 0 {
		return body, nil
	}

	var r io.Reader
	switch enc {
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer gz.Close()
		r = gz
	case "deflate":
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer zr.Close()
			r = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(body))
			defer fr.Close()
			r = fr
		}
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("zstd body: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		return body, nil
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decode %s body: %w", enc, err)
	}
	dropContentEncoding(header)
	return out, nil
}

func dropContentEncoding(header http.Header) {
	for k := range header {
		if strings.EqualFold(k, "content-encoding") {
			delete(header, k)
		}
	}
}
