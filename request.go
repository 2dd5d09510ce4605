package cfscrape

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

// Request is one logical request. The scraper never modifies it; every
// physical exchange works on a private copy.
type Request struct {
	Method string
	URL    string
	// BaseURL, when set, resolves a relative URL. It is dropped once a
	// challenge has produced an absolute follow-up URL.
	BaseURL string
	// Header is layered over Config.Header.
	Header http.Header
	Query  url.Values
	// Form is sent url-encoded; it takes precedence over Body.
	Form url.Values
	Body []byte

	// JSON tells the classifier the caller expects a JSON document. A brotli
	// body that parses as JSON cannot be a challenge page and is returned as is.
	JSON bool
	// RawBody keeps the response as bytes: Text stays empty and email
	// de-obfuscation is skipped.
	RawBody bool
	// ChallengeDelay overrides the delay a challenge page asks for, zero
	// included. Nil means use the page's value.
	ChallengeDelay *time.Duration
	// Policy overrides Config.Policy for this request only.
	Policy *Policy
}

// hop is the mutable state of one physical exchange. Every transition
// derives a new hop with cloned headers, so no two hops share a header map.
type hop struct {
	n       int
	method  string
	uri     *url.URL
	baseURL string
	header  http.Header
	form    url.Values
	body    []byte
	budget  int
	rawBody bool
}

func newHop(req *Request, cfg *Config, policy Policy) (*hop, error) {
	target, err := resolveURL(req.BaseURL, req.URL)
	if err != nil {
		return nil, err
	}
	if len(req.Query) > 0 {
		q := target.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()
	}

	header := cloneHeader(cfg.Header)
	for k, vs := range req.Header {
		header[k] = append([]string(nil), vs...)
	}
	if policy.AcceptCompression {
		if headerValue(header, "accept-encoding") == "" {
			setHeader(header, "accept-encoding", "gzip, deflate, br")
		}
	} else {
		setHeader(header, "accept-encoding", "identity")
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
		if req.Form != nil {
			method = http.MethodPost
		}
	}

	return &hop{
		n:       1,
		method:  method,
		uri:     target,
		baseURL: req.BaseURL,
		header:  header,
		form:    cloneValues(req.Form),
		body:    append([]byte(nil), req.Body...),
		budget:  policy.ChallengeBudget,
		rawBody: req.RawBody,
	}, nil
}

func resolveURL(base, raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", raw, err)
	}
	if base != "" && !ref.IsAbs() {
		b, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse base url %q: %w", base, err)
		}
		ref = b.ResolveReference(ref)
	}
	if !ref.IsAbs() || ref.Host == "" {
		return nil, fmt.Errorf("url %q is not absolute", ref.String())
	}
	return ref, nil
}

// next derives the following hop. Headers, form and body are deep copies.
func (h *hop) next() *hop {
	u := *h.uri
	return &hop{
		n:       h.n + 1,
		method:  h.method,
		uri:     &u,
		baseURL: h.baseURL,
		header:  cloneHeader(h.header),
		form:    cloneValues(h.form),
		body:    append([]byte(nil), h.body...),
		budget:  h.budget,
		rawBody: h.rawBody,
	}
}

// origin returns scheme://host of the hop's URI.
func (h *hop) origin() string {
	return h.uri.Scheme + "://" + h.uri.Host
}

func (h *hop) descriptor() *Descriptor {
	header := cloneHeader(h.header)
	body := h.body
	if h.form != nil {
		body = []byte(h.form.Encode())
		setHeader(header, "content-type", "application/x-www-form-urlencoded")
	}
	u := *h.uri
	return &Descriptor{
		Method:  h.method,
		URL:     &u,
		Header:  header,
		Body:    append([]byte(nil), body...),
		Hop:     h.n,
		Scraper: true,
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func cloneValues(v url.Values) url.Values {
	if v == nil {
		return nil
	}
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// headerValue looks a header up case-insensitively without canonicalising
// keys, since ordered browser headers are stored lower case.
func headerValue(h http.Header, name string) string {
	for k, vs := range h {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// setHeader replaces any existing spelling of name, keeping the existing
// key's case so header ordering still applies.
func setHeader(h http.Header, name, value string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			h[k] = []string{value}
			return
		}
	}
	h[name] = []string{value}
}
