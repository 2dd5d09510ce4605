// Package cfscrape is an HTTP client that gets through edge proxy
// anti-automation pages. One call to Do is one logical request; behind it
// the scraper sends as many physical requests as the proxy's JS, redirect
// and captcha challenges require, strictly one after another.
package cfscrape

import (
	"context"
	"net/url"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

type state int

const (
	stateSent state = iota
	stateClassified
	stateChallengeSolving
	stateCaptchaPending
	stateRedirectSolving
	stateInterstitialSolving
	stateDone
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateSent:
		return "sent"
	case stateClassified:
		return "classified"
	case stateChallengeSolving:
		return "challenge"
	case stateCaptchaPending:
		return "captcha"
	case stateRedirectSolving:
		return "redirect"
	case stateInterstitialSolving:
		return "interstitial"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// Scraper is safe for concurrent use. Concurrent requests share the cookie
// store and requester but nothing else.
type Scraper struct {
	cfg   Config
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New validates cfg and returns a Scraper. Missing optional collaborators
// get defaults: a no-op logger, a fresh cookie jar and the default profile.
func New(cfg Config) (*Scraper, error) {
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.CookieStore == nil {
		cfg.CookieStore = NewJarStore()
	}
	if cfg.Profile == nil {
		cfg.Profile = DefaultProfile
	}
	cfg.Header = cloneHeader(cfg.Header)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scraper{cfg: cfg, sleep: sleepContext, now: time.Now}, nil
}

// NewDefault returns a Scraper with DefaultConfig over a fingerprinted
// client. proxyURL may be empty.
func NewDefault(proxyURL string) (*Scraper, error) {
	cfg := DefaultConfig()
	store := NewJarStore()
	cfg.CookieStore = store
	requester, err := NewTLSRequester(cfg.Profile, proxyURL, store)
	if err != nil {
		return nil, err
	}
	cfg.Requester = requester
	return New(cfg)
}

// Config returns a copy of the scraper's configuration.
func (s *Scraper) Config() Config {
	cfg := s.cfg
	cfg.Header = cloneHeader(s.cfg.Header)
	return cfg
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the state of one logical request.
type run struct {
	s      *Scraper
	req    *Request
	policy Policy
	log    Logger

	hop  *hop
	desc *Descriptor
	resp *Response
	err  error

	interstitial interstitialKind
}

func (s *Scraper) policyFor(req *Request) Policy {
	if req.Policy != nil {
		return *req.Policy
	}
	return s.cfg.Policy
}

// Do performs one logical request. The returned error is one of
// *RequestError, *EdgeProxyError, *ParserError or *CaptchaError, or wraps
// ErrInvalidConfig when the request's policy is invalid.
func (s *Scraper) Do(ctx context.Context, req *Request) (*Response, error) {
	policy := s.policyFor(req)
	if err := policy.validate(); err != nil {
		return nil, err
	}
	h, err := newHop(req, &s.cfg, policy)
	if err != nil {
		return nil, &RequestError{ErrorContext: ErrorContext{Request: req}, Err: err}
	}
	r := &run{
		s:      s,
		req:    req,
		policy: policy,
		log:    newTraceLogger(s.cfg.Logger),
		hop:    h,
	}
	return r.loop(ctx)
}

// DoWithRetry repeats Do while it fails on a page served by the edge
// proxy, up to the policy's challenge budget extra attempts.
func (s *Scraper) DoWithRetry(ctx context.Context, req *Request) (*Response, error) {
	budget := s.policyFor(req).ChallengeBudget
	for attempt := 0; ; attempt++ {
		resp, err := s.Do(ctx, req)
		if err == nil || attempt >= budget || !failedAtEdge(err) || ctx.Err() != nil {
			return resp, err
		}
		s.cfg.Logger.Log("retrying %s after edge proxy failure (%d/%d): %v", req.URL, attempt+1, budget, err)
	}
}

func failedAtEdge(err error) bool {
	c := ContextOf(err)
	return c != nil && c.Response != nil && c.Response.IsEdgeProxy
}

// Get fetches rawURL with retries.
func (s *Scraper) Get(ctx context.Context, rawURL string) (*Response, error) {
	return s.DoWithRetry(ctx, &Request{Method: http.MethodGet, URL: rawURL})
}

// Post submits form to rawURL with retries.
func (s *Scraper) Post(ctx context.Context, rawURL string, form url.Values) (*Response, error) {
	return s.DoWithRetry(ctx, &Request{Method: http.MethodPost, URL: rawURL, Form: form})
}

func (r *run) loop(ctx context.Context) (*Response, error) {
	st := stateSent
	for {
		r.log.Log("hop %d: %s", r.hop.n, st)
		switch st {
		case stateSent:
			st = r.send(ctx)
		case stateClassified:
			st = r.classify()
		case stateChallengeSolving:
			st = r.solveChallenge(ctx)
		case stateCaptchaPending:
			st = r.awaitCaptcha(ctx)
		case stateRedirectSolving:
			st = r.solveRedirect()
		case stateInterstitialSolving:
			st = r.solveInterstitial(ctx)
		case stateDone:
			return r.resp, nil
		case stateFailed:
			return nil, r.err
		}
	}
}

func (r *run) fail(err error) state {
	r.log.Log("hop %d: %v", r.hop.n, err)
	r.err = err
	return stateFailed
}

func (r *run) errorContext() ErrorContext {
	return ErrorContext{Request: r.req, Hop: r.desc, Response: r.resp}
}

// send performs the physical exchange for the current hop.
func (r *run) send(ctx context.Context) state {
	r.desc = r.hop.descriptor()
	r.resp = nil

	raw, err := r.s.cfg.Requester.Send(ctx, r.desc)
	if err != nil {
		return r.fail(&RequestError{ErrorContext: r.errorContext(), Err: err})
	}
	if raw == nil || (raw.Body == nil && raw.Value == nil) {
		return r.fail(&RequestError{ErrorContext: r.errorContext(), Err: errMissingBody})
	}

	r.resp = &Response{
		StatusCode: raw.StatusCode,
		Header:     raw.Header,
		Body:       raw.Body,
		Value:      raw.Value,
		URL:        r.desc.URL,
		Request:    r.desc,
		ReceivedAt: r.s.now(),
		Hops:       r.hop.n,
	}
	if r.resp.Header == nil {
		r.resp.Header = http.Header{}
	}
	r.log.Log("hop %d: %s %s -> %d", r.hop.n, r.desc.Method, r.desc.URL.Redacted(), raw.StatusCode)
	return stateClassified
}
