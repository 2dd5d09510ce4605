package cfscrape

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	http "github.com/bogdanfinn/fhttp"
)

const testURL = "https://example.test/page"

const jsChallengePage = `<!DOCTYPE html>
<html>
<head><title>Just a moment...</title></head>
<body>
<div id="cf-content">Checking your browser before accessing example.test.</div>
<script type="text/javascript">
  document.getElementById('cf-content').style.display = 'block';
  setTimeout(function(){
    var s,t,o,p, x={"y":+((!+[]+!![]+[])+(+!![]))};
    t = document.createElement('div');
    t = t.firstChild.href;
    a = document.getElementById('jschl-answer');
    x.y -= 18;a.value = x.y + t.length
  }, 4000);
</script>
<form id="challenge-form" action="/cdn-cgi/l/chk_jschl" method="get">
  <input type="hidden" name="__cf_chl_jschl_tk__" value="tok"/>
  <input type="hidden" name="jschl_vc" value="abc123"/>
  <input type="hidden" name="pass" value="xyz"/>
  <input type="hidden" id="jschl-answer" name="jschl_answer"/>
</form>
</body>
</html>`

// jsChallengeAnswer is 21 - 18 plus len("http://example.test/").
const jsChallengeAnswer = "23"

const captchaV2Page = `<html><body>
<form class="challenge-form" id="challenge-form" action="/captcha/path?__cf_chl_captcha_tk__=tok123" method="POST" enctype="application/x-www-form-urlencoded">
  <input type="hidden" name="r" value="secret-r"/>
  <input type="hidden" name="cf_captcha_kind" value="re"/>
  <div class="g-recaptcha" data-sitekey="SITE1" data-ray="RAY1"></div>
</form>
</body></html>`

const captchaV1Page = `<html><body>
<a href="/why_captcha">Why do I have to complete a CAPTCHA?</a>
<form id="challenge-form" action="/cdn-cgi/l/chk_captcha" method="get">
  <input type="hidden" name="s" value="sss"/>
  <script src="https://www.google.com/recaptcha/api/fallback?k=SITEV1"></script>
</form>
</body></html>`

func edgeHeader() http.Header {
	return http.Header{
		"Server":       {"cloudflare"},
		"Content-Type": {"text/html; charset=UTF-8"},
	}
}

func edgePage(status int, body string) *RawResponse {
	return &RawResponse{StatusCode: status, Header: edgeHeader(), Body: append([]byte{}, body...)}
}

func plainPage(body string) *RawResponse {
	return &RawResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/html"}},
		Body:       []byte(body),
	}
}

func redirectPage(script string) string {
	return `<html><body>You are being redirected...<script>var S='` +
		base64.StdEncoding.EncodeToString([]byte(script)) + `';</script></body></html>`
}

// fakeRequester replays scripted responses and records every descriptor.
type fakeRequester struct {
	mu        sync.Mutex
	responses []*RawResponse
	errs      []error
	calls     []*Descriptor
	mutate    func(d *Descriptor)
}

func (f *fakeRequester) Send(ctx context.Context, d *Descriptor) (*RawResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.calls)
	f.calls = append(f.calls, d)
	if f.mutate != nil {
		f.mutate(d)
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.responses) {
		return nil, errors.New("unexpected request")
	}
	return f.responses[i], nil
}

type testHarness struct {
	scraper *Scraper
	fake    *fakeRequester
	sleeps  []time.Duration
}

// newHarness builds a scraper over fake with a clock that advances one
// second per reading and a sleep that only records.
func newHarness(t *testing.T, cfg Config, fake *fakeRequester) *testHarness {
	t.Helper()
	cfg.Requester = fake
	if cfg.ChallengeTimeoutMax == 0 {
		cfg.Policy = DefaultPolicy()
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h := &testHarness{scraper: s, fake: fake}
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	s.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	return h
}

func (h *testHarness) get(t *testing.T, req *Request) (*Response, error) {
	t.Helper()
	if req == nil {
		req = &Request{URL: testURL}
	}
	return h.scraper.Do(context.Background(), req)
}

func TestJSChallengeIsSolved(t *testing.T) {
	fake := &fakeRequester{responses: []*RawResponse{
		edgePage(http.StatusServiceUnavailable, jsChallengePage),
		edgePage(http.StatusOK, "<html>welcome</html>"),
	}}
	h := newHarness(t, Config{}, fake)

	resp, err := h.get(t, nil)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK || resp.Text != "<html>welcome</html>" {
		t.Errorf("response = %d %q", resp.StatusCode, resp.Text)
	}
	if resp.Hops != 2 {
		t.Errorf("Hops = %d, want 2", resp.Hops)
	}
	if len(fake.calls) != 2 {
		t.Fatalf("requests = %d, want 2", len(fake.calls))
	}

	second := fake.calls[1]
	want := "https://example.test/cdn-cgi/l/chk_jschl?__cf_chl_jschl_tk__=tok&jschl_answer=" + jsChallengeAnswer + "&jschl_vc=abc123&pass=xyz"
	if second.Method != http.MethodGet || second.URL.String() != want {
		t.Errorf("answer request = %s %s\nwant GET %s", second.Method, second.URL, want)
	}
	if got := headerValue(second.Header, "referer"); got != testURL {
		t.Errorf("referer = %q, want %q", got, testURL)
	}
	if headerValue(fake.calls[0].Header, "referer") != "" {
		t.Error("first request carries a referer")
	}

	// Received at t+1s, solved at t+2s: one second of the 4s delay is spent.
	if len(h.sleeps) != 1 || h.sleeps[0] != 3*time.Second {
		t.Errorf("sleeps = %v, want [3s]", h.sleeps)
	}
}

func TestJSChallengePostForm(t *testing.T) {
	page := strings.Replace(jsChallengePage, `action="/cdn-cgi/l/chk_jschl" method="get"`, `action="/?__cf_chl_jschl_tk__=abc&amp;x=1" method="POST"`, 1)
	fake := &fakeRequester{responses: []*RawResponse{
		edgePage(http.StatusServiceUnavailable, page),
		edgePage(http.StatusOK, "ok"),
	}}
	h := newHarness(t, Config{}, fake)

	if _, err := h.get(t, nil); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	second := fake.calls[1]
	if second.Method != http.MethodPost {
		t.Fatalf("method = %s, want POST", second.Method)
	}
	if got := second.URL.String(); got != "https://example.test/?__cf_chl_jschl_tk__=abc&x=1" {
		t.Errorf("url = %s", got)
	}
	form, err := url.ParseQuery(string(second.Body))
	if err != nil {
		t.Fatalf("body is not a form: %v", err)
	}
	if form.Get("jschl_answer") != jsChallengeAnswer || form.Get("jschl_vc") != "abc123" {
		t.Errorf("form = %v", form)
	}
	if got := headerValue(second.Header, "content-type"); got != "application/x-www-form-urlencoded" {
		t.Errorf("content-type = %q", got)
	}
}

func durationOf(d time.Duration) *time.Duration { return &d }

func TestChallengeDelayOverrideAndClamp(t *testing.T) {
	tests := []struct {
		name     string
		override *time.Duration
		max      time.Duration
		sleeps   []time.Duration
	}{
		{name: "override", override: durationOf(1500 * time.Millisecond), max: DefaultChallengeTimeoutMax, sleeps: []time.Duration{500 * time.Millisecond}},
		{name: "override above max", override: durationOf(4 * time.Second), max: 2 * time.Second, sleeps: []time.Duration{3 * time.Second}},
		{name: "zero override", override: durationOf(0), max: DefaultChallengeTimeoutMax},
		{name: "negative override", override: durationOf(-time.Second), max: DefaultChallengeTimeoutMax},
		{name: "page value", max: DefaultChallengeTimeoutMax, sleeps: []time.Duration{3 * time.Second}},
		{name: "clamped", max: 2 * time.Second, sleeps: []time.Duration{time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeRequester{responses: []*RawResponse{
				edgePage(http.StatusServiceUnavailable, jsChallengePage),
				edgePage(http.StatusOK, "ok"),
			}}
			policy := DefaultPolicy()
			policy.ChallengeTimeoutMax = tt.max
			h := newHarness(t, Config{Policy: policy}, fake)

			if _, err := h.get(t, &Request{URL: testURL, ChallengeDelay: tt.override}); err != nil {
				t.Fatalf("Do() error = %v", err)
			}
			if !slices.Equal(h.sleeps, tt.sleeps) {
				t.Errorf("sleeps = %v, want %v", h.sleeps, tt.sleeps)
			}
		})
	}
}

func TestChallengeBudget(t *testing.T) {
	for _, budget := range []int{0, 1, 3} {
		fake := &fakeRequester{}
		for range budget + 2 {
			fake.responses = append(fake.responses, edgePage(http.StatusServiceUnavailable, jsChallengePage))
		}
		policy := DefaultPolicy()
		policy.ChallengeBudget = budget
		h := newHarness(t, Config{Policy: policy}, fake)

		_, err := h.get(t, nil)
		var edge *EdgeProxyError
		if !errors.As(err, &edge) || !edge.Loop {
			t.Fatalf("budget %d: error = %v, want challenge loop", budget, err)
		}
		if len(fake.calls) != budget+1 {
			t.Errorf("budget %d: requests = %d, want %d", budget, len(fake.calls), budget+1)
		}
	}
}

func TestChallengeMissingDelayFails(t *testing.T) {
	page := strings.Replace(jsChallengePage, "}, 4000);", "});", 1)
	fake := &fakeRequester{responses: []*RawResponse{edgePage(http.StatusServiceUnavailable, page)}}
	h := newHarness(t, Config{}, fake)

	_, err := h.get(t, nil)
	var perr *ParserError
	if !errors.As(err, &perr) || perr.Reason != "failed to parse challenge timeout" {
		t.Fatalf("error = %v, want timeout parser error", err)
	}
}

func TestChallengeAnswerNotANumber(t *testing.T) {
	page := strings.Replace(jsChallengePage, "a.value = x.y + t.length", "a.value = +'abc'", 1)
	fake := &fakeRequester{responses: []*RawResponse{edgePage(http.StatusServiceUnavailable, page)}}
	h := newHarness(t, Config{}, fake)

	_, err := h.get(t, nil)
	var perr *ParserError
	if !errors.As(err, &perr) || perr.Reason != "Challenge answer is not a number" {
		t.Fatalf("error = %v, want not a number", err)
	}
	if c := ContextOf(err); c == nil || c.Response == nil || !strings.Contains(c.Response.Challenge, "+'abc'") {
		t.Errorf("error context does not carry the evaluated challenge")
	}
	if len(fake.calls) != 1 {
		t.Errorf("requests = %d, want 1", len(fake.calls))
	}
}

func TestRedirectChallengeSetsCookie(t *testing.T) {
	script := "document.cookie = 'sucuri_cloudproxy_uuid_abc=' + 'v' + 1 + '; path=/';location.reload();"
	fake := &fakeRequester{responses: []*RawResponse{
		edgePage(http.StatusOK, redirectPage(script)),
		edgePage(http.StatusOK, "<html>content</html>"),
	}}
	store := NewJarStore()
	h := newHarness(t, Config{CookieStore: store}, fake)

	resp, err := h.get(t, nil)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.Text != "<html>content</html>" {
		t.Errorf("Text = %q", resp.Text)
	}
	if got := fake.calls[1].URL.String(); got != testURL {
		t.Errorf("follow-up url = %s, want %s", got, testURL)
	}
	u, _ := url.Parse(testURL)
	var found bool
	for _, c := range store.Cookies(u) {
		if c.Name == "sucuri_cloudproxy_uuid_abc" && c.Value == "v1" {
			found = true
		}
	}
	if !found {
		t.Errorf("cookies = %v, want sucuri_cloudproxy_uuid_abc=v1", store.Cookies(u))
	}
}

func TestCaptchaV2(t *testing.T) {
	fake := &fakeRequester{responses: []*RawResponse{
		edgePage(http.StatusForbidden, captchaV2Page),
		edgePage(http.StatusOK, "solved"),
	}}
	var seen *CaptchaTicket
	cfg := Config{OnCaptcha: func(ctx context.Context, ticket *CaptchaTicket) error {
		seen = ticket
		ticket.Solve("TOKEN")
		return nil
	}}
	h := newHarness(t, cfg, fake)

	resp, err := h.get(t, nil)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.Text != "solved" {
		t.Errorf("Text = %q", resp.Text)
	}
	if seen == nil || seen.Version != CaptchaV2 || seen.SiteKey != "SITE1" || seen.RayID != "RAY1" {
		t.Fatalf("ticket = %+v", seen)
	}
	if !seen.Response.IsCaptcha {
		t.Error("captcha response not flagged")
	}

	second := fake.calls[1]
	if second.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", second.Method)
	}
	if got := second.URL.String(); got != "https://example.test/captcha/path?__cf_chl_captcha_tk__=tok123" {
		t.Errorf("url = %s", got)
	}
	if got := string(second.Body); got != "cf_captcha_kind=re&g-recaptcha-response=TOKEN&id=RAY1&r=secret-r" {
		t.Errorf("body = %s", got)
	}
}

func TestCaptchaV1(t *testing.T) {
	fake := &fakeRequester{responses: []*RawResponse{
		edgePage(http.StatusForbidden, captchaV1Page),
		edgePage(http.StatusOK, "solved"),
	}}
	cfg := Config{OnCaptcha: func(ctx context.Context, ticket *CaptchaTicket) error {
		if ticket.Version != CaptchaV1 || ticket.SiteKey != "SITEV1" {
			return errors.New("unexpected ticket")
		}
		ticket.Solve("TOK")
		return nil
	}}
	h := newHarness(t, cfg, fake)

	if _, err := h.get(t, nil); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	second := fake.calls[1]
	want := "https://example.test/cdn-cgi/l/chk_captcha?g-recaptcha-response=TOK&s=sss"
	if second.Method != http.MethodGet || second.URL.String() != want {
		t.Errorf("request = %s %s, want GET %s", second.Method, second.URL, want)
	}
}

type handlerErr struct{}

func (*handlerErr) Error() string { return "handler" }

func TestCaptchaHandlerFailures(t *testing.T) {
	sentinel := errors.New("solver out of credit")
	tests := []struct {
		name    string
		handler CaptchaHandler
		check   func(t *testing.T, err error)
	}{
		{
			name:    "no response field",
			handler: func(ctx context.Context, ticket *CaptchaTicket) error { return nil },
			check: func(t *testing.T, err error) {
				var cerr *CaptchaError
				if !errors.As(err, &cerr) || !strings.Contains(cerr.Reason, CaptchaResponseField) {
					t.Errorf("error = %v", err)
				}
			},
		},
		{
			name:    "handler error",
			handler: func(ctx context.Context, ticket *CaptchaTicket) error { return sentinel },
			check: func(t *testing.T, err error) {
				if !errors.Is(err, sentinel) {
					t.Errorf("error = %v, want wrapped sentinel", err)
				}
			},
		},
		{
			name: "typed nil error",
			handler: func(ctx context.Context, ticket *CaptchaTicket) error {
				var e *handlerErr
				return e
			},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrCaptchaHandlerFailed) {
					t.Errorf("error = %v, want ErrCaptchaHandlerFailed", err)
				}
			},
		},
		{
			name:    "panic",
			handler: func(ctx context.Context, ticket *CaptchaTicket) error { panic("boom") },
			check: func(t *testing.T, err error) {
				var cerr *CaptchaError
				if !errors.As(err, &cerr) || !strings.Contains(err.Error(), "boom") {
					t.Errorf("error = %v", err)
				}
			},
		},
		{
			name: "submit wins over return",
			handler: func(ctx context.Context, ticket *CaptchaTicket) error {
				ticket.Submit(sentinel)
				return nil
			},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, sentinel) {
					t.Errorf("error = %v, want sentinel", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeRequester{responses: []*RawResponse{edgePage(http.StatusForbidden, captchaV2Page)}}
			h := newHarness(t, Config{OnCaptcha: tt.handler}, fake)
			resp, err := h.get(t, nil)
			if resp != nil {
				t.Errorf("response = %+v, want nil", resp)
			}
			tt.check(t, err)
			if len(fake.calls) != 1 {
				t.Errorf("requests = %d, want 1", len(fake.calls))
			}
		})
	}
}

func TestCaptchaWithoutHandler(t *testing.T) {
	fake := &fakeRequester{responses: []*RawResponse{edgePage(http.StatusForbidden, captchaV2Page)}}
	h := newHarness(t, Config{}, fake)

	_, err := h.get(t, nil)
	var cerr *CaptchaError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want CaptchaError", err)
	}
	if c := ContextOf(err); c == nil || c.Response == nil || !c.Response.IsCaptcha {
		t.Error("error context does not flag the captcha response")
	}
}

func TestCaptchaContextCancelled(t *testing.T) {
	fake := &fakeRequester{responses: []*RawResponse{edgePage(http.StatusForbidden, captchaV2Page)}}
	live := make(chan *CaptchaTicket, 1)
	release := make(chan struct{})
	finished := make(chan struct{})
	h := newHarness(t, Config{OnCaptcha: func(ctx context.Context, ticket *CaptchaTicket) error {
		defer close(finished)
		live <- ticket
		<-release
		ticket.Solve("late-token")
		return nil
	}}, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.scraper.Do(ctx, &Request{URL: testURL})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}

	// The abandoned handler finishes while the caller reads the error.
	ticket := <-live
	close(release)
	c := ContextOf(err)
	if c == nil || c.Response == nil || c.Response.Captcha == nil {
		t.Fatalf("error context = %+v", c)
	}
	reported := c.Response.Captcha
	if reported == ticket {
		t.Fatal("error exposes the ticket still owned by the handler")
	}
	if reported.SiteKey != "SITE1" || reported.Form.Get("r") != "secret-r" {
		t.Errorf("reported ticket = %+v", reported)
	}
	<-finished
	if got := reported.Form.Get(CaptchaResponseField); got != "" {
		t.Errorf("late solve leaked into the error: %q", got)
	}
	if got := ticket.Form.Get(CaptchaResponseField); got != "late-token" {
		t.Errorf("handler ticket = %q", got)
	}
}

func TestEdgeProxyErrorPages(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  int
		retryable bool
	}{
		{name: "firewall", status: 403, body: `<span class="cf-error-code">1020</span>`, wantCode: 1020},
		{name: "banned ip", status: 403, body: `<h2><span class="cf-error-code">1006</span></h2>`, wantCode: 1006, retryable: true},
		{name: "empty body", status: 503, body: "", wantCode: 503},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeRequester{responses: []*RawResponse{edgePage(tt.status, tt.body)}}
			h := newHarness(t, Config{}, fake)

			_, err := h.get(t, nil)
			var edge *EdgeProxyError
			if !errors.As(err, &edge) {
				t.Fatalf("error = %v, want EdgeProxyError", err)
			}
			if edge.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", edge.Code, tt.wantCode)
			}
			if edge.Response == nil || edge.Response.StatusCode != tt.status {
				t.Errorf("error response = %+v", edge.Response)
			}
			if IsRetryableError(err) != tt.retryable {
				t.Errorf("IsRetryableError = %v, want %v", !tt.retryable, tt.retryable)
			}
		})
	}
}

func TestTransportFailures(t *testing.T) {
	fake := &fakeRequester{errs: []error{errors.New("dial tcp: connection refused")}}
	h := newHarness(t, Config{}, fake)

	_, err := h.get(t, nil)
	var rerr *RequestError
	if !errors.As(err, &rerr) || !IsRetryableError(err) {
		t.Fatalf("error = %v, want retryable RequestError", err)
	}

	fake = &fakeRequester{responses: []*RawResponse{{StatusCode: 200}}}
	h = newHarness(t, Config{}, fake)
	_, err = h.get(t, nil)
	if !errors.As(err, &rerr) || !errors.Is(err, errMissingBody) {
		t.Fatalf("error = %v, want missing body", err)
	}
}

func brotliCompress(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write([]byte(s)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestBrotliBodies(t *testing.T) {
	compressed := brotliCompress(t, `{"ok":true}`)
	raw := func() *RawResponse {
		return &RawResponse{
			StatusCode: 200,
			Header:     http.Header{"Content-Encoding": {"br"}, "Content-Type": {"application/json"}},
			Body:       compressed,
		}
	}

	fake := &fakeRequester{responses: []*RawResponse{raw()}}
	h := newHarness(t, Config{Codec: BrotliCodec{}}, fake)
	resp, err := h.get(t, &Request{URL: testURL, JSON: true})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.Text != `{"ok":true}` {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.Get("content-encoding") != "" {
		t.Error("content-encoding kept after decompression")
	}

	fake = &fakeRequester{responses: []*RawResponse{raw()}}
	h = newHarness(t, Config{}, fake)
	_, err = h.get(t, nil)
	if !errors.Is(err, errNoCodec) {
		t.Fatalf("error = %v, want errNoCodec", err)
	}
}

func TestCustomValuePassesThrough(t *testing.T) {
	value := map[string]int{"n": 1}
	fake := &fakeRequester{responses: []*RawResponse{{StatusCode: 200, Header: edgeHeader(), Value: value}}}
	h := newHarness(t, Config{}, fake)

	resp, err := h.get(t, nil)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got, ok := resp.Value.(map[string]int); !ok || got["n"] != 1 {
		t.Errorf("Value = %#v", resp.Value)
	}
}

func TestDecodeEmailsPolicy(t *testing.T) {
	body := `<p><a href="/cdn-cgi/l/email-protection#` + EncodeEmail("a@b.c", 0x42) + `">[email&#160;protected]</a></p>`
	for _, decode := range []bool{false, true} {
		fake := &fakeRequester{responses: []*RawResponse{plainPage(body)}}
		policy := DefaultPolicy()
		policy.DecodeEmails = decode
		h := newHarness(t, Config{Policy: policy}, fake)

		resp, err := h.get(t, nil)
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		if got := strings.Contains(resp.Text, "mailto:a@b.c"); got != decode {
			t.Errorf("decode=%v: Text = %q", decode, resp.Text)
		}
		if string(resp.Body) != body {
			t.Errorf("decode=%v: Body modified", decode)
		}
	}
}

func TestRawBodySkipsText(t *testing.T) {
	fake := &fakeRequester{responses: []*RawResponse{plainPage("bytes")}}
	h := newHarness(t, Config{}, fake)

	resp, err := h.get(t, &Request{URL: testURL, RawBody: true})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.Text != "" || string(resp.Body) != "bytes" {
		t.Errorf("Text = %q, Body = %q", resp.Text, resp.Body)
	}
}

func TestHeadersAreNotShared(t *testing.T) {
	base := http.Header{"x-base": {"1"}}
	reqHeader := http.Header{"x-req": {"2"}}
	var seenBase []string
	var seenMutated []bool
	fake := &fakeRequester{
		responses: []*RawResponse{
			edgePage(http.StatusServiceUnavailable, jsChallengePage),
			edgePage(http.StatusOK, "ok"),
		},
		mutate: func(d *Descriptor) {
			seenBase = append(seenBase, headerValue(d.Header, "x-base"))
			_, mutated := d.Header["x-mutated"]
			seenMutated = append(seenMutated, mutated)
			d.Header["x-mutated"] = []string{"yes"}
			d.Header["x-base"][0] = "changed"
		},
	}
	h := newHarness(t, Config{Header: base}, fake)

	if _, err := h.get(t, &Request{URL: testURL, Header: reqHeader}); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if len(seenBase) != 2 || seenBase[0] != "1" || seenBase[1] != "1" {
		t.Errorf("x-base per request = %v, want [1 1]", seenBase)
	}
	if len(seenMutated) != 2 || seenMutated[0] || seenMutated[1] {
		t.Errorf("requester mutation leaked into a later hop: %v", seenMutated)
	}
	if got := headerValue(fake.calls[1].Header, "x-req"); got != "2" {
		t.Errorf("x-req on second request = %q", got)
	}
	if len(base) != 1 || base["x-base"][0] != "1" {
		t.Errorf("config header modified: %v", base)
	}
	if len(reqHeader) != 1 || reqHeader["x-req"][0] != "2" {
		t.Errorf("request header modified: %v", reqHeader)
	}
	if headerValue(h.scraper.Config().Header, "accept-encoding") != "" {
		t.Error("accept-encoding leaked into config header")
	}
}

func TestHopHeadersAreIndependent(t *testing.T) {
	h1, err := newHop(&Request{URL: testURL, Header: http.Header{"x": {"1"}}}, &Config{}, DefaultPolicy())
	if err != nil {
		t.Fatal(err)
	}
	h2 := h1.next()
	h2.header["x"][0] = "2"
	setHeader(h2.header, "referer", testURL)

	if h1.header["x"][0] != "1" || headerValue(h1.header, "referer") != "" {
		t.Errorf("parent hop header changed: %v", h1.header)
	}
	d := h1.descriptor()
	d.Header["x"][0] = "3"
	if h1.header["x"][0] != "1" {
		t.Error("descriptor shares header with hop")
	}
	if h2.n != 2 || h2.budget != h1.budget {
		t.Errorf("next hop = n %d budget %d", h2.n, h2.budget)
	}
}

func TestDoWithRetryRetriesEdgeFailures(t *testing.T) {
	fake := &fakeRequester{responses: []*RawResponse{
		edgePage(http.StatusForbidden, `<span class="cf-error-code">1020</span>`),
		edgePage(http.StatusOK, "ok"),
	}}
	h := newHarness(t, Config{}, fake)

	resp, err := h.scraper.DoWithRetry(context.Background(), &Request{URL: testURL})
	if err != nil {
		t.Fatalf("DoWithRetry() error = %v", err)
	}
	if resp.Text != "ok" || len(fake.calls) != 2 {
		t.Errorf("Text = %q after %d requests", resp.Text, len(fake.calls))
	}
}

func TestInvalidConfig(t *testing.T) {
	fake := &fakeRequester{}
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no requester", cfg: Config{Policy: DefaultPolicy()}},
		{name: "negative budget", cfg: Config{Policy: Policy{ChallengeBudget: -1, ChallengeTimeoutMax: time.Second}, Requester: fake}},
		{name: "zero timeout", cfg: Config{Policy: Policy{ChallengeBudget: 1}, Requester: fake}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("New() error = %v, want ErrInvalidConfig", err)
			}
		})
	}

	h := newHarness(t, Config{}, fake)
	_, err := h.get(t, &Request{URL: testURL, Policy: &Policy{ChallengeBudget: -2, ChallengeTimeoutMax: time.Second}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Do() error = %v, want ErrInvalidConfig", err)
	}
	if len(fake.calls) != 0 {
		t.Errorf("requests = %d, want 0", len(fake.calls))
	}
}

func TestRequestURLResolution(t *testing.T) {
	fake := &fakeRequester{responses: []*RawResponse{plainPage("ok")}}
	h := newHarness(t, Config{}, fake)

	_, err := h.get(t, &Request{BaseURL: "https://example.test/a/", URL: "b?x=1", Query: url.Values{"y": {"2"}}})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got := fake.calls[0].URL.String(); got != "https://example.test/a/b?x=1&y=2" {
		t.Errorf("url = %s", got)
	}

	_, err = h.get(t, &Request{URL: "/relative"})
	var rerr *RequestError
	if !errors.As(err, &rerr) {
		t.Errorf("error = %v, want RequestError", err)
	}
}
