package cfscrape

import (
	"context"
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"sync"

	http "github.com/bogdanfinn/fhttp"
)

// CaptchaVersion identifies the captcha page protocol.
type CaptchaVersion string

const (
	// CaptchaV1 pages submit the form as a query to /cdn-cgi/l/chk_captcha.
	CaptchaV1 CaptchaVersion = "v1"
	// CaptchaV2 pages post the form to their own action with a token query.
	CaptchaV2 CaptchaVersion = "v2"
)

// CaptchaResponseField is the form field a handler must fill.
const CaptchaResponseField = "g-recaptcha-response"

const (
	chkCaptchaPath    = "/cdn-cgi/l/chk_captcha"
	captchaTokenParam = "__cf_chl_captcha_tk__"
)

var (
	captchaFormRe     = regexp.MustCompile(`<form(?: [^<>]*)? id=["']?challenge-form['"]?(?: [^<>]*)?>([\S\s]*?)</form>`)
	rayIDRe           = regexp.MustCompile(`\sdata-ray=["']?([^\s"'<>&]+)`)
	siteKeyRe         = regexp.MustCompile(`\sdata-sitekey=["']?([^\s"'<>&]+)`)
	widgetSiteKeyRe   = regexp.MustCompile(`/recaptcha/api2?/(?:fallback|anchor|bframe)\?(?:[^\s<>]+&(?:amp;)?)?[Kk]=["']?([^\s"'<>&]+)`)
	formInputRe       = regexp.MustCompile(`<input(?: [^<>]*)? name=[^<>]+>`)
	inputNameRe       = regexp.MustCompile(`name=["']?([^\s"'<>]*)`)
	inputValueRe      = regexp.MustCompile(`value=["']?([^\s"'<>]*)`)
	actionPathRe      = regexp.MustCompile(`/(.*)`)
	captchaTokenValRe = regexp.MustCompile(`__cf_chl_captcha_tk__=([^&#]*)`)
)

// CaptchaHandler solves a captcha ticket out of band. It runs on its own
// goroutine. The handler either calls ticket.Submit itself or returns:
// nil submits success, an error submits that error. Only the first outcome
// counts. A panic or a typed nil error is reported as a failure.
type CaptchaHandler func(ctx context.Context, ticket *CaptchaTicket) error

// CaptchaTicket carries what a solver needs and the form to send back.
type CaptchaTicket struct {
	Version CaptchaVersion
	SiteKey string
	// RayID is set for v2 pages only.
	RayID string
	// URI is the page that showed the captcha.
	URI *url.URL
	// Form holds the challenge form inputs. The handler sets
	// CaptchaResponseField before submitting.
	Form url.Values
	// FormAction and FormMethod are set for v2 pages only.
	FormAction string
	FormMethod string

	Response *Response
	Body     string

	once sync.Once
	done chan error
}

func newCaptchaTicket() *CaptchaTicket {
	return &CaptchaTicket{Form: url.Values{}, done: make(chan error, 1)}
}

// Submit hands the outcome back to the scraper. Calls after the first are
// ignored.
func (t *CaptchaTicket) Submit(err error) {
	t.once.Do(func() {
		t.done <- err
	})
}

// Solve stores a solved token and submits success.
func (t *CaptchaTicket) Solve(token string) {
	t.Form.Set(CaptchaResponseField, token)
	t.Submit(nil)
}

// snapshot copies the page data and form into a ticket that is not
// connected to any run. Submitting it has no effect.
func (t *CaptchaTicket) snapshot() *CaptchaTicket {
	c := newCaptchaTicket()
	c.Version = t.Version
	c.SiteKey = t.SiteKey
	c.RayID = t.RayID
	if t.URI != nil {
		u := *t.URI
		c.URI = &u
	}
	c.Form = cloneValues(t.Form)
	c.FormAction = t.FormAction
	c.FormMethod = t.FormMethod
	c.Response = t.Response
	c.Body = t.Body
	return c
}

func extractCaptchaForm(body string) (string, bool) {
	m := captchaFormRe.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func extractRayID(body string) (string, bool) {
	m := rayIDRe.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// extractSiteKey prefers the data-sitekey attribute, then a widget URL,
// taking a fallback widget over anchor and bframe ones.
func extractSiteKey(body string) (string, bool) {
	if m := siteKeyRe.FindStringSubmatch(body); m != nil {
		return m[1], true
	}
	var first string
	for _, m := range widgetSiteKeyRe.FindAllStringSubmatch(body, -1) {
		if strings.Contains(m[0], "fallback") {
			return m[1], true
		}
		if first == "" {
			first = m[1]
		}
	}
	return first, first != ""
}

// extractFormInputs collects inputs that carry both a name and a value.
func extractFormInputs(form string) url.Values {
	v := url.Values{}
	for _, input := range formInputRe.FindAllString(form, -1) {
		name := inputNameRe.FindStringSubmatch(input)
		if name == nil {
			continue
		}
		if value := inputValueRe.FindStringSubmatch(input); value != nil {
			v.Set(name[1], value[1])
		}
	}
	return v
}

// ParseCaptcha builds a ticket from a captcha page. The returned reason
// names the first extraction that failed.
func ParseCaptcha(body string, uri *url.URL) (*CaptchaTicket, string) {
	version := DetectCaptchaVersion(body)
	if version == "" {
		return nil, "page is not a captcha page"
	}
	form, ok := extractCaptchaForm(body)
	if !ok {
		return nil, "challenge form extraction failed"
	}

	t := newCaptchaTicket()
	t.Version = version
	t.URI = uri
	t.Body = body

	if version == CaptchaV2 {
		if t.RayID, ok = extractRayID(body); !ok {
			return nil, "unable to find the edge proxy ray id"
		}
	}
	if t.SiteKey, ok = extractSiteKey(body); !ok {
		return nil, "unable to find the reCAPTCHA site key"
	}
	if version == CaptchaV2 {
		action, method, ok := extractChallengeForm(body)
		if !ok {
			return nil, "challenge form action and method extraction failed"
		}
		t.FormMethod = method
		t.FormAction = actionPathRe.FindString(action)
		t.Form.Set("id", t.RayID)
	}

	inputs := formInputRe.FindAllString(form, -1)
	if len(inputs) == 0 {
		return nil, "challenge form is missing inputs"
	}
	for k, vs := range extractFormInputs(form) {
		t.Form[k] = vs
	}
	if t.Form.Get("s") == "" && t.Form.Get("r") == "" {
		return nil, "challenge form is missing secret input"
	}
	return t, ""
}

func (r *run) awaitCaptcha(ctx context.Context) state {
	t, reason := ParseCaptcha(string(r.resp.Body), r.hop.uri)
	if t == nil {
		return r.fail(&ParserError{ErrorContext: r.errorContext(), Reason: reason})
	}
	t.Response = r.resp
	// The handler owns t and may outlive this run.
	r.resp.Captcha = t.snapshot()
	r.log.Log("hop %d: captcha %s, site key %s", r.hop.n, t.Version, t.SiteKey)

	go runCaptchaHandler(ctx, r.s.cfg.OnCaptcha, t)

	var err error
	select {
	case err = <-t.done:
	case <-ctx.Done():
		return r.fail(&CaptchaError{ErrorContext: r.errorContext(), Reason: "captcha handler did not finish", Err: ctx.Err()})
	}
	if err != nil {
		return r.fail(&CaptchaError{ErrorContext: r.errorContext(), Err: err})
	}
	if t.Form.Get(CaptchaResponseField) == "" {
		return r.fail(&CaptchaError{ErrorContext: r.errorContext(), Reason: "form submission without " + CaptchaResponseField})
	}

	next, err := r.captchaHop(t)
	if err != nil {
		return r.fail(&ParserError{ErrorContext: r.errorContext(), Reason: "captcha form action is not a valid URL", Err: err})
	}
	r.hop = next
	return stateSent
}

// captchaHop builds the request that submits a solved ticket.
func (r *run) captchaHop(t *CaptchaTicket) (*hop, error) {
	next := r.hop.next()
	setHeader(next.header, "referer", r.hop.uri.String())
	next.body = nil

	if t.Version == CaptchaV2 {
		u, err := url.Parse(r.hop.origin() + t.FormAction)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		var token string
		if m := captchaTokenValRe.FindStringSubmatch(t.FormAction); m != nil {
			token = m[1]
			if unescaped, err := url.QueryUnescape(token); err == nil {
				token = unescaped
			}
		}
		q.Set(captchaTokenParam, token)
		u.RawQuery = q.Encode()
		next.uri = u
		next.form = cloneValues(t.Form)
		next.method = t.FormMethod
		if next.method == "" {
			next.method = http.MethodGet
		}
		return next, nil
	}

	u, err := url.Parse(r.hop.origin() + chkCaptchaPath)
	if err != nil {
		return nil, err
	}
	u.RawQuery = t.Form.Encode()
	next.uri = u
	next.form = nil
	next.method = http.MethodGet
	return next, nil
}

// runCaptchaHandler maps every way a handler can end onto one Submit call.
func runCaptchaHandler(ctx context.Context, handler CaptchaHandler, t *CaptchaTicket) {
	defer func() {
		if p := recover(); p != nil {
			t.Submit(fmt.Errorf("captcha handler panicked: %v", p))
		}
	}()
	err := handler(ctx, t)
	if err != nil && isNilValue(err) {
		err = ErrCaptchaHandlerFailed
	}
	t.Submit(err)
}

func isNilValue(err error) bool {
	v := reflect.ValueOf(err)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}
