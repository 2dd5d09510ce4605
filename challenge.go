package cfscrape

import (
	"context"
	"errors"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	http "github.com/bogdanfinn/fhttp"

	"cfscrape/internal/jsvm"
)

var (
	hiddenInputRe   = regexp.MustCompile(`name="(.+?)" value="(.+?)"`)
	jschlVCRe       = regexp.MustCompile(`name="jschl_vc" value="(\w+)"`)
	passRe          = regexp.MustCompile(`name="pass" value="(.+?)"`)
	challengeCodeRe = regexp.MustCompile(`getElementById\('cf-content'\)[\s\S]+?setTimeout.+?\r?\n([\s\S]+?a\.value\s*=.+?)\r?\n(?:[^{<>]*},\s*(\d{4,}))?`)
	challengeFormRe = regexp.MustCompile(`id="challenge-form" action="(.+?)" method="(.+?)"`)
)

// chkJSChlPath receives GET challenge answers.
const chkJSChlPath = "/cdn-cgi/l/chk_jschl"

// Challenge holds the fields extracted from a JS challenge page.
type Challenge struct {
	HiddenName  string
	HiddenValue string
	VC          string
	Pass        string
	// Script is the setTimeout body that computes the answer.
	Script string
	// Delay is the wait the page asks for, negative when absent.
	Delay time.Duration
	// FormAction and FormMethod come from the challenge form, when present.
	FormAction string
	FormMethod string
}

func extractHiddenInput(body string) (name, value string, ok bool) {
	m := hiddenInputRe.FindStringSubmatch(body)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func extractJSChlVC(body string) (string, bool) {
	m := jschlVCRe.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func extractPass(body string) (string, bool) {
	m := passRe.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// extractChallengeScript returns the script and the delay in milliseconds,
// which is -1 when the page carries none.
func extractChallengeScript(body string) (script string, delayMS int, ok bool) {
	m := challengeCodeRe.FindStringSubmatch(body)
	if m == nil {
		return "", -1, false
	}
	delayMS = -1
	if m[2] != "" {
		if n, err := strconv.Atoi(m[2]); err == nil {
			delayMS = n
		}
	}
	return m[1], delayMS, true
}

func extractChallengeForm(body string) (action, method string, ok bool) {
	m := challengeFormRe.FindStringSubmatch(body)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// ParseChallenge extracts a JS challenge. The returned reason names the
// first required field that is missing.
func ParseChallenge(body string) (*Challenge, string) {
	c := &Challenge{}
	c.HiddenName, c.HiddenValue, _ = extractHiddenInput(body)

	var ok bool
	if c.VC, ok = extractJSChlVC(body); !ok {
		return nil, "challengeId (jschl_vc) extraction failed"
	}
	if c.Pass, ok = extractPass(body); !ok {
		return nil, "attribute (pass) value extraction failed"
	}
	script, delayMS, ok := extractChallengeScript(body)
	if !ok {
		return nil, "setTimeout callback extraction failed"
	}
	c.Script = script
	if delayMS >= 0 {
		c.Delay = time.Duration(delayMS) * time.Millisecond
	} else {
		c.Delay = -1
	}
	c.FormAction, c.FormMethod, _ = extractChallengeForm(body)
	return c, ""
}

// Solve evaluates the challenge script against a fake DOM for hostname and
// returns the answer as it would be submitted, plus the evaluated source.
func (c *Challenge) Solve(hostname, body string, maxSteps int) (answer, source string, err error) {
	source = c.Script + "; a.value"
	sb := newSandbox(hostname, body, maxSteps)
	sb.vm.Set("a", sb.answerElement())
	v, err := sb.run(source)
	if err != nil {
		return "", source, err
	}
	if math.IsNaN(jsvm.ToNumber(v)) {
		return "", source, errNotANumber
	}
	return jsvm.ToString(v), source, nil
}

var errNotANumber = errors.New("challenge answer is not a number")

// Payload is the form or query sent back with the answer.
func (c *Challenge) Payload(answer string) url.Values {
	v := url.Values{}
	if c.HiddenName != "" {
		v.Set(c.HiddenName, c.HiddenValue)
	}
	v.Set("jschl_vc", c.VC)
	v.Set("pass", c.Pass)
	v.Set("jschl_answer", answer)
	return v
}

// resolveDelay applies the request override, then the page value clamped
// to the policy maximum.
func (r *run) resolveDelay(c *Challenge) (time.Duration, bool) {
	if d := r.req.ChallengeDelay; d != nil {
		return max(*d, 0), true
	}
	if c.Delay < 0 {
		return 0, false
	}
	if c.Delay > r.policy.ChallengeTimeoutMax {
		r.log.Log("challenge delay is excessive: %s, using %s", c.Delay, r.policy.ChallengeTimeoutMax)
		return r.policy.ChallengeTimeoutMax, true
	}
	return c.Delay, true
}

func (r *run) solveChallenge(ctx context.Context) state {
	if r.hop.budget == 0 {
		return r.fail(r.loopError())
	}
	body := string(r.resp.Body)

	c, reason := ParseChallenge(body)
	if c == nil {
		return r.fail(&ParserError{ErrorContext: r.errorContext(), Reason: reason})
	}
	delay, ok := r.resolveDelay(c)
	if !ok {
		return r.fail(&ParserError{ErrorContext: r.errorContext(), Reason: "failed to parse challenge timeout"})
	}

	answer, source, err := c.Solve(r.hop.uri.Hostname(), body, r.s.cfg.MaxScriptSteps)
	r.resp.Challenge = source
	if errors.Is(err, errNotANumber) {
		return r.fail(&ParserError{ErrorContext: r.errorContext(), Reason: "Challenge answer is not a number"})
	}
	if err != nil {
		return r.fail(&ParserError{ErrorContext: r.errorContext(), Reason: "challenge evaluation failed", Err: err})
	}

	next := r.hop.next()
	setHeader(next.header, "referer", r.hop.uri.String())
	payload := c.Payload(answer)

	var target string
	if c.FormMethod == http.MethodPost {
		target = r.hop.origin() + c.FormAction
		next.method = http.MethodPost
		next.form = payload
		next.body = nil
	} else {
		target = r.hop.origin() + chkJSChlPath
		next.method = http.MethodGet
		next.form = nil
		next.body = nil
	}
	u, err := url.Parse(strings.ReplaceAll(target, "&amp;", "&"))
	if err != nil {
		return r.fail(&ParserError{ErrorContext: r.errorContext(), Reason: "challenge form action is not a valid URL", Err: err})
	}
	if next.method == http.MethodGet {
		u.RawQuery = payload.Encode()
	}
	next.uri = u
	next.budget--
	next.baseURL = ""

	wait := delay - r.s.now().Sub(r.resp.ReceivedAt)
	r.log.Log("hop %d: solved challenge, answer %s, waiting %s, %d challenges left", r.hop.n, answer, max(wait, 0), next.budget)
	if wait > 0 {
		if err := r.s.sleep(ctx, wait); err != nil {
			return r.fail(&RequestError{ErrorContext: r.errorContext(), Err: err})
		}
	}
	r.hop = next
	return stateSent
}

func (r *run) loopError() *EdgeProxyError {
	return &EdgeProxyError{ErrorContext: r.errorContext(), Code: r.resp.StatusCode, Reason: "challenge loop", Loop: true}
}
