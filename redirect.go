package cfscrape

import (
	"encoding/base64"
	"regexp"
)

var redirectCodeRe = regexp.MustCompile(`S='([^']+)'`)

// extractRedirectScript finds the base64 cookie script of a redirect
// challenge and decodes it.
func extractRedirectScript(body string) (string, bool) {
	m := redirectCodeRe.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	raw, err := base64.StdEncoding.DecodeString(m[1])
	if err != nil {
		if raw, err = base64.RawStdEncoding.DecodeString(m[1]); err != nil {
			return "", false
		}
	}
	return string(raw), true
}

// SolveRedirect evaluates a redirect challenge script and returns the
// cookie string it writes to document.cookie.
func SolveRedirect(script, hostname string, maxSteps int) (string, error) {
	sb := newSandbox(hostname, "", maxSteps)
	if _, err := sb.run(script); err != nil {
		return "", err
	}
	return sb.cookie(), nil
}

func (r *run) solveRedirect() state {
	if r.hop.budget == 0 {
		return r.fail(r.loopError())
	}
	script, ok := extractRedirectScript(string(r.resp.Body))
	if !ok {
		return r.fail(&ParserError{ErrorContext: r.errorContext(), Reason: "cookie code extraction failed"})
	}
	r.resp.Challenge = script

	cookie, err := SolveRedirect(script, r.hop.uri.Hostname(), r.s.cfg.MaxScriptSteps)
	if err != nil {
		return r.fail(&ParserError{ErrorContext: r.errorContext(), Reason: "cookie code evaluation failed", Err: err})
	}
	if err := r.s.cfg.CookieStore.SetCookie(cookie, r.hop.uri, true); err != nil {
		return r.fail(&ParserError{ErrorContext: r.errorContext(), Reason: "cookie code produced an unusable cookie", Err: err})
	}

	next := r.hop.next()
	next.budget--
	r.log.Log("hop %d: solved redirect challenge, %d challenges left", r.hop.n, next.budget)
	r.hop = next
	return stateSent
}
