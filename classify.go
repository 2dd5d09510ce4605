package cfscrape

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	http "github.com/bogdanfinn/fhttp"
	"github.com/tidwall/gjson"
)

var (
	edgeProxyServerRe = regexp.MustCompile(`(?i)^(cloudflare|sucuri)`)
	htmlContentTypeRe = regexp.MustCompile(`(?i)text/html`)
	brotliEncodingRe  = regexp.MustCompile(`(?i)\bbr\b`)
	errorCodeRe       = regexp.MustCompile(`(?i)<\w+\s+class="cf-error-code">(.*)</\w+>`)
	captchaV2Re       = regexp.MustCompile(`(?i)__cf_chl_captcha_tk__=(.*)`)
	captchaV1PathRe   = regexp.MustCompile(`(?i)cdn-cgi/l/chk_captcha`)
)

const (
	jsChallengeMarker = "a = document.getElementById('jschl-answer');"
	redirectMarker    = "You are being redirected"
	sucuriMarker      = "sucuri_cloudproxy_js"
)

var (
	errMissingBody = errors.New("response has no body")
	errNoCodec     = errors.New("received a brotli compressed response but no brotli codec is available")
)

// IsEdgeProxy reports whether the Server header names a known edge proxy.
func IsEdgeProxy(h http.Header) bool {
	return edgeProxyServerRe.MatchString(headerValue(h, "server"))
}

// IsHTML reports whether the content type is HTML.
func IsHTML(h http.Header) bool {
	return htmlContentTypeRe.MatchString(headerValue(h, "content-type"))
}

func isBrotli(h http.Header) bool {
	return brotliEncodingRe.MatchString(headerValue(h, "content-encoding"))
}

// DetectCaptchaVersion returns the captcha protocol a page uses, or "" when
// the page is not a captcha page. v2 pages can carry v1 markers too, so the
// v2 token is checked first.
func DetectCaptchaVersion(body string) CaptchaVersion {
	if captchaV2Re.MatchString(body) {
		return CaptchaV2
	}
	if strings.Contains(body, "why_captcha") || captchaV1PathRe.MatchString(body) {
		return CaptchaV1
	}
	return ""
}

// extractErrorCode finds `<span class="cf-error-code">1006</span>`. ok is
// true when the element exists even if its text is not a number.
func extractErrorCode(body string) (code int, text string, ok bool) {
	m := errorCodeRe.FindStringSubmatch(body)
	if m == nil {
		return 0, "", false
	}
	text = strings.TrimSpace(m[1])
	code, _ = strconv.Atoi(text)
	return code, text, true
}

func isJSChallenge(body string) bool {
	return strings.Contains(body, jsChallengeMarker)
}

func isRedirectChallenge(body string) bool {
	return strings.Contains(body, redirectMarker) || strings.Contains(body, sucuriMarker)
}

// classify decides what to do with the response of the current hop.
func (r *run) classify() state {
	resp := r.resp
	resp.IsEdgeProxy = IsEdgeProxy(resp.Header)
	resp.IsHTML = IsHTML(resp.Header)

	if resp.Body == nil {
		// A custom requester returned its own payload.
		return stateDone
	}

	if isBrotli(resp.Header) {
		if !codecAvailable(r.s.cfg.Codec) {
			return r.fail(&RequestError{ErrorContext: r.errorContext(), Err: errNoCodec})
		}
		body, err := r.s.cfg.Codec.Decompress(resp.Body)
		if err != nil {
			return r.fail(&RequestError{ErrorContext: r.errorContext(), Err: err})
		}
		resp.Body = body
		for k := range resp.Header {
			if strings.EqualFold(k, "content-encoding") {
				delete(resp.Header, k)
			}
		}
		if r.req.JSON && gjson.ValidBytes(body) {
			r.log.Log("hop %d: brotli body is valid JSON, skipping challenge detection", r.hop.n)
			return r.finish()
		}
	}

	switch {
	case resp.IsEdgeProxy && resp.IsHTML:
		return r.classifyChallenge()
	case resp.IsHTML && r.s.cfg.Hyper != nil:
		return r.classifyInterstitial()
	}
	return r.finish()
}

// classifyChallenge handles HTML served by the edge proxy itself.
func (r *run) classifyChallenge() state {
	resp := r.resp
	if len(resp.Body) == 0 {
		return r.fail(&EdgeProxyError{ErrorContext: r.errorContext(), Code: resp.StatusCode})
	}
	body := string(resp.Body)

	if DetectCaptchaVersion(body) != "" {
		resp.IsCaptcha = true
		if r.s.cfg.OnCaptcha == nil {
			return r.fail(&CaptchaError{ErrorContext: r.errorContext(), Reason: "captcha page received and no captcha handler is configured"})
		}
		return stateCaptchaPending
	}

	if code, text, ok := extractErrorCode(body); ok {
		e := &EdgeProxyError{ErrorContext: r.errorContext(), Code: code}
		if code == 0 {
			e.Reason = "error page with code " + strconv.Quote(text)
		}
		return r.fail(e)
	}

	switch {
	case isJSChallenge(body):
		return stateChallengeSolving
	case isRedirectChallenge(body):
		return stateRedirectSolving
	case resp.StatusCode == http.StatusServiceUnavailable:
		return stateChallengeSolving
	}
	return r.finish()
}

// classifyInterstitial looks for vendor interstitials on pages not served
// by the edge proxy. Only reached when a vendor session is configured.
func (r *run) classifyInterstitial() state {
	body := string(r.resp.Body)
	switch {
	case IsDataDomeFingerprintBlock(r.resp.StatusCode, body):
		return r.fail(&EdgeProxyError{ErrorContext: r.errorContext(), Code: r.resp.StatusCode, Reason: "datadome fingerprint block"})
	case IsReese84Challenge(body):
		r.interstitial = interstitialReese84
		return stateInterstitialSolving
	case IsDataDomeInterstitial(r.resp.StatusCode, body):
		r.interstitial = interstitialDataDome
		return stateInterstitialSolving
	}
	return r.finish()
}

// finish turns the current response into the caller's result.
func (r *run) finish() state {
	resp := r.resp
	if !r.hop.rawBody {
		resp.Text = string(resp.Body)
		if resp.IsHTML && r.policy.DecodeEmails {
			resp.Text = DecodeEmails(resp.Text)
		}
	}
	return stateDone
}
