package cfscrape

import (
	"net/url"
	"strings"
	"testing"
)

func TestParseCaptchaV2(t *testing.T) {
	u, _ := url.Parse(testURL)
	ticket, reason := ParseCaptcha(captchaV2Page, u)
	if ticket == nil {
		t.Fatalf("ParseCaptcha() failed: %s", reason)
	}
	if ticket.Version != CaptchaV2 || ticket.SiteKey != "SITE1" || ticket.RayID != "RAY1" {
		t.Errorf("ticket = %+v", ticket)
	}
	if ticket.FormAction != "/captcha/path?__cf_chl_captcha_tk__=tok123" || ticket.FormMethod != "POST" {
		t.Errorf("form = %s %s", ticket.FormMethod, ticket.FormAction)
	}
	want := url.Values{"id": {"RAY1"}, "r": {"secret-r"}, "cf_captcha_kind": {"re"}}
	if ticket.Form.Encode() != want.Encode() {
		t.Errorf("Form = %v, want %v", ticket.Form, want)
	}
	if ticket.URI != u {
		t.Error("URI not set")
	}
}

func TestParseCaptchaV1(t *testing.T) {
	u, _ := url.Parse(testURL)
	ticket, reason := ParseCaptcha(captchaV1Page, u)
	if ticket == nil {
		t.Fatalf("ParseCaptcha() failed: %s", reason)
	}
	if ticket.Version != CaptchaV1 || ticket.SiteKey != "SITEV1" || ticket.RayID != "" {
		t.Errorf("ticket = %+v", ticket)
	}
	if ticket.Form.Get("s") != "sss" || ticket.Form.Has("id") {
		t.Errorf("Form = %v", ticket.Form)
	}
}

func TestParseCaptchaFailures(t *testing.T) {
	u, _ := url.Parse(testURL)
	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{"not captcha", "<html></html>", "not a captcha"},
		{"no form", `<p>__cf_chl_captcha_tk__=x</p>`, "form extraction"},
		{"no ray", strings.Replace(captchaV2Page, ` data-ray="RAY1"`, "", 1), "ray id"},
		{"no site key", strings.Replace(captchaV2Page, ` data-sitekey="SITE1"`, "", 1), "site key"},
		{"no secret", strings.Replace(captchaV2Page, `name="r"`, `name="q"`, 1), "secret input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ticket, reason := ParseCaptcha(tt.body, u)
			if ticket != nil || !strings.Contains(reason, tt.reason) {
				t.Errorf("ParseCaptcha() = %v, %q, want reason containing %q", ticket, reason, tt.reason)
			}
		})
	}
}

func TestExtractSiteKeyPrefersFallback(t *testing.T) {
	body := `<iframe src="https://www.google.com/recaptcha/api2/anchor?ar=1&amp;k=ANCHOR&amp;co=x"></iframe>
<iframe src="https://www.google.com/recaptcha/api/fallback?k=FALLBACK"></iframe>`
	if key, ok := extractSiteKey(body); !ok || key != "FALLBACK" {
		t.Errorf("extractSiteKey() = %q, %v", key, ok)
	}

	body = `<iframe src="https://www.google.com/recaptcha/api2/anchor?ar=1&amp;k=ANCHOR&amp;co=x"></iframe>`
	if key, ok := extractSiteKey(body); !ok || key != "ANCHOR" {
		t.Errorf("extractSiteKey() = %q, %v", key, ok)
	}
}

func TestExtractFormInputs(t *testing.T) {
	form := `<input type="hidden" name="s" value="abc"/>
<input name='md' value='xyz'>
<input type="submit" name="go">
<input type="text" id="nameless" value="v">`
	got := extractFormInputs(form)
	want := url.Values{"s": {"abc"}, "md": {"xyz"}}
	if got.Encode() != want.Encode() {
		t.Errorf("extractFormInputs() = %v, want %v", got, want)
	}
}

func TestCaptchaTicketSubmitOnce(t *testing.T) {
	ticket := newCaptchaTicket()
	ticket.Solve("first")
	ticket.Submit(errInvalidTicketForTest)
	if err := <-ticket.done; err != nil {
		t.Errorf("first outcome = %v, want nil", err)
	}
	select {
	case err := <-ticket.done:
		t.Errorf("second outcome delivered: %v", err)
	default:
	}
	if ticket.Form.Get(CaptchaResponseField) != "first" {
		t.Errorf("response field = %q", ticket.Form.Get(CaptchaResponseField))
	}
}

var errInvalidTicketForTest = &CaptchaError{Reason: "late"}
