package cfscrape

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/Hyper-Solutions/hyper-sdk-go/v2"
	"github.com/Hyper-Solutions/hyper-sdk-go/v2/datadome"
	"github.com/Hyper-Solutions/hyper-sdk-go/v2/incapsula"
	http "github.com/bogdanfinn/fhttp"
	"github.com/tidwall/gjson"
)

type interstitialKind int

const (
	interstitialNone interstitialKind = iota
	interstitialReese84
	interstitialDataDome
)

func (k interstitialKind) String() string {
	switch k {
	case interstitialReese84:
		return "reese84"
	case interstitialDataDome:
		return "datadome"
	}
	return "none"
}

const (
	hyperIPEndpoint         = "https://ip.hypersolutions.co/ip"
	dataDomeInterstitialURL = "https://geo.captcha-delivery.com/interstitial/"
)

// IsReese84Challenge checks if the response body contains a Reese84 challenge.
func IsReese84Challenge(body string) bool {
	return strings.Contains(body, "Pardon Our Interruption")
}

func IsDataDomeInterstitial(statusCode int, body string) bool {
	return statusCode == http.StatusForbidden && strings.Contains(body, "ct.captcha-delivery.com/i.js")
}

// IsDataDomeFingerprintBlock detects blocks with 't':'fe' (fingerprint enforcement).
func IsDataDomeFingerprintBlock(statusCode int, body string) bool {
	return statusCode == http.StatusForbidden && strings.Contains(body, "var dd=") && strings.Contains(body, "'t':'fe'")
}

func (r *run) solveInterstitial(ctx context.Context) state {
	if r.hop.budget == 0 {
		return r.fail(r.loopError())
	}
	var err error
	switch r.interstitial {
	case interstitialReese84:
		err = r.solveReese84(ctx)
	case interstitialDataDome:
		err = r.solveDataDome(ctx)
	default:
		err = fmt.Errorf("unknown interstitial %s", r.interstitial)
	}
	if err != nil {
		return r.fail(&RequestError{ErrorContext: r.errorContext(), Err: err})
	}

	next := r.hop.next()
	next.budget--
	r.log.Log("hop %d: solved %s interstitial, %d challenges left", r.hop.n, r.interstitial, next.budget)
	r.interstitial = interstitialNone
	r.hop = next
	return stateSent
}

func (r *run) solveReese84(ctx context.Context) error {
	pageURL := r.hop.uri.String()
	sensorPath, scriptPath, err := incapsula.ParseDynamicReeseScript(strings.NewReader(string(r.resp.Body)), pageURL)
	if err != nil {
		return fmt.Errorf("parse reese84 script: %w", err)
	}
	scriptURL := r.hop.origin() + scriptPath
	sensorURL := r.hop.origin() + sensorPath

	script, err := r.vendorRequest(ctx, http.MethodGet, scriptURL, r.vendorHeader(map[string]string{
		"accept":         "*/*",
		"sec-fetch-dest": "script",
		"sec-fetch-mode": "no-cors",
		"sec-fetch-site": "same-origin",
		"referer":        pageURL,
	}), nil)
	if err != nil {
		return fmt.Errorf("fetch reese84 script: %w", err)
	}
	ip, err := r.externalIP(ctx)
	if err != nil {
		return err
	}

	profile := r.s.cfg.Profile
	sensor, err := r.withHyperLimit(ctx, func() (string, error) {
		return r.s.cfg.Hyper.GenerateReese84Sensor(ctx, &hyper.ReeseInput{
			UserAgent:      profile.UserAgent,
			AcceptLanguage: profile.AcceptLanguage,
			IP:             ip,
			ScriptUrl:      scriptURL,
			PageUrl:        pageURL,
			Script:         string(script),
		})
	})
	if err != nil {
		return err
	}

	body, err := r.vendorRequest(ctx, http.MethodPost, sensorURL, r.vendorHeader(map[string]string{
		"accept":         "application/json; charset=utf-8",
		"content-type":   "text/plain; charset=utf-8",
		"origin":         r.hop.origin(),
		"sec-fetch-dest": "empty",
		"sec-fetch-mode": "cors",
		"sec-fetch-site": "same-origin",
		"referer":        pageURL,
	}), []byte(sensor))
	if err != nil {
		return fmt.Errorf("submit reese84 sensor: %w", err)
	}
	token := gjson.GetBytes(body, "token").String()
	if token == "" {
		return fmt.Errorf("reese84 response has no token: %s", body)
	}
	cookie := "reese84=" + token + "; Path=/"
	if domain := gjson.GetBytes(body, "cookieDomain").String(); domain != "" {
		cookie += "; Domain=" + domain
	}
	return r.s.cfg.CookieStore.SetCookie(cookie, r.hop.uri, false)
}

func (r *run) solveDataDome(ctx context.Context) error {
	pageURL := r.hop.uri.String()
	var ddCookie string
	for _, c := range r.s.cfg.CookieStore.Cookies(r.hop.uri) {
		if c.Name == "datadome" {
			ddCookie = c.Value
		}
	}
	if ddCookie == "" {
		return fmt.Errorf("no datadome cookie found in challenge response")
	}

	deviceLink, err := datadome.ParseInterstitialDeviceCheckLink(strings.NewReader(string(r.resp.Body)), ddCookie, pageURL)
	if err != nil {
		return fmt.Errorf("parse device check link: %w", err)
	}
	deviceHTML, err := r.vendorRequest(ctx, http.MethodGet, deviceLink, r.vendorHeader(map[string]string{
		"accept":         "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
		"sec-fetch-site": "cross-site",
		"sec-fetch-mode": "navigate",
		"sec-fetch-dest": "iframe",
		"referer":        pageURL,
	}), nil)
	if err != nil {
		return fmt.Errorf("fetch device check page: %w", err)
	}
	ip, err := r.externalIP(ctx)
	if err != nil {
		return err
	}

	profile := r.s.cfg.Profile
	payload, err := r.withHyperLimit(ctx, func() (string, error) {
		payload, _, err := r.s.cfg.Hyper.GenerateDataDomeInterstitial(ctx, &hyper.DataDomeInterstitialInput{
			UserAgent:      profile.UserAgent,
			DeviceLink:     deviceLink,
			Html:           string(deviceHTML),
			AcceptLanguage: profile.AcceptLanguage,
			IP:             ip,
		})
		return payload, err
	})
	if err != nil {
		return err
	}

	body, err := r.vendorRequest(ctx, http.MethodPost, dataDomeInterstitialURL, r.vendorHeader(map[string]string{
		"accept":         "*/*",
		"content-type":   "application/x-www-form-urlencoded; charset=UTF-8",
		"origin":         "https://geo.captcha-delivery.com",
		"sec-fetch-site": "same-origin",
		"sec-fetch-mode": "cors",
		"sec-fetch-dest": "empty",
		"referer":        deviceLink,
	}), []byte(payload))
	if err != nil {
		return fmt.Errorf("submit interstitial payload: %w", err)
	}
	cookie := gjson.GetBytes(body, "cookie").String()
	if cookie == "" {
		return fmt.Errorf("interstitial response has no cookie: %s", body)
	}
	return r.s.cfg.CookieStore.SetCookie(cookie, r.hop.uri, false)
}

// withHyperLimit runs a vendor API call under the shared limiter and marks
// key and balance failures as fatal.
func (r *run) withHyperLimit(ctx context.Context, call func() (string, error)) (string, error) {
	limiter := GetHyperLimiter(HyperMaxConcurrent)
	if err := limiter.Acquire(ctx); err != nil {
		return "", err
	}
	defer limiter.Release()

	out, err := call()
	if err != nil {
		if ContainsFatalErrorString(err) {
			return "", NewFatalError(err)
		}
		return "", err
	}
	return out, nil
}

// externalIP asks the vendor which address our requests come from, so the
// sensor matches the proxy in use.
func (r *run) externalIP(ctx context.Context) (string, error) {
	body, err := r.vendorRequest(ctx, http.MethodGet, hyperIPEndpoint, http.Header{
		"x-api-key": {r.s.cfg.Hyper.ApiKey},
		"accept":    {"application/json"},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("get external ip: %w", err)
	}
	ip := gjson.GetBytes(body, "ip").String()
	if ip == "" {
		return "", fmt.Errorf("get external ip: unexpected response %s", body)
	}
	return ip, nil
}

// vendorHeader merges extra over the profile's client hints, in Chrome order.
func (r *run) vendorHeader(extra map[string]string) http.Header {
	p := r.s.cfg.Profile
	h := http.Header{
		"sec-ch-ua-platform": {p.Platform},
		"user-agent":         {p.UserAgent},
		"sec-ch-ua":          {p.SecChUa},
		"sec-ch-ua-mobile":   {p.Mobile},
		"accept-encoding":    {"gzip, deflate, br"},
		"accept-language":    {p.AcceptLanguage},
	}
	if p.FullVersionList != "" {
		h["sec-ch-ua-full-version-list"] = []string{p.FullVersionList}
	}
	for k, v := range extra {
		h[k] = []string{v}
	}
	h[http.HeaderOrderKey] = []string{
		"content-length",
		"sec-ch-ua-platform",
		"user-agent",
		"sec-ch-ua",
		"sec-ch-ua-full-version-list",
		"content-type",
		"sec-ch-ua-mobile",
		"accept",
		"origin",
		"sec-fetch-site",
		"sec-fetch-mode",
		"sec-fetch-dest",
		"referer",
		"accept-encoding",
		"accept-language",
	}
	h[http.PHeaderOrderKey] = PseudoHeaderOrder
	return h
}

// vendorRequest sends an auxiliary request through the configured
// requester so it shares the proxy, fingerprint and cookies of the hop.
func (r *run) vendorRequest(ctx context.Context, method, rawURL string, header http.Header, body []byte) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	raw, err := r.s.cfg.Requester.Send(ctx, &Descriptor{
		Method:  method,
		URL:     u,
		Header:  header,
		Body:    body,
		Hop:     r.hop.n,
		Scraper: true,
	})
	if err != nil {
		return nil, err
	}
	if raw.Body == nil {
		return nil, errMissingBody
	}
	out := raw.Body
	if isBrotli(raw.Header) {
		if !codecAvailable(r.s.cfg.Codec) {
			return nil, errNoCodec
		}
		if out, err = r.s.cfg.Codec.Decompress(out); err != nil {
			return nil, err
		}
	}
	if raw.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: status %d", method, u.Host, raw.StatusCode)
	}
	return out, nil
}
