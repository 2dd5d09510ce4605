package cfscrape

import (
	http "github.com/bogdanfinn/fhttp"
)

// navigationHeaderOrder is the order Chrome uses for a top-level document
// request. referer and cookie are listed so follow-up hops keep their slot.
var navigationHeaderOrder = []string{
	"cache-control",
	"sec-ch-ua",
	"sec-ch-ua-mobile",
	"sec-ch-ua-platform",
	"upgrade-insecure-requests",
	"user-agent",
	"accept",
	"sec-fetch-site",
	"sec-fetch-mode",
	"sec-fetch-user",
	"sec-fetch-dest",
	"referer",
	"accept-encoding",
	"accept-language",
	"cookie",
	"priority",
}

// DefaultHeaders returns navigation headers matching profile. The map is new
// on every call.
func DefaultHeaders(profile *BrowserProfile) http.Header {
	if profile == nil {
		profile = DefaultProfile
	}
	lang := profile.AcceptLanguage
	if lang == "" {
		lang = "en-US,en;q=0.9"
	}
	return http.Header{
		"cache-control":             {"max-age=0"},
		"sec-ch-ua":                 {profile.SecChUa},
		"sec-ch-ua-mobile":          {profile.Mobile},
		"sec-ch-ua-platform":        {profile.Platform},
		"upgrade-insecure-requests": {"1"},
		"user-agent":                {profile.UserAgent},
		"accept":                    {"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"},
		"sec-fetch-site":            {"none"},
		"sec-fetch-mode":            {"navigate"},
		"sec-fetch-user":            {"?1"},
		"sec-fetch-dest":            {"document"},
		"accept-language":           {lang},
		"priority":                  {"u=0, i"},
		http.HeaderOrderKey:         append([]string(nil), navigationHeaderOrder...),
		http.PHeaderOrderKey:        append([]string(nil), PseudoHeaderOrder...),
	}
}
