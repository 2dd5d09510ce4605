package cfscrape

import (
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
)

// BrowserProfile bundles a TLS client profile with the headers the same
// browser build sends. Challenge pages check that the two agree.
type BrowserProfile struct {
	TLSProfile      profiles.ClientProfile
	UserAgent       string
	SecChUa         string
	FullVersionList string
	Platform        string
	Mobile          string
	AcceptLanguage  string
}

// DefaultProfile is used when a Config names no profile.
var DefaultProfile = Chrome143Profile

// ClientTimeoutSeconds bounds a single exchange on clients built here.
const ClientTimeoutSeconds = 30

// NewTLSClient returns a fingerprinted client that never follows redirects,
// since a redirect may land on a challenge page the scraper has to see.
// Bodies come back as sent on the wire; decoding is left to the caller.
func NewTLSClient(profile *BrowserProfile, proxyURL string, jar tls_client.CookieJar, opts ...tls_client.HttpClientOption) (tls_client.HttpClient, error) {
	if profile == nil {
		profile = DefaultProfile
	}
	if jar == nil {
		jar = tls_client.NewCookieJar()
	}

	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(ClientTimeoutSeconds),
		tls_client.WithClientProfile(profile.TLSProfile),
		tls_client.WithRandomTLSExtensionOrder(),
		tls_client.WithNotFollowRedirects(),
		tls_client.WithCookieJar(jar),
		tls_client.WithTransportOptions(&tls_client.TransportOptions{DisableCompression: true}),
	}
	if proxyURL != "" {
		options = append(options, tls_client.WithProxyUrl(proxyURL))
	}
	options = append(options, opts...)

	return tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
}
