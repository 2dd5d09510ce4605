package cfscrape

import (
	"fmt"
	"time"

	"github.com/Hyper-Solutions/hyper-sdk-go/v2"
	http "github.com/bogdanfinn/fhttp"
)

// Default policy values.
const (
	DefaultChallengeTimeoutMax = 30 * time.Second
	DefaultChallengeBudget     = 3
)

// Policy holds the knobs that may be overridden per request.
type Policy struct {
	// ChallengeBudget is how many JS, redirect or interstitial challenges a
	// single request may solve before failing with a challenge loop.
	ChallengeBudget int
	// ChallengeTimeoutMax caps the delay a challenge page may ask for.
	ChallengeTimeoutMax time.Duration
	// DecodeEmails de-obfuscates email addresses in successful HTML bodies.
	DecodeEmails bool
	// AcceptCompression advertises gzip, deflate and br. When false the
	// request asks for identity encoding.
	AcceptCompression bool
}

// Config is read-only once handed to New. Nothing in this package writes
// to it; per-hop state lives on a private copy of the request.
type Config struct {
	Policy

	Requester   Requester
	CookieStore CookieStore
	// Header is the base header set for every request.
	Header http.Header
	// Codec decompresses brotli bodies. Nil means brotli is unsupported.
	Codec Codec
	// OnCaptcha receives captcha pages. Without it a captcha page fails the
	// request with a CaptchaError.
	OnCaptcha CaptchaHandler
	Logger    Logger
	// Hyper enables the Reese84 and DataDome interstitial resolvers.
	Hyper *hyper.Session
	// Profile supplies the user agent and client hints sent to vendor APIs.
	Profile *BrowserProfile
	// MaxScriptSteps bounds challenge script evaluation.
	MaxScriptSteps int
}

// DefaultPolicy returns the stock policy.
func DefaultPolicy() Policy {
	return Policy{
		ChallengeBudget:     DefaultChallengeBudget,
		ChallengeTimeoutMax: DefaultChallengeTimeoutMax,
		AcceptCompression:   true,
	}
}

// DefaultConfig returns a Config with the stock policy, a fresh cookie jar,
// Chrome headers and the brotli codec. Requester is left nil; NewDefault
// sets a TLSRequester over the same jar.
func DefaultConfig() Config {
	return Config{
		Policy:      DefaultPolicy(),
		CookieStore: NewJarStore(),
		Header:      DefaultHeaders(DefaultProfile),
		Codec:       BrotliCodec{},
		Profile:     DefaultProfile,
	}
}

// Validate checks the policy and collaborators before any request is sent.
func (c *Config) Validate() error {
	if c.Requester == nil {
		return fmt.Errorf("%w: requester is required", ErrInvalidConfig)
	}
	return c.Policy.validate()
}

func (p Policy) validate() error {
	if p.ChallengeBudget < 0 {
		return fmt.Errorf("%w: challenge budget must not be negative, got %d", ErrInvalidConfig, p.ChallengeBudget)
	}
	if p.ChallengeTimeoutMax <= 0 {
		return fmt.Errorf("%w: challenge timeout max must be positive, got %s", ErrInvalidConfig, p.ChallengeTimeoutMax)
	}
	return nil
}
