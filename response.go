package cfscrape

import (
	"net/url"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

// Response is one physical response. The last one of a logical request is
// returned to the caller.
type Response struct {
	StatusCode int
	Header     http.Header
	// Body holds the (decompressed) payload.
	Body []byte
	// Text is Body as a string, after optional email de-obfuscation. It is
	// empty when the request asked for RawBody.
	Text string
	// Value carries a non-byte payload produced by a custom requester.
	Value any

	URL     *url.URL
	Request *Descriptor

	IsEdgeProxy bool
	IsHTML      bool
	IsCaptcha   bool
	// ReceivedAt is when the response reached the classifier; challenge
	// delays are measured from here.
	ReceivedAt time.Time
	// Hops counts the physical exchanges made for the logical request.
	Hops int

	// Challenge is the script text evaluated for a JS or redirect challenge.
	Challenge string
	// Captcha is a copy of the ticket handed to the captcha handler, taken
	// before the handler ran.
	Captcha *CaptchaTicket
}

// Get returns the first value of a response header, matching case-insensitively.
func (r *Response) Get(name string) string {
	return headerValue(r.Header, name)
}
