package cfscrape

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
// These are raised before the first physical request and never retried.
var ErrInvalidConfig = errors.New("invalid scraper configuration")

// ErrCaptchaHandlerFailed replaces a handler failure that carries no usable error.
var ErrCaptchaHandlerFailed = errors.New("captcha handler failed without an error")

// ErrorContext identifies the exchange an error originated from.
type ErrorContext struct {
	// Request is the caller's logical request.
	Request *Request
	// Hop is the physical request that produced Response, when one was sent.
	Hop *Descriptor
	// Response is the physical response being processed, if any.
	Response *Response
}

func (c *ErrorContext) errorContext() *ErrorContext { return c }

// ContextOf returns the ErrorContext carried by any error of this package
// in err's chain.
func ContextOf(err error) *ErrorContext {
	var carrier interface{ errorContext() *ErrorContext }
	if errors.As(err, &carrier) {
		return carrier.errorContext()
	}
	return nil
}

// RequestError is a transport failure, a missing body, or an unusable encoding.
type RequestError struct {
	ErrorContext
	Err error
}

func (e *RequestError) Error() string {
	return "request error: " + e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// EdgeProxyError is a terminal error page from the proxy or an exhausted
// challenge budget.
type EdgeProxyError struct {
	ErrorContext
	// Code is the proxy error code, or the HTTP status for empty error pages.
	Code int
	// Reason is set when the error is not keyed by a code.
	Reason string
	// Loop is true when the challenge budget ran out.
	Loop bool
}

func (e *EdgeProxyError) Error() string {
	if e.Reason != "" {
		return "edge proxy error: " + e.Reason
	}
	if msg, ok := edgeProxyErrorCodes[e.Code]; ok {
		return fmt.Sprintf("edge proxy error %d: %s", e.Code, msg)
	}
	return fmt.Sprintf("edge proxy error %d", e.Code)
}

// ParserError means an expected page pattern was absent, which usually
// signals that the proxy changed its markup.
type ParserError struct {
	ErrorContext
	Reason string
	Err    error
}

func (e *ParserError) Error() string {
	if e.Err != nil {
		return "parser error: " + e.Reason + ": " + e.Err.Error()
	}
	return "parser error: " + e.Reason
}

func (e *ParserError) Unwrap() error {
	return e.Err
}

// CaptchaError means captcha resolution failed or produced unusable data.
type CaptchaError struct {
	ErrorContext
	Reason string
	Err    error
}

func (e *CaptchaError) Error() string {
	switch {
	case e.Err != nil && e.Reason != "":
		return "captcha error: " + e.Reason + ": " + e.Err.Error()
	case e.Err != nil:
		return "captcha error: " + e.Err.Error()
	}
	return "captcha error: " + e.Reason
}

func (e *CaptchaError) Unwrap() error {
	return e.Err
}

var edgeProxyErrorCodes = map[int]string{
	1000: "DNS points to prohibited IP",
	1001: "DNS resolution error",
	1002: "Restricted or DNS points to prohibited IP",
	1003: "Access denied: direct IP access not allowed",
	1004: "Host not configured to serve web traffic",
	1005: "Access denied: autonomous system number banned",
	1006: "Access denied: your IP address has been banned",
	1007: "Access denied: your IP address has been banned",
	1008: "Access denied: your IP address has been banned",
	1009: "Access denied: country or region banned",
	1010: "Access denied based on your browser's signature",
	1011: "Access denied: hotlinking denied",
	1012: "Access denied",
	1013: "HTTP hostname and TLS SNI hostname mismatch",
	1014: "CNAME cross-user banned",
	1015: "You are being rate limited",
	1016: "Origin DNS error",
	1018: "Could not find host",
	1019: "Compute server error",
	1020: "Access denied: firewall rule",
}

// Codes that are tied to the client address; a new proxy may get through.
var addressBoundCodes = map[int]bool{1005: true, 1006: true, 1007: true, 1008: true, 1009: true, 1015: true}

// =============================================================================
// Fatal Errors
// =============================================================================

// FatalError marks an error that should stop all work immediately, such as a
// captcha service rejecting the API key or reporting an empty balance.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError wraps an error as fatal.
func NewFatalError(err error) error {
	return &FatalError{Err: err}
}

// IsFatalError checks if the error chain contains a FatalError.
func IsFatalError(err error) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	return errors.As(err, &fe)
}

var fatalErrorStrings = []string{
	"ERROR_ZERO_BALANCE",
	"ERROR_KEY_DOES_NOT_EXIST",
	"ERROR_WRONG_USER_KEY",
	"access denied by api",
}

// ContainsFatalErrorString checks if an error message contains a fatal error indicator.
func ContainsFatalErrorString(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, s := range fatalErrorStrings {
		if strings.Contains(errStr, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// =============================================================================
// Retryable Errors
// =============================================================================

var retryableErrorPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"context deadline exceeded",
	"TLS handshake timeout",
	"EOF",
	"malformed HTTP response",
	"transport connection broken",
	"use of closed network connection",
	"proxy responded with non 200 code",
}

// IsRetryableError reports whether err is worth retrying through another
// proxy: network failures and proxy errors bound to the client address.
// Parser and captcha errors are never retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if IsFatalError(err) || ContainsFatalErrorString(err) {
		return false
	}

	var edge *EdgeProxyError
	if errors.As(err, &edge) {
		return addressBoundCodes[edge.Code]
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		return false
	}

	if isNetworkTimeout(reqErr.Err) {
		return true
	}
	return containsRetryablePattern(reqErr.Err.Error())
}

func isNetworkTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func containsRetryablePattern(errStr string) bool {
	for _, pattern := range retryableErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
