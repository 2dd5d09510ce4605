package main

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cfscrape"
)

type nopLogger struct{}

func (nopLogger) Log(string, ...any) {}

func testFactory(send cfscrape.RequesterFunc, built *atomic.Int32) ScraperFactory {
	return func(proxyURL string, logger cfscrape.Logger) (*cfscrape.Scraper, error) {
		built.Add(1)
		cfg := cfscrape.Config{
			Policy:    cfscrape.DefaultPolicy(),
			Requester: send,
			Logger:    logger,
		}
		return cfscrape.New(cfg)
	}
}

func okResponse(body string) *cfscrape.RawResponse {
	return &cfscrape.RawResponse{StatusCode: 200, Body: []byte(body)}
}

func runOne(t *testing.T, s *Scheduler, target string) FetchResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Start(ctx)
	if !s.Submit(ctx, target) {
		t.Fatal("Submit refused work")
	}
	select {
	case r := <-s.Results():
		return r
	case <-ctx.Done():
		t.Fatal("timed out waiting for result")
	}
	return FetchResult{}
}

func TestSchedulerFetchesURL(t *testing.T) {
	var built atomic.Int32
	send := func(ctx context.Context, d *cfscrape.Descriptor) (*cfscrape.RawResponse, error) {
		return okResponse("hello " + d.URL.Path), nil
	}
	pm, _ := readProxies(strings.NewReader("1.2.3.4:80\n"))

	s, err := NewScheduler(1, pm, testFactory(send, &built), 0, 3, nopLogger{})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	r := runOne(t, s, "http://example.test/page")
	s.Close()

	if r.Error != nil {
		t.Fatalf("unexpected error: %v", r.Error)
	}
	if got := string(r.Response.Body); got != "hello /page" {
		t.Errorf("body = %q", got)
	}
	if r.Attempts != 1 || r.Proxy != "1.2.3.4:80" {
		t.Errorf("attempts = %d, proxy = %q", r.Attempts, r.Proxy)
	}
}

func TestSchedulerRotatesOnRetryableError(t *testing.T) {
	var built, calls atomic.Int32
	send := func(ctx context.Context, d *cfscrape.Descriptor) (*cfscrape.RawResponse, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("dial tcp: connection refused")
		}
		return okResponse("ok"), nil
	}
	pm, _ := readProxies(strings.NewReader("1.2.3.4:80\n5.6.7.8:80\n"))

	s, err := NewScheduler(1, pm, testFactory(send, &built), 0, 3, nopLogger{})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	r := runOne(t, s, "http://example.test/")
	s.Close()

	if r.Error != nil {
		t.Fatalf("unexpected error: %v", r.Error)
	}
	if r.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", r.Attempts)
	}
	if got := built.Load(); got != 2 {
		t.Errorf("scrapers built = %d, want 2", got)
	}
}

func TestSchedulerDoesNotRetryParserErrors(t *testing.T) {
	var built, calls atomic.Int32
	send := func(ctx context.Context, d *cfscrape.Descriptor) (*cfscrape.RawResponse, error) {
		calls.Add(1)
		return nil, errors.New("certificate signed by unknown authority")
	}
	pm, _ := readProxies(strings.NewReader(""))

	s, err := NewScheduler(1, pm, testFactory(send, &built), 0, 3, nopLogger{})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	r := runOne(t, s, "http://example.test/")
	s.Close()

	if r.Error == nil {
		t.Fatal("expected an error")
	}
	if r.Attempts != 1 || calls.Load() != 1 {
		t.Errorf("attempts = %d, calls = %d, want 1 and 1", r.Attempts, calls.Load())
	}
}

func TestSchedulerStopsOnFatalError(t *testing.T) {
	var built atomic.Int32
	send := func(ctx context.Context, d *cfscrape.Descriptor) (*cfscrape.RawResponse, error) {
		return nil, cfscrape.NewFatalError(errors.New("ERROR_ZERO_BALANCE"))
	}
	pm, _ := readProxies(strings.NewReader(""))

	s, err := NewScheduler(2, pm, testFactory(send, &built), 0, 3, nopLogger{})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	r := runOne(t, s, "http://example.test/")

	if !r.Fatal || !cfscrape.IsFatalError(r.Error) {
		t.Fatalf("result = %+v, want fatal", r)
	}
	if s.Submit(context.Background(), "http://example.test/again") {
		t.Error("Submit accepted work after a fatal error")
	}
	s.Close()
}
