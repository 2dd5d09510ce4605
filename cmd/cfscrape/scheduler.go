package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cfscrape"

	"github.com/google/uuid"
)

type FetchResult struct {
	URL      string
	Response *cfscrape.Response
	Error    error
	Fatal    bool
	Proxy    string
	Attempts int
}

// ScraperFactory builds a scraper bound to one proxy. proxyURL is empty for
// direct connections.
type ScraperFactory func(proxyURL string, logger cfscrape.Logger) (*cfscrape.Scraper, error)

type Worker struct {
	id       string
	scraper  *cfscrape.Scraper
	proxyIdx int
	logger   cfscrape.Logger
}

type Scheduler struct {
	workers      []*Worker
	workChan     chan string
	resultsChan  chan FetchResult
	wg           sync.WaitGroup
	proxyManager *ProxyManager
	newScraper   ScraperFactory
	logger       cfscrape.Logger
	staggerDelay time.Duration
	maxAttempts  int
	cancel       context.CancelFunc
	fatalOnce    sync.Once
	stopped      atomic.Bool
}

func NewScheduler(workerCount int, proxyManager *ProxyManager, factory ScraperFactory, staggerDelay time.Duration, maxAttempts int, logger cfscrape.Logger) (*Scheduler, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	s := &Scheduler{
		workers:      make([]*Worker, workerCount),
		workChan:     make(chan string, workerCount*2),
		resultsChan:  make(chan FetchResult, workerCount*2),
		proxyManager: proxyManager,
		newScraper:   factory,
		logger:       logger,
		staggerDelay: staggerDelay,
		maxAttempts:  maxAttempts,
	}

	for i := 0; i < workerCount; i++ {
		worker, err := s.createWorker()
		if err != nil {
			return nil, err
		}
		s.workers[i] = worker
	}

	return s, nil
}

func generateWorkerID() string {
	return uuid.New().String()[:8]
}

func (s *Scheduler) createWorker() (*Worker, error) {
	id := generateWorkerID()
	proxyURL, proxyIdx := s.proxyManager.Random()

	workerLogger := &workerLogger{id: id, base: s.logger}
	workerLogger.Log("Using proxy: %s", s.proxyManager.DisplayAt(proxyIdx))

	scraper, err := s.newScraper(proxyURL, workerLogger)
	if err != nil {
		return nil, err
	}

	return &Worker{
		id:       id,
		scraper:  scraper,
		proxyIdx: proxyIdx,
		logger:   workerLogger,
	}, nil
}

// workerLogger wraps a logger with worker ID prefix.
type workerLogger struct {
	id   string
	base cfscrape.Logger
}

func (w *workerLogger) Log(format string, args ...any) {
	w.base.Log("[%s] "+format, append([]any{w.id}, args...)...)
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for i, worker := range s.workers {
		s.wg.Add(1)
		go s.runWorker(ctx, worker)

		if s.staggerDelay > 0 && i < len(s.workers)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.staggerDelay):
			}
		}
	}
}

func (s *Scheduler) handleFatalError(err error) {
	s.fatalOnce.Do(func() {
		s.stopped.Store(true)
		s.logger.Log("FATAL ERROR: %v - stopping all workers", err)

		if s.cancel != nil {
			s.cancel()
		}

		select {
		case s.resultsChan <- FetchResult{Fatal: true, Error: err}:
		default:
		}
	})
}

func (s *Scheduler) isFatal(err error) bool {
	return cfscrape.IsFatalError(err) || cfscrape.ContainsFatalErrorString(err)
}

func (s *Scheduler) runWorker(ctx context.Context, worker *Worker) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case target, ok := <-s.workChan:
			if !ok {
				return
			}
			if s.stopped.Load() {
				return
			}

			result := s.fetch(ctx, worker, target)
			if result.Fatal {
				s.handleFatalError(result.Error)
				return
			}

			select {
			case s.resultsChan <- result:
			case <-ctx.Done():
				return
			}
		}
	}
}

// fetch retrieves one URL, moving the worker to a fresh proxy whenever the
// failure looks bound to the current address.
func (s *Scheduler) fetch(ctx context.Context, worker *Worker, target string) FetchResult {
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		attempts = attempt
		worker.logger.Log("Fetching: %s (attempt %d/%d)", target, attempt, s.maxAttempts)

		resp, err := worker.scraper.Get(ctx, target)
		if err == nil {
			return FetchResult{URL: target, Response: resp, Proxy: s.proxyManager.DisplayAt(worker.proxyIdx), Attempts: attempt}
		}
		lastErr = err

		if s.isFatal(err) {
			return FetchResult{URL: target, Error: err, Fatal: true, Attempts: attempt}
		}
		if !cfscrape.IsRetryableError(err) || ctx.Err() != nil {
			break
		}

		worker.logger.Log("Failed: %v, rotating proxy...", err)
		if err := s.rotateWorkerProxy(worker); err != nil {
			worker.logger.Log("Failed to create new scraper: %v", err)
			break
		}
	}
	return FetchResult{URL: target, Error: lastErr, Proxy: s.proxyManager.DisplayAt(worker.proxyIdx), Attempts: attempts}
}

func (s *Scheduler) rotateWorkerProxy(worker *Worker) error {
	proxyURL, proxyIdx := s.proxyManager.Random()
	worker.logger.Log("Rotating to proxy: %s", s.proxyManager.DisplayAt(proxyIdx))

	scraper, err := s.newScraper(proxyURL, worker.logger)
	if err != nil {
		return err
	}
	worker.scraper = scraper
	worker.proxyIdx = proxyIdx
	return nil
}

// Submit adds a URL to the work queue. It returns false once the scheduler
// has stopped on a fatal error.
func (s *Scheduler) Submit(ctx context.Context, target string) bool {
	if s.stopped.Load() {
		return false
	}
	select {
	case s.workChan <- target:
		return true
	case <-ctx.Done():
		return false
	}
}

// Results returns the results channel for reading task outcomes.
func (s *Scheduler) Results() <-chan FetchResult {
	return s.resultsChan
}

// Close shuts down the scheduler and waits for workers to finish.
func (s *Scheduler) Close() {
	close(s.workChan)
	s.wg.Wait()
	close(s.resultsChan)
}

// WorkerCount returns the number of workers.
func (s *Scheduler) WorkerCount() int {
	return len(s.workers)
}
