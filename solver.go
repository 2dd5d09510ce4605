package cfscrape

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync/atomic"
	"time"
)

// =============================================================================
// Task based captcha services
// =============================================================================

// CapSolver and 2Captcha expose the same createTask/getTaskResult API and
// differ only in endpoint, task type names and recommended poll interval.

const (
	CapSolverBaseURL  = "https://api.capsolver.com"
	TwoCaptchaBaseURL = "https://api.2captcha.com"
)

// TaskService solves reCAPTCHA v2 tickets through a createTask API.
type TaskService struct {
	Name         string
	BaseURL      string
	APIKey       string
	TaskType     string
	PollInterval time.Duration
	// SolveTimeout bounds one ticket, on top of the request context.
	SolveTimeout time.Duration
	Client       *http.Client
}

type taskResponse struct {
	ErrorId          int             `json:"errorId"`
	ErrorCode        string          `json:"errorCode"`
	ErrorDescription string          `json:"errorDescription"`
	TaskId           json.RawMessage `json:"taskId"`
	Status           string          `json:"status"`
	Solution         map[string]any  `json:"solution"`
}

// NewCapSolver returns a CapSolver service for apiKey.
func NewCapSolver(apiKey string) *TaskService {
	return &TaskService{
		Name:         "capsolver",
		BaseURL:      CapSolverBaseURL,
		APIKey:       apiKey,
		TaskType:     "ReCaptchaV2TaskProxyLess",
		PollInterval: time.Second,
		SolveTimeout: 120 * time.Second,
		Client:       &http.Client{Timeout: 30 * time.Second},
	}
}

// NewTwoCaptcha returns a 2Captcha service for apiKey.
func NewTwoCaptcha(apiKey string) *TaskService {
	return &TaskService{
		Name:         "2captcha",
		BaseURL:      TwoCaptchaBaseURL,
		APIKey:       apiKey,
		TaskType:     "RecaptchaV2TaskProxyless",
		PollInterval: 5 * time.Second, // 2captcha recommends 5s polling
		SolveTimeout: 180 * time.Second,
		Client:       &http.Client{Timeout: 30 * time.Second},
	}
}

// Handler adapts the service to a CaptchaHandler.
func (s *TaskService) Handler() CaptchaHandler {
	return s.Handle
}

// Handle solves the ticket's site key and fills the response field.
func (s *TaskService) Handle(ctx context.Context, t *CaptchaTicket) error {
	if s.SolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.SolveTimeout)
		defer cancel()
	}

	solution, err := s.Solve(ctx, map[string]any{
		"type":       s.TaskType,
		"websiteURL": t.URI.String(),
		"websiteKey": t.SiteKey,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", s.Name, err)
	}
	token, err := extractRecaptchaToken(solution)
	if err != nil {
		return fmt.Errorf("%s: %w", s.Name, err)
	}
	t.Solve(token)
	return nil
}

// Solve creates a task and polls until it is ready.
func (s *TaskService) Solve(ctx context.Context, task map[string]any) (map[string]any, error) {
	res, err := doJSONRequest[taskResponse](ctx, s.Client, s.BaseURL+"/createTask", map[string]any{
		"clientKey": s.APIKey,
		"task":      task,
	}, 3)
	if err != nil {
		return nil, err
	}
	if res.ErrorId != 0 {
		return nil, handleServiceError(res.ErrorCode, res.ErrorDescription)
	}
	return s.pollResult(ctx, res.TaskId)
}

func (s *TaskService) pollResult(ctx context.Context, taskId json.RawMessage) (map[string]any, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, errors.New("solve timeout")
		case <-time.After(s.PollInterval):
		}

		res, err := doJSONRequest[taskResponse](ctx, s.Client, s.BaseURL+"/getTaskResult", map[string]any{
			"clientKey": s.APIKey,
			"taskId":    taskId,
		}, 3)
		if err != nil {
			return nil, err
		}
		if res.ErrorId != 0 {
			return nil, handleServiceError(res.ErrorCode, res.ErrorDescription)
		}
		if res.Status == "ready" {
			return res.Solution, nil
		}
	}
}

// RotateCaptchaHandlers spreads tickets over handlers round robin.
func RotateCaptchaHandlers(handlers ...CaptchaHandler) CaptchaHandler {
	var next atomic.Uint64
	return func(ctx context.Context, t *CaptchaTicket) error {
		if len(handlers) == 0 {
			return errors.New("no captcha providers configured")
		}
		i := next.Add(1) - 1
		return handlers[i%uint64(len(handlers))](ctx, t)
	}
}

// =============================================================================
// Helpers
// =============================================================================

var fatalCaptchaCodes = []string{
	"ERROR_ZERO_BALANCE",
	"ERROR_KEY_DOES_NOT_EXIST",
	"ERROR_WRONG_USER_KEY",
	"ERROR_WRONG_GOOGLEKEY",
	"ERROR_IP_NOT_ALLOWED",
	"ERROR_IP_BANNED",
}

func isFatalCaptchaError(errorCode string) bool {
	return slices.Contains(fatalCaptchaCodes, errorCode)
}

func handleServiceError(code, description string) error {
	err := fmt.Errorf("%s - %s", code, description)
	if isFatalCaptchaError(code) {
		return NewFatalError(err)
	}
	return err
}

func extractRecaptchaToken(solution map[string]any) (string, error) {
	if token, ok := solution["gRecaptchaResponse"].(string); ok && token != "" {
		return token, nil
	}
	if token, ok := solution["token"].(string); ok && token != "" {
		return token, nil
	}
	return "", errors.New("no token in solution")
}

func doJSONRequest[T any](ctx context.Context, client *http.Client, uri string, payload any, maxRetries int) (*T, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}

	var lastErr error
	for attempt := range maxRetries {
		if attempt > 0 {
			backoff := time.Duration(1<<attempt) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(payloadBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		responseData, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		result := new(T)
		if err := json.Unmarshal(responseData, result); err != nil {
			return nil, err
		}
		return result, nil
	}

	return nil, fmt.Errorf("API request failed after %d retries: %w", maxRetries, lastErr)
}
