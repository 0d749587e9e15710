package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/calvoice/calvoice/internal/reliability"
)

// ErrAuthTimeout is returned when the OAuth consent poll exceeds its bound.
var ErrAuthTimeout = errors.New("timed out waiting for calendar authorization")

const clientMaxAttempts = 3

// Client talks to the calbridge HTTP API. Retryable statuses are retried with
// capped backoff before the error is surfaced.
type Client struct {
	baseURL string
	httpc   *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) AuthStatus(ctx context.Context) (AuthState, error) {
	var out AuthState
	if err := c.getJSON(ctx, "/api/auth/status", nil, &out); err != nil {
		return AuthState{}, err
	}
	return out, nil
}

func (c *Client) AuthURL(ctx context.Context) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.getJSON(ctx, "/api/auth/url", nil, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", fmt.Errorf("bridge returned empty auth url")
	}
	return out.URL, nil
}

func (c *Client) FreeBusy(ctx context.Context, timeMin, timeMax string) (FreeBusy, error) {
	q := url.Values{}
	q.Set("timeMin", timeMin)
	q.Set("timeMax", timeMax)
	var out FreeBusy
	if err := c.getJSON(ctx, "/api/availability", q, &out); err != nil {
		return FreeBusy{}, err
	}
	if out.Busy == nil {
		out.Busy = []BusyInterval{}
	}
	return out, nil
}

func (c *Client) Schedule(ctx context.Context, req ScheduleRequest) (ScheduleResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ScheduleResult{}, fmt.Errorf("encode schedule request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/schedule", nil, body)
	if err != nil {
		return ScheduleResult{}, err
	}
	defer resp.Body.Close()

	// 409 carries a structured conflict result, not a transport failure.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return ScheduleResult{}, statusError("schedule", resp)
	}
	var out ScheduleResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ScheduleResult{}, fmt.Errorf("decode schedule response: %w", err)
	}
	return out, nil
}

func (c *Client) ListEvents(ctx context.Context, timeMin, timeMax string) ([]Event, error) {
	q := url.Values{}
	q.Set("timeMin", timeMin)
	q.Set("timeMax", timeMax)
	var out []Event
	if err := c.getJSON(ctx, "/api/events", q, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Event{}
	}
	return out, nil
}

func (c *Client) Logout(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("logout", resp)
	}
	return nil
}

// WaitForAuth polls AuthStatus until the bridge reports connected credentials,
// checking every interval and giving up after timeout with ErrAuthTimeout.
func (c *Client) WaitForAuth(ctx context.Context, interval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := c.AuthStatus(ctx)
		if err == nil && st.Connected {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrAuthTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(path, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte) (*http.Response, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < clientMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := reliability.ExponentialBackoff(attempt, 200*time.Millisecond, 2*time.Second)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if reliability.IsRetryableHTTPStatus(resp.StatusCode) && attempt < clientMaxAttempts-1 {
			lastErr = statusError(path, resp)
			resp.Body.Close()
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%s %s failed after %d attempts: %w", method, path, clientMaxAttempts, lastErr)
}

func statusError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(data))
	if detail == "" {
		detail = resp.Status
	}
	return fmt.Errorf("%s: bridge returned %d: %s", op, resp.StatusCode, detail)
}
