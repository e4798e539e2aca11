// Package snapshot acquires bulk point-in-time world state from the snapshot
// service and reduces it into a fresh mirror.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/darrylyeo/asphodel-mud-classic/libraries/encoding"
)

type ServiceError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("snapshot service error %d: %s", e.StatusCode, e.Message)
}

// Client is a JSON-over-HTTP client for the snapshot service. A circuit
// breaker sheds load once the service fails repeatedly; while open, calls
// fail fast without touching the network.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

func NewClient(backendURL string, timeout time.Duration) *Client {
	c := &Client{
		baseURL:    backendURL,
		httpClient: &http.Client{Timeout: timeout},
	}

	if parsed, err := url.Parse(backendURL); err == nil && parsed.Scheme == "unix" {
		c.baseURL = "http://localhost"
		c.httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
					return net.Dial("unix", parsed.Path)
				},
			},
		}
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "snapshot",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	return c
}

func (c *Client) Post(ctx context.Context, path string, req, resp any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.post(ctx, path, req, resp)
	})
	return err
}

func (c *Client) post(ctx context.Context, path string, req, resp any) error {
	body, err := encoding.JSONiter.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(httpResp.Body)
		return &ServiceError{
			StatusCode: httpResp.StatusCode,
			Message:    http.StatusText(httpResp.StatusCode),
			Body:       bodyBytes,
		}
	}

	if resp != nil {
		if err := encoding.JSONiter.NewDecoder(httpResp.Body).Decode(resp); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// Stream POSTs and hands back the raw response body for chunked reads.
// The caller owns the returned ReadCloser.
func (c *Client) Stream(ctx context.Context, path string, req any) (io.ReadCloser, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		body, err := encoding.JSONiter.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		httpResp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("do request: %w", err)
		}
		if httpResp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(httpResp.Body)
			httpResp.Body.Close()
			return nil, &ServiceError{
				StatusCode: httpResp.StatusCode,
				Message:    http.StatusText(httpResp.StatusCode),
				Body:       bodyBytes,
			}
		}
		return httpResp.Body, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(io.ReadCloser), nil
}
