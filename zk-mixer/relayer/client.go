package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kysee/velo-zk/zk-mixer/pool"
	"github.com/kysee/velo-zk/zk-mixer/types"
)

// RemoteError is an error response from a relayer.
type RemoteError struct {
	Status    int
	Kind      string
	Message   string
	RequestID string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("relayer: %s (%s, status %d)", e.Message, e.Kind, e.Status)
}

// Unwrap maps the wire kind back to its sentinel so errors.Is works across
// the HTTP boundary. A rate-limited request reads as an unavailable relayer.
func (e *RemoteError) Unwrap() error {
	if e.Kind == kindRateLimited {
		return types.ErrRelayerUnavailable
	}
	return types.KindError(e.Kind)
}

// Client talks to a relayer over HTTP and retries transient failures.
type Client struct {
	baseURL string
	http    *http.Client

	MaxRetries      uint64
	InitialInterval time.Duration
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		http:            &http.Client{Timeout: timeout},
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
	}
}

func (c *Client) Info(ctx context.Context) (*InfoResponse, error) {
	var out InfoResponse
	return &out, c.do(ctx, http.MethodGet, "/info", nil, &out)
}

func (c *Client) Pools(ctx context.Context) ([]*PoolInfo, error) {
	var out PoolsResponse
	if err := c.do(ctx, http.MethodGet, "/pools", nil, &out); err != nil {
		return nil, err
	}
	return out.Pools, nil
}

func (c *Client) EstimateFee(ctx context.Context, denomination uint64) (*FeeResponse, error) {
	var out FeeResponse
	return &out, c.do(ctx, http.MethodPost, "/estimate-fee", &FeeRequest{PoolSize: pool.ToSol(denomination)}, &out)
}

func (c *Client) Withdraw(ctx context.Context, req *WithdrawRequest) (*RelayResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var out RelayResponse
	if err := c.do(ctx, http.MethodPost, "/relay/withdraw", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Stealth(ctx context.Context, req *StealthRequest) (*RelayResponse, error) {
	var out RelayResponse
	if err := c.do(ctx, http.MethodPost, "/relay/stealth", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends one request, retrying only errors types.IsRetryable accepts.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}

	op := func() error {
		err := c.once(ctx, method, path, body, out)
		if err != nil && !types.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, c.MaxRetries), ctx))
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", types.ErrRelayerUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrRelayerUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		if err := json.Unmarshal(data, &e); err != nil || e.Error == "" {
			if resp.StatusCode >= http.StatusInternalServerError {
				return fmt.Errorf("%w: status %d", types.ErrRelayerUnavailable, resp.StatusCode)
			}
			return fmt.Errorf("relayer: status %d", resp.StatusCode)
		}
		return &RemoteError{
			Status:    resp.StatusCode,
			Kind:      e.Kind,
			Message:   e.Error,
			RequestID: e.RequestID,
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("relayer: decode response: %w", err)
	}
	return nil
}
