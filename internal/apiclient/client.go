// Package apiclient provides an HTTP client for the localchaind control
// plane.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/Klingon-tech/localchain/pkg/types"
)

// DefaultURL is where localchaind listens by default.
const DefaultURL = "http://127.0.0.1:3000"

// maxEventSize bounds a single streamed event.
const maxEventSize = 1 << 20

// Client is a control plane HTTP client.
type Client struct {
	base   string
	http   *http.Client
	stream *http.Client // no timeout: streams end with their context
}

// NewWithTimeout creates a client with a custom timeout for non-stream
// requests. Start and restart wait for the node, so keep it generous.
func NewWithTimeout(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: timeout},
		stream: &http.Client{},
	}
}

// APIError is returned when the server answers with an error status.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, data)
	}

	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{Status: status, Message: msg}
}

func chainPath(id uint64, suffix string) string {
	return "/api/chains/" + strconv.FormatUint(id, 10) + suffix
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp.StatusCode, data)
	}
	if string(data) != "ok" {
		return fmt.Errorf("unexpected health response %q", data)
	}
	return nil
}

// ListChains returns every chain ordered by id.
func (c *Client) ListChains(ctx context.Context) ([]types.ChainConfig, error) {
	var out []types.ChainConfig
	err := c.do(ctx, http.MethodGet, "/api/chains", nil, &out)
	return out, err
}

// GetChain returns the inspect view of a chain.
func (c *Client) GetChain(ctx context.Context, id uint64) (*types.ChainInfo, error) {
	var out types.ChainInfo
	if err := c.do(ctx, http.MethodGet, chainPath(id, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateChain registers a chain and returns its id.
func (c *Client) CreateChain(ctx context.Context, cfg types.ChainConfig) (uint64, error) {
	var out struct {
		ID uint64 `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/chains", cfg, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

func (c *Client) lifecycle(ctx context.Context, id uint64, op string) (*types.ChainConfig, error) {
	var out types.ChainConfig
	if err := c.do(ctx, http.MethodPost, chainPath(id, "/"+op), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Start starts a chain and returns its configuration afterwards.
func (c *Client) Start(ctx context.Context, id uint64) (*types.ChainConfig, error) {
	return c.lifecycle(ctx, id, "start")
}

// Stop stops a chain.
func (c *Client) Stop(ctx context.Context, id uint64) (*types.ChainConfig, error) {
	return c.lifecycle(ctx, id, "stop")
}

// Restart restarts a chain.
func (c *Client) Restart(ctx context.Context, id uint64) (*types.ChainConfig, error) {
	return c.lifecycle(ctx, id, "restart")
}

// Delete stops and removes a chain.
func (c *Client) Delete(ctx context.Context, id uint64) error {
	return c.do(ctx, http.MethodDelete, chainPath(id, ""), nil, nil)
}

// GetBlock fetches a block and its transactions from a running chain.
func (c *Client) GetBlock(ctx context.Context, id, number uint64) (*types.BlockWithTransactions, error) {
	var out types.BlockWithTransactions
	if err := c.do(ctx, http.MethodGet, chainPath(id, "/blocks/"+strconv.FormatUint(number, 10)), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecentBlocks returns up to limit recent blocks, newest first. limit <= 0
// asks for the server's whole window.
func (c *Client) RecentBlocks(ctx context.Context, id uint64, limit int) ([]types.Block, error) {
	path := chainPath(id, "/blocks")
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var out []types.Block
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// StreamLogs calls fn with every log line of a chain until ctx is done, the
// stream ends or fn returns an error.
func (c *Client) StreamLogs(ctx context.Context, id uint64, fn func(line string) error) error {
	return c.streamEvents(ctx, chainPath(id, "/logstream"), func(data string) error {
		return fn(data)
	})
}

// StreamBlocks calls fn with every new block of a chain.
func (c *Client) StreamBlocks(ctx context.Context, id uint64, fn func(types.Block) error) error {
	return c.streamEvents(ctx, chainPath(id, "/blockstream"), func(data string) error {
		var b types.Block
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return fmt.Errorf("decode block event: %w", err)
		}
		return fn(b)
	})
}

// streamEvents reads an SSE response. An error event ends the stream with
// an *APIError; ping events are skipped.
func (c *Client) streamEvents(ctx context.Context, path string, fn func(data string) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, data)
	}

	for ev, err := range sse.Read(resp.Body, &sse.ReadConfig{MaxEventSize: maxEventSize}) {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event stream: %w", err)
		}
		switch ev.Type {
		case "":
			if err := fn(ev.Data); err != nil {
				return err
			}
		case "error":
			return &APIError{Status: http.StatusNotFound, Message: ev.Data}
		}
	}
	return ctx.Err()
}
