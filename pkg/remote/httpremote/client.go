// Package httpremote implements remote.Store over the upstream object
// store's REST gateway.
//
// Each configured bearer token opens one independent session. Sessions are
// rate limited client side so a burst of range requests does not trip the
// upstream throttle in the first place; server throttles are still mapped
// to remote.ThrottledError so callers can rotate.
package httpremote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/surfgate/surfgate/internal/logger"
	"github.com/surfgate/surfgate/pkg/remote"
)

// Config holds the upstream endpoint and session credentials.
type Config struct {
	// Endpoint is the base URL of the upstream REST gateway, without a
	// trailing slash.
	Endpoint string

	// Tokens holds one bearer token per session. The session index used
	// across the gateway is the index into this slice.
	Tokens []string

	// RatePerSecond limits requests per session. Zero disables client-side
	// limiting.
	RatePerSecond float64

	// Timeout bounds a single Locate request. Chunk reads are bounded by
	// the caller's context instead, since a stream may legitimately stay
	// open for hours.
	Timeout time.Duration

	// HTTPClient overrides the transport; nil uses a default client.
	HTTPClient *http.Client
}

// Client is an HTTP-backed remote.Store.
type Client struct {
	endpoint string
	tokens   []string
	limiters []*rate.Limiter
	http     *http.Client
	timeout  time.Duration
}

// New validates the configuration and builds a client.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("httpremote: endpoint is required")
	}
	if len(cfg.Tokens) == 0 {
		return nil, fmt.Errorf("httpremote: at least one session token is required")
	}

	limiters := make([]*rate.Limiter, len(cfg.Tokens))
	for i := range limiters {
		if cfg.RatePerSecond > 0 {
			limiters[i] = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
		} else {
			limiters[i] = rate.NewLimiter(rate.Inf, 0)
		}
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		endpoint: cfg.Endpoint,
		tokens:   cfg.Tokens,
		limiters: limiters,
		http:     hc,
		timeout:  timeout,
	}, nil
}

// Sessions returns the number of configured sessions.
func (c *Client) Sessions() int {
	return len(c.tokens)
}

type locateResponse struct {
	Handle    string `json:"handle"`
	Size      int64  `json:"size"`
	MIME      string `json:"mime_type"`
	Name      string `json:"file_name"`
	ContentID string `json:"content_id"`
}

// Locate implements remote.Store. Descriptor lookups always run on session
// 0; they are cheap metadata calls and the upstream only throttles bulk
// transfer.
func (c *Client) Locate(ctx context.Context, container string, item int64) (*remote.TransferDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiters[0].Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/items/%s/%d", c.endpoint, container, item)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.tokens[0])

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &remote.TransientError{Err: err}
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var lr locateResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, &remote.TransientError{Err: fmt.Errorf("decoding locate response: %w", err)}
	}
	if lr.Size <= 0 {
		return nil, &remote.TransientError{Err: fmt.Errorf("locate reported size %d", lr.Size)}
	}

	return &remote.TransferDescriptor{
		Handle:    lr.Handle,
		Size:      lr.Size,
		MIME:      lr.MIME,
		Name:      lr.Name,
		ContentID: lr.ContentID,
	}, nil
}

// OpenChunks implements remote.Store. The chunk run is fetched as a single
// ranged GET and re-sliced into protocol-sized buffers client side.
func (c *Client) OpenChunks(ctx context.Context, session int, desc *remote.TransferDescriptor, offset int64, parts int) (remote.ChunkStream, error) {
	if session < 0 || session >= len(c.tokens) {
		return nil, fmt.Errorf("httpremote: no such session %d", session)
	}
	if err := c.limiters[session].Wait(ctx); err != nil {
		return nil, err
	}

	end := offset + int64(parts)*remote.ChunkSize - 1
	if end > desc.Size-1 {
		end = desc.Size - 1
	}

	url := fmt.Sprintf("%s/transfer/%s", c.endpoint, desc.Handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.tokens[session])
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, end))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &remote.TransientError{Err: err}
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &remote.TransientError{Err: fmt.Errorf("unexpected status %d for ranged read", resp.StatusCode)}
	}

	logger.Debug("opened remote chunk run",
		logger.Session(session),
		logger.KeyOffset, offset,
		"parts", parts)

	return &bodyChunks{body: resp.Body, remaining: end - offset + 1}, nil
}

// checkStatus maps upstream HTTP failures onto the remote error taxonomy.
func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return remote.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		var wait time.Duration
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				wait = time.Duration(secs) * time.Second
			}
		}
		return &remote.ThrottledError{Wait: wait}
	case resp.StatusCode >= 500:
		return &remote.TransientError{Err: fmt.Errorf("upstream status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return fmt.Errorf("httpremote: upstream status %d", resp.StatusCode)
	}
	return nil
}

// bodyChunks adapts one ranged response body into a ChunkStream.
type bodyChunks struct {
	body      io.ReadCloser
	remaining int64
}

func (b *bodyChunks) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.remaining <= 0 {
		return nil, io.EOF
	}

	n := int64(remote.ChunkSize)
	if b.remaining < n {
		n = b.remaining
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(b.body, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, &remote.TransientError{Err: fmt.Errorf("short read, %d bytes still expected", b.remaining)}
		}
		return nil, &remote.TransientError{Err: err}
	}
	b.remaining -= n
	return buf, nil
}

func (b *bodyChunks) Close() error {
	return b.body.Close()
}
