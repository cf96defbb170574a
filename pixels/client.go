// Package pixels is the HTTP client for the collaborative canvas service.
// Reads pass straight through; writes go through a rate gate so the client
// never burns a request the service would reject as too soon.
package pixels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"pixeldraw/core"
	"pixeldraw/gate"
	"pixeldraw/stores/memory"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultBaseURL is the canvas service this client was written against.
	DefaultBaseURL = "https://pixels.pythondiscord.com"

	userAgentProduct    = "pixeldraw"
	userAgentVersion    = "1.1"
	defaultHTTPTimeout  = 30 * time.Second
	maxResponseBodySize = 16 << 20 // full-canvas bodies are 3 bytes per pixel
)

// Size is the canvas dimensions advertised by the service.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Client talks to the canvas service with bearer-token auth. All write
// operations share one rate gate; pointing several clients at the same gate
// makes them share cooldown knowledge too.
type Client struct {
	baseURL   string
	token     string
	http      *http.Client
	gate      *gate.Gate
	userAgent string

	mu           sync.Mutex
	size         *Size
	swapFallback bool

	lifetime  context.Context
	stop      context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// ClientOption mutates the client during construction.
type ClientOption func(*Client)

// NewClient builds a client. The token is required; everything else has a
// default (in-memory cooldowns, no global pacing).
func NewClient(token string, opts ...ClientOption) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("pixeldraw: API token is required")
	}
	lifetime, stop := context.WithCancel(context.Background())
	c := &Client{
		baseURL:   DefaultBaseURL,
		token:     token,
		userAgent: buildDefaultUserAgent(),
		http:      &http.Client{Timeout: defaultHTTPTimeout},
		lifetime:  lifetime,
		stop:      stop,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if c.gate == nil {
		c.gate = gate.New(memory.NewStore(), gate.Config{})
	}
	c.baseURL = strings.TrimRight(strings.TrimSpace(c.baseURL), "/")
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	return c, nil
}

// WithBaseURL overrides the service host (useful for the emulator and for
// tests). No trailing slash required.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) { c.baseURL = baseURL }
}

// WithHTTPClient installs a custom http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithGate installs a shared rate gate, typically one over a persistent
// cooldown store.
func WithGate(g *gate.Gate) ClientOption {
	return func(c *Client) { c.gate = g }
}

// WithUserAgent sets a custom User-Agent string.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// GetSize fetches the canvas dimensions and refreshes the cached copy used
// for client-side bounds checks.
func (c *Client) GetSize(ctx context.Context) (Size, error) {
	ctx, done := c.opCtx(ctx)
	defer done()

	var out Size
	if err := c.getJSON(ctx, "/get_size", &out); err != nil {
		return Size{}, c.closedOr(err)
	}
	c.mu.Lock()
	c.size = &out
	c.mu.Unlock()
	return out, nil
}

// GetCanvas fetches a fresh snapshot of the whole canvas. Reads are not
// rate gated.
func (c *Client) GetCanvas(ctx context.Context) (*core.Canvas, error) {
	ctx, done := c.opCtx(ctx)
	defer done()

	size, err := c.GetSize(ctx)
	if err != nil {
		return nil, c.closedOr(err)
	}
	resp, err := c.get(ctx, "/get_pixels")
	if err != nil {
		return nil, c.closedOr(err)
	}
	return core.CanvasFromBytes(size.Width, size.Height, resp.body)
}

// GetPixel fetches the current color of one pixel. The coordinate is
// checked against the known canvas bounds before any request goes out.
func (c *Client) GetPixel(ctx context.Context, p core.Point) (core.Color, error) {
	ctx, done := c.opCtx(ctx)
	defer done()

	if err := c.checkBounds(ctx, p); err != nil {
		return 0, c.closedOr(err)
	}

	q := url.Values{}
	q.Set("x", strconv.Itoa(p.X))
	q.Set("y", strconv.Itoa(p.Y))
	var out struct {
		RGB string `json:"rgb"`
	}
	if err := c.getJSON(ctx, "/get_pixel?"+q.Encode(), &out); err != nil {
		return 0, c.closedOr(err)
	}
	return core.ParseColor(out.RGB)
}

type setPixelRequest struct {
	X   int    `json:"x"`
	Y   int    `json:"y"`
	RGB string `json:"rgb"`
}

// PutPixel writes one pixel, suspending first until any recorded cooldown
// for it has elapsed. The cooldown the service reports afterwards is
// recorded whatever the outcome, and a rate-limited rejection is absorbed:
// the call keeps retrying until the write lands or fails with a
// non-rate-limit error.
func (c *Client) PutPixel(ctx context.Context, p core.Point, col core.Color) error {
	ctx, done := c.opCtx(ctx)
	defer done()

	if err := c.checkBounds(ctx, p); err != nil {
		return c.closedOr(err)
	}

	logEntry := logrus.WithFields(logrus.Fields{
		"pixel": p.String(),
		"color": col.String(),
	})
	payload := setPixelRequest{X: p.X, Y: p.Y, RGB: col.Hex()}
	for {
		if err := c.gate.Acquire(ctx, p); err != nil {
			return c.closedOr(err)
		}
		resp, err := c.post(ctx, "/set_pixel", payload)
		var rle *RateLimitedError
		if errors.As(err, &rle) {
			// Lost the race against another writer or the service clock;
			// its retry-after is authoritative.
			c.gate.Record(ctx, p, rle.RetryAfter)
			logEntry.WithField("retryAfter", rle.RetryAfter.String()).Debug("Write rejected inside cooldown, retrying")
			continue
		}
		if err != nil {
			return c.closedOr(err)
		}
		c.gate.Record(ctx, p, cooldownFromHeaders(resp.header))
		logEntry.WithField("message", resp.message).Info("Pixel set")
		return nil
	}
}

type swapPixelRequest struct {
	Origin core.Point `json:"origin"`
	Dest   core.Point `json:"dest"`
}

// SwapPixels exchanges the colors of a and b. When the service offers the
// atomic swap endpoint both pixels change in one request and share the
// reported cooldown. When it does not (the endpoint is missing or
// disabled), the swap degrades to reading both pixels and issuing two
// ordinary writes of each other's prior color. That fallback is not atomic
// against concurrent writers, and a failure between the two writes leaves
// the first one applied.
func (c *Client) SwapPixels(ctx context.Context, a, b core.Point) error {
	ctx, done := c.opCtx(ctx)
	defer done()

	if err := c.checkBounds(ctx, a, b); err != nil {
		return c.closedOr(err)
	}

	if !c.swapFallbackOn() {
		err := c.swapAtomic(ctx, a, b)
		if !isEndpointUnavailable(err) {
			return c.closedOr(err)
		}
		c.mu.Lock()
		c.swapFallback = true
		c.mu.Unlock()
		logrus.WithError(err).Warn("Swap endpoint unavailable, falling back to two writes")
	}

	colorA, err := c.GetPixel(ctx, a)
	if err != nil {
		return c.closedOr(err)
	}
	colorB, err := c.GetPixel(ctx, b)
	if err != nil {
		return c.closedOr(err)
	}
	if colorA == colorB {
		logrus.WithFields(logrus.Fields{"a": a.String(), "b": b.String()}).Debug("Swap is a no-op, colors match")
		return nil
	}
	if err := c.PutPixel(ctx, a, colorB); err != nil {
		return c.closedOr(err)
	}
	return c.closedOr(c.PutPixel(ctx, b, colorA))
}

func (c *Client) swapAtomic(ctx context.Context, a, b core.Point) error {
	payload := swapPixelRequest{Origin: a, Dest: b}
	logEntry := logrus.WithFields(logrus.Fields{"a": a.String(), "b": b.String()})
	for {
		if err := c.gate.Acquire(ctx, a); err != nil {
			return err
		}
		if err := c.gate.Acquire(ctx, b); err != nil {
			return err
		}
		resp, err := c.post(ctx, "/swap_pixel", payload)
		var rle *RateLimitedError
		if errors.As(err, &rle) {
			c.gate.Record(ctx, a, rle.RetryAfter)
			c.gate.Record(ctx, b, rle.RetryAfter)
			logEntry.WithField("retryAfter", rle.RetryAfter.String()).Debug("Swap rejected inside cooldown, retrying")
			continue
		}
		if err != nil {
			return err
		}
		cooldown := cooldownFromHeaders(resp.header)
		c.gate.Record(ctx, a, cooldown)
		c.gate.Record(ctx, b, cooldown)
		logEntry.WithField("message", resp.message).Info("Pixels swapped")
		return nil
	}
}

// Close cancels any write suspended in the rate gate and flushes the
// cooldown store. Idempotent; operations after Close fail with ErrClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.stop()
		c.closeErr = c.gate.Close()
	})
	return c.closeErr
}

// opCtx ties an operation's context to the client lifetime so Close
// resolves suspended operations promptly.
func (c *Client) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.lifetime, cancel)
	return ctx, func() { stop(); cancel() }
}

// closedOr rewrites a cancellation caused by Close into ErrClosed. A
// cancellation of the caller's own context passes through untouched.
func (c *Client) closedOr(err error) error {
	if err == nil {
		return nil
	}
	if c.lifetime.Err() != nil && errors.Is(err, context.Canceled) {
		return ErrClosed
	}
	return err
}

func (c *Client) swapFallbackOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.swapFallback
}

// cachedSize serves bounds checks without a request once the size is known.
func (c *Client) cachedSize(ctx context.Context) (Size, error) {
	c.mu.Lock()
	if c.size != nil {
		size := *c.size
		c.mu.Unlock()
		return size, nil
	}
	c.mu.Unlock()
	return c.GetSize(ctx)
}

func (c *Client) checkBounds(ctx context.Context, pts ...core.Point) error {
	size, err := c.cachedSize(ctx)
	if err != nil {
		return err
	}
	for _, p := range pts {
		if p.X < 0 || p.X >= size.Width || p.Y < 0 || p.Y >= size.Height {
			return &core.RangeError{Pixel: p, Width: size.Width, Height: size.Height}
		}
	}
	return nil
}

type apiResponse struct {
	header  http.Header
	body    []byte
	message string
}

// send performs one request and classifies the outcome: transport failures
// become TransportError, 429 becomes RateLimitedError with the service's
// retry-after, any other non-2xx becomes APIError.
func (c *Client) send(ctx context.Context, method, path string, payload interface{}) (*apiResponse, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("pixeldraw: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("pixeldraw: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ua := strings.TrimSpace(c.userAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, &TransportError{Op: "read " + path, Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitedError{RetryAfter: retryAfterFromHeaders(resp.Header)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, buildAPIError(resp.StatusCode, raw)
	}

	out := &apiResponse{header: resp.Header, body: raw}
	var msg struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &msg) == nil {
		out.message = msg.Message
	}
	return out, nil
}

// get retries reads the service rate-limits. A read carries no canvas
// state, so waiting out the window and asking again loses nothing.
func (c *Client) get(ctx context.Context, path string) (*apiResponse, error) {
	for {
		resp, err := c.send(ctx, http.MethodGet, path, nil)
		var rle *RateLimitedError
		if errors.As(err, &rle) {
			logrus.WithFields(logrus.Fields{
				"path":       path,
				"retryAfter": rle.RetryAfter.String(),
			}).Warn("Read rate limited, waiting")
			if err := sleep(ctx, rle.RetryAfter); err != nil {
				return nil, err
			}
			continue
		}
		return resp, err
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("pixeldraw: decode response: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (*apiResponse, error) {
	return c.send(ctx, http.MethodPost, path, payload)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// cooldownFromHeaders reads the post-write cooldown. A write response with
// no budget left carries Requests-Reset, the seconds until the pixel may be
// hit again.
func cooldownFromHeaders(h http.Header) time.Duration {
	remaining, err := strconv.Atoi(h.Get("Requests-Remaining"))
	if err != nil || remaining > 0 {
		return 0
	}
	if d, ok := parseSeconds(h.Get("Requests-Reset")); ok {
		return d
	}
	return 0
}

// retryAfterFromHeaders reads the authoritative wait from a 429. Falling
// back to one second keeps a header-less rejection from turning into a hot
// retry loop.
func retryAfterFromHeaders(h http.Header) time.Duration {
	if d, ok := parseSeconds(h.Get("Cooldown-Reset")); ok {
		return d
	}
	if d, ok := parseSeconds(h.Get("Retry-After")); ok {
		return d
	}
	return time.Second
}

func parseSeconds(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}

func buildDefaultUserAgent() string {
	goVer := strings.TrimPrefix(runtime.Version(), "go")
	return fmt.Sprintf("%s/%s (Go%s; %s/%s)",
		userAgentProduct, userAgentVersion, goVer, runtime.GOOS, runtime.GOARCH)
}
