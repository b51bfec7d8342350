// Package bridge implements upstream.Fetcher against the HTTP bridge that
// fronts the trading terminal. The bridge exposes two endpoints:
//
//	GET /history?symbol=EURUSD&timeframe=M1&from=<unix>&to=<unix>&max_rows=N
//	GET /ping
//
// Failures come back as {"error": {"kind": "...", "message": "..."}}.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/ahmethakanbesel/candle-collector/internal/market"
	"github.com/ahmethakanbesel/candle-collector/internal/upstream"
)

const (
	defaultBaseURL = "http://127.0.0.1:5000"
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 64 << 20
)

// Client talks to the terminal bridge.
type Client struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// New creates a Client with the given options applied.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the bridge root URL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithClient sets the HTTP client.
func WithClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithTimeout sets the per-request timeout on the current HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithRateLimit paces requests to at most rps per second. Zero disables pacing.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

type candleDTO struct {
	Time       int64   `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	TickVolume int64   `json:"tick_volume"`
	Spread     int64   `json:"spread"`
	RealVolume int64   `json:"real_volume"`
}

type errorDTO struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type historyResponse struct {
	Candles []candleDTO `json:"candles"`
	Error   *errorDTO   `json:"error"`
}

// Fetch retrieves candles for req. A window without candles yields an
// upstream.KindNoData error.
func (c *Client) Fetch(ctx context.Context, req upstream.FetchRequest) ([]market.Candle, error) {
	q := url.Values{}
	q.Set("symbol", req.Symbol)
	q.Set("timeframe", req.Timeframe.String())
	q.Set("from", strconv.FormatInt(req.From.Unix(), 10))
	q.Set("to", strconv.FormatInt(req.To.Unix(), 10))
	if req.MaxRows > 0 {
		q.Set("max_rows", strconv.Itoa(req.MaxRows))
	}

	body, status, err := c.get(ctx, "/history?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp historyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		if status != http.StatusOK {
			return nil, statusError(status)
		}
		return nil, upstream.Errorf(upstream.KindUnknown, "malformed bridge response: %v", err)
	}
	if resp.Error != nil {
		return nil, toUpstreamError(resp.Error)
	}
	if status != http.StatusOK {
		return nil, statusError(status)
	}
	if len(resp.Candles) == 0 {
		return nil, upstream.Errorf(upstream.KindNoData, "%s %s has no candles in window", req.Symbol, req.Timeframe)
	}

	candles := make([]market.Candle, len(resp.Candles))
	for i, dto := range resp.Candles {
		candles[i] = market.Candle{
			Time:       time.Unix(dto.Time, 0).UTC(),
			Open:       dto.Open,
			High:       dto.High,
			Low:        dto.Low,
			Close:      dto.Close,
			TickVolume: dto.TickVolume,
			Spread:     dto.Spread,
			RealVolume: dto.RealVolume,
		}
	}

	slog.Debug("bridge: fetched candles", "symbol", req.Symbol, "timeframe", req.Timeframe,
		"from", req.From, "to", req.To, "count", len(candles))
	return candles, nil
}

// Ping checks the bridge liveness endpoint.
func (c *Client) Ping(ctx context.Context) error {
	body, status, err := c.get(ctx, "/ping")
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}
	var resp struct {
		Error *errorDTO `json:"error"`
	}
	if json.Unmarshal(body, &resp) == nil && resp.Error != nil {
		return toUpstreamError(resp.Error)
	}
	return statusError(status)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build bridge request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.client.Do(req) //nolint:gosec // URL built from internal config
	if err != nil {
		return nil, 0, classifyTransport(ctx, err)
	}
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, classifyTransport(ctx, err)
	}
	return body, res.StatusCode, nil
}

// classifyTransport maps a transport failure onto an upstream kind. A
// cancelled caller context is returned unchanged so shutdown is not mistaken
// for an outage.
func classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return upstream.Errorf(upstream.KindTimeout, "%v", err)
	}
	var opErr *net.OpError
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &opErr) {
		return upstream.Errorf(upstream.KindConnectionRefused, "%v", err)
	}
	return upstream.Errorf(upstream.KindUnknown, "%v", err)
}

func statusError(status int) error {
	switch status {
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return upstream.Errorf(upstream.KindTimeout, "bridge returned HTTP %d", status)
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return upstream.Errorf(upstream.KindConnectionRefused, "bridge returned HTTP %d", status)
	default:
		return upstream.Errorf(upstream.KindUnknown, "bridge returned HTTP %d", status)
	}
}

func toUpstreamError(e *errorDTO) error {
	kind := upstream.Kind(e.Kind)
	switch kind {
	case upstream.KindTimeout, upstream.KindConnectionRefused, upstream.KindInvalidSymbol, upstream.KindNoData:
	default:
		kind = upstream.KindUnknown
	}
	return &upstream.Error{Kind: kind, Message: e.Message}
}
