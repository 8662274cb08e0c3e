package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/cheese-match/internal/domain"
)

// APIError is a non-2xx response decoded from the server's problem body.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("match api error: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
}

// Client calls the administrative API. GET requests are retried on 5xx.
type Client struct {
	baseURL string
	http    *fasthttp.Client

	defaultTimeout time.Duration
	retryMax       int
}

type ClientOption func(*Client)

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithRetry(max int) ClientOption {
	return func(c *Client) { c.retryMax = max }
}

// WithDial replaces the dialer, e.g. with an in-memory listener.
func WithDial(dial fasthttp.DialFunc) ClientOption {
	return func(c *Client) { c.http.Dial = dial }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, fasthttp.MethodGet, "/healthz", nil, nil)
}

func (c *Client) CreateUser(ctx context.Context, name string) (*domain.User, error) {
	var u domain.User
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/users", createUserRequest{Name: name}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) User(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/users/"+url.PathEscape(id), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) CreateGame(ctx context.Context, playerID string) (*domain.Game, error) {
	var g domain.Game
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/games", createGameRequest{PlayerID: playerID}, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) Game(ctx context.Context, id string) (*domain.Game, error) {
	var g domain.Game
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/games/"+url.PathEscape(id), nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) ListWaiting(ctx context.Context, limit int) ([]*domain.Game, error) {
	path := "/games?status=WAITING"
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Games []*domain.Game `json:"games"`
	}
	if err := c.doJSON(ctx, fasthttp.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Games, nil
}

// ReplayStatus is the replay consistency report for one game.
type ReplayStatus struct {
	Stored     string `json:"stored"`
	Replayed   string `json:"replayed"`
	Plies      int    `json:"plies"`
	Consistent bool   `json:"consistent"`
}

func (c *Client) Replay(ctx context.Context, id string) (*ReplayStatus, error) {
	var out ReplayStatus
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/games/"+url.PathEscape(id)+"/replay", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BoardPNG fetches the rendered position.
func (c *Client) BoardPNG(ctx context.Context, id string, flip bool) ([]byte, error) {
	path := "/games/" + url.PathEscape(id) + "/board.png"
	if flip {
		path += "?flip=1"
	}
	var body []byte
	err := c.do(ctx, fasthttp.MethodGet, path, nil, func(resp *fasthttp.Response) error {
		body = append([]byte(nil), resp.Body()...)
		return nil
	})
	return body, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}
	return c.do(ctx, method, path, payload, func(resp *fasthttp.Response) error {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, onOK func(*fasthttp.Response) error) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	if payload != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(payload)
	}

	attempts := 1
	if method == fasthttp.MethodGet && c.retryMax > 1 {
		attempts = c.retryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err == nil {
			status := resp.StatusCode()
			if status >= 200 && status < 300 {
				return onOK(resp)
			}
			err = decodeAPIError(status, resp.Body())
			if !shouldRetryStatus(status) {
				return err
			}
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
			return lastErr
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	var apiErr *APIError
	if errors.As(lastErr, &apiErr) {
		return lastErr
	}
	return fmt.Errorf("request failed: %w", lastErr)
}

func decodeAPIError(status int, body []byte) error {
	var p struct {
		Error problem `json:"error"`
	}
	apiErr := &APIError{Status: status}
	if json.Unmarshal(body, &p) == nil {
		apiErr.Code = p.Error.Code
		apiErr.Message = p.Error.Message
	} else {
		apiErr.Message = truncate(string(body), 512)
	}
	return apiErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond // 100ms, 200ms ...
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// DialerFor adapts a listener-style dial function.
func DialerFor(dial func() (net.Conn, error)) fasthttp.DialFunc {
	return func(string) (net.Conn, error) { return dial() }
}
