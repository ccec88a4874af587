package client

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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"circadgo/internal/events"
	"circadgo/internal/logger"
	"circadgo/internal/models"
)

const refreshPath = "token/refresh/"

// TokenSource is the token store as seen by the client.
type TokenSource interface {
	Get(ctx context.Context) (models.Credentials, bool)
	UpdateTokens(ctx context.Context, access, refresh string)
	Clear(ctx context.Context)
}

// Request describes one call relative to the API base URL. Path may also be
// an absolute URL, as returned in pagination links.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        []byte
	ContentType string
	Header      http.Header

	// Public requests carry no bearer token and never trigger a refresh.
	Public bool
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client issues authenticated calls and recovers from one expired access
// token per call by refreshing it.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens TokenSource
	bus    *events.Bus
	log    *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithBus(bus *events.Bus) Option { return func(c *Client) { c.bus = bus } }

func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// WithTimeout sets the per-attempt timeout of the default http client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http = &http.Client{Timeout: d} }
}

func New(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	base, err := url.Parse(baseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", baseURL)
	}
	c := &Client{
		base:   base,
		http:   &http.Client{Timeout: 30 * time.Second},
		tokens: tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.OrNop(c.log).Named("client")
	return c, nil
}

// Do sends req. On a 401 it refreshes the access token at most once and
// retries the original request at most once.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || req.Public {
		return c.finish(req, resp)
	}

	creds, _ := c.tokens.Get(ctx)
	if creds.RefreshToken == "" {
		return nil, c.expire(ctx, "no refresh token", c.statusError(req, resp))
	}
	access, refresh, err := c.refresh(ctx, creds.RefreshToken)
	if err != nil {
		return nil, c.expire(ctx, "refresh failed", err)
	}
	c.tokens.UpdateTokens(ctx, access, refresh)
	c.log.Debug("access token refreshed, retrying", zap.String("path", req.Path))

	resp, err = c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.finish(req, resp)
}

func (c *Client) finish(req Request, resp *Response) (*Response, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.statusError(req, resp)
	}
	return resp, nil
}

func (c *Client) statusError(req Request, resp *Response) *StatusError {
	return &StatusError{Method: req.Method, Path: req.Path, StatusCode: resp.StatusCode, Body: resp.Body}
}

// expire clears the session and announces it.
func (c *Client) expire(ctx context.Context, reason string, cause error) error {
	c.log.Warn("session expired", zap.String("reason", reason), zap.Error(cause))
	c.tokens.Clear(ctx)
	c.bus.Publish(events.Event{Type: events.SessionExpired, Message: reason})
	return fmt.Errorf("%w: %s: %w", ErrSessionExpired, reason, cause)
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (string, string, error) {
	body, err := json.Marshal(map[string]string{"refresh": refreshToken})
	if err != nil {
		return "", "", err
	}
	req := Request{Method: http.MethodPost, Path: refreshPath, Body: body, ContentType: "application/json", Public: true}
	resp, err := c.send(ctx, req)
	if err != nil {
		return "", "", err
	}
	if _, err := c.finish(req, resp); err != nil {
		return "", "", err
	}
	var pair models.TokenPair
	if err := json.Unmarshal(resp.Body, &pair); err != nil {
		return "", "", fmt.Errorf("decode refresh response: %w", err)
	}
	if pair.Access == "" {
		return "", "", errors.New("refresh response carried no access token")
	}
	return pair.Access, pair.Refresh, nil
}

// send performs one HTTP exchange and reads the whole body.
func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	target, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	if !req.Public {
		if creds, ok := c.tokens.Get(ctx); ok && creds.AccessToken != "" {
			httpReq.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", req.Method, req.Path, err)
	}
	c.log.Debug("request",
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
		zap.String("request_id", httpReq.Header.Get("X-Request-ID")),
	)
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *Client) resolve(req Request) (string, error) {
	ref, err := url.Parse(strings.TrimPrefix(req.Path, "/"))
	if err != nil {
		return "", fmt.Errorf("parse path %q: %w", req.Path, err)
	}
	u := c.base.ResolveReference(ref)
	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// doJSON sends in as the JSON body (when non-nil) and decodes the response
// into out (when non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, public bool, in, out any) error {
	req := Request{Method: method, Path: path, Public: public}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		req.Body = body
		req.ContentType = "application/json"
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
