package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

var (
	// ErrUnauthenticated is matched by StatusError for 401 and 403 replies.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotFound is matched by StatusError for 404 replies.
	ErrNotFound = errors.New("not found")
)

// StatusError is a non-2xx reply from the backend.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: %d", e.Method, e.Path, e.Code)
}

// Is lets callers write errors.Is(err, rest.ErrUnauthenticated).
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnauthenticated:
		return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	}
	return false
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string

	// Timeout bounds each request. Zero means 15s.
	Timeout time.Duration

	// RatePerSecond caps outgoing requests. Zero or less disables the cap.
	RatePerSecond int

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the backend REST API on behalf of one session credential.
// It implements every REST-backed interface in the repository package.
type Client struct {
	http    *resty.Client
	token   string
	timeout time.Duration
	logger  *zap.Logger
}

// errorBody is the backend's error reply, {"error": "..."}.
type errorBody struct {
	Error string `json:"error"`
}

func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("parse base url: %q is not absolute", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.Named("rest")

	limiter := ratelimit.NewUnlimited()
	if opts.RatePerSecond > 0 {
		limiter = ratelimit.New(opts.RatePerSecond, ratelimit.WithoutSlack)
	}

	hc := resty.NewWithClient(opts.HTTPClient).
		SetBaseURL(base.String()).
		SetHeader("Accept", "application/json").
		SetLogger(logger.Sugar()).
		OnBeforeRequest(func(*resty.Client, *resty.Request) error {
			limiter.Take()
			return nil
		})

	return &Client{
		http:    hc,
		token:   opts.Token,
		timeout: opts.Timeout,
		logger:  logger,
	}, nil
}

// WithToken returns a client sharing transport and limiter but sending a
// different credential. Used on account switch.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// do sends one JSON request. in may be nil; out may be nil to discard the body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := c.http.R().
		SetContext(ctx).
		SetError(&errorBody{})
	if c.token != "" {
		req.SetAuthToken(c.token)
	}
	if len(query) > 0 {
		req.SetQueryParamsFromValues(query)
	}
	if in != nil {
		req.SetBody(in)
	}
	if out != nil {
		req.SetResult(out).ForceContentType("application/json")
	}

	resp, err := req.Execute(method, path)
	if resp == nil || resp.RawResponse == nil {
		if err == nil {
			err = errors.New("no response")
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	c.logger.Debug("request done",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("took", resp.Time()),
	)

	if !resp.IsSuccess() {
		se := &StatusError{Method: method, Path: path, Code: resp.StatusCode()}
		// Bodies that are not {"error": ...} leave Message empty.
		if body, ok := resp.Error().(*errorBody); ok {
			se.Message = body.Error
		}
		return se
	}
	if err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
