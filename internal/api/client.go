// Package api talks to the chat HTTP API: login and conversation creation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/omochice/magichat/pkg/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config defines the HTTP client behavior.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RateLimit  float64 // requests per second, <= 0 disables limiting
	MaxRetries int
	RetryWait  time.Duration
}

// RequestError is the error body returned by the API.
type RequestError struct {
	Message string `json:"message"`
}

func (e *RequestError) Error() string {
	return e.Message
}

// Result mirrors an API response: the HTTP status plus either the decoded
// body or the decoded error body.
type Result[T any] struct {
	Status int
	Data   T
	Error  *RequestError
}

// OK reports whether the request succeeded.
func (r Result[T]) OK() bool {
	return r.Status == http.StatusOK
}

// LoginResponse is the body of a successful POST /login.
type LoginResponse struct {
	User  protocol.User `json:"user"`
	Token string        `json:"token"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type createConversationRequest struct {
	ToUserEmail string `json:"toUserEmail"`
}

// Client wraps resty with rate limiting and retries. The resty client is
// not modified after New; the bearer token is attached per request.
type Client struct {
	resty   *resty.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	mu    sync.RWMutex
	token string
}

// New creates an API client. Retries are handled by go-retryablehttp under
// resty so a 5xx or a dropped connection on login is retried with backoff.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.MaxRetries
	if cfg.RetryWait > 0 {
		retryClient.RetryWaitMin = cfg.RetryWait
		retryClient.RetryWaitMax = cfg.RetryWait * 10
	}
	retryClient.Logger = nil
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	restyClient := resty.NewWithClient(retryClient.StandardClient())
	restyClient.
		SetBaseURL(cfg.BaseURL).
		SetHeader("User-Agent", "MagiChat-Client/1.0").
		SetHeader("Content-Type", "application/json").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)
	if cfg.Timeout > 0 {
		restyClient.SetTimeout(cfg.Timeout)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}

	return &Client{
		resty:   restyClient,
		limiter: limiter,
		logger:  logger.Named("api"),
	}
}

// SetDefaultAuthorization sets the bearer token sent with every later
// request. An empty token removes the header.
func (c *Client) SetDefaultAuthorization(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Login posts credentials. The returned error is non-nil only when no
// response was received; API-level failures are reported in the Result.
func (c *Client) Login(ctx context.Context, email, password string) (Result[LoginResponse], error) {
	return post[LoginResponse](ctx, c, "/login", loginRequest{Email: email, Password: password})
}

// CreateConversation starts a conversation with the user owning email.
func (c *Client) CreateConversation(ctx context.Context, email string) (Result[protocol.ConversationSummary], error) {
	return post[protocol.ConversationSummary](ctx, c, "/conversations", createConversationRequest{ToUserEmail: email})
}

func post[T any](ctx context.Context, c *Client, path string, body any) (Result[T], error) {
	var res Result[T]

	if err := c.limiter.Wait(ctx); err != nil {
		return res, fmt.Errorf("rate limit error: %w", err)
	}

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	var reqErr RequestError
	req := c.resty.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&res.Data).
		SetError(&reqErr)
	if token != "" {
		req.SetAuthToken(token)
	}

	resp, err := req.Post(path)
	if err != nil {
		return res, fmt.Errorf("POST %s: %w", path, err)
	}

	res.Status = resp.StatusCode()
	if resp.IsError() {
		if reqErr.Message == "" {
			reqErr.Message = http.StatusText(res.Status)
		}
		res.Error = &reqErr
	}

	c.logger.Debug("request finished",
		zap.String("path", path),
		zap.Int("status", res.Status),
		zap.Duration("elapsed", resp.Time()))
	return res, nil
}
