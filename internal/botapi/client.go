// Package botapi is a small client for the chat provider's Bot API: the
// outbound side of tandem (messages, documents, webhook registration).
package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"pkt.systems/tandem/internal/svcfields"
)

const (
	// DefaultBaseURL is the public Bot API endpoint.
	DefaultBaseURL = "https://api.telegram.org"
	// DefaultHTTPTimeout bounds every outbound call.
	DefaultHTTPTimeout = 30 * time.Second
	// DefaultMaxDownload caps Download when no explicit limit is given.
	DefaultMaxDownload int64 = 50 << 20
)

// ErrTooLarge is returned by Download when the body exceeds the limit.
var ErrTooLarge = errors.New("botapi: download exceeds limit")

// Sender is the outbound surface used by dispatchers and the delivery
// coordinator.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) (*Message, error)
	SendDocument(ctx context.Context, chatID int64, ref, caption string) (*Message, error)
	UploadDocument(ctx context.Context, chatID int64, filename string, data []byte, caption string) (*Message, error)
	Download(ctx context.Context, url string, limit int64) ([]byte, error)
}

// Option customises a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (used by tests).
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
			c.baseURL = base
		}
	}
}

// WithHTTPClient supplies the HTTP client. Its transport is used as is.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.http = cli
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPTimeout bounds each request.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Client talks to the Bot API on behalf of one bot token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	timeout time.Duration
	logger  pslog.Logger
}

// New returns a client for token.
func New(token string, opts ...Option) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("botapi: token required")
	}
	c := &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		timeout: DefaultHTTPTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	c.logger = svcfields.WithSubsystem(c.logger, "botapi.client")
	return c, nil
}

var _ Sender = (*Client)(nil)

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (*Message, error) {
	var msg Message
	err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendDocument sends a document the provider can fetch itself: a file id or
// a public URL.
func (c *Client) SendDocument(ctx context.Context, chatID int64, ref, caption string) (*Message, error) {
	payload := map[string]any{
		"chat_id":  chatID,
		"document": ref,
	}
	if caption != "" {
		payload["caption"] = caption
	}
	var msg Message
	if err := c.call(ctx, "sendDocument", payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// UploadDocument sends data as a multipart document upload.
func (c *Client) UploadDocument(ctx context.Context, chatID int64, filename string, data []byte, caption string) (*Message, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return nil, err
	}
	if caption != "" {
		if err := mw.WriteField("caption", caption); err != nil {
			return nil, err
		}
	}
	if filename == "" {
		filename = "result"
	}
	part, err := mw.CreateFormFile("document", filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	var msg Message
	if err := c.do(ctx, "sendDocument", mw.FormDataContentType(), &body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Download fetches url, failing with ErrTooLarge past limit bytes.
func (c *Client) Download(ctx context.Context, url string, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxDownload
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("botapi: download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("botapi: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("botapi: download: status %d", resp.StatusCode)
	}
	if resp.ContentLength > limit {
		return nil, ErrTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("botapi: download read: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}

// SetWebhook registers cfg.URL as the update destination.
func (c *Client) SetWebhook(ctx context.Context, cfg WebhookConfig) error {
	if strings.TrimSpace(cfg.URL) == "" {
		return fmt.Errorf("botapi: webhook url required")
	}
	return c.call(ctx, "setWebhook", cfg, nil)
}

// DeleteWebhook removes the webhook registration.
func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	return c.call(ctx, "deleteWebhook", map[string]any{"drop_pending_updates": dropPending}, nil)
}

func (c *Client) GetWebhookInfo(ctx context.Context) (WebhookInfo, error) {
	var info WebhookInfo
	err := c.call(ctx, "getWebhookInfo", map[string]any{}, &info)
	return info, err
}

func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("botapi: encode %s: %w", method, err)
	}
	return c.do(ctx, method, "application/json", bytes.NewReader(raw), out)
}

func (c *Client) do(ctx context.Context, method, contentType string, body io.Reader, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bot"+c.token+"/"+method, body)
	if err != nil {
		return fmt.Errorf("botapi: build %s: %w", method, err)
	}
	req.Header.Set("Content-Type", contentType)
	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("botapi.call.error", "method", method, "error", redact(err, c.token))
		return fmt.Errorf("botapi: %s: %w", method, redact(err, c.token))
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&env); err != nil {
		return &APIError{Method: method, Status: resp.StatusCode, Description: "undecodable response"}
	}
	c.logger.Trace("botapi.call", "method", method, "status", resp.StatusCode, "ok", env.OK, "elapsed", time.Since(started))
	if !env.OK {
		apiErr := &APIError{
			Method:      method,
			Status:      resp.StatusCode,
			Code:        env.ErrorCode,
			Description: env.Description,
		}
		if env.Parameters != nil && env.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
		} else if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return apiErr
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("botapi: decode %s result: %w", method, err)
	}
	return nil
}

// redact strips the bot token from transport errors, which embed the URL.
func redact(err error, token string) error {
	if err == nil || token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "<redacted>"))
}
