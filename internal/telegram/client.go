// Package telegram is a minimal Bot API client covering the calls the
// duel flows need: plain messages, message edits, photos, and stickers.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

const apiBase = "https://api.telegram.org"

type Client struct {
	baseURL string
	http    *fasthttp.Client

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

// WithBaseURL points the client at a different API host. Tests use it
// to talk to a local fake.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL:        apiBase,
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.baseURL = c.baseURL + "/bot" + strings.TrimSpace(token)
	return c
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

type message struct {
	MessageID int64 `json:"message_id"`
}

type sendMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type editMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type sendStickerRequest struct {
	ChatID  int64  `json:"chat_id"`
	Sticker string `json:"sticker"`
}

// SendMessage posts text to a chat and returns the new message id so
// the caller can edit it later.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	var msg message
	req := sendMessageRequest{ChatID: chatID, Text: text}
	if err := c.doJSON(ctx, "/sendMessage", req, &msg, true); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// EditMessageText replaces the text of a previously sent message.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	req := editMessageRequest{ChatID: chatID, MessageID: messageID, Text: text}
	return c.doJSON(ctx, "/editMessageText", req, nil, false)
}

// SendSticker posts a sticker by file id.
func (c *Client) SendSticker(ctx context.Context, chatID int64, stickerID string) error {
	req := sendStickerRequest{ChatID: chatID, Sticker: stickerID}
	return c.doJSON(ctx, "/sendSticker", req, nil, false)
}

// SendPhoto uploads photo bytes with an optional caption.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, photo []byte, caption string) (int64, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return 0, fmt.Errorf("write chat_id field: %w", err)
	}
	if caption != "" {
		if err := w.WriteField("caption", caption); err != nil {
			return 0, fmt.Errorf("write caption field: %w", err)
		}
	}
	part, err := w.CreateFormFile("photo", "photo.jpg")
	if err != nil {
		return 0, fmt.Errorf("create photo part: %w", err)
	}
	if _, err := part.Write(photo); err != nil {
		return 0, fmt.Errorf("write photo part: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("close multipart writer: %w", err)
	}

	var msg message
	if err := c.doRaw(ctx, "/sendPhoto", w.FormDataContentType(), body.Bytes(), &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

func (c *Client) doJSON(ctx context.Context, method string, in any, out any, retry bool) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	attempts := 1
	if retry {
		attempts = c.retryMax
		if attempts <= 0 {
			attempts = 1
		}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.do(ctx, method, "application/json", payload, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !shouldRetryStatus(apiErr.Status) {
			return err
		}
		if attempt == attempts {
			return err
		}
		lastErr = err
		if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) doRaw(ctx context.Context, method, contentType string, body []byte, out any) error {
	return c.do(ctx, method, contentType, body, out)
}

// APIError is a non-2xx or ok=false answer from the Bot API.
type APIError struct {
	Status      int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api error: status=%d description=%s", e.Status, e.Description)
}

func (c *Client) do(ctx context.Context, method, contentType string, body []byte, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(c.baseURL + method)
	req.Header.SetContentType(contentType)
	req.SetBody(body)

	if err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx)); err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	var api apiResponse
	if err := json.Unmarshal(resp.Body(), &api); err != nil {
		return &APIError{Status: resp.StatusCode(), Description: truncate(string(resp.Body()), 512)}
	}
	if !api.OK {
		status := api.ErrorCode
		if status == 0 {
			status = resp.StatusCode()
		}
		return &APIError{Status: status, Description: api.Description}
	}
	if out != nil {
		if err := json.Unmarshal(api.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		clientDL := time.Now().Add(c.defaultTimeout)
		if dl.Before(clientDL) {
			return dl
		}
		return clientDL
	}
	return time.Now().Add(c.defaultTimeout)
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
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base // 100ms, 200ms ...
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
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
