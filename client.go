// Package chatsync keeps a client's view of one chat conversation consistent
// with the server of record.
//
// It merges three asynchronous sources into a single ordered, duplicate-free
// timeline: optimistic local sends, paginated history fetches and a live push
// channel.
//
// Example:
//
//	client := chatsync.NewClient("token", chatsync.WithBaseURL("https://chat.example.com"))
//	engine := chatsync.NewEngine(client, "user-1", nil)
//	engine.Start()
//	defer engine.Stop()
//
//	engine.Open(ctx, chatsync.Channel("general"))
//	engine.Send(ctx, "hello", nil)
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://prismer.cloud"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithToken overrides the bearer token passed to NewClient.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a persistence API client. token may be empty for servers
// that do not require authentication.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured server root.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Response envelope
// ============================================================================

// apiError is the error object of the response envelope.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// result is the {ok, data, error} envelope every endpoint returns.
type result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *apiError       `json:"error,omitempty"`
}

func (r *result) decode(v any) error {
	if len(r.Data) == 0 || v == nil {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) do(ctx context.Context, op, method, path string, body any, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err, timeout: isTimeout(err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Err: err, timeout: isTimeout(err)}
	}
	if transientStatus(resp.StatusCode) {
		return &NetworkError{Op: op, Status: resp.StatusCode, timeout: resp.StatusCode == http.StatusGatewayTimeout}
	}

	var res result
	if err := json.Unmarshal(data, &res); err != nil {
		if resp.StatusCode >= 400 {
			return &RejectedError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(data))}
		}
		return fmt.Errorf("%s: failed to unmarshal response: %w", op, err)
	}
	if !res.OK || resp.StatusCode >= 400 {
		rej := &RejectedError{Status: resp.StatusCode}
		if res.Error != nil {
			rej.Code = res.Error.Code
			rej.Message = res.Error.Message
		} else {
			rej.Message = http.StatusText(resp.StatusCode)
		}
		return rej
	}
	if err := res.decode(out); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// conversationPath maps a conversation to its REST collection root.
func conversationPath(conv ConversationRef) string {
	switch conv.Kind {
	case KindDirect:
		return "/api/im/direct/" + url.PathEscape(conv.ID)
	default:
		return "/api/im/channels/" + url.PathEscape(conv.ID)
	}
}

func messagePath(conv ConversationRef, id string) string {
	return conversationPath(conv) + "/messages/" + url.PathEscape(id)
}

// ============================================================================
// API implementation
// ============================================================================

// CreateMessage persists a new message. The request's ClientID is echoed by
// servers that support explicit confirmation matching.
func (c *Client) CreateMessage(ctx context.Context, conv ConversationRef, req SendRequest) (*Message, error) {
	var m Message
	if err := c.do(ctx, "create message", http.MethodPost, conversationPath(conv)+"/messages", req, nil, &m); err != nil {
		return nil, err
	}
	if m.Conversation.IsZero() {
		m.Conversation = conv
	}
	return &m, nil
}

// ListMessages returns up to opts.Limit messages, newest page first when
// opts.Before is zero, otherwise messages strictly older than opts.Before.
func (c *Client) ListMessages(ctx context.Context, conv ConversationRef, opts ListOptions) ([]Message, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if !opts.Before.IsZero() {
		q.Set("before", opts.Before.UTC().Format(time.RFC3339Nano))
	}
	var msgs []Message
	if err := c.do(ctx, "list messages", http.MethodGet, conversationPath(conv)+"/messages", nil, q, &msgs); err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].Conversation.IsZero() {
			msgs[i].Conversation = conv
		}
	}
	return msgs, nil
}

func (c *Client) EditMessage(ctx context.Context, conv ConversationRef, id, body string) (*Message, error) {
	var m Message
	payload := map[string]string{"content": body}
	if err := c.do(ctx, "edit message", http.MethodPatch, messagePath(conv, id), payload, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) DeleteMessage(ctx context.Context, conv ConversationRef, id string) error {
	return c.do(ctx, "delete message", http.MethodDelete, messagePath(conv, id), nil, nil, nil)
}

func (c *Client) AddReaction(ctx context.Context, conv ConversationRef, id, emoji string) error {
	payload := map[string]string{"emoji": emoji}
	return c.do(ctx, "add reaction", http.MethodPost, messagePath(conv, id)+"/reactions", payload, nil, nil)
}

func (c *Client) RemoveReaction(ctx context.Context, conv ConversationRef, id, emoji string) error {
	path := messagePath(conv, id) + "/reactions/" + url.PathEscape(emoji)
	return c.do(ctx, "remove reaction", http.MethodDelete, path, nil, nil, nil)
}

// MarkRead moves the caller's read position to lastReadMessageID.
func (c *Client) MarkRead(ctx context.Context, conv ConversationRef, lastReadMessageID string) error {
	payload := map[string]string{"lastReadMessageId": lastReadMessageID}
	return c.do(ctx, "mark read", http.MethodPost, conversationPath(conv)+"/read", payload, nil, nil)
}

var _ API = (*Client)(nil)
