// Package chatsync keeps a live, ordered view of a user's chat conversations
// and messages for the booking platform.
//
// A Session combines three sources that all touch the same state: the chat
// hub's push events, commands the user issues (applied optimistically before
// the server answers), and REST snapshots.
//
// Example:
//
//	client := chatsync.NewClient(chatsync.StaticToken(token), chatsync.WithBaseURL(apiURL))
//	session := chatsync.NewSession(client, chatsync.NewWSChannel(hubURL, nil))
//	defer session.Close()
//
//	_ = session.Initialize(ctx, userID)
//	_ = session.LoadConversations(ctx)
//	_, _ = session.Send(ctx, conversationID, "Is the apartment free on Friday?")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Defaults
// ============================================================================

const (
	DefaultBaseURL     = "http://localhost:5000/api"
	DefaultTimeout     = 30 * time.Second
	DefaultHistoryTake = 50
)

// TokenProvider returns the current bearer token. It is called for every
// request and every connect attempt, so it may refresh tokens as it sees fit.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a TokenProvider that always yields token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat REST endpoints.
type Client struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client
	logger     *zap.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a REST client. tokens may be nil for anonymous access.
func NewClient(tokens TokenProvider, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		token, err := c.tokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug("rest request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}
	if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	if apiErr.Code == "" {
		apiErr.Code = "HTTP_" + strconv.Itoa(status)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func isStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// ============================================================================
// Chat endpoints
// ============================================================================

// ListConversations fetches the user's conversations with their unread
// counters.
func (c *Client) ListConversations(ctx context.Context) (*Listing[Conversation], error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Listing[Conversation]](data)
}

// GetMessages fetches up to take recent messages of a conversation.
func (c *Client) GetMessages(ctx context.Context, conversationID int64, take int) (*Listing[Message], error) {
	var query map[string]string
	if take > 0 {
		query = map[string]string{"take": strconv.Itoa(take)}
	}
	path := "/messages/" + strconv.FormatInt(conversationID, 10)
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, query)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, &NotFoundError{Resource: "conversation", ID: conversationID, Err: err}
		}
		return nil, err
	}
	return decodeJSON[Listing[Message]](data)
}

type sendToHostRequest struct {
	EntityID int64  `json:"entityId"`
	Content  string `json:"content"`
}

type sendToHostResponse struct {
	ConversationID int64 `json:"conversationId"`
}

// SendToHost starts (or continues) the conversation with the host of a
// listing and returns its id.
func (c *Client) SendToHost(ctx context.Context, entityID int64, content string) (int64, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/messages/send-to-host", sendToHostRequest{
		EntityID: entityID,
		Content:  content,
	}, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return 0, &NotFoundError{Resource: "host of listing", ID: entityID, Err: err}
		}
		return 0, err
	}
	resp, err := decodeJSON[sendToHostResponse](data)
	if err != nil {
		return 0, err
	}
	if resp.ConversationID <= 0 {
		return 0, &NotFoundError{Resource: "host of listing", ID: entityID}
	}
	return resp.ConversationID, nil
}
