// ABOUTME: REST client for the shop's chat API
// ABOUTME: Bearer auth on every call; HTTP failures mapped onto the chat error taxonomy

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/2389/support-chat/internal/auth"
	"github.com/2389/support-chat/internal/chat"
	"github.com/2389/support-chat/internal/metrics"
)

const basePath = "/api/chat"

// Options configures a Client. Tokens and BaseURL are required.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	Tokens     auth.TokenSource
	HTTPClient *http.Client     // optional, overrides Timeout
	Logger     *slog.Logger     // optional
	Metrics    *metrics.Metrics // optional
}

// Client talks to the chat REST endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  auth.TokenSource
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a client from opts.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		http:    httpClient,
		tokens:  opts.Tokens,
		logger:  logger.With("component", "api"),
		metrics: opts.Metrics,
	}
}

// Pagination is the paging block of a message page response.
type Pagination struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasMore bool `json:"hasMore"`
}

// MessagePage is one page of a conversation's history, oldest first.
type MessagePage struct {
	Messages   []chat.Message `json:"messages"`
	Pagination Pagination     `json:"pagination"`
}

// SendRequest is a message to post. When Attachment is set the request is sent as
// multipart/form-data with the file under "file".
type SendRequest struct {
	ConversationID string // empty for a customer's first message
	Body           string
	Attachment     io.Reader
	Filename       string
}

// SendResult is the server's answer to a send: the conversation the message
// landed in (created on a customer's first message) and the stored message.
type SendResult struct {
	ConversationID string       `json:"conversationId"`
	Message        chat.Message `json:"message"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// GetCustomerConversation returns the calling customer's conversation, or nil if
// they have never written.
func (c *Client) GetCustomerConversation(ctx context.Context) (*chat.Conversation, error) {
	var resp struct {
		Conversation *chat.Conversation `json:"conversation"`
	}
	if err := c.do(ctx, "get conversation", http.MethodGet, basePath+"/conversation", nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Conversation, nil
}

// ListConversations returns every conversation visible to an admin.
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	var resp struct {
		Conversations []chat.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, "list conversations", http.MethodGet, basePath+"/conversations", nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// GetMessages fetches one page of a conversation's messages.
func (c *Client) GetMessages(ctx context.Context, conversationID string, page, limit int) (*MessagePage, error) {
	const op = "get messages"
	if conversationID == "" {
		return nil, chat.Validation(op, "conversation id is required")
	}
	if page < 1 {
		page = 1
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := basePath + "/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()

	var resp MessagePage
	if err := c.do(ctx, op, http.MethodGet, path, nil, "", &resp); err != nil {
		return nil, err
	}
	for i := range resp.Messages {
		if resp.Messages[i].ConversationID == "" {
			resp.Messages[i].ConversationID = conversationID
		}
	}
	if resp.Pagination.Page == 0 {
		resp.Pagination.Page = page
	}
	return &resp, nil
}

// SendMessage posts a message. A customer's first message omits the
// conversation id and the server creates the conversation.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	const op = "send message"
	if strings.TrimSpace(req.Body) == "" && req.Attachment == nil {
		return nil, chat.Validation(op, "message needs a body or an attachment")
	}

	var (
		body        io.Reader
		contentType string
	)
	if req.Attachment != nil {
		buf, ct, err := multipartBody(req)
		if err != nil {
			return nil, chat.Validation(op, err.Error())
		}
		body, contentType = buf, ct
	} else {
		payload := struct {
			ConversationID string `json:"conversationId,omitempty"`
			Body           string `json:"body"`
		}{req.ConversationID, req.Body}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		body, contentType = bytes.NewReader(data), "application/json"
	}

	var resp SendResult
	if err := c.do(ctx, op, http.MethodPost, basePath+"/messages", body, contentType, &resp); err != nil {
		return nil, err
	}
	if resp.ConversationID == "" {
		resp.ConversationID = resp.Message.ConversationID
	}
	if resp.Message.ConversationID == "" {
		resp.Message.ConversationID = resp.ConversationID
	}
	if resp.Message.ID == "" || resp.ConversationID == "" {
		return nil, chat.Transport(op, errors.New("response is missing message or conversation id"))
	}
	return &resp, nil
}

func multipartBody(req SendRequest) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	if req.ConversationID != "" {
		if err := w.WriteField("conversationId", req.ConversationID); err != nil {
			return nil, "", err
		}
	}
	if req.Body != "" {
		if err := w.WriteField("body", req.Body); err != nil {
			return nil, "", err
		}
	}

	filename := req.Filename
	if filename == "" {
		filename = "attachment"
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, req.Attachment); err != nil {
		return nil, "", fmt.Errorf("reading attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

// MarkRead acknowledges every message in the conversation as read by the caller.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	const op = "mark read"
	if conversationID == "" {
		return chat.Validation(op, "conversation id is required")
	}
	return c.do(ctx, op, http.MethodPut, basePath+"/conversations/"+url.PathEscape(conversationID)+"/read", nil, "", nil)
}

// DeleteMessage hard-deletes a message on the server.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	const op = "delete message"
	if messageID == "" {
		return chat.Validation(op, "message id is required")
	}
	return c.do(ctx, op, http.MethodDelete, basePath+"/messages/"+url.PathEscape(messageID), nil, "", nil)
}

// do performs an authenticated request and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string, out any) (err error) {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.ObserveAPI(op, start, err)
		}
	}()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return chat.Transport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := c.errorFromResponse(op, resp)
		c.logger.Debug("api call failed", "op", op, "status", resp.StatusCode, "error", apiErr)
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return chat.Transport(op, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// errorFromResponse classifies a non-2xx response and extracts the server's message.
func (c *Client) errorFromResponse(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	message := ""
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil {
		message = eb.Error
		if message == "" {
			message = eb.Message
		}
	}
	if message == "" {
		message = strings.TrimSpace(string(data))
	}

	e := &chat.Error{Op: op, Status: resp.StatusCode, Message: message}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Kind = chat.ErrAuth
		c.tokens.Invalidate()
	case resp.StatusCode == http.StatusNotFound:
		e.Kind = chat.ErrNotFound
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusUnprocessableEntity:
		e.Kind = chat.ErrValidation
	default:
		e.Kind = chat.ErrTransport
	}
	return e
}
