// Package client talks to the study assistant HTTP API.
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

	"gwi.com/study-assistant/internal/catalog"
	"gwi.com/study-assistant/internal/store"
)

const (
	DefaultTimeout  = 60 * time.Second
	maxResponseSize = 4 * 1024 * 1024

	// NoResponse is the reply text when the server answered without one.
	NoResponse = "No response received"
)

// ErrMalformedResponse marks a 2xx response whose body lacks the fields the
// endpoint promises.
var ErrMalformedResponse = errors.New("malformed response")

// Response is the outcome of one call. Success is false for transport
// failures and non-2xx statuses; Error then says why.
type Response struct {
	Success bool
	Status  int
	Data    json.RawMessage
	Error   string
}

// Err turns an unsuccessful Response into an error.
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	if r.Status != 0 {
		return fmt.Errorf("request failed with status %d: %s", r.Status, r.Error)
	}
	return fmt.Errorf("request failed: %s", r.Error)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends body as JSON to endpoint (relative to the base URL) and never
// returns a Go error: every failure is folded into the Response.
func (c *Client) Call(ctx context.Context, method, endpoint string, body any) Response {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Response{Error: fmt.Sprintf("failed to encode request: %v", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+strings.TrimLeft(endpoint, "/"), reader)
	if err != nil {
		return Response{Error: fmt.Sprintf("failed to build request: %v", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{Error: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return Response{Status: resp.StatusCode, Error: fmt.Sprintf("failed to read response: %v", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{Status: resp.StatusCode, Error: errorText(data, resp.Status)}
	}
	return Response{Success: true, Status: resp.StatusCode, Data: data}
}

// errorText prefers the {"error": ...} or {"detail": ...} field of a JSON
// error body and falls back to the raw text.
func errorText(body []byte, status string) string {
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Detail != "" {
			return payload.Detail
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return status
}

func decode[T any](r Response) (T, error) {
	var out T
	if err := r.Err(); err != nil {
		return out, err
	}
	if err := json.Unmarshal(r.Data, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return out, nil
}

type MessageRequest struct {
	Message string
	ChatID  string
	Subject string
	Unit    string
}

type MessageReply struct {
	Text      string
	ChatID    string
	MessageID string
}

// SendMessage posts one user message. A success body carrying neither
// "response" nor "message" yields NoResponse as the text.
func (c *Client) SendMessage(ctx context.Context, in MessageRequest) (MessageReply, error) {
	body := map[string]any{
		"message":   in.Message,
		"timestamp": c.now().UTC().Format(time.RFC3339),
	}
	if in.ChatID != "" {
		body["chat_id"] = in.ChatID
	}
	if in.Subject != "" {
		body["subject"] = in.Subject
	}
	if in.Unit != "" {
		body["unit"] = in.Unit
	}

	out, err := decode[struct {
		Response  *string `json:"response"`
		Message   *string `json:"message"`
		ChatID    string  `json:"chat_id"`
		MessageID string  `json:"message_id"`
	}](c.Call(ctx, http.MethodPost, "/chat/message", body))
	if err != nil {
		return MessageReply{}, err
	}

	reply := MessageReply{Text: NoResponse, ChatID: out.ChatID, MessageID: out.MessageID}
	switch {
	case out.Response != nil && *out.Response != "":
		reply.Text = *out.Response
	case out.Message != nil && *out.Message != "":
		reply.Text = *out.Message
	}
	return reply, nil
}

func (c *Client) ChatHistory(ctx context.Context, chatID string) ([]store.Message, error) {
	out, err := decode[struct {
		Messages *[]store.Message `json:"messages"`
	}](c.Call(ctx, http.MethodGet, "/chat/"+url.PathEscape(chatID)+"/history", nil))
	if err != nil {
		return nil, err
	}
	if out.Messages == nil {
		return nil, fmt.Errorf("%w: missing messages", ErrMalformedResponse)
	}
	return *out.Messages, nil
}

// CreateChat returns the created chat; a response without an id is rejected.
func (c *Client) CreateChat(ctx context.Context, title, subject, unit string) (store.Chat, error) {
	body := map[string]any{
		"title":      title,
		"subject":    subject,
		"unit":       unit,
		"created_at": c.now().UTC().Format(time.RFC3339),
	}
	chat, err := decode[store.Chat](c.Call(ctx, http.MethodPost, "/chat", body))
	if err != nil {
		return store.Chat{}, err
	}
	if chat.ID == "" {
		return store.Chat{}, fmt.Errorf("%w: missing chat id", ErrMalformedResponse)
	}
	return chat, nil
}

func (c *Client) ListChats(ctx context.Context, subject string) ([]store.Chat, error) {
	endpoint := "/chats"
	if subject != "" {
		endpoint += "?subject=" + url.QueryEscape(subject)
	}
	out, err := decode[struct {
		Chats *[]store.Chat `json:"chats"`
	}](c.Call(ctx, http.MethodGet, endpoint, nil))
	if err != nil {
		return nil, err
	}
	if out.Chats == nil {
		return nil, fmt.Errorf("%w: missing chats", ErrMalformedResponse)
	}
	return *out.Chats, nil
}

func (c *Client) StudyMaterials(ctx context.Context, subject, unit string) ([]store.Material, error) {
	endpoint := "/study-materials/" + url.PathEscape(subject)
	if unit != "" {
		endpoint += "?unit=" + url.QueryEscape(unit)
	}
	out, err := decode[struct {
		Materials *[]store.Material `json:"materials"`
	}](c.Call(ctx, http.MethodGet, endpoint, nil))
	if err != nil {
		return nil, err
	}
	if out.Materials == nil {
		return nil, fmt.Errorf("%w: missing materials", ErrMalformedResponse)
	}
	return *out.Materials, nil
}

// Subjects fetches the server's catalog.
func (c *Client) Subjects(ctx context.Context) (*catalog.Catalog, error) {
	out, err := decode[struct {
		Subjects []catalog.Subject `json:"subjects"`
	}](c.Call(ctx, http.MethodGet, "/subjects", nil))
	if err != nil {
		return nil, err
	}
	cat, err := catalog.New(out.Subjects)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return cat, nil
}
