package client

import (
	"context"
	"sync"

	"gwi.com/study-assistant/internal/core"
)

// RemoteResolver answers through the API. Local chat ids are mapped to the
// server chats opened by their first message, so each local chat keeps its
// own server-side history.
type RemoteResolver struct {
	client *Client

	mu     sync.Mutex
	remote map[string]string // local chat id -> server chat id
}

func NewRemoteResolver(c *Client) *RemoteResolver {
	return &RemoteResolver{client: c, remote: make(map[string]string)}
}

func (r *RemoteResolver) Resolve(ctx context.Context, req core.ReplyRequest) (string, error) {
	r.mu.Lock()
	remoteID := r.remote[req.ChatID]
	r.mu.Unlock()

	reply, err := r.client.SendMessage(ctx, MessageRequest{
		Message: req.Message,
		ChatID:  remoteID,
		Subject: req.Subject,
		Unit:    req.Unit,
	})
	if err != nil {
		return "", err
	}

	if remoteID == "" && reply.ChatID != "" && req.ChatID != "" {
		r.mu.Lock()
		r.remote[req.ChatID] = reply.ChatID
		r.mu.Unlock()
	}
	return reply.Text, nil
}

var _ core.Resolver = (*RemoteResolver)(nil)
