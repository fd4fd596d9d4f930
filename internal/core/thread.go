package core

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gwi.com/study-assistant/internal/store"
)

const ThreadGreeting = "Hello! I'm your AI assistant. How can I help you today?"

type ThreadOptions struct {
	Subject string
	Unit    string
	Now     func() time.Time
	NewID   func() string
}

// Thread backs the single-chat view: one linear message list and at most one
// exchange in flight.
type Thread struct {
	id       string
	subject  string
	unit     string
	resolver Resolver
	now      func() time.Time
	newID    func() string

	mu       sync.Mutex
	messages []store.Message
	pending  bool
	inflight sync.WaitGroup
}

func NewThread(resolver Resolver, opts ThreadOptions) *Thread {
	t := &Thread{
		subject:  opts.Subject,
		unit:     opts.Unit,
		resolver: resolver,
		now:      opts.Now,
		newID:    opts.NewID,
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.newID == nil {
		t.newID = uuid.NewString
	}
	t.id = t.newID()
	t.messages = []store.Message{t.message(store.SenderAI, ThreadGreeting)}
	return t
}

func (t *Thread) ID() string { return t.id }

// Send follows the same rules as Workspace.SendUserMessage.
func (t *Thread) Send(ctx context.Context, text string) (<-chan struct{}, bool) {
	if strings.TrimSpace(text) == "" {
		return nil, false
	}

	t.mu.Lock()
	if t.pending {
		t.mu.Unlock()
		return nil, false
	}
	t.messages = append(t.messages, t.message(store.SenderUser, text))
	t.pending = true
	t.inflight.Add(1)
	t.mu.Unlock()

	req := ReplyRequest{Message: text, ChatID: t.id, Subject: t.subject, Unit: t.unit}
	done := make(chan struct{})
	go func() {
		defer t.inflight.Done()
		defer close(done)
		reply := resolveReply(ctx, t.resolver, req)

		t.mu.Lock()
		t.messages = append(t.messages, t.message(store.SenderAI, reply))
		t.pending = false
		t.mu.Unlock()
	}()
	return done, true
}

func (t *Thread) Messages() []store.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]store.Message(nil), t.messages...)
}

func (t *Thread) IsPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

func (t *Thread) Wait() {
	t.inflight.Wait()
}

func (t *Thread) message(sender store.Sender, content string) store.Message {
	return store.Message{
		ID:        t.newID(),
		ChatID:    t.id,
		Sender:    sender,
		Content:   content,
		Timestamp: t.now(),
	}
}
