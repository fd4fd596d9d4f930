package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gwi.com/study-assistant/internal/catalog"
	"gwi.com/study-assistant/internal/store"
)

type WorkspaceOptions struct {
	// Subject is visited first; defaults to the catalog's first subject.
	Subject string
	Now     func() time.Time
	NewID   func() string
}

// Workspace is the state behind the multi-chat view: every chat of the
// session, the current chat, the selected subject and unit, and the draft
// being composed. Each view owns its own Workspace.
//
// Mutations are serialized by one mutex. Replies are resolved on their own
// goroutine and applied by chat id once they settle, so a chat that changed
// or disappeared in the meantime is looked up afresh.
type Workspace struct {
	catalog  *catalog.Catalog
	resolver Resolver
	now      func() time.Time
	newID    func() string

	mu              sync.Mutex
	chats           []*store.Chat // newest first
	currentChatID   string
	selectedSubject string
	selectedUnit    string
	draft           string
	pending         map[string]bool // chat id -> exchange in flight
	inflight        sync.WaitGroup
}

func NewWorkspace(cat *catalog.Catalog, resolver Resolver, opts WorkspaceOptions) *Workspace {
	w := &Workspace{
		catalog:  cat,
		resolver: resolver,
		now:      opts.Now,
		newID:    opts.NewID,
		pending:  make(map[string]bool),
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.newID == nil {
		w.newID = uuid.NewString
	}

	subject := opts.Subject
	if _, ok := cat.Subject(subject); !ok {
		subject = cat.First().ID
	}
	w.ChangeSubject(subject)
	return w
}

// CreateChat starts a chat seeded with a greeting and makes it current.
// Empty subject or unit fall back to the selected context.
func (w *Workspace) CreateChat(subject, unit, titleHint string) store.Chat {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.createChatLocked(subject, unit, titleHint).Clone()
}

func (w *Workspace) createChatLocked(subject, unit, titleHint string) *store.Chat {
	if subject == "" {
		subject = w.selectedSubject
	}
	if unit == "" {
		if subject == w.selectedSubject {
			unit = w.selectedUnit
		} else if first, ok := w.catalog.FirstUnit(subject); ok {
			unit = first
		}
	}
	title := titleHint
	if title == "" {
		title = fmt.Sprintf("New Chat %d", len(w.chats)+1)
	}

	now := w.now()
	chat := &store.Chat{
		ID:        w.newID(),
		Title:     title,
		Subject:   subject,
		Unit:      unit,
		CreatedAt: now,
		UpdatedAt: now,
	}
	chat.Messages = []store.Message{{
		ID:        w.newID(),
		ChatID:    chat.ID,
		Sender:    store.SenderAI,
		Content:   SeedGreeting(w.catalog.DisplayName(subject), unit),
		Timestamp: now,
	}}

	w.chats = append([]*store.Chat{chat}, w.chats...)
	w.currentChatID = chat.ID
	return chat
}

// SeedGreeting is the first message of every new chat.
func SeedGreeting(subjectName, unit string) string {
	if unit == "" {
		return fmt.Sprintf("Hello! I'm your %s study assistant. How can I help you today?", subjectName)
	}
	return fmt.Sprintf("Hello! I'm your %s study assistant. We're working on %s. How can I help you today?", subjectName, unit)
}

// SendUserMessage appends text as a user message to the chat and asks the
// resolver for a reply. Blank text, an unknown chat, or an exchange already
// in flight for that chat reject the call. The returned channel is closed
// once the reply (or the fallback message) has been applied.
func (w *Workspace) SendUserMessage(ctx context.Context, chatID, text string) (<-chan struct{}, bool) {
	if strings.TrimSpace(text) == "" {
		return nil, false
	}

	w.mu.Lock()
	chat := w.findLocked(chatID)
	if chat == nil || w.pending[chatID] {
		w.mu.Unlock()
		return nil, false
	}
	now := w.now()
	chat.Messages = append(chat.Messages, store.Message{
		ID:        w.newID(),
		ChatID:    chat.ID,
		Sender:    store.SenderUser,
		Content:   text,
		Timestamp: now,
	})
	chat.UpdatedAt = now
	w.draft = ""
	w.pending[chatID] = true
	req := ReplyRequest{Message: text, ChatID: chat.ID, Subject: chat.Subject, Unit: chat.Unit}
	w.inflight.Add(1)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer w.inflight.Done()
		defer close(done)
		reply := resolveReply(ctx, w.resolver, req)
		w.settle(req.ChatID, reply)
	}()
	return done, true
}

// SendDraft sends the composition buffer to the current chat.
func (w *Workspace) SendDraft(ctx context.Context) (<-chan struct{}, bool) {
	w.mu.Lock()
	chatID, text := w.currentChatID, w.draft
	w.mu.Unlock()
	return w.SendUserMessage(ctx, chatID, text)
}

func (w *Workspace) settle(chatID, reply string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.pending, chatID)
	chat := w.findLocked(chatID)
	if chat == nil {
		log.Printf("Discarding reply for chat %s: chat was deleted while waiting", chatID)
		return
	}
	now := w.now()
	chat.Messages = append(chat.Messages, store.Message{
		ID:        w.newID(),
		ChatID:    chat.ID,
		Sender:    store.SenderAI,
		Content:   reply,
		Timestamp: now,
	})
	chat.UpdatedAt = now
}

// DeleteChat removes a chat unless it is the last one of its subject.
func (w *Workspace) DeleteChat(chatID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	idx := w.indexLocked(chatID)
	if idx < 0 {
		return false
	}
	subject := w.chats[idx].Subject
	if w.countSubjectLocked(subject) <= 1 {
		return false
	}

	w.chats = append(w.chats[:idx], w.chats[idx+1:]...)
	if w.currentChatID == chatID {
		w.currentChatID = ""
		if next := w.newestForSubjectLocked(subject); next != nil {
			w.currentChatID = next.ID
		}
	}
	return true
}

// EditChatTitle replaces the title; an empty title is allowed.
func (w *Workspace) EditChatTitle(chatID, title string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	chat := w.findLocked(chatID)
	if chat == nil {
		return false
	}
	chat.Title = title
	chat.UpdatedAt = w.now()
	return true
}

func (w *Workspace) SelectChat(chatID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.findLocked(chatID) == nil {
		return false
	}
	w.currentChatID = chatID
	return true
}

// ChangeSubject selects a catalog subject and its first unit, then either
// reopens the subject's newest chat or creates its first one.
func (w *Workspace) ChangeSubject(subjectID string) bool {
	subject, ok := w.catalog.Subject(subjectID)
	if !ok {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.selectedSubject = subject.ID
	w.selectedUnit = subject.Units[0]
	if existing := w.newestForSubjectLocked(subject.ID); existing != nil {
		w.currentChatID = existing.ID
		return true
	}
	w.createChatLocked(subject.ID, w.selectedUnit, "")
	return true
}

// ChangeUnit only scopes chats created afterwards.
func (w *Workspace) ChangeUnit(unit string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.catalog.HasUnit(w.selectedSubject, unit) {
		return false
	}
	w.selectedUnit = unit
	return true
}

func (w *Workspace) SetDraft(text string) {
	w.mu.Lock()
	w.draft = text
	w.mu.Unlock()
}

func (w *Workspace) Draft() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draft
}

// Chats returns copies of every chat, newest first.
func (w *Workspace) Chats() []store.Chat {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]store.Chat, 0, len(w.chats))
	for _, c := range w.chats {
		out = append(out, c.Clone())
	}
	return out
}

// SubjectChats returns the chats of the selected subject, newest first.
func (w *Workspace) SubjectChats() []store.Chat {
	return w.SearchChats("")
}

// SearchChats filters the selected subject's chats by a case-insensitive
// match on the title or the last message.
func (w *Workspace) SearchChats(query string) []store.Chat {
	w.mu.Lock()
	defer w.mu.Unlock()

	q := strings.ToLower(strings.TrimSpace(query))
	out := []store.Chat{}
	for _, c := range w.chats {
		if c.Subject != w.selectedSubject {
			continue
		}
		if q != "" && !chatMatches(c, q) {
			continue
		}
		out = append(out, c.Clone())
	}
	return out
}

func chatMatches(c *store.Chat, q string) bool {
	if strings.Contains(strings.ToLower(c.Title), q) {
		return true
	}
	last := c.LastMessage()
	return last != nil && strings.Contains(strings.ToLower(last.Content), q)
}

func (w *Workspace) Chat(chatID string) (store.Chat, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	chat := w.findLocked(chatID)
	if chat == nil {
		return store.Chat{}, false
	}
	return chat.Clone(), true
}

func (w *Workspace) CurrentChat() (store.Chat, bool) {
	w.mu.Lock()
	id := w.currentChatID
	w.mu.Unlock()
	return w.Chat(id)
}

func (w *Workspace) CurrentChatID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentChatID
}

func (w *Workspace) SelectedSubject() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.selectedSubject
}

func (w *Workspace) SelectedUnit() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.selectedUnit
}

func (w *Workspace) IsPending(chatID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending[chatID]
}

// Wait blocks until every exchange started so far has settled.
func (w *Workspace) Wait() {
	w.inflight.Wait()
}

func (w *Workspace) findLocked(chatID string) *store.Chat {
	if i := w.indexLocked(chatID); i >= 0 {
		return w.chats[i]
	}
	return nil
}

func (w *Workspace) indexLocked(chatID string) int {
	if chatID == "" {
		return -1
	}
	for i, c := range w.chats {
		if c.ID == chatID {
			return i
		}
	}
	return -1
}

func (w *Workspace) countSubjectLocked(subject string) int {
	n := 0
	for _, c := range w.chats {
		if c.Subject == subject {
			n++
		}
	}
	return n
}

// newestForSubjectLocked relies on w.chats being kept newest first.
func (w *Workspace) newestForSubjectLocked(subject string) *store.Chat {
	for _, c := range w.chats {
		if c.Subject == subject {
			return c
		}
	}
	return nil
}

// resolveReply runs one exchange and turns any failure, panics included, into
// the fallback reply so the caller always has something to append.
func resolveReply(ctx context.Context, resolver Resolver, req ReplyRequest) (reply string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Resolver panicked for chat %s: %v", req.ChatID, r)
			reply = FallbackReply
		}
	}()

	reply, err := resolver.Resolve(ctx, req)
	if err != nil {
		log.Printf("Error generating reply for chat %s: %v", req.ChatID, err)
		return FallbackReply
	}
	return reply
}
