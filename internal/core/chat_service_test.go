package core

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gwi.com/study-assistant/internal/catalog"
	"gwi.com/study-assistant/internal/store"
)

func newTestService(t *testing.T, r Resolver) (*ChatService, *store.SQLiteStore, int64) {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	user, err := db.GetOrCreateUser("user_test")
	require.NoError(t, err)
	return NewChatService(db, catalog.Default(), r), db, user.ID
}

type memoryCache struct {
	mu     sync.Mutex
	data   map[string][]store.Material
	gets   int
	getErr error
}

func (c *memoryCache) GetMaterials(ctx context.Context, subject, unit string) ([]store.Material, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	m, ok := c.data[subject+"/"+unit]
	return m, ok, nil
}

func (c *memoryCache) SetMaterials(ctx context.Context, subject, unit string, materials []store.Material) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = map[string][]store.Material{}
	}
	c.data[subject+"/"+unit] = materials
	return nil
}

type titleFunc func(ctx context.Context, summary string) (string, error)

func (f titleFunc) GenerateTitleForChat(ctx context.Context, summary string) (string, error) {
	return f(ctx, summary)
}

func TestChatServiceCreateChat(t *testing.T) {
	svc, db, userID := newTestService(t, instantCanned(t))

	chat, err := svc.CreateChat(userID, "", "physics", "")
	require.NoError(t, err)
	assert.Equal(t, "New Chat 1", chat.Title)
	assert.Equal(t, "Mechanics", chat.Unit)
	require.Len(t, chat.Messages, 1)
	assert.Equal(t, store.SenderAI, chat.Messages[0].Sender)
	assert.Contains(t, chat.Messages[0].Content, "Physics")

	stored, err := db.GetMessagesByChatID(chat.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	second, err := svc.CreateChat(userID, "Optics revision", "physics", "Optics")
	require.NoError(t, err)
	assert.Equal(t, "Optics revision", second.Title)

	_, err = svc.CreateChat(userID, "", "astrology", "")
	assert.ErrorIs(t, err, ErrUnknownSubject)
	_, err = svc.CreateChat(userID, "", "physics", "Algebra")
	assert.ErrorIs(t, err, ErrUnknownUnit)
}

func TestChatServicePostMessage(t *testing.T) {
	svc, _, userID := newTestService(t, instantCanned(t))
	chat, err := svc.CreateChat(userID, "", "mathematics", "Calculus")
	require.NoError(t, err)

	res, err := svc.PostMessage(context.Background(), userID, MessageInput{Message: "hello", ChatID: chat.ID})
	require.NoError(t, err)
	assert.Equal(t, chat.ID, res.Chat.ID)
	assert.Equal(t, store.SenderAI, res.Reply.Sender)
	assert.Contains(t, res.Reply.Content, "Mathematics, unit Calculus")

	_, history, err := svc.GetChatHistory(chat.ID, userID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []store.Sender{store.SenderAI, store.SenderUser, store.SenderAI},
		[]store.Sender{history[0].Sender, history[1].Sender, history[2].Sender})

	_, err = svc.PostMessage(context.Background(), userID, MessageInput{Message: "  ", ChatID: chat.ID})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = svc.PostMessage(context.Background(), userID, MessageInput{Message: "hi", ChatID: "missing"})
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestChatServicePostMessageFallback(t *testing.T) {
	svc, _, userID := newTestService(t, ResolverFunc(func(ctx context.Context, req ReplyRequest) (string, error) {
		return "", errors.New("model overloaded")
	}))
	chat, err := svc.CreateChat(userID, "", "biology", "")
	require.NoError(t, err)

	res, err := svc.PostMessage(context.Background(), userID, MessageInput{Message: "what is DNA", ChatID: chat.ID})
	require.NoError(t, err)
	assert.Equal(t, FallbackReply, res.Reply.Content)
}

func TestChatServicePostMessageOpensChat(t *testing.T) {
	titled := make(chan string, 1)
	svc, db, userID := newTestService(t, instantCanned(t))
	svc.WithTitles(titleFunc(func(ctx context.Context, summary string) (string, error) {
		titled <- summary
		return "\"Cell Membranes\"", nil
	}))

	res, err := svc.PostMessage(context.Background(), userID, MessageInput{Message: "what is a membrane", Subject: "biology"})
	require.NoError(t, err)
	assert.Equal(t, "biology", res.Chat.Subject)
	assert.Equal(t, "Cell Biology", res.Chat.Unit)

	select {
	case summary := <-titled:
		assert.Equal(t, "what is a membrane", summary)
	case <-time.After(5 * time.Second):
		t.Fatal("title was not generated")
	}
	require.Eventually(t, func() bool {
		chat, err := db.GetChatByID(res.Chat.ID, userID)
		return err == nil && chat != nil && chat.Title == "Cell Membranes"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestChatServiceDeleteGuard(t *testing.T) {
	svc, _, userID := newTestService(t, instantCanned(t))
	maths, err := svc.CreateChat(userID, "", "mathematics", "")
	require.NoError(t, err)
	physicsA, err := svc.CreateChat(userID, "", "physics", "")
	require.NoError(t, err)
	physicsB, err := svc.CreateChat(userID, "", "physics", "")
	require.NoError(t, err)

	assert.ErrorIs(t, svc.DeleteChat(maths.ID, userID), ErrLastChatInSubject)
	require.NoError(t, svc.DeleteChat(physicsA.ID, userID))
	assert.ErrorIs(t, svc.DeleteChat(physicsB.ID, userID), ErrLastChatInSubject)
	assert.ErrorIs(t, svc.DeleteChat("missing", userID), ErrChatNotFound)

	chats, err := svc.ListChats(userID, "physics")
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, physicsB.ID, chats[0].ID)

	_, err = svc.ListChats(userID, "astrology")
	assert.ErrorIs(t, err, ErrUnknownSubject)
}

func TestChatServiceRename(t *testing.T) {
	svc, _, userID := newTestService(t, instantCanned(t))
	chat, err := svc.CreateChat(userID, "", "chemistry", "")
	require.NoError(t, err)

	renamed, err := svc.RenameChat(chat.ID, userID, "Bonding notes")
	require.NoError(t, err)
	assert.Equal(t, "Bonding notes", renamed.Title)

	cleared, err := svc.RenameChat(chat.ID, userID, "")
	require.NoError(t, err)
	assert.Equal(t, "", cleared.Title)

	_, err = svc.RenameChat("missing", userID, "x")
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestChatServiceStudyMaterials(t *testing.T) {
	svc, db, _ := newTestService(t, instantCanned(t))
	for _, m := range []store.Material{
		{Subject: "physics", Unit: "Optics", Title: "Refraction", Content: "Snell's law."},
		{Subject: "physics", Unit: "Mechanics", Title: "Newton", Content: "F = ma."},
		{Subject: "biology", Unit: "Genetics", Title: "DNA", Content: "Double helix."},
	} {
		require.NoError(t, db.CreateMaterial(&m))
	}
	cache := &memoryCache{}
	svc.WithMaterialsCache(cache)

	all, err := svc.StudyMaterials(context.Background(), "physics", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	optics, err := svc.StudyMaterials(context.Background(), "physics", "Optics")
	require.NoError(t, err)
	require.Len(t, optics, 1)
	assert.Equal(t, "Refraction", optics[0].Title)

	// Served from the cache once stored.
	require.NoError(t, db.ClearMaterials())
	cached, err := svc.StudyMaterials(context.Background(), "physics", "Optics")
	require.NoError(t, err)
	assert.Len(t, cached, 1)

	cache.getErr = errors.New("redis down")
	fresh, err := svc.StudyMaterials(context.Background(), "physics", "Optics")
	require.NoError(t, err, "cache failures fall through to the store")
	assert.Empty(t, fresh)

	_, err = svc.StudyMaterials(context.Background(), "astrology", "")
	assert.ErrorIs(t, err, ErrUnknownSubject)
	_, err = svc.StudyMaterials(context.Background(), "physics", "Genetics")
	assert.ErrorIs(t, err, ErrUnknownUnit)
}
