package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"gwi.com/study-assistant/internal/catalog"
	"gwi.com/study-assistant/internal/store"
)

var (
	ErrChatNotFound      = errors.New("chat not found")
	ErrUnknownSubject    = errors.New("unknown subject")
	ErrUnknownUnit       = errors.New("unknown unit")
	ErrLastChatInSubject = errors.New("cannot delete the last chat of a subject")
	ErrEmptyMessage      = errors.New("message is empty")
)

const historyLimit = 100

// MaterialsCache memoizes study-material listings per subject and unit.
type MaterialsCache interface {
	GetMaterials(ctx context.Context, subject, unit string) ([]store.Material, bool, error)
	SetMaterials(ctx context.Context, subject, unit string, materials []store.Material) error
}

// TitleGenerator names a chat after its opening message.
type TitleGenerator interface {
	GenerateTitleForChat(ctx context.Context, summary string) (string, error)
}

// ChatService is the server side of the chat endpoints: the same chat rules
// as the Workspace, applied to a user's chats in the SQLite store.
type ChatService struct {
	dbStore  *store.SQLiteStore
	catalog  *catalog.Catalog
	resolver Resolver
	titles   TitleGenerator
	cache    MaterialsCache
}

func NewChatService(db *store.SQLiteStore, cat *catalog.Catalog, resolver Resolver) *ChatService {
	return &ChatService{
		dbStore:  db,
		catalog:  cat,
		resolver: resolver,
	}
}

// WithTitles enables automatic titles for chats opened by a first message.
func (s *ChatService) WithTitles(titles TitleGenerator) *ChatService {
	s.titles = titles
	return s
}

func (s *ChatService) WithMaterialsCache(cache MaterialsCache) *ChatService {
	s.cache = cache
	return s
}

func (s *ChatService) Catalog() *catalog.Catalog {
	return s.catalog
}

// GetOrCreateUser ensures a user exists and returns their internal ID.
func (s *ChatService) GetOrCreateUser(externalUserID string) (*store.User, error) {
	return s.dbStore.GetOrCreateUser(externalUserID)
}

// resolveScope validates subject and unit against the catalog. An empty unit
// becomes the subject's first unit.
func (s *ChatService) resolveScope(subject, unit string) (string, error) {
	if _, ok := s.catalog.Subject(subject); !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSubject, subject)
	}
	if unit == "" {
		first, _ := s.catalog.FirstUnit(subject)
		return first, nil
	}
	if !s.catalog.HasUnit(subject, unit) {
		return "", fmt.Errorf("%w: %q in %s", ErrUnknownUnit, unit, subject)
	}
	return unit, nil
}

// CreateChat stores a chat seeded with the greeting message.
func (s *ChatService) CreateChat(userID int64, title, subject, unit string) (*store.Chat, error) {
	unit, err := s.resolveScope(subject, unit)
	if err != nil {
		return nil, err
	}
	if title == "" {
		existing, err := s.dbStore.ListChats(userID, "")
		if err != nil {
			return nil, fmt.Errorf("failed to count chats: %w", err)
		}
		title = fmt.Sprintf("New Chat %d", len(existing)+1)
	}

	chat, err := s.dbStore.CreateChat(userID, title, subject, unit)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat in DB: %w", err)
	}

	seed := store.Message{
		ChatID:  chat.ID,
		Sender:  store.SenderAI,
		Content: SeedGreeting(s.catalog.DisplayName(subject), unit),
	}
	if err := s.dbStore.CreateMessage(&seed); err != nil {
		return nil, fmt.Errorf("failed to store greeting for chat %s: %w", chat.ID, err)
	}
	chat.Messages = []store.Message{seed}
	return chat, nil
}

func (s *ChatService) ListChats(userID int64, subject string) ([]store.Chat, error) {
	if subject != "" {
		if _, ok := s.catalog.Subject(subject); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSubject, subject)
		}
	}
	return s.dbStore.ListChats(userID, subject)
}

func (s *ChatService) getChat(chatID string, userID int64) (*store.Chat, error) {
	chat, err := s.dbStore.GetChatByID(chatID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	if chat == nil {
		return nil, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	return chat, nil
}

func (s *ChatService) GetChatHistory(chatID string, userID int64) (*store.Chat, []store.Message, error) {
	chat, err := s.getChat(chatID, userID)
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.dbStore.GetMessagesByChatID(chatID, historyLimit, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get messages for chat: %w", err)
	}
	return chat, messages, nil
}

type MessageInput struct {
	Message string
	ChatID  string // empty opens a new chat
	Subject string
	Unit    string
}

type MessageResult struct {
	Chat  *store.Chat
	Reply store.Message
}

// PostMessage runs one exchange: the user message is stored, the resolver is
// asked for a reply and the reply, or FallbackReply when the resolver fails,
// is stored after it.
func (s *ChatService) PostMessage(ctx context.Context, userID int64, in MessageInput) (*MessageResult, error) {
	if strings.TrimSpace(in.Message) == "" {
		return nil, ErrEmptyMessage
	}

	var chat *store.Chat
	opened := false
	if in.ChatID == "" {
		subject := in.Subject
		if subject == "" {
			subject = s.catalog.First().ID
		}
		created, err := s.CreateChat(userID, "", subject, in.Unit)
		if err != nil {
			return nil, err
		}
		chat, opened = created, true
	} else {
		found, err := s.getChat(in.ChatID, userID)
		if err != nil {
			return nil, err
		}
		chat = found
	}

	userMsg := store.Message{ChatID: chat.ID, Sender: store.SenderUser, Content: in.Message}
	if err := s.dbStore.CreateMessage(&userMsg); err != nil {
		return nil, fmt.Errorf("failed to store user message: %w", err)
	}

	// The chat's own scope wins over what the client sent.
	reply := resolveReply(ctx, s.resolver, ReplyRequest{
		Message: in.Message,
		ChatID:  chat.ID,
		Subject: chat.Subject,
		Unit:    chat.Unit,
	})

	aiMsg := store.Message{ChatID: chat.ID, Sender: store.SenderAI, Content: reply}
	if err := s.dbStore.CreateMessage(&aiMsg); err != nil {
		return nil, fmt.Errorf("failed to store reply: %w", err)
	}

	if opened && s.titles != nil {
		go s.generateAndSaveChatTitle(chat.ID, userID, in.Message)
	}
	return &MessageResult{Chat: chat, Reply: aiMsg}, nil
}

func (s *ChatService) generateAndSaveChatTitle(chatID string, userID int64, basisContent string) {
	log.Printf("Attempting to generate title for chat %s", chatID)
	title, err := s.titles.GenerateTitleForChat(context.Background(), basisContent)
	if err != nil {
		log.Printf("Failed to generate title for chat %s: %v", chatID, err)
		return
	}
	title = strings.Trim(title, "\"'\n\r\t .")
	if title == "" {
		return
	}
	if err := s.dbStore.UpdateChatTitle(chatID, userID, title); err != nil {
		log.Printf("Failed to save generated title '%s' for chat %s: %v", title, chatID, err)
		return
	}
	log.Printf("Saved generated title '%s' for chat %s", title, chatID)
}

// RenameChat replaces the title; an empty title is allowed.
func (s *ChatService) RenameChat(chatID string, userID int64, title string) (*store.Chat, error) {
	if _, err := s.getChat(chatID, userID); err != nil {
		return nil, err
	}
	if err := s.dbStore.UpdateChatTitle(chatID, userID, title); err != nil {
		return nil, fmt.Errorf("failed to rename chat: %w", err)
	}
	return s.getChat(chatID, userID)
}

// DeleteChat refuses to remove the last chat of a subject.
func (s *ChatService) DeleteChat(chatID string, userID int64) error {
	chat, err := s.getChat(chatID, userID)
	if err != nil {
		return err
	}
	n, err := s.dbStore.CountChatsBySubject(userID, chat.Subject)
	if err != nil {
		return err
	}
	if n <= 1 {
		return fmt.Errorf("%w: %s", ErrLastChatInSubject, chat.Subject)
	}
	if err := s.dbStore.DeleteChat(chatID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
		}
		return err
	}
	return nil
}

// StudyMaterials lists the materials of a subject, optionally narrowed to one
// unit. Cache failures are logged and fall through to the store.
func (s *ChatService) StudyMaterials(ctx context.Context, subject, unit string) ([]store.Material, error) {
	if _, ok := s.catalog.Subject(subject); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSubject, subject)
	}
	if unit != "" && !s.catalog.HasUnit(subject, unit) {
		return nil, fmt.Errorf("%w: %q in %s", ErrUnknownUnit, unit, subject)
	}

	if s.cache != nil {
		cached, ok, err := s.cache.GetMaterials(ctx, subject, unit)
		if err != nil {
			log.Printf("Materials cache read failed for %s/%s: %v", subject, unit, err)
		} else if ok {
			return cached, nil
		}
	}

	materials, err := s.dbStore.ListMaterials(subject, unit)
	if err != nil {
		return nil, fmt.Errorf("failed to list materials: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetMaterials(ctx, subject, unit, materials); err != nil {
			log.Printf("Materials cache write failed for %s/%s: %v", subject, unit, err)
		}
	}
	return materials, nil
}
