package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"gwi.com/study-assistant/internal/auth"
	"gwi.com/study-assistant/internal/core"
	"gwi.com/study-assistant/internal/store"
)

type contextKey string

const (
	userIDKey         contextKey = "userID"
	externalUserIDKey contextKey = "externalUserID"
)

type APIHandler struct {
	chatService *core.ChatService
	validate    *validator.Validate
	jwtSecret   string
}

func NewAPIHandler(cs *core.ChatService, jwtSecret string) *APIHandler {
	return &APIHandler{
		chatService: cs,
		validate:    validator.New(),
		jwtSecret:   jwtSecret,
	}
}

func userIDFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey).(int64)
	return id
}

// JWTAuthMiddleware accepts bearer tokens issued for the identity provider's
// users. Users are created on first sight.
func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondError(w, http.StatusUnauthorized, "Authorization header is required")
			return
		}
		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			respondError(w, http.StatusUnauthorized, "Authorization header must be a bearer token")
			return
		}

		externalUserID, err := auth.ValidateJWT(h.jwtSecret, tokenString)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		user, err := h.chatService.GetOrCreateUser(externalUserID)
		if err != nil {
			log.Printf("Error in JWTAuthMiddleware for user %s: %v", externalUserID, err)
			respondError(w, http.StatusInternalServerError, "Failed to process user identity")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, user.ID)
		ctx = context.WithValue(ctx, externalUserIDKey, user.ExternalUserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// decodeAndValidate reads a JSON body into dst and applies its validate tags.
func (h *APIHandler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Validation failed",
			"details": validationDetails(err),
		})
		return false
	}
	return true
}

func validationDetails(err error) map[string]string {
	details := make(map[string]string)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		details["body"] = err.Error()
		return details
	}
	for _, e := range verrs {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			details[field] = fmt.Sprintf("%s is required", field)
		case "max":
			details[field] = fmt.Sprintf("%s must be at most %s characters", field, e.Param())
		default:
			details[field] = fmt.Sprintf("%s is invalid", field)
		}
	}
	return details
}

// respondServiceError maps ChatService errors to statuses.
func respondServiceError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, core.ErrChatNotFound),
		errors.Is(err, core.ErrUnknownSubject),
		errors.Is(err, core.ErrUnknownUnit):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrLastChatInSubject):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrEmptyMessage):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("Error %s: %v", action, err)
		respondError(w, http.StatusInternalServerError, "Failed "+action)
	}
}

type PostMessageRequest struct {
	Message   string `json:"message" validate:"required,max=4000"`
	ChatID    string `json:"chat_id" validate:"omitempty,max=64"`
	Subject   string `json:"subject" validate:"omitempty,max=100"`
	Unit      string `json:"unit" validate:"omitempty,max=100"`
	Timestamp string `json:"timestamp"`
}

type PostMessageResponse struct {
	Response  string `json:"response"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Subject   string `json:"subject"`
	Unit      string `json:"unit"`
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.chatService.PostMessage(r.Context(), userIDFrom(r.Context()), core.MessageInput{
		Message: req.Message,
		ChatID:  req.ChatID,
		Subject: req.Subject,
		Unit:    req.Unit,
	})
	if err != nil {
		respondServiceError(w, err, "posting message")
		return
	}

	respondJSON(w, http.StatusOK, PostMessageResponse{
		Response:  res.Reply.Content,
		ChatID:    res.Chat.ID,
		MessageID: res.Reply.ID,
		Subject:   res.Chat.Subject,
		Unit:      res.Chat.Unit,
	})
}

type ChatHistoryResponse struct {
	ChatID   string          `json:"chat_id"`
	Title    string          `json:"title"`
	Subject  string          `json:"subject"`
	Unit     string          `json:"unit"`
	Messages []store.Message `json:"messages"`
}

func (h *APIHandler) ChatHistoryHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	chat, messages, err := h.chatService.GetChatHistory(chatID, userIDFrom(r.Context()))
	if err != nil {
		respondServiceError(w, err, "getting chat history")
		return
	}
	respondJSON(w, http.StatusOK, ChatHistoryResponse{
		ChatID:   chat.ID,
		Title:    chat.Title,
		Subject:  chat.Subject,
		Unit:     chat.Unit,
		Messages: messages,
	})
}

type CreateChatRequest struct {
	Title     string `json:"title" validate:"max=200"`
	Subject   string `json:"subject" validate:"required,max=100"`
	Unit      string `json:"unit" validate:"omitempty,max=100"`
	CreatedAt string `json:"created_at"`
}

func (h *APIHandler) CreateChatHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	chat, err := h.chatService.CreateChat(userIDFrom(r.Context()), req.Title, req.Subject, req.Unit)
	if err != nil {
		respondServiceError(w, err, "creating chat")
		return
	}
	respondJSON(w, http.StatusCreated, chat)
}

type RenameChatRequest struct {
	Title *string `json:"title" validate:"required,max=200"`
}

func (h *APIHandler) RenameChatHandler(w http.ResponseWriter, r *http.Request) {
	var req RenameChatRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	chat, err := h.chatService.RenameChat(chi.URLParam(r, "chatID"), userIDFrom(r.Context()), *req.Title)
	if err != nil {
		respondServiceError(w, err, "renaming chat")
		return
	}
	respondJSON(w, http.StatusOK, chat)
}

func (h *APIHandler) DeleteChatHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.chatService.DeleteChat(chi.URLParam(r, "chatID"), userIDFrom(r.Context())); err != nil {
		respondServiceError(w, err, "deleting chat")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	chats, err := h.chatService.ListChats(userIDFrom(r.Context()), r.URL.Query().Get("subject"))
	if err != nil {
		respondServiceError(w, err, "listing chats")
		return
	}
	respondJSON(w, http.StatusOK, map[string][]store.Chat{"chats": chats})
}

type StudyMaterialsResponse struct {
	Subject   string           `json:"subject"`
	Unit      string           `json:"unit,omitempty"`
	Materials []store.Material `json:"materials"`
}

func (h *APIHandler) StudyMaterialsHandler(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	unit := r.URL.Query().Get("unit")
	materials, err := h.chatService.StudyMaterials(r.Context(), subject, unit)
	if err != nil {
		respondServiceError(w, err, "listing study materials")
		return
	}
	respondJSON(w, http.StatusOK, StudyMaterialsResponse{Subject: subject, Unit: unit, Materials: materials})
}

func (h *APIHandler) SubjectsHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"subjects": h.chatService.Catalog().Subjects()})
}
