package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			r.Get("/subjects", apiHandler.SubjectsHandler)

			r.Post("/chat", apiHandler.CreateChatHandler)
			r.Post("/chat/message", apiHandler.PostMessageHandler)
			r.Get("/chat/{chatID}/history", apiHandler.ChatHistoryHandler)
			r.Patch("/chat/{chatID}", apiHandler.RenameChatHandler)
			r.Delete("/chat/{chatID}", apiHandler.DeleteChatHandler)
			r.Get("/chats", apiHandler.ListChatsHandler)

			r.Get("/study-materials/{subject}", apiHandler.StudyMaterialsHandler)
		})
	})

	return r
}
