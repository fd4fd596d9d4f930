package core

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
	"gwi.com/study-assistant/internal/catalog"
	"gwi.com/study-assistant/internal/store"
)

const (
	defaultChatModelName      = "gemini-1.5-flash-latest"
	defaultEmbeddingModelName = "text-embedding-004"
	defaultTitleModelName     = "gemini-1.5-flash-latest"

	chatSystemInstruction = "You are an expert educational assistant helping students understand complex topics. " +
		"Answer primarily from the study materials provided with the question. " +
		"If the materials don't fully answer the question, say so clearly. " +
		"Give clear, step-by-step explanations when appropriate and keep the answer focused on the student's subject and unit. " +
		"Be encouraging and supportive in your tone."

	titleSystemInstruction = "You are a helpful assistant that generates concise titles for study chat conversations. " +
		"The title should be 3-5 words maximum. Just return the title itself, nothing else."

	historyTurns = 6
)

type LLMService struct {
	client *genai.Client
}

func NewLLMService(ctx context.Context, apiKey string) (*LLMService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &LLMService{client: client}, nil
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			log.Printf("Error closing GenAI client: %v", err)
		} else {
			log.Println("GenAI client closed.")
		}
	}
}

func (s *LLMService) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	em := s.client.EmbeddingModel(defaultEmbeddingModelName)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("no embedding data received from gemini")
	}
	return res.Embedding.Values, nil
}

// GetChatCompletion sends the last turn of promptHistory with the earlier
// turns as chat history.
func (s *LLMService) GetChatCompletion(ctx context.Context, promptHistory []*genai.Content) (string, error) {
	if len(promptHistory) == 0 {
		return "", fmt.Errorf("prompt history is empty for chat completion")
	}
	last := promptHistory[len(promptHistory)-1]
	if last.Role != "user" {
		return "", fmt.Errorf("last message in history is not from 'user', cannot proceed with chat completion")
	}

	model := s.client.GenerativeModel(defaultChatModelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(chatSystemInstruction)},
	}
	session := model.StartChat()
	session.History = promptHistory[:len(promptHistory)-1]

	resp, err := session.SendMessage(ctx, last.Parts...)
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}
	text := responseText(resp)
	if text == "" {
		return "", fmt.Errorf("gemini returned no text")
	}
	return text, nil
}

func (s *LLMService) GenerateTitleForChat(ctx context.Context, chatSummary string) (string, error) {
	model := s.client.GenerativeModel(defaultTitleModelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(titleSystemInstruction)},
	}
	temp := float32(0.3)
	maxTokens := int32(20)
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     &temp,
	}

	prompt := fmt.Sprintf("Generate a very concise title (3-5 words maximum) for a study conversation that starts with: \"%s\".", chatSummary)
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini title generation request failed: %w", err)
	}
	title := strings.Trim(responseText(resp), "\"'\n\r\t .")
	if title == "" {
		return "", fmt.Errorf("LLM generated an empty title")
	}
	return title, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		} else {
			log.Printf("Gemini response part was not text: %T", part)
		}
	}
	return b.String()
}

// HistorySource supplies the recent turns of a chat.
type HistorySource interface {
	GetLastNMessagesByChatID(chatID string, n int) ([]store.Message, error)
}

// GeminiResolver answers with Gemini, grounding the prompt in the chat's
// recent turns and the study materials closest to the question.
type GeminiResolver struct {
	llm       *LLMService
	catalog   *catalog.Catalog
	history   HistorySource
	materials *MaterialsRetriever
}

func NewGeminiResolver(llm *LLMService, cat *catalog.Catalog, history HistorySource, materials *MaterialsRetriever) *GeminiResolver {
	return &GeminiResolver{llm: llm, catalog: cat, history: history, materials: materials}
}

func (r *GeminiResolver) Resolve(ctx context.Context, req ReplyRequest) (string, error) {
	var turns []store.Message
	if r.history != nil && req.ChatID != "" {
		msgs, err := r.history.GetLastNMessagesByChatID(req.ChatID, historyTurns)
		if err != nil {
			log.Printf("Error getting chat history for chat %s: %v. Proceeding without history.", req.ChatID, err)
		} else {
			turns = msgs
		}
	}

	var materials string
	if r.materials != nil {
		found, err := r.materials.RelevantContext(ctx, req.Message, req.Subject, req.Unit)
		if err != nil {
			log.Printf("Failed to get relevant materials, proceeding without them: %v", err)
		} else {
			materials = found
		}
	}

	return r.llm.GetChatCompletion(ctx, BuildPrompt(turns, r.scope(req), materials, req.Message))
}

func (r *GeminiResolver) scope(req ReplyRequest) string {
	if req.Subject == "" {
		return ""
	}
	name := r.catalog.DisplayName(req.Subject)
	if req.Unit == "" {
		return name
	}
	return fmt.Sprintf("%s (unit: %s)", name, req.Unit)
}

// BuildPrompt turns stored messages into Gemini turns and appends the
// question as the final user turn. A trailing copy of the question in turns
// is dropped, since the server stores it before asking for the reply.
func BuildPrompt(turns []store.Message, scope, materials, question string) []*genai.Content {
	if n := len(turns); n > 0 && turns[n-1].Sender == store.SenderUser && turns[n-1].Content == question {
		turns = turns[:n-1]
	}

	var prompt []*genai.Content
	for _, msg := range turns {
		role := "user"
		if msg.Sender == store.SenderAI {
			role = "model"
		}
		prompt = append(prompt, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}

	var b strings.Builder
	if scope != "" {
		fmt.Fprintf(&b, "Subject: %s\n\n", scope)
	}
	if materials != "" {
		fmt.Fprintf(&b, "Study materials:\n\n--- MATERIALS START ---\n%s\n--- MATERIALS END ---\n\n", materials)
	} else {
		b.WriteString("No study materials matched this question; answer from general knowledge and say so.\n\n")
	}
	fmt.Fprintf(&b, "Question: %s", question)

	prompt = append(prompt, &genai.Content{
		Role:  "user",
		Parts: []genai.Part{genai.Text(b.String())},
	})
	return prompt
}
