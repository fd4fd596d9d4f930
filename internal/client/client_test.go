package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gwi.com/study-assistant/internal/core"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/api", "tok")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestCallSuccess(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chats", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"chats": []any{}})
	})

	resp := c.Call(context.Background(), http.MethodGet, "/chats", nil)
	assert.True(t, resp.Success)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"chats":[]}`, string(resp.Data))
	assert.NoError(t, resp.Err())
}

func TestCallNon2xxIsFailure(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "chat not found"})
	})

	resp := c.Call(context.Background(), http.MethodGet, "/chat/x/history", nil)
	assert.False(t, resp.Success)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, "chat not found", resp.Error)
	assert.Error(t, resp.Err())
}

func TestCallTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	resp := New(url, "").Call(context.Background(), http.MethodGet, "/health", nil)
	assert.False(t, resp.Success)
	assert.Zero(t, resp.Status)
	assert.NotEmpty(t, resp.Error)
}

func TestSendMessage(t *testing.T) {
	var got map[string]any
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat/message", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, map[string]string{"response": "Hi!", "chat_id": "c1", "message_id": "m1"})
	})

	reply, err := c.SendMessage(context.Background(), MessageRequest{Message: "hello", ChatID: "c1", Subject: "physics", Unit: "Optics"})
	require.NoError(t, err)
	assert.Equal(t, MessageReply{Text: "Hi!", ChatID: "c1", MessageID: "m1"}, reply)
	assert.Equal(t, "hello", got["message"])
	assert.Equal(t, "c1", got["chat_id"])
	assert.Equal(t, "physics", got["subject"])
	assert.Equal(t, "Optics", got["unit"])
	assert.NotEmpty(t, got["timestamp"])
}

func TestSendMessageReplyShapes(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		want string
	}{
		{"message field", map[string]any{"message": "From message"}, "From message"},
		{"response wins", map[string]any{"response": "A", "message": "B"}, "A"},
		{"neither", map[string]any{"status": "ok"}, NoResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, tt.body)
			})
			reply, err := c.SendMessage(context.Background(), MessageRequest{Message: "q"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, reply.Text)
		})
	}
}

func TestTypedEndpointsValidateShape(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"unexpected": true})
	})
	ctx := context.Background()

	_, err := c.ChatHistory(ctx, "c1")
	assert.ErrorIs(t, err, ErrMalformedResponse)
	_, err = c.CreateChat(ctx, "t", "physics", "Optics")
	assert.ErrorIs(t, err, ErrMalformedResponse)
	_, err = c.ListChats(ctx, "")
	assert.ErrorIs(t, err, ErrMalformedResponse)
	_, err = c.StudyMaterials(ctx, "physics", "")
	assert.ErrorIs(t, err, ErrMalformedResponse)
	_, err = c.Subjects(ctx)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestTypedEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/c1/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"messages": []map[string]string{{"id": "m1", "sender": "ai", "content": "Hello"}}})
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]string{"id": "c2", "title": "New Chat 2", "subject": "physics"})
	})
	mux.HandleFunc("/api/chats", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "physics", r.URL.Query().Get("subject"))
		writeJSON(w, http.StatusOK, map[string]any{"chats": []map[string]string{{"id": "c2", "title": "New Chat 2"}}})
	})
	mux.HandleFunc("/api/study-materials/physics", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Optics", r.URL.Query().Get("unit"))
		writeJSON(w, http.StatusOK, map[string]any{"materials": []map[string]string{{"title": "Lenses"}}})
	})
	mux.HandleFunc("/api/subjects", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"subjects": []map[string]any{{"id": "physics", "name": "Physics", "units": []string{"Optics"}}}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := New(srv.URL+"/api/", "")
	ctx := context.Background()

	history, err := c.ChatHistory(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Hello", history[0].Content)

	chat, err := c.CreateChat(ctx, "", "physics", "Optics")
	require.NoError(t, err)
	assert.Equal(t, "c2", chat.ID)

	chats, err := c.ListChats(ctx, "physics")
	require.NoError(t, err)
	assert.Len(t, chats, 1)

	materials, err := c.StudyMaterials(ctx, "physics", "Optics")
	require.NoError(t, err)
	require.Len(t, materials, 1)
	assert.Equal(t, "Lenses", materials[0].Title)

	cat, err := c.Subjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Physics", cat.DisplayName("physics"))
}

func TestRemoteResolverMapsLocalChats(t *testing.T) {
	var chatIDs []any
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		chatIDs = append(chatIDs, body["chat_id"])
		writeJSON(w, http.StatusOK, map[string]string{"response": "ok", "chat_id": "server-1"})
	})
	r := NewRemoteResolver(c)
	req := core.ReplyRequest{Message: "q", ChatID: "local-1", Subject: "physics"}

	for i := 0; i < 2; i++ {
		reply, err := r.Resolve(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "ok", reply)
	}
	assert.Equal(t, []any{nil, "server-1"}, chatIDs)
}

func TestRemoteResolverSurfacesFailures(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	_, err := NewRemoteResolver(c).Resolve(context.Background(), core.ReplyRequest{Message: "q", ChatID: "l"})
	assert.Error(t, err)
}
