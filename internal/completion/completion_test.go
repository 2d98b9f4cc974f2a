package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"CourseChat/internal/backend"
	"CourseChat/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, provider, baseURL string) *Client {
	t.Helper()
	c, err := New(Options{
		Provider:    provider,
		Model:       "test-model",
		BaseURL:     baseURL,
		APIKey:      "test-key",
		Temperature: 0.7,
		Timeout:     2 * time.Second,
		Referer:     "http://localhost:8501",
		Title:       "CourseChatBot",
	})
	require.NoError(t, err)
	return c
}

var history = []session.Turn{
	{Role: session.RoleUser, Content: "Hello"},
	{Role: session.RoleAssistant, Content: "Hi there"},
	{Role: session.RoleUser, Content: "What is week 2 about?"},
}

func TestOpenRouterComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "http://localhost:8501", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "CourseChatBot", r.Header.Get("X-Title"))

		var req backend.OpenAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, 0.7, req.Temperature)
		assert.Equal(t, []backend.OpenAIMessage{
			{Role: "system", Content: "be nice"},
			{Role: "user", Content: "Hello"},
			{Role: "assistant", Content: "Hi there"},
			{Role: "user", Content: "What is week 2 about?"},
		}, req.Messages)

		w.Write([]byte(`{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"Recursion."}}],"usage":{"total_tokens":12}}`))
	}))
	defer server.Close()

	c := newTestClient(t, ProviderOpenRouter, server.URL)
	reply, err := c.Complete(context.Background(), "be nice", history)
	require.NoError(t, err)
	assert.Equal(t, "Recursion.", reply)
}

func TestOpenAIOmitsOpenRouterHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Title"))
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer server.Close()

	reply, err := newTestClient(t, ProviderOpenAI, server.URL).Complete(context.Background(), "", history)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
}

func TestAnthropicComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req backend.AnthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "be nice\n\nstay on topic", req.System)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "user", req.Messages[0].Role)

		json.NewEncoder(w).Encode(backend.AnthropicResponse{
			Content: []backend.AnthropicContent{{Type: "text", Text: "Sure."}},
		})
	}))
	defer server.Close()

	turns := []session.Turn{
		{Role: session.RoleSystem, Content: "stay on topic"},
		{Role: session.RoleUser, Content: "Hello"},
		{Role: session.RoleAssistant, Content: "Hi"},
	}
	reply, err := newTestClient(t, ProviderAnthropic, server.URL).Complete(context.Background(), "be nice", turns)
	require.NoError(t, err)
	assert.Equal(t, "Sure.", reply)
}

func TestOllamaCompleteAndListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			var req backend.OllamaRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.False(t, req.Stream)
			assert.Equal(t, "system", req.Messages[0].Role)
			w.Write([]byte(`{"model":"test-model","message":{"role":"assistant","content":"local reply"},"done":true}`))
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"llama3:latest","size":4000000000}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := newTestClient(t, ProviderOllama, server.URL)
	reply, err := c.Complete(context.Background(), "be nice", history)
	require.NoError(t, err)
	assert.Equal(t, "local reply", reply)

	models, err := c.ListOllamaModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "llama3:latest", models[0].Name)
}

func TestListOllamaModelsWrongProvider(t *testing.T) {
	_, err := newTestClient(t, ProviderOpenAI, "http://unused").ListOllamaModels(context.Background())
	assert.Error(t, err)
}

func TestErrorKinds(t *testing.T) {
	cases := []struct {
		status int
		body   string
		kind   Kind
		msg    string
	}{
		{http.StatusUnauthorized, `{"error":{"message":"invalid key"}}`, KindAuth, "invalid key"},
		{http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, KindRateLimit, "slow down"},
		{http.StatusInternalServerError, `upstream exploded`, KindAPI, "upstream exploded"},
	}

	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(tc.body))
		}))

		_, err := newTestClient(t, ProviderOpenRouter, server.URL).Complete(context.Background(), "", history)
		server.Close()

		var cErr *Error
		require.True(t, errors.As(err, &cErr), "status %d", tc.status)
		assert.Equal(t, tc.kind, cErr.Kind)
		assert.Equal(t, tc.status, cErr.Status)
		assert.Contains(t, err.Error(), tc.msg)
	}
}

func TestMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": "nope"`))
	}))
	defer server.Close()

	_, err := newTestClient(t, ProviderOpenRouter, server.URL).Complete(context.Background(), "", history)
	var cErr *Error
	require.True(t, errors.As(err, &cErr))
	assert.Equal(t, KindMalformed, cErr.Kind)
}

func TestEmptyChoicesIsMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer server.Close()

	_, err := newTestClient(t, ProviderOpenRouter, server.URL).Complete(context.Background(), "", history)
	var cErr *Error
	require.True(t, errors.As(err, &cErr))
	assert.Equal(t, KindMalformed, cErr.Kind)
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c, err := New(Options{Provider: ProviderOpenRouter, BaseURL: server.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "", history)
	var cErr *Error
	require.True(t, errors.As(err, &cErr))
	assert.Equal(t, KindTimeout, cErr.Kind)
}

func TestTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := newTestClient(t, ProviderOpenRouter, url).Complete(context.Background(), "", history)
	var cErr *Error
	require.True(t, errors.As(err, &cErr))
	assert.Equal(t, KindTransport, cErr.Kind)
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(Options{Provider: "bard", BaseURL: "http://x"})
	assert.Error(t, err)

	_, err = New(Options{Provider: ProviderOpenAI})
	assert.Error(t, err)
}
