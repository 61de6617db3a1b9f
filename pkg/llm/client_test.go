package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutri-advisor-go/internal/config"
	"nutri-advisor-go/internal/model"
)

func TestOpenAIClient_StreamsAndCollects(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Chicken ", "is lean."} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{BaseURL: srv.URL + "/v1", APIKey: "secret", Model: "m"})
	temp := 0.1
	text, err := Collect(context.Background(), c, []Message{{Role: "user", Content: "hi"}}, &GenerationParams{Temperature: &temp})
	require.NoError(t, err)
	assert.Equal(t, "Chicken is lean.", text)
	assert.True(t, got.Stream)
	require.NotNil(t, got.Temperature)
	assert.Equal(t, 0.1, *got.Temperature)
	assert.Nil(t, got.MaxTokens)
}

func TestOpenAIClient_StatusErrors(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("quota"))
	}))
	defer srv.Close()
	c := NewOpenAIClient(config.LLMConfig{BaseURL: srv.URL})

	_, err := Collect(context.Background(), c, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUpstream)
	assert.True(t, model.IsTransient(err))

	status = http.StatusUnauthorized
	_, err = Collect(context.Background(), c, nil, nil)
	require.Error(t, err)
	assert.False(t, model.IsTransient(err))
}

func TestOpenAIClient_EmptyStreamIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()
	_, err := Collect(context.Background(), NewOpenAIClient(config.LLMConfig{BaseURL: srv.URL}), nil, nil)
	assert.ErrorIs(t, err, model.ErrUpstream)
	assert.False(t, model.IsTransient(err))
}

func TestOllamaClient_Chat(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"model":"m","message":{"role":"assistant","content":"Eat "},"done":false}`)
		fmt.Fprintln(w, `{"model":"m","message":{"role":"assistant","content":"vegetables."},"done":true}`)
	}))
	defer srv.Close()

	c, err := NewOllamaClient(config.LLMConfig{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)
	temp := 0.7
	text, err := Collect(context.Background(), c, []Message{{Role: "user", Content: "tips?"}}, &GenerationParams{Temperature: &temp})
	require.NoError(t, err)
	assert.Equal(t, "Eat vegetables.", text)
	options, ok := got["options"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 0.7, options["temperature"])
}

func TestOllamaClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"loading"}`))
	}))
	defer srv.Close()

	c, err := NewOllamaClient(config.LLMConfig{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)
	_, err = Collect(context.Background(), c, nil, nil)
	require.Error(t, err)
	assert.True(t, model.IsTransient(err))
}

func TestNewClient_None(t *testing.T) {
	c, err := NewClient(config.LLMConfig{Provider: "none"})
	require.NoError(t, err)
	assert.Nil(t, c)
	_, err = NewClient(config.LLMConfig{Provider: "bogus"})
	assert.Error(t, err)
}
