package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientGenerate(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"approved"}}]}`))
	}))
	defer server.Close()

	client := NewClient("sk-test", WithBaseURL(server.URL+"/"), WithModel("gpt-test"))
	text, err := client.Generate(context.Background(), "You review expenses.", "Amount 20")
	require.NoError(t, err)
	assert.Equal(t, "approved", text)

	assert.Equal(t, "gpt-test", got.Model)
	assert.Equal(t, []message{
		{Role: "system", Content: "You review expenses."},
		{Role: "user", Content: "Amount 20"},
	}, got.Messages)
}

func TestClientErrors(t *testing.T) {
	t.Run("NoAPIKey", func(t *testing.T) {
		_, err := NewClient("").Generate(context.Background(), "", "hi")
		assert.ErrorIs(t, err, ErrNoAPIKey)
	})

	t.Run("ProviderError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limit reached"}}`))
		}))
		defer server.Close()

		_, err := NewClient("sk", WithBaseURL(server.URL)).Generate(context.Background(), "", "hi")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
		assert.Equal(t, "rate limit reached", apiErr.Message)
	})

	t.Run("NoChoices", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}))
		defer server.Close()

		_, err := NewClient("sk", WithBaseURL(server.URL)).Generate(context.Background(), "", "hi")
		assert.Error(t, err)
	})
}
