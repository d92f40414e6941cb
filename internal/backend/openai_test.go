package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpenAIComplete(t *testing.T) {
	assert := assert.New(t)

	requests := struct {
		sync.Mutex
		bodies []chatRequest
	}{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/chat/completions", r.URL.Path)
		assert.Equal("Bearer test-key", r.Header.Get("Authorization"))

		payload := chatRequest{}
		assert.Nil(json.NewDecoder(r.Body).Decode(&payload))
		requests.Lock()
		requests.bodies = append(requests.bodies, payload)
		requests.Unlock()

		json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: chatMessage{Role: "assistant", Content: "the answer"}}},
		})
	}))
	defer server.Close()

	client := NewOpenAI("test-key", server.URL, "gpt-3.5-turbo")
	ctx := context.Background()

	t.Run("Returns First Choice", func(t *testing.T) {
		answer, err := client.Complete(ctx, Query{User: "oUser001", Text: "what?"})
		assert.Nil(err)
		assert.Equal("the answer", answer)

		requests.Lock()
		defer requests.Unlock()
		assert.Equal("gpt-3.5-turbo", requests.bodies[0].Model)
		assert.Equal([]chatMessage{{Role: "user", Content: "what?"}}, requests.bodies[0].Messages)
	})

	t.Run("History Accompanies The Next Question", func(t *testing.T) {
		_, err := client.Complete(ctx, Query{User: "oUser001", Text: "and then?"})
		assert.Nil(err)

		requests.Lock()
		defer requests.Unlock()
		assert.Equal([]chatMessage{
			{Role: "user", Content: "what?"},
			{Role: "assistant", Content: "the answer"},
			{Role: "user", Content: "and then?"},
		}, requests.bodies[1].Messages)
	})

	t.Run("History Is Bounded", func(t *testing.T) {
		for i := 0; i < maxHistoryMessages; i++ {
			_, err := client.Complete(ctx, Query{User: "oUser001", Text: "more"})
			assert.Nil(err)
		}
		assert.LessOrEqual(len(client.historyFor("oUser001")), maxHistoryMessages)
	})

	t.Run("Clear History Forgets", func(t *testing.T) {
		assert.Nil(client.ClearHistory(ctx, "oUser001"))
		assert.Empty(client.historyFor("oUser001"))
	})
}

func TestOpenAIErrors(t *testing.T) {
	assert := assert.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse{Error: &chatError{Message: "quota exceeded"}})
	}))
	defer server.Close()

	client := NewOpenAI("test-key", server.URL, "gpt-3.5-turbo")
	_, err := client.Complete(context.Background(), Query{User: "u", Text: "hi"})
	assert.NotNil(err)
	assert.Contains(err.Error(), "quota exceeded")
}

func TestStaticFallback(t *testing.T) {
	assert := assert.New(t)

	client := NewStatic()
	answer, err := client.Complete(context.Background(), Query{User: "u", Text: "在吗"})
	assert.Nil(err)
	assert.Equal("收到您的消息: 在吗", answer)
	assert.Nil(client.ClearHistory(context.Background(), "u"))
}
