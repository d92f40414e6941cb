package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDifyComplete(t *testing.T) {
	assert := assert.New(t)

	requests := struct {
		sync.Mutex
		bodies []difyRequest
	}{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/chat-messages", r.URL.Path)
		assert.Equal("Bearer test-key", r.Header.Get("Authorization"))

		payload := difyRequest{}
		assert.Nil(json.NewDecoder(r.Body).Decode(&payload))
		requests.Lock()
		requests.bodies = append(requests.bodies, payload)
		requests.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\":\"message\",\"answer\":\"Hel\",\"conversation_id\":\"c1\"}\n\n")
		fmt.Fprint(w, "data: {\"event\":\"message\",\"answer\":\"lo\"}\n\n")
		fmt.Fprint(w, "data: {\"event\":\"message_end\",\"conversation_id\":\"c1\"}\n\n")
		fmt.Fprint(w, "data: {\"event\":\"message\",\"answer\":\"ignored\"}\n\n")
	}))
	defer server.Close()

	client := NewDify("test-key", server.URL)
	ctx := context.Background()

	t.Run("Accumulates Streamed Answer", func(t *testing.T) {
		answer, err := client.Complete(ctx, Query{User: "oUser001", Text: "hi"})
		assert.Nil(err)
		assert.Equal("Hello", answer)
	})

	t.Run("Carries The Conversation Forward", func(t *testing.T) {
		_, err := client.Complete(ctx, Query{User: "oUser001", Text: "again"})
		assert.Nil(err)

		requests.Lock()
		defer requests.Unlock()
		assert.Equal("", requests.bodies[0].ConversationID)
		assert.Equal("c1", requests.bodies[1].ConversationID)
		assert.Equal("streaming", requests.bodies[1].ResponseMode)
	})

	t.Run("Clear History Starts Fresh", func(t *testing.T) {
		assert.Nil(client.ClearHistory(ctx, "oUser001"))
		_, err := client.Complete(ctx, Query{User: "oUser001", Text: "fresh"})
		assert.Nil(err)

		requests.Lock()
		defer requests.Unlock()
		assert.Equal("", requests.bodies[2].ConversationID)
	})
}

func TestDifyErrors(t *testing.T) {
	assert := assert.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewDify("bad-key", server.URL)
	_, err := client.Complete(context.Background(), Query{User: "u", Text: "hi"})
	assert.NotNil(err)
	assert.Contains(err.Error(), "401")
}
