package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// Per-user history cap, counted in messages rather than turns.
const maxHistoryMessages = 10

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatError struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *chatError   `json:"error"`
}

type openAIClient struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client

	mu      sync.Mutex
	history map[string][]chatMessage
}

func NewOpenAI(apiKey, baseURL, model string) *openAIClient {
	return &openAIClient{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{},
		history: map[string][]chatMessage{},
	}
}

func (c *openAIClient) Complete(ctx context.Context, query Query) (string, error) {
	messages := append(c.historyFor(query.User), chatMessage{Role: "user", Content: query.Text})

	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("encoding chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling chat api: %w", err)
	}
	defer res.Body.Close()

	response := chatResponse{}
	if err := json.NewDecoder(res.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if response.Error != nil {
		return "", fmt.Errorf("chat api error: %s", response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("chat api returned no choices")
	}

	answer := response.Choices[0].Message.Content
	c.remember(query.User, query.Text, answer)
	return answer, nil
}

func (c *openAIClient) ClearHistory(_ context.Context, user string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.history, user)
	return nil
}

func (c *openAIClient) historyFor(user string) []chatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	history := c.history[user]
	out := make([]chatMessage, len(history))
	copy(out, history)
	return out
}

func (c *openAIClient) remember(user, question, answer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	history := append(c.history[user],
		chatMessage{Role: "user", Content: question},
		chatMessage{Role: "assistant", Content: answer})
	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}
	c.history[user] = history
}
