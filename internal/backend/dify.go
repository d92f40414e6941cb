package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/gommon/log"
)

const dataPrefix = "data: "

type difyClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *log.Logger

	mu            sync.Mutex
	conversations map[string]string
}

func NewDify(apiKey, baseURL string) *difyClient {
	return &difyClient{
		apiKey:        apiKey,
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		client:        &http.Client{},
		logger:        log.New("dify"),
		conversations: map[string]string{},
	}
}

type difyRequest struct {
	Inputs         map[string]interface{} `json:"inputs"`
	Query          string                 `json:"query"`
	User           string                 `json:"user"`
	ResponseMode   string                 `json:"response_mode"`
	ConversationID string                 `json:"conversation_id,omitempty"`
}

type difyEvent struct {
	Event          string `json:"event"`
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
}

// Complete streams a chat answer over SSE, accumulating the answer chunks
// until the message_end event.
func (c *difyClient) Complete(ctx context.Context, query Query) (string, error) {
	payload := difyRequest{
		Inputs:         map[string]interface{}{},
		Query:          query.Text,
		User:           query.User,
		ResponseMode:   "streaming",
		ConversationID: c.conversation(query.User),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat-messages", bytes.NewReader(body))
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
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat api returned status %d", res.StatusCode)
	}

	answer := strings.Builder{}
	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		event := difyEvent{}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, dataPrefix)), &event); err != nil {
			c.logger.Warnf("skipping undecodable stream event: %v", err)
			continue
		}
		if event.ConversationID != "" {
			c.setConversation(query.User, event.ConversationID)
		}
		if event.Event == "message_end" {
			break
		}
		answer.WriteString(event.Answer)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading chat stream: %w", err)
	}

	return answer.String(), nil
}

func (c *difyClient) ClearHistory(_ context.Context, user string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conversations, user)
	return nil
}

func (c *difyClient) conversation(user string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversations[user]
}

func (c *difyClient) setConversation(user, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversations[user] = id
}
