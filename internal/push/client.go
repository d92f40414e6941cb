package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/loopreply/wegate/internal/model"
)

const (
	sendAttempts = 3

	commandTyping       = "Typing"
	commandCancelTyping = "CancelTyping"
)

// Client talks to the customer service message API. A failed send is
// retried a few times and then dropped; it must never take the gateway
// down with it.
type Client struct {
	tokens     *TokenSource
	baseURL    string
	client     *http.Client
	logger     *log.Logger
	retryDelay time.Duration
}

func New(tokens *TokenSource, baseURL string) *Client {
	return &Client{
		tokens:     tokens,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     log.New("push"),
		retryDelay: time.Second,
	}
}

type textPayload struct {
	ToUser  string      `json:"touser"`
	MsgType string      `json:"msgtype"`
	Text    textContent `json:"text"`
}

type textContent struct {
	Content string `json:"content"`
}

type typingPayload struct {
	ToUser  string `json:"touser"`
	Command string `json:"command"`
}

type apiResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (c *Client) SendText(ctx context.Context, openID, content string) error {
	deliveryID := model.CreateID()
	payload := textPayload{ToUser: openID, MsgType: "text", Text: textContent{Content: content}}

	var lastErr error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		err := c.post(ctx, "/cgi-bin/message/custom/send", payload)
		if err == nil {
			c.logger.Infof("delivered message %s to %s", deliveryID, openID)
			return nil
		}
		lastErr = err

		if isTokenError(err) {
			c.tokens.Invalidate()
			continue
		}
		apiError := &APIError{}
		if errors.As(err, &apiError) {
			// permanent platform refusal, retrying cannot help
			return fmt.Errorf("sending message %s: %w", deliveryID, err)
		}
		c.logger.Warnf("send attempt %d for %s failed: %v", attempt+1, deliveryID, err)
	}

	return fmt.Errorf("sending message %s: %w", deliveryID, lastErr)
}

func (c *Client) SetTyping(ctx context.Context, openID string, typing bool) error {
	command := commandTyping
	if !typing {
		command = commandCancelTyping
	}
	return c.post(ctx, "/cgi-bin/message/custom/typing", typingPayload{ToUser: openID, Command: command})
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("fetching access token: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path+"?access_token="+url.QueryEscape(token), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling wechat api: %w", err)
	}
	defer res.Body.Close()

	response := apiResponse{}
	if err := json.NewDecoder(res.Body).Decode(&response); err != nil {
		return fmt.Errorf("decoding wechat api response: %w", err)
	}
	if response.ErrCode != 0 {
		return &APIError{Code: response.ErrCode, Message: response.ErrMsg}
	}
	return nil
}
