package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/loopreply/wegate/internal/model"
	"golang.org/x/sync/singleflight"
)

// Refresh while this much validity remains, so in-flight sends never race
// an expiring token.
const tokenRefreshMargin = 5 * time.Minute

const defaultTokenLifetime = 7200

type TokenStore interface {
	SaveAccessToken(token *model.AccessToken) error
	FetchAccessToken(appID model.AppID) (*model.AccessToken, error)
}

// TokenSource caches the customer service API access token. Concurrent
// refreshes collapse into a single upstream call; everyone else waits on
// its outcome.
type TokenSource struct {
	appID     model.AppID
	appSecret string
	baseURL   string
	client    *http.Client
	store     TokenStore
	logger    *log.Logger
	group     singleflight.Group

	mu    sync.RWMutex
	token model.AccessToken
}

func NewTokenSource(appID model.AppID, appSecret, baseURL string, store TokenStore) *TokenSource {
	source := &TokenSource{
		appID:     appID,
		appSecret: appSecret,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		client:    &http.Client{Timeout: 10 * time.Second},
		store:     store,
		logger:    log.New("push"),
	}
	if store != nil {
		if cached, err := store.FetchAccessToken(appID); err == nil {
			source.token = *cached
		}
	}
	return source
}

func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if token.ValidAt(time.Now(), tokenRefreshMargin) {
		return token.Token, nil
	}

	value, err, _ := s.group.Do("token", func() (interface{}, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// Invalidate drops the cached token. Called when the platform rejects it
// ahead of its advertised expiry.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	s.token = model.AccessToken{}
	s.mu.Unlock()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
}

func (s *TokenSource) refresh(ctx context.Context) (string, error) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if token.ValidAt(time.Now(), tokenRefreshMargin) {
		return token.Token, nil
	}

	endpoint := fmt.Sprintf("%s/cgi-bin/token?grant_type=client_credential&appid=%s&secret=%s",
		s.baseURL, url.QueryEscape(string(s.appID)), url.QueryEscape(s.appSecret))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}

	res, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching access token: %w", err)
	}
	defer res.Body.Close()

	payload := tokenResponse{}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if payload.ErrCode != 0 {
		return "", &APIError{Code: payload.ErrCode, Message: payload.ErrMsg}
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("token response carried no access token")
	}

	expiresIn := payload.ExpiresIn
	if expiresIn == 0 {
		expiresIn = defaultTokenLifetime
	}
	fresh := model.AccessToken{
		AppID:     s.appID,
		Token:     payload.AccessToken,
		ExpiresAt: time.Now().Add(time.Duration(expiresIn) * time.Second),
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.token = fresh
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveAccessToken(&fresh); err != nil {
			s.logger.Warnf("persisting access token: %v", err)
		}
	}

	s.logger.Infof("refreshed access token for %s, valid %ds", s.appID, expiresIn)
	return fresh.Token, nil
}
