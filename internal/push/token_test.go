package push

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loopreply/wegate/internal/model"
	"github.com/stretchr/testify/assert"
)

type memoryTokenStore struct {
	mu    sync.Mutex
	saved []model.AccessToken
	token *model.AccessToken
}

func (m *memoryTokenStore) SaveAccessToken(token *model.AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, *token)
	m.token = token
	return nil
}

func (m *memoryTokenStore) FetchAccessToken(model.AppID) (*model.AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return nil, model.ErrorTokenNotFound
	}
	return m.token, nil
}

func newTokenServer(hits *int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cgi-bin/token" {
			http.NotFound(w, r)
			return
		}
		n := atomic.AddInt64(hits, 1)
		time.Sleep(20 * time.Millisecond)
		fmt.Fprintf(w, `{"access_token":"TOKEN_%d","expires_in":7200}`, n)
	}))
}

func TestTokenSource(t *testing.T) {
	assert := assert.New(t)

	t.Run("Caches Until Expiry", func(t *testing.T) {
		var hits int64
		server := newTokenServer(&hits)
		defer server.Close()

		source := NewTokenSource("wx1", "secret", server.URL, nil)
		ctx := context.Background()

		token, err := source.Token(ctx)
		assert.Nil(err)
		assert.Equal("TOKEN_1", token)

		token, err = source.Token(ctx)
		assert.Nil(err)
		assert.Equal("TOKEN_1", token)
		assert.Equal(int64(1), atomic.LoadInt64(&hits))
	})

	t.Run("Concurrent Callers Share One Refresh", func(t *testing.T) {
		var hits int64
		server := newTokenServer(&hits)
		defer server.Close()

		source := NewTokenSource("wx1", "secret", server.URL, nil)
		wg := sync.WaitGroup{}
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				token, err := source.Token(context.Background())
				assert.Nil(err)
				assert.Equal("TOKEN_1", token)
			}()
		}
		wg.Wait()
		assert.Equal(int64(1), atomic.LoadInt64(&hits))
	})

	t.Run("Invalidate Forces Refetch", func(t *testing.T) {
		var hits int64
		server := newTokenServer(&hits)
		defer server.Close()

		source := NewTokenSource("wx1", "secret", server.URL, nil)
		ctx := context.Background()

		_, err := source.Token(ctx)
		assert.Nil(err)
		source.Invalidate()
		token, err := source.Token(ctx)
		assert.Nil(err)
		assert.Equal("TOKEN_2", token)
		assert.Equal(int64(2), atomic.LoadInt64(&hits))
	})

	t.Run("Persists Fetched Tokens", func(t *testing.T) {
		var hits int64
		server := newTokenServer(&hits)
		defer server.Close()

		store := &memoryTokenStore{}
		source := NewTokenSource("wx1", "secret", server.URL, store)
		_, err := source.Token(context.Background())
		assert.Nil(err)

		store.mu.Lock()
		defer store.mu.Unlock()
		assert.Len(store.saved, 1)
		assert.Equal("TOKEN_1", store.saved[0].Token)
		assert.Equal(model.AppID("wx1"), store.saved[0].AppID)
	})

	t.Run("Boots From Persisted Token", func(t *testing.T) {
		var hits int64
		server := newTokenServer(&hits)
		defer server.Close()

		store := &memoryTokenStore{token: &model.AccessToken{
			AppID:     "wx1",
			Token:     "PERSISTED",
			ExpiresAt: time.Now().Add(time.Hour),
		}}
		source := NewTokenSource("wx1", "secret", server.URL, store)

		token, err := source.Token(context.Background())
		assert.Nil(err)
		assert.Equal("PERSISTED", token)
		assert.Equal(int64(0), atomic.LoadInt64(&hits))
	})

	t.Run("Surfaces Platform Errors", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"errcode":40125,"errmsg":"invalid appsecret"}`)
		}))
		defer server.Close()

		source := NewTokenSource("wx1", "wrong", server.URL, nil)
		_, err := source.Token(context.Background())
		assert.True(IsAPIError(err, 40125))
	})
}
