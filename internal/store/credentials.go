package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/loopreply/wegate/internal/model"
	_ "github.com/mattn/go-sqlite3"
)

const credentialDBName = "wegate.db"

type Config interface {
	DataDirectory() string
}

// CredentialStore persists the account configuration and the customer
// service API access token, so both survive restarts and can be changed
// without redeploying.
type CredentialStore struct {
	db *sqlx.DB
}

func NewCredentialStore(config Config) (*CredentialStore, error) {
	dir := config.DataDirectory()
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite3", "file:"+path.Join(dir, credentialDBName))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	store := &CredentialStore{db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return store, nil
}

func (s *CredentialStore) Close() error {
	return s.db.Close()
}

func (s *CredentialStore) createTables() error {
	_, err := s.db.Exec(`create table if not exists wechat_config(
		AppID          text not null primary key,
		AppSecret      text not null,
		Token          text not null,
		EncodingAESKey text not null,
		CreatedAt      DATETIME not null,
		UpdatedAt      DATETIME null
	)`)
	if err != nil {
		return fmt.Errorf("creating wechat_config table: %w", err)
	}

	_, err = s.db.Exec(`create table if not exists access_token(
		AppID     text not null primary key,
		Token     text not null,
		ExpiresAt DATETIME not null,
		CreatedAt DATETIME not null
	)`)
	if err != nil {
		return fmt.Errorf("creating access_token table: %w", err)
	}

	return nil
}

func (s *CredentialStore) Credentials(ctx context.Context) (*model.Credentials, error) {
	credentials := &model.Credentials{}
	err := s.db.GetContext(ctx, credentials, `select * from wechat_config order by CreatedAt desc limit 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorNotConfigured
		}
		return nil, fmt.Errorf("fetching credentials: %w", err)
	}
	return credentials, nil
}

func (s *CredentialStore) SaveCredentials(credentials *model.Credentials) error {
	if credentials.CreatedAt.IsZero() {
		credentials.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.NamedExec(`insert into wechat_config
		(AppID, AppSecret, Token, EncodingAESKey, CreatedAt)
		values(:AppID, :AppSecret, :Token, :EncodingAESKey, :CreatedAt)
		on conflict(AppID) do update set
			AppSecret = excluded.AppSecret,
			Token = excluded.Token,
			EncodingAESKey = excluded.EncodingAESKey,
			UpdatedAt = CURRENT_TIMESTAMP`, credentials)
	if err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	if rows, err := res.RowsAffected(); rows != 1 {
		return fmt.Errorf("expected 1 row to be affected, got %d", rows)
	} else if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	return nil
}

func (s *CredentialStore) SaveAccessToken(token *model.AccessToken) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExec(`insert into access_token
		(AppID, Token, ExpiresAt, CreatedAt)
		values(:AppID, :Token, :ExpiresAt, :CreatedAt)
		on conflict(AppID) do update set
			Token = excluded.Token,
			ExpiresAt = excluded.ExpiresAt,
			CreatedAt = excluded.CreatedAt`, token)
	if err != nil {
		return fmt.Errorf("saving access token: %w", err)
	}
	return nil
}

func (s *CredentialStore) FetchAccessToken(appID model.AppID) (*model.AccessToken, error) {
	token := &model.AccessToken{}
	err := s.db.Get(token, `select * from access_token where AppID = ?`, appID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorTokenNotFound
		}
		return nil, fmt.Errorf("fetching access token: %w", err)
	}
	return token, nil
}
