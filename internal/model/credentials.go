package model

import (
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/google/uuid"
)

type AppID string

type Credentials struct {
	AppID          AppID      `db:"AppID"`
	AppSecret      string     `db:"AppSecret"`
	Token          string     `db:"Token"`
	EncodingAESKey string     `db:"EncodingAESKey"`
	CreatedAt      time.Time  `db:"CreatedAt"`
	UpdatedAt      *time.Time `db:"UpdatedAt"`
}

type AccessToken struct {
	AppID     AppID     `db:"AppID"`
	Token     string    `db:"Token"`
	ExpiresAt time.Time `db:"ExpiresAt"`
	CreatedAt time.Time `db:"CreatedAt"`
}

func (t *AccessToken) ValidAt(now time.Time, margin time.Duration) bool {
	return t.Token != "" && now.Add(margin).Before(t.ExpiresAt)
}

func CreateID() string {
	uuid, _ := uuid.NewRandom()
	return base58.Encode(uuid[:])
}
