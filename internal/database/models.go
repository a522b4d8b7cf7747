package database

import (
	"database/sql"
	"time"
)

type Profile struct {
	Id        string
	Username  string
	AvatarUrl sql.NullString
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Channel struct {
	Id          string
	Name        string
	Slug        string
	Description string
	IsPrivate   bool
	CreatedBy   sql.NullString
	CreatedAt   time.Time
}

type Message struct {
	Id            string
	ChannelId     string
	SenderId      sql.NullString
	Content       string
	AttachmentUrl sql.NullString
	IsDeleted     bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	SenderName    sql.NullString
	SenderAvatar  sql.NullString
}

type CreateChannelParams struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	IsPrivate   bool   `json:"is_private"`
	CreatedBy   string `json:"-"`
}

type CreateMessageParams struct {
	ChannelId     string
	SenderId      string
	Content       string
	AttachmentUrl string
}

// UpdateMessageParams carries a partial update. Nil fields are left
// unchanged by the store.
type UpdateMessageParams struct {
	Id        string
	Content   *string
	IsDeleted *bool
}
