package types

import (
	"time"
)

type Profile struct {
	Id        string    `json:"id"`
	Username  string    `json:"username"`
	AvatarUrl string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type Channel struct {
	Id          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	IsPrivate   bool      `json:"is_private"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

type Message struct {
	Id            string    `json:"id"`
	ChannelId     string    `json:"channel_id"`
	SenderId      string    `json:"sender_id,omitempty"`
	Content       string    `json:"content"`
	AttachmentUrl string    `json:"attachment_url,omitempty"`
	IsDeleted     bool      `json:"is_deleted"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Sender        *Profile  `json:"sender,omitempty"`
}

type PresenceEntry struct {
	UserId   string    `json:"user_id"`
	UserName string    `json:"user_name"`
	OnlineAt time.Time `json:"online_at"`
}

type TypingIndicator struct {
	UserId    string `json:"user_id"`
	UserName  string `json:"user_name"`
	ChannelId string `json:"channel_id"`
}
