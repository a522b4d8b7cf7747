package database

import (
	"fmt"
	"time"
)

const messageSelect = "SELECT m.id, m.channel_id, m.sender_id, m.content, m.attachment_url, m.is_deleted, " +
	"m.created_at, m.updated_at, p.username, p.avatar_url " +
	"FROM chat_messages m LEFT JOIN profiles p ON m.sender_id = p.id "

func (db *PgGuildhallRepository) ListChannels() ([]Channel, error) {
	rows, err := db.conn.Query(
		"SELECT id, name, slug, description, is_private, created_by, created_at FROM channels ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels = make([]Channel, 0)
	for rows.Next() {
		var ch Channel
		if err = rows.Scan(&ch.Id, &ch.Name, &ch.Slug, &ch.Description, &ch.IsPrivate, &ch.CreatedBy, &ch.CreatedAt); err != nil {
			break
		}

		channels = append(channels, ch)
	}
	return channels, err
}

func (db *PgGuildhallRepository) GetChannelBySlug(slug string) (Channel, error) {
	row := db.conn.QueryRow(
		"SELECT id, name, slug, description, is_private, created_by, created_at FROM channels "+
			"WHERE slug = $1 LIMIT 1",
		slug,
	)

	var ch Channel
	err := row.Scan(
		&ch.Id,
		&ch.Name,
		&ch.Slug,
		&ch.Description,
		&ch.IsPrivate,
		&ch.CreatedBy,
		&ch.CreatedAt,
	)

	return ch, err
}

func (db *PgGuildhallRepository) GetChannelById(id string) (Channel, error) {
	row := db.conn.QueryRow(
		"SELECT id, name, slug, description, is_private, created_by, created_at FROM channels "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var ch Channel
	err := row.Scan(
		&ch.Id,
		&ch.Name,
		&ch.Slug,
		&ch.Description,
		&ch.IsPrivate,
		&ch.CreatedBy,
		&ch.CreatedAt,
	)

	return ch, err
}

func (db *PgGuildhallRepository) CreateChannel(params CreateChannelParams) (Channel, error) {
	res := db.conn.QueryRow(
		"INSERT INTO channels (name, slug, description, is_private, created_by, created_at) "+
			"VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6) RETURNING id, name, slug, description, is_private, created_by, created_at",
		params.Name,
		params.Slug,
		params.Description,
		params.IsPrivate,
		params.CreatedBy,
		time.Now().UTC(),
	)

	var ch Channel
	err := res.Scan(
		&ch.Id,
		&ch.Name,
		&ch.Slug,
		&ch.Description,
		&ch.IsPrivate,
		&ch.CreatedBy,
		&ch.CreatedAt,
	)

	return ch, err
}

// GetMessages returns the most recent non-deleted messages in a channel
// in ascending creation order, each joined with its sender's profile.
func (db *PgGuildhallRepository) GetMessages(channelId string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.conn.Query(
		messageSelect+
			"WHERE m.channel_id = $1 AND m.is_deleted = FALSE "+
			"ORDER BY m.created_at DESC LIMIT $2",
		channelId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(
			&msg.Id,
			&msg.ChannelId,
			&msg.SenderId,
			&msg.Content,
			&msg.AttachmentUrl,
			&msg.IsDeleted,
			&msg.CreatedAt,
			&msg.UpdatedAt,
			&msg.SenderName,
			&msg.SenderAvatar,
		); err != nil {
			break
		}

		messages = append(messages, msg)
	}
	if err != nil {
		return nil, err
	}

	// query fetches newest-first to bound the window, callers want
	// oldest-first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, rows.Err()
}

func (db *PgGuildhallRepository) GetMessage(id string) (Message, error) {
	row := db.conn.QueryRow(messageSelect+"WHERE m.id = $1 LIMIT 1", id)

	var msg Message
	err := row.Scan(
		&msg.Id,
		&msg.ChannelId,
		&msg.SenderId,
		&msg.Content,
		&msg.AttachmentUrl,
		&msg.IsDeleted,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&msg.SenderName,
		&msg.SenderAvatar,
	)

	return msg, err
}

func (db *PgGuildhallRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	now := time.Now().UTC()
	res := db.conn.QueryRow(
		"INSERT INTO chat_messages (channel_id, sender_id, content, attachment_url, created_at, updated_at) "+
			"VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), $5, $5) "+
			"RETURNING id, channel_id, sender_id, content, attachment_url, is_deleted, created_at, updated_at",
		params.ChannelId,
		params.SenderId,
		params.Content,
		params.AttachmentUrl,
		now,
	)

	var msg Message
	err := res.Scan(
		&msg.Id,
		&msg.ChannelId,
		&msg.SenderId,
		&msg.Content,
		&msg.AttachmentUrl,
		&msg.IsDeleted,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return msg, nil
}

func (db *PgGuildhallRepository) UpdateMessage(params UpdateMessageParams) (Message, error) {
	res := db.conn.QueryRow(
		"UPDATE chat_messages SET content = COALESCE($2, content), is_deleted = COALESCE($3, is_deleted), updated_at = $4 "+
			"WHERE id = $1 "+
			"RETURNING id, channel_id, sender_id, content, attachment_url, is_deleted, created_at, updated_at",
		params.Id,
		params.Content,
		params.IsDeleted,
		time.Now().UTC(),
	)

	var msg Message
	err := res.Scan(
		&msg.Id,
		&msg.ChannelId,
		&msg.SenderId,
		&msg.Content,
		&msg.AttachmentUrl,
		&msg.IsDeleted,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)

	return msg, err
}

func (db *PgGuildhallRepository) GetProfile(id string) (Profile, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, avatar_url, created_at, updated_at FROM profiles "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var p Profile
	err := row.Scan(
		&p.Id,
		&p.Username,
		&p.AvatarUrl,
		&p.CreatedAt,
		&p.UpdatedAt,
	)

	return p, err
}
