package realtime

import (
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/guildhall-io/guildhall/internal/database"
	"github.com/guildhall-io/guildhall/internal/types"
)

// ChatTopic names the change-feed topic for a channel's messages.
func ChatTopic(channelId string) string { return "chat:" + channelId }

// PresenceTopic names the ephemeral presence topic for a channel.
func PresenceTopic(channelId string) string { return "presence:" + channelId }

// TypingTopic names the ephemeral typing topic for a channel.
func TypingTopic(channelId string) string { return "typing:" + channelId }

// FeedStore wraps the durable repository and emits a change-feed event on
// the channel's chat topic for every insert and update. It is the single
// origin of INSERT/UPDATE events in the process.
type FeedStore struct {
	log    *log.Logger
	db     database.GuildhallRepository
	broker *Broker
}

func NewFeedStore(logger *log.Logger, db database.GuildhallRepository, broker *Broker) *FeedStore {
	return &FeedStore{log: logger, db: db, broker: broker}
}

func (f *FeedStore) History(channelId string, limit int) ([]types.Message, error) {
	msgs, err := f.db.GetMessages(channelId, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}

	out := make([]types.Message, len(msgs))
	for i, m := range msgs {
		out[i] = TypedMessage(m)
	}
	return out, nil
}

func (f *FeedStore) Get(id string) (types.Message, error) {
	msg, err := f.db.GetMessage(id)
	if err != nil {
		return types.Message{}, fmt.Errorf("get message: %w", err)
	}

	return TypedMessage(msg), nil
}

func (f *FeedStore) Insert(channelId, senderId, content string) (types.Message, error) {
	return f.InsertMessage(database.CreateMessageParams{
		ChannelId: channelId,
		SenderId:  senderId,
		Content:   content,
	})
}

// InsertMessage stores a full row, attachment included, and emits the
// insert on the channel's chat topic.
func (f *FeedStore) InsertMessage(params database.CreateMessageParams) (types.Message, error) {
	msg, err := f.db.CreateMessage(params)
	if err != nil {
		return types.Message{}, err
	}

	f.publish(EventInsert, msg)
	return TypedMessage(msg), nil
}

func (f *FeedStore) Update(params database.UpdateMessageParams) (types.Message, error) {
	msg, err := f.db.UpdateMessage(params)
	if err != nil {
		return types.Message{}, fmt.Errorf("update message: %w", err)
	}

	f.publish(EventUpdate, msg)
	return TypedMessage(msg), nil
}

func (f *FeedStore) publish(kind EventKind, msg database.Message) {
	err := f.broker.Publish(Event{
		Id:        uuid.NewString(),
		Topic:     ChatTopic(msg.ChannelId),
		Kind:      kind,
		Change:    rawChange(msg),
		Timestamp: Now(),
	})
	if err != nil {
		// feed delivery is best-effort, the row is already durable
		f.log.Printf("publish %s for message %s: %v", kind, msg.Id, err)
	}
}

// rawChange strips a stored row down to its scalar columns, the shape the
// change feed delivers.
func rawChange(m database.Message) *RawChange {
	return &RawChange{
		Id:        m.Id,
		ChannelId: m.ChannelId,
		SenderId:  m.SenderId.String,
		Content:   m.Content,
		IsDeleted: m.IsDeleted,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// TypedMessage converts a stored row into the enriched wire shape,
// attaching the joined sender profile when present.
func TypedMessage(m database.Message) types.Message {
	msg := types.Message{
		Id:            m.Id,
		ChannelId:     m.ChannelId,
		SenderId:      m.SenderId.String,
		Content:       m.Content,
		AttachmentUrl: m.AttachmentUrl.String,
		IsDeleted:     m.IsDeleted,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}

	if m.SenderId.Valid && m.SenderName.Valid {
		msg.Sender = &types.Profile{
			Id:        m.SenderId.String,
			Username:  m.SenderName.String,
			AvatarUrl: m.SenderAvatar.String,
		}
	}

	return msg
}
