package realtime

import (
	"encoding/json"
	"time"

	"github.com/guildhall-io/guildhall/internal/types"
)

type EventKind string

const (
	// EventBroadcast is a topic-scoped fan-out of an application payload.
	EventBroadcast EventKind = "broadcast"
	// EventSync carries a full presence roster snapshot. It replaces any
	// previously delivered roster, it is never a delta.
	EventSync EventKind = "sync"
	// EventInsert and EventUpdate are change-feed events for a stored row.
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
)

// RawChange carries only the scalar row columns of a change-feed event.
// Consumers hydrate it into an enriched message with a follow-up fetch.
type RawChange struct {
	Id        string    `json:"id"`
	ChannelId string    `json:"channel_id"`
	SenderId  string    `json:"sender_id,omitempty"`
	Content   string    `json:"content"`
	IsDeleted bool      `json:"is_deleted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Event struct {
	Id        string                `json:"id"`
	Topic     string                `json:"topic"`
	Kind      EventKind             `json:"kind"`
	Name      string                `json:"name,omitempty"`
	Payload   json.RawMessage       `json:"payload,omitempty"`
	Roster    []types.PresenceEntry `json:"roster,omitempty"`
	Change    *RawChange            `json:"change,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
