package chat

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/guildhall-io/guildhall/internal/realtime"
	"github.com/guildhall-io/guildhall/internal/types"
)

// HistoryLimit bounds the initial window of messages loaded per channel.
const HistoryLimit = 100

// MessageStore is the durable-store contract the reconciler depends on.
// Insert returns the stored row with its store-assigned id and
// timestamps; Get returns a row enriched with its sender profile.
type MessageStore interface {
	History(channelId string, limit int) ([]types.Message, error)
	Get(id string) (types.Message, error)
	Insert(channelId, senderId, content string) (types.Message, error)
}

// Reconciler presents a single duplicate-free message sequence for one
// channel, fed by local sends and by asynchronously delivered change-feed
// events. The store-assigned message id is the sole deduplication key:
// the echo of a self-sent message is not suppressed at the transport, so
// every merge goes through mergeLocked.
type Reconciler struct {
	log       *log.Logger
	store     MessageStore
	channelId string
	sender    types.Profile

	mu       sync.Mutex
	messages []types.Message
	index    map[string]int
	closed   bool
}

func NewReconciler(logger *log.Logger, store MessageStore, channelId string, sender types.Profile) *Reconciler {
	return &Reconciler{
		log:       logger,
		store:     store,
		channelId: channelId,
		sender:    sender,
		index:     make(map[string]int),
	}
}

// Messages returns a copy of the current reconciled sequence.
func (r *Reconciler) Messages() []types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// LoadHistory replaces the local sequence with the most recent window
// from the store. Store failure is not fatal to the caller: the channel
// renders empty and the next resync restores consistency.
func (r *Reconciler) LoadHistory() []types.Message {
	msgs, err := r.store.History(r.channelId, HistoryLimit)
	if err != nil {
		r.log.Printf("load history for channel %s: %v", r.channelId, err)
		msgs = nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.messages = r.messages[:0]
	r.index = make(map[string]int)
	for _, msg := range msgs {
		r.mergeLocked(msg)
	}

	out := make([]types.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Send validates and durably inserts content, then appends the confirmed
// message to the local sequence in the same call so the sender sees it
// without waiting for the asynchronous echo. A failed insert leaves local
// state untouched.
func (r *Reconciler) Send(content string) (types.Message, error) {
	if strings.TrimSpace(content) == "" {
		return types.Message{}, ErrEmptyMessage
	}

	msg, err := r.store.Insert(r.channelId, r.sender.Id, content)
	if err != nil {
		return types.Message{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if msg.Sender == nil && r.sender.Id != "" {
		sender := r.sender
		msg.Sender = &sender
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return msg, nil
	}

	r.mergeLocked(msg)
	return msg, nil
}

// OnRemoteInsert hydrates a change-feed insert into an enriched message
// and merges it. The feed payload carries only scalar row columns, so
// sender display data comes from a follow-up fetch.
func (r *Reconciler) OnRemoteInsert(change *realtime.RawChange) {
	if change == nil || change.ChannelId != r.channelId {
		return
	}

	msg, err := r.store.Get(change.Id)
	if err != nil {
		r.log.Printf("hydrate message %s: %v", change.Id, err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	r.mergeLocked(msg)
}

// OnRemoteUpdate shallow-merges the updated scalar fields into a known
// message. An update for a message outside the visible window is a no-op.
func (r *Reconciler) OnRemoteUpdate(change *realtime.RawChange) {
	if change == nil || change.ChannelId != r.channelId {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	idx, ok := r.index[change.Id]
	if !ok {
		return
	}

	msg := r.messages[idx]
	msg.Content = change.Content
	msg.IsDeleted = change.IsDeleted
	msg.UpdatedAt = change.UpdatedAt
	r.messages[idx] = msg
}

// mergeLocked is the single merge point: a known id is replaced in place,
// an unknown one is appended at the tail. Existing entries are never
// reordered, and out-of-order remote inserts are deliberately appended
// rather than sorted in by timestamp.
func (r *Reconciler) mergeLocked(msg types.Message) {
	if idx, ok := r.index[msg.Id]; ok {
		r.messages[idx] = msg
		return
	}

	r.index[msg.Id] = len(r.messages)
	r.messages = append(r.messages, msg)
}

// Close stops all further state changes. Events delivered after close
// are discarded.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
