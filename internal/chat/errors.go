package chat

import "errors"

var (
	// ErrEmptyMessage rejects a send whose content is blank after
	// trimming. Nothing is sent to the store.
	ErrEmptyMessage = errors.New("message content is empty")
	// ErrStoreUnavailable wraps a failed durable-store call. Local state
	// is left untouched when it is returned.
	ErrStoreUnavailable = errors.New("message store unavailable")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session is closed")
	// ErrSubscriptionLost indicates a realtime subscription could not be
	// established. Reconnecting is the transport's responsibility.
	ErrSubscriptionLost = errors.New("realtime subscription lost")
)
