package chat

import (
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/guildhall-io/guildhall/internal/types"
)

const (
	// DefaultTypingThrottle suppresses repeated local broadcasts so
	// keystroke-driven calls don't flood the channel.
	DefaultTypingThrottle = 2 * time.Second
	// DefaultTypingExpiry is the quiet period after which a remote
	// indicator disappears without renewal.
	DefaultTypingExpiry = 3 * time.Second
)

// TypingOptions tunes throttle and expiry. The Clock hook exists for
// tests; it defaults to time.Now.
type TypingOptions struct {
	Throttle time.Duration
	Expiry   time.Duration
	Clock    func() time.Time
}

type typingEntry struct {
	userName string
	deadline time.Time
}

// TypingCoordinator signals best-effort "is typing" state on a channel's
// ephemeral broadcast topic. Each remote user holds a single expiry
// deadline that is reset on renewal rather than stacking one timer per
// broadcast, so a rapid typist stays visible for the full quiet period
// after their last broadcast.
type TypingCoordinator struct {
	log       *log.Logger
	self      types.Profile
	channelId string
	broadcast func(types.TypingIndicator) error
	limiter   *rate.Limiter
	expiry    time.Duration
	now       func() time.Time

	mu     sync.Mutex
	active map[string]typingEntry
}

func NewTypingCoordinator(logger *log.Logger, self types.Profile, channelId string,
	broadcast func(types.TypingIndicator) error, opts TypingOptions) *TypingCoordinator {

	if opts.Throttle <= 0 {
		opts.Throttle = DefaultTypingThrottle
	}
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultTypingExpiry
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &TypingCoordinator{
		log:       logger,
		self:      self,
		channelId: channelId,
		broadcast: broadcast,
		limiter:   rate.NewLimiter(rate.Every(opts.Throttle), 1),
		expiry:    opts.Expiry,
		now:       opts.Clock,
		active:    make(map[string]typingEntry),
	}
}

// NotifyTyping broadcasts the local user's typing state. Calls inside the
// throttle window are silently dropped; callers invoke this on every
// keystroke.
func (tc *TypingCoordinator) NotifyTyping() error {
	if tc.self.Id == "" || tc.broadcast == nil {
		// no identity, feature disabled
		return nil
	}

	if !tc.limiter.AllowN(tc.now(), 1) {
		return nil
	}

	return tc.broadcast(types.TypingIndicator{
		UserId:    tc.self.Id,
		UserName:  tc.self.Username,
		ChannelId: tc.channelId,
	})
}

// Observe records a typing broadcast from another participant. The
// local user's own echoes are filtered out here, and a renewal resets
// the existing deadline.
func (tc *TypingCoordinator) Observe(ind types.TypingIndicator) {
	if ind.UserId == "" || ind.UserId == tc.self.Id {
		return
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.active[ind.UserId] = typingEntry{
		userName: ind.UserName,
		deadline: tc.now().Add(tc.expiry),
	}
}

// Typing returns the users currently typing, pruning expired entries.
func (tc *TypingCoordinator) Typing() []types.TypingIndicator {
	now := tc.now()

	tc.mu.Lock()
	defer tc.mu.Unlock()

	out := make([]types.TypingIndicator, 0, len(tc.active))
	for userId, entry := range tc.active {
		if !entry.deadline.After(now) {
			delete(tc.active, userId)
			continue
		}

		out = append(out, types.TypingIndicator{
			UserId:    userId,
			UserName:  entry.userName,
			ChannelId: tc.channelId,
		})
	}

	slices.SortFunc(out, func(a, b types.TypingIndicator) int {
		return strings.Compare(a.UserId, b.UserId)
	})

	return out
}
