package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildhall-io/guildhall/internal/testutil"
	"github.com/guildhall-io/guildhall/internal/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestTypingCoordinator(t *testing.T, clock *fakeClock, sent *[]types.TypingIndicator) *TypingCoordinator {
	broadcast := func(ind types.TypingIndicator) error {
		*sent = append(*sent, ind)
		return nil
	}

	return NewTypingCoordinator(testutil.TestLogger(t), alice, "chan-1", broadcast, TypingOptions{
		Clock: clock.Now,
	})
}

func TestNotifyTypingThrottle(t *testing.T) {
	clock := newFakeClock()
	var sent []types.TypingIndicator
	tc := newTestTypingCoordinator(t, clock, &sent)

	require.NoError(t, tc.NotifyTyping())
	clock.Advance(500 * time.Millisecond)
	require.NoError(t, tc.NotifyTyping())

	assert.Len(t, sent, 1, "expected two calls 500ms apart to produce exactly one broadcast")

	clock.Advance(2 * time.Second)
	require.NoError(t, tc.NotifyTyping())
	assert.Len(t, sent, 2, "expected a broadcast once the throttle window passed")
}

func TestNotifyTypingNoIdentity(t *testing.T) {
	clock := newFakeClock()
	var sent []types.TypingIndicator

	broadcast := func(ind types.TypingIndicator) error {
		sent = append(sent, ind)
		return nil
	}
	tc := NewTypingCoordinator(testutil.TestLogger(t), types.Profile{}, "chan-1", broadcast, TypingOptions{
		Clock: clock.Now,
	})

	require.NoError(t, tc.NotifyTyping())
	assert.Empty(t, sent, "expected no broadcast without an identity")
}

func TestObserveSelfFiltered(t *testing.T) {
	clock := newFakeClock()
	var sent []types.TypingIndicator
	tc := newTestTypingCoordinator(t, clock, &sent)

	tc.Observe(types.TypingIndicator{UserId: alice.Id, UserName: alice.Username, ChannelId: "chan-1"})
	assert.Empty(t, tc.Typing(), "expected the local user's own broadcasts to be filtered out")
}

func TestTypingExpiry(t *testing.T) {
	clock := newFakeClock()
	var sent []types.TypingIndicator
	tc := newTestTypingCoordinator(t, clock, &sent)

	tc.Observe(types.TypingIndicator{UserId: bob.Id, UserName: bob.Username, ChannelId: "chan-1"})
	require.Len(t, tc.Typing(), 1, "expected indicator present after observe")

	clock.Advance(3100 * time.Millisecond)
	assert.Empty(t, tc.Typing(), "expected indicator absent 3.1s after the only broadcast")
}

func TestTypingRenewalResetsDeadline(t *testing.T) {
	clock := newFakeClock()
	var sent []types.TypingIndicator
	tc := newTestTypingCoordinator(t, clock, &sent)

	ind := types.TypingIndicator{UserId: bob.Id, UserName: bob.Username, ChannelId: "chan-1"}

	tc.Observe(ind)
	clock.Advance(time.Second)
	tc.Observe(ind) // renewal resets the deadline rather than stacking a timer

	clock.Advance(2500 * time.Millisecond) // T+3.5s, 2.5s after renewal
	assert.Len(t, tc.Typing(), 1, "expected indicator still visible 2.5s after renewal")

	clock.Advance(600 * time.Millisecond) // T+4.1s, 3.1s after renewal
	assert.Empty(t, tc.Typing(), "expected indicator gone 3.1s after the last renewal")
}

func TestTypingMultipleUsers(t *testing.T) {
	clock := newFakeClock()
	var sent []types.TypingIndicator
	tc := newTestTypingCoordinator(t, clock, &sent)

	tc.Observe(types.TypingIndicator{UserId: "user-b", UserName: "bob", ChannelId: "chan-1"})
	tc.Observe(types.TypingIndicator{UserId: "user-c", UserName: "carol", ChannelId: "chan-1"})

	typing := tc.Typing()
	require.Len(t, typing, 2)
	assert.Equal(t, "user-b", typing[0].UserId)
	assert.Equal(t, "user-c", typing[1].UserId)
}
