package chat

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/guildhall-io/guildhall/internal/database"
	"github.com/guildhall-io/guildhall/internal/realtime"
	"github.com/guildhall-io/guildhall/internal/stats"
	"github.com/guildhall-io/guildhall/internal/testutil"
	"github.com/guildhall-io/guildhall/internal/types"
)

func newTestBroker(t *testing.T) *realtime.Broker {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Times(4)
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	broker := realtime.NewBroker(testutil.TestLogger(t), su)
	go broker.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		broker.Shutdown(ctx)
	})

	return broker
}

func openTestSession(t *testing.T, broker *realtime.Broker, store MessageStore, user types.Profile) *ChannelSession {
	s, err := OpenSession(SessionConfig{
		ChannelId:      "chan-1",
		User:           user,
		Store:          store,
		Transport:      broker,
		Logger:         testutil.TestLogger(t),
		TypingThrottle: 10 * time.Millisecond,
		TypingExpiry:   250 * time.Millisecond,
	})
	require.NoError(t, err, "expected session to open")
	t.Cleanup(s.Close)

	return s
}

func TestSessionSendAndEcho(t *testing.T) {
	broker := newTestBroker(t)

	db := &database.MockGuildhallRepository{}
	db.On("GetMessages", "chan-1", HistoryLimit).Return([]database.Message{}, nil)

	now := time.Now().UTC()
	row := database.Message{
		Id:        "m1",
		ChannelId: "chan-1",
		SenderId:  sql.NullString{String: alice.Id, Valid: true},
		Content:   "hello",
		CreatedAt: now,
		UpdatedAt: now,
	}
	joined := row
	joined.SenderName = sql.NullString{String: alice.Username, Valid: true}

	db.On("CreateMessage", database.CreateMessageParams{
		ChannelId: "chan-1",
		SenderId:  alice.Id,
		Content:   "hello",
	}).Return(row, nil).Once()
	db.On("GetMessage", "m1").Return(joined, nil)

	store := realtime.NewFeedStore(testutil.TestLogger(t), db, broker)

	sender := openTestSession(t, broker, store, alice)
	receiver := openTestSession(t, broker, store, bob)

	msg, err := sender.Send("hello")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.Id)

	msgs := sender.Messages()
	require.Len(t, msgs, 1, "expected the sender to see its message without a round trip")

	require.Eventually(t, func() bool {
		return len(receiver.Messages()) == 1
	}, time.Second, 10*time.Millisecond, "expected the receiver to get the message via the change feed")

	// give the echo time to be delivered and deduplicated
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, sender.Messages(), 1, "expected the echoed insert to merge, not duplicate")
	assert.Len(t, receiver.Messages(), 1)
}

func TestSessionPresence(t *testing.T) {
	broker := newTestBroker(t)

	db := &database.MockGuildhallRepository{}
	db.On("GetMessages", "chan-1", HistoryLimit).Return([]database.Message{}, nil)
	store := realtime.NewFeedStore(testutil.TestLogger(t), db, broker)

	first := openTestSession(t, broker, store, alice)
	second := openTestSession(t, broker, store, bob)

	require.Eventually(t, func() bool {
		return len(first.OnlineUsers()) == 2 && len(second.OnlineUsers()) == 2
	}, time.Second, 10*time.Millisecond, "expected both sessions to see a two-user roster")

	second.Close()

	require.Eventually(t, func() bool {
		roster := first.OnlineUsers()
		return len(roster) == 1 && roster[0].UserId == alice.Id
	}, time.Second, 10*time.Millisecond, "expected the departed user to be dropped by the next snapshot")
}

func TestSessionTyping(t *testing.T) {
	broker := newTestBroker(t)

	db := &database.MockGuildhallRepository{}
	db.On("GetMessages", "chan-1", HistoryLimit).Return([]database.Message{}, nil)
	store := realtime.NewFeedStore(testutil.TestLogger(t), db, broker)

	watcher := openTestSession(t, broker, store, alice)
	typist := openTestSession(t, broker, store, bob)

	require.NoError(t, typist.NotifyTyping())

	require.Eventually(t, func() bool {
		typing := watcher.TypingUsers()
		return len(typing) == 1 && typing[0].UserId == bob.Id
	}, time.Second, 10*time.Millisecond, "expected the watcher to see the typist")

	assert.Empty(t, typist.TypingUsers(), "expected the typist to never display itself")

	assert.Eventually(t, func() bool {
		return len(watcher.TypingUsers()) == 0
	}, time.Second, 10*time.Millisecond, "expected the indicator to expire without renewal")
}

func TestSessionAnonymousDegradesGracefully(t *testing.T) {
	broker := newTestBroker(t)

	db := &database.MockGuildhallRepository{}
	db.On("GetMessages", "chan-1", HistoryLimit).Return([]database.Message{}, nil)
	store := realtime.NewFeedStore(testutil.TestLogger(t), db, broker)

	s := openTestSession(t, broker, store, types.Profile{})

	assert.Empty(t, s.OnlineUsers(), "expected presence disabled without identity")
	assert.NoError(t, s.NotifyTyping(), "expected typing to degrade to a no-op without identity")
}
