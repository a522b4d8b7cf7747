package chat

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/guildhall-io/guildhall/internal/realtime"
	"github.com/guildhall-io/guildhall/internal/types"
)

// SessionConfig wires one channel view to its collaborators. A zero User
// id means no identity could be resolved: messaging still works, presence
// and typing stay disabled.
type SessionConfig struct {
	ChannelId string
	User      types.Profile
	Store     MessageStore
	Transport realtime.Transport
	Logger    *log.Logger

	TypingThrottle time.Duration
	TypingExpiry   time.Duration
}

// ChannelSession is the scoped owner of everything a rendered channel
// needs: the reconciled message sequence, the presence roster and the
// typing set, plus the subscriptions feeding them. Close is guaranteed to
// tear all of it down; events arriving afterwards are discarded.
type ChannelSession struct {
	log        *log.Logger
	channelId  string
	user       types.Profile
	reconciler *Reconciler
	presence   *PresenceTracker
	typing     *TypingCoordinator

	chatSub     realtime.Subscription
	presenceSub realtime.Subscription
	typingSub   realtime.Subscription

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// OpenSession subscribes to the channel's topics, announces presence and
// loads the initial history window. The change-feed subscription is
// required; presence and typing degrade to disabled if their topics
// cannot be joined or no identity is available.
func OpenSession(cfg SessionConfig) (*ChannelSession, error) {
	if cfg.ChannelId == "" {
		return nil, fmt.Errorf("channel id is required")
	}

	chatSub, err := cfg.Transport.Subscribe(realtime.ChatTopic(cfg.ChannelId))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubscriptionLost, err)
	}

	s := &ChannelSession{
		log:        cfg.Logger,
		channelId:  cfg.ChannelId,
		user:       cfg.User,
		reconciler: NewReconciler(cfg.Logger, cfg.Store, cfg.ChannelId, cfg.User),
		presence:   NewPresenceTracker(),
		chatSub:    chatSub,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	var broadcastTyping func(types.TypingIndicator) error
	if cfg.User.Id != "" {
		s.joinEphemeralTopics(cfg)
		if s.typingSub != nil {
			typingSub := s.typingSub
			broadcastTyping = func(ind types.TypingIndicator) error {
				return typingSub.Broadcast("typing", ind)
			}
		}
	}

	s.typing = NewTypingCoordinator(cfg.Logger, cfg.User, cfg.ChannelId, broadcastTyping, TypingOptions{
		Throttle: cfg.TypingThrottle,
		Expiry:   cfg.TypingExpiry,
	})

	s.reconciler.LoadHistory()

	go s.run()

	return s, nil
}

// joinEphemeralTopics attaches presence and typing. Failures here are
// degradations, not errors: the channel still renders and sends.
func (s *ChannelSession) joinEphemeralTopics(cfg SessionConfig) {
	presenceSub, err := cfg.Transport.Subscribe(realtime.PresenceTopic(cfg.ChannelId))
	if err != nil {
		s.log.Printf("join presence topic for channel %s: %v", cfg.ChannelId, err)
	} else {
		s.presenceSub = presenceSub
		err = presenceSub.Track(types.PresenceEntry{
			UserId:   cfg.User.Id,
			UserName: cfg.User.Username,
			OnlineAt: realtime.Now(),
		})
		if err != nil {
			s.log.Printf("track presence for channel %s: %v", cfg.ChannelId, err)
		}
	}

	typingSub, err := cfg.Transport.Subscribe(realtime.TypingTopic(cfg.ChannelId))
	if err != nil {
		s.log.Printf("join typing topic for channel %s: %v", cfg.ChannelId, err)
	} else {
		s.typingSub = typingSub
	}
}

func (s *ChannelSession) run() {
	defer close(s.done)

	chatEvents := s.chatSub.Events()

	var presenceEvents, typingEvents <-chan realtime.Event
	if s.presenceSub != nil {
		presenceEvents = s.presenceSub.Events()
	}
	if s.typingSub != nil {
		typingEvents = s.typingSub.Events()
	}

	for {
		select {
		case ev, ok := <-chatEvents:
			if !ok {
				chatEvents = nil
				continue
			}

			switch ev.Kind {
			case realtime.EventInsert:
				s.reconciler.OnRemoteInsert(ev.Change)
			case realtime.EventUpdate:
				s.reconciler.OnRemoteUpdate(ev.Change)
			}
		case ev, ok := <-presenceEvents:
			if !ok {
				presenceEvents = nil
				continue
			}

			if ev.Kind == realtime.EventSync {
				s.presence.ApplySync(ev.Roster)
			}
		case ev, ok := <-typingEvents:
			if !ok {
				typingEvents = nil
				continue
			}

			if ev.Kind == realtime.EventBroadcast && ev.Name == "typing" {
				var ind types.TypingIndicator
				if err := json.Unmarshal(ev.Payload, &ind); err != nil {
					s.log.Printf("parse typing payload: %v", err)
					continue
				}
				s.typing.Observe(ind)
			}
		case <-s.stop:
			return
		}
	}
}

func (s *ChannelSession) ChannelId() string { return s.channelId }

// Messages returns the reconciled message sequence.
func (s *ChannelSession) Messages() []types.Message { return s.reconciler.Messages() }

// LoadHistory reloads the channel's history window, compacting the local
// sequence.
func (s *ChannelSession) LoadHistory() []types.Message { return s.reconciler.LoadHistory() }

// Send validates, stores and locally appends a message.
func (s *ChannelSession) Send(content string) (types.Message, error) {
	return s.reconciler.Send(content)
}

// NotifyTyping broadcasts the local typing state, throttled.
func (s *ChannelSession) NotifyTyping() error { return s.typing.NotifyTyping() }

// OnlineUsers returns the roster from the latest presence snapshot.
func (s *ChannelSession) OnlineUsers() []types.PresenceEntry { return s.presence.Roster() }

// TypingUsers returns the remote users currently typing.
func (s *ChannelSession) TypingUsers() []types.TypingIndicator { return s.typing.Typing() }

// Close unsubscribes from every topic and stops the event loop. Absence
// from the next presence snapshot is the only leave signal other clients
// observe. Safe to call more than once.
func (s *ChannelSession) Close() {
	s.closeOnce.Do(func() {
		s.chatSub.Close()
		if s.presenceSub != nil {
			s.presenceSub.Close()
		}
		if s.typingSub != nil {
			s.typingSub.Close()
		}

		close(s.stop)
		<-s.done

		s.reconciler.Close()
		s.presence.Close()
	})
}
