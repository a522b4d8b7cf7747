package realtime

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/guildhall-io/guildhall/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Identity is the authenticated user behind a websocket connection. The
// zero value means anonymous: subscribing still works, track and
// broadcast are refused so presence and typing simply stay disabled.
type Identity struct {
	UserId   string
	UserName string
}

func (id Identity) Anonymous() bool { return id.UserId == "" }

type ClientFrame struct {
	Id          string            `json:"id,omitempty"`
	Subscribe   *SubscribeFrame   `json:"subscribe,omitempty"`
	Unsubscribe *UnsubscribeFrame `json:"unsubscribe,omitempty"`
	Track       *TrackFrame       `json:"track,omitempty"`
	Broadcast   *BroadcastFrame   `json:"broadcast,omitempty"`
}

type SubscribeFrame struct {
	Topic string `json:"topic"`
}

type UnsubscribeFrame struct {
	Topic string `json:"topic"`
}

type TrackFrame struct {
	Topic string `json:"topic"`
}

type BroadcastFrame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type ServerFrame struct {
	Id    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
	Event *Event `json:"event,omitempty"`
}

// Client bridges one websocket connection onto broker subscriptions.
type Client struct {
	conn     *websocket.Conn
	broker   *Broker
	log      *log.Logger
	identity Identity
	send     chan *ServerFrame
	subs     map[string]Subscription
	subsLock sync.Mutex
	stop     chan struct{}
}

func NewClient(identity Identity, conn *websocket.Conn, broker *Broker, l *log.Logger) *Client {
	return &Client{
		conn:     conn,
		broker:   broker,
		log:      l,
		identity: identity,
		send:     make(chan *ServerFrame, 256),
		subs:     make(map[string]Subscription),
		stop:     make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Println("write exiting")
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(frame)
			if err != nil {
				c.log.Println("failed to serialize frame:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Println("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Println("error parsing frame:", err)
			c.queueFrame(&ServerFrame{Error: "invalid frame"})
			continue
		}

		switch {
		case frame.Subscribe != nil:
			c.handleSubscribe(&frame)
		case frame.Unsubscribe != nil:
			c.handleUnsubscribe(&frame)
		case frame.Track != nil:
			c.handleTrack(&frame)
		case frame.Broadcast != nil:
			c.handleBroadcast(&frame)
		default:
			c.queueFrame(&ServerFrame{Id: frame.Id, Error: "invalid frame"})
		}
	}
}

func (c *Client) handleSubscribe(frame *ClientFrame) {
	topic := frame.Subscribe.Topic
	if topic == "" {
		c.queueFrame(&ServerFrame{Id: frame.Id, Error: "topic required"})
		return
	}

	c.subsLock.Lock()
	if _, ok := c.subs[topic]; ok {
		c.subsLock.Unlock()
		c.queueFrame(&ServerFrame{Id: frame.Id, Error: "already subscribed"})
		return
	}
	c.subsLock.Unlock()

	sub, err := c.broker.Subscribe(topic)
	if err != nil {
		c.queueFrame(&ServerFrame{Id: frame.Id, Error: "subscribe failed"})
		return
	}

	c.subsLock.Lock()
	c.subs[topic] = sub
	c.subsLock.Unlock()

	go c.forward(sub)
	c.queueFrame(&ServerFrame{Id: frame.Id})
}

func (c *Client) handleUnsubscribe(frame *ClientFrame) {
	c.subsLock.Lock()
	sub, ok := c.subs[frame.Unsubscribe.Topic]
	if ok {
		delete(c.subs, frame.Unsubscribe.Topic)
	}
	c.subsLock.Unlock()

	if !ok {
		c.queueFrame(&ServerFrame{Id: frame.Id, Error: "not subscribed"})
		return
	}

	sub.Close()
	c.queueFrame(&ServerFrame{Id: frame.Id})
}

func (c *Client) handleTrack(frame *ClientFrame) {
	if c.identity.Anonymous() {
		c.queueFrame(&ServerFrame{Id: frame.Id, Error: "identity required"})
		return
	}

	sub := c.getSub(frame.Track.Topic)
	if sub == nil {
		c.queueFrame(&ServerFrame{Id: frame.Id, Error: "not subscribed"})
		return
	}

	err := sub.Track(types.PresenceEntry{
		UserId:   c.identity.UserId,
		UserName: c.identity.UserName,
		OnlineAt: Now(),
	})
	if err != nil {
		c.queueFrame(&ServerFrame{Id: frame.Id, Error: "track failed"})
		return
	}

	c.queueFrame(&ServerFrame{Id: frame.Id})
}

func (c *Client) handleBroadcast(frame *ClientFrame) {
	if c.identity.Anonymous() {
		c.queueFrame(&ServerFrame{Id: frame.Id, Error: "identity required"})
		return
	}

	sub := c.getSub(frame.Broadcast.Topic)
	if sub == nil {
		c.queueFrame(&ServerFrame{Id: frame.Id, Error: "not subscribed"})
		return
	}

	if err := sub.Broadcast(frame.Broadcast.Event, frame.Broadcast.Payload); err != nil {
		c.queueFrame(&ServerFrame{Id: frame.Id, Error: "broadcast failed"})
		return
	}

	c.queueFrame(&ServerFrame{Id: frame.Id})
}

// forward pumps broker events for one subscription into the send queue.
// It exits when the subscription's event channel is closed.
func (c *Client) forward(sub Subscription) {
	for ev := range sub.Events() {
		ev := ev
		c.queueFrame(&ServerFrame{Event: &ev})
	}
}

func (c *Client) getSub(topic string) Subscription {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()

	return c.subs[topic]
}

func (c *Client) queueFrame(frame *ServerFrame) bool {
	select {
	case c.send <- frame:
	default:
		c.log.Println("failed to queue frame, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) cleanup() {
	c.subsLock.Lock()
	subs := make([]Subscription, 0, len(c.subs))
	for topic, sub := range c.subs {
		subs = append(subs, sub)
		delete(c.subs, topic)
	}
	c.subsLock.Unlock()

	for _, sub := range subs {
		sub.Close()
	}

	close(c.stop)
}
