// Package crosstab propagates auth transitions between open tabs. A tab that
// receives a message must not re-broadcast it; the sender ID guard below is
// what breaks the feedback loop.
package crosstab

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

type MessageType string

const (
	TypeAuthStateChanged MessageType = "AUTH_STATE_CHANGED"
	TypeSessionExpired   MessageType = "SESSION_EXPIRED"
	TypeLogout           MessageType = "LOGOUT"
)

type Message struct {
	Type     MessageType     `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SenderID string          `json:"senderId"`
	SentAt   time.Time       `json:"sentAt"`
}

// Channel is one tab's handle on the shared broadcast medium. Handlers never
// receive the tab's own messages.
type Channel interface {
	Broadcast(msgType MessageType, payload any) error
	OnMessage(handler func(Message)) (unsubscribe func())
	SenderID() string
	Close() error
}

func newSenderID() string {
	return fmt.Sprintf("tab_%d_%d", os.Getpid(), time.Now().UnixNano())
}

// MemoryHub delivers messages between channels in one process. It backs
// tests and multi-client setups that do not span processes.
type MemoryHub struct {
	mu      sync.Mutex
	members map[string]*memoryChannel
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{members: map[string]*memoryChannel{}}
}

func (h *MemoryHub) Join() Channel {
	ch := &memoryChannel{
		hub:      h,
		senderID: newSenderID(),
		handlers: map[int]func(Message){},
	}
	h.mu.Lock()
	h.members[ch.senderID] = ch
	h.mu.Unlock()
	return ch
}

func (h *MemoryHub) deliver(msg Message) {
	h.mu.Lock()
	members := make([]*memoryChannel, 0, len(h.members))
	for _, member := range h.members {
		members = append(members, member)
	}
	h.mu.Unlock()
	for _, member := range members {
		if member.senderID == msg.SenderID {
			continue
		}
		member.dispatch(msg)
	}
}

type memoryChannel struct {
	hub      *MemoryHub
	senderID string

	mu       sync.Mutex
	handlers map[int]func(Message)
	nextID   int
	closed   bool
}

func (c *memoryChannel) Broadcast(msgType MessageType, payload any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	msg, err := buildMessage(msgType, payload, c.senderID)
	if err != nil {
		return err
	}
	c.hub.deliver(msg)
	return nil
}

func (c *memoryChannel) OnMessage(handler func(Message)) func() {
	if handler == nil {
		return func() {}
	}
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = handler
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers, id)
			c.mu.Unlock()
		})
	}
}

func (c *memoryChannel) SenderID() string { return c.senderID }

func (c *memoryChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.handlers = map[int]func(Message){}
	c.mu.Unlock()
	c.hub.mu.Lock()
	delete(c.hub.members, c.senderID)
	c.hub.mu.Unlock()
	return nil
}

func (c *memoryChannel) dispatch(msg Message) {
	c.mu.Lock()
	handlers := make([]func(Message), 0, len(c.handlers))
	for _, handler := range c.handlers {
		handlers = append(handlers, handler)
	}
	c.mu.Unlock()
	for _, handler := range handlers {
		handler(msg)
	}
}

func buildMessage(msgType MessageType, payload any, senderID string) (Message, error) {
	msg := Message{
		Type:     msgType,
		SenderID: senderID,
		SentAt:   time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		msg.Payload = raw
	}
	return msg, nil
}
