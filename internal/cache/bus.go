package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BusChannel carries every domain notification between the watcher process
// and the realtime gateway. Liveness bus only: offline subscribers miss
// messages, final state lives in the store.
const BusChannel = "sync:events"

// MessageType tags a bus message payload.
type MessageType string

const (
	MsgRankingUpdate     MessageType = "RANKING_UPDATE"
	MsgTaskUpdate        MessageType = "TASK_UPDATE"
	MsgTransactionUpdate MessageType = "TRANSACTION_UPDATE"
	MsgSystemStats       MessageType = "SYSTEM_STATS"
	MsgMilestoneUpdate   MessageType = "MILESTONE_UPDATE"
	MsgTokenUpdate       MessageType = "TOKEN_UPDATE"
)

// knownTypes is the closed set a relay will accept.
var knownTypes = map[MessageType]bool{
	MsgRankingUpdate:     true,
	MsgTaskUpdate:        true,
	MsgTransactionUpdate: true,
	MsgSystemStats:       true,
	MsgMilestoneUpdate:   true,
	MsgTokenUpdate:       true,
}

// Message is the bus envelope. Payload stays raw until the consumer
// validates it against the type's expected shape.
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	ID        string          `json:"id"`
}

// Validate checks the envelope fields a relay requires before forwarding.
func (m *Message) Validate() error {
	if !knownTypes[m.Type] {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has empty payload", m.Type)
	}
	if m.ID == "" {
		return fmt.Errorf("message %s has no id", m.Type)
	}
	return nil
}

// NewMessage builds a bus envelope around payload.
func NewMessage(t MessageType, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Message{
		Type:      t,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
		ID:        uuid.NewString(),
	}, nil
}

// Publish sends a message on the shared notification channel.
func (c *Cache) Publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}
	if err := c.client.Publish(ctx, BusChannel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", BusChannel, err)
	}
	return nil
}

// Subscribe delivers decoded bus messages until ctx is cancelled. Messages
// that fail to decode are handed to onError and skipped.
func (c *Cache) Subscribe(ctx context.Context, onMessage func(Message), onError func(error)) error {
	sub := c.client.Subscribe(ctx, BusChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe %s: %w", BusChannel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					if onError != nil {
						onError(fmt.Errorf("decode bus message: %w", err))
					}
					continue
				}
				onMessage(msg)
			}
		}
	}()
	return nil
}
