// Package gateway fans chain-state notifications out to realtime clients and
// answers their on-demand queries cache-first.
package gateway

import (
	"encoding/json"
	"fmt"
)

// Channel names a subscriber group.
type Channel string

const (
	ChannelRankings     Channel = "rankings"
	ChannelStats        Channel = "stats"
	ChannelLiveUpdates  Channel = "live-updates"
	ChannelTasks        Channel = "tasks"
	ChannelTransactions Channel = "transactions"
)

var validChannels = map[Channel]bool{
	ChannelRankings:     true,
	ChannelStats:        true,
	ChannelLiveUpdates:  true,
	ChannelTasks:        true,
	ChannelTransactions: true,
}

// Client->server actions.
const (
	ActionSubscribe       = "subscribe"
	ActionUnsubscribe     = "unsubscribe"
	ActionGetRankings     = "get-rankings"
	ActionGetStats        = "get-stats"
	ActionGetCollaborator = "get-collaborator"
)

// Server->client events.
const (
	EventConnected         = "connected"
	EventRankingsData      = "rankings-data"
	EventStatsData         = "stats-data"
	EventCollaboratorData  = "collaborator-data"
	EventRankingUpdate     = "ranking-update"
	EventTaskUpdate        = "task-update"
	EventTransactionUpdate = "transaction-update"
	EventStatsUpdate       = "stats-update"
	EventLiveUpdate        = "live-update"
	EventRecentActivity    = "recent-activity"
	EventError             = "error"
)

// ClientMessage is one inbound message, validated at the boundary before any
// business logic runs.
type ClientMessage struct {
	Action  string  `json:"action"`
	Channel Channel `json:"channel,omitempty"`
	Limit   int     `json:"limit,omitempty"`
	Address string  `json:"address,omitempty"`
}

// Validate checks the message is a well-formed instance of its action.
func (m *ClientMessage) Validate() error {
	switch m.Action {
	case ActionSubscribe, ActionUnsubscribe:
		if !validChannels[m.Channel] {
			return fmt.Errorf("unknown channel %q", m.Channel)
		}
	case ActionGetRankings:
		if m.Limit < 0 || m.Limit > 100 {
			return fmt.Errorf("limit %d out of range", m.Limit)
		}
	case ActionGetStats:
		// no arguments
	case ActionGetCollaborator:
		if m.Address == "" {
			return fmt.Errorf("address required")
		}
	default:
		return fmt.Errorf("unknown action %q", m.Action)
	}
	return nil
}

// ServerMessage is one outbound message.
type ServerMessage struct {
	Event   string `json:"event"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func encodeServerMessage(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(ServerMessage{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return raw, nil
}

func encodeErrorMessage(msg string) []byte {
	raw, _ := json.Marshal(ServerMessage{Event: EventError, Message: msg})
	return raw
}
