package gateway

import (
	"encoding/json"
	"testing"
)

func TestClientMessageValidate(t *testing.T) {
	cases := []struct {
		name    string
		msg     ClientMessage
		wantErr bool
	}{
		{"subscribe rankings", ClientMessage{Action: ActionSubscribe, Channel: ChannelRankings}, false},
		{"subscribe live-updates", ClientMessage{Action: ActionSubscribe, Channel: ChannelLiveUpdates}, false},
		{"unsubscribe tasks", ClientMessage{Action: ActionUnsubscribe, Channel: ChannelTasks}, false},
		{"get rankings default limit", ClientMessage{Action: ActionGetRankings}, false},
		{"get rankings bounded", ClientMessage{Action: ActionGetRankings, Limit: 100}, false},
		{"get stats", ClientMessage{Action: ActionGetStats}, false},
		{"get collaborator", ClientMessage{Action: ActionGetCollaborator, Address: "0xabc"}, false},

		{"subscribe unknown channel", ClientMessage{Action: ActionSubscribe, Channel: "admin"}, true},
		{"subscribe empty channel", ClientMessage{Action: ActionSubscribe}, true},
		{"negative limit", ClientMessage{Action: ActionGetRankings, Limit: -1}, true},
		{"oversized limit", ClientMessage{Action: ActionGetRankings, Limit: 101}, true},
		{"collaborator without address", ClientMessage{Action: ActionGetCollaborator}, true},
		{"unknown action", ClientMessage{Action: "drop-tables"}, true},
		{"empty action", ClientMessage{}, true},
	}

	for _, c := range cases {
		err := c.msg.Validate()
		if c.wantErr && err == nil {
			t.Errorf("%s: expected error", c.name)
		}
		if !c.wantErr && err != nil {
			t.Errorf("%s: %v", c.name, err)
		}
	}
}

func TestEncodeServerMessage(t *testing.T) {
	raw, err := encodeServerMessage(EventStatsData, map[string]int{"activeTasks": 3})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var msg ServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Event != EventStatsData {
		t.Fatalf("event: %s", msg.Event)
	}
}

func TestEncodeErrorMessage(t *testing.T) {
	var msg ServerMessage
	if err := json.Unmarshal(encodeErrorMessage("not found"), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Event != EventError || msg.Message != "not found" {
		t.Fatalf("got %+v", msg)
	}
}
