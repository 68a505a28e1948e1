package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/cache"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/collaborator"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/ledger"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/stats"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/task"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/metrics"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/storage"
	"github.com/ElMartidel96/mbxarts-platform-sub008/pkg/logger"
)

// stubStore serves canned reads and counts how often each view is recomputed.
type stubStore struct {
	rankings      []collaborator.Ranking
	systemStats   stats.SystemStats
	collaborators map[string]collaborator.Collaborator
	tasks         []task.Task
	transactions  []ledger.Transaction

	rankingsCalls     int
	statsCalls        int
	collaboratorCalls int
}

func (s *stubStore) CreateTask(ctx context.Context, t task.Task) (task.Task, error) {
	return t, nil
}

func (s *stubStore) UpdateTask(ctx context.Context, id string, upd task.Update) (task.Task, error) {
	return task.Task{}, storage.ErrNotFound
}

func (s *stubStore) GetTask(ctx context.Context, id string) (task.Task, error) {
	return task.Task{}, storage.ErrNotFound
}

func (s *stubStore) ListTasksByStatus(ctx context.Context, status task.Status, limit int) ([]task.Task, error) {
	return s.tasks, nil
}

func (s *stubStore) CreateTransaction(ctx context.Context, tx ledger.Transaction) (bool, error) {
	return true, nil
}

func (s *stubStore) ListTransactions(ctx context.Context, limit int) ([]ledger.Transaction, error) {
	return s.transactions, nil
}

func (s *stubStore) GetCollaborator(ctx context.Context, address string) (collaborator.Collaborator, error) {
	s.collaboratorCalls++
	c, ok := s.collaborators[address]
	if !ok {
		return collaborator.Collaborator{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *stubStore) UpsertCollaborator(ctx context.Context, address string, d collaborator.Delta) (collaborator.Collaborator, error) {
	return collaborator.Collaborator{}, nil
}

func (s *stubStore) GetRankings(ctx context.Context, limit int) ([]collaborator.Ranking, error) {
	s.rankingsCalls++
	return s.rankings, nil
}

func (s *stubStore) GetSystemStats(ctx context.Context) (stats.SystemStats, error) {
	s.statsCalls++
	return s.systemStats, nil
}

func (s *stubStore) InTx(ctx context.Context, fn func(storage.Store) error) error {
	return fn(s)
}

var _ storage.Store = (*stubStore)(nil)

// mapCache is an in-memory Cache with the same envelope-free semantics the
// gateway relies on: a set key hits, an unset key misses.
type mapCache struct {
	entries map[string][]byte
	recent  [][]byte
	counter map[string]int64
}

func newMapCache() *mapCache {
	return &mapCache{
		entries: make(map[string][]byte),
		counter: make(map[string]int64),
	}
}

func (c *mapCache) Get(ctx context.Context, key string, dest any) error {
	raw, ok := c.entries[key]
	if !ok {
		return cache.ErrMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *mapCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.entries[key] = raw
	return nil
}

func (c *mapCache) GetRankings(ctx context.Context) ([]collaborator.Ranking, error) {
	var rankings []collaborator.Ranking
	if err := c.Get(ctx, cache.KeyRankings, &rankings); err != nil {
		return nil, err
	}
	return rankings, nil
}

func (c *mapCache) CacheRankings(ctx context.Context, rankings []collaborator.Ranking) error {
	return c.Set(ctx, cache.KeyRankings, rankings, cache.RankingsTTL)
}

func (c *mapCache) GetSystemStats(ctx context.Context) (stats.SystemStats, error) {
	var st stats.SystemStats
	if err := c.Get(ctx, cache.KeySystemStats, &st); err != nil {
		return stats.SystemStats{}, err
	}
	return st, nil
}

func (c *mapCache) CacheSystemStats(ctx context.Context, st stats.SystemStats) error {
	return c.Set(ctx, cache.KeySystemStats, st, cache.SystemStatsTTL)
}

func (c *mapCache) PushRecent(ctx context.Context, key string, raw []byte, cap int64) error {
	c.recent = append([][]byte{raw}, c.recent...)
	if int64(len(c.recent)) > cap {
		c.recent = c.recent[:cap]
	}
	return nil
}

func (c *mapCache) RecentEntries(ctx context.Context, key string, limit int64) ([][]byte, error) {
	if int64(len(c.recent)) > limit {
		return c.recent[:limit], nil
	}
	return c.recent, nil
}

func (c *mapCache) IncrementCounter(ctx context.Context, key string, delta int64) (int64, error) {
	c.counter[key] += delta
	return c.counter[key], nil
}

var _ Cache = (*mapCache)(nil)

func newTestGateway(store *stubStore, c *mapCache) *Gateway {
	return New(store, c, logger.NewNop(), metrics.NewNop())
}

// addSubscriber registers a detached client subscribed to the given channels.
func addSubscriber(g *Gateway, channels ...Channel) *Client {
	c := newClient(nil)
	for _, ch := range channels {
		c.subscribe(ch)
	}
	g.hub.add(c)
	return c
}

// drain empties a client's send queue into decoded server messages.
func drain(t *testing.T, c *Client) []ServerMessage {
	t.Helper()
	var out []ServerMessage
	for {
		select {
		case raw := <-c.send:
			var msg ServerMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				t.Fatalf("undecodable server message: %v", err)
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func mustMessage(t *testing.T, typ cache.MessageType, payload any) cache.Message {
	t.Helper()
	msg, err := cache.NewMessage(typ, payload)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	return msg
}

func TestRelayFanOutIsolation(t *testing.T) {
	g := newTestGateway(&stubStore{}, newMapCache())
	ctx := context.Background()

	rankingsSub := addSubscriber(g, ChannelRankings)
	tasksSub := addSubscriber(g, ChannelTasks)

	g.Relay(ctx, mustMessage(t, cache.MsgTaskUpdate, map[string]string{
		"taskId": "0xabc",
		"status": string(task.StatusSubmitted),
	}))

	if got := drain(t, rankingsSub); len(got) != 0 {
		t.Fatalf("rankings subscriber received task traffic: %+v", got)
	}
	got := drain(t, tasksSub)
	if len(got) != 1 || got[0].Event != EventTaskUpdate {
		t.Fatalf("tasks subscriber: %+v", got)
	}

	g.Relay(ctx, mustMessage(t, cache.MsgRankingUpdate, []collaborator.Ranking{{Address: "0xabc", Rank: 1}}))

	if got := drain(t, tasksSub); len(got) != 0 {
		t.Fatalf("tasks subscriber received ranking traffic: %+v", got)
	}
	got = drain(t, rankingsSub)
	if len(got) != 1 || got[0].Event != EventRankingUpdate {
		t.Fatalf("rankings subscriber: %+v", got)
	}
}

func TestRelayDropsMalformedPayloads(t *testing.T) {
	g := newTestGateway(&stubStore{}, newMapCache())
	ctx := context.Background()

	tasksSub := addSubscriber(g, ChannelTasks)
	txSub := addSubscriber(g, ChannelTransactions)
	statsSub := addSubscriber(g, ChannelStats)

	// each message is structurally valid JSON but fails its type's shape check
	g.Relay(ctx, mustMessage(t, cache.MsgTaskUpdate, map[string]string{"status": "submitted"}))
	g.Relay(ctx, mustMessage(t, cache.MsgTaskUpdate, map[string]string{"taskId": "0xabc", "status": "exploded"}))
	g.Relay(ctx, mustMessage(t, cache.MsgTransactionUpdate, map[string]string{"type": "deposit"}))
	g.Relay(ctx, mustMessage(t, cache.MsgSystemStats, map[string]string{}))
	g.Relay(ctx, cache.Message{Type: "BOGUS", Payload: json.RawMessage(`{}`), ID: "m1"})

	for name, c := range map[string]*Client{"tasks": tasksSub, "transactions": txSub, "stats": statsSub} {
		if got := drain(t, c); len(got) != 0 {
			t.Fatalf("%s subscriber received malformed traffic: %+v", name, got)
		}
	}

	// a valid message after the garbage still flows
	g.Relay(ctx, mustMessage(t, cache.MsgTaskUpdate, map[string]string{
		"taskId": "0xabc",
		"status": string(task.StatusReleased),
	}))
	if got := drain(t, tasksSub); len(got) != 1 {
		t.Fatalf("valid message after malformed ones: %+v", got)
	}
}

func TestRelayMilestoneToLiveUpdates(t *testing.T) {
	c := newMapCache()
	g := newTestGateway(&stubStore{}, c)
	ctx := context.Background()

	liveSub := addSubscriber(g, ChannelLiveUpdates)

	g.Relay(ctx, mustMessage(t, cache.MsgMilestoneUpdate, map[string]string{
		"milestoneId": "0xabc",
		"status":      "created",
	}))

	got := drain(t, liveSub)
	if len(got) != 1 || got[0].Event != EventLiveUpdate {
		t.Fatalf("live subscriber: %+v", got)
	}
	if len(c.recent) != 1 {
		t.Fatalf("recent feed entries: %d", len(c.recent))
	}
}

func TestQueryStatsColdThenWarm(t *testing.T) {
	store := &stubStore{systemStats: stats.SystemStats{ActiveTasks: 4, UpdatedAt: time.Now().UTC()}}
	g := newTestGateway(store, newMapCache())
	ctx := context.Background()

	st, err := g.QueryStats(ctx)
	if err != nil {
		t.Fatalf("cold query: %v", err)
	}
	if st.ActiveTasks != 4 {
		t.Fatalf("cold stats: %+v", st)
	}
	if store.statsCalls != 1 {
		t.Fatalf("store calls after cold query: %d", store.statsCalls)
	}

	// second read is served by the cache fill from the first
	if _, err := g.QueryStats(ctx); err != nil {
		t.Fatalf("warm query: %v", err)
	}
	if store.statsCalls != 1 {
		t.Fatalf("store calls after warm query: %d", store.statsCalls)
	}
}

func TestQueryRankingsClampsLimit(t *testing.T) {
	store := &stubStore{rankings: []collaborator.Ranking{
		{Address: "0xa", Rank: 1},
		{Address: "0xb", Rank: 2},
		{Address: "0xc", Rank: 3},
	}}
	g := newTestGateway(store, newMapCache())

	got, err := g.QueryRankings(context.Background(), 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("clamped length: %d", len(got))
	}
}

func TestQueryCollaboratorMissPropagates(t *testing.T) {
	g := newTestGateway(&stubStore{collaborators: map[string]collaborator.Collaborator{}}, newMapCache())

	if _, err := g.QueryCollaborator(context.Background(), "0xnobody"); err != storage.ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestQueryCollaboratorSharesCacheAcrossAddressCase(t *testing.T) {
	store := &stubStore{collaborators: map[string]collaborator.Collaborator{
		"0xfeed": {Address: "0xfeed", CompletedTasks: 3},
	}}
	g := newTestGateway(store, newMapCache())
	ctx := context.Background()

	first, err := g.QueryCollaborator(ctx, "0xFEED")
	if err != nil {
		t.Fatalf("mixed-case query: %v", err)
	}
	second, err := g.QueryCollaborator(ctx, "0xfeed")
	if err != nil {
		t.Fatalf("lower-case query: %v", err)
	}
	if first.CompletedTasks != 3 || second.CompletedTasks != 3 {
		t.Fatalf("completed: %d / %d", first.CompletedTasks, second.CompletedTasks)
	}
	if store.collaboratorCalls != 1 {
		t.Fatalf("store reads: %d, want 1", store.collaboratorCalls)
	}
}

func TestSubscribePushesSnapshot(t *testing.T) {
	store := &stubStore{rankings: []collaborator.Ranking{{Address: "0xa", Rank: 1}}}
	g := newTestGateway(store, newMapCache())
	c := newClient(nil)
	g.hub.add(c)

	g.handleClientMessage(context.Background(), c, &ClientMessage{
		Action:  ActionSubscribe,
		Channel: ChannelRankings,
	})

	if !c.subscribed(ChannelRankings) {
		t.Fatal("client not subscribed")
	}
	got := drain(t, c)
	if len(got) != 1 || got[0].Event != EventRankingsData {
		t.Fatalf("snapshot: %+v", got)
	}
}

func TestInvalidClientMessageGetsErrorEvent(t *testing.T) {
	g := newTestGateway(&stubStore{}, newMapCache())
	c := newClient(nil)
	g.hub.add(c)

	g.handleClientMessage(context.Background(), c, &ClientMessage{Action: "nonsense"})

	got := drain(t, c)
	if len(got) != 1 || got[0].Event != EventError {
		t.Fatalf("got %+v", got)
	}
}

func TestQueryRateLimit(t *testing.T) {
	store := &stubStore{systemStats: stats.SystemStats{UpdatedAt: time.Now().UTC()}}
	g := newTestGateway(store, newMapCache())
	c := newClient(nil)
	g.hub.add(c)

	// burst budget is 10; the excess requests must be refused, not served
	for i := 0; i < 15; i++ {
		g.handleClientMessage(context.Background(), c, &ClientMessage{Action: ActionGetStats})
	}

	limited := 0
	for _, msg := range drain(t, c) {
		if msg.Event == EventError && msg.Message == "too many requests" {
			limited++
		}
	}
	if limited == 0 {
		t.Fatal("no request was rate limited")
	}
}

func TestHubBroadcastSkipsFullBuffers(t *testing.T) {
	g := newTestGateway(&stubStore{}, newMapCache())
	c := addSubscriber(g, ChannelTasks)

	// fill the send buffer completely
	for i := 0; i < sendBuffer; i++ {
		c.send <- []byte(`{}`)
	}

	sent := g.hub.Broadcast(ChannelTasks, []byte(`{"event":"task-update"}`))
	if sent != 0 {
		t.Fatalf("broadcast reported %d sends into a full buffer", sent)
	}
}
