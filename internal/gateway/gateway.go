package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/cache"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/collaborator"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/ledger"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/stats"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/task"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/metrics"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/storage"
	"github.com/ElMartidel96/mbxarts-platform-sub008/pkg/logger"
)

const (
	collaboratorKeyPrefix = "sync:collab:"
	collaboratorTTL       = 30 * time.Second
	connCounterKey        = "sync:connections"
	snapshotLimit         = 20
)

// Cache is the slice of the cache layer the gateway uses. Satisfied by
// *cache.Cache.
type Cache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	GetRankings(ctx context.Context) ([]collaborator.Ranking, error)
	CacheRankings(ctx context.Context, rankings []collaborator.Ranking) error
	GetSystemStats(ctx context.Context) (stats.SystemStats, error)
	CacheSystemStats(ctx context.Context, st stats.SystemStats) error
	PushRecent(ctx context.Context, key string, raw []byte, cap int64) error
	RecentEntries(ctx context.Context, key string, limit int64) ([][]byte, error)
	IncrementCounter(ctx context.Context, key string, delta int64) (int64, error)
}

// Gateway accepts realtime connections, manages channel subscriptions,
// answers queries cache-first and relays bus notifications to subscriber
// groups after re-validating every payload.
type Gateway struct {
	hub      *Hub
	store    storage.Store
	cache    Cache
	log      *logger.Entry
	m        *metrics.Metrics
	upgrader websocket.Upgrader
}

// New wires a gateway from explicitly constructed dependencies.
func New(store storage.Store, c Cache, log *logger.Logger, m *metrics.Metrics) *Gateway {
	return &Gateway{
		hub:   NewHub(),
		store: store,
		cache: c,
		log:   log.WithComponent("gateway"),
		m:     m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Hub exposes the registry, mainly for tests and shutdown accounting.
func (g *Gateway) Hub() *Hub { return g.hub }

// ServeWS upgrades an HTTP request into a realtime connection.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.WithError(err).Warn("upgrade failed")
		return
	}

	c := newClient(conn)
	g.hub.add(c)
	g.m.ConnectedClients.Set(float64(g.hub.Count()))
	if _, err := g.cache.IncrementCounter(r.Context(), connCounterKey, 1); err != nil {
		g.log.WithError(err).Debug("connection counter increment failed")
	}

	go c.writePump()
	go c.readPump(context.Background(), g)

	if raw, err := encodeServerMessage(EventConnected, map[string]string{"connectionId": c.id}); err == nil {
		c.enqueue(raw)
	}
}

// Shutdown disconnects every client.
func (g *Gateway) Shutdown() {
	g.hub.closeAll()
	g.m.ConnectedClients.Set(0)
}

func (g *Gateway) disconnect(ctx context.Context, c *Client) {
	g.hub.remove(c)
	g.m.ConnectedClients.Set(float64(g.hub.Count()))
	if _, err := g.cache.IncrementCounter(ctx, connCounterKey, -1); err != nil {
		g.log.WithError(err).Debug("connection counter decrement failed")
	}
}

// --- inbound client protocol --------------------------------------------------

func (g *Gateway) handleClientMessage(ctx context.Context, c *Client, msg *ClientMessage) {
	if err := msg.Validate(); err != nil {
		c.enqueue(encodeErrorMessage(err.Error()))
		return
	}
	if !c.limiter.Allow() {
		c.enqueue(encodeErrorMessage("too many requests"))
		return
	}

	switch msg.Action {
	case ActionSubscribe:
		c.subscribe(msg.Channel)
		g.pushSnapshot(ctx, c, msg.Channel)
	case ActionUnsubscribe:
		c.unsubscribe(msg.Channel)
	case ActionGetRankings:
		rankings, err := g.QueryRankings(ctx, msg.Limit)
		g.reply(c, EventRankingsData, rankings, err)
	case ActionGetStats:
		st, err := g.QueryStats(ctx)
		g.reply(c, EventStatsData, st, err)
	case ActionGetCollaborator:
		collab, err := g.QueryCollaborator(ctx, msg.Address)
		g.reply(c, EventCollaboratorData, collab, err)
	}
}

// reply sends data or a generic error event; internal details never reach
// the client.
func (g *Gateway) reply(c *Client, event string, data any, err error) {
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.enqueue(encodeErrorMessage("not found"))
			return
		}
		g.log.WithError(err).Warnf("%s query failed", event)
		c.enqueue(encodeErrorMessage("query failed"))
		return
	}
	raw, err := encodeServerMessage(event, data)
	if err != nil {
		g.log.WithError(err).Errorf("encode %s", event)
		c.enqueue(encodeErrorMessage("query failed"))
		return
	}
	c.enqueue(raw)
}

// pushSnapshot sends the channel's current state so a newly joined client is
// not left waiting for the next event.
func (g *Gateway) pushSnapshot(ctx context.Context, c *Client, ch Channel) {
	switch ch {
	case ChannelRankings:
		rankings, err := g.QueryRankings(ctx, 0)
		g.reply(c, EventRankingsData, rankings, err)
	case ChannelStats:
		st, err := g.QueryStats(ctx)
		g.reply(c, EventStatsData, st, err)
	case ChannelTasks:
		tasks, err := g.store.ListTasksByStatus(ctx, "", snapshotLimit)
		g.reply(c, EventTaskUpdate, tasks, err)
	case ChannelTransactions:
		txs, err := g.store.ListTransactions(ctx, snapshotLimit)
		g.reply(c, EventTransactionUpdate, txs, err)
	case ChannelLiveUpdates:
		entries, err := g.cache.RecentEntries(ctx, cache.KeyRecentFeed, snapshotLimit)
		if err != nil {
			g.reply(c, EventRecentActivity, nil, err)
			return
		}
		feed := make([]json.RawMessage, 0, len(entries))
		for _, e := range entries {
			feed = append(feed, json.RawMessage(e))
		}
		g.reply(c, EventRecentActivity, feed, nil)
	}
}

// --- cache-first reads --------------------------------------------------------

// QueryRankings serves the leaderboard cache-first, filling the cache on a
// miss.
func (g *Gateway) QueryRankings(ctx context.Context, limit int) ([]collaborator.Ranking, error) {
	rankings, err := g.cache.GetRankings(ctx)
	if err == nil {
		g.m.CacheHits.Inc()
		return clampRankings(rankings, limit), nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		g.log.WithError(err).Warn("rankings cache read failed")
	}
	g.m.CacheMisses.Inc()

	rankings, err = g.store.GetRankings(ctx, 0)
	if err != nil {
		return nil, err
	}
	if err := g.cache.CacheRankings(ctx, rankings); err != nil {
		g.log.WithError(err).Warn("rankings cache fill failed")
	}
	return clampRankings(rankings, limit), nil
}

func clampRankings(rankings []collaborator.Ranking, limit int) []collaborator.Ranking {
	if limit > 0 && len(rankings) > limit {
		return rankings[:limit]
	}
	return rankings
}

// QueryStats serves the aggregate counters cache-first.
func (g *Gateway) QueryStats(ctx context.Context) (stats.SystemStats, error) {
	st, err := g.cache.GetSystemStats(ctx)
	if err == nil {
		g.m.CacheHits.Inc()
		return st, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		g.log.WithError(err).Warn("stats cache read failed")
	}
	g.m.CacheMisses.Inc()

	st, err = g.store.GetSystemStats(ctx)
	if err != nil {
		return stats.SystemStats{}, err
	}
	if err := g.cache.CacheSystemStats(ctx, st); err != nil {
		g.log.WithError(err).Warn("stats cache fill failed")
	}
	return st, nil
}

// QueryCollaborator serves one collaborator cache-first under a short TTL.
// The address is lower-cased first so mixed-case callers share one entry,
// matching the store's key normalization.
func (g *Gateway) QueryCollaborator(ctx context.Context, address string) (collaborator.Collaborator, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	key := collaboratorKeyPrefix + address
	var collab collaborator.Collaborator
	if err := g.cache.Get(ctx, key, &collab); err == nil {
		g.m.CacheHits.Inc()
		return collab, nil
	}
	g.m.CacheMisses.Inc()

	collab, err := g.store.GetCollaborator(ctx, address)
	if err != nil {
		return collaborator.Collaborator{}, err
	}
	if err := g.cache.Set(ctx, key, collab, collaboratorTTL); err != nil {
		g.log.WithError(err).Warn("collaborator cache fill failed")
	}
	return collab, nil
}

// --- bus relay ----------------------------------------------------------------

// BusSource delivers decoded bus messages. Satisfied by *cache.Cache.
type BusSource interface {
	Subscribe(ctx context.Context, onMessage func(cache.Message), onError func(error)) error
}

// Run attaches the gateway to the notification bus and relays until ctx is
// cancelled.
func (g *Gateway) Run(ctx context.Context, bus BusSource) error {
	return bus.Subscribe(ctx,
		func(msg cache.Message) { g.Relay(ctx, msg) },
		func(err error) { g.log.WithError(err).Warn("undecodable bus message dropped") },
	)
}

// Relay validates one bus message and forwards it to the matching subscriber
// group. Malformed payloads are dropped, never forwarded.
func (g *Gateway) Relay(ctx context.Context, msg cache.Message) {
	if err := msg.Validate(); err != nil {
		g.log.WithError(err).Warn("dropping invalid bus message")
		g.m.BusDropped.Inc()
		return
	}

	switch msg.Type {
	case cache.MsgRankingUpdate:
		var rankings []collaborator.Ranking
		if err := json.Unmarshal(msg.Payload, &rankings); err != nil {
			g.drop(msg, err)
			return
		}
		g.forward(ChannelRankings, EventRankingUpdate, rankings)

	case cache.MsgTaskUpdate:
		var upd struct {
			TaskID string `json:"taskId"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(msg.Payload, &upd); err != nil || upd.TaskID == "" || !validTaskStatus(upd.Status) {
			g.drop(msg, err)
			return
		}
		g.forward(ChannelTasks, EventTaskUpdate, json.RawMessage(msg.Payload))

	case cache.MsgTransactionUpdate:
		var tx ledger.Transaction
		if err := json.Unmarshal(msg.Payload, &tx); err != nil || tx.Hash == "" || !validTxType(tx.Type) {
			g.drop(msg, err)
			return
		}
		g.forward(ChannelTransactions, EventTransactionUpdate, tx)

	case cache.MsgSystemStats:
		var st stats.SystemStats
		if err := json.Unmarshal(msg.Payload, &st); err != nil || st.UpdatedAt.IsZero() {
			g.drop(msg, err)
			return
		}
		g.forward(ChannelStats, EventStatsUpdate, st)

	case cache.MsgMilestoneUpdate, cache.MsgTokenUpdate:
		var payload map[string]any
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || len(payload) == 0 {
			g.drop(msg, err)
			return
		}
		update := map[string]any{
			"type":      string(msg.Type),
			"payload":   payload,
			"timestamp": msg.Timestamp,
			"id":        msg.ID,
		}
		g.forward(ChannelLiveUpdates, EventLiveUpdate, update)

		if raw, err := json.Marshal(update); err == nil {
			if err := g.cache.PushRecent(ctx, cache.KeyRecentFeed, raw, cache.DefaultRecentCap); err != nil {
				g.log.WithError(err).Debug("recent feed push failed")
			}
		}
	}
}

func (g *Gateway) drop(msg cache.Message, err error) {
	g.log.WithError(err).Warnf("dropping malformed %s payload", msg.Type)
	g.m.BusDropped.Inc()
}

func (g *Gateway) forward(ch Channel, event string, data any) {
	raw, err := encodeServerMessage(event, data)
	if err != nil {
		g.log.WithError(err).Errorf("encode %s", event)
		g.m.BusDropped.Inc()
		return
	}
	g.hub.Broadcast(ch, raw)
	g.m.BusRelayed.Inc()
}

func validTaskStatus(s string) bool {
	switch task.Status(s) {
	case task.StatusPending, task.StatusSubmitted, task.StatusReleased, task.StatusDisputed, task.StatusVerified:
		return true
	}
	return false
}

func validTxType(t ledger.TxType) bool {
	switch t {
	case ledger.TxDeposit, ledger.TxRelease, ledger.TxTransfer:
		return true
	}
	return false
}
