package chain

import (
	"context"
	"fmt"
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

// CacheBus is the slice of the cache layer the watcher needs: aggregate
// caching plus the notification bus. Satisfied by *cache.Cache.
type CacheBus interface {
	CacheRankings(ctx context.Context, rankings []collaborator.Ranking) error
	CacheSystemStats(ctx context.Context, st stats.SystemStats) error
	InvalidateAggregates(ctx context.Context) error
	Publish(ctx context.Context, msg cache.Message) error
}

// category groups event names into the three watched contract streams.
type category string

const (
	categoryMilestone category = "milestone"
	categoryTask      category = "task"
	categoryToken     category = "token"
)

// WatcherConfig holds the watched contract addresses and tuning.
type WatcherConfig struct {
	EscrowContract    string
	TaskRulesContract string
	TokenContract     string

	// Platform tags tasks created from chain events.
	Platform string

	// RankingsLimit bounds the leaderboard recomputed after money movement.
	RankingsLimit int
}

// Watcher subscribes to the three contract event groups, decodes each log and
// applies its domain effects: store writes, cache invalidation, bus publish.
type Watcher struct {
	cfg    WatcherConfig
	client *Client
	sub    *Subscriber
	store  storage.Store
	cache  CacheBus
	log    *logger.Entry
	m      *metrics.Metrics
}

// NewWatcher wires a watcher from explicitly constructed dependencies.
func NewWatcher(cfg WatcherConfig, client *Client, sub *Subscriber, store storage.Store, cacheBus CacheBus, log *logger.Logger, m *metrics.Metrics) *Watcher {
	if cfg.RankingsLimit <= 0 {
		cfg.RankingsLimit = 10
	}
	if cfg.Platform == "" {
		cfg.Platform = "chain"
	}
	return &Watcher{
		cfg:    cfg,
		client: client,
		sub:    sub,
		store:  store,
		cache:  cacheBus,
		log:    log.WithComponent("chain.watcher"),
		m:      m,
	}
}

// Initialize confirms node liveness and starts event listening.
func (w *Watcher) Initialize(ctx context.Context) error {
	height, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("node liveness check: %w", err)
	}
	w.log.Infof("node live at block %d", height)
	return w.StartEventListening(ctx)
}

// StartEventListening registers one log subscription per event signature per
// target contract and starts the subscriber.
func (w *Watcher) StartEventListening(ctx context.Context) error {
	for _, sig := range EscrowEventSignatures {
		w.sub.Register(w.cfg.EscrowContract, EventTopic(sig))
	}
	for _, sig := range TaskEventSignatures {
		w.sub.Register(w.cfg.TaskRulesContract, EventTopic(sig))
	}
	for _, sig := range TokenEventSignatures {
		w.sub.Register(w.cfg.TokenContract, EventTopic(sig))
	}
	return w.sub.Start(ctx, func(batch []*Log) {
		w.HandleBatch(ctx, batch)
	})
}

// Stop tears down the log subscriptions. In-flight handlers finish.
func (w *Watcher) Stop() {
	w.sub.Stop()
}

// HandleBatch processes logs strictly in delivery order. Each log fails open:
// a decode or handler error is logged and the rest of the batch continues.
func (w *Watcher) HandleBatch(ctx context.Context, batch []*Log) {
	for _, lg := range batch {
		event, err := DecodeLog(lg, time.Now().UTC())
		if err != nil {
			w.log.WithError(err).WithField("tx", lg.TransactionHash).Warn("dropping undecodable log")
			w.m.EventsFailed.WithLabelValues("decode").Inc()
			continue
		}
		if err := w.handleEvent(ctx, event); err != nil {
			w.log.WithError(err).
				WithField("event", event.Meta.Name).
				WithField("tx", event.Meta.TxHash).
				Error("event handling failed")
			w.m.EventsFailed.WithLabelValues(string(categoryFor(event.Meta.Name))).Inc()
			continue
		}
		w.m.EventsProcessed.WithLabelValues(string(categoryFor(event.Meta.Name))).Inc()
	}
}

func categoryFor(eventName string) category {
	switch eventName {
	case "MilestoneCreated", "FundsDeposited", "FundsReleased", "MilestoneDisputed", "DisputeResolved":
		return categoryMilestone
	case "TaskCreated", "TaskSubmitted", "TaskVerified":
		return categoryTask
	default:
		return categoryToken
	}
}

// handleEvent routes the envelope to its category handler. Milestone and task
// events always refresh the money aggregates afterwards so no consumer reads
// a stale ranking or stat after a balance-affecting event.
func (w *Watcher) handleEvent(ctx context.Context, event *Event) error {
	var err error
	switch categoryFor(event.Meta.Name) {
	case categoryMilestone:
		if err = w.handleMilestoneEvent(ctx, event); err == nil {
			w.refreshAggregates(ctx)
		}
	case categoryTask:
		if err = w.handleTaskEvent(ctx, event); err == nil {
			w.refreshAggregates(ctx)
		}
	case categoryToken:
		err = w.handleTokenEvent(ctx, event)
	}
	return err
}

// --- milestone events -------------------------------------------------------

func (w *Watcher) handleMilestoneEvent(ctx context.Context, event *Event) error {
	switch p := event.Payload.(type) {
	case MilestoneCreatedEvent:
		return w.applyMilestoneCreated(ctx, event.Meta, p)
	case FundsDepositedEvent:
		return w.applyFundsDeposited(ctx, event.Meta, p)
	case FundsReleasedEvent:
		return w.applyFundsReleased(ctx, event.Meta, p)
	case MilestoneDisputedEvent:
		return w.applyTaskTransition(ctx, p.MilestoneID, task.StatusDisputed, "", event.Meta)
	case DisputeResolvedEvent:
		if !p.Released {
			return nil
		}
		return w.applyTaskTransition(ctx, p.MilestoneID, task.StatusVerified, "", event.Meta)
	default:
		w.log.Warnf("unrecognized milestone event %s dropped", event.Meta.Name)
		return nil
	}
}

func (w *Watcher) applyMilestoneCreated(ctx context.Context, meta EventMeta, p MilestoneCreatedEvent) error {
	// Replays are detected by the task row already existing.
	if _, err := w.store.GetTask(ctx, p.MilestoneID); err == nil {
		return nil
	} else if err != storage.ErrNotFound {
		return fmt.Errorf("check task %s: %w", p.MilestoneID, err)
	}

	err := w.store.InTx(ctx, func(s storage.Store) error {
		t := task.Task{
			ID:          p.MilestoneID,
			Platform:    w.cfg.Platform,
			Assignee:    p.Collaborator,
			Reward:      p.Amount,
			Deadline:    p.Deadline,
			Status:      task.StatusPending,
			MilestoneID: p.MilestoneID,
		}
		if _, err := s.CreateTask(ctx, t); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if _, err := s.UpsertCollaborator(ctx, p.Collaborator, collaborator.Delta{PendingDelta: 1}); err != nil {
			return fmt.Errorf("upsert collaborator: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	w.publish(ctx, cache.MsgMilestoneUpdate, map[string]any{
		"milestoneId":  p.MilestoneID,
		"collaborator": p.Collaborator,
		"amount":       p.Amount,
		"status":       "created",
		"txHash":       meta.TxHash,
	})
	return nil
}

func (w *Watcher) applyFundsDeposited(ctx context.Context, meta EventMeta, p FundsDepositedEvent) error {
	tx := ledger.Transaction{
		Hash:        meta.TxHash,
		LogIndex:    meta.LogIndex,
		BlockNumber: meta.BlockNumber,
		Timestamp:   meta.ObservedAt,
		From:        p.From,
		To:          meta.Contract,
		Value:       p.Amount,
		Type:        ledger.TxDeposit,
	}
	inserted, err := w.store.CreateTransaction(ctx, tx)
	if err != nil {
		return fmt.Errorf("record deposit: %w", err)
	}
	if !inserted {
		return nil // replayed log
	}

	w.publish(ctx, cache.MsgTransactionUpdate, tx)
	return nil
}

func (w *Watcher) applyFundsReleased(ctx context.Context, meta EventMeta, p FundsReleasedEvent) error {
	var tx ledger.Transaction
	var applied bool

	err := w.store.InTx(ctx, func(s storage.Store) error {
		tx = ledger.Transaction{
			Hash:        meta.TxHash,
			LogIndex:    meta.LogIndex,
			BlockNumber: meta.BlockNumber,
			Timestamp:   meta.ObservedAt,
			From:        meta.Contract,
			To:          p.Collaborator,
			Value:       p.Amount,
			Type:        ledger.TxRelease,
			MilestoneID: p.MilestoneID,
			TaskID:      p.MilestoneID,
		}
		inserted, err := s.CreateTransaction(ctx, tx)
		if err != nil {
			return fmt.Errorf("record release: %w", err)
		}
		if !inserted {
			return nil // replayed log, all effects already applied
		}
		applied = true

		status := task.StatusReleased
		settlement := meta.TxHash
		if _, err := s.UpdateTask(ctx, p.MilestoneID, task.Update{Status: &status, SettlementTx: &settlement}); err != nil && err != storage.ErrNotFound {
			return fmt.Errorf("update task: %w", err)
		}

		if _, err := s.UpsertCollaborator(ctx, p.Collaborator, collaborator.Delta{
			EarnedDelta:    p.Amount,
			CompletedDelta: 1,
			PendingDelta:   -1,
		}); err != nil {
			return fmt.Errorf("upsert collaborator: %w", err)
		}
		return nil
	})
	if err != nil || !applied {
		return err
	}

	w.publish(ctx, cache.MsgTransactionUpdate, tx)
	w.publish(ctx, cache.MsgTaskUpdate, map[string]any{
		"taskId":       p.MilestoneID,
		"status":       string(task.StatusReleased),
		"assignee":     p.Collaborator,
		"settlementTx": meta.TxHash,
	})
	return nil
}

// --- task events ------------------------------------------------------------

func (w *Watcher) handleTaskEvent(ctx context.Context, event *Event) error {
	switch p := event.Payload.(type) {
	case TaskCreatedEvent:
		return w.applyTaskCreated(ctx, p)
	case TaskSubmittedEvent:
		return w.applyTaskTransition(ctx, p.TaskID, task.StatusSubmitted, p.ProofHash, event.Meta)
	case TaskVerifiedEvent:
		return w.applyTaskTransition(ctx, p.TaskID, task.StatusVerified, "", event.Meta)
	default:
		w.log.Warnf("unrecognized task event %s dropped", event.Meta.Name)
		return nil
	}
}

func (w *Watcher) applyTaskCreated(ctx context.Context, p TaskCreatedEvent) error {
	if _, err := w.store.GetTask(ctx, p.TaskID); err == nil {
		return nil
	} else if err != storage.ErrNotFound {
		return fmt.Errorf("check task %s: %w", p.TaskID, err)
	}

	err := w.store.InTx(ctx, func(s storage.Store) error {
		t := task.Task{
			ID:       p.TaskID,
			Platform: w.cfg.Platform,
			Assignee: p.Assignee,
			Reward:   p.Reward,
			Deadline: p.Deadline,
			Status:   task.StatusPending,
		}
		if _, err := s.CreateTask(ctx, t); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if _, err := s.UpsertCollaborator(ctx, p.Assignee, collaborator.Delta{PendingDelta: 1}); err != nil {
			return fmt.Errorf("upsert collaborator: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	w.publish(ctx, cache.MsgTaskUpdate, map[string]any{
		"taskId":   p.TaskID,
		"status":   string(task.StatusPending),
		"assignee": p.Assignee,
		"reward":   p.Reward,
	})
	return nil
}

func (w *Watcher) applyTaskTransition(ctx context.Context, id string, next task.Status, proofHash string, meta EventMeta) error {
	upd := task.Update{Status: &next}
	if proofHash != "" {
		upd.ProofHash = &proofHash
	}
	updated, err := w.store.UpdateTask(ctx, id, upd)
	if err != nil {
		if err == storage.ErrNotFound {
			w.log.Warnf("event %s for unknown task %s dropped", meta.Name, id)
			return nil
		}
		return fmt.Errorf("transition task %s to %s: %w", id, next, err)
	}

	w.publish(ctx, cache.MsgTaskUpdate, map[string]any{
		"taskId":   updated.ID,
		"status":   string(updated.Status),
		"assignee": updated.Assignee,
	})
	return nil
}

// --- token events -----------------------------------------------------------

func (w *Watcher) handleTokenEvent(ctx context.Context, event *Event) error {
	switch p := event.Payload.(type) {
	case TransferEvent:
		return w.applyTransfer(ctx, event.Meta, p)
	case HolderAddedEvent:
		return w.applyHolderFlag(ctx, p.Holder, true)
	case HolderRemovedEvent:
		return w.applyHolderFlag(ctx, p.Holder, false)
	default:
		w.log.Warnf("unrecognized token event %s dropped", event.Meta.Name)
		return nil
	}
}

func (w *Watcher) applyTransfer(ctx context.Context, meta EventMeta, p TransferEvent) error {
	tx := ledger.Transaction{
		Hash:        meta.TxHash,
		LogIndex:    meta.LogIndex,
		BlockNumber: meta.BlockNumber,
		Timestamp:   meta.ObservedAt,
		From:        p.From,
		To:          p.To,
		Value:       p.Value,
		Type:        ledger.TxTransfer,
	}
	inserted, err := w.store.CreateTransaction(ctx, tx)
	if err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	if !inserted {
		return nil
	}

	w.publish(ctx, cache.MsgTokenUpdate, map[string]any{
		"kind":  "transfer",
		"from":  p.From,
		"to":    p.To,
		"value": p.Value,
	})
	return nil
}

func (w *Watcher) applyHolderFlag(ctx context.Context, holder string, active bool) error {
	if _, err := w.store.UpsertCollaborator(ctx, holder, collaborator.Delta{Active: &active}); err != nil {
		return fmt.Errorf("flag holder %s: %w", holder, err)
	}
	w.publish(ctx, cache.MsgTokenUpdate, map[string]any{
		"kind":    "holder",
		"address": holder,
		"active":  active,
	})
	return nil
}

// --- aggregates and publishing ----------------------------------------------

// refreshAggregates recomputes the derived views, overwrites their cache
// entries and publishes them. Eager refresh, not passive TTL expiry, bounds
// staleness after a user-visible action. Cache and bus problems are logged
// but never fail the event that triggered them.
func (w *Watcher) refreshAggregates(ctx context.Context) {
	if err := w.cache.InvalidateAggregates(ctx); err != nil {
		w.log.WithError(err).Warn("aggregate invalidation failed")
	}

	rankings, err := w.store.GetRankings(ctx, w.cfg.RankingsLimit)
	if err != nil {
		w.log.WithError(err).Error("recompute rankings failed")
	} else {
		if err := w.cache.CacheRankings(ctx, rankings); err != nil {
			w.log.WithError(err).Warn("cache rankings failed")
		}
		w.publish(ctx, cache.MsgRankingUpdate, rankings)
	}

	st, err := w.store.GetSystemStats(ctx)
	if err != nil {
		w.log.WithError(err).Error("recompute system stats failed")
		return
	}
	if err := w.cache.CacheSystemStats(ctx, st); err != nil {
		w.log.WithError(err).Warn("cache system stats failed")
	}
	w.publish(ctx, cache.MsgSystemStats, st)
}

func (w *Watcher) publish(ctx context.Context, t cache.MessageType, payload any) {
	msg, err := cache.NewMessage(t, payload)
	if err != nil {
		w.log.WithError(err).Errorf("build %s message", t)
		return
	}
	if err := w.cache.Publish(ctx, msg); err != nil {
		w.log.WithError(err).Errorf("publish %s", t)
	}
}
