package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"timeflow/internal/domain"
	"timeflow/internal/notify"
	"timeflow/internal/queue"
	"timeflow/internal/scheduler"
)

// Result summarizes one dispatch pass.
type Result struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Dispatcher drains eligible tasks against the remote endpoint, classifies
// outcomes and writes them back into the store.
//
// Connectivity is a two-state machine flipped by delivery outcomes: a
// network-class failure goes Offline, a successful response goes Online.
// While Offline a scheduled pass attempts a single task as a probe instead
// of draining the whole batch.
type Dispatcher struct {
	store    queue.Store
	sched    *scheduler.Service
	remote   Remote
	notifier notify.Notifier
	timeout  time.Duration
	now      func() time.Time

	mu         sync.Mutex
	inflight   map[int64]struct{}
	online     bool
	lastSyncAt *time.Time
}

func New(store queue.Store, sched *scheduler.Service, remote Remote, notifier notify.Notifier, attemptTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		store:    store,
		sched:    sched,
		remote:   remote,
		notifier: notifier,
		timeout:  attemptTimeout,
		now:      time.Now,
		inflight: map[int64]struct{}{},
		online:   true,
	}
}

// DispatchPending runs one ordered pass over eligible tasks. Tasks are
// attempted strictly in creation order; a later task is only attempted
// after the earlier one reached a terminal status within the pass, so the
// remote never observes a stop before its start. Errors from the pass are
// absorbed into task and connectivity state; only store failures propagate.
func (d *Dispatcher) DispatchPending(ctx context.Context, limit int) (Result, error) {
	d.mu.Lock()
	if !d.online {
		// Offline: probe with a single task.
		limit = 1
	}
	d.mu.Unlock()

	tasks, err := d.sched.EligibleForAutoRetry(ctx, limit)
	if err != nil {
		return Result{}, err
	}

	// Claim ids not already in flight from a concurrent pass. Tasks are in
	// creation order, so claiming must stop at the first busy id: anything
	// newer could be a stop whose start has not reached a terminal status
	// yet.
	batch := tasks[:0]
	d.mu.Lock()
	for _, t := range tasks {
		if _, busy := d.inflight[t.ID]; busy {
			break
		}
		d.inflight[t.ID] = struct{}{}
		batch = append(batch, t)
	}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		for _, t := range batch {
			delete(d.inflight, t.ID)
		}
		d.mu.Unlock()
	}()

	var res Result
	for _, t := range batch {
		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		deliverErr := d.remote.Deliver(attemptCtx, t)
		cancel()

		if deliverErr == nil {
			if err := d.store.MarkSent(ctx, t.ID); err != nil {
				return res, err
			}
			res.Sent++
			d.markOnline()
			continue
		}

		res.Failed++
		if err := d.store.MarkAttemptFailed(ctx, t.ID, deliverErr.Error()); err != nil {
			return res, err
		}

		terminal := t.RetryCount+1 >= domain.MaxRetries
		if terminal {
			log.Warn().Int64("task_id", t.ID).Str("entity_type", string(t.EntityType)).
				Err(deliverErr).Msg("task permanently failed")
			d.notifier.Notify("Sync failed", "A change could not be synced and needs a manual retry.")
		}

		if errors.Is(deliverErr, domain.ErrNetworkUnreachable) || errors.Is(deliverErr, domain.ErrTimeout) {
			d.markOffline(deliverErr)
			break
		}
		if !terminal {
			// Task is still pending; attempting the next one would break
			// creation-order delivery.
			break
		}
	}
	return res, nil
}

func (d *Dispatcher) markOnline() {
	now := d.now()
	d.mu.Lock()
	if !d.online {
		log.Info().Msg("sync connectivity restored")
	}
	d.online = true
	d.lastSyncAt = &now
	d.mu.Unlock()
}

func (d *Dispatcher) markOffline(cause error) {
	d.mu.Lock()
	if d.online {
		log.Warn().Err(cause).Msg("sync endpoint unreachable, going offline")
	}
	d.online = false
	d.mu.Unlock()
}

// Status derives the sync status from queue stats plus live connectivity.
func (d *Dispatcher) Status(ctx context.Context) (domain.SyncStatus, error) {
	stats, err := d.store.Stats(ctx)
	if err != nil {
		return domain.SyncStatus{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return domain.SyncStatus{
		PendingCount: stats.PendingCount,
		FailedCount:  stats.FailedCount,
		IsOnline:     d.online,
		LastSyncAt:   d.lastSyncAt,
	}, nil
}
