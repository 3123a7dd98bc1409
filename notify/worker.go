// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package notify delivers transfer notifications to subscription targets.
// The engine inserts pending notification records inside the transfer's
// transaction; workers here claim them via the store's transactions
// (compare-and-set pending -> delivering), POST the transfer snapshot and
// retry with capped exponential backoff.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/luxfi/log"

	"github.com/luxfi/ledger/core/types"
	"github.com/luxfi/ledger/metrics"
	"github.com/luxfi/ledger/store"
	"github.com/luxfi/ledger/utils"
)

// Config tunes the delivery workers.
type Config struct {
	Workers              int
	MaxAttempts          int
	InitialRetryInterval time.Duration
	MaxRetryInterval     time.Duration
	RequestTimeout       time.Duration
	PollInterval         time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:              2,
		MaxAttempts:          10,
		InitialRetryInterval: 500 * time.Millisecond,
		MaxRetryInterval:     60 * time.Second,
		RequestTimeout:       10 * time.Second,
		PollInterval:         time.Second,
	}
}

// payload is the body POSTed to a subscription target.
type payload struct {
	ID           string         `json:"id"`
	Subscription string         `json:"subscription"`
	Event        string         `json:"event"`
	Resource     types.Transfer `json:"resource"`
}

// Worker is a fixed pool of delivery goroutines over the store's
// notification records. Multiple pools are safe: claims serialize through
// store transactions.
type Worker struct {
	store   *store.Store
	clock   utils.Clock
	log     log.Logger
	metrics *metrics.Metrics
	cfg     Config
	client  *http.Client

	wake         chan struct{}
	shutdownChan chan struct{}
	shutdownWg   sync.WaitGroup
}

// NewWorker builds a pool; Start launches it.
func NewWorker(s *store.Store, clock utils.Clock, m *metrics.Metrics, cfg Config) *Worker {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Worker{
		store:        s,
		clock:        clock,
		log:          log.New("module", "notify"),
		metrics:      m,
		cfg:          cfg,
		client:       &http.Client{Timeout: cfg.RequestTimeout},
		wake:         make(chan struct{}, 1),
		shutdownChan: make(chan struct{}),
	}
}

// Start launches the delivery goroutines.
func (w *Worker) Start() {
	for i := 0; i < w.cfg.Workers; i++ {
		w.shutdownWg.Add(1)
		go w.loop()
	}
}

// Stop shuts the pool down and waits for in-flight deliveries.
func (w *Worker) Stop() {
	close(w.shutdownChan)
	w.shutdownWg.Wait()
}

// Wake nudges the pool after new notifications were enqueued. Non-blocking.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) loop() {
	defer w.shutdownWg.Done()
	for {
		select {
		case <-w.shutdownChan:
			return
		default:
		}

		n, err := w.claim()
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Another worker won the claim; look again.
				continue
			}
			w.log.Error("claiming notification", "err", err)
			select {
			case <-w.shutdownChan:
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		if n == nil {
			select {
			case <-w.shutdownChan:
				return
			case <-w.wake:
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		w.deliver(n)
	}
}

// claim atomically flips the oldest due pending notification to
// delivering. Returns nil when nothing is due.
func (w *Worker) claim() (*types.Notification, error) {
	var claimed *types.Notification
	err := w.store.Update(context.Background(), func(tx *store.Txn) error {
		claimed = nil
		now := w.clock.Time()

		entries, err := tx.List(store.Path{"notifications"})
		if err != nil {
			return err
		}
		var best *types.Notification
		for _, entry := range entries {
			var n types.Notification
			if err := json.Unmarshal(entry.Value, &n); err != nil {
				return fmt.Errorf("corrupt notification at %s: %w", entry.Path, err)
			}
			if n.State != types.NotificationPending || n.NextAttemptAt.After(now) {
				continue
			}
			if best == nil ||
				n.NextAttemptAt.Before(best.NextAttemptAt) ||
				(n.NextAttemptAt.Equal(best.NextAttemptAt) && n.CreatedAt.Before(best.CreatedAt)) {
				cp := n
				best = &cp
			}
		}
		if best == nil {
			return nil
		}
		best.State = types.NotificationDelivering
		if err := tx.Put(store.Path{"notifications", best.ID}, best); err != nil {
			return err
		}
		claimed = best
		return nil
	})
	return claimed, err
}

func (w *Worker) deliver(n *types.Notification) {
	sub, err := w.loadSubscription(n)
	if err != nil {
		// Subscription deleted since enqueue: nothing left to deliver to.
		w.finish(n, types.NotificationAbandoned)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.RequestTimeout)
	defer cancel()

	body, err := json.Marshal(payload{
		ID:           n.ID,
		Subscription: n.SubscriptionID,
		Event:        n.Event,
		Resource:     n.Transfer,
	})
	if err != nil {
		w.log.Error("encoding notification", "notification", n.ID, "err", err)
		w.finish(n, types.NotificationAbandoned)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.TargetURI, bytes.NewReader(body))
	if err != nil {
		w.finish(n, types.NotificationAbandoned)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			w.metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
			w.finish(n, types.NotificationDelivered)
			return
		}
		w.log.Debug("notification rejected", "notification", n.ID, "status", resp.StatusCode)
	} else {
		w.log.Debug("notification delivery failed", "notification", n.ID, "err", err)
	}
	w.retry(n)
}

func (w *Worker) loadSubscription(n *types.Notification) (*types.Subscription, error) {
	var owner string
	if err := w.store.Get(store.Path{"subscriptions", n.SubscriptionID}, &owner); err != nil {
		return nil, err
	}
	var sub types.Subscription
	if err := w.store.Get(store.Path{"people", owner, "subscriptions", n.SubscriptionID}, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// retry reschedules or abandons after the configured maximum.
func (w *Worker) retry(n *types.Notification) {
	attempts := n.Attempts + 1
	if attempts >= w.cfg.MaxAttempts {
		w.metrics.NotificationsTotal.WithLabelValues("abandoned").Inc()
		w.finishWith(n, func(rec *types.Notification) {
			rec.Attempts = attempts
			rec.State = types.NotificationAbandoned
		})
		return
	}
	w.metrics.NotificationsTotal.WithLabelValues("retried").Inc()
	next := w.clock.Time().Add(w.retryDelay(attempts))
	w.finishWith(n, func(rec *types.Notification) {
		rec.Attempts = attempts
		rec.NextAttemptAt = next
		rec.State = types.NotificationPending
	})
}

// retryDelay computes the deterministic capped exponential backoff for the
// given attempt count.
func (w *Worker) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialRetryInterval
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = w.cfg.MaxRetryInterval
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (w *Worker) finish(n *types.Notification, state types.NotificationState) {
	w.finishWith(n, func(rec *types.Notification) { rec.State = state })
}

// finishWith rewrites the claimed record. Errors in delivery bookkeeping
// never touch transfer state.
func (w *Worker) finishWith(n *types.Notification, mutate func(*types.Notification)) {
	err := w.store.Update(context.Background(), func(tx *store.Txn) error {
		var rec types.Notification
		if err := tx.Get(store.Path{"notifications", n.ID}, &rec); err != nil {
			return err
		}
		if rec.State != types.NotificationDelivering {
			return nil
		}
		mutate(&rec)
		return tx.Put(store.Path{"notifications", n.ID}, &rec)
	})
	if err != nil {
		w.log.Error("recording notification result", "notification", n.ID, "err", err)
	}
}
