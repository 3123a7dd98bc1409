// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/ledger/core/types"
	"github.com/luxfi/ledger/store"
)

// expiryUpdateBuffer bounds the writer-to-monitor queue.
const expiryUpdateBuffer = 256

// idleWait is the timer period when no deadline is tracked.
const idleWait = time.Hour

type expiryEntry struct {
	id string
	at time.Time
}

type expiryHeap []expiryEntry

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(expiryEntry)) }
func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// ExpiryMonitor owns a min-heap of transfer deadlines and a single worker
// that sleeps until the earliest one, then cancels the transfer if it is
// still non-terminal. Writers push updates through a bounded channel; the
// heap is only touched by the worker.
type ExpiryMonitor struct {
	engine *Engine
	log    log.Logger

	updates      chan expiryEntry
	shutdownChan chan struct{}
	shutdownWg   sync.WaitGroup

	heap expiryHeap
}

func newExpiryMonitor(e *Engine) *ExpiryMonitor {
	return &ExpiryMonitor{
		engine:       e,
		log:          log.New("module", "expiry"),
		updates:      make(chan expiryEntry, expiryUpdateBuffer),
		shutdownChan: make(chan struct{}),
	}
}

// start reloads deadlines for non-terminal transfers from the store, then
// launches the worker.
func (m *ExpiryMonitor) start() error {
	err := m.engine.store.Update(context.Background(), func(tx *store.Txn) error {
		m.heap = m.heap[:0]
		entries, err := tx.List(store.Path{"expiries"})
		if err != nil {
			return err
		}
		for _, entry := range entries {
			var stamp string
			if err := json.Unmarshal(entry.Value, &stamp); err != nil {
				return fmt.Errorf("corrupt deadline at %s: %w", entry.Path, err)
			}
			at, err := time.Parse(time.RFC3339Nano, stamp)
			if err != nil {
				return fmt.Errorf("corrupt deadline at %s: %w", entry.Path, err)
			}
			m.heap = append(m.heap, expiryEntry{id: entry.Path[1], at: at})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reloading expiry heap: %w", err)
	}
	heap.Init(&m.heap)
	m.engine.metrics.ExpiryHeapSize.Set(float64(m.heap.Len()))

	m.shutdownWg.Add(1)
	go m.loop()
	return nil
}

func (m *ExpiryMonitor) stop() {
	close(m.shutdownChan)
	m.shutdownWg.Wait()
}

// track hands a transfer deadline to the worker. It blocks only if the
// update queue is full and never after shutdown began.
func (m *ExpiryMonitor) track(id string, at time.Time) {
	select {
	case m.updates <- expiryEntry{id: id, at: at}:
	case <-m.shutdownChan:
	}
}

func (m *ExpiryMonitor) loop() {
	defer m.shutdownWg.Done()

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		// Fire everything due before arming the timer.
		now := m.engine.clock.Time()
		for m.heap.Len() > 0 && !now.Before(m.heap[0].at) {
			entry := heap.Pop(&m.heap).(expiryEntry)
			m.fire(entry)
		}
		m.engine.metrics.ExpiryHeapSize.Set(float64(m.heap.Len()))

		wait := idleWait
		if m.heap.Len() > 0 {
			wait = m.heap[0].at.Sub(now)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-m.shutdownChan:
			return
		case entry := <-m.updates:
			heap.Push(&m.heap, entry)
		case <-timer.C:
		}
	}
}

func (m *ExpiryMonitor) fire(entry expiryEntry) {
	requeueAt, err := m.engine.expireTransfer(context.Background(), entry.id)
	if err != nil {
		m.log.Error("expiring transfer", "transfer", entry.id, "err", err)
		return
	}
	if requeueAt != nil {
		heap.Push(&m.heap, expiryEntry{id: entry.id, at: *requeueAt})
	}
}

// expireTransfer transitions the transfer to expired if it is still
// non-terminal and due, releasing held funds. A concurrent external write
// that pre-empted expiry wins: the transition commits only if the transfer
// is still non-terminal at commit time. A non-nil requeue time means the
// transfer is not yet due and the monitor should come back at that time.
func (e *Engine) expireTransfer(ctx context.Context, id string) (*time.Time, error) {
	var (
		requeueAt *time.Time
		events    []types.Transfer
	)
	err := e.withRetry(ctx, func(tx *store.Txn) error {
		requeueAt = nil
		events = events[:0]

		var t types.Transfer
		err := tx.Get(transferPath(id), &t)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return tx.Delete(expiryPath(id))
		case err != nil:
			return err
		}
		if t.State.Terminal() || t.ExpiresAt == nil {
			return tx.Delete(expiryPath(id))
		}

		now := e.clock.Time()
		if now.Before(*t.ExpiresAt) {
			at := *t.ExpiresAt
			requeueAt = &at
			return nil
		}

		next := cloneTransfer(&t)
		if t.State == types.StatePrepared {
			if err := e.releaseHeld(tx, next); err != nil {
				return err
			}
		}
		next.State = types.StateExpired
		next.UpdatedAt = now.UTC()
		if err := e.persist(tx, next, true); err != nil {
			return err
		}
		events = append(events, *next)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		e.emit(ev)
	}
	return requeueAt, nil
}
