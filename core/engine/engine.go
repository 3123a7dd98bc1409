// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package engine implements the transfer state machine: validation of
// inbound transfer bodies, state transitions with their balance effects,
// notification fan-out and timer-driven expiry. All mutations run inside a
// single store transaction; a failure at any step aborts every effect.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/ledger/core/types"
	"github.com/luxfi/ledger/metrics"
	"github.com/luxfi/ledger/store"
	"github.com/luxfi/ledger/utils"
)

// conflictRetries bounds internal retries of transactions aborted by store
// serialization conflicts before the error surfaces as 409.
const conflictRetries = 5

// Principal is the authenticated caller, as yielded by the auth gate.
type Principal struct {
	Name  string
	Admin bool
}

// Owns reports whether the principal may act for the named account.
func (p Principal) Owns(account string) bool {
	return p.Admin || (p.Name != "" && p.Name == account)
}

func (p Principal) participates(t *types.Transfer) bool {
	if p.Admin {
		return true
	}
	for _, name := range t.Accounts() {
		if name == p.Name {
			return true
		}
	}
	return false
}

// TransferObserver receives a snapshot after each committed state
// transition. Observers must not block.
type TransferObserver func(types.Transfer)

// Engine coordinates the transfer lifecycle over the store.
type Engine struct {
	store   *store.Store
	clock   utils.Clock
	log     log.Logger
	metrics *metrics.Metrics
	expiry  *ExpiryMonitor

	observersMu sync.RWMutex
	observers   []TransferObserver
}

// New builds an engine over s. Start must be called before transfers with
// deadlines are accepted, so the expiry monitor is running.
func New(s *store.Store, clock utils.Clock, m *metrics.Metrics) *Engine {
	e := &Engine{
		store:   s,
		clock:   clock,
		log:     log.New("module", "engine"),
		metrics: m,
	}
	e.expiry = newExpiryMonitor(e)
	return e
}

// Start reloads the expiry heap from the store and launches the monitor.
func (e *Engine) Start() error {
	return e.expiry.start()
}

// Stop shuts the expiry monitor down and waits for it.
func (e *Engine) Stop() {
	e.expiry.stop()
}

// Subscribe registers an observer for committed transfer transitions.
func (e *Engine) Subscribe(fn TransferObserver) {
	e.observersMu.Lock()
	defer e.observersMu.Unlock()
	e.observers = append(e.observers, fn)
}

func (e *Engine) emit(t types.Transfer) {
	e.metrics.TransfersTotal.WithLabelValues(string(t.State)).Inc()
	e.observersMu.RLock()
	defer e.observersMu.RUnlock()
	for _, fn := range e.observers {
		fn(t)
	}
}

// withRetry runs fn under a store transaction, retrying serialization
// conflicts a bounded number of times. fn must reset any captured state on
// entry since it may run more than once.
func (e *Engine) withRetry(ctx context.Context, fn func(tx *store.Txn) error) error {
	var err error
	for i := 0; i <= conflictRetries; i++ {
		err = e.store.Update(ctx, fn)
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		e.metrics.StoreConflicts.Inc()
		e.log.Debug("retrying conflicted transaction", "attempt", i+1)
	}
	return err
}

// GetTransfer returns the stored transfer.
func (e *Engine) GetTransfer(ctx context.Context, id string) (*types.Transfer, error) {
	var t types.Transfer
	err := e.store.Get(transferPath(id), &t)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: transfer %s", ErrNotFound, id)
	case err != nil:
		return nil, err
	}
	return &t, nil
}

// UpsertTransfer creates a transfer or advances an existing one per the
// state machine. It returns the resulting record and whether it was newly
// created. Re-submitting a body equivalent to the stored record is a no-op
// returning the stored representation.
func (e *Engine) UpsertTransfer(ctx context.Context, p Principal, body *types.Transfer) (*types.Transfer, bool, error) {
	if err := validateShape(body); err != nil {
		return nil, false, err
	}
	if err := validateSemantics(body); err != nil {
		return nil, false, err
	}

	var (
		result  types.Transfer
		created bool
		events  []types.Transfer
	)
	err := e.withRetry(ctx, func(tx *store.Txn) error {
		created = false
		events = events[:0]

		prior := new(types.Transfer)
		err := tx.Get(transferPath(body.ID), prior)
		switch {
		case errors.Is(err, store.ErrNotFound):
			prior = nil
		case err != nil:
			return err
		}

		if prior != nil && prior.Equivalent(body) {
			result = *prior
			return nil
		}

		if err := e.checkAccountsExist(tx, body); err != nil {
			return err
		}

		var next *types.Transfer
		if prior == nil {
			created = true
			next, err = e.createTransfer(tx, p, body)
		} else {
			next, err = e.advanceTransfer(tx, p, prior, body)
		}
		if err != nil {
			return err
		}
		stateChanged := prior == nil || prior.State != next.State
		if err := e.persist(tx, next, stateChanged); err != nil {
			return err
		}
		if stateChanged {
			events = append(events, *next)
		}
		result = *next
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	e.afterCommit(&result, events)
	return &result, created, nil
}

func (e *Engine) checkAccountsExist(tx *store.Txn, t *types.Transfer) error {
	for _, name := range t.Accounts() {
		ok, err := tx.Has(accountPath(name))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: unknown account %q", ErrUnprocessable, name)
		}
	}
	return nil
}

// createTransfer computes the initial state for a transfer with no prior
// record and applies its balance effects.
func (e *Engine) createTransfer(tx *store.Txn, p Principal, body *types.Transfer) (*types.Transfer, error) {
	if body.State == types.StateRejected {
		return nil, fmt.Errorf("%w: cannot create a rejected transfer", ErrInvalidTransition)
	}
	for i := range body.SourceFunds {
		leg := &body.SourceFunds[i]
		if leg.Authorized() && !p.Owns(leg.Account) {
			return nil, fmt.Errorf("%w: authorization asserted for %q", ErrForbidden, leg.Account)
		}
	}

	now := e.clock.Time().UTC()
	t := *body
	t.CreatedAt, t.UpdatedAt = now, now

	switch {
	case !t.FullyAuthorized():
		t.State = types.StateProposed
	case t.HasCondition() && t.HasFulfillment():
		// Condition evaluates first: prepared and completed collapse into
		// one transaction, the net observable state is completed and the
		// balance effect is applied once.
		t.State = types.StateCompleted
		if err := e.applyDirect(tx, &t); err != nil {
			return nil, err
		}
	case t.HasCondition():
		t.State = types.StatePrepared
		if err := e.applyHold(tx, &t); err != nil {
			return nil, err
		}
	default:
		t.State = types.StateCompleted
		if err := e.applyDirect(tx, &t); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

// advanceTransfer computes the next state for an existing transfer given
// the delta carried by body, or fails with ErrInvalidTransition.
func (e *Engine) advanceTransfer(tx *store.Txn, p Principal, prior, body *types.Transfer) (*types.Transfer, error) {
	if prior.State.Terminal() {
		return nil, fmt.Errorf("%w: transfer is %s", ErrInvalidTransition, prior.State)
	}
	if err := checkImmutable(prior, body); err != nil {
		return nil, err
	}

	now := e.clock.Time().UTC()

	if body.State == types.StateRejected {
		if !p.participates(prior) {
			return nil, fmt.Errorf("%w: only a participant may reject", ErrForbidden)
		}
		next := cloneTransfer(prior)
		if prior.State == types.StatePrepared {
			if err := e.releaseHeld(tx, next); err != nil {
				return nil, err
			}
		}
		next.State = types.StateRejected
		next.UpdatedAt = now
		return next, nil
	}

	next := cloneTransfer(prior)
	changed := false

	for i := range body.SourceFunds {
		if !body.SourceFunds[i].Authorized() || prior.SourceFunds[i].Authorized() {
			continue
		}
		if !p.Owns(body.SourceFunds[i].Account) {
			return nil, fmt.Errorf("%w: authorization asserted for %q", ErrForbidden, body.SourceFunds[i].Account)
		}
		next.SourceFunds[i].Authorization = body.SourceFunds[i].Authorization
		changed = true
	}
	if body.HasFulfillment() && !prior.HasFulfillment() {
		next.ExecutionConditionFulfillment = body.ExecutionConditionFulfillment
		changed = true
	}
	if !changed {
		return nil, fmt.Errorf("%w: body does not advance the transfer", ErrInvalidTransition)
	}
	next.UpdatedAt = now

	switch prior.State {
	case types.StateProposed:
		if !next.FullyAuthorized() {
			// Partial authorization: record progress, state unchanged.
			return next, nil
		}
		switch {
		case next.HasCondition() && next.HasFulfillment():
			next.State = types.StateCompleted
			if err := e.applyDirect(tx, next); err != nil {
				return nil, err
			}
		case next.HasCondition():
			next.State = types.StatePrepared
			if err := e.applyHold(tx, next); err != nil {
				return nil, err
			}
		default:
			next.State = types.StateCompleted
			if err := e.applyDirect(tx, next); err != nil {
				return nil, err
			}
		}
		return next, nil

	case types.StatePrepared:
		if !next.HasFulfillment() {
			return nil, fmt.Errorf("%w: prepared transfer requires a fulfillment", ErrInvalidTransition)
		}
		next.State = types.StateCompleted
		if err := e.settleHeld(tx, next); err != nil {
			return nil, err
		}
		return next, nil
	}
	return nil, fmt.Errorf("%w: transfer is %s", ErrInvalidTransition, prior.State)
}

// checkImmutable rejects bodies that try to rewrite the funds, condition or
// deadline of an existing transfer.
func checkImmutable(prior, body *types.Transfer) error {
	if len(prior.SourceFunds) != len(body.SourceFunds) ||
		len(prior.DestinationFunds) != len(body.DestinationFunds) {
		return fmt.Errorf("%w: funds may not change", ErrInvalidTransition)
	}
	for i := range prior.SourceFunds {
		if prior.SourceFunds[i].Account != body.SourceFunds[i].Account ||
			!prior.SourceFunds[i].Amount.Equal(body.SourceFunds[i].Amount) {
			return fmt.Errorf("%w: source funds may not change", ErrInvalidTransition)
		}
	}
	for i := range prior.DestinationFunds {
		if prior.DestinationFunds[i].Account != body.DestinationFunds[i].Account ||
			!prior.DestinationFunds[i].Amount.Equal(body.DestinationFunds[i].Amount) {
			return fmt.Errorf("%w: destination funds may not change", ErrInvalidTransition)
		}
	}
	if prior.HasCondition() != body.HasCondition() && body.HasCondition() {
		return fmt.Errorf("%w: execution condition may not be added", ErrInvalidTransition)
	}
	if prior.HasCondition() && body.HasCondition() && !rawJSONEqual(prior.ExecutionCondition, body.ExecutionCondition) {
		return fmt.Errorf("%w: execution condition may not change", ErrInvalidTransition)
	}
	pe, be := prior.ExpiresAt, body.ExpiresAt
	if (pe == nil) != (be == nil) || (pe != nil && !pe.Equal(*be)) {
		return fmt.Errorf("%w: expires_at may not change", ErrInvalidTransition)
	}
	return nil
}

func rawJSONEqual(a, b json.RawMessage) bool {
	var av, bv interface{}
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return string(a) == string(b)
	}
	ab, _ := json.Marshal(av)
	bb, _ := json.Marshal(bv)
	return string(ab) == string(bb)
}

func cloneTransfer(t *types.Transfer) *types.Transfer {
	next := *t
	next.SourceFunds = append([]types.Funds(nil), t.SourceFunds...)
	next.DestinationFunds = append([]types.Funds(nil), t.DestinationFunds...)
	return &next
}

// Balance application. Debits check sufficiency against the running
// balance, so several legs drawing on one account aggregate naturally.

func (e *Engine) applyDirect(tx *store.Txn, t *types.Transfer) error {
	for i := range t.SourceFunds {
		if err := e.debit(tx, balancePath(t.SourceFunds[i].Account), t.SourceFunds[i].Amount, true); err != nil {
			return err
		}
	}
	return e.creditDestinations(tx, t)
}

func (e *Engine) applyHold(tx *store.Txn, t *types.Transfer) error {
	for i := range t.SourceFunds {
		leg := &t.SourceFunds[i]
		if err := e.debit(tx, balancePath(leg.Account), leg.Amount, true); err != nil {
			return err
		}
		if err := e.credit(tx, heldPath(leg.Account), leg.Amount); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) settleHeld(tx *store.Txn, t *types.Transfer) error {
	for i := range t.SourceFunds {
		if err := e.debit(tx, heldPath(t.SourceFunds[i].Account), t.SourceFunds[i].Amount, false); err != nil {
			return err
		}
	}
	return e.creditDestinations(tx, t)
}

func (e *Engine) releaseHeld(tx *store.Txn, t *types.Transfer) error {
	for i := range t.SourceFunds {
		leg := &t.SourceFunds[i]
		if err := e.debit(tx, heldPath(leg.Account), leg.Amount, false); err != nil {
			return err
		}
		if err := e.credit(tx, balancePath(leg.Account), leg.Amount); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) creditDestinations(tx *store.Txn, t *types.Transfer) error {
	for i := range t.DestinationFunds {
		if err := e.credit(tx, balancePath(t.DestinationFunds[i].Account), t.DestinationFunds[i].Amount); err != nil {
			return err
		}
	}
	return nil
}

// debit subtracts amount at path. With insufficientAsClientError a negative
// result maps to ErrInsufficientFunds; otherwise it indicates corrupted
// held-fund accounting and is internal.
func (e *Engine) debit(tx *store.Txn, path store.Path, amount decimal.Decimal, insufficientAsClientError bool) error {
	bal, err := readDecimal(tx, path)
	if err != nil {
		return err
	}
	next := bal.Sub(amount)
	if next.IsNegative() {
		if insufficientAsClientError {
			return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, path, bal, amount)
		}
		return fmt.Errorf("held funds underflow at %s: %s - %s", path, bal, amount)
	}
	return writeDecimal(tx, path, next)
}

func (e *Engine) credit(tx *store.Txn, path store.Path, amount decimal.Decimal) error {
	bal, err := readDecimal(tx, path)
	if err != nil {
		return err
	}
	return writeDecimal(tx, path, bal.Add(amount))
}

// persist writes the transfer record, maintains the expiry index and, on a
// state transition, fans out notification records, all inside tx.
func (e *Engine) persist(tx *store.Txn, t *types.Transfer, stateChanged bool) error {
	if err := tx.Put(transferPath(t.ID), t); err != nil {
		return err
	}
	if t.ExpiresAt != nil && !t.State.Terminal() {
		if err := tx.Put(expiryPath(t.ID), t.ExpiresAt.Format(time.RFC3339Nano)); err != nil {
			return err
		}
	} else if err := tx.Delete(expiryPath(t.ID)); err != nil {
		return err
	}
	if stateChanged {
		return e.enqueueNotifications(tx, t)
	}
	return nil
}

// enqueueNotifications inserts one pending notification per subscription
// whose owner appears in the transfer and whose event matches.
func (e *Engine) enqueueNotifications(tx *store.Txn, t *types.Transfer) error {
	now := e.clock.Time().UTC()
	for _, name := range t.Accounts() {
		entries, err := tx.List(store.Path{"people", name, "subscriptions"})
		if err != nil {
			return err
		}
		for _, entry := range entries {
			var sub types.Subscription
			if err := json.Unmarshal(entry.Value, &sub); err != nil {
				return fmt.Errorf("corrupt subscription at %s: %w", entry.Path, err)
			}
			if !sub.Matches(types.EventTransferUpdate) {
				continue
			}
			n := types.Notification{
				ID:             uuid.NewString(),
				SubscriptionID: sub.ID,
				Event:          types.EventTransferUpdate,
				Transfer:       *t,
				Attempts:       0,
				NextAttemptAt:  now,
				State:          types.NotificationPending,
				CreatedAt:      now,
			}
			if err := tx.Create(notificationPath(n.ID), &n); err != nil {
				return err
			}
		}
	}
	return nil
}

// afterCommit runs the out-of-band consequences of a committed upsert:
// expiry tracking and observer fan-out.
func (e *Engine) afterCommit(result *types.Transfer, events []types.Transfer) {
	if result.ExpiresAt != nil && !result.State.Terminal() {
		e.expiry.track(result.ID, *result.ExpiresAt)
	}
	for _, ev := range events {
		e.emit(ev)
	}
}
