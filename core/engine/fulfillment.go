// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/luxfi/ledger/core/types"
	"github.com/luxfi/ledger/store"
)

// Fulfill discharges a prepared transfer's execution condition. The
// fulfillment is opaque: only its presence and JSON shape are checked, the
// engine never verifies it cryptographically. Re-supplying the fulfillment
// of an already-completed transfer is a no-op.
func (e *Engine) Fulfill(ctx context.Context, id string, fulfillment json.RawMessage) (*types.Transfer, error) {
	if !json.Valid(fulfillment) {
		return nil, fmt.Errorf("%w: fulfillment is not valid JSON", ErrInvalidRequest)
	}
	if !(&types.Transfer{ExecutionConditionFulfillment: fulfillment}).HasFulfillment() {
		return nil, fmt.Errorf("%w: fulfillment is empty", ErrInvalidRequest)
	}

	var (
		result types.Transfer
		events []types.Transfer
	)
	err := e.withRetry(ctx, func(tx *store.Txn) error {
		events = events[:0]

		var t types.Transfer
		err := tx.Get(transferPath(id), &t)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("%w: transfer %s", ErrNotFound, id)
		case err != nil:
			return err
		}

		switch t.State {
		case types.StatePrepared:
			next := cloneTransfer(&t)
			next.ExecutionConditionFulfillment = fulfillment
			next.State = types.StateCompleted
			next.UpdatedAt = e.clock.Time().UTC()
			if err := e.settleHeld(tx, next); err != nil {
				return err
			}
			if err := e.persist(tx, next, true); err != nil {
				return err
			}
			events = append(events, *next)
			result = *next
			return nil

		case types.StateCompleted:
			if t.HasFulfillment() && rawJSONEqual(t.ExecutionConditionFulfillment, fulfillment) {
				result = t
				return nil
			}
			return fmt.Errorf("%w: transfer already completed", ErrUnprocessable)

		default:
			return fmt.Errorf("%w: transfer is %s, not prepared", ErrUnprocessable, t.State)
		}
	})
	if err != nil {
		return nil, err
	}
	e.afterCommit(&result, events)
	return &result, nil
}

// GetFulfillment returns the stored fulfillment, or ErrNotFound if the
// transfer does not exist or has none.
func (e *Engine) GetFulfillment(ctx context.Context, id string) (json.RawMessage, error) {
	t, err := e.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.HasFulfillment() {
		return nil, fmt.Errorf("%w: transfer %s has no fulfillment", ErrNotFound, id)
	}
	return t.ExecutionConditionFulfillment, nil
}
