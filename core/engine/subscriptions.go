// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/luxfi/ledger/core/types"
	"github.com/luxfi/ledger/store"
)

// PutSubscription creates or updates a subscription. The owner (or admin)
// is the only principal allowed to manage it.
func (e *Engine) PutSubscription(ctx context.Context, p Principal, sub *types.Subscription) (bool, error) {
	if sub.Owner == "" || sub.Event == "" {
		return false, fmt.Errorf("%w: owner and event are required", ErrInvalidRequest)
	}
	target, err := url.Parse(sub.TargetURI)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return false, fmt.Errorf("%w: target_uri must be an absolute http(s) URI", ErrInvalidRequest)
	}
	if !p.Owns(sub.Owner) {
		return false, fmt.Errorf("%w: subscription owner mismatch", ErrForbidden)
	}

	var created bool
	err = e.withRetry(ctx, func(tx *store.Txn) error {
		ok, err := tx.Has(accountPath(sub.Owner))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: account %q", ErrNotFound, sub.Owner)
		}

		var prevOwner string
		err = tx.Get(subscriptionOwnerPath(sub.ID), &prevOwner)
		switch {
		case errors.Is(err, store.ErrNotFound):
			created = true
		case err != nil:
			return err
		case prevOwner != sub.Owner:
			return fmt.Errorf("%w: subscription %s belongs to another account", ErrForbidden, sub.ID)
		default:
			created = false
			var prev types.Subscription
			if err := tx.Get(subscriptionPath(prevOwner, sub.ID), &prev); err != nil {
				return err
			}
			sub.CreatedAt = prev.CreatedAt
		}
		if created {
			sub.CreatedAt = e.clock.Time().UTC()
		}

		if err := tx.Put(subscriptionOwnerPath(sub.ID), sub.Owner); err != nil {
			return err
		}
		return tx.Put(subscriptionPath(sub.Owner, sub.ID), sub)
	})
	return created, err
}

// GetSubscription returns the stored subscription, owner or admin only.
func (e *Engine) GetSubscription(ctx context.Context, p Principal, id string) (*types.Subscription, error) {
	var sub types.Subscription
	err := e.store.Update(ctx, func(tx *store.Txn) error {
		owner, err := e.subscriptionOwner(tx, id)
		if err != nil {
			return err
		}
		if !p.Owns(owner) {
			return fmt.Errorf("%w: subscription %s", ErrForbidden, id)
		}
		return tx.Get(subscriptionPath(owner, id), &sub)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// DeleteSubscription removes the subscription, owner or admin only.
func (e *Engine) DeleteSubscription(ctx context.Context, p Principal, id string) error {
	return e.withRetry(ctx, func(tx *store.Txn) error {
		owner, err := e.subscriptionOwner(tx, id)
		if err != nil {
			return err
		}
		if !p.Owns(owner) {
			return fmt.Errorf("%w: subscription %s", ErrForbidden, id)
		}
		if err := tx.Delete(subscriptionPath(owner, id)); err != nil {
			return err
		}
		return tx.Delete(subscriptionOwnerPath(id))
	})
}

func (e *Engine) subscriptionOwner(tx *store.Txn, id string) (string, error) {
	var owner string
	err := tx.Get(subscriptionOwnerPath(id), &owner)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("%w: subscription %s", ErrNotFound, id)
	case err != nil:
		return "", err
	}
	return owner, nil
}

// GetNotification returns one notification record scoped to its
// subscription, owner or admin only.
func (e *Engine) GetNotification(ctx context.Context, p Principal, subscriptionID, notificationID string) (*types.Notification, error) {
	var n types.Notification
	err := e.store.Update(ctx, func(tx *store.Txn) error {
		err := tx.Get(notificationPath(notificationID), &n)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("%w: notification %s", ErrNotFound, notificationID)
		case err != nil:
			return err
		}
		if n.SubscriptionID != subscriptionID {
			return fmt.Errorf("%w: notification %s", ErrNotFound, notificationID)
		}
		owner, err := e.subscriptionOwner(tx, subscriptionID)
		if err != nil {
			return err
		}
		if !p.Owns(owner) {
			return fmt.Errorf("%w: notification %s", ErrForbidden, notificationID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}
