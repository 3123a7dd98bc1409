// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/luxfi/ledger/store"
)

// Persisted key-path layout:
//
//	people/<name>                    -> Account
//	people/<name>/balance            -> decimal string
//	people/<name>/held               -> decimal string
//	people/<name>/subscriptions/<id> -> Subscription
//	transfers/<id>                   -> Transfer
//	notifications/<id>               -> Notification
//	subscriptions/<id>               -> owner name (lookup index)
//	expiries/<id>                    -> RFC3339 deadline (expiry monitor reload index)
func accountPath(name string) store.Path { return store.Path{"people", name} }
func balancePath(name string) store.Path { return store.Path{"people", name, "balance"} }
func heldPath(name string) store.Path    { return store.Path{"people", name, "held"} }

func subscriptionPath(owner, id string) store.Path {
	return store.Path{"people", owner, "subscriptions", id}
}
func subscriptionOwnerPath(id string) store.Path { return store.Path{"subscriptions", id} }

func transferPath(id string) store.Path     { return store.Path{"transfers", id} }
func notificationPath(id string) store.Path { return store.Path{"notifications", id} }
func expiryPath(id string) store.Path       { return store.Path{"expiries", id} }

// readDecimal loads the decimal at path, treating an absent path as zero.
func readDecimal(tx *store.Txn, path store.Path) (decimal.Decimal, error) {
	var s string
	err := tx.Get(path, &s)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return decimal.Zero, nil
	case err != nil:
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt decimal at %s: %w", path, err)
	}
	return d, nil
}

func writeDecimal(tx *store.Txn, path store.Path, d decimal.Decimal) error {
	return tx.Put(path, d.String())
}
