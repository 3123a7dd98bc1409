// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/luxfi/ledger/core/types"
	"github.com/luxfi/ledger/store"
)

// GetAccount returns the account joined with its balances.
func (e *Engine) GetAccount(ctx context.Context, name string) (*types.AccountView, error) {
	var view *types.AccountView
	err := e.store.Update(ctx, func(tx *store.Txn) error {
		v, err := loadAccountView(tx, name)
		if err != nil {
			return err
		}
		view = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

func loadAccountView(tx *store.Txn, name string) (*types.AccountView, error) {
	var acct types.Account
	err := tx.Get(accountPath(name), &acct)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: account %q", ErrNotFound, name)
	case err != nil:
		return nil, err
	}
	balance, err := readDecimal(tx, balancePath(name))
	if err != nil {
		return nil, err
	}
	held, err := readDecimal(tx, heldPath(name))
	if err != nil {
		return nil, err
	}
	return &types.AccountView{
		Name:    acct.Name,
		Balance: balance,
		Held:    held,
		IsAdmin: acct.IsAdmin,
	}, nil
}

// ListAccounts returns every account, sorted by name. Admin only.
func (e *Engine) ListAccounts(ctx context.Context, p Principal) ([]types.AccountView, error) {
	if !p.Admin {
		return nil, fmt.Errorf("%w: listing accounts requires admin", ErrUnauthorized)
	}
	var views []types.AccountView
	err := e.store.Update(ctx, func(tx *store.Txn) error {
		views = views[:0]
		entries, err := tx.List(store.Path{"people"})
		if err != nil {
			return err
		}
		for _, entry := range entries {
			// people/<name> only; skip balance, held and subscription paths.
			if len(entry.Path) != 2 {
				continue
			}
			view, err := loadAccountView(tx, entry.Path[1])
			if err != nil {
				return err
			}
			views = append(views, *view)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	return views, nil
}

// PutAccount provisions or updates an account. Admin only; balances are
// otherwise mutated solely by transfer settlement. A nil balance leaves the
// stored balance untouched.
func (e *Engine) PutAccount(ctx context.Context, p Principal, acct *types.Account, balance *decimal.Decimal) (bool, error) {
	if !p.Admin {
		return false, fmt.Errorf("%w: provisioning accounts requires admin", ErrForbidden)
	}
	if !types.ValidAccountName(acct.Name) {
		return false, fmt.Errorf("%w: invalid account name %q", ErrInvalidRequest, acct.Name)
	}
	if balance != nil && balance.IsNegative() {
		return false, fmt.Errorf("%w: balance must be non-negative", ErrInvalidRequest)
	}

	var created bool
	err := e.withRetry(ctx, func(tx *store.Txn) error {
		ok, err := tx.Has(accountPath(acct.Name))
		if err != nil {
			return err
		}
		created = !ok
		if err := tx.Put(accountPath(acct.Name), acct); err != nil {
			return err
		}
		if balance != nil {
			if err := writeDecimal(tx, balancePath(acct.Name), *balance); err != nil {
				return err
			}
		} else if created {
			if err := writeDecimal(tx, balancePath(acct.Name), decimal.Zero); err != nil {
				return err
			}
		}
		if created {
			return writeDecimal(tx, heldPath(acct.Name), decimal.Zero)
		}
		return nil
	})
	return created, err
}

// LookupAccount returns the stored record, including authentication
// material. It is the auth gate's account source and never crosses the API.
func (e *Engine) LookupAccount(ctx context.Context, name string) (*types.Account, error) {
	var acct types.Account
	err := e.store.Get(accountPath(name), &acct)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: account %q", ErrNotFound, name)
	case err != nil:
		return nil, err
	}
	return &acct, nil
}

// FindAccountByFingerprint resolves a client-certificate fingerprint to an
// account record, or ErrNotFound.
func (e *Engine) FindAccountByFingerprint(ctx context.Context, fingerprint string) (*types.Account, error) {
	var found *types.Account
	err := e.store.Update(ctx, func(tx *store.Txn) error {
		found = nil
		entries, err := tx.List(store.Path{"people"})
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if len(entry.Path) != 2 {
				continue
			}
			var acct types.Account
			if err := json.Unmarshal(entry.Value, &acct); err != nil {
				return fmt.Errorf("corrupt account at %s: %w", entry.Path, err)
			}
			if acct.Fingerprint != "" && acct.Fingerprint == fingerprint {
				found = &acct
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: no account with matching certificate", ErrNotFound)
	}
	return found, nil
}
