// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"fmt"

	"github.com/luxfi/ledger/core/types"
)

// validateShape enforces the structural rules on an inbound transfer body:
// both sides present, amounts non-negative, account names well formed.
// Violations surface as 400.
func validateShape(t *types.Transfer) error {
	if len(t.SourceFunds) == 0 || len(t.DestinationFunds) == 0 {
		return fmt.Errorf("%w: source_funds and destination_funds are required", ErrInvalidRequest)
	}
	for _, legs := range [][]types.Funds{t.SourceFunds, t.DestinationFunds} {
		for i := range legs {
			if !types.ValidAccountName(legs[i].Account) {
				return fmt.Errorf("%w: invalid account name %q", ErrInvalidRequest, legs[i].Account)
			}
			if legs[i].Amount.IsNegative() {
				return fmt.Errorf("%w: negative amount", ErrInvalidRequest)
			}
		}
	}
	if t.State != "" && !t.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidRequest, t.State)
	}
	return nil
}

// validateSemantics enforces the invariant rules: conservation of value and
// strictly positive amounts. Violations surface as 422. Account existence is
// checked separately, inside the transaction that settles.
func validateSemantics(t *types.Transfer) error {
	for _, legs := range [][]types.Funds{t.SourceFunds, t.DestinationFunds} {
		for i := range legs {
			if !legs[i].Amount.IsPositive() {
				return fmt.Errorf("%w: amounts must be positive", ErrUnprocessable)
			}
		}
	}
	if !t.SourceTotal().Equal(t.DestinationTotal()) {
		return fmt.Errorf("%w: source total %s does not equal destination total %s",
			ErrUnprocessable, t.SourceTotal(), t.DestinationTotal())
	}
	return nil
}
