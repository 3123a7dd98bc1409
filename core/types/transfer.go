// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferState is the lifecycle state of a transfer.
type TransferState string

const (
	StateProposed  TransferState = "proposed"
	StatePrepared  TransferState = "prepared"
	StateCompleted TransferState = "completed"
	StateRejected  TransferState = "rejected"
	StateExpired   TransferState = "expired"
)

// Valid reports whether s is one of the five lifecycle states.
func (s TransferState) Valid() bool {
	switch s {
	case StateProposed, StatePrepared, StateCompleted, StateRejected, StateExpired:
		return true
	}
	return false
}

// Terminal reports whether a transfer in state s can never move again.
func (s TransferState) Terminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateExpired:
		return true
	}
	return false
}

// Funds is one leg of a transfer. Authorization is only meaningful on
// source legs; the engine treats any non-empty value as consent from the
// leg's account owner.
type Funds struct {
	Account       string          `json:"account"`
	Amount        decimal.Decimal `json:"amount"`
	Authorization json.RawMessage `json:"authorization,omitempty"`
}

// Authorized reports whether the leg carries a non-empty authorization.
func (f *Funds) Authorized() bool {
	return rawPresent(f.Authorization)
}

// Transfer is an atomic movement of value from one or more source legs to
// one or more destination legs.
type Transfer struct {
	ID               string  `json:"id"`
	SourceFunds      []Funds `json:"source_funds"`
	DestinationFunds []Funds `json:"destination_funds"`

	// ExecutionCondition is an opaque predicate that must be discharged by a
	// fulfillment before a prepared transfer settles. It is never interpreted.
	ExecutionCondition            json.RawMessage `json:"execution_condition,omitempty"`
	ExecutionConditionFulfillment json.RawMessage `json:"execution_condition_fulfillment,omitempty"`

	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
	State     TransferState `json:"state,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// HasCondition reports whether the transfer carries an execution condition.
func (t *Transfer) HasCondition() bool {
	return rawPresent(t.ExecutionCondition)
}

// HasFulfillment reports whether a fulfillment has been supplied.
func (t *Transfer) HasFulfillment() bool {
	return rawPresent(t.ExecutionConditionFulfillment)
}

// FullyAuthorized reports whether every source leg carries an authorization.
func (t *Transfer) FullyAuthorized() bool {
	for i := range t.SourceFunds {
		if !t.SourceFunds[i].Authorized() {
			return false
		}
	}
	return len(t.SourceFunds) > 0
}

// Accounts returns the set of account names referenced by either side,
// deduplicated, in first-appearance order.
func (t *Transfer) Accounts() []string {
	seen := make(map[string]struct{}, len(t.SourceFunds)+len(t.DestinationFunds))
	var names []string
	for _, legs := range [][]Funds{t.SourceFunds, t.DestinationFunds} {
		for i := range legs {
			if _, ok := seen[legs[i].Account]; ok {
				continue
			}
			seen[legs[i].Account] = struct{}{}
			names = append(names, legs[i].Account)
		}
	}
	return names
}

// SourceTotal returns the sum of all source amounts.
func (t *Transfer) SourceTotal() decimal.Decimal {
	return fundsTotal(t.SourceFunds)
}

// DestinationTotal returns the sum of all destination amounts.
func (t *Transfer) DestinationTotal() decimal.Decimal {
	return fundsTotal(t.DestinationFunds)
}

func fundsTotal(legs []Funds) decimal.Decimal {
	total := decimal.Zero
	for i := range legs {
		total = total.Add(legs[i].Amount)
	}
	return total
}

// Equivalent reports whether the inbound body o describes the same
// transfer as the stored record t after normalization: timestamps are
// ignored, as is the serialization of amounts and raw JSON fragments. A
// body state is only significant when set and different from the stored
// one; that is a transition request, not a replay. A re-PUT of a stored
// record is a no-op exactly when Equivalent returns true.
func (t *Transfer) Equivalent(o *Transfer) bool {
	if t.ID != o.ID {
		return false
	}
	if o.State != "" && o.State != t.State {
		return false
	}
	if !fundsEqual(t.SourceFunds, o.SourceFunds) || !fundsEqual(t.DestinationFunds, o.DestinationFunds) {
		return false
	}
	if !rawEqual(t.ExecutionCondition, o.ExecutionCondition) {
		return false
	}
	if !rawEqual(t.ExecutionConditionFulfillment, o.ExecutionConditionFulfillment) {
		return false
	}
	return timePtrEqual(t.ExpiresAt, o.ExpiresAt)
}

func fundsEqual(a, b []Funds) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Account != b[i].Account || !a[i].Amount.Equal(b[i].Amount) {
			return false
		}
		if rawPresent(a[i].Authorization) != rawPresent(b[i].Authorization) {
			return false
		}
	}
	return true
}

func timePtrEqual(a, b *time.Time) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || a.Equal(*b)
}

// rawPresent reports whether a raw JSON fragment carries a value other than
// null, the empty string or false. The empty object counts as present.
func rawPresent(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	switch s {
	case "", "null", `""`, "false":
		return false
	}
	return true
}

// rawEqual compares two raw fragments by compacted bytes, treating absent
// and null as equal.
func rawEqual(a, b json.RawMessage) bool {
	an, bn := normalizeRaw(a), normalizeRaw(b)
	return bytes.Equal(an, bn)
}

func normalizeRaw(raw json.RawMessage) []byte {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return []byte(s)
	}
	return buf.Bytes()
}

// ParseTransferID canonicalizes a transfer id from a request path. The id
// must be a well-formed RFC 4122 uuid in its 36-character text form.
func ParseTransferID(s string) (string, error) {
	if len(s) != 36 {
		return "", fmt.Errorf("invalid uuid length %d", len(s))
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
