// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import "time"

// EventTransferUpdate is emitted on every transfer state transition.
const EventTransferUpdate = "transfer.update"

// Subscription is a durable registration by an account owner to receive
// notifications about events touching its accounts.
type Subscription struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Event     string    `json:"event"`
	TargetURI string    `json:"target_uri"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Matches reports whether the subscription wants the named event.
func (s *Subscription) Matches(event string) bool {
	return s.Event == event || s.Event == "*"
}
