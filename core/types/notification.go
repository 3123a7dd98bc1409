// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import "time"

// NotificationState is the delivery state of a notification record.
type NotificationState string

const (
	// NotificationPending is eligible for claim once NextAttemptAt passes.
	NotificationPending NotificationState = "pending"
	// NotificationDelivering marks a record claimed by a worker.
	NotificationDelivering NotificationState = "delivering"
	NotificationDelivered  NotificationState = "delivered"
	NotificationAbandoned  NotificationState = "abandoned"
)

// Notification is one delivery obligation: a transfer snapshot owed to a
// subscription target. The worker borrows records by flipping State from
// pending to delivering under a store transaction.
type Notification struct {
	ID             string            `json:"id"`
	SubscriptionID string            `json:"subscription_id"`
	Event          string            `json:"event"`
	Transfer       Transfer          `json:"transfer"`
	Attempts       int               `json:"attempts"`
	NextAttemptAt  time.Time         `json:"next_attempt_at"`
	State          NotificationState `json:"state"`
	CreatedAt      time.Time         `json:"created_at"`
}
