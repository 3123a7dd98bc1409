// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/luxfi/database/memdb"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ledger/core/types"
	"github.com/luxfi/ledger/metrics"
	"github.com/luxfi/ledger/store"
	"github.com/luxfi/ledger/utils"
)

var (
	admin = Principal{Name: "admin", Admin: true}
	alice = Principal{Name: "alice"}
	bob   = Principal{Name: "bob"}

	authorized = json.RawMessage(`true`)
	condition  = json.RawMessage(`{"message":"x","signer":"s"}`)
)

type testLedger struct {
	*Engine
	store *store.Store
	clock *utils.MockableClock
}

func newTestLedger(t *testing.T) *testLedger {
	t.Helper()
	st := store.New(memdb.New())
	t.Cleanup(func() { _ = st.Close() })

	clk := utils.NewMockableClock()
	e := New(st, clk, metrics.New())

	ctx := context.Background()
	hundred := decimal.NewFromInt(100)
	zero := decimal.Zero
	_, err := e.PutAccount(ctx, admin, &types.Account{Name: "alice"}, &hundred)
	require.NoError(t, err)
	_, err = e.PutAccount(ctx, admin, &types.Account{Name: "bob"}, &zero)
	require.NoError(t, err)

	return &testLedger{Engine: e, store: st, clock: clk}
}

func (l *testLedger) balance(t *testing.T, name string) decimal.Decimal {
	t.Helper()
	view, err := l.GetAccount(context.Background(), name)
	require.NoError(t, err)
	return view.Balance
}

func (l *testLedger) held(t *testing.T, name string) decimal.Decimal {
	t.Helper()
	view, err := l.GetAccount(context.Background(), name)
	require.NoError(t, err)
	return view.Held
}

func (l *testLedger) requireAmount(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(decimal.NewFromInt(want)), "want %d, got %s", want, got)
}

func simpleTransfer(amount int64, withAuth bool) *types.Transfer {
	var auth json.RawMessage
	if withAuth {
		auth = authorized
	}
	return &types.Transfer{
		ID: uuid.NewString(),
		SourceFunds: []types.Funds{
			{Account: "alice", Amount: decimal.NewFromInt(amount), Authorization: auth},
		},
		DestinationFunds: []types.Funds{
			{Account: "bob", Amount: decimal.NewFromInt(amount)},
		},
	}
}

func TestSimpleCompletion(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)
	ctx := context.Background()

	result, created, err := l.UpsertTransfer(ctx, alice, simpleTransfer(10, true))
	require.NoError(err)
	require.True(created)
	require.Equal(types.StateCompleted, result.State)

	l.requireAmount(t, 90, l.balance(t, "alice"))
	l.requireAmount(t, 10, l.balance(t, "bob"))
}

func TestProposedThenCompleted(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)
	ctx := context.Background()

	body := simpleTransfer(10, false)
	result, created, err := l.UpsertTransfer(ctx, alice, body)
	require.NoError(err)
	require.True(created)
	require.Equal(types.StateProposed, result.State)
	l.requireAmount(t, 100, l.balance(t, "alice"))
	l.requireAmount(t, 0, l.balance(t, "bob"))

	body.SourceFunds[0].Authorization = authorized
	result, created, err = l.UpsertTransfer(ctx, alice, body)
	require.NoError(err)
	require.False(created)
	require.Equal(types.StateCompleted, result.State)
	l.requireAmount(t, 90, l.balance(t, "alice"))
	l.requireAmount(t, 10, l.balance(t, "bob"))
}

func TestProposedPreparedCompleted(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)
	ctx := context.Background()

	body := simpleTransfer(10, false)
	body.ExecutionCondition = condition

	result, _, err := l.UpsertTransfer(ctx, alice, body)
	require.NoError(err)
	require.Equal(types.StateProposed, result.State)

	body.SourceFunds[0].Authorization = authorized
	result, _, err = l.UpsertTransfer(ctx, alice, body)
	require.NoError(err)
	require.Equal(types.StatePrepared, result.State)
	l.requireAmount(t, 90, l.balance(t, "alice"))
	l.requireAmount(t, 10, l.held(t, "alice"))
	l.requireAmount(t, 0, l.balance(t, "bob"))

	result, err = l.Fulfill(ctx, body.ID, json.RawMessage(`{}`))
	require.NoError(err)
	require.Equal(types.StateCompleted, result.State)
	l.requireAmount(t, 90, l.balance(t, "alice"))
	l.requireAmount(t, 0, l.held(t, "alice"))
	l.requireAmount(t, 10, l.balance(t, "bob"))
}

func TestPreparedCompletesViaBodyFulfillment(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)
	ctx := context.Background()

	body := simpleTransfer(10, true)
	body.ExecutionCondition = condition
	result, _, err := l.UpsertTransfer(ctx, alice, body)
	require.NoError(err)
	require.Equal(types.StatePrepared, result.State)

	body.ExecutionConditionFulfillment = json.RawMessage(`{}`)
	result, created, err := l.UpsertTransfer(ctx, alice, body)
	require.NoError(err)
	require.False(created)
	require.Equal(types.StateCompleted, result.State)
	l.requireAmount(t, 0, l.held(t, "alice"))
	l.requireAmount(t, 10, l.balance(t, "bob"))
}

func TestFulfillmentIdempotent(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)
	ctx := context.Background()

	body := simpleTransfer(10, true)
	body.ExecutionCondition = condition
	_, _, err := l.UpsertTransfer(ctx, alice, body)
	require.NoError(err)

	first, err := l.Fulfill(ctx, body.ID, json.RawMessage(`{"ok":1}`))
	require.NoError(err)
	second, err := l.Fulfill(ctx, body.ID, json.RawMessage(`{"ok":1}`))
	require.NoError(err)
	require.Equal(first.State, second.State)
	l.requireAmount(t, 10, l.balance(t, "bob"))

	_, err = l.Fulfill(ctx, body.ID, json.RawMessage(`{"ok":2}`))
	require.ErrorIs(err, ErrUnprocessable)
}

func TestConditionWithFulfillmentCompletesOnce(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)

	body := simpleTransfer(10, true)
	body.ExecutionCondition = condition
	body.ExecutionConditionFulfillment = json.RawMessage(`{}`)

	result, _, err := l.UpsertTransfer(context.Background(), alice, body)
	require.NoError(err)
	require.Equal(types.StateCompleted, result.State)
	l.requireAmount(t, 90, l.balance(t, "alice"))
	l.requireAmount(t, 0, l.held(t, "alice"))
	l.requireAmount(t, 10, l.balance(t, "bob"))
}

func TestInsufficientFunds(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)

	_, _, err := l.UpsertTransfer(context.Background(), alice, simpleTransfer(101, true))
	require.ErrorIs(err, ErrInsufficientFunds)
	l.requireAmount(t, 100, l.balance(t, "alice"))
	l.requireAmount(t, 0, l.balance(t, "bob"))
}

func TestZeroAmount(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)

	body := simpleTransfer(0, true)
	_, _, err := l.UpsertTransfer(context.Background(), alice, body)
	require.ErrorIs(err, ErrUnprocessable)
}

func TestAmountMismatch(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)

	body := simpleTransfer(10, true)
	body.DestinationFunds[0].Amount = decimal.NewFromInt(9)
	_, _, err := l.UpsertTransfer(context.Background(), alice, body)
	require.ErrorIs(err, ErrUnprocessable)
}

func TestUnknownAccount(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)

	body := simpleTransfer(10, true)
	body.SourceFunds[0].Account = "alois"
	_, _, err := l.UpsertTransfer(context.Background(), admin, body)
	require.ErrorIs(err, ErrUnprocessable)
}

func TestIdempotentReput(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)
	ctx := context.Background()

	body := simpleTransfer(10, true)
	first, created, err := l.UpsertTransfer(ctx, alice, body)
	require.NoError(err)
	require.True(created)

	second, created, err := l.UpsertTransfer(ctx, alice, body)
	require.NoError(err)
	require.False(created)
	require.Equal(first.State, second.State)
	require.Equal(first.UpdatedAt, second.UpdatedAt)

	// The second call had no balance effect.
	l.requireAmount(t, 90, l.balance(t, "alice"))
	l.requireAmount(t, 10, l.balance(t, "bob"))
}

func TestForgedAuthorizationForbidden(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)

	// bob asserts alice's authorization
	_, _, err := l.UpsertTransfer(context.Background(), bob, simpleTransfer(10, true))
	require.ErrorIs(err, ErrForbidden)
}

func TestAdminMayAuthorizeAnySource(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)

	result, _, err := l.UpsertTransfer(context.Background(), admin, simpleTransfer(10, true))
	require.NoError(err)
	require.Equal(types.StateCompleted, result.State)
}

func TestMultiSourcePartialAuthorization(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)
	ctx := context.Background()

	ten := decimal.NewFromInt(10)
	_, err := l.PutAccount(ctx, admin, &types.Account{Name: "carol"}, &ten)
	require.NoError(err)

	body := &types.Transfer{
		ID: uuid.NewString(),
		SourceFunds: []types.Funds{
			{Account: "alice", Amount: decimal.NewFromInt(5)},
			{Account: "carol", Amount: decimal.NewFromInt(5)},
		},
		DestinationFunds: []types.Funds{
			{Account: "bob", Amount: decimal.NewFromInt(10)},
		},
	}
	result, _, err := l.UpsertTransfer(ctx, alice, body)
	require.NoError(err)
	require.Equal(types.StateProposed, result.State)

	body.SourceFunds[0].Authorization = authorized
	result, _, err = l.UpsertTransfer(ctx, alice, body)
	require.NoError(err)
	require.Equal(types.StateProposed, result.State)
	l.requireAmount(t, 100, l.balance(t, "alice"))

	body.SourceFunds[1].Authorization = authorized
	result, _, err = l.UpsertTransfer(ctx, Principal{Name: "carol"}, body)
	require.NoError(err)
	require.Equal(types.StateCompleted, result.State)
	l.requireAmount(t, 95, l.balance(t, "alice"))
	l.requireAmount(t, 5, l.balance(t, "carol"))
	l.requireAmount(t, 10, l.balance(t, "bob"))
}

func TestRejectReleasesHold(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)
	ctx := context.Background()

	body := simpleTransfer(10, true)
	body.ExecutionCondition = condition
	result, _, err := l.UpsertTransfer(ctx, alice, body)
	require.NoError(err)
	require.Equal(types.StatePrepared, result.State)

	rejection := *body
	rejection.State = types.StateRejected
	result, _, err = l.UpsertTransfer(ctx, bob, &rejection)
	require.NoError(err)
	require.Equal(types.StateRejected, result.State)
	l.requireAmount(t, 100, l.balance(t, "alice"))
	l.requireAmount(t, 0, l.held(t, "alice"))
}

func TestRejectByStrangerForbidden(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)
	ctx := context.Background()

	ten := decimal.NewFromInt(10)
	_, err := l.PutAccount(ctx, admin, &types.Account{Name: "mallory"}, &ten)
	require.NoError(err)

	body := simpleTransfer(10, false)
	_, _, err = l.UpsertTransfer(ctx, alice, body)
	require.NoError(err)

	rejection := *body
	rejection.State = types.StateRejected
	_, _, err = l.UpsertTransfer(ctx, Principal{Name: "mallory"}, &rejection)
	require.ErrorIs(err, ErrForbidden)
}

func TestTerminalStateIsFinal(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)
	ctx := context.Background()

	body := simpleTransfer(10, true)
	_, _, err := l.UpsertTransfer(ctx, alice, body)
	require.NoError(err)

	rejection := *body
	rejection.State = types.StateRejected
	_, _, err = l.UpsertTransfer(ctx, alice, &rejection)
	require.ErrorIs(err, ErrInvalidTransition)
}

func TestFundsAreImmutable(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)
	ctx := context.Background()

	body := simpleTransfer(10, false)
	_, _, err := l.UpsertTransfer(ctx, alice, body)
	require.NoError(err)

	changed := *body
	changed.SourceFunds = []types.Funds{
		{Account: "alice", Amount: decimal.NewFromInt(20), Authorization: authorized},
	}
	changed.DestinationFunds = []types.Funds{
		{Account: "bob", Amount: decimal.NewFromInt(20)},
	}
	_, _, err = l.UpsertTransfer(ctx, alice, &changed)
	require.ErrorIs(err, ErrInvalidTransition)
}

func TestExpiryViaMonitor(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(l.Start())
	defer l.Stop()

	sub := &types.Subscription{
		ID:        uuid.NewString(),
		Owner:     "alice",
		Event:     types.EventTransferUpdate,
		TargetURI: "http://localhost:1/unreachable",
	}
	_, err := l.PutSubscription(ctx, alice, sub)
	require.NoError(err)

	expiresAt := time.Now().Add(50 * time.Millisecond)
	body := simpleTransfer(10, true)
	body.ExecutionCondition = condition
	body.ExpiresAt = &expiresAt

	result, _, err := l.UpsertTransfer(ctx, alice, body)
	require.NoError(err)
	require.Equal(types.StatePrepared, result.State)

	require.Eventually(func() bool {
		got, err := l.GetTransfer(ctx, body.ID)
		return err == nil && got.State == types.StateExpired
	}, 2*time.Second, 10*time.Millisecond)

	l.requireAmount(t, 100, l.balance(t, "alice"))
	l.requireAmount(t, 0, l.held(t, "alice"))
	l.requireAmount(t, 0, l.balance(t, "bob"))

	// One notification enqueued for the prepared transition and one for the
	// expiry; the expiry one references the expired snapshot.
	var count int
	require.NoError(l.store.Update(ctx, func(tx *store.Txn) error {
		entries, err := tx.List(store.Path{"notifications"})
		if err != nil {
			return err
		}
		count = len(entries)
		return nil
	}))
	require.Equal(2, count)
}

func TestExpireTransferDirect(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)
	ctx := context.Background()

	now := time.Now().UTC()
	l.clock.Set(now)

	expiresAt := now.Add(time.Minute)
	body := simpleTransfer(10, true)
	body.ExecutionCondition = condition
	body.ExpiresAt = &expiresAt
	_, _, err := l.UpsertTransfer(ctx, alice, body)
	require.NoError(err)

	// Not yet due: the monitor would be told to come back.
	requeueAt, err := l.expireTransfer(ctx, body.ID)
	require.NoError(err)
	require.NotNil(requeueAt)
	require.True(requeueAt.Equal(expiresAt))

	l.clock.Set(expiresAt)
	requeueAt, err = l.expireTransfer(ctx, body.ID)
	require.NoError(err)
	require.Nil(requeueAt)

	got, err := l.GetTransfer(ctx, body.ID)
	require.NoError(err)
	require.Equal(types.StateExpired, got.State)
	l.requireAmount(t, 100, l.balance(t, "alice"))
	l.requireAmount(t, 0, l.held(t, "alice"))

	// Idempotent: firing again is a no-op.
	requeueAt, err = l.expireTransfer(ctx, body.ID)
	require.NoError(err)
	require.Nil(requeueAt)
}

func TestConcurrentIdenticalPuts(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)
	ctx := context.Background()

	body := simpleTransfer(10, true)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		createdCt int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := l.UpsertTransfer(ctx, alice, body)
			if err != nil {
				// A loser that exhausted its retries is acceptable; a wrong
				// balance is not.
				return
			}
			mu.Lock()
			if created {
				createdCt++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(1, createdCt)
	l.requireAmount(t, 90, l.balance(t, "alice"))
	l.requireAmount(t, 10, l.balance(t, "bob"))
}

func TestConservationAcrossLifecycle(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)
	ctx := context.Background()

	total := func() decimal.Decimal {
		sum := decimal.Zero
		for _, name := range []string{"alice", "bob"} {
			view, err := l.GetAccount(ctx, name)
			require.NoError(err)
			sum = sum.Add(view.Balance).Add(view.Held)
		}
		return sum
	}
	want := total()

	// proposed -> prepared -> completed
	body := simpleTransfer(30, false)
	body.ExecutionCondition = condition
	_, _, err := l.UpsertTransfer(ctx, alice, body)
	require.NoError(err)
	require.True(want.Equal(total()))

	body.SourceFunds[0].Authorization = authorized
	_, _, err = l.UpsertTransfer(ctx, alice, body)
	require.NoError(err)
	require.True(want.Equal(total()))

	_, err = l.Fulfill(ctx, body.ID, json.RawMessage(`{}`))
	require.NoError(err)
	require.True(want.Equal(total()))

	// prepared -> rejected releases the hold
	second := simpleTransfer(20, true)
	second.ExecutionCondition = condition
	_, _, err = l.UpsertTransfer(ctx, alice, second)
	require.NoError(err)
	require.True(want.Equal(total()))

	rejection := *second
	rejection.State = types.StateRejected
	_, _, err = l.UpsertTransfer(ctx, alice, &rejection)
	require.NoError(err)
	require.True(want.Equal(total()))

	l.requireAmount(t, 0, l.held(t, "alice"))
}

func TestNotificationEnqueuedOnTransition(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)
	ctx := context.Background()

	sub := &types.Subscription{
		ID:        uuid.NewString(),
		Owner:     "alice",
		Event:     types.EventTransferUpdate,
		TargetURI: "http://localhost:1/hook",
	}
	created, err := l.PutSubscription(ctx, alice, sub)
	require.NoError(err)
	require.True(created)

	_, _, err = l.UpsertTransfer(ctx, alice, simpleTransfer(10, true))
	require.NoError(err)

	require.NoError(l.store.Update(ctx, func(tx *store.Txn) error {
		entries, err := tx.List(store.Path{"notifications"})
		if err != nil {
			return err
		}
		require.Len(entries, 1)
		var n types.Notification
		require.NoError(json.Unmarshal(entries[0].Value, &n))
		require.Equal(sub.ID, n.SubscriptionID)
		require.Equal(types.NotificationPending, n.State)
		require.Equal(types.StateCompleted, n.Transfer.State)
		return nil
	}))
}

func TestSubscriptionAuthz(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)
	ctx := context.Background()

	sub := &types.Subscription{
		ID:        uuid.NewString(),
		Owner:     "alice",
		Event:     types.EventTransferUpdate,
		TargetURI: "http://localhost:1/hook",
	}
	_, err := l.PutSubscription(ctx, bob, sub)
	require.ErrorIs(err, ErrForbidden)

	_, err = l.PutSubscription(ctx, alice, sub)
	require.NoError(err)

	_, err = l.GetSubscription(ctx, bob, sub.ID)
	require.ErrorIs(err, ErrForbidden)

	got, err := l.GetSubscription(ctx, admin, sub.ID)
	require.NoError(err)
	require.Equal("alice", got.Owner)

	require.ErrorIs(l.DeleteSubscription(ctx, bob, sub.ID), ErrForbidden)
	require.NoError(l.DeleteSubscription(ctx, alice, sub.ID))
	_, err = l.GetSubscription(ctx, alice, sub.ID)
	require.ErrorIs(err, ErrNotFound)
}

func TestListAccountsAdminOnly(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.ListAccounts(ctx, alice)
	require.ErrorIs(err, ErrUnauthorized)

	views, err := l.ListAccounts(ctx, admin)
	require.NoError(err)
	require.Len(views, 2)
	require.Equal("alice", views[0].Name)
	require.Equal("bob", views[1].Name)
}

func TestPutAccountAdminOnly(t *testing.T) {
	require := require.New(t)
	l := newTestLedger(t)

	ten := decimal.NewFromInt(10)
	_, err := l.PutAccount(context.Background(), alice, &types.Account{Name: "carol"}, &ten)
	require.ErrorIs(err, ErrForbidden)
}
