package lottery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solotto/solotto/internal/core/domain"
)

const (
	testWallet  = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	otherWallet = "GDfnEsia96mbeJt5GvKidqSpCSbvLv5vr2yn2aJEcXtL"
)

func newTestOrchestrator() (*Orchestrator, *fakeLedger, *fakeRecords, *fakeAggregates) {
	gw := newFakeLedger()
	records := newFakeRecords()
	aggregates := newFakeAggregates()
	o := NewOrchestrator(gw, records, aggregates, 0.1, 100)
	return o, gw, records, aggregates
}

func activePool(records *fakeRecords, maxPlayers int) domain.LotteryPool {
	return records.addPool(domain.LotteryPool{
		Name:        "Weekly Draw",
		TicketPrice: 0.1,
		MinPlayers:  2,
		MaxPlayers:  maxPlayers,
		Status:      domain.PoolActive,
	})
}

func TestCreatePoolValidation(t *testing.T) {
	o, gw, _, _ := newTestOrchestrator()
	gw.invalidAddrs["not-a-wallet"] = true

	now := time.Now()
	cases := []struct {
		name   string
		params CreatePoolParams
	}{
		{"invalid wallet", CreatePoolParams{CreatorWallet: "not-a-wallet", Name: "p", MinPlayers: 1, MaxPlayers: 10, StartTime: now, EndTime: now.Add(time.Hour)}},
		{"empty name", CreatePoolParams{CreatorWallet: testWallet, MinPlayers: 1, MaxPlayers: 10, StartTime: now, EndTime: now.Add(time.Hour)}},
		{"min exceeds max", CreatePoolParams{CreatorWallet: testWallet, Name: "p", MinPlayers: 20, MaxPlayers: 10, StartTime: now, EndTime: now.Add(time.Hour)}},
		{"end before start", CreatePoolParams{CreatorWallet: testWallet, Name: "p", MinPlayers: 1, MaxPlayers: 10, StartTime: now.Add(time.Hour), EndTime: now}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := o.CreatePool(context.Background(), tc.params)
			require.Error(t, err)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}
}

func TestCreatePoolWritesBothStores(t *testing.T) {
	o, _, records, aggregates := newTestOrchestrator()

	now := time.Now()
	res, err := o.CreatePool(context.Background(), CreatePoolParams{
		CreatorWallet: testWallet,
		Name:          "Weekly Draw",
		MinPlayers:    2,
		MaxPlayers:    100,
		StartTime:     now,
		EndTime:       now.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.TxRef)
	assert.Equal(t, domain.PoolPending, res.Pool.Status)
	assert.NotEmpty(t, res.Pool.PoolAddress)

	stored, err := records.GetPoolByID(context.Background(), res.Pool.ID)
	require.NoError(t, err)
	assert.Equal(t, "Weekly Draw", stored.Name)

	_, ok := aggregates.stats[res.Pool.ID.String()]
	assert.True(t, ok, "stats document should be initialized")
	assert.Len(t, aggregates.activityOfType("POOL_CREATED"), 1)
}

func TestPurchaseRejectsBadQuantityBeforeLedger(t *testing.T) {
	o, gw, records, _ := newTestOrchestrator()
	pool := activePool(records, 100)

	for _, quantity := range []int{0, -1, 101} {
		_, err := o.PurchaseTickets(context.Background(), pool.ID, testWallet, quantity)
		require.Error(t, err)
		assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	}
	assert.Zero(t, gw.submitCalls, "validation failures must not reach the ledger")
}

func TestPurchaseRejectsInactivePool(t *testing.T) {
	o, gw, records, _ := newTestOrchestrator()
	pool := records.addPool(domain.LotteryPool{Name: "p", TicketPrice: 0.1, MaxPlayers: 10, Status: domain.PoolPending})

	_, err := o.PurchaseTickets(context.Background(), pool.ID, testWallet, 1)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.Zero(t, gw.submitCalls)
}

func TestPurchaseEnforcesCapacity(t *testing.T) {
	o, gw, records, _ := newTestOrchestrator()
	pool := activePool(records, 5)

	_, err := o.PurchaseTickets(context.Background(), pool.ID, testWallet, 3)
	require.NoError(t, err)

	_, err = o.PurchaseTickets(context.Background(), pool.ID, otherWallet, 3)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.Equal(t, 1, gw.submitCalls, "over-capacity purchase must not reach the ledger")

	// The remaining two entries are still sellable.
	_, err = o.PurchaseTickets(context.Background(), pool.ID, otherWallet, 2)
	require.NoError(t, err)
}

func TestPurchaseCostAndAggregates(t *testing.T) {
	o, _, records, aggregates := newTestOrchestrator()
	pool := activePool(records, 100)

	res, err := o.PurchaseTickets(context.Background(), pool.ID, testWallet, 3)
	require.NoError(t, err)
	assert.Len(t, res.TicketNumbers, 3)
	assert.InDelta(t, 0.3, res.TotalCost, 1e-9)
	assert.NotEmpty(t, res.Signature)

	for _, n := range res.TicketNumbers {
		assert.GreaterOrEqual(t, n, uint64(100_000_000))
		assert.Less(t, n, uint64(1_000_000_000))
	}

	// Each returned number resolves back to the buyer and the pool.
	require.Len(t, records.tickets, 3)
	for i, row := range records.tickets {
		assert.Equal(t, res.TicketNumbers[i], row.TicketNumber)
		assert.Equal(t, testWallet, row.Wallet)
		assert.Equal(t, pool.ID, row.PoolID)
		assert.Equal(t, res.Signature, row.Signature)
	}

	stats, err := aggregates.GetStats(context.Background(), pool.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveParticipants)
	assert.Equal(t, 3, stats.TotalTicketsSold)
	assert.InDelta(t, 0.3, stats.CurrentPrizePool, 1e-9)

	updated, err := records.GetPoolByID(context.Background(), pool.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, updated.PrizeAmount, 1e-9)

	require.Len(t, aggregates.notifications, 1)
	assert.Equal(t, testWallet, aggregates.notifications[0].Recipient)
	assert.Equal(t, "TICKET_PURCHASE", aggregates.notifications[0].Type)
}

func TestRepeatPurchaseDoesNotRecountParticipant(t *testing.T) {
	o, _, records, aggregates := newTestOrchestrator()
	pool := activePool(records, 100)

	_, err := o.PurchaseTickets(context.Background(), pool.ID, testWallet, 2)
	require.NoError(t, err)
	_, err = o.PurchaseTickets(context.Background(), pool.ID, testWallet, 2)
	require.NoError(t, err)

	stats, err := aggregates.GetStats(context.Background(), pool.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveParticipants)
	assert.Equal(t, 4, stats.TotalTicketsSold)

	entries, err := aggregates.GetPoolEntries(context.Background(), pool.ID.String())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 4, entries[0].TotalTickets)
}

func TestPurchaseLedgerFailureLeavesNoLocalState(t *testing.T) {
	o, gw, records, aggregates := newTestOrchestrator()
	pool := activePool(records, 100)
	gw.submitErr = domain.E(domain.KindLedger, "node rejected transaction")

	_, err := o.PurchaseTickets(context.Background(), pool.ID, testWallet, 2)
	require.Error(t, err)
	assert.Equal(t, domain.KindLedger, domain.KindOf(err))

	assert.Empty(t, records.tickets)
	assert.Empty(t, records.txs)
	stats, _ := aggregates.GetStats(context.Background(), pool.ID.String())
	assert.Zero(t, stats.TotalTicketsSold)
	assert.Empty(t, aggregates.notifications)
}

func TestPurchaseStoreFailureLeavesReconcileTrail(t *testing.T) {
	o, _, records, aggregates := newTestOrchestrator()
	pool := activePool(records, 100)
	records.recordPurchaseErr = domain.E(domain.KindStore, "connection reset")

	_, err := o.PurchaseTickets(context.Background(), pool.ID, testWallet, 2)
	require.Error(t, err)

	trail := aggregates.activityOfType("RECONCILE_CANDIDATE")
	require.Len(t, trail, 1)
	assert.Equal(t, testWallet, trail[0].WalletAddress)
	assert.Equal(t, "sig_1", trail[0].Data["signature"])
}

func TestPurchaseRetriesTicketNumberCollision(t *testing.T) {
	o, _, records, aggregates := newTestOrchestrator()
	pool := activePool(records, 100)
	records.collisions = 2

	result, err := o.PurchaseTickets(context.Background(), pool.ID, testWallet, 2)
	require.NoError(t, err)
	assert.Len(t, result.TicketNumbers, 2)
	assert.Len(t, records.tickets, 2)
	// No reconciliation noise for a purchase that eventually landed.
	assert.Empty(t, aggregates.activityOfType("RECONCILE_CANDIDATE"))
}

func TestPurchaseGivesUpAfterRepeatedCollisions(t *testing.T) {
	o, _, records, aggregates := newTestOrchestrator()
	pool := activePool(records, 100)
	records.collisions = 10

	_, err := o.PurchaseTickets(context.Background(), pool.ID, testWallet, 1)
	require.Error(t, err)
	assert.Equal(t, domain.KindStore, domain.KindOf(err))
	assert.Empty(t, records.tickets)

	// Money already moved on the ledger, so giving up must leave a trail.
	trail := aggregates.activityOfType("RECONCILE_CANDIDATE")
	require.Len(t, trail, 1)
	assert.Equal(t, "sig_1", trail[0].Data["signature"])
}

func TestConcurrentPurchasesNeverExceedCapacity(t *testing.T) {
	o, _, records, _ := newTestOrchestrator()
	pool := activePool(records, 7)

	const buyers = 10
	var wg sync.WaitGroup
	sold := make(chan int, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := o.PurchaseTickets(context.Background(), pool.ID, testWallet, 2)
			if err == nil {
				sold <- len(result.TicketNumbers)
			}
		}()
	}
	wg.Wait()
	close(sold)

	total := 0
	for n := range sold {
		total += n
	}
	assert.Equal(t, total, len(records.tickets))
	assert.LessOrEqual(t, len(records.tickets), 7)
	// Capacity 7 with purchases of 2 means exactly 3 can land.
	assert.Equal(t, 6, len(records.tickets))
}

func TestPurchaseTimeoutReportsUnknownOutcome(t *testing.T) {
	o, gw, records, _ := newTestOrchestrator()
	pool := activePool(records, 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gw.submitErr = ctx.Err()

	_, err := o.PurchaseTickets(ctx, pool.ID, testWallet, 1)
	require.Error(t, err)
	assert.Equal(t, domain.KindLedger, domain.KindOf(err))
	assert.True(t, errors.Is(err, ErrOutcomeUnknown))
	assert.Contains(t, domain.ClientMessage(err), "unknown")
}

func TestPurchaseFailureBeforeSubmitIsNotUnknown(t *testing.T) {
	o, gw, records, _ := newTestOrchestrator()
	pool := activePool(records, 100)
	gw.invalidAddrs = map[string]bool{testWallet: true}

	// The wallet check fails before anything reaches the ledger, so even an
	// expired context must not turn the error into a pending outcome.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.PurchaseTickets(ctx, pool.ID, testWallet, 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrOutcomeUnknown))
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.Zero(t, gw.submitCalls)
}

func TestActivatePoolIsMonotonic(t *testing.T) {
	o, _, records, _ := newTestOrchestrator()
	pool := records.addPool(domain.LotteryPool{Name: "p", Status: domain.PoolCompleted})

	err := o.ActivatePool(context.Background(), pool.ID)
	require.Error(t, err)

	stored, _ := records.GetPoolByID(context.Background(), pool.ID)
	assert.Equal(t, domain.PoolCompleted, stored.Status)
}
