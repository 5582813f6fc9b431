package lottery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solotto/solotto/internal/adapter/ledger"
	"github.com/solotto/solotto/internal/adapter/storage"
	"github.com/solotto/solotto/internal/core/domain"
)

// fakeLedger counts calls and lets a test force failures at each step.
type fakeLedger struct {
	mu sync.Mutex

	invalidAddrs  map[string]bool
	submitErr     error
	confirmErr    error
	drawErr       error
	distributeErr error
	drawNumbers   []uint64
	confirmations map[string]ledger.Confirmation

	submitCalls     int
	drawCalls       int
	distributeCalls int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		invalidAddrs:  make(map[string]bool),
		drawNumbers:   []uint64{500_000_000, 300_000_000, 700_000_000},
		confirmations: make(map[string]ledger.Confirmation),
	}
}

func (f *fakeLedger) IsValidAddress(addr string) bool {
	return addr != "" && !f.invalidAddrs[addr]
}

func (f *fakeLedger) CreatePool(ctx context.Context, creator, name string) (ledger.CreatePoolResult, error) {
	return ledger.CreatePoolResult{PoolAddress: "pool-" + name, TxRef: "tx_create"}, nil
}

func (f *fakeLedger) SubmitPurchase(ctx context.Context, buyer string, quantity int, amount float64) (ledger.PurchaseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return ledger.PurchaseResult{}, f.submitErr
	}
	f.submitCalls++
	return ledger.PurchaseResult{
		TxRef:     fmt.Sprintf("tx_%d", f.submitCalls),
		Signature: fmt.Sprintf("sig_%d", f.submitCalls),
	}, nil
}

func (f *fakeLedger) Confirm(ctx context.Context, signature string) (ledger.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return ledger.Confirmation{}, f.confirmErr
	}
	if c, ok := f.confirmations[signature]; ok {
		return c, nil
	}
	return ledger.Confirmation{Confirmed: true, BlockTime: 1700000000, Slot: 42}, nil
}

func (f *fakeLedger) Draw(ctx context.Context, poolID string) (ledger.DrawResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.drawErr != nil {
		return ledger.DrawResult{}, f.drawErr
	}
	f.drawCalls++
	return ledger.DrawResult{
		WinningNumbers: f.drawNumbers,
		Tx:             domain.DrawTransaction{Signature: "draw_sig", Slot: 99},
	}, nil
}

func (f *fakeLedger) DistributePrizes(ctx context.Context, winners []domain.Winner) ([]ledger.PrizeTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.distributeErr != nil {
		return nil, f.distributeErr
	}
	f.distributeCalls++
	out := make([]ledger.PrizeTransfer, 0, len(winners))
	for i, w := range winners {
		out = append(out, ledger.PrizeTransfer{Winner: w.WalletAddress, TxRef: fmt.Sprintf("prize_%d", i)})
	}
	return out, nil
}

// fakeRecords is an in-memory RecordStore.
type fakeRecords struct {
	mu sync.Mutex

	users   map[string]domain.User
	pools   map[uuid.UUID]domain.LotteryPool
	txs     []domain.Transaction
	tickets []domain.Ticket

	recordPurchaseErr error
	collisions        int
	updateStatusErr   error
	statusUpdates     []domain.PoolStatus
	confirmedSigs     []string
	failedSigs        []string
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		users: make(map[string]domain.User),
		pools: make(map[uuid.UUID]domain.LotteryPool),
	}
}

func (f *fakeRecords) addPool(p domain.LotteryPool) domain.LotteryPool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	f.pools[p.ID] = p
	return p
}

func (f *fakeRecords) GetOrCreateUser(ctx context.Context, wallet string) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[wallet]; ok {
		return u, nil
	}
	u := domain.User{ID: uuid.New(), WalletAddress: wallet, CreatedAt: time.Now()}
	f.users[wallet] = u
	return u, nil
}

func (f *fakeRecords) CreatePool(ctx context.Context, p domain.LotteryPool) (domain.LotteryPool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ID = uuid.New()
	p.Status = domain.PoolPending
	f.pools[p.ID] = p
	return p, nil
}

func (f *fakeRecords) DeletePool(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pools, id)
	return nil
}

func (f *fakeRecords) GetPoolByID(ctx context.Context, id uuid.UUID) (domain.LotteryPool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pools[id]
	if !ok {
		return domain.LotteryPool{}, domain.E(domain.KindNotFound, "pool not found")
	}
	return p, nil
}

func (f *fakeRecords) GetActivePools(ctx context.Context) ([]domain.LotteryPool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.LotteryPool
	for _, p := range f.pools {
		if p.Status == domain.PoolActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeRecords) UpdatePoolStatus(ctx context.Context, id uuid.UUID, status domain.PoolStatus, winnerWallet string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateStatusErr != nil {
		err := f.updateStatusErr
		f.updateStatusErr = nil
		return err
	}
	p, ok := f.pools[id]
	if !ok {
		return domain.E(domain.KindNotFound, "pool not found")
	}
	if status.Rank() <= p.Status.Rank() {
		return domain.E(domain.KindValidation, "pool status cannot regress")
	}
	p.Status = status
	p.WinnerWallet = winnerWallet
	f.pools[id] = p
	f.statusUpdates = append(f.statusUpdates, status)
	return nil
}

func (f *fakeRecords) RecordPurchase(ctx context.Context, tx domain.Transaction, tickets []domain.Ticket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordPurchaseErr != nil {
		return f.recordPurchaseErr
	}
	if f.collisions > 0 {
		f.collisions--
		return domain.E(domain.KindStore, "ticket number collision", storage.ErrTicketCollision)
	}
	f.txs = append(f.txs, tx)
	f.tickets = append(f.tickets, tickets...)
	p := f.pools[tx.PoolID]
	p.PrizeAmount += tx.Amount
	f.pools[tx.PoolID] = p
	return nil
}

func (f *fakeRecords) RecordPrizeTransactions(ctx context.Context, poolID uuid.UUID, txs []domain.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, txs...)
	return nil
}

func (f *fakeRecords) ConfirmTransaction(ctx context.Context, signature string, blockTime int64, slot uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.txs {
		if f.txs[i].Signature == signature && (f.txs[i].Status == "" || f.txs[i].Status == domain.TxPending) {
			f.txs[i].Status = domain.TxConfirmed
			f.txs[i].BlockTime = blockTime
			f.txs[i].Slot = slot
		}
	}
	f.confirmedSigs = append(f.confirmedSigs, signature)
	return nil
}

func (f *fakeRecords) FailTransaction(ctx context.Context, signature string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.txs {
		if f.txs[i].Signature == signature && (f.txs[i].Status == "" || f.txs[i].Status == domain.TxPending) {
			f.txs[i].Status = domain.TxFailed
		}
	}
	f.failedSigs = append(f.failedSigs, signature)
	return nil
}

func (f *fakeRecords) PendingTransactions(ctx context.Context, minAge time.Duration, limit int) ([]domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range f.txs {
		if tx.Status == "" || tx.Status == domain.TxPending {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (f *fakeRecords) CountTickets(ctx context.Context, poolID uuid.UUID) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for _, t := range f.tickets {
		if t.PoolID == poolID {
			counts[t.Wallet]++
		}
	}
	return counts, nil
}

func (f *fakeRecords) GetPoolStatistics(ctx context.Context, poolID uuid.UUID) (storage.PoolStatistics, error) {
	counts, _ := f.CountTickets(ctx, poolID)
	s := storage.PoolStatistics{TotalPlayers: len(counts)}
	for _, n := range counts {
		s.TotalTickets += n
	}
	return s, nil
}

// fakeAggregates is an in-memory AggregateStore.
type fakeAggregates struct {
	mu sync.Mutex

	entries       map[string]map[string]*domain.PoolEntry // poolID -> wallet
	stats         map[string]domain.RealTimeStats
	draws         map[string]domain.DrawHistory
	activity      []domain.ActivityLog
	notifications []domain.Notification

	appendErr error
}

func newFakeAggregates() *fakeAggregates {
	return &fakeAggregates{
		entries: make(map[string]map[string]*domain.PoolEntry),
		stats:   make(map[string]domain.RealTimeStats),
		draws:   make(map[string]domain.DrawHistory),
	}
}

func (f *fakeAggregates) InitStats(ctx context.Context, poolID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.stats[poolID]; !ok {
		f.stats[poolID] = domain.RealTimeStats{PoolID: poolID}
	}
	return nil
}

func (f *fakeAggregates) AppendTickets(ctx context.Context, poolID, wallet string, tickets []domain.TicketRef) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return false, f.appendErr
	}
	byWallet, ok := f.entries[poolID]
	if !ok {
		byWallet = make(map[string]*domain.PoolEntry)
		f.entries[poolID] = byWallet
	}
	e, existed := byWallet[wallet]
	if !existed {
		e = &domain.PoolEntry{PoolID: poolID, WalletAddress: wallet, JoinedAt: time.Now()}
		byWallet[wallet] = e
	}
	e.Tickets = append(e.Tickets, tickets...)
	e.TotalTickets += len(tickets)
	e.LastUpdated = time.Now()
	return !existed, nil
}

func (f *fakeAggregates) BumpStats(ctx context.Context, poolID string, participants, tickets int, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stats[poolID]
	s.ActiveParticipants += participants
	s.TotalTicketsSold += tickets
	s.CurrentPrizePool += amount
	s.LastUpdated = time.Now()
	f.stats[poolID] = s
	return nil
}

func (f *fakeAggregates) GetStats(ctx context.Context, poolID string) (domain.RealTimeStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats[poolID], nil
}

func (f *fakeAggregates) GetPoolEntries(ctx context.Context, poolID string) ([]domain.PoolEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.PoolEntry
	for _, e := range f.entries[poolID] {
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeAggregates) SetEntryTotal(ctx context.Context, poolID, wallet string, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[poolID][wallet]; ok {
		e.TotalTickets = total
	}
	return nil
}

func (f *fakeAggregates) CreateDrawHistory(ctx context.Context, draw domain.DrawHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.draws[draw.DrawID]; ok {
		return domain.E(domain.KindStore, "draw already recorded")
	}
	f.draws[draw.DrawID] = draw
	return nil
}

func (f *fakeAggregates) LatestDraw(ctx context.Context, poolID string) (domain.DrawHistory, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest domain.DrawHistory
	found := false
	for _, d := range f.draws {
		if d.PoolID == poolID && (!found || d.DrawTimestamp.After(latest.DrawTimestamp)) {
			latest, found = d, true
		}
	}
	return latest, found, nil
}

func (f *fakeAggregates) MarkDrawDistributed(ctx context.Context, drawID string, winners []domain.Winner) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.draws[drawID]
	if !ok {
		return domain.E(domain.KindNotFound, "draw not found")
	}
	d.Distributed = true
	d.Winners = winners
	f.draws[drawID] = d
	return nil
}

func (f *fakeAggregates) LogActivity(ctx context.Context, entry domain.ActivityLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, entry)
	return nil
}

func (f *fakeAggregates) EnqueueNotification(ctx context.Context, n domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, n)
	return nil
}

func (f *fakeAggregates) activityOfType(t string) []domain.ActivityLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ActivityLog
	for _, a := range f.activity {
		if a.ActivityType == t {
			out = append(out, a)
		}
	}
	return out
}
