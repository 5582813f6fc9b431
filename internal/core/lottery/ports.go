package lottery

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/solotto/solotto/internal/adapter/ledger"
	"github.com/solotto/solotto/internal/adapter/storage"
	"github.com/solotto/solotto/internal/core/domain"
)

// LedgerGateway is the contract this system requires from the external chain:
// submit, confirm, distribute, verify-address. The chain's own validity and
// consensus rules are opaque here.
type LedgerGateway interface {
	IsValidAddress(addr string) bool
	CreatePool(ctx context.Context, creator, name string) (ledger.CreatePoolResult, error)
	SubmitPurchase(ctx context.Context, buyer string, quantity int, amount float64) (ledger.PurchaseResult, error)
	Confirm(ctx context.Context, signature string) (ledger.Confirmation, error)
	Draw(ctx context.Context, poolID string) (ledger.DrawResult, error)
	DistributePrizes(ctx context.Context, winners []domain.Winner) ([]ledger.PrizeTransfer, error)
}

// RecordStore is the authoritative relational store.
type RecordStore interface {
	GetOrCreateUser(ctx context.Context, wallet string) (domain.User, error)
	CreatePool(ctx context.Context, p domain.LotteryPool) (domain.LotteryPool, error)
	DeletePool(ctx context.Context, id uuid.UUID) error
	GetPoolByID(ctx context.Context, id uuid.UUID) (domain.LotteryPool, error)
	GetActivePools(ctx context.Context) ([]domain.LotteryPool, error)
	UpdatePoolStatus(ctx context.Context, id uuid.UUID, status domain.PoolStatus, winnerWallet string) error
	RecordPurchase(ctx context.Context, tx domain.Transaction, tickets []domain.Ticket) error
	RecordPrizeTransactions(ctx context.Context, poolID uuid.UUID, txs []domain.Transaction) error
	ConfirmTransaction(ctx context.Context, signature string, blockTime int64, slot uint64) error
	FailTransaction(ctx context.Context, signature string) error
	PendingTransactions(ctx context.Context, minAge time.Duration, limit int) ([]domain.Transaction, error)
	CountTickets(ctx context.Context, poolID uuid.UUID) (map[string]int, error)
	GetPoolStatistics(ctx context.Context, poolID uuid.UUID) (storage.PoolStatistics, error)
}

// AggregateStore is the document store holding live aggregates, draw history
// and the notification outbox.
type AggregateStore interface {
	InitStats(ctx context.Context, poolID string) error
	AppendTickets(ctx context.Context, poolID, wallet string, tickets []domain.TicketRef) (newEntry bool, err error)
	BumpStats(ctx context.Context, poolID string, participants, tickets int, amount float64) error
	GetStats(ctx context.Context, poolID string) (domain.RealTimeStats, error)
	GetPoolEntries(ctx context.Context, poolID string) ([]domain.PoolEntry, error)
	SetEntryTotal(ctx context.Context, poolID, wallet string, total int) error
	CreateDrawHistory(ctx context.Context, draw domain.DrawHistory) error
	LatestDraw(ctx context.Context, poolID string) (domain.DrawHistory, bool, error)
	MarkDrawDistributed(ctx context.Context, drawID string, winners []domain.Winner) error
	LogActivity(ctx context.Context, entry domain.ActivityLog) error
	EnqueueNotification(ctx context.Context, n domain.Notification) error
}

// EventSink receives committed state changes for fan-out to live viewers.
// Calls are made in commit order for a given pool; implementations must not
// reorder them.
type EventSink interface {
	PublishPoolUpdate(poolID string, stats domain.RealTimeStats)
	PublishDrawEvent(poolID, event string, payload any)
}

// noopSink keeps the orchestrator usable without a hub attached.
type noopSink struct{}

func (noopSink) PublishPoolUpdate(string, domain.RealTimeStats) {}
func (noopSink) PublishDrawEvent(string, string, any)           {}
