package domain

import (
	"time"

	"github.com/google/uuid"
)

// User is identified by its wallet address. Created on first interaction,
// immutable afterwards.
type User struct {
	ID            uuid.UUID `json:"id"`
	WalletAddress string    `json:"wallet_address"`
	CreatedAt     time.Time `json:"created_at"`
}

// PoolStatus transitions are monotonic: pending -> active -> completed.
type PoolStatus string

const (
	PoolPending   PoolStatus = "pending"
	PoolActive    PoolStatus = "active"
	PoolCompleted PoolStatus = "completed"
)

// Rank returns the position of the status in the lifecycle, used to refuse
// regressions.
func (s PoolStatus) Rank() int {
	switch s {
	case PoolPending:
		return 0
	case PoolActive:
		return 1
	case PoolCompleted:
		return 2
	}
	return -1
}

// LotteryPool is the authoritative pool record in the Record Store.
type LotteryPool struct {
	ID           uuid.UUID  `json:"id"`
	PoolAddress  string     `json:"pool_address"`
	CreatorID    uuid.UUID  `json:"creator_id"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	TicketPrice  float64    `json:"ticket_price"`
	MinPlayers   int        `json:"min_players"`
	MaxPlayers   int        `json:"max_players"`
	PrizeAmount  float64    `json:"prize_amount"`
	Status       PoolStatus `json:"status"`
	WinnerWallet string     `json:"winner_wallet,omitempty"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      time.Time  `json:"end_time"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Ticket is immutable after creation. TicketNumber is globally unique and
// numeric so a draw can match it against drawn numbers.
type Ticket struct {
	ID           uuid.UUID `json:"id"`
	TicketNumber uint64    `json:"ticket_number"`
	PoolID       uuid.UUID `json:"pool_id"`
	UserID       uuid.UUID `json:"user_id"`
	Wallet       string    `json:"wallet"`
	Signature    string    `json:"signature"`
	PurchasedAt  time.Time `json:"purchased_at"`
}

type TransactionType string

const (
	TxPurchase TransactionType = "purchase"
	TxPrize    TransactionType = "prize"
)

// TransactionStatus is terminal once confirmed or failed.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxConfirmed TransactionStatus = "confirmed"
	TxFailed    TransactionStatus = "failed"
)

// Transaction mirrors one ledger transaction. Signature is ledger-issued and
// unique; it is the reconciliation key.
type Transaction struct {
	ID          uuid.UUID         `json:"id"`
	PoolID      uuid.UUID         `json:"pool_id"`
	UserID      uuid.UUID         `json:"user_id"`
	Signature   string            `json:"signature"`
	Amount      float64           `json:"amount"`
	Type        TransactionType   `json:"type"`
	Status      TransactionStatus `json:"status"`
	BlockTime   int64             `json:"block_time,omitempty"`
	Slot        uint64            `json:"slot,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ConfirmedAt *time.Time        `json:"confirmed_at,omitempty"`
}

// TicketRef is the per-ticket record embedded in a PoolEntry document.
type TicketRef struct {
	TicketNumber uint64    `bson:"ticketNumber" json:"ticket_number"`
	PurchasedAt  time.Time `bson:"purchaseTimestamp" json:"purchased_at"`
	Signature    string    `bson:"transactionSignature" json:"signature"`
}

// PoolEntry aggregates one wallet's tickets within one pool. One document per
// (poolId, walletAddress) pair, enforced by a unique index.
type PoolEntry struct {
	PoolID        string      `bson:"poolId" json:"pool_id"`
	WalletAddress string      `bson:"walletAddress" json:"wallet_address"`
	Tickets       []TicketRef `bson:"tickets" json:"tickets"`
	TotalTickets  int         `bson:"totalTickets" json:"total_tickets"`
	JoinedAt      time.Time   `bson:"joinedAt" json:"joined_at"`
	LastUpdated   time.Time   `bson:"lastUpdated" json:"last_updated"`
}

// RealTimeStats is the fast-changing per-pool aggregate pushed to live viewers.
type RealTimeStats struct {
	PoolID             string    `bson:"poolId" json:"pool_id"`
	ActiveParticipants int       `bson:"activeParticipants" json:"active_participants"`
	TotalTicketsSold   int       `bson:"totalTicketsSold" json:"total_tickets_sold"`
	CurrentPrizePool   float64   `bson:"currentPrizePool" json:"current_prize_pool"`
	LastTicketPurchase time.Time `bson:"lastTicketPurchase,omitempty" json:"last_ticket_purchase,omitempty"`
	LastUpdated        time.Time `bson:"lastUpdated" json:"last_updated"`
}

// Winner is one prize line of a draw, ordered by rank.
type Winner struct {
	WalletAddress string  `bson:"walletAddress" json:"wallet_address"`
	TicketNumber  uint64  `bson:"ticketNumber" json:"ticket_number"`
	Prize         float64 `bson:"prize" json:"prize"`
	Signature     string  `bson:"transactionSignature,omitempty" json:"signature,omitempty"`
}

// DrawTransaction records the ledger settlement of a draw.
type DrawTransaction struct {
	Signature string `bson:"signature" json:"signature"`
	BlockTime int64  `bson:"blockTime" json:"block_time"`
	Slot      uint64 `bson:"slot" json:"slot"`
}

// DrawHistory is created exactly once per draw and immutable afterwards,
// except for the Distributed flag which flips when prize transactions have
// been accepted by the ledger.
type DrawHistory struct {
	DrawID          string          `bson:"drawId" json:"draw_id"`
	PoolID          string          `bson:"poolId" json:"pool_id"`
	DrawTimestamp   time.Time       `bson:"drawTimestamp" json:"draw_timestamp"`
	WinningNumbers  []uint64        `bson:"winningNumbers" json:"winning_numbers"`
	Winners         []Winner        `bson:"winners" json:"winners"`
	DrawTransaction DrawTransaction `bson:"drawTransaction" json:"draw_transaction"`
	TotalPrizePool  float64         `bson:"totalPrizePool" json:"total_prize_pool"`
	Participants    int             `bson:"participants" json:"participants"`
	Distributed     bool            `bson:"distributed" json:"distributed"`
}

// ActivityLog entries are best effort; writing one never fails the operation
// that produced it.
type ActivityLog struct {
	Timestamp     time.Time      `bson:"timestamp" json:"timestamp"`
	ActivityType  string         `bson:"activityType" json:"activity_type"`
	WalletAddress string         `bson:"walletAddress,omitempty" json:"wallet_address,omitempty"`
	PoolID        string         `bson:"poolId,omitempty" json:"pool_id,omitempty"`
	Data          map[string]any `bson:"data,omitempty" json:"data,omitempty"`
}

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// NotificationContent is the delivered payload.
type NotificationContent struct {
	Title string         `bson:"title" json:"title"`
	Body  string         `bson:"body" json:"body"`
	Data  map[string]any `bson:"data,omitempty" json:"data,omitempty"`
}

// Notification is one outbox entry. Mutated only by the dispatcher.
type Notification struct {
	ID           string              `bson:"_id,omitempty" json:"id"`
	Recipient    string              `bson:"recipient" json:"recipient"`
	Type         string              `bson:"type" json:"type"`
	Status       NotificationStatus  `bson:"status" json:"status"`
	Content      NotificationContent `bson:"content" json:"content"`
	ScheduledFor time.Time           `bson:"scheduledFor" json:"scheduled_for"`
	Attempts     int                 `bson:"attempts" json:"attempts"`
	LastAttempt  time.Time           `bson:"lastAttempt,omitempty" json:"last_attempt,omitempty"`
	CreatedAt    time.Time           `bson:"createdAt" json:"created_at"`
}
