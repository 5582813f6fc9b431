package lottery

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solotto/solotto/internal/adapter/storage"
	"github.com/solotto/solotto/internal/core/domain"
)

// ErrOutcomeUnknown marks a purchase whose ledger submission may still land:
// the transaction was sent (or could have been) but the node never answered.
// Callers must not report these as failed.
var ErrOutcomeUnknown = errors.New("purchase outcome unknown")

// ticketInsertAttempts bounds regeneration when a random ticket number hits
// the unique index. Collisions are vanishingly rare at nine digits, so two
// retries is plenty.
const ticketInsertAttempts = 3

// Orchestrator owns pool lifecycle and ticket purchase. Operations on one
// pool are serialized end-to-end; unrelated pools proceed in parallel.
type Orchestrator struct {
	ledger     LedgerGateway
	records    RecordStore
	aggregates AggregateStore
	sink       EventSink

	ticketPrice    float64
	maxPerPurchase int

	mu        sync.Mutex
	poolLocks map[uuid.UUID]*sync.Mutex
}

func NewOrchestrator(gw LedgerGateway, records RecordStore, aggregates AggregateStore, ticketPrice float64, maxPerPurchase int) *Orchestrator {
	return &Orchestrator{
		ledger:         gw,
		records:        records,
		aggregates:     aggregates,
		sink:           noopSink{},
		ticketPrice:    ticketPrice,
		maxPerPurchase: maxPerPurchase,
		poolLocks:      make(map[uuid.UUID]*sync.Mutex),
	}
}

// SetEventSink attaches the realtime hub. Must be called before serving
// traffic.
func (o *Orchestrator) SetEventSink(sink EventSink) {
	if sink != nil {
		o.sink = sink
	}
}

// lockPool returns the serialization token for one pool, creating it lazily.
func (o *Orchestrator) lockPool(id uuid.UUID) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.poolLocks[id]
	if !ok {
		l = &sync.Mutex{}
		o.poolLocks[id] = l
	}
	return l
}

// CreatePoolParams is the validated input for pool creation.
type CreatePoolParams struct {
	CreatorWallet string
	Name          string
	Description   string
	MinPlayers    int
	MaxPlayers    int
	StartTime     time.Time
	EndTime       time.Time
}

// CreatePoolResult returns the pool record and the submitted transaction
// handle.
type CreatePoolResult struct {
	Pool  domain.LotteryPool `json:"pool"`
	TxRef string             `json:"tx_ref"`
}

// CreatePool validates input, creates the on-chain pool account, then writes
// the pool row and its aggregate document. A ledger failure leaves no local
// rows; a local failure compensates the partial write.
func (o *Orchestrator) CreatePool(ctx context.Context, params CreatePoolParams) (CreatePoolResult, error) {
	if !o.ledger.IsValidAddress(params.CreatorWallet) {
		return CreatePoolResult{}, domain.E(domain.KindValidation, "invalid creator wallet address")
	}
	if params.Name == "" {
		return CreatePoolResult{}, domain.E(domain.KindValidation, "pool name is required")
	}
	if params.MinPlayers < 1 || params.MaxPlayers < 1 {
		return CreatePoolResult{}, domain.E(domain.KindValidation, "player limits must be positive")
	}
	if params.MinPlayers > params.MaxPlayers {
		return CreatePoolResult{}, domain.E(domain.KindValidation, "min players cannot exceed max players")
	}
	if !params.EndTime.After(params.StartTime) {
		return CreatePoolResult{}, domain.E(domain.KindValidation, "end time must be after start time")
	}

	user, err := o.records.GetOrCreateUser(ctx, params.CreatorWallet)
	if err != nil {
		return CreatePoolResult{}, err
	}

	onchain, err := o.ledger.CreatePool(ctx, params.CreatorWallet, params.Name)
	if err != nil {
		return CreatePoolResult{}, err
	}

	pool, err := o.records.CreatePool(ctx, domain.LotteryPool{
		PoolAddress: onchain.PoolAddress,
		CreatorID:   user.ID,
		Name:        params.Name,
		Description: params.Description,
		TicketPrice: o.ticketPrice,
		MinPlayers:  params.MinPlayers,
		MaxPlayers:  params.MaxPlayers,
		StartTime:   params.StartTime,
		EndTime:     params.EndTime,
	})
	if err != nil {
		return CreatePoolResult{}, err
	}
	pool.PoolAddress = onchain.PoolAddress
	pool.CreatorID = user.ID

	if err := o.aggregates.InitStats(ctx, pool.ID.String()); err != nil {
		// Keep the two stores consistent: undo the row we just wrote.
		if delErr := o.records.DeletePool(ctx, pool.ID); delErr != nil {
			slog.Error("failed to compensate pool creation", "pool_id", pool.ID, "error", delErr)
		}
		return CreatePoolResult{}, err
	}

	if err := o.aggregates.LogActivity(ctx, domain.ActivityLog{
		ActivityType:  "POOL_CREATED",
		WalletAddress: params.CreatorWallet,
		PoolID:        pool.ID.String(),
		Data:          map[string]any{"poolAddress": onchain.PoolAddress, "txRef": onchain.TxRef},
	}); err != nil {
		slog.Warn("activity log write failed", "error", err)
	}

	slog.Info("pool created", "pool_id", pool.ID, "creator", params.CreatorWallet, "pool_address", onchain.PoolAddress)
	return CreatePoolResult{Pool: pool, TxRef: onchain.TxRef}, nil
}

// ActivatePool opens a pending pool for ticket sales.
func (o *Orchestrator) ActivatePool(ctx context.Context, poolID uuid.UUID) error {
	if err := o.records.UpdatePoolStatus(ctx, poolID, domain.PoolActive, ""); err != nil {
		return err
	}
	if stats, err := o.aggregates.GetStats(ctx, poolID.String()); err == nil {
		o.sink.PublishPoolUpdate(poolID.String(), stats)
	}
	return nil
}

// PurchaseResult is returned to the buyer.
type PurchaseResult struct {
	TicketNumbers []uint64 `json:"ticket_numbers"`
	TotalCost     float64  `json:"total_cost"`
	Signature     string   `json:"signature"`
	TxRef         string   `json:"tx_ref"`
}

// PurchaseTickets executes one serialized ticket purchase. Validation happens
// before any external call; the ledger submission commits first and local
// failures after it are reconciliation candidates, never silent drops.
func (o *Orchestrator) PurchaseTickets(ctx context.Context, poolID uuid.UUID, buyerWallet string, quantity int) (PurchaseResult, error) {
	if quantity < 1 {
		return PurchaseResult{}, domain.E(domain.KindValidation, "quantity must be at least 1")
	}
	if quantity > o.maxPerPurchase {
		return PurchaseResult{}, domain.E(domain.KindValidation,
			fmt.Sprintf("maximum %d tickets per purchase", o.maxPerPurchase))
	}
	if !o.ledger.IsValidAddress(buyerWallet) {
		return PurchaseResult{}, domain.E(domain.KindValidation, "invalid buyer wallet address")
	}

	lock := o.lockPool(poolID)
	lock.Lock()
	defer lock.Unlock()

	pool, err := o.records.GetPoolByID(ctx, poolID)
	if err != nil {
		return PurchaseResult{}, err
	}
	if pool.Status != domain.PoolActive {
		return PurchaseResult{}, domain.E(domain.KindValidation, "pool is not open for purchases")
	}

	// Capacity is race-free: this is the only in-flight operation for the
	// pool, and the ticket count comes from the authoritative store.
	stats, err := o.records.GetPoolStatistics(ctx, poolID)
	if err != nil {
		return PurchaseResult{}, err
	}
	if stats.TotalTickets+quantity > pool.MaxPlayers {
		return PurchaseResult{}, domain.E(domain.KindValidation, "pool does not have enough open entries")
	}

	user, err := o.records.GetOrCreateUser(ctx, buyerWallet)
	if err != nil {
		return PurchaseResult{}, err
	}

	totalCost := float64(quantity) * pool.TicketPrice

	submitted, err := o.ledger.SubmitPurchase(ctx, buyerWallet, quantity, totalCost)
	if err != nil {
		if ctx.Err() != nil {
			// The submission may still land on chain; the caller must treat
			// the outcome as unknown, not failed.
			return PurchaseResult{}, domain.E(domain.KindLedger, "purchase outcome unknown, check back later", errors.Join(ErrOutcomeUnknown, err))
		}
		return PurchaseResult{}, err
	}

	// RecordPurchase rolls back whole on a ticket number collision, so we can
	// regenerate and retry without any partial state. Money has moved by now:
	// giving up leaves a reconciliation trail keyed by signature.
	var numbers []uint64
	var refs []domain.TicketRef
	for attempt := 0; ; attempt++ {
		now := time.Now()
		tickets := make([]domain.Ticket, 0, quantity)
		refs = make([]domain.TicketRef, 0, quantity)
		numbers = make([]uint64, 0, quantity)
		for i := 0; i < quantity; i++ {
			n, err := generateTicketNumber()
			if err != nil {
				o.logReconcileCandidate(poolID, buyerWallet, submitted.Signature, err)
				return PurchaseResult{}, domain.E(domain.KindStore, "ticket number generation failed", err)
			}
			numbers = append(numbers, n)
			tickets = append(tickets, domain.Ticket{
				TicketNumber: n,
				PoolID:       poolID,
				UserID:       user.ID,
				Wallet:       buyerWallet,
				Signature:    submitted.Signature,
				PurchasedAt:  now,
			})
			refs = append(refs, domain.TicketRef{
				TicketNumber: n,
				PurchasedAt:  now,
				Signature:    submitted.Signature,
			})
		}

		txRec := domain.Transaction{
			PoolID:    poolID,
			UserID:    user.ID,
			Signature: submitted.Signature,
			Amount:    totalCost,
			Type:      domain.TxPurchase,
		}
		err := o.records.RecordPurchase(ctx, txRec, tickets)
		if err == nil {
			break
		}
		if errors.Is(err, storage.ErrTicketCollision) && attempt+1 < ticketInsertAttempts {
			slog.Warn("ticket number collision, regenerating",
				"pool_id", poolID, "signature", submitted.Signature, "attempt", attempt+1)
			continue
		}
		o.logReconcileCandidate(poolID, buyerWallet, submitted.Signature, err)
		return PurchaseResult{}, err
	}

	newEntry, err := o.aggregates.AppendTickets(ctx, poolID.String(), buyerWallet, refs)
	if err != nil {
		o.logReconcileCandidate(poolID, buyerWallet, submitted.Signature, err)
		return PurchaseResult{}, err
	}
	participants := 0
	if newEntry {
		participants = 1
	}
	if err := o.aggregates.BumpStats(ctx, poolID.String(), participants, quantity, totalCost); err != nil {
		o.logReconcileCandidate(poolID, buyerWallet, submitted.Signature, err)
		return PurchaseResult{}, err
	}

	if err := o.aggregates.EnqueueNotification(ctx, domain.Notification{
		Recipient: buyerWallet,
		Type:      "TICKET_PURCHASE",
		Content: domain.NotificationContent{
			Title: "Tickets Purchased Successfully",
			Body:  fmt.Sprintf("You have purchased %d tickets for the lottery pool", quantity),
			Data:  map[string]any{"poolId": poolID.String(), "quantity": quantity, "totalCost": totalCost},
		},
		ScheduledFor: time.Now(),
	}); err != nil {
		o.logReconcileCandidate(poolID, buyerWallet, submitted.Signature, err)
		return PurchaseResult{}, err
	}

	if err := o.aggregates.LogActivity(ctx, domain.ActivityLog{
		ActivityType:  "TICKET_PURCHASE",
		WalletAddress: buyerWallet,
		PoolID:        poolID.String(),
		Data:          map[string]any{"quantity": quantity, "signature": submitted.Signature},
	}); err != nil {
		slog.Warn("activity log write failed", "error", err)
	}

	// Publish under the pool lock so room broadcasts follow commit order.
	if live, err := o.aggregates.GetStats(ctx, poolID.String()); err == nil {
		o.sink.PublishPoolUpdate(poolID.String(), live)
	}

	slog.Info("tickets purchased",
		"pool_id", poolID, "buyer", buyerWallet, "quantity", quantity,
		"total_cost", totalCost, "signature", submitted.Signature)

	return PurchaseResult{
		TicketNumbers: numbers,
		TotalCost:     totalCost,
		Signature:     submitted.Signature,
		TxRef:         submitted.TxRef,
	}, nil
}

func (o *Orchestrator) logReconcileCandidate(poolID uuid.UUID, wallet, signature string, cause error) {
	slog.Error("purchase partially committed, queued for reconciliation",
		"pool_id", poolID, "wallet", wallet, "signature", signature, "error", cause)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.aggregates.LogActivity(ctx, domain.ActivityLog{
		ActivityType:  "RECONCILE_CANDIDATE",
		WalletAddress: wallet,
		PoolID:        poolID.String(),
		Data:          map[string]any{"signature": signature, "cause": cause.Error()},
	}); err != nil {
		slog.Error("failed to record reconciliation candidate", "signature", signature, "error", err)
	}
}

// generateTicketNumber returns a random nine-digit ticket number. Global
// uniqueness is enforced by the unique index on the tickets table.
func generateTicketNumber() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("read random bytes: %w", err)
	}
	return 100_000_000 + binary.BigEndian.Uint64(buf[:])%900_000_000, nil
}
