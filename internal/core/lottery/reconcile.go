package lottery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/solotto/solotto/internal/adapter/ledger"
	"github.com/solotto/solotto/internal/core/domain"
)

// Reconciler is the asynchronous pass that realigns local stores with the
// ledger after partial failures. It is idempotent and keyed by ledger
// signature: confirming a confirmed transaction or repairing a correct
// counter is a no-op.
type Reconciler struct {
	ledger     LedgerGateway
	records    RecordStore
	aggregates AggregateStore

	interval time.Duration
	minTxAge time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewReconciler(gw LedgerGateway, records RecordStore, aggregates AggregateStore, interval time.Duration) *Reconciler {
	return &Reconciler{
		ledger:     gw,
		records:    records,
		aggregates: aggregates,
		interval:   interval,
		minTxAge:   30 * time.Second,
	}
}

// Start runs the sweep on a ticker until Stop is called.
func (r *Reconciler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		slog.Info("reconciler started", "interval", r.interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for the in-flight pass to finish.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

// Sweep runs one reconciliation pass: resolve pending transactions against
// the ledger, then realign pool entry counters with ticket rows.
func (r *Reconciler) Sweep(ctx context.Context) {
	r.resolvePending(ctx)
	r.repairCounters(ctx)
}

func (r *Reconciler) resolvePending(ctx context.Context) {
	pending, err := r.records.PendingTransactions(ctx, r.minTxAge, 50)
	if err != nil {
		slog.Error("reconciler: listing pending transactions failed", "error", err)
		return
	}

	for _, tx := range pending {
		conf, err := r.ledger.Confirm(ctx, tx.Signature)
		if err != nil {
			// Only a definitive ledger rejection is terminal. A transport
			// failure (node down, retries exhausted) leaves the transaction
			// pending; its money may still have moved.
			if errors.Is(err, ledger.ErrRejected) {
				if ferr := r.records.FailTransaction(ctx, tx.Signature); ferr != nil {
					slog.Error("reconciler: failing transaction failed", "signature", tx.Signature, "error", ferr)
				} else {
					slog.Warn("transaction marked failed", "signature", tx.Signature, "pool_id", tx.PoolID)
				}
				continue
			}
			slog.Warn("reconciler: confirmation unavailable, will retry", "signature", tx.Signature, "error", err)
			continue
		}
		if !conf.Confirmed {
			continue
		}
		if err := r.records.ConfirmTransaction(ctx, tx.Signature, conf.BlockTime, conf.Slot); err != nil {
			slog.Error("reconciler: confirming transaction failed", "signature", tx.Signature, "error", err)
			continue
		}
		if err := r.aggregates.LogActivity(ctx, domain.ActivityLog{
			ActivityType: "TRANSACTION_CONFIRMED",
			PoolID:       tx.PoolID.String(),
			Data:         map[string]any{"signature": tx.Signature, "blockTime": conf.BlockTime, "slot": conf.Slot},
		}); err != nil {
			slog.Warn("activity log write failed", "error", err)
		}
	}
}

// repairCounters pins each PoolEntry's ticket counter to the count of ticket
// rows, restoring the cross-store invariant after a partial purchase.
func (r *Reconciler) repairCounters(ctx context.Context) {
	pools, err := r.records.GetActivePools(ctx)
	if err != nil {
		slog.Error("reconciler: listing active pools failed", "error", err)
		return
	}

	for _, pool := range pools {
		counts, err := r.records.CountTickets(ctx, pool.ID)
		if err != nil {
			slog.Error("reconciler: counting tickets failed", "pool_id", pool.ID, "error", err)
			continue
		}
		entries, err := r.aggregates.GetPoolEntries(ctx, pool.ID.String())
		if err != nil {
			slog.Error("reconciler: listing pool entries failed", "pool_id", pool.ID, "error", err)
			continue
		}
		for _, entry := range entries {
			want, ok := counts[entry.WalletAddress]
			if !ok || entry.TotalTickets == want {
				continue
			}
			if err := r.aggregates.SetEntryTotal(ctx, pool.ID.String(), entry.WalletAddress, want); err != nil {
				slog.Error("reconciler: repairing entry failed",
					"pool_id", pool.ID, "wallet", entry.WalletAddress, "error", err)
				continue
			}
			slog.Info("pool entry counter repaired",
				"pool_id", pool.ID, "wallet", entry.WalletAddress,
				"had", entry.TotalTickets, "now", want)
		}
	}
}
