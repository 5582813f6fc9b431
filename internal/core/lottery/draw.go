package lottery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/solotto/solotto/internal/core/domain"
)

// prizeFractions is the canonical payout split across the top three ranks.
var prizeFractions = []float64{0.7, 0.2, 0.1}

// DrawEngine executes a draw for a pool: participants in, authoritative
// randomness from the ledger, deterministic winner matching, prize
// settlement out.
type DrawEngine struct {
	orchestrator *Orchestrator
	ledger       LedgerGateway
	records      RecordStore
	aggregates   AggregateStore
	sink         EventSink
}

func NewDrawEngine(o *Orchestrator) *DrawEngine {
	return &DrawEngine{
		orchestrator: o,
		ledger:       o.ledger,
		records:      o.records,
		aggregates:   o.aggregates,
	}
}

// SetEventSink attaches the realtime hub.
func (e *DrawEngine) SetEventSink(sink EventSink) {
	if sink != nil {
		e.sink = sink
	}
}

func (e *DrawEngine) publish(poolID, event string, payload any) {
	if e.sink != nil {
		e.sink.PublishDrawEvent(poolID, event, payload)
	}
}

// DrawOutcome is returned to the caller that initiated the draw.
type DrawOutcome struct {
	Draw    domain.DrawHistory `json:"draw"`
	Winners []domain.Winner    `json:"winners"`
}

// ConductDraw runs the draw for one pool. It shares the pool's serialization
// token with purchases, so no tickets are sold while winners are computed.
// A draw that failed after winner selection resumes from its persisted draw
// document; winner selection is never re-run.
func (e *DrawEngine) ConductDraw(ctx context.Context, poolID uuid.UUID) (DrawOutcome, error) {
	lock := e.orchestrator.lockPool(poolID)
	lock.Lock()
	defer lock.Unlock()

	pool, err := e.records.GetPoolByID(ctx, poolID)
	if err != nil {
		return DrawOutcome{}, err
	}

	// Resume path: a draw document on a pool that never reached completed
	// means settlement was interrupted somewhere after winner selection.
	// Winner selection is never re-run; settle picks up from the persisted
	// state, whatever stage it stopped at.
	if last, ok, err := e.aggregates.LatestDraw(ctx, poolID.String()); err != nil {
		return DrawOutcome{}, err
	} else if ok && pool.Status == domain.PoolActive {
		slog.Info("resuming interrupted draw", "pool_id", poolID, "draw_id", last.DrawID)
		return e.settle(ctx, pool, last)
	}

	if pool.Status != domain.PoolActive {
		return DrawOutcome{}, domain.E(domain.KindValidation, "draw requires an active pool")
	}

	entries, err := e.aggregates.GetPoolEntries(ctx, poolID.String())
	if err != nil {
		return DrawOutcome{}, err
	}
	if len(entries) == 0 {
		return DrawOutcome{}, domain.E(domain.KindValidation, "no participants in the pool")
	}

	e.publish(poolID.String(), "draw_start", map[string]any{"poolId": poolID.String()})

	// Randomness is external and authoritative; this process never draws
	// money-bearing numbers locally.
	drawn, err := e.ledger.Draw(ctx, poolID.String())
	if err != nil {
		return DrawOutcome{}, err
	}
	for i, n := range drawn.WinningNumbers {
		e.publish(poolID.String(), "winning_number", map[string]any{
			"poolId": poolID.String(), "index": i, "number": n,
		})
	}

	winners := SelectWinners(entries, drawn.WinningNumbers, pool.PrizeAmount)

	draw := domain.DrawHistory{
		DrawID:          fmt.Sprintf("%s-%d-%s", poolID, time.Now().UnixMilli(), uuid.NewString()[:8]),
		PoolID:          poolID.String(),
		DrawTimestamp:   time.Now(),
		WinningNumbers:  drawn.WinningNumbers,
		Winners:         winners,
		DrawTransaction: drawn.Tx,
		TotalPrizePool:  pool.PrizeAmount,
		Participants:    len(entries),
	}
	if err := e.aggregates.CreateDrawHistory(ctx, draw); err != nil {
		return DrawOutcome{}, err
	}

	return e.settle(ctx, pool, draw)
}

// settle runs the persisted draw to completion. Each stage is guarded by the
// persisted state that precedes it, so a retry after any failure re-enters
// here and skips what already happened; prizes are never distributed twice.
func (e *DrawEngine) settle(ctx context.Context, pool domain.LotteryPool, draw domain.DrawHistory) (DrawOutcome, error) {
	if !draw.Distributed {
		transfers, err := e.ledger.DistributePrizes(ctx, draw.Winners)
		if err != nil {
			// The draw document stays undistributed; a retry resumes here.
			return DrawOutcome{}, err
		}

		byWallet := make(map[string]string, len(transfers))
		for _, t := range transfers {
			byWallet[t.Winner] = t.TxRef
		}
		prizeTxs := make([]domain.Transaction, 0, len(draw.Winners))
		for i := range draw.Winners {
			ref := byWallet[draw.Winners[i].WalletAddress]
			draw.Winners[i].Signature = ref
			user, err := e.records.GetOrCreateUser(ctx, draw.Winners[i].WalletAddress)
			if err != nil {
				return DrawOutcome{}, err
			}
			prizeTxs = append(prizeTxs, domain.Transaction{
				UserID:    user.ID,
				Signature: ref,
				Amount:    draw.Winners[i].Prize,
				Type:      domain.TxPrize,
			})
		}

		if err := e.records.RecordPrizeTransactions(ctx, pool.ID, prizeTxs); err != nil {
			slog.Error("prize transactions not recorded, queued for reconciliation",
				"pool_id", pool.ID, "draw_id", draw.DrawID, "error", err)
		}
		if err := e.aggregates.MarkDrawDistributed(ctx, draw.DrawID, draw.Winners); err != nil {
			return DrawOutcome{}, err
		}
		draw.Distributed = true
	}

	winnerWallet := ""
	if len(draw.Winners) > 0 {
		winnerWallet = draw.Winners[0].WalletAddress
	}
	if err := e.records.UpdatePoolStatus(ctx, pool.ID, domain.PoolCompleted, winnerWallet); err != nil {
		return DrawOutcome{}, err
	}

	for _, w := range draw.Winners {
		if err := e.aggregates.EnqueueNotification(ctx, domain.Notification{
			Recipient: w.WalletAddress,
			Type:      "PRIZE_WON",
			Content: domain.NotificationContent{
				Title: "Congratulations! You Won!",
				Body:  fmt.Sprintf("You won %.4f SOL in the lottery draw", w.Prize),
				Data:  map[string]any{"poolId": pool.ID.String(), "prize": w.Prize, "drawId": draw.DrawID},
			},
		}); err != nil {
			slog.Error("winner notification not enqueued", "draw_id", draw.DrawID, "winner", w.WalletAddress, "error", err)
		}
	}

	if err := e.aggregates.LogActivity(ctx, domain.ActivityLog{
		ActivityType: "DRAW_COMPLETED",
		PoolID:       pool.ID.String(),
		Data:         map[string]any{"drawId": draw.DrawID, "winners": len(draw.Winners)},
	}); err != nil {
		slog.Warn("activity log write failed", "error", err)
	}

	e.publish(pool.ID.String(), "draw_complete", DrawOutcome{Draw: draw, Winners: draw.Winners})

	slog.Info("draw completed", "pool_id", pool.ID, "draw_id", draw.DrawID,
		"winners", len(draw.Winners), "prize_pool", draw.TotalPrizePool)
	return DrawOutcome{Draw: draw, Winners: draw.Winners}, nil
}

// drawTicket is one flattened entry ticket during selection.
type drawTicket struct {
	wallet      string
	number      uint64
	purchasedAt time.Time
}

// SelectWinners matches tickets against the drawn numbers deterministically.
// For each drawn number, in order, the winning ticket is the one with the
// smallest distance to it among wallets that have not won yet; ties break on
// earliest purchase, then lowest ticket number. Prize fractions run
// 70/20/10 by rank and any unassigned remainder accrues to rank one, so the
// fractions always sum to the full prize pool.
func SelectWinners(entries []domain.PoolEntry, winningNumbers []uint64, prizePool float64) []domain.Winner {
	var tickets []drawTicket
	for _, entry := range entries {
		for _, t := range entry.Tickets {
			tickets = append(tickets, drawTicket{
				wallet:      entry.WalletAddress,
				number:      t.TicketNumber,
				purchasedAt: t.PurchasedAt,
			})
		}
	}
	if len(tickets) == 0 {
		return nil
	}

	// Canonical order makes selection independent of entry iteration order.
	sort.Slice(tickets, func(i, j int) bool {
		if !tickets[i].purchasedAt.Equal(tickets[j].purchasedAt) {
			return tickets[i].purchasedAt.Before(tickets[j].purchasedAt)
		}
		return tickets[i].number < tickets[j].number
	})

	won := make(map[string]bool)
	var winners []domain.Winner
	for _, drawnNumber := range winningNumbers {
		if len(winners) == len(prizeFractions) {
			break
		}
		best := -1
		var bestDist uint64
		for i, t := range tickets {
			if won[t.wallet] {
				continue
			}
			d := distance(t.number, drawnNumber)
			if best == -1 || d < bestDist {
				best, bestDist = i, d
			}
		}
		if best == -1 {
			break // fewer distinct wallets than drawn numbers
		}
		won[tickets[best].wallet] = true
		winners = append(winners, domain.Winner{
			WalletAddress: tickets[best].wallet,
			TicketNumber:  tickets[best].number,
		})
	}

	assigned := 0.0
	for i := range winners {
		winners[i].Prize = prizePool * prizeFractions[i]
		assigned += prizeFractions[i]
	}
	// Undistributed shares are reassigned, never dropped.
	if len(winners) > 0 && assigned < 1.0 {
		winners[0].Prize += prizePool * (1.0 - assigned)
	}
	return winners
}

func distance(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
