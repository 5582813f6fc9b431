package handler

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/solotto/solotto/internal/adapter/storage"
	"github.com/solotto/solotto/internal/core/domain"
	"github.com/solotto/solotto/internal/core/lottery"
)

// LotteryHandler is the HTTP fallback surface for non-live clients. Each
// route maps 1:1 onto an orchestrator or draw engine operation; purchase
// semantics are identical to the socket path.
type LotteryHandler struct {
	Orchestrator *lottery.Orchestrator
	DrawEngine   *lottery.DrawEngine
	Ledger       lottery.LedgerGateway
	Records      *storage.RecordRepository
	Aggregates   *storage.AggregateRepository

	PurchaseTimeout time.Duration
}

// httpStatus maps the error taxonomy to transport codes at the boundary.
func httpStatus(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return fiber.StatusBadRequest
	case domain.KindNotFound:
		return fiber.StatusNotFound
	case domain.KindLedger:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func fail(c *fiber.Ctx, err error) error {
	status := httpStatus(err)
	if status == fiber.StatusInternalServerError {
		slog.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(fiber.Map{"error": domain.ClientMessage(err)})
}

type createPoolRequest struct {
	CreatorWallet string    `json:"creator_wallet"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	MinPlayers    int       `json:"min_players"`
	MaxPlayers    int       `json:"max_players"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
}

func (h *LotteryHandler) CreatePool(c *fiber.Ctx) error {
	var req createPoolRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, domain.E(domain.KindValidation, "invalid request body", err))
	}

	result, err := h.Orchestrator.CreatePool(c.Context(), lottery.CreatePoolParams{
		CreatorWallet: req.CreatorWallet,
		Name:          req.Name,
		Description:   req.Description,
		MinPlayers:    req.MinPlayers,
		MaxPlayers:    req.MaxPlayers,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *LotteryHandler) ActivatePool(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("poolId"))
	if err != nil {
		return fail(c, domain.E(domain.KindValidation, "invalid pool id"))
	}
	if err := h.Orchestrator.ActivatePool(c.Context(), id); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "active"})
}

type purchaseRequest struct {
	PoolID        string `json:"pool_id"`
	WalletAddress string `json:"wallet_address"`
	Quantity      int    `json:"quantity"`
}

func (h *LotteryHandler) PurchaseTickets(c *fiber.Ctx) error {
	var req purchaseRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, domain.E(domain.KindValidation, "invalid request body", err))
	}
	poolID, err := uuid.Parse(req.PoolID)
	if err != nil {
		return fail(c, domain.E(domain.KindValidation, "invalid pool id"))
	}

	ctx := context.Context(c.Context())
	cancel := func() {}
	if h.PurchaseTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, h.PurchaseTimeout)
	}
	defer cancel()

	result, err := h.Orchestrator.PurchaseTickets(ctx, poolID, req.WalletAddress, req.Quantity)
	if err != nil {
		if errors.Is(err, lottery.ErrOutcomeUnknown) {
			// Timed out waiting on the ledger: the outcome is unknown, not
			// failed, and the reconciler will resolve it.
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
				"status":  "unknown",
				"message": "purchase submitted, confirmation pending",
			})
		}
		return fail(c, err)
	}
	return c.JSON(result)
}

func (h *LotteryHandler) ConductDraw(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("poolId"))
	if err != nil {
		return fail(c, domain.E(domain.KindValidation, "invalid pool id"))
	}
	outcome, err := h.DrawEngine.ConductDraw(c.Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(outcome)
}

func (h *LotteryHandler) GetActivePools(c *fiber.Ctx) error {
	pools, err := h.Records.GetActivePools(c.Context())
	if err != nil {
		return fail(c, err)
	}
	type poolWithStats struct {
		domain.LotteryPool
		Stats *domain.RealTimeStats `json:"stats,omitempty"`
	}
	out := make([]poolWithStats, 0, len(pools))
	for _, p := range pools {
		entry := poolWithStats{LotteryPool: p}
		if stats, err := h.Aggregates.GetStats(c.Context(), p.ID.String()); err == nil {
			entry.Stats = &stats
		}
		out = append(out, entry)
	}
	return c.JSON(fiber.Map{"pools": out})
}

func (h *LotteryHandler) GetPool(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("poolId"))
	if err != nil {
		return fail(c, domain.E(domain.KindValidation, "invalid pool id"))
	}
	pool, err := h.Records.GetPoolByID(c.Context(), id)
	if err != nil {
		return fail(c, err)
	}
	stats, _ := h.Aggregates.GetStats(c.Context(), id.String())
	entries, err := h.Aggregates.GetPoolEntries(c.Context(), id.String())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"pool":           pool,
		"realTimeStats":  stats,
		"currentEntries": len(entries),
	})
}

func (h *LotteryHandler) GetPoolStatistics(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("poolId"))
	if err != nil {
		return fail(c, domain.E(domain.KindValidation, "invalid pool id"))
	}
	pgStats, err := h.Records.GetPoolStatistics(c.Context(), id)
	if err != nil {
		return fail(c, err)
	}
	liveStats, _ := h.Aggregates.GetStats(c.Context(), id.String())
	return c.JSON(fiber.Map{
		"total_players":   pgStats.TotalPlayers,
		"total_tickets":   pgStats.TotalTickets,
		"total_volume":    pgStats.TotalVolume,
		"real_time_stats": liveStats,
	})
}

func (h *LotteryHandler) GetDrawHistory(c *fiber.Ctx) error {
	draws, err := h.Aggregates.GetDrawHistory(c.Context(), c.Params("poolId"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"draws": draws})
}

func (h *LotteryHandler) GetDraw(c *fiber.Ctx) error {
	draw, err := h.Aggregates.GetDraw(c.Context(), c.Params("drawId"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(draw)
}

func (h *LotteryHandler) GetUserTickets(c *fiber.Ctx) error {
	wallet := c.Params("wallet")
	if !h.Ledger.IsValidAddress(wallet) {
		return fail(c, domain.E(domain.KindValidation, "invalid wallet address"))
	}
	tickets, err := h.Records.GetUserTickets(c.Context(), wallet)
	if err != nil {
		return fail(c, err)
	}
	entries, err := h.Aggregates.GetUserEntries(c.Context(), wallet)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"historicalTickets": tickets,
		"activeEntries":     entries,
	})
}

func (h *LotteryHandler) VerifyTicket(c *fiber.Ctx) error {
	number, err := strconv.ParseUint(c.Params("ticketNumber"), 10, 64)
	if err != nil {
		return fail(c, domain.E(domain.KindValidation, "invalid ticket number"))
	}
	ticket, err := h.Records.GetTicketByNumber(c.Context(), number)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(ticket)
}

func (h *LotteryHandler) GetTransaction(c *fiber.Ctx) error {
	tx, err := h.Records.GetTransactionBySignature(c.Context(), c.Params("signature"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(tx)
}

func (h *LotteryHandler) GetFailedNotifications(c *fiber.Ctx) error {
	failed, err := h.Aggregates.FailedNotifications(c.Context(), 50)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"notifications": failed})
}
