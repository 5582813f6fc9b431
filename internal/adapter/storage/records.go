package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solotto/solotto/internal/core/domain"
)

// RecordRepository is the authoritative relational store for users, pools,
// tickets and transactions. All multi-row writes go through one transaction:
// every row of a logical operation commits or none do.
type RecordRepository struct {
	Db *pgxpool.Pool
}

func NewRecordRepository(db *pgxpool.Pool) *RecordRepository {
	return &RecordRepository{Db: db}
}

// ErrTicketCollision reports that a generated ticket number was already
// taken. The whole purchase transaction rolls back, so the caller may retry
// with fresh numbers.
var ErrTicketCollision = errors.New("ticket number taken")

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func storeErr(msg string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.E(domain.KindNotFound, msg, err)
	}
	return domain.E(domain.KindStore, msg, err)
}

// GetOrCreateUser returns the user for wallet, creating it on first
// interaction. Safe under concurrent callers: a lost insert race falls back
// to the existing row.
func (r *RecordRepository) GetOrCreateUser(ctx context.Context, wallet string) (domain.User, error) {
	var u domain.User
	err := r.Db.QueryRow(ctx, `
		INSERT INTO users (wallet_address) VALUES ($1)
		ON CONFLICT (wallet_address) DO UPDATE SET wallet_address = EXCLUDED.wallet_address
		RETURNING id, wallet_address, created_at`, wallet).
		Scan(&u.ID, &u.WalletAddress, &u.CreatedAt)
	if err != nil {
		return domain.User{}, storeErr("get or create user", err)
	}
	return u, nil
}

func (r *RecordRepository) GetUserByWallet(ctx context.Context, wallet string) (domain.User, error) {
	var u domain.User
	err := r.Db.QueryRow(ctx,
		`SELECT id, wallet_address, created_at FROM users WHERE wallet_address = $1`, wallet).
		Scan(&u.ID, &u.WalletAddress, &u.CreatedAt)
	if err != nil {
		return domain.User{}, storeErr("user not found", err)
	}
	return u, nil
}

// CreatePool inserts the pool row with status pending.
func (r *RecordRepository) CreatePool(ctx context.Context, p domain.LotteryPool) (domain.LotteryPool, error) {
	err := r.Db.QueryRow(ctx, `
		INSERT INTO lottery_pools (
			pool_address, creator_id, name, description,
			ticket_price, min_players, max_players, start_time, end_time
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, status, created_at`,
		p.PoolAddress, p.CreatorID, p.Name, p.Description,
		p.TicketPrice, p.MinPlayers, p.MaxPlayers, p.StartTime, p.EndTime).
		Scan(&p.ID, &p.Status, &p.CreatedAt)
	if err != nil {
		return domain.LotteryPool{}, storeErr("create pool", err)
	}
	return p, nil
}

// DeletePool compensates a half-created pool. Only safe while the pool has
// no tickets or transactions.
func (r *RecordRepository) DeletePool(ctx context.Context, id uuid.UUID) error {
	_, err := r.Db.Exec(ctx, `DELETE FROM lottery_pools WHERE id = $1`, id)
	if err != nil {
		return storeErr("delete pool", err)
	}
	return nil
}

const poolColumns = `id, pool_address, creator_id, name, description, ticket_price,
	min_players, max_players, prize_amount, status, winner_wallet,
	start_time, end_time, created_at`

func scanPool(row pgx.Row) (domain.LotteryPool, error) {
	var p domain.LotteryPool
	err := row.Scan(&p.ID, &p.PoolAddress, &p.CreatorID, &p.Name, &p.Description,
		&p.TicketPrice, &p.MinPlayers, &p.MaxPlayers, &p.PrizeAmount, &p.Status,
		&p.WinnerWallet, &p.StartTime, &p.EndTime, &p.CreatedAt)
	return p, err
}

func (r *RecordRepository) GetPoolByID(ctx context.Context, id uuid.UUID) (domain.LotteryPool, error) {
	p, err := scanPool(r.Db.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM lottery_pools WHERE id = $1`, id))
	if err != nil {
		return domain.LotteryPool{}, storeErr("pool not found", err)
	}
	return p, nil
}

func (r *RecordRepository) GetActivePools(ctx context.Context) ([]domain.LotteryPool, error) {
	rows, err := r.Db.Query(ctx,
		`SELECT `+poolColumns+` FROM lottery_pools WHERE status = 'active' ORDER BY created_at DESC`)
	if err != nil {
		return nil, storeErr("list active pools", err)
	}
	defer rows.Close()

	var pools []domain.LotteryPool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, storeErr("scan pool", err)
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

// UpdatePoolStatus moves the pool forward in its lifecycle. Regressions are
// refused in SQL so concurrent writers cannot move a pool backwards.
func (r *RecordRepository) UpdatePoolStatus(ctx context.Context, id uuid.UUID, status domain.PoolStatus, winnerWallet string) error {
	tag, err := r.Db.Exec(ctx, `
		UPDATE lottery_pools
		SET status = $2, winner_wallet = COALESCE(NULLIF($3, ''), winner_wallet)
		WHERE id = $1
		  AND array_position(ARRAY['pending','active','completed'], status)
		   <= array_position(ARRAY['pending','active','completed'], $2)`,
		id, status, winnerWallet)
	if err != nil {
		return storeErr("update pool status", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.E(domain.KindValidation, "pool status cannot regress")
	}
	return nil
}

// RecordPurchase persists one purchase atomically: the pending transaction
// row, every ticket row and the pool prize increment commit together or not
// at all.
func (r *RecordRepository) RecordPurchase(ctx context.Context, txRec domain.Transaction, tickets []domain.Ticket) error {
	tx, err := r.Db.Begin(ctx)
	if err != nil {
		return storeErr("begin purchase", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO transactions (pool_id, user_id, signature, amount, type, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')`,
		txRec.PoolID, txRec.UserID, txRec.Signature, txRec.Amount, txRec.Type)
	if err != nil {
		return storeErr("insert transaction", err)
	}

	for _, t := range tickets {
		_, err = tx.Exec(ctx, `
			INSERT INTO tickets (ticket_number, pool_id, user_id, signature, purchased_at)
			VALUES ($1, $2, $3, $4, $5)`,
			int64(t.TicketNumber), t.PoolID, t.UserID, t.Signature, t.PurchasedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.E(domain.KindStore, "ticket number collision", ErrTicketCollision)
			}
			return storeErr("insert ticket", err)
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE lottery_pools SET prize_amount = prize_amount + $1 WHERE id = $2`,
		txRec.Amount, txRec.PoolID)
	if err != nil {
		return storeErr("increment prize pool", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit purchase", err)
	}
	return nil
}

// RecordPrizeTransactions inserts one pending prize transaction per winner.
func (r *RecordRepository) RecordPrizeTransactions(ctx context.Context, poolID uuid.UUID, txs []domain.Transaction) error {
	tx, err := r.Db.Begin(ctx)
	if err != nil {
		return storeErr("begin prize transactions", err)
	}
	defer tx.Rollback(ctx)

	for _, t := range txs {
		_, err = tx.Exec(ctx, `
			INSERT INTO transactions (pool_id, user_id, signature, amount, type, status)
			VALUES ($1, $2, $3, $4, 'prize', 'pending')
			ON CONFLICT (signature) DO NOTHING`,
			poolID, t.UserID, t.Signature, t.Amount)
		if err != nil {
			return storeErr("insert prize transaction", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit prize transactions", err)
	}
	return nil
}

// ConfirmTransaction marks a pending transaction confirmed. Terminal rows are
// left untouched so the sweep stays idempotent.
func (r *RecordRepository) ConfirmTransaction(ctx context.Context, signature string, blockTime int64, slot uint64) error {
	_, err := r.Db.Exec(ctx, `
		UPDATE transactions
		SET status = 'confirmed', block_time = $2, slot = $3, confirmed_at = NOW()
		WHERE signature = $1 AND status = 'pending'`,
		signature, blockTime, slot)
	if err != nil {
		return storeErr("confirm transaction", err)
	}
	return nil
}

// FailTransaction marks a pending transaction failed.
func (r *RecordRepository) FailTransaction(ctx context.Context, signature string) error {
	_, err := r.Db.Exec(ctx,
		`UPDATE transactions SET status = 'failed' WHERE signature = $1 AND status = 'pending'`,
		signature)
	if err != nil {
		return storeErr("fail transaction", err)
	}
	return nil
}

const txColumns = `id, pool_id, user_id, signature, amount, type, status,
	block_time, slot, created_at, confirmed_at`

func scanTx(row pgx.Row) (domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(&t.ID, &t.PoolID, &t.UserID, &t.Signature, &t.Amount, &t.Type,
		&t.Status, &t.BlockTime, &t.Slot, &t.CreatedAt, &t.ConfirmedAt)
	return t, err
}

func (r *RecordRepository) GetTransactionBySignature(ctx context.Context, signature string) (domain.Transaction, error) {
	t, err := scanTx(r.Db.QueryRow(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE signature = $1`, signature))
	if err != nil {
		return domain.Transaction{}, storeErr("transaction not found", err)
	}
	return t, nil
}

// PendingTransactions returns pending rows older than minAge, oldest first.
func (r *RecordRepository) PendingTransactions(ctx context.Context, minAge time.Duration, limit int) ([]domain.Transaction, error) {
	rows, err := r.Db.Query(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE status = 'pending' AND created_at <= NOW() - ($1 * interval '1 second')
		ORDER BY created_at ASC
		LIMIT $2`, minAge.Seconds(), limit)
	if err != nil {
		return nil, storeErr("list pending transactions", err)
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, storeErr("scan transaction", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (r *RecordRepository) GetTicketByNumber(ctx context.Context, number uint64) (domain.Ticket, error) {
	var t domain.Ticket
	err := r.Db.QueryRow(ctx, `
		SELECT t.id, t.ticket_number, t.pool_id, t.user_id, u.wallet_address, t.signature, t.purchased_at
		FROM tickets t JOIN users u ON u.id = t.user_id
		WHERE t.ticket_number = $1`, int64(number)).
		Scan(&t.ID, &t.TicketNumber, &t.PoolID, &t.UserID, &t.Wallet, &t.Signature, &t.PurchasedAt)
	if err != nil {
		return domain.Ticket{}, storeErr("ticket not found", err)
	}
	return t, nil
}

func (r *RecordRepository) GetUserTickets(ctx context.Context, wallet string) ([]domain.Ticket, error) {
	rows, err := r.Db.Query(ctx, `
		SELECT t.id, t.ticket_number, t.pool_id, t.user_id, u.wallet_address, t.signature, t.purchased_at
		FROM tickets t JOIN users u ON u.id = t.user_id
		WHERE u.wallet_address = $1
		ORDER BY t.purchased_at DESC`, wallet)
	if err != nil {
		return nil, storeErr("list user tickets", err)
	}
	defer rows.Close()

	var tickets []domain.Ticket
	for rows.Next() {
		var t domain.Ticket
		if err := rows.Scan(&t.ID, &t.TicketNumber, &t.PoolID, &t.UserID, &t.Wallet, &t.Signature, &t.PurchasedAt); err != nil {
			return nil, storeErr("scan ticket", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// CountTickets returns ticket counts grouped by wallet for one pool, the
// relational side of the cross-store reconciliation.
func (r *RecordRepository) CountTickets(ctx context.Context, poolID uuid.UUID) (map[string]int, error) {
	rows, err := r.Db.Query(ctx, `
		SELECT u.wallet_address, COUNT(*)
		FROM tickets t JOIN users u ON u.id = t.user_id
		WHERE t.pool_id = $1
		GROUP BY u.wallet_address`, poolID)
	if err != nil {
		return nil, storeErr("count tickets", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var wallet string
		var n int
		if err := rows.Scan(&wallet, &n); err != nil {
			return nil, storeErr("scan ticket count", err)
		}
		counts[wallet] = n
	}
	return counts, rows.Err()
}

// PoolStatistics is the relational half of the merged statistics endpoint.
type PoolStatistics struct {
	TotalPlayers int     `json:"total_players"`
	TotalTickets int     `json:"total_tickets"`
	TotalVolume  float64 `json:"total_volume"`
}

func (r *RecordRepository) GetPoolStatistics(ctx context.Context, poolID uuid.UUID) (PoolStatistics, error) {
	var s PoolStatistics
	err := r.Db.QueryRow(ctx, `
		SELECT
			COUNT(DISTINCT t.user_id),
			COUNT(t.id),
			COALESCE((SELECT SUM(amount) FROM transactions WHERE pool_id = $1 AND type = 'purchase'), 0)
		FROM tickets t
		WHERE t.pool_id = $1`, poolID).
		Scan(&s.TotalPlayers, &s.TotalTickets, &s.TotalVolume)
	if err != nil {
		return PoolStatistics{}, storeErr("pool statistics", err)
	}
	return s, nil
}
