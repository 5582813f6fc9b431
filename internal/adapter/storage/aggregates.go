package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/solotto/solotto/internal/core/domain"
)

// ConnectMongo initializes the document store client and verifies the
// connection.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return client, nil
}

// AggregateRepository holds the fast-changing side of the system: per-pool
// live aggregates, draw history, the activity log and the notification
// outbox. Writes here are independent upserts; the store may be briefly stale
// relative to Postgres and is repaired by the reconciler.
type AggregateRepository struct {
	entries       *mongo.Collection
	stats         *mongo.Collection
	draws         *mongo.Collection
	activity      *mongo.Collection
	notifications *mongo.Collection
}

func NewAggregateRepository(client *mongo.Client, dbName string) *AggregateRepository {
	db := client.Database(dbName)
	return &AggregateRepository{
		entries:       db.Collection("pool_entries"),
		stats:         db.Collection("realtime_stats"),
		draws:         db.Collection("draw_history"),
		activity:      db.Collection("activity_log"),
		notifications: db.Collection("notification_queue"),
	}
}

// EnsureIndexes creates the unique and query indexes. Called once at startup.
func (r *AggregateRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.entries.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "poolId", Value: 1}, {Key: "walletAddress", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = r.draws.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "drawId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = r.notifications.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "scheduledFor", Value: 1}},
	})
	return err
}

// InitStats creates the zeroed aggregate document for a new pool. Upsert, so
// a retried pool creation does not reset an existing document.
func (r *AggregateRepository) InitStats(ctx context.Context, poolID string) error {
	now := time.Now()
	_, err := r.stats.UpdateOne(ctx,
		bson.M{"poolId": poolID},
		bson.M{"$setOnInsert": domain.RealTimeStats{
			PoolID:      poolID,
			LastUpdated: now,
		}},
		options.Update().SetUpsert(true))
	if err != nil {
		return domain.E(domain.KindStore, "init realtime stats", err)
	}
	return nil
}

// AppendTickets pushes tickets onto the wallet's pool entry, creating the
// entry on first purchase. Returns true when the entry is new, which is when
// the participant counter must move.
func (r *AggregateRepository) AppendTickets(ctx context.Context, poolID, wallet string, tickets []domain.TicketRef) (bool, error) {
	now := time.Now()
	res, err := r.entries.UpdateOne(ctx,
		bson.M{"poolId": poolID, "walletAddress": wallet},
		bson.M{
			"$push":        bson.M{"tickets": bson.M{"$each": tickets}},
			"$inc":         bson.M{"totalTickets": len(tickets)},
			"$set":         bson.M{"lastUpdated": now},
			"$setOnInsert": bson.M{"joinedAt": now},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return false, domain.E(domain.KindStore, "append tickets to pool entry", err)
	}
	return res.UpsertedCount > 0, nil
}

// BumpStats applies atomic increments to the live aggregate.
func (r *AggregateRepository) BumpStats(ctx context.Context, poolID string, participants, tickets int, amount float64) error {
	_, err := r.stats.UpdateOne(ctx,
		bson.M{"poolId": poolID},
		bson.M{
			"$inc": bson.M{
				"activeParticipants": participants,
				"totalTicketsSold":   tickets,
				"currentPrizePool":   amount,
			},
			"$set": bson.M{
				"lastTicketPurchase": time.Now(),
				"lastUpdated":        time.Now(),
			},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return domain.E(domain.KindStore, "update realtime stats", err)
	}
	return nil
}

func (r *AggregateRepository) GetStats(ctx context.Context, poolID string) (domain.RealTimeStats, error) {
	var stats domain.RealTimeStats
	err := r.stats.FindOne(ctx, bson.M{"poolId": poolID}).Decode(&stats)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.RealTimeStats{}, domain.E(domain.KindNotFound, "pool stats not found", err)
	}
	if err != nil {
		return domain.RealTimeStats{}, domain.E(domain.KindStore, "get realtime stats", err)
	}
	return stats, nil
}

func (r *AggregateRepository) GetPoolEntries(ctx context.Context, poolID string) ([]domain.PoolEntry, error) {
	cur, err := r.entries.Find(ctx, bson.M{"poolId": poolID})
	if err != nil {
		return nil, domain.E(domain.KindStore, "list pool entries", err)
	}
	var entries []domain.PoolEntry
	if err := cur.All(ctx, &entries); err != nil {
		return nil, domain.E(domain.KindStore, "decode pool entries", err)
	}
	return entries, nil
}

func (r *AggregateRepository) GetUserEntries(ctx context.Context, wallet string) ([]domain.PoolEntry, error) {
	cur, err := r.entries.Find(ctx, bson.M{"walletAddress": wallet})
	if err != nil {
		return nil, domain.E(domain.KindStore, "list user entries", err)
	}
	var entries []domain.PoolEntry
	if err := cur.All(ctx, &entries); err != nil {
		return nil, domain.E(domain.KindStore, "decode user entries", err)
	}
	return entries, nil
}

// SetEntryTotal pins the entry counter to the relational truth during
// reconciliation.
func (r *AggregateRepository) SetEntryTotal(ctx context.Context, poolID, wallet string, total int) error {
	_, err := r.entries.UpdateOne(ctx,
		bson.M{"poolId": poolID, "walletAddress": wallet},
		bson.M{"$set": bson.M{"totalTickets": total, "lastUpdated": time.Now()}})
	if err != nil {
		return domain.E(domain.KindStore, "repair pool entry total", err)
	}
	return nil
}

// CreateDrawHistory inserts the draw document exactly once; a duplicate draw
// id is surfaced as a store error so the engine never double-records a draw.
func (r *AggregateRepository) CreateDrawHistory(ctx context.Context, draw domain.DrawHistory) error {
	_, err := r.draws.InsertOne(ctx, draw)
	if mongo.IsDuplicateKeyError(err) {
		return domain.E(domain.KindStore, "draw already recorded", err)
	}
	if err != nil {
		return domain.E(domain.KindStore, "create draw history", err)
	}
	return nil
}

func (r *AggregateRepository) GetDrawHistory(ctx context.Context, poolID string) ([]domain.DrawHistory, error) {
	cur, err := r.draws.Find(ctx, bson.M{"poolId": poolID},
		options.Find().SetSort(bson.D{{Key: "drawTimestamp", Value: -1}}))
	if err != nil {
		return nil, domain.E(domain.KindStore, "list draw history", err)
	}
	var draws []domain.DrawHistory
	if err := cur.All(ctx, &draws); err != nil {
		return nil, domain.E(domain.KindStore, "decode draw history", err)
	}
	return draws, nil
}

// RecentDraws lists the latest draws across all pools, newest first.
func (r *AggregateRepository) RecentDraws(ctx context.Context, limit int64) ([]domain.DrawHistory, error) {
	cur, err := r.draws.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "drawTimestamp", Value: -1}}).SetLimit(limit))
	if err != nil {
		return nil, domain.E(domain.KindStore, "list recent draws", err)
	}
	var draws []domain.DrawHistory
	if err := cur.All(ctx, &draws); err != nil {
		return nil, domain.E(domain.KindStore, "decode recent draws", err)
	}
	return draws, nil
}

func (r *AggregateRepository) GetDraw(ctx context.Context, drawID string) (domain.DrawHistory, error) {
	var draw domain.DrawHistory
	err := r.draws.FindOne(ctx, bson.M{"drawId": drawID}).Decode(&draw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.DrawHistory{}, domain.E(domain.KindNotFound, "draw not found", err)
	}
	if err != nil {
		return domain.DrawHistory{}, domain.E(domain.KindStore, "get draw", err)
	}
	return draw, nil
}

// LatestDraw returns the most recent draw for the pool, if any. A retried
// draw on a pool that never completed resumes from this document instead of
// re-running winner selection.
func (r *AggregateRepository) LatestDraw(ctx context.Context, poolID string) (domain.DrawHistory, bool, error) {
	var draw domain.DrawHistory
	err := r.draws.FindOne(ctx, bson.M{"poolId": poolID},
		options.FindOne().SetSort(bson.D{{Key: "drawTimestamp", Value: -1}})).Decode(&draw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.DrawHistory{}, false, nil
	}
	if err != nil {
		return domain.DrawHistory{}, false, domain.E(domain.KindStore, "get latest draw", err)
	}
	return draw, true, nil
}

// MarkDrawDistributed records the accepted prize signatures and flips the
// distributed flag.
func (r *AggregateRepository) MarkDrawDistributed(ctx context.Context, drawID string, winners []domain.Winner) error {
	_, err := r.draws.UpdateOne(ctx,
		bson.M{"drawId": drawID},
		bson.M{"$set": bson.M{"distributed": true, "winners": winners}})
	if err != nil {
		return domain.E(domain.KindStore, "mark draw distributed", err)
	}
	return nil
}

// LogActivity is best effort: failures are swallowed by callers.
func (r *AggregateRepository) LogActivity(ctx context.Context, entry domain.ActivityLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	_, err := r.activity.InsertOne(ctx, entry)
	return err
}

// EnqueueNotification appends one pending outbox entry.
func (r *AggregateRepository) EnqueueNotification(ctx context.Context, n domain.Notification) error {
	n.Status = domain.NotificationPending
	n.CreatedAt = time.Now()
	if n.ScheduledFor.IsZero() {
		n.ScheduledFor = n.CreatedAt
	}
	n.ID = uuid.NewString()
	_, err := r.notifications.InsertOne(ctx, n)
	if err != nil {
		return domain.E(domain.KindStore, "enqueue notification", err)
	}
	return nil
}

// ClaimDueNotification atomically picks one due pending entry and bumps its
// attempt counter, so concurrent dispatchers never deliver the same entry
// twice.
func (r *AggregateRepository) ClaimDueNotification(ctx context.Context, now time.Time) (domain.Notification, bool, error) {
	var n domain.Notification
	err := r.notifications.FindOneAndUpdate(ctx,
		bson.M{"status": domain.NotificationPending, "scheduledFor": bson.M{"$lte": now}},
		bson.M{"$inc": bson.M{"attempts": 1}, "$set": bson.M{"lastAttempt": now}},
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "scheduledFor", Value: 1}}).
			SetReturnDocument(options.After)).
		Decode(&n)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Notification{}, false, nil
	}
	if err != nil {
		return domain.Notification{}, false, domain.E(domain.KindStore, "claim notification", err)
	}
	return n, true, nil
}

func (r *AggregateRepository) MarkNotificationSent(ctx context.Context, id string) error {
	_, err := r.notifications.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": domain.NotificationSent}})
	if err != nil {
		return domain.E(domain.KindStore, "mark notification sent", err)
	}
	return nil
}

// RescheduleNotification pushes the entry back into the queue for a later
// attempt.
func (r *AggregateRepository) RescheduleNotification(ctx context.Context, id string, at time.Time) error {
	_, err := r.notifications.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"scheduledFor": at}})
	if err != nil {
		return domain.E(domain.KindStore, "reschedule notification", err)
	}
	return nil
}

// MarkNotificationFailed is terminal; the entry is never retried again and
// stays visible for operator inspection.
func (r *AggregateRepository) MarkNotificationFailed(ctx context.Context, id string) error {
	_, err := r.notifications.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": domain.NotificationFailed}})
	if err != nil {
		return domain.E(domain.KindStore, "mark notification failed", err)
	}
	return nil
}

// FailedNotifications lists terminally failed entries for operators.
func (r *AggregateRepository) FailedNotifications(ctx context.Context, limit int64) ([]domain.Notification, error) {
	cur, err := r.notifications.Find(ctx,
		bson.M{"status": domain.NotificationFailed},
		options.Find().SetSort(bson.D{{Key: "scheduledFor", Value: -1}}).SetLimit(limit))
	if err != nil {
		return nil, domain.E(domain.KindStore, "list failed notifications", err)
	}
	var out []domain.Notification
	if err := cur.All(ctx, &out); err != nil {
		return nil, domain.E(domain.KindStore, "decode failed notifications", err)
	}
	return out, nil
}
