package notifications

import (
	"context"
	"log/slog"
	"time"

	"github.com/solotto/solotto/internal/core/domain"
)

// Outbox is the slice of the aggregate store the dispatcher drains. Claiming
// an entry atomically bumps its attempt counter.
type Outbox interface {
	ClaimDueNotification(ctx context.Context, now time.Time) (domain.Notification, bool, error)
	MarkNotificationSent(ctx context.Context, id string) error
	RescheduleNotification(ctx context.Context, id string, at time.Time) error
	MarkNotificationFailed(ctx context.Context, id string) error
}

const baseRetryDelay = 10 * time.Second

// Dispatcher drains the notification outbox independently of the live
// request path. Delivery failures are retried with exponential backoff up to
// MaxAttempts, then parked as failed for operator inspection.
type Dispatcher struct {
	outbox      Outbox
	sender      Sender
	interval    time.Duration
	maxAttempts int

	cancel context.CancelFunc
	done   chan struct{}
}

func NewDispatcher(outbox Outbox, sender Sender, interval time.Duration, maxAttempts int) *Dispatcher {
	return &Dispatcher{
		outbox:      outbox,
		sender:      sender,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

// Start polls the outbox until Stop is called.
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		slog.Info("notification dispatcher started", "interval", d.interval, "max_attempts", d.maxAttempts)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.Drain(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for the in-flight drain to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}

// Drain delivers every due entry currently in the outbox.
func (d *Dispatcher) Drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, ok, err := d.outbox.ClaimDueNotification(ctx, time.Now())
		if err != nil {
			slog.Error("dispatcher: claiming notification failed", "error", err)
			return
		}
		if !ok {
			return
		}
		d.deliver(ctx, n)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n domain.Notification) {
	err := d.sender.Send(ctx, n)
	if err == nil {
		if err := d.outbox.MarkNotificationSent(ctx, n.ID); err != nil {
			slog.Error("dispatcher: marking notification sent failed", "id", n.ID, "error", err)
		}
		slog.Info("notification delivered", "id", n.ID, "recipient", n.Recipient, "type", n.Type, "attempts", n.Attempts)
		return
	}

	if n.Attempts >= d.maxAttempts {
		// Terminal: surfaced for operators, never retried automatically.
		if ferr := d.outbox.MarkNotificationFailed(ctx, n.ID); ferr != nil {
			slog.Error("dispatcher: marking notification failed failed", "id", n.ID, "error", ferr)
			return
		}
		slog.Error("notification permanently failed",
			"id", n.ID, "recipient", n.Recipient, "attempts", n.Attempts, "error", err)
		return
	}

	next := time.Now().Add(RetryDelay(n.Attempts))
	if rerr := d.outbox.RescheduleNotification(ctx, n.ID, next); rerr != nil {
		slog.Error("dispatcher: rescheduling notification failed", "id", n.ID, "error", rerr)
		return
	}
	slog.Warn("notification delivery failed, rescheduled",
		"id", n.ID, "recipient", n.Recipient, "attempts", n.Attempts, "next_attempt", next, "error", err)
}

// RetryDelay doubles per attempt: 10s, 20s, 40s, ... capped at ten minutes.
func RetryDelay(attempts int) time.Duration {
	delay := baseRetryDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return delay
}
