package notifications

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solotto/solotto/internal/core/domain"
)

// fakeOutbox behaves like the claim-based queue: claiming bumps attempts.
type fakeOutbox struct {
	queue []domain.Notification

	sent        []string
	failed      []string
	rescheduled map[string]time.Time
}

func newFakeOutbox(ns ...domain.Notification) *fakeOutbox {
	return &fakeOutbox{queue: ns, rescheduled: make(map[string]time.Time)}
}

func (f *fakeOutbox) ClaimDueNotification(ctx context.Context, now time.Time) (domain.Notification, bool, error) {
	for i := range f.queue {
		n := f.queue[i]
		if n.Status != domain.NotificationPending && n.Status != "" {
			continue
		}
		if n.ScheduledFor.After(now) {
			continue
		}
		f.queue[i].Attempts++
		f.queue[i].Status = "claimed"
		n = f.queue[i]
		return n, true, nil
	}
	return domain.Notification{}, false, nil
}

func (f *fakeOutbox) MarkNotificationSent(ctx context.Context, id string) error {
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeOutbox) RescheduleNotification(ctx context.Context, id string, at time.Time) error {
	f.rescheduled[id] = at
	return nil
}

func (f *fakeOutbox) MarkNotificationFailed(ctx context.Context, id string) error {
	f.failed = append(f.failed, id)
	return nil
}

// fakeSender fails the first failures deliveries, then succeeds.
type fakeSender struct {
	failures int
	calls    int
}

func (f *fakeSender) Send(ctx context.Context, n domain.Notification) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("webhook unreachable")
	}
	return nil
}

func TestDrainDeliversDueEntries(t *testing.T) {
	outbox := newFakeOutbox(
		domain.Notification{ID: "n1", Recipient: "a", Type: "TICKET_PURCHASE"},
		domain.Notification{ID: "n2", Recipient: "b", Type: "PRIZE_WON"},
	)
	sender := &fakeSender{}
	d := NewDispatcher(outbox, sender, time.Second, 5)

	d.Drain(context.Background())

	assert.Equal(t, []string{"n1", "n2"}, outbox.sent)
	assert.Equal(t, 2, sender.calls)
	assert.Empty(t, outbox.failed)
}

func TestDrainSkipsFutureEntries(t *testing.T) {
	outbox := newFakeOutbox(
		domain.Notification{ID: "later", ScheduledFor: time.Now().Add(time.Hour)},
	)
	sender := &fakeSender{}
	d := NewDispatcher(outbox, sender, time.Second, 5)

	d.Drain(context.Background())

	assert.Zero(t, sender.calls)
	assert.Empty(t, outbox.sent)
}

func TestDeliveryFailureReschedules(t *testing.T) {
	outbox := newFakeOutbox(domain.Notification{ID: "n1"})
	sender := &fakeSender{failures: 1}
	d := NewDispatcher(outbox, sender, time.Second, 5)

	before := time.Now()
	d.Drain(context.Background())

	require.Contains(t, outbox.rescheduled, "n1")
	assert.Empty(t, outbox.sent)
	assert.Empty(t, outbox.failed)

	next := outbox.rescheduled["n1"]
	assert.True(t, next.After(before.Add(9*time.Second)), "first retry waits at least the base delay")
}

func TestExhaustedAttemptsParkAsFailed(t *testing.T) {
	// Already at the last allowed attempt when claimed.
	outbox := newFakeOutbox(domain.Notification{ID: "n1", Attempts: 4})
	sender := &fakeSender{failures: 10}
	d := NewDispatcher(outbox, sender, time.Second, 5)

	d.Drain(context.Background())

	assert.Equal(t, []string{"n1"}, outbox.failed)
	assert.Empty(t, outbox.rescheduled)
}

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	assert.Equal(t, 10*time.Second, RetryDelay(1))
	assert.Equal(t, 20*time.Second, RetryDelay(2))
	assert.Equal(t, 40*time.Second, RetryDelay(3))
	assert.Equal(t, 10*time.Minute, RetryDelay(100))
}
