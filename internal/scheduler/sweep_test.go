package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/signcap/signcap/internal/domain"
)

type fakeLeaseCleaner struct {
	released int64
}

func (f *fakeLeaseCleaner) SweepExpiredLeases(context.Context) (int64, error) {
	return f.released, nil
}

type fakeExpirer struct {
	expired []domain.Order
}

func (f *fakeExpirer) ExpireDue(context.Context) ([]domain.Order, error) {
	return f.expired, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	users []string
}

func (r *recordingNotifier) Notify(_ context.Context, userID, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
}

func TestSweepNotifiesExpiredOwners(t *testing.T) {
	expirer := &fakeExpirer{expired: []domain.Order{
		{ID: "ord-1", UserID: "buyer-1", Granted: 5, Claimed: 2},
		{ID: "ord-2", UserID: "buyer-2", Granted: 3},
	}}
	notifier := &recordingNotifier{}
	sweeper := NewSweeper(&fakeLeaseCleaner{released: 2}, expirer, notifier, slog.New(slog.DiscardHandler), time.Minute)

	sweeper.RunTick(context.Background())

	assert.Equal(t, []string{"buyer-1", "buyer-2"}, notifier.users)
}

func TestSweepQuietWhenNothingDue(t *testing.T) {
	notifier := &recordingNotifier{}
	sweeper := NewSweeper(&fakeLeaseCleaner{}, &fakeExpirer{}, notifier, slog.New(slog.DiscardHandler), time.Minute)

	sweeper.RunTick(context.Background())

	assert.Empty(t, notifier.users)
}
