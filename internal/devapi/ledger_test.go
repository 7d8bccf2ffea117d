package devapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tendant/meal-snap/pkg/mealupload"
)

func TestLedger_FreeLimit(t *testing.T) {
	l := NewLedger(WithFreeLimit(2))

	assert.Equal(t, mealupload.QuotaSnapshot{Used: 0, Limit: 2, Remaining: 2, Plan: PlanFree, WindowDays: 7}, l.Snapshot("u"))

	snap, ok := l.Consume("u")
	assert.True(t, ok)
	assert.Equal(t, 1, snap.Remaining)

	snap, ok = l.Consume("u")
	assert.True(t, ok)
	assert.Equal(t, 0, snap.Remaining)
	assert.True(t, snap.Exhausted())

	snap, ok = l.Consume("u")
	assert.False(t, ok)
	assert.Equal(t, 2, snap.Used)
	assert.Equal(t, 0, snap.Remaining)

	// Other users are counted separately.
	assert.Equal(t, 2, l.Snapshot("v").Remaining)
}

func TestLedger_RollingWindow(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLedger(WithFreeLimit(1))
	l.now = func() time.Time { return now }

	_, ok := l.Consume("u")
	assert.True(t, ok)
	_, ok = l.Consume("u")
	assert.False(t, ok)

	now = now.Add(DefaultWindow - time.Second)
	_, ok = l.Consume("u")
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	snap, ok := l.Consume("u")
	assert.True(t, ok)
	assert.Equal(t, 1, snap.Used)
}

func TestLedger_ProUnlimited(t *testing.T) {
	l := NewLedger(WithFreeLimit(1), WithProUsers("pro-user"), WithWindow(24*time.Hour))

	for range 10 {
		_, ok := l.Consume("pro-user")
		assert.True(t, ok)
	}
	snap := l.Snapshot("pro-user")
	assert.Equal(t, PlanPro, snap.Plan)
	assert.Equal(t, 10, snap.Used)
	assert.True(t, snap.Unlimited())
	assert.Equal(t, mealupload.UnlimitedRemaining, snap.Limit)
	assert.Equal(t, 1, snap.WindowDays)
}
