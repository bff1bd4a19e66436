package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPenaltyLedger(t *testing.T) (*PenaltyLedger, *time.Time) {
	t.Helper()
	l := NewPenaltyLedger(newTestStore(t))
	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestCheckUnknownTokenAllowed(t *testing.T) {
	l, _ := newTestPenaltyLedger(t)
	ctx := context.Background()

	p, err := l.Check(ctx, tokenA)
	require.NoError(t, err)
	assert.True(t, p.Allowed)
	assert.Zero(t, p.CooldownUntil)

	p, err = l.Check(ctx, "")
	require.NoError(t, err)
	assert.True(t, p.Allowed)
}

func TestCooldownEscalation(t *testing.T) {
	l, now := newTestPenaltyLedger(t)
	ctx := context.Background()

	expected := []time.Duration{
		30 * time.Second,
		2 * time.Minute,
		5 * time.Minute,
		15 * time.Minute,
		15 * time.Minute, // fifth forfeit stays at the cap
	}

	for i, cooldown := range expected {
		require.NoError(t, l.Record(ctx, tokenA))

		p, err := l.Check(ctx, tokenA)
		require.NoError(t, err)
		assert.False(t, p.Allowed, "forfeit %d should block joins", i+1)
		assert.Equal(t, now.Add(cooldown).UnixMilli(), p.CooldownUntil)

		// Just before the deadline the cooldown still holds.
		*now = now.Add(cooldown - time.Millisecond)
		p, err = l.Check(ctx, tokenA)
		require.NoError(t, err)
		assert.False(t, p.Allowed)

		// At the deadline it clears.
		*now = now.Add(time.Millisecond)
		p, err = l.Check(ctx, tokenA)
		require.NoError(t, err)
		assert.True(t, p.Allowed)
	}
}

func TestWindowPruning(t *testing.T) {
	l, now := newTestPenaltyLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, tokenA))
	require.NoError(t, l.Record(ctx, tokenA))

	// Both forfeits age out of the one-hour window.
	*now = now.Add(penaltyWindow + time.Minute)
	p, err := l.Check(ctx, tokenA)
	require.NoError(t, err)
	assert.True(t, p.Allowed)

	// The next forfeit starts from a clean slate: 30s cooldown again.
	require.NoError(t, l.Record(ctx, tokenA))
	p, err = l.Check(ctx, tokenA)
	require.NoError(t, err)
	assert.False(t, p.Allowed)
	assert.Equal(t, now.Add(30*time.Second).UnixMilli(), p.CooldownUntil)
}

func TestRecordEmptyTokenIsNoOp(t *testing.T) {
	l, _ := newTestPenaltyLedger(t)
	require.NoError(t, l.Record(context.Background(), ""))
}
