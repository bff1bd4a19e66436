package ledger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reversi-one/reversi-server/internal/storage"
	"github.com/reversi-one/reversi-server/pkg/logging"
)

const penaltyWindow = time.Hour

// Cooldowns escalate with the number of forfeits inside the rolling window;
// the fourth and every later forfeit incur the 15-minute cooldown.
var cooldowns = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

type Penalty struct {
	Allowed       bool  `json:"allowed"`
	CooldownUntil int64 `json:"cooldownUntil"`
}

type PenaltyLedger struct {
	store *storage.Client
	mu    sync.Mutex
	now   func() time.Time
}

func NewPenaltyLedger(store *storage.Client) *PenaltyLedger {
	return &PenaltyLedger{store: store, now: time.Now}
}

func forfeitsKey(token string) string {
	return "forfeits:" + token
}

// Record appends a forfeit timestamp for the token. Empty tokens (anonymous
// identities) carry no penalty history.
func (l *PenaltyLedger) Record(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	records, err := l.recentForfeits(ctx, token, now)
	if err != nil {
		return err
	}
	records = append(records, now.UnixMilli())
	if err := l.store.PutJSON(ctx, forfeitsKey(token), records); err != nil {
		return err
	}
	logging.Info("forfeit recorded", zap.Int("window_count", len(records)))
	return nil
}

// Check reports whether the token may join a game, and until when its
// cooldown runs if not. Unknown tokens are always allowed.
func (l *PenaltyLedger) Check(ctx context.Context, token string) (Penalty, error) {
	if token == "" {
		return Penalty{Allowed: true}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	records, err := l.recentForfeits(ctx, token, now)
	if err != nil {
		return Penalty{Allowed: true}, err
	}
	if len(records) == 0 {
		return Penalty{Allowed: true}, nil
	}

	idx := len(records) - 1
	if idx >= len(cooldowns) {
		idx = len(cooldowns) - 1
	}
	cooldownUntil := time.UnixMilli(records[len(records)-1]).Add(cooldowns[idx])
	if now.Before(cooldownUntil) {
		return Penalty{Allowed: false, CooldownUntil: cooldownUntil.UnixMilli()}, nil
	}
	return Penalty{Allowed: true}, nil
}

// recentForfeits loads the history pruned to the rolling window, rewriting
// storage when stale entries were dropped.
func (l *PenaltyLedger) recentForfeits(ctx context.Context, token string, now time.Time) ([]int64, error) {
	var records []int64
	found, err := l.store.GetJSON(ctx, forfeitsKey(token), &records)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	cutoff := now.Add(-penaltyWindow).UnixMilli()
	recent := records[:0]
	for _, ts := range records {
		if ts > cutoff {
			recent = append(recent, ts)
		}
	}
	if len(recent) != len(records) {
		if len(recent) == 0 {
			if err := l.store.Delete(ctx, forfeitsKey(token)); err != nil {
				return nil, err
			}
		} else if err := l.store.PutJSON(ctx, forfeitsKey(token), recent); err != nil {
			return nil, err
		}
	}
	return recent, nil
}
