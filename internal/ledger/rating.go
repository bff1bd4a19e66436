// Package ledger holds the two persistent per-identity ledgers: the Elo
// rating ledger and the forfeit penalty ledger. Both are single-owner
// actors; every mutation runs under the ledger's own lock and is written
// through to storage before returning.
package ledger

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/reversi-one/reversi-server/internal/storage"
	"github.com/reversi-one/reversi-server/pkg/logging"
)

const (
	DefaultRating  = 1200
	kFactor        = 32
	ratingFloor    = 100
	LeaderboardMax = 100

	ratingsKey   = "ratings"
	nicknamesKey = "nicknames"
)

type PlayerRating struct {
	Rating      int `json:"rating"`
	GamesPlayed int `json:"gamesPlayed"`
}

type RatingChange struct {
	Token  string
	Before PlayerRating
	After  PlayerRating
}

func (c RatingChange) Delta() int {
	return c.After.Rating - c.Before.Rating
}

type RatingUpdate struct {
	Winner RatingChange
	Loser  RatingChange
}

type LeaderboardEntry struct {
	Rank        int    `json:"rank"`
	Nickname    string `json:"nickname"`
	Rating      int    `json:"rating"`
	GamesPlayed int    `json:"gamesPlayed"`
}

type RatingLedger struct {
	store *storage.Client
	mu    sync.Mutex
}

func NewRatingLedger(store *storage.Client) *RatingLedger {
	return &RatingLedger{store: store}
}

// Rating returns the stored rating, or the default for unknown or empty
// tokens. Absent identities are never an error.
func (l *RatingLedger) Rating(ctx context.Context, token string) (PlayerRating, error) {
	if token == "" {
		return PlayerRating{Rating: DefaultRating}, nil
	}
	r := PlayerRating{Rating: DefaultRating}
	if _, err := l.store.HGetJSON(ctx, ratingsKey, token, &r); err != nil {
		return PlayerRating{Rating: DefaultRating}, err
	}
	return r, nil
}

// RecordResult applies a finished game to both ratings. Both before values
// are read first so per-player deltas are reported atomically with the new
// ratings. A tie updates both sides against a 0.5 expected-score target.
func (l *RatingLedger) RecordResult(ctx context.Context, winnerToken, loserToken string, draw bool) (RatingUpdate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	winnerBefore, err := l.Rating(ctx, winnerToken)
	if err != nil {
		return RatingUpdate{}, err
	}
	loserBefore, err := l.Rating(ctx, loserToken)
	if err != nil {
		return RatingUpdate{}, err
	}

	newWinner, newLoser := eloPair(winnerBefore.Rating, loserBefore.Rating, draw)
	update := RatingUpdate{
		Winner: RatingChange{
			Token:  winnerToken,
			Before: winnerBefore,
			After:  PlayerRating{Rating: newWinner, GamesPlayed: winnerBefore.GamesPlayed + 1},
		},
		Loser: RatingChange{
			Token:  loserToken,
			Before: loserBefore,
			After:  PlayerRating{Rating: newLoser, GamesPlayed: loserBefore.GamesPlayed + 1},
		},
	}

	if err := l.store.HSetJSON(ctx, ratingsKey, winnerToken, update.Winner.After); err != nil {
		return RatingUpdate{}, err
	}
	if err := l.store.HSetJSON(ctx, ratingsKey, loserToken, update.Loser.After); err != nil {
		return RatingUpdate{}, err
	}

	logging.Info("ratings updated",
		zap.Int("winner_rating", newWinner),
		zap.Int("loser_rating", newLoser),
		zap.Bool("draw", draw),
	)
	return update, nil
}

// eloPair computes both new ratings with K=32 and a floor of 100.
func eloPair(winner, loser int, draw bool) (int, int) {
	expectedWinner := 1 / (1 + math.Pow(10, float64(loser-winner)/400))
	expectedLoser := 1 - expectedWinner

	scoreWinner, scoreLoser := 1.0, 0.0
	if draw {
		scoreWinner, scoreLoser = 0.5, 0.5
	}

	newWinner := int(math.Round(float64(winner) + kFactor*(scoreWinner-expectedWinner)))
	newLoser := int(math.Round(float64(loser) + kFactor*(scoreLoser-expectedLoser)))
	if newWinner < ratingFloor {
		newWinner = ratingFloor
	}
	if newLoser < ratingFloor {
		newLoser = ratingFloor
	}
	return newWinner, newLoser
}

// SetNickname caches the last-seen nickname for a token. Callers sanitize.
func (l *RatingLedger) SetNickname(ctx context.Context, token, nickname string) error {
	if token == "" || nickname == "" {
		return nil
	}
	return l.store.HSetString(ctx, nicknamesKey, token, nickname)
}

// Leaderboard returns up to limit entries sorted by rating descending,
// tie-broken by fewer games played. The limit is capped at 100 rows.
func (l *RatingLedger) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 || limit > LeaderboardMax {
		limit = LeaderboardMax
	}

	raw, err := l.store.HGetAll(ctx, ratingsKey)
	if err != nil {
		return nil, err
	}
	nicknames, err := l.store.HGetAll(ctx, nicknamesKey)
	if err != nil {
		return nil, err
	}

	type row struct {
		token  string
		rating PlayerRating
	}
	rows := make([]row, 0, len(raw))
	for token, blob := range raw {
		var r PlayerRating
		if err := json.Unmarshal([]byte(blob), &r); err != nil {
			logging.Warn("skipping malformed rating entry", zap.String("token", token))
			continue
		}
		rows = append(rows, row{token: token, rating: r})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].rating.Rating != rows[j].rating.Rating {
			return rows[i].rating.Rating > rows[j].rating.Rating
		}
		return rows[i].rating.GamesPlayed < rows[j].rating.GamesPlayed
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}

	entries := make([]LeaderboardEntry, 0, len(rows))
	for i, r := range rows {
		nickname := nicknames[r.token]
		if nickname == "" {
			nickname = "Anonymous"
		}
		entries = append(entries, LeaderboardEntry{
			Rank:        i + 1,
			Nickname:    nickname,
			Rating:      r.rating.Rating,
			GamesPlayed: r.rating.GamesPlayed,
		})
	}
	return entries, nil
}
