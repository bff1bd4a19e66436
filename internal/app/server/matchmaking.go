package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reversi-one/reversi-server/internal/ledger"
	"github.com/reversi-one/reversi-server/pkg/logging"
)

const (
	bandBase     = 100
	bandPerSec   = 10
	bandMax      = 500
	matchTimeout = 2 * time.Second
)

type waitingPlayer struct {
	sess     *session
	nickname string
	token    string
	rating   int
	joinedAt time.Time
}

// ratingBand is how far apart two ratings may be for a pairing, given how
// long the waiting candidate has already been in the pool. It only grows
// with wait time, so nobody starves just because no close-rated opponent
// exists.
func ratingBand(waited time.Duration) int {
	band := bandBase + bandPerSec*int(waited.Seconds())
	if band > bandMax {
		band = bandMax
	}
	return band
}

// Matchmaker is the single pairing actor for the deployment. Like a Room,
// all pool mutations go through one goroutine consuming cmds.
type Matchmaker struct {
	cfg     Config
	ratings *ledger.RatingLedger
	newCode func() string

	cmds   chan func()
	mu     sync.Mutex
	closed bool

	pool []*waitingPlayer
	now  func() time.Time
}

func newMatchmaker(ratings *ledger.RatingLedger, cfg Config, newCode func() string) *Matchmaker {
	return &Matchmaker{
		cfg:     cfg,
		ratings: ratings,
		newCode: newCode,
		cmds:    make(chan func(), 64),
		now:     time.Now,
	}
}

func (m *Matchmaker) run() {
	for fn := range m.cmds {
		fn()
	}
}

func (m *Matchmaker) post(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	select {
	case m.cmds <- fn:
		return true
	default:
		logging.Warn("matchmaking command dropped")
		return false
	}
}

func (m *Matchmaker) shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.cmds)
}

func (m *Matchmaker) Enqueue(s *session, nickname, token string) {
	m.post(func() { m.handleEnqueue(s, nickname, token) })
}

// Remove drops a waiting player whose connection died before a match.
func (m *Matchmaker) Remove(s *session) {
	m.post(func() {
		for i, w := range m.pool {
			if w.sess == s {
				m.pool = append(m.pool[:i], m.pool[i+1:]...)
				return
			}
		}
	})
}

func (m *Matchmaker) handleEnqueue(s *session, nickname, token string) {
	if n := sanitizeNickname(nickname); n != "" {
		s.nickname = n
	}
	token = clampToken(token)
	if !validToken(token) {
		token = ""
	}

	m.purgeStale()

	rating := ledger.DefaultRating
	if token != "" {
		ctx, cancel := context.WithTimeout(context.Background(), matchTimeout)
		r, err := m.ratings.Rating(ctx, token)
		cancel()
		if err != nil {
			logging.Warn("rating lookup failed, using default", zap.Error(err))
		} else {
			rating = r.Rating
		}
	}

	arriver := &waitingPlayer{
		sess:     s,
		nickname: s.nickname,
		token:    token,
		rating:   rating,
		joinedAt: m.now(),
	}

	if best := m.bestCandidate(arriver); best >= 0 {
		opponent := m.pool[best]
		m.pool = append(m.pool[:best], m.pool[best+1:]...)

		code := m.newCode()
		opponent.sess.send(matchedMsg{Type: msgMatched, RoomID: code})
		arriver.sess.send(matchedMsg{Type: msgMatched, RoomID: code})
		logging.Info("players matched",
			zap.String("room_id", code),
			zap.Int("rating_a", arriver.rating),
			zap.Int("rating_b", opponent.rating),
		)
		return
	}

	m.pool = append(m.pool, arriver)
	s.send(typeOnlyMsg{Type: msgWaitingForOpponent})
}

// bestCandidate returns the index of the closest-rated compatible waiter,
// or -1. Compatibility uses the candidate's own band, which widens with
// their time in the pool.
func (m *Matchmaker) bestCandidate(arriver *waitingPlayer) int {
	now := m.now()
	best := -1
	bestDiff := 0
	for i, w := range m.pool {
		if arriver.token != "" && w.token == arriver.token {
			continue
		}
		diff := arriver.rating - w.rating
		if diff < 0 {
			diff = -diff
		}
		if diff > ratingBand(now.Sub(w.joinedAt)) {
			continue
		}
		if best < 0 || diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	return best
}

func (m *Matchmaker) purgeStale() {
	cutoff := m.now().Add(-m.cfg.QueueEntryTTL)
	kept := m.pool[:0]
	for _, w := range m.pool {
		if w.joinedAt.After(cutoff) {
			kept = append(kept, w)
		}
	}
	m.pool = kept
}
