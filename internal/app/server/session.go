package server

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reversi-one/reversi-server/internal/game"
	"github.com/reversi-one/reversi-server/pkg/logging"
	"go.uber.org/zap"
)

const (
	defaultNickname = "Player"
	maxNicknameLen  = 20
	maxTokenLen     = 64
)

// wsConn is the slice of *websocket.Conn the session needs; a fake stands in
// during tests.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// session is the ephemeral state attached to one live connection. It is
// never persisted; reconnection rebuilds it from the room's durable
// disconnect record.
type session struct {
	conn     wsConn
	identity string
	token    string
	nickname string
	color    game.Color
	limiter  rateLimiter

	writeMu sync.Mutex
}

func newSession(conn wsConn, cfg Config) *session {
	return &session{
		conn:     conn,
		identity: uuid.NewString(),
		nickname: defaultNickname,
		limiter: rateLimiter{
			window: cfg.RateLimitWindow,
			max:    cfg.RateLimitMax,
		},
	}
}

func (s *session) send(v any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return
	}
	if err := s.conn.WriteJSON(v); err != nil {
		logging.Warn("couldn't notify player", zap.String("identity", s.identity), zap.Error(err))
	}
}

func (s *session) sendError(message string) {
	s.send(errorMsg{Type: msgError, Message: message})
}

func (s *session) close() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// rateLimiter is a sliding-window counter; it is only touched from the
// connection's read loop.
type rateLimiter struct {
	window time.Duration
	max    int
	stamps []time.Time
}

func (rl *rateLimiter) allow(now time.Time) bool {
	cutoff := now.Add(-rl.window)
	kept := rl.stamps[:0]
	for _, ts := range rl.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	rl.stamps = kept
	if len(rl.stamps) >= rl.max {
		return false
	}
	rl.stamps = append(rl.stamps, now)
	return true
}

// sanitizeNickname strips HTML-special and control characters and clamps to
// 20 runes. The result may be empty; callers fall back to the default.
func sanitizeNickname(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r < 0x20 || r == 0x7f {
			continue
		}
		switch r {
		case '<', '>', '&', '"', '\'', '`':
			continue
		}
		b.WriteRune(r)
	}
	name := strings.TrimSpace(b.String())
	runes := []rune(name)
	if len(runes) > maxNicknameLen {
		name = string(runes[:maxNicknameLen])
	}
	return name
}

func clampToken(token string) string {
	if len(token) > maxTokenLen {
		return token[:maxTokenLen]
	}
	return token
}

// validToken accepts only canonical v4 identifiers; anything else is treated
// as anonymous rather than an error.
func validToken(token string) bool {
	if token == "" || len(token) > maxTokenLen {
		return false
	}
	u, err := uuid.Parse(token)
	return err == nil && u.Version() == 4 && u.Variant() == uuid.RFC4122
}
