package server

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/reversi-one/reversi-server/internal/ledger"
	"github.com/reversi-one/reversi-server/internal/storage"
	"github.com/reversi-one/reversi-server/pkg/logging"
)

// Room codes avoid 0/O/1/I/L so they survive being read aloud.
const roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const roomCodeLen = 6

var roomCodePattern = regexp.MustCompile(`^[A-HJ-NP-Z2-9]{6}$`)

type server struct {
	address  string
	upgrader websocket.Upgrader

	config Config
	rooms  sync.Map

	store      *storage.Client
	ratings    *ledger.RatingLedger
	penalties  *ledger.PenaltyLedger
	matchmaker *Matchmaker
}

func NewServer() (*server, error) {
	cfg := NewConfig()
	store, err := storage.Open(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return newServer(cfg, store), nil
}

func newServer(cfg Config, store *storage.Client) *server {
	srv := &server{
		address:   "0.0.0.0:" + cfg.Port,
		config:    cfg,
		store:     store,
		ratings:   ledger.NewRatingLedger(store),
		penalties: ledger.NewPenaltyLedger(store),
	}
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return srv.originAllowed(r.Header.Get("Origin"))
		},
	}
	srv.matchmaker = newMatchmaker(srv.ratings, cfg, newRoomCode)
	return srv
}

func (s *server) Start() error {
	go s.matchmaker.run()

	logging.Info("server started", zap.String("port", s.config.Port))
	return http.ListenAndServe(s.address, s.routes())
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/create-room", s.withCORS(s.handleCreateRoom))
	mux.HandleFunc("GET /api/rating", s.withCORS(s.handleRating))
	mux.HandleFunc("GET /api/leaderboard", s.withCORS(s.handleLeaderboard))
	mux.HandleFunc("POST /api/set-nickname", s.withCORS(s.handleSetNickname))
	mux.HandleFunc("GET /room/{code}", s.handleRoomSocket)
	mux.HandleFunc("GET /matchmaking", s.handleMatchmakingSocket)
	return mux
}

// originAllowed accepts exact entries and suffix wildcards such as
// "*.vercel.app". Requests without an Origin header (curl, health probes)
// pass; the allow-list guards browsers, not scripts.
func (s *server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	host := origin
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	for _, allowed := range s.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(host, allowed[1:]) {
			return true
		}
	}
	return false
}

func (s *server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if !s.originAllowed(origin) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("failed to write response", zap.Error(err))
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"roomId": newRoomCode()})
}

func (s *server) handleRating(w http.ResponseWriter, r *http.Request) {
	token := clampToken(r.URL.Query().Get("token"))
	if !validToken(token) {
		writeJSON(w, http.StatusOK, ledger.PlayerRating{Rating: ledger.DefaultRating})
		return
	}
	rating, err := s.ratings.Rating(r.Context(), token)
	if err != nil {
		logging.Error("rating lookup failed", zap.Error(err))
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rating)
}

func (s *server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := ledger.LeaderboardMax
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.ratings.Leaderboard(r.Context(), limit)
	if err != nil {
		logging.Error("leaderboard lookup failed", zap.Error(err))
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": entries})
}

func (s *server) handleSetNickname(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Nickname string `json:"nickname"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	token := clampToken(req.Token)
	if !validToken(token) {
		http.Error(w, "invalid token", http.StatusBadRequest)
		return
	}
	nickname := sanitizeNickname(req.Nickname)
	if nickname == "" {
		http.Error(w, "invalid nickname", http.StatusBadRequest)
		return
	}
	if err := s.ratings.SetNickname(r.Context(), token, nickname); err != nil {
		logging.Error("nickname update failed", zap.Error(err))
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"nickname": nickname})
}

func (s *server) handleRoomSocket(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if !roomCodePattern.MatchString(code) {
		http.Error(w, "invalid room code", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	room, err := s.roomFor(code)
	if err != nil {
		logging.Error("failed to load room", zap.String("room_id", code), zap.Error(err))
		conn.Close()
		return
	}

	sess := newSession(conn, s.config)
	s.readLoop(sess, func(msg clientMessage) {
		switch msg.Type {
		case msgJoinRoom:
			room.Join(sess, msg.Nickname, msg.Token)
		case msgMakeMove:
			if msg.Position == nil || !msg.Position.InBounds() {
				sess.send(invalidMoveMsg{Type: msgInvalidMove, Reason: reasonInvalidPosition})
				return
			}
			room.Move(sess, *msg.Position)
		case msgLeaveRoom:
			room.Leave(sess)
		case msgRematchRequest:
			room.Rematch(sess)
		default:
			sess.sendError(reasonUnknownType)
		}
	})
	room.Disconnect(sess)
}

func (s *server) handleMatchmakingSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	sess := newSession(conn, s.config)
	s.readLoop(sess, func(msg clientMessage) {
		switch msg.Type {
		case msgQuickMatch:
			s.matchmaker.Enqueue(sess, msg.Nickname, msg.Token)
		default:
			sess.sendError(reasonUnknownType)
		}
	})
	s.matchmaker.Remove(sess)
	sess.close()
}

// readLoop owns the connection until it dies. Oversized, malformed, and
// over-rate frames are answered with ERROR and dropped; only a transport
// error ends the loop. PING is answered here so a throttled client can
// still keep its connection alive.
func (s *server) readLoop(sess *session, dispatch func(clientMessage)) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			logging.Info("connection closed",
				zap.String("identity", sess.identity),
				zap.Error(err),
			)
			return
		}

		if int64(len(data)) > s.config.MaxMessageBytes {
			sess.sendError(reasonTooLarge)
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			sess.sendError(reasonInvalidFormat)
			continue
		}
		if msg.Type == msgPing {
			sess.send(typeOnlyMsg{Type: msgPong})
			continue
		}
		if !sess.limiter.allow(time.Now()) {
			sess.sendError(reasonTooMany)
			continue
		}
		dispatch(msg)
	}
}

// roomFor resolves a code to its live actor, reviving it from storage when
// no goroutine currently owns it. Losing the registration race discards the
// candidate untouched.
func (s *server) roomFor(code string) (*Room, error) {
	for {
		candidate := newRoom(code, s.store, s.ratings, s.penalties, s.config, s.dropRoom)
		actual, loaded := s.rooms.LoadOrStore(code, candidate)
		if !loaded {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			err := candidate.hydrate(ctx)
			cancel()
			if err != nil {
				s.rooms.CompareAndDelete(code, candidate)
				candidate.discard()
				return nil, err
			}
			go candidate.run()
			return candidate, nil
		}

		room := actual.(*Room)
		if !room.isClosed() {
			candidate.discard()
			return room, nil
		}
		s.rooms.CompareAndDelete(code, room)
	}
}

func (s *server) dropRoom(id string) {
	if v, ok := s.rooms.Load(id); ok && v.(*Room).isClosed() {
		s.rooms.CompareAndDelete(id, v)
	}
}

func newRoomCode() string {
	buf := make([]byte, roomCodeLen)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	code := make([]byte, roomCodeLen)
	for i, b := range buf {
		code[i] = roomCodeAlphabet[int(b)%len(roomCodeAlphabet)]
	}
	return string(code)
}
