package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reversi-one/reversi-server/internal/game"
	"github.com/reversi-one/reversi-server/internal/ledger"
	"github.com/reversi-one/reversi-server/internal/storage"
	"github.com/reversi-one/reversi-server/pkg/logging"
)

const (
	statusWaiting  = "waiting"
	statusPlaying  = "playing"
	statusFinished = "finished"

	storeTimeout  = 2 * time.Second
	ledgerTimeout = 2 * time.Second
)

func roomKey(id string) string {
	return "room:" + id
}

// playerSlot is the durable identity bound to a color. The token never goes
// on the wire; clients only see id and nickname.
type playerSlot struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Token    string `json:"token,omitempty"`
}

type disconnectedRecord struct {
	Color    game.Color `json:"color"`
	Nickname string     `json:"nickname"`
	Token    string     `json:"token,omitempty"`
	Deadline int64      `json:"reconnectDeadline"`
}

// roomRecord is the durable form of a room. It is written synchronously on
// every state-producing transition so a revived room behaves identically to
// one that never went away.
type roomRecord struct {
	Status       string                        `json:"status"`
	Black        *playerSlot                   `json:"black"`
	White        *playerSlot                   `json:"white"`
	Game         *game.State                   `json:"game,omitempty"`
	TurnDeadline int64                         `json:"turnDeadline,omitempty"`
	Disconnected map[string]disconnectedRecord `json:"disconnected,omitempty"`
	RematchVotes []string                      `json:"rematchVotes,omitempty"`
}

// Room owns one game session. All state lives behind a single goroutine
// consuming cmds, so every mutation is strictly sequential. One timer is the
// deferred-wake slot shared by the turn deadline and every reconnect grace
// deadline; it is always rescheduled to the nearest one.
type Room struct {
	id  string
	cfg Config

	store     *storage.Client
	ratings   *ledger.RatingLedger
	penalties *ledger.PenaltyLedger

	cmds   chan func()
	mu     sync.Mutex
	closed bool

	sessions     map[*session]struct{}
	black        *playerSlot
	white        *playerSlot
	state        *game.State
	turnDeadline time.Time
	disconnected map[string]disconnectedRecord
	rematchVotes map[string]struct{}

	timer   *time.Timer
	now     func() time.Time
	onEmpty func(roomID string)
}

func newRoom(
	id string,
	store *storage.Client,
	ratings *ledger.RatingLedger,
	penalties *ledger.PenaltyLedger,
	cfg Config,
	onEmpty func(string),
) *Room {
	return &Room{
		id:           id,
		cfg:          cfg,
		store:        store,
		ratings:      ratings,
		penalties:    penalties,
		cmds:         make(chan func(), 64),
		sessions:     make(map[*session]struct{}),
		disconnected: make(map[string]disconnectedRecord),
		rematchVotes: make(map[string]struct{}),
		now:          time.Now,
		onEmpty:      onEmpty,
	}
}

func (r *Room) run() {
	for fn := range r.cmds {
		fn()
	}
}

// post never blocks while holding the lock: a full buffer drops the command
// instead of wedging against the actor goroutine. The rate limiter keeps the
// buffer from filling in practice.
func (r *Room) post(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.cmds <- fn:
		return true
	default:
		logging.Warn("room command dropped", zap.String("room_id", r.id))
		return false
	}
}

func (r *Room) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// discard marks a room that lost the registration race as dead without
// touching its storage.
func (r *Room) discard() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
}

func (r *Room) Join(s *session, nickname, token string) {
	r.post(func() { r.handleJoin(s, nickname, token) })
}

func (r *Room) Move(s *session, pos game.Position) {
	r.post(func() { r.handleMove(s, pos) })
}

func (r *Room) Leave(s *session) {
	r.post(func() { r.handleLeave(s) })
}

func (r *Room) Rematch(s *session) {
	r.post(func() { r.handleRematch(s) })
}

func (r *Room) Disconnect(s *session) {
	r.post(func() { r.handleDisconnect(s) })
}

func (r *Room) status() string {
	switch {
	case r.state == nil:
		return statusWaiting
	case r.state.IsGameOver:
		return statusFinished
	default:
		return statusPlaying
	}
}

func infoFor(slot *playerSlot) *playerInfo {
	if slot == nil {
		return nil
	}
	return &playerInfo{ID: slot.ID, Nickname: slot.Nickname}
}

func (r *Room) snapshot() roomState {
	now := r.now()
	st := game.NewState()
	if r.state != nil {
		st = *r.state
	}
	turnStarted := now
	if !r.turnDeadline.IsZero() {
		turnStarted = r.turnDeadline.Add(-r.cfg.TurnTimeout)
	}
	return roomState{
		RoomID:        r.id,
		Status:        r.status(),
		Players:       roomPlayers{Black: infoFor(r.black), White: infoFor(r.white)},
		Board:         st.Board,
		CurrentPlayer: st.CurrentPlayer,
		Scores:        st.Scores,
		IsGameOver:    st.IsGameOver,
		Winner:        st.Winner,
		TurnTimer:     r.cfg.TurnTimeout.Milliseconds(),
		TurnStartedAt: turnStarted.UnixMilli(),
		ServerTime:    now.UnixMilli(),
	}
}

func (r *Room) broadcast(msg any, exclude *session) {
	for s := range r.sessions {
		if s != exclude {
			s.send(msg)
		}
	}
}

func (r *Room) persist() {
	rec := roomRecord{
		Status:       r.status(),
		Black:        r.black,
		White:        r.white,
		Game:         r.state,
		Disconnected: r.disconnected,
	}
	if !r.turnDeadline.IsZero() {
		rec.TurnDeadline = r.turnDeadline.UnixMilli()
	}
	for id := range r.rematchVotes {
		rec.RematchVotes = append(rec.RematchVotes, id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.PutJSON(ctx, roomKey(r.id), rec); err != nil {
		logging.Error("failed to persist room", zap.String("room_id", r.id), zap.Error(err))
	}
}

// hydrate rebuilds the room from durable state. A revived room has no live
// connections, so any color not already under a grace window gets one; its
// player can then resume after a process restart like after any disconnect.
func (r *Room) hydrate(ctx context.Context) error {
	var rec roomRecord
	found, err := r.store.GetJSON(ctx, roomKey(r.id), &rec)
	if err != nil || !found {
		return err
	}

	r.black, r.white = rec.Black, rec.White
	r.state = rec.Game
	if rec.TurnDeadline > 0 {
		r.turnDeadline = time.UnixMilli(rec.TurnDeadline)
	}
	if rec.Disconnected != nil {
		r.disconnected = rec.Disconnected
	}
	for _, id := range rec.RematchVotes {
		r.rematchVotes[id] = struct{}{}
	}

	if r.state != nil && !r.state.IsGameOver {
		deadline := r.now().Add(r.cfg.ReconnectGrace).UnixMilli()
		synthesized := false
		slots := map[game.Color]*playerSlot{game.Black: r.black, game.White: r.white}
		for color, slot := range slots {
			if slot == nil {
				continue
			}
			if _, ok := r.disconnected[slot.ID]; ok {
				continue
			}
			r.disconnected[slot.ID] = disconnectedRecord{
				Color:    color,
				Nickname: slot.Nickname,
				Token:    slot.Token,
				Deadline: deadline,
			}
			synthesized = true
		}
		if synthesized {
			r.persist()
		}
	}

	r.reschedule()
	logging.Info("room restored", zap.String("room_id", r.id), zap.String("status", r.status()))
	return nil
}

// reschedule points the single wake slot at the minimum pending deadline,
// or disarms it when nothing is due.
func (r *Room) reschedule() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}

	var next time.Time
	if r.state != nil && !r.state.IsGameOver {
		next = r.turnDeadline
	}
	for _, rec := range r.disconnected {
		d := time.UnixMilli(rec.Deadline)
		if next.IsZero() || d.Before(next) {
			next = d
		}
	}
	if next.IsZero() {
		return
	}

	delay := next.Sub(r.now())
	if delay < 0 {
		delay = 0
	}
	r.timer = time.AfterFunc(delay, func() {
		r.post(r.handleWake)
	})
}

// handleWake re-derives everything due right now instead of trusting that
// the wake fired for exactly one cause; a stale wake finds nothing to do.
func (r *Room) handleWake() {
	nowMs := r.now().UnixMilli()

	for id, rec := range r.disconnected {
		if nowMs < rec.Deadline {
			continue
		}
		if r.state != nil && !r.state.IsGameOver {
			r.forfeit(id, rec.Color, rec.Token)
		} else {
			delete(r.disconnected, id)
			r.persist()
		}
	}

	if r.state != nil && !r.state.IsGameOver &&
		!r.turnDeadline.IsZero() && nowMs >= r.turnDeadline.UnixMilli() {
		r.handleTurnTimeout()
	}

	r.reschedule()
	r.maybeClose()
}

func (r *Room) handleJoin(s *session, nickname, token string) {
	if n := sanitizeNickname(nickname); n != "" {
		s.nickname = n
	}
	if validToken(clampToken(token)) {
		s.token = clampToken(token)
		s.identity = s.token
	}

	if _, ok := r.sessions[s]; ok && s.color != "" {
		s.send(roomJoinedMsg{Type: msgRoomJoined, RoomID: r.id, Color: s.color})
		return
	}

	// Reconnection: the presented token matches an unexpired grace record.
	// If the wake fired first the record is gone and the forfeit stands.
	if s.token != "" {
		for id, rec := range r.disconnected {
			if rec.Token != s.token || r.now().UnixMilli() >= rec.Deadline {
				continue
			}
			delete(r.disconnected, id)
			s.identity = id
			s.color = rec.Color
			if nickname == "" {
				s.nickname = rec.Nickname
			}
			r.sessions[s] = struct{}{}
			r.persist()
			r.reschedule()

			s.send(roomJoinedMsg{Type: msgRoomJoined, RoomID: r.id, Color: s.color})
			if r.state != nil {
				s.send(gameStartMsg{Type: msgGameStart, State: r.snapshot(), YourColor: s.color})
			}
			r.broadcast(typeOnlyMsg{Type: msgOpponentReconnected}, s)
			logging.Info("player reconnected",
				zap.String("room_id", r.id),
				zap.String("color", string(s.color)),
			)
			return
		}
	}

	// Penalized identities are refused before a color is issued.
	if s.token != "" {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
		p, err := r.penalties.Check(ctx, s.token)
		cancel()
		if err != nil {
			logging.Warn("penalty check failed", zap.String("room_id", r.id), zap.Error(err))
		} else if !p.Allowed {
			s.send(penaltyActiveMsg{Type: msgPenaltyActive, CooldownUntil: p.CooldownUntil})
			return
		}
	}

	// One token, one seat: a second connection presenting a seated token
	// would otherwise face itself and collide on its grace record.
	if s.token != "" {
		if (r.black != nil && r.black.Token == s.token) ||
			(r.white != nil && r.white.Token == s.token) {
			s.sendError(reasonAlreadySeated)
			return
		}
	}

	switch {
	case r.black == nil:
		s.color = game.Black
		r.black = &playerSlot{ID: s.identity, Nickname: s.nickname, Token: s.token}
	case r.white == nil:
		s.color = game.White
		r.white = &playerSlot{ID: s.identity, Nickname: s.nickname, Token: s.token}
	default:
		s.sendError(reasonRoomFull)
		return
	}
	r.sessions[s] = struct{}{}

	s.send(roomJoinedMsg{Type: msgRoomJoined, RoomID: r.id, Color: s.color})

	if r.black != nil && r.white != nil && r.state == nil {
		r.startGame()
	} else {
		r.persist()
		s.send(typeOnlyMsg{Type: msgWaitingForOpponent})
	}
}

func (r *Room) startGame() {
	st := game.NewState()
	r.state = &st
	r.rematchVotes = make(map[string]struct{})
	r.turnDeadline = r.now().Add(r.cfg.TurnTimeout)
	r.persist()

	snap := r.snapshot()
	for s := range r.sessions {
		if s.color != "" {
			s.send(gameStartMsg{Type: msgGameStart, State: snap, YourColor: s.color})
		}
	}
	r.reschedule()
	logging.Info("game started", zap.String("room_id", r.id))
}

func (r *Room) handleMove(s *session, pos game.Position) {
	if r.state == nil {
		s.sendError(reasonGameNotStarted)
		return
	}
	if r.state.IsGameOver {
		s.send(invalidMoveMsg{Type: msgInvalidMove, Reason: reasonGameFinished})
		return
	}
	if s.color == "" || s.color != r.state.CurrentPlayer {
		s.send(invalidMoveMsg{Type: msgInvalidMove, Reason: reasonNotYourTurn})
		return
	}

	next, ok := game.Apply(*r.state, pos)
	if !ok {
		s.send(invalidMoveMsg{Type: msgInvalidMove, Reason: reasonInvalidPosition})
		return
	}

	r.state = &next
	if next.IsGameOver {
		r.turnDeadline = time.Time{}
	} else {
		r.turnDeadline = r.now().Add(r.cfg.TurnTimeout)
	}
	r.persist()

	snap := r.snapshot()
	r.broadcast(moveMadeMsg{Type: msgMoveMade, Position: pos, State: snap}, nil)
	if next.IsGameOver {
		r.broadcast(gameOverMsg{Type: msgGameOver, State: snap}, nil)
		r.settleRatings(next.Winner)
		logging.Info("game over",
			zap.String("room_id", r.id),
			zap.String("winner", string(next.Winner)),
		)
	}
	r.reschedule()
}

// handleTurnTimeout forces a pass, never a loss: legal moves are re-derived
// from the current board because the timeout may coincide with a forced-pass
// position.
func (r *Room) handleTurnTimeout() {
	st := *r.state
	mover := st.CurrentPlayer
	other := game.Opponent(mover)
	moverCan := game.HasAnyValidMove(st.Board, mover)
	otherCan := game.HasAnyValidMove(st.Board, other)

	switch {
	case !moverCan && !otherCan:
		st.IsGameOver = true
		st.Winner = game.WinnerByCount(st.Board)
		r.state = &st
		r.turnDeadline = time.Time{}
		r.persist()
		snap := r.snapshot()
		r.broadcast(turnTimeoutMsg{Type: msgTurnTimeout, State: snap}, nil)
		r.broadcast(gameOverMsg{Type: msgGameOver, State: snap}, nil)
		r.settleRatings(st.Winner)
	case otherCan:
		st.CurrentPlayer = other
		r.state = &st
		r.turnDeadline = r.now().Add(r.cfg.TurnTimeout)
		r.persist()
		r.broadcast(turnTimeoutMsg{Type: msgTurnTimeout, State: r.snapshot()}, nil)
	default:
		// Only the timed-out player can act; their clock restarts.
		r.turnDeadline = r.now().Add(r.cfg.TurnTimeout)
		r.persist()
		r.broadcast(turnTimeoutMsg{Type: msgTurnTimeout, State: r.snapshot()}, nil)
	}
	logging.Info("turn timed out", zap.String("room_id", r.id), zap.String("mover", string(mover)))
}

func (r *Room) handleRematch(s *session) {
	if r.state == nil || !r.state.IsGameOver {
		s.sendError(reasonNoFinishedGame)
		return
	}
	if s.color == "" {
		s.sendError(reasonNotAPlayer)
		return
	}

	r.rematchVotes[s.identity] = struct{}{}

	if r.black != nil && r.white != nil {
		_, blackVoted := r.rematchVotes[r.black.ID]
		_, whiteVoted := r.rematchVotes[r.white.ID]
		if blackVoted && whiteVoted {
			r.black, r.white = r.white, r.black
			for sess := range r.sessions {
				if sess.color != "" {
					sess.color = game.Opponent(sess.color)
				}
			}

			st := game.NewState()
			r.state = &st
			r.rematchVotes = make(map[string]struct{})
			r.turnDeadline = r.now().Add(r.cfg.TurnTimeout)
			r.persist()

			snap := r.snapshot()
			for sess := range r.sessions {
				if sess.color != "" {
					sess.send(rematchAcceptedMsg{Type: msgRematchAccepted, State: snap, YourColor: sess.color})
				}
			}
			r.reschedule()
			logging.Info("rematch started", zap.String("room_id", r.id))
			return
		}
	}

	r.persist()
	r.broadcast(typeOnlyMsg{Type: msgRematchRequested}, s)
}

// releaseSeat frees a departing player's color when no running game holds
// it, so the next joiner can take the seat instead of facing a ghost.
func (r *Room) releaseSeat(s *session) {
	if r.black != nil && r.black.ID == s.identity {
		r.black = nil
	}
	if r.white != nil && r.white.ID == s.identity {
		r.white = nil
	}
	delete(r.rematchVotes, s.identity)
	s.color = ""
	r.persist()
}

// handleLeave is a voluntary departure. Mid-game it forfeits immediately;
// there is no grace window for a player who chose to go.
func (r *Room) handleLeave(s *session) {
	if s.color != "" && r.state != nil && !r.state.IsGameOver {
		r.forfeit(s.identity, s.color, s.token)
	} else if s.color != "" {
		r.releaseSeat(s)
		r.broadcast(typeOnlyMsg{Type: msgOpponentLeft}, s)
	}
	s.color = ""
	s.close()
}

// handleDisconnect is an involuntary drop. Mid-game the player keeps their
// color behind a durable grace record and the wake decides the forfeit;
// outside a running game the seat is simply freed.
func (r *Room) handleDisconnect(s *session) {
	if _, ok := r.sessions[s]; !ok {
		return
	}
	delete(r.sessions, s)

	if s.color != "" && r.state != nil && !r.state.IsGameOver {
		deadline := r.now().Add(r.cfg.ReconnectGrace)
		r.disconnected[s.identity] = disconnectedRecord{
			Color:    s.color,
			Nickname: s.nickname,
			Token:    s.token,
			Deadline: deadline.UnixMilli(),
		}
		r.persist()
		r.broadcast(opponentDisconnectedMsg{
			Type:              msgOpponentDisconnected,
			ReconnectDeadline: deadline.UnixMilli(),
		}, s)
		r.reschedule()
		logging.Info("player disconnected",
			zap.String("room_id", r.id),
			zap.String("color", string(s.color)),
		)
	} else if s.color != "" {
		r.releaseSeat(s)
		r.broadcast(typeOnlyMsg{Type: msgOpponentLeft}, s)
	}

	r.maybeClose()
}

func (r *Room) forfeit(identity string, color game.Color, token string) {
	winner := game.Opponent(color)
	st := *r.state
	st.IsGameOver = true
	st.Winner = game.Winner(winner)
	r.state = &st
	r.turnDeadline = time.Time{}
	delete(r.disconnected, identity)
	r.persist()

	snap := r.snapshot()
	r.broadcast(opponentForfeitedMsg{Type: msgOpponentForfeited, Winner: winner, State: snap}, nil)

	if token != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
			defer cancel()
			if err := r.penalties.Record(ctx, token); err != nil {
				logging.Error("penalty record failed", zap.String("room_id", r.id), zap.Error(err))
			}
		}()
	}
	r.settleRatings(st.Winner)
	r.reschedule()
	logging.Info("player forfeited",
		zap.String("room_id", r.id),
		zap.String("color", string(color)),
	)
}

// settleRatings fires the Elo update off the room's own transition, which is
// already durable; a ledger failure is logged and otherwise swallowed.
func (r *Room) settleRatings(winner game.Winner) {
	if r.black == nil || r.white == nil {
		return
	}
	blackToken, whiteToken := r.black.Token, r.white.Token
	if blackToken == "" || whiteToken == "" {
		return // anonymous games are unrated
	}
	blackNick, whiteNick := r.black.Nickname, r.white.Nickname

	winToken, loseToken := blackToken, whiteToken
	if winner == game.Winner(game.White) {
		winToken, loseToken = whiteToken, blackToken
	}
	draw := winner == game.TieGame

	var blackSess, whiteSess *session
	for s := range r.sessions {
		switch s.color {
		case game.Black:
			blackSess = s
		case game.White:
			whiteSess = s
		}
	}

	roomID := r.id
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
		defer cancel()

		update, err := r.ratings.RecordResult(ctx, winToken, loseToken, draw)
		if err != nil {
			logging.Error("rating update failed", zap.String("room_id", roomID), zap.Error(err))
			return
		}
		if err := r.ratings.SetNickname(ctx, blackToken, blackNick); err != nil {
			logging.Warn("nickname cache update failed", zap.Error(err))
		}
		if err := r.ratings.SetNickname(ctx, whiteToken, whiteNick); err != nil {
			logging.Warn("nickname cache update failed", zap.Error(err))
		}

		changes := map[string]ledger.RatingChange{
			update.Winner.Token: update.Winner,
			update.Loser.Token:  update.Loser,
		}
		if blackSess != nil {
			sendRatingUpdate(blackSess, changes[blackToken], changes[whiteToken])
		}
		if whiteSess != nil {
			sendRatingUpdate(whiteSess, changes[whiteToken], changes[blackToken])
		}
	}()
}

func sendRatingUpdate(s *session, own, opponent ledger.RatingChange) {
	s.send(ratingUpdateMsg{
		Type:           msgRatingUpdate,
		Rating:         own.After.Rating,
		Delta:          own.Delta(),
		RatingBefore:   own.Before.Rating,
		OpponentRating: opponent.After.Rating,
	})
}

// maybeClose evicts the room once nobody is connected and no wake-driven
// deadline can still change the outcome. The durable record stays in
// storage; a later join rehydrates it.
func (r *Room) maybeClose() {
	if len(r.sessions) > 0 {
		return
	}
	if r.state != nil && !r.state.IsGameOver {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
	}
	close(r.cmds)
	if r.onEmpty != nil {
		r.onEmpty(r.id)
	}
	logging.Info("room evicted", zap.String("room_id", r.id))
}
