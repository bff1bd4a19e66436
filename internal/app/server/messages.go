package server

import "github.com/reversi-one/reversi-server/internal/game"

// Client to server message types.
const (
	msgJoinRoom       = "JOIN_ROOM"
	msgMakeMove       = "MAKE_MOVE"
	msgLeaveRoom      = "LEAVE_ROOM"
	msgRematchRequest = "REMATCH_REQUEST"
	msgQuickMatch     = "QUICK_MATCH"
	msgPing           = "PING"
)

// Server to client message types.
const (
	msgRoomJoined           = "ROOM_JOINED"
	msgWaitingForOpponent   = "WAITING_FOR_OPPONENT"
	msgGameStart            = "GAME_START"
	msgMoveMade             = "MOVE_MADE"
	msgInvalidMove          = "INVALID_MOVE"
	msgOpponentDisconnected = "OPPONENT_DISCONNECTED"
	msgOpponentReconnected  = "OPPONENT_RECONNECTED"
	msgOpponentLeft         = "OPPONENT_LEFT"
	msgOpponentForfeited    = "OPPONENT_FORFEITED"
	msgGameOver             = "GAME_OVER"
	msgTurnTimeout          = "TURN_TIMEOUT"
	msgRematchRequested     = "REMATCH_REQUESTED"
	msgRematchAccepted      = "REMATCH_ACCEPTED"
	msgMatched              = "MATCHED"
	msgRatingUpdate         = "RATING_UPDATE"
	msgPenaltyActive        = "PENALTY_ACTIVE"
	msgError                = "ERROR"
	msgPong                 = "PONG"
)

// clientMessage covers every inbound shape; unused fields stay empty.
type clientMessage struct {
	Type     string         `json:"type"`
	RoomID   string         `json:"roomId,omitempty"`
	Nickname string         `json:"nickname,omitempty"`
	Token    string         `json:"token,omitempty"`
	Position *game.Position `json:"position,omitempty"`
}

type playerInfo struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
}

type roomPlayers struct {
	Black *playerInfo `json:"black"`
	White *playerInfo `json:"white"`
}

// roomState is the authoritative snapshot broadcast with every transition.
// Timestamps are Unix milliseconds; serverTime lets clients correct for
// clock skew when rendering the turn timer.
type roomState struct {
	RoomID        string      `json:"roomId"`
	Status        string      `json:"status"`
	Players       roomPlayers `json:"players"`
	Board         game.Board  `json:"board"`
	CurrentPlayer game.Color  `json:"currentPlayer"`
	Scores        game.Scores `json:"scores"`
	IsGameOver    bool        `json:"isGameOver"`
	Winner        game.Winner `json:"winner"`
	TurnTimer     int64       `json:"turnTimer"`
	TurnStartedAt int64       `json:"turnStartedAt"`
	ServerTime    int64       `json:"serverTime"`
}

type typeOnlyMsg struct {
	Type string `json:"type"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type roomJoinedMsg struct {
	Type   string     `json:"type"`
	RoomID string     `json:"roomId"`
	Color  game.Color `json:"color"`
}

type gameStartMsg struct {
	Type      string     `json:"type"`
	State     roomState  `json:"state"`
	YourColor game.Color `json:"yourColor"`
}

type moveMadeMsg struct {
	Type     string        `json:"type"`
	Position game.Position `json:"position"`
	State    roomState     `json:"state"`
}

type invalidMoveMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type opponentDisconnectedMsg struct {
	Type              string `json:"type"`
	ReconnectDeadline int64  `json:"reconnectDeadline"`
}

type opponentForfeitedMsg struct {
	Type   string     `json:"type"`
	Winner game.Color `json:"winner"`
	State  roomState  `json:"state"`
}

type gameOverMsg struct {
	Type  string    `json:"type"`
	State roomState `json:"state"`
}

type turnTimeoutMsg struct {
	Type  string    `json:"type"`
	State roomState `json:"state"`
}

type rematchAcceptedMsg struct {
	Type      string     `json:"type"`
	State     roomState  `json:"state"`
	YourColor game.Color `json:"yourColor"`
}

type matchedMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type ratingUpdateMsg struct {
	Type           string `json:"type"`
	Rating         int    `json:"rating"`
	Delta          int    `json:"delta"`
	RatingBefore   int    `json:"ratingBefore"`
	OpponentRating int    `json:"opponentRating"`
}

type penaltyActiveMsg struct {
	Type          string `json:"type"`
	CooldownUntil int64  `json:"cooldownUntil"`
}
