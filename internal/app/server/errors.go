package server

// Client-visible rejection reasons.
const (
	reasonRoomFull        = "Room is full"
	reasonGameNotStarted  = "Game not started"
	reasonGameFinished    = "Game already finished"
	reasonNotYourTurn     = "Not your turn"
	reasonInvalidPosition = "Invalid position"
	reasonInvalidFormat   = "Invalid message format"
	reasonUnknownType     = "Unknown message type"
	reasonTooLarge        = "Message too large"
	reasonTooMany         = "Too many messages"
	reasonNotAPlayer      = "Not a player in this room"
	reasonAlreadySeated   = "Already in this room"
	reasonNoFinishedGame  = "No finished game to rematch"
)
