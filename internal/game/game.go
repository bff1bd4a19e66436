// Package game implements the reversi rules as pure functions so the same
// engine can back server-side validation without any shared state.
package game

import "encoding/json"

const BoardSize = 8

type (
	Color string
	Cell  string
)

const (
	Black Color = "black"
	White Color = "white"

	CellEmpty Cell = "empty"
	CellBlack Cell = "black"
	CellWhite Cell = "white"
)

// Winner is "black", "white", "tie" or empty (serialized as null) while the
// game is still running.
type Winner string

const TieGame Winner = "tie"

func (w Winner) MarshalJSON() ([]byte, error) {
	if w == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(w))
}

func (w *Winner) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*w = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*w = Winner(s)
	return nil
}

type Position struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

type Board [BoardSize][BoardSize]Cell

type Scores struct {
	Black int `json:"black"`
	White int `json:"white"`
}

type State struct {
	Board         Board  `json:"board"`
	CurrentPlayer Color  `json:"currentPlayer"`
	Scores        Scores `json:"scores"`
	IsGameOver    bool   `json:"isGameOver"`
	Winner        Winner `json:"winner"`
}

var directions = [8][2]int{
	{-1, -1}, {-1, 0}, {-1, 1},
	{0, -1}, {0, 1},
	{1, -1}, {1, 0}, {1, 1},
}

func Opponent(c Color) Color {
	if c == Black {
		return White
	}
	return Black
}

func cellOf(c Color) Cell {
	return Cell(c)
}

func NewBoard() Board {
	var b Board
	for row := range b {
		for col := range b[row] {
			b[row][col] = CellEmpty
		}
	}
	mid := BoardSize / 2
	b[mid-1][mid-1] = CellWhite
	b[mid-1][mid] = CellBlack
	b[mid][mid-1] = CellBlack
	b[mid][mid] = CellWhite
	return b
}

func NewState() State {
	board := NewBoard()
	return State{
		Board:         board,
		CurrentPlayer: Black,
		Scores:        CountPieces(board),
	}
}

// InBounds reports whether the position names a cell on the board.
func (pos Position) InBounds() bool {
	return pos.Row >= 0 && pos.Row < BoardSize && pos.Col >= 0 && pos.Col < BoardSize
}

func inBounds(pos Position) bool {
	return pos.InBounds()
}

// flipsInDirection walks from pos along (dRow, dCol) and returns the run of
// opponent pieces closed off by a same-color piece, or nil.
func flipsInDirection(b Board, pos Position, dRow, dCol int, player Color) []Position {
	opponent := cellOf(Opponent(player))
	var flips []Position
	cur := Position{Row: pos.Row + dRow, Col: pos.Col + dCol}
	for inBounds(cur) {
		switch b[cur.Row][cur.Col] {
		case opponent:
			flips = append(flips, cur)
		case cellOf(player):
			return flips
		default:
			return nil
		}
		cur = Position{Row: cur.Row + dRow, Col: cur.Col + dCol}
	}
	return nil
}

func allFlips(b Board, pos Position, player Color) []Position {
	var flips []Position
	for _, d := range directions {
		flips = append(flips, flipsInDirection(b, pos, d[0], d[1], player)...)
	}
	return flips
}

func IsValidMove(b Board, pos Position, player Color) bool {
	if !inBounds(pos) {
		return false
	}
	if b[pos.Row][pos.Col] != CellEmpty {
		return false
	}
	return len(allFlips(b, pos, player)) > 0
}

func ValidMoves(b Board, player Color) []Position {
	var moves []Position
	for row := 0; row < BoardSize; row++ {
		for col := 0; col < BoardSize; col++ {
			pos := Position{Row: row, Col: col}
			if IsValidMove(b, pos, player) {
				moves = append(moves, pos)
			}
		}
	}
	return moves
}

func HasAnyValidMove(b Board, player Color) bool {
	for row := 0; row < BoardSize; row++ {
		for col := 0; col < BoardSize; col++ {
			if IsValidMove(b, Position{Row: row, Col: col}, player) {
				return true
			}
		}
	}
	return false
}

func CountPieces(b Board) Scores {
	var s Scores
	for _, row := range b {
		for _, cell := range row {
			switch cell {
			case CellBlack:
				s.Black++
			case CellWhite:
				s.White++
			}
		}
	}
	return s
}

// WinnerByCount declares the side with strictly more pieces the winner.
func WinnerByCount(b Board) Winner {
	s := CountPieces(b)
	switch {
	case s.Black > s.White:
		return Winner(Black)
	case s.White > s.Black:
		return Winner(White)
	default:
		return TieGame
	}
}

// Apply places the current player's piece at pos and flips every closed run.
// It reports false and returns the state unchanged for an invalid move.
// The turn passes to the opponent unless they have no legal reply, in which
// case the mover keeps the turn; with no moves for either side the game ends.
func Apply(s State, pos Position) (State, bool) {
	if s.IsGameOver || !IsValidMove(s.Board, pos, s.CurrentPlayer) {
		return s, false
	}

	board := s.Board
	flips := allFlips(board, pos, s.CurrentPlayer)
	board[pos.Row][pos.Col] = cellOf(s.CurrentPlayer)
	for _, f := range flips {
		board[f.Row][f.Col] = cellOf(s.CurrentPlayer)
	}

	opponent := Opponent(s.CurrentPlayer)
	next := State{
		Board:         board,
		CurrentPlayer: opponent,
		Scores:        CountPieces(board),
	}
	opponentCanMove := HasAnyValidMove(board, opponent)
	if !opponentCanMove {
		if HasAnyValidMove(board, s.CurrentPlayer) {
			next.CurrentPlayer = s.CurrentPlayer
		} else {
			next.IsGameOver = true
			next.Winner = WinnerByCount(board)
		}
	}
	return next, true
}
