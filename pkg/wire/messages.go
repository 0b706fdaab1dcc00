// Package wire defines the message vocabulary shared by the websocket
// transport and the match coordinator: intent names sent by clients,
// event names emitted to rooms, and their payload shapes.
package wire

import (
	"encoding/json"
	"time"
)

// Client intents.
const (
	IntentInitGame          = "init_game"
	IntentCreatePrivateGame = "create_private_game"
	IntentJoinRoom          = "join_room"
	IntentMove              = "move"
	IntentChatMessage       = "chat_message"
	IntentExitGame          = "exit_game"
	IntentCancelSearch      = "cancel_search"
	IntentFindActiveGames   = "find_active_games"
)

// Server events.
const (
	EventGameAdded          = "game_added"
	EventPrivateGameAdded   = "private_game_added"
	EventInitGame           = "init_game"
	EventGameJoined         = "game_joined"
	EventGameEnded          = "game_ended"
	EventGameNotFound       = "game_not_found"
	EventGameAlert          = "game_alert"
	EventInvalidMove        = "invalid_move"
	EventMove               = "move"
	EventBoardState         = "board_state"
	EventPlayerDisconnected = "player_disconnected"
	EventPlayerReconnected  = "player_reconnected"
	EventNewChatMessage     = "new_chat_message"
	EventSearchCancelled    = "search_cancelled"
	EventActiveGameFound    = "active_game_found"
	EventNoActiveGameFound  = "no_active_game_found"
)

// Envelope is the (type, payload) frame exchanged on the socket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MoveRequest is a from/to square pair in algebraic coordinates ("e2", "e4")
// with an optional promotion piece letter. A pawn reaching the last rank
// with no promotion given is promoted to a queen.
type MoveRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// Intent payloads.
type (
	JoinRoomPayload struct {
		GameID string `json:"gameId"`
	}

	MovePayload struct {
		GameID string      `json:"gameId"`
		Move   MoveRequest `json:"move"`
	}

	ChatPayload struct {
		GameID string `json:"gameId"`
		Text   string `json:"text"`
	}

	ExitPayload struct {
		GameID string `json:"gameId"`
	}
)

// PlayerInfo identifies one side of a match in event payloads.
type PlayerInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Rating   int    `json:"rating,omitempty"`
}

// MoveInfo is one entry of the move log as broadcast to clients.
type MoveInfo struct {
	MoveNumber int       `json:"moveNumber"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	SAN        string    `json:"san"`
	Before     string    `json:"before"`
	After      string    `json:"after"`
	TimeTaken  int64     `json:"timeTaken"`
	PlayedAt   time.Time `json:"playedAt"`
}

// ChatMessage is a persisted and broadcast chat entry.
type ChatMessage struct {
	SenderID       string    `json:"senderId"`
	SenderUsername string    `json:"senderUsername"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
}

// Event payloads.
type (
	AlertPayload struct {
		Message string `json:"message"`
	}

	GameAddedPayload struct {
		GameID  string `json:"gameId"`
		Message string `json:"message"`
	}

	InitGamePayload struct {
		GameID              string     `json:"gameId"`
		WhitePlayer         PlayerInfo `json:"whitePlayer"`
		BlackPlayer         PlayerInfo `json:"blackPlayer"`
		FEN                 string     `json:"fen"`
		Moves               []MoveInfo `json:"moves"`
		WhiteTimeConsumedMs int64      `json:"player1TimeConsumed"`
		BlackTimeConsumedMs int64      `json:"player2TimeConsumed"`
	}

	MoveAppliedPayload struct {
		Move                MoveInfo `json:"move"`
		WhiteTimeConsumedMs int64    `json:"player1TimeConsumed"`
		BlackTimeConsumedMs int64    `json:"player2TimeConsumed"`
	}

	BoardStatePayload struct {
		FEN string `json:"fen"`
	}

	InvalidMovePayload struct {
		Message string      `json:"message"`
		Move    MoveRequest `json:"move"`
	}

	GameJoinedPayload struct {
		GameID              string        `json:"gameId"`
		FEN                 string        `json:"fen"`
		Moves               []MoveInfo    `json:"moves"`
		WhitePlayer         PlayerInfo    `json:"whitePlayer"`
		BlackPlayer         PlayerInfo    `json:"blackPlayer"`
		WhiteTimeConsumedMs int64         `json:"player1TimeConsumed"`
		BlackTimeConsumedMs int64         `json:"player2TimeConsumed"`
		ChatHistory         []ChatMessage `json:"chatHistory"`
	}

	GameEndedPayload struct {
		Result      string     `json:"result"`
		Status      string     `json:"status"`
		Moves       []MoveInfo `json:"moves"`
		WhitePlayer PlayerInfo `json:"whitePlayer"`
		BlackPlayer PlayerInfo `json:"blackPlayer"`
	}

	PlayerPresencePayload struct {
		UserID  string `json:"userId"`
		Message string `json:"message"`
	}

	ActiveGameFoundPayload struct {
		GameID  string `json:"gameId"`
		Message string `json:"message"`
	}
)
