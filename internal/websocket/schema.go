package websocket

import "time"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave Action = "autosave"
	ActionSubmit   Action = "submit"
	ActionPing     Action = "ping"
)

// Request is one client message. Answers is used by autosave and submit;
// Reason only by submit.
type Request struct {
	Action  Action            `json:"action"`
	Answers map[string]string `json:"answers,omitempty"`
	Reason  string            `json:"reason,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError  Event = "error"
	EventSaved  Event = "saved"
	EventGraded Event = "graded"
	EventPong   Event = "pong"
)

type SavedResponse struct {
	Event   Event     `json:"event"`
	SavedAt time.Time `json:"saved_at"`
}

type GradedResponse struct {
	Event      Event   `json:"event"`
	Status     string  `json:"status"`
	Score      int     `json:"score"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// ErrorResponse carries the same code an HTTP client would see. Result is
// set only for ALREADY_SUBMITTED and holds the score recorded the first time.
type ErrorResponse struct {
	Event  Event           `json:"event"`
	Code   string          `json:"code"`
	Error  string          `json:"error"`
	Result *GradedResponse `json:"result,omitempty"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
