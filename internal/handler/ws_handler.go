package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/middleware"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/response"
	"github.com/stemsi/exstem-cbt/internal/service"
	ws "github.com/stemsi/exstem-cbt/internal/websocket"
)

// maxStreamAnswers mirrors the HTTP autosave limit.
const maxStreamAnswers = 500

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler handles the WebSocket exam stream.
type WSHandler struct {
	sessionService *service.ExamSessionService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessionService *service.ExamSessionService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessionService: sessionService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// ExamWebSocketStream godoc
// WS /ws/v1/student/exams/:subject/stream?token=
// Upgrades to WebSocket for autosave and submit over one connection. Every
// action runs through the same engine operations as the HTTP routes.
func (h *WSHandler) ExamWebSocketStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	key := model.SessionKey{StudentID: claims.UserID, Subject: model.NormalizeCode(c.Param("subject"))}
	if key.Subject == "" {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(ws.MaxMessageSize)

	wsLog := h.log.With().
		Int("student_id", key.StudentID).
		Str("subject", key.Subject).
		Logger()

	wsLog.Info().Msg("Student connected")

	ctx := c.Request.Context()
	for {
		var msg ws.Request
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		var done bool
		switch msg.Action {
		case ws.ActionAutosave:
			err = h.handleAutosave(ctx, conn, key, &msg)
		case ws.ActionSubmit:
			done, err = h.handleSubmit(ctx, conn, wsLog, key, &msg)
		case ws.ActionPing:
			err = ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			err = ws.WriteError(conn, string(response.ErrValidation), "unknown action: "+string(msg.Action))
		}
		if err != nil {
			wsLog.Debug().Err(err).Msg("Write failed, closing")
			return
		}
		if done {
			wsLog.Info().Msg("Session closed, ending stream")
			return
		}
	}
}

// handleAutosave merges the answers carried by msg into the session.
func (h *WSHandler) handleAutosave(ctx context.Context, conn *websocket.Conn, key model.SessionKey, msg *ws.Request) error {
	if len(msg.Answers) == 0 || len(msg.Answers) > maxStreamAnswers {
		return ws.WriteError(conn, string(response.ErrValidation), response.GetMessage(response.ErrValidation))
	}

	saved, err := h.sessionService.SaveProgress(ctx, key, msg.Answers)
	if err != nil {
		return writeExamError(conn, err)
	}
	return ws.WriteTyped(conn, ws.SavedResponse{Event: ws.EventSaved, SavedAt: saved.SavedAt})
}

// handleSubmit finalizes the session. done reports that the session is
// terminal and the stream should end.
func (h *WSHandler) handleSubmit(ctx context.Context, conn *websocket.Conn, wsLog zerolog.Logger, key model.SessionKey, msg *ws.Request) (bool, error) {
	if len(msg.Answers) > maxStreamAnswers {
		return false, ws.WriteError(conn, string(response.ErrValidation), response.GetMessage(response.ErrValidation))
	}

	reason := model.FinalizeReason(msg.Reason)
	if reason != model.FinalizeReasonTimeout {
		reason = model.FinalizeReasonManual
	}

	result, err := h.sessionService.Finalize(ctx, key, msg.Answers, reason)
	if err != nil {
		var already *service.AlreadySubmittedError
		if errors.As(err, &already) && already.Result != nil {
			recorded := gradedResponse(already.Result)
			return true, ws.WriteTyped(conn, ws.ErrorResponse{
				Event:  ws.EventError,
				Code:   string(response.ErrAlreadySubmitted),
				Error:  response.GetMessage(response.ErrAlreadySubmitted),
				Result: &recorded,
			})
		}
		wsLog.Warn().Err(err).Msg("Stream submit failed")
		return false, writeExamError(conn, err)
	}

	return true, ws.WriteTyped(conn, gradedResponse(result))
}

func gradedResponse(r *model.SubmitResponse) ws.GradedResponse {
	return ws.GradedResponse{
		Event:      ws.EventGraded,
		Status:     string(r.Status),
		Score:      r.Score,
		Total:      r.Total,
		Percentage: r.Percentage,
	}
}

func writeExamError(conn *websocket.Conn, err error) error {
	_, code := examErrorStatus(err)
	return ws.WriteError(conn, string(code), response.GetMessage(code))
}
