package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"llmops/internal/chat"
	"llmops/internal/logging"
	"llmops/internal/storage"
)

// DataFramePrefix introduces the trailing metadata frame of a chat stream.
const DataFramePrefix = "[DATA]"

// ChatModule serves /chat.
type ChatModule struct {
	service  *chat.Service
	upgrader websocket.Upgrader
	logger   logging.Logger
}

// NewChatModule creates the chat route group. allowedOrigins restricts
// websocket upgrades the same way CORS restricts plain requests.
func NewChatModule(service *chat.Service, allowedOrigins []string, logger logging.Logger) *ChatModule {
	m := &ChatModule{service: service, logger: logging.OrNop(logger)}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAnyOrigin(allowedOrigins) {
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == origin {
					return true
				}
			}
			return false
		},
	}
	return m
}

func (m *ChatModule) Name() string { return "chat" }

func (m *ChatModule) RegisterRoutes(group *gin.RouterGroup, errs *ErrorHandler) {
	group.POST("", errs.Wrap(m.handleChat))
	sessions := group.Group("/sessions")
	{
		sessions.POST("", errs.Wrap(m.handleCreateSession))
		sessions.GET("", errs.Wrap(m.handleListSessions))
		sessions.GET("/:session_id", errs.Wrap(m.handleGetSession))
		sessions.DELETE("/:session_id", errs.Wrap(m.handleDeleteSession))
		sessions.GET("/:session_id/stream", errs.Wrap(m.handleStream))
	}
}

func (m *ChatModule) handleCreateSession(c *gin.Context) error {
	var req chat.CreateSessionRequest
	if c.Request.ContentLength != 0 {
		if err := bind(c, &req); err != nil {
			return err
		}
	}
	session, err := m.service.CreateSession(c.Request.Context(), req)
	if err != nil {
		return err
	}
	writeData(c, http.StatusCreated, gin.H{"session": session, "api_session_id": session.ID})
	return nil
}

func (m *ChatModule) handleListSessions(c *gin.Context) error {
	sessions, err := m.service.ListSessions(c.Request.Context(), pageFromQuery(c))
	if err != nil {
		return err
	}
	writeData(c, http.StatusOK, sessions)
	return nil
}

func (m *ChatModule) handleGetSession(c *gin.Context) error {
	detail, err := m.service.GetSession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		return err
	}
	writeData(c, http.StatusOK, detail)
	return nil
}

func (m *ChatModule) handleDeleteSession(c *gin.Context) error {
	if err := m.service.DeleteSession(c.Request.Context(), c.Param("session_id")); err != nil {
		return err
	}
	c.Status(http.StatusNoContent)
	return nil
}

// handleChat streams the answer as plain text followed by one
// [DATA]{"id":...} frame naming the stored assistant message.
func (m *ChatModule) handleChat(c *gin.Context) error {
	var req chat.TurnRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	started := false
	begin := func() {
		if started {
			return
		}
		started = true
		c.Header("Content-Type", "text/plain; charset=utf-8")
		c.Header("Cache-Control", "no-cache")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
	}

	result, err := m.service.Stream(c.Request.Context(), req, func(delta string) error {
		begin()
		if _, err := c.Writer.WriteString(delta); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		return err
	}

	begin()
	frame, err := json.Marshal(gin.H{"id": result.MessageID})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "%s%s", DataFramePrefix, frame); err != nil {
		m.logger.Warn("Failed to write data frame for session %s: %v", req.SessionID, err)
	}
	c.Writer.Flush()
	return nil
}

type wsRequest struct {
	Query    string `json:"query"`
	ReloadID string `json:"reload_id"`
	Model    string `json:"model"`
}

type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

// handleStream upgrades to a websocket and runs one turn per client message.
func (m *ChatModule) handleStream(c *gin.Context) error {
	sessionID := c.Param("session_id")
	if _, err := m.service.GetSession(c.Request.Context(), sessionID); err != nil {
		return err
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already answered the client.
		m.logger.Warn("Websocket upgrade failed for session %s: %v", sessionID, err)
		return nil
	}
	defer func() { _ = conn.Close() }()

	ctx := c.Request.Context()
	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Debug("Websocket for session %s closed: %v", sessionID, err)
			}
			return nil
		}

		result, err := m.service.Stream(ctx, chat.TurnRequest{
			Query:     req.Query,
			SessionID: sessionID,
			ReloadID:  req.ReloadID,
			Model:     req.Model,
		}, func(delta string) error {
			return conn.WriteJSON(wsMessage{Type: "delta", Content: delta})
		})

		reply := wsMessage{Type: "done"}
		if err != nil {
			reply = wsMessage{Type: "error", Message: err.Error()}
		} else {
			reply.ID = result.MessageID
		}
		if err := conn.WriteJSON(reply); err != nil {
			m.logger.Debug("Websocket write for session %s failed: %v", sessionID, err)
			return nil
		}
	}
}

func pageFromQuery(c *gin.Context) storage.Page {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	return storage.Page{Limit: limit, Offset: offset}
}
