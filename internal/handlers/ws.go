package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/api/middleware"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/auth"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/hub"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/metrics"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 << 10 // offers with many candidates run to several KB
	closeForbidden = 4003
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Any origin; the token authenticates.
	CheckOrigin: func(*http.Request) bool { return true },
}

// socketToken returns the token offered as the first subprotocol, falling
// back to an Authorization header for non-browser clients.
func socketToken(r *http.Request) (token, protocol string) {
	if p := websocket.Subprotocols(r); len(p) > 0 {
		return p[0], p[0]
	}
	token, _ = middleware.BearerToken(r)
	return token, ""
}

// RoomSocket upgrades GET /ws/chat/{room}/ and serves the room until the
// socket closes.
func (h *Handler) RoomSocket(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	token, protocol := socketToken(r)

	var hdr http.Header
	if protocol != "" {
		hdr = http.Header{"Sec-Websocket-Protocol": {protocol}}
	}
	ws, err := upgrader.Upgrade(w, r, hdr)
	if err != nil {
		// Upgrade has already answered with an HTTP error
		h.log.Debug().Err(err).Str("room", roomID).Msg("upgrade failed")
		return
	}

	user, err := h.verifier.Verify(token)
	if err != nil {
		h.log.Info().Err(err).Str("room", roomID).Msg("rejecting socket")
		reject(ws, "invalid token")
		return
	}
	if !models.Participant(roomID, user.ID) {
		h.log.Warn().Str("room", roomID).Str("user", user.ID).Msg("user is not a participant")
		reject(ws, "not a participant")
		return
	}

	c := h.hub.Join(roomID, user.ID)
	defer h.hub.Leave(c)

	log := h.log.With().Str("room", roomID).Str("user", user.ID).Str("conn", c.ID).Logger()
	log.Debug().Msg("socket joined")

	if err := h.sendHistory(r.Context(), ws, roomID); err != nil {
		log.Debug().Err(err).Msg("history write failed")
		ws.Close()
		return
	}

	go h.writePump(ws, c)
	h.readPump(ws, c, user)
	log.Debug().Msg("socket left")
}

func reject(ws *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(closeForbidden, reason)
	ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	ws.Close()
}

// sendHistory writes the chat_history frame before the write pump starts so
// it always precedes live frames.
func (h *Handler) sendHistory(ctx context.Context, ws *websocket.Conn, roomID string) error {
	messages, err := h.history.RecentMessages(ctx, roomID, h.historyLimit)
	if err != nil {
		h.log.Error().Err(err).Str("room", roomID).Msg("history lookup failed")
		messages = []models.ChatMessage{}
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(models.HistoryFrame{Type: models.FrameChatHistory, Messages: messages})
}

func (h *Handler) readPump(ws *websocket.Conn, c *hub.Conn, user *auth.User) {
	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("conn", c.ID).Msg("socket read failed")
			}
			return
		}
		h.handleFrame(context.Background(), c, user, data)
	}
}

func (h *Handler) writePump(ws *websocket.Conn, c *hub.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.Send():
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame routes one inbound frame. Signaling is relayed to the other
// connections; anything untyped is a chat message that is stamped, stored
// and echoed to the whole room.
func (h *Handler) handleFrame(ctx context.Context, c *hub.Conn, user *auth.User, data []byte) {
	var in models.InboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		h.log.Debug().Err(err).Str("conn", c.ID).Msg("dropping malformed frame")
		return
	}

	if models.IsSignal(in.Type) {
		out, err := json.Marshal(models.SignalFrame{
			Type:     in.Type,
			Data:     in.Data,
			Reason:   in.Reason,
			SenderID: user.ID,
		})
		if err != nil {
			return
		}
		h.hub.Broadcast(ctx, c.RoomID, out, c)
		metrics.FramesRelayed.WithLabelValues(in.Type).Inc()
		return
	}

	if in.Type != "" && in.Type != "chat_message" {
		h.log.Debug().Str("type", in.Type).Str("conn", c.ID).Msg("dropping unknown frame type")
		return
	}
	if in.Message == "" && in.FileURL == "" {
		return
	}

	msg := models.ChatMessage{
		RoomID:    c.RoomID,
		Timestamp: h.now().UTC().Format(models.TimestampLayout),
		SenderID:  user.ID,
		Message:   in.Message,
		FileUrl:   in.FileURL,
		FileType:  in.FileType,
	}
	h.persist(ctx, msg)

	out, err := json.Marshal(models.NewMessage(msg))
	if err != nil {
		return
	}
	h.hub.Broadcast(ctx, c.RoomID, out, nil)
	metrics.FramesRelayed.WithLabelValues(models.FrameNewMessage).Inc()
}

// persist stores a message and bumps its consultation. Failures are logged;
// the message is still delivered live.
func (h *Handler) persist(ctx context.Context, msg models.ChatMessage) {
	if err := h.history.AppendMessage(ctx, msg); err != nil {
		h.log.Error().Err(err).Str("room", msg.RoomID).Msg("history save failed")
	}
	if h.consultations == nil {
		return
	}
	if _, err := h.consultations.EnsureConsultation(ctx, msg.RoomID); err != nil {
		h.log.Error().Err(err).Str("room", msg.RoomID).Msg("consultation upsert failed")
		return
	}
	if err := h.consultations.TouchLastMessage(ctx, msg.RoomID, msg.Timestamp); err != nil {
		h.log.Error().Err(err).Str("room", msg.RoomID).Msg("consultation touch failed")
	}
}
