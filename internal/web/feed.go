package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hpungsan/attrscope/internal/errors"
	"github.com/hpungsan/attrscope/internal/frame"
	"github.com/hpungsan/attrscope/internal/ops"
	"github.com/hpungsan/attrscope/internal/session"
)

// WebSocket limits
const (
	maxFeedMessage = 16 << 20
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	eventBacklog   = 8
)

// HandleFeed accepts a WebSocket on which every text message is one captured
// frame. The connection name comes from the conn query parameter, or a fresh
// UUID per connection; dir selects the direction (default received).
func (h *Handlers) HandleFeed(w http.ResponseWriter, r *http.Request) {
	dir, ok := frame.ParseDirection(r.URL.Query().Get("dir"))
	if !ok {
		renderError(w, errors.NewInvalidRequest("dir must be one of: received, sent"))
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("conn"))
	if id == "" {
		id = uuid.NewString()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.log.Debug("feed upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	stop := h.closeOnShutdown(conn)
	defer stop()

	conn.SetReadLimit(maxFeedMessage)
	log := h.log.With(zap.String("conn", id), zap.String("dir", string(dir)))
	log.Info("feed connected", zap.String("remote", r.RemoteAddr))

	ctx := r.Context()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("feed read failed", zap.Error(err))
			}
			break
		}
		if mt != websocket.TextMessage {
			continue
		}
		_, err = ops.Ingest(ctx, h.sess, h.drv, ops.IngestInput{
			Frames: []ops.FrameInput{{Conn: id, Dir: string(dir), Text: string(data)}},
		})
		if err != nil {
			log.Error("feed ingest failed", zap.Error(err))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "ingest failed"),
				time.Now().Add(writeWait))
			break
		}
	}
	log.Info("feed disconnected")
}

// HandleEvents pushes the state of every completed reconciliation pass as a
// JSON text message. The last state is sent on connect when a pass has run.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("events upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	updates := make(chan *session.State, eventBacklog)
	unsubscribe := h.drv.Subscribe(func(st *session.State) {
		select {
		case updates <- st:
		default:
			h.log.Warn("events subscriber lagging, dropped pass", zap.Int("pass", st.Pass))
		}
	})
	defer unsubscribe()

	// Reads only detect the peer going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if st := h.sess.State(); st.Pass > 0 {
		if err := writeState(conn, st); err != nil {
			return
		}
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-h.shutdown:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case st := <-updates:
			if err := writeState(conn, st); err != nil {
				h.log.Debug("events write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func writeState(conn *websocket.Conn, st *session.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// closeOnShutdown closes conn when the server shuts down, unblocking its reader.
// The returned function stops watching.
func (h *Handlers) closeOnShutdown(conn *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-h.shutdown:
			_ = conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}
