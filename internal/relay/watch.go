package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/1ureka/callscribe/internal/signaling"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait = 5 * time.Second
	readLimit = 512
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// watchConn is one watch socket. latest holds at most one pending snapshot:
// snapshots are whole documents, so a newer one supersedes an unsent older one.
type watchConn struct {
	conn   *websocket.Conn
	latest chan []byte
}

// offer replaces any unsent snapshot with data. Only the subscription
// goroutine calls it.
func (w *watchConn) offer(data []byte) {
	select {
	case w.latest <- data:
		return
	default:
	}
	select {
	case <-w.latest:
	default:
	}
	select {
	case w.latest <- data:
	default:
	}
}

// watch streams document snapshots until the client goes away.
func (h *Handler) watch(c *gin.Context) {
	id := c.Param("id")

	// Unknown documents get a plain 404 before the upgrade.
	if _, err := h.store.Read(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade failed")
		return
	}
	ws.SetReadLimit(readLimit)

	w := &watchConn{conn: ws, latest: make(chan []byte, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unsubscribe, err := h.store.Subscribe(ctx, id, func(doc signaling.Document) {
		data, err := json.Marshal(doc)
		if err != nil {
			log.Error().Err(err).Str("module", "relay").Msg("marshal snapshot")
			return
		}
		w.offer(data)
	}, func(err error) {
		log.Warn().Err(err).Str("module", "relay").Str("call", id).Msg("subscription lost")
		cancel()
	})
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Str("call", id).Msg("subscribe failed")
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"))
		ws.Close()
		return
	}
	defer unsubscribe()

	log.Info().Str("module", "relay").Str("call", id).Msg("watch opened")
	go h.readPump(cancel, w)
	h.writePump(ctx, w)
	ws.Close()
	log.Info().Str("module", "relay").Str("call", id).Msg("watch closed")
}

func (h *Handler) writePump(ctx context.Context, w *watchConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-w.latest:
			if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "relay").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump discards client messages and cancels the watch when the client
// closes the socket.
func (h *Handler) readPump(cancel context.CancelFunc, w *watchConn) {
	defer cancel()
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}
