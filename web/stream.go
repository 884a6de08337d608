package web

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"can-dashboard/broadcast"
)

var nextClientID atomic.Int64

// streamClient is one WebSocket subscriber. The stream is push-only; the
// read side only watches for the peer going away.
type streamClient struct {
	id     int64
	conn   *websocket.Conn
	sub    *broadcast.Subscription
	logger zerolog.Logger
	done   chan struct{}
	once   sync.Once
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	id := nextClientID.Add(1)
	c := &streamClient{
		id:     id,
		conn:   conn,
		sub:    s.can.Subscribe(),
		logger: s.logger.With().Int64("client", id).Logger(),
		done:   make(chan struct{}),
	}
	c.logger.Info().Str("remote", r.RemoteAddr).Msg("stream client connected")

	go c.writePump()
	c.readPump()
}

// close releases the subscription and the connection. Safe to call from
// both pumps.
func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.sub.Close()
		c.conn.Close()
		c.logger.Info().Msg("stream client disconnected")
	})
}

func (c *streamClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("stream read error")
			}
			return
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.Events():
			if !ok {
				select {
				case <-c.done:
					return
				default:
				}
				// Dropped by the broadcaster for falling behind.
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.logger.Warn().Msg("stream client too slow, closing")
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber too slow"))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Debug().Err(err).Msg("stream write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
