package ws

import (
	"net/http"
	"time"

	"github.com/daniellavrushin/reqlog/log"
	"github.com/daniellavrushin/reqlog/metrics"
	"github.com/gorilla/websocket"
)

func (c *Client) isOpen() bool {
	return clientState(c.state.Load()) == stateOpen
}

// finish moves c into a terminal state. Only the first call wins.
func (c *Client) finish(to clientState) bool {
	for {
		cur := clientState(c.state.Load())
		if cur == stateClosed || cur == stateErrored {
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

// ServeWS upgrades r into a viewer channel and blocks until it ends.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.maxSubscribers > 0 && h.Len() >= h.maxSubscribers {
		h.metrics.ViewerRejected()
		log.Warnf("Rejecting viewer from %s: limit of %d reached", h.resolver.Source(r), h.maxSubscribers)
		http.Error(w, "Too Many Viewers", http.StatusServiceUnavailable)
		return
	}

	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("Failed to upgrade viewer WebSocket: %v", err)
		return
	}

	c := newClient(conn, h.resolver.Source(r), h.sendBuffer)
	if !h.Subscribe(c) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		if !h.stopped() {
			h.metrics.ViewerRejected()
			msg = websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "viewer limit reached")
		}
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeTimeout))
		conn.Close()
		return
	}

	log.Infof("WebSocket client connected from %s", c.addr)
	log.Tracef("Viewer %s subscribed (%d total)", c.id, h.Len())
	h.metrics.ViewerConnected()

	go c.writePump(h)
	c.readPump(h)

	h.Unsubscribe(c)
	conn.Close()

	outcome := metrics.ViewerClosed
	if clientState(c.state.Load()) == stateErrored {
		outcome = metrics.ViewerErrored
	}
	h.metrics.ViewerGone(outcome)
}

func (c *Client) writePump(h *Hub) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				if c.finish(stateErrored) {
					log.Errorf("Error sending to viewer %s (%s): %v", c.id, c.addr, err)
					h.metrics.RecordSendFailure()
				}
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if c.finish(stateErrored) {
					log.Errorf("Ping to viewer %s (%s) failed: %v", c.id, c.addr, err)
				}
				return
			}
		}
	}
}

func (c *Client) readPump(h *Hub) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				if c.finish(stateClosed) {
					log.Infof("WebSocket client disconnected from %s", c.addr)
				}
			} else if c.finish(stateErrored) {
				log.Errorf("WebSocket error from %s: %v", c.addr, err)
			}
			return
		}
	}
}
