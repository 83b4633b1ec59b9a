package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	logx "pairgate/pkg/logx"
)

// observer is one websocket connection. writeLoop is the only writer.
type observer struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter

	address   string
	userAgent string
}

// enqueue never blocks; a full queue drops msg.
func (o *observer) enqueue(msg []byte) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.send <- msg:
		return true
	default:
		return false
	}
}

func (o *observer) reply(r Reply) { o.enqueue(mustJSON(r)) }

// SessionFailed reports a failure of a session this observer requested.
func (o *observer) SessionFailed(sessionID string, err error) {
	o.reply(Reply{Type: TypeError, SessionID: sessionID, Message: userMessage(err)})
}

func (o *observer) close() {
	o.closeOnce.Do(func() {
		close(o.done)
		_ = o.conn.Close()
	})
}

func (o *observer) readLoop(ctx context.Context) {
	o.conn.SetReadLimit(maxMessageSize)
	_ = o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := o.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				o.hub.log.Debug("observer read failed", logx.String("address", o.address), logx.Err(err))
			}
			return
		}
		o.hub.handle(ctx, o, raw)
	}
}

func (o *observer) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		o.close()
	}()
	for {
		select {
		case <-o.done:
			return
		case msg := <-o.send:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
