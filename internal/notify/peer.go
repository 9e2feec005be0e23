package notify

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// peer is one websocket connection. Only writeLoop writes to conn.
type peer struct {
	hub     *Hub
	conn    *websocket.Conn
	addr    string
	send    chan Response
	limiter *rate.Limiter

	// topics is guarded by hub.mu.
	topics map[string]struct{}

	done chan struct{}
	once sync.Once
}

// offer queues r without blocking.
func (p *peer) offer(r Response) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- r:
		return true
	default:
		return false
	}
}

// reply queues r, waiting for room unless the peer is gone.
func (p *peer) reply(r Response) {
	select {
	case p.send <- r:
	case <-p.done:
	}
}

func (p *peer) replyError(msg string) {
	p.reply(Response{Type: TypeError, Payload: ErrorPayload{Error: msg}})
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

func (p *peer) readLoop() {
	pongWait := 2 * p.hub.pingInterval
	p.conn.SetReadLimit(maxMessageBytes)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := p.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.hub.logger.Debug("websocket read error", "peer", p.addr, "error", err)
			}
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !p.limiter.Allow() {
			p.replyError("rate limit exceeded")
			continue
		}
		p.hub.handle(p, msg)
	}
}

func (p *peer) writeLoop() {
	ticker := time.NewTicker(p.hub.pingInterval)
	defer func() {
		ticker.Stop()
		p.close()
	}()

	for {
		select {
		case <-p.done:
			return
		case r := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(r); err != nil {
				p.hub.logger.Debug("websocket write error", "peer", p.addr, "error", err)
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
