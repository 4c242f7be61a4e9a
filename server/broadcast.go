package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/knoom0/datanav-sub002/job"
	"github.com/knoom0/datanav-sub002/logger"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// jobEvent is the wire shape pushed to /ws/jobs clients on every job
// state transition.
type jobEvent struct {
	Type string   `json:"type"`
	Job  *job.Job `json:"job"`
}

// wsClient is one connected websocket peer. Events it cannot keep up
// with are dropped rather than blocking the fan-out loop.
type wsClient struct {
	conn      *websocket.Conn
	send      chan *jobEvent
	closeOnce sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// jobBroadcaster subscribes to scheduler job events and fans them out
// to all connected websocket clients.
type jobBroadcaster struct {
	scheduler *job.Scheduler

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	events chan *job.Job
	done   chan struct{}
	wg     sync.WaitGroup
}

func newJobBroadcaster(scheduler *job.Scheduler) *jobBroadcaster {
	return &jobBroadcaster{
		scheduler: scheduler,
		clients:   make(map[*wsClient]struct{}),
		done:      make(chan struct{}),
	}
}

func (b *jobBroadcaster) start() {
	b.events = b.scheduler.Subscribe()
	b.wg.Add(1)
	go b.run()
}

func (b *jobBroadcaster) stop() {
	close(b.done)
	b.scheduler.Unsubscribe(b.events)
	b.wg.Wait()

	b.mu.Lock()
	for c := range b.clients {
		c.close()
		delete(b.clients, c)
	}
	b.mu.Unlock()
}

func (b *jobBroadcaster) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case j, ok := <-b.events:
			if !ok {
				return
			}
			b.broadcast(&jobEvent{Type: "job_update", Job: j})
		}
	}
}

func (b *jobBroadcaster) broadcast(ev *jobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- ev:
		default:
			logger.Warnw("WebSocket client send channel full, dropping job event",
				"job_id", shortID(ev.Job.ID))
		}
	}
}

// handleWS upgrades /ws/jobs requests and streams job events until the
// peer disconnects.
func (b *jobBroadcaster) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		conn: conn,
		send: make(chan *jobEvent, 64),
	}

	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	go b.writePump(c)
	go b.readPump(c)
}

func (b *jobBroadcaster) readPump(c *wsClient) {
	defer func() {
		b.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				logger.Warnw("WebSocket read error", "error", err)
			}
			return
		}
	}
}

func (b *jobBroadcaster) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				logger.Debugw("WebSocket write error", "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (b *jobBroadcaster) unregister(c *wsClient) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}
