package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nevindra/maestro"
)

// wsWriteTimeout bounds each socket write so a hung client cannot pin the
// write loop while the hub keeps publishing.
const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream upgrades to a websocket and bridges it to the hub. The token
// travels in the query string because browsers cannot set headers on
// websocket dials.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	uid, err := s.verifyToken(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := s.hub.Add()
	client := &streamClient{
		server: s,
		conn:   conn,
		sub:    sub,
		userID: uid,
		direct: make(chan maestro.Event, 16),
	}
	go client.writeLoop()
	client.readLoop()
}

// streamClient is one websocket connection. Events reach the socket either
// through the hub subscription or through direct, which carries replies that
// are not tied to a subscribed task (pong, simple-query results).
type streamClient struct {
	server *Server
	conn   *websocket.Conn
	sub    *maestro.Subscriber
	userID string
	direct chan maestro.Event

	mu     sync.Mutex
	taskID string // task currently started over this connection
}

func (c *streamClient) writeLoop() {
	for {
		select {
		case ev, ok := <-c.sub.Events():
			if !ok {
				c.conn.Close()
				return
			}
			if ev.Type == maestro.EventConnected {
				c.write(map[string]any{
					"type":          maestro.EventConnected,
					"clientId":      c.sub.ID(),
					"authenticated": true,
				})
				continue
			}
			if err := c.write(ev); err != nil {
				c.conn.Close()
				return
			}
		case ev := <-c.direct:
			if err := c.write(ev); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

func (c *streamClient) write(v any) error {
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *streamClient) readLoop() {
	defer c.server.hub.Remove(c.sub)
	for {
		var frame maestro.Event
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case maestro.EventPing:
			c.sendDirect(maestro.Event{Type: maestro.EventPong})
		case maestro.EventTask:
			if frame.Message == "" {
				c.sendDirect(maestro.Event{Type: maestro.EventTaskError, Error: "message is required", Code: maestro.CodeValidation})
				continue
			}
			go c.runTask(frame.Message)
		case maestro.EventCancel:
			if frame.TaskID != "" && c.server.orch.Cancel(frame.TaskID) {
				c.server.hub.Publish(maestro.Event{Type: maestro.EventCancelled, TaskID: frame.TaskID})
			}
		case maestro.EventSubscribe:
			c.server.hub.Subscribe(c.sub, frame.TaskIDs...)
		case maestro.EventUnsubscribe:
			c.server.hub.Unsubscribe(c.sub, frame.TaskIDs...)
		}
	}
}

// runTask drives one orchestrator run for this connection. Once the task id
// is known the client auto-subscribes and events fan out through the hub;
// simple queries never get an id and answer on the direct channel instead.
func (c *streamClient) runTask(message string) {
	hub := c.server.hub
	cb := maestro.Callbacks{
		OnTaskStarted: func(taskID string) {
			c.mu.Lock()
			c.taskID = taskID
			c.mu.Unlock()
			hub.Subscribe(c.sub, taskID)
			c.sub.SetActiveTask(taskID)
			hub.Publish(maestro.Event{Type: maestro.EventTaskStarted, TaskID: taskID})
		},
		OnLog: func(level, msg string) {
			if id := c.currentTask(); id != "" {
				hub.Publish(maestro.Event{Type: maestro.EventLog, TaskID: id, Level: level, Message: msg})
			}
		},
		OnToolCall: func(rec maestro.ToolCallRecord) {
			if id := c.currentTask(); id != "" {
				hub.Publish(maestro.Event{Type: maestro.EventToolCall, TaskID: id, ToolCall: &rec})
			}
		},
		OnProgress: func(fraction float64) {
			if id := c.currentTask(); id != "" {
				hub.Publish(maestro.Event{Type: maestro.EventProgress, TaskID: id, Progress: fraction})
			}
		},
	}

	// The run outlives the request; disconnect cancellation arrives through
	// the hub, not through this context.
	result, err := c.server.orch.HandleMessage(context.Background(), message, c.userID, cb)

	started := c.currentTask() != ""
	c.mu.Lock()
	c.taskID = ""
	c.mu.Unlock()
	c.sub.SetActiveTask("")

	var ev maestro.Event
	if err != nil {
		ev = maestro.Event{Type: maestro.EventTaskError, TaskID: result.TaskID, Error: err.Error(), Code: maestro.CodeOf(err)}
	} else {
		ev = maestro.Event{Type: maestro.EventTaskCompleted, TaskID: result.TaskID, Summary: result.Summary}
	}
	if started {
		hub.Publish(ev)
	} else {
		c.sendDirect(ev)
	}
}

// sendDirect queues a connection-local reply, dropping it when the writer is
// gone or the buffer is full.
func (c *streamClient) sendDirect(ev maestro.Event) {
	select {
	case c.direct <- ev:
	default:
	}
}

func (c *streamClient) currentTask() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taskID
}
