package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomyedwab/etes/monitor"
	"github.com/tomyedwab/etes/processes"
	"github.com/tomyedwab/etes/sessions"
	"github.com/tomyedwab/etes/upstream"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 256
	commandQueue   = 32
)

// ClientInfo is what the server knows about a connection's owner. It is
// resolved from the session before the connection is accepted.
type ClientInfo struct {
	CallerID string
	Identity sessions.Identity
	IsAdmin  bool
}

// CommandHandler executes commands received from control panels.
type CommandHandler interface {
	HandleCommand(ctx context.Context, from ClientInfo, cmd Command)
}

// Hub tracks one connection per caller id and fans out messages to them.
// Messages are never buffered for clients that are not connected.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*client
	handler CommandHandler
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]*client),
		logger:  logger.With("component", "hub"),
	}
}

// SetHandler installs the command handler. It must be called before any
// connection is served.
func (h *Hub) SetHandler(handler CommandHandler) {
	h.handler = handler
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	info      ClientInfo
	send      chan []byte
	commands  chan Command
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Serve runs a connection until it closes. initial, when not nil, is the
// first message the client receives. Commands are handled with ctx, which
// is not tied to the connection.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, info ClientInfo, initial any) {
	c := &client{
		hub:      h,
		conn:     conn,
		info:     info,
		send:     make(chan []byte, sendQueueSize),
		commands: make(chan Command, commandQueue),
		done:     make(chan struct{}),
	}
	if initial != nil {
		if data, err := json.Marshal(initial); err == nil {
			c.enqueue(data)
		}
	}
	h.register(c)
	defer h.unregister(c)

	go c.writePump()
	go c.commandPump(ctx)
	c.readPump()
	c.close()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	old := h.clients[c.info.CallerID]
	h.clients[c.info.CallerID] = c
	count := len(h.clients)
	h.mu.Unlock()
	if old != nil {
		h.logger.Info("Replacing existing connection", "caller", c.info.CallerID)
		old.close()
	}
	h.logger.Info("Client connected", "caller", c.info.CallerID, "identity", c.info.Identity.String(), "clients", count)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if h.clients[c.info.CallerID] == c {
		delete(h.clients, c.info.CallerID)
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("Client disconnected", "caller", c.info.CallerID, "clients", count)
}

// commandPump runs a connection's commands one at a time in arrival order.
// Commands already received still run after the connection closes.
func (c *client) commandPump(ctx context.Context) {
	for cmd := range c.commands {
		if c.hub.handler != nil {
			c.hub.handler.HandleCommand(ctx, c.info, cmd)
		}
	}
}

func (c *client) readPump() {
	defer close(c.commands)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("Connection closed unexpectedly", "caller", c.info.CallerID, "error", err)
			}
			return
		}
		cmd, err := ParseCommand(data)
		if err != nil {
			c.hub.logger.Warn("Rejected client message", "caller", c.info.CallerID, "error", err)
			if data, merr := json.Marshal(Error(err.Error(), c.info.Identity)); merr == nil {
				c.enqueue(data)
			}
			continue
		}
		c.hub.logger.Info("Received command", "type", cmd.Type, "caller", c.info.CallerID, "identity", c.info.Identity.String())
		select {
		case c.commands <- cmd:
		case <-c.done:
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// Broadcast sends msg to every connected client.
func (h *Hub) Broadcast(msg any) {
	h.deliver(msg, func(*client) bool { return true })
}

// SendTo sends msg to every connection of the given identity.
func (h *Hub) SendTo(identity sessions.Identity, msg any) {
	h.deliver(msg, func(c *client) bool { return c.info.Identity.Equal(identity) })
}

// deliver never blocks: a client whose queue is full is disconnected and
// must reconnect and fetch a fresh snapshot.
func (h *Hub) deliver(msg any, match func(*client) bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to encode message", "error", err)
		return
	}
	var slow []*client
	h.mu.Lock()
	for _, c := range h.clients {
		if match(c) && !c.enqueue(data) {
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()
	for _, c := range slow {
		h.logger.Warn("Dropping slow client", "caller", c.info.CallerID)
		c.close()
	}
}

// ClientCount is the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// ServicesChanged implements processes.Publisher.
func (h *Hub) ServicesChanged(services []processes.Service) {
	h.Broadcast(ServiceState(services))
}

// StateChanged implements upstream.Notifier.
func (h *Hub) StateChanged(state upstream.State) {
	h.Broadcast(GitHubState(state))
}

// RefreshFailed implements upstream.Notifier.
func (h *Hub) RefreshFailed(err error) {
	h.Broadcast(Error(err.Error(), sessions.Identity{}))
}

// MemorySampled implements monitor.Sink.
func (h *Hub) MemorySampled(sample monitor.Sample) {
	h.Broadcast(MemoryState(sample))
}
