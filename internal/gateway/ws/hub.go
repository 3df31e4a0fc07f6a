package ws

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/dohr-michael/deskpilot/internal/events"
)

// TaskHandler serves the task methods of the protocol. Returned payloads are
// sent back as the response payload.
type TaskHandler interface {
	SubmitTask(ctx context.Context, p SubmitTaskParams) (any, error)
	GetTask(ctx context.Context, id string) (any, error)
	ListTasks(ctx context.Context, p ListTasksParams) (any, error)
	ResumeTask(ctx context.Context, p ResumeTaskParams) (any, error)
	CancelTask(ctx context.Context, p CancelTaskParams) (any, error)
}

// Limiter throttles mutating requests per remote address.
type Limiter interface {
	Allow(key string) bool
}

// Client represents a connected WebSocket client.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	addr string
}

// Hub manages WebSocket clients and bridges them to the event bus.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	bus         *events.Bus
	handler     TaskHandler
	limiter     Limiter
	unsubscribe func()
}

// NewHub creates a hub that broadcasts every bus event to its clients.
// limiter may be nil.
func NewHub(bus *events.Bus, handler TaskHandler, limiter Limiter) *Hub {
	h := &Hub{
		clients: make(map[*Client]struct{}),
		bus:     bus,
		handler: handler,
		limiter: limiter,
	}

	h.unsubscribe = bus.Subscribe(func(e events.Event) {
		frame, err := NewEventFrame(string(e.Type), e.TaskID, e)
		if err != nil {
			slog.Error("marshal event frame", "error", err)
			return
		}
		data, err := MarshalFrame(frame)
		if err != nil {
			slog.Error("marshal frame", "error", err)
			return
		}
		h.broadcast(data)
	})

	return h
}

// broadcast sends data to all connected clients.
func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	slog.Info("ws client connected", "addr", c.addr, "clients", len(h.clients))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		slog.Info("ws client disconnected", "addr", c.addr, "clients", len(h.clients))
	}
}

// ServeWS handles a WebSocket upgrade and manages the client lifecycle.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // the gateway binds to localhost by default
	})
	if err != nil {
		slog.Error("ws accept", "error", err)
		return
	}

	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
		addr: addr,
	}

	h.register(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go client.writePump(ctx)
	client.readPump(ctx)
}

// readPump reads frames from the WS connection and dispatches them.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("ws read closed", "status", websocket.CloseStatus(err))
			} else {
				slog.Debug("ws read error", "error", err)
			}
			return
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			slog.Error("ws unmarshal frame", "error", err)
			continue
		}

		if frame.Type != FrameTypeRequest {
			slog.Debug("ws unknown frame type", "type", frame.Type)
			continue
		}
		c.handleRequest(ctx, frame)
	}
}

// handleRequest dispatches a request frame to the task handler.
func (c *Client) handleRequest(ctx context.Context, frame Frame) {
	h := c.hub.handler
	if h == nil {
		c.sendError(frame.ID, "task system not available")
		return
	}

	method := Method(frame.Method)
	switch method {
	case MethodSubmitTask, MethodResumeTask, MethodCancelTask:
		if c.hub.limiter != nil && !c.hub.limiter.Allow(c.addr) {
			c.sendError(frame.ID, "rate limit exceeded")
			return
		}
	}

	var (
		payload any
		err     error
	)
	switch method {
	case MethodSubmitTask:
		var p SubmitTaskParams
		if err = DecodeParams(frame, &p); err == nil {
			payload, err = h.SubmitTask(ctx, p)
		}
	case MethodGetTask:
		var p TaskRef
		if err = DecodeParams(frame, &p); err == nil {
			payload, err = h.GetTask(ctx, p.TaskID)
		}
	case MethodListTasks:
		var p ListTasksParams
		if len(frame.Params) > 0 {
			err = DecodeParams(frame, &p)
		}
		if err == nil {
			payload, err = h.ListTasks(ctx, p)
		}
	case MethodResumeTask:
		var p ResumeTaskParams
		if err = DecodeParams(frame, &p); err == nil {
			payload, err = h.ResumeTask(ctx, p)
		}
	case MethodCancelTask:
		var p CancelTaskParams
		if err = DecodeParams(frame, &p); err == nil {
			payload, err = h.CancelTask(ctx, p)
		}
	default:
		c.sendError(frame.ID, "unknown method: "+frame.Method)
		return
	}

	if err != nil {
		c.sendError(frame.ID, err.Error())
		return
	}
	c.sendOK(frame.ID, payload)
}

// writePump writes queued messages to the WS connection.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) sendOK(id string, payload any) {
	f, err := NewResponseFrame(id, true, payload, "")
	if err != nil {
		c.sendError(id, "encode response: "+err.Error())
		return
	}
	c.enqueue(f)
}

func (c *Client) sendError(id string, errMsg string) {
	f, err := NewResponseFrame(id, false, nil, errMsg)
	if err != nil {
		return
	}
	c.enqueue(f)
}

func (c *Client) enqueue(f Frame) {
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("ws client queue full, dropping response", "addr", c.addr, "id", f.ID)
	}
}

// Close shuts down the hub and all client connections.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		delete(h.clients, c)
	}
}
