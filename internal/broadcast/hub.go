// Package broadcast pushes pipeline and queue progress to WebSocket
// clients.
package broadcast

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shensi8312/design-institute-platform-sub001/internal/jobs"
	"github.com/shensi8312/design-institute-platform-sub001/internal/pipeline"
	"github.com/shensi8312/design-institute-platform-sub001/pkg/log"
)

const (
	sendBuffer     = 64
	maxMessageSize = 64 << 10
	writeWait      = 10 * time.Second
)

// RunSource answers get:status requests.
type RunSource interface {
	GetRun(id string) (pipeline.Run, bool)
}

type Option func(*Hub)

func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithOriginCheck restricts which browser origins may connect. All
// origins are accepted by default.
func WithOriginCheck(fn func(r *http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// Hub tracks connected clients by identity and fans every event out to
// all of them.
type Hub struct {
	runs      RunSource
	heartbeat time.Duration
	upgrader  websocket.Upgrader
	now       func() time.Time

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	closed  bool
}

func NewHub(runs RunSource, opts ...Option) *Hub {
	h := &Hub{
		runs:      runs,
		heartbeat: 30 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now:     time.Now,
		clients: make(map[string]map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type client struct {
	hub      *Hub
	identity string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once

	mu   sync.Mutex
	subs map[string]struct{}
}

// ServeHTTP upgrades the request. The caller identifies itself with the
// userId (or token) query parameter; anonymous connections are closed
// with a policy violation.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimSpace(r.URL.Query().Get("userId"))
	if identity == "" {
		identity = strings.TrimSpace(r.URL.Query().Get("token"))
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed: %v", err)
		return
	}
	if identity == "" {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	c := &client{
		hub:      h,
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		subs:     make(map[string]struct{}),
	}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	log.Info("WebSocket client %s connected", identity)

	c.enqueue(h.encode(Message{
		Type:    "connected",
		Message: "connected to document processing service",
	}))

	go c.writePump()
	c.readPump()
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[c.identity]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.identity] = set
	}
	set[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.identity]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.identity)
	}
}

// HandlePipelineEvent is a pipeline.Observer.
func (h *Hub) HandlePipelineEvent(ev pipeline.Event) {
	h.Broadcast(fromPipelineEvent(ev))
}

// HandleJobEvent is a jobs.Listener.
func (h *Hub) HandleJobEvent(ev jobs.Event) {
	h.Broadcast(fromJobEvent(ev))
	if ev.Type == jobs.EventFailed && ev.Exhausted {
		h.Broadcast(exhaustionMessage(ev))
	}
}

// Broadcast sends msg to every connected client. Clients that cannot
// keep up are disconnected.
func (h *Hub) Broadcast(msg Message) {
	payload := h.encode(msg)
	if payload == nil {
		return
	}
	h.mu.RLock()
	targets := make([]*client, 0)
	for _, set := range h.clients {
		for c := range set {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(payload)
	}
}

// SendTo delivers msg to every connection of one identity.
func (h *Hub) SendTo(identity string, msg Message) {
	payload := h.encode(msg)
	if payload == nil {
		return
	}
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients[identity]))
	for c := range h.clients[identity] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(payload)
	}
}

func (h *Hub) encode(msg Message) []byte {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error("Failed to encode %s message: %v", msg.Type, err)
		return nil
	}
	return payload
}

// ClientCount is the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// Identities lists the connected identities, sorted.
func (h *Hub) Identities() []string {
	h.mu.RLock()
	ret := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ret = append(ret, id)
	}
	h.mu.RUnlock()
	sort.Strings(ret)
	return ret
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	targets := make([]*client, 0)
	for _, set := range h.clients {
		for c := range set {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.close()
	}
}

type command struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	ProcessID  string `json:"processId"`
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
		log.Info("WebSocket client %s disconnected", c.identity)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	deadline := 2 * c.hub.heartbeat
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("WebSocket client %s read error: %v", c.identity, err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.handle(data)
	}
}

func (c *client) handle(data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Warn("Invalid message from WebSocket client %s: %v", c.identity, err)
		return
	}

	h := c.hub
	switch cmd.Type {
	case "subscribe":
		c.mu.Lock()
		c.subs[cmd.DocumentID] = struct{}{}
		c.mu.Unlock()
		c.enqueue(h.encode(Message{
			Type:          "subscribed",
			DocumentID:    cmd.DocumentID,
			Message:       "subscribed to document " + cmd.DocumentID,
			Subscriptions: c.subscriptions(),
		}))
	case "unsubscribe":
		c.mu.Lock()
		delete(c.subs, cmd.DocumentID)
		c.mu.Unlock()
		c.enqueue(h.encode(Message{
			Type:          "unsubscribed",
			DocumentID:    cmd.DocumentID,
			Message:       "unsubscribed from document " + cmd.DocumentID,
			Subscriptions: c.subscriptions(),
		}))
	case "get:status":
		c.enqueue(h.encode(h.statusMessage(cmd.ProcessID)))
	case "ping":
		c.enqueue(h.encode(Message{Type: "pong"}))
	default:
		log.Debug("Unknown message type %q from WebSocket client %s", cmd.Type, c.identity)
	}
}

func (h *Hub) statusMessage(processID string) Message {
	if h.runs != nil {
		if run, ok := h.runs.GetRun(processID); ok {
			msg := Message{
				Type:       "status",
				ProcessID:  processID,
				DocumentID: run.DocumentID,
				Status:     string(run.Status),
				Steps:      snapshotSteps(run.Steps),
				Error:      run.Error,
			}
			if run.Summary != nil {
				msg.Results = summarizeRun(*run.Summary)
			}
			return msg
		}
	}
	return Message{
		Type:      "status:notfound",
		ProcessID: processID,
		Message:   "processing run not found",
	}
}

// subscriptions lists the documents this client asked to follow, sorted.
// Acknowledgements echo it so a client can check its own state.
func (c *client) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ret = append(ret, id)
	}
	sort.Strings(ret)
	return ret
}

// enqueue never blocks; a full buffer means the client is too slow and
// it is dropped.
func (c *client) enqueue(payload []byte) {
	if payload == nil {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- payload:
	default:
		log.Warn("WebSocket client %s is not keeping up, disconnecting", c.identity)
		c.hub.unregister(c)
		c.close()
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.heartbeat)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
