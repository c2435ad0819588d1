// Package notifier fans dashboard updates out to WebSocket and
// Server-Sent Events clients.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nkkko/engine-tap/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Config contains notifier configuration
type Config struct {
	// Maximum idle time before dropping a connection
	MaxIdleTime time.Duration

	// Interval between keepalives sent to clients
	HeartbeatInterval time.Duration

	// Broadcast buffer size for batching updates
	BroadcastBufferSize int

	// Flush interval for broadcast buffer
	BroadcastFlushInterval time.Duration

	// Per-client queue length; updates beyond it are dropped
	ClientBufferSize int

	// Inbound WebSocket message rate per client (messages/s) and burst
	ClientMessageRate  float64
	ClientMessageBurst int

	// Allowed WebSocket origins; empty allows any
	AllowedOrigins []string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxIdleTime:            60 * time.Second,
		HeartbeatInterval:      15 * time.Second,
		BroadcastBufferSize:    200,
		BroadcastFlushInterval: 50 * time.Millisecond,
		ClientBufferSize:       256,
		ClientMessageRate:      5,
		ClientMessageBurst:     10,
	}
}

// Client is a connected dashboard
type Client struct {
	ID         string
	LastActive time.Time

	topics  map[string]struct{} // nil means every topic
	conn    *websocket.Conn
	send    chan *Update
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	isSSE   bool
	mu      sync.Mutex
}

func (c *Client) wants(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.topics == nil {
		return true
	}
	_, ok := c.topics[topic]
	return ok
}

func (c *Client) touch() {
	c.mu.Lock()
	c.LastActive = time.Now()
	c.mu.Unlock()
}

// enqueue queues u without blocking; it reports false when dropped
func (c *Client) enqueue(u *Update) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- u:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Notifier handles real-time delivery of dashboard updates
type Notifier struct {
	config          Config
	clients         map[string]*Client
	mu              sync.RWMutex
	logger          zerolog.Logger
	broadcastBuffer *BroadcastBuffer
	metrics         *metrics.Metrics
	upgrader        websocket.Upgrader
	initial         func() []*Update
}

// NewNotifier creates a new notifier
func NewNotifier(config Config) *Notifier {
	logger := log.With().Str("component", "notifier").Logger()
	def := DefaultConfig()

	if config.MaxIdleTime == 0 {
		config.MaxIdleTime = def.MaxIdleTime
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	if config.BroadcastBufferSize == 0 {
		config.BroadcastBufferSize = def.BroadcastBufferSize
	}
	if config.BroadcastFlushInterval == 0 {
		config.BroadcastFlushInterval = def.BroadcastFlushInterval
	}
	if config.ClientBufferSize == 0 {
		config.ClientBufferSize = def.ClientBufferSize
	}
	if config.ClientMessageRate == 0 {
		config.ClientMessageRate = def.ClientMessageRate
	}
	if config.ClientMessageBurst == 0 {
		config.ClientMessageBurst = def.ClientMessageBurst
	}

	n := &Notifier{
		config:          config,
		clients:         make(map[string]*Client),
		logger:          logger,
		broadcastBuffer: NewBroadcastBuffer(config.BroadcastBufferSize, config.BroadcastFlushInterval),
		metrics:         metrics.GetMetrics(),
	}
	n.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     n.checkOrigin,
	}
	return n
}

// SetInitial sets a function producing the updates every new client
// receives right after connecting (current status, buckets, ...)
func (n *Notifier) SetInitial(fn func() []*Update) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.initial = fn
}

// Publish queues payload for every client subscribed to topic
func (n *Notifier) Publish(topic string, payload any) {
	n.broadcastBuffer.Publish(&Update{
		ID:      generateID(),
		Topic:   topic,
		Time:    time.Now(),
		Payload: payload,
	})
}

// Start runs idle cleanup and keepalives until ctx is done
func (n *Notifier) Start(ctx context.Context) error {
	n.logger.Info().Msg("Starting dashboard notifier")

	go n.cleanupIdleClients(ctx)
	go n.sendHeartbeats(ctx)

	return nil
}

// ClientCount returns the number of connected clients
func (n *Notifier) ClientCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.clients)
}

// ServeWebSocket upgrades the request and streams updates as JSON text
// messages. The optional "topics" query parameter filters topics.
func (n *Notifier) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "WebSocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := n.addClient(parseTopics(r.URL.Query().Get("topics")), conn)
	defer n.removeClient(client.ID)

	go n.writePump(client)

	conn.SetReadLimit(64 * 1024)
	conn.SetPongHandler(func(string) error {
		client.touch()
		return nil
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket read error")
			return
		}
		client.touch()

		if messageType != websocket.TextMessage {
			continue
		}
		if !client.limiter.Allow() {
			client.enqueue(&Update{Topic: TopicError, Time: time.Now(), Payload: map[string]string{"error": "rate limit exceeded"}})
			continue
		}
		n.processClientMessage(client, message)
	}
}

// ServeSSE streams updates as text/event-stream frames, one event per
// update named after its topic
func (n *Notifier) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	client := n.addClient(parseTopics(r.URL.Query().Get("topics")), nil)
	defer n.removeClient(client.ID)

	flusher.Flush()

	for {
		select {
		case u := <-client.send:
			if err := writeSSE(w, u); err != nil {
				n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("SSE write error")
				return
			}
			flusher.Flush()
			client.touch()
			n.metrics.NotifierEventsPublished.WithLabelValues("sse").Inc()

		case <-r.Context().Done():
			return

		case <-client.done:
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, u *Update) error {
	if u == nil {
		// keepalive
		_, err := fmt.Fprint(w, ": keepalive\n\n")
		return err
	}

	data, err := json.Marshal(u.Payload)
	if err != nil {
		return err
	}
	if u.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", u.ID); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", u.Topic, data)
	return err
}

// addClient registers a client and starts pumping broadcast updates to it
func (n *Notifier) addClient(topics map[string]struct{}, conn *websocket.Conn) *Client {
	clientID := generateID()

	client := &Client{
		ID:         clientID,
		LastActive: time.Now(),
		topics:     topics,
		conn:       conn,
		send:       make(chan *Update, n.config.ClientBufferSize),
		done:       make(chan struct{}),
		limiter:    rate.NewLimiter(rate.Limit(n.config.ClientMessageRate), n.config.ClientMessageBurst),
		isSSE:      conn == nil,
	}

	n.mu.Lock()
	n.clients[clientID] = client
	initial := n.initial
	n.mu.Unlock()

	client.enqueue(&Update{ID: generateID(), Topic: TopicConnected, Time: time.Now(), Payload: map[string]string{"client_id": clientID}})
	if initial != nil {
		for _, u := range initial() {
			if client.wants(u.Topic) {
				client.enqueue(u)
			}
		}
	}

	events := n.broadcastBuffer.Subscribe(clientID, n.config.ClientBufferSize)
	go func() {
		for u := range events {
			if !client.wants(u.Topic) {
				continue
			}
			if !client.enqueue(u) {
				select {
				case <-client.done:
					return
				default:
					n.logger.Warn().Str("client_id", clientID).Str("topic", u.Topic).Msg("Client queue full, dropping update")
				}
			}
		}
	}()

	n.logger.Debug().Str("client_id", clientID).Bool("sse", client.isSSE).Msg("Client connected")
	return client
}

// writePump is the only writer of data frames on a WebSocket connection
func (n *Notifier) writePump(client *Client) {
	for {
		select {
		case u := <-client.send:
			if u == nil {
				continue
			}
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteJSON(u); err != nil {
				n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket write error")
				n.removeClient(client.ID)
				return
			}
			n.metrics.NotifierEventsPublished.WithLabelValues("websocket").Inc()

		case <-client.done:
			return
		}
	}
}

// processClientMessage handles messages from WebSocket clients
func (n *Notifier) processClientMessage(client *Client, message []byte) {
	var request struct {
		Action string   `json:"action"`
		Topics []string `json:"topics,omitempty"`
	}

	if err := json.Unmarshal(message, &request); err != nil {
		n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("Failed to parse client message")
		client.enqueue(&Update{Topic: TopicError, Time: time.Now(), Payload: map[string]string{"error": "invalid message"}})
		return
	}

	switch request.Action {
	case "subscribe":
		topics := topicSet(request.Topics)
		client.mu.Lock()
		client.topics = topics
		client.mu.Unlock()

		n.logger.Debug().
			Str("client_id", client.ID).
			Strs("topics", request.Topics).
			Msg("Client updated subscription topics")

	case "ping":
		client.enqueue(&Update{Topic: TopicPong, Time: time.Now()})

	default:
		n.logger.Debug().
			Str("client_id", client.ID).
			Str("action", request.Action).
			Msg("Unknown client action")
	}
}

// removeClient disconnects a client; unknown ids are ignored
func (n *Notifier) removeClient(clientID string) {
	n.mu.Lock()
	client, exists := n.clients[clientID]
	if exists {
		delete(n.clients, clientID)
	}
	n.mu.Unlock()

	if !exists {
		return
	}

	n.closeClient(client)
	n.broadcastBuffer.Unsubscribe(clientID)

	n.logger.Debug().Str("client_id", clientID).Msg("Client removed")
}

func (n *Notifier) closeClient(client *Client) {
	client.once.Do(func() {
		close(client.done)
		if client.conn != nil {
			client.conn.Close()
		}
	})
}

// cleanupIdleClients periodically removes idle clients
func (n *Notifier) cleanupIdleClients(ctx context.Context) {
	ticker := time.NewTicker(n.config.MaxIdleTime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.performClientCleanup()
		case <-ctx.Done():
			return
		}
	}
}

// performClientCleanup removes clients that have been idle for too long
func (n *Notifier) performClientCleanup() {
	now := time.Now()
	var idleClients []string

	n.mu.RLock()
	for id, client := range n.clients {
		client.mu.Lock()
		lastActive := client.LastActive
		client.mu.Unlock()

		if now.Sub(lastActive) > n.config.MaxIdleTime {
			idleClients = append(idleClients, id)
		}
	}
	n.mu.RUnlock()

	for _, id := range idleClients {
		n.removeClient(id)
		n.logger.Debug().Str("client_id", id).Msg("Removed idle client")
	}
}

// sendHeartbeats pings WebSocket clients and writes keepalive comments to
// SSE clients
func (n *Notifier) sendHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.mu.RLock()
			clients := make([]*Client, 0, len(n.clients))
			for _, c := range n.clients {
				clients = append(clients, c)
			}
			n.mu.RUnlock()

			for _, client := range clients {
				if client.isSSE {
					client.enqueue(nil)
					continue
				}
				deadline := time.Now().Add(5 * time.Second)
				if err := client.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket ping failed")
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// Shutdown disconnects every client and stops the broadcast buffer
func (n *Notifier) Shutdown(ctx context.Context) error {
	n.logger.Info().Msg("Shutting down notifier")

	n.mu.Lock()
	clients := n.clients
	n.clients = make(map[string]*Client)
	n.mu.Unlock()

	for _, client := range clients {
		n.closeClient(client)
	}

	if err := n.broadcastBuffer.Close(); err != nil {
		n.logger.Error().Err(err).Msg("Error closing broadcast buffer")
		return err
	}

	n.logger.Info().Int("closed_clients", len(clients)).Msg("All client connections closed")
	return nil
}

func (n *Notifier) checkOrigin(r *http.Request) bool {
	if len(n.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range n.config.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// generateID creates a unique id; replaced in tests
var generateID = func() string {
	return uuid.NewString()
}
