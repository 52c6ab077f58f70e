// Package gateway implements the websocket fan-out surface: topic-scoped
// subscriptions, the versioned wire envelope, and the connection server.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// MessageHandler receives send_message frames from clients. The gateway
// itself never runs turns; it hands the message to the core.
type MessageHandler func(ctx context.Context, userID, threadID, content string) error

// Server upgrades websocket connections and bridges them to the topic
// manager.
type Server struct {
	topics   *TopicManager
	onSend   MessageHandler
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithServerLogger configures the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMessageHandler sets the handler for inbound send_message frames.
func WithMessageHandler(h MessageHandler) ServerOption {
	return func(s *Server) { s.onSend = h }
}

// NewServer creates a websocket server over the given topic manager.
func NewServer(topics *TopicManager, opts ...ServerOption) *Server {
	s := &Server{
		topics: topics,
		logger: slog.Default().With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Topics exposes the topic manager for publishers.
func (s *Server) Topics() *TopicManager { return s.topics }

// ServeHTTP upgrades the connection and runs the read loop until the client
// disconnects. The authenticated user id must already be resolved by the
// outer auth middleware and passed via the request context or header.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		http.Error(w, "missing user", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	conn := newConn(s, ws, userID)
	conn.run(r.Context())
}

// conn is one live websocket connection. All socket writes are serialised
// through the send channel and a single writer goroutine.
type conn struct {
	server   *Server
	ws       *websocket.Conn
	userID   string
	clientID string

	send chan Envelope
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	forwards map[string]func() // topic -> stop forwarding
}

func newConn(s *Server, ws *websocket.Conn, userID string) *conn {
	return &conn{
		server:   s,
		ws:       ws,
		userID:   userID,
		clientID: uuid.NewString(),
		send:     make(chan Envelope, clientQueueSize),
		done:     make(chan struct{}),
		forwards: make(map[string]func()),
	}
}

func (c *conn) run(ctx context.Context) {
	go c.writeLoop()
	c.readLoop(ctx)
	c.close()
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for _, stop := range c.forwards {
			stop()
		}
		c.forwards = nil
		c.mu.Unlock()
		c.server.topics.Disconnect(c.clientID)
		_ = c.ws.Close()
	})
}

func (c *conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(1 << 20)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError("", "invalid frame: "+err.Error())
			continue
		}
		if err := validateClientFrame(raw, &env); err != nil {
			c.sendError(env.ReqID, "invalid frame: "+err.Error())
			continue
		}
		c.handle(ctx, env)
	}
}

func (c *conn) handle(ctx context.Context, env Envelope) {
	switch env.Type {
	case TypePing:
		pong := NewEnvelope(TypePong, SystemTopic, nil)
		pong.ReqID = env.ReqID
		c.enqueue(pong)
	case TypeSubscribe:
		topic, _ := env.Data["topic"].(string)
		c.subscribe(topic)
	case TypeUnsubscribe:
		topic, _ := env.Data["topic"].(string)
		c.unsubscribe(topic)
	case TypeSendMessage:
		if c.server.onSend == nil {
			c.sendError(env.ReqID, "send_message not supported")
			return
		}
		threadID, _ := env.Data["thread_id"].(string)
		content, _ := env.Data["content"].(string)
		if err := c.server.onSend(ctx, c.userID, threadID, content); err != nil {
			c.sendError(env.ReqID, err.Error())
		}
	}
}

// subscribe wires a topic channel into this connection's writer. One
// forwarding goroutine per topic keeps each topic's FIFO order intact.
func (c *conn) subscribe(topic string) {
	if topic == "" {
		return
	}
	c.mu.Lock()
	if _, ok := c.forwards[topic]; ok {
		c.mu.Unlock()
		return
	}
	frames := c.server.topics.Subscribe(topic, c.clientID)
	stop := make(chan struct{})
	c.forwards[topic] = func() { close(stop) }
	c.mu.Unlock()

	go func() {
		for {
			select {
			case env, ok := <-frames:
				if !ok {
					return
				}
				c.enqueue(env)
			case <-stop:
				return
			case <-c.done:
				return
			}
		}
	}()
}

func (c *conn) unsubscribe(topic string) {
	c.mu.Lock()
	if stop, ok := c.forwards[topic]; ok {
		stop()
		delete(c.forwards, topic)
	}
	c.mu.Unlock()
	c.server.topics.Unsubscribe(topic, c.clientID)
}

func (c *conn) enqueue(env Envelope) {
	select {
	case c.send <- env:
	case <-c.done:
	default:
		// Writer is wedged; drop the connection, not the frame stream.
		c.server.logger.Warn("connection send queue full", "client_id", c.clientID)
		c.close()
	}
}

func (c *conn) sendError(reqID, msg string) {
	env := NewEnvelope(TypeError, SystemTopic, map[string]any{"message": msg})
	env.ReqID = reqID
	c.enqueue(env)
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case env := <-c.send:
			raw, err := env.Encode()
			if err != nil {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}
