// Package websocket streams investor records to subscribed clients.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/cosmic-lab-inc/phoenix-vaults/pkg/vault"
)

// Server fans engine records out to WebSocket clients. It implements
// vault.RecordSink so it can be handed to the engine directly.
type Server struct {
	logger log.Logger

	// Client management
	clients    map[*Client]bool
	clientsMu  sync.RWMutex
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	// Subscription management
	subscriptions map[string]map[*Client]bool // channel -> clients
	subMu         sync.RWMutex

	// Stats
	messagesOut uint64
	clientCount int32
	sequence    uint64

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Client represents a WebSocket client connection.
type Client struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	send     chan []byte
	channels map[string]bool
	mu       sync.RWMutex
}

// Message represents a WebSocket message.
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence,omitempty"`
}

// SubscribeRequest represents a subscription request.
type SubscribeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewServer creates a record feed server.
func NewServer(logger log.Logger) *Server {
	if logger == nil {
		logger = log.Root().New("module", "websocket")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		logger:        logger,
		clients:       make(map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		broadcast:     make(chan Message, 256),
		subscriptions: make(map[string]map[*Client]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start runs the hub loop.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop shuts the hub down and disconnects clients.
func (s *Server) Stop() {
	s.cancel()
	s.wg.Wait()
}

// EmitInvestorRecord implements vault.RecordSink; the record goes to the
// "records" firehose and the per-vault channel.
func (s *Server) EmitInvestorRecord(rec vault.InvestorRecord) {
	seq := atomic.AddUint64(&s.sequence, 1)
	msg := Message{
		Type:      "investor_record",
		Channel:   "records." + rec.Vault.String(),
		Data:      rec,
		Timestamp: time.Now().UnixMilli(),
		Sequence:  seq,
	}
	select {
	case s.broadcast <- msg:
	default:
		// feed is best-effort; a slow hub drops rather than blocks
	}
}

func (s *Server) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			s.clientsMu.Lock()
			for c := range s.clients {
				close(c.send)
				c.conn.Close()
			}
			s.clients = make(map[*Client]bool)
			s.clientsMu.Unlock()
			return

		case c := <-s.register:
			s.clientsMu.Lock()
			s.clients[c] = true
			s.clientsMu.Unlock()
			atomic.AddInt32(&s.clientCount, 1)
			s.logger.Debug("client connected", "id", c.id)

		case c := <-s.unregister:
			s.clientsMu.Lock()
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				close(c.send)
			}
			s.clientsMu.Unlock()
			s.removeSubscriptions(c)
			atomic.AddInt32(&s.clientCount, -1)
			s.logger.Debug("client disconnected", "id", c.id)

		case msg := <-s.broadcast:
			s.deliver(msg)
		}
	}
}

func (s *Server) deliver(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("marshal message", "err", err)
		return
	}

	targets := make(map[*Client]bool)
	s.subMu.RLock()
	for c := range s.subscriptions["records"] {
		targets[c] = true
	}
	for c := range s.subscriptions[msg.Channel] {
		targets[c] = true
	}
	s.subMu.RUnlock()

	for c := range targets {
		select {
		case c.send <- data:
			atomic.AddUint64(&s.messagesOut, 1)
		default:
			// slow client, drop the message
		}
	}
}

func (s *Server) subscribe(c *Client, channels []string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range channels {
		if s.subscriptions[ch] == nil {
			s.subscriptions[ch] = make(map[*Client]bool)
		}
		s.subscriptions[ch][c] = true
		c.mu.Lock()
		c.channels[ch] = true
		c.mu.Unlock()
	}
}

func (s *Server) unsubscribe(c *Client, channels []string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range channels {
		delete(s.subscriptions[ch], c)
		c.mu.Lock()
		delete(c.channels, ch)
		c.mu.Unlock()
	}
}

func (s *Server) removeSubscriptions(c *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscriptions {
		delete(s.subscriptions[ch], c)
	}
}

// HandleWebSocket upgrades an HTTP request into a feed connection.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	c := &Client{
		id:       fmt.Sprintf("%s-%d", r.RemoteAddr, time.Now().UnixNano()),
		conn:     conn,
		server:   s,
		send:     make(chan []byte, 64),
		channels: make(map[string]bool),
	}
	s.register <- c
	go c.writePump()
	go c.readPump()
}

// ClientCount reports connected clients.
func (s *Server) ClientCount() int {
	return int(atomic.LoadInt32(&s.clientCount))
}

func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req SubscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		switch req.Type {
		case "subscribe":
			c.server.subscribe(c, req.Channels)
		case "unsubscribe":
			c.server.unsubscribe(c, req.Channels)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
