// Package realtime exposes the chat registry over WebSocket and REST.
package realtime

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"claude-relay/internal/chat"
	"claude-relay/internal/protocol"
	"claude-relay/internal/stream"
	"claude-relay/internal/transcript"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Server manages WebSocket connections and routes messages between
// clients, the chat registry, and the transcript watcher.
type Server struct {
	mgr            *chat.Manager
	tw             *transcript.Watcher
	transcriptRoot string
	staticDir      string

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// subscriptions tracks which chat subscriptions exist per client.
	// key: client, value: map[chatID]subscriptionID
	subscriptions   map[*client]map[string]string
	subscriptionsMu sync.Mutex
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	mu     sync.Mutex
	closed bool
}

// enqueue hands a marshaled message to the write pump. Messages are dropped
// when the client's buffer is full or the client has been removed; the
// latter guard keeps subscription goroutines that are still draining their
// channels from sending on a closed channel.
func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full, skip.
	}
}

// shutdown marks the client closed and closes the send channel exactly once.
func (c *client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// New creates a realtime server. tw may be nil when transcript watching is
// disabled.
func New(mgr *chat.Manager, tw *transcript.Watcher, transcriptRoot, staticDir string) *Server {
	return &Server{
		mgr:            mgr,
		tw:             tw,
		transcriptRoot: transcriptRoot,
		staticDir:      staticDir,
		clients:        make(map[*client]bool),
		subscriptions:  make(map[*client]map[string]string),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /chats", s.handleCreateChat)
	mux.HandleFunc("GET /chats", s.handleListChats)
	mux.HandleFunc("POST /chats/cleanup", s.handleCleanup)
	mux.HandleFunc("GET /chats/{id}", s.handleGetChat)
	mux.HandleFunc("POST /chats/{id}/message", s.handleSendMessage)
	mux.HandleFunc("POST /chats/{id}/approval", s.handleApproval)
	mux.HandleFunc("POST /chats/{id}/auto-approve", s.handleAutoApprove)
	mux.HandleFunc("GET /chats/{id}/history", s.handleHistory)
	mux.HandleFunc("DELETE /chats/{id}", s.handleDeleteChat)

	// Prometheus metrics.
	mux.Handle("/metrics", promhttp.Handler())

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// errorCode maps registry errors to wire error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return protocol.ErrChatNotFound
	case errors.Is(err, chat.ErrChatStopped):
		return protocol.ErrChatStopped
	case errors.Is(err, chat.ErrTurnInFlight):
		return protocol.ErrTurnInFlight
	case errors.Is(err, chat.ErrNoSuchApproval):
		return protocol.ErrApprovalNotFound
	case errors.Is(err, chat.ErrProcessGone):
		return protocol.ErrProcessGone
	case errors.Is(err, chat.ErrMaxChats):
		return protocol.ErrMaxChats
	default:
		return protocol.ErrSpawnFailed
	}
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]string)
	s.subscriptionsMu.Unlock()

	// Send the current chat list to the new client, then subscribe it to
	// every live chat so it receives events for chats that predate this
	// connection.
	s.sendChatList(c)
	s.subscribeClientToLiveChats(c)

	go c.writePump()
	go c.readPump()
}

// sendChatList sends the current chat snapshots to a client.
func (s *Server) sendChatList(c *client) {
	msg, err := protocol.NewMessage(protocol.TypeChatList, protocol.ChatListPayload{
		Chats: s.mgr.List(),
	})
	if err != nil {
		return
	}
	s.sendTo(c, msg)
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	subs := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	// Mark the client closed before unsubscribing: the forwarding goroutines
	// may still drain events buffered in the subscription channels, and
	// enqueue must drop those instead of sending on the closed channel.
	c.shutdown()

	for chatID, subID := range subs {
		s.mgr.Unsubscribe(chatID, subID)
	}
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeChatCreate:
		s.handleWSCreate(c, msg)
	case protocol.TypeChatMessage:
		s.handleWSMessage(c, msg)
	case protocol.TypeChatApproval:
		s.handleWSApproval(c, msg)
	case protocol.TypeChatAutoApprove:
		s.handleWSAutoApprove(c, msg)
	case protocol.TypeChatStop:
		s.handleWSStop(c, msg)
	case protocol.TypeChatRequestHistory:
		s.handleWSHistory(c, msg)
	}
}

func (s *Server) handleWSCreate(c *client, msg *protocol.Message) {
	var payload protocol.ChatCreatePayload
	json.Unmarshal(msg.Payload, &payload)

	ch, err := s.createChat(payload)
	if err != nil {
		s.sendError(c, errorCode(err), err.Error())
		return
	}

	s.broadcastChatUpdate(ch.Info())
	s.subscribeAllClients(ch.ID())
}

// createChat registers the chat and wires its transcript watcher. Shared by
// the WS and REST create paths.
func (s *Server) createChat(payload protocol.ChatCreatePayload) (*chat.Chat, error) {
	ch, err := s.mgr.Create(chat.CreateParams{
		WorkDir:              payload.WorkDir,
		Name:                 payload.Name,
		SystemPrompt:         payload.SystemPrompt,
		Policy:               payload.PermissionPolicy,
		ResumeConversationID: payload.ResumeConversationID,
	})
	if err != nil {
		return nil, err
	}

	if s.tw != nil {
		path := transcript.ConversationPath(s.transcriptRoot, ch.WorkDir(), ch.ConversationID())
		if err := s.tw.Watch(ch.ID(), path); err != nil {
			log.Printf("failed to start transcript watcher for chat %s: %v", ch.ID(), err)
		}
	}
	return ch, nil
}

func (s *Server) handleWSMessage(c *client, msg *protocol.Message) {
	var payload protocol.ChatMessagePayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.mgr.SendMessage(payload.ChatID, payload.Content, payload.Attachments); err != nil {
		s.sendError(c, errorCode(err), err.Error())
	}
}

func (s *Server) handleWSApproval(c *client, msg *protocol.Message) {
	var payload protocol.ChatApprovalPayload
	json.Unmarshal(msg.Payload, &payload)

	err := s.mgr.RespondApproval(payload.ChatID, payload.RequestID, payload.Behavior, payload.UpdatedInput, payload.Message)
	if err != nil {
		s.sendError(c, errorCode(err), err.Error())
	}
}

func (s *Server) handleWSAutoApprove(c *client, msg *protocol.Message) {
	var payload protocol.ChatAutoApprovePayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.mgr.SetAutoApprove(payload.ChatID, payload.Enabled); err != nil {
		s.sendError(c, errorCode(err), err.Error())
	}
}

func (s *Server) handleWSStop(c *client, msg *protocol.Message) {
	var payload protocol.ChatIDPayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.mgr.Stop(payload.ChatID); err != nil {
		s.sendError(c, errorCode(err), err.Error())
	}
}

func (s *Server) handleWSHistory(c *client, msg *protocol.Message) {
	var payload protocol.ChatIDPayload
	json.Unmarshal(msg.Payload, &payload)

	entries, err := s.readHistory(payload.ChatID)
	if err != nil {
		s.sendError(c, errorCode(err), err.Error())
		return
	}

	resp, err := protocol.NewMessage(protocol.TypeChatHistory, protocol.ChatHistoryPayload{
		ChatID:  payload.ChatID,
		Entries: entries,
	})
	if err != nil {
		return
	}
	s.sendTo(c, resp)
}

// readHistory rebuilds a chat's transcript from the agent's on-disk record.
// A transcript that does not exist yet is an empty history, not an error.
func (s *Server) readHistory(chatID string) ([]stream.Event, error) {
	ch, err := s.mgr.Get(chatID)
	if err != nil {
		return nil, err
	}

	path := transcript.ConversationPath(s.transcriptRoot, ch.WorkDir(), ch.ConversationID())
	entries, err := transcript.Read(path)
	if err != nil {
		return []stream.Event{}, nil
	}
	return entries, nil
}

// broadcastChatUpdate sends a chat snapshot to all connected clients.
func (s *Server) broadcastChatUpdate(info chat.Info) {
	msg, err := protocol.NewMessage(protocol.TypeChatUpdate, protocol.ChatUpdatePayload{Chat: info})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.enqueue(data)
	}
}

// subscribeAllClients subscribes all connected clients to a chat's events.
func (s *Server) subscribeAllClients(chatID string) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		s.subscribeClient(c, chatID)
	}
}

// subscribeClientToLiveChats subscribes a single client to all non-stopped
// chats. Called when a new WebSocket connection is established.
func (s *Server) subscribeClientToLiveChats(c *client) {
	for _, info := range s.mgr.List() {
		if info.Lifecycle != chat.LifecycleStopped {
			s.subscribeClient(c, info.ID)
		}
	}
}

// subscribeClient subscribes a single client to a chat's events, replaying
// the buffered history first.
func (s *Server) subscribeClient(c *client, chatID string) {
	s.subscriptionsMu.Lock()
	if _, exists := s.subscriptions[c][chatID]; exists {
		s.subscriptionsMu.Unlock()
		return // Already subscribed.
	}
	s.subscriptionsMu.Unlock()

	subID, ch, history, err := s.mgr.Subscribe(chatID)
	if err != nil {
		return
	}

	s.subscriptionsMu.Lock()
	if s.subscriptions[c] == nil {
		s.subscriptions[c] = make(map[string]string)
	}
	s.subscriptions[c][chatID] = subID
	s.subscriptionsMu.Unlock()

	for _, event := range history {
		s.sendChatEvent(c, event)
	}

	// Forward new events.
	go func() {
		for event := range ch {
			s.sendChatEvent(c, event)
		}
	}()
}

func (s *Server) sendChatEvent(c *client, event chat.Event) {
	msg, err := protocol.NewMessage(protocol.TypeChatEvent, protocol.ChatEventPayload{Event: event})
	if err != nil {
		return
	}
	s.sendTo(c, msg)
}

func (s *Server) sendTo(c *client, msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	data, _ := json.Marshal(msg)
	c.enqueue(data)
}

// OnTranscriptUpdate is the callback for the transcript watcher: it rereads
// the changed transcript and broadcasts the rebuilt history.
func (s *Server) OnTranscriptUpdate(chatID string) {
	entries, err := s.readHistory(chatID)
	if err != nil {
		return
	}
	msg, err := protocol.NewMessage(protocol.TypeChatHistory, protocol.ChatHistoryPayload{
		ChatID:  chatID,
		Entries: entries,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}
