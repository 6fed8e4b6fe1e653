package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"claude-relay/internal/chat"
	"claude-relay/internal/protocol"
	"claude-relay/internal/transcript"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T) (*Server, *chat.Manager) {
	t.Helper()
	mgr := chat.NewManager(chat.Options{
		MaxChats:        10,
		AgentBin:        "claude",
		ReadyDelay:      time.Millisecond,
		GracefulTimeout: time.Millisecond,
	})
	tw := transcript.New(nil)
	t.Cleanup(tw.Shutdown)
	return New(mgr, tw, t.TempDir(), ""), mgr
}

func TestServer_Handler(t *testing.T) {
	srv, _ := newTestServer(t)
	if srv.Handler() == nil {
		t.Fatal("expected non-nil handler")
	}
}

func TestServer_ListChatsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/chats", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var chats []chat.Info
	json.NewDecoder(w.Body).Decode(&chats)
	if len(chats) != 0 {
		t.Errorf("expected empty list, got %d chats", len(chats))
	}
}

func TestServer_CreateChatBadBody(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/chats", strings.NewReader("invalid json"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_CreateChatMissingWorkDir(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/chats", strings.NewReader(`{"name":"test"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_CreateChatAndGet(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	body := `{"workDir":"` + t.TempDir() + `","name":"test"}`
	req := httptest.NewRequest("POST", "/chats", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var info chat.Info
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if info.ID == "" || info.ConversationID == "" {
		t.Fatalf("expected ids in create response, got %+v", info)
	}
	if info.Lifecycle != chat.LifecycleStarting {
		t.Errorf("expected starting lifecycle, got %s", info.Lifecycle)
	}

	req = httptest.NewRequest("GET", "/chats/"+info.ID, nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestServer_GetChatNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/chats/nonexistent", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_SendMessageBadBody(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/chats/test/message", strings.NewReader("bad"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_SendMessageNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/chats/nonexistent/message", strings.NewReader(`{"content":"hi"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_ApprovalValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/chats/x/approval", strings.NewReader(`{"behavior":"allow"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing requestId: expected 400, got %d", w.Code)
	}

	req = httptest.NewRequest("POST", "/chats/x/approval", strings.NewReader(`{"requestId":"r","behavior":"maybe"}`))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad behavior: expected 400, got %d", w.Code)
	}

	req = httptest.NewRequest("POST", "/chats/x/approval", strings.NewReader(`{"requestId":"r","behavior":"allow"}`))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown chat: expected 404, got %d", w.Code)
	}
}

func TestServer_DeleteChatNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("DELETE", "/chats/nonexistent", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_HistoryEmptyForFreshChat(t *testing.T) {
	srv, mgr := newTestServer(t)
	handler := srv.Handler()

	ch, err := mgr.Create(chat.CreateParams{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	req := httptest.NewRequest("GET", "/chats/"+ch.ID()+"/history", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var payload protocol.ChatHistoryPayload
	if err := json.NewDecoder(w.Body).Decode(&payload); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if payload.ChatID != ch.ID() || len(payload.Entries) != 0 {
		t.Errorf("expected empty history for chat %s, got %+v", ch.ID(), payload)
	}
}

func TestServer_Cleanup(t *testing.T) {
	srv, mgr := newTestServer(t)
	handler := srv.Handler()

	ch, err := mgr.Create(chat.CreateParams{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	mgr.Stop(ch.ID())

	req := httptest.NewRequest("POST", "/chats/cleanup", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body map[string]int
	json.NewDecoder(w.Body).Decode(&body)
	if body["removed"] != 1 {
		t.Errorf("expected 1 removed, got %d", body["removed"])
	}
}

func dialWS(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	return ws
}

func readWSMessage(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read message failed: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	return msg
}

func TestServer_WebSocketChatListOnConnect(t *testing.T) {
	srv, mgr := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	ch, err := mgr.Create(chat.CreateParams{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ws := dialWS(t, httpSrv.URL)
	defer ws.Close()

	msg := readWSMessage(t, ws)
	if msg.Type != protocol.TypeChatList {
		t.Fatalf("expected %s first, got %s", protocol.TypeChatList, msg.Type)
	}

	var payload protocol.ChatListPayload
	json.Unmarshal(msg.Payload, &payload)
	if len(payload.Chats) != 1 || payload.Chats[0].ID != ch.ID() {
		t.Errorf("expected chat %s in list, got %+v", ch.ID(), payload.Chats)
	}
}

func TestServer_WebSocketCreateChat(t *testing.T) {
	srv, _ := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	ws := dialWS(t, httpSrv.URL)
	defer ws.Close()

	// Skip the initial chat list.
	if msg := readWSMessage(t, ws); msg.Type != protocol.TypeChatList {
		t.Fatalf("expected initial chat list, got %s", msg.Type)
	}

	create := map[string]interface{}{
		"type": protocol.TypeChatCreate,
		"payload": map[string]interface{}{
			"workDir": t.TempDir(),
			"name":    "test",
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(create)
	ws.WriteMessage(websocket.TextMessage, data)

	msg := readWSMessage(t, ws)
	if msg.Type != protocol.TypeChatUpdate {
		t.Fatalf("expected %s, got %s", protocol.TypeChatUpdate, msg.Type)
	}

	var payload protocol.ChatUpdatePayload
	json.Unmarshal(msg.Payload, &payload)
	if payload.Chat.ID == "" {
		t.Error("expected chat id in update")
	}
}

func TestServer_WebSocketInvalidMessage(t *testing.T) {
	srv, _ := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	ws := dialWS(t, httpSrv.URL)
	defer ws.Close()

	if msg := readWSMessage(t, ws); msg.Type != protocol.TypeChatList {
		t.Fatalf("expected initial chat list, got %s", msg.Type)
	}

	ws.WriteMessage(websocket.TextMessage, []byte("not json"))

	msg := readWSMessage(t, ws)
	if msg.Type != protocol.TypeError {
		t.Errorf("expected error type, got %s", msg.Type)
	}

	var payload protocol.ErrorPayload
	json.Unmarshal(msg.Payload, &payload)
	if payload.Code != protocol.ErrInvalidMessage {
		t.Errorf("expected code %s, got %s", protocol.ErrInvalidMessage, payload.Code)
	}
}

func TestServer_WebSocketUnknownChatError(t *testing.T) {
	srv, _ := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	ws := dialWS(t, httpSrv.URL)
	defer ws.Close()

	if msg := readWSMessage(t, ws); msg.Type != protocol.TypeChatList {
		t.Fatalf("expected initial chat list, got %s", msg.Type)
	}

	stop := map[string]interface{}{
		"type":      protocol.TypeChatStop,
		"payload":   map[string]interface{}{"chatId": "nonexistent"},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(stop)
	ws.WriteMessage(websocket.TextMessage, data)

	msg := readWSMessage(t, ws)
	if msg.Type != protocol.TypeError {
		t.Fatalf("expected error type, got %s", msg.Type)
	}

	var payload protocol.ErrorPayload
	json.Unmarshal(msg.Payload, &payload)
	if payload.Code != protocol.ErrChatNotFound {
		t.Errorf("expected code %s, got %s", protocol.ErrChatNotFound, payload.Code)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "relay_chats_active") {
		t.Error("expected relay metrics in /metrics output")
	}
}

func TestServer_CORSHeaders(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("OPTIONS", "/chats", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS Allow-Origin header")
	}
}

func TestClient_EnqueueAfterShutdown(t *testing.T) {
	c := &client{send: make(chan []byte, 1)}

	c.enqueue([]byte("first"))
	c.shutdown()
	c.enqueue([]byte("late")) // must be dropped, not sent on the closed channel
	c.shutdown()              // idempotent

	if msg, ok := <-c.send; !ok || string(msg) != "first" {
		t.Fatalf("expected buffered message before shutdown, got %q ok=%v", msg, ok)
	}
	if _, ok := <-c.send; ok {
		t.Error("expected send channel closed after shutdown")
	}
}

func TestServer_RemoveClientWithBufferedEvents(t *testing.T) {
	// Events still buffered in a subscription channel when the client
	// disconnects are drained by the forwarding goroutine after removeClient
	// has run. Those late deliveries must be dropped, not crash the server.
	srv, mgr := newTestServer(t)

	for i := 0; i < 50; i++ {
		ch, err := mgr.Create(chat.CreateParams{WorkDir: t.TempDir(), Policy: chat.PolicyAssisted})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		c := &client{send: make(chan []byte, 1), server: srv}
		srv.clientsMu.Lock()
		srv.clients[c] = true
		srv.clientsMu.Unlock()
		srv.subscriptionsMu.Lock()
		srv.subscriptions[c] = make(map[string]string)
		srv.subscriptionsMu.Unlock()

		srv.subscribeClient(c, ch.ID())
		mgr.Stop(ch.ID()) // emits a status event into the subscription channel
		srv.removeClient(c)
		mgr.Cleanup()
	}
}
