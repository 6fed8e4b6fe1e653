package chat

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultRingBufCapacity  = 1000
	defaultSubscriberBufCap = 100
	defaultAgentBin         = "claude"
	defaultReadyDelay       = 300 * time.Millisecond
	defaultGracefulTimeout  = 5 * time.Second
	defaultMaxChats         = 10
)

// Options tunes a Manager. Zero values pick sensible defaults.
type Options struct {
	MaxChats        int
	AgentBin        string
	ReadyDelay      time.Duration
	GracefulTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxChats == 0 {
		o.MaxChats = defaultMaxChats
	}
	if o.AgentBin == "" {
		o.AgentBin = defaultAgentBin
	}
	if o.ReadyDelay == 0 {
		o.ReadyDelay = defaultReadyDelay
	}
	if o.GracefulTimeout == 0 {
		o.GracefulTimeout = defaultGracefulTimeout
	}
	return o
}

// Manager is the chat registry: it owns the id -> Chat mapping, routes
// inbound commands to the right chat, and fans chat events out to
// subscribers.
type Manager struct {
	mu    sync.RWMutex
	chats map[string]*managedChat
	opts  Options
}

type managedChat struct {
	chat        *Chat
	ring        *RingBuffer
	subscribers map[string]chan Event
	subMu       sync.RWMutex
}

// publish appends an event to the ring and fans it out to subscribers,
// dropping when a buffer is full. Ring write and fan-out happen under one
// lock so a concurrent Subscribe sees each event exactly once: either in
// its history snapshot or on its live channel, never neither and never both.
func (mc *managedChat) publish(event Event) {
	mc.subMu.Lock()
	defer mc.subMu.Unlock()
	mc.ring.Write(event)
	for _, ch := range mc.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (mc *managedChat) closeSubscribers() {
	mc.subMu.Lock()
	defer mc.subMu.Unlock()
	for id, ch := range mc.subscribers {
		close(ch)
		delete(mc.subscribers, id)
	}
}

// NewManager creates a chat registry.
func NewManager(opts Options) *Manager {
	return &Manager{
		chats: make(map[string]*managedChat),
		opts:  opts.withDefaults(),
	}
}

// CreateParams are the caller-supplied fields for a new chat.
type CreateParams struct {
	WorkDir              string
	Name                 string
	SystemPrompt         string
	ResumeConversationID string
	Policy               PermissionPolicy
}

// Create registers a new chat. No agent process is spawned; the first
// SendMessage does that.
func (m *Manager) Create(params CreateParams) (*Chat, error) {
	info, err := os.Stat(params.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("working directory does not exist: %s", params.WorkDir)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", params.WorkDir)
	}

	policy := params.Policy
	if policy == "" {
		policy = PolicyAssisted
	}
	if policy != PolicyAssisted && policy != PolicyUnrestricted {
		return nil, fmt.Errorf("unknown permission policy: %s", policy)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	live := 0
	for _, mc := range m.chats {
		if mc.chat.Lifecycle() != LifecycleStopped {
			live++
		}
	}
	if live >= m.opts.MaxChats {
		return nil, fmt.Errorf("%w (%d)", ErrMaxChats, m.opts.MaxChats)
	}

	id := uuid.New().String()
	conversationID := params.ResumeConversationID
	resumeExisting := conversationID != ""
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	mc := &managedChat{
		ring:        NewRingBuffer(defaultRingBufCapacity),
		subscribers: make(map[string]chan Event),
	}
	emit := mc.publish

	cfg := runtimeConfig{
		agentBin:        m.opts.AgentBin,
		readyDelay:      m.opts.ReadyDelay,
		gracefulTimeout: m.opts.GracefulTimeout,
	}
	mc.chat = newChat(id, conversationID, params.WorkDir, params.Name, params.SystemPrompt, policy, resumeExisting, cfg, emit)
	m.chats[id] = mc
	activeChats.Inc()

	return mc.chat, nil
}

// Get returns a chat by id.
func (m *Manager) Get(id string) (*Chat, error) {
	mc, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return mc.chat, nil
}

// List returns snapshots of all chats.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Info, 0, len(m.chats))
	for _, mc := range m.chats {
		result = append(result, mc.chat.Info())
	}
	return result
}

func (m *Manager) lookup(id string) (*managedChat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.chats[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return mc, nil
}

// SendMessage starts a turn on the addressed chat.
func (m *Manager) SendMessage(id, content string, attachments []Attachment) error {
	mc, err := m.lookup(id)
	if err != nil {
		return err
	}
	return mc.chat.SendMessage(content, attachments)
}

// RespondApproval delivers a human decision for a pending request.
func (m *Manager) RespondApproval(id, requestID, behavior string, updatedInput json.RawMessage, message string) error {
	mc, err := m.lookup(id)
	if err != nil {
		return err
	}
	return mc.chat.RespondApproval(requestID, behavior, updatedInput, message)
}

// SetAutoApprove toggles automatic approval on a chat.
func (m *Manager) SetAutoApprove(id string, enabled bool) error {
	mc, err := m.lookup(id)
	if err != nil {
		return err
	}
	mc.chat.SetAutoApprove(enabled)
	return nil
}

// Stop terminates a chat's process and marks it stopped.
func (m *Manager) Stop(id string) error {
	mc, err := m.lookup(id)
	if err != nil {
		return err
	}
	mc.chat.Stop()
	return nil
}

// Cleanup removes all stopped and errored chats and returns the count
// removed. Running chats are untouched even when their last turn finished.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	var removed []*managedChat
	for id, mc := range m.chats {
		switch mc.chat.Lifecycle() {
		case LifecycleStopped, LifecycleError:
			delete(m.chats, id)
			removed = append(removed, mc)
		}
	}
	m.mu.Unlock()

	for _, mc := range removed {
		mc.closeSubscribers()
		activeChats.Dec()
	}
	return len(removed)
}

// Subscribe attaches a new event listener to a chat. It returns the
// subscription id, the live event channel, and the buffered history so the
// subscriber can replay before streaming.
func (m *Manager) Subscribe(id string) (string, <-chan Event, []Event, error) {
	mc, err := m.lookup(id)
	if err != nil {
		return "", nil, nil, err
	}

	subID := uuid.New().String()
	ch := make(chan Event, defaultSubscriberBufCap)

	// Snapshot and register under the publish lock: an event published
	// concurrently lands either in the snapshot or on the channel.
	mc.subMu.Lock()
	history := mc.ring.ReadAll()
	mc.subscribers[subID] = ch
	mc.subMu.Unlock()

	return subID, ch, history, nil
}

// Unsubscribe detaches a listener. Safe to call for unknown ids.
func (m *Manager) Unsubscribe(chatID, subID string) {
	mc, err := m.lookup(chatID)
	if err != nil {
		return
	}
	mc.subMu.Lock()
	if ch, ok := mc.subscribers[subID]; ok {
		close(ch)
		delete(mc.subscribers, subID)
	}
	mc.subMu.Unlock()
}

// Shutdown stops every chat and, after the graceful timeout, force-kills
// whatever is still alive.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	chats := make([]*managedChat, 0, len(m.chats))
	for _, mc := range m.chats {
		chats = append(chats, mc)
	}
	m.mu.RUnlock()

	for _, mc := range chats {
		mc.chat.Stop()
	}

	time.Sleep(m.opts.GracefulTimeout)

	for _, mc := range chats {
		mc.chat.forceKill()
		mc.closeSubscribers()
	}
}
