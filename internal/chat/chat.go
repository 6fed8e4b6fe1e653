package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"claude-relay/internal/stream"
)

const defaultScannerBufSize = 1024 * 1024 // 1 MB

// LifecycleStatus is the coarse lifecycle of a chat. It stays "running"
// across turns even though the agent process exits after each turn.
type LifecycleStatus string

const (
	LifecycleStarting LifecycleStatus = "starting"
	LifecycleRunning  LifecycleStatus = "running"
	LifecycleStopped  LifecycleStatus = "stopped"
	LifecycleError    LifecycleStatus = "error"
)

// TurnState tracks activity within the current or most recent turn.
type TurnState string

const (
	TurnIdle             TurnState = "idle"
	TurnProcessing       TurnState = "processing"
	TurnAwaitingApproval TurnState = "awaitingApproval"
	TurnFinished         TurnState = "finished"
	TurnError            TurnState = "error"
)

// turnTransitions is the set of legal turn state changes. Anything not
// listed here is a bug and is logged and refused.
var turnTransitions = map[TurnState]map[TurnState]bool{
	TurnIdle:             {TurnProcessing: true, TurnError: true},
	TurnProcessing:       {TurnAwaitingApproval: true, TurnIdle: true, TurnFinished: true, TurnError: true},
	TurnAwaitingApproval: {TurnProcessing: true, TurnIdle: true, TurnFinished: true, TurnError: true},
	TurnFinished:         {TurnProcessing: true, TurnError: true},
	TurnError:            {TurnProcessing: true},
}

// PermissionPolicy selects how tool permissions are handled for a chat.
type PermissionPolicy string

const (
	// PolicyAssisted routes every tool use through the approval sub-protocol.
	PolicyAssisted PermissionPolicy = "assisted"
	// PolicyUnrestricted launches the agent with permission checks disabled.
	PolicyUnrestricted PermissionPolicy = "unrestricted"
)

// Attachment is a base64-encoded image sent alongside a user message.
type Attachment struct {
	MediaType string `json:"mediaType"` // "image/png", "image/jpeg", ...
	Data      string `json:"data"`
}

// runtimeConfig is spawn tuning shared by all chats of a Manager.
type runtimeConfig struct {
	agentBin        string
	readyDelay      time.Duration
	gracefulTimeout time.Duration
}

// Chat owns one logical conversation: its identity, turn state machine,
// pending approvals, and at most one live agent process at a time.
type Chat struct {
	id             string
	conversationID string
	workDir        string
	name           string
	systemPrompt   string
	policy         PermissionPolicy
	createdAt      time.Time
	cfg            runtimeConfig
	emit           func(Event)

	mu             sync.Mutex
	lifecycle      LifecycleStatus
	turn           TurnState
	turnsCompleted int
	resumeExisting bool
	autoApprove    bool
	pending        map[string]*stream.ApprovalRequest
	pendingOrder   []string
	proc           *process
}

// process is the exclusively-owned handle for one spawned turn.
type process struct {
	cmd    *exec.Cmd
	stdin  *stdinWriter
	cancel context.CancelFunc
}

// stdinWriter serializes writes to the agent's stdin pipe.
type stdinWriter struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

// WriteLine appends a newline and writes the line to the pipe.
func (sw *stdinWriter) WriteLine(line []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return fmt.Errorf("stdin pipe closed")
	}
	_, err := sw.w.Write(append(line, '\n'))
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.w.Close()
		sw.closed = true
	}
}

func newChat(id, conversationID, workDir, name, systemPrompt string, policy PermissionPolicy, resumeExisting bool, cfg runtimeConfig, emit func(Event)) *Chat {
	return &Chat{
		id:             id,
		conversationID: conversationID,
		workDir:        workDir,
		name:           name,
		systemPrompt:   systemPrompt,
		policy:         policy,
		createdAt:      time.Now().UTC(),
		cfg:            cfg,
		emit:           emit,
		lifecycle:      LifecycleStarting,
		turn:           TurnIdle,
		resumeExisting: resumeExisting,
		pending:        make(map[string]*stream.ApprovalRequest),
	}
}

// ID returns the chat's stable identifier.
func (c *Chat) ID() string { return c.id }

// ConversationID returns the identifier the agent uses to resume context.
func (c *Chat) ConversationID() string { return c.conversationID }

// WorkDir returns the chat's working directory.
func (c *Chat) WorkDir() string { return c.workDir }

// Info is an exported, JSON-friendly snapshot of a chat.
type Info struct {
	ID               string                   `json:"id"`
	ConversationID   string                   `json:"conversationId"`
	WorkDir          string                   `json:"workDir"`
	Name             string                   `json:"name,omitempty"`
	Policy           PermissionPolicy         `json:"permissionPolicy"`
	Lifecycle        LifecycleStatus          `json:"lifecycleStatus"`
	Turn             TurnState                `json:"turnState"`
	TurnsCompleted   int                      `json:"turnsCompleted"`
	AutoApprove      bool                     `json:"autoApprove"`
	PendingApprovals []stream.ApprovalRequest `json:"pendingApprovals"`
	CreatedAt        time.Time                `json:"createdAt"`
}

// Info returns a consistent snapshot of the chat's state.
func (c *Chat) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := make([]stream.ApprovalRequest, 0, len(c.pendingOrder))
	for _, id := range c.pendingOrder {
		if req, ok := c.pending[id]; ok {
			pending = append(pending, *req)
		}
	}
	return Info{
		ID:               c.id,
		ConversationID:   c.conversationID,
		WorkDir:          c.workDir,
		Name:             c.name,
		Policy:           c.policy,
		Lifecycle:        c.lifecycle,
		Turn:             c.turn,
		TurnsCompleted:   c.turnsCompleted,
		AutoApprove:      c.autoApprove,
		PendingApprovals: pending,
		CreatedAt:        c.createdAt,
	}
}

// Lifecycle returns the current lifecycle status.
func (c *Chat) Lifecycle() LifecycleStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycle
}

// Turn returns the current turn state.
func (c *Chat) Turn() TurnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn
}

// transition moves the turn state machine, refusing moves outside the table.
// Caller must hold c.mu.
func (c *Chat) transition(to TurnState) {
	if c.turn == to {
		return
	}
	if !turnTransitions[c.turn][to] {
		log.Printf("chat %s: refusing illegal turn transition %s -> %s", c.id, c.turn, to)
		return
	}
	c.turn = to
}

// spawnArgs builds the CLI invocation for one turn.
func (c *Chat) spawnArgs(resume bool) []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if c.policy == PolicyUnrestricted {
		args = append(args, "--dangerously-skip-permissions")
	} else {
		args = append(args, "--permission-prompt-tool", "stdio")
	}
	if resume {
		args = append(args, "--resume", c.conversationID)
	} else {
		args = append(args, "--session-id", c.conversationID)
	}
	if c.systemPrompt != "" {
		args = append(args, "--append-system-prompt", c.systemPrompt)
	}
	return args
}

// SendMessage starts a new turn: it spawns one agent process, wires its
// stdio, and delivers the user message after a short readiness delay.
// Rejected while a turn is in flight or after Stop.
func (c *Chat) SendMessage(content string, attachments []Attachment) error {
	c.mu.Lock()

	if c.lifecycle == LifecycleStopped {
		c.mu.Unlock()
		return ErrChatStopped
	}
	switch c.turn {
	case TurnIdle, TurnFinished, TurnError:
	default:
		turn := c.turn
		c.mu.Unlock()
		return fmt.Errorf("%w (turn state %s)", ErrTurnInFlight, turn)
	}

	resume := c.turnsCompleted > 0 || c.resumeExisting
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, c.cfg.agentBin, c.spawnArgs(resume)...)
	cmd.Dir = c.workDir

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		c.mu.Unlock()
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		c.mu.Unlock()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		c.mu.Unlock()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		c.transition(TurnError)
		c.lifecycle = LifecycleError
		c.emitStatusLocked("spawn failed: " + err.Error())
		c.mu.Unlock()
		return fmt.Errorf("start agent process: %w", err)
	}

	p := &process{cmd: cmd, stdin: &stdinWriter{w: stdinPipe}, cancel: cancel}
	c.proc = p
	c.lifecycle = LifecycleRunning
	c.transition(TurnProcessing)
	c.turnsCompleted++
	turnsStarted.Inc()

	c.emitTranscriptLocked(stream.Event{Kind: stream.EventUserText, Text: content})
	c.emitStatusLocked("")
	c.mu.Unlock()

	go c.readStdout(p, stdoutPipe)
	go c.drainStderr(stderrPipe)
	go c.deliverUserMessage(p, content, attachments)

	return nil
}

// deliverUserMessage writes the user turn to stdin after the readiness grace
// period. The protocol offers no readiness ack, so the delay is a heuristic.
func (c *Chat) deliverUserMessage(p *process, content string, attachments []Attachment) {
	time.Sleep(c.cfg.readyDelay)

	line, err := encodeUserMessage(content, attachments)
	if err != nil {
		log.Printf("chat %s: encode user message: %v", c.id, err)
		p.cancel()
		return
	}
	if err := p.stdin.WriteLine(line); err != nil {
		// Broken pipe: the process died before accepting input. The exit
		// handler owns the state transition.
		log.Printf("chat %s: write user message: %v", c.id, err)
		p.cancel()
	}
}

// encodeUserMessage builds the stdin user-turn line. Plain text is sent as a
// bare string; attachments switch to a content-block array.
func encodeUserMessage(content string, attachments []Attachment) ([]byte, error) {
	type userMessage struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content any    `json:"content"`
		} `json:"message"`
	}

	var msg userMessage
	msg.Type = "user"
	msg.Message.Role = "user"

	if len(attachments) == 0 {
		msg.Message.Content = content
		return json.Marshal(msg)
	}

	type imageSource struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
	}
	type block struct {
		Type   string       `json:"type"`
		Text   string       `json:"text,omitempty"`
		Source *imageSource `json:"source,omitempty"`
	}

	blocks := []block{{Type: "text", Text: content}}
	for _, a := range attachments {
		blocks = append(blocks, block{
			Type:   "image",
			Source: &imageSource{Type: "base64", MediaType: a.MediaType, Data: a.Data},
		})
	}
	msg.Message.Content = blocks
	return json.Marshal(msg)
}

// readStdout consumes the process's stdout for the lifetime of the turn,
// then reaps the process. It is the only goroutine that feeds protocol
// events into the state machine, so events stay totally ordered per chat.
func (c *Chat) readStdout(p *process, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, defaultScannerBufSize), defaultScannerBufSize)

	for scanner.Scan() {
		events := stream.ParseLine(scanner.Bytes())
		if len(events) > 0 {
			c.handleEvents(p, events)
		}
	}
	if err := scanner.Err(); err != nil {
		// The scanner stops on read errors such as an over-long line, but
		// the agent may still be alive and blocked writing to a full pipe.
		// Kill it so Wait below cannot hang.
		log.Printf("chat %s: stdout scanner error: %v", c.id, err)
		p.cancel()
	}

	err := p.cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	p.stdin.Close()
	p.cancel()
	c.handleExit(p, exitCode)
}

// drainStderr forwards agent diagnostics to the log. stderr is never parsed
// as protocol.
func (c *Chat) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, defaultScannerBufSize), defaultScannerBufSize)
	for scanner.Scan() {
		log.Printf("chat %s: agent: %s", c.id, scanner.Text())
	}
}

// handleEvents applies parsed stdout events to the state machine in order.
func (c *Chat) handleEvents(p *process, events []stream.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.proc != p {
		return // Stale reader from a replaced process.
	}

	for _, ev := range events {
		switch ev.Kind {
		case stream.EventSystemInit:
			// Conversation identity is assigned at creation; the init line
			// is informational only.

		case stream.EventApprovalPrompt:
			c.handleApprovalRequestLocked(p, ev.Approval)

		case stream.EventTurnCompletion:
			c.transition(TurnIdle)
			c.emitTranscriptLocked(ev)
			c.emitStatusLocked("")

		default:
			c.emitTranscriptLocked(ev)
		}
	}
}

// handleApprovalRequestLocked registers a permission request or, with
// auto-approve on, answers it immediately. Caller must hold c.mu.
func (c *Chat) handleApprovalRequestLocked(p *process, req *stream.ApprovalRequest) {
	if req == nil {
		return
	}
	if _, exists := c.pending[req.RequestID]; exists {
		log.Printf("chat %s: duplicate approval request %s ignored", c.id, req.RequestID)
		return
	}

	if c.autoApprove {
		if err := c.answerApprovalLocked(p, req, "allow", req.Input, "", true); err != nil {
			log.Printf("chat %s: auto-approve %s: %v", c.id, req.RequestID, err)
		}
		return
	}

	c.pending[req.RequestID] = req
	c.pendingOrder = append(c.pendingOrder, req.RequestID)
	pendingApprovals.Inc()
	c.transition(TurnAwaitingApproval)

	// Two distinct outward signals: the transcript entry for history replay
	// and the approval notification for live alerting.
	c.emitTranscriptLocked(stream.Event{Kind: stream.EventApprovalPrompt, Approval: req})
	c.emitApprovalLocked(req)
	c.emitStatusLocked("")
}

// answerApprovalLocked encodes and writes one decision, emits the audit
// entry, and updates turn state. Caller must hold c.mu. The request must
// not be in the pending map when this is called (exactly-once consumption
// is enforced by the callers).
func (c *Chat) answerApprovalLocked(p *process, req *stream.ApprovalRequest, behavior string, updatedInput json.RawMessage, message string, auto bool) error {
	var line []byte
	var err error
	switch behavior {
	case "allow":
		if updatedInput == nil {
			updatedInput = req.Input
		}
		line, err = stream.EncodeAllow(req.RequestID, req.ToolUseID, updatedInput)
	case "deny":
		line, err = stream.EncodeDeny(req.RequestID, message)
	default:
		return fmt.Errorf("unknown approval behavior %q", behavior)
	}
	if err != nil {
		return err
	}

	if err := p.stdin.WriteLine(line); err != nil {
		p.cancel() // Exit handler owns the resulting state transition.
		return fmt.Errorf("%w: %v", ErrProcessGone, err)
	}

	approvalDecisions.WithLabelValues(behavior).Inc()
	c.emitTranscriptLocked(stream.Event{
		Kind:      stream.EventApprovalDecision,
		RequestID: req.RequestID,
		ToolName:  req.ToolName,
		Behavior:  behavior,
		Auto:      auto,
	})
	return nil
}

// RespondApproval answers a pending request by id. It fails if the id is
// unknown or the process is gone; on success the request is consumed and
// the turn resumes.
func (c *Chat) RespondApproval(requestID, behavior string, updatedInput json.RawMessage, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.pending[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchApproval, requestID)
	}
	p := c.proc
	if p == nil {
		return ErrProcessGone
	}

	if err := c.answerApprovalLocked(p, req, behavior, updatedInput, message, false); err != nil {
		return err
	}

	c.removePendingLocked(requestID)
	if len(c.pending) == 0 {
		c.transition(TurnProcessing)
	}
	c.emitStatusLocked("")
	return nil
}

// SetAutoApprove toggles automatic approval. Enabling it resolves every
// pending request immediately, in arrival order, as an allow.
func (c *Chat) SetAutoApprove(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.autoApprove = enabled
	if !enabled || len(c.pendingOrder) == 0 {
		return
	}
	p := c.proc
	if p == nil {
		return
	}

	order := append([]string(nil), c.pendingOrder...)
	for _, id := range order {
		req, ok := c.pending[id]
		if !ok {
			continue
		}
		if err := c.answerApprovalLocked(p, req, "allow", req.Input, "", true); err != nil {
			log.Printf("chat %s: auto-approve %s: %v", c.id, id, err)
			return
		}
		c.removePendingLocked(id)
	}
	if len(c.pending) == 0 {
		c.transition(TurnProcessing)
	}
	c.emitStatusLocked("")
}

// removePendingLocked consumes a request id. Once removed, an id is never
// reinserted. Caller must hold c.mu.
func (c *Chat) removePendingLocked(requestID string) {
	if _, ok := c.pending[requestID]; !ok {
		return
	}
	delete(c.pending, requestID)
	for i, id := range c.pendingOrder {
		if id == requestID {
			c.pendingOrder = append(c.pendingOrder[:i], c.pendingOrder[i+1:]...)
			break
		}
	}
	pendingApprovals.Dec()
}

// handleExit runs once the turn's process has been reaped. Completion and
// exit are distinct events: a normal turn already moved to idle when the
// result line arrived, so only abnormal terminations change state here.
func (c *Chat) handleExit(p *process, exitCode int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.proc != p {
		return // Already replaced or cleaned up.
	}
	c.proc = nil

	dropped := len(c.pendingOrder)
	for _, id := range c.pendingOrder {
		delete(c.pending, id)
		pendingApprovals.Dec()
	}
	c.pendingOrder = nil

	if c.lifecycle == LifecycleStopped {
		c.transition(TurnFinished)
		c.emitStatusLocked("agent process terminated by stop")
		return
	}

	switch c.turn {
	case TurnProcessing, TurnAwaitingApproval:
		// The process died without a result line.
		abnormalExits.Inc()
		detail := fmt.Sprintf("agent process exited (code %d) before signaling completion", exitCode)
		if dropped > 0 {
			detail += fmt.Sprintf("; %d pending approvals dropped", dropped)
		}
		if exitCode == 0 {
			c.transition(TurnFinished)
		} else {
			c.transition(TurnError)
		}
		c.emitStatusLocked(detail)
	default:
		// Normal teardown after the result line. Nothing to report.
	}
}

// Stop terminates the chat. Idempotent and safe from any state: it signals
// a live process without waiting for confirmation of death.
func (c *Chat) Stop() {
	c.mu.Lock()
	alreadyStopped := c.lifecycle == LifecycleStopped
	c.lifecycle = LifecycleStopped
	p := c.proc
	if !alreadyStopped {
		c.emitStatusLocked("")
	}
	c.mu.Unlock()

	if p != nil && p.cmd.Process != nil {
		p.cmd.Process.Signal(os.Interrupt)
		time.AfterFunc(c.cfg.gracefulTimeout, p.cancel)
	}
}

// forceKill cancels any live process immediately. Used at shutdown.
func (c *Chat) forceKill() {
	c.mu.Lock()
	p := c.proc
	c.mu.Unlock()
	if p != nil {
		p.cancel()
	}
}

// Emit helpers. Callers must hold c.mu so events are ordered exactly as
// state changes happen.

func (c *Chat) emitTranscriptLocked(ev stream.Event) {
	entry := ev
	c.emit(Event{
		ChatID:    c.id,
		Kind:      EventTranscript,
		Timestamp: time.Now().UTC(),
		Entry:     &entry,
	})
}

func (c *Chat) emitApprovalLocked(req *stream.ApprovalRequest) {
	c.emit(Event{
		ChatID:    c.id,
		Kind:      EventApproval,
		Timestamp: time.Now().UTC(),
		Approval:  req,
	})
}

func (c *Chat) emitStatusLocked(detail string) {
	c.emit(Event{
		ChatID:    c.id,
		Kind:      EventStatus,
		Timestamp: time.Now().UTC(),
		Status: &StatusChange{
			Lifecycle: c.lifecycle,
			Turn:      c.turn,
			Detail:    detail,
		},
	})
}
