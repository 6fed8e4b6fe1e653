package chat

import "errors"

// Sentinel errors callers branch on. All are precondition violations except
// ErrProcessGone, which reports a broken subprocess pipe.
var (
	ErrNotFound       = errors.New("chat not found")
	ErrTurnInFlight   = errors.New("a turn is already in flight")
	ErrNoSuchApproval = errors.New("approval request not found")
	ErrProcessGone    = errors.New("agent process is not running")
	ErrChatStopped    = errors.New("chat is stopped")
	ErrMaxChats       = errors.New("maximum chat limit reached")
)
