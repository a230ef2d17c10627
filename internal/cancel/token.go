// Package cancel carries cooperative cancellation to running tasks.
//
// A Token is owned by the run that registered it. Other actors cancel it through
// the Registry, usually after a Request arrives on a Bus. The running code only
// observes cancellation at its checkpoints by calling Check.
package cancel

import (
	"errors"
	"sync"
)

// ErrCanceled is the signal a checkpoint returns once the task was cancelled.
// It is not a failure and must never be swallowed by failure policies.
var ErrCanceled = errors.New("cancel: task canceled")

// Token is a one-shot cancellation flag. The zero value is not usable; use NewToken.
type Token struct {
	once sync.Once
	done chan struct{}
}

// NewToken returns an uncancelled token
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel marks the token cancelled. Safe to call more than once.
func (t *Token) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Canceled reports whether Cancel was called
func (t *Token) Canceled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Check returns ErrCanceled once the token is cancelled, nil before
func (t *Token) Check() error {
	if t.Canceled() {
		return ErrCanceled
	}
	return nil
}

// Done is closed when the token is cancelled
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Registry maps task IDs to the tokens of their current runs.
type Registry struct {
	mu     sync.Mutex
	tokens map[int64]*Token
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[int64]*Token)}
}

// Register creates the token for a run of taskID. If a run already holds one,
// that token is returned with ok false and the caller must not Release it.
func (r *Registry) Register(taskID int64) (tok *Token, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, exists := r.tokens[taskID]; exists {
		return cur, false
	}
	tok = NewToken()
	r.tokens[taskID] = tok
	return tok, true
}

// Release forgets tok if it is still the registered token for taskID
func (r *Registry) Release(taskID int64, tok *Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tokens[taskID] == tok {
		delete(r.tokens, taskID)
	}
}

// Cancel fires the token of taskID. It returns false when no run is registered here.
func (r *Registry) Cancel(taskID int64) bool {
	r.mu.Lock()
	tok, ok := r.tokens[taskID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	tok.Cancel()
	return true
}

// Len returns the number of registered runs
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
