package rpc

import (
	"sync"

	"github.com/drblury/rpcflow/internal/runtime/envelope"
)

type outcome struct {
	reply envelope.Reply
	err   error
}

// pendingCall is resolved exactly once. done has room for the single outcome
// so a resolver never blocks.
type pendingCall struct {
	done chan outcome
}

// pendingCalls tracks calls waiting for a reply, keyed by correlation id.
// Removal from the map under mu is what makes a resolution final.
type pendingCalls struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[string]*pendingCall)}
}

func (p *pendingCalls) register(correlationID string) *pendingCall {
	call := &pendingCall{done: make(chan outcome, 1)}
	p.mu.Lock()
	p.calls[correlationID] = call
	p.mu.Unlock()
	return call
}

// resolve delivers o to the call registered under correlationID. It returns
// false when the id is unknown or the call was already resolved.
func (p *pendingCalls) resolve(correlationID string, o outcome) bool {
	p.mu.Lock()
	call, ok := p.calls[correlationID]
	if ok {
		delete(p.calls, correlationID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	call.done <- o
	return true
}

func (p *pendingCalls) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
