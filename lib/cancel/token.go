/*
Copyright 2018 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cancel implements a forest of cancellation tokens: cancelling
// a token cancels its whole subtree. It exists alongside context.Context
// (rather than replacing it) because the worker needs cancellation
// handles it can fan out to many independently-waiting goroutines and
// look up later by job id, which a Context alone does not give cheaply.
package cancel

import (
	"context"
	"sync"
)

// Token is a cheap, clonable handle onto one node of the cancellation
// forest. The zero Token is not usable; create one with New or
// Child.
type Token struct {
	state *state
}

type state struct {
	mu       sync.Mutex
	done     chan struct{}
	closed   bool // Close was called: deregistered from parent
	canceled bool
	children map[*state]struct{}
	parent   *state
}

// New creates a root token with no parent.
func New() Token {
	return Token{state: &state{
		done:     make(chan struct{}),
		children: make(map[*state]struct{}),
	}}
}

// Child creates a new token whose cancellation is implied by t's
// cancellation. The parent keeps a strong reference to the child (so a
// parent cancel always reaches it); the child keeps a reference back to
// the parent only for the purpose of deregistering itself in Close, and
// never extends the parent's lifetime beyond that because Close always
// runs before the child is dropped by its owner.
func (t Token) Child() Token {
	child := &state{
		done:     make(chan struct{}),
		children: make(map[*state]struct{}),
		parent:   t.state,
	}

	t.state.mu.Lock()
	alreadyCanceled := t.state.canceled
	if !alreadyCanceled {
		t.state.children[child] = struct{}{}
	}
	t.state.mu.Unlock()

	if alreadyCanceled {
		// t already fired; the child inherits the cancellation
		// immediately instead of registering with a parent that will
		// never notify it again.
		cancelState(child)
	}

	return Token{state: child}
}

// Cancel fires t and, transitively, every living descendant. Idempotent.
func (t Token) Cancel() {
	cancelState(t.state)
}

func cancelState(s *state) {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return
	}
	s.canceled = true
	children := s.children
	s.children = nil
	close(s.done)
	s.mu.Unlock()

	for child := range children {
		cancelState(child)
	}
}

// Close deregisters t from its parent without cancelling t. Call it when
// a token's owner is done with it, so the parent does not keep a
// permanent reference to a token nobody will cancel or wait on again.
// This applies to a token that was cancelled on its own as well: only a
// parent's cancel clears the parent's references, so a child cancelled
// directly stays registered until Close. A second Close is a no-op.
func (t Token) Close() {
	s := t.state
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	parent := s.parent
	s.mu.Unlock()

	if parent == nil {
		return
	}
	parent.mu.Lock()
	delete(parent.children, s)
	parent.mu.Unlock()
}

// Done returns a channel closed exactly once, when t (or an ancestor) is
// cancelled. Safe to call from many goroutines.
func (t Token) Done() <-chan struct{} {
	return t.state.done
}

// Cancelled reports whether t has already fired.
func (t Token) Cancelled() bool {
	t.state.mu.Lock()
	defer t.state.mu.Unlock()
	return t.state.canceled
}

// Context adapts t to a context.Context for interop with APIs that only
// accept one (net/http, the docker client, go-git). The returned
// context is derived from parent (and so carries parent's values and
// cancellation); cancelling t, or calling the returned CancelFunc,
// cancels it.
func (t Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-t.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// WithCancel races fn's result against t firing, biasing toward
// cancellation when both are ready simultaneously so no extra work
// happens after cancel is observed. It reports ok=false iff t fired
// first.
func WithCancel[T any](t Token, fn func() T) (result T, ok bool) {
	resultCh := make(chan T, 1)
	go func() {
		resultCh <- fn()
	}()

	select {
	case <-t.Done():
		// Cancellation wins ties: even if fn's result raced in at the
		// same instant, treat this call as cancelled rather than doing
		// anything further with a value computed after cancel fired.
		var zero T
		return zero, false
	case result = <-resultCh:
		// select picks at random among ready cases, so re-check t
		// before handing the result back.
		select {
		case <-t.Done():
			var zero T
			return zero, false
		default:
		}
		return result, true
	}
}
