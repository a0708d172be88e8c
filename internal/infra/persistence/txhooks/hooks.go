// Package txhooks collects the commit and rollback callbacks registered on a
// transaction and runs them at most once.
package txhooks

import (
	"context"
	"errors"
	"sync"

	"entitycore/pkg/domain"
)

// Hooks buffers callbacks until the owning transaction finishes. The zero
// value is ready to use.
type Hooks struct {
	mu        sync.Mutex
	commits   []func(context.Context) error
	rollbacks []func()
	done      bool
}

// OnCommit registers fn to run after a successful commit. Registrations after
// the transaction finished are ignored.
func (h *Hooks) OnCommit(fn func(context.Context) error) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return
	}
	h.commits = append(h.commits, fn)
}

// OnRollback registers fn to run after a rollback or failed commit.
func (h *Hooks) OnRollback(fn func()) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return
	}
	h.rollbacks = append(h.rollbacks, fn)
}

// Done reports whether the hooks have already been drained.
func (h *Hooks) Done() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

func (h *Hooks) drain() ([]func(context.Context) error, []func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return nil, nil
	}
	h.done = true
	commits, rollbacks := h.commits, h.rollbacks
	h.commits, h.rollbacks = nil, nil
	return commits, rollbacks
}

// Committed runs every commit hook, even when earlier ones fail. Failures are
// joined into a *domain.PostCommitError.
func (h *Hooks) Committed(ctx context.Context) error {
	commits, _ := h.drain()
	var errs []error
	for _, fn := range commits {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &domain.PostCommitError{Err: errors.Join(errs...)}
}

// RolledBack runs every rollback hook.
func (h *Hooks) RolledBack() {
	_, rollbacks := h.drain()
	for _, fn := range rollbacks {
		fn()
	}
}
